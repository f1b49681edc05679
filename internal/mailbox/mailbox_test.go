package mailbox

import (
	"fmt"
	"testing"

	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

func TestSend_UnknownRecipientIsQueued(t *testing.T) {
	mb := New()
	id, err := mb.Send(SendRequest{From: "a", To: "never-seen", Body: "hello"})
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if id == "" {
		t.Fatal("Send() returned empty id")
	}
	if got := mb.UnreadCount("never-seen"); got != 1 {
		t.Errorf("UnreadCount = %d, want 1", got)
	}
}

func TestCheck_FIFOWithinLane(t *testing.T) {
	mb := New()
	for i := 0; i < 5; i++ {
		if _, err := mb.Send(SendRequest{From: "a", To: "d", Body: fmt.Sprintf("msg-%d", i)}); err != nil {
			t.Fatal(err)
		}
	}

	got := mb.Check("d", CheckFilter{})
	if len(got) != 5 {
		t.Fatalf("Check returned %d messages, want 5", len(got))
	}
	for i, mail := range got {
		want := fmt.Sprintf("msg-%d", i)
		if mail.Body != want {
			t.Errorf("message %d body = %q, want %q", i, mail.Body, want)
		}
	}
}

func TestCheck_PriorityLanesDrainHigherFirst(t *testing.T) {
	mb := New()
	send := func(body string, prio models.MailPriority) {
		t.Helper()
		if _, err := mb.Send(SendRequest{From: "a", To: "d", Body: body, Priority: prio}); err != nil {
			t.Fatal(err)
		}
	}
	send("low", models.PriorityLow)
	send("urgent", models.PriorityUrgent)
	send("normal", models.PriorityNormal)
	send("high", models.PriorityHigh)

	got := mb.Check("d", CheckFilter{})
	want := []string{"urgent", "high", "normal", "low"}
	if len(got) != len(want) {
		t.Fatalf("Check returned %d messages, want %d", len(got), len(want))
	}
	for i, body := range want {
		if got[i].Body != body {
			t.Errorf("position %d = %q, want %q", i, got[i].Body, body)
		}
	}
}

func TestCheck_UnreadExactlyOnce(t *testing.T) {
	mb := New()
	if _, err := mb.Send(SendRequest{From: "a", To: "d", Body: "ping"}); err != nil {
		t.Fatal(err)
	}

	first := mb.Check("d", CheckFilter{UnreadOnly: true})
	if len(first) != 1 || first[0].Status != models.MailUnread {
		t.Fatalf("first check = %+v, want one unread message", first)
	}
	second := mb.Check("d", CheckFilter{UnreadOnly: true})
	if len(second) != 0 {
		t.Errorf("second unread check returned %d messages, want 0", len(second))
	}
	// Normal priority archives on read.
	archived := mb.List("d", models.MailArchived)
	if len(archived) != 1 {
		t.Errorf("archived list has %d messages, want 1", len(archived))
	}
}

func TestCheck_HighPriorityStaysUntilArchived(t *testing.T) {
	mb := New()
	id, err := mb.Send(SendRequest{From: "a", To: "d", Body: "act now", Priority: models.PriorityHigh})
	if err != nil {
		t.Fatal(err)
	}

	first := mb.Check("d", CheckFilter{})
	if len(first) != 1 || first[0].Status != models.MailUnread {
		t.Fatalf("first check = %+v, want one unread message", first)
	}
	second := mb.Check("d", CheckFilter{})
	if len(second) != 1 || second[0].Status != models.MailRead {
		t.Fatalf("second check = %+v, want the same message as read", second)
	}

	if err := mb.Archive(id); err != nil {
		t.Fatalf("Archive() error = %v", err)
	}
	if got := mb.Check("d", CheckFilter{}); len(got) != 0 {
		t.Errorf("check after archive returned %d messages, want 0", len(got))
	}
}

func TestReply_ThreadsToSender(t *testing.T) {
	mb := New()
	origID, err := mb.Send(SendRequest{From: "a", To: "d", Subject: "health", Body: "please check"})
	if err != nil {
		t.Fatal(err)
	}

	replyID, err := mb.Reply(origID, "d", "all green")
	if err != nil {
		t.Fatalf("Reply() error = %v", err)
	}
	back := mb.Check("a", CheckFilter{})
	if len(back) != 1 {
		t.Fatalf("sender mailbox has %d messages, want 1", len(back))
	}
	if back[0].ID != replyID {
		t.Errorf("reply id = %q, want %q", back[0].ID, replyID)
	}
	if back[0].InReplyTo != origID {
		t.Errorf("InReplyTo = %q, want %q", back[0].InReplyTo, origID)
	}
	if back[0].Subject != "Re: health" {
		t.Errorf("Subject = %q, want %q", back[0].Subject, "Re: health")
	}
}

func TestReply_UnknownMessage(t *testing.T) {
	mb := New()
	if _, err := mb.Reply("missing", "d", "body"); err != ErrNotFound {
		t.Errorf("Reply() error = %v, want ErrNotFound", err)
	}
}

func TestStats_CountsUnreadByLane(t *testing.T) {
	mb := New()
	mb.Send(SendRequest{From: "a", To: "d", Body: "1"})
	mb.Send(SendRequest{From: "a", To: "d", Body: "2", Priority: models.PriorityUrgent})
	mb.Send(SendRequest{From: "a", To: "p", Body: "3"})

	stats := mb.Stats()
	if stats["normal"] != 2 {
		t.Errorf("normal lane = %d, want 2", stats["normal"])
	}
	if stats["urgent"] != 1 {
		t.Errorf("urgent lane = %d, want 1", stats["urgent"])
	}
}

func TestDepthGauge_TracksUnreadPerLane(t *testing.T) {
	depth := map[string]float64{}
	mb := New(WithDepthGauge(func(priority string, unread float64) {
		depth[priority] = unread
	}))

	mb.Send(SendRequest{From: "a", To: "d", Body: "1"})
	mb.Send(SendRequest{From: "a", To: "d", Body: "2", Priority: models.PriorityUrgent})
	if depth["normal"] != 1 || depth["urgent"] != 1 {
		t.Fatalf("after send depth = %v, want normal=1 urgent=1", depth)
	}

	mb.Check("d", CheckFilter{})
	if depth["normal"] != 0 || depth["urgent"] != 0 {
		t.Errorf("after check depth = %v, want all lanes 0", depth)
	}
}
