package session

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/prompts"
	"github.com/DeanoC/AIWhisperer-sub000/internal/sessions"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools/builtin"
	"github.com/DeanoC/AIWhisperer-sub000/internal/workspace"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// scriptedBackend replays canned chunk sequences per Stream call; the last
// response repeats once the script is exhausted.
type scriptedBackend struct {
	responses [][]llm.Chunk
	calls     int
}

func (b *scriptedBackend) Name() string { return "scripted" }

func (b *scriptedBackend) Stream(ctx context.Context, req *llm.Request) (<-chan llm.Chunk, error) {
	i := b.calls
	if i >= len(b.responses) {
		i = len(b.responses) - 1
	}
	b.calls++
	ch := make(chan llm.Chunk, len(b.responses[i]))
	for _, c := range b.responses[i] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func textResponse(text string) []llm.Chunk {
	return []llm.Chunk{{Content: text}, {FinishReason: llm.FinishStop}}
}

func toolResponse(id, name, args string) []llm.Chunk {
	return []llm.Chunk{
		{ToolCallDelta: &llm.ToolCallDelta{Index: 0, ID: id, Name: name}},
		{ToolCallDelta: &llm.ToolCallDelta{Index: 0, ArgumentsFragment: args}},
		{FinishReason: llm.FinishToolCalls},
	}
}

// chanSink collects events on an unbounded slice guarded by the channel.
type chanSink struct {
	events chan models.SessionEvent
}

func newChanSink() *chanSink {
	return &chanSink{events: make(chan models.SessionEvent, 256)}
}

func (c *chanSink) Send(ev models.SessionEvent) bool {
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

// waitFor drains events until one matches the type or the timeout fires.
func (c *chanSink) waitFor(t *testing.T, want models.SessionEventType) models.SessionEvent {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-c.events:
			if ev.Type == want {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", want)
		}
	}
}

func testCatalog(t *testing.T) *agents.Registry {
	t.Helper()
	catalog, err := agents.NewRegistry([]agents.Descriptor{
		{
			ID: "a", Name: "Alice the Assistant", PromptFile: "alice.md",
			Tools:        agents.ToolSelectors{Sets: []string{"readonly_filesystem", "mailbox_tools"}},
			Continuation: agents.ContinuationPolicy{MaxDepth: 3},
		},
		{
			ID: "p", Name: "Patricia the Planner", PromptFile: "patricia.md",
			Tools: agents.ToolSelectors{Sets: []string{"rfc_tools", "plan_tools"}},
			Continuation: agents.ContinuationPolicy{
				RequireExplicitSignal: true, MaxDepth: 3, Sentinel: "CONTINUE",
				AutoContinueTools: []string{"prepare_plan_from_rfc"},
			},
		},
		{
			ID: "d", Name: "Debbie the Debugger", PromptFile: "debbie.md",
			Tools:        agents.ToolSelectors{Sets: []string{"mailbox_tools", "debugging_tools"}},
			Continuation: agents.ContinuationPolicy{MaxDepth: 3},
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return catalog
}

func testPrompts(t *testing.T) *prompts.Loader {
	t.Helper()
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "agents"), 0o755); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"alice.md", "patricia.md", "debbie.md"} {
		if err := os.WriteFile(filepath.Join(dir, "agents", name), []byte("You are "+name+".\n"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	return prompts.NewLoader(dir, discard())
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDeps wires real tools over temp dirs with per-agent scripted
// backends.
func newTestDeps(t *testing.T, backends map[string]llm.Backend) Deps {
	t.Helper()
	policy, err := workspace.NewPolicy(t.TempDir(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	mb := mailbox.New()
	reg := tools.NewRegistry(discard())
	if err := builtin.RegisterAll(reg, builtin.Deps{Policy: policy, Mailbox: mb}); err != nil {
		t.Fatal(err)
	}

	cfg := config.Default().Session

	return Deps{
		Catalog: testCatalog(t),
		Tools:   reg,
		Prompts: testPrompts(t),
		Backend: func(d *agents.Descriptor) (llm.Backend, error) {
			return backends[d.ID], nil
		},
		Store:        sessions.NewMemoryStore(),
		Mailbox:      mb,
		Logger:       discard(),
		Config:       cfg,
		DefaultAgent: "a",
	}
}

func newTestSession(t *testing.T, backends map[string]llm.Backend) (*Session, *chanSink) {
	t.Helper()
	deps := newTestDeps(t, backends)
	if err := deps.Store.Create(context.Background(), sessions.Record{ID: "s1", ActiveAgent: "a"}); err != nil {
		t.Fatal(err)
	}
	s, err := New("s1", deps)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Close(ctx)
	})
	sink := newChanSink()
	s.AttachSink(sink)
	return s, sink
}

func TestTurn_StreamedToolRun(t *testing.T) {
	backend := &scriptedBackend{responses: [][]llm.Chunk{
		toolResponse("tc1", "list_directory", `{"path":"."}`),
		textResponse("The directory is empty."),
	}}
	s, sink := newTestSession(t, map[string]llm.Backend{"a": backend})

	if err := s.SendUserMessage("what files are here?"); err != nil {
		t.Fatalf("SendUserMessage() error: %v", err)
	}

	sink.waitFor(t, models.EventMessageStart)
	invoked := sink.waitFor(t, models.EventToolInvoked)
	if invoked.Tool.Name != "list_directory" {
		t.Errorf("tool invoked = %s, want list_directory", invoked.Tool.Name)
	}
	completed := sink.waitFor(t, models.EventToolCompleted)
	if !completed.Tool.Success {
		t.Errorf("tool result = %s, want success", completed.Tool.ResultJSON)
	}
	done := sink.waitFor(t, models.EventMessageComplete)
	if done.Done.Text != "The directory is empty." {
		t.Errorf("final text = %q", done.Done.Text)
	}

	// Events are strictly ordered per session.
	if invoked.Seq >= completed.Seq || completed.Seq >= done.Seq {
		t.Errorf("seq not monotonic: %d, %d, %d", invoked.Seq, completed.Seq, done.Seq)
	}

	rt, err := s.RuntimeFor("a")
	if err != nil {
		t.Fatal(err)
	}
	history := rt.History()
	if len(history) != 4 {
		t.Fatalf("history = %d messages, want 4", len(history))
	}
	if history[2].ToolCallID != "tc1" {
		t.Errorf("tool reply pairs %q, want tc1", history[2].ToolCallID)
	}
}

func TestSwitchAgent_SeparateHistories(t *testing.T) {
	backends := map[string]llm.Backend{
		"a": &scriptedBackend{responses: [][]llm.Chunk{textResponse("Alice here.")}},
		"d": &scriptedBackend{responses: [][]llm.Chunk{textResponse("Debbie here.")}},
	}
	s, sink := newTestSession(t, backends)

	if err := s.SendUserMessage("hello"); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, models.EventMessageComplete)

	id, err := s.SwitchAgent("Debbie")
	if err != nil {
		t.Fatalf("SwitchAgent() error: %v", err)
	}
	if id != "d" {
		t.Errorf("switched to %q, want d", id)
	}
	switched := sink.waitFor(t, models.EventAgentSwitched)
	if switched.Switch.From != "a" || switched.Switch.To != "d" {
		t.Errorf("switch = %+v", switched.Switch)
	}

	if err := s.SendUserMessage("and you are?"); err != nil {
		t.Fatal(err)
	}
	done := sink.waitFor(t, models.EventMessageComplete)
	if done.AgentID != "d" || done.Done.Text != "Debbie here." {
		t.Errorf("second turn = agent %s text %q", done.AgentID, done.Done.Text)
	}

	// Alice's history is untouched by Debbie's turn.
	aliceRT, _ := s.RuntimeFor("a")
	debbieRT, _ := s.RuntimeFor("d")
	if len(aliceRT.History()) != 2 || len(debbieRT.History()) != 2 {
		t.Errorf("histories = %d and %d messages, want 2 and 2",
			len(aliceRT.History()), len(debbieRT.History()))
	}
}

func TestSwitchAgent_Unknown(t *testing.T) {
	s, _ := newTestSession(t, map[string]llm.Backend{
		"a": &scriptedBackend{responses: [][]llm.Chunk{textResponse("hi")}},
	})
	if _, err := s.SwitchAgent("zara"); err == nil {
		t.Error("SwitchAgent(zara) succeeded, want error")
	}
}

func TestContinuationDepthCap_EndToEnd(t *testing.T) {
	// Patricia auto-continues on prepare_plan_from_rfc with maxDepth 3:
	// four backend rounds run, then the loop stops.
	backend := &scriptedBackend{responses: [][]llm.Chunk{
		toolResponse("tc", "prepare_plan_from_rfc", `{"rfc_id":"rfc_x_2026-01-01"}`),
	}}
	s, sink := newTestSession(t, map[string]llm.Backend{"p": backend, "a": backend})

	if _, err := s.SwitchAgent("Patricia"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendUserMessage("plan it"); err != nil {
		t.Fatal(err)
	}
	done := sink.waitFor(t, models.EventMessageComplete)
	if done.Done.Depth != 3 {
		t.Errorf("final depth = %d, want 3", done.Done.Depth)
	}
	if backend.calls != 4 {
		t.Errorf("backend rounds = %d, want 4", backend.calls)
	}
}

func TestTurnQueue_FIFO(t *testing.T) {
	backend := &scriptedBackend{responses: [][]llm.Chunk{
		textResponse("first"),
		textResponse("second"),
	}}
	s, sink := newTestSession(t, map[string]llm.Backend{"a": backend})

	if err := s.SendUserMessage("one"); err != nil {
		t.Fatal(err)
	}
	if err := s.SendUserMessage("two"); err != nil {
		t.Fatal(err)
	}

	first := sink.waitFor(t, models.EventMessageComplete)
	second := sink.waitFor(t, models.EventMessageComplete)
	if first.Done.Text != "first" || second.Done.Text != "second" {
		t.Errorf("turn order = %q then %q", first.Done.Text, second.Done.Text)
	}
}

func TestSendAfterClose(t *testing.T) {
	s, _ := newTestSession(t, map[string]llm.Backend{
		"a": &scriptedBackend{responses: [][]llm.Chunk{textResponse("hi")}},
	})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.Close(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.SendUserMessage("late"); err != ErrClosed {
		t.Errorf("SendUserMessage() after close = %v, want ErrClosed", err)
	}
}

func TestNilSink_TurnStillRuns(t *testing.T) {
	backend := &scriptedBackend{responses: [][]llm.Chunk{textResponse("quiet")}}
	deps := newTestDeps(t, map[string]llm.Backend{"a": backend})
	if err := deps.Store.Create(context.Background(), sessions.Record{ID: "s2"}); err != nil {
		t.Fatal(err)
	}
	s, err := New("s2", deps)
	if err != nil {
		t.Fatal(err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		s.Close(ctx)
	}()

	// No sink attached: events go nowhere, history still updates.
	if err := s.SendUserMessage("anyone there?"); err != nil {
		t.Fatal(err)
	}

	rt, _ := s.RuntimeFor("a")
	waitUntil(t, func() bool { return len(rt.History()) == 2 })
	if rt.History()[1].Content != "quiet" {
		t.Errorf("assistant = %q", rt.History()[1].Content)
	}
}

func TestManager_LifecycleAndAnalysis(t *testing.T) {
	backend := &scriptedBackend{responses: [][]llm.Chunk{textResponse("done")}}
	deps := newTestDeps(t, map[string]llm.Backend{"a": backend})
	m := NewManager(deps)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		m.Shutdown(ctx)
	}()

	s, err := m.Create(context.Background())
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	if _, ok := m.Get(s.ID()); !ok {
		t.Error("Get() did not find the created session")
	}

	sink := newChanSink()
	s.AttachSink(sink)
	if err := s.SendUserMessage("hi"); err != nil {
		t.Fatal(err)
	}
	sink.waitFor(t, models.EventMessageComplete)

	analysis, err := m.Analyze(s.ID())
	if err != nil {
		t.Fatalf("Analyze() error: %v", err)
	}
	if analysis["turns"] != 1 {
		t.Errorf("turns = %v, want 1", analysis["turns"])
	}
	if analysis["active_agent"] != "a" {
		t.Errorf("active_agent = %v", analysis["active_agent"])
	}

	health := m.Health()
	if health["sessions"] != 1 {
		t.Errorf("health sessions = %v, want 1", health["sessions"])
	}

	if err := m.Destroy(context.Background(), s.ID()); err != nil {
		t.Fatalf("Destroy() error: %v", err)
	}
	if _, ok := m.Get(s.ID()); ok {
		t.Error("session still present after Destroy")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

func TestContextTracker_WindowKeepsPairs(t *testing.T) {
	tracker := NewContextTracker(60)

	history := []models.ConversationMessage{
		models.NewUserMessage("a very old question that takes up quite a few tokens in the window"),
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{{ID: "tc1", Name: "read_file"}}},
		models.NewToolMessage("tc1", `{"success":true}`),
		{Role: models.RoleAssistant, Content: "old answer"},
		models.NewUserMessage("newer question"),
		{Role: models.RoleAssistant, Content: "newer answer"},
	}

	window := tracker.Window(history)
	if len(window) == 0 || len(window) == len(history) {
		t.Fatalf("window = %d of %d messages, want a strict trim", len(window), len(history))
	}
	// A tool reply never leads the window without its assistant request.
	if window[0].Role == models.RoleTool {
		t.Errorf("window starts with an orphaned tool message")
	}
}

func TestContextTracker_SingleHugeMessageKept(t *testing.T) {
	tracker := NewContextTracker(10)
	history := []models.ConversationMessage{
		models.NewUserMessage("this message alone is larger than the whole budget allows for"),
	}
	if got := tracker.Window(history); len(got) != 1 {
		t.Errorf("window = %d messages, want the newest kept regardless", len(got))
	}
}
