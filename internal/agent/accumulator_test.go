package agent

import (
	"testing"

	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
)

func TestAccumulator_FragmentsAssembleInIndexOrder(t *testing.T) {
	acc := NewAccumulator()
	// Two interleaved calls, fragments out of order across indexes.
	acc.Add(&llm.ToolCallDelta{Index: 1, ID: "b", Name: "write_file"})
	acc.Add(&llm.ToolCallDelta{Index: 0, ID: "a", Name: "read_file"})
	acc.Add(&llm.ToolCallDelta{Index: 0, ArgumentsFragment: `{"path":`})
	acc.Add(&llm.ToolCallDelta{Index: 1, ArgumentsFragment: `{"path":"out.txt"}`})
	acc.Add(&llm.ToolCallDelta{Index: 0, ArgumentsFragment: `"in.txt"}`})

	calls := acc.Finalize()
	if len(calls) != 2 {
		t.Fatalf("Finalize() returned %d calls, want 2", len(calls))
	}
	if calls[0].Call.ID != "a" || calls[1].Call.ID != "b" {
		t.Errorf("call order = %s, %s; want a, b", calls[0].Call.ID, calls[1].Call.ID)
	}
	if got := string(calls[0].Call.Arguments); got != `{"path":"in.txt"}` {
		t.Errorf("call a arguments = %s", got)
	}
	if calls[0].ParseErr != nil || calls[1].ParseErr != nil {
		t.Errorf("unexpected parse errors: %v, %v", calls[0].ParseErr, calls[1].ParseErr)
	}
}

func TestAccumulator_MalformedArguments(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(&llm.ToolCallDelta{Index: 0, ID: "x", Name: "read_file"})
	acc.Add(&llm.ToolCallDelta{Index: 0, ArgumentsFragment: `{"path": "unterminated`})

	calls := acc.Finalize()
	if len(calls) != 1 {
		t.Fatalf("Finalize() returned %d calls, want 1", len(calls))
	}
	if calls[0].ParseErr == nil {
		t.Error("ParseErr = nil, want invalid JSON error")
	}
}

func TestAccumulator_NamelessPartialDropped(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(&llm.ToolCallDelta{Index: 0, ArgumentsFragment: `{}`})
	if calls := acc.Finalize(); len(calls) != 0 {
		t.Errorf("Finalize() returned %d calls, want 0", len(calls))
	}
}

func TestAccumulator_MissingIDSynthesized(t *testing.T) {
	acc := NewAccumulator()
	acc.Add(&llm.ToolCallDelta{Index: 0, Name: "list_rfcs"})
	calls := acc.Finalize()
	if len(calls) != 1 {
		t.Fatalf("Finalize() returned %d calls, want 1", len(calls))
	}
	if calls[0].Call.ID == "" {
		t.Error("call ID empty, want synthesized id")
	}
}
