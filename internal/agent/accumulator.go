package agent

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"

	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// Accumulator assembles streamed tool-call fragments into complete calls.
// Backends key fragments by block index; ID and Name latch on first sight
// and argument fragments append in arrival order.
type Accumulator struct {
	partials map[int]*partialCall
}

type partialCall struct {
	id   string
	name string
	args strings.Builder
}

// PreparedCall is one finalized tool call. RawArgs is handed to the
// registry unparsed so zero-byte arguments surface as a schema error
// there; ParseErr is set when the buffered arguments are not valid JSON,
// in which case the call must not be invoked.
type PreparedCall struct {
	Call     models.ToolCall
	ParseErr error
}

// NewAccumulator creates an empty accumulator for one model response.
func NewAccumulator() *Accumulator {
	return &Accumulator{partials: map[int]*partialCall{}}
}

// Add folds one delta into the partial keyed by its index.
func (a *Accumulator) Add(d *llm.ToolCallDelta) {
	p, ok := a.partials[d.Index]
	if !ok {
		p = &partialCall{}
		a.partials[d.Index] = p
	}
	if d.ID != "" {
		p.id = d.ID
	}
	if d.Name != "" {
		p.name = d.Name
	}
	if d.ArgumentsFragment != "" {
		p.args.WriteString(d.ArgumentsFragment)
	}
}

// Finalize returns completed calls in index order. Partials that never
// received a name are dropped; a missing id gets a synthesized one so the
// tool-role reply can still be paired.
func (a *Accumulator) Finalize() []PreparedCall {
	indexes := make([]int, 0, len(a.partials))
	for i := range a.partials {
		indexes = append(indexes, i)
	}
	sort.Ints(indexes)

	var out []PreparedCall
	for _, i := range indexes {
		p := a.partials[i]
		if p.name == "" {
			continue
		}
		id := p.id
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		prepared := PreparedCall{Call: models.ToolCall{
			ID:        id,
			Name:      p.name,
			Arguments: json.RawMessage(p.args.String()),
		}}
		if raw := strings.TrimSpace(p.args.String()); raw != "" && !json.Valid([]byte(raw)) {
			prepared.ParseErr = fmt.Errorf("arguments parse: invalid JSON for tool %s", p.name)
		}
		out = append(out, prepared)
	}
	return out
}
