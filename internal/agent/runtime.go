// Package agent implements the per-(session, agent) runtime: conversation
// history, the streaming turn loop, continuation control, and the
// synchronous mailbox handoff.
package agent

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// placeholderResponse preserves the user/assistant alternation when the
// backend returns nothing at all.
const placeholderResponse = "response unavailable"

// TranscriptStore is the durable mirror of an agent's history. Appends
// that fail are logged, never fatal; the in-memory history is the source
// the turn loop reads.
type TranscriptStore interface {
	AppendMessage(ctx context.Context, sessionID, agentID string, msg models.ConversationMessage) error
}

// ToolInterceptor can take over a tool call before the registry sees it.
// The switch handler uses this to turn send_mail into a handoff.
type ToolInterceptor interface {
	Intercept(ctx context.Context, sender *Runtime, call models.ToolCall) (tools.Result, bool)
}

// Config wires one runtime. Descriptor, Backend, Registry, and Logger are
// required; everything else is optional.
type Config struct {
	SessionID    string
	Descriptor   *agents.Descriptor
	Backend      llm.Backend
	Registry     *tools.Registry
	SystemPrompt string
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Store        TranscriptStore
	Interceptor  ToolInterceptor

	// Emit forwards session events (deltas, tool activity). The session
	// assigns sequence numbers and fans out to the sink and observer.
	Emit func(models.SessionEvent)

	// Window trims the history to the model context; nil sends everything.
	Window func([]models.ConversationMessage) []models.ConversationMessage
}

// AssistantResult is the outcome of one turn. Content and Reasoning are
// the final assistant message's; Content stays empty when the backend
// produced nothing, even though history holds the placeholder.
type AssistantResult struct {
	Content   string
	Reasoning string
	Usage     *models.Usage
	Depth     int
}

// Runtime drives one agent inside one session. Turns run one at a time
// (the session serializes them); history reads may come from other
// goroutines and take the lock.
type Runtime struct {
	cfg      Config
	selector tools.Selectors
	schemas  []models.ToolSchema
	logger   *slog.Logger

	mu           sync.RWMutex
	history      []models.ConversationMessage
	depth        int
	lastActivity time.Time
}

// NewRuntime constructs the runtime and resolves its tool set once.
func NewRuntime(cfg Config) *Runtime {
	sel := tools.Selectors{
		Sets:  cfg.Descriptor.Tools.Sets,
		Tags:  cfg.Descriptor.Tools.Tags,
		Allow: cfg.Descriptor.Tools.Allow,
		Deny:  cfg.Descriptor.Tools.Deny,
	}
	return &Runtime{
		cfg:          cfg,
		selector:     sel,
		schemas:      cfg.Registry.DefinitionsFor(sel),
		logger:       cfg.Logger.With("component", "agent", "agent_id", cfg.Descriptor.ID),
		lastActivity: time.Now(),
	}
}

// Descriptor returns the immutable catalog entry this runtime serves.
func (r *Runtime) Descriptor() *agents.Descriptor { return r.cfg.Descriptor }

// SessionID returns the owning session's id.
func (r *Runtime) SessionID() string { return r.cfg.SessionID }

// History returns a copy of the conversation so far.
func (r *Runtime) History() []models.ConversationMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]models.ConversationMessage, len(r.history))
	copy(out, r.history)
	return out
}

// LastActivity reports when the runtime last appended a message.
func (r *Runtime) LastActivity() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastActivity
}

// Depth reports the continuation depth of the current or last turn.
func (r *Runtime) Depth() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.depth
}

// HandleUserMessage appends the user message, resets continuation depth,
// and runs the turn loop to completion.
func (r *Runtime) HandleUserMessage(ctx context.Context, text string) (*AssistantResult, error) {
	r.append(ctx, models.NewUserMessage(text))
	r.mu.Lock()
	r.depth = 0
	r.mu.Unlock()
	return r.runLoop(ctx)
}

// HandleToolResult appends a manufactured tool-role reply. Used by
// collaborators that intercept a tool call and produce its result outside
// the registry.
func (r *Runtime) HandleToolResult(ctx context.Context, toolCallID string, result tools.Result) {
	r.append(ctx, models.NewToolMessage(toolCallID, result.JSON()))
}

// InjectSystemDirective appends an assistant-visible system note. The
// observer uses this for recovery prompts.
func (r *Runtime) InjectSystemDirective(ctx context.Context, text string) {
	r.append(ctx, models.NewSystemMessage(text))
}

// RunContinuation re-enters the turn loop without a new user message,
// after an injected directive.
func (r *Runtime) RunContinuation(ctx context.Context) (*AssistantResult, error) {
	r.mu.Lock()
	r.depth = 0
	r.mu.Unlock()
	return r.runLoop(ctx)
}

// runLoop is the turn loop: stream, record, execute tools, maybe
// continue. It returns when the model finishes without tool calls, the
// continuation policy stops it, or the context is cancelled.
func (r *Runtime) runLoop(ctx context.Context) (*AssistantResult, error) {
	policy := r.cfg.Descriptor.Continuation

	for {
		result, calls, err := r.streamOnce(ctx)
		if err != nil && ctx.Err() == nil {
			// Transport failure: history holds what was salvaged. Any
			// complete tool calls still execute below so their replies
			// pair up; the turn ends after that.
			r.logger.Error("backend stream failed", "error", err)
			r.emitError("transport", err.Error())
		}

		// Execute tool calls strictly in emission order; later calls may
		// depend on earlier side effects. After cancellation each
		// remaining call gets a synthesized cancelled result so the
		// history pairing stays intact.
		for _, pc := range calls {
			toolResult := r.executeCall(ctx, pc)
			r.append(ctx, models.NewToolMessage(pc.Call.ID, toolResult.JSON()))
		}

		if cause := ctx.Err(); cause != nil {
			return result, cause
		}
		if err != nil {
			return result, nil
		}
		if len(calls) == 0 {
			return result, nil
		}

		last := r.lastAssistant()
		r.mu.RLock()
		depth := r.depth
		r.mu.RUnlock()
		if !ShouldContinue(policy, last, depth) {
			return result, nil
		}
		r.mu.Lock()
		r.depth++
		r.mu.Unlock()
	}
}

// streamOnce performs one model invocation: request build, stream
// consumption, and the assistant history append. It returns the prepared
// tool calls for the caller to execute.
func (r *Runtime) streamOnce(ctx context.Context) (*AssistantResult, []PreparedCall, error) {
	req := &llm.Request{
		Model:        r.cfg.Descriptor.Model.ModelID,
		SystemPrompt: r.cfg.SystemPrompt,
		Messages:     r.windowedHistory(),
		Tools:        r.schemas,
		Temperature:  r.cfg.Descriptor.Model.Temperature,
		MaxTokens:    r.cfg.Descriptor.Model.MaxTokens,
	}

	r.mu.RLock()
	depth := r.depth
	r.mu.RUnlock()

	chunks, err := r.cfg.Backend.Stream(ctx, req)
	if err != nil {
		r.append(ctx, assistantMessage(placeholderResponse, "", nil, nil))
		return &AssistantResult{Depth: depth}, nil, err
	}

	acc := NewAccumulator()
	var content, reasoning strings.Builder
	var usage *models.Usage
	var streamErr error

	for chunk := range chunks {
		if chunk.Err != nil {
			streamErr = chunk.Err
			continue
		}
		if chunk.ToolCallDelta != nil {
			acc.Add(chunk.ToolCallDelta)
			continue
		}
		if chunk.Content != "" {
			content.WriteString(chunk.Content)
			r.emitDelta(chunk.Content, "")
		}
		if chunk.Reasoning != "" {
			reasoning.WriteString(chunk.Reasoning)
			r.emitDelta("", chunk.Reasoning)
		}
		if chunk.Usage != nil {
			usage = chunk.Usage
		}
	}

	calls := acc.Finalize()
	text := content.String()
	thought := reasoning.String()

	if usage != nil && r.cfg.Metrics != nil {
		r.cfg.Metrics.RecordTokens(r.cfg.Backend.Name(), usage.PromptTokens, usage.CompletionTokens)
	}

	// Empty-response defense: the placeholder keeps the history
	// alternating while the result reports the true emptiness for the
	// observer.
	if text == "" && thought == "" && len(calls) == 0 && streamErr == nil {
		r.append(ctx, assistantMessage(placeholderResponse, "", nil, usage))
		return &AssistantResult{Usage: usage, Depth: depth}, nil, nil
	}

	toolCalls := make([]models.ToolCall, 0, len(calls))
	for _, pc := range calls {
		toolCalls = append(toolCalls, pc.Call)
	}

	if streamErr != nil && ctx.Err() == nil && text == "" && thought == "" && len(calls) == 0 {
		r.append(ctx, assistantMessage(placeholderResponse, "", nil, usage))
		return &AssistantResult{Usage: usage, Depth: depth}, nil, streamErr
	}

	r.append(ctx, assistantMessage(text, thought, toolCalls, usage))
	return &AssistantResult{Content: text, Reasoning: thought, Usage: usage, Depth: depth}, calls, streamErr
}

// executeCall resolves one prepared call to its structured result.
func (r *Runtime) executeCall(ctx context.Context, pc PreparedCall) tools.Result {
	start := time.Now()
	r.emitTool(models.EventToolInvoked, pc.Call, nil, 0)

	var result tools.Result
	switch {
	case ctx.Err() != nil:
		result = tools.Fail("cancelled", map[string]any{"tool": pc.Call.Name})
	case pc.ParseErr != nil:
		result = tools.Fail(pc.ParseErr.Error(), map[string]any{"tool": pc.Call.Name})
	default:
		if r.cfg.Interceptor != nil {
			if intercepted, handled := r.cfg.Interceptor.Intercept(ctx, r, pc.Call); handled {
				result = intercepted
				break
			}
		}
		inv := tools.Invocation{SessionID: r.cfg.SessionID, AgentID: r.cfg.Descriptor.ID}
		result = r.cfg.Registry.InvokeJSON(ctx, pc.Call.Name, pc.Call.Arguments, inv)
	}

	r.emitTool(models.EventToolCompleted, pc.Call, result, time.Since(start))
	return result
}

// append writes one message to history and mirrors it to the store.
func (r *Runtime) append(ctx context.Context, msg models.ConversationMessage) {
	r.mu.Lock()
	r.history = append(r.history, msg)
	r.lastActivity = time.Now()
	r.mu.Unlock()

	if r.cfg.Store != nil {
		if err := r.cfg.Store.AppendMessage(ctx, r.cfg.SessionID, r.cfg.Descriptor.ID, msg); err != nil {
			r.logger.Warn("transcript append failed", "error", err)
		}
	}
}

func (r *Runtime) windowedHistory() []models.ConversationMessage {
	history := r.History()
	if r.cfg.Window != nil {
		return r.cfg.Window(history)
	}
	return history
}

func (r *Runtime) lastAssistant() *models.ConversationMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.history) - 1; i >= 0; i-- {
		if r.history[i].Role == models.RoleAssistant {
			msg := r.history[i]
			return &msg
		}
	}
	return nil
}

func (r *Runtime) emitDelta(text, reasoning string) {
	if r.cfg.Emit == nil {
		return
	}
	ev := models.NewEvent(models.EventAssistantDelta, r.cfg.SessionID, r.cfg.Descriptor.ID)
	ev.Delta = &models.DeltaPayload{Text: text, Reasoning: reasoning}
	r.cfg.Emit(ev)
}

func (r *Runtime) emitTool(t models.SessionEventType, call models.ToolCall, result tools.Result, d time.Duration) {
	if r.cfg.Emit == nil {
		return
	}
	ev := models.NewEvent(t, r.cfg.SessionID, r.cfg.Descriptor.ID)
	payload := &models.ToolPayload{
		CallID:   call.ID,
		Name:     call.Name,
		ArgsJSON: call.Arguments,
	}
	if result != nil {
		payload.ResultJSON = []byte(result.JSON())
		payload.Success = result.Succeeded()
		payload.DurationMs = d.Milliseconds()
	}
	ev.Tool = payload
	r.cfg.Emit(ev)
}

func (r *Runtime) emitError(kind, message string) {
	if r.cfg.Emit == nil {
		return
	}
	ev := models.NewEvent(models.EventSessionError, r.cfg.SessionID, r.cfg.Descriptor.ID)
	ev.Error = &models.ErrorPayload{Kind: kind, Message: message}
	r.cfg.Emit(ev)
}

func assistantMessage(content, reasoning string, toolCalls []models.ToolCall, usage *models.Usage) models.ConversationMessage {
	return models.ConversationMessage{
		Role:      models.RoleAssistant,
		Content:   content,
		Reasoning: reasoning,
		ToolCalls: toolCalls,
		Timestamp: time.Now(),
		Usage:     usage,
	}
}
