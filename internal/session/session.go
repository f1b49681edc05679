// Package session owns the live state of one conversation: the per-agent
// runtimes, the active agent, the event stream, and the FIFO turn queue.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/agent"
	"github.com/DeanoC/AIWhisperer-sub000/internal/agents"
	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/llm"
	"github.com/DeanoC/AIWhisperer-sub000/internal/mailbox"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
	"github.com/DeanoC/AIWhisperer-sub000/internal/prompts"
	"github.com/DeanoC/AIWhisperer-sub000/internal/sessions"
	"github.com/DeanoC/AIWhisperer-sub000/internal/tools"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// Sink receives session events for one connected client. Send reports
// whether the event was accepted; a detached or overflowing sink returns
// false and the session carries on (I7: streaming is best-effort, history
// is not).
type Sink interface {
	Send(models.SessionEvent) bool
}

// BackendFactory resolves the LLM backend for an agent, honoring its
// per-agent provider preference.
type BackendFactory func(d *agents.Descriptor) (llm.Backend, error)

// Deps carries the process-wide collaborators a session needs.
type Deps struct {
	Catalog      *agents.Registry
	Tools        *tools.Registry
	Prompts      *prompts.Loader
	Backend      BackendFactory
	Store        sessions.Store
	Mailbox      *mailbox.Mailbox
	Logger       *slog.Logger
	Metrics      *observability.Metrics
	Tracer       *observability.Tracer
	Config       config.SessionConfig
	DefaultAgent string
}

var (
	// ErrQueueFull is returned when the turn queue cannot accept more input.
	ErrQueueFull = errors.New("session: turn queue is full")

	// ErrClosed is returned for operations on a closed session.
	ErrClosed = errors.New("session: closed")
)

type turnKind int

const (
	turnUser turnKind = iota
	turnContinuation
)

type turnRequest struct {
	kind turnKind
	text string
}

// Session is one live conversation. Turns are strictly serialized by a
// single worker goroutine; everything else (sink attach, event taps,
// cancel) may be called concurrently.
type Session struct {
	id     string
	deps   Deps
	logger *slog.Logger

	baseCtx    context.Context
	baseCancel context.CancelFunc
	queue      chan turnRequest
	wg         sync.WaitGroup
	closed     atomic.Bool

	seq     atomic.Uint64
	tracker *ContextTracker
	switchH *agent.SwitchHandler

	mu         sync.RWMutex
	runtimes   map[string]*agent.Runtime
	active     string
	introduced map[string]bool
	sink       Sink
	taps       []func(models.SessionEvent)
	turns      int

	cancelMu    sync.Mutex
	cancelTurn  context.CancelFunc
	lastEventAt atomic.Int64
}

// New creates a session with the default agent active and starts its turn
// worker.
func New(id string, deps Deps) (*Session, error) {
	defaultID := deps.DefaultAgent
	if _, ok := deps.Catalog.Get(defaultID); !ok {
		return nil, fmt.Errorf("session: default agent %q not in catalog", defaultID)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		id:         id,
		deps:       deps,
		logger:     deps.Logger.With("component", "session", "session_id", id),
		baseCtx:    ctx,
		baseCancel: cancel,
		queue:      make(chan turnRequest, deps.Config.QueueSize),
		tracker:    NewContextTracker(0),
		runtimes:   map[string]*agent.Runtime{},
		active:     defaultID,
		introduced: map[string]bool{},
	}
	s.switchH = agent.NewSwitchHandler(deps.Mailbox, deps.Catalog, s, deps.Logger)
	s.touch()

	s.wg.Add(1)
	go s.worker()
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ActiveAgentID implements agent.SessionControl.
func (s *Session) ActiveAgentID() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.active
}

// SetActiveAgent implements agent.SessionControl: flips the active agent
// and emits agent.switched.
func (s *Session) SetActiveAgent(id, reason string) {
	s.mu.Lock()
	from := s.active
	s.active = id
	s.mu.Unlock()
	if from == id {
		return
	}

	if s.deps.Store != nil {
		if err := s.deps.Store.SetActiveAgent(context.Background(), s.id, id); err != nil {
			s.logger.Warn("persist active agent failed", "error", err)
		}
	}

	ev := models.NewEvent(models.EventAgentSwitched, s.id, id)
	ev.Switch = &models.SwitchPayload{From: from, To: id, Reason: reason}
	s.Emit(ev)
}

// RuntimeFor implements agent.SessionControl: returns the runtime for an
// agent id, creating it on first use.
func (s *Session) RuntimeFor(id string) (*agent.Runtime, error) {
	s.mu.RLock()
	rt, ok := s.runtimes[id]
	s.mu.RUnlock()
	if ok {
		return rt, nil
	}

	descriptor, ok := s.deps.Catalog.Get(id)
	if !ok {
		return nil, fmt.Errorf("session: unknown agent %q", id)
	}
	prompt, err := s.deps.Prompts.AgentPrompt(descriptor.PromptFile, descriptor.Continuation.RequireExplicitSignal)
	if err != nil {
		return nil, fmt.Errorf("session: prompt for %s: %w", id, err)
	}
	backend, err := s.deps.Backend(descriptor)
	if err != nil {
		return nil, fmt.Errorf("session: backend for %s: %w", id, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if rt, ok := s.runtimes[id]; ok {
		return rt, nil
	}
	cfg := agent.Config{
		SessionID:    s.id,
		Descriptor:   descriptor,
		Backend:      backend,
		Registry:     s.deps.Tools,
		SystemPrompt: prompt,
		Logger:       s.deps.Logger,
		Metrics:      s.deps.Metrics,
		Tracer:       s.deps.Tracer,
		Interceptor:  s.switchH,
		Emit:         s.Emit,
		Window:       s.tracker.Window,
	}
	if s.deps.Store != nil {
		cfg.Store = s.deps.Store
	}
	rt = agent.NewRuntime(cfg)
	s.runtimes[id] = rt
	s.introduced[id] = true
	return rt, nil
}

// SwitchAgent makes the named agent active on user request. The name may
// be an id or a friendly name.
func (s *Session) SwitchAgent(name string) (string, error) {
	if s.closed.Load() {
		return "", ErrClosed
	}
	id, ok := s.deps.Catalog.ResolveName(name)
	if !ok {
		return "", fmt.Errorf("session: unknown agent %q", name)
	}
	if _, err := s.RuntimeFor(id); err != nil {
		return "", err
	}
	s.SetActiveAgent(id, "user request")
	return id, nil
}

// SendUserMessage enqueues one user turn. Turns run FIFO on the session
// worker; concurrent callers only ever block on a full queue.
func (s *Session) SendUserMessage(text string) error {
	return s.enqueue(turnRequest{kind: turnUser, text: text})
}

// Intervene enqueues an observer recovery: a system directive followed by
// a continuation turn. It queues behind any in-flight turn.
func (s *Session) Intervene(directive string) error {
	return s.enqueue(turnRequest{kind: turnContinuation, text: directive})
}

func (s *Session) enqueue(req turnRequest) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.queue <- req:
		return nil
	default:
		return ErrQueueFull
	}
}

// Cancel aborts the in-flight turn, if any. Queued turns still run.
func (s *Session) Cancel() {
	s.cancelMu.Lock()
	cancel := s.cancelTurn
	s.cancelMu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// AttachSink connects a client event stream, replacing any previous one.
func (s *Session) AttachSink(sink Sink) {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
}

// DetachSink disconnects the client stream. History keeps updating.
func (s *Session) DetachSink() {
	s.mu.Lock()
	s.sink = nil
	s.mu.Unlock()
}

// OnEvent registers an event tap (observer ingest). Taps run on the
// emitting goroutine and must not block.
func (s *Session) OnEvent(fn func(models.SessionEvent)) {
	s.mu.Lock()
	s.taps = append(s.taps, fn)
	s.mu.Unlock()
}

// Emit stamps the event with the session's sequence number and fans it out
// to the sink and taps. A nil sink is fine (I7).
func (s *Session) Emit(ev models.SessionEvent) {
	ev.Seq = s.seq.Add(1)
	if ev.SessionID == "" {
		ev.SessionID = s.id
	}
	s.touch()

	s.mu.RLock()
	sink := s.sink
	taps := s.taps
	s.mu.RUnlock()

	if sink != nil {
		sink.Send(ev)
	}
	for _, tap := range taps {
		tap(ev)
	}
}

// LastActivity reports when the session last emitted an event or ran a
// turn; the reaper uses it for idle detection.
func (s *Session) LastActivity() time.Time {
	return time.Unix(0, s.lastEventAt.Load())
}

func (s *Session) touch() {
	s.lastEventAt.Store(time.Now().UnixNano())
}

// Snapshot summarizes the session for session_analysis and mcp status.
func (s *Session) Snapshot() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	agentsInfo := map[string]any{}
	for id, rt := range s.runtimes {
		history := rt.History()
		agentsInfo[id] = map[string]any{
			"messages":       len(history),
			"context_tokens": s.tracker.CountHistory(history),
			"depth":          rt.Depth(),
		}
	}
	return map[string]any{
		"session_id":   s.id,
		"active_agent": s.active,
		"turns":        s.turns,
		"queued_turns": len(s.queue),
		"agents":       agentsInfo,
	}
}

// Close stops the worker and cancels any in-flight turn. It waits for the
// worker to drain up to the context deadline.
func (s *Session) Close(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	s.baseCancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) worker() {
	defer s.wg.Done()
	for {
		select {
		case <-s.baseCtx.Done():
			return
		case req := <-s.queue:
			s.runTurn(req)
		}
	}
}

func (s *Session) runTurn(req turnRequest) {
	rt, err := s.RuntimeFor(s.ActiveAgentID())
	if err != nil {
		s.logger.Error("turn setup failed", "error", err)
		s.emitError("setup", err.Error())
		return
	}

	timeout := s.deps.Config.TurnTimeout
	if timeout <= 0 {
		timeout = 300 * time.Second
	}
	ctx, cancel := context.WithTimeout(s.baseCtx, timeout)
	s.cancelMu.Lock()
	s.cancelTurn = cancel
	s.cancelMu.Unlock()
	defer func() {
		s.cancelMu.Lock()
		s.cancelTurn = nil
		s.cancelMu.Unlock()
		cancel()
	}()

	agentID := rt.Descriptor().ID
	s.Emit(models.NewEvent(models.EventMessageStart, s.id, agentID))
	start := time.Now()

	var result *agent.AssistantResult
	switch req.kind {
	case turnUser:
		result, err = rt.HandleUserMessage(ctx, req.text)
	case turnContinuation:
		rt.InjectSystemDirective(ctx, req.text)
		result, err = rt.RunContinuation(ctx)
	}

	outcome := "ok"
	switch {
	case errors.Is(err, context.Canceled):
		outcome = "cancelled"
	case errors.Is(err, context.DeadlineExceeded):
		outcome = "timeout"
	case err != nil:
		outcome = "error"
	}
	if s.deps.Metrics != nil {
		depth := 0
		if result != nil {
			depth = result.Depth
		}
		s.deps.Metrics.RecordTurn(agentID, outcome, time.Since(start), depth)
	}
	if err != nil && outcome != "cancelled" {
		s.logger.Warn("turn ended abnormally", "agent_id", agentID, "outcome", outcome, "error", err)
	}

	s.mu.Lock()
	s.turns++
	s.mu.Unlock()

	done := models.NewEvent(models.EventMessageComplete, s.id, agentID)
	payload := &models.DonePayload{}
	if result != nil {
		payload.Text = result.Content
		payload.Reasoning = result.Reasoning
		payload.Usage = result.Usage
		payload.Depth = result.Depth
		if payload.Text == "" {
			// Display fallback; the history keeps content and reasoning
			// apart.
			payload.Text = result.Reasoning
		}
	}
	done.Done = payload
	s.Emit(done)
}

func (s *Session) emitError(kind, message string) {
	ev := models.NewEvent(models.EventSessionError, s.id, s.ActiveAgentID())
	ev.Error = &models.ErrorPayload{Kind: kind, Message: message}
	s.Emit(ev)
}
