// Package replay drives a recorded conversation through a live session,
// one script line per user turn, and reports how the run went.
package replay

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/session"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// quitSentinel ends the script early, mirroring an interactive /quit.
const quitSentinel = "/quit"

// defaultTurnTimeout bounds one scripted turn.
const defaultTurnTimeout = 120 * time.Second

// Summary is the outcome of one replay run.
type Summary struct {
	Sent      int
	Completed int
	Failures  int
	Duration  time.Duration
}

func (s *Summary) String() string {
	return fmt.Sprintf("sent=%d completed=%d failures=%d duration=%s",
		s.Sent, s.Completed, s.Failures, s.Duration.Round(time.Millisecond))
}

// Option configures a Runner.
type Option func(*Runner)

// WithAgent switches the session to the named agent before the first
// turn.
func WithAgent(agent string) Option {
	return func(r *Runner) { r.agent = agent }
}

// WithTurnTimeout overrides the per-turn wait.
func WithTurnTimeout(d time.Duration) Option {
	return func(r *Runner) { r.turnTimeout = d }
}

// Runner replays scripts against a session manager in-process.
type Runner struct {
	manager     *session.Manager
	logger      *slog.Logger
	agent       string
	turnTimeout time.Duration
}

// NewRunner builds a runner over a live manager.
func NewRunner(manager *session.Manager, logger *slog.Logger, opts ...Option) *Runner {
	r := &Runner{
		manager:     manager,
		logger:      logger.With("component", "replay"),
		turnTimeout: defaultTurnTimeout,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// turnSink forwards completion and error events to the waiting runner.
// Everything else is accepted and discarded.
type turnSink struct {
	events chan models.SessionEvent
}

func (t *turnSink) Send(ev models.SessionEvent) bool {
	switch ev.Type {
	case models.EventMessageComplete, models.EventSessionError:
		select {
		case t.events <- ev:
		default:
		}
	}
	return true
}

// Run feeds the script one line at a time. Blank lines and # comments
// are skipped; /quit stops the run. Each sent line waits for its turn to
// complete before the next is read.
func (r *Runner) Run(ctx context.Context, script io.Reader) (*Summary, error) {
	start := time.Now()

	s, err := r.manager.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: create session: %w", err)
	}
	defer func() {
		destroyCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := r.manager.Destroy(destroyCtx, s.ID()); err != nil {
			r.logger.Warn("session teardown failed", "error", err)
		}
	}()

	if r.agent != "" {
		if _, err := s.SwitchAgent(r.agent); err != nil {
			return nil, fmt.Errorf("replay: %w", err)
		}
	}

	sink := &turnSink{events: make(chan models.SessionEvent, 16)}
	s.AttachSink(sink)

	summary := &Summary{}
	scanner := bufio.NewScanner(script)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		if line == quitSentinel {
			r.logger.Info("quit sentinel reached", "sent", summary.Sent)
			break
		}

		summary.Sent++
		if err := s.SendUserMessage(line); err != nil {
			summary.Failures++
			r.logger.Warn("turn rejected", "line", summary.Sent, "error", err)
			continue
		}

		switch r.awaitTurn(ctx, sink) {
		case turnCompleted:
			summary.Completed++
		case turnFailed:
			summary.Failures++
		case turnAborted:
			summary.Failures++
			summary.Duration = time.Since(start)
			return summary, ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return summary, fmt.Errorf("replay: read script: %w", err)
	}

	summary.Duration = time.Since(start)
	return summary, nil
}

type turnOutcome int

const (
	turnCompleted turnOutcome = iota
	turnFailed
	turnAborted
)

// awaitTurn blocks until the in-flight turn finishes. A session.error
// marks the turn failed; the terminal message.complete still ends the
// wait, except for setup errors where no completion follows.
func (r *Runner) awaitTurn(ctx context.Context, sink *turnSink) turnOutcome {
	timer := time.NewTimer(r.turnTimeout)
	defer timer.Stop()

	errored := false
	for {
		select {
		case ev := <-sink.events:
			switch ev.Type {
			case models.EventMessageComplete:
				if errored {
					return turnFailed
				}
				return turnCompleted
			case models.EventSessionError:
				errored = true
				if ev.Error != nil && ev.Error.Kind == "setup" {
					return turnFailed
				}
			}
		case <-timer.C:
			r.logger.Warn("turn timed out", "timeout", r.turnTimeout)
			return turnFailed
		case <-ctx.Done():
			return turnAborted
		}
	}
}
