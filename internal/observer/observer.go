// Package observer watches session event streams for pathological
// patterns: stalls, error cascades, tool loops, latency regressions, and
// empty responses. In passive mode it alerts; in active mode it may inject
// a recovery directive into the stalled session.
package observer

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/DeanoC/AIWhisperer-sub000/internal/config"
	"github.com/DeanoC/AIWhisperer-sub000/internal/observability"
	"github.com/DeanoC/AIWhisperer-sub000/pkg/models"
)

// Target is the slice of a session the observer needs: the event stream in,
// alerts out, and the intervention entry point.
type Target interface {
	ID() string
	ActiveAgentID() string
	OnEvent(fn func(models.SessionEvent))
	Emit(ev models.SessionEvent)
	Intervene(directive string) error
}

// Alert is one observer finding.
type Alert struct {
	Time      time.Time      `json:"time"`
	SessionID string         `json:"session_id"`
	AgentID   string         `json:"agent_id,omitempty"`
	Kind      string         `json:"kind"`
	Message   string         `json:"message"`
	Details   map[string]any `json:"details,omitempty"`
}

const (
	AlertStall         = "session_stall"
	AlertErrorCascade  = "error_cascade"
	AlertToolLoop      = "tool_loop"
	AlertRegression    = "performance_regression"
	AlertEmptyResponse = "empty_response"
)

const recoveryDirective = "You appear to be stalled. Summarize your progress so far and either finish your answer or state what is blocking you."

// Observer ingests events from attached sessions and runs the detectors.
// Ingest work is O(window) per event so observation stays cheap relative
// to turn latency.
type Observer struct {
	cfg     config.ObserverConfig
	logger  *slog.Logger
	metrics *observability.Metrics

	alertMu  sync.Mutex
	alertLog io.Writer
	ring     *alertRing

	mu       sync.Mutex
	sessions map[string]*sessionState

	sweepEvery time.Duration
	done       chan struct{}
	wg         sync.WaitGroup
}

type sessionState struct {
	target Target

	turnActive    bool
	turnStartedAt time.Time
	lastEventAt   time.Time
	lastToolDone  bool
	stallAlerted  bool

	errorTimes []time.Time
	toolCalls  []toolSample

	baseline      []float64
	interventions int
}

type toolSample struct {
	key string
	at  time.Time
}

// Option configures an Observer.
type Option func(*Observer)

// WithMetrics records alert counters.
func WithMetrics(m *observability.Metrics) Option {
	return func(o *Observer) { o.metrics = m }
}

// WithAlertLog streams alerts as newline-delimited JSON.
func WithAlertLog(w io.Writer) Option {
	return func(o *Observer) { o.alertLog = w }
}

// withSweepInterval shortens the stall sweep for tests.
func withSweepInterval(d time.Duration) Option {
	return func(o *Observer) { o.sweepEvery = d }
}

// New builds an observer and starts its stall sweep.
func New(cfg config.ObserverConfig, logger *slog.Logger, opts ...Option) *Observer {
	o := &Observer{
		cfg:        cfg,
		logger:     logger.With("component", "observer"),
		ring:       newAlertRing(alertRingCap),
		sessions:   map[string]*sessionState{},
		sweepEvery: time.Second,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}

	o.wg.Add(1)
	go o.sweepLoop()
	return o
}

// Attach subscribes the observer to one session's events.
func (o *Observer) Attach(target Target) {
	state := &sessionState{target: target, lastEventAt: time.Now()}
	o.mu.Lock()
	o.sessions[target.ID()] = state
	o.mu.Unlock()

	target.OnEvent(func(ev models.SessionEvent) { o.ingest(target.ID(), ev) })
}

// Detach forgets a session (called when the session is destroyed).
func (o *Observer) Detach(sessionID string) {
	o.mu.Lock()
	delete(o.sessions, sessionID)
	o.mu.Unlock()
}

// RecentAlerts returns the newest alerts, most recent last.
func (o *Observer) RecentAlerts(limit int) []Alert {
	return o.ring.recent(limit)
}

// Close stops the sweep loop.
func (o *Observer) Close() {
	close(o.done)
	o.wg.Wait()
}

func (o *Observer) ingest(sessionID string, ev models.SessionEvent) {
	// Ignore the observer's own notifications so an alert cannot retrigger
	// the stall clock.
	if ev.Type == models.EventObserverAlert || ev.Type == models.EventObserverIntervention {
		return
	}

	o.mu.Lock()
	state, ok := o.sessions[sessionID]
	if !ok {
		o.mu.Unlock()
		return
	}
	now := time.Now()
	state.lastEventAt = now
	state.stallAlerted = false

	var fire []Alert
	switch ev.Type {
	case models.EventMessageStart:
		state.turnActive = true
		state.turnStartedAt = now
		state.lastToolDone = false

	case models.EventToolCompleted:
		state.lastToolDone = true

	case models.EventMessageComplete:
		if a := o.checkRegression(state, ev, now); a != nil {
			fire = append(fire, *a)
		}
		if a := o.checkEmptyResponse(ev, now); a != nil {
			// An empty completion does not close the turn: the session is
			// still waiting for usable output, so it stays stall-eligible.
			fire = append(fire, *a)
		} else {
			state.turnActive = false
			state.lastToolDone = false
		}

	case models.EventSessionError:
		state.lastToolDone = false
		if a := o.checkErrorCascade(state, ev, now); a != nil {
			fire = append(fire, *a)
		}

	case models.EventToolInvoked:
		state.lastToolDone = false
		if a := o.checkToolLoop(state, ev, now); a != nil {
			fire = append(fire, *a)
		}

	default:
		state.lastToolDone = false
	}
	target := state.target
	o.mu.Unlock()

	for _, a := range fire {
		o.raise(target, a)
	}
}

// checkErrorCascade counts session errors inside the sliding window.
func (o *Observer) checkErrorCascade(state *sessionState, ev models.SessionEvent, now time.Time) *Alert {
	window := time.Duration(o.cfg.ErrorWindowSeconds) * time.Second
	state.errorTimes = append(state.errorTimes, now)
	state.errorTimes = pruneTimes(state.errorTimes, now.Add(-window))

	if len(state.errorTimes) < o.cfg.ErrorThreshold {
		return nil
	}
	state.errorTimes = nil // re-arm
	return &Alert{
		Time:      now,
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		Kind:      AlertErrorCascade,
		Message:   fmt.Sprintf("%d session errors within %s", o.cfg.ErrorThreshold, window),
	}
}

// checkToolLoop looks for the same tool called with the same normalized
// arguments repeatedly inside the window.
func (o *Observer) checkToolLoop(state *sessionState, ev models.SessionEvent, now time.Time) *Alert {
	if ev.Tool == nil {
		return nil
	}
	window := time.Duration(o.cfg.LoopWindowSeconds) * time.Second
	key := ev.Tool.Name + "\x00" + normalizeArgs(ev.Tool.ArgsJSON)
	state.toolCalls = append(state.toolCalls, toolSample{key: key, at: now})

	kept := state.toolCalls[:0]
	identical := 0
	cutoff := now.Add(-window)
	for _, s := range state.toolCalls {
		if s.at.Before(cutoff) {
			continue
		}
		kept = append(kept, s)
		if s.key == key {
			identical++
		}
	}
	state.toolCalls = kept

	if identical < o.cfg.LoopThreshold {
		return nil
	}
	state.toolCalls = nil // re-arm
	return &Alert{
		Time:      now,
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		Kind:      AlertToolLoop,
		Message:   fmt.Sprintf("tool %s called %d times with identical arguments", ev.Tool.Name, identical),
		Details:   map[string]any{"tool": ev.Tool.Name},
	}
}

// checkRegression compares turn duration against the mean of the first
// baseline samples.
func (o *Observer) checkRegression(state *sessionState, ev models.SessionEvent, now time.Time) *Alert {
	if state.turnStartedAt.IsZero() {
		return nil
	}
	duration := now.Sub(state.turnStartedAt).Seconds()

	if len(state.baseline) < o.cfg.BaselineSamples {
		state.baseline = append(state.baseline, duration)
		return nil
	}
	mean := 0.0
	for _, d := range state.baseline {
		mean += d
	}
	mean /= float64(len(state.baseline))
	if mean <= 0 || duration <= mean*o.cfg.RegressionFactor {
		return nil
	}
	return &Alert{
		Time:      now,
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		Kind:      AlertRegression,
		Message:   fmt.Sprintf("turn took %.2fs, %.1fx the %.2fs baseline", duration, duration/mean, mean),
		Details:   map[string]any{"duration_s": duration, "baseline_s": mean},
	}
}

// checkEmptyResponse flags turns that finished with no text, reasoning, or
// visible output at all.
func (o *Observer) checkEmptyResponse(ev models.SessionEvent, now time.Time) *Alert {
	if ev.Done == nil || ev.Done.Text != "" || ev.Done.Reasoning != "" {
		return nil
	}
	return &Alert{
		Time:      now,
		SessionID: ev.SessionID,
		AgentID:   ev.AgentID,
		Kind:      AlertEmptyResponse,
		Message:   "assistant produced an empty response",
	}
}

func (o *Observer) sweepLoop() {
	defer o.wg.Done()
	ticker := time.NewTicker(o.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-o.done:
			return
		case <-ticker.C:
			o.sweep(time.Now())
		}
	}
}

// sweep fires stall alerts for sessions whose turn is still open, whose
// last substantive event was a tool completion, and that have been silent
// for the stall window, intervening in active mode.
func (o *Observer) sweep(now time.Time) {
	stallAfter := time.Duration(o.cfg.StallSeconds) * time.Second

	type pending struct {
		target    Target
		alert     Alert
		intervene bool
	}
	var fire []pending

	o.mu.Lock()
	for id, state := range o.sessions {
		if !state.turnActive || !state.lastToolDone || state.stallAlerted {
			continue
		}
		if now.Sub(state.lastEventAt) < stallAfter {
			continue
		}
		state.stallAlerted = true
		p := pending{
			target: state.target,
			alert: Alert{
				Time:      now,
				SessionID: id,
				AgentID:   state.target.ActiveAgentID(),
				Kind:      AlertStall,
				Message:   fmt.Sprintf("no activity for %s during an active turn", now.Sub(state.lastEventAt).Round(time.Second)),
			},
		}
		if o.cfg.Mode == "active" && state.interventions < o.cfg.MaxInterventions {
			state.interventions++
			p.intervene = true
		}
		fire = append(fire, p)
	}
	o.mu.Unlock()

	for _, p := range fire {
		o.raise(p.target, p.alert)
		if p.intervene {
			o.intervene(p.target)
		}
	}
}

func (o *Observer) intervene(target Target) {
	if err := target.Intervene(recoveryDirective); err != nil {
		o.logger.Warn("intervention failed", "session_id", target.ID(), "error", err)
		return
	}
	ev := models.NewEvent(models.EventObserverIntervention, target.ID(), target.ActiveAgentID())
	ev.Alert = &models.AlertPayload{Kind: AlertStall, Message: "recovery directive injected"}
	target.Emit(ev)
	o.logger.Info("intervened in stalled session", "session_id", target.ID())
}

// raise records, logs, streams, counts, and emits one alert.
func (o *Observer) raise(target Target, alert Alert) {
	o.ring.add(alert)
	o.logger.Warn("observer alert",
		"kind", alert.Kind, "session_id", alert.SessionID, "message", alert.Message)
	if o.metrics != nil {
		o.metrics.ObserverAlerts.WithLabelValues(alert.Kind).Inc()
	}

	if o.alertLog != nil {
		o.alertMu.Lock()
		if data, err := json.Marshal(alert); err == nil {
			o.alertLog.Write(append(data, '\n'))
		}
		o.alertMu.Unlock()
	}

	if target != nil {
		ev := models.NewEvent(models.EventObserverAlert, alert.SessionID, alert.AgentID)
		ev.Alert = &models.AlertPayload{Kind: alert.Kind, Message: alert.Message, Details: alert.Details}
		target.Emit(ev)
	}
}

// normalizeArgs canonicalizes raw JSON arguments so semantically identical
// calls compare equal (map key order does not matter).
func normalizeArgs(raw []byte) string {
	if len(raw) == 0 {
		return ""
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return string(raw)
	}
	out, err := json.Marshal(v)
	if err != nil {
		return string(raw)
	}
	return string(out)
}

func pruneTimes(times []time.Time, cutoff time.Time) []time.Time {
	kept := times[:0]
	for _, t := range times {
		if !t.Before(cutoff) {
			kept = append(kept, t)
		}
	}
	return kept
}
