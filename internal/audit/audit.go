// Package audit records credential lifecycle events. Emitting never fails
// and never blocks the operation being audited.
package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action names what happened to a credential.
type Action string

const (
	ActionReadLocal         Action = "read_local"
	ActionReadRemote        Action = "read_remote"
	ActionSaveLocal         Action = "save_local"
	ActionSaveRemote        Action = "save_remote"
	ActionValidateFailed    Action = "validate_failed"
	ActionProbe             Action = "probe"
	ActionStatusUpdate      Action = "status_update"
	ActionRegenerateAttempt Action = "regenerate_attempt"
	ActionRegenerateSuccess Action = "regenerate_success"
	ActionRegenerateFailed  Action = "regenerate_failed"
	ActionDelete            Action = "delete"
	ActionReportFailure     Action = "report_failure"
)

// Outcome of an audited action.
const (
	StatusOK      = "ok"
	StatusFailed  = "failed"
	StatusSkipped = "skipped"
)

// Structured log keys shared by every package that logs about an account.
const (
	KeyAccount = "account"
	KeyAttempt = "attempt"
	KeyReason  = "reason"
	KeyStatus  = "status"
	KeyTier    = "tier"
)

// Event is one audit record. Details never carry credential values.
type Event struct {
	ID        uuid.UUID      `json:"id"`
	Time      time.Time      `json:"time"`
	Action    Action         `json:"action"`
	AccountID string         `json:"account_id"`
	Status    string         `json:"status"`
	Details   map[string]any `json:"details,omitempty"`
}

// NewEvent stamps an event with a fresh id and the current time.
func NewEvent(action Action, accountID, status string, details map[string]any) Event {
	return Event{
		ID:        uuid.New(),
		Time:      time.Now().UTC(),
		Action:    action,
		AccountID: accountID,
		Status:    status,
		Details:   details,
	}
}

// Sink receives audit events.
type Sink interface {
	Emit(ctx context.Context, e Event)
}

// LogSink writes events to a slog.Logger at info level.
type LogSink struct {
	Logger *slog.Logger
}

// NewLogSink returns a sink logging to l, or slog.Default() when l is nil.
func NewLogSink(l *slog.Logger) *LogSink {
	if l == nil {
		l = slog.Default()
	}
	return &LogSink{Logger: l}
}

func (s *LogSink) Emit(ctx context.Context, e Event) {
	attrs := []any{
		slog.String("audit_id", e.ID.String()),
		slog.String("action", string(e.Action)),
		slog.String(KeyAccount, e.AccountID),
		slog.String(KeyStatus, e.Status),
	}
	if len(e.Details) > 0 {
		attrs = append(attrs, slog.Any("details", e.Details))
	}
	s.Logger.InfoContext(ctx, "audit", attrs...)
}

type nop struct{}

func (nop) Emit(context.Context, Event) {}

// Nop discards every event.
var Nop Sink = nop{}

type multi []Sink

func (m multi) Emit(ctx context.Context, e Event) {
	for _, s := range m {
		Safe(s).Emit(ctx, e)
	}
}

// Multi fans an event out to every sink in order.
func Multi(sinks ...Sink) Sink {
	out := make(multi, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			out = append(out, s)
		}
	}
	return out
}

type safe struct{ next Sink }

func (s safe) Emit(ctx context.Context, e Event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Default().Warn("audit sink panicked", "action", string(e.Action), "panic", r)
		}
	}()
	s.next.Emit(ctx, e)
}

// Safe wraps a sink so a panicking implementation cannot take down the
// caller. A nil sink becomes Nop.
func Safe(s Sink) Sink {
	switch s.(type) {
	case nil:
		return Nop
	case safe, nop:
		return s
	}
	return safe{next: s}
}

// Recorder keeps events in memory. Useful in tests and for the status command.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Emit(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Actions returns the recorded actions in order.
func (r *Recorder) Actions() []Action {
	events := r.Events()
	out := make([]Action, len(events))
	for i, e := range events {
		out[i] = e.Action
	}
	return out
}

// Count returns how many events with action were recorded.
func (r *Recorder) Count(action Action) int {
	n := 0
	for _, e := range r.Events() {
		if e.Action == action {
			n++
		}
	}
	return n
}
