// Package system carries diagnostic events about the delivery pipeline
// itself: handler failures, duplicates, dead letters. Callers that post a
// message only get an acknowledgement of the enqueue; these diagnostics are
// how later failures become visible.
package system

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Kind names a diagnostic.
type Kind string

const (
	HandlerFailed           Kind = "handler_failed"
	HandlerRejected         Kind = "handler_rejected"
	HandlerInterrupted      Kind = "handler_interrupted"
	CommandProducedNoEvents Kind = "command_produced_no_events"
	DuplicateDelivery       Kind = "duplicate_delivery"
	DeliveryRetry           Kind = "delivery_retry"
	DeadLettered            Kind = "dead_lettered"
	PostFailed              Kind = "post_failed"
	TransactionRolledBack   Kind = "transaction_rolled_back"
)

// Diagnostic describes one noteworthy thing that happened while delivering.
type Diagnostic struct {
	Kind        Kind
	At          time.Time
	Tenant      string
	EnvelopeID  string
	MessageType string
	TypeURL     string
	EntityID    string
	Err         error
	Detail      string
}

// Sink receives diagnostics. Implementations must be safe for concurrent use
// and must not block the delivering worker for long.
type Sink interface {
	Emit(ctx context.Context, d Diagnostic)
}

// ─── LogSink ─────────────────────────────────────────────────────────────────

// LogSink writes diagnostics to a structured logger.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Emit(ctx context.Context, d Diagnostic) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelWarn
	switch d.Kind {
	case DuplicateDelivery, HandlerRejected, HandlerInterrupted, TransactionRolledBack:
		level = slog.LevelInfo
	case DeadLettered, PostFailed:
		level = slog.LevelError
	}
	attrs := []any{
		"kind", string(d.Kind),
		"tenant", d.Tenant,
		"envelope", d.EnvelopeID,
		"message_type", d.MessageType,
		"entity_type", d.TypeURL,
		"entity", d.EntityID,
	}
	if d.Err != nil {
		attrs = append(attrs, "err", d.Err)
	}
	if d.Detail != "" {
		attrs = append(attrs, "detail", d.Detail)
	}
	l.Log(ctx, level, "system diagnostic", attrs...)
}

// ─── Recorder ────────────────────────────────────────────────────────────────

// Recorder keeps every diagnostic in memory. Used by tests and the stats view.
type Recorder struct {
	mu  sync.Mutex
	all []Diagnostic
}

func (r *Recorder) Emit(_ context.Context, d Diagnostic) {
	r.mu.Lock()
	r.all = append(r.all, d)
	r.mu.Unlock()
}

// All returns a copy of every recorded diagnostic.
func (r *Recorder) All() []Diagnostic {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Diagnostic, len(r.all))
	copy(out, r.all)
	return out
}

// Count returns how many diagnostics of kind were recorded.
func (r *Recorder) Count(kind Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, d := range r.all {
		if d.Kind == kind {
			n++
		}
	}
	return n
}

// ─── Fan-out ─────────────────────────────────────────────────────────────────

// Multi emits to every sink in order.
type Multi []Sink

func (m Multi) Emit(ctx context.Context, d Diagnostic) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, d)
		}
	}
}
