package tx

import (
	"context"
	"time"

	"txcoord/pkg/logger"
)

// EventKind names a point in a transaction's lifecycle.
type EventKind string

const (
	EventAcquired      EventKind = "acquired"
	EventQueryStarted  EventKind = "query_started"
	EventQuerySettled  EventKind = "query_settled"
	EventQueryRejected EventKind = "query_rejected"
	EventClosed        EventKind = "closed"
	EventDrained       EventKind = "drained"
	EventTerminal      EventKind = "terminal"
	EventReleased      EventKind = "released"
)

// Event is a single observation. Fields that do not apply to Kind are zero.
type Event struct {
	Kind     EventKind
	TxID     string
	SQL      string
	InFlight int
	Duration time.Duration
	Err      error
}

// Observer receives lifecycle events. Implementations must be safe for
// concurrent use and must not call back into the transaction.
type Observer interface {
	Observe(ctx context.Context, ev Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, ev Event)

// Observe implements Observer.
func (f ObserverFunc) Observe(ctx context.Context, ev Event) {
	f(ctx, ev)
}

// NopObserver discards every event.
type NopObserver struct{}

// Observe implements Observer.
func (NopObserver) Observe(context.Context, Event) {}

type multiObserver []Observer

func (m multiObserver) Observe(ctx context.Context, ev Event) {
	for _, o := range m {
		o.Observe(ctx, ev)
	}
}

// Observers fans events out to every non-nil observer.
func Observers(obs ...Observer) Observer {
	var m multiObserver
	for _, o := range obs {
		if o != nil {
			m = append(m, o)
		}
	}
	switch len(m) {
	case 0:
		return NopObserver{}
	case 1:
		return m[0]
	}
	return m
}

// LogObserver writes events to the context logger at debug level; failures
// are logged at warn.
type LogObserver struct{}

// Observe implements Observer.
func (LogObserver) Observe(ctx context.Context, ev Event) {
	kv := []any{"event", string(ev.Kind), "in_flight", ev.InFlight}
	if ev.SQL != "" {
		kv = append(kv, "sql", ev.SQL)
	}
	if ev.Duration > 0 {
		kv = append(kv, "duration_ms", ev.Duration.Milliseconds())
	}
	if ev.Err != nil {
		logger.Warn(ctx, "tx event", append(kv, "error", ev.Err)...)
		return
	}
	logger.Debug(ctx, "tx event", kv...)
}
