package txtest

import (
	"context"
	"sync"

	"txcoord/internal/core/tx"
)

// Recorder is a tx.Observer that keeps every event.
type Recorder struct {
	mu     sync.Mutex
	events []tx.Event
	hooks  map[tx.EventKind][]chan struct{}
}

var _ tx.Observer = (*Recorder)(nil)

// Observe implements tx.Observer.
func (r *Recorder) Observe(_ context.Context, ev tx.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	for _, ch := range r.hooks[ev.Kind] {
		close(ch)
	}
	delete(r.hooks, ev.Kind)
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []tx.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]tx.Event(nil), r.events...)
}

// Kinds returns the recorded event kinds in order.
func (r *Recorder) Kinds() []tx.EventKind {
	events := r.Events()
	kinds := make([]tx.EventKind, len(events))
	for i, ev := range events {
		kinds[i] = ev.Kind
	}
	return kinds
}

// Count returns how many events of kind were recorded.
func (r *Recorder) Count(kind tx.EventKind) int {
	n := 0
	for _, ev := range r.Events() {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// Next returns a channel closed on the next event of kind.
func (r *Recorder) Next(kind tx.EventKind) <-chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.hooks == nil {
		r.hooks = make(map[tx.EventKind][]chan struct{})
	}
	ch := make(chan struct{})
	r.hooks[kind] = append(r.hooks[kind], ch)
	return ch
}
