package pubsub

import (
	"context"
	"sync"
)

// ContinuousListener drains a broker subscription in the background and
// retains every received event until the context is cancelled.
type ContinuousListener[T any] struct {
	mu     sync.Mutex
	events []Event[T]
}

// NewContinuousListener subscribes to the broker and starts collecting.
// The subscription ends when ctx is cancelled.
func NewContinuousListener[T any](ctx context.Context, b *Broker[T]) *ContinuousListener[T] {
	l := &ContinuousListener[T]{}
	ch := b.Subscribe(ctx)

	go func() {
		for event := range ch {
			l.mu.Lock()
			l.events = append(l.events, event)
			l.mu.Unlock()
		}
	}()

	return l
}

// Events returns a snapshot of all events received so far.
func (l *ContinuousListener[T]) Events() []Event[T] {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Event[T], len(l.events))
	copy(out, l.events)
	return out
}

// Len returns the number of events received so far.
func (l *ContinuousListener[T]) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.events)
}
