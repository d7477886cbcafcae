// Package dispatch demultiplexes received messages by their dotted type.
// The engine stores typed envelopes and never dispatches on its own;
// consumers register handlers here and feed received messages through.
package dispatch

import (
	"context"
	"strings"
	"sync"

	"github.com/zjrosen/agentbus/internal/queue"
)

// Handler processes one message. Returning an error marks the message
// failed when used with Process.
type Handler func(ctx context.Context, msg queue.Message) error

// Registry maps dotted message types to handlers. An exact match wins
// over a wildcard; "vote.*" matches every type in the vote namespace,
// and "*" matches everything.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a message type or wildcard pattern.
// Re-registering a pattern replaces the previous handler.
func (r *Registry) Register(pattern string, h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[pattern] = h
}

// Unregister removes a pattern's handler.
func (r *Registry) Unregister(pattern string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.handlers, pattern)
}

// Lookup resolves the handler for a message type: exact match first,
// then the longest matching namespace wildcard, then "*".
func (r *Registry) Lookup(msgType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if h, ok := r.handlers[msgType]; ok {
		return h, true
	}

	// Walk namespaces from most to least specific:
	// a.b.c -> a.b.* -> a.*
	rest := msgType
	for {
		i := strings.LastIndexByte(rest, '.')
		if i < 0 {
			break
		}
		rest = rest[:i]
		if h, ok := r.handlers[rest+".*"]; ok {
			return h, true
		}
	}

	if h, ok := r.handlers["*"]; ok {
		return h, true
	}
	return nil, false
}

// Process runs the handler for msg and reports the outcome to the queue:
// completed clean on success, completed with the handler's error text on
// failure. Messages with no registered handler are left untouched.
func (r *Registry) Process(ctx context.Context, q *queue.Queue, msg queue.Message) (bool, error) {
	h, ok := r.Lookup(msg.Type)
	if !ok {
		return false, nil
	}

	procErr := ""
	if err := h(ctx, msg); err != nil {
		procErr = err.Error()
	}
	if err := q.Complete(ctx, msg.ID, procErr); err != nil {
		return true, err
	}
	return true, nil
}
