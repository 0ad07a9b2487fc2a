// Package worker implements the external task processor: topic handler
// registration, timer-driven polling against the engine's fetch-and-lock
// protocol, and completion or failure reporting for every claimed task.
package worker

import (
	"context"
	"sort"
	"sync"

	"github.com/korir254/flowgate/model"
)

// Handler processes a single locked external task. It returns the variables
// to submit on completion, or an error to trigger a failure report.
type Handler interface {
	Handle(ctx context.Context, task model.ExternalTask) (model.Variables, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, task model.ExternalTask) (model.Variables, error)

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, task model.ExternalTask) (model.Variables, error) {
	return f(ctx, task)
}

// Registry stores topic handlers and provides lookup by topic name.
// It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates a new empty handler registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register binds a handler to a topic. Registering a topic twice replaces
// the previous handler; the last registration wins.
func (r *Registry) Register(topic string, handler Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[topic] = handler
}

// Get returns the handler registered for the given topic, or false if none.
func (r *Registry) Get(topic string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[topic]
	return h, ok
}

// Topics returns all registered topic names, sorted alphabetically.
func (r *Registry) Topics() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	topics := make([]string, 0, len(r.handlers))
	for topic := range r.handlers {
		topics = append(topics, topic)
	}
	sort.Strings(topics)
	return topics
}
