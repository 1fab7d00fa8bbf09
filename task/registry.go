package task

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Yash-Kakadiya/salesops-suite/fault"
)

// Registry maps task names to handlers. Registration happens once at
// startup; invocation is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		handlers: make(map[string]Handler),
	}
}

// Register adds a handler under name. Registering an empty name, a nil
// handler, or a name that is already taken is an error.
func (r *Registry) Register(name string, h Handler) error {
	if name == "" {
		return fmt.Errorf("register task: empty name")
	}
	if h == nil {
		return fmt.Errorf("register task %q: nil handler", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.handlers[name]; exists {
		return fmt.Errorf("register task %q: already registered", name)
	}
	r.handlers[name] = h
	return nil
}

// Names returns all registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Has reports whether a task name is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.handlers[name]
	return ok
}

// Invoke runs the named task with the given payload. A timeout > 0 bounds
// the invocation; when it elapses, Invoke returns context.DeadlineExceeded
// even if the handler has not noticed the cancellation yet. The handler
// goroutine is expected to observe ctx and exit promptly after.
func (r *Registry) Invoke(ctx context.Context, name string, payload json.RawMessage, timeout time.Duration) (*Outcome, error) {
	r.mu.RLock()
	h, ok := r.handlers[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &fault.UnknownTaskError{Name: name}
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := h.Execute(ctx, payload)
		done <- result{out: out, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-done:
		return res.out, res.err
	}
}
