package worker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
)

// HandlerFunc runs one job. attempt is 1 on the first run.
type HandlerFunc func(ctx context.Context, payload []byte, attempt int) error

// ErrRegistrySealed is returned by Register once the worker has started
var ErrRegistrySealed = errors.New("handler registry is sealed")

// Registry maps queue names to handlers. It is filled at startup and
// read-only after Seal.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]HandlerFunc
	sealed   bool
}

// NewRegistry creates an empty Registry
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]HandlerFunc)}
}

// Register binds a handler to a queue
func (r *Registry) Register(queue string, h HandlerFunc) error {
	if queue == "" {
		return errors.New("queue name is required")
	}
	if h == nil {
		return fmt.Errorf("handler for queue %s is nil", queue)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.sealed {
		return ErrRegistrySealed
	}
	if _, exists := r.handlers[queue]; exists {
		return fmt.Errorf("handler for queue %s already registered", queue)
	}
	r.handlers[queue] = h
	return nil
}

// Seal freezes the registry
func (r *Registry) Seal() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sealed = true
}

// Lookup returns the handler for a queue
func (r *Registry) Lookup(queue string) (HandlerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[queue]
	return h, ok
}

// Queues returns the registered queue names in sorted order
func (r *Registry) Queues() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
