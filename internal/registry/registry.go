// Package registry holds handler slots that still need a want announced to
// the server, grouped by queue.
package registry

import "sync"

// Entry is one drained registration.
type Entry[V any] struct {
	Queue string
	Value V
}

// Registry maps queues to ordered registrations. It is safe for concurrent
// use; Drain empties it in a single step.
type Registry[V any] struct {
	mu     sync.Mutex
	order  []string
	queues map[string][]V
	count  int
}

// New returns an empty registry.
func New[V any]() *Registry[V] {
	return &Registry[V]{queues: make(map[string][]V)}
}

// Register appends v to the list for queue.
func (r *Registry[V]) Register(queue string, v V) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queues == nil {
		r.queues = make(map[string][]V)
	}
	list, ok := r.queues[queue]
	if !ok {
		r.order = append(r.order, queue)
	}
	r.queues[queue] = append(list, v)
	r.count++
}

// Drain returns every registration, queues in first-registered order and
// entries within a queue in registration order, and leaves the registry empty.
func (r *Registry[V]) Drain() []Entry[V] {
	r.mu.Lock()
	order, queues, count := r.order, r.queues, r.count
	r.order, r.queues, r.count = nil, make(map[string][]V), 0
	r.mu.Unlock()

	if count == 0 {
		return nil
	}
	out := make([]Entry[V], 0, count)
	for _, queue := range order {
		for _, v := range queues[queue] {
			out = append(out, Entry[V]{Queue: queue, Value: v})
		}
	}
	return out
}

// Len reports the number of registrations waiting to be drained.
func (r *Registry[V]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
