package mirror

import (
	"log/slog"
	"runtime/debug"
	"sync"
)

// Registry holds the observers notified after every collection change.
type Registry struct {
	mu     sync.Mutex
	nextID int
	subs   []subscriber
}

type subscriber struct {
	id int
	fn func()
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Subscribe registers fn and returns a function that removes it again.
// The returned function is safe to call more than once.
func (r *Registry) Subscribe(fn func()) (unsubscribe func()) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	id := r.nextID
	r.subs = append(r.subs, subscriber{id: id, fn: fn})

	var once sync.Once
	return func() {
		once.Do(func() { r.remove(id) })
	}
}

func (r *Registry) remove(id int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i, s := range r.subs {
		if s.id == id {
			r.subs = append(r.subs[:i:i], r.subs[i+1:]...)
			return
		}
	}
}

// Len returns the number of registered subscribers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.subs)
}

// NotifyAll invokes every subscriber synchronously in registration order.
// A panicking subscriber is logged and skipped.
func (r *Registry) NotifyAll() {
	r.mu.Lock()
	subs := make([]subscriber, len(r.subs))
	copy(subs, r.subs)
	r.mu.Unlock()

	for _, s := range subs {
		r.invoke(s)
	}
}

func (r *Registry) invoke(s subscriber) {
	defer func() {
		if recovered := recover(); recovered != nil {
			slog.Error("subscriber panicked",
				"component", "mirror",
				"subscriber", s.id,
				"error", recovered,
				"stack", string(debug.Stack()),
			)
		}
	}()
	s.fn()
}
