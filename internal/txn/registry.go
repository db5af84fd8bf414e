// Package txn drives transaction and subtransaction boundaries and the
// listeners that observe them.
package txn

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// Registry is an ordered set of listeners. Registering a listener twice keeps
// the first registration. Notification walks a snapshot, so listeners may
// add or remove listeners, themselves included, while being notified.
type Registry[L comparable] struct {
	name   string
	logger zerolog.Logger

	mu        sync.Mutex
	listeners []L
}

func NewRegistry[L comparable](name string, logger zerolog.Logger) *Registry[L] {
	return &Registry[L]{name: name, logger: logger}
}

// Register adds l and reports whether it was not registered yet.
func (r *Registry[L]) Register(l L) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, x := range r.listeners {
		if x == l {
			return false
		}
	}
	r.listeners = append(r.listeners, l)
	return true
}

// Unregister removes l and reports whether it was registered.
func (r *Registry[L]) Unregister(l L) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, x := range r.listeners {
		if x == l {
			r.listeners = append(r.listeners[:i:i], r.listeners[i+1:]...)
			return true
		}
	}
	return false
}

func (r *Registry[L]) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.listeners)
}

// Snapshot returns the listeners in registration order.
func (r *Registry[L]) Snapshot() []L {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]L(nil), r.listeners...)
}

// Notify calls fn for every listener of the current snapshot. A listener that
// fails or panics is logged and does not keep the others from running. The
// failures are returned in listener order.
func (r *Registry[L]) Notify(event fmt.Stringer, fn func(L) error) []error {
	var errs []error
	for _, l := range r.Snapshot() {
		if err := notifyOne(l, fn); err != nil {
			r.logger.Warn().Err(err).Str("registry", r.name).Stringer("event", event).Msg("listener failed")
			errs = append(errs, err)
		}
	}
	return errs
}

func notifyOne[L any](l L, fn func(L) error) (err error) {
	defer recoverPanic(&err)
	return fn(l)
}

func recoverPanic(err *error) {
	rec := recover()
	switch r := rec.(type) {
	case nil:
	case error:
		*err = fmt.Errorf("listener panicked: %w", r)
	default:
		*err = fmt.Errorf("listener panicked: %v", r)
	}
}
