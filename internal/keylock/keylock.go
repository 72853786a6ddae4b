// Package keylock provides a registry of per-key mutexes with bounded-wait
// acquisition.
//
// A lock exists only while its key is active: callers Create it when a
// monitor or tunnel key comes into existence and Remove it on deletion.
// Acquire never fails for an existing key. When the holder does not release
// within the timeout, the lock is taken over (stolen) so that a holder that
// died mid-operation cannot wedge the key forever. A steal means two
// mutators may briefly overlap; every steal is logged and reported through
// the steal hook.
package keylock

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTimeout is the bounded wait before a lock is stolen.
const DefaultTimeout = 50 * time.Millisecond

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout overrides DefaultTimeout. Non-positive values are ignored.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

// WithStealHook registers a callback invoked after every forced takeover.
func WithStealHook(fn func(key string)) Option {
	return func(r *Registry) { r.onSteal = fn }
}

// Registry maps keys to one-token locks. Each lock is a channel of
// capacity one: a buffered token means the lock is held.
type Registry struct {
	mu      sync.Mutex
	locks   map[string]chan struct{}
	timeout time.Duration
	onSteal func(key string)
	logger  *slog.Logger
}

// New creates an empty registry.
func New(logger *slog.Logger, opts ...Option) *Registry {
	r := &Registry{
		locks:   make(map[string]chan struct{}),
		timeout: DefaultTimeout,
		logger:  logger.With(slog.String("component", "keylock")),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Create registers an unlocked lock for key. An existing lock is kept.
func (r *Registry) Create(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.locks[key]; !ok {
		r.locks[key] = make(chan struct{}, 1)
	}
}

// Acquire takes the lock for key. It returns false only when no lock exists
// for key, which callers treat as "entity no longer active".
func (r *Registry) Acquire(key string) bool {
	ch := r.lookup(key)
	if ch == nil {
		return false
	}

	select {
	case ch <- struct{}{}:
		return true
	default:
	}

	timer := time.NewTimer(r.timeout)
	defer timer.Stop()

	select {
	case ch <- struct{}{}:
		return true
	case <-timer.C:
	}

	// Force the previous holder's token out and take ours. Another waiter
	// may win the freed slot, in which case we steal again.
	for {
		select {
		case <-ch:
		default:
		}
		select {
		case ch <- struct{}{}:
			r.logger.Warn("lock acquisition timed out, lock stolen",
				slog.String("key", key),
				slog.Duration("timeout", r.timeout),
			)
			if r.onSteal != nil {
				r.onSteal(key)
			}
			return true
		default:
		}
	}
}

// Release frees the lock for key. Releasing an unknown or unheld key is a
// no-op.
func (r *Registry) Release(key string) {
	ch := r.lookup(key)
	if ch == nil {
		return
	}
	select {
	case <-ch:
	default:
	}
}

// Remove deletes the lock for key. A holder that still has it may Release
// safely afterwards.
func (r *Registry) Remove(key string) {
	r.mu.Lock()
	delete(r.locks, key)
	r.mu.Unlock()
}

// Len returns the number of registered locks.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.locks)
}

func (r *Registry) lookup(key string) chan struct{} {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.locks[key]
}
