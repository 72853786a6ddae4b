package keylock_test

import (
	"log/slog"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/gofabric/internal/keylock"
)

func newRegistry(opts ...keylock.Option) *keylock.Registry {
	return keylock.New(slog.New(slog.DiscardHandler), opts...)
}

// TestAcquireUnknownKey verifies that acquiring a key with no registered
// lock reports false instead of blocking.
func TestAcquireUnknownKey(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	if r.Acquire("missing") {
		t.Error("Acquire(missing) = true, want false")
	}
	// Release of an unknown key is a no-op.
	r.Release("missing")
}

// TestAcquireRelease verifies plain mutual exclusion: a second acquirer
// waits until the first releases.
func TestAcquireRelease(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		r := newRegistry(keylock.WithTimeout(time.Second))
		r.Create("k")

		if !r.Acquire("k") {
			t.Fatal("first Acquire failed")
		}

		var acquired atomic.Bool
		done := make(chan struct{})
		go func() {
			defer close(done)
			acquired.Store(r.Acquire("k"))
		}()

		time.Sleep(500 * time.Millisecond)
		synctest.Wait()
		if acquired.Load() {
			t.Fatal("second Acquire succeeded while lock held")
		}

		r.Release("k")
		<-done
		if !acquired.Load() {
			t.Fatal("second Acquire did not succeed after Release")
		}
		r.Release("k")
	})
}

// TestAcquireStealsAfterTimeout verifies that a lock never released by its
// holder is taken over after the bounded wait and the steal hook fires.
func TestAcquireStealsAfterTimeout(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		var steals atomic.Int32
		r := newRegistry(keylock.WithStealHook(func(key string) {
			if key != "k" {
				t.Errorf("steal hook key = %q, want k", key)
			}
			steals.Add(1)
		}))
		r.Create("k")

		if !r.Acquire("k") {
			t.Fatal("first Acquire failed")
		}

		start := time.Now()
		if !r.Acquire("k") {
			t.Fatal("second Acquire failed, want steal")
		}
		if waited := time.Since(start); waited != keylock.DefaultTimeout {
			t.Errorf("waited %v, want %v", waited, keylock.DefaultTimeout)
		}
		if got := steals.Load(); got != 1 {
			t.Errorf("steals = %d, want 1", got)
		}
	})
}

// TestCreateIdempotent verifies Create keeps an existing (held) lock.
func TestCreateIdempotent(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		var steals atomic.Int32
		r := newRegistry(keylock.WithStealHook(func(string) { steals.Add(1) }))
		r.Create("k")
		r.Acquire("k")
		r.Create("k")

		// The lock is still held, so this acquire must steal.
		r.Acquire("k")
		if steals.Load() != 1 {
			t.Error("re-Create reset a held lock")
		}
	})
}

// TestRemove verifies that removed keys no longer acquire and the registry
// does not grow without bound.
func TestRemove(t *testing.T) {
	t.Parallel()

	r := newRegistry()
	for _, k := range []string{"a", "b", "c"} {
		r.Create(k)
	}
	if r.Len() != 3 {
		t.Fatalf("Len = %d, want 3", r.Len())
	}

	r.Acquire("b")
	r.Remove("b")
	r.Release("b")

	if r.Len() != 2 {
		t.Errorf("Len = %d, want 2", r.Len())
	}
	if r.Acquire("b") {
		t.Error("Acquire after Remove = true, want false")
	}
}
