package store

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
)

// Mutation describes one write about to be committed. It is handed to a
// CommitHook before the write becomes visible.
type Mutation struct {
	Plane  Plane
	Path   string
	Delete bool
}

// CommitHook inspects a commit before it is applied. A non-nil error aborts
// the commit; the error is wrapped in ErrTransient.
type CommitHook func(muts []Mutation) error

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithCommitHook installs a hook that runs inside every commit.
func WithCommitHook(hook CommitHook) MemoryOption {
	return func(s *MemoryStore) { s.hook = hook }
}

// MemoryStore is a single-process Store. Each commit bumps a global
// revision; per-key revisions back the optimistic conflict check.
type MemoryStore struct {
	mu       sync.Mutex
	data     map[string]memEntry
	rev      int64
	watchers map[uint64]*memWatcher
	nextID   uint64
	hook     CommitHook
	closed   bool
	logger   *slog.Logger
}

type memEntry struct {
	value []byte
	rev   int64
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore(logger *slog.Logger, opts ...MemoryOption) *MemoryStore {
	s := &MemoryStore{
		data:     make(map[string]memEntry),
		watchers: make(map[uint64]*memWatcher),
		logger:   logger.With(slog.String("component", "store.memory")),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewTxn implements Store.
func (s *MemoryStore) NewTxn() Txn {
	return newTxn(s)
}

func (s *MemoryStore) get(_ context.Context, key string) ([]byte, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, 0, ErrClosed
	}
	e, ok := s.data[key]
	if !ok {
		return nil, 0, nil
	}
	return e.value, e.rev, nil
}

func (s *MemoryStore) list(_ context.Context, prefix string) ([]rawKV, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, ErrClosed
	}
	var out []rawKV
	for key, e := range s.data {
		if strings.HasPrefix(key, prefix) {
			out = append(out, rawKV{key: key, value: e.value, rev: e.rev})
		}
	}
	return out, nil
}

func (s *MemoryStore) commit(_ context.Context, reads map[string]int64, writes map[string][]byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return ErrClosed
	}

	for key, rev := range reads {
		if s.data[key].rev != rev {
			return fmt.Errorf("commit %s: %w", key, ErrConflict)
		}
	}

	keys := slices.Sorted(maps.Keys(writes))

	if s.hook != nil {
		muts := make([]Mutation, 0, len(keys))
		for _, key := range keys {
			plane, path, _ := splitKey(key)
			muts = append(muts, Mutation{Plane: plane, Path: path, Delete: writes[key] == nil})
		}
		if err := s.hook(muts); err != nil {
			return fmt.Errorf("%w: commit hook: %w", ErrTransient, err)
		}
	}

	s.rev++
	events := make([]Event, 0, len(keys))
	for _, key := range keys {
		value := writes[key]
		prev, existed := s.data[key]
		plane, path, _ := splitKey(key)

		switch {
		case value == nil && !existed:
			continue
		case value == nil:
			delete(s.data, key)
			events = append(events, Event{Type: EventRemove, Plane: plane, Path: path, PrevValue: prev.value})
		case existed:
			s.data[key] = memEntry{value: value, rev: s.rev}
			events = append(events, Event{Type: EventUpdate, Plane: plane, Path: path, Value: value, PrevValue: prev.value})
		default:
			s.data[key] = memEntry{value: value, rev: s.rev}
			events = append(events, Event{Type: EventAdd, Plane: plane, Path: path, Value: value})
		}
	}

	for _, w := range s.watchers {
		w.enqueue(events)
	}
	return nil
}

// Watch implements Store. Clustered watches are always delivered because a
// MemoryStore is its own single-member cluster.
func (s *MemoryStore) Watch(
	ctx context.Context,
	plane Plane,
	prefix string,
	handler WatchHandler,
	opts ...WatchOption,
) (func(), error) {
	if plane != PlaneConfig && plane != PlaneOperational {
		return nil, fmt.Errorf("plane %d: %w", plane, ErrInvalidPlane)
	}
	o := applyWatchOptions(opts)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	w := newMemWatcher(plane, prefix, handler)
	id := s.nextID
	s.nextID++
	s.watchers[id] = w

	if o.replay {
		keyPrefix := fullKey(plane, prefix)
		var initial []Event
		for _, key := range slices.Sorted(maps.Keys(s.data)) {
			if !strings.HasPrefix(key, keyPrefix) {
				continue
			}
			_, path, _ := splitKey(key)
			initial = append(initial, Event{Type: EventAdd, Plane: plane, Path: path, Value: s.data[key].value})
		}
		w.enqueue(initial)
	}
	s.mu.Unlock()

	go w.run(ctx)

	s.logger.Debug("watch registered",
		slog.String("plane", plane.String()),
		slog.String("prefix", prefix),
	)

	return func() {
		s.mu.Lock()
		delete(s.watchers, id)
		s.mu.Unlock()
		w.stop()
	}, nil
}

// Close stops every watch. Further operations fail with ErrClosed.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	watchers := slices.Collect(maps.Values(s.watchers))
	s.watchers = make(map[uint64]*memWatcher)
	s.mu.Unlock()

	for _, w := range watchers {
		w.stop()
	}
	return nil
}

// -------------------------------------------------------------------------
// memWatcher — per-watch ordered delivery
// -------------------------------------------------------------------------

// memWatcher queues events without bound so that commits never block on a
// slow handler, and delivers them in order on its own goroutine.
type memWatcher struct {
	plane   Plane
	prefix  string
	handler WatchHandler

	mu     sync.Mutex
	queue  []Event
	signal chan struct{}

	done     chan struct{}
	stopOnce sync.Once
	exited   chan struct{}
}

func newMemWatcher(plane Plane, prefix string, handler WatchHandler) *memWatcher {
	return &memWatcher{
		plane:   plane,
		prefix:  prefix,
		handler: handler,
		signal:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
}

func (w *memWatcher) enqueue(events []Event) {
	w.mu.Lock()
	queued := false
	for _, ev := range events {
		if ev.Plane == w.plane && strings.HasPrefix(ev.Path, w.prefix) {
			w.queue = append(w.queue, ev)
			queued = true
		}
	}
	w.mu.Unlock()

	if queued {
		select {
		case w.signal <- struct{}{}:
		default:
		}
	}
}

func (w *memWatcher) run(ctx context.Context) {
	defer close(w.exited)

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case <-w.signal:
		}

		for {
			w.mu.Lock()
			if len(w.queue) == 0 {
				w.mu.Unlock()
				break
			}
			ev := w.queue[0]
			w.queue = w.queue[1:]
			w.mu.Unlock()

			select {
			case <-w.done:
				return
			default:
			}
			w.handler(ctx, ev)
		}
	}
}

func (w *memWatcher) stop() {
	w.stopOnce.Do(func() { close(w.done) })
	<-w.exited
}
