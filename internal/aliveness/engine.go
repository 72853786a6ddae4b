package aliveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dantte-lp/gofabric/internal/keylock"
	"github.com/dantte-lp/gofabric/internal/store"
)

// -------------------------------------------------------------------------
// Collaborators
// -------------------------------------------------------------------------

// IDAllocator is the subset of the id pool service the engine uses.
type IDAllocator interface {
	CreatePool(ctx context.Context, name string, low, high uint32) error
	Allocate(ctx context.Context, pool, key string) (uint32, error)
	Release(ctx context.Context, pool, key string) error
	Lookup(ctx context.Context, pool, key string) (uint32, bool, error)
}

// MetricsReporter receives engine events. The Prometheus collector in
// internal/metrics implements it.
type MetricsReporter interface {
	MonitorAdded(protocol string)
	MonitorRemoved(protocol string)
	ProbeSent(protocol string)
	ReplyReceived(protocol string)
	StateTransition(protocol, from, to string)
	LockStolen()
}

type noopMetrics struct{}

func (noopMetrics) MonitorAdded(string)                    {}
func (noopMetrics) MonitorRemoved(string)                  {}
func (noopMetrics) ProbeSent(string)                       {}
func (noopMetrics) ReplyReceived(string)                   {}
func (noopMetrics) StateTransition(string, string, string) {}
func (noopMetrics) LockStolen()                            {}

// -------------------------------------------------------------------------
// Options
// -------------------------------------------------------------------------

// PoolRange is an id range [Low, High].
type PoolRange struct {
	Low  uint32
	High uint32
}

// Pool names used by the engine.
const (
	MonitorPool = "aliveness-monitors"
	ProfilePool = "aliveness-profiles"
)

// Defaults.
const (
	DefaultProbeWorkers = 8

	// subscriberBuffer is the default channel size for Subscribe.
	subscriberBuffer = 64
)

// DefaultPoolRange covers both the monitor and the profile pool.
var DefaultPoolRange = PoolRange{Low: 1, High: 65535}

// Option configures an Engine.
type Option func(*Engine)

// WithMetrics attaches a metrics reporter. Nil keeps the no-op reporter.
func WithMetrics(m MetricsReporter) Option {
	return func(e *Engine) {
		if m != nil {
			e.metrics = m
		}
	}
}

// WithLockTimeout sets the bounded wait before a per-monitor lock is
// stolen.
func WithLockTimeout(d time.Duration) Option {
	return func(e *Engine) { e.lockTimeout = d }
}

// WithProbeWorkers bounds how many probe ticks run concurrently.
func WithProbeWorkers(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.probeWorkers = n
		}
	}
}

// WithPools overrides the id ranges of the monitor and profile pools.
func WithPools(monitors, profiles PoolRange) Option {
	return func(e *Engine) {
		e.monitorRange = monitors
		e.profileRange = profiles
	}
}

// WithClock overrides the event timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// -------------------------------------------------------------------------
// Engine
// -------------------------------------------------------------------------

// Engine is the liveness state machine. It owns the per-monitor locks and
// the recurring probe tasks, persists every state change to the store, and
// fans Up/Down transitions out to subscribers.
//
// Every read-modify-write of a MonitoringState happens under that monitor
// key's lock. Operations on different monitors are not ordered relative to
// each other.
type Engine struct {
	store    store.Store
	ids      IDAllocator
	handlers *Registry
	locks    *keylock.Registry
	metrics  MetricsReporter
	logger   *slog.Logger
	now      func() time.Time

	lockTimeout  time.Duration
	probeWorkers int
	monitorRange PoolRange
	profileRange PoolRange

	// slots bounds concurrently executing probe ticks.
	slots chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc

	mu     sync.Mutex
	tasks  map[uint32]*task
	closed bool

	subMu   sync.RWMutex
	subs    map[uint64]*subscriber
	nextSub uint64
}

// NewEngine creates an engine. Call Init and Resume before serving
// requests.
func NewEngine(
	s store.Store,
	ids IDAllocator,
	handlers *Registry,
	logger *slog.Logger,
	opts ...Option,
) *Engine {
	e := &Engine{
		store:        s,
		ids:          ids,
		handlers:     handlers,
		metrics:      noopMetrics{},
		logger:       logger.With(slog.String("component", "aliveness")),
		now:          time.Now,
		lockTimeout:  keylock.DefaultTimeout,
		probeWorkers: DefaultProbeWorkers,
		monitorRange: DefaultPoolRange,
		profileRange: DefaultPoolRange,
		tasks:        make(map[uint32]*task),
		subs:         make(map[uint64]*subscriber),
	}
	for _, opt := range opts {
		opt(e)
	}

	e.locks = keylock.New(logger,
		keylock.WithTimeout(e.lockTimeout),
		keylock.WithStealHook(func(string) { e.metrics.LockStolen() }),
	)
	e.slots = make(chan struct{}, e.probeWorkers)
	e.baseCtx, e.baseCancel = context.WithCancel(context.Background())
	return e
}

// Init creates the id pools. A failure is logged and not returned: the
// engine keeps running and individual operations fail until the pool
// exists.
func (e *Engine) Init(ctx context.Context) {
	pools := []struct {
		name string
		r    PoolRange
	}{
		{MonitorPool, e.monitorRange},
		{ProfilePool, e.profileRange},
	}
	for _, p := range pools {
		if err := e.ids.CreatePool(ctx, p.name, p.r.Low, p.r.High); err != nil {
			e.logger.Error("failed to create id pool, continuing degraded",
				slog.String("pool", p.name),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Resume restores runtime state for every persisted monitor: locks are
// recreated, Started poll-based monitors are rescheduled and Started
// session-based monitors are re-enabled.
func (e *Engine) Resume(ctx context.Context) error {
	records, err := store.ListAs[monitorRecord](ctx, e.store, store.PlaneConfig, monitorsPrefix)
	if err != nil {
		return fmt.Errorf("resume monitors: %w", err)
	}

	var errs []error
	resumed := 0
	for _, rec := range records {
		rt, err := e.runtimeFor(rec)
		if err != nil {
			errs = append(errs, fmt.Errorf("resume monitor %d: %w", rec.Info.ID, err))
			continue
		}

		st, found, err := store.Get[MonitoringState](ctx, e.store, store.PlaneOperational, statePath(rt.key))
		if err != nil {
			errs = append(errs, fmt.Errorf("resume monitor %d: %w", rec.Info.ID, err))
			continue
		}
		if !found {
			e.logger.Warn("monitor has no operational state, skipping",
				slog.Uint64("monitor_id", uint64(rec.Info.ID)),
			)
			continue
		}

		e.locks.Create(rt.key)
		e.metrics.MonitorAdded(rt.profile.Protocol.String())
		if st.Status == StatusStarted {
			e.activate(ctx, rt)
		}
		resumed++
	}

	e.logger.Info("monitors resumed", slog.Int("count", resumed))
	return errors.Join(errs...)
}

// Close cancels every probe task and closes subscriber channels.
func (e *Engine) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	tasks := e.tasks
	e.tasks = make(map[uint32]*task)
	e.mu.Unlock()

	e.baseCancel()
	for _, t := range tasks {
		<-t.done
	}

	e.subMu.Lock()
	for id, sub := range e.subs {
		close(sub.ch)
		delete(e.subs, id)
	}
	e.subMu.Unlock()

	e.logger.Info("aliveness engine closed", slog.Int("tasks", len(tasks)))
}

// -------------------------------------------------------------------------
// Profiles
// -------------------------------------------------------------------------

// ProfileCreate stores p under an id derived from its parameters. Creating
// a profile identical to an existing one returns the existing id with
// AlreadyExists set.
func (e *Engine) ProfileCreate(ctx context.Context, p Profile) (ProfileResult, error) {
	if err := p.Validate(); err != nil {
		return ProfileResult{}, err
	}

	id, err := e.ids.Allocate(ctx, ProfilePool, p.ContentKey())
	if err != nil {
		return ProfileResult{}, fmt.Errorf("allocate profile id: %w", err)
	}
	p.ID = id

	exists := false
	err = store.Update(ctx, e.store, func(tx store.Txn) error {
		var cur Profile
		found, err := tx.Read(ctx, store.PlaneConfig, profilePath(id), &cur)
		if err != nil {
			return err
		}
		exists = found
		if found {
			return nil
		}
		return tx.Put(store.PlaneConfig, profilePath(id), p)
	})
	if err != nil {
		return ProfileResult{}, fmt.Errorf("create profile %d: %w", id, err)
	}

	if exists {
		e.logger.Warn("monitor profile already exists",
			slog.Uint64("profile_id", uint64(id)),
		)
	}
	return ProfileResult{ProfileID: id, AlreadyExists: exists}, nil
}

// ProfileGet returns the id of the profile with the same parameters as p.
func (e *Engine) ProfileGet(ctx context.Context, p Profile) (uint32, error) {
	id, ok, err := e.ids.Lookup(ctx, ProfilePool, p.ContentKey())
	if err != nil {
		return 0, fmt.Errorf("lookup profile: %w", err)
	}
	if !ok {
		return 0, fmt.Errorf("profile %s: %w", p.ContentKey(), ErrProfileNotFound)
	}
	if _, err := e.Profile(ctx, id); err != nil {
		return 0, err
	}
	return id, nil
}

// Profile returns the profile with id.
func (e *Engine) Profile(ctx context.Context, id uint32) (Profile, error) {
	p, found, err := store.Get[Profile](ctx, e.store, store.PlaneConfig, profilePath(id))
	if err != nil {
		return Profile{}, fmt.Errorf("read profile %d: %w", id, err)
	}
	if !found {
		return Profile{}, fmt.Errorf("profile %d: %w", id, ErrProfileNotFound)
	}
	return p, nil
}

// Profiles lists every profile.
func (e *Engine) Profiles(ctx context.Context) ([]Profile, error) {
	m, err := store.ListAs[Profile](ctx, e.store, store.PlaneConfig, profilesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list profiles: %w", err)
	}
	out := make([]Profile, 0, len(m))
	for _, p := range m {
		out = append(out, p)
	}
	sortByID(out, func(p Profile) uint32 { return p.ID })
	return out, nil
}

// ProfileDelete removes the profile and releases its id. Monitors already
// running keep the parameters they were started with.
func (e *Engine) ProfileDelete(ctx context.Context, id uint32) error {
	var p Profile
	err := store.Update(ctx, e.store, func(tx store.Txn) error {
		found, err := tx.Read(ctx, store.PlaneConfig, profilePath(id), &p)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("profile %d: %w", id, ErrProfileNotFound)
		}
		tx.Delete(store.PlaneConfig, profilePath(id))
		return nil
	})
	if err != nil {
		return err
	}

	if err := e.ids.Release(ctx, ProfilePool, p.ContentKey()); err != nil {
		e.logger.Warn("failed to release profile id",
			slog.Uint64("profile_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
	e.logger.Info("monitor profile deleted", slog.Uint64("profile_id", uint64(id)))
	return nil
}

// -------------------------------------------------------------------------
// Notifications
// -------------------------------------------------------------------------

type subscriber struct {
	ch      chan MonitorEvent
	dropped atomic.Uint64
}

// Subscribe returns a channel receiving every MonitorEvent published after
// the call, and a function to unsubscribe. A subscriber that falls behind
// loses events rather than stalling the engine. A buffer <= 0 selects the
// default size.
func (e *Engine) Subscribe(buffer int) (<-chan MonitorEvent, func()) {
	if buffer <= 0 {
		buffer = subscriberBuffer
	}
	sub := &subscriber{ch: make(chan MonitorEvent, buffer)}

	e.subMu.Lock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = sub
	e.subMu.Unlock()

	var once sync.Once
	return sub.ch, func() {
		once.Do(func() {
			e.subMu.Lock()
			defer e.subMu.Unlock()
			if _, ok := e.subs[id]; ok {
				delete(e.subs, id)
				close(sub.ch)
			}
		})
	}
}

func (e *Engine) publish(ev MonitorEvent) {
	e.subMu.RLock()
	defer e.subMu.RUnlock()

	for _, sub := range e.subs {
		select {
		case sub.ch <- ev:
		default:
			n := sub.dropped.Add(1)
			e.logger.Warn("subscriber channel full, dropping monitor event",
				slog.Uint64("monitor_id", uint64(ev.MonitorID)),
				slog.String("state", ev.State.String()),
				slog.Uint64("dropped_total", n),
			)
		}
	}
}
