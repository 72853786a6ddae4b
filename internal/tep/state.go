package tep

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"strconv"

	gocache "github.com/patrickmn/go-cache"

	"github.com/dantte-lp/gofabric/internal/jobqueue"
	"github.com/dantte-lp/gofabric/internal/store"
)

// DefaultLportPool is the id range for tunnel interface indexes.
var DefaultLportPool = PoolRange{Low: 1, High: 1 << 20}

// TrackerOption configures a StateTracker.
type TrackerOption func(*StateTracker)

// WithLportPool overrides DefaultLportPool.
func WithLportPool(p PoolRange) TrackerOption {
	return func(t *StateTracker) { t.lportRange = p }
}

// StateTracker maintains StateTunnel records from southbound events.
//
// Events are serialized per tunnel interface through the job queue. An
// event for an interface whose configuration has not been observed yet is
// deferred in the cache and replayed when configuration for its DPN
// arrives, so the resulting state does not depend on arrival order. A port
// removal is applied immediately, with or without configuration.
type StateTracker struct {
	store      store.Store
	ids        IDAllocator
	cache      *Cache
	jobs       *jobqueue.Coordinator
	logger     *slog.Logger
	lportRange PoolRange

	// lports maps ifIndex to interface name.
	lports *gocache.Cache
}

// NewStateTracker creates a tracker and registers it as the consumer of
// events deferred by cache.
func NewStateTracker(
	s store.Store,
	ids IDAllocator,
	cache *Cache,
	jobs *jobqueue.Coordinator,
	logger *slog.Logger,
	opts ...TrackerOption,
) *StateTracker {
	t := &StateTracker{
		store:      s,
		ids:        ids,
		cache:      cache,
		jobs:       jobs,
		logger:     logger.With(slog.String("component", "tep.state")),
		lportRange: DefaultLportPool,
		lports:     gocache.New(gocache.NoExpiration, 0),
	}
	for _, opt := range opts {
		opt(t)
	}
	cache.OnDrain(t.redispatch)
	return t
}

// Init creates the lport pool. A failure is logged, not returned.
func (t *StateTracker) Init(ctx context.Context) {
	if err := t.ids.CreatePool(ctx, LportPool, t.lportRange.Low, t.lportRange.High); err != nil {
		t.logger.Error("failed to create lport pool, continuing degraded",
			slog.String("pool", LportPool),
			slog.String("error", err.Error()),
		)
	}
}

// HandleNodeConnector queues a node-connector event.
func (t *StateTracker) HandleNodeConnector(ev NodeConnectorEvent) {
	t.dispatch(ev)
}

// HandleBFDStatus queues a BFD status event.
func (t *StateTracker) HandleBFDStatus(ev BFDStatusEvent) {
	t.dispatch(ev)
}

func (t *StateTracker) redispatch(events []SouthboundEvent) {
	for _, ev := range events {
		t.dispatch(ev)
	}
}

func (t *StateTracker) dispatch(ev SouthboundEvent) {
	name := "bfd-status"
	if nc, ok := ev.(NodeConnectorEvent); ok {
		name = "node-connector-" + nc.Change.String()
	}

	err := t.jobs.Enqueue(ev.Interface(), name, func(ctx context.Context) error {
		return t.apply(ctx, ev)
	})
	if err != nil {
		t.logger.Warn("southbound event dropped",
			slog.String("interface", ev.Interface()),
			slog.String("event", name),
			slog.String("error", err.Error()),
		)
	}
}

func (t *StateTracker) apply(ctx context.Context, ev SouthboundEvent) error {
	// A removed port needs no configuration; it usually follows the
	// deletion of its interface record.
	if nc, ok := ev.(NodeConnectorEvent); ok && nc.Change == ConnectorRemove {
		t.cache.Forget(nc.InterfaceName)
		return t.removeState(ctx, nc.InterfaceName)
	}

	cfg, ok := t.cache.Resolve(ev)
	if !ok {
		return nil
	}

	switch e := ev.(type) {
	case NodeConnectorEvent:
		return t.applyConnector(ctx, cfg, e)
	case BFDStatusEvent:
		return t.applyBFD(ctx, cfg, e)
	default:
		return fmt.Errorf("unknown southbound event %T", ev)
	}
}

func (t *StateTracker) applyConnector(ctx context.Context, cfg InterfaceConfig, ev NodeConnectorEvent) error {
	ifIndex, err := t.ids.Allocate(ctx, LportPool, cfg.Name)
	if err != nil {
		return fmt.Errorf("allocate ifindex for %s: %w", cfg.Name, err)
	}

	var st StateTunnel
	err = store.Update(ctx, t.store, func(tx store.Txn) error {
		st = StateTunnel{}
		if _, err := tx.Read(ctx, store.PlaneOperational, StatePath(cfg.Name), &st); err != nil {
			return err
		}
		fillFromConfig(&st, cfg)
		st.IfIndex = ifIndex
		st.PortNumber = ev.PortNumber
		st.LinkUp = ev.LinkUp
		if !bfdEnabled(cfg) {
			st.TunnelState = ev.LinkUp
		}
		st.OperState = operState(st, cfg)
		return tx.Put(store.PlaneOperational, StatePath(cfg.Name), st)
	})
	if err != nil {
		return fmt.Errorf("update state of %s: %w", cfg.Name, err)
	}

	t.lports.Set(strconv.FormatUint(uint64(ifIndex), 10), cfg.Name, gocache.NoExpiration)
	t.logger.Debug("tunnel state updated",
		slog.String("tunnel", cfg.Name),
		slog.String("oper_state", string(st.OperState)),
		slog.Uint64("if_index", uint64(ifIndex)),
	)
	return nil
}

func (t *StateTracker) applyBFD(ctx context.Context, cfg InterfaceConfig, ev BFDStatusEvent) error {
	var (
		prev, st StateTunnel
	)
	err := store.Update(ctx, t.store, func(tx store.Txn) error {
		st = StateTunnel{}
		if _, err := tx.Read(ctx, store.PlaneOperational, StatePath(cfg.Name), &st); err != nil {
			return err
		}
		prev = st
		fillFromConfig(&st, cfg)
		st.TunnelState = ev.Up
		st.OperState = operState(st, cfg)
		return tx.Put(store.PlaneOperational, StatePath(cfg.Name), st)
	})
	if err != nil {
		return fmt.Errorf("update bfd state of %s: %w", cfg.Name, err)
	}

	if prev.OperState != st.OperState {
		t.logger.Info("tunnel oper state changed",
			slog.String("tunnel", cfg.Name),
			slog.String("from", string(cmp.Or(prev.OperState, OperUnknown))),
			slog.String("to", string(st.OperState)),
		)
	}
	return nil
}

func (t *StateTracker) removeState(ctx context.Context, name string) error {
	var st StateTunnel
	err := store.Update(ctx, t.store, func(tx store.Txn) error {
		st = StateTunnel{}
		if _, err := tx.Read(ctx, store.PlaneOperational, StatePath(name), &st); err != nil {
			return err
		}
		tx.Delete(store.PlaneOperational, StatePath(name))
		return nil
	})
	if err != nil {
		return fmt.Errorf("remove state of %s: %w", name, err)
	}

	if st.IfIndex != 0 {
		t.lports.Delete(strconv.FormatUint(uint64(st.IfIndex), 10))
	}
	if err := t.ids.Release(ctx, LportPool, name); err != nil {
		t.logger.Warn("failed to release ifindex",
			slog.String("tunnel", name),
			slog.String("error", err.Error()),
		)
	}
	return nil
}

func fillFromConfig(st *StateTunnel, cfg InterfaceConfig) {
	st.InterfaceName = cfg.Name
	st.Type = cfg.Type
	st.Source = TunnelEndInfo{NodeID: cfg.Source, IP: cfg.LocalIP, Device: DeviceTypeOfNode(cfg.Source)}
	st.Destination = TunnelEndInfo{NodeID: cfg.Destination, IP: cfg.RemoteIP, Device: cfg.RemoteDevice}
}

func bfdEnabled(cfg InterfaceConfig) bool {
	return cfg.BFD != nil && cfg.BFD.Enabled
}

// operState is up when the port is up and, with BFD enabled, the BFD
// session is up.
func operState(st StateTunnel, cfg InterfaceConfig) OperState {
	switch {
	case !st.LinkUp:
		return OperDown
	case bfdEnabled(cfg) && !st.TunnelState:
		return OperDown
	default:
		return OperUp
	}
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// State returns the operational state of a tunnel interface.
func (t *StateTracker) State(ctx context.Context, name string) (StateTunnel, error) {
	st, found, err := store.Get[StateTunnel](ctx, t.store, store.PlaneOperational, StatePath(name))
	if err != nil {
		return StateTunnel{}, fmt.Errorf("read state of %s: %w", name, err)
	}
	if !found {
		return StateTunnel{}, fmt.Errorf("tunnel %s: %w", name, ErrTunnelNotFound)
	}
	return st, nil
}

// States lists the operational state of every tunnel interface.
func (t *StateTracker) States(ctx context.Context) ([]StateTunnel, error) {
	m, err := store.ListAs[StateTunnel](ctx, t.store, store.PlaneOperational, statePrefix)
	if err != nil {
		return nil, fmt.Errorf("list tunnel states: %w", err)
	}
	return sortedValues(m, func(a, b StateTunnel) int { return cmp.Compare(a.InterfaceName, b.InterfaceName) }), nil
}

// InterfaceByIfIndex resolves an ifIndex (lport tag) to its tunnel
// interface. A cache miss falls back to the operational store.
func (t *StateTracker) InterfaceByIfIndex(ctx context.Context, ifIndex uint32) (string, bool) {
	key := strconv.FormatUint(uint64(ifIndex), 10)
	if v, ok := t.lports.Get(key); ok {
		return v.(string), true
	}

	states, err := t.States(ctx)
	if err != nil {
		t.logger.Warn("lport lookup failed", slog.String("error", err.Error()))
		return "", false
	}
	for _, st := range states {
		if st.IfIndex == ifIndex {
			t.lports.Set(key, st.InterfaceName, gocache.NoExpiration)
			return st.InterfaceName, true
		}
	}
	return "", false
}

// PendingJobs returns the number of queued southbound jobs.
func (t *StateTracker) PendingJobs() int {
	return t.jobs.Pending()
}
