package aliveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gofabric/internal/store"
)

// ErrMonitorKeyInUse indicates a different monitor already owns the key
// that the requested monitor would use. It wraps ErrUnsupportedConfig.
var ErrMonitorKeyInUse = fmt.Errorf("%w: monitor key in use", ErrUnsupportedConfig)

// MonitorValidator is implemented by handlers that constrain endpoints.
// MonitorStart calls it before any state is written.
type MonitorValidator interface {
	ValidateMonitor(ctx context.Context, info MonitoringInfo) error
}

// monitorRecord is the persisted configuration of a monitor. The profile
// is copied in so that a monitor outlives the deletion of its profile.
type monitorRecord struct {
	Info    MonitoringInfo `json:"info"`
	Profile Profile        `json:"profile"`
}

// monitorRuntime is everything needed to drive one monitor.
type monitorRuntime struct {
	info    MonitoringInfo
	profile Profile
	key     string
	handler Handler
}

func (rt monitorRuntime) protocol() string {
	return rt.profile.Protocol.String()
}

func (e *Engine) runtimeFor(rec monitorRecord) (monitorRuntime, error) {
	h, ok := e.handlers.Get(rec.Profile.Protocol)
	if !ok {
		return monitorRuntime{}, fmt.Errorf("protocol %s: %w", rec.Profile.Protocol, ErrNoHandler)
	}
	return monitorRuntime{
		info:    rec.Info,
		profile: rec.Profile,
		key:     h.UniqueMonitoringKey(rec.Info),
		handler: h,
	}, nil
}

func (e *Engine) loadRuntime(ctx context.Context, id uint32) (monitorRuntime, error) {
	rec, found, err := store.Get[monitorRecord](ctx, e.store, store.PlaneConfig, monitorPath(id))
	if err != nil {
		return monitorRuntime{}, fmt.Errorf("read monitor %d: %w", id, err)
	}
	if !found {
		return monitorRuntime{}, fmt.Errorf("monitor %d: %w", id, ErrMonitorNotFound)
	}
	return e.runtimeFor(rec)
}

func (e *Engine) isClosed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// -------------------------------------------------------------------------
// MonitorStart / MonitorStop
// -------------------------------------------------------------------------

// MonitorStart creates and starts a monitor for cfg. The ID field of cfg is
// ignored; an empty Mode means one-one. Starting a monitor identical to a
// running one returns the existing id with AlreadyExists set.
func (e *Engine) MonitorStart(ctx context.Context, cfg MonitoringInfo) (StartResult, error) {
	if e.isClosed() {
		return StartResult{}, ErrEngineClosed
	}

	if cfg.Mode == "" {
		cfg.Mode = ModeOneOne
	}
	if cfg.Mode != ModeOneOne {
		return StartResult{}, fmt.Errorf("mode %q: %w", cfg.Mode, ErrUnsupportedConfig)
	}

	var ifName string
	switch src := cfg.Source.(type) {
	case InterfaceEndpoint:
		ifName = src.Name
	case IPEndpoint:
		return StartResult{}, fmt.Errorf("source %s must be an interface: %w", src, ErrUnsupportedConfig)
	case nil:
		return StartResult{}, fmt.Errorf("source is required: %w", ErrUnsupportedConfig)
	}

	profile, err := e.Profile(ctx, cfg.ProfileID)
	if err != nil {
		return StartResult{}, err
	}
	handler, ok := e.handlers.Get(profile.Protocol)
	if !ok {
		return StartResult{}, fmt.Errorf("protocol %s: %w", profile.Protocol, ErrNoHandler)
	}
	if v, ok := handler.(MonitorValidator); ok {
		if err := v.ValidateMonitor(ctx, cfg); err != nil {
			return StartResult{}, err
		}
	}

	idKey := cfg.idKey(profile)
	id, err := e.ids.Allocate(ctx, MonitorPool, idKey)
	if err != nil {
		return StartResult{}, fmt.Errorf("allocate monitor id: %w", err)
	}
	cfg.ID = id
	key := handler.UniqueMonitoringKey(cfg)

	exists := false
	err = store.Update(ctx, e.store, func(tx store.Txn) error {
		var cur monitorRecord
		found, err := tx.Read(ctx, store.PlaneConfig, monitorPath(id), &cur)
		if err != nil {
			return err
		}
		exists = found
		if found {
			return nil
		}

		var other MonitoringState
		taken, err := tx.Read(ctx, store.PlaneOperational, statePath(key), &other)
		if err != nil {
			return err
		}
		if taken && other.MonitorID != id {
			return fmt.Errorf("key %s held by monitor %d: %w", key, other.MonitorID, ErrMonitorKeyInUse)
		}

		if err := tx.Put(store.PlaneConfig, monitorPath(id), monitorRecord{Info: cfg, Profile: profile}); err != nil {
			return err
		}
		if err := tx.Put(store.PlaneOperational, statePath(key), MonitoringState{
			MonitorKey: key,
			MonitorID:  id,
			State:      StateUnknown,
			Status:     StatusStarted,
		}); err != nil {
			return err
		}
		if err := tx.Put(store.PlaneOperational, monitorKeyPath(id), monitorKeyRecord{MonitorKey: key}); err != nil {
			return err
		}

		var entry InterfaceMonitorEntry
		entryFound, err := tx.Read(ctx, store.PlaneOperational, interfacePath(ifName), &entry)
		if err != nil {
			return err
		}
		return addInterfaceMonitor(tx, entry, entryFound, ifName, id)
	})
	if err != nil {
		e.releaseUnused(ctx, id, idKey)
		return StartResult{}, fmt.Errorf("start monitor %d: %w", id, err)
	}

	if exists {
		e.logger.Warn("monitoring config already exists",
			slog.Uint64("monitor_id", uint64(id)),
			slog.String("monitor_key", key),
		)
		return StartResult{MonitorID: id, AlreadyExists: true}, nil
	}

	rt := monitorRuntime{info: cfg, profile: profile, key: key, handler: handler}
	e.locks.Create(key)
	e.metrics.MonitorAdded(rt.protocol())
	e.activate(ctx, rt)

	e.logger.Info("monitor started",
		slog.Uint64("monitor_id", uint64(id)),
		slog.String("monitor_key", key),
		slog.String("protocol", rt.protocol()),
		slog.String("interface", ifName),
	)
	return StartResult{MonitorID: id}, nil
}

// MonitorStop cancels the monitor's task, deletes its configuration and
// state, and releases its id and lock.
func (e *Engine) MonitorStop(ctx context.Context, id uint32) error {
	rt, err := e.loadRuntime(ctx, id)
	if err != nil {
		return err
	}

	e.deactivate(ctx, rt)

	locked := e.locks.Acquire(rt.key)
	err = store.Update(ctx, e.store, func(tx store.Txn) error {
		var cur monitorRecord
		found, err := tx.Read(ctx, store.PlaneConfig, monitorPath(id), &cur)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("monitor %d: %w", id, ErrMonitorNotFound)
		}

		tx.Delete(store.PlaneConfig, monitorPath(id))
		tx.Delete(store.PlaneOperational, statePath(rt.key))
		tx.Delete(store.PlaneOperational, monitorKeyPath(id))

		ifName := rt.info.SourceInterface()
		var entry InterfaceMonitorEntry
		entryFound, err := tx.Read(ctx, store.PlaneOperational, interfacePath(ifName), &entry)
		if err != nil {
			return err
		}
		if entryFound {
			return removeInterfaceMonitor(tx, entry, ifName, id)
		}
		return nil
	})
	if locked {
		e.locks.Release(rt.key)
	}
	if err != nil {
		if !errors.Is(err, ErrMonitorNotFound) {
			e.reactivate(context.WithoutCancel(ctx), rt)
		}
		return fmt.Errorf("stop monitor %d: %w", id, err)
	}

	e.locks.Remove(rt.key)
	if err := e.ids.Release(ctx, MonitorPool, rt.info.idKey(rt.profile)); err != nil {
		e.logger.Warn("failed to release monitor id",
			slog.Uint64("monitor_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
	e.metrics.MonitorRemoved(rt.protocol())

	e.logger.Info("monitor stopped",
		slog.Uint64("monitor_id", uint64(id)),
		slog.String("monitor_key", rt.key),
	)
	return nil
}

// releaseUnused returns the id of a failed start to the pool unless a
// monitor record holds it, as after a concurrent start of the same monitor.
func (e *Engine) releaseUnused(ctx context.Context, id uint32, idKey string) {
	ctx = context.WithoutCancel(ctx)
	_, found, err := store.Get[monitorRecord](ctx, e.store, store.PlaneConfig, monitorPath(id))
	if err != nil || found {
		return
	}
	if err := e.ids.Release(ctx, MonitorPool, idKey); err != nil {
		e.logger.Warn("failed to release monitor id",
			slog.Uint64("monitor_id", uint64(id)),
			slog.String("error", err.Error()),
		)
	}
}

// reactivate restores the task of a monitor whose stop did not commit, if
// its persisted status still wants one.
func (e *Engine) reactivate(ctx context.Context, rt monitorRuntime) {
	st, found, err := store.Get[MonitoringState](ctx, e.store, store.PlaneOperational, statePath(rt.key))
	if err != nil {
		e.logger.Error("monitor left inactive after failed stop",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("error", err.Error()),
		)
		return
	}
	if found && st.Status == StatusStarted {
		e.activate(ctx, rt)
	}
}

// -------------------------------------------------------------------------
// MonitorPause / MonitorUnpause
// -------------------------------------------------------------------------

// MonitorPause suspends a Started monitor. Any other status is logged and
// ignored.
func (e *Engine) MonitorPause(ctx context.Context, id uint32) error {
	rt, err := e.loadRuntime(ctx, id)
	if err != nil {
		return err
	}

	changed, from, err := e.setStatus(ctx, rt, StatusPaused, StatusStarted)
	if err != nil {
		return err
	}
	if !changed {
		e.logger.Warn("pause ignored, monitor not started",
			slog.Uint64("monitor_id", uint64(id)),
			slog.String("status", from.String()),
		)
		return nil
	}

	e.deactivate(ctx, rt)
	e.logger.Info("monitor paused", slog.Uint64("monitor_id", uint64(id)))
	return nil
}

// MonitorUnpause restarts a Paused or Stopped monitor. A Started monitor
// is logged and ignored.
func (e *Engine) MonitorUnpause(ctx context.Context, id uint32) error {
	rt, err := e.loadRuntime(ctx, id)
	if err != nil {
		return err
	}

	changed, from, err := e.setStatus(ctx, rt, StatusStarted, StatusPaused, StatusStopped)
	if err != nil {
		return err
	}
	if !changed {
		e.logger.Warn("unpause ignored, monitor not paused",
			slog.Uint64("monitor_id", uint64(id)),
			slog.String("status", from.String()),
		)
		return nil
	}

	e.activate(ctx, rt)
	e.logger.Info("monitor unpaused", slog.Uint64("monitor_id", uint64(id)))
	return nil
}

// setStatus moves the monitor to status `to` if its current status is one
// of `from`. It reports whether the status changed and what it was.
func (e *Engine) setStatus(
	ctx context.Context,
	rt monitorRuntime,
	to MonitorStatus,
	from ...MonitorStatus,
) (bool, MonitorStatus, error) {
	if !e.locks.Acquire(rt.key) {
		return false, 0, fmt.Errorf("monitor %d: %w", rt.info.ID, ErrMonitorNotFound)
	}
	defer e.locks.Release(rt.key)

	var (
		changed bool
		prev    MonitorStatus
	)
	err := store.Update(ctx, e.store, func(tx store.Txn) error {
		changed = false
		var st MonitoringState
		found, err := tx.Read(ctx, store.PlaneOperational, statePath(rt.key), &st)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("monitor %d: %w", rt.info.ID, ErrMonitorNotFound)
		}
		prev = st.Status

		allowed := false
		for _, s := range from {
			if st.Status == s {
				allowed = true
				break
			}
		}
		if !allowed {
			return nil
		}

		st.Status = to
		changed = true
		return tx.Put(store.PlaneOperational, statePath(rt.key), st)
	})
	if err != nil {
		return false, prev, fmt.Errorf("set monitor %d status %s: %w", rt.info.ID, to, err)
	}
	return changed, prev, nil
}

// activate starts the recurring probe, or enables the session for
// session-based protocols.
func (e *Engine) activate(ctx context.Context, rt monitorRuntime) {
	if !rt.handler.SessionBased() {
		e.schedule(rt)
		return
	}
	if err := rt.handler.StartMonitoringTask(ctx, rt.info, rt.profile); err != nil {
		e.logger.Error("failed to enable monitoring session",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("monitor_key", rt.key),
			slog.String("error", err.Error()),
		)
	}
}

// deactivate is the inverse of activate.
func (e *Engine) deactivate(ctx context.Context, rt monitorRuntime) {
	if !rt.handler.SessionBased() {
		e.unschedule(rt.info.ID)
		return
	}
	if err := rt.handler.StopMonitoringTask(ctx, rt.info); err != nil {
		e.logger.Error("failed to disable monitoring session",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("monitor_key", rt.key),
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// State returns the operational state of monitor id.
func (e *Engine) State(ctx context.Context, id uint32) (MonitoringState, error) {
	rec, found, err := store.Get[monitorKeyRecord](ctx, e.store, store.PlaneOperational, monitorKeyPath(id))
	if err != nil {
		return MonitoringState{}, fmt.Errorf("read monitor %d: %w", id, err)
	}
	if !found {
		return MonitoringState{}, fmt.Errorf("monitor %d: %w", id, ErrMonitorNotFound)
	}

	st, found, err := store.Get[MonitoringState](ctx, e.store, store.PlaneOperational, statePath(rec.MonitorKey))
	if err != nil {
		return MonitoringState{}, fmt.Errorf("read monitor %d state: %w", id, err)
	}
	if !found {
		return MonitoringState{}, fmt.Errorf("monitor %d: %w", id, ErrMonitorNotFound)
	}
	return st, nil
}

// Monitors lists every configured monitor with its state, ordered by id.
func (e *Engine) Monitors(ctx context.Context) ([]MonitorSnapshot, error) {
	records, err := store.ListAs[monitorRecord](ctx, e.store, store.PlaneConfig, monitorsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list monitors: %w", err)
	}
	states, err := store.ListAs[MonitoringState](ctx, e.store, store.PlaneOperational, statesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list monitor states: %w", err)
	}

	byID := make(map[uint32]MonitoringState, len(states))
	for _, st := range states {
		byID[st.MonitorID] = st
	}

	out := make([]MonitorSnapshot, 0, len(records))
	for _, rec := range records {
		out = append(out, MonitorSnapshot{
			Info:    rec.Info,
			Profile: rec.Profile,
			State:   byID[rec.Info.ID],
		})
	}
	sortByID(out, func(s MonitorSnapshot) uint32 { return s.Info.ID })
	return out, nil
}
