package aliveness

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dantte-lp/gofabric/internal/store"
)

// -------------------------------------------------------------------------
// Inbound replies
// -------------------------------------------------------------------------

// HandlePacketIn routes a punted frame to the handler for its class and,
// when the frame answers a monitor, marks that monitor Up. Unrecognized
// frames and frames for unknown monitors are dropped.
func (e *Engine) HandlePacketIn(ctx context.Context, pkt PacketIn) {
	h := e.handlers.GetByPacketClass(pkt.Class)
	if h == nil {
		return
	}
	key := h.HandlePacketIn(pkt)
	if key == "" {
		e.logger.Debug("packet-in not matched to a monitor",
			slog.String("class", string(pkt.Class)),
			slog.String("interface", pkt.Interface),
		)
		return
	}

	protocol := h.Protocol().String()
	e.metrics.ReplyReceived(protocol)
	e.setLiveness(ctx, key, protocol, StateUp)
}

// setLiveness moves the monitor owning key to state. Up clears the pending
// counter. An event is published only on an actual change.
func (e *Engine) setLiveness(ctx context.Context, key, protocol string, state LivenessState) {
	if !e.locks.Acquire(key) {
		e.logger.Debug("liveness update for inactive monitor key dropped",
			slog.String("monitor_key", key),
		)
		return
	}

	var (
		ev   *MonitorEvent
		from LivenessState
	)
	err := store.Update(ctx, e.store, func(tx store.Txn) error {
		ev = nil

		var st MonitoringState
		found, err := tx.Read(ctx, store.PlaneOperational, statePath(key), &st)
		if err != nil {
			return err
		}
		if !found {
			return errMonitorGone
		}

		from = st.State
		st.State = state
		if state == StateUp {
			st.ResponsePendingCount = 0
		}
		if from != state {
			ev = &MonitorEvent{MonitorID: st.MonitorID, MonitorKey: key, State: state}
		}
		return tx.Put(store.PlaneOperational, statePath(key), st)
	})
	if err == nil && ev != nil {
		e.emit(protocol, from, *ev)
	}
	e.locks.Release(key)

	if err != nil && !errors.Is(err, errMonitorGone) {
		e.logger.Error("failed to persist liveness update",
			slog.String("monitor_key", key),
			slog.String("state", state.String()),
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Interface and session state
// -------------------------------------------------------------------------

// InterfaceStateChanged fans a link transition out to every monitor whose
// source is ifName. Link down suspends Started monitors (status Stopped);
// link up resumes Stopped monitors. Paused monitors are left alone.
func (e *Engine) InterfaceStateChanged(ctx context.Context, ifName string, up bool) {
	ids, err := e.interfaceMonitors(ctx, ifName)
	if err != nil {
		e.logger.Error("failed to read interface monitors",
			slog.String("interface", ifName),
			slog.String("error", err.Error()),
		)
		return
	}

	for _, id := range ids {
		rt, err := e.loadRuntime(ctx, id)
		if err != nil {
			e.logger.Warn("interface monitor vanished",
				slog.Uint64("monitor_id", uint64(id)),
				slog.String("error", err.Error()),
			)
			continue
		}

		if up {
			changed, _, err := e.setStatus(ctx, rt, StatusStarted, StatusStopped)
			if err == nil && changed {
				e.activate(ctx, rt)
			}
			e.logTransition(rt, "resumed on link up", changed, err)
			continue
		}

		changed, _, err := e.setStatus(ctx, rt, StatusStopped, StatusStarted)
		if err == nil && changed {
			e.deactivate(ctx, rt)
		}
		e.logTransition(rt, "suspended on link down", changed, err)
	}
}

// SessionStatusChanged applies a data-plane session result (BFD) to every
// session-based monitor sourced on ifName.
func (e *Engine) SessionStatusChanged(ctx context.Context, ifName string, up bool) {
	ids, err := e.interfaceMonitors(ctx, ifName)
	if err != nil {
		e.logger.Error("failed to read interface monitors",
			slog.String("interface", ifName),
			slog.String("error", err.Error()),
		)
		return
	}

	state := StateDown
	if up {
		state = StateUp
	}
	for _, id := range ids {
		rt, err := e.loadRuntime(ctx, id)
		if err != nil || !rt.handler.SessionBased() {
			continue
		}
		e.metrics.ReplyReceived(rt.protocol())
		e.setLiveness(ctx, rt.key, rt.protocol(), state)
	}
}

func (e *Engine) interfaceMonitors(ctx context.Context, ifName string) ([]uint32, error) {
	entry, found, err := store.Get[InterfaceMonitorEntry](ctx, e.store, store.PlaneOperational, interfacePath(ifName))
	if err != nil {
		return nil, fmt.Errorf("read interface %s: %w", ifName, err)
	}
	if !found {
		return nil, nil
	}
	return entry.MonitorIDs, nil
}

func (e *Engine) logTransition(rt monitorRuntime, what string, changed bool, err error) {
	switch {
	case err != nil:
		e.logger.Error("monitor status update failed",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("interface", rt.info.SourceInterface()),
			slog.String("error", err.Error()),
		)
	case changed:
		e.logger.Info("monitor "+what,
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("interface", rt.info.SourceInterface()),
		)
	}
}
