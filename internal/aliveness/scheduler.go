package aliveness

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/dantte-lp/gofabric/internal/store"
)

// errMonitorGone aborts a state update whose monitor was stopped while the
// update was pending. It never leaves the package.
var errMonitorGone = errors.New("monitor state gone")

// task is one recurring probe loop.
type task struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// schedule starts the probe loop for rt unless one is already running.
// The first tick fires one interval after scheduling. A tick that overruns
// the interval delays the next one; missed ticks are dropped, not queued.
func (e *Engine) schedule(rt monitorRuntime) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if _, ok := e.tasks[rt.info.ID]; ok {
		e.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(e.baseCtx)
	t := &task{cancel: cancel, done: make(chan struct{})}
	e.tasks[rt.info.ID] = t
	e.mu.Unlock()

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(rt.profile.MonitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}

			select {
			case e.slots <- struct{}{}:
			case <-ctx.Done():
				return
			}
			e.tick(ctx, rt)
			<-e.slots
		}
	}()
}

// unschedule cancels the probe loop for id and waits for an in-flight tick
// to finish.
func (e *Engine) unschedule(id uint32) {
	e.mu.Lock()
	t, ok := e.tasks[id]
	delete(e.tasks, id)
	e.mu.Unlock()

	if !ok {
		return
	}
	t.cancel()
	<-t.done
}

// ActiveTasks returns the number of running probe loops.
func (e *Engine) ActiveTasks() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.tasks)
}

// tick is one probe cycle: account for the unanswered probe, persist, then
// send the next probe. The write precedes the send so that a crash during
// the send never leaves a stale counter behind.
func (e *Engine) tick(ctx context.Context, rt monitorRuntime) {
	if !e.locks.Acquire(rt.key) {
		return
	}

	var (
		ev      *MonitorEvent
		from    LivenessState
		started bool
	)
	err := store.Update(ctx, e.store, func(tx store.Txn) error {
		ev, started = nil, false

		var st MonitoringState
		found, err := tx.Read(ctx, store.PlaneOperational, statePath(rt.key), &st)
		if err != nil {
			return err
		}
		if !found {
			return errMonitorGone
		}
		if st.Status != StatusStarted {
			return nil
		}
		started = true

		st.RequestCount++
		if st.ResponsePendingCount < rt.profile.MonitorWindow {
			st.ResponsePendingCount++
		}
		if st.ResponsePendingCount >= rt.profile.FailureThreshold && st.State != StateDown {
			from = st.State
			st.State = StateDown
			st.RequestCount = 0
			ev = &MonitorEvent{MonitorID: st.MonitorID, MonitorKey: rt.key, State: StateDown}
		}
		return tx.Put(store.PlaneOperational, statePath(rt.key), st)
	})
	if err == nil && ev != nil {
		e.emit(rt.protocol(), from, *ev)
	}
	e.locks.Release(rt.key)

	switch {
	case errors.Is(err, errMonitorGone):
		e.logger.Debug("probe tick for stopped monitor dropped",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("monitor_key", rt.key),
		)
		return
	case err != nil:
		e.logger.Error("failed to persist probe tick",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("monitor_key", rt.key),
			slog.String("error", err.Error()),
		)
		return
	case !started:
		return
	}

	if err := rt.handler.StartMonitoringTask(ctx, rt.info, rt.profile); err != nil {
		e.logger.Warn("failed to send probe",
			slog.Uint64("monitor_id", uint64(rt.info.ID)),
			slog.String("monitor_key", rt.key),
			slog.String("error", err.Error()),
		)
		return
	}
	e.metrics.ProbeSent(rt.protocol())
}

// emit records a state transition and publishes it. The caller still holds
// the monitor lock, so events for one monitor leave in commit order.
func (e *Engine) emit(protocol string, from LivenessState, ev MonitorEvent) {
	ev.Time = e.now()
	e.metrics.StateTransition(protocol, from.String(), ev.State.String())

	e.logger.Info("monitor state changed",
		slog.Uint64("monitor_id", uint64(ev.MonitorID)),
		slog.String("monitor_key", ev.MonitorKey),
		slog.String("from", from.String()),
		slog.String("to", ev.State.String()),
	)
	e.publish(ev)
}
