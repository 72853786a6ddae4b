package netio

import (
	"context"
	"log/slog"
)

// -------------------------------------------------------------------------
// Interface Monitor — network interface state change detection
// -------------------------------------------------------------------------

// InterfaceEvent represents a network interface state change. The
// aliveness engine uses these events to mark every monitor on the
// interface down without waiting for probe expiry.
type InterfaceEvent struct {
	// IfName is the network interface name (e.g., "eth0", "tun0a1b2c3d4e5f").
	IfName string

	// IfIndex is the kernel interface index.
	IfIndex int

	// Up is true when the link is administratively up and has carrier.
	// A removed link is reported as down.
	Up bool
}

// InterfaceMonitor watches for network interface state changes and emits
// an event each time an interface goes up or down.
//
// Usage:
//
//	mon := netio.NewInterfaceMonitor(true, logger)
//	go func() {
//	    for ev := range mon.Events() {
//	        engine.InterfaceStateChanged(ctx, ev.IfName, ev.Up)
//	    }
//	}()
//	mon.Run(ctx) // blocks until ctx is cancelled
type InterfaceMonitor interface {
	// Run starts monitoring interface state changes. It blocks until ctx
	// is cancelled. Detected events are sent to the channel returned by
	// Events(). Run must be called at most once.
	Run(ctx context.Context) error

	// Events returns a read-only channel that receives interface state
	// change events. The channel is closed when Run returns.
	Events() <-chan InterfaceEvent

	// Close releases any resources held by the monitor. If Run is still
	// active, the caller should cancel the context first.
	Close() error
}

// -------------------------------------------------------------------------
// linkTracker — change-only filtering
// -------------------------------------------------------------------------

// linkTracker remembers the last reported state per interface so that
// repeated notifications for an unchanged link are suppressed.
type linkTracker struct {
	up map[string]bool
}

func newLinkTracker() *linkTracker {
	return &linkTracker{up: make(map[string]bool)}
}

// observe records the state of a link and reports whether it differs from
// the previous observation. The first observation of a link always counts
// as a change. A removed link reports down once and is then forgotten.
func (t *linkTracker) observe(name string, index int, up, removed bool) (InterfaceEvent, bool) {
	ev := InterfaceEvent{IfName: name, IfIndex: index, Up: up && !removed}

	prev, known := t.up[name]
	if removed {
		delete(t.up, name)
		return ev, known && prev
	}
	t.up[name] = ev.Up
	return ev, !known || prev != ev.Up
}

// -------------------------------------------------------------------------
// StubInterfaceMonitor — no-op implementation
// -------------------------------------------------------------------------

// StubInterfaceMonitor is a no-op implementation of InterfaceMonitor that
// never emits events. It is used when netlink monitoring is disabled or
// unavailable on the platform.
type StubInterfaceMonitor struct {
	events chan InterfaceEvent
	logger *slog.Logger
}

// NewStubInterfaceMonitor creates a no-op interface monitor.
func NewStubInterfaceMonitor(logger *slog.Logger) *StubInterfaceMonitor {
	return &StubInterfaceMonitor{
		events: make(chan InterfaceEvent),
		logger: logger.With(slog.String("component", "ifmon.stub")),
	}
}

// Run blocks until ctx is cancelled and then closes the events channel.
func (m *StubInterfaceMonitor) Run(ctx context.Context) error {
	m.logger.Info("stub interface monitor started (no-op)")
	<-ctx.Done()
	close(m.events)
	m.logger.Info("stub interface monitor stopped")
	return nil
}

// Events returns the (always empty) event channel.
func (m *StubInterfaceMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close is a no-op for the stub monitor.
func (m *StubInterfaceMonitor) Close() error {
	return nil
}
