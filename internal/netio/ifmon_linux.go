//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/dantte-lp/gofabric/internal/probe"
)

// linkUpdateBuffer absorbs bursts of RTM_NEWLINK messages, e.g. the
// initial dump of existing links.
const linkUpdateBuffer = 128

// ErrSubscriptionLost indicates the netlink subscription closed and could
// not be re-established.
var ErrSubscriptionLost = errors.New("netlink link subscription lost")

// NewInterfaceMonitor returns a netlink-backed monitor when enabled and a
// stub otherwise.
func NewInterfaceMonitor(enabled bool, logger *slog.Logger) InterfaceMonitor {
	if !enabled {
		return NewStubInterfaceMonitor(logger)
	}
	return NewNetlinkMonitor(logger)
}

// -------------------------------------------------------------------------
// NetlinkMonitor — RTM_NEWLINK / RTM_DELLINK subscription
// -------------------------------------------------------------------------

// NetlinkMonitor implements InterfaceMonitor over a NETLINK_ROUTE link
// subscription. Existing links are listed on subscribe, so the first event
// for every interface reflects its current state.
type NetlinkMonitor struct {
	events chan InterfaceEvent
	logger *slog.Logger
}

// NewNetlinkMonitor creates a netlink interface monitor.
func NewNetlinkMonitor(logger *slog.Logger) *NetlinkMonitor {
	return &NetlinkMonitor{
		events: make(chan InterfaceEvent, linkUpdateBuffer),
		logger: logger.With(slog.String("component", "ifmon.netlink")),
	}
}

// Run subscribes to link updates and emits state changes until ctx is
// cancelled. A closed subscription is re-established once; a second
// consecutive failure ends Run with ErrSubscriptionLost.
func (m *NetlinkMonitor) Run(ctx context.Context) error {
	defer close(m.events)

	done := make(chan struct{})
	defer close(done)

	updates, err := m.subscribe(done)
	if err != nil {
		return err
	}
	m.logger.Info("netlink interface monitor started")

	tracker := newLinkTracker()
	for {
		select {
		case <-ctx.Done():
			m.logger.Info("netlink interface monitor stopped")
			return nil

		case u, ok := <-updates:
			if !ok {
				m.logger.Warn("netlink channel closed, resubscribing")
				if updates, err = m.subscribe(done); err != nil {
					return fmt.Errorf("%w: %w", ErrSubscriptionLost, err)
				}
				continue
			}

			attrs := u.Link.Attrs()
			removed := u.Header.Type == unix.RTM_DELLINK
			ev, changed := tracker.observe(attrs.Name, attrs.Index, linkUp(attrs), removed)
			if !changed {
				continue
			}
			m.logger.Debug("link state changed",
				slog.String("interface", ev.IfName),
				slog.Int("ifindex", ev.IfIndex),
				slog.Bool("up", ev.Up),
			)
			select {
			case m.events <- ev:
			case <-ctx.Done():
				return nil
			}
		}
	}
}

func (m *NetlinkMonitor) subscribe(done <-chan struct{}) (<-chan netlink.LinkUpdate, error) {
	updates := make(chan netlink.LinkUpdate, linkUpdateBuffer)
	opts := netlink.LinkSubscribeOptions{
		ListExisting: true,
		ErrorCallback: func(err error) {
			m.logger.Warn("netlink subscribe error", slog.String("error", err.Error()))
		},
	}
	if err := netlink.LinkSubscribeWithOptions(updates, done, opts); err != nil {
		return nil, fmt.Errorf("subscribe link updates: %w", err)
	}
	return updates, nil
}

// Events implements InterfaceMonitor.
func (m *NetlinkMonitor) Events() <-chan InterfaceEvent {
	return m.events
}

// Close implements InterfaceMonitor. The subscription is released when Run
// returns.
func (m *NetlinkMonitor) Close() error {
	return nil
}

// linkUp maps IFF_UP | IFF_RUNNING, preferring the kernel's operational
// state when the driver reports one.
func linkUp(attrs *netlink.LinkAttrs) bool {
	switch attrs.OperState {
	case netlink.OperUp:
		return true
	case netlink.OperUnknown:
		return attrs.Flags&net.FlagUp != 0 && attrs.RawFlags&unix.IFF_RUNNING != 0
	default:
		return false
	}
}

// -------------------------------------------------------------------------
// NetlinkLinks — probe.LinkResolver
// -------------------------------------------------------------------------

// NetlinkLinks resolves interface names through netlink.
type NetlinkLinks struct{}

// ResolveLink implements probe.LinkResolver.
func (NetlinkLinks) ResolveLink(name string) (probe.LinkInfo, error) {
	link, err := netlink.LinkByName(name)
	if err != nil {
		var notFound netlink.LinkNotFoundError
		if errors.As(err, &notFound) {
			return probe.LinkInfo{}, fmt.Errorf("%s: %w", name, probe.ErrNoLink)
		}
		return probe.LinkInfo{}, fmt.Errorf("lookup link %s: %w", name, err)
	}
	attrs := link.Attrs()
	return probe.LinkInfo{Index: attrs.Index, MAC: attrs.HardwareAddr}, nil
}
