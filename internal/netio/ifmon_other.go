//go:build !linux

package netio

import (
	"fmt"
	"log/slog"
	"net"

	"github.com/dantte-lp/gofabric/internal/probe"
)

// NewInterfaceMonitor returns a stub monitor; link subscriptions need
// netlink.
func NewInterfaceMonitor(_ bool, logger *slog.Logger) InterfaceMonitor {
	return NewStubInterfaceMonitor(logger)
}

// NetlinkLinks resolves interface names. Outside Linux it falls back to
// the net package.
type NetlinkLinks struct{}

// ResolveLink implements probe.LinkResolver.
func (NetlinkLinks) ResolveLink(name string) (probe.LinkInfo, error) {
	ifi, err := net.InterfaceByName(name)
	if err != nil {
		return probe.LinkInfo{}, fmt.Errorf("%s: %w: %w", name, probe.ErrNoLink, err)
	}
	return probe.LinkInfo{Index: ifi.Index, MAC: ifi.HardwareAddr}, nil
}
