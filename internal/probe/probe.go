// Package probe implements the liveness probe protocols served by the
// aliveness engine: LLDP and IPv6 neighbor discovery, which emit probe
// frames and match replies punted back from the data plane, and BFD, which
// delegates detection to data-plane sessions configured on tunnel
// interfaces.
package probe

import (
	"context"
	"errors"
	"fmt"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/gofabric/internal/aliveness"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for probe handlers.
var (
	// ErrHWVTEPUnsupported indicates a BFD monitor whose source tunnel does
	// not originate on a DPN. It wraps aliveness.ErrUnsupportedConfig.
	ErrHWVTEPUnsupported = fmt.Errorf("%w: bfd from a hardware vtep", aliveness.ErrUnsupportedConfig)

	// ErrInvalidEndpoint indicates monitor endpoints the protocol cannot
	// address. It wraps aliveness.ErrUnsupportedConfig.
	ErrInvalidEndpoint = fmt.Errorf("%w: endpoint not usable by protocol", aliveness.ErrUnsupportedConfig)

	// ErrNoLink indicates the source interface could not be resolved.
	ErrNoLink = errors.New("link not found")
)

// -------------------------------------------------------------------------
// Data-plane access
// -------------------------------------------------------------------------

// FrameSender transmits a complete Ethernet frame out of an interface.
type FrameSender interface {
	SendFrame(ctx context.Context, ifName string, frame []byte) error
}

// LinkInfo is what probe encoding needs to know about a local interface.
type LinkInfo struct {
	Index int
	MAC   net.HardwareAddr
}

// LinkResolver looks up local interfaces by name.
type LinkResolver interface {
	ResolveLink(name string) (LinkInfo, error)
}

// seropts are the serialization options for every probe frame.
var seropts = gopacket.SerializeOptions{
	FixLengths:       true,
	ComputeChecksums: true,
}

// -------------------------------------------------------------------------
// Classification
// -------------------------------------------------------------------------

// Classify maps an inbound Ethernet frame to the packet class of the
// handler that consumes it. Frames that are malformed or of no interest
// yield the empty class.
func Classify(frame []byte) aliveness.PacketClass {
	var eth layers.Ethernet
	if err := eth.DecodeFromBytes(frame, gopacket.NilDecodeFeedback); err != nil {
		return ""
	}

	switch eth.EthernetType {
	case layers.EthernetTypeLinkLayerDiscovery:
		return aliveness.PacketClassLLDP
	case layers.EthernetTypeIPv6:
		var ip6 layers.IPv6
		if err := ip6.DecodeFromBytes(eth.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
			return ""
		}
		if ip6.NextHeader != layers.IPProtocolICMPv6 {
			return ""
		}
		var icmp6 layers.ICMPv6
		if err := icmp6.DecodeFromBytes(ip6.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
			return ""
		}
		if icmp6.TypeCode.Type() == layers.ICMPv6TypeNeighborAdvertisement {
			return aliveness.PacketClassIPv6ND
		}
	}
	return ""
}

// sourceInterface returns the source interface endpoint of info.
func sourceInterface(info aliveness.MonitoringInfo) (aliveness.InterfaceEndpoint, error) {
	src, ok := info.Source.(aliveness.InterfaceEndpoint)
	if !ok || src.Name == "" {
		return aliveness.InterfaceEndpoint{}, fmt.Errorf("source %v: %w", info.Source, ErrInvalidEndpoint)
	}
	return src, nil
}
