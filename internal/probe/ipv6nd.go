package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/gofabric/internal/aliveness"
)

// solicitedNodePrefix is ff02::1:ff00:0/104.
var solicitedNodePrefix = [13]byte{0xff, 0x02, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0x01, 0xff}

// IPv6ND probes a neighbor with a Neighbor Solicitation and matches the
// Neighbor Advertisement it answers with.
type IPv6ND struct {
	sender FrameSender
	links  LinkResolver
	logger *slog.Logger
}

// NewIPv6ND creates an IPv6 neighbor discovery handler.
func NewIPv6ND(sender FrameSender, links LinkResolver, logger *slog.Logger) *IPv6ND {
	return &IPv6ND{
		sender: sender,
		links:  links,
		logger: logger.With(slog.String("component", "probe.ipv6nd")),
	}
}

// Protocol implements aliveness.Handler.
func (*IPv6ND) Protocol() aliveness.ProtocolType { return aliveness.ProtocolIPv6ND }

// SessionBased implements aliveness.Handler.
func (*IPv6ND) SessionBased() bool { return false }

// PacketClass implements aliveness.Handler.
func (*IPv6ND) PacketClass() aliveness.PacketClass { return aliveness.PacketClassIPv6ND }

// UniqueMonitoringKey implements aliveness.Handler.
func (*IPv6ND) UniqueMonitoringKey(info aliveness.MonitoringInfo) string {
	var src, dst netip.Addr
	if s, ok := info.Source.(aliveness.InterfaceEndpoint); ok {
		src = s.IP
	}
	if d, ok := info.Destination.(aliveness.IPEndpoint); ok {
		dst = d.IP
	}
	return ndKey(info.SourceInterface(), src, dst)
}

func ndKey(ifName string, src, dst netip.Addr) string {
	return ifName + ":" + src.String() + ":" + dst.String() + ":ipv6nd"
}

// ValidateMonitor implements aliveness.MonitorValidator. The source must
// be an interface with an IPv6 address and the destination an IPv6
// address.
func (*IPv6ND) ValidateMonitor(_ context.Context, info aliveness.MonitoringInfo) error {
	_, _, err := ndEndpoints(info)
	return err
}

func ndEndpoints(info aliveness.MonitoringInfo) (aliveness.InterfaceEndpoint, netip.Addr, error) {
	src, err := sourceInterface(info)
	if err != nil {
		return src, netip.Addr{}, err
	}
	if !src.IP.Is6() || src.IP.Is4In6() {
		return src, netip.Addr{}, fmt.Errorf("source address %s is not ipv6: %w", src.IP, ErrInvalidEndpoint)
	}
	dst, ok := info.Destination.(aliveness.IPEndpoint)
	if !ok || !dst.IP.Is6() || dst.IP.Is4In6() {
		return src, netip.Addr{}, fmt.Errorf("destination %v is not an ipv6 address: %w", info.Destination, ErrInvalidEndpoint)
	}
	return src, dst.IP, nil
}

// StartMonitoringTask implements aliveness.Handler. It emits one Neighbor
// Solicitation for the destination.
func (h *IPv6ND) StartMonitoringTask(ctx context.Context, info aliveness.MonitoringInfo, _ aliveness.Profile) error {
	src, dst, err := ndEndpoints(info)
	if err != nil {
		return err
	}
	link, err := h.links.ResolveLink(src.Name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", src.Name, err)
	}

	frame, err := encodeSolicitation(link.MAC, src.IP, dst)
	if err != nil {
		return fmt.Errorf("encode neighbor solicitation for %s: %w", dst, err)
	}
	if err := h.sender.SendFrame(ctx, src.Name, frame); err != nil {
		return fmt.Errorf("send neighbor solicitation on %s: %w", src.Name, err)
	}
	return nil
}

// StopMonitoringTask implements aliveness.Handler.
func (*IPv6ND) StopMonitoringTask(context.Context, aliveness.MonitoringInfo) error { return nil }

// solicitedNode returns the solicited-node multicast group of target and
// its Ethernet mapping.
func solicitedNode(target netip.Addr) (netip.Addr, net.HardwareAddr) {
	b := target.As16()
	copy(b[:13], solicitedNodePrefix[:])
	return netip.AddrFrom16(b), net.HardwareAddr{0x33, 0x33, b[12], b[13], b[14], b[15]}
}

func encodeSolicitation(mac net.HardwareAddr, src, target netip.Addr) ([]byte, error) {
	group, groupMAC := solicitedNode(target)

	ethernet := layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       groupMAC,
		EthernetType: layers.EthernetTypeIPv6,
	}
	ipv6 := layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      src.AsSlice(),
		DstIP:      group.AsSlice(),
	}
	icmp6 := layers.ICMPv6{
		TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
	}
	request := layers.ICMPv6NeighborSolicitation{
		TargetAddress: target.AsSlice(),
		Options: layers.ICMPv6Options{
			layers.ICMPv6Option{Type: layers.ICMPv6OptSourceAddress, Data: mac},
		},
	}
	if err := icmp6.SetNetworkLayerForChecksum(&ipv6); err != nil {
		return nil, err
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, seropts, &ethernet, &ipv6, &icmp6, &request); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandlePacketIn implements aliveness.Handler. The advertisement's target
// is the probed neighbor and its IPv6 destination the probing address.
func (h *IPv6ND) HandlePacketIn(pkt aliveness.PacketIn) string {
	var (
		eth   layers.Ethernet
		ip6   layers.IPv6
		icmp6 layers.ICMPv6
		adv   layers.ICMPv6NeighborAdvertisement
	)
	if err := eth.DecodeFromBytes(pkt.Frame, gopacket.NilDecodeFeedback); err != nil {
		return ""
	}
	if eth.EthernetType != layers.EthernetTypeIPv6 {
		return ""
	}
	if err := ip6.DecodeFromBytes(eth.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return ""
	}
	if ip6.NextHeader != layers.IPProtocolICMPv6 {
		return ""
	}
	if err := icmp6.DecodeFromBytes(ip6.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return ""
	}
	if icmp6.TypeCode.Type() != layers.ICMPv6TypeNeighborAdvertisement {
		return ""
	}
	if err := adv.DecodeFromBytes(icmp6.LayerPayload(), gopacket.NilDecodeFeedback); err != nil {
		return ""
	}

	target, ok := netip.AddrFromSlice(adv.TargetAddress)
	if !ok {
		return ""
	}
	local, ok := netip.AddrFromSlice(ip6.DstIP)
	if !ok || local.IsMulticast() {
		h.logger.Debug("unsolicited neighbor advertisement",
			slog.String("interface", pkt.Interface),
			slog.String("target", target.String()),
		)
		return ""
	}
	return ndKey(pkt.Interface, local, target)
}
