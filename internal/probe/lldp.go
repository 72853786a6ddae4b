package probe

import (
	"context"
	"fmt"
	"log/slog"
	"net"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/gofabric/internal/aliveness"
)

// DefaultSystemName marks LLDP frames emitted by this daemon.
const DefaultSystemName = "gofabric"

// lldpTTL is the time-to-live advertised in probe frames, in seconds.
const lldpTTL = 120

// lldpMulticast is the nearest-bridge LLDP group address.
var lldpMulticast = net.HardwareAddr{0x01, 0x80, 0xc2, 0x00, 0x00, 0x0e}

// LLDPOption configures an LLDP handler.
type LLDPOption func(*LLDP)

// WithSystemName overrides DefaultSystemName. Frames carrying another
// system name are ignored on receive.
func WithSystemName(name string) LLDPOption {
	return func(h *LLDP) { h.systemName = name }
}

// LLDP probes an interface with an LLDP frame and treats the same frame
// returning through the data plane as the reply. The port-id TLV carries
// the interface name, which identifies the monitor on receive.
type LLDP struct {
	sender     FrameSender
	links      LinkResolver
	systemName string
	logger     *slog.Logger
}

// NewLLDP creates an LLDP handler.
func NewLLDP(sender FrameSender, links LinkResolver, logger *slog.Logger, opts ...LLDPOption) *LLDP {
	h := &LLDP{
		sender:     sender,
		links:      links,
		systemName: DefaultSystemName,
		logger:     logger.With(slog.String("component", "probe.lldp")),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Protocol implements aliveness.Handler.
func (*LLDP) Protocol() aliveness.ProtocolType { return aliveness.ProtocolLLDP }

// SessionBased implements aliveness.Handler.
func (*LLDP) SessionBased() bool { return false }

// PacketClass implements aliveness.Handler.
func (*LLDP) PacketClass() aliveness.PacketClass { return aliveness.PacketClassLLDP }

// UniqueMonitoringKey implements aliveness.Handler.
func (*LLDP) UniqueMonitoringKey(info aliveness.MonitoringInfo) string {
	return lldpKey(info.SourceInterface())
}

func lldpKey(ifName string) string {
	return ifName + ":lldp"
}

// ValidateMonitor implements aliveness.MonitorValidator.
func (*LLDP) ValidateMonitor(_ context.Context, info aliveness.MonitoringInfo) error {
	_, err := sourceInterface(info)
	return err
}

// StartMonitoringTask implements aliveness.Handler. It emits one probe.
func (h *LLDP) StartMonitoringTask(ctx context.Context, info aliveness.MonitoringInfo, _ aliveness.Profile) error {
	src, err := sourceInterface(info)
	if err != nil {
		return err
	}
	link, err := h.links.ResolveLink(src.Name)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", src.Name, err)
	}

	frame, err := h.encode(link.MAC, src.Name)
	if err != nil {
		return fmt.Errorf("encode lldp for %s: %w", src.Name, err)
	}
	if err := h.sender.SendFrame(ctx, src.Name, frame); err != nil {
		return fmt.Errorf("send lldp on %s: %w", src.Name, err)
	}
	return nil
}

// StopMonitoringTask implements aliveness.Handler.
func (*LLDP) StopMonitoringTask(context.Context, aliveness.MonitoringInfo) error { return nil }

func (h *LLDP) encode(mac net.HardwareAddr, ifName string) ([]byte, error) {
	ethernet := layers.Ethernet{
		SrcMAC:       mac,
		DstMAC:       lldpMulticast,
		EthernetType: layers.EthernetTypeLinkLayerDiscovery,
	}
	lldp := layers.LinkLayerDiscovery{
		ChassisID: layers.LLDPChassisID{
			Subtype: layers.LLDPChassisIDSubTypeMACAddr,
			ID:      mac,
		},
		PortID: layers.LLDPPortID{
			Subtype: layers.LLDPPortIDSubtypeIfaceName,
			ID:      []byte(ifName),
		},
		TTL: lldpTTL,
		Values: []layers.LinkLayerDiscoveryValue{{
			Type:   layers.LLDPTLVSysName,
			Length: uint16(len(h.systemName)),
			Value:  []byte(h.systemName),
		}},
	}

	buf := gopacket.NewSerializeBuffer()
	if err := gopacket.SerializeLayers(buf, seropts, &ethernet, &lldp); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// HandlePacketIn implements aliveness.Handler. Frames without the expected
// system name or without an interface-name port id yield "".
func (h *LLDP) HandlePacketIn(pkt aliveness.PacketIn) string {
	packet := gopacket.NewPacket(pkt.Frame, layers.LayerTypeEthernet, gopacket.DecodeOptions{NoCopy: true})
	lldp, ok := packet.Layer(layers.LayerTypeLinkLayerDiscovery).(*layers.LinkLayerDiscovery)
	if !ok {
		return ""
	}
	if lldp.PortID.Subtype != layers.LLDPPortIDSubtypeIfaceName || len(lldp.PortID.ID) == 0 {
		return ""
	}

	for _, v := range lldp.Values {
		if v.Type == layers.LLDPTLVSysName && string(v.Value) == h.systemName {
			return lldpKey(string(lldp.PortID.ID))
		}
	}

	h.logger.Debug("lldp frame without probe marker",
		slog.String("interface", pkt.Interface),
	)
	return ""
}
