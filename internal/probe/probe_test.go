package probe_test

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"testing"
	"testing/synctest"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/idpool"
	"github.com/dantte-lp/gofabric/internal/probe"
	"github.com/dantte-lp/gofabric/internal/store"
)

// -------------------------------------------------------------------------
// Fakes
// -------------------------------------------------------------------------

type sentFrame struct {
	ifName string
	frame  []byte
}

type recordingSender struct {
	mu     sync.Mutex
	frames []sentFrame
}

func (s *recordingSender) SendFrame(_ context.Context, ifName string, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, sentFrame{ifName: ifName, frame: append([]byte(nil), frame...)})
	return nil
}

func (s *recordingSender) take() []sentFrame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.frames
	s.frames = nil
	return out
}

type staticLinks map[string]probe.LinkInfo

func (l staticLinks) ResolveLink(name string) (probe.LinkInfo, error) {
	info, ok := l[name]
	if !ok {
		return probe.LinkInfo{}, probe.ErrNoLink
	}
	return info, nil
}

var (
	localMAC  = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	remoteMAC = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x02}
	links     = staticLinks{"eth0": {Index: 2, MAC: localMAC}}
	discard   = slog.New(slog.DiscardHandler)
)

// -------------------------------------------------------------------------
// Classification
// -------------------------------------------------------------------------

func TestClassifyMalformed(t *testing.T) {
	t.Parallel()

	frames := [][]byte{
		nil,
		{0x01},
		make([]byte, 13),
		// IPv6 ethertype with a truncated header.
		{0, 0, 0, 0, 0, 1, 0, 0, 0, 0, 0, 2, 0x86, 0xdd, 0x60, 0},
		// IPv4 frame.
		append(make([]byte, 12), 0x08, 0x00, 0x45),
	}
	for i, f := range frames {
		if c := probe.Classify(f); c != "" {
			t.Errorf("frame %d classified as %q, want empty", i, c)
		}
	}
}

// -------------------------------------------------------------------------
// LLDP
// -------------------------------------------------------------------------

func TestLLDPProbeAnswersItself(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	h := probe.NewLLDP(sender, links, discard)
	info := aliveness.MonitoringInfo{Source: aliveness.InterfaceEndpoint{Name: "eth0"}}

	if err := h.StartMonitoringTask(t.Context(), info, aliveness.Profile{}); err != nil {
		t.Fatalf("StartMonitoringTask: %v", err)
	}
	sent := sender.take()
	if len(sent) != 1 || sent[0].ifName != "eth0" {
		t.Fatalf("sent %+v, want one frame on eth0", sent)
	}

	frame := sent[0].frame
	if c := probe.Classify(frame); c != aliveness.PacketClassLLDP {
		t.Fatalf("Classify = %q, want lldp", c)
	}

	pkt := gopacket.NewPacket(frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	if eth == nil || eth.SrcMAC.String() != localMAC.String() || eth.DstMAC.String() != "01:80:c2:00:00:0e" {
		t.Fatalf("ethernet header %+v", eth)
	}

	key := h.HandlePacketIn(aliveness.PacketIn{Class: aliveness.PacketClassLLDP, Interface: "eth0", Frame: frame})
	if want := h.UniqueMonitoringKey(info); key != want || key != "eth0:lldp" {
		t.Errorf("HandlePacketIn = %q, want %q", key, want)
	}
}

func TestLLDPIgnoresForeignFrames(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	other := probe.NewLLDP(sender, links, discard, probe.WithSystemName("switch-7"))
	info := aliveness.MonitoringInfo{Source: aliveness.InterfaceEndpoint{Name: "eth0"}}
	if err := other.StartMonitoringTask(t.Context(), info, aliveness.Profile{}); err != nil {
		t.Fatalf("StartMonitoringTask: %v", err)
	}
	foreign := sender.take()[0].frame

	h := probe.NewLLDP(sender, links, discard)
	tests := map[string][]byte{
		"other system": foreign,
		"empty":        nil,
		"truncated":    foreign[:20],
		"garbage":      []byte("not an ethernet frame at all"),
	}
	for name, frame := range tests {
		if key := h.HandlePacketIn(aliveness.PacketIn{Interface: "eth0", Frame: frame}); key != "" {
			t.Errorf("%s: HandlePacketIn = %q, want empty", name, key)
		}
	}
}

func TestLLDPUnknownLink(t *testing.T) {
	t.Parallel()

	h := probe.NewLLDP(&recordingSender{}, links, discard)
	info := aliveness.MonitoringInfo{Source: aliveness.InterfaceEndpoint{Name: "eth9"}}
	if err := h.StartMonitoringTask(t.Context(), info, aliveness.Profile{}); !errors.Is(err, probe.ErrNoLink) {
		t.Errorf("StartMonitoringTask: got %v, want ErrNoLink", err)
	}
}

// -------------------------------------------------------------------------
// IPv6 neighbor discovery
// -------------------------------------------------------------------------

var (
	ndLocal  = netip.MustParseAddr("fd00::1")
	ndRemote = netip.MustParseAddr("fd00::abcd:1234")
)

func ndInfo() aliveness.MonitoringInfo {
	return aliveness.MonitoringInfo{
		Source:      aliveness.InterfaceEndpoint{Name: "eth0", IP: ndLocal},
		Destination: aliveness.IPEndpoint{IP: ndRemote},
	}
}

// advertisement builds the reply a neighbor sends to a solicitation.
func advertisement(t *testing.T, target, to netip.Addr) []byte {
	t.Helper()
	ethernet := layers.Ethernet{SrcMAC: remoteMAC, DstMAC: localMAC, EthernetType: layers.EthernetTypeIPv6}
	ipv6 := layers.IPv6{
		Version:    6,
		NextHeader: layers.IPProtocolICMPv6,
		HopLimit:   255,
		SrcIP:      target.AsSlice(),
		DstIP:      to.AsSlice(),
	}
	icmp6 := layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)}
	response := layers.ICMPv6NeighborAdvertisement{
		Flags:         0x60,
		TargetAddress: target.AsSlice(),
		Options: layers.ICMPv6Options{
			layers.ICMPv6Option{Type: layers.ICMPv6OptTargetAddress, Data: remoteMAC},
		},
	}
	if err := icmp6.SetNetworkLayerForChecksum(&ipv6); err != nil {
		t.Fatalf("checksum layer: %v", err)
	}
	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, &ethernet, &ipv6, &icmp6, &response); err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestIPv6NDSolicitation(t *testing.T) {
	t.Parallel()

	sender := &recordingSender{}
	h := probe.NewIPv6ND(sender, links, discard)
	if err := h.StartMonitoringTask(t.Context(), ndInfo(), aliveness.Profile{}); err != nil {
		t.Fatalf("StartMonitoringTask: %v", err)
	}
	sent := sender.take()
	if len(sent) != 1 {
		t.Fatalf("sent %d frames, want 1", len(sent))
	}

	pkt := gopacket.NewPacket(sent[0].frame, layers.LayerTypeEthernet, gopacket.Default)
	eth, _ := pkt.Layer(layers.LayerTypeEthernet).(*layers.Ethernet)
	ip6, _ := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
	ns, _ := pkt.Layer(layers.LayerTypeICMPv6NeighborSolicitation).(*layers.ICMPv6NeighborSolicitation)
	if eth == nil || ip6 == nil || ns == nil {
		t.Fatalf("layers: eth=%v ipv6=%v ns=%v", eth != nil, ip6 != nil, ns != nil)
	}

	if got := eth.DstMAC.String(); got != "33:33:ff:cd:12:34" {
		t.Errorf("destination mac %s, want 33:33:ff:cd:12:34", got)
	}
	if got := ip6.DstIP.String(); got != "ff02::1:ffcd:1234" {
		t.Errorf("destination ip %s, want ff02::1:ffcd:1234", got)
	}
	if got := ip6.SrcIP.String(); got != ndLocal.String() {
		t.Errorf("source ip %s, want %s", got, ndLocal)
	}
	if ip6.HopLimit != 255 {
		t.Errorf("hop limit %d, want 255", ip6.HopLimit)
	}
	if got := ns.TargetAddress.String(); got != ndRemote.String() {
		t.Errorf("target %s, want %s", got, ndRemote)
	}
	if probe.Classify(sent[0].frame) != "" {
		t.Error("solicitation classified as a reply")
	}
}

func TestIPv6NDAdvertisementMatchesMonitor(t *testing.T) {
	t.Parallel()

	h := probe.NewIPv6ND(&recordingSender{}, links, discard)
	frame := advertisement(t, ndRemote, ndLocal)

	if c := probe.Classify(frame); c != aliveness.PacketClassIPv6ND {
		t.Fatalf("Classify = %q, want ipv6nd", c)
	}
	key := h.HandlePacketIn(aliveness.PacketIn{Class: aliveness.PacketClassIPv6ND, Interface: "eth0", Frame: frame})
	if want := h.UniqueMonitoringKey(ndInfo()); key != want {
		t.Errorf("HandlePacketIn = %q, want %q", key, want)
	}

	unsolicited := advertisement(t, ndRemote, netip.MustParseAddr("ff02::1"))
	if key := h.HandlePacketIn(aliveness.PacketIn{Interface: "eth0", Frame: unsolicited}); key != "" {
		t.Errorf("unsolicited advertisement matched %q", key)
	}
	if key := h.HandlePacketIn(aliveness.PacketIn{Interface: "eth0", Frame: frame[:40]}); key != "" {
		t.Errorf("truncated advertisement matched %q", key)
	}
}

func TestIPv6NDValidate(t *testing.T) {
	t.Parallel()

	h := probe.NewIPv6ND(&recordingSender{}, links, discard)
	bad := map[string]aliveness.MonitoringInfo{
		"ipv4 source": {
			Source:      aliveness.InterfaceEndpoint{Name: "eth0", IP: netip.MustParseAddr("10.0.0.1")},
			Destination: aliveness.IPEndpoint{IP: ndRemote},
		},
		"no source ip": {
			Source:      aliveness.InterfaceEndpoint{Name: "eth0"},
			Destination: aliveness.IPEndpoint{IP: ndRemote},
		},
		"no destination": {
			Source: aliveness.InterfaceEndpoint{Name: "eth0", IP: ndLocal},
		},
		"ipv4 destination": {
			Source:      aliveness.InterfaceEndpoint{Name: "eth0", IP: ndLocal},
			Destination: aliveness.IPEndpoint{IP: netip.MustParseAddr("10.0.0.2")},
		},
	}
	for name, info := range bad {
		err := h.ValidateMonitor(t.Context(), info)
		if !errors.Is(err, probe.ErrInvalidEndpoint) || !errors.Is(err, aliveness.ErrUnsupportedConfig) {
			t.Errorf("%s: got %v, want ErrInvalidEndpoint", name, err)
		}
	}
	if err := h.ValidateMonitor(t.Context(), ndInfo()); err != nil {
		t.Errorf("valid monitor rejected: %v", err)
	}
}

// -------------------------------------------------------------------------
// Engine integration
// -------------------------------------------------------------------------

// TestLLDPMonitorComesUp runs an LLDP monitor through the engine and loops
// the emitted probes back as packet-ins.
func TestLLDPMonitorComesUp(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		s := store.NewMemoryStore(discard)
		defer s.Close()

		sender := &recordingSender{}
		h := probe.NewLLDP(sender, links, discard)
		e := aliveness.NewEngine(s, idpool.New(s, discard), aliveness.NewRegistry(h), discard)
		defer e.Close()
		e.Init(ctx)

		prof, err := e.ProfileCreate(ctx, aliveness.Profile{
			Protocol:         aliveness.ProtocolLLDP,
			FailureThreshold: 3,
			MonitorInterval:  time.Second,
			MonitorWindow:    5,
		})
		if err != nil {
			t.Fatalf("ProfileCreate: %v", err)
		}
		res, err := e.MonitorStart(ctx, aliveness.MonitoringInfo{
			ProfileID: prof.ProfileID,
			Source:    aliveness.InterfaceEndpoint{Name: "eth0"},
		})
		if err != nil {
			t.Fatalf("MonitorStart: %v", err)
		}

		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()

		frames := sender.take()
		if len(frames) == 0 {
			t.Fatal("no probe emitted")
		}
		for _, f := range frames {
			e.HandlePacketIn(ctx, aliveness.PacketIn{
				Class:     probe.Classify(f.frame),
				Interface: f.ifName,
				Frame:     f.frame,
			})
		}

		st, err := e.State(ctx, res.MonitorID)
		if err != nil {
			t.Fatalf("State: %v", err)
		}
		if st.State != aliveness.StateUp {
			t.Errorf("state %s after looped probes, want Up", st.State)
		}
	})
}
