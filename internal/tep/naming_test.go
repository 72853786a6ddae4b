package tep_test

import (
	"net/netip"
	"strings"
	"testing"

	"github.com/dantte-lp/gofabric/internal/tep"
)

func TestDeriveInterfaceName(t *testing.T) {
	t.Parallel()

	a := netip.MustParseAddr("10.0.0.1")
	b := netip.MustParseAddr("10.0.0.2")

	name := tep.DeriveInterfaceName("1", a, b, tep.TunnelVXLAN)
	if !strings.HasPrefix(name, "tun") || len(name) != 15 {
		t.Fatalf("name %q: want tun + 12 hex digits", name)
	}
	if again := tep.DeriveInterfaceName("1", a, b, tep.TunnelVXLAN); again != name {
		t.Errorf("not deterministic: %q then %q", name, again)
	}

	others := map[string]string{
		"reverse":     tep.DeriveInterfaceName("2", b, a, tep.TunnelVXLAN),
		"type":        tep.DeriveInterfaceName("1", a, b, tep.TunnelGRE),
		"parent":      tep.DeriveInterfaceName("3", a, b, tep.TunnelVXLAN),
		"swapped ips": tep.DeriveInterfaceName("1", b, a, tep.TunnelVXLAN),
	}
	for what, other := range others {
		if other == name {
			t.Errorf("%s: collides with %q", what, name)
		}
	}
}

func TestDeviceTypeOfNode(t *testing.T) {
	t.Parallel()

	tests := []struct {
		node string
		want tep.DeviceType
	}{
		{"42", tep.DeviceOVSDB},
		{"hwvtep://10.1.1.1:6640/tor1", tep.DeviceHWVTEP},
		{"ovsdb://uuid/1234", tep.DeviceOVSDB},
		{"192.0.2.7", tep.DeviceIP},
		{"2001:db8::7", tep.DeviceIP},
	}
	for _, tt := range tests {
		if got := tep.DeviceTypeOfNode(tt.node); got != tt.want {
			t.Errorf("DeviceTypeOfNode(%q) = %s, want %s", tt.node, got, tt.want)
		}
	}
}

func TestParseDpnID(t *testing.T) {
	t.Parallel()

	if d, err := tep.ParseDpnID("0x1f"); err != nil || d != 31 {
		t.Errorf("ParseDpnID(0x1f) = %d, %v", d, err)
	}
	if d, err := tep.ParseDpnID("31"); err != nil || d != 31 {
		t.Errorf("ParseDpnID(31) = %d, %v", d, err)
	}
	if _, err := tep.ParseDpnID("dpn-1"); err == nil {
		t.Error("ParseDpnID(dpn-1): want error")
	}
}
