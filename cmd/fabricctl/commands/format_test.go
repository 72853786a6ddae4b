package commands

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

func testZones() []fabricapi.TransportZone {
	return []fabricapi.TransportZone{{
		Name: "tz-a",
		Type: "vxlan",
		Vteps: []fabricapi.Vtep{
			{DpnID: 1, IP: "10.0.0.1"},
			{DpnID: 2, IP: "10.0.0.2"},
		},
	}}
}

func TestFormatZonesTable(t *testing.T) {
	t.Parallel()

	out, err := formatZones(testZones(), formatTable)
	if err != nil {
		t.Fatalf("formatZones: %v", err)
	}

	lines := strings.Split(strings.TrimSpace(out), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d lines, want header + 1 row:\n%s", len(lines), out)
	}
	if !strings.HasPrefix(lines[0], "NAME") {
		t.Errorf("header = %q", lines[0])
	}
	if fields := strings.Fields(lines[1]); len(fields) != 4 || fields[0] != "tz-a" || fields[2] != "2" {
		t.Errorf("row = %q", lines[1])
	}
}

func TestFormatZonesYAML(t *testing.T) {
	t.Parallel()

	out, err := formatZones(testZones(), formatYAML)
	if err != nil {
		t.Fatalf("formatZones: %v", err)
	}

	for _, want := range []string{"- name: tz-a", "type: vxlan", "dpn_id: 1", "ip: 10.0.0.1"} {
		if !strings.Contains(out, want) {
			t.Errorf("YAML output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "{") {
		t.Errorf("YAML output uses flow style:\n%s", out)
	}
}

func TestFormatJSON(t *testing.T) {
	t.Parallel()

	out, err := formatProfiles([]fabricapi.Profile{{ID: 7, Protocol: "lldp", FailureThreshold: 3}}, formatJSON)
	if err != nil {
		t.Fatalf("formatProfiles: %v", err)
	}
	if !strings.Contains(out, `"protocol": "lldp"`) || !strings.Contains(out, `"id": 7`) {
		t.Errorf("unexpected JSON:\n%s", out)
	}
}

func TestFormatUnsupported(t *testing.T) {
	t.Parallel()

	_, err := formatZones(nil, "xml")
	if !errors.Is(err, errUnsupportedFormat) {
		t.Errorf("err = %v, want errUnsupportedFormat", err)
	}
}

func TestFormatEventTable(t *testing.T) {
	t.Parallel()

	ev := &fabricapi.MonitorEvent{
		MonitorID:  4,
		MonitorKey: "eth0:lldp",
		State:      "Down",
		Time:       time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC),
	}
	out, err := formatEvent(ev, formatTable)
	if err != nil {
		t.Fatalf("formatEvent: %v", err)
	}
	want := "[2026-10-01T12:00:00Z] monitor=4  key=eth0:lldp  state=Down"
	if out != want {
		t.Errorf("got %q, want %q", out, want)
	}
}

func TestEndpointFromFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		ifName  string
		ip      string
		want    *fabricapi.Endpoint
		wantErr error
	}{
		{name: "none"},
		{name: "interface", ifName: "eth0", want: &fabricapi.Endpoint{Kind: fabricapi.EndpointInterface, Name: "eth0"}},
		{name: "ip", ip: "10.0.0.1", want: &fabricapi.Endpoint{Kind: fabricapi.EndpointIP, IP: "10.0.0.1"}},
		{name: "both", ifName: "eth0", ip: "10.0.0.1", wantErr: errEndpointFlags},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := endpointFromFlags(tt.ifName, tt.ip)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("err = %v, want %v", err, tt.wantErr)
			}
			switch {
			case tt.want == nil && got != nil:
				t.Errorf("got %+v, want nil", got)
			case tt.want != nil && (got == nil || *got != *tt.want):
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestParseZone(t *testing.T) {
	t.Parallel()

	doc := `
name: tz-a
type: vxlan
vteps:
  - dpn_id: 1
    ip: 10.0.0.1
  - dpn_id: 2
    ip: 10.0.0.2
    vlan_id: 100
device_vteps:
  - node_id: hwvtep://tor1
    ip: 10.0.1.1
`
	zone, err := parseZone(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("parseZone: %v", err)
	}
	if zone.Name != "tz-a" || zone.Type != "vxlan" {
		t.Errorf("zone = %+v", zone)
	}
	if len(zone.Vteps) != 2 || zone.Vteps[1].VlanID != 100 {
		t.Errorf("vteps = %+v", zone.Vteps)
	}
	if len(zone.DeviceVteps) != 1 || zone.DeviceVteps[0].NodeID != "hwvtep://tor1" {
		t.Errorf("device vteps = %+v", zone.DeviceVteps)
	}

	if _, err := parseZone(strings.NewReader("name: x\nbogus: 1\n")); err == nil {
		t.Error("unknown field accepted")
	}
}
