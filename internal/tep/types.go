package tep

import (
	"errors"
	"fmt"
	"net/netip"
	"slices"
	"strconv"
	"strings"
	"time"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for tunnel operations.
var (
	// ErrInvalidZone indicates a transport zone that cannot be meshed.
	ErrInvalidZone = errors.New("invalid transport zone")

	// ErrZoneNotFound indicates no transport zone exists with the name.
	ErrZoneNotFound = errors.New("transport zone not found")

	// ErrInvalidEndpoint indicates an endpoint without a usable address or
	// tunnel type.
	ErrInvalidEndpoint = errors.New("invalid tunnel endpoint")

	// ErrEndpointNotFound indicates the external endpoint is not configured.
	ErrEndpointNotFound = errors.New("external endpoint not found")

	// ErrTunnelNotFound indicates no tunnel interface exists with the name.
	ErrTunnelNotFound = errors.New("tunnel not found")
)

// -------------------------------------------------------------------------
// Identifiers
// -------------------------------------------------------------------------

// DpnID identifies a data-plane node (the datapath id of its bridge).
type DpnID uint64

// String returns the decimal form used in store paths and node ids.
func (d DpnID) String() string {
	return strconv.FormatUint(uint64(d), 10)
}

// ParseDpnID parses the decimal form. A "0x" prefix selects hex, as found
// in OVSDB datapath_id columns.
func ParseDpnID(s string) (DpnID, error) {
	if h, ok := strings.CutPrefix(s, "0x"); ok {
		v, err := strconv.ParseUint(h, 16, 64)
		return DpnID(v), err
	}
	v, err := strconv.ParseUint(s, 10, 64)
	return DpnID(v), err
}

// TunnelType is the encapsulation of a tunnel.
type TunnelType string

// Supported tunnel types.
const (
	TunnelVXLAN    TunnelType = "vxlan"
	TunnelGRE      TunnelType = "gre"
	TunnelMPLSoGRE TunnelType = "mpls-over-gre"
	TunnelVXLANGPE TunnelType = "vxlan-gpe"
)

var tunnelTypes = []TunnelType{TunnelVXLAN, TunnelGRE, TunnelMPLSoGRE, TunnelVXLANGPE}

// Valid reports whether t is a supported tunnel type.
func (t TunnelType) Valid() bool {
	return slices.Contains(tunnelTypes, t)
}

// ParseTunnelType parses a tunnel type name, case-insensitively.
func ParseTunnelType(s string) (TunnelType, error) {
	t := TunnelType(strings.ToLower(s))
	if !t.Valid() {
		return "", fmt.Errorf("tunnel type %q: %w", s, ErrInvalidEndpoint)
	}
	return t, nil
}

// -------------------------------------------------------------------------
// DeviceType
// -------------------------------------------------------------------------

// DeviceType is the kind of node terminating a tunnel.
type DeviceType uint8

const (
	// DeviceOVSDB is a software switch managed over OVSDB (a DPN).
	DeviceOVSDB DeviceType = iota + 1

	// DeviceHWVTEP is a hardware VTEP managed through the hardware_vtep
	// schema.
	DeviceHWVTEP

	// DeviceIP is a device known only by its IP, typically a DC gateway.
	DeviceIP
)

// deviceTypeNames and deviceTypeByName form a bidirectional map between
// device types and their node-id type names.
var (
	deviceTypeNames = map[DeviceType]string{
		DeviceOVSDB:  "ovsdb",
		DeviceHWVTEP: "hwvtep",
		DeviceIP:     "ip",
	}
	deviceTypeByName = func() map[string]DeviceType {
		m := make(map[string]DeviceType, len(deviceTypeNames))
		for t, n := range deviceTypeNames {
			m[n] = t
		}
		return m
	}()
)

// String returns the node-id type name.
func (t DeviceType) String() string {
	if n, ok := deviceTypeNames[t]; ok {
		return n
	}
	return "unknown"
}

// ParseDeviceType resolves a node-id type name.
func ParseDeviceType(s string) (DeviceType, error) {
	if t, ok := deviceTypeByName[strings.ToLower(s)]; ok {
		return t, nil
	}
	return 0, fmt.Errorf("device type %q: %w", s, ErrInvalidEndpoint)
}

// MarshalText implements encoding.TextMarshaler.
func (t DeviceType) MarshalText() ([]byte, error) {
	return []byte(t.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (t *DeviceType) UnmarshalText(b []byte) error {
	if s := string(b); s == "" || s == "unknown" {
		*t = 0
		return nil
	}
	v, err := ParseDeviceType(string(b))
	if err != nil {
		return err
	}
	*t = v
	return nil
}

// DeviceTypeOfNode resolves the device type from a node id: "hwvtep://"
// and "ovsdb://" URIs carry their type, a bare IP is an IP device and
// anything else is a DPN id.
func DeviceTypeOfNode(nodeID string) DeviceType {
	if scheme, _, ok := strings.Cut(nodeID, "://"); ok {
		if t, err := ParseDeviceType(scheme); err == nil {
			return t
		}
	}
	if _, err := netip.ParseAddr(nodeID); err == nil {
		return DeviceIP
	}
	return DeviceOVSDB
}

// -------------------------------------------------------------------------
// Configuration
// -------------------------------------------------------------------------

// ZoneVtep is one DPN membership in a transport zone.
type ZoneVtep struct {
	DpnID    DpnID      `json:"dpn_id"`
	IP       netip.Addr `json:"ip"`
	PortName string     `json:"port_name"`
	VlanID   uint16     `json:"vlan_id,omitempty"`
	TOS      uint8      `json:"tos,omitempty"`
}

// DeviceVtep is a hardware VTEP in a transport zone.
type DeviceVtep struct {
	NodeID string     `json:"node_id"`
	IP     netip.Addr `json:"ip"`
}

// TransportZone is a named group of endpoints meshed with tunnels of one
// type.
type TransportZone struct {
	Name        string       `json:"name"`
	Type        TunnelType   `json:"type"`
	Vteps       []ZoneVtep   `json:"vteps"`
	DeviceVteps []DeviceVtep `json:"device_vteps,omitempty"`
}

// Validate checks that every member can be addressed.
func (z TransportZone) Validate() error {
	if z.Name == "" || strings.ContainsRune(z.Name, '/') {
		return fmt.Errorf("zone name %q: %w", z.Name, ErrInvalidZone)
	}
	if !z.Type.Valid() {
		return fmt.Errorf("zone %s: tunnel type %q: %w", z.Name, z.Type, ErrInvalidZone)
	}
	for _, v := range z.Vteps {
		if !v.IP.IsValid() || v.DpnID == 0 {
			return fmt.Errorf("zone %s: vtep %s/%s: %w", z.Name, v.DpnID, v.IP, ErrInvalidZone)
		}
	}
	for _, d := range z.DeviceVteps {
		if !d.IP.IsValid() || d.NodeID == "" {
			return fmt.Errorf("zone %s: device vtep %q: %w", z.Name, d.NodeID, ErrInvalidZone)
		}
	}
	return nil
}

// TunnelEndPoint is one (IP, port, type) termination on a DPN. Memberships
// in several zones with the same address collapse into one endpoint.
type TunnelEndPoint struct {
	DpnID      DpnID      `json:"dpn_id"`
	IP         netip.Addr `json:"ip"`
	PortName   string     `json:"port_name"`
	VlanID     uint16     `json:"vlan_id,omitempty"`
	TunnelType TunnelType `json:"tunnel_type"`
	Zones      []string   `json:"zones"`
	TOS        uint8      `json:"tos,omitempty"`
}

// sameTermination reports whether two endpoints are the same termination
// point regardless of zone membership.
func (e TunnelEndPoint) sameTermination(o TunnelEndPoint) bool {
	return e.IP == o.IP && e.PortName == o.PortName && e.TunnelType == o.TunnelType
}

// sharesZone reports whether e and o have at least one zone in common.
func (e TunnelEndPoint) sharesZone(o TunnelEndPoint) bool {
	for _, z := range e.Zones {
		if slices.Contains(o.Zones, z) {
			return true
		}
	}
	return false
}

// DPNTEPsInfo aggregates the endpoints of one DPN.
type DPNTEPsInfo struct {
	DpnID     DpnID            `json:"dpn_id"`
	Endpoints []TunnelEndPoint `json:"endpoints"`
}

// ExternalEndpoint is a DC gateway meshed with every DPN endpoint of the
// same tunnel type.
type ExternalEndpoint struct {
	IP         netip.Addr `json:"ip"`
	TunnelType TunnelType `json:"tunnel_type"`
}

// BFDConfig is the BFD configuration of a tunnel interface.
type BFDConfig struct {
	Enabled    bool          `json:"enabled"`
	MinRx      time.Duration `json:"min_rx"`
	MinTx      time.Duration `json:"min_tx"`
	Multiplier uint32        `json:"multiplier"`
}

// InterfaceConfig is the intended configuration of one directed tunnel
// interface. The southbound programs it onto the source node.
type InterfaceConfig struct {
	Name         string     `json:"name"`
	ID           uint32     `json:"id"`
	Type         TunnelType `json:"type"`
	Internal     bool       `json:"internal"`
	Source       string     `json:"source"`
	Destination  string     `json:"destination"`
	RemoteDevice DeviceType `json:"remote_device"`
	LocalIP      netip.Addr `json:"local_ip"`
	RemoteIP     netip.Addr `json:"remote_ip"`
	PortName     string     `json:"port_name,omitempty"`
	VlanID       uint16     `json:"vlan_id,omitempty"`
	TOS          uint8      `json:"tos,omitempty"`
	BFD          *BFDConfig `json:"bfd,omitempty"`
}

// SourceDpn returns the DPN the interface lives on, when the source is a
// DPN.
func (c InterfaceConfig) SourceDpn() (DpnID, bool) {
	if DeviceTypeOfNode(c.Source) != DeviceOVSDB {
		return 0, false
	}
	d, err := ParseDpnID(c.Source)
	return d, err == nil
}

// InternalTunnel is a directed tunnel between two DPNs.
type InternalTunnel struct {
	Source        DpnID      `json:"source"`
	Destination   DpnID      `json:"destination"`
	Type          TunnelType `json:"type"`
	InterfaceName string     `json:"interface_name"`
}

// ExternalTunnel is a directed tunnel between a DPN and an external
// device, in either direction. Source and Destination are node ids.
type ExternalTunnel struct {
	Source        string     `json:"source"`
	Destination   string     `json:"destination"`
	Type          TunnelType `json:"type"`
	InterfaceName string     `json:"interface_name"`
}

// -------------------------------------------------------------------------
// Operational state
// -------------------------------------------------------------------------

// OperState is the operational status of a tunnel interface.
type OperState string

// Operational states.
const (
	OperUnknown OperState = "unknown"
	OperUp      OperState = "up"
	OperDown    OperState = "down"
)

// TunnelEndInfo describes one end of a tunnel in StateTunnel.
type TunnelEndInfo struct {
	NodeID string     `json:"node_id"`
	IP     netip.Addr `json:"ip"`
	Device DeviceType `json:"device"`
}

// StateTunnel is the operational record of a tunnel interface. It is
// derived from southbound events and never written by API callers.
type StateTunnel struct {
	InterfaceName string        `json:"interface_name"`
	Type          TunnelType    `json:"type"`
	OperState     OperState     `json:"oper_state"`
	LinkUp        bool          `json:"link_up"`
	TunnelState   bool          `json:"tunnel_state"`
	IfIndex       uint32        `json:"if_index"`
	PortNumber    uint32        `json:"port_number"`
	Source        TunnelEndInfo `json:"source"`
	Destination   TunnelEndInfo `json:"destination"`
}
