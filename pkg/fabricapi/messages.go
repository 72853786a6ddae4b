package fabricapi

import "time"

// Empty is the request or response of procedures without payload.
type Empty struct{}

// -------------------------------------------------------------------------
// AlivenessService
// -------------------------------------------------------------------------

// Endpoint kinds.
const (
	EndpointInterface = "interface"
	EndpointIP        = "ip"
)

// Endpoint is one side of a monitored path.
type Endpoint struct {
	Kind string `json:"kind"`
	Name string `json:"name,omitempty"`
	IP   string `json:"ip,omitempty"`
}

// Profile holds monitor timing parameters. Protocol is one of "lldp",
// "bfd" or "ipv6nd".
type Profile struct {
	ID                uint32 `json:"id,omitempty"`
	Protocol          string `json:"protocol"`
	FailureThreshold  uint32 `json:"failure_threshold"`
	MonitorIntervalMs uint64 `json:"monitor_interval_ms"`
	MonitorWindow     uint32 `json:"monitor_window"`
}

// MonitorStartRequest starts a monitor.
type MonitorStartRequest struct {
	ProfileID   uint32    `json:"profile_id"`
	Mode        string    `json:"mode,omitempty"`
	Source      Endpoint  `json:"source"`
	Destination *Endpoint `json:"destination,omitempty"`
}

// MonitorStartResponse returns the monitor id. AlreadyExists reports an
// identical monitor was already running.
type MonitorStartResponse struct {
	MonitorID     uint32 `json:"monitor_id"`
	AlreadyExists bool   `json:"already_exists,omitempty"`
}

// MonitorRequest addresses one monitor.
type MonitorRequest struct {
	MonitorID uint32 `json:"monitor_id"`
}

// MonitorState is the operational state of a monitor.
type MonitorState struct {
	MonitorID            uint32 `json:"monitor_id"`
	MonitorKey           string `json:"monitor_key"`
	State                string `json:"state"`
	Status               string `json:"status"`
	RequestCount         uint64 `json:"request_count"`
	ResponsePendingCount uint32 `json:"response_pending_count"`
}

// Monitor is a monitor's configuration joined with its state.
type Monitor struct {
	MonitorID   uint32       `json:"monitor_id"`
	Mode        string       `json:"mode"`
	Source      Endpoint     `json:"source"`
	Destination *Endpoint    `json:"destination,omitempty"`
	Profile     Profile      `json:"profile"`
	State       MonitorState `json:"state"`
}

// ListMonitorsResponse lists every monitor.
type ListMonitorsResponse struct {
	Monitors []Monitor `json:"monitors"`
}

// ProfileCreateRequest creates a profile.
type ProfileCreateRequest struct {
	Profile Profile `json:"profile"`
}

// ProfileCreateResponse returns the profile id. AlreadyExists reports an
// identical profile was found.
type ProfileCreateResponse struct {
	ProfileID     uint32 `json:"profile_id"`
	AlreadyExists bool   `json:"already_exists,omitempty"`
}

// ProfileGetRequest finds a profile by id, or by parameters when ProfileID
// is zero.
type ProfileGetRequest struct {
	ProfileID uint32   `json:"profile_id,omitempty"`
	Params    *Profile `json:"params,omitempty"`
}

// ProfileResponse carries one profile.
type ProfileResponse struct {
	Profile Profile `json:"profile"`
}

// ProfileDeleteRequest deletes a profile.
type ProfileDeleteRequest struct {
	ProfileID uint32 `json:"profile_id"`
}

// ListProfilesResponse lists every profile.
type ListProfilesResponse struct {
	Profiles []Profile `json:"profiles"`
}

// WatchMonitorEventsRequest opens a monitor event stream. With
// IncludeCurrent the stream starts with the current state of every
// monitor.
type WatchMonitorEventsRequest struct {
	IncludeCurrent bool `json:"include_current,omitempty"`
}

// MonitorEvent is an Up/Down transition of a monitor.
type MonitorEvent struct {
	MonitorID  uint32    `json:"monitor_id"`
	MonitorKey string    `json:"monitor_key"`
	State      string    `json:"state"`
	Time       time.Time `json:"time"`
}

// -------------------------------------------------------------------------
// TunnelService
// -------------------------------------------------------------------------

// Vtep is one DPN membership in a transport zone.
type Vtep struct {
	DpnID    uint64 `json:"dpn_id"`
	IP       string `json:"ip"`
	PortName string `json:"port_name,omitempty"`
	VlanID   uint16 `json:"vlan_id,omitempty"`
}

// DeviceVtep is a hardware VTEP in a transport zone.
type DeviceVtep struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
}

// TransportZone is a named group of endpoints meshed with tunnels.
type TransportZone struct {
	Name        string       `json:"name"`
	Type        string       `json:"type"`
	Vteps       []Vtep       `json:"vteps"`
	DeviceVteps []DeviceVtep `json:"device_vteps,omitempty"`
}

// ApplyTransportZoneRequest creates or replaces a zone.
type ApplyTransportZoneRequest struct {
	Zone TransportZone `json:"zone"`
}

// DeleteTransportZoneRequest deletes a zone.
type DeleteTransportZoneRequest struct {
	Name string `json:"name"`
}

// ListTransportZonesResponse lists every zone.
type ListTransportZonesResponse struct {
	Zones []TransportZone `json:"zones"`
}

// Tunnel is one directed tunnel.
type Tunnel struct {
	InterfaceName string `json:"interface_name"`
	Type          string `json:"type"`
	Source        string `json:"source"`
	Destination   string `json:"destination"`
	Internal      bool   `json:"internal"`
}

// ListTunnelsResponse lists internal and external tunnels.
type ListTunnelsResponse struct {
	Tunnels []Tunnel `json:"tunnels"`
}

// TunnelStateRequest selects one tunnel, or every tunnel when
// InterfaceName is empty.
type TunnelStateRequest struct {
	InterfaceName string `json:"interface_name,omitempty"`
}

// TunnelEnd is one end of a tunnel.
type TunnelEnd struct {
	NodeID string `json:"node_id"`
	IP     string `json:"ip"`
	Device string `json:"device"`
}

// TunnelState is the operational state of a tunnel interface.
type TunnelState struct {
	InterfaceName string    `json:"interface_name"`
	Type          string    `json:"type"`
	OperState     string    `json:"oper_state"`
	LinkUp        bool      `json:"link_up"`
	TunnelState   bool      `json:"tunnel_state"`
	IfIndex       uint32    `json:"if_index"`
	PortNumber    uint32    `json:"port_number"`
	Source        TunnelEnd `json:"source"`
	Destination   TunnelEnd `json:"destination"`
}

// TunnelStateResponse carries the selected tunnel states.
type TunnelStateResponse struct {
	States []TunnelState `json:"states"`
}

// ExternalEndpointRequest adds or removes a DC gateway.
type ExternalEndpointRequest struct {
	IP         string `json:"ip"`
	TunnelType string `json:"tunnel_type"`
}
