package aliveness

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"time"
)

// -------------------------------------------------------------------------
// Errors
// -------------------------------------------------------------------------

// Sentinel errors for engine operations.
var (
	// ErrUnsupportedConfig indicates a request the engine cannot serve:
	// an unsupported monitoring mode, endpoint kind or protocol. Nothing is
	// mutated when it is returned.
	ErrUnsupportedConfig = errors.New("unsupported monitoring configuration")

	// ErrInvalidProfile indicates profile parameters that could never
	// produce a state transition. It wraps ErrUnsupportedConfig.
	ErrInvalidProfile = fmt.Errorf("%w: invalid profile", ErrUnsupportedConfig)

	// ErrProfileNotFound indicates no profile exists with the given id or
	// parameters.
	ErrProfileNotFound = errors.New("monitor profile not found")

	// ErrMonitorNotFound indicates no monitor exists with the given id.
	ErrMonitorNotFound = errors.New("monitor not found")

	// ErrNoHandler indicates no handler is registered for the protocol.
	// It wraps ErrUnsupportedConfig.
	ErrNoHandler = fmt.Errorf("%w: no handler for protocol", ErrUnsupportedConfig)

	// ErrEngineClosed indicates the engine was closed.
	ErrEngineClosed = errors.New("aliveness engine closed")
)

// -------------------------------------------------------------------------
// ProtocolType
// -------------------------------------------------------------------------

// ProtocolType selects the liveness probe protocol.
type ProtocolType uint8

const (
	// ProtocolLLDP probes with LLDP frames and expects an LLDP reply.
	ProtocolLLDP ProtocolType = iota + 1

	// ProtocolBFD delegates liveness detection to a data-plane BFD session.
	ProtocolBFD

	// ProtocolIPv6ND probes with Neighbor Solicitations and expects a
	// Neighbor Advertisement.
	ProtocolIPv6ND
)

var protocolNames = map[ProtocolType]string{
	ProtocolLLDP:   "lldp",
	ProtocolBFD:    "bfd",
	ProtocolIPv6ND: "ipv6nd",
}

// String returns the lowercase protocol name.
func (p ProtocolType) String() string {
	if s, ok := protocolNames[p]; ok {
		return s
	}
	return "unknown"
}

// ParseProtocolType converts a protocol name to a ProtocolType.
func ParseProtocolType(s string) (ProtocolType, error) {
	for p, name := range protocolNames {
		if name == s {
			return p, nil
		}
	}
	return 0, fmt.Errorf("protocol %q: %w", s, ErrUnsupportedConfig)
}

// MarshalText implements encoding.TextMarshaler.
func (p ProtocolType) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *ProtocolType) UnmarshalText(b []byte) error {
	v, err := ParseProtocolType(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// -------------------------------------------------------------------------
// LivenessState / MonitorStatus
// -------------------------------------------------------------------------

// LivenessState is the observed reachability of a monitored endpoint.
type LivenessState uint8

const (
	// StateUnknown is the initial state before any probe result.
	StateUnknown LivenessState = iota

	// StateUp means a reply was received within the failure threshold.
	StateUp

	// StateDown means failureThreshold probes went unanswered.
	StateDown
)

// String returns the state name.
func (s LivenessState) String() string {
	switch s {
	case StateUnknown:
		return "Unknown"
	case StateUp:
		return "Up"
	case StateDown:
		return "Down"
	default:
		return "Invalid"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s LivenessState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *LivenessState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Unknown":
		*s = StateUnknown
	case "Up":
		*s = StateUp
	case "Down":
		*s = StateDown
	default:
		return fmt.Errorf("unknown liveness state %q", b)
	}
	return nil
}

// MonitorStatus gates whether a monitor has a live scheduled task.
type MonitorStatus uint8

const (
	// StatusStarted means the monitor is actively probing.
	StatusStarted MonitorStatus = iota + 1

	// StatusPaused means probing was suspended by an API caller.
	StatusPaused

	// StatusStopped means probing was suspended because the source
	// interface went down.
	StatusStopped
)

// String returns the status name.
func (s MonitorStatus) String() string {
	switch s {
	case StatusStarted:
		return "Started"
	case StatusPaused:
		return "Paused"
	case StatusStopped:
		return "Stopped"
	default:
		return "Invalid"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (s MonitorStatus) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (s *MonitorStatus) UnmarshalText(b []byte) error {
	switch string(b) {
	case "Started":
		*s = StatusStarted
	case "Paused":
		*s = StatusPaused
	case "Stopped":
		*s = StatusStopped
	default:
		return fmt.Errorf("unknown monitor status %q", b)
	}
	return nil
}

// MonitoringMode is the fan-out of a monitor. Only ModeOneOne is served.
type MonitoringMode string

const (
	// ModeOneOne monitors one destination from one source.
	ModeOneOne MonitoringMode = "one-one"

	// ModeOneMany is accepted by the data model but rejected by MonitorStart.
	ModeOneMany MonitoringMode = "one-many"
)

// -------------------------------------------------------------------------
// Profile
// -------------------------------------------------------------------------

// Profile holds the timing parameters shared by monitors. Profiles are
// immutable; identical parameters map to the same profile id.
type Profile struct {
	ID               uint32        `json:"id"`
	Protocol         ProtocolType  `json:"protocol"`
	FailureThreshold uint32        `json:"failure_threshold"`
	MonitorInterval  time.Duration `json:"monitor_interval"`
	MonitorWindow    uint32        `json:"monitor_window"`
}

// Validate checks that the profile can drive the state machine.
func (p Profile) Validate() error {
	if _, ok := protocolNames[p.Protocol]; !ok {
		return fmt.Errorf("protocol %d: %w", p.Protocol, ErrInvalidProfile)
	}
	if p.FailureThreshold == 0 {
		return fmt.Errorf("failure threshold must be >= 1: %w", ErrInvalidProfile)
	}
	if p.MonitorWindow < p.FailureThreshold {
		return fmt.Errorf("monitor window %d below failure threshold %d: %w",
			p.MonitorWindow, p.FailureThreshold, ErrInvalidProfile)
	}
	if p.Protocol != ProtocolBFD && p.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive: %w", ErrInvalidProfile)
	}
	return nil
}

// ContentKey identifies a profile by its parameters, excluding the id.
func (p Profile) ContentKey() string {
	return fmt.Sprintf("%d.%d.%d.%s",
		p.FailureThreshold, p.MonitorInterval.Milliseconds(), p.MonitorWindow, p.Protocol)
}

// -------------------------------------------------------------------------
// Endpoint
// -------------------------------------------------------------------------

// Endpoint is one side of a monitored path. The set of variants is closed:
// InterfaceEndpoint and IPEndpoint.
type Endpoint interface {
	isEndpoint()
	String() string
}

// InterfaceEndpoint is a local interface, optionally with the source IP
// used for IP-based probes.
type InterfaceEndpoint struct {
	Name string
	IP   netip.Addr
}

func (InterfaceEndpoint) isEndpoint() {}

// String returns the interface name, with the IP when set.
func (e InterfaceEndpoint) String() string {
	if e.IP.IsValid() {
		return e.Name + "@" + e.IP.String()
	}
	return e.Name
}

// IPEndpoint is a remote address.
type IPEndpoint struct {
	IP netip.Addr
}

func (IPEndpoint) isEndpoint() {}

// String returns the address.
func (e IPEndpoint) String() string {
	return e.IP.String()
}

// Endpoint kinds used in the persisted form.
const (
	EndpointKindInterface = "interface"
	EndpointKindIP        = "ip"
)

// EndpointSpec is the serialized form of an Endpoint.
type EndpointSpec struct {
	Kind string     `json:"kind"`
	Name string     `json:"name,omitempty"`
	IP   netip.Addr `json:"ip,omitzero"`
}

// SpecOf converts an Endpoint to its serialized form. A nil endpoint
// yields nil.
func SpecOf(ep Endpoint) *EndpointSpec {
	switch e := ep.(type) {
	case nil:
		return nil
	case InterfaceEndpoint:
		return &EndpointSpec{Kind: EndpointKindInterface, Name: e.Name, IP: e.IP}
	case IPEndpoint:
		return &EndpointSpec{Kind: EndpointKindIP, IP: e.IP}
	default:
		panic(fmt.Sprintf("aliveness: unknown endpoint type %T", ep))
	}
}

// Endpoint converts the serialized form back. A nil spec yields nil.
func (s *EndpointSpec) Endpoint() (Endpoint, error) {
	if s == nil {
		return nil, nil
	}
	switch s.Kind {
	case EndpointKindInterface:
		if s.Name == "" {
			return nil, fmt.Errorf("interface endpoint without name: %w", ErrUnsupportedConfig)
		}
		return InterfaceEndpoint{Name: s.Name, IP: s.IP}, nil
	case EndpointKindIP:
		if !s.IP.IsValid() {
			return nil, fmt.Errorf("ip endpoint without address: %w", ErrUnsupportedConfig)
		}
		return IPEndpoint{IP: s.IP}, nil
	default:
		return nil, fmt.Errorf("endpoint kind %q: %w", s.Kind, ErrUnsupportedConfig)
	}
}

// -------------------------------------------------------------------------
// Monitor records
// -------------------------------------------------------------------------

// MonitoringInfo is the configuration of one monitor.
type MonitoringInfo struct {
	ID          uint32
	Mode        MonitoringMode
	ProfileID   uint32
	Source      Endpoint
	Destination Endpoint
}

type monitoringInfoJSON struct {
	ID          uint32         `json:"id"`
	Mode        MonitoringMode `json:"mode"`
	ProfileID   uint32         `json:"profile_id"`
	Source      *EndpointSpec  `json:"source"`
	Destination *EndpointSpec  `json:"destination,omitempty"`
}

// MarshalJSON implements json.Marshaler.
func (m MonitoringInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(monitoringInfoJSON{
		ID:          m.ID,
		Mode:        m.Mode,
		ProfileID:   m.ProfileID,
		Source:      SpecOf(m.Source),
		Destination: SpecOf(m.Destination),
	})
}

// UnmarshalJSON implements json.Unmarshaler.
func (m *MonitoringInfo) UnmarshalJSON(b []byte) error {
	var raw monitoringInfoJSON
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	src, err := raw.Source.Endpoint()
	if err != nil {
		return fmt.Errorf("source: %w", err)
	}
	dst, err := raw.Destination.Endpoint()
	if err != nil {
		return fmt.Errorf("destination: %w", err)
	}
	*m = MonitoringInfo{
		ID:          raw.ID,
		Mode:        raw.Mode,
		ProfileID:   raw.ProfileID,
		Source:      src,
		Destination: dst,
	}
	return nil
}

// SourceInterface returns the source interface name, or "" when the source
// is not an interface.
func (m MonitoringInfo) SourceInterface() string {
	if e, ok := m.Source.(InterfaceEndpoint); ok {
		return e.Name
	}
	return ""
}

// idKey is the allocation key for the monitor id: stable across restarts
// for the same (profile parameters, source, destination). Profile ids are
// reused after deletion, so the key carries the parameters instead.
func (m MonitoringInfo) idKey(p Profile) string {
	dst := "none"
	if m.Destination != nil {
		dst = m.Destination.String()
	}
	return fmt.Sprintf("%s.%s.%s", p.ContentKey(), m.Source, dst)
}

// MonitoringState is the operational record of one monitor. It is only
// mutated while holding the lock for MonitorKey.
type MonitoringState struct {
	MonitorKey           string        `json:"monitor_key"`
	MonitorID            uint32        `json:"monitor_id"`
	State                LivenessState `json:"state"`
	Status               MonitorStatus `json:"status"`
	RequestCount         uint64        `json:"request_count"`
	ResponsePendingCount uint32        `json:"response_pending_count"`
}

// InterfaceMonitorEntry joins an interface to the monitors using it as
// source.
type InterfaceMonitorEntry struct {
	InterfaceName string   `json:"interface_name"`
	MonitorIDs    []uint32 `json:"monitor_ids"`
}

// MonitorEvent is published on every Up/Down transition.
type MonitorEvent struct {
	MonitorID  uint32        `json:"monitor_id"`
	MonitorKey string        `json:"monitor_key"`
	State      LivenessState `json:"state"`
	Time       time.Time     `json:"time"`
}

// StartResult is returned by MonitorStart.
type StartResult struct {
	MonitorID uint32

	// AlreadyExists reports that an identical monitor was already running;
	// MonitorID is its id.
	AlreadyExists bool
}

// ProfileResult is returned by ProfileCreate.
type ProfileResult struct {
	ProfileID     uint32
	AlreadyExists bool
}

// MonitorSnapshot is a monitor's configuration joined with its state.
type MonitorSnapshot struct {
	Info    MonitoringInfo
	Profile Profile
	State   MonitoringState
}
