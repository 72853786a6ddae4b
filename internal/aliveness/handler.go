package aliveness

import (
	"context"
	"sync"
)

// PacketClass identifies the kind of inbound frame so that it can be routed
// to the handler that understands it. The empty class means unrecognized.
type PacketClass string

// Packet classes produced by frame classification.
const (
	PacketClassLLDP   PacketClass = "lldp"
	PacketClassIPv6ND PacketClass = "ipv6nd"
)

// PacketIn is a frame punted from the data plane.
type PacketIn struct {
	Class     PacketClass
	Interface string
	Reason    string
	Frame     []byte
}

// Handler implements one probe protocol.
type Handler interface {
	// Protocol is the protocol this handler serves.
	Protocol() ProtocolType

	// SessionBased reports that liveness is detected by the data plane
	// (BFD) rather than by periodic probes.
	SessionBased() bool

	// PacketClass is the class of inbound frames carrying replies, or ""
	// when the handler consumes none.
	PacketClass() PacketClass

	// UniqueMonitoringKey derives the deterministic monitor key.
	UniqueMonitoringKey(info MonitoringInfo) string

	// StartMonitoringTask emits one probe, or for session-based protocols
	// enables the session.
	StartMonitoringTask(ctx context.Context, info MonitoringInfo, profile Profile) error

	// StopMonitoringTask disables a session. Poll-based handlers return nil.
	StopMonitoringTask(ctx context.Context, info MonitoringInfo) error

	// HandlePacketIn returns the monitor key the frame answers, or "" when
	// the frame is malformed or unrelated. It never panics on bad input.
	HandlePacketIn(pkt PacketIn) string
}

// Registry maps protocols and packet classes to handlers.
type Registry struct {
	mu      sync.RWMutex
	byProto map[ProtocolType]Handler
	byClass map[PacketClass]Handler
}

// NewRegistry creates a registry holding the given handlers.
func NewRegistry(handlers ...Handler) *Registry {
	r := &Registry{
		byProto: make(map[ProtocolType]Handler),
		byClass: make(map[PacketClass]Handler),
	}
	for _, h := range handlers {
		r.Register(h)
	}
	return r
}

// Register adds h, replacing any handler for the same protocol.
func (r *Registry) Register(h Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.byProto[h.Protocol()] = h
	if c := h.PacketClass(); c != "" {
		r.byClass[c] = h
	}
}

// Get returns the handler for protocol.
func (r *Registry) Get(protocol ProtocolType) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byProto[protocol]
	return h, ok
}

// GetByPacketClass returns the handler for inbound frames of class, or nil.
func (r *Registry) GetByPacketClass(class PacketClass) Handler {
	if class == "" {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byClass[class]
}
