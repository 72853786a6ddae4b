package tep

// ConnectorChange is the kind of a node-connector event.
type ConnectorChange uint8

const (
	// ConnectorAdd reports a new port on a bridge.
	ConnectorAdd ConnectorChange = iota + 1

	// ConnectorUpdate reports a change of an existing port.
	ConnectorUpdate

	// ConnectorRemove reports a port removed from a bridge.
	ConnectorRemove
)

// String returns the change name.
func (c ConnectorChange) String() string {
	switch c {
	case ConnectorAdd:
		return "add"
	case ConnectorUpdate:
		return "update"
	case ConnectorRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// SouthboundEvent is an event about one tunnel interface reported by a
// data-plane node. The variants are NodeConnectorEvent and BFDStatusEvent.
type SouthboundEvent interface {
	Dpn() DpnID
	Interface() string
}

// NodeConnectorEvent reports a tunnel port appearing, changing or
// disappearing on a DPN bridge.
type NodeConnectorEvent struct {
	Change        ConnectorChange
	DpnID         DpnID
	InterfaceName string
	PortNumber    uint32
	LinkUp        bool
}

// Dpn implements SouthboundEvent.
func (e NodeConnectorEvent) Dpn() DpnID { return e.DpnID }

// Interface implements SouthboundEvent.
func (e NodeConnectorEvent) Interface() string { return e.InterfaceName }

// BFDStatusEvent reports the BFD session result of a tunnel interface.
type BFDStatusEvent struct {
	DpnID         DpnID
	InterfaceName string
	Up            bool
}

// Dpn implements SouthboundEvent.
func (e BFDStatusEvent) Dpn() DpnID { return e.DpnID }

// Interface implements SouthboundEvent.
func (e BFDStatusEvent) Interface() string { return e.InterfaceName }
