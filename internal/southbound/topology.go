package southbound

import (
	"slices"
	"strconv"
	"strings"

	"github.com/dantte-lp/gofabric/internal/tep"
)

// tunnelTypes are the OVS interface types treated as tunnel ports.
var tunnelTypes = map[string]bool{
	"vxlan":  true,
	"gre":    true,
	"ip6gre": true,
	"geneve": true,
}

// Snapshot is one consistent read of the monitored tables.
type Snapshot struct {
	Bridges    []Bridge
	Ports      []Port
	Interfaces []Interface
}

// connector is the derived view of one tunnel port.
type connector struct {
	dpn    tep.DpnID
	port   uint32
	linkUp bool
	// bfd is nil while the interface reports no BFD status.
	bfd *bool
}

// Differ turns successive snapshots into southbound events. It is not
// safe for concurrent use.
type Differ struct {
	prev map[string]connector
}

// NewDiffer creates a Differ with no prior state.
func NewDiffer() *Differ {
	return &Differ{prev: make(map[string]connector)}
}

// Diff returns the events that move the previous view to snap, ordered by
// interface name. Within one interface a connector event precedes its BFD
// status event.
func (d *Differ) Diff(snap Snapshot) []tep.SouthboundEvent {
	next := connectors(snap)

	names := make([]string, 0, len(next)+len(d.prev))
	for n := range next {
		names = append(names, n)
	}
	for n := range d.prev {
		if _, ok := next[n]; !ok {
			names = append(names, n)
		}
	}
	slices.Sort(names)

	var out []tep.SouthboundEvent
	for _, name := range names {
		cur, present := next[name]
		old, existed := d.prev[name]

		switch {
		case !present:
			out = append(out, tep.NodeConnectorEvent{
				Change:        tep.ConnectorRemove,
				DpnID:         old.dpn,
				InterfaceName: name,
				PortNumber:    old.port,
			})
			continue
		case !existed:
			out = append(out, connectorEvent(tep.ConnectorAdd, name, cur))
		case old.dpn != cur.dpn || old.port != cur.port || old.linkUp != cur.linkUp:
			out = append(out, connectorEvent(tep.ConnectorUpdate, name, cur))
		}

		if cur.bfd != nil && (!existed || old.bfd == nil || *old.bfd != *cur.bfd) {
			out = append(out, tep.BFDStatusEvent{DpnID: cur.dpn, InterfaceName: name, Up: *cur.bfd})
		}
	}

	d.prev = next
	return out
}

func connectorEvent(change tep.ConnectorChange, name string, c connector) tep.NodeConnectorEvent {
	return tep.NodeConnectorEvent{
		Change:        change,
		DpnID:         c.dpn,
		InterfaceName: name,
		PortNumber:    c.port,
		LinkUp:        c.linkUp,
	}
}

// connectors derives the tunnel ports of snap. A port is reported once it
// has an OpenFlow port number and its bridge has a datapath id.
func connectors(snap Snapshot) map[string]connector {
	ifaceDpn := make(map[string]tep.DpnID)
	ports := make(map[string]Port, len(snap.Ports))
	for _, p := range snap.Ports {
		ports[p.UUID] = p
	}
	for _, b := range snap.Bridges {
		dpn, ok := datapathID(b.DatapathID)
		if !ok {
			continue
		}
		for _, pu := range b.Ports {
			for _, iu := range ports[pu].Interfaces {
				ifaceDpn[iu] = dpn
			}
		}
	}

	out := make(map[string]connector)
	for _, i := range snap.Interfaces {
		if !tunnelTypes[i.Type] || i.Ofport == nil || *i.Ofport <= 0 {
			continue
		}
		dpn, ok := ifaceDpn[i.UUID]
		if !ok {
			continue
		}
		out[i.Name] = connector{
			dpn:    dpn,
			port:   uint32(*i.Ofport),
			linkUp: i.LinkState != nil && *i.LinkState == "up",
			bfd:    bfdUp(i.BFDStatus),
		}
	}
	return out
}

// datapathID parses the 16 hex digit datapath_id column.
func datapathID(s *string) (tep.DpnID, bool) {
	if s == nil || *s == "" {
		return 0, false
	}
	v, err := strconv.ParseUint(strings.TrimPrefix(*s, "0x"), 16, 64)
	if err != nil || v == 0 {
		return 0, false
	}
	return tep.DpnID(v), true
}

func bfdUp(status map[string]string) *bool {
	state, ok := status["state"]
	if !ok {
		return nil
	}
	up := state == "up"
	return &up
}
