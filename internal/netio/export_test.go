package netio

// ObserveLinks feeds a sequence of link observations through a fresh
// change tracker and returns the events it lets through.
func ObserveLinks(obs ...LinkObservation) []InterfaceEvent {
	t := newLinkTracker()
	var out []InterfaceEvent
	for _, o := range obs {
		if ev, changed := t.observe(o.Name, o.Index, o.Up, o.Removed); changed {
			out = append(out, ev)
		}
	}
	return out
}

// LinkObservation is one netlink link notification.
type LinkObservation struct {
	Name    string
	Index   int
	Up      bool
	Removed bool
}
