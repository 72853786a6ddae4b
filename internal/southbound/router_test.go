package southbound_test

import (
	"context"
	"log/slog"
	"reflect"
	"sync"
	"testing"

	"github.com/dantte-lp/gofabric/internal/netio"
	"github.com/dantte-lp/gofabric/internal/southbound"
	"github.com/dantte-lp/gofabric/internal/tep"
)

var discard = slog.New(slog.DiscardHandler)

type call struct {
	kind string
	name string
	up   bool
}

type fakeTargets struct {
	mu    sync.Mutex
	calls []call
}

func (f *fakeTargets) record(c call) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, c)
}

func (f *fakeTargets) HandleNodeConnector(ev tep.NodeConnectorEvent) {
	f.record(call{"connector", ev.InterfaceName, ev.LinkUp})
}

func (f *fakeTargets) HandleBFDStatus(ev tep.BFDStatusEvent) {
	f.record(call{"tracker-bfd", ev.InterfaceName, ev.Up})
}

func (f *fakeTargets) InterfaceStateChanged(_ context.Context, name string, up bool) {
	f.record(call{"link", name, up})
}

func (f *fakeTargets) SessionStatusChanged(_ context.Context, name string, up bool) {
	f.record(call{"session", name, up})
}

func (f *fakeTargets) got() []call {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]call(nil), f.calls...)
}

func TestRouterDispatch(t *testing.T) {
	t.Parallel()

	f := &fakeTargets{}
	r := southbound.NewRouter(f, f, discard)

	r.Dispatch(t.Context(), tep.NodeConnectorEvent{Change: tep.ConnectorAdd, DpnID: 1, InterfaceName: "tun1", LinkUp: true})
	r.Dispatch(t.Context(), tep.BFDStatusEvent{DpnID: 1, InterfaceName: "tun1", Up: true})
	r.Dispatch(t.Context(), tep.NodeConnectorEvent{Change: tep.ConnectorRemove, DpnID: 1, InterfaceName: "tun1", LinkUp: true})

	want := []call{
		{"connector", "tun1", true},
		{"link", "tun1", true},
		{"tracker-bfd", "tun1", true},
		{"session", "tun1", true},
		{"connector", "tun1", true},
		{"link", "tun1", false},
	}
	if got := f.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}

func TestRouterRunLinks(t *testing.T) {
	t.Parallel()

	f := &fakeTargets{}
	r := southbound.NewRouter(f, f, discard)

	events := make(chan netio.InterfaceEvent, 2)
	events <- netio.InterfaceEvent{IfName: "eth0", IfIndex: 2}
	events <- netio.InterfaceEvent{IfName: "eth0", IfIndex: 2, Up: true}
	close(events)

	r.RunLinks(t.Context(), events)

	want := []call{{"link", "eth0", false}, {"link", "eth0", true}}
	if got := f.got(); !reflect.DeepEqual(got, want) {
		t.Errorf("calls = %+v, want %+v", got, want)
	}
}
