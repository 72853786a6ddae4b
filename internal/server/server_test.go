package server_test

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/idpool"
	"github.com/dantte-lp/gofabric/internal/server"
	"github.com/dantte-lp/gofabric/internal/store"
	"github.com/dantte-lp/gofabric/internal/tep"
	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

// -------------------------------------------------------------------------
// Test Helpers
// -------------------------------------------------------------------------

// sessionHandler is a BFD-like handler that only records enablement.
type sessionHandler struct {
	mu      sync.Mutex
	enabled map[string]bool
}

func (*sessionHandler) Protocol() aliveness.ProtocolType   { return aliveness.ProtocolBFD }
func (*sessionHandler) SessionBased() bool                 { return true }
func (*sessionHandler) PacketClass() aliveness.PacketClass { return "" }
func (*sessionHandler) HandlePacketIn(aliveness.PacketIn) string {
	return ""
}

func (*sessionHandler) UniqueMonitoringKey(info aliveness.MonitoringInfo) string {
	return info.SourceInterface() + ":bfd"
}

func (h *sessionHandler) StartMonitoringTask(_ context.Context, info aliveness.MonitoringInfo, _ aliveness.Profile) error {
	h.set(info.SourceInterface(), true)
	return nil
}

func (h *sessionHandler) StopMonitoringTask(_ context.Context, info aliveness.MonitoringInfo) error {
	h.set(info.SourceInterface(), false)
	return nil
}

func (h *sessionHandler) set(ifName string, on bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.enabled == nil {
		h.enabled = make(map[string]bool)
	}
	h.enabled[ifName] = on
}

func (h *sessionHandler) isEnabled(ifName string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.enabled[ifName]
}

// fakeStates serves fixed tunnel states.
type fakeStates map[string]tep.StateTunnel

func (f fakeStates) State(_ context.Context, name string) (tep.StateTunnel, error) {
	st, ok := f[name]
	if !ok {
		return tep.StateTunnel{}, tep.ErrTunnelNotFound
	}
	return st, nil
}

func (f fakeStates) States(context.Context) ([]tep.StateTunnel, error) {
	out := make([]tep.StateTunnel, 0, len(f))
	for _, st := range f {
		out = append(out, st)
	}
	return out, nil
}

type testServer struct {
	engine    *aliveness.Engine
	session   *sessionHandler
	aliveness *fabricapi.AlivenessClient
	tunnels   *fabricapi.TunnelClient
}

// setupTestServer creates a real HTTP server backed by an aliveness engine
// and a mesh reconciler over one memory store, and returns clients for
// both services. Everything is cleaned up when the test finishes.
func setupTestServer(t *testing.T, states fakeStates, opts ...connect.HandlerOption) *testServer {
	t.Helper()

	logger := slog.New(slog.DiscardHandler)
	s := store.NewMemoryStore(logger)
	ids := idpool.New(s, logger)

	ts := &testServer{session: &sessionHandler{}}
	ts.engine = aliveness.NewEngine(s, ids, aliveness.NewRegistry(ts.session), logger)
	ts.engine.Init(context.Background())
	mesh := tep.NewMeshReconciler(s, ids, logger)
	mesh.Init(context.Background())

	mux := http.NewServeMux()
	mux.Handle(server.NewAliveness(ts.engine, logger, opts...))
	mux.Handle(server.NewTunnel(mesh, states, logger, opts...))

	srv := httptest.NewServer(mux)
	t.Cleanup(func() {
		srv.Close()
		ts.engine.Close()
		_ = s.Close()
	})

	ts.aliveness = fabricapi.NewAlivenessClient(srv.Client(), srv.URL)
	ts.tunnels = fabricapi.NewTunnelClient(srv.Client(), srv.URL)
	return ts
}

func bfdProfile() fabricapi.Profile {
	return fabricapi.Profile{Protocol: "bfd", FailureThreshold: 3, MonitorWindow: 3}
}

func onInterface(profileID uint32, ifName string) *fabricapi.MonitorStartRequest {
	return &fabricapi.MonitorStartRequest{
		ProfileID: profileID,
		Source:    fabricapi.Endpoint{Kind: fabricapi.EndpointInterface, Name: ifName},
	}
}

func (ts *testServer) profile(t *testing.T) uint32 {
	t.Helper()
	resp, err := ts.aliveness.ProfileCreate(context.Background(), bfdProfile())
	if err != nil {
		t.Fatalf("ProfileCreate: %v", err)
	}
	return resp.ProfileID
}

func wantCode(t *testing.T, err error, code connect.Code) {
	t.Helper()
	if err == nil {
		t.Fatalf("expected %s error, got nil", code)
	}
	var connectErr *connect.Error
	if !errors.As(err, &connectErr) {
		t.Fatalf("expected connect.Error, got %T: %v", err, err)
	}
	if connectErr.Code() != code {
		t.Errorf("code = %s, want %s (%v)", connectErr.Code(), code, err)
	}
}

// -------------------------------------------------------------------------
// Profiles
// -------------------------------------------------------------------------

func TestProfileCreateAndGet(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()

	first, err := ts.aliveness.ProfileCreate(ctx, bfdProfile())
	if err != nil {
		t.Fatalf("ProfileCreate: %v", err)
	}
	if first.ProfileID == 0 || first.AlreadyExists {
		t.Fatalf("first create = %+v", first)
	}

	second, err := ts.aliveness.ProfileCreate(ctx, bfdProfile())
	if err != nil {
		t.Fatalf("second ProfileCreate: %v", err)
	}
	if second.ProfileID != first.ProfileID || !second.AlreadyExists {
		t.Errorf("second create = %+v, want id %d already existing", second, first.ProfileID)
	}

	params := bfdProfile()
	got, err := ts.aliveness.ProfileGet(ctx, &fabricapi.ProfileGetRequest{Params: &params})
	if err != nil {
		t.Fatalf("ProfileGet by params: %v", err)
	}
	if got.Profile.ID != first.ProfileID || got.Profile.Protocol != "bfd" {
		t.Errorf("ProfileGet = %+v", got.Profile)
	}

	list, err := ts.aliveness.ListProfiles(ctx)
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if len(list.Profiles) != 1 {
		t.Errorf("got %d profiles, want 1", len(list.Profiles))
	}
}

func TestProfileCreateInvalid(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()

	tests := []struct {
		name    string
		profile fabricapi.Profile
	}{
		{name: "unknown protocol", profile: fabricapi.Profile{Protocol: "icmp", FailureThreshold: 1, MonitorWindow: 1}},
		{name: "zero threshold", profile: fabricapi.Profile{Protocol: "bfd", MonitorWindow: 1}},
		{name: "window below threshold", profile: fabricapi.Profile{Protocol: "bfd", FailureThreshold: 3, MonitorWindow: 2}},
		{name: "lldp without interval", profile: fabricapi.Profile{Protocol: "lldp", FailureThreshold: 1, MonitorWindow: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.aliveness.ProfileCreate(ctx, tt.profile)
			wantCode(t, err, connect.CodeInvalidArgument)
		})
	}
}

func TestProfileNotFound(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()

	_, err := ts.aliveness.ProfileGet(ctx, &fabricapi.ProfileGetRequest{ProfileID: 4242})
	wantCode(t, err, connect.CodeNotFound)

	_, err = ts.aliveness.ProfileGet(ctx, &fabricapi.ProfileGetRequest{})
	wantCode(t, err, connect.CodeInvalidArgument)

	wantCode(t, ts.aliveness.ProfileDelete(ctx, 4242), connect.CodeNotFound)
}

// -------------------------------------------------------------------------
// Monitors
// -------------------------------------------------------------------------

func TestMonitorLifecycle(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()
	pid := ts.profile(t)

	started, err := ts.aliveness.MonitorStart(ctx, onInterface(pid, "eth0"))
	if err != nil {
		t.Fatalf("MonitorStart: %v", err)
	}
	if started.MonitorID == 0 || started.AlreadyExists {
		t.Fatalf("MonitorStart = %+v", started)
	}
	if !ts.session.isEnabled("eth0") {
		t.Error("session not enabled on eth0")
	}

	again, err := ts.aliveness.MonitorStart(ctx, onInterface(pid, "eth0"))
	if err != nil {
		t.Fatalf("second MonitorStart: %v", err)
	}
	if again.MonitorID != started.MonitorID || !again.AlreadyExists {
		t.Errorf("second MonitorStart = %+v", again)
	}

	st, err := ts.aliveness.MonitorState(ctx, started.MonitorID)
	if err != nil {
		t.Fatalf("MonitorState: %v", err)
	}
	if st.State != "Unknown" || st.Status != "Started" || st.MonitorKey != "eth0:bfd" {
		t.Errorf("state = %+v", st)
	}

	if err := ts.aliveness.MonitorPause(ctx, started.MonitorID); err != nil {
		t.Fatalf("MonitorPause: %v", err)
	}
	if ts.session.isEnabled("eth0") {
		t.Error("session still enabled after pause")
	}
	if err := ts.aliveness.MonitorUnpause(ctx, started.MonitorID); err != nil {
		t.Fatalf("MonitorUnpause: %v", err)
	}

	list, err := ts.aliveness.ListMonitors(ctx)
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if len(list.Monitors) != 1 {
		t.Fatalf("got %d monitors, want 1", len(list.Monitors))
	}
	m := list.Monitors[0]
	if m.Source.Name != "eth0" || m.Profile.ID != pid || m.Mode != "one-one" {
		t.Errorf("monitor = %+v", m)
	}

	if err := ts.aliveness.MonitorStop(ctx, started.MonitorID); err != nil {
		t.Fatalf("MonitorStop: %v", err)
	}
	_, err = ts.aliveness.MonitorState(ctx, started.MonitorID)
	wantCode(t, err, connect.CodeNotFound)
}

func TestMonitorStartRejected(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()
	pid := ts.profile(t)

	tests := []struct {
		name string
		req  *fabricapi.MonitorStartRequest
		code connect.Code
	}{
		{
			name: "one-many mode",
			req: &fabricapi.MonitorStartRequest{
				ProfileID: pid,
				Mode:      "one-many",
				Source:    fabricapi.Endpoint{Kind: fabricapi.EndpointInterface, Name: "eth0"},
			},
			code: connect.CodeInvalidArgument,
		},
		{
			name: "ip source",
			req: &fabricapi.MonitorStartRequest{
				ProfileID: pid,
				Source:    fabricapi.Endpoint{Kind: fabricapi.EndpointIP, IP: "192.0.2.1"},
			},
			code: connect.CodeInvalidArgument,
		},
		{
			name: "malformed address",
			req: &fabricapi.MonitorStartRequest{
				ProfileID: pid,
				Source:    fabricapi.Endpoint{Kind: fabricapi.EndpointInterface, Name: "eth0"},
				Destination: &fabricapi.Endpoint{
					Kind: fabricapi.EndpointIP,
					IP:   "not-an-ip",
				},
			},
			code: connect.CodeInvalidArgument,
		},
		{
			name: "unknown profile",
			req:  onInterface(pid+1000, "eth0"),
			code: connect.CodeNotFound,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ts.aliveness.MonitorStart(ctx, tt.req)
			wantCode(t, err, tt.code)
		})
	}
}

func TestMonitorNotFound(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()

	wantCode(t, ts.aliveness.MonitorStop(ctx, 777), connect.CodeNotFound)
	wantCode(t, ts.aliveness.MonitorPause(ctx, 777), connect.CodeNotFound)
	_, err := ts.aliveness.MonitorState(ctx, 777)
	wantCode(t, err, connect.CodeNotFound)
}

// TestWatchMonitorEvents verifies that the stream starts with the current
// state and then carries transitions.
func TestWatchMonitorEvents(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	started, err := ts.aliveness.MonitorStart(ctx, onInterface(ts.profile(t), "eth0"))
	if err != nil {
		t.Fatalf("MonitorStart: %v", err)
	}

	stream, err := ts.aliveness.WatchMonitorEvents(ctx, &fabricapi.WatchMonitorEventsRequest{IncludeCurrent: true})
	if err != nil {
		t.Fatalf("WatchMonitorEvents: %v", err)
	}
	defer stream.Close()

	if !stream.Receive() {
		t.Fatalf("no current state: %v", stream.Err())
	}
	cur := stream.Msg()
	if cur.MonitorID != started.MonitorID || cur.State != "Unknown" {
		t.Errorf("current = %+v", cur)
	}

	ts.engine.SessionStatusChanged(ctx, "eth0", true)

	if !stream.Receive() {
		t.Fatalf("no transition: %v", stream.Err())
	}
	ev := stream.Msg()
	if ev.MonitorID != started.MonitorID || ev.State != "Up" || ev.MonitorKey != "eth0:bfd" {
		t.Errorf("event = %+v", ev)
	}
}

// -------------------------------------------------------------------------
// Tunnels
// -------------------------------------------------------------------------

func vxlanZone(name string, dpns ...uint64) fabricapi.TransportZone {
	z := fabricapi.TransportZone{Name: name, Type: "vxlan"}
	for _, d := range dpns {
		z.Vteps = append(z.Vteps, fabricapi.Vtep{
			DpnID:    d,
			IP:       fmt.Sprintf("10.0.0.%d", d),
			PortName: "eth1",
		})
	}
	return z
}

func TestTransportZoneMesh(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()

	if err := ts.tunnels.ApplyTransportZone(ctx, vxlanZone("Z", 1, 2, 3)); err != nil {
		t.Fatalf("ApplyTransportZone: %v", err)
	}

	zones, err := ts.tunnels.ListTransportZones(ctx)
	if err != nil {
		t.Fatalf("ListTransportZones: %v", err)
	}
	if len(zones.Zones) != 1 || len(zones.Zones[0].Vteps) != 3 {
		t.Fatalf("zones = %+v", zones.Zones)
	}

	tunnels, err := ts.tunnels.ListTunnels(ctx)
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	if len(tunnels.Tunnels) != 6 {
		t.Fatalf("got %d tunnels, want 6", len(tunnels.Tunnels))
	}
	for _, tun := range tunnels.Tunnels {
		if !tun.Internal || tun.Type != "vxlan" || tun.Source == tun.Destination {
			t.Errorf("tunnel = %+v", tun)
		}
	}

	if err := ts.tunnels.AddExternalEndpoint(ctx, "192.0.2.100", "vxlan"); err != nil {
		t.Fatalf("AddExternalEndpoint: %v", err)
	}
	tunnels, err = ts.tunnels.ListTunnels(ctx)
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	external := 0
	for _, tun := range tunnels.Tunnels {
		if !tun.Internal {
			external++
		}
	}
	if external == 0 {
		t.Error("no external tunnels after AddExternalEndpoint")
	}

	if err := ts.tunnels.RemoveExternalEndpoint(ctx, "192.0.2.100", "vxlan"); err != nil {
		t.Fatalf("RemoveExternalEndpoint: %v", err)
	}
	if err := ts.tunnels.DeleteTransportZone(ctx, "Z"); err != nil {
		t.Fatalf("DeleteTransportZone: %v", err)
	}
	tunnels, err = ts.tunnels.ListTunnels(ctx)
	if err != nil {
		t.Fatalf("ListTunnels: %v", err)
	}
	if len(tunnels.Tunnels) != 0 {
		t.Errorf("got %d tunnels after delete, want 0", len(tunnels.Tunnels))
	}
}

func TestTunnelServiceErrors(t *testing.T) {
	t.Parallel()

	ts := setupTestServer(t, nil)
	ctx := context.Background()

	wantCode(t, ts.tunnels.DeleteTransportZone(ctx, "missing"), connect.CodeNotFound)
	wantCode(t, ts.tunnels.ApplyTransportZone(ctx, fabricapi.TransportZone{Name: "Z", Type: "ipip"}),
		connect.CodeInvalidArgument)
	wantCode(t, ts.tunnels.ApplyTransportZone(ctx, fabricapi.TransportZone{
		Name:  "Z",
		Type:  "vxlan",
		Vteps: []fabricapi.Vtep{{DpnID: 1, IP: "bogus"}},
	}), connect.CodeInvalidArgument)
	wantCode(t, ts.tunnels.AddExternalEndpoint(ctx, "", "vxlan"), connect.CodeInvalidArgument)
	wantCode(t, ts.tunnels.AddExternalEndpoint(ctx, "192.0.2.1", "ipip"), connect.CodeInvalidArgument)
	wantCode(t, ts.tunnels.RemoveExternalEndpoint(ctx, "192.0.2.1", "vxlan"), connect.CodeNotFound)
}

func TestTunnelState(t *testing.T) {
	t.Parallel()

	states := fakeStates{
		"tun1": {
			InterfaceName: "tun1",
			Type:          tep.TunnelVXLAN,
			OperState:     tep.OperUp,
			LinkUp:        true,
			TunnelState:   true,
			IfIndex:       11,
		},
	}
	ts := setupTestServer(t, states)
	ctx := context.Background()

	one, err := ts.tunnels.TunnelState(ctx, "tun1")
	if err != nil {
		t.Fatalf("TunnelState: %v", err)
	}
	if len(one.States) != 1 || one.States[0].OperState != "up" || one.States[0].IfIndex != 11 {
		t.Errorf("state = %+v", one.States)
	}

	all, err := ts.tunnels.TunnelState(ctx, "")
	if err != nil {
		t.Fatalf("TunnelState all: %v", err)
	}
	if len(all.States) != 1 {
		t.Errorf("got %d states, want 1", len(all.States))
	}

	_, err = ts.tunnels.TunnelState(ctx, "nope")
	wantCode(t, err, connect.CodeNotFound)
}
