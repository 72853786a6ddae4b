package aliveness_test

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"testing/synctest"
	"time"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/idpool"
	"github.com/dantte-lp/gofabric/internal/store"
)

// -------------------------------------------------------------------------
// Test handlers
// -------------------------------------------------------------------------

// pollHandler is an LLDP-like handler. A packet-in whose frame is the text
// of a monitor key answers that monitor.
type pollHandler struct {
	sent atomic.Int32
}

func (*pollHandler) Protocol() aliveness.ProtocolType     { return aliveness.ProtocolLLDP }
func (*pollHandler) SessionBased() bool                   { return false }
func (*pollHandler) PacketClass() aliveness.PacketClass   { return aliveness.PacketClassLLDP }
func (*pollHandler) StopMonitoringTask(context.Context, aliveness.MonitoringInfo) error { return nil }

func (*pollHandler) UniqueMonitoringKey(info aliveness.MonitoringInfo) string {
	return info.SourceInterface() + ":lldp"
}

func (h *pollHandler) StartMonitoringTask(context.Context, aliveness.MonitoringInfo, aliveness.Profile) error {
	h.sent.Add(1)
	return nil
}

func (*pollHandler) HandlePacketIn(pkt aliveness.PacketIn) string {
	return string(pkt.Frame)
}

// sessionHandler is a BFD-like handler recording enablement per interface.
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

// -------------------------------------------------------------------------
// Fixtures
// -------------------------------------------------------------------------

type fixture struct {
	store   *store.MemoryStore
	engine  *aliveness.Engine
	poll    *pollHandler
	session *sessionHandler
}

func newFixture(t *testing.T, opts ...store.MemoryOption) *fixture {
	t.Helper()
	logger := slog.New(slog.DiscardHandler)
	s := store.NewMemoryStore(logger, opts...)
	f := &fixture{
		store:   s,
		poll:    &pollHandler{},
		session: &sessionHandler{},
	}
	f.engine = f.newEngine()
	t.Cleanup(func() {
		f.engine.Close()
		_ = s.Close()
	})
	return f
}

func (f *fixture) newEngine() *aliveness.Engine {
	logger := slog.New(slog.DiscardHandler)
	e := aliveness.NewEngine(
		f.store,
		idpool.New(f.store, logger),
		aliveness.NewRegistry(f.poll, f.session),
		logger,
	)
	e.Init(context.Background())
	return e
}

func (f *fixture) profile(t *testing.T, p aliveness.Profile) uint32 {
	t.Helper()
	res, err := f.engine.ProfileCreate(context.Background(), p)
	if err != nil {
		t.Fatalf("ProfileCreate: %v", err)
	}
	return res.ProfileID
}

func lldpProfile(threshold, window uint32, interval time.Duration) aliveness.Profile {
	return aliveness.Profile{
		Protocol:         aliveness.ProtocolLLDP,
		FailureThreshold: threshold,
		MonitorInterval:  interval,
		MonitorWindow:    window,
	}
}

func onInterface(profileID uint32, ifName string) aliveness.MonitoringInfo {
	return aliveness.MonitoringInfo{
		ProfileID: profileID,
		Source:    aliveness.InterfaceEndpoint{Name: ifName},
	}
}

func reply(key string) aliveness.PacketIn {
	return aliveness.PacketIn{Class: aliveness.PacketClassLLDP, Frame: []byte(key)}
}

func drain(ch <-chan aliveness.MonitorEvent) []aliveness.MonitorEvent {
	var out []aliveness.MonitorEvent
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, ev)
		default:
			return out
		}
	}
}

func mustState(t *testing.T, e *aliveness.Engine, id uint32) aliveness.MonitoringState {
	t.Helper()
	st, err := e.State(context.Background(), id)
	if err != nil {
		t.Fatalf("State(%d): %v", id, err)
	}
	return st
}

// -------------------------------------------------------------------------
// Profiles
// -------------------------------------------------------------------------

// TestProfileCreateDedupe verifies that identical profiles share an id and
// the duplicate is reported as AlreadyExists, not as an error.
func TestProfileCreateDedupe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	p := lldpProfile(3, 5, time.Second)

	first, err := f.engine.ProfileCreate(ctx, p)
	if err != nil || first.AlreadyExists {
		t.Fatalf("first create: %+v, %v", first, err)
	}
	second, err := f.engine.ProfileCreate(ctx, p)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if !second.AlreadyExists || second.ProfileID != first.ProfileID {
		t.Errorf("second create = %+v, want AlreadyExists with id %d", second, first.ProfileID)
	}

	id, err := f.engine.ProfileGet(ctx, p)
	if err != nil || id != first.ProfileID {
		t.Errorf("ProfileGet = %d, %v; want %d", id, err, first.ProfileID)
	}

	if err := f.engine.ProfileDelete(ctx, id); err != nil {
		t.Fatalf("ProfileDelete: %v", err)
	}
	if _, err := f.engine.Profile(ctx, id); !errors.Is(err, aliveness.ErrProfileNotFound) {
		t.Errorf("Profile after delete: got %v, want ErrProfileNotFound", err)
	}
	if err := f.engine.ProfileDelete(ctx, id); !errors.Is(err, aliveness.ErrProfileNotFound) {
		t.Errorf("second delete: got %v, want ErrProfileNotFound", err)
	}
}

// TestProfileValidation verifies profiles that can never cross the failure
// threshold are rejected as configuration errors.
func TestProfileValidation(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		p    aliveness.Profile
	}{
		{"zero threshold", lldpProfile(0, 5, time.Second)},
		{"window below threshold", lldpProfile(5, 3, time.Second)},
		{"zero interval", lldpProfile(1, 1, 0)},
		{"unknown protocol", aliveness.Profile{FailureThreshold: 1, MonitorWindow: 1, MonitorInterval: time.Second}},
	}

	f := newFixture(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.ProfileCreate(context.Background(), tt.p)
			if !errors.Is(err, aliveness.ErrInvalidProfile) {
				t.Errorf("got %v, want ErrInvalidProfile", err)
			}
			if !errors.Is(err, aliveness.ErrUnsupportedConfig) {
				t.Errorf("got %v, want it to be a config error", err)
			}
		})
	}
}

// -------------------------------------------------------------------------
// MonitorStart / MonitorStop
// -------------------------------------------------------------------------

// TestMonitorStartIdempotent verifies a repeated MonitorStart returns the
// same id and creates a single state.
func TestMonitorStartIdempotent(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		pid := f.profile(t, lldpProfile(3, 5, time.Second))

		first, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("first start: %v", err)
		}
		second, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("second start: %v", err)
		}
		if second.MonitorID != first.MonitorID || !second.AlreadyExists {
			t.Errorf("second = %+v, want id %d with AlreadyExists", second, first.MonitorID)
		}

		monitors, err := f.engine.Monitors(ctx)
		if err != nil {
			t.Fatalf("Monitors: %v", err)
		}
		if len(monitors) != 1 {
			t.Errorf("monitors = %d, want 1", len(monitors))
		}
		states, _ := store.ListAs[aliveness.MonitoringState](ctx, f.store, store.PlaneOperational, "aliveness/states/")
		if len(states) != 1 {
			t.Errorf("states = %d, want 1", len(states))
		}
		if f.engine.ActiveTasks() != 1 {
			t.Errorf("ActiveTasks = %d, want 1", f.engine.ActiveTasks())
		}

		st := mustState(t, f.engine, first.MonitorID)
		if st.State != aliveness.StateUnknown || st.Status != aliveness.StatusStarted {
			t.Errorf("initial state = %s/%s, want Unknown/Started", st.State, st.Status)
		}
	})
}

// TestMonitorStartRejects verifies configuration and not-found errors leave
// no state behind.
func TestMonitorStartRejects(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	pid := f.profile(t, lldpProfile(1, 1, time.Second))

	tests := []struct {
		name string
		cfg  aliveness.MonitoringInfo
		want error
	}{
		{
			name: "one-many mode",
			cfg: aliveness.MonitoringInfo{
				Mode:      aliveness.ModeOneMany,
				ProfileID: pid,
				Source:    aliveness.InterfaceEndpoint{Name: "eth0"},
			},
			want: aliveness.ErrUnsupportedConfig,
		},
		{
			name: "ip source",
			cfg:  aliveness.MonitoringInfo{ProfileID: pid, Source: aliveness.IPEndpoint{}},
			want: aliveness.ErrUnsupportedConfig,
		},
		{
			name: "missing source",
			cfg:  aliveness.MonitoringInfo{ProfileID: pid},
			want: aliveness.ErrUnsupportedConfig,
		},
		{
			name: "unknown profile",
			cfg:  onInterface(pid+100, "eth0"),
			want: aliveness.ErrProfileNotFound,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := f.engine.MonitorStart(ctx, tt.cfg); !errors.Is(err, tt.want) {
				t.Errorf("got %v, want %v", err, tt.want)
			}
		})
	}

	monitors, _ := f.engine.Monitors(ctx)
	if len(monitors) != 0 {
		t.Errorf("rejected starts left %d monitors", len(monitors))
	}
}

// TestMonitorKeyInUse verifies two monitors may not share a monitor key.
func TestMonitorKeyInUse(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		fast := f.profile(t, lldpProfile(1, 1, time.Second))
		slow := f.profile(t, lldpProfile(1, 1, 2*time.Second))

		if _, err := f.engine.MonitorStart(ctx, onInterface(fast, "eth0")); err != nil {
			t.Fatalf("first start: %v", err)
		}
		_, err := f.engine.MonitorStart(ctx, onInterface(slow, "eth0"))
		if !errors.Is(err, aliveness.ErrMonitorKeyInUse) {
			t.Errorf("got %v, want ErrMonitorKeyInUse", err)
		}
	})
}

// TestMonitorStop verifies stop removes every trace of the monitor and
// releases its id for reuse.
func TestMonitorStop(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		pid := f.profile(t, lldpProfile(3, 5, time.Second))

		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		time.Sleep(2500 * time.Millisecond)

		if err := f.engine.MonitorStop(ctx, res.MonitorID); err != nil {
			t.Fatalf("stop: %v", err)
		}
		if _, err := f.engine.State(ctx, res.MonitorID); !errors.Is(err, aliveness.ErrMonitorNotFound) {
			t.Errorf("State after stop: got %v, want ErrMonitorNotFound", err)
		}
		if f.engine.ActiveTasks() != 0 {
			t.Errorf("ActiveTasks = %d, want 0", f.engine.ActiveTasks())
		}
		if _, found, _ := store.Get[aliveness.InterfaceMonitorEntry](ctx, f.store, store.PlaneOperational, "aliveness/interfaces/eth0"); found {
			t.Error("empty interface entry not garbage-collected")
		}
		if err := f.engine.MonitorStop(ctx, res.MonitorID); !errors.Is(err, aliveness.ErrMonitorNotFound) {
			t.Errorf("second stop: got %v, want ErrMonitorNotFound", err)
		}

		again, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth1"))
		if err != nil {
			t.Fatalf("restart: %v", err)
		}
		if again.MonitorID != res.MonitorID {
			t.Errorf("released id not reused: got %d, want %d", again.MonitorID, res.MonitorID)
		}
	})
}

// TestProfileIDReuse verifies that a profile recreated under the id of a
// deleted one does not alias the monitors started from the old profile.
func TestProfileIDReuse(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)

		oldID := f.profile(t, lldpProfile(3, 5, time.Second))
		old, err := f.engine.MonitorStart(ctx, onInterface(oldID, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := f.engine.ProfileDelete(ctx, oldID); err != nil {
			t.Fatalf("ProfileDelete: %v", err)
		}

		newID := f.profile(t, lldpProfile(1, 1, 100*time.Millisecond))
		if newID != oldID {
			t.Fatalf("profile id %d not reused, got %d", oldID, newID)
		}

		res, err := f.engine.MonitorStart(ctx, onInterface(newID, "eth0"))
		if !errors.Is(err, aliveness.ErrMonitorKeyInUse) {
			t.Fatalf("start with new profile = %+v, %v; want ErrMonitorKeyInUse", res, err)
		}

		monitors, err := f.engine.Monitors(ctx)
		if err != nil {
			t.Fatalf("Monitors: %v", err)
		}
		if len(monitors) != 1 || monitors[0].Info.ID != old.MonitorID {
			t.Fatalf("monitors = %+v, want only monitor %d", monitors, old.MonitorID)
		}
		if got := monitors[0].Profile; got.FailureThreshold != 3 || got.MonitorInterval != time.Second {
			t.Errorf("running profile %+v changed", got)
		}

		// On a free interface the new profile gets its own monitor.
		other, err := f.engine.MonitorStart(ctx, onInterface(newID, "eth1"))
		if err != nil {
			t.Fatalf("start on eth1: %v", err)
		}
		if other.AlreadyExists || other.MonitorID == old.MonitorID {
			t.Errorf("start on eth1 = %+v, want a new monitor", other)
		}
	})
}

// failingDeletes makes commits that delete a monitor record fail while
// armed.
type failingDeletes struct {
	armed atomic.Bool
}

func (h *failingDeletes) hook(muts []store.Mutation) error {
	if !h.armed.Load() {
		return nil
	}
	for _, m := range muts {
		if m.Delete && strings.HasPrefix(m.Path, "aliveness/monitors/") {
			return errors.New("injected failure")
		}
	}
	return nil
}

// TestMonitorStopFailureKeepsTask verifies that a stop whose transaction
// fails leaves the monitor running.
func TestMonitorStopFailureKeepsTask(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		fail := &failingDeletes{}
		f := newFixture(t, store.WithCommitHook(fail.hook))
		pid := f.profile(t, lldpProfile(3, 5, time.Second))

		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}

		fail.armed.Store(true)
		if err := f.engine.MonitorStop(ctx, res.MonitorID); !errors.Is(err, store.ErrTransient) {
			t.Fatalf("stop: got %v, want ErrTransient", err)
		}
		if f.engine.ActiveTasks() != 1 {
			t.Errorf("ActiveTasks = %d after failed stop, want 1", f.engine.ActiveTasks())
		}
		if st := mustState(t, f.engine, res.MonitorID); st.Status != aliveness.StatusStarted {
			t.Errorf("status %s after failed stop, want Started", st.Status)
		}

		fail.armed.Store(false)
		if err := f.engine.MonitorStop(ctx, res.MonitorID); err != nil {
			t.Fatalf("stop: %v", err)
		}
		if f.engine.ActiveTasks() != 0 {
			t.Errorf("ActiveTasks = %d, want 0", f.engine.ActiveTasks())
		}
	})
}

// TestMonitorStopFailureKeepsPause verifies a paused monitor is not
// restarted when its stop fails.
func TestMonitorStopFailureKeepsPause(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		fail := &failingDeletes{}
		f := newFixture(t, store.WithCommitHook(fail.hook))
		pid := f.profile(t, lldpProfile(3, 5, time.Second))

		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if err := f.engine.MonitorPause(ctx, res.MonitorID); err != nil {
			t.Fatalf("pause: %v", err)
		}

		fail.armed.Store(true)
		if err := f.engine.MonitorStop(ctx, res.MonitorID); err == nil {
			t.Fatal("stop succeeded with failing store")
		}
		if f.engine.ActiveTasks() != 0 {
			t.Errorf("ActiveTasks = %d for paused monitor, want 0", f.engine.ActiveTasks())
		}
	})
}

// TestMonitorStartFailureReleasesID verifies a start that fails to commit
// does not keep its monitor id.
func TestMonitorStartFailureReleasesID(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		var armed atomic.Bool
		hook := func(muts []store.Mutation) error {
			if !armed.Load() {
				return nil
			}
			for _, m := range muts {
				if !m.Delete && strings.HasPrefix(m.Path, "aliveness/monitors/") {
					return errors.New("injected failure")
				}
			}
			return nil
		}
		f := newFixture(t, store.WithCommitHook(hook))
		pid := f.profile(t, lldpProfile(3, 5, time.Second))

		armed.Store(true)
		if _, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0")); !errors.Is(err, store.ErrTransient) {
			t.Fatalf("start: got %v, want ErrTransient", err)
		}
		armed.Store(false)
		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth1"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		if res.MonitorID != 1 {
			t.Errorf("monitor id %d, want 1: the failed start kept its id", res.MonitorID)
		}
	})
}

// -------------------------------------------------------------------------
// State machine
// -------------------------------------------------------------------------

// TestThresholdCrossing verifies that a monitor that is Up goes Down on
// exactly the failureThreshold-th unanswered tick, publishes one Down
// event, and recovers with one Up event on the next reply.
func TestThresholdCrossing(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		events, cancel := f.engine.Subscribe(16)
		defer cancel()

		pid := f.profile(t, lldpProfile(3, 5, time.Second))
		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}

		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
		if got := drain(events); len(got) != 1 || got[0].State != aliveness.StateUp {
			t.Fatalf("after first reply events = %+v, want one Up", got)
		}

		// Ticks at 1s and 2s leave two probes pending.
		time.Sleep(2500 * time.Millisecond)
		synctest.Wait()
		st := mustState(t, f.engine, res.MonitorID)
		if st.State != aliveness.StateUp || st.ResponsePendingCount != 2 {
			t.Fatalf("after 2 ticks = %s pending %d, want Up pending 2", st.State, st.ResponsePendingCount)
		}
		if got := drain(events); len(got) != 0 {
			t.Fatalf("events before threshold: %+v", got)
		}

		// Third tick crosses the threshold.
		time.Sleep(time.Second)
		synctest.Wait()
		st = mustState(t, f.engine, res.MonitorID)
		if st.State != aliveness.StateDown {
			t.Fatalf("after 3 ticks state = %s, want Down", st.State)
		}
		if st.RequestCount != 0 {
			t.Errorf("request count = %d, want reset to 0", st.RequestCount)
		}

		// Further ticks saturate at the window without re-publishing.
		time.Sleep(5 * time.Second)
		synctest.Wait()
		got := drain(events)
		if len(got) != 1 || got[0].State != aliveness.StateDown || got[0].MonitorID != res.MonitorID {
			t.Fatalf("events = %+v, want exactly one Down for monitor %d", got, res.MonitorID)
		}
		st = mustState(t, f.engine, res.MonitorID)
		if st.ResponsePendingCount != 5 {
			t.Errorf("pending = %d, want capped at window 5", st.ResponsePendingCount)
		}

		// Recovery.
		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
		got = drain(events)
		if len(got) != 1 || got[0].State != aliveness.StateUp {
			t.Fatalf("recovery events = %+v, want exactly one Up", got)
		}
		st = mustState(t, f.engine, res.MonitorID)
		if st.State != aliveness.StateUp || st.ResponsePendingCount != 0 {
			t.Errorf("after recovery = %s pending %d, want Up pending 0", st.State, st.ResponsePendingCount)
		}

		if sent := f.poll.sent.Load(); sent != 8 {
			t.Errorf("probes sent = %d, want 8", sent)
		}
	})
}

// TestSingleProbeScenario follows a threshold-1 LLDP monitor through one
// missed probe and one reply.
func TestSingleProbeScenario(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		events, cancel := f.engine.Subscribe(0)
		defer cancel()

		pid := f.profile(t, lldpProfile(1, 1, 100*time.Millisecond))
		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}

		time.Sleep(150 * time.Millisecond)
		synctest.Wait()
		got := drain(events)
		if len(got) != 1 || got[0].MonitorID != res.MonitorID || got[0].State != aliveness.StateDown {
			t.Fatalf("events = %+v, want one Down for %d", got, res.MonitorID)
		}

		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
		got = drain(events)
		if len(got) != 1 || got[0].MonitorID != res.MonitorID || got[0].State != aliveness.StateUp {
			t.Fatalf("events = %+v, want one Up for %d", got, res.MonitorID)
		}
	})
}

// TestUnknownReplyDropped verifies replies for inactive keys and unknown
// classes are ignored.
func TestUnknownReplyDropped(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	events, cancel := f.engine.Subscribe(4)
	defer cancel()

	f.engine.HandlePacketIn(ctx, reply("ghost:lldp"))
	f.engine.HandlePacketIn(ctx, aliveness.PacketIn{Class: "bogus", Frame: []byte("eth0:lldp")})
	f.engine.HandlePacketIn(ctx, reply(""))

	if got := drain(events); len(got) != 0 {
		t.Errorf("events = %+v, want none", got)
	}
}

// -------------------------------------------------------------------------
// Pause / Unpause / interface state
// -------------------------------------------------------------------------

// TestPauseUnpause verifies status gating and that invalid transitions are
// silent no-ops.
func TestPauseUnpause(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		pid := f.profile(t, lldpProfile(3, 5, time.Second))
		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}
		id := res.MonitorID

		if err := f.engine.MonitorUnpause(ctx, id); err != nil {
			t.Errorf("unpause of started monitor: %v", err)
		}

		if err := f.engine.MonitorPause(ctx, id); err != nil {
			t.Fatalf("pause: %v", err)
		}
		if st := mustState(t, f.engine, id); st.Status != aliveness.StatusPaused {
			t.Errorf("status = %s, want Paused", st.Status)
		}
		if f.engine.ActiveTasks() != 0 {
			t.Errorf("paused monitor has a live task")
		}
		if err := f.engine.MonitorPause(ctx, id); err != nil {
			t.Errorf("second pause: %v", err)
		}

		time.Sleep(3 * time.Second)
		synctest.Wait()
		if st := mustState(t, f.engine, id); st.RequestCount != 0 {
			t.Errorf("paused monitor ticked: request count %d", st.RequestCount)
		}

		if err := f.engine.MonitorUnpause(ctx, id); err != nil {
			t.Fatalf("unpause: %v", err)
		}
		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()
		st := mustState(t, f.engine, id)
		if st.Status != aliveness.StatusStarted || st.RequestCount != 1 {
			t.Errorf("after unpause = %s requests %d, want Started requests 1", st.Status, st.RequestCount)
		}

		if err := f.engine.MonitorPause(ctx, 9999); !errors.Is(err, aliveness.ErrMonitorNotFound) {
			t.Errorf("pause unknown: got %v, want ErrMonitorNotFound", err)
		}
	})
}

// TestInterfaceStateChanged verifies a link flap suspends and resumes every
// monitor on that interface only, and leaves paused monitors paused.
func TestInterfaceStateChanged(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		lldp := f.profile(t, lldpProfile(3, 5, time.Second))
		bfd := f.profile(t, aliveness.Profile{Protocol: aliveness.ProtocolBFD, FailureThreshold: 3, MonitorWindow: 3})

		a, _ := f.engine.MonitorStart(ctx, onInterface(lldp, "eth0"))
		b, _ := f.engine.MonitorStart(ctx, onInterface(bfd, "eth0"))
		c, _ := f.engine.MonitorStart(ctx, onInterface(lldp, "eth1"))
		p, _ := f.engine.MonitorStart(ctx, onInterface(lldp, "eth2"))
		_ = f.engine.MonitorPause(ctx, p.MonitorID)

		f.engine.InterfaceStateChanged(ctx, "eth0", false)
		f.engine.InterfaceStateChanged(ctx, "eth2", false)

		for id, want := range map[uint32]aliveness.MonitorStatus{
			a.MonitorID: aliveness.StatusStopped,
			b.MonitorID: aliveness.StatusStopped,
			c.MonitorID: aliveness.StatusStarted,
			p.MonitorID: aliveness.StatusPaused,
		} {
			if st := mustState(t, f.engine, id); st.Status != want {
				t.Errorf("monitor %d status = %s, want %s", id, st.Status, want)
			}
		}
		if f.session.isEnabled("eth0") {
			t.Error("session not disabled on link down")
		}
		if f.engine.ActiveTasks() != 1 {
			t.Errorf("ActiveTasks = %d, want 1", f.engine.ActiveTasks())
		}

		f.engine.InterfaceStateChanged(ctx, "eth0", true)
		f.engine.InterfaceStateChanged(ctx, "eth2", true)

		for id, want := range map[uint32]aliveness.MonitorStatus{
			a.MonitorID: aliveness.StatusStarted,
			b.MonitorID: aliveness.StatusStarted,
			p.MonitorID: aliveness.StatusPaused,
		} {
			if st := mustState(t, f.engine, id); st.Status != want {
				t.Errorf("monitor %d status = %s, want %s", id, st.Status, want)
			}
		}
		if !f.session.isEnabled("eth0") {
			t.Error("session not re-enabled on link up")
		}
	})
}

// TestSessionBasedMonitor verifies BFD-style monitors are enabled through
// the handler, never scheduled, and driven by session status.
func TestSessionBasedMonitor(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	f := newFixture(t)
	events, cancel := f.engine.Subscribe(8)
	defer cancel()

	pid := f.profile(t, aliveness.Profile{Protocol: aliveness.ProtocolBFD, FailureThreshold: 3, MonitorWindow: 3})
	res, err := f.engine.MonitorStart(ctx, onInterface(pid, "tun0"))
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if !f.session.isEnabled("tun0") {
		t.Fatal("session not enabled on start")
	}
	if f.engine.ActiveTasks() != 0 {
		t.Error("session-based monitor was scheduled")
	}

	f.engine.SessionStatusChanged(ctx, "tun0", true)
	f.engine.SessionStatusChanged(ctx, "tun0", true)
	f.engine.SessionStatusChanged(ctx, "tun0", false)

	got := drain(events)
	if len(got) != 2 || got[0].State != aliveness.StateUp || got[1].State != aliveness.StateDown {
		t.Errorf("events = %+v, want Up then Down", got)
	}

	if err := f.engine.MonitorStop(ctx, res.MonitorID); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if f.session.isEnabled("tun0") {
		t.Error("session still enabled after stop")
	}
}

// -------------------------------------------------------------------------
// Concurrency and lifecycle
// -------------------------------------------------------------------------

// TestStopRacingTicks verifies that stopping a monitor while ticks and
// replies are in flight leaves no state behind.
func TestStopRacingTicks(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		pid := f.profile(t, lldpProfile(2, 4, 10*time.Millisecond))
		res, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		if err != nil {
			t.Fatalf("start: %v", err)
		}

		var wg sync.WaitGroup
		wg.Go(func() {
			for range 20 {
				f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
				time.Sleep(3 * time.Millisecond)
			}
		})

		time.Sleep(25 * time.Millisecond)
		if err := f.engine.MonitorStop(ctx, res.MonitorID); err != nil {
			t.Fatalf("stop: %v", err)
		}
		wg.Wait()
		synctest.Wait()

		states, _ := store.ListAs[aliveness.MonitoringState](ctx, f.store, store.PlaneOperational, "aliveness/states/")
		if len(states) != 0 {
			t.Errorf("state resurrected after stop: %+v", states)
		}
	})
}

// TestResume verifies a new engine over the same store reschedules
// persisted Started monitors.
func TestResume(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		pid := f.profile(t, lldpProfile(3, 5, time.Second))
		running, _ := f.engine.MonitorStart(ctx, onInterface(pid, "eth0"))
		paused, _ := f.engine.MonitorStart(ctx, onInterface(pid, "eth1"))
		_ = f.engine.MonitorPause(ctx, paused.MonitorID)
		f.engine.Close()

		f.engine = f.newEngine()
		if err := f.engine.Resume(ctx); err != nil {
			t.Fatalf("Resume: %v", err)
		}
		if f.engine.ActiveTasks() != 1 {
			t.Fatalf("ActiveTasks = %d, want 1", f.engine.ActiveTasks())
		}

		time.Sleep(1500 * time.Millisecond)
		synctest.Wait()
		if st := mustState(t, f.engine, running.MonitorID); st.RequestCount != 1 {
			t.Errorf("resumed monitor request count = %d, want 1", st.RequestCount)
		}

		// The lock was recreated, so replies are accepted.
		events, cancel := f.engine.Subscribe(1)
		defer cancel()
		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
		if got := drain(events); len(got) != 1 {
			t.Errorf("events after resume = %+v, want one", got)
		}
	})
}

// TestSlowSubscriberDoesNotBlock verifies a full subscriber channel drops
// events instead of stalling the engine.
func TestSlowSubscriberDoesNotBlock(t *testing.T) {
	t.Parallel()

	synctest.Test(t, func(t *testing.T) {
		ctx := context.Background()
		f := newFixture(t)
		slow, cancelSlow := f.engine.Subscribe(1)
		defer cancelSlow()
		fast, cancelFast := f.engine.Subscribe(8)
		defer cancelFast()

		pid := f.profile(t, lldpProfile(1, 1, 100*time.Millisecond))
		if _, err := f.engine.MonitorStart(ctx, onInterface(pid, "eth0")); err != nil {
			t.Fatalf("start: %v", err)
		}

		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))
		time.Sleep(150 * time.Millisecond)
		synctest.Wait()
		f.engine.HandlePacketIn(ctx, reply("eth0:lldp"))

		if got := len(drain(fast)); got != 3 {
			t.Errorf("fast subscriber got %d events, want 3", got)
		}
		if got := len(drain(slow)); got != 1 {
			t.Errorf("slow subscriber got %d events, want 1", got)
		}
	})
}
