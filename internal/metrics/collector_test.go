package fabricmetrics_test

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/jobqueue"
	fabricmetrics "github.com/dantte-lp/gofabric/internal/metrics"
	"github.com/dantte-lp/gofabric/internal/tep"
)

var (
	_ aliveness.MetricsReporter = (*fabricmetrics.Collector)(nil)
	_ jobqueue.MetricsReporter  = (*fabricmetrics.Collector)(nil)
	_ tep.MetricsReporter       = (*fabricmetrics.Collector)(nil)
)

func TestNewCollector(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fabricmetrics.NewCollector(reg)

	if c.Monitors == nil || c.StateTransitions == nil || c.Tunnels == nil || c.Jobs == nil {
		t.Fatal("metric vectors not initialized")
	}

	// No data yet, but registration must not panic and gathering must work.
	if _, err := reg.Gather(); err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
}

func TestMonitorGauge(t *testing.T) {
	t.Parallel()

	c := fabricmetrics.NewCollector(prometheus.NewRegistry())

	c.MonitorAdded("lldp")
	c.MonitorAdded("lldp")
	c.MonitorAdded("bfd")
	c.MonitorRemoved("lldp")

	if v := gaugeValue(t, c.Monitors, "lldp"); v != 1 {
		t.Errorf("lldp monitors = %v, want 1", v)
	}
	if v := gaugeValue(t, c.Monitors, "bfd"); v != 1 {
		t.Errorf("bfd monitors = %v, want 1", v)
	}
}

func TestProbeCounters(t *testing.T) {
	t.Parallel()

	c := fabricmetrics.NewCollector(prometheus.NewRegistry())

	for range 3 {
		c.ProbeSent("ipv6nd")
	}
	c.ReplyReceived("ipv6nd")
	c.StateTransition("ipv6nd", "Unknown", "Up")
	c.StateTransition("ipv6nd", "Up", "Down")
	c.StateTransition("ipv6nd", "Up", "Down")
	c.LockStolen()

	if v := counterValue(t, c.ProbesSent, "ipv6nd"); v != 3 {
		t.Errorf("probes sent = %v, want 3", v)
	}
	if v := counterValue(t, c.Replies, "ipv6nd"); v != 1 {
		t.Errorf("replies = %v, want 1", v)
	}
	if v := counterValue(t, c.StateTransitions, "ipv6nd", "Up", "Down"); v != 2 {
		t.Errorf("Up->Down transitions = %v, want 2", v)
	}
	if v := plainCounter(t, c.LockSteals); v != 1 {
		t.Errorf("lock steals = %v, want 1", v)
	}
}

func TestTunnelMetrics(t *testing.T) {
	t.Parallel()

	c := fabricmetrics.NewCollector(prometheus.NewRegistry())

	c.SetTunnels("internal", 6)
	c.SetTunnels("internal", 2)
	c.SetPendingEvents(4)
	c.MeshFailure()
	c.JobCompleted("success")
	c.JobCompleted("failure")
	c.JobCompleted("success")

	if v := gaugeValue(t, c.Tunnels, "internal"); v != 2 {
		t.Errorf("internal tunnels = %v, want 2", v)
	}
	if v := counterValue(t, c.Jobs, "success"); v != 2 {
		t.Errorf("successful jobs = %v, want 2", v)
	}
	if v := plainCounter(t, c.MeshFailures); v != 1 {
		t.Errorf("mesh failures = %v, want 1", v)
	}
}

type fakeStats struct{ a, b uint64 }

func (f fakeStats) Delivered() uint64 { return f.a }
func (f fakeStats) Dropped() uint64   { return f.b }
func (f fakeStats) Published() uint64 { return f.a }
func (f fakeStats) Failed() uint64    { return f.b }

func TestWatchCounters(t *testing.T) {
	t.Parallel()

	reg := prometheus.NewRegistry()
	c := fabricmetrics.NewCollector(reg)

	if err := c.WatchPacketIn(fakeStats{a: 7, b: 2}); err != nil {
		t.Fatalf("WatchPacketIn: %v", err)
	}
	if err := c.WatchNotify(fakeStats{a: 5, b: 1}); err != nil {
		t.Fatalf("WatchNotify: %v", err)
	}
	if err := c.WatchPacketIn(fakeStats{}); err == nil {
		t.Error("second WatchPacketIn registered duplicate counters")
	}

	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	want := map[string]float64{
		"gofabric_packet_in_delivered_total": 7,
		"gofabric_packet_in_dropped_total":   2,
		"gofabric_notify_published_total":    5,
		"gofabric_notify_failed_total":       1,
	}
	for _, fam := range families {
		w, ok := want[fam.GetName()]
		if !ok {
			continue
		}
		if got := fam.GetMetric()[0].GetCounter().GetValue(); got != w {
			t.Errorf("%s = %v, want %v", fam.GetName(), got, w)
		}
		delete(want, fam.GetName())
	}
	for name := range want {
		t.Errorf("%s not gathered", name)
	}
}

// -------------------------------------------------------------------------
// Helpers
// -------------------------------------------------------------------------

// gaugeValue reads the current value of a GaugeVec with the given labels.
func gaugeValue(t *testing.T, vec *prometheus.GaugeVec, labels ...string) float64 {
	t.Helper()

	gauge, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}

	m := &dto.Metric{}
	if err := gauge.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetGauge().GetValue()
}

// counterValue reads the current value of a CounterVec with the given labels.
func counterValue(t *testing.T, vec *prometheus.CounterVec, labels ...string) float64 {
	t.Helper()

	counter, err := vec.GetMetricWithLabelValues(labels...)
	if err != nil {
		t.Fatalf("GetMetricWithLabelValues(%v): %v", labels, err)
	}
	return plainCounter(t, counter)
}

func plainCounter(t *testing.T, counter prometheus.Counter) float64 {
	t.Helper()

	m := &dto.Metric{}
	if err := counter.Write(m); err != nil {
		t.Fatalf("Write metric: %v", err)
	}

	return m.GetCounter().GetValue()
}
