// Package fabricmetrics exposes the fabric daemon's Prometheus metrics.
package fabricmetrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// -------------------------------------------------------------------------
// Prometheus Metric Constants
// -------------------------------------------------------------------------

const (
	namespace          = "gofabric"
	subsystemAliveness = "aliveness"
	subsystemTEP       = "tep"
	subsystemPacketIn  = "packet_in"
	subsystemNotify    = "notify"
)

// Label names.
const (
	labelProtocol  = "protocol"
	labelFromState = "from"
	labelToState   = "to"
	labelKind      = "kind"
	labelResult    = "result"
)

// -------------------------------------------------------------------------
// Collector — Prometheus fabric metrics
// -------------------------------------------------------------------------

// Collector holds all fabric Prometheus metrics. It implements the metrics
// reporters of the aliveness engine, the job queue and the tep subsystem.
//
// Metrics are designed for alerting on data-plane health:
//   - Monitor gauges and probe counters show probing load per protocol.
//   - State transition counters record liveness flaps (e.g., Up->Down).
//   - Tunnel gauges and mesh failure counters track the overlay.
type Collector struct {
	reg prometheus.Registerer

	// Monitors tracks the number of monitors per protocol.
	Monitors *prometheus.GaugeVec

	// ProbesSent counts probe frames emitted (or sessions enabled).
	ProbesSent *prometheus.CounterVec

	// Replies counts probe replies matched to a monitor.
	Replies *prometheus.CounterVec

	// StateTransitions counts liveness transitions, labeled with the old
	// and new state.
	StateTransitions *prometheus.CounterVec

	// LockSteals counts monitor key locks taken over after the wait
	// timeout.
	LockSteals prometheus.Counter

	// Tunnels tracks the number of tunnel interfaces by kind
	// ("internal", "external").
	Tunnels *prometheus.GaugeVec

	// MeshFailures counts tunnel pairs that failed to reconcile.
	MeshFailures prometheus.Counter

	// PendingEvents tracks southbound events parked until their
	// configuration arrives.
	PendingEvents prometheus.Gauge

	// Jobs counts job queue completions by result.
	Jobs *prometheus.CounterVec
}

// NewCollector creates a Collector with all metrics registered against the
// provided prometheus.Registerer. If reg is nil, prometheus.DefaultRegisterer
// is used.
//
// All metrics are created under the "gofabric_" namespace.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()
	c.reg = reg

	reg.MustRegister(
		c.Monitors,
		c.ProbesSent,
		c.Replies,
		c.StateTransitions,
		c.LockSteals,
		c.Tunnels,
		c.MeshFailures,
		c.PendingEvents,
		c.Jobs,
	)

	return c
}

// newMetrics creates all Prometheus metric vectors without registering them.
func newMetrics() *Collector {
	protocolLabels := []string{labelProtocol}
	transitionLabels := []string{labelProtocol, labelFromState, labelToState}

	return &Collector{
		Monitors: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemAliveness,
			Name:      "monitors",
			Help:      "Number of configured liveness monitors.",
		}, protocolLabels),

		ProbesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAliveness,
			Name:      "probes_sent_total",
			Help:      "Total liveness probes emitted.",
		}, protocolLabels),

		Replies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAliveness,
			Name:      "replies_total",
			Help:      "Total probe replies matched to a monitor.",
		}, protocolLabels),

		StateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAliveness,
			Name:      "state_transitions_total",
			Help:      "Total liveness state transitions.",
		}, transitionLabels),

		LockSteals: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemAliveness,
			Name:      "lock_steals_total",
			Help:      "Total monitor key locks stolen after the wait timeout.",
		}),

		Tunnels: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTEP,
			Name:      "tunnels",
			Help:      "Number of tunnel interfaces by kind.",
		}, []string{labelKind}),

		MeshFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTEP,
			Name:      "mesh_failures_total",
			Help:      "Total tunnel pairs that failed to reconcile.",
		}),

		PendingEvents: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystemTEP,
			Name:      "pending_events",
			Help:      "Southbound events waiting for their tunnel configuration.",
		}),

		Jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemTEP,
			Name:      "jobs_total",
			Help:      "Total job queue completions by result.",
		}, []string{labelResult}),
	}
}

// -------------------------------------------------------------------------
// Aliveness
// -------------------------------------------------------------------------

// MonitorAdded increments the monitors gauge for protocol.
func (c *Collector) MonitorAdded(protocol string) {
	c.Monitors.WithLabelValues(protocol).Inc()
}

// MonitorRemoved decrements the monitors gauge for protocol.
func (c *Collector) MonitorRemoved(protocol string) {
	c.Monitors.WithLabelValues(protocol).Dec()
}

// ProbeSent increments the probes counter for protocol.
func (c *Collector) ProbeSent(protocol string) {
	c.ProbesSent.WithLabelValues(protocol).Inc()
}

// ReplyReceived increments the replies counter for protocol.
func (c *Collector) ReplyReceived(protocol string) {
	c.Replies.WithLabelValues(protocol).Inc()
}

// StateTransition records a liveness transition.
func (c *Collector) StateTransition(protocol, from, to string) {
	c.StateTransitions.WithLabelValues(protocol, from, to).Inc()
}

// LockStolen increments the lock steal counter.
func (c *Collector) LockStolen() {
	c.LockSteals.Inc()
}

// -------------------------------------------------------------------------
// Tunnels and jobs
// -------------------------------------------------------------------------

// SetTunnels sets the tunnel gauge for kind.
func (c *Collector) SetTunnels(kind string, n int) {
	c.Tunnels.WithLabelValues(kind).Set(float64(n))
}

// SetPendingEvents sets the pending southbound events gauge.
func (c *Collector) SetPendingEvents(n int) {
	c.PendingEvents.Set(float64(n))
}

// MeshFailure increments the mesh failure counter.
func (c *Collector) MeshFailure() {
	c.MeshFailures.Inc()
}

// JobCompleted counts one job queue completion.
func (c *Collector) JobCompleted(result string) {
	c.Jobs.WithLabelValues(result).Inc()
}

// -------------------------------------------------------------------------
// Polled counters
// -------------------------------------------------------------------------

// PacketInStats is implemented by the packet-in receiver.
type PacketInStats interface {
	Delivered() uint64
	Dropped() uint64
}

// NotifyStats is implemented by the event forwarder.
type NotifyStats interface {
	Published() uint64
	Failed() uint64
}

// WatchPacketIn registers counters read from src at scrape time.
func (c *Collector) WatchPacketIn(src PacketInStats) error {
	return c.registerFuncs(subsystemPacketIn, map[string]counterFunc{
		"delivered_total": {"Total packet-ins delivered to probe handlers.", src.Delivered},
		"dropped_total":   {"Total packet-ins dropped by the rate limiter.", src.Dropped},
	})
}

// WatchNotify registers counters read from src at scrape time.
func (c *Collector) WatchNotify(src NotifyStats) error {
	return c.registerFuncs(subsystemNotify, map[string]counterFunc{
		"published_total": {"Total monitor events published to a sink.", src.Published},
		"failed_total":    {"Total monitor event publishes that exhausted retries.", src.Failed},
	})
}

type counterFunc struct {
	help  string
	value func() uint64
}

func (c *Collector) registerFuncs(subsystem string, funcs map[string]counterFunc) error {
	for name, f := range funcs {
		value := f.value
		counter := prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      f.help,
		}, func() float64 { return float64(value()) })
		if err := c.reg.Register(counter); err != nil {
			return err
		}
	}
	return nil
}
