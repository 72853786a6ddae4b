package notify

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/google/uuid"

	"github.com/dantte-lp/gofabric/internal/aliveness"
)

// Forwarder defaults.
const (
	DefaultAttempts   = 3
	DefaultRetryDelay = 200 * time.Millisecond
	DefaultBuffer     = 256
)

// EventSource hands out monitor event subscriptions. aliveness.Engine
// implements it.
type EventSource interface {
	Subscribe(buffer int) (<-chan aliveness.MonitorEvent, func())
}

// ForwarderOption configures a Forwarder.
type ForwarderOption func(*Forwarder)

// WithRetry sets the publish attempts per sink and the delay between them.
func WithRetry(attempts uint, delay time.Duration) ForwarderOption {
	return func(f *Forwarder) {
		if attempts > 0 {
			f.attempts = attempts
		}
		f.delay = delay
	}
}

// WithInstanceID overrides the generated instance id.
func WithInstanceID(id string) ForwarderOption {
	return func(f *Forwarder) { f.instanceID = id }
}

// WithBuffer sets the subscription buffer.
func WithBuffer(n int) ForwarderOption {
	return func(f *Forwarder) { f.buffer = n }
}

// Forwarder relays monitor events to sinks.
type Forwarder struct {
	source     EventSource
	sinks      []Sink
	instanceID string
	attempts   uint
	delay      time.Duration
	buffer     int
	logger     *slog.Logger

	published atomic.Uint64
	failed    atomic.Uint64
}

// NewForwarder creates a Forwarder publishing events of source to sinks.
func NewForwarder(source EventSource, sinks []Sink, logger *slog.Logger, opts ...ForwarderOption) *Forwarder {
	f := &Forwarder{
		source:     source,
		sinks:      sinks,
		instanceID: uuid.NewString(),
		attempts:   DefaultAttempts,
		delay:      DefaultRetryDelay,
		buffer:     DefaultBuffer,
		logger:     logger.With(slog.String("component", "notify.forwarder")),
	}
	for _, o := range opts {
		o(f)
	}
	return f
}

// InstanceID returns the id stamped on every envelope.
func (f *Forwarder) InstanceID() string { return f.instanceID }

// Published returns the number of successful sink deliveries.
func (f *Forwarder) Published() uint64 { return f.published.Load() }

// Failed returns the number of deliveries abandoned after retries.
func (f *Forwarder) Failed() uint64 { return f.failed.Load() }

// Run subscribes to the source and forwards events until ctx is cancelled
// or the subscription ends. Sinks are closed on return.
func (f *Forwarder) Run(ctx context.Context) error {
	events, cancel := f.source.Subscribe(f.buffer)
	defer cancel()
	defer f.closeSinks()

	f.logger.Info("monitor event forwarder started",
		slog.String("instance_id", f.instanceID),
		slog.Int("sinks", len(f.sinks)),
	)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			f.forward(ctx, NewEnvelope(f.instanceID, ev))
		}
	}
}

func (f *Forwarder) forward(ctx context.Context, env Envelope) {
	for _, s := range f.sinks {
		err := retry.Do(
			func() error { return s.Publish(ctx, env) },
			retry.Context(ctx),
			retry.Attempts(f.attempts),
			retry.Delay(f.delay),
			retry.DelayType(retry.FixedDelay),
			retry.LastErrorOnly(true),
		)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.failed.Add(1)
			f.logger.Error("failed to publish monitor event",
				slog.String("sink", s.Name()),
				slog.Uint64("monitor_id", uint64(env.MonitorID)),
				slog.String("state", env.State),
				slog.String("error", err.Error()),
			)
			continue
		}
		f.published.Add(1)
	}
}

func (f *Forwarder) closeSinks() {
	for _, s := range f.sinks {
		if err := s.Close(); err != nil {
			f.logger.Warn("failed to close sink",
				slog.String("sink", s.Name()),
				slog.String("error", err.Error()),
			)
		}
	}
}
