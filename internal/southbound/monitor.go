package southbound

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/ovn-org/libovsdb/cache"
	"github.com/ovn-org/libovsdb/client"
	"github.com/ovn-org/libovsdb/model"

	"github.com/dantte-lp/gofabric/internal/tep"
)

// Reconnect backoff bounds.
const (
	DefaultReconnectDelay    = 500 * time.Millisecond
	DefaultMaxReconnectDelay = 30 * time.Second
)

// ErrDisconnected indicates the OVSDB session dropped.
var ErrDisconnected = errors.New("ovsdb session disconnected")

// EventSink consumes southbound events. Router implements it.
type EventSink interface {
	Dispatch(ctx context.Context, ev tep.SouthboundEvent)
}

// Lister reads rows of a monitored table from the client cache. The
// libovsdb client implements it.
type Lister interface {
	List(ctx context.Context, result any) error
}

// MonitorOption configures a Monitor.
type MonitorOption func(*Monitor)

// WithReconnectDelay sets the initial and maximum reconnect backoff.
func WithReconnectDelay(initial, limit time.Duration) MonitorOption {
	return func(m *Monitor) {
		if initial > 0 {
			m.delay = initial
		}
		if limit >= m.delay {
			m.maxDelay = limit
		}
	}
}

// Monitor follows the Bridge, Port and Interface tables of one
// Open_vSwitch database and reports tunnel port and BFD changes.
type Monitor struct {
	endpoint string
	sink     EventSink
	differ   *Differ
	delay    time.Duration
	maxDelay time.Duration
	logger   *slog.Logger
}

// NewMonitor creates a monitor for the OVSDB server at endpoint, e.g.
// "tcp:127.0.0.1:6640" or "unix:/var/run/openvswitch/db.sock".
func NewMonitor(endpoint string, sink EventSink, logger *slog.Logger, opts ...MonitorOption) *Monitor {
	m := &Monitor{
		endpoint: endpoint,
		sink:     sink,
		differ:   NewDiffer(),
		delay:    DefaultReconnectDelay,
		maxDelay: DefaultMaxReconnectDelay,
		logger: logger.With(
			slog.String("component", "southbound.ovsdb"),
			slog.String("endpoint", endpoint),
		),
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Run keeps a monitor session open until ctx is cancelled, reconnecting
// with exponential backoff. State learned before a disconnect is kept, so
// only real changes are reported after reconnecting.
func (m *Monitor) Run(ctx context.Context) error {
	dbModel, err := DatabaseModel()
	if err != nil {
		return err
	}

	err = retry.Do(
		func() error { return m.session(ctx, dbModel) },
		retry.Context(ctx),
		retry.Attempts(0),
		retry.Delay(m.delay),
		retry.MaxDelay(m.maxDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			m.logger.Warn("ovsdb session failed, reconnecting",
				slog.Uint64("attempt", uint64(n+1)),
				slog.String("error", err.Error()),
			)
		}),
	)
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (m *Monitor) session(ctx context.Context, dbModel model.ClientDBModel) error {
	ovs, err := client.NewOVSDBClient(dbModel, client.WithEndpoint(m.endpoint))
	if err != nil {
		return retry.Unrecoverable(fmt.Errorf("create ovsdb client: %w", err))
	}
	if err := ovs.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", m.endpoint, err)
	}
	defer ovs.Close()

	dirty := make(chan struct{}, 1)
	mark := func() {
		select {
		case dirty <- struct{}{}:
		default:
		}
	}
	ovs.Cache().AddEventHandler(&cache.EventHandlerFuncs{
		AddFunc:    func(string, model.Model) { mark() },
		UpdateFunc: func(string, model.Model, model.Model) { mark() },
		DeleteFunc: func(string, model.Model) { mark() },
	})

	var (
		b Bridge
		p Port
		i Interface
	)
	_, err = ovs.Monitor(ctx, ovs.NewMonitor(
		client.WithTable(&b, &b.Name, &b.DatapathID, &b.Ports),
		client.WithTable(&p, &p.Name, &p.Interfaces),
		client.WithTable(&i, &i.Name, &i.Type, &i.Ofport, &i.LinkState, &i.BFDStatus),
	))
	if err != nil {
		return fmt.Errorf("monitor %s: %w", DatabaseName, err)
	}
	m.logger.Info("ovsdb monitor established")

	if err := m.Sync(ctx, ovs); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ovs.DisconnectNotify():
			return ErrDisconnected
		case <-dirty:
			if err := m.Sync(ctx, ovs); err != nil {
				return err
			}
		}
	}
}

// Sync reads the monitored tables from l and dispatches the events that
// bring the previous view up to date.
func (m *Monitor) Sync(ctx context.Context, l Lister) error {
	var snap Snapshot
	if err := l.List(ctx, &snap.Bridges); err != nil {
		return fmt.Errorf("list bridges: %w", err)
	}
	if err := l.List(ctx, &snap.Ports); err != nil {
		return fmt.Errorf("list ports: %w", err)
	}
	if err := l.List(ctx, &snap.Interfaces); err != nil {
		return fmt.Errorf("list interfaces: %w", err)
	}

	events := m.differ.Diff(snap)
	for _, ev := range events {
		m.sink.Dispatch(ctx, ev)
	}
	if len(events) > 0 {
		m.logger.Debug("southbound events dispatched", slog.Int("count", len(events)))
	}
	return nil
}
