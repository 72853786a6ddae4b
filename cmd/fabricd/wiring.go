package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/config"
	"github.com/dantte-lp/gofabric/internal/idpool"
	"github.com/dantte-lp/gofabric/internal/jobqueue"
	fabricmetrics "github.com/dantte-lp/gofabric/internal/metrics"
	"github.com/dantte-lp/gofabric/internal/netio"
	"github.com/dantte-lp/gofabric/internal/notify"
	"github.com/dantte-lp/gofabric/internal/probe"
	"github.com/dantte-lp/gofabric/internal/southbound"
	"github.com/dantte-lp/gofabric/internal/store"
	"github.com/dantte-lp/gofabric/internal/tep"
)

// fabricDaemon owns every long-lived subsystem of fabricd.
type fabricDaemon struct {
	cfg       *config.Config
	collector *fabricmetrics.Collector
	logger    *slog.Logger

	store   store.Store
	etcd    *store.EtcdStore
	ports   *netio.Ports
	engine  *aliveness.Engine
	jobs    *jobqueue.Coordinator
	cache   *tep.Cache
	tracker *tep.StateTracker
	mesh    *tep.MeshReconciler
	router  *southbound.Router

	stopCache func()

	// zonesMu guards declared, the zone names applied from config.
	zonesMu  sync.Mutex
	declared map[string]struct{}
}

// newDaemon opens the store and frame ports and builds the aliveness and
// tunnel subsystems on top of them. Nothing runs until start.
func newDaemon(ctx context.Context, cfg *config.Config, collector *fabricmetrics.Collector, logger *slog.Logger) (*fabricDaemon, error) {
	d := &fabricDaemon{
		cfg:       cfg,
		collector: collector,
		logger:    logger,
		declared:  make(map[string]struct{}),
	}

	if err := d.openStore(); err != nil {
		return nil, err
	}
	ids := idpool.New(d.store, logger)

	if err := d.openPorts(); err != nil {
		d.close()
		return nil, err
	}

	// Aliveness engine with the LLDP, IPv6-ND and BFD handlers.
	links := netio.NetlinkLinks{}
	handlers := aliveness.NewRegistry(
		probe.NewLLDP(d.ports, links, logger, probe.WithSystemName(cfg.Aliveness.SystemName)),
		probe.NewIPv6ND(d.ports, links, logger),
		probe.NewBFD(d.store, logger),
	)
	d.engine = aliveness.NewEngine(d.store, ids, handlers, logger,
		aliveness.WithMetrics(collector),
		aliveness.WithLockTimeout(cfg.Aliveness.LockTimeout),
		aliveness.WithProbeWorkers(cfg.Aliveness.ProbeWorkers),
		aliveness.WithPools(
			aliveness.PoolRange(cfg.Aliveness.MonitorPool),
			aliveness.PoolRange(cfg.Aliveness.ProfilePool),
		),
	)
	d.engine.Init(ctx)
	if err := d.engine.Resume(ctx); err != nil {
		logger.Error("some monitors could not be resumed",
			slog.String("error", err.Error()),
		)
	}

	// Tunnel endpoint subsystem.
	d.jobs = jobqueue.New(logger,
		jobqueue.WithWorkers(cfg.TEP.JobWorkers),
		jobqueue.WithRetry(cfg.TEP.JobRetries, cfg.TEP.JobRetryDelay),
		jobqueue.WithMetrics(collector),
	)
	d.cache = tep.NewCache(logger, tep.WithCacheMetrics(collector))
	d.tracker = tep.NewStateTracker(d.store, ids, d.cache, d.jobs, logger,
		tep.WithLportPool(tep.PoolRange(cfg.TEP.LportPool)),
	)
	d.tracker.Init(ctx)

	meshOpts := []tep.MeshOption{
		tep.WithMeshMetrics(collector),
		tep.WithTunnelPool(tep.PoolRange(cfg.TEP.TunnelPool)),
	}
	if bfd := cfg.TEP.BFD; bfd.Enabled {
		meshOpts = append(meshOpts, tep.WithBFD(tep.BFDConfig{
			Enabled:    true,
			MinRx:      bfd.Interval,
			MinTx:      bfd.Interval,
			Multiplier: bfd.Multiplier,
		}))
	}
	d.mesh = tep.NewMeshReconciler(d.store, ids, logger, meshOpts...)
	d.mesh.Init(ctx)

	stop, err := d.cache.Sync(ctx, d.store)
	if err != nil {
		d.close()
		return nil, fmt.Errorf("sync tunnel cache: %w", err)
	}
	d.stopCache = stop

	d.router = southbound.NewRouter(d.tracker, d.engine, logger)
	return d, nil
}

func (d *fabricDaemon) openStore() error {
	switch d.cfg.Store.Backend {
	case config.BackendEtcd:
		ec := d.cfg.Store.Etcd
		nodeID := ec.NodeID
		if nodeID == "" {
			host, err := os.Hostname()
			if err != nil {
				return fmt.Errorf("resolve node id: %w", err)
			}
			nodeID = host
		}
		es, err := store.NewEtcdStore(store.EtcdConfig{
			Endpoints:   ec.Endpoints,
			DialTimeout: ec.DialTimeout,
			Root:        ec.Prefix,
			NodeID:      nodeID,
			SessionTTL:  ec.SessionTTL,
		}, d.logger)
		if err != nil {
			return fmt.Errorf("open etcd store: %w", err)
		}
		d.store, d.etcd = es, es
	default:
		d.store = store.NewMemoryStore(d.logger)
	}
	return nil
}

func (d *fabricDaemon) openPorts() error {
	ifNames := d.cfg.Southbound.Packet.Interfaces
	if len(ifNames) == 0 {
		d.ports = netio.NewPorts(d.logger)
		return nil
	}
	ports, err := netio.OpenPorts(ifNames, d.logger)
	if err != nil {
		return fmt.Errorf("open frame ports: %w", err)
	}
	d.ports = ports
	return nil
}

// start registers every background loop with g.
func (d *fabricDaemon) start(ctx context.Context, g *errgroup.Group) {
	if d.etcd != nil && d.cfg.Store.Etcd.Election {
		g.Go(func() error { return d.etcd.Campaign(ctx) })
	}

	g.Go(func() error { return d.jobs.Run(ctx) })
	g.Go(func() error { return d.mesh.Run(ctx) })

	d.startPacketIn(ctx, g)
	d.startLinkMonitor(ctx, g)

	if ep := d.cfg.Southbound.OVSDB.Endpoint; ep != "" {
		mon := southbound.NewMonitor(ep, d.router, d.logger,
			southbound.WithReconnectDelay(d.cfg.Southbound.OVSDB.ReconnectDelay, southbound.DefaultMaxReconnectDelay),
		)
		g.Go(func() error { return mon.Run(ctx) })
	} else {
		d.logger.Info("ovsdb monitor disabled")
	}

	d.startForwarder(ctx, g)
}

func (d *fabricDaemon) startPacketIn(ctx context.Context, g *errgroup.Group) {
	conns := d.ports.Conns()
	if len(conns) == 0 {
		d.logger.Info("no packet interfaces configured, frame probes cannot receive replies")
		return
	}

	var opts []netio.ReceiverOption
	if pc := d.cfg.Southbound.Packet; pc.Rate > 0 {
		opts = append(opts, netio.WithRateLimit(rate.Limit(pc.Rate), pc.Burst))
	}
	recv := netio.NewReceiver(d.engine, probe.Classify, d.logger, opts...)
	if err := d.collector.WatchPacketIn(recv); err != nil {
		d.logger.Warn("failed to register packet-in metrics", slog.String("error", err.Error()))
	}
	g.Go(func() error { return recv.Run(ctx, conns...) })
}

func (d *fabricDaemon) startLinkMonitor(ctx context.Context, g *errgroup.Group) {
	mon := netio.NewInterfaceMonitor(d.cfg.Southbound.Netlink.Enabled, d.logger)
	g.Go(func() error {
		defer func() {
			if err := mon.Close(); err != nil {
				d.logger.Warn("failed to close interface monitor", slog.String("error", err.Error()))
			}
		}()
		return mon.Run(ctx)
	})
	g.Go(func() error {
		d.router.RunLinks(ctx, mon.Events())
		return nil
	})
}

func (d *fabricDaemon) startForwarder(ctx context.Context, g *errgroup.Group) {
	nc := d.cfg.Notify
	var sinks []notify.Sink
	if nc.Redis.Addr != "" {
		sinks = append(sinks, notify.DialRedis(nc.Redis.Addr, nc.Redis.Channel))
	}
	if len(nc.Kafka.Brokers) > 0 {
		sinks = append(sinks, notify.DialKafka(nc.Kafka.Brokers, nc.Kafka.Topic))
	}
	if len(sinks) == 0 {
		d.logger.Info("no monitor event sinks configured")
		return
	}

	fwd := notify.NewForwarder(d.engine, sinks, d.logger)
	if err := d.collector.WatchNotify(fwd); err != nil {
		d.logger.Warn("failed to register notify metrics", slog.String("error", err.Error()))
	}
	g.Go(func() error { return fwd.Run(ctx) })
}

// applyZones applies every declared transport zone and deletes the ones a
// previous configuration declared but this one no longer does. Zones
// created through the API are never touched.
func (d *fabricDaemon) applyZones(ctx context.Context, zones []config.TransportZoneConfig) {
	d.zonesMu.Lock()
	defer d.zonesMu.Unlock()

	next := make(map[string]struct{}, len(zones))
	applied := 0
	for _, zc := range zones {
		next[zc.Name] = struct{}{}
		zone, err := zc.Zone()
		if err == nil {
			err = d.mesh.ApplyZone(ctx, zone)
		}
		if err != nil {
			d.logger.Error("failed to apply transport zone",
				slog.String("zone", zc.Name),
				slog.String("error", err.Error()),
			)
			continue
		}
		applied++
	}

	removed := 0
	for name := range d.declared {
		if _, keep := next[name]; keep {
			continue
		}
		if err := d.mesh.DeleteZone(ctx, name); err != nil && !errors.Is(err, tep.ErrZoneNotFound) {
			d.logger.Error("failed to delete transport zone",
				slog.String("zone", name),
				slog.String("error", err.Error()),
			)
			next[name] = struct{}{}
			continue
		}
		removed++
	}
	d.declared = next

	if applied > 0 || removed > 0 {
		d.logger.Info("declarative transport zones reconciled",
			slog.Int("applied", applied),
			slog.Int("removed", removed),
		)
	}
}

// close releases the resources opened by newDaemon.
func (d *fabricDaemon) close() {
	if d.engine != nil {
		d.engine.Close()
	}
	if d.stopCache != nil {
		d.stopCache()
	}
	if d.ports != nil {
		if err := d.ports.Close(); err != nil {
			d.logger.Warn("failed to close frame ports", slog.String("error", err.Error()))
		}
	}
	if d.store != nil {
		if err := d.store.Close(); err != nil {
			d.logger.Warn("failed to close store", slog.String("error", err.Error()))
		}
	}
}
