package tep

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"

	"github.com/dantte-lp/gofabric/internal/store"
)

// MetricsReporter receives tunnel subsystem events. The Prometheus
// collector in internal/metrics implements it.
type MetricsReporter interface {
	SetTunnels(kind string, n int)
	SetPendingEvents(n int)
	MeshFailure()
}

type noopMetrics struct{}

func (noopMetrics) SetTunnels(string, int) {}
func (noopMetrics) SetPendingEvents(int)   {}
func (noopMetrics) MeshFailure()           {}

// Tunnel kinds reported to metrics.
const (
	KindInternal = "internal"
	KindExternal = "external"
)

// DrainFunc receives southbound events that were deferred until the
// configuration of their DPN arrived.
type DrainFunc func(events []SouthboundEvent)

// CacheOption configures a Cache.
type CacheOption func(*Cache)

// WithCacheMetrics attaches a metrics reporter.
func WithCacheMetrics(m MetricsReporter) CacheOption {
	return func(c *Cache) {
		if m != nil {
			c.metrics = m
		}
	}
}

// Cache is the in-memory view of tunnel configuration: DPN endpoints and
// tunnel interfaces, kept coherent with the store through watches. It also
// holds southbound events that arrived before the configuration they refer
// to, keyed by DPN id, and hands them back once that configuration is
// observed. Events for an interface whose configuration was removed are
// dropped instead.
type Cache struct {
	logger  *slog.Logger
	metrics MetricsReporter

	mu         sync.RWMutex
	dpns       map[DpnID]DPNTEPsInfo
	interfaces map[string]InterfaceConfig
	pending    map[DpnID][]SouthboundEvent
	npending   int
	removed    map[string]struct{}
	drain      DrainFunc
}

// NewCache creates an empty cache.
func NewCache(logger *slog.Logger, opts ...CacheOption) *Cache {
	c := &Cache{
		logger:     logger.With(slog.String("component", "tep.cache")),
		metrics:    noopMetrics{},
		dpns:       make(map[DpnID]DPNTEPsInfo),
		interfaces: make(map[string]InterfaceConfig),
		pending:    make(map[DpnID][]SouthboundEvent),
		removed:    make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// OnDrain registers the consumer of deferred events. It must be set before
// Sync. fn runs with the cache locked and must not call back into it.
func (c *Cache) OnDrain(fn DrainFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drain = fn
}

// Sync starts watching the DPN and interface configuration in s. Existing
// entries are replayed first. The returned function stops both watches.
func (c *Cache) Sync(ctx context.Context, s store.Store) (func(), error) {
	stopDpns, err := s.Watch(ctx, store.PlaneConfig, dpnsPrefix, c.onDpnEvent, store.WithReplay())
	if err != nil {
		return nil, fmt.Errorf("watch dpns: %w", err)
	}
	stopIfaces, err := s.Watch(ctx, store.PlaneConfig, interfacesPrefix, c.onInterfaceEvent, store.WithReplay())
	if err != nil {
		stopDpns()
		return nil, fmt.Errorf("watch tunnel interfaces: %w", err)
	}
	return func() {
		stopDpns()
		stopIfaces()
	}, nil
}

func (c *Cache) onDpnEvent(_ context.Context, ev store.Event) {
	if ev.Type == store.EventRemove {
		var prev DPNTEPsInfo
		if err := ev.DecodePrev(&prev); err != nil {
			c.logger.Warn("undecodable dpn record", slog.String("path", ev.Path), slog.String("error", err.Error()))
			return
		}
		c.mu.Lock()
		delete(c.dpns, prev.DpnID)
		if n := len(c.pending[prev.DpnID]); n > 0 {
			delete(c.pending, prev.DpnID)
			c.npending -= n
			c.metrics.SetPendingEvents(c.npending)
			c.logger.Debug("deferred southbound events discarded with dpn",
				slog.String("dpn_id", prev.DpnID.String()),
				slog.Int("count", n),
			)
		}
		c.mu.Unlock()
		return
	}

	var info DPNTEPsInfo
	if err := ev.Decode(&info); err != nil {
		c.logger.Warn("undecodable dpn record", slog.String("path", ev.Path), slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	c.dpns[info.DpnID] = info
	c.mu.Unlock()
	c.release(info.DpnID)
}

func (c *Cache) onInterfaceEvent(_ context.Context, ev store.Event) {
	if ev.Type == store.EventRemove {
		name := store.Base(ev.Path)
		c.mu.Lock()
		delete(c.interfaces, name)
		c.removed[name] = struct{}{}
		c.dropPendingLocked(name)
		c.reportTunnelsLocked()
		c.mu.Unlock()
		return
	}

	var cfg InterfaceConfig
	if err := ev.Decode(&cfg); err != nil {
		c.logger.Warn("undecodable tunnel interface", slog.String("path", ev.Path), slog.String("error", err.Error()))
		return
	}
	c.mu.Lock()
	c.interfaces[cfg.Name] = cfg
	delete(c.removed, cfg.Name)
	c.reportTunnelsLocked()
	c.mu.Unlock()

	if dpn, ok := cfg.SourceDpn(); ok {
		c.release(dpn)
	}
}

func (c *Cache) reportTunnelsLocked() {
	internal := 0
	for _, cfg := range c.interfaces {
		if cfg.Internal {
			internal++
		}
	}
	c.metrics.SetTunnels(KindInternal, internal)
	c.metrics.SetTunnels(KindExternal, len(c.interfaces)-internal)
}

// release hands the deferred events of dpn to the drain consumer. The
// cache lock is held while draining so that an event resolving
// concurrently cannot overtake the deferred ones.
func (c *Cache) release(dpn DpnID) {
	c.mu.Lock()
	defer c.mu.Unlock()

	events := c.pending[dpn]
	if len(events) == 0 {
		return
	}
	delete(c.pending, dpn)
	c.npending -= len(events)
	c.metrics.SetPendingEvents(c.npending)

	c.logger.Info("replaying deferred southbound events",
		slog.String("dpn_id", dpn.String()),
		slog.Int("count", len(events)),
	)
	if c.drain != nil {
		c.drain(events)
	}
}

// Resolve returns the configuration of the interface ev refers to. When it
// is not known yet, or earlier events for the same interface are still
// deferred, ev is deferred under its DPN id and Resolve reports false; the
// event comes back through the drain consumer once configuration for that
// DPN is observed. An event for an interface whose configuration was
// removed is dropped.
func (c *Cache) Resolve(ev SouthboundEvent) (InterfaceConfig, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	cfg, ok := c.interfaces[ev.Interface()]
	if ok && !c.deferredLocked(ev) {
		return cfg, true
	}
	if _, gone := c.removed[ev.Interface()]; gone {
		c.logger.Debug("southbound event for removed interface dropped",
			slog.String("interface", ev.Interface()),
		)
		return InterfaceConfig{}, false
	}
	c.pending[ev.Dpn()] = append(c.pending[ev.Dpn()], ev)
	c.npending++
	c.metrics.SetPendingEvents(c.npending)

	c.logger.Debug("southbound event deferred until configuration arrives",
		slog.String("dpn_id", ev.Dpn().String()),
		slog.String("interface", ev.Interface()),
	)
	return InterfaceConfig{}, false
}

// Forget discards the deferred events of a tunnel interface and the record
// of its removal. It is called once the interface is gone from the switch.
func (c *Cache) Forget(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.removed, name)
	c.dropPendingLocked(name)
}

func (c *Cache) dropPendingLocked(name string) {
	for dpn, events := range c.pending {
		kept := slices.DeleteFunc(events, func(ev SouthboundEvent) bool {
			return ev.Interface() == name
		})
		c.npending -= len(events) - len(kept)
		if len(kept) == 0 {
			delete(c.pending, dpn)
		} else {
			c.pending[dpn] = kept
		}
	}
	c.metrics.SetPendingEvents(c.npending)
}

func (c *Cache) deferredLocked(ev SouthboundEvent) bool {
	return slices.ContainsFunc(c.pending[ev.Dpn()], func(p SouthboundEvent) bool {
		return p.Interface() == ev.Interface()
	})
}

// Interface returns the cached configuration of a tunnel interface.
func (c *Cache) Interface(name string) (InterfaceConfig, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	cfg, ok := c.interfaces[name]
	return cfg, ok
}

// Interfaces returns every cached tunnel interface, sorted by name.
func (c *Cache) Interfaces() []InterfaceConfig {
	c.mu.RLock()
	out := make([]InterfaceConfig, 0, len(c.interfaces))
	for _, cfg := range c.interfaces {
		out = append(out, cfg)
	}
	c.mu.RUnlock()

	slices.SortFunc(out, func(a, b InterfaceConfig) int {
		return strings.Compare(a.Name, b.Name)
	})
	return out
}

// Dpn returns the cached endpoints of a DPN.
func (c *Cache) Dpn(id DpnID) (DPNTEPsInfo, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	info, ok := c.dpns[id]
	return info, ok
}

// PendingLen returns the number of deferred events.
func (c *Cache) PendingLen() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.npending
}
