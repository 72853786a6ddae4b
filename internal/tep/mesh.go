package tep

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"net/netip"
	"slices"
	"sync"

	"github.com/dantte-lp/gofabric/internal/store"
)

// PoolRange is an id range [Low, High].
type PoolRange struct {
	Low  uint32
	High uint32
}

// DefaultTunnelPool is the id range for tunnel interfaces.
var DefaultTunnelPool = PoolRange{Low: 1, High: 1 << 20}

// MeshOption configures a MeshReconciler.
type MeshOption func(*MeshReconciler)

// WithBFD enables BFD with cfg on every tunnel interface the reconciler
// creates. Interfaces that already carry a BFD configuration keep it.
func WithBFD(cfg BFDConfig) MeshOption {
	return func(r *MeshReconciler) { r.bfd = &cfg }
}

// WithMeshMetrics attaches a metrics reporter.
func WithMeshMetrics(m MetricsReporter) MeshOption {
	return func(r *MeshReconciler) {
		if m != nil {
			r.metrics = m
		}
	}
}

// WithTunnelPool overrides DefaultTunnelPool.
func WithTunnelPool(p PoolRange) MeshOption {
	return func(r *MeshReconciler) { r.tunnelRange = p }
}

// MeshReconciler keeps the tunnel mesh in the store consistent with the
// configured transport zones: every pair of endpoints sharing a zone and a
// tunnel type gets one directed tunnel in each direction.
//
// Each undirected link is written in its own transaction. A failed link is
// logged and counted; the other links of the batch still apply, and the
// failed one is retried by the next reconciliation because the computation
// is idempotent.
type MeshReconciler struct {
	store       store.Store
	ids         IDAllocator
	logger      *slog.Logger
	metrics     MetricsReporter
	bfd         *BFDConfig
	tunnelRange PoolRange

	// mu serializes reconciliations of this instance.
	mu sync.Mutex
}

// NewMeshReconciler creates a reconciler. Call Init before use.
func NewMeshReconciler(s store.Store, ids IDAllocator, logger *slog.Logger, opts ...MeshOption) *MeshReconciler {
	r := &MeshReconciler{
		store:       s,
		ids:         ids,
		logger:      logger.With(slog.String("component", "tep.mesh")),
		metrics:     noopMetrics{},
		tunnelRange: DefaultTunnelPool,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Init creates the tunnel id pool. A failure is logged; tunnel creation
// fails per link until the pool exists.
func (r *MeshReconciler) Init(ctx context.Context) {
	if err := r.ids.CreatePool(ctx, TunnelPool, r.tunnelRange.Low, r.tunnelRange.High); err != nil {
		r.logger.Error("failed to create tunnel id pool, continuing degraded",
			slog.String("pool", TunnelPool),
			slog.String("error", err.Error()),
		)
	}
}

// -------------------------------------------------------------------------
// Transport zones
// -------------------------------------------------------------------------

// ApplyZone creates or replaces a transport zone, updates the endpoints of
// every DPN whose membership changed, and reconciles the tunnels touching
// those DPNs and the zone's devices.
func (r *MeshReconciler) ApplyZone(ctx context.Context, zone TransportZone) error {
	if err := zone.Validate(); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	affected := make(map[string]bool)
	err := store.Update(ctx, r.store, func(tx store.Txn) error {
		clear(affected)

		var prev TransportZone
		found, err := tx.Read(ctx, store.PlaneConfig, zonePath(zone.Name), &prev)
		if err != nil {
			return err
		}
		for _, d := range prev.DeviceVteps {
			affected[d.NodeID] = true
		}
		for _, d := range zone.DeviceVteps {
			affected[d.NodeID] = true
		}
		if found && prev.Type != zone.Type {
			for _, v := range prev.Vteps {
				affected[v.DpnID.String()] = true
			}
		}

		if err := tx.Put(store.PlaneConfig, zonePath(zone.Name), zone); err != nil {
			return err
		}
		return rewriteMembership(ctx, tx, zone.Name, zone.Type, prev.Vteps, zone.Vteps, affected)
	})
	if err != nil {
		return fmt.Errorf("apply zone %s: %w", zone.Name, err)
	}

	r.logger.Info("transport zone applied",
		slog.String("zone", zone.Name),
		slog.String("type", string(zone.Type)),
		slog.Int("vteps", len(zone.Vteps)),
		slog.Int("device_vteps", len(zone.DeviceVteps)),
	)
	return r.reconcile(ctx, affected)
}

// DeleteZone removes a transport zone. A tunnel is torn down only when its
// two ends no longer share any zone.
func (r *MeshReconciler) DeleteZone(ctx context.Context, name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	affected := make(map[string]bool)
	err := store.Update(ctx, r.store, func(tx store.Txn) error {
		clear(affected)

		var prev TransportZone
		found, err := tx.Read(ctx, store.PlaneConfig, zonePath(name), &prev)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("zone %s: %w", name, ErrZoneNotFound)
		}
		for _, d := range prev.DeviceVteps {
			affected[d.NodeID] = true
		}
		tx.Delete(store.PlaneConfig, zonePath(name))
		return rewriteMembership(ctx, tx, name, prev.Type, prev.Vteps, nil, affected)
	})
	if err != nil {
		return err
	}

	r.logger.Info("transport zone deleted", slog.String("zone", name))
	return r.reconcile(ctx, affected)
}

// Zone returns one transport zone.
func (r *MeshReconciler) Zone(ctx context.Context, name string) (TransportZone, error) {
	z, found, err := store.Get[TransportZone](ctx, r.store, store.PlaneConfig, zonePath(name))
	if err != nil {
		return TransportZone{}, fmt.Errorf("read zone %s: %w", name, err)
	}
	if !found {
		return TransportZone{}, fmt.Errorf("zone %s: %w", name, ErrZoneNotFound)
	}
	return z, nil
}

// Zones lists every transport zone, sorted by name.
func (r *MeshReconciler) Zones(ctx context.Context) ([]TransportZone, error) {
	m, err := store.ListAs[TransportZone](ctx, r.store, store.PlaneConfig, zonesPrefix)
	if err != nil {
		return nil, fmt.Errorf("list zones: %w", err)
	}
	return sortedValues(m, func(a, b TransportZone) int { return cmp.Compare(a.Name, b.Name) }), nil
}

// rewriteMembership replaces the membership of zone across the DPNs named
// in before and after. DPNs whose endpoints changed are added to affected.
func rewriteMembership(
	ctx context.Context,
	tx store.Txn,
	zone string,
	typ TunnelType,
	before, after []ZoneVtep,
	affected map[string]bool,
) error {
	dpns := make(map[DpnID]bool)
	for _, v := range before {
		dpns[v.DpnID] = true
	}
	for _, v := range after {
		dpns[v.DpnID] = true
	}

	for _, d := range slices.Sorted(maps.Keys(dpns)) {
		var info DPNTEPsInfo
		found, err := tx.Read(ctx, store.PlaneConfig, dpnPath(d), &info)
		if err != nil {
			return err
		}
		info.DpnID = d

		eps := withoutZone(info.Endpoints, zone)
		for _, v := range after {
			if v.DpnID != d {
				continue
			}
			eps = withZone(eps, TunnelEndPoint{
				DpnID:      d,
				IP:         v.IP,
				PortName:   v.PortName,
				VlanID:     v.VlanID,
				TunnelType: typ,
				TOS:        v.TOS,
			}, zone)
		}

		if !endpointsEqual(info.Endpoints, eps) {
			affected[d.String()] = true
		}
		if err := putDpn(tx, info.DpnID, eps, found); err != nil {
			return err
		}
	}
	return nil
}

func putDpn(tx store.Txn, d DpnID, eps []TunnelEndPoint, exists bool) error {
	if len(eps) == 0 {
		if exists {
			tx.Delete(store.PlaneConfig, dpnPath(d))
		}
		return nil
	}
	return tx.Put(store.PlaneConfig, dpnPath(d), DPNTEPsInfo{DpnID: d, Endpoints: eps})
}

// withoutZone returns eps with zone removed from every membership.
// Endpoints left without a zone are dropped. eps is not modified.
func withoutZone(eps []TunnelEndPoint, zone string) []TunnelEndPoint {
	out := make([]TunnelEndPoint, 0, len(eps))
	for _, ep := range eps {
		zones := slices.DeleteFunc(slices.Clone(ep.Zones), func(z string) bool { return z == zone })
		if len(zones) == 0 {
			continue
		}
		ep.Zones = zones
		out = append(out, ep)
	}
	return out
}

// withZone adds ep with membership in zone. An endpoint with the same
// termination collapses into the existing one.
func withZone(eps []TunnelEndPoint, ep TunnelEndPoint, zone string) []TunnelEndPoint {
	for i := range eps {
		if !eps[i].sameTermination(ep) {
			continue
		}
		if !slices.Contains(eps[i].Zones, zone) {
			zones := append(slices.Clone(eps[i].Zones), zone)
			slices.Sort(zones)
			eps[i].Zones = zones
		}
		return eps
	}

	ep.Zones = []string{zone}
	eps = append(eps, ep)
	slices.SortFunc(eps, compareEndpoints)
	return eps
}

func compareEndpoints(a, b TunnelEndPoint) int {
	return cmp.Or(
		a.IP.Compare(b.IP),
		cmp.Compare(a.PortName, b.PortName),
		cmp.Compare(a.TunnelType, b.TunnelType),
	)
}

func endpointsEqual(a, b []TunnelEndPoint) bool {
	return slices.EqualFunc(a, b, func(x, y TunnelEndPoint) bool {
		return x.sameTermination(y) &&
			x.VlanID == y.VlanID &&
			x.TOS == y.TOS &&
			slices.Equal(x.Zones, y.Zones)
	})
}

// -------------------------------------------------------------------------
// Endpoints
// -------------------------------------------------------------------------

// AddEndpoints adds endpoints, with their zone memberships, to their DPNs
// and meshes them.
func (r *MeshReconciler) AddEndpoints(ctx context.Context, eps ...TunnelEndPoint) error {
	for _, ep := range eps {
		if !ep.IP.IsValid() || !ep.TunnelType.Valid() || len(ep.Zones) == 0 {
			return fmt.Errorf("endpoint %s/%s: %w", ep.DpnID, ep.IP, ErrInvalidEndpoint)
		}
	}
	return r.updateEndpoints(ctx, eps, func(cur []TunnelEndPoint, ep TunnelEndPoint) []TunnelEndPoint {
		for _, z := range ep.Zones {
			cur = withZone(cur, ep, z)
		}
		return cur
	})
}

// RemoveEndpoints removes the listed zone memberships of endpoints. An
// endpoint given without zones is removed entirely.
func (r *MeshReconciler) RemoveEndpoints(ctx context.Context, eps ...TunnelEndPoint) error {
	return r.updateEndpoints(ctx, eps, func(cur []TunnelEndPoint, ep TunnelEndPoint) []TunnelEndPoint {
		out := make([]TunnelEndPoint, 0, len(cur))
		for _, o := range cur {
			if !o.sameTermination(ep) {
				out = append(out, o)
				continue
			}
			if len(ep.Zones) == 0 {
				continue
			}
			o.Zones = slices.DeleteFunc(slices.Clone(o.Zones), func(z string) bool {
				return slices.Contains(ep.Zones, z)
			})
			if len(o.Zones) > 0 {
				out = append(out, o)
			}
		}
		return out
	})
}

func (r *MeshReconciler) updateEndpoints(
	ctx context.Context,
	eps []TunnelEndPoint,
	apply func([]TunnelEndPoint, TunnelEndPoint) []TunnelEndPoint,
) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	byDpn := make(map[DpnID][]TunnelEndPoint)
	for _, ep := range eps {
		byDpn[ep.DpnID] = append(byDpn[ep.DpnID], ep)
	}

	affected := make(map[string]bool)
	err := store.Update(ctx, r.store, func(tx store.Txn) error {
		clear(affected)
		for _, d := range slices.Sorted(maps.Keys(byDpn)) {
			var info DPNTEPsInfo
			found, err := tx.Read(ctx, store.PlaneConfig, dpnPath(d), &info)
			if err != nil {
				return err
			}
			cur := slices.Clone(info.Endpoints)
			for _, ep := range byDpn[d] {
				ep.DpnID = d
				cur = apply(cur, ep)
			}
			if !endpointsEqual(info.Endpoints, cur) {
				affected[d.String()] = true
			}
			if err := putDpn(tx, d, cur, found); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("update endpoints: %w", err)
	}
	return r.reconcile(ctx, affected)
}

// AddExternalEndpoint meshes a DC gateway with every DPN endpoint of the
// same tunnel type. Tunnels run from the DPNs to the gateway only.
func (r *MeshReconciler) AddExternalEndpoint(ctx context.Context, ip netip.Addr, t TunnelType) error {
	if !ip.IsValid() || !t.Valid() {
		return fmt.Errorf("external endpoint %s/%s: %w", ip, t, ErrInvalidEndpoint)
	}
	ext := ExternalEndpoint{IP: ip, TunnelType: t}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := store.Update(ctx, r.store, func(tx store.Txn) error {
		return tx.Put(store.PlaneConfig, externalEndpointPath(ext), ext)
	})
	if err != nil {
		return fmt.Errorf("add external endpoint %s: %w", ip, err)
	}
	r.logger.Info("external endpoint added", slog.String("ip", ip.String()), slog.String("type", string(t)))
	return r.reconcile(ctx, map[string]bool{ip.String(): true})
}

// RemoveExternalEndpoint removes a DC gateway and its tunnels.
func (r *MeshReconciler) RemoveExternalEndpoint(ctx context.Context, ip netip.Addr, t TunnelType) error {
	ext := ExternalEndpoint{IP: ip, TunnelType: t}

	r.mu.Lock()
	defer r.mu.Unlock()

	err := store.Update(ctx, r.store, func(tx store.Txn) error {
		var cur ExternalEndpoint
		found, err := tx.Read(ctx, store.PlaneConfig, externalEndpointPath(ext), &cur)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("external endpoint %s/%s: %w", ip, t, ErrEndpointNotFound)
		}
		tx.Delete(store.PlaneConfig, externalEndpointPath(ext))
		return nil
	})
	if err != nil {
		return err
	}
	r.logger.Info("external endpoint removed", slog.String("ip", ip.String()), slog.String("type", string(t)))
	return r.reconcile(ctx, map[string]bool{ip.String(): true})
}

// -------------------------------------------------------------------------
// Reconciliation
// -------------------------------------------------------------------------

// Resync recomputes the whole mesh from configuration and converges the
// stored tunnels onto it.
func (r *MeshReconciler) Resync(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.reconcile(ctx, nil)
}

// Run resyncs once and then again on every zone or external endpoint
// change, until ctx is cancelled. On a clustered store only the leader
// reacts to changes. Bursts of changes coalesce into one resync.
func (r *MeshReconciler) Run(ctx context.Context) error {
	trigger := make(chan struct{}, 1)
	poke := func(context.Context, store.Event) {
		select {
		case trigger <- struct{}{}:
		default:
		}
	}

	for _, prefix := range []string{zonesPrefix, externalEndpointsPath} {
		stop, err := r.store.Watch(ctx, store.PlaneConfig, prefix, poke, store.Clustered())
		if err != nil {
			return fmt.Errorf("watch %s: %w", prefix, err)
		}
		defer stop()
	}

	poke(ctx, store.Event{})
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-trigger:
		}
		if err := r.Resync(ctx); err != nil && ctx.Err() == nil {
			r.logger.Warn("mesh resync incomplete, retrying on next change",
				slog.String("error", err.Error()),
			)
		}
	}
}

// end is one side of a directed tunnel.
type end struct {
	node   string
	dpn    DpnID
	device DeviceType
	ip     netip.Addr
	port   string
	vlan   uint16
	tos    uint8
}

func dpnEnd(ep TunnelEndPoint) end {
	return end{
		node:   ep.DpnID.String(),
		dpn:    ep.DpnID,
		device: DeviceOVSDB,
		ip:     ep.IP,
		port:   ep.PortName,
		vlan:   ep.VlanID,
		tos:    ep.TOS,
	}
}

// directed is one desired tunnel.
type directed struct {
	src, dst end
	typ      TunnelType
}

func (d directed) internal() bool {
	return d.src.device == DeviceOVSDB && d.dst.device == DeviceOVSDB
}

func (d directed) path() string {
	if d.internal() {
		return internalTunnelPath(d.src.dpn, d.dst.dpn, d.typ)
	}
	return externalTunnelPath(d.src.node, d.dst.node, d.typ)
}

func (d directed) name() string {
	return DeriveInterfaceName(d.src.node, d.src.ip, d.dst.ip, d.typ)
}

func (d directed) link() string {
	return linkKey(d.src.node, d.dst.node, d.typ)
}

func (d directed) interfaceConfig(name string, id uint32, bfd *BFDConfig) InterfaceConfig {
	cfg := InterfaceConfig{
		Name:         name,
		ID:           id,
		Type:         d.typ,
		Internal:     d.internal(),
		Source:       d.src.node,
		Destination:  d.dst.node,
		RemoteDevice: d.dst.device,
		LocalIP:      d.src.ip,
		RemoteIP:     d.dst.ip,
		PortName:     d.src.port,
		VlanID:       d.src.vlan,
		TOS:          d.src.tos,
	}
	if bfd != nil {
		b := *bfd
		cfg.BFD = &b
	}
	return cfg
}

func (d directed) record(name string) any {
	if d.internal() {
		return InternalTunnel{Source: d.src.dpn, Destination: d.dst.dpn, Type: d.typ, InterfaceName: name}
	}
	return ExternalTunnel{Source: d.src.node, Destination: d.dst.node, Type: d.typ, InterfaceName: name}
}

// stored is one tunnel found in the store, with its interface record
// when present.
type stored struct {
	path     string
	name     string
	src, dst string
	link     string
	cfg      InterfaceConfig
	hasCfg   bool
}

// current reports whether the stored tunnel already realizes w: same
// interface name and an interface record matching the endpoints of w.
// The pool id and the BFD block are owned by the record and not compared.
func (h stored) current(w directed) bool {
	if h.name != w.name() || !h.hasCfg {
		return false
	}
	have, want := h.cfg, w.interfaceConfig(h.name, h.cfg.ID, nil)
	have.BFD = nil
	return have == want
}

// linkKey groups the two directions of a link.
func linkKey(a, b string, t TunnelType) string {
	if b < a {
		a, b = b, a
	}
	return a + "|" + b + "|" + string(t)
}

func (r *MeshReconciler) reconcile(ctx context.Context, scope map[string]bool) error {
	want, err := r.desired(ctx)
	if err != nil {
		return fmt.Errorf("compute mesh: %w", err)
	}
	have, err := r.existing(ctx)
	if err != nil {
		return fmt.Errorf("read tunnels: %w", err)
	}
	inScope := func(a, b string) bool {
		return scope == nil || scope[a] || scope[b]
	}

	removals := make(map[string][]stored)
	for path, h := range have {
		if !inScope(h.src, h.dst) {
			continue
		}
		if w, ok := want[path]; ok && w.name() == h.name {
			continue
		}
		removals[h.link] = append(removals[h.link], h)
	}

	additions := make(map[string][]directed)
	updated := 0
	for path, w := range want {
		if !inScope(w.src.node, w.dst.node) {
			continue
		}
		h, ok := have[path]
		if ok && h.current(w) {
			continue
		}
		if ok && h.name == w.name() {
			updated++
		}
		additions[w.link()] = append(additions[w.link()], w)
	}

	var errs []error
	for _, link := range slices.Sorted(maps.Keys(removals)) {
		if err := r.removeLink(ctx, removals[link]); err != nil {
			errs = append(errs, r.linkFailed(link, "remove", err))
		}
	}
	for _, link := range slices.Sorted(maps.Keys(additions)) {
		if err := r.createLink(ctx, additions[link]); err != nil {
			errs = append(errs, r.linkFailed(link, "create", err))
		}
	}

	if len(removals) > 0 || len(additions) > 0 {
		r.logger.Info("tunnel mesh reconciled",
			slog.Int("links_written", len(additions)),
			slog.Int("tunnels_updated", updated),
			slog.Int("links_removed", len(removals)),
			slog.Int("failures", len(errs)),
		)
	}
	return errors.Join(errs...)
}

func (r *MeshReconciler) linkFailed(link, op string, err error) error {
	r.metrics.MeshFailure()
	r.logger.Error("tunnel link update failed",
		slog.String("tunnel", link),
		slog.String("op", op),
		slog.String("error", err.Error()),
	)
	return fmt.Errorf("%s link %s: %w", op, link, err)
}

// desired computes the full mesh from configuration, keyed by tunnel path.
func (r *MeshReconciler) desired(ctx context.Context) (map[string]directed, error) {
	dpnMap, err := store.ListAs[DPNTEPsInfo](ctx, r.store, store.PlaneConfig, dpnsPrefix)
	if err != nil {
		return nil, err
	}
	zoneMap, err := store.ListAs[TransportZone](ctx, r.store, store.PlaneConfig, zonesPrefix)
	if err != nil {
		return nil, err
	}
	gwMap, err := store.ListAs[ExternalEndpoint](ctx, r.store, store.PlaneConfig, externalEndpointsPath)
	if err != nil {
		return nil, err
	}

	dpns := sortedValues(dpnMap, func(a, b DPNTEPsInfo) int { return cmp.Compare(a.DpnID, b.DpnID) })
	zones := sortedValues(zoneMap, func(a, b TransportZone) int { return cmp.Compare(a.Name, b.Name) })
	gws := sortedValues(gwMap, func(a, b ExternalEndpoint) int {
		return cmp.Or(a.IP.Compare(b.IP), cmp.Compare(a.TunnelType, b.TunnelType))
	})
	return computeMesh(dpns, zones, gws), nil
}

// computeMesh is the pure mesh computation. Inputs must be sorted so that
// the first matching endpoint pair wins deterministically.
func computeMesh(dpns []DPNTEPsInfo, zones []TransportZone, gws []ExternalEndpoint) map[string]directed {
	out := make(map[string]directed)
	add := func(d directed) {
		if _, ok := out[d.path()]; !ok {
			out[d.path()] = d
		}
	}

	// DPN to DPN: one link per tunnel type for every pair sharing a zone.
	for i, a := range dpns {
		for _, b := range dpns[i+1:] {
			seen := make(map[TunnelType]bool)
			for _, ea := range a.Endpoints {
				for _, eb := range b.Endpoints {
					if ea.TunnelType != eb.TunnelType || seen[ea.TunnelType] || !ea.sharesZone(eb) {
						continue
					}
					seen[ea.TunnelType] = true
					add(directed{src: dpnEnd(ea), dst: dpnEnd(eb), typ: ea.TunnelType})
					add(directed{src: dpnEnd(eb), dst: dpnEnd(ea), typ: ea.TunnelType})
				}
			}
		}
	}

	// DPN to hardware VTEP, both directions.
	for _, z := range zones {
		for _, dev := range z.DeviceVteps {
			de := end{node: dev.NodeID, device: DeviceHWVTEP, ip: dev.IP}
			for _, info := range dpns {
				for _, ep := range info.Endpoints {
					if ep.TunnelType != z.Type || !slices.Contains(ep.Zones, z.Name) {
						continue
					}
					add(directed{src: dpnEnd(ep), dst: de, typ: z.Type})
					add(directed{src: de, dst: dpnEnd(ep), typ: z.Type})
				}
			}
		}
	}

	// DPN to DC gateway.
	for _, gw := range gws {
		ge := end{node: gw.IP.String(), device: DeviceIP, ip: gw.IP}
		for _, info := range dpns {
			for _, ep := range info.Endpoints {
				if ep.TunnelType == gw.TunnelType {
					add(directed{src: dpnEnd(ep), dst: ge, typ: gw.TunnelType})
				}
			}
		}
	}
	return out
}

func (r *MeshReconciler) existing(ctx context.Context) (map[string]stored, error) {
	tx := r.store.NewTxn()
	defer tx.Cancel()

	out := make(map[string]stored)

	internal, err := tx.List(ctx, store.PlaneConfig, internalTunnelsPrefix)
	if err != nil {
		return nil, err
	}
	for _, e := range internal {
		var t InternalTunnel
		if err := e.Decode(&t); err != nil {
			return nil, err
		}
		src, dst := t.Source.String(), t.Destination.String()
		out[e.Path] = stored{path: e.Path, name: t.InterfaceName, src: src, dst: dst, link: linkKey(src, dst, t.Type)}
	}

	external, err := tx.List(ctx, store.PlaneConfig, externalTunnelsPrefix)
	if err != nil {
		return nil, err
	}
	for _, e := range external {
		var t ExternalTunnel
		if err := e.Decode(&t); err != nil {
			return nil, err
		}
		out[e.Path] = stored{
			path: e.Path,
			name: t.InterfaceName,
			src:  t.Source,
			dst:  t.Destination,
			link: linkKey(t.Source, t.Destination, t.Type),
		}
	}

	for path, h := range out {
		found, err := tx.Read(ctx, store.PlaneConfig, InterfacePath(h.name), &h.cfg)
		if err != nil {
			return nil, err
		}
		h.hasCfg = found
		out[path] = h
	}
	return out, nil
}

// createLink allocates ids and writes both directions of one link, with
// their interface records, in one transaction.
func (r *MeshReconciler) createLink(ctx context.Context, ds []directed) error {
	type planned struct {
		d    directed
		name string
		id   uint32
	}
	plans := make([]planned, 0, len(ds))
	for _, d := range ds {
		name := d.name()
		id, err := r.ids.Allocate(ctx, TunnelPool, name)
		if err != nil {
			return fmt.Errorf("allocate id for %s: %w", name, err)
		}
		plans = append(plans, planned{d: d, name: name, id: id})
	}

	return store.Update(ctx, r.store, func(tx store.Txn) error {
		for _, p := range plans {
			cfg := p.d.interfaceConfig(p.name, p.id, r.bfd)

			var cur InterfaceConfig
			found, err := tx.Read(ctx, store.PlaneConfig, InterfacePath(p.name), &cur)
			if err != nil {
				return err
			}
			if found && cur.BFD != nil {
				cfg.BFD = cur.BFD
			}

			if err := tx.Put(store.PlaneConfig, InterfacePath(p.name), cfg); err != nil {
				return err
			}
			if err := tx.Put(store.PlaneConfig, p.d.path(), p.d.record(p.name)); err != nil {
				return err
			}
		}
		return nil
	})
}

// removeLink deletes the tunnels of one link and their interface records,
// then releases their ids.
func (r *MeshReconciler) removeLink(ctx context.Context, hs []stored) error {
	err := store.Update(ctx, r.store, func(tx store.Txn) error {
		for _, h := range hs {
			tx.Delete(store.PlaneConfig, h.path)
			tx.Delete(store.PlaneConfig, InterfacePath(h.name))
		}
		return nil
	})
	if err != nil {
		return err
	}

	for _, h := range hs {
		if err := r.ids.Release(ctx, TunnelPool, h.name); err != nil {
			r.logger.Warn("failed to release tunnel id",
				slog.String("tunnel", h.name),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil
}

// -------------------------------------------------------------------------
// Queries
// -------------------------------------------------------------------------

// InternalTunnels lists every DPN-to-DPN tunnel, sorted by source,
// destination and type.
func (r *MeshReconciler) InternalTunnels(ctx context.Context) ([]InternalTunnel, error) {
	m, err := store.ListAs[InternalTunnel](ctx, r.store, store.PlaneConfig, internalTunnelsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list internal tunnels: %w", err)
	}
	return sortedValues(m, func(a, b InternalTunnel) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.Destination, b.Destination), cmp.Compare(a.Type, b.Type))
	}), nil
}

// ExternalTunnels lists every tunnel to or from an external device.
func (r *MeshReconciler) ExternalTunnels(ctx context.Context) ([]ExternalTunnel, error) {
	m, err := store.ListAs[ExternalTunnel](ctx, r.store, store.PlaneConfig, externalTunnelsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list external tunnels: %w", err)
	}
	return sortedValues(m, func(a, b ExternalTunnel) int {
		return cmp.Or(cmp.Compare(a.Source, b.Source), cmp.Compare(a.Destination, b.Destination), cmp.Compare(a.Type, b.Type))
	}), nil
}

// Dpns lists the endpoint aggregates of every DPN.
func (r *MeshReconciler) Dpns(ctx context.Context) ([]DPNTEPsInfo, error) {
	m, err := store.ListAs[DPNTEPsInfo](ctx, r.store, store.PlaneConfig, dpnsPrefix)
	if err != nil {
		return nil, fmt.Errorf("list dpns: %w", err)
	}
	return sortedValues(m, func(a, b DPNTEPsInfo) int { return cmp.Compare(a.DpnID, b.DpnID) }), nil
}

func sortedValues[K comparable, V any](m map[K]V, cmpFn func(a, b V) int) []V {
	out := make([]V, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	slices.SortFunc(out, cmpFn)
	return out
}
