package southbound

import (
	"context"
	"log/slog"

	"github.com/dantte-lp/gofabric/internal/netio"
	"github.com/dantte-lp/gofabric/internal/tep"
)

// TunnelStates consumes tunnel port events. tep.StateTracker implements it.
type TunnelStates interface {
	HandleNodeConnector(ev tep.NodeConnectorEvent)
	HandleBFDStatus(ev tep.BFDStatusEvent)
}

// LivenessEvents consumes link and session transitions. aliveness.Engine
// implements it.
type LivenessEvents interface {
	InterfaceStateChanged(ctx context.Context, ifName string, up bool)
	SessionStatusChanged(ctx context.Context, ifName string, up bool)
}

// Router fans southbound events out to the tunnel state tracker and the
// aliveness engine.
type Router struct {
	states   TunnelStates
	liveness LivenessEvents
	logger   *slog.Logger
}

// NewRouter creates a Router.
func NewRouter(states TunnelStates, liveness LivenessEvents, logger *slog.Logger) *Router {
	return &Router{
		states:   states,
		liveness: liveness,
		logger:   logger.With(slog.String("component", "southbound.router")),
	}
}

// Dispatch implements EventSink. Tunnel port link transitions also reach
// the engine, since OVS tunnel ports are invisible to netlink.
func (r *Router) Dispatch(ctx context.Context, ev tep.SouthboundEvent) {
	switch ev := ev.(type) {
	case tep.NodeConnectorEvent:
		r.states.HandleNodeConnector(ev)
		up := ev.Change != tep.ConnectorRemove && ev.LinkUp
		r.liveness.InterfaceStateChanged(ctx, ev.InterfaceName, up)
	case tep.BFDStatusEvent:
		r.states.HandleBFDStatus(ev)
		r.liveness.SessionStatusChanged(ctx, ev.InterfaceName, ev.Up)
	default:
		r.logger.Warn("unknown southbound event", slog.String("interface", ev.Interface()))
	}
}

// RunLinks forwards host link transitions to the engine until events is
// closed or ctx is cancelled.
func (r *Router) RunLinks(ctx context.Context, events <-chan netio.InterfaceEvent) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.logger.Info("link state changed",
				slog.String("interface", ev.IfName),
				slog.Bool("up", ev.Up),
			)
			r.liveness.InterfaceStateChanged(ctx, ev.IfName, ev.Up)
		}
	}
}
