// Package server implements the ConnectRPC services of the fabric daemon.
//
// Each service is a thin adapter between the fabricapi messages and the
// internal aliveness and tep domains. Handlers are mounted on a mux with
// the (path, handler) pair returned by NewAliveness and NewTunnel.
package server

import (
	"context"
	"net/http"
	"net/netip"
	"strings"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/tep"
	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

// Aliveness is the part of the aliveness engine served over the API.
type Aliveness interface {
	MonitorStart(ctx context.Context, cfg aliveness.MonitoringInfo) (aliveness.StartResult, error)
	MonitorStop(ctx context.Context, id uint32) error
	MonitorPause(ctx context.Context, id uint32) error
	MonitorUnpause(ctx context.Context, id uint32) error
	State(ctx context.Context, id uint32) (aliveness.MonitoringState, error)
	Monitors(ctx context.Context) ([]aliveness.MonitorSnapshot, error)

	ProfileCreate(ctx context.Context, p aliveness.Profile) (aliveness.ProfileResult, error)
	ProfileGet(ctx context.Context, p aliveness.Profile) (uint32, error)
	Profile(ctx context.Context, id uint32) (aliveness.Profile, error)
	Profiles(ctx context.Context) ([]aliveness.Profile, error)
	ProfileDelete(ctx context.Context, id uint32) error

	Subscribe(buffer int) (<-chan aliveness.MonitorEvent, func())
}

// Mesh is the part of the tunnel mesh reconciler served over the API.
type Mesh interface {
	ApplyZone(ctx context.Context, zone tep.TransportZone) error
	DeleteZone(ctx context.Context, name string) error
	Zones(ctx context.Context) ([]tep.TransportZone, error)
	InternalTunnels(ctx context.Context) ([]tep.InternalTunnel, error)
	ExternalTunnels(ctx context.Context) ([]tep.ExternalTunnel, error)
	AddExternalEndpoint(ctx context.Context, ip netip.Addr, t tep.TunnelType) error
	RemoveExternalEndpoint(ctx context.Context, ip netip.Addr, t tep.TunnelType) error
}

// TunnelStates reads the operational tunnel records.
type TunnelStates interface {
	State(ctx context.Context, name string) (tep.StateTunnel, error)
	States(ctx context.Context) ([]tep.StateTunnel, error)
}

// -------------------------------------------------------------------------
// Routing
// -------------------------------------------------------------------------

// serviceMux routes requests of one service to its procedure handlers.
type serviceMux map[string]http.Handler

func (m serviceMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h, ok := m[r.URL.Path]
	if !ok {
		http.NotFound(w, r)
		return
	}
	h.ServeHTTP(w, r)
}

func servicePath(name string) string {
	return "/" + name + "/"
}

// handlerOptions prepends the API codec to caller options.
func handlerOptions(opts []connect.HandlerOption) []connect.HandlerOption {
	return append([]connect.HandlerOption{fabricapi.WithCodec()}, opts...)
}

func unaryHandler[Req, Res any](
	procedure string,
	fn func(context.Context, *Req) (*Res, error),
	opts []connect.HandlerOption,
) http.Handler {
	return connect.NewUnaryHandler(procedure,
		func(ctx context.Context, req *connect.Request[Req]) (*connect.Response[Res], error) {
			res, err := fn(ctx, req.Msg)
			if err != nil {
				return nil, toConnectError(err)
			}
			return connect.NewResponse(res), nil
		},
		opts...,
	)
}

// parseAddr parses an optional IP address. The empty string yields the
// zero Addr.
func parseAddr(field, s string) (netip.Addr, error) {
	if strings.TrimSpace(s) == "" {
		return netip.Addr{}, nil
	}
	a, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, invalidArgument(field, err)
	}
	return a, nil
}
