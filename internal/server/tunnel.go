package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/netip"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gofabric/internal/tep"
	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

var errAddressRequired = errors.New("address required")

// TunnelServer serves TunnelService.
type TunnelServer struct {
	mesh   Mesh
	states TunnelStates
	logger *slog.Logger
}

// NewTunnel creates the TunnelService handler and returns its mount path.
func NewTunnel(mesh Mesh, states TunnelStates, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	s := &TunnelServer{
		mesh:   mesh,
		states: states,
		logger: logger.With(slog.String("component", "server.tunnel")),
	}
	opts = handlerOptions(opts)

	return servicePath(fabricapi.TunnelServiceName), serviceMux{
		fabricapi.ApplyTransportZoneProcedure:     unaryHandler(fabricapi.ApplyTransportZoneProcedure, s.ApplyTransportZone, opts),
		fabricapi.DeleteTransportZoneProcedure:    unaryHandler(fabricapi.DeleteTransportZoneProcedure, s.DeleteTransportZone, opts),
		fabricapi.ListTransportZonesProcedure:     unaryHandler(fabricapi.ListTransportZonesProcedure, s.ListTransportZones, opts),
		fabricapi.ListTunnelsProcedure:            unaryHandler(fabricapi.ListTunnelsProcedure, s.ListTunnels, opts),
		fabricapi.TunnelStateProcedure:            unaryHandler(fabricapi.TunnelStateProcedure, s.TunnelState, opts),
		fabricapi.AddExternalEndpointProcedure:    unaryHandler(fabricapi.AddExternalEndpointProcedure, s.AddExternalEndpoint, opts),
		fabricapi.RemoveExternalEndpointProcedure: unaryHandler(fabricapi.RemoveExternalEndpointProcedure, s.RemoveExternalEndpoint, opts),
	}
}

// ApplyTransportZone creates or replaces a transport zone.
func (s *TunnelServer) ApplyTransportZone(ctx context.Context, req *fabricapi.ApplyTransportZoneRequest) (*fabricapi.Empty, error) {
	zone, err := zoneFromAPI(req.Zone)
	if err != nil {
		return nil, err
	}
	if err := s.mesh.ApplyZone(ctx, zone); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "transport zone applied via API",
		slog.String("zone", zone.Name),
		slog.Int("vteps", len(zone.Vteps)),
	)
	return &fabricapi.Empty{}, nil
}

// DeleteTransportZone deletes a transport zone.
func (s *TunnelServer) DeleteTransportZone(ctx context.Context, req *fabricapi.DeleteTransportZoneRequest) (*fabricapi.Empty, error) {
	if err := s.mesh.DeleteZone(ctx, req.Name); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "transport zone deleted via API", slog.String("zone", req.Name))
	return &fabricapi.Empty{}, nil
}

// ListTransportZones lists every transport zone.
func (s *TunnelServer) ListTransportZones(ctx context.Context, _ *fabricapi.Empty) (*fabricapi.ListTransportZonesResponse, error) {
	zones, err := s.mesh.Zones(ctx)
	if err != nil {
		return nil, err
	}
	resp := &fabricapi.ListTransportZonesResponse{Zones: make([]fabricapi.TransportZone, 0, len(zones))}
	for _, z := range zones {
		resp.Zones = append(resp.Zones, zoneToAPI(z))
	}
	return resp, nil
}

// ListTunnels lists internal tunnels followed by external tunnels.
func (s *TunnelServer) ListTunnels(ctx context.Context, _ *fabricapi.Empty) (*fabricapi.ListTunnelsResponse, error) {
	internal, err := s.mesh.InternalTunnels(ctx)
	if err != nil {
		return nil, err
	}
	external, err := s.mesh.ExternalTunnels(ctx)
	if err != nil {
		return nil, err
	}

	resp := &fabricapi.ListTunnelsResponse{
		Tunnels: make([]fabricapi.Tunnel, 0, len(internal)+len(external)),
	}
	for _, t := range internal {
		resp.Tunnels = append(resp.Tunnels, fabricapi.Tunnel{
			InterfaceName: t.InterfaceName,
			Type:          string(t.Type),
			Source:        t.Source.String(),
			Destination:   t.Destination.String(),
			Internal:      true,
		})
	}
	for _, t := range external {
		resp.Tunnels = append(resp.Tunnels, fabricapi.Tunnel{
			InterfaceName: t.InterfaceName,
			Type:          string(t.Type),
			Source:        t.Source,
			Destination:   t.Destination,
		})
	}
	return resp, nil
}

// TunnelState returns operational tunnel state.
func (s *TunnelServer) TunnelState(ctx context.Context, req *fabricapi.TunnelStateRequest) (*fabricapi.TunnelStateResponse, error) {
	if req.InterfaceName != "" {
		st, err := s.states.State(ctx, req.InterfaceName)
		if err != nil {
			return nil, err
		}
		return &fabricapi.TunnelStateResponse{States: []fabricapi.TunnelState{tunnelStateToAPI(st)}}, nil
	}

	sts, err := s.states.States(ctx)
	if err != nil {
		return nil, err
	}
	resp := &fabricapi.TunnelStateResponse{States: make([]fabricapi.TunnelState, 0, len(sts))}
	for _, st := range sts {
		resp.States = append(resp.States, tunnelStateToAPI(st))
	}
	return resp, nil
}

// AddExternalEndpoint meshes every DPN of the tunnel type with a DC
// gateway.
func (s *TunnelServer) AddExternalEndpoint(ctx context.Context, req *fabricapi.ExternalEndpointRequest) (*fabricapi.Empty, error) {
	ip, t, err := externalFromAPI(req)
	if err != nil {
		return nil, err
	}
	if err := s.mesh.AddExternalEndpoint(ctx, ip, t); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "external endpoint added via API",
		slog.String("ip", ip.String()),
		slog.String("type", string(t)),
	)
	return &fabricapi.Empty{}, nil
}

// RemoveExternalEndpoint removes the tunnels to a DC gateway.
func (s *TunnelServer) RemoveExternalEndpoint(ctx context.Context, req *fabricapi.ExternalEndpointRequest) (*fabricapi.Empty, error) {
	ip, t, err := externalFromAPI(req)
	if err != nil {
		return nil, err
	}
	if err := s.mesh.RemoveExternalEndpoint(ctx, ip, t); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "external endpoint removed via API", slog.String("ip", ip.String()))
	return &fabricapi.Empty{}, nil
}

func externalFromAPI(req *fabricapi.ExternalEndpointRequest) (netip.Addr, tep.TunnelType, error) {
	ip, err := parseAddr("ip", req.IP)
	if err != nil {
		return netip.Addr{}, "", err
	}
	if !ip.IsValid() {
		return netip.Addr{}, "", invalidArgument("ip", errAddressRequired)
	}
	t, err := tep.ParseTunnelType(req.TunnelType)
	if err != nil {
		return netip.Addr{}, "", err
	}
	return ip, t, nil
}
