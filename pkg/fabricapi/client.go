package fabricapi

import (
	"context"
	"fmt"
	"strings"

	"connectrpc.com/connect"
)

// -------------------------------------------------------------------------
// AlivenessClient
// -------------------------------------------------------------------------

// AlivenessClient is a typed client for AlivenessService.
type AlivenessClient struct {
	monitorStart   *connect.Client[MonitorStartRequest, MonitorStartResponse]
	monitorStop    *connect.Client[MonitorRequest, Empty]
	monitorPause   *connect.Client[MonitorRequest, Empty]
	monitorUnpause *connect.Client[MonitorRequest, Empty]
	monitorState   *connect.Client[MonitorRequest, MonitorState]
	listMonitors   *connect.Client[Empty, ListMonitorsResponse]
	profileCreate  *connect.Client[ProfileCreateRequest, ProfileCreateResponse]
	profileGet     *connect.Client[ProfileGetRequest, ProfileResponse]
	profileDelete  *connect.Client[ProfileDeleteRequest, Empty]
	listProfiles   *connect.Client[Empty, ListProfilesResponse]
	watchEvents    *connect.Client[WatchMonitorEventsRequest, MonitorEvent]
}

// NewAlivenessClient creates an AlivenessService client for the daemon at
// baseURL (e.g. "http://localhost:50052").
func NewAlivenessClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *AlivenessClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{WithCodec()}, opts...)
	return &AlivenessClient{
		monitorStart:   connect.NewClient[MonitorStartRequest, MonitorStartResponse](httpClient, baseURL+MonitorStartProcedure, opts...),
		monitorStop:    connect.NewClient[MonitorRequest, Empty](httpClient, baseURL+MonitorStopProcedure, opts...),
		monitorPause:   connect.NewClient[MonitorRequest, Empty](httpClient, baseURL+MonitorPauseProcedure, opts...),
		monitorUnpause: connect.NewClient[MonitorRequest, Empty](httpClient, baseURL+MonitorUnpauseProcedure, opts...),
		monitorState:   connect.NewClient[MonitorRequest, MonitorState](httpClient, baseURL+MonitorStateProcedure, opts...),
		listMonitors:   connect.NewClient[Empty, ListMonitorsResponse](httpClient, baseURL+ListMonitorsProcedure, opts...),
		profileCreate:  connect.NewClient[ProfileCreateRequest, ProfileCreateResponse](httpClient, baseURL+ProfileCreateProcedure, opts...),
		profileGet:     connect.NewClient[ProfileGetRequest, ProfileResponse](httpClient, baseURL+ProfileGetProcedure, opts...),
		profileDelete:  connect.NewClient[ProfileDeleteRequest, Empty](httpClient, baseURL+ProfileDeleteProcedure, opts...),
		listProfiles:   connect.NewClient[Empty, ListProfilesResponse](httpClient, baseURL+ListProfilesProcedure, opts...),
		watchEvents:    connect.NewClient[WatchMonitorEventsRequest, MonitorEvent](httpClient, baseURL+WatchMonitorEventsProcedure, opts...),
	}
}

// MonitorStart starts a monitor.
func (c *AlivenessClient) MonitorStart(ctx context.Context, req *MonitorStartRequest) (*MonitorStartResponse, error) {
	return unary(ctx, c.monitorStart, req)
}

// MonitorStop stops a monitor.
func (c *AlivenessClient) MonitorStop(ctx context.Context, id uint32) error {
	_, err := unary(ctx, c.monitorStop, &MonitorRequest{MonitorID: id})
	return err
}

// MonitorPause pauses a monitor.
func (c *AlivenessClient) MonitorPause(ctx context.Context, id uint32) error {
	_, err := unary(ctx, c.monitorPause, &MonitorRequest{MonitorID: id})
	return err
}

// MonitorUnpause resumes a paused monitor.
func (c *AlivenessClient) MonitorUnpause(ctx context.Context, id uint32) error {
	_, err := unary(ctx, c.monitorUnpause, &MonitorRequest{MonitorID: id})
	return err
}

// MonitorState returns the state of a monitor.
func (c *AlivenessClient) MonitorState(ctx context.Context, id uint32) (*MonitorState, error) {
	return unary(ctx, c.monitorState, &MonitorRequest{MonitorID: id})
}

// ListMonitors lists every monitor.
func (c *AlivenessClient) ListMonitors(ctx context.Context) (*ListMonitorsResponse, error) {
	return unary(ctx, c.listMonitors, &Empty{})
}

// ProfileCreate creates a profile or returns the identical existing one.
func (c *AlivenessClient) ProfileCreate(ctx context.Context, p Profile) (*ProfileCreateResponse, error) {
	return unary(ctx, c.profileCreate, &ProfileCreateRequest{Profile: p})
}

// ProfileGet returns a profile by id or parameters.
func (c *AlivenessClient) ProfileGet(ctx context.Context, req *ProfileGetRequest) (*ProfileResponse, error) {
	return unary(ctx, c.profileGet, req)
}

// ProfileDelete deletes a profile.
func (c *AlivenessClient) ProfileDelete(ctx context.Context, id uint32) error {
	_, err := unary(ctx, c.profileDelete, &ProfileDeleteRequest{ProfileID: id})
	return err
}

// ListProfiles lists every profile.
func (c *AlivenessClient) ListProfiles(ctx context.Context) (*ListProfilesResponse, error) {
	return unary(ctx, c.listProfiles, &Empty{})
}

// WatchMonitorEvents opens a server stream of monitor events. The caller
// must Close the returned stream.
func (c *AlivenessClient) WatchMonitorEvents(ctx context.Context, req *WatchMonitorEventsRequest) (*connect.ServerStreamForClient[MonitorEvent], error) {
	stream, err := c.watchEvents.CallServerStream(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, fmt.Errorf("watch monitor events: %w", err)
	}
	return stream, nil
}

// -------------------------------------------------------------------------
// TunnelClient
// -------------------------------------------------------------------------

// TunnelClient is a typed client for TunnelService.
type TunnelClient struct {
	applyZone      *connect.Client[ApplyTransportZoneRequest, Empty]
	deleteZone     *connect.Client[DeleteTransportZoneRequest, Empty]
	listZones      *connect.Client[Empty, ListTransportZonesResponse]
	listTunnels    *connect.Client[Empty, ListTunnelsResponse]
	tunnelState    *connect.Client[TunnelStateRequest, TunnelStateResponse]
	addExternal    *connect.Client[ExternalEndpointRequest, Empty]
	removeExternal *connect.Client[ExternalEndpointRequest, Empty]
}

// NewTunnelClient creates a TunnelService client for the daemon at baseURL.
func NewTunnelClient(httpClient connect.HTTPClient, baseURL string, opts ...connect.ClientOption) *TunnelClient {
	baseURL = strings.TrimRight(baseURL, "/")
	opts = append([]connect.ClientOption{WithCodec()}, opts...)
	return &TunnelClient{
		applyZone:      connect.NewClient[ApplyTransportZoneRequest, Empty](httpClient, baseURL+ApplyTransportZoneProcedure, opts...),
		deleteZone:     connect.NewClient[DeleteTransportZoneRequest, Empty](httpClient, baseURL+DeleteTransportZoneProcedure, opts...),
		listZones:      connect.NewClient[Empty, ListTransportZonesResponse](httpClient, baseURL+ListTransportZonesProcedure, opts...),
		listTunnels:    connect.NewClient[Empty, ListTunnelsResponse](httpClient, baseURL+ListTunnelsProcedure, opts...),
		tunnelState:    connect.NewClient[TunnelStateRequest, TunnelStateResponse](httpClient, baseURL+TunnelStateProcedure, opts...),
		addExternal:    connect.NewClient[ExternalEndpointRequest, Empty](httpClient, baseURL+AddExternalEndpointProcedure, opts...),
		removeExternal: connect.NewClient[ExternalEndpointRequest, Empty](httpClient, baseURL+RemoveExternalEndpointProcedure, opts...),
	}
}

// ApplyTransportZone creates or replaces a transport zone.
func (c *TunnelClient) ApplyTransportZone(ctx context.Context, zone TransportZone) error {
	_, err := unary(ctx, c.applyZone, &ApplyTransportZoneRequest{Zone: zone})
	return err
}

// DeleteTransportZone deletes a transport zone.
func (c *TunnelClient) DeleteTransportZone(ctx context.Context, name string) error {
	_, err := unary(ctx, c.deleteZone, &DeleteTransportZoneRequest{Name: name})
	return err
}

// ListTransportZones lists every transport zone.
func (c *TunnelClient) ListTransportZones(ctx context.Context) (*ListTransportZonesResponse, error) {
	return unary(ctx, c.listZones, &Empty{})
}

// ListTunnels lists internal and external tunnels.
func (c *TunnelClient) ListTunnels(ctx context.Context) (*ListTunnelsResponse, error) {
	return unary(ctx, c.listTunnels, &Empty{})
}

// TunnelState returns the state of one tunnel, or of every tunnel when
// name is empty.
func (c *TunnelClient) TunnelState(ctx context.Context, name string) (*TunnelStateResponse, error) {
	return unary(ctx, c.tunnelState, &TunnelStateRequest{InterfaceName: name})
}

// AddExternalEndpoint meshes every DPN with a DC gateway.
func (c *TunnelClient) AddExternalEndpoint(ctx context.Context, ip, tunnelType string) error {
	_, err := unary(ctx, c.addExternal, &ExternalEndpointRequest{IP: ip, TunnelType: tunnelType})
	return err
}

// RemoveExternalEndpoint removes the tunnels to a DC gateway.
func (c *TunnelClient) RemoveExternalEndpoint(ctx context.Context, ip, tunnelType string) error {
	_, err := unary(ctx, c.removeExternal, &ExternalEndpointRequest{IP: ip, TunnelType: tunnelType})
	return err
}

func unary[Req, Res any](ctx context.Context, c *connect.Client[Req, Res], req *Req) (*Res, error) {
	resp, err := c.CallUnary(ctx, connect.NewRequest(req))
	if err != nil {
		return nil, err
	}
	return resp.Msg, nil
}
