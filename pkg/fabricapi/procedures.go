package fabricapi

// Service names.
const (
	AlivenessServiceName = "gofabric.aliveness.v1.AlivenessService"
	TunnelServiceName    = "gofabric.tep.v1.TunnelService"
)

// AlivenessService procedures.
const (
	MonitorStartProcedure       = "/" + AlivenessServiceName + "/MonitorStart"
	MonitorStopProcedure        = "/" + AlivenessServiceName + "/MonitorStop"
	MonitorPauseProcedure       = "/" + AlivenessServiceName + "/MonitorPause"
	MonitorUnpauseProcedure     = "/" + AlivenessServiceName + "/MonitorUnpause"
	MonitorStateProcedure       = "/" + AlivenessServiceName + "/MonitorState"
	ListMonitorsProcedure       = "/" + AlivenessServiceName + "/ListMonitors"
	ProfileCreateProcedure      = "/" + AlivenessServiceName + "/ProfileCreate"
	ProfileGetProcedure         = "/" + AlivenessServiceName + "/ProfileGet"
	ProfileDeleteProcedure      = "/" + AlivenessServiceName + "/ProfileDelete"
	ListProfilesProcedure       = "/" + AlivenessServiceName + "/ListProfiles"
	WatchMonitorEventsProcedure = "/" + AlivenessServiceName + "/WatchMonitorEvents"
)

// TunnelService procedures.
const (
	ApplyTransportZoneProcedure     = "/" + TunnelServiceName + "/ApplyTransportZone"
	DeleteTransportZoneProcedure    = "/" + TunnelServiceName + "/DeleteTransportZone"
	ListTransportZonesProcedure     = "/" + TunnelServiceName + "/ListTransportZones"
	ListTunnelsProcedure            = "/" + TunnelServiceName + "/ListTunnels"
	TunnelStateProcedure            = "/" + TunnelServiceName + "/TunnelState"
	AddExternalEndpointProcedure    = "/" + TunnelServiceName + "/AddExternalEndpoint"
	RemoveExternalEndpointProcedure = "/" + TunnelServiceName + "/RemoveExternalEndpoint"
)
