package tep

import (
	"context"

	"github.com/dantte-lp/gofabric/internal/store"
)

// Store layout.
//
//	config:      tep/zones/<zone>                        TransportZone
//	config:      tep/dpns/<dpn-id>                       DPNTEPsInfo
//	config:      tep/external-endpoints/<ip>:<type>      ExternalEndpoint
//	config:      tep/internal-tunnels/<src>:<dst>:<type> InternalTunnel
//	config:      tep/external-tunnels/<src>:<dst>:<type> ExternalTunnel
//	config:      tep/interfaces/<name>                   InterfaceConfig
//	operational: tep/state/<name>                        StateTunnel
const (
	zonesPrefix           = "tep/zones/"
	dpnsPrefix            = "tep/dpns/"
	externalEndpointsPath = "tep/external-endpoints/"
	internalTunnelsPrefix = "tep/internal-tunnels/"
	externalTunnelsPrefix = "tep/external-tunnels/"
	interfacesPrefix      = "tep/interfaces/"
	statePrefix           = "tep/state/"
)

// Pool names used by the tunnel subsystem.
const (
	TunnelPool = "tep-tunnels"
	LportPool  = "tep-lports"
)

func zonePath(name string) string { return zonesPrefix + name }

func dpnPath(d DpnID) string { return dpnsPrefix + d.String() }

func externalEndpointPath(e ExternalEndpoint) string {
	return externalEndpointsPath + escapeNode(e.IP.String()) + ":" + string(e.TunnelType)
}

func internalTunnelPath(src, dst DpnID, t TunnelType) string {
	return internalTunnelsPrefix + src.String() + ":" + dst.String() + ":" + string(t)
}

func externalTunnelPath(src, dst string, t TunnelType) string {
	return externalTunnelsPrefix + escapeNode(src) + ":" + escapeNode(dst) + ":" + string(t)
}

// InterfacePath is the config-plane path of a tunnel interface record.
func InterfacePath(name string) string { return interfacesPrefix + name }

// StatePath is the operational-plane path of a tunnel state record.
func StatePath(name string) string { return statePrefix + name }

// IDAllocator is the subset of the id pool service the tunnel subsystem
// uses.
type IDAllocator interface {
	CreatePool(ctx context.Context, name string, low, high uint32) error
	Allocate(ctx context.Context, pool, key string) (uint32, error)
	Release(ctx context.Context, pool, key string) error
}

// Interface reads one tunnel interface record.
func Interface(ctx context.Context, s store.Store, name string) (InterfaceConfig, bool, error) {
	return store.Get[InterfaceConfig](ctx, s, store.PlaneConfig, InterfacePath(name))
}
