// Package fabricapi is the public ConnectRPC API of the fabric daemon.
//
// Messages are plain Go structs carried as JSON through Codec. Two
// services are exposed: AlivenessService (monitors and profiles) and
// TunnelService (transport zones, tunnels and external endpoints). The
// typed clients in this package wrap connect.Client for each procedure.
package fabricapi
