// Package aliveness implements the liveness monitoring engine.
//
// A monitor probes one destination from one source interface using a
// protocol handler (LLDP, IPv6 Neighbor Discovery or BFD). Poll-based
// protocols run a recurring probe task per monitor; every tick counts an
// unanswered probe and, once failureThreshold probes are pending, moves
// the monitor Down. A matching reply moves it Up and clears the counter.
// Session-based protocols (BFD) hand detection to the data plane and feed
// results back through SessionStatusChanged.
//
// Configuration (profiles, monitors) lives in the configuration plane of
// the store; MonitoringState and the interface join live in the
// operational plane. Every state change is persisted before it is
// published to subscribers.
package aliveness
