// Package tep manages tunnel endpoints and the tunnel mesh between them.
//
// Configuration flows in through transport zones and explicit endpoint
// operations. MeshReconciler turns it into directed tunnels, one per
// direction for every pair of endpoints that share a zone and a tunnel
// type, plus tunnels to hardware VTEPs and DC gateways. Each tunnel gets a
// deterministic interface name (DeriveInterfaceName) and an InterfaceConfig
// record that the southbound programs onto the source node.
//
// Operational state flows the other way. The southbound reports port
// (node-connector) and BFD events; StateTracker folds them into StateTunnel
// records. Events about a tunnel whose configuration has not arrived yet
// are held by Cache and replayed once it does.
package tep
