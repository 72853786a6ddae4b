// Package southbound reads data-plane state from Open vSwitch and routes
// it into the fabric controller.
//
// Monitor keeps an OVSDB monitor on the Bridge, Port and Interface tables
// and turns every change into NodeConnector and BFD status events. Router
// hands those events to the tunnel state tracker and the aliveness engine,
// and forwards host link transitions from netio to the engine.
package southbound
