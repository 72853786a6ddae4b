// Package netio connects the aliveness engine to the host network.
//
// It provides three pieces:
//   - InterfaceMonitor, which reports link up/down transitions (netlink on
//     Linux, a no-op stub elsewhere);
//   - FrameConn, a raw AF_PACKET socket bound to one interface, and Ports,
//     which owns one FrameConn per configured interface and implements the
//     probe handlers' FrameSender;
//   - Receiver, which reads punted frames, classifies them, rate-limits the
//     result and hands each one to the engine as a packet-in.
package netio
