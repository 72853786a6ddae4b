//go:build linux

package netio

import (
	"errors"
	"fmt"
	"sync"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// RawConn — AF_PACKET socket bound to one interface
// -------------------------------------------------------------------------

// RawConn implements FrameConn over an AF_PACKET/SOCK_RAW socket.
//
// Socket configuration:
//   - bound to the interface index with protocol ETH_P_ALL
//   - PACKET_IGNORE_OUTGOING so locally transmitted frames are not read back
//   - SO_RCVTIMEO so blocked reads return periodically
type RawConn struct {
	fd      int
	ifName  string
	ifIndex int

	mu     sync.Mutex
	closed bool
}

// NewRawConn opens a raw frame socket on ifName. It requires CAP_NET_RAW.
func NewRawConn(ifName string) (*RawConn, error) {
	link, err := netlink.LinkByName(ifName)
	if err != nil {
		return nil, fmt.Errorf("lookup link %s: %w", ifName, err)
	}
	ifIndex := link.Attrs().Index

	proto := htons(unix.ETH_P_ALL)
	fd, err := unix.Socket(unix.AF_PACKET, unix.SOCK_RAW|unix.SOCK_CLOEXEC, int(proto))
	if err != nil {
		return nil, fmt.Errorf("open packet socket on %s: %w", ifName, err)
	}

	if err := configureSocket(fd, ifIndex, proto); err != nil {
		return nil, errors.Join(
			fmt.Errorf("configure packet socket on %s: %w", ifName, err),
			unix.Close(fd),
		)
	}

	return &RawConn{fd: fd, ifName: ifName, ifIndex: ifIndex}, nil
}

func openFrameConn(ifName string) (FrameConn, error) {
	c, err := NewRawConn(ifName)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func configureSocket(fd, ifIndex int, proto uint16) error {
	if err := unix.SetsockoptInt(fd, unix.SOL_PACKET, unix.PACKET_IGNORE_OUTGOING, 1); err != nil {
		return fmt.Errorf("set PACKET_IGNORE_OUTGOING: %w", err)
	}
	tv := unix.NsecToTimeval(readTimeout.Nanoseconds())
	if err := unix.SetsockoptTimeval(fd, unix.SOL_SOCKET, unix.SO_RCVTIMEO, &tv); err != nil {
		return fmt.Errorf("set SO_RCVTIMEO: %w", err)
	}
	if err := unix.Bind(fd, &unix.SockaddrLinklayer{Protocol: proto, Ifindex: ifIndex}); err != nil {
		return fmt.Errorf("bind ifindex %d: %w", ifIndex, err)
	}
	return nil
}

// ReadFrame implements FrameConn.
func (c *RawConn) ReadFrame(buf []byte) (int, error) {
	if c.isClosed() {
		return 0, ErrSocketClosed
	}

	n, _, err := unix.Recvfrom(c.fd, buf, 0)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, unix.EAGAIN), errors.Is(err, unix.EINTR):
		return 0, ErrReadTimeout
	case c.isClosed():
		return 0, ErrSocketClosed
	default:
		return 0, fmt.Errorf("read frame on %s: %w", c.ifName, err)
	}
}

// WriteFrame implements FrameConn. The destination link-layer address is
// taken from the frame's Ethernet header.
func (c *RawConn) WriteFrame(frame []byte) error {
	if len(frame) < minFrameSize {
		return ErrShortFrame
	}
	if c.isClosed() {
		return ErrSocketClosed
	}

	sa := &unix.SockaddrLinklayer{
		Protocol: htons(uint16(frame[12])<<8 | uint16(frame[13])),
		Ifindex:  c.ifIndex,
		Halen:    6,
	}
	copy(sa.Addr[:], frame[:6])

	if err := unix.Sendto(c.fd, frame, 0, sa); err != nil {
		return fmt.Errorf("write frame on %s: %w", c.ifName, err)
	}
	return nil
}

// IfName implements FrameConn.
func (c *RawConn) IfName() string { return c.ifName }

// Close implements FrameConn.
func (c *RawConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	if err := unix.Close(c.fd); err != nil {
		return fmt.Errorf("close packet socket on %s: %w", c.ifName, err)
	}
	return nil
}

func (c *RawConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// htons converts a host-order uint16 to network order.
func htons(v uint16) uint16 {
	return v<<8 | v>>8
}
