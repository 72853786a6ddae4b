package netio

import (
	"errors"
	"sync"
	"time"
)

// -------------------------------------------------------------------------
// Frame constants
// -------------------------------------------------------------------------

const (
	// maxFrameSize covers a jumbo frame plus its Ethernet header.
	maxFrameSize = 9216

	// minFrameSize is the Ethernet header: destination, source, EtherType.
	minFrameSize = 14

	// readTimeout bounds a single blocking read so receive loops can
	// observe context cancellation.
	readTimeout = 250 * time.Millisecond
)

// -------------------------------------------------------------------------
// FrameConn Interface
// -------------------------------------------------------------------------

// FrameConn sends and receives whole Ethernet frames on one interface.
//
// The interface is kept small so tests can drive the receiver with an
// in-memory implementation instead of a raw socket.
type FrameConn interface {
	// ReadFrame reads one frame into buf. It returns ErrReadTimeout when no
	// frame arrived within the read deadline and ErrSocketClosed once the
	// connection is closed.
	ReadFrame(buf []byte) (int, error)

	// WriteFrame transmits a complete Ethernet frame.
	WriteFrame(frame []byte) error

	// IfName is the interface the connection is bound to.
	IfName() string

	// Close releases the socket.
	Close() error
}

// -------------------------------------------------------------------------
// Sentinel Errors
// -------------------------------------------------------------------------

var (
	// ErrSocketClosed indicates an operation on a closed connection.
	ErrSocketClosed = errors.New("socket closed")

	// ErrReadTimeout indicates that a read returned without a frame.
	ErrReadTimeout = errors.New("read timeout")

	// ErrShortFrame indicates a frame shorter than an Ethernet header.
	ErrShortFrame = errors.New("frame shorter than ethernet header")

	// ErrUnknownInterface indicates no connection is open on the interface.
	ErrUnknownInterface = errors.New("no frame connection on interface")

	// ErrDuplicateInterface indicates a second connection for an interface.
	ErrDuplicateInterface = errors.New("frame connection already open on interface")

	// ErrUnsupportedPlatform indicates raw frame I/O is unavailable.
	ErrUnsupportedPlatform = errors.New("raw frame i/o not supported on this platform")
)

// framePool recycles receive buffers across read loops.
var framePool = sync.Pool{
	New: func() any {
		b := make([]byte, maxFrameSize)
		return &b
	},
}
