package netio_test

import (
	"sync"

	"github.com/dantte-lp/gofabric/internal/netio"
)

// -------------------------------------------------------------------------
// MockFrameConn — Test double for FrameConn
// -------------------------------------------------------------------------

// MockFrameConn implements netio.FrameConn without a socket. Frames pushed
// with Inject are returned by ReadFrame in order; ReadFrame blocks until a
// frame is injected or the connection is closed.
type MockFrameConn struct {
	ifName string
	frames chan []byte
	done   chan struct{}

	mu        sync.Mutex
	closed    bool
	closeErr  error
	WriteErr  error
	Written   [][]byte
	CloseHits int
}

// NewMockFrameConn creates a MockFrameConn bound to ifName.
func NewMockFrameConn(ifName string) *MockFrameConn {
	return &MockFrameConn{
		ifName: ifName,
		frames: make(chan []byte, 64),
		done:   make(chan struct{}),
	}
}

// Inject queues a frame for ReadFrame.
func (m *MockFrameConn) Inject(frame []byte) {
	m.frames <- frame
}

// ReadFrame implements netio.FrameConn.
func (m *MockFrameConn) ReadFrame(buf []byte) (int, error) {
	select {
	case f := <-m.frames:
		return copy(buf, f), nil
	case <-m.done:
		return 0, netio.ErrSocketClosed
	}
}

// WriteFrame implements netio.FrameConn.
func (m *MockFrameConn) WriteFrame(frame []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return netio.ErrSocketClosed
	}
	if m.WriteErr != nil {
		return m.WriteErr
	}
	m.Written = append(m.Written, append([]byte(nil), frame...))
	return nil
}

// IfName implements netio.FrameConn.
func (m *MockFrameConn) IfName() string { return m.ifName }

// Close implements netio.FrameConn.
func (m *MockFrameConn) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.CloseHits++
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return m.closeErr
}

// written returns a copy of the frames written so far.
func (m *MockFrameConn) written() [][]byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([][]byte(nil), m.Written...)
}

// closeHits returns how many times Close was called.
func (m *MockFrameConn) closeHits() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.CloseHits
}
