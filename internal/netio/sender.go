package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
)

// Ports owns one FrameConn per configured interface. It implements the
// probe handlers' FrameSender by routing each frame to the connection of
// its interface.
type Ports struct {
	mu     sync.RWMutex
	conns  map[string]FrameConn
	logger *slog.Logger
}

// NewPorts creates an empty port set.
func NewPorts(logger *slog.Logger) *Ports {
	return &Ports{
		conns:  make(map[string]FrameConn),
		logger: logger.With(slog.String("component", "netio.ports")),
	}
}

// OpenPorts opens a raw frame connection on each named interface. On
// failure every connection opened so far is closed.
func OpenPorts(ifNames []string, logger *slog.Logger) (*Ports, error) {
	p := NewPorts(logger)
	for _, name := range ifNames {
		conn, err := openFrameConn(name)
		if err != nil {
			return nil, errors.Join(fmt.Errorf("open port %s: %w", name, err), p.Close())
		}
		if err := p.Add(conn); err != nil {
			return nil, errors.Join(err, conn.Close(), p.Close())
		}
	}
	return p, nil
}

// Add registers conn under its interface name.
func (p *Ports) Add(conn FrameConn) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	name := conn.IfName()
	if _, ok := p.conns[name]; ok {
		return fmt.Errorf("add port %s: %w", name, ErrDuplicateInterface)
	}
	p.conns[name] = conn
	p.logger.Info("frame port opened", slog.String("interface", name))
	return nil
}

// SendFrame transmits frame on ifName.
func (p *Ports) SendFrame(ctx context.Context, ifName string, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("send frame on %s: %w", ifName, err)
	}

	p.mu.RLock()
	conn, ok := p.conns[ifName]
	p.mu.RUnlock()
	if !ok {
		return fmt.Errorf("send frame on %s: %w", ifName, ErrUnknownInterface)
	}
	return conn.WriteFrame(frame)
}

// Conns returns the open connections ordered by interface name.
func (p *Ports) Conns() []FrameConn {
	p.mu.RLock()
	defer p.mu.RUnlock()

	out := make([]FrameConn, 0, len(p.conns))
	for _, c := range p.conns {
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b FrameConn) int {
		return strings.Compare(a.IfName(), b.IfName())
	})
	return out
}

// Close closes every connection and empties the set.
func (p *Ports) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	var errs []error
	for name, c := range p.conns {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close port %s: %w", name, err))
		}
		delete(p.conns, name)
	}
	return errors.Join(errs...)
}
