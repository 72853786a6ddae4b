package netio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"

	"golang.org/x/time/rate"

	"github.com/dantte-lp/gofabric/internal/aliveness"
)

// ErrNoListeners indicates that Run was called without any connections.
var ErrNoListeners = errors.New("receiver run: no connections provided")

// PuntReason is the packet-in reason attached to frames read from a raw
// socket.
const PuntReason = "raw-socket"

// PacketSink consumes classified packet-ins. The aliveness engine
// implements it.
type PacketSink interface {
	HandlePacketIn(ctx context.Context, pkt aliveness.PacketIn)
}

// Classifier maps a raw frame to a packet class. The empty class means
// the frame is not for any probe handler.
type Classifier func(frame []byte) aliveness.PacketClass

// ReceiverOption configures a Receiver.
type ReceiverOption func(*Receiver)

// WithRateLimit caps the packet-in rate delivered to the sink. Frames over
// the limit are dropped and counted.
func WithRateLimit(limit rate.Limit, burst int) ReceiverOption {
	return func(r *Receiver) {
		r.limiter = rate.NewLimiter(limit, burst)
	}
}

// Receiver reads frames from one or more FrameConns, classifies them and
// delivers the recognized ones to a PacketSink.
type Receiver struct {
	sink     PacketSink
	classify Classifier
	limiter  *rate.Limiter
	logger   *slog.Logger

	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// NewReceiver creates a Receiver. Without WithRateLimit every classified
// frame is delivered.
func NewReceiver(sink PacketSink, classify Classifier, logger *slog.Logger, opts ...ReceiverOption) *Receiver {
	r := &Receiver{
		sink:     sink,
		classify: classify,
		limiter:  rate.NewLimiter(rate.Inf, 0),
		logger:   logger.With(slog.String("component", "netio.receiver")),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Run reads from all connections concurrently until ctx is cancelled or
// every connection is closed. Each connection gets its own goroutine.
//
// Read errors are logged and do not stop the receiver.
func (r *Receiver) Run(ctx context.Context, conns ...FrameConn) error {
	if len(conns) == 0 {
		return fmt.Errorf("receiver: %w", ErrNoListeners)
	}

	done := make(chan struct{}, len(conns))
	for _, c := range conns {
		go func(c FrameConn) {
			r.recvLoop(ctx, c)
			done <- struct{}{}
		}(c)
	}
	for range len(conns) {
		<-done
	}
	return nil
}

// Delivered returns the number of packet-ins handed to the sink.
func (r *Receiver) Delivered() uint64 { return r.delivered.Load() }

// Dropped returns the number of classified frames dropped by the limiter.
func (r *Receiver) Dropped() uint64 { return r.dropped.Load() }

func (r *Receiver) recvLoop(ctx context.Context, conn FrameConn) {
	bufp, _ := framePool.Get().(*[]byte)
	defer framePool.Put(bufp)
	buf := *bufp

	for ctx.Err() == nil {
		n, err := conn.ReadFrame(buf)
		switch {
		case err == nil:
			r.deliver(ctx, conn.IfName(), buf[:n])
		case errors.Is(err, ErrReadTimeout):
		case errors.Is(err, ErrSocketClosed):
			return
		default:
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("recv error",
				slog.String("interface", conn.IfName()),
				slog.String("error", err.Error()),
			)
		}
	}
}

func (r *Receiver) deliver(ctx context.Context, ifName string, frame []byte) {
	class := r.classify(frame)
	if class == "" {
		return
	}
	if !r.limiter.Allow() {
		r.dropped.Add(1)
		r.logger.Debug("packet-in rate exceeded",
			slog.String("interface", ifName),
			slog.String("class", string(class)),
		)
		return
	}

	// The receive buffer is reused by the next read.
	r.delivered.Add(1)
	r.sink.HandlePacketIn(ctx, aliveness.PacketIn{
		Class:     class,
		Interface: ifName,
		Reason:    PuntReason,
		Frame:     append([]byte(nil), frame...),
	})
}
