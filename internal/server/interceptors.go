package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"time"

	"connectrpc.com/connect"
)

// ErrPanicRecovered indicates an RPC handler panicked and was recovered.
var ErrPanicRecovered = errors.New("panic recovered in rpc handler")

// stackSize bounds the stack trace captured for a recovered panic.
const stackSize = 4096

// -------------------------------------------------------------------------
// Logging
// -------------------------------------------------------------------------

// loggingInterceptor logs every unary call and every server stream once it
// ends, with the procedure, duration and error code.
type loggingInterceptor struct {
	logger *slog.Logger
}

// LoggingInterceptor returns an interceptor logging RPCs at Info, or at
// Warn when they fail. WatchMonitorEvents streams are logged when they
// close.
func LoggingInterceptor(logger *slog.Logger) connect.Interceptor {
	return &loggingInterceptor{logger: logger}
}

func (i *loggingInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (connect.AnyResponse, error) {
		start := time.Now()
		resp, err := next(ctx, req)
		i.log(ctx, req.Spec().Procedure, start, err, "rpc completed")
		return resp, err
	}
}

func (i *loggingInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (i *loggingInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) error {
		start := time.Now()
		err := next(ctx, conn)
		i.log(ctx, conn.Spec().Procedure, start, err, "stream closed")
		return err
	}
}

func (i *loggingInterceptor) log(ctx context.Context, procedure string, start time.Time, err error, msg string) {
	attrs := []slog.Attr{
		slog.String("procedure", procedure),
		slog.Duration("duration", time.Since(start)),
	}
	if err != nil {
		attrs = append(attrs,
			slog.String("code", connect.CodeOf(err).String()),
			slog.String("error", err.Error()),
		)
		i.logger.LogAttrs(ctx, slog.LevelWarn, msg+" with error", attrs...)
		return
	}
	i.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
}

// -------------------------------------------------------------------------
// Recovery
// -------------------------------------------------------------------------

// recoveryInterceptor turns handler panics into CodeInternal errors.
type recoveryInterceptor struct {
	logger *slog.Logger
}

// RecoveryInterceptor returns an interceptor that recovers from panics in
// unary and streaming handlers. The panic value and stack trace are logged
// at Error level and the client receives CodeInternal.
func RecoveryInterceptor(logger *slog.Logger) connect.Interceptor {
	return &recoveryInterceptor{logger: logger}
}

func (i *recoveryInterceptor) WrapUnary(next connect.UnaryFunc) connect.UnaryFunc {
	return func(ctx context.Context, req connect.AnyRequest) (resp connect.AnyResponse, retErr error) {
		defer i.recover(ctx, req.Spec().Procedure, &retErr)
		return next(ctx, req)
	}
}

func (i *recoveryInterceptor) WrapStreamingClient(next connect.StreamingClientFunc) connect.StreamingClientFunc {
	return next
}

func (i *recoveryInterceptor) WrapStreamingHandler(next connect.StreamingHandlerFunc) connect.StreamingHandlerFunc {
	return func(ctx context.Context, conn connect.StreamingHandlerConn) (retErr error) {
		defer i.recover(ctx, conn.Spec().Procedure, &retErr)
		return next(ctx, conn)
	}
}

// recover must be deferred directly by the wrapped handler.
func (i *recoveryInterceptor) recover(ctx context.Context, procedure string, retErr *error) {
	r := recover()
	if r == nil {
		return
	}

	buf := make([]byte, stackSize)
	n := runtime.Stack(buf, false)

	i.logger.ErrorContext(ctx, "panic recovered in rpc handler",
		slog.String("procedure", procedure),
		slog.Any("panic", r),
		slog.String("stack", string(buf[:n])),
	)

	*retErr = connect.NewError(connect.CodeInternal,
		fmt.Errorf("%s: %w", procedure, ErrPanicRecovered))
}

// LoggingInterceptorOption returns LoggingInterceptor as a handler option.
func LoggingInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(LoggingInterceptor(logger))
}

// RecoveryInterceptorOption returns RecoveryInterceptor as a handler option.
func RecoveryInterceptorOption(logger *slog.Logger) connect.HandlerOption {
	return connect.WithInterceptors(RecoveryInterceptor(logger))
}
