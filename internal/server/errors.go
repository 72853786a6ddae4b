package server

import (
	"context"
	"errors"
	"fmt"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/store"
	"github.com/dantte-lp/gofabric/internal/tep"
)

// ErrInvalidArgument indicates a request field could not be converted.
var ErrInvalidArgument = errors.New("invalid argument")

func invalidArgument(field string, err error) error {
	return connect.NewError(connect.CodeInvalidArgument, fmt.Errorf("%s: %w: %w", field, ErrInvalidArgument, err))
}

// toConnectError maps domain errors to connect codes. Errors that already
// carry a code pass through.
func toConnectError(err error) error {
	var ce *connect.Error
	if errors.As(err, &ce) {
		return err
	}

	switch {
	case errors.Is(err, aliveness.ErrUnsupportedConfig),
		errors.Is(err, tep.ErrInvalidZone),
		errors.Is(err, tep.ErrInvalidEndpoint):
		return connect.NewError(connect.CodeInvalidArgument, err)

	case errors.Is(err, aliveness.ErrProfileNotFound),
		errors.Is(err, aliveness.ErrMonitorNotFound),
		errors.Is(err, tep.ErrZoneNotFound),
		errors.Is(err, tep.ErrEndpointNotFound),
		errors.Is(err, tep.ErrTunnelNotFound):
		return connect.NewError(connect.CodeNotFound, err)

	case errors.Is(err, store.ErrTransient),
		errors.Is(err, store.ErrClosed),
		errors.Is(err, aliveness.ErrEngineClosed):
		return connect.NewError(connect.CodeUnavailable, err)

	case errors.Is(err, context.Canceled):
		return connect.NewError(connect.CodeCanceled, err)

	case errors.Is(err, context.DeadlineExceeded):
		return connect.NewError(connect.CodeDeadlineExceeded, err)

	default:
		return connect.NewError(connect.CodeInternal, err)
	}
}
