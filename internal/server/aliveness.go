package server

import (
	"context"
	"log/slog"
	"net/http"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

// watchBuffer is the subscription buffer of one WatchMonitorEvents stream.
const watchBuffer = 64

// AlivenessServer serves AlivenessService.
type AlivenessServer struct {
	engine Aliveness
	logger *slog.Logger
}

// NewAliveness creates the AlivenessService handler and returns its mount
// path.
func NewAliveness(engine Aliveness, logger *slog.Logger, opts ...connect.HandlerOption) (string, http.Handler) {
	s := &AlivenessServer{
		engine: engine,
		logger: logger.With(slog.String("component", "server.aliveness")),
	}
	opts = handlerOptions(opts)

	return servicePath(fabricapi.AlivenessServiceName), serviceMux{
		fabricapi.MonitorStartProcedure:   unaryHandler(fabricapi.MonitorStartProcedure, s.MonitorStart, opts),
		fabricapi.MonitorStopProcedure:    unaryHandler(fabricapi.MonitorStopProcedure, s.MonitorStop, opts),
		fabricapi.MonitorPauseProcedure:   unaryHandler(fabricapi.MonitorPauseProcedure, s.MonitorPause, opts),
		fabricapi.MonitorUnpauseProcedure: unaryHandler(fabricapi.MonitorUnpauseProcedure, s.MonitorUnpause, opts),
		fabricapi.MonitorStateProcedure:   unaryHandler(fabricapi.MonitorStateProcedure, s.MonitorState, opts),
		fabricapi.ListMonitorsProcedure:   unaryHandler(fabricapi.ListMonitorsProcedure, s.ListMonitors, opts),
		fabricapi.ProfileCreateProcedure:  unaryHandler(fabricapi.ProfileCreateProcedure, s.ProfileCreate, opts),
		fabricapi.ProfileGetProcedure:     unaryHandler(fabricapi.ProfileGetProcedure, s.ProfileGet, opts),
		fabricapi.ProfileDeleteProcedure:  unaryHandler(fabricapi.ProfileDeleteProcedure, s.ProfileDelete, opts),
		fabricapi.ListProfilesProcedure:   unaryHandler(fabricapi.ListProfilesProcedure, s.ListProfiles, opts),
		fabricapi.WatchMonitorEventsProcedure: connect.NewServerStreamHandler(
			fabricapi.WatchMonitorEventsProcedure, s.WatchMonitorEvents, opts...),
	}
}

// -------------------------------------------------------------------------
// Monitors
// -------------------------------------------------------------------------

// MonitorStart starts a monitor.
func (s *AlivenessServer) MonitorStart(ctx context.Context, req *fabricapi.MonitorStartRequest) (*fabricapi.MonitorStartResponse, error) {
	info, err := monitoringInfoFromAPI(req)
	if err != nil {
		return nil, err
	}

	res, err := s.engine.MonitorStart(ctx, info)
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "monitor started via API",
		slog.Uint64("monitor_id", uint64(res.MonitorID)),
		slog.String("source", info.Source.String()),
		slog.Bool("already_exists", res.AlreadyExists),
	)
	return &fabricapi.MonitorStartResponse{
		MonitorID:     res.MonitorID,
		AlreadyExists: res.AlreadyExists,
	}, nil
}

// MonitorStop stops a monitor.
func (s *AlivenessServer) MonitorStop(ctx context.Context, req *fabricapi.MonitorRequest) (*fabricapi.Empty, error) {
	if err := s.engine.MonitorStop(ctx, req.MonitorID); err != nil {
		return nil, err
	}
	s.logger.InfoContext(ctx, "monitor stopped via API", slog.Uint64("monitor_id", uint64(req.MonitorID)))
	return &fabricapi.Empty{}, nil
}

// MonitorPause pauses a monitor.
func (s *AlivenessServer) MonitorPause(ctx context.Context, req *fabricapi.MonitorRequest) (*fabricapi.Empty, error) {
	if err := s.engine.MonitorPause(ctx, req.MonitorID); err != nil {
		return nil, err
	}
	return &fabricapi.Empty{}, nil
}

// MonitorUnpause resumes a paused monitor.
func (s *AlivenessServer) MonitorUnpause(ctx context.Context, req *fabricapi.MonitorRequest) (*fabricapi.Empty, error) {
	if err := s.engine.MonitorUnpause(ctx, req.MonitorID); err != nil {
		return nil, err
	}
	return &fabricapi.Empty{}, nil
}

// MonitorState returns the operational state of a monitor.
func (s *AlivenessServer) MonitorState(ctx context.Context, req *fabricapi.MonitorRequest) (*fabricapi.MonitorState, error) {
	st, err := s.engine.State(ctx, req.MonitorID)
	if err != nil {
		return nil, err
	}
	out := monitorStateToAPI(st)
	return &out, nil
}

// ListMonitors lists every monitor with its profile and state.
func (s *AlivenessServer) ListMonitors(ctx context.Context, _ *fabricapi.Empty) (*fabricapi.ListMonitorsResponse, error) {
	snaps, err := s.engine.Monitors(ctx)
	if err != nil {
		return nil, err
	}
	resp := &fabricapi.ListMonitorsResponse{Monitors: make([]fabricapi.Monitor, 0, len(snaps))}
	for _, snap := range snaps {
		resp.Monitors = append(resp.Monitors, monitorToAPI(snap))
	}
	return resp, nil
}

// -------------------------------------------------------------------------
// Profiles
// -------------------------------------------------------------------------

// ProfileCreate creates a profile.
func (s *AlivenessServer) ProfileCreate(ctx context.Context, req *fabricapi.ProfileCreateRequest) (*fabricapi.ProfileCreateResponse, error) {
	p, err := profileFromAPI(req.Profile)
	if err != nil {
		return nil, err
	}
	res, err := s.engine.ProfileCreate(ctx, p)
	if err != nil {
		return nil, err
	}
	return &fabricapi.ProfileCreateResponse{
		ProfileID:     res.ProfileID,
		AlreadyExists: res.AlreadyExists,
	}, nil
}

// ProfileGet returns a profile by id, or the profile with the given
// parameters.
func (s *AlivenessServer) ProfileGet(ctx context.Context, req *fabricapi.ProfileGetRequest) (*fabricapi.ProfileResponse, error) {
	id := req.ProfileID
	if id == 0 {
		if req.Params == nil {
			return nil, connect.NewError(connect.CodeInvalidArgument, ErrInvalidArgument)
		}
		p, err := profileFromAPI(*req.Params)
		if err != nil {
			return nil, err
		}
		if id, err = s.engine.ProfileGet(ctx, p); err != nil {
			return nil, err
		}
	}

	p, err := s.engine.Profile(ctx, id)
	if err != nil {
		return nil, err
	}
	return &fabricapi.ProfileResponse{Profile: profileToAPI(p)}, nil
}

// ProfileDelete deletes a profile.
func (s *AlivenessServer) ProfileDelete(ctx context.Context, req *fabricapi.ProfileDeleteRequest) (*fabricapi.Empty, error) {
	if err := s.engine.ProfileDelete(ctx, req.ProfileID); err != nil {
		return nil, err
	}
	return &fabricapi.Empty{}, nil
}

// ListProfiles lists every profile.
func (s *AlivenessServer) ListProfiles(ctx context.Context, _ *fabricapi.Empty) (*fabricapi.ListProfilesResponse, error) {
	ps, err := s.engine.Profiles(ctx)
	if err != nil {
		return nil, err
	}
	resp := &fabricapi.ListProfilesResponse{Profiles: make([]fabricapi.Profile, 0, len(ps))}
	for _, p := range ps {
		resp.Profiles = append(resp.Profiles, profileToAPI(p))
	}
	return resp, nil
}

// -------------------------------------------------------------------------
// Events
// -------------------------------------------------------------------------

// WatchMonitorEvents streams monitor transitions until the client goes
// away. The subscription is taken before the current states are read, so
// no transition between the two is lost.
func (s *AlivenessServer) WatchMonitorEvents(
	ctx context.Context,
	req *connect.Request[fabricapi.WatchMonitorEventsRequest],
	stream *connect.ServerStream[fabricapi.MonitorEvent],
) error {
	events, unsubscribe := s.engine.Subscribe(watchBuffer)
	defer unsubscribe()

	if req.Msg.IncludeCurrent {
		snaps, err := s.engine.Monitors(ctx)
		if err != nil {
			return toConnectError(err)
		}
		for _, snap := range snaps {
			if err := stream.Send(currentEvent(snap)); err != nil {
				return err
			}
		}
	}

	s.logger.DebugContext(ctx, "monitor event stream opened")
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return connect.NewError(connect.CodeUnavailable, aliveness.ErrEngineClosed)
			}
			msg := monitorEventToAPI(ev)
			if err := stream.Send(&msg); err != nil {
				return err
			}
		}
	}
}
