package server_test

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"connectrpc.com/connect"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/server"
	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

// panicEngine panics on ListProfiles and WatchMonitorEvents. Every other
// method is unimplemented. Used to test the RecoveryInterceptor.
type panicEngine struct {
	server.Aliveness
}

func (panicEngine) Profiles(context.Context) ([]aliveness.Profile, error) {
	panic("intentional test panic")
}

func (panicEngine) Subscribe(int) (<-chan aliveness.MonitorEvent, func()) {
	panic("intentional stream panic")
}

// syncBuffer is a bytes.Buffer safe for the server and test goroutines.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// setupPanicServer creates a test server whose engine panics on
// ListProfiles, using the given handler options (interceptors).
func setupPanicServer(t *testing.T, opts ...connect.HandlerOption) *fabricapi.AlivenessClient {
	t.Helper()

	mux := http.NewServeMux()
	mux.Handle(server.NewAliveness(panicEngine{}, slog.New(slog.DiscardHandler), opts...))

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return fabricapi.NewAlivenessClient(srv.Client(), srv.URL)
}

// -------------------------------------------------------------------------
// TestLoggingInterceptor
// -------------------------------------------------------------------------

func TestLoggingInterceptorSuccess(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	ts := setupTestServer(t, nil, server.LoggingInterceptorOption(logger))

	resp, err := ts.aliveness.ListProfiles(context.Background())
	if err != nil {
		t.Fatalf("ListProfiles: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestLoggingInterceptorError(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	ts := setupTestServer(t, nil, server.LoggingInterceptorOption(logger))

	err := ts.aliveness.MonitorStop(context.Background(), 99999)
	wantCode(t, err, connect.CodeNotFound)
}

func TestLoggingInterceptorRecordsCode(t *testing.T) {
	t.Parallel()

	var out syncBuffer
	logger := slog.New(slog.NewJSONHandler(&out, nil))
	ts := setupTestServer(t, nil, server.LoggingInterceptorOption(logger))

	err := ts.aliveness.ProfileDelete(context.Background(), 4242)
	wantCode(t, err, connect.CodeNotFound)

	logged := out.String()
	for _, want := range []string{
		`"procedure":"` + fabricapi.ProfileDeleteProcedure + `"`,
		`"code":"not_found"`,
		`"level":"WARN"`,
	} {
		if !strings.Contains(logged, want) {
			t.Errorf("log output missing %s:\n%s", want, logged)
		}
	}
}

// -------------------------------------------------------------------------
// TestRecoveryInterceptor
// -------------------------------------------------------------------------

func TestRecoveryInterceptorNoPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	ts := setupTestServer(t, nil, server.RecoveryInterceptorOption(logger))

	resp, err := ts.aliveness.ListMonitors(context.Background())
	if err != nil {
		t.Fatalf("ListMonitors: %v", err)
	}
	if resp == nil {
		t.Fatal("response is nil")
	}
}

func TestRecoveryInterceptorPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupPanicServer(t, server.RecoveryInterceptorOption(logger))

	_, err := client.ListProfiles(context.Background())
	wantCode(t, err, connect.CodeInternal)
}

// -------------------------------------------------------------------------
// TestBothInterceptors: logging + recovery together
// -------------------------------------------------------------------------

func TestBothInterceptors(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupPanicServer(t,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)

	_, err := client.ListProfiles(context.Background())
	wantCode(t, err, connect.CodeInternal)
}

func TestRecoveryInterceptorStreamPanic(t *testing.T) {
	t.Parallel()

	logger := slog.New(slog.DiscardHandler)
	client := setupPanicServer(t,
		server.LoggingInterceptorOption(logger),
		server.RecoveryInterceptorOption(logger),
	)

	stream, err := client.WatchMonitorEvents(context.Background(), &fabricapi.WatchMonitorEventsRequest{})
	if err != nil {
		wantCode(t, err, connect.CodeInternal)
		return
	}
	defer stream.Close()

	if stream.Receive() {
		t.Fatalf("received %+v from a panicking stream", stream.Msg())
	}
	wantCode(t, stream.Err(), connect.CodeInternal)
}
