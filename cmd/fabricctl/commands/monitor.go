package commands

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

// Sentinel errors for CLI validation.
var (
	errProfileRequired = errors.New("--profile flag is required")
	errSourceRequired  = errors.New("one of --src-interface or --src-ip is required")
	errEndpointFlags   = errors.New("interface and ip flags are mutually exclusive")
)

func monitorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "monitor",
		Short: "Manage liveness monitors",
	}

	cmd.AddCommand(monitorListCmd())
	cmd.AddCommand(monitorStartCmd())
	cmd.AddCommand(monitorStateCmd())
	cmd.AddCommand(monitorIDCmd("stop", "Stop and remove a monitor", "stopped",
		func(ctx context.Context, id uint32) error { return aliveness.MonitorStop(ctx, id) }))
	cmd.AddCommand(monitorIDCmd("pause", "Pause probing of a monitor", "paused",
		func(ctx context.Context, id uint32) error { return aliveness.MonitorPause(ctx, id) }))
	cmd.AddCommand(monitorIDCmd("unpause", "Resume probing of a paused monitor", "resumed",
		func(ctx context.Context, id uint32) error { return aliveness.MonitorUnpause(ctx, id) }))
	cmd.AddCommand(monitorWatchCmd())

	return cmd
}

// --- monitor list ---

func monitorListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all monitors",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := aliveness.ListMonitors(context.Background())
			if err != nil {
				return fmt.Errorf("list monitors: %w", err)
			}

			out, err := formatMonitors(resp, outputFormat)
			if err != nil {
				return fmt.Errorf("format monitors: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- monitor start ---

func monitorStartCmd() *cobra.Command {
	var (
		profileID    uint32
		mode         string
		srcInterface string
		srcIP        string
		dstInterface string
		dstIP        string
	)

	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start monitoring a path",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if profileID == 0 {
				return errProfileRequired
			}

			src, err := endpointFromFlags(srcInterface, srcIP)
			if err != nil {
				return fmt.Errorf("source: %w", err)
			}
			if src == nil {
				return errSourceRequired
			}
			dst, err := endpointFromFlags(dstInterface, dstIP)
			if err != nil {
				return fmt.Errorf("destination: %w", err)
			}

			resp, err := aliveness.MonitorStart(context.Background(), &fabricapi.MonitorStartRequest{
				ProfileID:   profileID,
				Mode:        mode,
				Source:      *src,
				Destination: dst,
			})
			if err != nil {
				return fmt.Errorf("start monitor: %w", err)
			}

			if resp.AlreadyExists {
				fmt.Printf("Monitor %d already running.\n", resp.MonitorID)
				return nil
			}
			fmt.Printf("Monitor %d started.\n", resp.MonitorID)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.Uint32Var(&profileID, "profile", 0, "monitor profile id (required)")
	flags.StringVar(&mode, "mode", "one-one", "monitoring mode")
	flags.StringVar(&srcInterface, "src-interface", "", "source interface name")
	flags.StringVar(&srcIP, "src-ip", "", "source IP address")
	flags.StringVar(&dstInterface, "dst-interface", "", "destination interface name")
	flags.StringVar(&dstIP, "dst-ip", "", "destination IP address")

	return cmd
}

// endpointFromFlags builds an endpoint from an interface/ip flag pair. Both
// empty yields nil.
func endpointFromFlags(ifName, ip string) (*fabricapi.Endpoint, error) {
	switch {
	case ifName != "" && ip != "":
		return nil, errEndpointFlags
	case ifName != "":
		return &fabricapi.Endpoint{Kind: fabricapi.EndpointInterface, Name: ifName}, nil
	case ip != "":
		return &fabricapi.Endpoint{Kind: fabricapi.EndpointIP, IP: ip}, nil
	default:
		return nil, nil
	}
}

// --- monitor state ---

func monitorStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state <monitor-id>",
		Short: "Show the operational state of a monitor",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			st, err := aliveness.MonitorState(context.Background(), id)
			if err != nil {
				return fmt.Errorf("get monitor state: %w", err)
			}

			out, err := formatMonitorState(st, outputFormat)
			if err != nil {
				return fmt.Errorf("format monitor state: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

// --- monitor stop / pause / unpause ---

func monitorIDCmd(use, short, done string, fn func(context.Context, uint32) error) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <monitor-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			if err := fn(context.Background(), id); err != nil {
				return fmt.Errorf("%s monitor: %w", use, err)
			}

			fmt.Printf("Monitor %d %s.\n", id, done)

			return nil
		},
	}
}

// --- monitor watch ---

func monitorWatchCmd() *cobra.Command {
	var includeCurrent bool

	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream monitor state changes",
		Long:  "Connects to the fabricd daemon and streams monitor Up/Down transitions until interrupted (Ctrl+C).",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			stream, err := aliveness.WatchMonitorEvents(ctx, &fabricapi.WatchMonitorEventsRequest{
				IncludeCurrent: includeCurrent,
			})
			if err != nil {
				return fmt.Errorf("watch monitor events: %w", err)
			}
			defer stream.Close()

			for stream.Receive() {
				out, fmtErr := formatEvent(stream.Msg(), outputFormat)
				if fmtErr != nil {
					return fmt.Errorf("format event: %w", fmtErr)
				}

				fmt.Println(out)
			}

			if err := stream.Err(); err != nil {
				// Context cancellation (Ctrl+C) is expected, not an error.
				if errors.Is(err, context.Canceled) {
					return nil
				}

				return fmt.Errorf("stream error: %w", err)
			}

			return nil
		},
	}

	cmd.Flags().BoolVar(&includeCurrent, "current", false,
		"include the current state of every monitor before streaming changes")

	return cmd
}

// parseID parses a monitor or profile id argument.
func parseID(s string) (uint32, error) {
	id, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("parse id %q: %w", s, err)
	}
	return uint32(id), nil
}
