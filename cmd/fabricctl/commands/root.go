package commands

import (
	"fmt"
	"net/http"
	"os"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

var (
	// aliveness and tunnels are the ConnectRPC clients, initialized in
	// PersistentPreRunE.
	aliveness *fabricapi.AlivenessClient
	tunnels   *fabricapi.TunnelClient

	// outputFormat controls the output format for all commands.
	outputFormat string

	// serverAddr is the daemon address (host:port).
	serverAddr string
)

// rootCmd is the top-level cobra command for fabricctl.
var rootCmd = &cobra.Command{
	Use:   "fabricctl",
	Short: "CLI client for the fabricd daemon",
	Long:  "fabricctl communicates with the fabricd daemon via ConnectRPC to manage liveness monitors, profiles, transport zones and tunnels.",
	PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
		baseURL := "http://" + serverAddr
		aliveness = fabricapi.NewAlivenessClient(http.DefaultClient, baseURL)
		tunnels = fabricapi.NewTunnelClient(http.DefaultClient, baseURL)
		return nil
	},
	// Silence cobra's built-in usage/error printing so we control it.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&serverAddr, "addr", "localhost:50052",
		"fabricd daemon address (host:port)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "format", formatTable,
		"output format: table, json, yaml")

	rootCmd.AddCommand(monitorCmd())
	rootCmd.AddCommand(profileCmd())
	rootCmd.AddCommand(zoneCmd())
	rootCmd.AddCommand(tunnelCmd())
	rootCmd.AddCommand(versionCmd())
	rootCmd.AddCommand(shellCmd())
}

// Execute runs the root command and exits with code 1 on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
