package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func tunnelCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tunnel",
		Short: "Inspect tunnels and manage external endpoints",
	}

	cmd.AddCommand(tunnelListCmd())
	cmd.AddCommand(tunnelStateCmd())
	cmd.AddCommand(externalCmd())

	return cmd
}

func tunnelListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List internal and external tunnels",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := tunnels.ListTunnels(context.Background())
			if err != nil {
				return fmt.Errorf("list tunnels: %w", err)
			}

			out, err := formatTunnels(resp.Tunnels, outputFormat)
			if err != nil {
				return fmt.Errorf("format tunnels: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func tunnelStateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "state [interface]",
		Short: "Show the operational state of one or every tunnel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			var name string
			if len(args) == 1 {
				name = args[0]
			}

			resp, err := tunnels.TunnelState(context.Background(), name)
			if err != nil {
				return fmt.Errorf("get tunnel state: %w", err)
			}

			out, err := formatTunnelStates(resp.States, outputFormat)
			if err != nil {
				return fmt.Errorf("format tunnel states: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func externalCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "external",
		Short: "Manage external tunnel endpoints (DC gateways)",
	}

	var tunnelType string
	cmd.PersistentFlags().StringVar(&tunnelType, "type", "vxlan",
		"tunnel type: vxlan, gre, mpls-over-gre, vxlan-gpe")

	cmd.AddCommand(&cobra.Command{
		Use:   "add <ip>",
		Short: "Mesh every DPN with an external endpoint",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := tunnels.AddExternalEndpoint(context.Background(), args[0], tunnelType); err != nil {
				return fmt.Errorf("add external endpoint: %w", err)
			}
			fmt.Printf("External endpoint %s added.\n", args[0])
			return nil
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <ip>",
		Short: "Remove an external endpoint and its tunnels",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := tunnels.RemoveExternalEndpoint(context.Background(), args[0], tunnelType); err != nil {
				return fmt.Errorf("remove external endpoint: %w", err)
			}
			fmt.Printf("External endpoint %s removed.\n", args[0])
			return nil
		},
	})

	return cmd
}
