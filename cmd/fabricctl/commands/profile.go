package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

func profileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Manage monitor profiles",
	}

	cmd.AddCommand(profileListCmd())
	cmd.AddCommand(profileShowCmd())
	cmd.AddCommand(profileCreateCmd())
	cmd.AddCommand(profileDeleteCmd())

	return cmd
}

func profileListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all profiles",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := aliveness.ListProfiles(context.Background())
			if err != nil {
				return fmt.Errorf("list profiles: %w", err)
			}
			return printProfiles(resp.Profiles)
		},
	}
}

func profileShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <profile-id>",
		Short: "Show a profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			resp, err := aliveness.ProfileGet(context.Background(), &fabricapi.ProfileGetRequest{ProfileID: id})
			if err != nil {
				return fmt.Errorf("get profile: %w", err)
			}
			return printProfiles([]fabricapi.Profile{resp.Profile})
		},
	}
}

func profileCreateCmd() *cobra.Command {
	var (
		protocol  string
		interval  time.Duration
		threshold uint32
		window    uint32
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a profile, or find the identical existing one",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := aliveness.ProfileCreate(context.Background(), fabricapi.Profile{
				Protocol:          protocol,
				FailureThreshold:  threshold,
				MonitorIntervalMs: uint64(interval.Milliseconds()),
				MonitorWindow:     window,
			})
			if err != nil {
				return fmt.Errorf("create profile: %w", err)
			}

			if resp.AlreadyExists {
				fmt.Printf("Profile %d already exists.\n", resp.ProfileID)
				return nil
			}
			fmt.Printf("Profile %d created.\n", resp.ProfileID)

			return nil
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&protocol, "protocol", "lldp", "probe protocol: lldp, bfd, ipv6nd")
	flags.DurationVar(&interval, "interval", time.Second, "probe interval")
	flags.Uint32Var(&threshold, "threshold", 3, "consecutive missed replies before Down")
	flags.Uint32Var(&window, "window", 4, "monitor window, at least the threshold")

	return cmd
}

func profileDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <profile-id>",
		Short: "Delete an unused profile",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			if err := aliveness.ProfileDelete(context.Background(), id); err != nil {
				return fmt.Errorf("delete profile: %w", err)
			}

			fmt.Printf("Profile %d deleted.\n", id)

			return nil
		},
	}
}

func printProfiles(profiles []fabricapi.Profile) error {
	out, err := formatProfiles(profiles, outputFormat)
	if err != nil {
		return fmt.Errorf("format profiles: %w", err)
	}
	fmt.Print(out)
	return nil
}
