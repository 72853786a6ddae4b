package commands

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

var errZoneFileRequired = errors.New("--file flag is required")

// zoneFile is the YAML form of a transport zone accepted by "zone apply".
//
//	name: tz-a
//	type: vxlan
//	vteps:
//	  - dpn_id: 1
//	    ip: 10.0.0.1
//	device_vteps:
//	  - node_id: hwvtep://tor1
//	    ip: 10.0.1.1
type zoneFile struct {
	Name  string `yaml:"name"`
	Type  string `yaml:"type"`
	Vteps []struct {
		DpnID    uint64 `yaml:"dpn_id"`
		IP       string `yaml:"ip"`
		PortName string `yaml:"port_name"`
		VlanID   uint16 `yaml:"vlan_id"`
	} `yaml:"vteps"`
	DeviceVteps []struct {
		NodeID string `yaml:"node_id"`
		IP     string `yaml:"ip"`
	} `yaml:"device_vteps"`
}

// parseZone decodes one zone document.
func parseZone(r io.Reader) (fabricapi.TransportZone, error) {
	var zf zoneFile
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(&zf); err != nil {
		return fabricapi.TransportZone{}, fmt.Errorf("decode zone: %w", err)
	}

	zone := fabricapi.TransportZone{Name: zf.Name, Type: zf.Type}
	for _, v := range zf.Vteps {
		zone.Vteps = append(zone.Vteps, fabricapi.Vtep{
			DpnID:    v.DpnID,
			IP:       v.IP,
			PortName: v.PortName,
			VlanID:   v.VlanID,
		})
	}
	for _, d := range zf.DeviceVteps {
		zone.DeviceVteps = append(zone.DeviceVteps, fabricapi.DeviceVtep{NodeID: d.NodeID, IP: d.IP})
	}
	return zone, nil
}

func zoneCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "zone",
		Short: "Manage transport zones",
	}

	cmd.AddCommand(zoneListCmd())
	cmd.AddCommand(zoneApplyCmd())
	cmd.AddCommand(zoneDeleteCmd())

	return cmd
}

func zoneListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List all transport zones",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			resp, err := tunnels.ListTransportZones(context.Background())
			if err != nil {
				return fmt.Errorf("list transport zones: %w", err)
			}

			out, err := formatZones(resp.Zones, outputFormat)
			if err != nil {
				return fmt.Errorf("format zones: %w", err)
			}

			fmt.Print(out)

			return nil
		},
	}
}

func zoneApplyCmd() *cobra.Command {
	var path string

	cmd := &cobra.Command{
		Use:   "apply",
		Short: "Create or replace a transport zone from a YAML file",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if path == "" {
				return errZoneFileRequired
			}

			var r io.Reader = os.Stdin
			if path != "-" {
				f, err := os.Open(path)
				if err != nil {
					return fmt.Errorf("open zone file: %w", err)
				}
				defer f.Close()
				r = f
			}

			zone, err := parseZone(r)
			if err != nil {
				return err
			}

			if err := tunnels.ApplyTransportZone(context.Background(), zone); err != nil {
				return fmt.Errorf("apply transport zone: %w", err)
			}

			fmt.Printf("Transport zone %s applied.\n", zone.Name)

			return nil
		},
	}

	cmd.Flags().StringVarP(&path, "file", "f", "", "zone YAML file, or - for stdin")

	return cmd
}

func zoneDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <name>",
		Short: "Delete a transport zone and its tunnels",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			if err := tunnels.DeleteTransportZone(context.Background(), args[0]); err != nil {
				return fmt.Errorf("delete transport zone: %w", err)
			}

			fmt.Printf("Transport zone %s deleted.\n", args[0])

			return nil
		},
	}
}
