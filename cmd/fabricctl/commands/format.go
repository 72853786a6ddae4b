// Package commands implements the fabricctl CLI commands.
package commands

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

const (
	formatJSON  = "json"
	formatYAML  = "yaml"
	formatTable = "table"
	valueNA     = "N/A"
)

// errUnsupportedFormat is returned when the requested output format is not supported.
var errUnsupportedFormat = errors.New("unsupported output format")

// tableFunc writes the table rendering of a value.
type tableFunc func(w *tabwriter.Writer)

// render formats v as JSON, YAML, or a table drawn by table.
func render(v any, format string, table tableFunc) (string, error) {
	switch format {
	case formatJSON:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return "", fmt.Errorf("marshal to JSON: %w", err)
		}
		return string(data) + "\n", nil
	case formatYAML:
		return toYAML(v)
	case formatTable:
		var buf strings.Builder
		w := tabwriter.NewWriter(&buf, 0, 0, 2, ' ', 0)
		table(w)
		if err := w.Flush(); err != nil {
			return "", fmt.Errorf("flush tabwriter: %w", err)
		}
		return buf.String(), nil
	default:
		return "", fmt.Errorf("%w: %q", errUnsupportedFormat, format)
	}
}

// toYAML renders v in block style with the field names and order of its
// JSON encoding.
func toYAML(v any) (string, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("marshal to JSON: %w", err)
	}
	var node yaml.Node
	if err := yaml.Unmarshal(data, &node); err != nil {
		return "", fmt.Errorf("decode JSON as YAML: %w", err)
	}
	blockStyle(&node)
	out, err := yaml.Marshal(&node)
	if err != nil {
		return "", fmt.Errorf("marshal to YAML: %w", err)
	}
	return string(out), nil
}

// blockStyle drops the flow and quoting styles of the JSON input. Tagged
// strings that would read back as another type stay quoted.
func blockStyle(n *yaml.Node) {
	if n.Kind != yaml.DocumentNode {
		n.Style = 0
	}
	for _, c := range n.Content {
		blockStyle(c)
	}
}

// --- Aliveness ---

func formatMonitors(resp *fabricapi.ListMonitorsResponse, format string) (string, error) {
	return render(resp, format, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tPROTOCOL\tSOURCE\tDESTINATION\tSTATE\tSTATUS\tKEY")
		for _, m := range resp.Monitors {
			fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n",
				m.MonitorID,
				m.Profile.Protocol,
				endpointString(&m.Source),
				endpointString(m.Destination),
				m.State.State,
				m.State.Status,
				m.State.MonitorKey,
			)
		}
	})
}

func formatMonitorState(st *fabricapi.MonitorState, format string) (string, error) {
	return render(st, format, func(w *tabwriter.Writer) {
		fmt.Fprintf(w, "Monitor ID:\t%d\n", st.MonitorID)
		fmt.Fprintf(w, "Monitor Key:\t%s\n", st.MonitorKey)
		fmt.Fprintf(w, "State:\t%s\n", st.State)
		fmt.Fprintf(w, "Status:\t%s\n", st.Status)
		fmt.Fprintf(w, "Requests Sent:\t%d\n", st.RequestCount)
		fmt.Fprintf(w, "Responses Pending:\t%d\n", st.ResponsePendingCount)
	})
}

func formatEvent(ev *fabricapi.MonitorEvent, format string) (string, error) {
	if format == formatTable {
		return fmt.Sprintf("[%s] monitor=%d  key=%s  state=%s",
			ev.Time.Format(time.RFC3339), ev.MonitorID, ev.MonitorKey, ev.State), nil
	}
	out, err := render(ev, format, nil)
	return strings.TrimSuffix(out, "\n"), err
}

func formatProfiles(profiles []fabricapi.Profile, format string) (string, error) {
	return render(profiles, format, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "ID\tPROTOCOL\tINTERVAL\tTHRESHOLD\tWINDOW")
		for _, p := range profiles {
			fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%d\n",
				p.ID,
				p.Protocol,
				time.Duration(p.MonitorIntervalMs)*time.Millisecond,
				p.FailureThreshold,
				p.MonitorWindow,
			)
		}
	})
}

func endpointString(ep *fabricapi.Endpoint) string {
	if ep == nil {
		return valueNA
	}
	switch ep.Kind {
	case fabricapi.EndpointInterface:
		return ep.Name
	case fabricapi.EndpointIP:
		return ep.IP
	default:
		return valueNA
	}
}

// --- Tunnels ---

func formatZones(zones []fabricapi.TransportZone, format string) (string, error) {
	return render(zones, format, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "NAME\tTYPE\tVTEPS\tDEVICE-VTEPS")
		for _, z := range zones {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", z.Name, z.Type, len(z.Vteps), len(z.DeviceVteps))
		}
	})
}

func formatTunnels(tunnels []fabricapi.Tunnel, format string) (string, error) {
	return render(tunnels, format, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "INTERFACE\tTYPE\tSOURCE\tDESTINATION\tKIND")
		for _, t := range tunnels {
			kind := "external"
			if t.Internal {
				kind = "internal"
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", t.InterfaceName, t.Type, t.Source, t.Destination, kind)
		}
	})
}

func formatTunnelStates(states []fabricapi.TunnelState, format string) (string, error) {
	return render(states, format, func(w *tabwriter.Writer) {
		fmt.Fprintln(w, "INTERFACE\tTYPE\tOPER\tLINK\tTUNNEL\tIFINDEX\tSOURCE\tDESTINATION")
		for _, s := range states {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
				s.InterfaceName,
				s.Type,
				s.OperState,
				upDown(s.LinkUp),
				upDown(s.TunnelState),
				ifIndexString(s.IfIndex),
				tunnelEndString(s.Source),
				tunnelEndString(s.Destination),
			)
		}
	})
}

func upDown(up bool) string {
	if up {
		return "up"
	}
	return "down"
}

func ifIndexString(i uint32) string {
	if i == 0 {
		return valueNA
	}
	return strconv.FormatUint(uint64(i), 10)
}

func tunnelEndString(e fabricapi.TunnelEnd) string {
	if e.NodeID == "" {
		return e.IP
	}
	return e.NodeID + "/" + e.IP
}
