package server

import (
	"fmt"
	"time"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/tep"
	"github.com/dantte-lp/gofabric/pkg/fabricapi"
)

// -------------------------------------------------------------------------
// Aliveness
// -------------------------------------------------------------------------

func endpointFromAPI(field string, ep *fabricapi.Endpoint) (aliveness.Endpoint, error) {
	if ep == nil {
		return nil, nil
	}
	ip, err := parseAddr(field+".ip", ep.IP)
	if err != nil {
		return nil, err
	}
	spec := &aliveness.EndpointSpec{Kind: ep.Kind, Name: ep.Name, IP: ip}
	out, err := spec.Endpoint()
	if err != nil {
		return nil, fmt.Errorf("%s: %w", field, err)
	}
	return out, nil
}

func endpointToAPI(ep aliveness.Endpoint) *fabricapi.Endpoint {
	spec := aliveness.SpecOf(ep)
	if spec == nil {
		return nil
	}
	out := &fabricapi.Endpoint{Kind: spec.Kind, Name: spec.Name}
	if spec.IP.IsValid() {
		out.IP = spec.IP.String()
	}
	return out
}

func monitoringInfoFromAPI(req *fabricapi.MonitorStartRequest) (aliveness.MonitoringInfo, error) {
	src, err := endpointFromAPI("source", &req.Source)
	if err != nil {
		return aliveness.MonitoringInfo{}, err
	}
	dst, err := endpointFromAPI("destination", req.Destination)
	if err != nil {
		return aliveness.MonitoringInfo{}, err
	}
	mode := aliveness.MonitoringMode(req.Mode)
	if mode == "" {
		mode = aliveness.ModeOneOne
	}
	return aliveness.MonitoringInfo{
		Mode:        mode,
		ProfileID:   req.ProfileID,
		Source:      src,
		Destination: dst,
	}, nil
}

func profileFromAPI(p fabricapi.Profile) (aliveness.Profile, error) {
	proto, err := aliveness.ParseProtocolType(p.Protocol)
	if err != nil {
		return aliveness.Profile{}, err
	}
	return aliveness.Profile{
		ID:               p.ID,
		Protocol:         proto,
		FailureThreshold: p.FailureThreshold,
		MonitorInterval:  time.Duration(p.MonitorIntervalMs) * time.Millisecond,
		MonitorWindow:    p.MonitorWindow,
	}, nil
}

func profileToAPI(p aliveness.Profile) fabricapi.Profile {
	return fabricapi.Profile{
		ID:                p.ID,
		Protocol:          p.Protocol.String(),
		FailureThreshold:  p.FailureThreshold,
		MonitorIntervalMs: uint64(p.MonitorInterval.Milliseconds()),
		MonitorWindow:     p.MonitorWindow,
	}
}

func monitorStateToAPI(st aliveness.MonitoringState) fabricapi.MonitorState {
	return fabricapi.MonitorState{
		MonitorID:            st.MonitorID,
		MonitorKey:           st.MonitorKey,
		State:                st.State.String(),
		Status:               st.Status.String(),
		RequestCount:         st.RequestCount,
		ResponsePendingCount: st.ResponsePendingCount,
	}
}

func monitorToAPI(snap aliveness.MonitorSnapshot) fabricapi.Monitor {
	m := fabricapi.Monitor{
		MonitorID:   snap.Info.ID,
		Mode:        string(snap.Info.Mode),
		Destination: endpointToAPI(snap.Info.Destination),
		Profile:     profileToAPI(snap.Profile),
		State:       monitorStateToAPI(snap.State),
	}
	if src := endpointToAPI(snap.Info.Source); src != nil {
		m.Source = *src
	}
	return m
}

func monitorEventToAPI(ev aliveness.MonitorEvent) fabricapi.MonitorEvent {
	return fabricapi.MonitorEvent{
		MonitorID:  ev.MonitorID,
		MonitorKey: ev.MonitorKey,
		State:      ev.State.String(),
		Time:       ev.Time,
	}
}

// currentEvent reports the present state of a monitor as an event.
func currentEvent(snap aliveness.MonitorSnapshot) *fabricapi.MonitorEvent {
	return &fabricapi.MonitorEvent{
		MonitorID:  snap.Info.ID,
		MonitorKey: snap.State.MonitorKey,
		State:      snap.State.State.String(),
		Time:       time.Now(),
	}
}

// -------------------------------------------------------------------------
// Tunnels
// -------------------------------------------------------------------------

func zoneFromAPI(z fabricapi.TransportZone) (tep.TransportZone, error) {
	t, err := tep.ParseTunnelType(z.Type)
	if err != nil {
		return tep.TransportZone{}, err
	}
	out := tep.TransportZone{
		Name:        z.Name,
		Type:        t,
		Vteps:       make([]tep.ZoneVtep, 0, len(z.Vteps)),
		DeviceVteps: make([]tep.DeviceVtep, 0, len(z.DeviceVteps)),
	}
	for i, v := range z.Vteps {
		ip, err := parseAddr(fmt.Sprintf("zone.vteps[%d].ip", i), v.IP)
		if err != nil {
			return tep.TransportZone{}, err
		}
		out.Vteps = append(out.Vteps, tep.ZoneVtep{
			DpnID:    tep.DpnID(v.DpnID),
			IP:       ip,
			PortName: v.PortName,
			VlanID:   v.VlanID,
		})
	}
	for i, d := range z.DeviceVteps {
		ip, err := parseAddr(fmt.Sprintf("zone.device_vteps[%d].ip", i), d.IP)
		if err != nil {
			return tep.TransportZone{}, err
		}
		out.DeviceVteps = append(out.DeviceVteps, tep.DeviceVtep{NodeID: d.NodeID, IP: ip})
	}
	return out, nil
}

func zoneToAPI(z tep.TransportZone) fabricapi.TransportZone {
	out := fabricapi.TransportZone{
		Name:  z.Name,
		Type:  string(z.Type),
		Vteps: make([]fabricapi.Vtep, 0, len(z.Vteps)),
	}
	for _, v := range z.Vteps {
		out.Vteps = append(out.Vteps, fabricapi.Vtep{
			DpnID:    uint64(v.DpnID),
			IP:       v.IP.String(),
			PortName: v.PortName,
			VlanID:   v.VlanID,
		})
	}
	for _, d := range z.DeviceVteps {
		out.DeviceVteps = append(out.DeviceVteps, fabricapi.DeviceVtep{NodeID: d.NodeID, IP: d.IP.String()})
	}
	return out
}

func tunnelEndToAPI(e tep.TunnelEndInfo) fabricapi.TunnelEnd {
	out := fabricapi.TunnelEnd{NodeID: e.NodeID, Device: e.Device.String()}
	if e.IP.IsValid() {
		out.IP = e.IP.String()
	}
	return out
}

func tunnelStateToAPI(st tep.StateTunnel) fabricapi.TunnelState {
	return fabricapi.TunnelState{
		InterfaceName: st.InterfaceName,
		Type:          string(st.Type),
		OperState:     string(st.OperState),
		LinkUp:        st.LinkUp,
		TunnelState:   st.TunnelState,
		IfIndex:       st.IfIndex,
		PortNumber:    st.PortNumber,
		Source:        tunnelEndToAPI(st.Source),
		Destination:   tunnelEndToAPI(st.Destination),
	}
}
