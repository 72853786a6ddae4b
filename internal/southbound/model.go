package southbound

import (
	"fmt"

	"github.com/ovn-org/libovsdb/model"
)

// DatabaseName is the OVSDB schema monitored on every DPN.
const DatabaseName = "Open_vSwitch"

// Bridge is the subset of the Open_vSwitch Bridge table read by the
// monitor.
type Bridge struct {
	UUID       string   `ovsdb:"_uuid"`
	Name       string   `ovsdb:"name"`
	DatapathID *string  `ovsdb:"datapath_id"`
	Ports      []string `ovsdb:"ports"`
}

// Port is the subset of the Port table read by the monitor.
type Port struct {
	UUID       string   `ovsdb:"_uuid"`
	Name       string   `ovsdb:"name"`
	Interfaces []string `ovsdb:"interfaces"`
}

// Interface is the subset of the Interface table read by the monitor.
type Interface struct {
	UUID      string            `ovsdb:"_uuid"`
	Name      string            `ovsdb:"name"`
	Type      string            `ovsdb:"type"`
	Ofport    *int              `ovsdb:"ofport"`
	LinkState *string           `ovsdb:"link_state"`
	BFDStatus map[string]string `ovsdb:"bfd_status"`
}

// DatabaseModel returns the client model for the monitored tables.
func DatabaseModel() (model.ClientDBModel, error) {
	m, err := model.NewClientDBModel(DatabaseName, map[string]model.Model{
		"Bridge":    &Bridge{},
		"Port":      &Port{},
		"Interface": &Interface{},
	})
	if err != nil {
		return model.ClientDBModel{}, fmt.Errorf("build %s model: %w", DatabaseName, err)
	}
	return m, nil
}
