package aliveness

import (
	"cmp"
	"slices"
	"strconv"

	"github.com/dantte-lp/gofabric/internal/store"
)

// Store layout.
//
//	config:      aliveness/profiles/<profile-id>      Profile
//	config:      aliveness/monitors/<monitor-id>      monitorRecord
//	operational: aliveness/states/<monitor-key>       MonitoringState
//	operational: aliveness/monitor-keys/<monitor-id>  monitorKeyRecord
//	operational: aliveness/interfaces/<ifname>        InterfaceMonitorEntry
const (
	profilesPrefix    = "aliveness/profiles/"
	monitorsPrefix    = "aliveness/monitors/"
	statesPrefix      = "aliveness/states/"
	monitorKeysPrefix = "aliveness/monitor-keys/"
	interfacesPrefix  = "aliveness/interfaces/"
)

type monitorKeyRecord struct {
	MonitorKey string `json:"monitor_key"`
}

func profilePath(id uint32) string {
	return profilesPrefix + strconv.FormatUint(uint64(id), 10)
}

func monitorPath(id uint32) string {
	return monitorsPrefix + strconv.FormatUint(uint64(id), 10)
}

func statePath(key string) string {
	return statesPrefix + key
}

func monitorKeyPath(id uint32) string {
	return monitorKeysPrefix + strconv.FormatUint(uint64(id), 10)
}

func interfacePath(name string) string {
	return interfacesPrefix + name
}

// addInterfaceMonitor records id under the interface entry.
func addInterfaceMonitor(tx store.Txn, entry InterfaceMonitorEntry, found bool, name string, id uint32) error {
	if !found {
		entry = InterfaceMonitorEntry{InterfaceName: name}
	}
	if slices.Contains(entry.MonitorIDs, id) {
		return nil
	}
	entry.MonitorIDs = append(entry.MonitorIDs, id)
	slices.Sort(entry.MonitorIDs)
	return tx.Put(store.PlaneOperational, interfacePath(name), entry)
}

// removeInterfaceMonitor drops id from the interface entry and deletes the
// entry once empty.
func removeInterfaceMonitor(tx store.Txn, entry InterfaceMonitorEntry, name string, id uint32) error {
	entry.MonitorIDs = slices.DeleteFunc(entry.MonitorIDs, func(v uint32) bool { return v == id })
	if len(entry.MonitorIDs) == 0 {
		tx.Delete(store.PlaneOperational, interfacePath(name))
		return nil
	}
	return tx.Put(store.PlaneOperational, interfacePath(name), entry)
}

func sortByID[T any](items []T, id func(T) uint32) {
	slices.SortFunc(items, func(a, b T) int { return cmp.Compare(id(a), id(b)) })
}
