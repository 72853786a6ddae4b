// Package config manages fabricd configuration using koanf/v2.
//
// Supports YAML files and environment variables layered over defaults.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/dantte-lp/gofabric/internal/tep"
)

// -------------------------------------------------------------------------
// Configuration Structures
// -------------------------------------------------------------------------

// Config holds the complete fabricd configuration.
type Config struct {
	API        APIConfig        `koanf:"api"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Log        LogConfig        `koanf:"log"`
	Store      StoreConfig      `koanf:"store"`
	Aliveness  AlivenessConfig  `koanf:"aliveness"`
	TEP        TEPConfig        `koanf:"tep"`
	Southbound SouthboundConfig `koanf:"southbound"`
	Notify     NotifyConfig     `koanf:"notify"`
}

// APIConfig holds the ConnectRPC server configuration.
type APIConfig struct {
	// Addr is the API listen address (e.g., ":50052").
	Addr string `koanf:"addr"`
}

// MetricsConfig holds the Prometheus metrics endpoint configuration.
type MetricsConfig struct {
	// Addr is the HTTP listen address for the metrics endpoint (e.g., ":9101").
	Addr string `koanf:"addr"`
	// Path is the URL path for the metrics endpoint (e.g., "/metrics").
	Path string `koanf:"path"`
}

// LogConfig holds the logging configuration.
type LogConfig struct {
	// Level is the log level: "debug", "info", "warn", "error".
	Level string `koanf:"level"`
	// Format is the log output format: "json" or "text".
	Format string `koanf:"format"`
}

// Store backends.
const (
	BackendMemory = "memory"
	BackendEtcd   = "etcd"
)

// StoreConfig selects and configures the transactional store.
type StoreConfig struct {
	// Backend is "memory" (single instance, not persistent) or "etcd".
	Backend string     `koanf:"backend"`
	Etcd    EtcdConfig `koanf:"etcd"`
}

// EtcdConfig holds the etcd backend parameters.
type EtcdConfig struct {
	Endpoints   []string      `koanf:"endpoints"`
	Prefix      string        `koanf:"prefix"`
	DialTimeout time.Duration `koanf:"dial_timeout"`

	// Election makes clustered watches fire on the elected leader only.
	Election bool `koanf:"election"`

	// NodeID identifies this instance in the election. Defaults to the
	// hostname.
	NodeID     string `koanf:"node_id"`
	SessionTTL int    `koanf:"session_ttl"`
}

// PoolConfig is an id range [Low, High].
type PoolConfig struct {
	Low  uint32 `koanf:"low"`
	High uint32 `koanf:"high"`
}

// AlivenessConfig holds the aliveness engine parameters.
type AlivenessConfig struct {
	// LockTimeout bounds how long a packet-in waits for a monitor key lock
	// before stealing it.
	LockTimeout  time.Duration `koanf:"lock_timeout"`
	ProbeWorkers int           `koanf:"probe_workers"`
	MonitorPool  PoolConfig    `koanf:"monitor_pool"`
	ProfilePool  PoolConfig    `koanf:"profile_pool"`

	// SystemName is advertised in the LLDP system-name TLV.
	SystemName string `koanf:"system_name"`
}

// TEPConfig holds the tunnel endpoint subsystem parameters.
type TEPConfig struct {
	TunnelPool    PoolConfig    `koanf:"tunnel_pool"`
	LportPool     PoolConfig    `koanf:"lport_pool"`
	JobWorkers    int           `koanf:"job_workers"`
	JobRetries    uint          `koanf:"job_retries"`
	JobRetryDelay time.Duration `koanf:"job_retry_delay"`

	BFD TunnelBFDConfig `koanf:"bfd"`

	// TransportZones are applied on startup and SIGHUP reload.
	TransportZones []TransportZoneConfig `koanf:"transport_zones"`
}

// TunnelBFDConfig is the BFD configuration applied to every new tunnel.
type TunnelBFDConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Interval   time.Duration `koanf:"interval"`
	Multiplier uint32        `koanf:"multiplier"`
}

// TransportZoneConfig describes a declarative transport zone.
type TransportZoneConfig struct {
	Name        string             `koanf:"name"`
	Type        string             `koanf:"type"`
	Vteps       []VtepConfig       `koanf:"vteps"`
	DeviceVteps []DeviceVtepConfig `koanf:"device_vteps"`
}

// VtepConfig is one DPN in a declarative zone. DpnID accepts decimal or
// 0x-prefixed hex.
type VtepConfig struct {
	DpnID    string `koanf:"dpn_id"`
	IP       string `koanf:"ip"`
	PortName string `koanf:"port_name"`
	VlanID   uint16 `koanf:"vlan_id"`
}

// DeviceVtepConfig is one hardware VTEP in a declarative zone.
type DeviceVtepConfig struct {
	NodeID string `koanf:"node_id"`
	IP     string `koanf:"ip"`
}

// Zone converts the declarative form into a validated tep.TransportZone.
func (zc TransportZoneConfig) Zone() (tep.TransportZone, error) {
	t, err := tep.ParseTunnelType(zc.Type)
	if err != nil {
		return tep.TransportZone{}, err
	}
	z := tep.TransportZone{Name: zc.Name, Type: t}
	for _, v := range zc.Vteps {
		dpn, err := tep.ParseDpnID(v.DpnID)
		if err != nil {
			return tep.TransportZone{}, fmt.Errorf("vtep dpn_id %q: %w", v.DpnID, err)
		}
		ip, err := netip.ParseAddr(v.IP)
		if err != nil {
			return tep.TransportZone{}, fmt.Errorf("vtep %s ip: %w", v.DpnID, err)
		}
		z.Vteps = append(z.Vteps, tep.ZoneVtep{DpnID: dpn, IP: ip, PortName: v.PortName, VlanID: v.VlanID})
	}
	for _, d := range zc.DeviceVteps {
		ip, err := netip.ParseAddr(d.IP)
		if err != nil {
			return tep.TransportZone{}, fmt.Errorf("device vtep %s ip: %w", d.NodeID, err)
		}
		z.DeviceVteps = append(z.DeviceVteps, tep.DeviceVtep{NodeID: d.NodeID, IP: ip})
	}
	if err := z.Validate(); err != nil {
		return tep.TransportZone{}, err
	}
	return z, nil
}

// SouthboundConfig holds the data-plane integration parameters.
type SouthboundConfig struct {
	OVSDB   OVSDBConfig   `koanf:"ovsdb"`
	Netlink NetlinkConfig `koanf:"netlink"`
	Packet  PacketConfig  `koanf:"packet"`
}

// OVSDBConfig configures the Open_vSwitch database monitor.
type OVSDBConfig struct {
	// Endpoint is the OVSDB server, e.g. "unix:/var/run/openvswitch/db.sock"
	// or "tcp:127.0.0.1:6640". Empty disables the monitor.
	Endpoint       string        `koanf:"endpoint"`
	ReconnectDelay time.Duration `koanf:"reconnect_delay"`
}

// NetlinkConfig configures the link-state monitor.
type NetlinkConfig struct {
	Enabled bool `koanf:"enabled"`
}

// PacketConfig configures raw frame I/O for the LLDP and IPv6-ND probes.
type PacketConfig struct {
	// Interfaces get one raw socket each. Empty disables frame I/O.
	Interfaces []string `koanf:"interfaces"`

	// Rate caps packet-ins per second; 0 means unlimited.
	Rate  float64 `koanf:"rate"`
	Burst int     `koanf:"burst"`
}

// NotifyConfig configures the MonitorEvent sinks. A sink with an empty
// address is disabled.
type NotifyConfig struct {
	Redis RedisConfig `koanf:"redis"`
	Kafka KafkaConfig `koanf:"kafka"`
}

// RedisConfig configures the Redis pub/sub sink.
type RedisConfig struct {
	Addr    string `koanf:"addr"`
	Channel string `koanf:"channel"`
}

// KafkaConfig configures the Kafka sink.
type KafkaConfig struct {
	Brokers []string `koanf:"brokers"`
	Topic   string   `koanf:"topic"`
}

// -------------------------------------------------------------------------
// Defaults
// -------------------------------------------------------------------------

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		API: APIConfig{
			Addr: ":50052",
		},
		Metrics: MetricsConfig{
			Addr: ":9101",
			Path: "/metrics",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Store: StoreConfig{
			Backend: BackendMemory,
			Etcd: EtcdConfig{
				Prefix:      "/gofabric/",
				DialTimeout: 5 * time.Second,
				SessionTTL:  10,
			},
		},
		Aliveness: AlivenessConfig{
			LockTimeout:  50 * time.Millisecond,
			ProbeWorkers: 8,
			MonitorPool:  PoolConfig{Low: 1, High: 65535},
			ProfilePool:  PoolConfig{Low: 1, High: 65535},
			SystemName:   "gofabric",
		},
		TEP: TEPConfig{
			TunnelPool:    PoolConfig{Low: 1, High: 1 << 20},
			LportPool:     PoolConfig{Low: 1, High: 1 << 20},
			JobWorkers:    4,
			JobRetries:    3,
			JobRetryDelay: 100 * time.Millisecond,
			BFD: TunnelBFDConfig{
				Interval:   time.Second,
				Multiplier: 3,
			},
		},
		Southbound: SouthboundConfig{
			OVSDB: OVSDBConfig{
				ReconnectDelay: 500 * time.Millisecond,
			},
			Netlink: NetlinkConfig{
				Enabled: true,
			},
			Packet: PacketConfig{
				Rate:  1000,
				Burst: 100,
			},
		},
		Notify: NotifyConfig{
			Redis: RedisConfig{Channel: "gofabric:monitor:events"},
			Kafka: KafkaConfig{Topic: "gofabric.monitor.events"},
		},
	}
}

// -------------------------------------------------------------------------
// Loader
// -------------------------------------------------------------------------

// envPrefix is the environment variable prefix for fabricd configuration.
// Levels are separated by a double underscore so that keys may contain
// single underscores: GOFABRIC_STORE__ETCD__DIAL_TIMEOUT.
const envPrefix = "GOFABRIC_"

// Load reads configuration from a YAML file at path, overlays environment
// variable overrides (GOFABRIC_ prefix), and merges on top of
// DefaultConfig(). Missing fields inherit defaults.
//
// Environment variable mapping:
//
//	GOFABRIC_API__ADDR                -> api.addr
//	GOFABRIC_LOG__LEVEL               -> log.level
//	GOFABRIC_STORE__BACKEND           -> store.backend
//	GOFABRIC_STORE__ETCD__ENDPOINTS   -> store.etcd.endpoints (comma separated)
//	GOFABRIC_SOUTHBOUND__OVSDB__ENDPOINT -> southbound.ovsdb.endpoint
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("load config from %s: %w", path, err)
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validate config from %s: %w", path, err)
	}

	return cfg, nil
}

// envKeyMapper transforms GOFABRIC_STORE__ETCD__DIAL_TIMEOUT into
// store.etcd.dial_timeout.
func envKeyMapper(s string) string {
	s = strings.TrimPrefix(s, envPrefix)
	s = strings.ToLower(s)
	return strings.ReplaceAll(s, "__", ".")
}

// loadDefaults sets the default config into koanf as the base layer.
func loadDefaults(k *koanf.Koanf, d *Config) error {
	defaultMap := map[string]any{
		"api.addr":                          d.API.Addr,
		"metrics.addr":                      d.Metrics.Addr,
		"metrics.path":                      d.Metrics.Path,
		"log.level":                         d.Log.Level,
		"log.format":                        d.Log.Format,
		"store.backend":                     d.Store.Backend,
		"store.etcd.prefix":                 d.Store.Etcd.Prefix,
		"store.etcd.dial_timeout":           d.Store.Etcd.DialTimeout.String(),
		"store.etcd.session_ttl":            d.Store.Etcd.SessionTTL,
		"aliveness.lock_timeout":            d.Aliveness.LockTimeout.String(),
		"aliveness.probe_workers":           d.Aliveness.ProbeWorkers,
		"aliveness.monitor_pool.low":        d.Aliveness.MonitorPool.Low,
		"aliveness.monitor_pool.high":       d.Aliveness.MonitorPool.High,
		"aliveness.profile_pool.low":        d.Aliveness.ProfilePool.Low,
		"aliveness.profile_pool.high":       d.Aliveness.ProfilePool.High,
		"aliveness.system_name":             d.Aliveness.SystemName,
		"tep.tunnel_pool.low":               d.TEP.TunnelPool.Low,
		"tep.tunnel_pool.high":              d.TEP.TunnelPool.High,
		"tep.lport_pool.low":                d.TEP.LportPool.Low,
		"tep.lport_pool.high":               d.TEP.LportPool.High,
		"tep.job_workers":                   d.TEP.JobWorkers,
		"tep.job_retries":                   d.TEP.JobRetries,
		"tep.job_retry_delay":               d.TEP.JobRetryDelay.String(),
		"tep.bfd.enabled":                   d.TEP.BFD.Enabled,
		"tep.bfd.interval":                  d.TEP.BFD.Interval.String(),
		"tep.bfd.multiplier":                d.TEP.BFD.Multiplier,
		"southbound.ovsdb.reconnect_delay":  d.Southbound.OVSDB.ReconnectDelay.String(),
		"southbound.netlink.enabled":        d.Southbound.Netlink.Enabled,
		"southbound.packet.rate":            d.Southbound.Packet.Rate,
		"southbound.packet.burst":           d.Southbound.Packet.Burst,
		"notify.redis.channel":              d.Notify.Redis.Channel,
		"notify.kafka.topic":                d.Notify.Kafka.Topic,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// -------------------------------------------------------------------------
// Validation
// -------------------------------------------------------------------------

// Validation errors.
var (
	// ErrEmptyAPIAddr indicates the API listen address is empty.
	ErrEmptyAPIAddr = errors.New("api.addr must not be empty")

	// ErrInvalidStoreBackend indicates an unknown store backend.
	ErrInvalidStoreBackend = errors.New("store.backend must be memory or etcd")

	// ErrNoEtcdEndpoints indicates the etcd backend has no endpoints.
	ErrNoEtcdEndpoints = errors.New("store.etcd.endpoints must not be empty")

	// ErrInvalidPool indicates an id pool with low == 0 or low > high.
	ErrInvalidPool = errors.New("id pool range is invalid")

	// ErrInvalidLockTimeout indicates a non-positive lock timeout.
	ErrInvalidLockTimeout = errors.New("aliveness.lock_timeout must be > 0")

	// ErrInvalidWorkers indicates a worker count below one.
	ErrInvalidWorkers = errors.New("worker count must be >= 1")

	// ErrInvalidBFDMultiplier indicates tep.bfd.multiplier is zero.
	ErrInvalidBFDMultiplier = errors.New("tep.bfd.multiplier must be >= 1")

	// ErrInvalidPacketRate indicates a negative packet-in rate or burst.
	ErrInvalidPacketRate = errors.New("southbound.packet rate and burst must be >= 0")

	// ErrInvalidZoneConfig indicates a declarative transport zone that
	// cannot be converted.
	ErrInvalidZoneConfig = errors.New("transport zone is invalid")

	// ErrDuplicateZone indicates two declarative zones share a name.
	ErrDuplicateZone = errors.New("duplicate transport zone name")
)

// Validate checks the configuration for logical errors.
// Returns the first validation error encountered.
func Validate(cfg *Config) error {
	if cfg.API.Addr == "" {
		return ErrEmptyAPIAddr
	}

	switch cfg.Store.Backend {
	case BackendMemory:
	case BackendEtcd:
		if len(cfg.Store.Etcd.Endpoints) == 0 {
			return ErrNoEtcdEndpoints
		}
	default:
		return fmt.Errorf("%q: %w", cfg.Store.Backend, ErrInvalidStoreBackend)
	}

	if cfg.Aliveness.LockTimeout <= 0 {
		return ErrInvalidLockTimeout
	}
	if cfg.Aliveness.ProbeWorkers < 1 {
		return fmt.Errorf("aliveness.probe_workers: %w", ErrInvalidWorkers)
	}
	if cfg.TEP.JobWorkers < 1 {
		return fmt.Errorf("tep.job_workers: %w", ErrInvalidWorkers)
	}

	pools := []struct {
		name string
		p    PoolConfig
	}{
		{"aliveness.monitor_pool", cfg.Aliveness.MonitorPool},
		{"aliveness.profile_pool", cfg.Aliveness.ProfilePool},
		{"tep.tunnel_pool", cfg.TEP.TunnelPool},
		{"tep.lport_pool", cfg.TEP.LportPool},
	}
	for _, pool := range pools {
		if pool.p.Low == 0 || pool.p.Low > pool.p.High {
			return fmt.Errorf("%s [%d, %d]: %w", pool.name, pool.p.Low, pool.p.High, ErrInvalidPool)
		}
	}

	if cfg.TEP.BFD.Enabled && cfg.TEP.BFD.Multiplier < 1 {
		return ErrInvalidBFDMultiplier
	}

	if cfg.Southbound.Packet.Rate < 0 || cfg.Southbound.Packet.Burst < 0 {
		return ErrInvalidPacketRate
	}

	return validateZones(cfg.TEP.TransportZones)
}

// validateZones checks each declarative zone for correctness.
func validateZones(zones []TransportZoneConfig) error {
	seen := make(map[string]struct{}, len(zones))

	for i, zc := range zones {
		if _, err := zc.Zone(); err != nil {
			return fmt.Errorf("tep.transport_zones[%d]: %w: %w", i, ErrInvalidZoneConfig, err)
		}
		if _, dup := seen[zc.Name]; dup {
			return fmt.Errorf("tep.transport_zones[%d] %q: %w", i, zc.Name, ErrDuplicateZone)
		}
		seen[zc.Name] = struct{}{}
	}

	return nil
}

// -------------------------------------------------------------------------
// Log Level Parsing
// -------------------------------------------------------------------------

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
//
// Recognized values: "debug", "info", "warn", "error" (case-insensitive).
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
