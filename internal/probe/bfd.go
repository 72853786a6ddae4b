package probe

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/dantte-lp/gofabric/internal/aliveness"
	"github.com/dantte-lp/gofabric/internal/store"
	"github.com/dantte-lp/gofabric/internal/tep"
)

// Defaults applied when a BFD profile leaves timing unset.
const (
	DefaultBFDInterval   = time.Second
	DefaultBFDMultiplier = 3
)

// BFD delegates liveness detection to the BFD session of a tunnel
// interface. Starting a monitor enables BFD in the interface's
// configuration; the southbound programs the session and reports its
// status back through the engine's SessionStatusChanged.
type BFD struct {
	store  store.Store
	logger *slog.Logger
}

// NewBFD creates a BFD handler writing tunnel interface records in s.
func NewBFD(s store.Store, logger *slog.Logger) *BFD {
	return &BFD{
		store:  s,
		logger: logger.With(slog.String("component", "probe.bfd")),
	}
}

// Protocol implements aliveness.Handler.
func (*BFD) Protocol() aliveness.ProtocolType { return aliveness.ProtocolBFD }

// SessionBased implements aliveness.Handler.
func (*BFD) SessionBased() bool { return true }

// PacketClass implements aliveness.Handler. BFD consumes no packet-ins.
func (*BFD) PacketClass() aliveness.PacketClass { return "" }

// UniqueMonitoringKey implements aliveness.Handler.
func (*BFD) UniqueMonitoringKey(info aliveness.MonitoringInfo) string {
	return info.SourceInterface() + ":bfd"
}

// HandlePacketIn implements aliveness.Handler.
func (*BFD) HandlePacketIn(aliveness.PacketIn) string { return "" }

// ValidateMonitor implements aliveness.MonitorValidator. The source must
// be a configured tunnel interface that originates on a DPN.
func (h *BFD) ValidateMonitor(ctx context.Context, info aliveness.MonitoringInfo) error {
	src, err := sourceInterface(info)
	if err != nil {
		return err
	}
	cfg, found, err := tep.Interface(ctx, h.store, src.Name)
	if err != nil {
		return fmt.Errorf("read tunnel %s: %w", src.Name, err)
	}
	if !found {
		return fmt.Errorf("tunnel %s: %w", src.Name, tep.ErrTunnelNotFound)
	}
	if _, ok := cfg.SourceDpn(); !ok {
		return fmt.Errorf("tunnel %s from %s: %w", src.Name, cfg.Source, ErrHWVTEPUnsupported)
	}
	return nil
}

// StartMonitoringTask implements aliveness.Handler. It enables BFD on the
// tunnel interface with timers derived from profile.
func (h *BFD) StartMonitoringTask(ctx context.Context, info aliveness.MonitoringInfo, profile aliveness.Profile) error {
	interval := cmp.Or(profile.MonitorInterval, DefaultBFDInterval)
	return h.setBFD(ctx, info.SourceInterface(), func(tep.BFDConfig) tep.BFDConfig {
		return tep.BFDConfig{
			Enabled:    true,
			MinRx:      interval,
			MinTx:      interval,
			Multiplier: cmp.Or(profile.FailureThreshold, DefaultBFDMultiplier),
		}
	})
}

// StopMonitoringTask implements aliveness.Handler. It disables BFD on the
// tunnel interface and keeps the timers.
func (h *BFD) StopMonitoringTask(ctx context.Context, info aliveness.MonitoringInfo) error {
	return h.setBFD(ctx, info.SourceInterface(), func(cur tep.BFDConfig) tep.BFDConfig {
		cur.Enabled = false
		return cur
	})
}

func (h *BFD) setBFD(ctx context.Context, ifName string, fn func(tep.BFDConfig) tep.BFDConfig) error {
	var next tep.BFDConfig
	err := store.Update(ctx, h.store, func(tx store.Txn) error {
		var cfg tep.InterfaceConfig
		found, err := tx.Read(ctx, store.PlaneConfig, tep.InterfacePath(ifName), &cfg)
		if err != nil {
			return err
		}
		if !found {
			return fmt.Errorf("tunnel %s: %w", ifName, tep.ErrTunnelNotFound)
		}

		var cur tep.BFDConfig
		if cfg.BFD != nil {
			cur = *cfg.BFD
		}
		next = fn(cur)
		return tx.Merge(store.PlaneConfig, tep.InterfacePath(ifName), map[string]any{"bfd": next})
	})
	if err != nil {
		return fmt.Errorf("configure bfd on %s: %w", ifName, err)
	}

	h.logger.Info("tunnel bfd configured",
		slog.String("interface", ifName),
		slog.Bool("enabled", next.Enabled),
		slog.Duration("interval", next.MinTx),
		slog.Uint64("multiplier", uint64(next.Multiplier)),
	)
	return nil
}
