// SPDX-License-Identifier: MIT

// Package daemon owns the long-lived process runtime: the HTTP server
// lifecycle (Manager) and the background sweepers that keep locker,
// heartbeat, and VIP state converging without any kiosk or admin action
// (App). Neither knows about HTTP routes or Modbus framing; both operate
// purely in terms of the manager types they supervise.
package daemon

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/rs/zerolog"

	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/kiosk/heartbeat"
	"github.com/lockergw/gateway/internal/locker/statemgr"
	"github.com/lockergw/gateway/internal/locker/vip"
)

// SweepConfig tunes how often each background sweeper runs. Reservation
// expiry runs frequently because a stuck reservation blocks a locker from
// the free pool; telemetry pruning and VIP-overdue checks tolerate a
// coarser cadence.
type SweepConfig struct {
	ReservationInterval    time.Duration
	OfflineInterval        time.Duration
	TelemetryPruneInterval time.Duration
	VIPOverdueInterval     time.Duration
	// DefaultReservationTTL is used when no config document has been
	// deployed yet; once one is, the active document's timing block wins.
	DefaultReservationTTL time.Duration
}

// DefaultSweepConfig matches the timing defaults in config.DefaultTiming.
func DefaultSweepConfig() SweepConfig {
	return SweepConfig{
		ReservationInterval:    5 * time.Second,
		OfflineInterval:        5 * time.Second,
		TelemetryPruneInterval: time.Hour,
		VIPOverdueInterval:     time.Hour,
		DefaultReservationTTL:  90 * time.Second,
	}
}

// App owns the process lifecycle: it starts the HTTP server via Manager
// and supervises every background sweeper alongside it, all under one
// errgroup so a fatal error in any of them brings the whole process down
// for a clean restart rather than leaving it half-alive.
type App struct {
	logger    zerolog.Logger
	manager   Manager
	sweep     SweepConfig
	state     *statemgr.Manager
	heartbeat *heartbeat.Manager
	vip       *vip.Manager
	cfgStore  *config.Store
	emergency *config.EmergencyWatcher
}

// NewApp constructs an App. heartbeat and vip may be nil to disable their
// sweepers, which test harnesses that only exercise the HTTP surface rely
// on.
func NewApp(logger zerolog.Logger, manager Manager, sweep SweepConfig, state *statemgr.Manager, hb *heartbeat.Manager, vipMgr *vip.Manager, cfgStore *config.Store) *App {
	return &App{
		logger:    logger,
		manager:   manager,
		sweep:     sweep,
		state:     state,
		heartbeat: hb,
		vip:       vipMgr,
		cfgStore:  cfgStore,
	}
}

// SetEmergencyWatcher attaches the on-disk emergency config mirror/watcher
// Run should supervise alongside the other sweepers. Optional: a nil
// watcher (the default, when no emergency config path is configured)
// disables the feature entirely.
func (a *App) SetEmergencyWatcher(w *config.EmergencyWatcher) {
	a.emergency = w
}

// Run starts the HTTP server and every sweeper, blocking until ctx is
// cancelled or one of them returns a fatal error.
func (a *App) Run(ctx context.Context) error {
	if a.manager == nil {
		return ErrMissingManager
	}

	g, ctx := errgroup.WithContext(ctx)

	if a.state != nil {
		g.Go(func() error { a.runReservationSweeper(ctx); return nil })
	}
	if a.heartbeat != nil {
		g.Go(func() error { a.runOfflineSweeper(ctx); return nil })
		g.Go(func() error { a.runTelemetryPruner(ctx); return nil })
	}
	if a.vip != nil {
		g.Go(func() error { a.runVIPOverdueSweeper(ctx); return nil })
	}
	if a.emergency != nil {
		g.Go(func() error { a.emergency.Run(ctx); return nil })
	}

	g.Go(func() error {
		return a.manager.Start(ctx)
	})

	return g.Wait()
}

func (a *App) runReservationSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.sweep.ReservationInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ttl := a.reservationTTL()
			n, err := a.state.ExpireReservations(ctx, ttl)
			if err != nil {
				a.logger.Error().Err(err).Str("event", "sweep.reservations.failed").Msg("reservation sweep failed")
				continue
			}
			if n > 0 {
				a.logger.Info().Int("count", n).Str("event", "sweep.reservations").Msg("expired stale reservations")
			}
		}
	}
}

// reservationTTL reads the active config document's timing block when one
// is available, so a deployed config change takes effect on the sweeper
// without a restart; it falls back to the configured default otherwise.
func (a *App) reservationTTL() time.Duration {
	if a.cfgStore == nil {
		return a.sweep.DefaultReservationTTL
	}
	active := a.cfgStore.Holder.Current()
	if active.Version == 0 {
		return a.sweep.DefaultReservationTTL
	}
	doc, err := config.ParseDocument(active.ContentJSON)
	if err != nil || doc.Timing.ReservationTTLSec <= 0 {
		return a.sweep.DefaultReservationTTL
	}
	return time.Duration(doc.Timing.ReservationTTLSec) * time.Second
}

func (a *App) runOfflineSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.sweep.OfflineInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.heartbeat.SweepOffline(ctx)
			if err != nil {
				a.logger.Error().Err(err).Str("event", "sweep.offline.failed").Msg("offline sweep failed")
				continue
			}
			if n > 0 {
				a.logger.Info().Int("count", n).Str("event", "sweep.offline").Msg("marked kiosks offline")
			}
		}
	}
}

func (a *App) runTelemetryPruner(ctx context.Context) {
	ticker := time.NewTicker(a.sweep.TelemetryPruneInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.heartbeat.PruneTelemetry(ctx)
			if err != nil {
				a.logger.Error().Err(err).Str("event", "sweep.telemetry.failed").Msg("telemetry prune failed")
				continue
			}
			if n > 0 {
				a.logger.Info().Int64("count", n).Str("event", "sweep.telemetry").Msg("pruned old telemetry rows")
			}
		}
	}
}

func (a *App) runVIPOverdueSweeper(ctx context.Context) {
	ticker := time.NewTicker(a.sweep.VIPOverdueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.vip.ExpireOverdue(ctx)
			if err != nil {
				a.logger.Error().Err(err).Str("event", "sweep.vip_overdue.failed").Msg("VIP overdue sweep failed")
				continue
			}
			if n > 0 {
				a.logger.Info().Int("count", n).Str("event", "sweep.vip_overdue").Msg("expired overdue VIP contracts")
			}
		}
	}
}
