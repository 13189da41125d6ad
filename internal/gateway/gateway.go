// Package gateway glues the State Manager, Command Pipeline, and Config
// Store together behind the Kiosk User Flow protocol: a card scan either
// opens an existing locker or offers a list of free ones, and a selection
// reserves, pulses, and confirms one. It holds no authoritative state of
// its own; every fact it reports comes from statemgr or the pipeline.
package gateway

import (
	"context"
	"fmt"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/config"
	"github.com/lockergw/gateway/internal/eventbus"
	"github.com/lockergw/gateway/internal/locker/pipeline"
	"github.com/lockergw/gateway/internal/locker/statemgr"
	"github.com/lockergw/gateway/internal/log"
)

// Action is the instruction a kiosk's touch screen acts on next.
type Action string

const (
	ActionOpenLocker Action = "open_locker"
	ActionShowLockers Action = "show_lockers"
)

// ScanResult is the response to a card scan, step 3/4 of the flow.
type ScanResult struct {
	Action   Action
	LockerID int              // set when Action == ActionOpenLocker
	VIP      bool             // set when Action == ActionOpenLocker
	Lockers  []statemgr.Locker // set when Action == ActionShowLockers
}

// SelectResult is the response to a kiosk's locker selection, step 5.
type SelectResult struct {
	LockerID int
	VIP      bool
}

// Gateway orchestrates a scan-to-pulse round trip for one kiosk fleet.
type Gateway struct {
	state    *statemgr.Manager
	pipe     *pipeline.Pipeline
	cfgStore *config.Store
	audit    *audit.Logger
	bus      eventbus.Bus
}

// New constructs a Gateway and wires it to the Config Store so that a
// zone-geometry change takes effect on the pipeline the moment it is
// applied, without a restart.
func New(state *statemgr.Manager, pipe *pipeline.Pipeline, cfgStore *config.Store, auditLogger *audit.Logger, bus eventbus.Bus) *Gateway {
	g := &Gateway{state: state, pipe: pipe, cfgStore: cfgStore, audit: auditLogger, bus: bus}

	if active, ok := cfgStoreActive(cfgStore); ok {
		g.applyDocument(active.ContentJSON)
	}

	if bus != nil {
		sub, err := bus.Subscribe(context.Background(), eventbus.TopicConfigDeployed)
		if err == nil {
			go g.watchConfig(sub)
		}
	}
	return g
}

func cfgStoreActive(s *config.Store) (config.Version, bool) {
	if s == nil {
		return config.Version{}, false
	}
	v := s.Holder.Current()
	if v.Version == 0 {
		return config.Version{}, false
	}
	return v, true
}

func (g *Gateway) watchConfig(sub eventbus.Subscriber) {
	defer func() { _ = sub.Close() }()
	for msg := range sub.C() {
		v, ok := msg.Payload.(config.Version)
		if !ok {
			continue
		}
		g.applyDocument(v.ContentJSON)
	}
}

func (g *Gateway) applyDocument(contentJSON string) {
	logger := log.WithComponent("gateway")
	doc, err := config.ParseDocument(contentJSON)
	if err != nil {
		logger.Error().Err(err).Msg("rejected config document: invalid zone geometry")
		return
	}
	mapCfg, err := doc.MapperConfig()
	if err != nil {
		logger.Error().Err(err).Msg("rejected config document: mapper conversion failed")
		return
	}
	g.pipe.SetMapperConfig(mapCfg)
	logger.Info().Int("zones", len(mapCfg.Zones)).Msg("applied new zone configuration to pipeline")
}

// Scan implements steps 2-4 of the Kiosk User Flow: look up existing
// ownership for the scanning card and either pulse-and-release it, or
// return the kiosk's available lockers for the user to choose from.
func (g *Gateway) Scan(ctx context.Context, kioskID, cardID string) (ScanResult, error) {
	existing, found, err := g.state.CheckExistingOwnership(ctx, statemgr.OwnerRFID, cardID)
	if err != nil {
		return ScanResult{}, fmt.Errorf("gateway: check existing ownership: %w", err)
	}

	if found {
		if err := g.pipe.Pulse(ctx, existing.ID); err != nil {
			if g.audit != nil {
				g.audit.HardwareFault(ctx, kioskID, existing.ID, err.Error())
			}
			return ScanResult{}, fmt.Errorf("gateway: pulse existing locker: %w", err)
		}
		if !existing.IsVIP {
			if err := g.state.Release(ctx, kioskID, existing.ID, cardID, "card_scan", false); err != nil {
				return ScanResult{}, fmt.Errorf("gateway: release after pulse: %w", err)
			}
		}
		return ScanResult{Action: ActionOpenLocker, LockerID: existing.ID, VIP: existing.IsVIP}, nil
	}

	lockers, err := g.state.GetAvailableLockers(ctx, kioskID, "")
	if err != nil {
		return ScanResult{}, fmt.Errorf("gateway: get available lockers: %w", err)
	}
	return ScanResult{Action: ActionShowLockers, Lockers: lockers}, nil
}

// Select implements step 5 of the Kiosk User Flow: reserve the chosen
// locker, pulse it, and confirm on success, or revert the reservation on
// pulse failure.
func (g *Gateway) Select(ctx context.Context, kioskID string, lockerID int, cardID string) (SelectResult, error) {
	if err := g.state.Assign(ctx, kioskID, lockerID, statemgr.OwnerRFID, cardID); err != nil {
		return SelectResult{}, err
	}

	if err := g.pipe.Pulse(ctx, lockerID); err != nil {
		if g.audit != nil {
			g.audit.HardwareFault(ctx, kioskID, lockerID, err.Error())
		}
		if relErr := g.state.Release(ctx, kioskID, lockerID, cardID, "pulse_failed", false); relErr != nil {
			log.WithComponent("gateway").Error().Err(relErr).Msg("failed to revert reservation after pulse failure")
		}
		return SelectResult{}, fmt.Errorf("gateway: pulse selected locker: %w", err)
	}

	if err := g.state.Confirm(ctx, kioskID, lockerID, cardID); err != nil {
		return SelectResult{}, fmt.Errorf("gateway: confirm after pulse: %w", err)
	}
	return SelectResult{LockerID: lockerID}, nil
}

// StaffOpen drives the Master PIN kiosk flow: pulse the target locker and
// release it to Free in one step, regardless of its current owner.
func (g *Gateway) StaffOpen(ctx context.Context, kioskID string, lockerID int, staffUser string) error {
	if err := g.pipe.Pulse(ctx, lockerID); err != nil {
		if g.audit != nil {
			g.audit.HardwareFault(ctx, kioskID, lockerID, err.Error())
		}
		return fmt.Errorf("gateway: staff open pulse: %w", err)
	}
	if err := g.state.StaffOpen(ctx, kioskID, lockerID, staffUser); err != nil {
		return err
	}
	return nil
}
