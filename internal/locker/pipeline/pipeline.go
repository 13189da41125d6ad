// Package pipeline serializes every relay actuation in the system, giving
// mutual exclusion on the Modbus bus and retry/backoff semantics around
// single pulses, timed bursts, and sequential bulk opens.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lockergw/gateway/internal/locker/mapper"
	"github.com/lockergw/gateway/internal/metrics"
)

// ErrBurstExhausted is returned by Burst when total_ms elapses without a
// successful pulse.
var ErrBurstExhausted = errors.New("pipeline: burst exhausted without a successful pulse")

// ErrQuarantined is returned when the target slave is currently locked out.
var ErrQuarantined = errors.New("pipeline: slave is quarantined")

// Transport is the subset of modbus.Transport the pipeline depends on.
type Transport interface {
	WriteSingleCoil(ctx context.Context, slave, coil int, on bool, timeout time.Duration) error
}

// Config controls pulse timing and retry policy.
type Config struct {
	PulseMs           int
	BurstMs           int
	BurstIntervalMs   int
	CommandIntervalMs int
	MaxRetries        int
	TransportTimeout  time.Duration
	Lockout           LockoutConfig
}

func DefaultConfig() Config {
	return Config{
		PulseMs:           400,
		BurstMs:           10_000,
		BurstIntervalMs:   2_000,
		CommandIntervalMs: 300,
		MaxRetries:        3,
		TransportTimeout:  2 * time.Second,
		Lockout:           DefaultLockoutConfig(),
	}
}

// Pipeline owns exclusive access to the bus: every request funnels through
// a single mutex, so exactly one Modbus frame is ever in flight.
type Pipeline struct {
	mu      sync.Mutex
	cfg     Config
	mapCfg  mapper.Config
	tr      Transport
	lockout *BusLockoutTable
}

func New(tr Transport, mapCfg mapper.Config, cfg Config) *Pipeline {
	return &Pipeline{
		cfg:     cfg,
		mapCfg:  mapCfg,
		tr:      tr,
		lockout: NewBusLockoutTable(cfg.Lockout),
	}
}

// SetMapperConfig swaps the address-mapping configuration atomically,
// picked up by the next call.
func (p *Pipeline) SetMapperConfig(cfg mapper.Config) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.mapCfg = cfg
}

// QuarantinedSlaves reports slaves currently locked out, for health checks.
func (p *Pipeline) QuarantinedSlaves() []int {
	return p.lockout.QuarantinedSlaves()
}

// Pulse resolves the locker's address, acquires the bus, sends coil-ON,
// waits pulseMs, sends coil-OFF, and releases the bus. The OFF write is
// attempted even if the ON write failed or the context was cancelled
// mid-pulse, and even if ON timed out.
func (p *Pipeline) Pulse(ctx context.Context, lockerID int) error {
	p.mu.Lock()
	mapCfg := p.mapCfg
	p.mu.Unlock()

	addr, err := mapper.Resolve(mapCfg, lockerID)
	if err != nil {
		return err
	}

	if !p.lockout.Allow(addr.Slave) {
		metrics.PulseTotal.WithLabelValues(slaveLabel(addr.Slave), "quarantined").Inc()
		return ErrQuarantined
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	start := time.Now()
	err = p.pulseLocked(ctx, addr)
	metrics.PulseDuration.WithLabelValues(slaveLabel(addr.Slave)).Observe(time.Since(start).Seconds())

	outcome := "success"
	if err != nil {
		outcome = "failure"
	}
	metrics.PulseTotal.WithLabelValues(slaveLabel(addr.Slave), outcome).Inc()
	p.lockout.Report(addr.Slave, err == nil)

	return err
}

func (p *Pipeline) pulseLocked(ctx context.Context, addr mapper.Address) error {
	pulseMs := p.cfg.PulseMs
	if pulseMs <= 0 {
		pulseMs = 400
	}

	onErr := p.writeWithRetry(ctx, addr.Slave, addr.Coil, true)

	// OFF is best-effort regardless of whether ON succeeded, and regardless
	// of context cancellation: a relay left energized is worse than a
	// slightly-late OFF write.
	select {
	case <-time.After(time.Duration(pulseMs) * time.Millisecond):
	case <-ctx.Done():
	}

	offCtx := context.Background()
	_ = p.writeWithRetry(offCtx, addr.Slave, addr.Coil, false)

	if onErr != nil {
		return fmt.Errorf("pulse locker on slave %d coil %d: %w", addr.Slave, addr.Coil, onErr)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return nil
}

// writeWithRetry retries a single coil write with exponential backoff
// starting at 100ms, capped at 1s: the first attempt plus up to
// cfg.MaxRetries retries.
func (p *Pipeline) writeWithRetry(ctx context.Context, slave, coil int, on bool) error {
	maxRetries := p.cfg.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 3
	}
	backoff := 100 * time.Millisecond

	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			backoff *= 2
			if backoff > time.Second {
				backoff = time.Second
			}
		}

		lastErr = p.tr.WriteSingleCoil(ctx, slave, coil, on, p.cfg.TransportTimeout)
		if lastErr == nil {
			return nil
		}
	}
	return lastErr
}

// Burst issues Pulse every intervalMs until totalMs elapses or a pulse
// succeeds, returning on first success or ErrBurstExhausted.
func (p *Pipeline) Burst(ctx context.Context, lockerID int) error {
	totalMs := p.cfg.BurstMs
	if totalMs <= 0 {
		totalMs = 10_000
	}
	intervalMs := p.cfg.BurstIntervalMs
	if intervalMs <= 0 {
		intervalMs = 2_000
	}

	deadline := time.Now().Add(time.Duration(totalMs) * time.Millisecond)

	for {
		if err := ctx.Err(); err != nil {
			metrics.BurstOutcomeTotal.WithLabelValues("cancelled").Inc()
			return err
		}

		if err := p.Pulse(ctx, lockerID); err == nil {
			metrics.BurstOutcomeTotal.WithLabelValues("success").Inc()
			return nil
		}

		if time.Now().Add(time.Duration(intervalMs) * time.Millisecond).After(deadline) {
			metrics.BurstOutcomeTotal.WithLabelValues("exhausted").Inc()
			return ErrBurstExhausted
		}

		select {
		case <-time.After(time.Duration(intervalMs) * time.Millisecond):
		case <-ctx.Done():
			metrics.BurstOutcomeTotal.WithLabelValues("cancelled").Inc()
			return ctx.Err()
		}
	}
}

// OpenAll issues sequential Pulse calls across lockerIDs with at least
// commandIntervalMs between them; pulses are never issued in parallel.
func (p *Pipeline) OpenAll(ctx context.Context, lockerIDs []int) map[int]error {
	intervalMs := p.cfg.CommandIntervalMs
	if intervalMs <= 0 {
		intervalMs = 300
	}

	results := make(map[int]error, len(lockerIDs))
	for i, id := range lockerIDs {
		if err := ctx.Err(); err != nil {
			results[id] = err
			continue
		}
		results[id] = p.Pulse(ctx, id)

		if i < len(lockerIDs)-1 {
			select {
			case <-time.After(time.Duration(intervalMs) * time.Millisecond):
			case <-ctx.Done():
			}
		}
	}
	return results
}

func slaveLabel(slave int) string {
	return fmt.Sprintf("%d", slave)
}
