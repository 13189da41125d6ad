package pipeline

import (
	"fmt"
	"sync"
	"time"

	"github.com/lockergw/gateway/internal/log"
	"github.com/lockergw/gateway/internal/metrics"
)

// LockoutState mirrors the classic closed/open/half-open circuit states,
// applied per Modbus slave address instead of per service dependency.
type LockoutState int

const (
	LockoutClosed LockoutState = iota
	LockoutOpen
	LockoutHalfOpen
)

func (s LockoutState) String() string {
	switch s {
	case LockoutClosed:
		return "closed"
	case LockoutOpen:
		return "open"
	case LockoutHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// LockoutConfig controls when a slave is quarantined after consecutive
// hardware failures, and how long the quarantine lasts.
type LockoutConfig struct {
	ConsecutiveFailures int           // master_lockout_fails, default 5
	Window              time.Duration // master_lockout_minutes, default 5m
	LockoutDuration     time.Duration // how long a quarantined slave stays locked out
}

func DefaultLockoutConfig() LockoutConfig {
	return LockoutConfig{
		ConsecutiveFailures: 5,
		Window:              5 * time.Minute,
		LockoutDuration:     5 * time.Minute,
	}
}

// slaveBreaker tracks consecutive-failure state for one bus slave.
type slaveBreaker struct {
	mu           sync.Mutex
	slave        int
	state        LockoutState
	consecutive  int
	firstFailAt  time.Time
	quarantineAt time.Time
	cfg          LockoutConfig
}

func newSlaveBreaker(slave int, cfg LockoutConfig) *slaveBreaker {
	return &slaveBreaker{slave: slave, state: LockoutClosed, cfg: cfg}
}

func (b *slaveBreaker) componentName() string {
	return fmt.Sprintf("bus_slave_%d", b.slave)
}

// Allow reports whether a new pulse to this slave may proceed.
func (b *slaveBreaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == LockoutOpen {
		if time.Now().After(b.quarantineAt.Add(b.cfg.LockoutDuration)) {
			b.state = LockoutHalfOpen
			metrics.SetCircuitBreakerState(b.componentName(), b.state.String())
			return true
		}
		return false
	}
	return true
}

// Report records the outcome of a pulse attempt against this slave.
func (b *slaveBreaker) Report(success bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if success {
		b.consecutive = 0
		b.firstFailAt = time.Time{}
		if b.state != LockoutClosed {
			b.state = LockoutClosed
			metrics.SetCircuitBreakerState(b.componentName(), b.state.String())
			log.L().Info().Int("slave", b.slave).Msg("bus slave lockout cleared")
		}
		return
	}

	if b.state == LockoutHalfOpen {
		b.quarantine()
		return
	}

	now := time.Now()
	if b.firstFailAt.IsZero() || now.Sub(b.firstFailAt) > b.cfg.Window {
		b.firstFailAt = now
		b.consecutive = 0
	}
	b.consecutive++

	if b.consecutive >= b.cfg.ConsecutiveFailures {
		b.quarantine()
	}
}

func (b *slaveBreaker) quarantine() {
	b.state = LockoutOpen
	b.quarantineAt = time.Now()
	metrics.SetCircuitBreakerState(b.componentName(), b.state.String())
	metrics.RecordCircuitBreakerTrip(b.componentName(), "consecutive_failures")
	log.L().Warn().Int("slave", b.slave).Msg("bus slave quarantined")
}

func (b *slaveBreaker) State() LockoutState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// BusLockoutTable is the single mutable global the pipeline keeps: a
// per-slave quarantine registry. Other state is threaded explicitly.
type BusLockoutTable struct {
	mu       sync.Mutex
	cfg      LockoutConfig
	breakers map[int]*slaveBreaker
}

func NewBusLockoutTable(cfg LockoutConfig) *BusLockoutTable {
	return &BusLockoutTable{cfg: cfg, breakers: make(map[int]*slaveBreaker)}
}

func (t *BusLockoutTable) breaker(slave int) *slaveBreaker {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, ok := t.breakers[slave]
	if !ok {
		b = newSlaveBreaker(slave, t.cfg)
		t.breakers[slave] = b
	}
	return b
}

// Allow reports whether slave is currently eligible to receive commands.
func (t *BusLockoutTable) Allow(slave int) bool {
	return t.breaker(slave).Allow()
}

// Report records a pulse outcome against slave.
func (t *BusLockoutTable) Report(slave int, success bool) {
	t.breaker(slave).Report(success)
}

// QuarantinedSlaves returns slave addresses currently locked out, for
// health reporting.
func (t *BusLockoutTable) QuarantinedSlaves() []int {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []int
	for slave, b := range t.breakers {
		if b.State() == LockoutOpen {
			out = append(out, slave)
		}
	}
	return out
}
