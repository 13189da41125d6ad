// Package statemgr holds the authoritative ownership state machine for
// lockers: the only code allowed to mutate the locker table. Every
// mutation is a compare-and-set against the row's version column, so
// concurrent callers never silently clobber each other.
package statemgr

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/cache"
	"github.com/lockergw/gateway/internal/eventbus"
	"github.com/lockergw/gateway/internal/fsm"
	"github.com/lockergw/gateway/internal/metrics"
	"github.com/lockergw/gateway/internal/telemetry"
)

// Status is a locker's lifecycle state.
type Status string

const (
	StatusFree     Status = "Free"
	StatusReserved Status = "Reserved"
	StatusOwned    Status = "Owned"
	StatusBlocked  Status = "Blocked"
)

// OwnerType identifies what kind of entity holds a locker.
type OwnerType string

const (
	OwnerNone   OwnerType = ""
	OwnerRFID   OwnerType = "rfid"
	OwnerDevice OwnerType = "device"
	OwnerVIP    OwnerType = "vip"
)

// Event drives the locker state machine.
type Event string

const (
	eventAssign    Event = "assign"
	eventConfirm   Event = "confirm"
	eventRelease   Event = "release"
	eventExpire    Event = "expire"
	eventVipBind   Event = "vip_bind"
	eventVipUnbind Event = "vip_unbind"
	eventBlock     Event = "block"
	eventUnblock   Event = "unblock"
)

// transitions is the complete, static edge set of the ownership state
// machine. A fresh Machine is built from this table with the row's
// observed status as the initial state each time a mutation is
// attempted; the table itself never changes at runtime.
var transitions = []fsm.Transition[Status, Event]{
	{From: StatusFree, Event: eventAssign, To: StatusReserved},
	{From: StatusReserved, Event: eventConfirm, To: StatusOwned},
	{From: StatusReserved, Event: eventRelease, To: StatusFree},
	{From: StatusReserved, Event: eventExpire, To: StatusFree},
	{From: StatusOwned, Event: eventRelease, To: StatusFree},
	{From: StatusFree, Event: eventVipBind, To: StatusOwned},
	{From: StatusOwned, Event: eventVipUnbind, To: StatusFree},
	{From: StatusFree, Event: eventBlock, To: StatusBlocked},
	{From: StatusReserved, Event: eventBlock, To: StatusBlocked},
	{From: StatusOwned, Event: eventBlock, To: StatusBlocked},
	{From: StatusBlocked, Event: eventUnblock, To: StatusFree},
}

// fire validates that event is legal from the given state and returns the
// resulting state, without mutating anything.
func fire(ctx context.Context, from Status, event Event) (Status, error) {
	m, err := fsm.New(from, transitions)
	if err != nil {
		return from, err
	}
	return m.Fire(ctx, event)
}

var (
	// ErrLockerNotFound is returned when (kiosk_id, locker_id) has no row.
	ErrLockerNotFound = errors.New("statemgr: locker not found")
	// ErrLockerBusy is returned when a locker is not Free but an operation
	// requires it to be.
	ErrLockerBusy = errors.New("statemgr: locker busy")
	// ErrLockerBlocked is returned when an operation targets a Blocked locker.
	ErrLockerBlocked = errors.New("statemgr: locker blocked")
	// ErrVipProtected is returned when an operation would mutate a VIP
	// locker without the explicit force flag.
	ErrVipProtected = errors.New("statemgr: locker is VIP protected")
	// ErrVipConflict is returned when a card already holds an active VIP
	// locker elsewhere (V1).
	ErrVipConflict = errors.New("statemgr: card already holds a VIP locker")
	// ErrConcurrencyConflict is returned when a compare-and-set update
	// loses the race against another writer.
	ErrConcurrencyConflict = errors.New("statemgr: concurrency conflict")
	// ErrOwnerMismatch is returned when Confirm targets a locker reserved
	// by a different owner.
	ErrOwnerMismatch = errors.New("statemgr: owner mismatch")
	// ErrOwnerConflict is returned by Assign when ownerKey already holds a
	// Reserved or Owned locker elsewhere (I4: an RFID card owns at most
	// one locker at a time), including the case where a concurrent Assign
	// for the same card won the race against idx_locker_owner_unique.
	ErrOwnerConflict = errors.New("statemgr: owner already holds another locker")
	// ErrZoneNotFound is returned by GetAvailableLockers when the
	// requested zone does not exist or is disabled.
	ErrZoneNotFound = errors.New("statemgr: zone not found")
)

// Locker is a snapshot of one row in the locker table.
type Locker struct {
	KioskID    string
	ID         int
	Status     Status
	OwnerType  OwnerType
	OwnerKey   string
	ReservedAt *time.Time
	OwnedAt    *time.Time
	IsVIP      bool
	Version    int
}

// StateChanged is published on eventbus.TopicLockerStateChanged.
type StateChanged struct {
	KioskID  string
	LockerID int
	From     Status
	To       Status
	Event    Event
}

// availabilityCacheTTL bounds how stale a GetAvailableLockers response may
// be when a cache is configured: long enough to absorb a kiosk fleet
// polling availability in a tight loop, short enough that a just-freed
// locker reappears to the next kiosk within one human-perceptible beat.
const availabilityCacheTTL = 2 * time.Second

// Manager is the authoritative owner of the locker table.
type Manager struct {
	db         *sql.DB
	bus        eventbus.Bus
	audit      *audit.Logger
	cache      cache.Cache
	instrument *telemetry.Instruments
}

// New constructs a Manager. bus and auditLogger may be nil in tests that
// don't care about side-channel notifications.
func New(db *sql.DB, bus eventbus.Bus, auditLogger *audit.Logger) *Manager {
	return &Manager{db: db, bus: bus, audit: auditLogger}
}

// SetCache attaches an optional read-through cache for GetAvailableLockers.
// Every state mutation invalidates the affected kiosk's entries, so a
// deployment without a cache (c == nil, the default) and one with Redis
// behind it observe identical consistency from the caller's point of view,
// just different latency under load.
func (m *Manager) SetCache(c cache.Cache) {
	m.cache = c
}

// SetTelemetry attaches the optional OpenTelemetry instrument set. Nil (the
// default) means every state transition is still counted on the
// Prometheus registry, just not mirrored onto an OTel meter.
func (m *Manager) SetTelemetry(i *telemetry.Instruments) {
	m.instrument = i
}

// recordTransition increments both the Prometheus counter and, when
// telemetry is attached, the equivalent OTel instrument for event.
func (m *Manager) recordTransition(ctx context.Context, event Event) {
	metrics.LockerStateTransitions.WithLabelValues(string(event)).Inc()
	m.instrument.RecordTransition(ctx, string(event))
}

func (m *Manager) invalidateAvailability(kioskID string) {
	if m.cache == nil {
		return
	}
	m.cache.Delete(availabilityCacheKey(kioskID))
}

func availabilityCacheKey(kioskID string) string {
	return "statemgr:available:" + kioskID
}

func (m *Manager) publish(ctx context.Context, change StateChanged) {
	m.invalidateAvailability(change.KioskID)
	if m.bus == nil {
		return
	}
	_ = m.bus.Publish(ctx, eventbus.TopicLockerStateChanged, eventbus.Message{Payload: change})
}

func (m *Manager) loadLocker(ctx context.Context, tx *sql.Tx, kioskID string, lockerID int) (*Locker, error) {
	row := tx.QueryRowContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, version
		FROM locker WHERE kiosk_id = ? AND id = ?`, kioskID, lockerID)

	l, err := scanLocker(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrLockerNotFound
		}
		return nil, fmt.Errorf("statemgr: load locker: %w", err)
	}
	return l, nil
}

// withTx runs fn inside an immediate write transaction, committing on
// success and rolling back on any error.
func (m *Manager) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("statemgr: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}
