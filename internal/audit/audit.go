// SPDX-License-Identifier: MIT

// Package audit provides the append-only Event Logger: a structured
// WHO/WHAT/WHEN record of locker state transitions and operator actions.
// Personal identifiers (RFID card numbers, device IDs) are hashed before
// they ever reach the log so the audit trail can be retained and exported
// without leaking raw card data.
package audit

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/lockergw/gateway/internal/log"
	"github.com/rs/zerolog"
)

// EventType identifies the kind of audit event.
type EventType string

const (
	EventLockerAssigned  EventType = "locker.assigned"
	EventLockerConfirmed EventType = "locker.confirmed"
	EventLockerReleased  EventType = "locker.released"
	EventLockerBlocked   EventType = "locker.blocked"
	EventLockerUnblocked EventType = "locker.unblocked"
	EventLockerExpired   EventType = "locker.expired"

	EventVipBound             EventType = "vip.bound"
	EventVipUnbound           EventType = "vip.unbound"
	EventVipTransferRequested EventType = "vip.transfer_requested"
	EventVipTransferApproved  EventType = "vip.transfer_approved"
	EventVipTransferRejected  EventType = "vip.transfer_rejected"

	EventCommandEnqueued EventType = "command.enqueued"
	EventCommandFailed   EventType = "command.failed"
	EventCommandDead     EventType = "command.dead_lettered"

	EventHardwareFault EventType = "hardware.fault"
	EventBusLockout     EventType = "hardware.bus_lockout"

	EventConfigDeployed   EventType = "config.deployed"
	EventConfigRolledBack EventType = "config.rolled_back"

	EventBulkRelease EventType = "locker.bulk_released"
	EventStaffOpen   EventType = "locker.staff_opened"

	EventKioskOnline  EventType = "kiosk.online"
	EventKioskOffline EventType = "kiosk.offline"
)

// Event is a single append-only audit record.
type Event struct {
	Timestamp time.Time         `json:"timestamp"`
	Type      EventType         `json:"type"`
	KioskID   string            `json:"kiosk_id,omitempty"`
	LockerID  int               `json:"locker_id,omitempty"`
	Actor     string            `json:"actor"` // operator username, "system", or a hashed identifier
	Action    string            `json:"action"`
	Result    string            `json:"result"` // success, failure, denied
	RequestID string            `json:"request_id,omitempty"`
	Details   map[string]string `json:"details,omitempty"`
}

// Logger writes audit events to a dedicated structured log stream.
type Logger struct {
	logger zerolog.Logger
	hashKey []byte
}

// NewLogger creates an audit logger. hashKey salts the HMAC used to
// pseudonymize personal identifiers (RFID card numbers, device IDs) before
// they are written to the log; it must be stable across process restarts
// so the same card always hashes to the same pseudonym.
func NewLogger(hashKey []byte) *Logger {
	auditLogger := log.WithComponent("audit").With().
		Str("log_type", "audit").
		Logger()

	return &Logger{logger: auditLogger, hashKey: hashKey}
}

// HashIdentifier derives a stable, irreversible pseudonym for a personal
// identifier (RFID UID, device fingerprint) using HMAC-SHA256 keyed by the
// logger's configured secret. The same input always yields the same output,
// which allows correlating repeated events for the same card without
// storing or logging the card number itself.
func (l *Logger) HashIdentifier(identifier string) string {
	if identifier == "" {
		return ""
	}
	mac := hmac.New(sha256.New, l.hashKey)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))[:16]
}

// Log writes an audit event.
func (l *Logger) Log(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	logEvent := l.logger.Info().
		Time("timestamp", event.Timestamp).
		Str("event_type", string(event.Type)).
		Str("actor", event.Actor).
		Str("action", event.Action).
		Str("result", event.Result)

	if event.KioskID != "" {
		logEvent = logEvent.Str("kiosk_id", event.KioskID)
	}
	if event.LockerID != 0 {
		logEvent = logEvent.Int("locker_id", event.LockerID)
	}
	if event.RequestID != "" {
		logEvent = logEvent.Str("request_id", event.RequestID)
	}
	for key, value := range event.Details {
		logEvent = logEvent.Str(key, value)
	}

	logEvent.Msg("audit event")
}

// LogFromContext enriches the event with the request ID carried on ctx
// before writing it.
func (l *Logger) LogFromContext(ctx context.Context, event Event) {
	if event.RequestID == "" {
		event.RequestID = log.RequestIDFromContext(ctx)
	}
	l.Log(event)
}

// LockerAssigned records a successful locker assignment. ownerKey is hashed
// before it is written.
func (l *Logger) LockerAssigned(ctx context.Context, kioskID string, lockerID int, ownerType, ownerKey string) {
	l.LogFromContext(ctx, Event{
		Type:     EventLockerAssigned,
		KioskID:  kioskID,
		LockerID: lockerID,
		Actor:    "system",
		Action:   "assigned locker",
		Result:   "success",
		Details: map[string]string{
			"owner_type": ownerType,
			"owner_hash": l.HashIdentifier(ownerKey),
		},
	})
}

// LockerReleased records a locker release, whether operator- or
// system-initiated (reservation expiry, bulk end-of-day release).
func (l *Logger) LockerReleased(ctx context.Context, kioskID string, lockerID int, actor, reason string) {
	l.LogFromContext(ctx, Event{
		Type:     EventLockerReleased,
		KioskID:  kioskID,
		LockerID: lockerID,
		Actor:    actor,
		Action:   "released locker",
		Result:   "success",
		Details:  map[string]string{"reason": reason},
	})
}

// LockerBlocked records an operator blocking a locker for maintenance.
func (l *Logger) LockerBlocked(ctx context.Context, kioskID string, lockerID int, actor, reason string) {
	l.LogFromContext(ctx, Event{
		Type:     EventLockerBlocked,
		KioskID:  kioskID,
		LockerID: lockerID,
		Actor:    actor,
		Action:   "blocked locker",
		Result:   "success",
		Details:  map[string]string{"reason": reason},
	})
}

// VipBound records the creation of a VIP contract.
func (l *Logger) VipBound(ctx context.Context, kioskID string, lockerID int, actor, contractID, rfidCard string) {
	l.LogFromContext(ctx, Event{
		Type:     EventVipBound,
		KioskID:  kioskID,
		LockerID: lockerID,
		Actor:    actor,
		Action:   "bound VIP contract",
		Result:   "success",
		Details: map[string]string{
			"contract_id": contractID,
			"card_hash":   l.HashIdentifier(rfidCard),
		},
	})
}

// HardwareFault records a Modbus command failure that did not mutate
// logical locker state (rolled back to its prior state).
func (l *Logger) HardwareFault(ctx context.Context, kioskID string, lockerID int, reason string) {
	l.LogFromContext(ctx, Event{
		Type:     EventHardwareFault,
		KioskID:  kioskID,
		LockerID: lockerID,
		Actor:    "system",
		Action:   "hardware command failed",
		Result:   "failure",
		Details:  map[string]string{"reason": reason},
	})
}

// BusLockout records a Modbus slave entering or leaving quarantine.
func (l *Logger) BusLockout(ctx context.Context, slave int, state string) {
	l.LogFromContext(ctx, Event{
		Type:    EventBusLockout,
		Actor:   "system",
		Action:  "bus slave lockout state changed",
		Result:  state,
		Details: map[string]string{"slave": formatInt(slave)},
	})
}

// ConfigDeployed records a new configuration version being applied.
func (l *Logger) ConfigDeployed(ctx context.Context, actor string, version int, hash string) {
	l.LogFromContext(ctx, Event{
		Type:   EventConfigDeployed,
		Actor:  actor,
		Action: "deployed configuration",
		Result: "success",
		Details: map[string]string{
			"version": formatInt(version),
			"hash":    hash,
		},
	})
}

// ConfigRolledBack records a configuration rollback to a prior version.
func (l *Logger) ConfigRolledBack(ctx context.Context, actor string, toVersion int) {
	l.LogFromContext(ctx, Event{
		Type:    EventConfigRolledBack,
		Actor:   actor,
		Action:  "rolled back configuration",
		Result:  "success",
		Details: map[string]string{"to_version": formatInt(toVersion)},
	})
}

// BulkRelease records the end-of-day bulk release sweep.
func (l *Logger) BulkRelease(ctx context.Context, actor string, kioskID string, released int) {
	l.LogFromContext(ctx, Event{
		Type:    EventBulkRelease,
		KioskID: kioskID,
		Actor:   actor,
		Action:  "bulk released lockers",
		Result:  "success",
		Details: map[string]string{"count": formatInt(released)},
	})
}

// StaffOpen records a Master PIN staff-initiated open, bypassing ownership
// checks.
func (l *Logger) StaffOpen(ctx context.Context, kioskID string, lockerID int, actor string) {
	l.LogFromContext(ctx, Event{
		Type:     EventStaffOpen,
		KioskID:  kioskID,
		LockerID: lockerID,
		Actor:    actor,
		Action:   "staff override open",
		Result:   "success",
	})
}

// CommandFailed records a kiosk command exceeding a retry attempt.
func (l *Logger) CommandFailed(ctx context.Context, kioskID, commandID string, attempt int, lastErr string) {
	l.LogFromContext(ctx, Event{
		Type:    EventCommandFailed,
		KioskID: kioskID,
		Actor:   "system",
		Action:  "command attempt failed",
		Result:  "failure",
		Details: map[string]string{
			"command_id": commandID,
			"attempt":    formatInt(attempt),
			"error":      lastErr,
		},
	})
}

// KioskConnectivityChanged records a kiosk transitioning online or offline.
func (l *Logger) KioskConnectivityChanged(ctx context.Context, kioskID string, online bool) {
	eventType := EventKioskOffline
	result := "offline"
	if online {
		eventType = EventKioskOnline
		result = "online"
	}
	l.LogFromContext(ctx, Event{
		Type:    eventType,
		KioskID: kioskID,
		Actor:   "system",
		Action:  "kiosk connectivity changed",
		Result:  result,
	})
}

func formatInt(i int) string {
	if i == 0 {
		return "0"
	}
	neg := i < 0
	if neg {
		i = -i
	}
	var buf [20]byte
	pos := len(buf)
	for i > 0 {
		pos--
		buf[pos] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		pos--
		buf[pos] = '-'
	}
	return string(buf[pos:])
}
