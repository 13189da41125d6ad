package statemgr

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/metrics"
)

// normalizeOwnerKey applies Unicode NFC normalization to a card/key
// identifier before it is stored or compared. An RFID reader's NDEF text
// record can carry the same visual card ID in more than one Unicode
// encoding (composed vs. decomposed accents); without normalizing first,
// two different byte sequences that look identical could pass as distinct
// owners and defeat the single-owner invariant.
func normalizeOwnerKey(key string) string {
	return norm.NFC.String(key)
}

// Assign moves a Free, non-VIP locker to Reserved for (ownerType, ownerKey).
// Calling it again for the same (locker, owner) while already Reserved by
// that owner is a no-op success (idempotent per the kiosk's at-least-once
// retry behavior).
func (m *Manager) Assign(ctx context.Context, kioskID string, lockerID int, ownerType OwnerType, ownerKey string) error {
	ownerKey = normalizeOwnerKey(ownerKey)
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}

		if l.IsVIP {
			return ErrVipProtected
		}
		if l.Status == StatusReserved && l.OwnerType == ownerType && l.OwnerKey == ownerKey {
			return nil // idempotent
		}
		if l.Status != StatusFree {
			return ErrLockerBusy
		}

		// I4: re-check ownership inside this transaction, not just before
		// it started, so two concurrent Scan->Select flows for the same
		// card targeting different free lockers cannot both pass this
		// check and each CAS their own row successfully.
		if other, found, err := checkExistingOwnership(ctx, tx, ownerType, ownerKey); err != nil {
			return err
		} else if found && other.ID != lockerID {
			return ErrOwnerConflict
		}

		to, err := fire(ctx, l.Status, eventAssign)
		if err != nil {
			return err
		}

		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE locker SET status = ?, owner_type = ?, owner_key = ?, reserved_at = ?, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), string(ownerType), ownerKey, now.UnixMilli(), kioskID, lockerID, l.Version)
		if err != nil {
			if isUniqueConstraintError(err) {
				return ErrOwnerConflict
			}
			return fmt.Errorf("statemgr: assign update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("assign").Inc()
			return err
		}

		m.recordTransition(ctx, eventAssign)
		if m.audit != nil {
			m.audit.LockerAssigned(ctx, kioskID, lockerID, string(ownerType), ownerKey)
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventAssign})
		return nil
	})
}

// Confirm moves a Reserved locker held by ownerKey to Owned. Idempotent
// when the locker is already Owned by the same owner.
func (m *Manager) Confirm(ctx context.Context, kioskID string, lockerID int, ownerKey string) error {
	ownerKey = normalizeOwnerKey(ownerKey)
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}

		if l.Status == StatusOwned && l.OwnerKey == ownerKey {
			return nil // idempotent
		}
		if l.Status != StatusReserved {
			return ErrLockerBusy
		}
		if l.OwnerKey != ownerKey {
			return ErrOwnerMismatch
		}

		to, err := fire(ctx, l.Status, eventConfirm)
		if err != nil {
			return err
		}

		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE locker SET status = ?, owned_at = ?, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), now.UnixMilli(), kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: confirm update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("confirm").Inc()
			return err
		}

		m.recordTransition(ctx, eventConfirm)
		if m.audit != nil {
			m.audit.LogFromContext(ctx, audit.Event{
				Type:     audit.EventLockerConfirmed,
				KioskID:  kioskID,
				LockerID: lockerID,
				Actor:    "system",
				Action:   "confirmed locker ownership",
				Result:   "success",
				Details:  map[string]string{"owner_hash": m.audit.HashIdentifier(ownerKey)},
			})
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventConfirm})
		return nil
	})
}

// Release frees a locker, clearing its owner fields. Calling it on an
// already-Free locker is a no-op success. VIP lockers are left untouched
// unless forceVIP is set, in which case the VIP binding is cleared too.
func (m *Manager) Release(ctx context.Context, kioskID string, lockerID int, actor, reason string, forceVIP bool) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}

		if l.Status == StatusFree {
			return nil // idempotent (L1)
		}
		if l.IsVIP && !forceVIP {
			return ErrVipProtected
		}
		if l.Status == StatusBlocked {
			return ErrLockerBlocked
		}

		to, err := fire(ctx, l.Status, eventRelease)
		if err != nil {
			return err
		}

		clearVIP := 0
		if forceVIP {
			clearVIP = 1
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE locker
			SET status = ?, owner_type = NULL, owner_key = NULL, reserved_at = NULL, owned_at = NULL,
			    is_vip = CASE WHEN ? = 1 THEN 0 ELSE is_vip END,
			    version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), clearVIP, kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: release update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("release").Inc()
			return err
		}

		m.recordTransition(ctx, eventRelease)
		if m.audit != nil {
			m.audit.LockerReleased(ctx, kioskID, lockerID, actor, reason)
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventRelease})
		return nil
	})
}

// StaffOpen lets a staff member open any non-Blocked, non-VIP locker from a
// kiosk's Master PIN flow and releases it back to Free in the same step,
// regardless of whatever owner currently holds it. It does not pulse the
// relay itself; the caller is expected to drive the hardware open alongside
// this state transition. VIP lockers are never touched here — staff must
// go through Cancel in internal/locker/vip to release one of those.
func (m *Manager) StaffOpen(ctx context.Context, kioskID string, lockerID int, staffUser string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.IsVIP {
			return ErrVipProtected
		}
		if l.Status == StatusBlocked {
			return ErrLockerBlocked
		}
		if l.Status == StatusFree {
			if m.audit != nil {
				m.audit.StaffOpen(ctx, kioskID, lockerID, staffUser)
			}
			return nil
		}

		to, err := fire(ctx, l.Status, eventRelease)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE locker
			SET status = ?, owner_type = NULL, owner_key = NULL, reserved_at = NULL, owned_at = NULL, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: staff open update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("staff_open").Inc()
			return err
		}

		m.recordTransition(ctx, eventRelease)
		if m.audit != nil {
			m.audit.StaffOpen(ctx, kioskID, lockerID, staffUser)
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventRelease})
		return nil
	})
}

// VipBind converts a Free locker into a permanently VIP-owned one for
// card. Enforces V1: a card may hold at most one active VIP locker.
func (m *Manager) VipBind(ctx context.Context, kioskID string, lockerID int, card string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status != StatusFree {
			return ErrLockerBusy
		}

		var exists int
		err = tx.QueryRowContext(ctx, `
			SELECT COUNT(*) FROM locker WHERE owner_type = 'vip' AND owner_key = ? AND status = 'Owned'`,
			card).Scan(&exists)
		if err != nil {
			return fmt.Errorf("statemgr: vip uniqueness check: %w", err)
		}
		if exists > 0 {
			return ErrVipConflict
		}

		to, err := fire(ctx, l.Status, eventVipBind)
		if err != nil {
			return err
		}

		now := time.Now()
		res, err := tx.ExecContext(ctx, `
			UPDATE locker SET status = ?, owner_type = 'vip', owner_key = ?, owned_at = ?, is_vip = 1, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), card, now.UnixMilli(), kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: vip bind update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("vip_bind").Inc()
			return err
		}

		m.recordTransition(ctx, eventVipBind)
		if m.audit != nil {
			m.audit.VipBound(ctx, kioskID, lockerID, "system", "", card)
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventVipBind})
		return nil
	})
}

// VipUnbind releases a VIP locker back to Free. This is the only path
// (besides a forced Release) that may mutate VIP ownership (P6).
func (m *Manager) VipUnbind(ctx context.Context, kioskID string, lockerID int, actor string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if !l.IsVIP || l.Status != StatusOwned {
			return ErrLockerBusy
		}

		to, err := fire(ctx, l.Status, eventVipUnbind)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE locker SET status = ?, owner_type = NULL, owner_key = NULL, owned_at = NULL, is_vip = 0, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: vip unbind update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("vip_unbind").Inc()
			return err
		}

		m.recordTransition(ctx, eventVipUnbind)
		if m.audit != nil {
			m.audit.LogFromContext(ctx, audit.Event{
				Type:     audit.EventVipUnbound,
				KioskID:  kioskID,
				LockerID: lockerID,
				Actor:    actor,
				Action:   "unbound VIP contract",
				Result:   "success",
			})
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventVipUnbind})
		return nil
	})
}

// Block marks a locker Blocked regardless of its current state. Blocked
// lockers are skipped by bulk operations and reject direct opens.
// Idempotent when already Blocked.
func (m *Manager) Block(ctx context.Context, kioskID string, lockerID int, actor, reason string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status == StatusBlocked {
			return nil
		}

		to, err := fire(ctx, l.Status, eventBlock)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE locker SET status = ?, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: block update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("block").Inc()
			return err
		}

		m.recordTransition(ctx, eventBlock)
		if m.audit != nil {
			m.audit.LockerBlocked(ctx, kioskID, lockerID, actor, reason)
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventBlock})
		return nil
	})
}

// Unblock returns a Blocked locker to Free, clearing any stale ownership.
func (m *Manager) Unblock(ctx context.Context, kioskID string, lockerID int, actor string) error {
	return m.withTx(ctx, func(tx *sql.Tx) error {
		l, err := m.loadLocker(ctx, tx, kioskID, lockerID)
		if err != nil {
			return err
		}
		if l.Status != StatusBlocked {
			return ErrLockerBusy
		}

		to, err := fire(ctx, l.Status, eventUnblock)
		if err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE locker
			SET status = ?, owner_type = NULL, owner_key = NULL, reserved_at = NULL, owned_at = NULL, is_vip = 0, version = version + 1
			WHERE kiosk_id = ? AND id = ? AND version = ?`,
			string(to), kioskID, lockerID, l.Version)
		if err != nil {
			return fmt.Errorf("statemgr: unblock update: %w", err)
		}
		if err := requireOneRow(res); err != nil {
			metrics.ConcurrencyConflicts.WithLabelValues("unblock").Inc()
			return err
		}

		m.recordTransition(ctx, eventUnblock)
		if m.audit != nil {
			m.audit.LogFromContext(ctx, audit.Event{
				Type:     audit.EventLockerUnblocked,
				KioskID:  kioskID,
				LockerID: lockerID,
				Actor:    actor,
				Action:   "unblocked locker",
				Result:   "success",
			})
		}
		m.publish(ctx, StateChanged{KioskID: kioskID, LockerID: lockerID, From: l.Status, To: to, Event: eventUnblock})
		return nil
	})
}

// isUniqueConstraintError reports whether err came from violating a SQLite
// UNIQUE index, the backstop idx_locker_owner_unique enforces in case two
// Assign transactions somehow still interleave past the in-tx ownership
// check above (SQLite serializes writers, so this should never trigger in
// practice, but the index exists precisely so a bug here fails closed).
func isUniqueConstraintError(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func requireOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("statemgr: rows affected: %w", err)
	}
	if n != 1 {
		return ErrConcurrencyConflict
	}
	return nil
}
