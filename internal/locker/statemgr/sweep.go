package statemgr

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// ExpireReservations transitions every Reserved locker whose reservation
// has outlived ttl back to Free. It returns the number of lockers expired.
// Designed to be called periodically by a background sweeper.
func (m *Manager) ExpireReservations(ctx context.Context, ttl time.Duration) (int, error) {
	cutoff := time.Now().Add(-ttl).UnixMilli()

	rows, err := m.db.QueryContext(ctx, `
		SELECT kiosk_id, id FROM locker WHERE status = 'Reserved' AND reserved_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("statemgr: find expired reservations: %w", err)
	}

	type key struct {
		kioskID  string
		lockerID int
	}
	var candidates []key
	for rows.Next() {
		var k key
		if err := rows.Scan(&k.kioskID, &k.lockerID); err != nil {
			rows.Close()
			return 0, fmt.Errorf("statemgr: scan expired candidate: %w", err)
		}
		candidates = append(candidates, k)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	expired := 0
	for _, k := range candidates {
		err := m.withTx(ctx, func(tx *sql.Tx) error {
			l, err := m.loadLocker(ctx, tx, k.kioskID, k.lockerID)
			if err != nil {
				return err
			}
			if l.Status != StatusReserved || l.ReservedAt == nil || l.ReservedAt.After(time.Now().Add(-ttl)) {
				return nil // raced with a Confirm/Release since the candidate scan
			}

			to, err := fire(ctx, l.Status, eventExpire)
			if err != nil {
				return err
			}

			res, err := tx.ExecContext(ctx, `
				UPDATE locker SET status = ?, owner_type = NULL, owner_key = NULL, reserved_at = NULL, version = version + 1
				WHERE kiosk_id = ? AND id = ? AND version = ?`,
				string(to), k.kioskID, k.lockerID, l.Version)
			if err != nil {
				return fmt.Errorf("statemgr: expire update: %w", err)
			}
			if err := requireOneRow(res); err != nil {
				return nil // lost the race; not an error for a background sweep
			}

			m.recordTransition(ctx, eventExpire)
			if m.audit != nil {
				m.audit.LockerReleased(ctx, k.kioskID, k.lockerID, "system", "reservation expired")
			}
			m.publish(ctx, StateChanged{KioskID: k.kioskID, LockerID: k.lockerID, From: l.Status, To: to, Event: eventExpire})
			expired++
			return nil
		})
		if err != nil {
			return expired, err
		}
	}

	return expired, nil
}

// BulkReleaseRow is one outcome row of a BulkReleaseForEndOfDay sweep,
// shaped to match the fixed end-of-day CSV schema.
type BulkReleaseRow struct {
	KioskID        string
	LockerID       int
	Timestamp      time.Time
	Result         string // success, failed, skipped_vip, already_free
	PreviousStatus Status
	OwnerKeyHash   string
	ErrorMessage   string
}

// BulkReleaseForEndOfDay releases every non-Blocked, non-VIP locker for
// kioskID (or every kiosk when kioskID is empty) back to Free. VIP lockers
// are never force-released by this sweep; includeVIP only controls whether
// they show up in the result as skipped_vip rows (true) or are omitted from
// the result entirely (false, the default).
func (m *Manager) BulkReleaseForEndOfDay(ctx context.Context, actor, kioskID string, includeVIP bool) ([]BulkReleaseRow, error) {
	query := `SELECT kiosk_id, id, status, is_vip, owner_key FROM locker`
	args := []any{}
	if kioskID != "" {
		query += ` WHERE kiosk_id = ?`
		args = append(args, kioskID)
	}
	query += ` ORDER BY kiosk_id, id`

	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("statemgr: list lockers for bulk release: %w", err)
	}

	type target struct {
		kioskID  string
		lockerID int
		status   Status
		isVIPInt int
		ownerKey sql.NullString
	}
	var targets []target
	for rows.Next() {
		var t target
		if err := rows.Scan(&t.kioskID, &t.lockerID, &t.status, &t.isVIPInt, &t.ownerKey); err != nil {
			rows.Close()
			return nil, fmt.Errorf("statemgr: scan bulk release target: %w", err)
		}
		targets = append(targets, t)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	results := make([]BulkReleaseRow, 0, len(targets))
	released := 0

	for _, t := range targets {
		now := time.Now()
		isVIP := t.isVIPInt != 0

		var ownerHash string
		if m.audit != nil && t.ownerKey.Valid {
			ownerHash = m.audit.HashIdentifier(t.ownerKey.String)
		}

		switch {
		case t.status == StatusBlocked:
			continue // blocked lockers are untouched by bulk operations
		case isVIP && !includeVIP:
			continue // VIP lockers are omitted entirely unless explicitly included
		case isVIP && includeVIP:
			results = append(results, BulkReleaseRow{
				KioskID: t.kioskID, LockerID: t.lockerID, Timestamp: now,
				Result: "skipped_vip", PreviousStatus: t.status, OwnerKeyHash: ownerHash,
			})
		case t.status == StatusFree:
			results = append(results, BulkReleaseRow{
				KioskID: t.kioskID, LockerID: t.lockerID, Timestamp: now,
				Result: "already_free", PreviousStatus: t.status,
			})
		default:
			err := m.Release(ctx, t.kioskID, t.lockerID, actor, "end of day bulk release", false)
			row := BulkReleaseRow{
				KioskID: t.kioskID, LockerID: t.lockerID, Timestamp: now,
				PreviousStatus: t.status, OwnerKeyHash: ownerHash,
			}
			if err != nil {
				row.Result = "failed"
				row.ErrorMessage = err.Error()
			} else {
				row.Result = "success"
				released++
			}
			results = append(results, row)
		}
	}

	if m.audit != nil {
		m.audit.BulkRelease(ctx, actor, kioskID, released)
	}

	return results, nil
}
