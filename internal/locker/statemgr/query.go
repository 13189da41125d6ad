package statemgr

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// rowQueryer is satisfied by both *sql.DB and *sql.Tx, letting
// checkExistingOwnership run either standalone or inside a caller's
// transaction.
type rowQueryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// CheckExistingOwnership returns the unique locker currently held by
// (ownerType, ownerKey), if any (I4: an rfid card owns at most one
// locker at a time).
func (m *Manager) CheckExistingOwnership(ctx context.Context, ownerType OwnerType, ownerKey string) (*Locker, bool, error) {
	return checkExistingOwnership(ctx, m.db, ownerType, normalizeOwnerKey(ownerKey))
}

func checkExistingOwnership(ctx context.Context, q rowQueryer, ownerType OwnerType, ownerKey string) (*Locker, bool, error) {
	row := q.QueryRowContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, version
		FROM locker
		WHERE owner_type = ? AND owner_key = ? AND status IN ('Owned', 'Reserved')
		LIMIT 1`, string(ownerType), ownerKey)

	l, err := scanLockerRow(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("statemgr: check existing ownership: %w", err)
	}
	return l, true, nil
}

// GetAvailableLockers returns Free, non-VIP lockers for a kiosk, ordered by
// id ascending, optionally filtered to a zone's locker ID ranges.
func (m *Manager) GetAvailableLockers(ctx context.Context, kioskID, zoneID string) ([]Locker, error) {
	var ranges [][2]int
	if zoneID != "" {
		var err error
		ranges, err = m.zoneRanges(ctx, zoneID)
		if err != nil {
			return nil, err
		}
	}

	free, err := m.freeLockers(ctx, kioskID)
	if err != nil {
		return nil, err
	}

	if len(ranges) == 0 {
		return free, nil
	}
	out := make([]Locker, 0, len(free))
	for _, l := range free {
		if inRanges(ranges, l.ID) {
			out = append(out, l)
		}
	}
	return out, nil
}

// freeLockers loads every Free, non-VIP locker for a kiosk, reading through
// m.cache when one is configured. The cached entry is zone-agnostic so a
// single cache fill serves every zone filter for that kiosk.
func (m *Manager) freeLockers(ctx context.Context, kioskID string) ([]Locker, error) {
	if m.cache != nil {
		if cached, ok := m.cache.Get(availabilityCacheKey(kioskID)); ok {
			if lockers, ok := cached.([]Locker); ok {
				return lockers, nil
			}
		}
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, version
		FROM locker
		WHERE kiosk_id = ? AND status = 'Free' AND is_vip = 0
		ORDER BY id ASC`, kioskID)
	if err != nil {
		return nil, fmt.Errorf("statemgr: get available lockers: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLockerRows(rows)
		if err != nil {
			return nil, fmt.Errorf("statemgr: scan available locker: %w", err)
		}
		out = append(out, *l)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if m.cache != nil {
		m.cache.Set(availabilityCacheKey(kioskID), out, availabilityCacheTTL)
	}
	return out, nil
}

// GetAllLockers returns every locker for a kiosk (any status), optionally
// filtered to a zone, ordered by id ascending.
func (m *Manager) GetAllLockers(ctx context.Context, kioskID, zoneID string) ([]Locker, error) {
	var ranges [][2]int
	if zoneID != "" {
		var err error
		ranges, err = m.zoneRanges(ctx, zoneID)
		if err != nil {
			return nil, err
		}
	}

	rows, err := m.db.QueryContext(ctx, `
		SELECT kiosk_id, id, status, owner_type, owner_key, reserved_at, owned_at, is_vip, version
		FROM locker
		WHERE kiosk_id = ?
		ORDER BY id ASC`, kioskID)
	if err != nil {
		return nil, fmt.Errorf("statemgr: get all lockers: %w", err)
	}
	defer rows.Close()

	var out []Locker
	for rows.Next() {
		l, err := scanLockerRows(rows)
		if err != nil {
			return nil, fmt.Errorf("statemgr: scan locker: %w", err)
		}
		if len(ranges) > 0 && !inRanges(ranges, l.ID) {
			continue
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

func (m *Manager) zoneRanges(ctx context.Context, zoneID string) ([][2]int, error) {
	var rangesJSON string
	var enabled int
	err := m.db.QueryRowContext(ctx, `SELECT ranges_json, enabled FROM zone WHERE id = ?`, zoneID).Scan(&rangesJSON, &enabled)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrZoneNotFound
		}
		return nil, fmt.Errorf("statemgr: load zone %q: %w", zoneID, err)
	}
	if enabled == 0 {
		return nil, ErrZoneNotFound
	}

	var ranges [][2]int
	if err := json.Unmarshal([]byte(rangesJSON), &ranges); err != nil {
		return nil, fmt.Errorf("statemgr: decode zone %q ranges: %w", zoneID, err)
	}
	return ranges, nil
}

func inRanges(ranges [][2]int, id int) bool {
	for _, r := range ranges {
		if id >= r[0] && id <= r[1] {
			return true
		}
	}
	return false
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanLockerRow(row *sql.Row) (*Locker, error)   { return scanLocker(row) }
func scanLockerRows(rows *sql.Rows) (*Locker, error) { return scanLocker(rows) }

func scanLocker(s rowScanner) (*Locker, error) {
	var (
		l          Locker
		ownerType  sql.NullString
		ownerKey   sql.NullString
		reservedAt sql.NullInt64
		ownedAt    sql.NullInt64
		isVIPInt   int
	)
	if err := s.Scan(&l.KioskID, &l.ID, &l.Status, &ownerType, &ownerKey, &reservedAt, &ownedAt, &isVIPInt, &l.Version); err != nil {
		return nil, err
	}
	l.OwnerType = OwnerType(ownerType.String)
	l.OwnerKey = ownerKey.String
	l.IsVIP = isVIPInt != 0
	if reservedAt.Valid {
		t := msToTime(reservedAt.Int64)
		l.ReservedAt = &t
	}
	if ownedAt.Valid {
		t := msToTime(ownedAt.Int64)
		l.OwnedAt = &t
	}
	return &l, nil
}

func msToTime(ms int64) time.Time { return time.UnixMilli(ms) }
