package heartbeat

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// GetAllKiosks returns every registered kiosk, ordered by kiosk_id.
func (m *Manager) GetAllKiosks(ctx context.Context) ([]Kiosk, error) {
	return m.queryKiosks(ctx, `
		SELECT kiosk_id, zone_id, version, last_seen, status, hardware_id, config_hash
		FROM kiosk ORDER BY kiosk_id`)
}

// GetKiosksByZone returns every kiosk registered to zoneID.
func (m *Manager) GetKiosksByZone(ctx context.Context, zoneID string) ([]Kiosk, error) {
	return m.queryKiosks(ctx, `
		SELECT kiosk_id, zone_id, version, last_seen, status, hardware_id, config_hash
		FROM kiosk WHERE zone_id = ? ORDER BY kiosk_id`, zoneID)
}

func (m *Manager) queryKiosks(ctx context.Context, query string, args ...any) ([]Kiosk, error) {
	rows, err := m.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("heartbeat: query kiosks: %w", err)
	}
	defer rows.Close()

	var out []Kiosk
	for rows.Next() {
		k, err := scanKiosk(rows)
		if err != nil {
			return nil, fmt.Errorf("heartbeat: scan kiosk: %w", err)
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}

func scanKiosk(s interface{ Scan(dest ...any) error }) (*Kiosk, error) {
	var k Kiosk
	var zoneID, hardwareID, configHash sql.NullString
	var lastSeenMs int64
	var status string

	if err := s.Scan(&k.KioskID, &zoneID, &k.Version, &lastSeenMs, &status, &hardwareID, &configHash); err != nil {
		return nil, err
	}

	k.ZoneID = zoneID.String
	k.HardwareID = hardwareID.String
	k.ConfigHash = configHash.String
	k.Status = Status(status)
	if lastSeenMs > 0 {
		k.LastSeen = time.UnixMilli(lastSeenMs)
	}
	return &k, nil
}

// ZoneStatistics is the online/offline breakdown for one zone.
type ZoneStatistics struct {
	Online  int
	Offline int
}

// Statistics summarizes kiosk connectivity fleet-wide and per zone.
type Statistics struct {
	TotalOnline  int
	TotalOffline int
	ByZone       map[string]ZoneStatistics
}

// GetStatistics aggregates kiosk connectivity counts fleet-wide and by zone.
func (m *Manager) GetStatistics(ctx context.Context) (Statistics, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT COALESCE(zone_id, ''), status, COUNT(*) FROM kiosk GROUP BY zone_id, status`)
	if err != nil {
		return Statistics{}, fmt.Errorf("heartbeat: query statistics: %w", err)
	}
	defer rows.Close()

	stats := Statistics{ByZone: map[string]ZoneStatistics{}}
	for rows.Next() {
		var zoneID, status string
		var count int
		if err := rows.Scan(&zoneID, &status, &count); err != nil {
			return Statistics{}, fmt.Errorf("heartbeat: scan statistics: %w", err)
		}
		zs := stats.ByZone[zoneID]
		switch Status(status) {
		case StatusOnline:
			zs.Online = count
			stats.TotalOnline += count
		case StatusOffline:
			zs.Offline = count
			stats.TotalOffline += count
		}
		stats.ByZone[zoneID] = zs
	}
	return stats, rows.Err()
}
