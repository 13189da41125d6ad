// Package heartbeat tracks kiosk liveness: each kiosk reports in
// periodically with its firmware version, configuration hash, and optional
// diagnostic telemetry; a background sweep marks kiosks offline when they
// stop reporting.
package heartbeat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/eventbus"
	"github.com/lockergw/gateway/internal/metrics"
)

// Status is a kiosk's connectivity state.
type Status string

const (
	StatusOnline  Status = "online"
	StatusOffline Status = "offline"
)

// ErrKioskNotFound is returned when a lookup targets an unregistered kiosk.
var ErrKioskNotFound = errors.New("heartbeat: kiosk not found")

// Telemetry is the optional diagnostic payload attached to a heartbeat.
// Every field is best-effort; kiosks report whatever sensors they have.
type Telemetry struct {
	VoltagesV    map[string]float64 `json:"voltages_v,omitempty"`
	CPUPercent   float64            `json:"cpu_percent,omitempty"`
	MemPercent   float64            `json:"mem_percent,omitempty"`
	DiskPercent  float64            `json:"disk_percent,omitempty"`
	TempC        float64            `json:"temp_c,omitempty"`
	HardwareOK   map[string]bool    `json:"hardware_ok,omitempty"`
	LockerStatus map[string]int     `json:"locker_status,omitempty"`
}

// Config tunes offline detection and telemetry retention.
type Config struct {
	OfflineThreshold   time.Duration
	TelemetryRetention time.Duration
}

// DefaultConfig matches the documented defaults: 30s offline threshold,
// 7 days of retained telemetry samples.
func DefaultConfig() Config {
	return Config{
		OfflineThreshold:   30 * time.Second,
		TelemetryRetention: 7 * 24 * time.Hour,
	}
}

// Kiosk is a snapshot of one row in the kiosk table.
type Kiosk struct {
	KioskID    string
	ZoneID     string
	Version    string
	LastSeen   time.Time
	Status     Status
	HardwareID string
	ConfigHash string
}

// Manager owns the kiosk liveness table and its telemetry samples.
type Manager struct {
	db    *sql.DB
	bus   eventbus.Bus
	audit *audit.Logger
	cfg   Config
}

// New constructs a Manager. bus and auditLogger may be nil in tests that
// don't care about side-channel notifications.
func New(db *sql.DB, bus eventbus.Bus, auditLogger *audit.Logger, cfg Config) *Manager {
	return &Manager{db: db, bus: bus, audit: auditLogger, cfg: cfg}
}

// HeartbeatInput carries one kiosk check-in.
type HeartbeatInput struct {
	KioskID    string
	ZoneID     string
	Version    string
	ConfigHash string
	HardwareID string
	Telemetry  *Telemetry
}

// Heartbeat upserts last_seen for a kiosk, transitioning it offline -> online
// if it had previously dropped off, and stores the optional telemetry
// sample. A telemetry sample that cannot be encoded to JSON fails the call
// with a wrapped "marshal telemetry" error.
func (m *Manager) Heartbeat(ctx context.Context, in HeartbeatInput) error {
	if in.KioskID == "" {
		return fmt.Errorf("heartbeat: kiosk_id required")
	}
	now := time.Now()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("heartbeat: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var prevStatus sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT status FROM kiosk WHERE kiosk_id = ?`, in.KioskID).Scan(&prevStatus)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("heartbeat: read prior status: %w", err)
	}
	wasOnline := prevStatus.Valid && prevStatus.String == string(StatusOnline)

	_, err = tx.ExecContext(ctx, `
		INSERT INTO kiosk (kiosk_id, zone_id, version, last_seen, status, hardware_id, config_hash)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(kiosk_id) DO UPDATE SET
			zone_id     = excluded.zone_id,
			version     = excluded.version,
			last_seen   = excluded.last_seen,
			status      = excluded.status,
			hardware_id = excluded.hardware_id,
			config_hash = excluded.config_hash
	`, in.KioskID, in.ZoneID, in.Version, now.UnixMilli(), string(StatusOnline), in.HardwareID, in.ConfigHash)
	if err != nil {
		return fmt.Errorf("heartbeat: upsert kiosk: %w", err)
	}

	if in.Telemetry != nil {
		payload, merr := json.Marshal(in.Telemetry)
		if merr != nil {
			return fmt.Errorf("heartbeat: marshal telemetry: %w", merr)
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO kiosk_telemetry (kiosk_id, recorded_at, payload_json) VALUES (?, ?, ?)`,
			in.KioskID, now.UnixMilli(), string(payload)); err != nil {
			return fmt.Errorf("heartbeat: insert telemetry: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("heartbeat: commit: %w", err)
	}

	if !wasOnline && m.audit != nil {
		m.audit.KioskConnectivityChanged(ctx, in.KioskID, true)
	}

	if err := m.refreshGauges(ctx); err != nil {
		return fmt.Errorf("heartbeat: refresh gauges: %w", err)
	}
	return nil
}

func (m *Manager) refreshGauges(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT COALESCE(zone_id, ''), status, COUNT(*) FROM kiosk GROUP BY zone_id, status`)
	if err != nil {
		return err
	}
	defer rows.Close()

	online := map[string]float64{}
	offline := map[string]float64{}
	for rows.Next() {
		var zoneID, status string
		var count float64
		if err := rows.Scan(&zoneID, &status, &count); err != nil {
			return err
		}
		switch Status(status) {
		case StatusOnline:
			online[zoneID] = count
		case StatusOffline:
			offline[zoneID] = count
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	for zoneID, count := range online {
		metrics.KioskOnlineGauge.WithLabelValues(zoneID).Set(count)
	}
	for zoneID, count := range offline {
		metrics.KioskOfflineGauge.WithLabelValues(zoneID).Set(count)
	}
	return nil
}
