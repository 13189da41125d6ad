package heartbeat

import (
	"context"
	"fmt"
	"time"

	"github.com/lockergw/gateway/internal/eventbus"
)

// SweepOffline marks every kiosk whose last_seen has aged past the
// configured offline threshold as offline, publishing eventbus.TopicKioskOffline
// and an audit event for each transition. It returns the number of kiosks
// newly marked offline. Intended to run on a 5s ticker.
func (m *Manager) SweepOffline(ctx context.Context) (int, error) {
	cutoff := time.Now().Add(-m.cfg.OfflineThreshold).UnixMilli()

	rows, err := m.db.QueryContext(ctx, `
		SELECT kiosk_id FROM kiosk WHERE status = ? AND last_seen < ?`, string(StatusOnline), cutoff)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: find stale kiosks: %w", err)
	}
	var staleIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("heartbeat: scan stale kiosk: %w", err)
		}
		staleIDs = append(staleIDs, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	marked := 0
	for _, id := range staleIDs {
		res, err := m.db.ExecContext(ctx, `
			UPDATE kiosk SET status = ? WHERE kiosk_id = ? AND status = ? AND last_seen < ?`,
			string(StatusOffline), id, string(StatusOnline), cutoff)
		if err != nil {
			return marked, fmt.Errorf("heartbeat: mark offline: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return marked, fmt.Errorf("heartbeat: rows affected: %w", err)
		}
		if affected == 0 {
			continue // a concurrent heartbeat raced us back online
		}

		marked++
		if m.audit != nil {
			m.audit.KioskConnectivityChanged(ctx, id, false)
		}
		if m.bus != nil {
			_ = m.bus.Publish(ctx, eventbus.TopicKioskOffline, eventbus.Message{
				Payload: ConnectivityChanged{KioskID: id, Online: false},
			})
		}
	}

	if marked > 0 {
		if err := m.refreshGauges(ctx); err != nil {
			return marked, fmt.Errorf("heartbeat: refresh gauges: %w", err)
		}
	}
	return marked, nil
}

// ConnectivityChanged is the payload published on eventbus.TopicKioskOffline.
type ConnectivityChanged struct {
	KioskID string
	Online  bool
}

// PruneTelemetry deletes telemetry samples older than the configured
// retention window. Intended to run alongside the offline sweep.
func (m *Manager) PruneTelemetry(ctx context.Context) (int64, error) {
	cutoff := time.Now().Add(-m.cfg.TelemetryRetention).UnixMilli()
	res, err := m.db.ExecContext(ctx, `DELETE FROM kiosk_telemetry WHERE recorded_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("heartbeat: prune telemetry: %w", err)
	}
	return res.RowsAffected()
}
