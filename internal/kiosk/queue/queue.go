// Package queue implements the per-kiosk command queue: a durable outbox
// that a kiosk drains by polling, claiming at most one in-flight command at
// a time, with bounded retry and dead-lettering for commands that never
// complete.
package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/eventbus"
	"github.com/lockergw/gateway/internal/metrics"
)

// Status is a command's position in the queue lifecycle.
type Status string

const (
	StatusPending  Status = "pending"
	StatusInFlight Status = "in_flight"
	StatusDone     Status = "done"
	StatusDead     Status = "dead"
)

var (
	// ErrCommandNotFound is returned when an operation targets an unknown
	// command_id.
	ErrCommandNotFound = errors.New("queue: command not found")
	// ErrNotInFlight is returned when Complete targets a command that is
	// not currently claimed.
	ErrNotInFlight = errors.New("queue: command is not in flight")
)

// Command is a snapshot of one row in the command table.
type Command struct {
	CommandID   string
	KioskID     string
	Type        string
	PayloadJSON string
	Status      Status
	CreatedAt   time.Time
	PickedAt    *time.Time
	CompletedAt *time.Time
	Attempts    int
	LastError   string
}

// Config tunes retry and dead-lettering behavior.
type Config struct {
	MaxAttempts int
}

// DefaultConfig dead-letters a command after 3 failed delivery attempts.
func DefaultConfig() Config {
	return Config{MaxAttempts: 3}
}

// Manager owns the command table for every kiosk.
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

// Enqueue appends a new pending command for kioskID and returns its ID.
func (m *Manager) Enqueue(ctx context.Context, kioskID, cmdType, payloadJSON string) (string, error) {
	if kioskID == "" || cmdType == "" {
		return "", fmt.Errorf("queue: kiosk_id and type are required")
	}
	id := uuid.New().String()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO command (command_id, kiosk_id, type, payload_json, status, created_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, 0)`,
		id, kioskID, cmdType, payloadJSON, string(StatusPending), time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("queue: enqueue: %w", err)
	}

	if m.audit != nil {
		m.audit.LogFromContext(ctx, audit.Event{
			Type:    audit.EventCommandEnqueued,
			KioskID: kioskID,
			Actor:   "system",
			Action:  "enqueued command",
			Result:  "success",
			Details: map[string]string{"command_id": id, "type": cmdType},
		})
	}
	if err := m.refreshQueueDepth(ctx, kioskID); err != nil {
		return id, fmt.Errorf("queue: refresh depth gauge: %w", err)
	}
	return id, nil
}

// Poll atomically claims the oldest pending command for kioskID, honoring
// the one-in-flight-per-kiosk invariant enforced by the command table's
// partial unique index. It returns (nil, nil) when there is nothing to
// claim, never an error, so callers can poll on an idle timer without
// special-casing the empty case.
func (m *Manager) Poll(ctx context.Context, kioskID string) (*Command, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var inFlight int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM command WHERE kiosk_id = ? AND status = ?`,
		kioskID, string(StatusInFlight)).Scan(&inFlight); err != nil {
		return nil, fmt.Errorf("queue: check in-flight: %w", err)
	}
	if inFlight > 0 {
		return nil, nil // kiosk already has a claimed command outstanding
	}

	row := tx.QueryRowContext(ctx, `
		SELECT command_id, kiosk_id, type, payload_json, status, created_at, picked_at, completed_at, attempts, last_error
		FROM command WHERE kiosk_id = ? AND status = ? ORDER BY created_at ASC LIMIT 1`,
		kioskID, string(StatusPending))

	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: scan candidate: %w", err)
	}

	now := time.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE command SET status = ?, picked_at = ?, attempts = attempts + 1
		WHERE command_id = ? AND status = ?`,
		string(StatusInFlight), now.UnixMilli(), cmd.CommandID, string(StatusPending))
	if err != nil {
		return nil, fmt.Errorf("queue: claim: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("queue: claim rows affected: %w", err)
	}
	if affected == 0 {
		return nil, nil // lost the claim race to a concurrent poller
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit claim: %w", err)
	}

	cmd.Status = StatusInFlight
	cmd.PickedAt = &now
	cmd.Attempts++

	if err := m.refreshQueueDepth(ctx, kioskID); err != nil {
		return cmd, fmt.Errorf("queue: refresh depth gauge: %w", err)
	}
	return cmd, nil
}

// Complete resolves a claimed command. success=false re-queues it as
// pending for another poll unless it has exhausted MaxAttempts, in which
// case it is dead-lettered and audited.
func (m *Manager) Complete(ctx context.Context, commandID string, success bool, errMsg string) error {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT command_id, kiosk_id, type, payload_json, status, created_at, picked_at, completed_at, attempts, last_error
		FROM command WHERE command_id = ?`, commandID)
	cmd, err := scanCommand(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrCommandNotFound
	}
	if err != nil {
		return fmt.Errorf("queue: load command: %w", err)
	}
	if cmd.Status != StatusInFlight {
		return ErrNotInFlight
	}

	now := time.Now()
	outcome := "success"
	var nextStatus Status
	switch {
	case success:
		nextStatus = StatusDone
	case cmd.Attempts >= m.cfg.MaxAttempts:
		nextStatus = StatusDead
		outcome = "dead_lettered"
	default:
		nextStatus = StatusPending
		outcome = "retry"
	}

	if nextStatus == StatusDone {
		_, err = tx.ExecContext(ctx, `
			UPDATE command SET status = ?, completed_at = ?, last_error = NULL WHERE command_id = ?`,
			string(nextStatus), now.UnixMilli(), commandID)
	} else {
		_, err = tx.ExecContext(ctx, `
			UPDATE command SET status = ?, last_error = ? WHERE command_id = ?`,
			string(nextStatus), errMsg, commandID)
	}
	if err != nil {
		return fmt.Errorf("queue: update completion: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: commit completion: %w", err)
	}

	metrics.CommandAttemptsTotal.WithLabelValues(cmd.KioskID, outcome).Inc()

	if m.bus != nil && nextStatus == StatusDone {
		_ = m.bus.Publish(ctx, eventbus.TopicCommandCompleted, eventbus.Message{
			Payload: Completed{CommandID: commandID, KioskID: cmd.KioskID, Type: cmd.Type},
		})
	}

	if m.audit != nil {
		switch nextStatus {
		case StatusDead:
			m.audit.CommandFailed(ctx, cmd.KioskID, commandID, cmd.Attempts, errMsg)
			m.audit.LogFromContext(ctx, audit.Event{
				Type:    audit.EventCommandDead,
				KioskID: cmd.KioskID,
				Actor:   "system",
				Action:  "dead-lettered command",
				Result:  "failure",
				Details: map[string]string{"command_id": commandID, "attempts": fmt.Sprint(cmd.Attempts)},
			})
		case StatusPending:
			m.audit.CommandFailed(ctx, cmd.KioskID, commandID, cmd.Attempts, errMsg)
		}
	}

	if err := m.refreshQueueDepth(ctx, cmd.KioskID); err != nil {
		return fmt.Errorf("queue: refresh depth gauge: %w", err)
	}
	return nil
}

// ClearPending removes every pending (not yet claimed) command for kioskID,
// used when a kiosk's hardware configuration changes in a way that makes
// queued commands stale. In-flight commands are left alone; a kiosk
// actively executing a command finishes it.
func (m *Manager) ClearPending(ctx context.Context, kioskID string) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
		DELETE FROM command WHERE kiosk_id = ? AND status = ?`, kioskID, string(StatusPending))
	if err != nil {
		return 0, fmt.Errorf("queue: clear pending: %w", err)
	}
	cleared, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: rows affected: %w", err)
	}
	if err := m.refreshQueueDepth(ctx, kioskID); err != nil {
		return cleared, fmt.Errorf("queue: refresh depth gauge: %w", err)
	}
	return cleared, nil
}

// Completed is the payload published on eventbus.TopicCommandCompleted.
type Completed struct {
	CommandID string
	KioskID   string
	Type      string
}

func (m *Manager) refreshQueueDepth(ctx context.Context, kioskID string) error {
	var depth float64
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM command WHERE kiosk_id = ? AND status IN (?, ?)`,
		kioskID, string(StatusPending), string(StatusInFlight)).Scan(&depth)
	if err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(kioskID).Set(depth)
	return nil
}

func scanCommand(s interface{ Scan(dest ...any) error }) (*Command, error) {
	var c Command
	var status string
	var createdAtMs int64
	var pickedAtMs, completedAtMs sql.NullInt64
	var lastError sql.NullString

	if err := s.Scan(&c.CommandID, &c.KioskID, &c.Type, &c.PayloadJSON, &status,
		&createdAtMs, &pickedAtMs, &completedAtMs, &c.Attempts, &lastError); err != nil {
		return nil, err
	}

	c.Status = Status(status)
	c.CreatedAt = time.UnixMilli(createdAtMs)
	c.LastError = lastError.String
	if pickedAtMs.Valid {
		t := time.UnixMilli(pickedAtMs.Int64)
		c.PickedAt = &t
	}
	if completedAtMs.Valid {
		t := time.UnixMilli(completedAtMs.Int64)
		c.CompletedAt = &t
	}
	return &c, nil
}
