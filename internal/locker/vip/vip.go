// Package vip manages VIP contract lifecycle: long-lived, paid-for locker
// reservations that bypass the normal Reserved -> Owned flow and are
// protected from operator bulk-release unless explicitly forced. The
// locker-row side of a VIP binding (is_vip, owner_type='vip') is owned by
// internal/locker/statemgr; this package owns the contract metadata
// (dates, plan, card transfer workflow) layered on top of it.
package vip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/locker/statemgr"
)

// Status is a VIP contract's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusCancelled Status = "cancelled"
	StatusExpired   Status = "expired"
)

var (
	// ErrContractNotFound is returned when contractID has no row.
	ErrContractNotFound = errors.New("vip: contract not found")
	// ErrContractNotActive is returned when an operation requires an
	// active contract but the target is cancelled/expired.
	ErrContractNotActive = errors.New("vip: contract is not active")
	// ErrCardConflict mirrors statemgr.ErrVipConflict at the contract
	// layer: the destination card already holds an active contract.
	ErrCardConflict = errors.New("vip: card already holds an active contract")
	// ErrTransferNotFound is returned when a transferID has no row.
	ErrTransferNotFound = errors.New("vip: transfer not found")
	// ErrTransferNotPending is returned when Approve/Reject targets a
	// transfer that has already been resolved.
	ErrTransferNotPending = errors.New("vip: transfer is not pending")
)

// Contract is a snapshot of one row in the vip_contract table.
type Contract struct {
	ContractID       string
	KioskID          string
	LockerID         int
	RFIDCard         string
	StartDate        time.Time
	EndDate          time.Time
	Status           Status
	PlanMetadataJSON string
}

// Transfer is a snapshot of one row in the vip_transfer table: a pending
// or resolved request to move a contract onto a different RFID card.
type Transfer struct {
	TransferID  string
	ContractID  string
	NewRFIDCard string
	RequestedBy string
	RequestedAt time.Time
	ResolvedAt  *time.Time
	Status      string // pending, approved, rejected
	Reason      string
}

// Manager owns the vip_contract and vip_transfer tables, delegating the
// locker-row mutation to statemgr on bind/unbind.
type Manager struct {
	db    *sql.DB
	state *statemgr.Manager
	audit *audit.Logger
}

// New constructs a Manager. auditLogger may be nil in tests that don't
// care about audit side effects.
func New(db *sql.DB, state *statemgr.Manager, auditLogger *audit.Logger) *Manager {
	return &Manager{db: db, state: state, audit: auditLogger}
}

// Create opens a new VIP contract for lockerID and binds the locker row to
// card via statemgr.VipBind. The contract row and the locker-row bind
// happen in the same logical operation: if the bind fails (locker busy,
// card already VIP elsewhere), no contract row is left behind.
func (m *Manager) Create(ctx context.Context, kioskID string, lockerID int, card string, start, end time.Time, planMetadataJSON string) (*Contract, error) {
	if err := m.state.VipBind(ctx, kioskID, lockerID, card); err != nil {
		if errors.Is(err, statemgr.ErrVipConflict) {
			return nil, ErrCardConflict
		}
		return nil, fmt.Errorf("vip: bind locker: %w", err)
	}

	contractID := uuid.New().String()
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO vip_contract (contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, plan_metadata_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		contractID, kioskID, lockerID, card, start.UnixMilli(), end.UnixMilli(), string(StatusActive), planMetadataJSON)
	if err != nil {
		// best-effort unwind: the contract row failed but the locker is
		// now VIP-bound; release it so the two don't drift apart.
		_ = m.state.VipUnbind(ctx, kioskID, lockerID, "system")
		return nil, fmt.Errorf("vip: insert contract: %w", err)
	}

	if m.audit != nil {
		m.audit.VipBound(ctx, kioskID, lockerID, "system", contractID, card)
	}

	return &Contract{
		ContractID: contractID, KioskID: kioskID, LockerID: lockerID, RFIDCard: card,
		StartDate: start, EndDate: end, Status: StatusActive, PlanMetadataJSON: planMetadataJSON,
	}, nil
}

// Extend pushes a contract's end date out, e.g. on renewal payment. It does
// not touch the locker row.
func (m *Manager) Extend(ctx context.Context, contractID string, newEnd time.Time) error {
	c, err := m.loadContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return ErrContractNotActive
	}
	_, err = m.db.ExecContext(ctx, `UPDATE vip_contract SET end_date = ? WHERE contract_id = ?`,
		newEnd.UnixMilli(), contractID)
	if err != nil {
		return fmt.Errorf("vip: extend contract: %w", err)
	}
	return nil
}

// Cancel ends a contract before its end date and releases the locker back
// to Free via a forced statemgr.VipUnbind.
func (m *Manager) Cancel(ctx context.Context, contractID, actor, reason string) error {
	c, err := m.loadContract(ctx, contractID)
	if err != nil {
		return err
	}
	if c.Status != StatusActive {
		return ErrContractNotActive
	}

	if err := m.state.VipUnbind(ctx, c.KioskID, c.LockerID, actor); err != nil {
		return fmt.Errorf("vip: unbind locker: %w", err)
	}

	_, err = m.db.ExecContext(ctx, `UPDATE vip_contract SET status = ? WHERE contract_id = ?`,
		string(StatusCancelled), contractID)
	if err != nil {
		return fmt.Errorf("vip: cancel contract: %w", err)
	}

	if m.audit != nil {
		m.audit.LogFromContext(ctx, audit.Event{
			Type:     audit.EventVipUnbound,
			KioskID:  c.KioskID,
			LockerID: c.LockerID,
			Actor:    actor,
			Action:   "cancelled VIP contract",
			Result:   "success",
			Details:  map[string]string{"contract_id": contractID, "reason": reason},
		})
	}
	return nil
}

// ExpireOverdue cancels every active contract whose end date has already
// passed, releasing each locker. Intended to run alongside the reservation
// sweep. Returns the number of contracts expired.
func (m *Manager) ExpireOverdue(ctx context.Context) (int, error) {
	rows, err := m.db.QueryContext(ctx, `
		SELECT contract_id FROM vip_contract WHERE status = ? AND end_date < ?`,
		string(StatusActive), time.Now().UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("vip: find overdue contracts: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("vip: scan overdue contract: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, err
	}
	rows.Close()

	expired := 0
	for _, id := range ids {
		if err := m.Cancel(ctx, id, "system", "contract end date reached"); err != nil {
			if errors.Is(err, ErrContractNotActive) {
				continue // raced with a manual cancellation
			}
			return expired, err
		}
		expired++
	}
	return expired, nil
}

func (m *Manager) loadContract(ctx context.Context, contractID string) (*Contract, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT contract_id, kiosk_id, locker_id, rfid_card, start_date, end_date, status, plan_metadata_json
		FROM vip_contract WHERE contract_id = ?`, contractID)

	var c Contract
	var status string
	var startMs, endMs int64
	var planJSON sql.NullString
	err := row.Scan(&c.ContractID, &c.KioskID, &c.LockerID, &c.RFIDCard, &startMs, &endMs, &status, &planJSON)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrContractNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vip: load contract: %w", err)
	}

	c.StartDate = time.UnixMilli(startMs)
	c.EndDate = time.UnixMilli(endMs)
	c.Status = Status(status)
	c.PlanMetadataJSON = planJSON.String
	return &c, nil
}

// GetContract returns the current state of a contract.
func (m *Manager) GetContract(ctx context.Context, contractID string) (*Contract, error) {
	return m.loadContract(ctx, contractID)
}
