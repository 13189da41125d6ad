package vip

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/lockergw/gateway/internal/audit"
)

// RequestTransfer opens a pending request to move contractID onto a new
// RFID card (e.g. the member lost their old card). The transfer does not
// take effect until ApproveTransfer runs; the contract keeps its original
// card in the meantime. The table's partial unique index allows only one
// pending transfer per contract at a time.
func (m *Manager) RequestTransfer(ctx context.Context, contractID, newCard, requestedBy string) (*Transfer, error) {
	c, err := m.loadContract(ctx, contractID)
	if err != nil {
		return nil, err
	}
	if c.Status != StatusActive {
		return nil, ErrContractNotActive
	}

	transferID := uuid.New().String()
	now := time.Now()
	_, err = m.db.ExecContext(ctx, `
		INSERT INTO vip_transfer (transfer_id, contract_id, new_rfid_card, requested_by, requested_at, status)
		VALUES (?, ?, ?, ?, ?, 'pending')`,
		transferID, contractID, newCard, requestedBy, now.UnixMilli())
	if err != nil {
		return nil, fmt.Errorf("vip: request transfer: %w", err)
	}

	if m.audit != nil {
		m.audit.LogFromContext(ctx, audit.Event{
			Type:     audit.EventVipTransferRequested,
			KioskID:  c.KioskID,
			LockerID: c.LockerID,
			Actor:    requestedBy,
			Action:   "requested VIP card transfer",
			Result:   "success",
			Details:  map[string]string{"contract_id": contractID, "transfer_id": transferID},
		})
	}

	return &Transfer{
		TransferID: transferID, ContractID: contractID, NewRFIDCard: newCard,
		RequestedBy: requestedBy, RequestedAt: now, Status: "pending",
	}, nil
}

// ApproveTransfer moves the contract onto its requested new card, enforcing
// the same card-uniqueness rule Create does: the new card must not already
// hold another active contract.
func (m *Manager) ApproveTransfer(ctx context.Context, transferID, actor string) error {
	t, err := m.loadTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status != "pending" {
		return ErrTransferNotPending
	}

	c, err := m.loadContract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	var conflicting int
	err = m.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM vip_contract WHERE rfid_card = ? AND status = ? AND contract_id != ?`,
		t.NewRFIDCard, string(StatusActive), t.ContractID).Scan(&conflicting)
	if err != nil {
		return fmt.Errorf("vip: transfer uniqueness check: %w", err)
	}
	if conflicting > 0 {
		return ErrCardConflict
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("vip: begin transfer tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	now := time.Now()
	if _, err := tx.ExecContext(ctx, `UPDATE vip_contract SET rfid_card = ? WHERE contract_id = ?`,
		t.NewRFIDCard, t.ContractID); err != nil {
		return fmt.Errorf("vip: apply transfer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE vip_transfer SET status = 'approved', resolved_at = ? WHERE transfer_id = ?`,
		now.UnixMilli(), transferID); err != nil {
		return fmt.Errorf("vip: resolve transfer: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE locker SET owner_key = ? WHERE kiosk_id = ? AND id = ? AND owner_type = 'vip'`,
		t.NewRFIDCard, c.KioskID, c.LockerID); err != nil {
		return fmt.Errorf("vip: retag locker owner key: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("vip: commit transfer: %w", err)
	}

	if m.audit != nil {
		m.audit.LogFromContext(ctx, audit.Event{
			Type:     audit.EventVipTransferApproved,
			KioskID:  c.KioskID,
			LockerID: c.LockerID,
			Actor:    actor,
			Action:   "approved VIP card transfer",
			Result:   "success",
			Details:  map[string]string{"contract_id": t.ContractID, "transfer_id": transferID},
		})
	}
	return nil
}

// RejectTransfer declines a pending transfer request without changing the
// contract's card.
func (m *Manager) RejectTransfer(ctx context.Context, transferID, actor, reason string) error {
	t, err := m.loadTransfer(ctx, transferID)
	if err != nil {
		return err
	}
	if t.Status != "pending" {
		return ErrTransferNotPending
	}

	c, err := m.loadContract(ctx, t.ContractID)
	if err != nil {
		return err
	}

	_, err = m.db.ExecContext(ctx, `
		UPDATE vip_transfer SET status = 'rejected', resolved_at = ?, reason = ? WHERE transfer_id = ?`,
		time.Now().UnixMilli(), reason, transferID)
	if err != nil {
		return fmt.Errorf("vip: reject transfer: %w", err)
	}

	if m.audit != nil {
		m.audit.LogFromContext(ctx, audit.Event{
			Type:     audit.EventVipTransferRejected,
			KioskID:  c.KioskID,
			LockerID: c.LockerID,
			Actor:    actor,
			Action:   "rejected VIP card transfer",
			Result:   "denied",
			Details:  map[string]string{"contract_id": t.ContractID, "transfer_id": transferID, "reason": reason},
		})
	}
	return nil
}

func (m *Manager) loadTransfer(ctx context.Context, transferID string) (*Transfer, error) {
	row := m.db.QueryRowContext(ctx, `
		SELECT transfer_id, contract_id, new_rfid_card, requested_by, requested_at, resolved_at, status, reason
		FROM vip_transfer WHERE transfer_id = ?`, transferID)

	var t Transfer
	var requestedAtMs int64
	var resolvedAtMs sql.NullInt64
	var reason sql.NullString
	err := row.Scan(&t.TransferID, &t.ContractID, &t.NewRFIDCard, &t.RequestedBy,
		&requestedAtMs, &resolvedAtMs, &t.Status, &reason)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrTransferNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("vip: load transfer: %w", err)
	}

	t.RequestedAt = time.UnixMilli(requestedAtMs)
	t.Reason = reason.String
	if resolvedAtMs.Valid {
		rt := time.UnixMilli(resolvedAtMs.Int64)
		t.ResolvedAt = &rt
	}
	return &t, nil
}
