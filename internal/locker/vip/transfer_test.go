package vip

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRequestTransfer_CreatesPendingRequest(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	c, err := m.Create(ctx, "k1", 1, "card-old", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	tr, err := m.RequestTransfer(ctx, c.ContractID, "card-new", "staff1")
	require.NoError(t, err)
	assert.Equal(t, "pending", tr.Status)
	assert.Equal(t, "card-new", tr.NewRFIDCard)

	// card on the contract itself is untouched until approval
	got, err := m.GetContract(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, "card-old", got.RFIDCard)
}

func TestRequestTransfer_RejectsInactiveContract(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	c, err := m.Create(ctx, "k1", 1, "card-old", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, c.ContractID, "staff1", "done"))

	_, err = m.RequestTransfer(ctx, c.ContractID, "card-new", "staff1")
	assert.ErrorIs(t, err, ErrContractNotActive)
}

func TestApproveTransfer_MovesContractOntoNewCard(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	c, err := m.Create(ctx, "k1", 1, "card-old", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	tr, err := m.RequestTransfer(ctx, c.ContractID, "card-new", "staff1")
	require.NoError(t, err)

	require.NoError(t, m.ApproveTransfer(ctx, tr.TransferID, "admin1"))

	got, err := m.GetContract(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, "card-new", got.RFIDCard)

	var ownerKey string
	require.NoError(t, db.QueryRow(`SELECT owner_key FROM locker WHERE kiosk_id='k1' AND id=1`).Scan(&ownerKey))
	assert.Equal(t, "card-new", ownerKey)
}

func TestApproveTransfer_RejectsWhenNewCardAlreadyActiveElsewhere(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	seedLocker(t, db, "k1", 2)
	m := newTestManager(t, db)
	ctx := context.Background()

	_, err := m.Create(ctx, "k1", 1, "card-taken", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	c2, err := m.Create(ctx, "k1", 2, "card-old", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)

	tr, err := m.RequestTransfer(ctx, c2.ContractID, "card-taken", "staff1")
	require.NoError(t, err)

	err = m.ApproveTransfer(ctx, tr.TransferID, "admin1")
	assert.ErrorIs(t, err, ErrCardConflict)
}

func TestApproveTransfer_RejectsAlreadyResolvedTransfer(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	c, err := m.Create(ctx, "k1", 1, "card-old", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	tr, err := m.RequestTransfer(ctx, c.ContractID, "card-new", "staff1")
	require.NoError(t, err)
	require.NoError(t, m.ApproveTransfer(ctx, tr.TransferID, "admin1"))

	err = m.ApproveTransfer(ctx, tr.TransferID, "admin1")
	assert.ErrorIs(t, err, ErrTransferNotPending)
}

func TestRejectTransfer_LeavesContractCardUnchanged(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	c, err := m.Create(ctx, "k1", 1, "card-old", time.Now(), time.Now().Add(time.Hour), "")
	require.NoError(t, err)
	tr, err := m.RequestTransfer(ctx, c.ContractID, "card-new", "staff1")
	require.NoError(t, err)

	require.NoError(t, m.RejectTransfer(ctx, tr.TransferID, "admin1", "card not actually lost"))

	got, err := m.GetContract(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, "card-old", got.RFIDCard)
}

func TestRequestTransfer_UnknownContractErrors(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db)

	_, err := m.RequestTransfer(context.Background(), "nope", "card-new", "staff1")
	assert.ErrorIs(t, err, ErrContractNotFound)
}
