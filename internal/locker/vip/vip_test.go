package vip

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/eventbus"
	"github.com/lockergw/gateway/internal/locker/statemgr"
	"github.com/lockergw/gateway/internal/persistence/sqlite"
)

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sqlite.Open(":memory:", sqlite.DefaultConfig())
	require.NoError(t, err)
	require.NoError(t, sqlite.Migrate(db))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedLocker(t *testing.T, db *sql.DB, kioskID string, id int) {
	t.Helper()
	_, err := db.Exec(`INSERT INTO locker (kiosk_id, id, status, version) VALUES (?, ?, 'Free', 1)`, kioskID, id)
	require.NoError(t, err)
}

func newTestManager(t *testing.T, db *sql.DB) *Manager {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	auditLogger := audit.NewLogger([]byte("test-key"))
	state := statemgr.New(db, bus, auditLogger)
	return New(db, state, auditLogger)
}

func TestCreate_BindsLockerAndInsertsContract(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	start := time.Now()
	end := start.Add(30 * 24 * time.Hour)
	c, err := m.Create(ctx, "k1", 1, "card-abc", start, end, `{"plan":"monthly"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, c.ContractID)
	assert.Equal(t, StatusActive, c.Status)

	var status string
	var isVIP int
	require.NoError(t, db.QueryRow(`SELECT status, is_vip FROM locker WHERE kiosk_id='k1' AND id=1`).Scan(&status, &isVIP))
	assert.Equal(t, "Owned", status)
	assert.Equal(t, 1, isVIP)
}

func TestCreate_FailsWhenCardAlreadyHoldsActiveContractElsewhere(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	seedLocker(t, db, "k1", 2)
	m := newTestManager(t, db)
	ctx := context.Background()

	start, end := time.Now(), time.Now().Add(time.Hour)
	_, err := m.Create(ctx, "k1", 1, "card-abc", start, end, "")
	require.NoError(t, err)

	_, err = m.Create(ctx, "k1", 2, "card-abc", start, end, "")
	assert.ErrorIs(t, err, ErrCardConflict)

	// the second locker must not have been left VIP-bound after the failed create
	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM locker WHERE kiosk_id='k1' AND id=2`).Scan(&status))
	assert.Equal(t, "Free", status)
}

func TestExtend_PushesEndDateOut(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	start := time.Now()
	c, err := m.Create(ctx, "k1", 1, "card-abc", start, start.Add(time.Hour), "")
	require.NoError(t, err)

	newEnd := start.Add(100 * 24 * time.Hour)
	require.NoError(t, m.Extend(ctx, c.ContractID, newEnd))

	got, err := m.GetContract(ctx, c.ContractID)
	require.NoError(t, err)
	assert.WithinDuration(t, newEnd, got.EndDate, time.Second)
}

func TestExtend_RejectsInactiveContract(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	start := time.Now()
	c, err := m.Create(ctx, "k1", 1, "card-abc", start, start.Add(time.Hour), "")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(ctx, c.ContractID, "staff1", "member cancelled"))

	err = m.Extend(ctx, c.ContractID, start.Add(time.Hour*10))
	assert.ErrorIs(t, err, ErrContractNotActive)
}

func TestCancel_ReleasesLockerAndMarksCancelled(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	m := newTestManager(t, db)
	ctx := context.Background()

	start := time.Now()
	c, err := m.Create(ctx, "k1", 1, "card-abc", start, start.Add(time.Hour), "")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, c.ContractID, "staff1", "refund requested"))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM locker WHERE kiosk_id='k1' AND id=1`).Scan(&status))
	assert.Equal(t, "Free", status)

	got, err := m.GetContract(ctx, c.ContractID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)
}

func TestGetContract_UnknownIDErrors(t *testing.T) {
	db := newTestDB(t)
	m := newTestManager(t, db)

	_, err := m.GetContract(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrContractNotFound)
}

func TestExpireOverdue_CancelsContractsPastEndDate(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "k1", 1)
	seedLocker(t, db, "k1", 2)
	m := newTestManager(t, db)
	ctx := context.Background()

	past := time.Now().Add(-2 * time.Hour)
	future := time.Now().Add(2 * time.Hour)

	expiredContract, err := m.Create(ctx, "k1", 1, "card-old", past.Add(-time.Hour), past, "")
	require.NoError(t, err)
	activeContract, err := m.Create(ctx, "k1", 2, "card-new", time.Now(), future, "")
	require.NoError(t, err)

	count, err := m.ExpireOverdue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	got, err := m.GetContract(ctx, expiredContract.ContractID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, got.Status)

	stillActive, err := m.GetContract(ctx, activeContract.ContractID)
	require.NoError(t, err)
	assert.Equal(t, StatusActive, stillActive.Status)
}
