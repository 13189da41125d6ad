package queue

import (
	"context"
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockergw/gateway/internal/audit"
	"github.com/lockergw/gateway/internal/eventbus"
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

func newTestManager(t *testing.T, db *sql.DB, cfg Config) (*Manager, *eventbus.MemoryBus) {
	t.Helper()
	bus := eventbus.NewMemoryBus()
	auditLogger := audit.NewLogger([]byte("test-key"))
	return New(db, bus, auditLogger, cfg), bus
}

func TestEnqueue_CreatesPendingCommand(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "k1", "open_locker", `{"locker_id":5}`)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM command WHERE command_id = ?`, id).Scan(&status))
	assert.Equal(t, string(StatusPending), status)
}

func TestEnqueue_RequiresKioskAndType(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())

	_, err := m.Enqueue(context.Background(), "", "open_locker", "{}")
	assert.Error(t, err)

	_, err = m.Enqueue(context.Background(), "k1", "", "{}")
	assert.Error(t, err)
}

func TestPoll_ClaimsOldestPendingCommand(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())
	ctx := context.Background()

	first, err := m.Enqueue(ctx, "k1", "open_locker", `{"locker_id":1}`)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "k1", "open_locker", `{"locker_id":2}`)
	require.NoError(t, err)

	cmd, err := m.Poll(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, cmd)
	assert.Equal(t, first, cmd.CommandID)
	assert.Equal(t, StatusInFlight, cmd.Status)
	assert.Equal(t, 1, cmd.Attempts)
}

func TestPoll_ReturnsNilWhenNothingPending(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())

	cmd, err := m.Poll(context.Background(), "k1")
	require.NoError(t, err)
	assert.Nil(t, cmd)
}

func TestPoll_RefusesSecondClaimWhileOneInFlight(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)

	first, err := m.Poll(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, first)

	second, err := m.Poll(ctx, "k1")
	require.NoError(t, err)
	assert.Nil(t, second, "a kiosk with an in-flight command must not be handed a second one")
}

func TestComplete_SuccessMarksDoneAndPublishes(t *testing.T) {
	db := newTestDB(t)
	m, bus := newTestManager(t, db, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)
	cmd, err := m.Poll(ctx, "k1")
	require.NoError(t, err)
	require.Equal(t, id, cmd.CommandID)

	sub, err := bus.Subscribe(ctx, eventbus.TopicCommandCompleted)
	require.NoError(t, err)
	defer sub.Close()

	require.NoError(t, m.Complete(ctx, id, true, ""))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM command WHERE command_id = ?`, id).Scan(&status))
	assert.Equal(t, string(StatusDone), status)

	select {
	case msg := <-sub.C():
		completed, ok := msg.Payload.(Completed)
		require.True(t, ok)
		assert.Equal(t, id, completed.CommandID)
	default:
		t.Fatal("expected a command completed event on the bus")
	}
}

func TestComplete_FailureRequeuesUntilMaxAttempts(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, Config{MaxAttempts: 2})
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)

	cmd, err := m.Poll(ctx, "k1")
	require.NoError(t, err)
	require.NoError(t, m.Complete(ctx, id, false, "timeout"))

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM command WHERE command_id = ?`, id).Scan(&status))
	assert.Equal(t, string(StatusPending), status, "first failure must requeue, not dead-letter")
	assert.Equal(t, 1, cmd.Attempts)

	cmd2, err := m.Poll(ctx, "k1")
	require.NoError(t, err)
	require.NotNil(t, cmd2)
	assert.Equal(t, 2, cmd2.Attempts)

	require.NoError(t, m.Complete(ctx, id, false, "timeout again"))
	require.NoError(t, db.QueryRow(`SELECT status FROM command WHERE command_id = ?`, id).Scan(&status))
	assert.Equal(t, string(StatusDead), status, "exhausting max attempts must dead-letter")
}

func TestComplete_UnknownCommandErrors(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())

	err := m.Complete(context.Background(), "does-not-exist", true, "")
	assert.ErrorIs(t, err, ErrCommandNotFound)
}

func TestComplete_RejectsCommandNotInFlight(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())
	ctx := context.Background()

	id, err := m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)

	err = m.Complete(ctx, id, true, "")
	assert.ErrorIs(t, err, ErrNotInFlight)
}

func TestClearPending_RemovesOnlyPendingCommands(t *testing.T) {
	db := newTestDB(t)
	m, _ := newTestManager(t, db, DefaultConfig())
	ctx := context.Background()

	inFlightID, err := m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)
	_, err = m.Poll(ctx, "k1")
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, "k1", "open_locker", `{}`)
	require.NoError(t, err)

	cleared, err := m.ClearPending(ctx, "k1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, cleared)

	var remaining int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM command WHERE kiosk_id = 'k1'`).Scan(&remaining))
	assert.Equal(t, 1, remaining)

	var status string
	require.NoError(t, db.QueryRow(`SELECT status FROM command WHERE command_id = ?`, inFlightID).Scan(&status))
	assert.Equal(t, string(StatusInFlight), status, "in-flight command must survive ClearPending")
}
