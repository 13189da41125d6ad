package statemgr

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lockergw/gateway/internal/cache"
)

func TestGetAvailableLockers_ServesFromCacheUntilInvalidated(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "K1", 1)
	seedLocker(t, db, "K1", 2)
	m, _ := newTestManager(t, db)

	c := cache.NewMemoryCache(0)
	m.SetCache(c)

	ctx := context.Background()
	first, err := m.GetAvailableLockers(ctx, "K1", "")
	require.NoError(t, err)
	assert.Len(t, first, 2)

	// Mutate the underlying table directly, bypassing the Manager, so a
	// cache hit would still report the stale two-locker count.
	_, err = db.Exec(`DELETE FROM locker WHERE kiosk_id = 'K1' AND id = 2`)
	require.NoError(t, err)

	cached, err := m.GetAvailableLockers(ctx, "K1", "")
	require.NoError(t, err)
	assert.Len(t, cached, 2, "second read within TTL should be served from cache")

	require.NoError(t, m.Assign(ctx, "K1", 1, OwnerRFID, "card-A"))

	fresh, err := m.GetAvailableLockers(ctx, "K1", "")
	require.NoError(t, err)
	assert.Len(t, fresh, 0, "a state mutation must invalidate the kiosk's cached availability")
}

func TestGetAvailableLockers_WithoutCacheAlwaysReadsThrough(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "K1", 1)
	m, _ := newTestManager(t, db)

	ctx := context.Background()
	lockers, err := m.GetAvailableLockers(ctx, "K1", "")
	require.NoError(t, err)
	assert.Len(t, lockers, 1)

	_, err = db.Exec(`DELETE FROM locker WHERE kiosk_id = 'K1' AND id = 1`)
	require.NoError(t, err)

	lockers, err = m.GetAvailableLockers(ctx, "K1", "")
	require.NoError(t, err)
	assert.Len(t, lockers, 0)
}

func TestGetAvailableLockers_CacheRespectsZoneFilterAfterFill(t *testing.T) {
	db := newTestDB(t)
	seedLocker(t, db, "K1", 1)
	seedLocker(t, db, "K1", 20)
	_, err := db.Exec(`INSERT INTO zone (id, ranges_json, relay_cards_json, enabled) VALUES (?, ?, ?, 1)`,
		"Z1", `[[1,16]]`, `[1]`)
	require.NoError(t, err)
	m, _ := newTestManager(t, db)
	m.SetCache(cache.NewMemoryCache(0))

	ctx := context.Background()
	all, err := m.GetAvailableLockers(ctx, "K1", "")
	require.NoError(t, err)
	assert.Len(t, all, 2)

	zoned, err := m.GetAvailableLockers(ctx, "K1", "Z1")
	require.NoError(t, err)
	require.Len(t, zoned, 1)
	assert.Equal(t, 1, zoned[0].ID)
}
