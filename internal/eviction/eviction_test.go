package eviction

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/blacktop/symserver/internal/cache"
	"github.com/blacktop/symserver/internal/model"
)

func newTestManager(t *testing.T, conf Config) (*Manager, cache.Store) {
	t.Helper()
	store := cache.NewInMemory("")
	svc, err := cache.NewService(store, nil)
	require.NoError(t, err)
	require.NoError(t, svc.Open())
	t.Cleanup(func() { svc.Close() })
	return New(svc, conf), store
}

func seed(t *testing.T, store cache.Store, key string, size, accessCount int64, lastAccess, createdAt time.Time) {
	t.Helper()
	require.NoError(t, store.Upsert(&model.CacheRecord{
		Key:         key,
		Payload:     make([]byte, size),
		SizeBytes:   size,
		ExpiresAt:   time.Now().Add(time.Hour),
		LastAccess:  lastAccess,
		AccessCount: accessCount,
		CreatedAt:   createdAt,
	}))
}

func TestRunEvictsLeastAccessedFirst(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 250, MaxAge: 30 * 24 * time.Hour})
	now := time.Now()

	seed(t, store, "cold", 100, 1, now.Add(-2*time.Hour), now)
	seed(t, store, "warm", 100, 3, now.Add(-time.Hour), now)
	seed(t, store, "hot", 100, 9, now, now)

	require.NoError(t, m.Run())

	_, err := store.Get("cold")
	assert.True(t, errors.Is(err, model.ErrNotFound), "least-accessed record evicted")
	_, err = store.Get("warm")
	assert.NoError(t, err)
	_, err = store.Get("hot")
	assert.NoError(t, err)

	recs, err := store.List()
	require.NoError(t, err)
	var usage int64
	for _, rec := range recs {
		usage += rec.SizeBytes
	}
	assert.LessOrEqual(t, usage, int64(250))
}

func TestRunBreaksTiesOnLastAccess(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 150, MaxAge: 30 * 24 * time.Hour})
	now := time.Now()

	seed(t, store, "older", 100, 2, now.Add(-3*time.Hour), now)
	seed(t, store, "newer", 100, 2, now.Add(-time.Minute), now)

	require.NoError(t, m.Run())

	_, err := store.Get("older")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = store.Get("newer")
	assert.NoError(t, err)
}

func TestStaleSingleAccessGoesBeforeAnythingElse(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 150, MaxAge: 7 * 24 * time.Hour})
	now := time.Now()

	// accessed once, created a month ago, but touched just now
	seed(t, store, "stale", 100, 1, now, now.Add(-30*24*time.Hour))
	// also single-access and less recently used, but still young
	seed(t, store, "young", 100, 1, now.Add(-6*24*time.Hour), now.Add(-6*24*time.Hour))

	require.NoError(t, m.Run())

	_, err := store.Get("stale")
	assert.True(t, errors.Is(err, model.ErrNotFound), "over-age single-access record removed first")
	_, err = store.Get("young")
	assert.NoError(t, err)
}

func TestMultiAccessSurvivesWhileStaleRemains(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 100, MaxAge: 7 * 24 * time.Hour})
	now := time.Now()

	seed(t, store, "stale", 100, 1, now.Add(-20*24*time.Hour), now.Add(-20*24*time.Hour))
	seed(t, store, "popular", 100, 40, now.Add(-25*24*time.Hour), now.Add(-60*24*time.Hour))

	require.NoError(t, m.Run())

	_, err := store.Get("popular")
	assert.NoError(t, err, "multi-access record outlives stale single-access one")
	_, err = store.Get("stale")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestAliasesFollowEvictedCanonicalRecord(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 150, MaxAge: 30 * 24 * time.Hour})
	now := time.Now()

	seed(t, store, "cold", 100, 1, now.Add(-2*time.Hour), now)
	seed(t, store, "hot", 100, 9, now, now)
	require.NoError(t, store.Upsert(&model.CacheRecord{
		Key:       "cold-alias",
		AliasOf:   "cold",
		ExpiresAt: now.Add(time.Hour),
	}))

	require.NoError(t, m.Run())

	_, err := store.Get("cold")
	assert.True(t, errors.Is(err, model.ErrNotFound))
	_, err = store.Get("cold-alias")
	assert.True(t, errors.Is(err, model.ErrNotFound), "alias removed with its canonical record")
	_, err = store.Get("hot")
	assert.NoError(t, err)
}

func TestDanglingAliasesSweptAway(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 1 << 20, MaxAge: 30 * 24 * time.Hour})

	require.NoError(t, store.Upsert(&model.CacheRecord{
		Key:       "orphan-alias",
		AliasOf:   "long-gone",
		ExpiresAt: time.Now().Add(time.Hour),
	}))

	require.NoError(t, m.Run())

	_, err := store.Get("orphan-alias")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestExpiredRecordsDroppedEvenUnderBudget(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 1 << 20, MaxAge: time.Hour})
	require.NoError(t, store.Upsert(&model.CacheRecord{
		Key:       "gone",
		SizeBytes: 10,
		ExpiresAt: time.Now().Add(-time.Minute),
	}))

	require.NoError(t, m.Run())

	_, err := store.Get("gone")
	assert.True(t, errors.Is(err, model.ErrNotFound))
}

func TestStrayFilesSweptBeforeRecords(t *testing.T) {
	dir := t.TempDir()
	stray := filepath.Join(dir, "iPhone15,2_18.5_22F76_Restore.ipsw.download")
	require.NoError(t, os.WriteFile(stray, make([]byte, 200), 0o644))
	old := time.Now().Add(-2 * time.Hour)
	require.NoError(t, os.Chtimes(stray, old, old))

	m, store := newTestManager(t, Config{
		WorkDir:     dir,
		BudgetBytes: 150,
		MaxAge:      30 * 24 * time.Hour,
		MinFileAge:  time.Hour,
	})
	now := time.Now()
	seed(t, store, "kept", 100, 2, now, now)

	require.NoError(t, m.Run())

	_, err := os.Stat(stray)
	assert.True(t, os.IsNotExist(err), "stray artifact removed")
	_, err = store.Get("kept")
	assert.NoError(t, err, "record survives once the stray file covered the overage")
}

func TestYoungFilesAreNeverTouched(t *testing.T) {
	dir := t.TempDir()
	active := filepath.Join(dir, "iPhone15,2_18.5_22F76_Restore.ipsw.download")
	require.NoError(t, os.WriteFile(active, make([]byte, 500), 0o644))

	m, _ := newTestManager(t, Config{
		WorkDir:     dir,
		BudgetBytes: 100,
		MaxAge:      30 * 24 * time.Hour,
		MinFileAge:  time.Hour,
	})
	require.NoError(t, m.Run())

	_, err := os.Stat(active)
	assert.NoError(t, err, "file younger than MinFileAge left alone")
}

func TestEnsureCapacityFreesProjectedSpace(t *testing.T) {
	m, store := newTestManager(t, Config{BudgetBytes: 1000, MaxAge: 30 * 24 * time.Hour})
	now := time.Now()

	seed(t, store, "a", 300, 1, now.Add(-2*time.Hour), now)
	seed(t, store, "b", 300, 5, now, now)

	// 600 in use; an 800-byte download needs all but 200 of the budget
	require.NoError(t, m.EnsureCapacity(800))

	recs, err := store.List()
	require.NoError(t, err)
	var usage int64
	for _, rec := range recs {
		usage += rec.SizeBytes
	}
	assert.LessOrEqual(t, usage, int64(200))
}
