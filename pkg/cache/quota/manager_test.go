package quota

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/index/memory"
)

type failingProbe struct{ err error }

func (p failingProbe) Estimate(context.Context) (Estimate, error) {
	return Estimate{}, p.err
}

type persistStore struct {
	*memory.Store
	persisted bool
	err       error
}

func (s *persistStore) Persist(context.Context) (bool, error) {
	if s.err != nil {
		return false, s.err
	}
	s.persisted = true
	return true, nil
}

func (s *persistStore) Persisted(context.Context) (bool, error) {
	return s.persisted, nil
}

func newManager(t *testing.T, probe Probe, store index.RecordStore) *Manager {
	t.Helper()
	if store == nil {
		store = memory.New()
	}
	m, err := NewManager(probe, store, WithLogger(log.Nop()))
	require.NoError(t, err)
	return m
}

func TestCheckHealthClassifies(t *testing.T) {
	tests := []struct {
		name   string
		usage  uint64
		status Status
	}{
		{"healthy", 500, StatusHealthy},
		{"just below warning", 799, StatusHealthy},
		{"warning at threshold", 800, StatusWarning},
		{"critical at threshold", 950, StatusCritical},
		{"over quota", 1200, StatusCritical},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := newManager(t, StaticProbe{Usage: tt.usage, Quota: 1000}, nil)
			h, err := m.CheckHealth(context.Background())
			require.NoError(t, err)
			assert.True(t, h.Supported)
			assert.Equal(t, tt.status, h.Status)
			assert.InDelta(t, float64(tt.usage)/10, h.Percentage, 1e-9)
			if tt.status == StatusHealthy {
				assert.Empty(t, h.Recommendations)
			} else {
				assert.NotEmpty(t, h.Recommendations)
			}
		})
	}
}

func TestCheckHealthUnsupportedFailsOpen(t *testing.T) {
	for _, probe := range []Probe{StaticProbe{}, failingProbe{err: errors.New("statfs: permission denied")}, failingProbe{err: ErrUnsupported}} {
		m := newManager(t, probe, nil)
		h, err := m.CheckHealth(context.Background())
		require.NoError(t, err)
		assert.False(t, h.Supported)
		assert.Equal(t, StatusHealthy, h.Status)
		assert.Empty(t, h.Recommendations)
	}
}

func TestCheckHealthReportsCountsAndRecommendations(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, id := range []string{"d1", "d2"} {
		require.NoError(t, store.Put(ctx, index.Record{ID: id, Kind: index.KindDraft, LastAccessedAt: time.Now()}))
	}
	require.NoError(t, store.Put(ctx, index.Record{ID: "s1", Kind: index.KindSong, LastAccessedAt: time.Now()}))
	_, err := store.AddSyncItem(ctx, index.SyncItem{RecordKind: index.KindSong, RecordID: "s1", Operation: "update", Status: index.SyncItemPending})
	require.NoError(t, err)

	m := newManager(t, StaticProbe{Usage: 970_000_000, Quota: 1_000_000_000}, store)
	h, err := m.CheckHealth(ctx)
	require.NoError(t, err)

	assert.Equal(t, StatusCritical, h.Status)
	assert.Equal(t, 2, h.Records.Records[index.KindDraft])
	assert.Equal(t, 1, h.Records.SyncQueue)
	assert.Equal(t, 3, h.Records.Total())
	assert.Contains(t, h.Recommendations, "Clear old drafts (2 stored)")
	assert.Contains(t, h.Recommendations[0], "MB")
}

func TestCheckQuotaBeforeWrite(t *testing.T) {
	m := newManager(t, StaticProbe{Usage: 900, Quota: 1000}, nil)
	ctx := context.Background()

	check, err := m.CheckQuotaBeforeWrite(ctx, 40)
	require.NoError(t, err)
	assert.True(t, check.CanWrite)
	assert.True(t, check.ShouldWarn)
	assert.InDelta(t, 90, check.CurrentPercentage, 1e-9)
	assert.InDelta(t, 94, check.ProjectedPercentage, 1e-9)
	assert.Equal(t, uint64(900), check.Usage)
	assert.Equal(t, uint64(1000), check.Quota)

	check, err = m.CheckQuotaBeforeWrite(ctx, 50)
	require.NoError(t, err)
	assert.True(t, check.CanWrite, "landing exactly on the critical threshold is allowed")

	check, err = m.CheckQuotaBeforeWrite(ctx, 60)
	require.NoError(t, err)
	assert.False(t, check.CanWrite)
}

func TestCheckQuotaBeforeWriteFailsOpen(t *testing.T) {
	m := newManager(t, StaticProbe{}, nil)
	for _, size := range []int64{0, 1, 1 << 40} {
		check, err := m.CheckQuotaBeforeWrite(context.Background(), size)
		require.NoError(t, err)
		assert.True(t, check.CanWrite)
		assert.False(t, check.Supported)
	}
}

func TestRequestPersistentStorage(t *testing.T) {
	ctx := context.Background()

	m := newManager(t, StaticProbe{Usage: 1, Quota: 10}, nil)
	assert.False(t, m.RequestPersistentStorage(ctx), "memory store cannot persist")

	store := &persistStore{Store: memory.New()}
	m = newManager(t, StaticProbe{Usage: 1, Quota: 10}, store)
	assert.True(t, m.RequestPersistentStorage(ctx))
	h, err := m.CheckHealth(ctx)
	require.NoError(t, err)
	assert.True(t, h.Persisted)

	broken := &persistStore{Store: memory.New(), err: errors.New("read-only database")}
	m = newManager(t, StaticProbe{Usage: 1, Quota: 10}, broken)
	assert.False(t, m.RequestPersistentStorage(ctx))
}

func TestNewManagerRejectsBadThresholds(t *testing.T) {
	_, err := NewManager(StaticProbe{}, memory.New(), WithThresholds(Thresholds{Warning: 0.9, Critical: 0.8}))
	assert.Error(t, err)
}

func TestDirProbeSumsFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "nested"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.db"), make([]byte, 300), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "nested", "b.db"), make([]byte, 200), 0o600))

	est, err := DirProbe{Dir: dir, Capacity: 1000}.Estimate(context.Background())
	require.NoError(t, err)
	assert.Equal(t, Estimate{Usage: 500, Quota: 1000}, est)

	est, err = DirProbe{Dir: filepath.Join(dir, "missing"), Capacity: 1000}.Estimate(context.Background())
	require.NoError(t, err)
	assert.Zero(t, est.Usage)
}

func TestVolumeProbe(t *testing.T) {
	est, err := VolumeProbe{Path: filepath.Join(t.TempDir(), "not", "created")}.Estimate(context.Background())
	if errors.Is(err, ErrUnsupported) {
		t.Skipf("volume usage unavailable: %v", err)
	}
	require.NoError(t, err)
	assert.NotZero(t, est.Quota)
	assert.LessOrEqual(t, est.Usage, est.Quota)
}

func TestStoreProbeFollowsDeletes(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.Put(ctx, index.Record{ID: id, Kind: index.KindSong, Size: 300}))
	}

	m := newManager(t, StoreProbe{Store: store, Capacity: 1000}, store)
	check, err := m.CheckQuotaBeforeWrite(ctx, 100)
	require.NoError(t, err)
	assert.False(t, check.CanWrite)
	assert.InDelta(t, 90.0, check.CurrentPercentage, 0.001)

	require.NoError(t, store.Delete(ctx, index.KindSong, "a"))
	check, err = m.CheckQuotaBeforeWrite(ctx, 100)
	require.NoError(t, err)
	assert.True(t, check.CanWrite)
	assert.InDelta(t, 60.0, check.CurrentPercentage, 0.001)
}

func TestStoreProbeWithoutStoreIsUnsupported(t *testing.T) {
	_, err := StoreProbe{Capacity: 10}.Estimate(context.Background())
	assert.ErrorIs(t, err, ErrUnsupported)
}
