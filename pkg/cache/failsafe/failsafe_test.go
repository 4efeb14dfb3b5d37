package failsafe_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/events"
	"github.com/songbook-app/songbook/pkg/cache/failsafe"
	"github.com/songbook-app/songbook/pkg/cache/index/memory"
	"github.com/songbook-app/songbook/pkg/cache/quota"
)

type stubQuota struct {
	mu     sync.Mutex
	checks []quota.QuotaCheck
	calls  int
}

func (s *stubQuota) CheckQuotaBeforeWrite(context.Context, int64) (quota.QuotaCheck, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	check := s.checks[0]
	if len(s.checks) > 1 {
		s.checks = s.checks[1:]
	}
	return check, nil
}

type stubCleaner struct {
	mu     sync.Mutex
	calls  int
	result cleaner.AutoCleanupResult
	err    error
}

func (s *stubCleaner) PerformAutoCleanup(context.Context) (cleaner.AutoCleanupResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return s.result, s.err
}

func (s *stubCleaner) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type stubHealth struct {
	mu       sync.Mutex
	statuses []quota.Status
	polls    int
}

func (s *stubHealth) CheckHealth(context.Context) (quota.Health, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status := s.statuses[min(s.polls, len(s.statuses)-1)]
	s.polls++
	return quota.Health{Status: status, Supported: true, Percentage: percentFor(status)}, nil
}

func percentFor(status quota.Status) float64 {
	switch status {
	case quota.StatusCritical:
		return 97
	case quota.StatusWarning:
		return 85
	}
	return 40
}

var (
	fits    = quota.QuotaCheck{CanWrite: true, Supported: true, CurrentPercentage: 50, ProjectedPercentage: 51}
	refused = quota.QuotaCheck{CanWrite: false, Supported: true, CurrentPercentage: 94, ProjectedPercentage: 99,
		Usage: 94_000_000, Quota: 100_000_000}
)

func collect(bus *events.Bus) func() []events.Event {
	var (
		mu  sync.Mutex
		got []events.Event
	)
	bus.Subscribe(func(ev events.Event) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, ev)
	})
	return func() []events.Event {
		mu.Lock()
		defer mu.Unlock()
		return append([]events.Event(nil), got...)
	}
}

func TestEnsureCapacityFitsWithoutCleanup(t *testing.T) {
	q := &stubQuota{checks: []quota.QuotaCheck{fits}}
	c := &stubCleaner{}
	g, err := failsafe.NewGuard(q, c, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)

	check, err := g.EnsureCapacity(context.Background(), 1024)
	require.NoError(t, err)
	assert.True(t, check.CanWrite)
	assert.Zero(t, c.count())
}

func TestEnsureCapacityCleansOnceThenSucceeds(t *testing.T) {
	q := &stubQuota{checks: []quota.QuotaCheck{refused, fits}}
	c := &stubCleaner{result: cleaner.AutoCleanupResult{TotalCleaned: 12}}
	g, err := failsafe.NewGuard(q, c, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)

	_, err = g.EnsureCapacity(context.Background(), 4096)
	require.NoError(t, err)
	assert.Equal(t, 1, c.count())
	assert.Equal(t, 2, q.calls)
}

func TestEnsureCapacityNeverRetriesTwice(t *testing.T) {
	q := &stubQuota{checks: []quota.QuotaCheck{refused}}
	c := &stubCleaner{result: cleaner.AutoCleanupResult{TotalCleaned: 2}}
	bus := events.NewBus(log.Nop())
	got := collect(bus)
	g, err := failsafe.NewGuard(q, c, failsafe.WithLogger(log.Nop()), failsafe.WithEvents(bus))
	require.NoError(t, err)

	_, err = g.EnsureCapacity(context.Background(), 5<<20)
	require.Error(t, err)
	assert.ErrorIs(t, err, failsafe.ErrQuotaExceeded)

	var exceeded *failsafe.QuotaExceededError
	require.ErrorAs(t, err, &exceeded)
	assert.Equal(t, int64(5<<20), exceeded.EstimatedBytes)
	assert.Equal(t, 94.0, exceeded.CurrentPercentage)
	assert.Equal(t, 99.0, exceeded.ProjectedPercentage)
	assert.Equal(t, 2, exceeded.ItemsCleaned)
	assert.Equal(t, uint64(94_000_000), exceeded.Usage)
	assert.Equal(t, uint64(100_000_000), exceeded.Quota)
	assert.Contains(t, err.Error(), "5.2 MB")
	assert.Contains(t, err.Error(), "94 MB of 100 MB")

	assert.Equal(t, 1, c.count(), "cleanup runs at most once per write")
	assert.Equal(t, 2, q.calls)

	evs := got()
	require.Len(t, evs, 1)
	assert.Equal(t, events.StorageCritical, evs[0].Name)
	assert.Equal(t, events.ThresholdDetail{Percentage: 94}, evs[0].Detail)
}

func TestEnsureCapacityTreatsRunningCleanupAsTheAttempt(t *testing.T) {
	q := &stubQuota{checks: []quota.QuotaCheck{refused, fits}}
	c := &stubCleaner{err: cleaner.ErrCleanupInProgress}
	g, err := failsafe.NewGuard(q, c, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)

	_, err = g.EnsureCapacity(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, c.count())
}

func TestEnsureCapacityFailsOpenWhenUnsupported(t *testing.T) {
	m, err := quota.NewManager(quota.StaticProbe{}, memory.New(), quota.WithLogger(log.Nop()))
	require.NoError(t, err)
	c := &stubCleaner{}
	g, err := failsafe.NewGuard(m, c, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)

	check, err := g.EnsureCapacity(context.Background(), 1<<40)
	require.NoError(t, err)
	assert.True(t, check.CanWrite)
	assert.Zero(t, c.count())
}

func TestWriteRunsOnlyWhenAllowed(t *testing.T) {
	ctx := context.Background()

	g, err := failsafe.NewGuard(&stubQuota{checks: []quota.QuotaCheck{fits}}, &stubCleaner{}, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)
	ran := false
	require.NoError(t, g.Write(ctx, 10, func(context.Context) error {
		ran = true
		return nil
	}))
	assert.True(t, ran)

	g, err = failsafe.NewGuard(&stubQuota{checks: []quota.QuotaCheck{refused}}, &stubCleaner{}, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)
	ran = false
	err = g.Write(ctx, 10, func(context.Context) error {
		ran = true
		return nil
	})
	assert.ErrorIs(t, err, failsafe.ErrQuotaExceeded)
	assert.False(t, ran)

	boom := errors.New("boom")
	g, err = failsafe.NewGuard(&stubQuota{checks: []quota.QuotaCheck{fits}}, &stubCleaner{}, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)
	assert.ErrorIs(t, g.Write(ctx, 10, func(context.Context) error { return boom }), boom)
}

func TestWatcherEmitsOnTransitionsAndCleansWhenCritical(t *testing.T) {
	health := &stubHealth{statuses: []quota.Status{
		quota.StatusHealthy,
		quota.StatusWarning,
		quota.StatusWarning,
		quota.StatusCritical,
		quota.StatusCritical,
		quota.StatusHealthy,
	}}
	c := &stubCleaner{}
	bus := events.NewBus(log.Nop())
	got := collect(bus)

	w, err := failsafe.NewWatcher(failsafe.WatcherConfig{AutoCleanup: true}, health, c,
		failsafe.WithLogger(log.Nop()), failsafe.WithEvents(bus))
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := w.Check(ctx)
		require.NoError(t, err)
	}

	evs := got()
	require.Len(t, evs, 2)
	assert.Equal(t, events.StorageWarning, evs[0].Name)
	assert.Equal(t, events.ThresholdDetail{Percentage: 85}, evs[0].Detail)
	assert.Equal(t, events.StorageCritical, evs[1].Name)
	assert.Equal(t, 2, c.count(), "cleanup runs on every critical poll")
}

func TestWatcherWithoutAutoCleanupOnlyNotifies(t *testing.T) {
	health := &stubHealth{statuses: []quota.Status{quota.StatusCritical}}
	c := &stubCleaner{}
	w, err := failsafe.NewWatcher(failsafe.WatcherConfig{}, health, c, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)

	h, err := w.Check(context.Background())
	require.NoError(t, err)
	assert.Equal(t, quota.StatusCritical, h.Status)
	assert.Zero(t, c.count())
}

func TestWatcherRunPollsUntilCancelled(t *testing.T) {
	health := &stubHealth{statuses: []quota.Status{quota.StatusHealthy}}
	w, err := failsafe.NewWatcher(failsafe.WatcherConfig{Interval: 5 * time.Millisecond}, health, nil, failsafe.WithLogger(log.Nop()))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Millisecond)
	defer cancel()
	err = w.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	health.mu.Lock()
	polls := health.polls
	health.mu.Unlock()
	assert.GreaterOrEqual(t, polls, 2)
}

func TestNewWatcherRequiresCleanerForAutoCleanup(t *testing.T) {
	_, err := failsafe.NewWatcher(failsafe.WatcherConfig{AutoCleanup: true}, &stubHealth{statuses: []quota.Status{quota.StatusHealthy}}, nil)
	assert.Error(t, err)
}
