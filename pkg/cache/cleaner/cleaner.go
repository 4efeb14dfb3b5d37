package cleaner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/semaphore"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache/events"
	"github.com/songbook-app/songbook/pkg/cache/index"
)

// ErrCleanupInProgress is returned when another cleanup holds the cleaner.
var ErrCleanupInProgress = errors.New("cache cleaner: cleanup already in progress")

// Strategy names a single cleanup pass.
type Strategy string

const (
	StrategySyncQueue Strategy = "sync-queue"
	StrategyOldData   Strategy = "old-data"
	StrategyOrphans   Strategy = "orphans"
)

// Strategies lists the passes in the order PerformAutoCleanup runs them.
// Age pruning runs before orphan detection so a record removed for age is
// never counted again as an orphan.
var Strategies = []Strategy{StrategySyncQueue, StrategyOldData, StrategyOrphans}

// Config controls cleaner behaviour.
type Config struct {
	// MinItemsToKeep is the number of most recently used, unprotected records
	// of each kind that old-data cleanup never removes.
	MinItemsToKeep  int
	MaxSyncQueueAge time.Duration
	MaxDataAge      time.Duration
	// BatchSize bounds how many records are handled between context checks.
	BatchSize int
	// Kinds restricts record cleanup. Empty means every kind.
	Kinds []index.Kind
}

// DefaultConfig returns the stock cleanup policy.
func DefaultConfig() Config {
	return Config{
		MinItemsToKeep:  50,
		MaxSyncQueueAge: 7 * 24 * time.Hour,
		MaxDataAge:      90 * 24 * time.Hour,
		BatchSize:       100,
	}
}

// CleanupResult summarises one strategy.
type CleanupResult struct {
	ItemsDeleted int     `json:"itemsDeleted"`
	BytesFreed   int64   `json:"bytesFreed"`
	Errors       []error `json:"-"`
}

func (r *CleanupResult) fail(err error) {
	r.Errors = append(r.Errors, err)
}

// AutoCleanupResult is the per-strategy breakdown of PerformAutoCleanup.
type AutoCleanupResult struct {
	SyncQueue    CleanupResult `json:"syncQueue"`
	OldData      CleanupResult `json:"oldData"`
	Orphans      CleanupResult `json:"orphans"`
	TotalCleaned int           `json:"totalCleaned"`
}

// BytesFreed sums the bytes released by every strategy.
func (r AutoCleanupResult) BytesFreed() int64 {
	return r.SyncQueue.BytesFreed + r.OldData.BytesFreed + r.Orphans.BytesFreed
}

// Errors collects the per-record failures of every strategy.
func (r AutoCleanupResult) Errors() []error {
	var out []error
	out = append(out, r.SyncQueue.Errors...)
	out = append(out, r.OldData.Errors...)
	out = append(out, r.Orphans.Errors...)
	return out
}

// Option customises cleaner construction.
type Option func(*Cleaner)

// WithLogger overrides the default logger.
func WithLogger(logger log.Logger) Option {
	return func(c *Cleaner) {
		c.logger = logger
	}
}

// WithEvents publishes cleanup completion on bus.
func WithEvents(bus *events.Bus) Option {
	return func(c *Cleaner) {
		c.bus = bus
	}
}

// WithClock swaps the time source (primarily for tests).
func WithClock(now func() time.Time) Option {
	return func(c *Cleaner) {
		c.now = now
	}
}

// Cleaner reclaims space from the record store without ever touching
// favorites, pinned records or records waiting to sync.
type Cleaner struct {
	cfg    Config
	store  index.RecordStore
	bus    *events.Bus
	logger log.Logger
	now    func() time.Time

	running *semaphore.Weighted
}

// New constructs a cleaner. Zero config fields take their defaults.
func New(cfg Config, store index.RecordStore, opts ...Option) (*Cleaner, error) {
	if store == nil {
		return nil, errors.New("cache cleaner: record store is required")
	}
	if cfg.MinItemsToKeep < 0 {
		return nil, fmt.Errorf("cache cleaner: min items to keep must not be negative, got %d", cfg.MinItemsToKeep)
	}
	defaults := DefaultConfig()
	if cfg.MaxSyncQueueAge <= 0 {
		cfg.MaxSyncQueueAge = defaults.MaxSyncQueueAge
	}
	if cfg.MaxDataAge <= 0 {
		cfg.MaxDataAge = defaults.MaxDataAge
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaults.BatchSize
	}
	if len(cfg.Kinds) == 0 {
		cfg.Kinds = index.Kinds
	}

	c := &Cleaner{
		cfg:     cfg,
		store:   store,
		now:     func() time.Time { return time.Now().UTC() },
		running: semaphore.NewWeighted(1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = log.GetLogger("cache-cleaner")
	}
	return c, nil
}

// Config returns the effective configuration.
func (c *Cleaner) Config() Config {
	return c.cfg
}

func (c *Cleaner) acquire() error {
	if !c.running.TryAcquire(1) {
		return ErrCleanupInProgress
	}
	return nil
}

func (c *Cleaner) release() {
	c.running.Release(1)
}

// CleanupSyncQueue removes settled sync items older than MaxSyncQueueAge.
// Items still pending or in flight stay queued.
func (c *Cleaner) CleanupSyncQueue(ctx context.Context) (CleanupResult, error) {
	if err := c.acquire(); err != nil {
		return CleanupResult{}, err
	}
	defer c.release()
	return c.cleanupSyncQueue(ctx)
}

// CleanupOldData removes unprotected records not accessed within MaxDataAge,
// keeping the MinItemsToKeep most recently used of each kind.
func (c *Cleaner) CleanupOldData(ctx context.Context) (CleanupResult, error) {
	if err := c.acquire(); err != nil {
		return CleanupResult{}, err
	}
	defer c.release()
	return c.cleanupOldData(ctx)
}

// CleanupOrphans removes unprotected records whose parent no longer exists.
func (c *Cleaner) CleanupOrphans(ctx context.Context) (CleanupResult, error) {
	if err := c.acquire(); err != nil {
		return CleanupResult{}, err
	}
	defer c.release()
	return c.cleanupOrphans(ctx)
}

// Run executes one named strategy.
func (c *Cleaner) Run(ctx context.Context, strategy Strategy) (CleanupResult, error) {
	switch strategy {
	case StrategySyncQueue:
		return c.CleanupSyncQueue(ctx)
	case StrategyOldData:
		return c.CleanupOldData(ctx)
	case StrategyOrphans:
		return c.CleanupOrphans(ctx)
	}
	return CleanupResult{}, fmt.Errorf("cache cleaner: unknown strategy %q", strategy)
}

// PerformAutoCleanup runs every strategy in order and publishes a
// storage-cleanup-complete event. A strategy that fails outright is recorded
// in its result and the next one still runs.
func (c *Cleaner) PerformAutoCleanup(ctx context.Context) (AutoCleanupResult, error) {
	if err := c.acquire(); err != nil {
		return AutoCleanupResult{}, err
	}
	defer c.release()

	var result AutoCleanupResult
	steps := []struct {
		strategy Strategy
		run      func(context.Context) (CleanupResult, error)
		out      *CleanupResult
	}{
		{StrategySyncQueue, c.cleanupSyncQueue, &result.SyncQueue},
		{StrategyOldData, c.cleanupOldData, &result.OldData},
		{StrategyOrphans, c.cleanupOrphans, &result.Orphans},
	}
	for _, step := range steps {
		res, err := step.run(ctx)
		*step.out = res
		result.TotalCleaned += res.ItemsDeleted
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return result, ctxErr
			}
			c.logger.Errorf("cleanup %s failed: %v", step.strategy, err)
			step.out.fail(fmt.Errorf("%s: %w", step.strategy, err))
		}
	}

	message := fmt.Sprintf("Removed %d items, freed %s", result.TotalCleaned, humanize.Bytes(uint64(result.BytesFreed())))
	c.logger.Infof("auto cleanup: sync-queue=%d old-data=%d orphans=%d errors=%d",
		result.SyncQueue.ItemsDeleted, result.OldData.ItemsDeleted, result.Orphans.ItemsDeleted, len(result.Errors()))
	c.bus.Publish(events.CleanupComplete(result.TotalCleaned, message))
	return result, nil
}

func (c *Cleaner) cleanupSyncQueue(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	items, err := c.store.ListSyncItems(ctx)
	if err != nil {
		return result, fmt.Errorf("list sync items: %w", err)
	}

	cutoff := c.now().Add(-c.cfg.MaxSyncQueueAge)
	expired := func(item index.SyncItem) bool {
		return !item.Retrying() && item.CreatedAt.Before(cutoff)
	}

	err = inBatches(ctx, items, c.cfg.BatchSize, func(item index.SyncItem) {
		if !expired(item) {
			return
		}
		deleted, err := c.store.DeleteSyncItemIf(ctx, item.ID, expired)
		if err != nil {
			c.logger.Warnf("cleanup: delete sync item %s: %v", item.ID, err)
			result.fail(fmt.Errorf("sync item %s: %w", item.ID, err))
			return
		}
		if deleted {
			result.ItemsDeleted++
		}
	})
	if result.ItemsDeleted > 0 {
		c.logger.Debugf("cleanup: removed %d sync items older than %s", result.ItemsDeleted, cutoff.Format(time.RFC3339))
	}
	return result, err
}

func (c *Cleaner) cleanupOldData(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	cutoff := c.now().Add(-c.cfg.MaxDataAge)
	stale := func(r index.Record) bool {
		return !r.Protected() && r.LastAccessedAt.Before(cutoff)
	}

	for _, kind := range c.cfg.Kinds {
		recs, err := c.store.ListLRU(ctx, kind, 0)
		if err != nil {
			return result, fmt.Errorf("list %s records: %w", kind, err)
		}

		evictable := make([]index.Record, 0, len(recs))
		for _, rec := range recs {
			if !rec.Protected() {
				evictable = append(evictable, rec)
			}
		}
		// ListLRU is oldest first, so the floor is the tail.
		keep := c.cfg.MinItemsToKeep
		if keep >= len(evictable) {
			continue
		}
		candidates := evictable[:len(evictable)-keep]

		err = inBatches(ctx, candidates, c.cfg.BatchSize, func(rec index.Record) {
			if !stale(rec) {
				return
			}
			c.delete(ctx, rec, stale, &result)
		})
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

func (c *Cleaner) cleanupOrphans(ctx context.Context) (CleanupResult, error) {
	var result CleanupResult
	exists := make(map[string]bool)
	parentExists := func(kind index.Kind, id string) (bool, error) {
		key := string(kind) + "/" + id
		if ok, cached := exists[key]; cached {
			return ok, nil
		}
		ok, err := c.store.Has(ctx, kind, id)
		if err != nil {
			return false, err
		}
		exists[key] = ok
		return ok, nil
	}

	for _, kind := range c.cfg.Kinds {
		recs, err := c.store.ListLRU(ctx, kind, 0)
		if err != nil {
			return result, fmt.Errorf("list %s records: %w", kind, err)
		}

		err = inBatches(ctx, recs, c.cfg.BatchSize, func(rec index.Record) {
			if !rec.HasParent() || rec.Protected() {
				return
			}
			ok, err := parentExists(rec.ParentKind, rec.ParentID)
			if err != nil {
				result.fail(fmt.Errorf("%s %s: lookup parent: %w", rec.Kind, rec.ID, err))
				return
			}
			if ok {
				return
			}
			// The parent reference must be unchanged since the lookup.
			orphaned := func(r index.Record) bool {
				return !r.Protected() && r.ParentKind == rec.ParentKind && r.ParentID == rec.ParentID
			}
			if c.delete(ctx, rec, orphaned, &result) {
				exists[string(rec.Kind)+"/"+rec.ID] = false
			}
		})
		if err != nil {
			return result, err
		}
	}
	return result, nil
}

// delete removes rec when pred still holds for the stored copy.
func (c *Cleaner) delete(ctx context.Context, rec index.Record, pred func(index.Record) bool, result *CleanupResult) bool {
	removed, deleted, err := c.store.DeleteIf(ctx, rec.Kind, rec.ID, pred)
	if err != nil {
		c.logger.Warnf("cleanup: delete %s %s: %v", rec.Kind, rec.ID, err)
		result.fail(fmt.Errorf("%s %s: %w", rec.Kind, rec.ID, err))
		return false
	}
	if !deleted {
		return false
	}
	result.ItemsDeleted++
	result.BytesFreed += removed.Size
	return true
}

// inBatches calls fn for every item, checking ctx before each batch.
func inBatches[T any](ctx context.Context, items []T, size int, fn func(T)) error {
	for start := 0; start < len(items); start += size {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+size, len(items))
		for _, item := range items[start:end] {
			fn(item)
		}
	}
	return nil
}
