package syncer

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache/index"
)

// ErrConflict indicates the remote copy changed while a queued change was
// pending. Conflicts are never retried.
var ErrConflict = errors.New("cache syncer: remote conflict")

const (
	reasonMaxAttempts = "max_attempts"
	reasonConflict    = "conflict"
	reasonPushError   = "push_error"
)

// Change is handed to a Pusher. Record is empty when Deleted is set.
type Change struct {
	Item    index.SyncItem
	Record  index.Record
	Deleted bool
}

// Pusher applies queued changes to the replica.
type Pusher interface {
	Push(ctx context.Context, change Change) error
}

// Sleeper abstracts time.Sleep for deterministic tests.
type Sleeper interface {
	Sleep(d time.Duration)
}

// Metrics captures syncer telemetry.
type Metrics interface {
	ItemQueued(item index.SyncItem)
	ItemStarted(item index.SyncItem)
	ItemRetried(item index.SyncItem)
	ItemCompleted(item index.SyncItem)
	ItemFailed(item index.SyncItem, reason string)
}

// Config controls syncer runtime behaviour.
type Config struct {
	Workers        int
	MaxAttempts    int
	BaseRetryDelay time.Duration
	MaxRetryDelay  time.Duration
	PollInterval   time.Duration
}

// Option customises syncer construction.
type Option func(*Syncer)

// WithLogger overrides the default logger.
func WithLogger(logger log.Logger) Option {
	return func(s *Syncer) {
		s.logger = logger
	}
}

// WithSleeper overrides the sleep implementation (useful for tests).
func WithSleeper(sleeper Sleeper) Option {
	return func(s *Syncer) {
		s.sleeper = sleeper
	}
}

// WithMetrics sets a custom metrics collector.
func WithMetrics(metrics Metrics) Option {
	return func(s *Syncer) {
		s.metrics = metrics
	}
}

// RetryableError wraps an underlying error and marks it retryable.
type RetryableError struct {
	Err error
}

func (e RetryableError) Error() string {
	if e.Err == nil {
		return ""
	}
	return e.Err.Error()
}

func (e RetryableError) Unwrap() error { return e.Err }

// Retryable marks this error as safe to retry.
func (RetryableError) Retryable() bool { return true }

// Summary counts the outcomes of a Drain.
type Summary struct {
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
	Requeued  int `json:"requeued"`
}

type outcome int

const (
	outcomeSkipped outcome = iota
	outcomeCompleted
	outcomeFailed
	outcomeRequeued
	outcomeRetry
)

// Syncer pushes pending sync items and keeps each record's SyncStatus in
// step: synced after a successful push, error once the item fails for good.
type Syncer struct {
	cfg     Config
	store   index.RecordStore
	pusher  Pusher
	logger  log.Logger
	sleeper Sleeper
	metrics Metrics

	mu       sync.Mutex
	queued   map[string]struct{}
	inFlight map[string]struct{}
	tasks    chan index.SyncItem
	running  bool
}

// New constructs a Syncer.
func New(cfg Config, store index.RecordStore, pusher Pusher, opts ...Option) (*Syncer, error) {
	if store == nil {
		return nil, errors.New("cache syncer: record store is required")
	}
	if pusher == nil {
		return nil, errors.New("cache syncer: pusher is required")
	}

	s := &Syncer{
		cfg:      applyDefaults(cfg),
		store:    store,
		pusher:   pusher,
		queued:   make(map[string]struct{}),
		inFlight: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = log.GetLogger("cache-syncer")
	}
	if s.sleeper == nil {
		s.sleeper = realSleeper{}
	}
	if s.metrics == nil {
		s.metrics = noopMetrics{}
	}
	return s, nil
}

// Run starts the worker pool and rescans the queue every PollInterval until
// ctx is cancelled.
func (s *Syncer) Run(ctx context.Context) error {
	tasks := make(chan index.SyncItem, s.cfg.Workers*2)
	var wg sync.WaitGroup

	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("cache syncer: already running")
	}
	s.running = true
	s.tasks = tasks
	s.mu.Unlock()

	// Workers may still enqueue retries, so the channel closes only after
	// they have all returned.
	defer func() {
		s.mu.Lock()
		s.running = false
		s.tasks = nil
		s.mu.Unlock()
		wg.Wait()
		close(tasks)
		s.mu.Lock()
		s.queued = make(map[string]struct{})
		s.inFlight = make(map[string]struct{})
		s.mu.Unlock()
	}()

	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.worker(ctx, tasks)
		}()
	}

	if err := s.scanAndQueue(ctx); err != nil {
		s.logger.Warnf("initial sync scan failed: %v", err)
	}

	ticker := time.NewTicker(s.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.scanAndQueue(ctx); err != nil {
				s.logger.Warnf("sync scan failed: %v", err)
			}
		}
	}
}

// Drain pushes every waiting item once, retrying inline, and returns when
// the queue has been walked.
func (s *Syncer) Drain(ctx context.Context) (Summary, error) {
	var sum Summary
	items, err := s.store.ListSyncItems(ctx)
	if err != nil {
		return sum, fmt.Errorf("list sync items: %w", err)
	}

	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return sum, err
		}
		if !item.Retrying() || !s.startProcessing(item.ID) {
			continue
		}
		s.metrics.ItemQueued(item)
		for {
			out, next, delay := s.processItem(ctx, item)
			if out == outcomeRetry {
				s.sleeper.Sleep(delay)
				item = next
				continue
			}
			switch out {
			case outcomeCompleted:
				sum.Completed++
			case outcomeFailed:
				sum.Failed++
			case outcomeRequeued:
				sum.Requeued++
			}
			break
		}
		s.finishProcessing(item.ID)
	}
	return sum, nil
}

func (s *Syncer) worker(ctx context.Context, tasks <-chan index.SyncItem) {
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-tasks:
			if !ok {
				return
			}
			if !s.startProcessing(item.ID) {
				continue
			}
			out, next, delay := s.processItem(ctx, item)
			s.finishProcessing(item.ID)
			if out == outcomeRetry {
				s.sleeper.Sleep(delay)
				s.enqueue(ctx, next)
			}
		}
	}
}

func (s *Syncer) scanAndQueue(ctx context.Context) error {
	items, err := s.store.ListSyncItems(ctx)
	if err != nil {
		return err
	}
	for _, item := range items {
		// in_progress items were interrupted mid-push and are resumed.
		if item.Retrying() {
			s.enqueue(ctx, item)
		}
	}
	return nil
}

func (s *Syncer) enqueue(ctx context.Context, item index.SyncItem) {
	s.mu.Lock()
	if !s.running || s.tasks == nil {
		s.mu.Unlock()
		return
	}
	if _, exists := s.queued[item.ID]; exists {
		s.mu.Unlock()
		return
	}
	if _, exists := s.inFlight[item.ID]; exists {
		s.mu.Unlock()
		return
	}
	s.queued[item.ID] = struct{}{}
	tasks := s.tasks
	s.mu.Unlock()

	s.metrics.ItemQueued(item)

	select {
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.queued, item.ID)
		s.mu.Unlock()
	case tasks <- item:
	}
}

func (s *Syncer) startProcessing(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, queued := s.queued[id]; queued {
		delete(s.queued, id)
		s.inFlight[id] = struct{}{}
		return true
	}
	if _, running := s.inFlight[id]; running {
		return false
	}
	s.inFlight[id] = struct{}{}
	return true
}

func (s *Syncer) finishProcessing(id string) {
	s.mu.Lock()
	delete(s.inFlight, id)
	s.mu.Unlock()
}

// processItem runs one push attempt. Every attempt moves the item through
// two status updates, so Attempts/2 is the number of finished attempts.
func (s *Syncer) processItem(ctx context.Context, item index.SyncItem) (outcome, index.SyncItem, time.Duration) {
	attemptsBefore := item.Attempts / 2
	if attemptsBefore >= s.cfg.MaxAttempts {
		s.logger.Warnf("sync item %s reached max attempts", item.ID)
		s.fail(ctx, item, "max attempts reached", reasonMaxAttempts)
		return outcomeFailed, item, 0
	}

	updated, err := s.store.UpdateSyncStatus(ctx, item.ID, index.SyncItemInProgress, "")
	if err != nil {
		if errors.Is(err, index.ErrNotFound) {
			s.logger.Warnf("sync item %s vanished from the queue", item.ID)
		} else {
			s.logger.Errorf("set sync item %s in-progress failed: %v", item.ID, err)
		}
		return outcomeSkipped, item, 0
	}
	s.metrics.ItemStarted(updated)

	change := Change{Item: updated}
	if updated.Operation == index.OperationDelete {
		change.Deleted = true
	} else {
		rec, err := s.store.Get(ctx, updated.RecordKind, updated.RecordID)
		switch {
		case errors.Is(err, index.ErrNotFound):
			change.Deleted = true
		case err != nil:
			err = RetryableError{Err: fmt.Errorf("load %s %s: %w", updated.RecordKind, updated.RecordID, err)}
			return s.retryOrFail(ctx, updated, attemptsBefore+1, err)
		default:
			change.Record = rec
		}
	}

	err = s.pusher.Push(ctx, change)
	switch {
	case err == nil:
	case errors.Is(err, ErrConflict):
		s.logger.Warnf("conflict syncing %s %s: %v", updated.RecordKind, updated.RecordID, err)
		s.fail(ctx, updated, err.Error(), reasonConflict)
		return outcomeFailed, updated, 0
	case isContextError(err):
		s.logger.Warnf("sync item %s cancelled: %v", item.ID, err)
		s.metrics.ItemRetried(updated)
		// ctx is already done; the requeue must still land.
		if _, updateErr := s.store.UpdateSyncStatus(context.WithoutCancel(ctx), item.ID, index.SyncItemPending, err.Error()); updateErr != nil {
			s.logger.Errorf("requeue sync item %s after cancel failed: %v", item.ID, updateErr)
		}
		return outcomeRequeued, updated, 0
	default:
		return s.retryOrFail(ctx, updated, attemptsBefore+1, err)
	}

	completed, err := s.store.UpdateSyncStatus(ctx, item.ID, index.SyncItemComplete, "")
	if err != nil {
		s.logger.Errorf("mark sync item %s complete failed: %v", item.ID, err)
		return outcomeFailed, updated, 0
	}
	s.metrics.ItemCompleted(completed)
	if !change.Deleted {
		s.markRecord(ctx, completed, index.SyncStatusSynced)
	}
	return outcomeCompleted, completed, 0
}

func (s *Syncer) retryOrFail(ctx context.Context, item index.SyncItem, attempt int, err error) (outcome, index.SyncItem, time.Duration) {
	if isRetryable(err) && attempt < s.cfg.MaxAttempts {
		delay := s.backoffDelay(attempt)
		s.logger.Warnf("retrying sync item %s in %s: %v", item.ID, delay, err)
		s.metrics.ItemRetried(item)
		requeued, updateErr := s.store.UpdateSyncStatus(ctx, item.ID, index.SyncItemPending, err.Error())
		if updateErr != nil {
			s.logger.Errorf("requeue sync item %s failed: %v", item.ID, updateErr)
			return outcomeSkipped, item, 0
		}
		return outcomeRetry, requeued, delay
	}

	s.logger.Warnf("sync item %s failed: %v", item.ID, err)
	s.fail(ctx, item, err.Error(), reasonPushError)
	return outcomeFailed, item, 0
}

func (s *Syncer) fail(ctx context.Context, item index.SyncItem, msg, reason string) {
	failed, err := s.store.UpdateSyncStatus(ctx, item.ID, index.SyncItemFailed, msg)
	if err != nil {
		s.logger.Errorf("mark sync item %s failed: %v", item.ID, err)
		return
	}
	s.metrics.ItemFailed(failed, reason)
	if item.Operation != index.OperationDelete {
		s.markRecord(ctx, failed, index.SyncStatusError)
	}
}

// markRecord moves a record out of the pending state, which makes it
// eligible for cleanup again.
func (s *Syncer) markRecord(ctx context.Context, item index.SyncItem, status index.SyncStatus) {
	rec, err := s.store.Get(ctx, item.RecordKind, item.RecordID)
	if errors.Is(err, index.ErrNotFound) {
		return
	}
	if err != nil {
		s.logger.Warnf("load %s %s for status update: %v", item.RecordKind, item.RecordID, err)
		return
	}
	if rec.SyncStatus == status {
		return
	}
	rec.SyncStatus = status
	if err := s.store.Put(ctx, rec); err != nil {
		s.logger.Warnf("set %s %s sync status: %v", item.RecordKind, item.RecordID, err)
	}
}

func (s *Syncer) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := s.cfg.BaseRetryDelay
	delay := time.Duration(float64(base) * math.Pow(2, float64(attempt-1)))
	if delay > s.cfg.MaxRetryDelay {
		return s.cfg.MaxRetryDelay
	}
	if delay < base {
		return base
	}
	return delay
}

func applyDefaults(cfg Config) Config {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 3
	}
	if cfg.BaseRetryDelay <= 0 {
		cfg.BaseRetryDelay = 100 * time.Millisecond
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = 5 * time.Second
	}
	if cfg.MaxRetryDelay < cfg.BaseRetryDelay {
		cfg.MaxRetryDelay = cfg.BaseRetryDelay
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	return cfg
}

type realSleeper struct{}

func (realSleeper) Sleep(d time.Duration) { time.Sleep(d) }

type noopMetrics struct{}

func (noopMetrics) ItemQueued(index.SyncItem) {}

func (noopMetrics) ItemStarted(index.SyncItem) {}

func (noopMetrics) ItemRetried(index.SyncItem) {}

func (noopMetrics) ItemCompleted(index.SyncItem) {}

func (noopMetrics) ItemFailed(index.SyncItem, string) {}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	type retryable interface {
		Retryable() bool
	}
	type temporary interface {
		Temporary() bool
	}
	var r retryable
	if errors.As(err, &r) && r.Retryable() {
		return true
	}
	var t temporary
	if errors.As(err, &t) && t.Temporary() {
		return true
	}
	return false
}

func isContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
