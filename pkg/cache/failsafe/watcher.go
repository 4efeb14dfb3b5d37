package failsafe

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/events"
	"github.com/songbook-app/songbook/pkg/cache/quota"
)

// DefaultInterval is the health poll period.
const DefaultInterval = 60 * time.Second

// HealthChecker reports storage health.
type HealthChecker interface {
	CheckHealth(ctx context.Context) (quota.Health, error)
}

// WatcherConfig controls the polling loop.
type WatcherConfig struct {
	Interval    time.Duration
	AutoCleanup bool
}

// Watcher polls storage health, announces threshold crossings and cleans up
// when storage turns critical.
type Watcher struct {
	cfg     WatcherConfig
	health  HealthChecker
	cleaner Cleaner
	settings

	mu   sync.Mutex
	last quota.Status
}

// NewWatcher constructs a Watcher. cleaner may be nil when AutoCleanup is off.
func NewWatcher(cfg WatcherConfig, health HealthChecker, c Cleaner, opts ...Option) (*Watcher, error) {
	if health == nil {
		return nil, errors.New("cache failsafe: health checker is required")
	}
	if cfg.AutoCleanup && c == nil {
		return nil, errors.New("cache failsafe: auto cleanup needs a cleaner")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	return &Watcher{
		cfg:      cfg,
		health:   health,
		cleaner:  c,
		settings: applyOptions("cache-watcher", opts),
		last:     quota.StatusHealthy,
	}, nil
}

// Check runs one poll. Events fire only when the status changes into
// warning or critical.
func (w *Watcher) Check(ctx context.Context) (quota.Health, error) {
	h, err := w.health.CheckHealth(ctx)
	if err != nil {
		return h, err
	}

	w.mu.Lock()
	previous := w.last
	w.last = h.Status
	w.mu.Unlock()

	if h.Status != previous {
		w.logger.Infof("storage status %s -> %s (%.1f%%)", previous, h.Status, h.Percentage)
		switch h.Status {
		case quota.StatusWarning:
			w.bus.Publish(events.Threshold(events.StorageWarning, h.Percentage))
		case quota.StatusCritical:
			w.bus.Publish(events.Threshold(events.StorageCritical, h.Percentage))
		}
	}

	if h.Status == quota.StatusCritical && w.cfg.AutoCleanup {
		result, err := w.cleaner.PerformAutoCleanup(ctx)
		switch {
		case errors.Is(err, cleaner.ErrCleanupInProgress):
			w.logger.Debugf("cleanup already running, skipping")
		case err != nil:
			w.logger.Errorf("auto cleanup failed: %v", err)
		default:
			w.logger.Infof("auto cleanup removed %d items", result.TotalCleaned)
		}
	}
	return h, nil
}

// Run polls immediately and then every Interval until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		if _, err := w.Check(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			w.logger.Warnf("storage health check failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}
