package failsafe

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/events"
	"github.com/songbook-app/songbook/pkg/cache/quota"
)

// ErrQuotaExceeded matches every *QuotaExceededError.
var ErrQuotaExceeded = errors.New("cache failsafe: storage quota exceeded")

// QuotaExceededError reports a write refused after one cleanup attempt.
type QuotaExceededError struct {
	Usage               uint64
	Quota               uint64
	CurrentPercentage   float64
	ProjectedPercentage float64
	EstimatedBytes      int64
	// ItemsCleaned is what the single cleanup attempt removed.
	ItemsCleaned        int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("cache failsafe: storage quota exceeded: %.1f%% used (%s of %s), writing %s would reach %.1f%%",
		e.CurrentPercentage, humanize.Bytes(e.Usage), humanize.Bytes(e.Quota),
		humanize.Bytes(uint64(max(e.EstimatedBytes, 0))), e.ProjectedPercentage)
}

func (e *QuotaExceededError) Is(target error) bool {
	return target == ErrQuotaExceeded
}

// QuotaChecker projects usage for a pending write.
type QuotaChecker interface {
	CheckQuotaBeforeWrite(ctx context.Context, estimatedBytes int64) (quota.QuotaCheck, error)
}

// Cleaner reclaims space.
type Cleaner interface {
	PerformAutoCleanup(ctx context.Context) (cleaner.AutoCleanupResult, error)
}

type settings struct {
	logger log.Logger
	bus    *events.Bus
}

// Option customises Guard and Watcher construction.
type Option func(*settings)

// WithLogger replaces the default logger.
func WithLogger(logger log.Logger) Option {
	return func(s *settings) {
		s.logger = logger
	}
}

// WithEvents publishes threshold events on bus.
func WithEvents(bus *events.Bus) Option {
	return func(s *settings) {
		s.bus = bus
	}
}

func applyOptions(name string, opts []Option) settings {
	var s settings
	for _, opt := range opts {
		opt(&s)
	}
	if s.logger == nil {
		s.logger = log.GetLogger(name)
	}
	return s
}

// Guard wraps repository writes with a quota check and at most one cleanup.
type Guard struct {
	quota   QuotaChecker
	cleaner Cleaner
	settings
}

// NewGuard constructs a Guard.
func NewGuard(q QuotaChecker, c Cleaner, opts ...Option) (*Guard, error) {
	if q == nil {
		return nil, errors.New("cache failsafe: quota checker is required")
	}
	if c == nil {
		return nil, errors.New("cache failsafe: cleaner is required")
	}
	return &Guard{quota: q, cleaner: c, settings: applyOptions("cache-guard", opts)}, nil
}

// CheckQuotaBeforeWrite reports whether estimatedBytes fit without cleaning.
func (g *Guard) CheckQuotaBeforeWrite(ctx context.Context, estimatedBytes int64) (quota.QuotaCheck, error) {
	return g.quota.CheckQuotaBeforeWrite(ctx, estimatedBytes)
}

// EnsureCapacity makes room for estimatedBytes. When the write does not fit
// it runs one auto cleanup and checks again; a second refusal returns a
// *QuotaExceededError. A cleanup already running elsewhere counts as the
// attempt.
func (g *Guard) EnsureCapacity(ctx context.Context, estimatedBytes int64) (quota.QuotaCheck, error) {
	check, err := g.quota.CheckQuotaBeforeWrite(ctx, estimatedBytes)
	if err != nil {
		return check, err
	}
	if check.CanWrite {
		return check, nil
	}

	g.logger.Warnf("write of %d bytes would reach %.1f%%, running cleanup", estimatedBytes, check.ProjectedPercentage)
	cleaned := 0
	result, err := g.cleaner.PerformAutoCleanup(ctx)
	switch {
	case err == nil:
		cleaned = result.TotalCleaned
	case errors.Is(err, cleaner.ErrCleanupInProgress):
		g.logger.Infof("cleanup already running, re-checking quota")
	case ctx.Err() != nil:
		return check, ctx.Err()
	default:
		g.logger.Errorf("cleanup before write failed: %v", err)
	}

	check, err = g.quota.CheckQuotaBeforeWrite(ctx, estimatedBytes)
	if err != nil {
		return check, err
	}
	if check.CanWrite {
		return check, nil
	}

	g.bus.Publish(events.Threshold(events.StorageCritical, check.CurrentPercentage))
	return check, &QuotaExceededError{
		Usage:               check.Usage,
		Quota:               check.Quota,
		CurrentPercentage:   check.CurrentPercentage,
		ProjectedPercentage: check.ProjectedPercentage,
		EstimatedBytes:      estimatedBytes,
		ItemsCleaned:        cleaned,
	}
}

// Write runs fn once EnsureCapacity allows it.
func (g *Guard) Write(ctx context.Context, estimatedBytes int64, fn func(ctx context.Context) error) error {
	if _, err := g.EnsureCapacity(ctx, estimatedBytes); err != nil {
		return err
	}
	return fn(ctx)
}
