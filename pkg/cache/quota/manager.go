// Package quota watches how much of the storage budget the offline cache uses
// and answers whether a write of a given size still fits.
package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/dustin/go-humanize"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache/index"
)

// Status classifies storage pressure.
type Status string

const (
	StatusHealthy  Status = "healthy"
	StatusWarning  Status = "warning"
	StatusCritical Status = "critical"
)

// Thresholds are usage fractions of the quota.
type Thresholds struct {
	Warning  float64 `json:"warning" yaml:"warning"`
	Critical float64 `json:"critical" yaml:"critical"`
}

// DefaultThresholds returns 80% warning and 95% critical.
func DefaultThresholds() Thresholds {
	return Thresholds{Warning: 0.80, Critical: 0.95}
}

// Validate checks 0 < Warning <= Critical <= 1.
func (t Thresholds) Validate() error {
	if t.Warning <= 0 || t.Critical > 1 || t.Warning > t.Critical {
		return fmt.Errorf("storage quota: thresholds must satisfy 0 < warning <= critical <= 1, got %.2f/%.2f", t.Warning, t.Critical)
	}
	return nil
}

// Classify maps a usage ratio to a Status.
func (t Thresholds) Classify(ratio float64) Status {
	switch {
	case ratio >= t.Critical:
		return StatusCritical
	case ratio >= t.Warning:
		return StatusWarning
	default:
		return StatusHealthy
	}
}

// Health is a point-in-time storage report. Percentage runs from 0 to 100.
type Health struct {
	Usage           uint64       `json:"usage"`
	Quota           uint64       `json:"quota"`
	Percentage      float64      `json:"percentage"`
	Status          Status       `json:"status"`
	Supported       bool         `json:"supported"`
	Persisted       bool         `json:"persisted"`
	Records         index.Counts `json:"records"`
	Recommendations []string     `json:"recommendations,omitempty"`
}

// QuotaCheck answers whether a write of a given size fits under the critical
// threshold.
type QuotaCheck struct {
	CanWrite            bool    `json:"canWrite"`
	ShouldWarn          bool    `json:"shouldWarn"`
	CurrentPercentage   float64 `json:"currentPercentage"`
	ProjectedPercentage float64 `json:"projectedPercentage"`
	Supported           bool    `json:"supported"`
	// Usage and Quota are the bytes the check was computed from.
	Usage               uint64  `json:"usage"`
	Quota               uint64  `json:"quota"`
}

// Option customises manager construction.
type Option func(*Manager)

// WithLogger overrides the default logger.
func WithLogger(logger log.Logger) Option {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithThresholds overrides the default thresholds.
func WithThresholds(t Thresholds) Option {
	return func(m *Manager) {
		m.thresholds = t
	}
}

// Manager combines a storage probe with record counts from the store.
type Manager struct {
	probe      Probe
	store      index.RecordStore
	thresholds Thresholds
	logger     log.Logger
}

// NewManager constructs a manager.
func NewManager(probe Probe, store index.RecordStore, opts ...Option) (*Manager, error) {
	if probe == nil {
		return nil, errors.New("storage quota: probe is required")
	}
	if store == nil {
		return nil, errors.New("storage quota: record store is required")
	}
	m := &Manager{
		probe:      probe,
		store:      store,
		thresholds: DefaultThresholds(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.logger == nil {
		m.logger = log.GetLogger("storage-quota")
	}
	if err := m.thresholds.Validate(); err != nil {
		return nil, err
	}
	return m, nil
}

// Thresholds returns the configured thresholds.
func (m *Manager) Thresholds() Thresholds {
	return m.thresholds
}

// estimate returns ok=false when storage cannot be measured. Probe failures
// never propagate; the cache keeps accepting writes.
func (m *Manager) estimate(ctx context.Context) (Estimate, bool, error) {
	est, err := m.probe.Estimate(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return Estimate{}, false, ctxErr
		}
		if !errors.Is(err, ErrUnsupported) {
			m.logger.Warnf("storage estimate failed, treating as unsupported: %v", err)
		} else {
			m.logger.Debugf("storage estimate unsupported: %v", err)
		}
		return Estimate{}, false, nil
	}
	if est.Quota == 0 {
		return Estimate{}, false, nil
	}
	return est, true, nil
}

// CheckHealth measures usage, classifies it and gathers record counts.
func (m *Manager) CheckHealth(ctx context.Context) (Health, error) {
	counts, err := index.CountAll(ctx, m.store)
	if err != nil {
		return Health{}, fmt.Errorf("count records: %w", err)
	}

	health := Health{Status: StatusHealthy, Records: counts}
	if p, ok := m.store.(index.Persister); ok {
		persisted, err := p.Persisted(ctx)
		if err != nil {
			m.logger.Warnf("read persisted flag: %v", err)
		}
		health.Persisted = persisted
	}

	est, ok, err := m.estimate(ctx)
	if err != nil {
		return Health{}, err
	}
	if !ok {
		return health, nil
	}

	ratio := float64(est.Usage) / float64(est.Quota)
	health.Supported = true
	health.Usage = est.Usage
	health.Quota = est.Quota
	health.Percentage = ratio * 100
	health.Status = m.thresholds.Classify(ratio)
	if health.Status != StatusHealthy {
		health.Recommendations = recommendations(health)
	}
	return health, nil
}

// CheckQuotaBeforeWrite projects usage after writing estimatedBytes. When
// storage cannot be measured the write is always allowed.
func (m *Manager) CheckQuotaBeforeWrite(ctx context.Context, estimatedBytes int64) (QuotaCheck, error) {
	est, ok, err := m.estimate(ctx)
	if err != nil {
		return QuotaCheck{}, err
	}
	if !ok {
		return QuotaCheck{CanWrite: true}, nil
	}

	if estimatedBytes < 0 {
		estimatedBytes = 0
	}
	current := float64(est.Usage) / float64(est.Quota)
	projected := float64(est.Usage+uint64(estimatedBytes)) / float64(est.Quota)
	return QuotaCheck{
		CanWrite:            projected <= m.thresholds.Critical,
		ShouldWarn:          projected >= m.thresholds.Warning,
		CurrentPercentage:   current * 100,
		ProjectedPercentage: projected * 100,
		Supported:           true,
		Usage:               est.Usage,
		Quota:               est.Quota,
	}, nil
}

// RequestPersistentStorage asks the store to mark itself durable. It never
// fails; anything that goes wrong reads as "not granted".
func (m *Manager) RequestPersistentStorage(ctx context.Context) bool {
	p, ok := m.store.(index.Persister)
	if !ok {
		m.logger.Infof("record store does not support persistence")
		return false
	}
	granted, err := p.Persist(ctx)
	if err != nil {
		m.logger.Warnf("persist request failed: %v", err)
		return false
	}
	return granted
}

func recommendations(h Health) []string {
	var out []string
	if h.Status == StatusCritical {
		out = append(out, fmt.Sprintf("Storage is almost full: %s of %s used", humanize.Bytes(h.Usage), humanize.Bytes(h.Quota)))
	}
	if n := h.Records.Records[index.KindDraft]; n > 0 {
		out = append(out, fmt.Sprintf("Clear old drafts (%s stored)", humanize.Comma(int64(n))))
	}
	if h.Records.SyncQueue > 0 {
		out = append(out, fmt.Sprintf("Sync pending changes to shrink the queue (%s items)", humanize.Comma(int64(h.Records.SyncQueue))))
	}
	out = append(out, "Remove songs and arrangements you have not opened recently")
	if !h.Persisted {
		out = append(out, "Request persistent storage so cached songs are not evicted")
	}
	return out
}
