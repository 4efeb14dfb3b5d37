package cache

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/mitchellh/go-homedir"
	"gopkg.in/yaml.v3"

	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/failsafe"
	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/index/bbolt"
	"github.com/songbook-app/songbook/pkg/cache/index/memory"
	"github.com/songbook-app/songbook/pkg/cache/index/sqlite"
	"github.com/songbook-app/songbook/pkg/cache/quota"
)

const (
	defaultVersion           = 1
	defaultDriver            = DriverBbolt
	defaultProbe             = ProbeDir
	defaultWarning           = 0.80
	defaultCritical          = 0.95
	defaultMinItemsToKeep    = 50
	defaultSyncQueueAgeDays  = 7
	defaultDataAgeDays       = 90
	defaultBatchSize         = 100
	defaultWatchIntervalSec  = 60
	defaultStoreOpenTimeout  = 5 * time.Second
	defaultCacheDirComponent = ".songbook"
)

// Store drivers.
const (
	DriverMemory = "memory"
	DriverBbolt  = "bbolt"
	DriverSqlite = "sqlite"
)

// Quota probes.
const (
	ProbeDir    = "dir"
	ProbeVolume = "volume"
	ProbeStatic = "static"
)

var ErrConfigMissing = errors.New("cache config missing")

// ValidationError aggregates config validation issues.
type ValidationError struct {
	Issues []string
}

func (v ValidationError) Error() string {
	if len(v.Issues) == 0 {
		return "config validation failed"
	}
	if len(v.Issues) == 1 {
		return v.Issues[0]
	}
	return fmt.Sprintf("config validation failed: %s", v.Issues)
}

// Config describes the offline cache: where records live, how full the
// volume may get and how aggressively old data is pruned.
type Config struct {
	Version int           `yaml:"version" toml:"version"`
	Store   StoreConfig   `yaml:"store" toml:"store"`
	Quota   QuotaConfig   `yaml:"quota" toml:"quota"`
	Cleanup CleanupConfig `yaml:"cleanup" toml:"cleanup"`
}

// StoreConfig selects the record store backend.
type StoreConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"`
}

// QuotaConfig tunes the storage manager.
type QuotaConfig struct {
	WarningThreshold  float64 `yaml:"warning_threshold" toml:"warning_threshold"`
	CriticalThreshold float64 `yaml:"critical_threshold" toml:"critical_threshold"`
	// CapacityMB caps the cache directory. Zero means the whole volume.
	CapacityMB int    `yaml:"capacity_mb" toml:"capacity_mb"`
	Probe      string `yaml:"probe" toml:"probe"`
}

// CleanupConfig tunes the cleanup manager and the health watcher.
type CleanupConfig struct {
	EnableAutoCleanup   bool `yaml:"enable_auto_cleanup" toml:"enable_auto_cleanup"`
	MinItemsToKeep      int  `yaml:"min_items_to_keep" toml:"min_items_to_keep"`
	MaxSyncQueueAgeDays int  `yaml:"max_sync_queue_age_days" toml:"max_sync_queue_age_days"`
	MaxDataAgeDays      int  `yaml:"max_data_age_days" toml:"max_data_age_days"`
	BatchSize           int  `yaml:"batch_size" toml:"batch_size"`
	IntervalSec         int  `yaml:"interval_sec" toml:"interval_sec"`
}

// OpenedStore is a record store that owns resources.
type OpenedStore interface {
	index.RecordStore
	Close() error
}

// LoadConfig reads config from the provided path. Files ending in .toml are
// decoded as TOML, everything else as YAML. When the file does not exist it
// writes a template and returns ErrConfigMissing to prompt the user to edit
// the newly created file.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			if writeErr := writeTemplate(path); writeErr != nil {
				return nil, writeErr
			}
			return nil, ErrConfigMissing
		}
		return nil, err
	}

	// min_items_to_keep may be set to 0 explicitly, so its default is laid
	// down before decoding instead of in applyDefaults.
	cfg := Config{Cleanup: CleanupConfig{MinItemsToKeep: defaultMinItemsToKeep}}
	if isTOML(path) {
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return nil, fmt.Errorf("parse cache config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse cache config: %w", err)
	}

	cfg.applyDefaults()
	if vErr := cfg.validate(); len(vErr.Issues) > 0 {
		return nil, vErr
	}

	return &cfg, nil
}

// DefaultConfig returns the configuration the template describes.
func DefaultConfig() Config {
	cfg := Config{Cleanup: CleanupConfig{EnableAutoCleanup: true, MinItemsToKeep: defaultMinItemsToKeep}}
	cfg.applyDefaults()
	return cfg
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// EffectiveStorePath resolves the store file. An empty Path falls back to
// ~/.songbook/cache/songbook.<ext>; a leading ~ is expanded.
func (c Config) EffectiveStorePath(homeDir string) (string, error) {
	if c.Store.Path != "" {
		return homedir.Expand(c.Store.Path)
	}
	name := "songbook.db"
	if c.Store.Driver == DriverSqlite {
		name = "songbook.sqlite"
	}
	return filepath.Join(homeDir, defaultCacheDirComponent, "cache", name), nil
}

// OpenStore opens the configured record store, creating its directory.
func (c Config) OpenStore(homeDir string) (OpenedStore, error) {
	if c.Store.Driver == DriverMemory {
		return memory.New(), nil
	}

	path, err := c.EffectiveStorePath(homeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store directory: %w", err)
	}

	if c.Store.Driver == DriverSqlite {
		store, err := sqlite.Open(path)
		if err != nil {
			return nil, err
		}
		return store, nil
	}
	store, err := bbolt.Open(path, bbolt.Options{Timeout: defaultStoreOpenTimeout})
	if err != nil {
		return nil, err
	}
	return store, nil
}

// Probe builds the quota probe. The dir probe asks store for its in-use
// bytes when it can report them and falls back to summing the store
// directory otherwise.
func (c Config) Probe(homeDir string, store index.RecordStore) (quota.Probe, error) {
	capacity := uint64(c.Quota.CapacityMB) << 20
	reporter, _ := store.(index.UsageReporter)
	if c.Store.Driver == DriverMemory {
		if reporter != nil && capacity > 0 {
			return quota.StoreProbe{Store: reporter, Capacity: capacity}, nil
		}
		return quota.StaticProbe{Quota: capacity}, nil
	}

	path, err := c.EffectiveStorePath(homeDir)
	if err != nil {
		return nil, fmt.Errorf("resolve store path: %w", err)
	}

	switch c.Quota.Probe {
	case ProbeVolume:
		return quota.VolumeProbe{Path: path}, nil
	case ProbeStatic:
		return quota.StaticProbe{Quota: capacity}, nil
	default:
		if reporter != nil {
			return quota.StoreProbe{Store: reporter, Path: filepath.Dir(path), Capacity: capacity}, nil
		}
		return quota.DirProbe{Dir: filepath.Dir(path), Capacity: capacity}, nil
	}
}

// Thresholds returns the quota thresholds.
func (c Config) Thresholds() quota.Thresholds {
	return quota.Thresholds{Warning: c.Quota.WarningThreshold, Critical: c.Quota.CriticalThreshold}
}

// CleanerConfig returns the cleanup policy.
func (c Config) CleanerConfig() cleaner.Config {
	return cleaner.Config{
		MinItemsToKeep:  c.Cleanup.MinItemsToKeep,
		MaxSyncQueueAge: days(c.Cleanup.MaxSyncQueueAgeDays),
		MaxDataAge:      days(c.Cleanup.MaxDataAgeDays),
		BatchSize:       c.Cleanup.BatchSize,
	}
}

// WatcherConfig returns the health watcher settings.
func (c Config) WatcherConfig() failsafe.WatcherConfig {
	return failsafe.WatcherConfig{
		Interval:    time.Duration(c.Cleanup.IntervalSec) * time.Second,
		AutoCleanup: c.Cleanup.EnableAutoCleanup,
	}
}

func days(n int) time.Duration {
	return time.Duration(n) * 24 * time.Hour
}

func (c *Config) applyDefaults() {
	if c.Version == 0 {
		c.Version = defaultVersion
	}
	if c.Store.Driver == "" {
		c.Store.Driver = defaultDriver
	}
	if c.Quota.WarningThreshold == 0 {
		c.Quota.WarningThreshold = defaultWarning
	}
	if c.Quota.CriticalThreshold == 0 {
		c.Quota.CriticalThreshold = defaultCritical
	}
	if c.Quota.Probe == "" {
		c.Quota.Probe = defaultProbe
	}
	if c.Cleanup.MaxSyncQueueAgeDays == 0 {
		c.Cleanup.MaxSyncQueueAgeDays = defaultSyncQueueAgeDays
	}
	if c.Cleanup.MaxDataAgeDays == 0 {
		c.Cleanup.MaxDataAgeDays = defaultDataAgeDays
	}
	if c.Cleanup.BatchSize == 0 {
		c.Cleanup.BatchSize = defaultBatchSize
	}
	if c.Cleanup.IntervalSec == 0 {
		c.Cleanup.IntervalSec = defaultWatchIntervalSec
	}
}

func (c Config) validate() ValidationError {
	issues := make([]string, 0)

	if c.Version != defaultVersion {
		issues = append(issues, "version must be 1")
	}
	switch c.Store.Driver {
	case DriverMemory, DriverBbolt, DriverSqlite:
	default:
		issues = append(issues, fmt.Sprintf("store.driver must be one of memory, bbolt, sqlite, got %q", c.Store.Driver))
	}
	switch c.Quota.Probe {
	case ProbeDir, ProbeVolume:
	case ProbeStatic:
		if c.Quota.CapacityMB <= 0 {
			issues = append(issues, "quota.capacity_mb must be > 0 for the static probe")
		}
	default:
		issues = append(issues, fmt.Sprintf("quota.probe must be one of dir, volume, static, got %q", c.Quota.Probe))
	}
	if err := c.Thresholds().Validate(); err != nil {
		issues = append(issues, "quota.warning_threshold and quota.critical_threshold must satisfy 0 < warning <= critical <= 1")
	}
	if c.Quota.CapacityMB < 0 {
		issues = append(issues, "quota.capacity_mb must be >= 0")
	}
	if c.Cleanup.MinItemsToKeep < 0 {
		issues = append(issues, "cleanup.min_items_to_keep must be >= 0")
	}
	if c.Cleanup.MaxSyncQueueAgeDays <= 0 {
		issues = append(issues, "cleanup.max_sync_queue_age_days must be > 0")
	}
	if c.Cleanup.MaxDataAgeDays <= 0 {
		issues = append(issues, "cleanup.max_data_age_days must be > 0")
	}
	if c.Cleanup.BatchSize <= 0 {
		issues = append(issues, "cleanup.batch_size must be > 0")
	}
	if c.Cleanup.IntervalSec <= 0 {
		issues = append(issues, "cleanup.interval_sec must be > 0")
	}

	return ValidationError{Issues: issues}
}

func writeTemplate(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var tpl *bytes.Buffer
	if isTOML(path) {
		tpl = bytes.NewBufferString("# Songbook offline cache configuration\n")
		tpl.WriteString("version = 1\n\n")
		tpl.WriteString("[store]\n")
		tpl.WriteString("driver = \"bbolt\"\n")
		tpl.WriteString("# path = \"\"\n\n")
		tpl.WriteString("[quota]\n")
		tpl.WriteString("warning_threshold = 0.80\n")
		tpl.WriteString("critical_threshold = 0.95\n")
		tpl.WriteString("capacity_mb = 0\n")
		tpl.WriteString("probe = \"dir\"\n\n")
		tpl.WriteString("[cleanup]\n")
		tpl.WriteString("enable_auto_cleanup = true\n")
		tpl.WriteString("min_items_to_keep = 50\n")
		tpl.WriteString("max_sync_queue_age_days = 7\n")
		tpl.WriteString("max_data_age_days = 90\n")
		tpl.WriteString("batch_size = 100\n")
		tpl.WriteString("interval_sec = 60\n")
	} else {
		tpl = bytes.NewBufferString("# Songbook offline cache configuration\n")
		tpl.WriteString("version: 1\n")
		tpl.WriteString("store:\n")
		tpl.WriteString("  driver: bbolt\n")
		tpl.WriteString("  # path: \n")
		tpl.WriteString("quota:\n")
		tpl.WriteString("  warning_threshold: 0.80\n")
		tpl.WriteString("  critical_threshold: 0.95\n")
		tpl.WriteString("  capacity_mb: 0\n")
		tpl.WriteString("  probe: dir\n")
		tpl.WriteString("cleanup:\n")
		tpl.WriteString("  enable_auto_cleanup: true\n")
		tpl.WriteString("  min_items_to_keep: 50\n")
		tpl.WriteString("  max_sync_queue_age_days: 7\n")
		tpl.WriteString("  max_data_age_days: 90\n")
		tpl.WriteString("  batch_size: 100\n")
		tpl.WriteString("  interval_sec: 60\n")
	}

	if err := os.WriteFile(path, tpl.Bytes(), 0o600); err != nil {
		return fmt.Errorf("write config template: %w", err)
	}
	return nil
}
