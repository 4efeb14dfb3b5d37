// Copyright 2025 The Songbook Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/mitchellh/go-homedir"
	"github.com/rs/zerolog"
	"github.com/urfave/cli"

	"github.com/songbook-app/songbook/lib"
	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache"
	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/events"
	"github.com/songbook-app/songbook/pkg/cache/failsafe"
	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/quota"
	"github.com/songbook-app/songbook/pkg/cache/syncer"
)

var storageLog = log.GetLogger("storage")

// cacheStack is the wired storage half: record store, quota manager,
// cleaner and the event bus they share.
type cacheStack struct {
	cfg     *cache.Config
	store   cache.OpenedStore
	bus     *events.Bus
	manager *quota.Manager
	cleaner *cleaner.Cleaner
}

func (s *cacheStack) Close() error {
	return s.store.Close()
}

func (r *runner) openCache() (*cacheStack, error) {
	conf, err := cache.LoadConfig(r.flags.ConfigPath)
	if errors.Is(err, cache.ErrConfigMissing) {
		return nil, cli.NewExitError(fmt.Sprintf("wrote a config template to %s, review it and run again", r.flags.ConfigPath), 2)
	}
	if err != nil {
		return nil, err
	}

	store, err := conf.OpenStore(r.flags.HomeDir)
	if err != nil {
		return nil, fmt.Errorf("open record store: %w", err)
	}
	probe, err := conf.Probe(r.flags.HomeDir, store)
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	bus := events.NewBus(log.GetLogger("cache-events"))
	bus.Subscribe(logEvent)

	manager, err := quota.NewManager(probe, store, quota.WithThresholds(conf.Thresholds()))
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	c, err := cleaner.New(conf.CleanerConfig(), store, cleaner.WithEvents(bus))
	if err != nil {
		_ = store.Close()
		return nil, err
	}

	return &cacheStack{cfg: conf, store: store, bus: bus, manager: manager, cleaner: c}, nil
}

func logEvent(ev events.Event) {
	switch d := ev.Detail.(type) {
	case events.ThresholdDetail:
		storageLog.Warn().Str("event", string(ev.Name)).Float64("percentage", d.Percentage).Msg("storage threshold crossed")
	case events.CleanupDetail:
		storageLog.Info().Str("event", string(ev.Name)).Int("itemsRemoved", d.ItemsRemoved).Msg(d.Message)
	default:
		storageLog.Info().Str("event", string(ev.Name)).Msg("storage event")
	}
}

// withCache opens the stack for the duration of fn.
func (r *runner) withCache(fn func(s *cacheStack, c *cli.Context) error) func(*cli.Context) error {
	return func(c *cli.Context) error {
		s, err := r.openCache()
		if err != nil {
			return err
		}
		defer func() {
			storageLog.E(s.Close())
		}()
		return fn(s, c)
	}
}

func storageCommand(r *runner) cli.Command {
	return cli.Command{
		Name:  "storage",
		Usage: "Inspect and maintain the offline song cache",
		Subcommands: []cli.Command{
			{
				Name:   "health",
				Usage:  "Print a storage health snapshot as JSON",
				Action: r.withCache(r.storageHealth),
			},
			{
				Name:  "cleanup",
				Usage: "Remove stale sync items, old records and orphans",
				Flags: []cli.Flag{
					cli.StringFlag{
						Name:  "strategy",
						Value: "all",
						Usage: "all, sync-queue, old-data or orphans",
					},
				},
				Action: r.withCache(r.storageCleanup),
			},
			{
				Name:   "persist",
				Usage:  "Mark the cache as durable",
				Action: r.withCache(r.storagePersist),
			},
			{
				Name:      "put",
				Usage:     "Store a chart, cleaning up first if the cache is full",
				ArgsUsage: "[FILE]",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "kind", Value: string(index.KindSong), Usage: "song, arrangement, setlist or draft"},
					cli.StringFlag{Name: "id", Usage: "Record id"},
					cli.StringFlag{Name: "parent-kind", Usage: "Kind of the owning record"},
					cli.StringFlag{Name: "parent-id", Usage: "Id of the owning record"},
					cli.BoolFlag{Name: "favorite", Usage: "Protect the record from cleanup"},
					cli.BoolFlag{Name: "pinned", Usage: "Protect the record from cleanup"},
				},
				Action: r.withCache(r.storagePut),
			},
			{
				Name:  "sync",
				Usage: "Push pending changes into an export directory",
				Flags: []cli.Flag{
					cli.StringFlag{Name: "export-dir", Usage: "Directory that receives <kind>/<id>.cho files", EnvVar: "SONGBOOK_EXPORT_DIR"},
					cli.IntFlag{Name: "max-attempts", Value: 3, Usage: "Give up on an item after this many pushes"},
					cli.BoolFlag{Name: "follow", Usage: "Keep syncing until interrupted"},
				},
				Action: r.withCache(r.storageSync),
			},
			{
				Name:  "watch",
				Usage: "Poll storage health until interrupted",
				Flags: []cli.Flag{
					cli.DurationFlag{Name: "interval", Usage: "Override cleanup.interval_sec"},
				},
				Action: r.withCache(r.storageWatch),
			},
		},
	}
}

func (r *runner) storageHealth(s *cacheStack, _ *cli.Context) error {
	h, err := s.manager.CheckHealth(r.ctx)
	if err != nil {
		return err
	}
	if h.Supported && storageLog.IsLevelEnabled(zerolog.DebugLevel) {
		storageLog.Debugf("%s of %s used", humanize.Bytes(h.Usage), humanize.Bytes(h.Quota))
	}
	return r.writeJSON(h)
}

func (r *runner) storageCleanup(s *cacheStack, c *cli.Context) error {
	strategy := c.String("strategy")
	if strategy == "" || strategy == "all" {
		result, err := s.cleaner.PerformAutoCleanup(r.ctx)
		if err != nil {
			return err
		}
		for _, e := range result.Errors() {
			storageLog.Warnf("cleanup: %v", e)
		}
		return r.writeJSON(result)
	}

	result, err := s.cleaner.Run(r.ctx, cleaner.Strategy(strategy))
	if err != nil {
		return err
	}
	for _, e := range result.Errors {
		storageLog.Warnf("cleanup: %v", e)
	}
	storageLog.Infof("%s: removed %d items, freed %s", strategy, result.ItemsDeleted, humanize.Bytes(uint64(result.BytesFreed)))
	return r.writeJSON(result)
}

func (r *runner) storagePersist(s *cacheStack, _ *cli.Context) error {
	if s.manager.RequestPersistentStorage(r.ctx) {
		r.printf("persistent storage granted\n")
		return nil
	}
	r.printf("persistent storage not granted\n")
	return nil
}

func (r *runner) storagePut(s *cacheStack, c *cli.Context) error {
	id := c.String("id")
	if id == "" {
		return errors.New("--id is required")
	}
	kind := index.Kind(c.String("kind"))
	if !slices.Contains(index.Kinds, kind) {
		return fmt.Errorf("unknown kind %q", kind)
	}

	content, err := lib.ReadInput(c.Args().First())
	if err != nil {
		return err
	}
	rec := index.Record{
		ID:             id,
		Kind:           kind,
		ParentKind:     index.Kind(c.String("parent-kind")),
		ParentID:       c.String("parent-id"),
		Size:           int64(len(content)),
		LastAccessedAt: time.Now().UTC(),
		IsFavorite:     c.Bool("favorite"),
		IsPinned:       c.Bool("pinned"),
		SyncStatus:     index.SyncStatusPending,
		Data:           []byte(content),
	}

	guard, err := failsafe.NewGuard(s.manager, s.cleaner, failsafe.WithEvents(s.bus))
	if err != nil {
		return err
	}
	err = guard.Write(r.ctx, rec.Size, func(ctx context.Context) error {
		_, err := s.store.PutWithSync(ctx, rec, index.SyncItem{
			RecordKind: rec.Kind,
			RecordID:   rec.ID,
			Operation:  index.OperationPut,
			Status:     index.SyncItemPending,
		})
		return err
	})
	if err != nil {
		return err
	}
	r.printf("stored %s %s (%s)\n", kind, id, humanize.Bytes(uint64(rec.Size)))
	return nil
}

func (r *runner) storageSync(s *cacheStack, c *cli.Context) error {
	dir, err := homedir.Expand(c.String("export-dir"))
	if err != nil {
		return err
	}
	if dir == "" {
		return errors.New("--export-dir is required")
	}

	sy, err := syncer.New(syncer.Config{MaxAttempts: c.Int("max-attempts")}, s.store, syncer.DirPusher{Root: dir})
	if err != nil {
		return err
	}

	if c.Bool("follow") {
		err = sy.Run(r.ctx)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	}

	sum, err := sy.Drain(r.ctx)
	if err != nil {
		return err
	}
	return r.writeJSON(sum)
}

func (r *runner) storageWatch(s *cacheStack, c *cli.Context) error {
	wc := s.cfg.WatcherConfig()
	if d := c.Duration("interval"); d > 0 {
		wc.Interval = d
	}

	w, err := failsafe.NewWatcher(wc, s.manager, s.cleaner, failsafe.WithEvents(s.bus))
	if err != nil {
		return err
	}
	storageLog.Infof("watching storage every %s (auto cleanup %t)", wc.Interval, wc.AutoCleanup)

	err = w.Run(r.ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
