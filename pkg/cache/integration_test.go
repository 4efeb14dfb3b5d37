package cache_test

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/songbook-app/songbook/log"
	"github.com/songbook-app/songbook/pkg/cache"
	"github.com/songbook-app/songbook/pkg/cache/cleaner"
	"github.com/songbook-app/songbook/pkg/cache/events"
	"github.com/songbook-app/songbook/pkg/cache/failsafe"
	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/quota"
)

func TestGuardedWriteReclaimsSpace(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()

	cfg := cache.DefaultConfig()
	cfg.Store.Path = filepath.Join(home, "cache", "songbook.db")
	store, err := cfg.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer func() {
		_ = store.Close()
	}()

	payload := bytes.Repeat([]byte("[G]Amazing grace\n"), 1200)
	old := time.Now().UTC().Add(-200 * 24 * time.Hour)
	for i := 0; i < 300; i++ {
		rec := index.Record{
			ID:             fmt.Sprintf("song-%03d", i),
			Kind:           index.KindSong,
			Size:           int64(len(payload)),
			Data:           payload,
			LastAccessedAt: old.Add(time.Duration(i) * time.Minute),
			SyncStatus:     index.SyncStatusSynced,
		}
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}
	pinned := index.Record{ID: "draft-1", Kind: index.KindDraft, Size: 15, LastAccessedAt: old, IsPinned: true}
	orphan := index.Record{
		ID: "arr-1", Kind: index.KindArrangement, Size: 10,
		ParentKind: index.KindSong, ParentID: "ghost",
		LastAccessedAt: time.Now().UTC(),
	}
	for _, rec := range []index.Record{pinned, orphan} {
		if err := store.Put(ctx, rec); err != nil {
			t.Fatalf("put %s: %v", rec.ID, err)
		}
	}

	// The default config measures the bbolt file; size the budget so the
	// cache sits at 97%.
	probe, err := cfg.Probe(home, store)
	if err != nil {
		t.Fatalf("probe: %v", err)
	}
	sp, ok := probe.(quota.StoreProbe)
	if !ok {
		t.Fatalf("expected the default probe to read store usage, got %#v", probe)
	}
	before, err := sp.Estimate(ctx)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	sp.Capacity = before.Usage * 100 / 97

	bus := events.NewBus(log.Nop())
	var names []events.Name
	bus.Subscribe(func(ev events.Event) {
		names = append(names, ev.Name)
	})

	manager, err := quota.NewManager(sp, store,
		quota.WithLogger(log.Nop()), quota.WithThresholds(cfg.Thresholds()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	c, err := cleaner.New(cfg.CleanerConfig(), store, cleaner.WithLogger(log.Nop()), cleaner.WithEvents(bus))
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	guard, err := failsafe.NewGuard(manager, c, failsafe.WithLogger(log.Nop()), failsafe.WithEvents(bus))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	health, err := manager.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if health.Status != quota.StatusCritical {
		t.Fatalf("expected critical before the write, got %s at %.1f%%", health.Status, health.Percentage)
	}

	written := false
	err = guard.Write(ctx, int64(len(payload)), func(ctx context.Context) error {
		written = true
		return store.Put(ctx, index.Record{ID: "new-song", Kind: index.KindSong, Size: int64(len(payload)), Data: payload})
	})
	if err != nil {
		t.Fatalf("guarded write: %v", err)
	}
	if !written {
		t.Fatalf("write callback did not run")
	}

	after, err := sp.Estimate(ctx)
	if err != nil {
		t.Fatalf("estimate: %v", err)
	}
	if after.Usage >= before.Usage/2 {
		t.Fatalf("expected cleanup to release store pages, usage %d -> %d", before.Usage, after.Usage)
	}
	health, err = manager.CheckHealth(ctx)
	if err != nil {
		t.Fatalf("check health: %v", err)
	}
	if health.Status != quota.StatusHealthy {
		t.Fatalf("expected healthy after cleanup, got %s at %.1f%%", health.Status, health.Percentage)
	}

	counts, err := index.CountAll(ctx, store)
	if err != nil {
		t.Fatalf("count: %v", err)
	}
	if counts.Records[index.KindSong] != 51 {
		t.Fatalf("expected 50 kept songs plus the new one, got %d", counts.Records[index.KindSong])
	}
	if counts.Records[index.KindDraft] != 1 {
		t.Fatalf("pinned draft was removed")
	}
	if counts.Records[index.KindArrangement] != 0 {
		t.Fatalf("orphaned arrangement survived")
	}
	for i := 0; i < 250; i++ {
		if ok, _ := store.Has(ctx, index.KindSong, fmt.Sprintf("song-%03d", i)); ok {
			t.Fatalf("least recently used song-%03d survived", i)
		}
	}

	if len(names) != 1 || names[0] != events.StorageCleanupComplete {
		t.Fatalf("expected one cleanup event, got %v", names)
	}
}

func TestGuardedWriteRefusedWhenNothingToClean(t *testing.T) {
	ctx := context.Background()
	home := t.TempDir()

	cfg := cache.DefaultConfig()
	cfg.Store.Driver = cache.DriverMemory
	store, err := cfg.OpenStore(home)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}

	fav := index.Record{ID: "fav", Kind: index.KindSong, Size: 900, IsFavorite: true,
		LastAccessedAt: time.Now().UTC().Add(-365 * 24 * time.Hour)}
	if err := store.Put(ctx, fav); err != nil {
		t.Fatalf("put: %v", err)
	}

	probe := quota.StoreProbe{Store: store.(index.UsageReporter), Capacity: 1000}
	manager, err := quota.NewManager(probe, store, quota.WithLogger(log.Nop()))
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	c, err := cleaner.New(cfg.CleanerConfig(), store, cleaner.WithLogger(log.Nop()))
	if err != nil {
		t.Fatalf("new cleaner: %v", err)
	}
	guard, err := failsafe.NewGuard(manager, c, failsafe.WithLogger(log.Nop()))
	if err != nil {
		t.Fatalf("new guard: %v", err)
	}

	err = guard.Write(ctx, 100, func(context.Context) error {
		t.Fatalf("write must not run")
		return nil
	})
	if !errors.Is(err, failsafe.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if ok, _ := store.Has(ctx, index.KindSong, "fav"); !ok {
		t.Fatalf("favorite was deleted")
	}
}
