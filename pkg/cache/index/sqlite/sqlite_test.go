package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/index/indextest"
)

func TestRecordStoreContractWithSQLite(t *testing.T) {
	indextest.RunRecordStoreContract(t, func(tb testing.TB) index.RecordStore {
		tb.Helper()

		store, err := Open(filepath.Join(tb.TempDir(), "records.sqlite"))
		if err != nil {
			tb.Fatalf("failed to open sqlite store: %v", err)
		}
		tb.Cleanup(func() {
			_ = store.Close()
		})
		return store
	})
}

func TestSyncIDsAreULIDs(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "records.sqlite"))
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	defer store.Close()

	item, err := store.AddSyncItem(context.Background(), index.SyncItem{
		RecordKind: index.KindSong,
		RecordID:   "song-1",
		Operation:  "create",
		Status:     index.SyncItemPending,
	})
	if err != nil {
		t.Fatalf("AddSyncItem returned error: %v", err)
	}
	if len(item.ID) != 26 {
		t.Fatalf("expected a 26 character ULID, got %q", item.ID)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "records.sqlite")

	store, err := Open(path)
	if err != nil {
		t.Fatalf("Open returned error: %v", err)
	}
	rec := indextest.SampleRecord(index.KindSetlist, "sunday", time.Unix(42, 0))
	rec.IsPinned = true
	if err := store.Put(ctx, rec); err != nil {
		t.Fatalf("Put returned error: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close returned error: %v", err)
	}

	store, err = Open(path)
	if err != nil {
		t.Fatalf("re-open returned error: %v", err)
	}
	defer store.Close()

	recs, err := store.ListLRU(ctx, index.KindSetlist, 0)
	if err != nil {
		t.Fatalf("ListLRU returned error: %v", err)
	}
	if len(recs) != 1 || !recs[0].IsPinned || !recs[0].LastAccessedAt.Equal(rec.LastAccessedAt) {
		t.Fatalf("expected pinned setlist after reopen, got %+v", recs)
	}
}

func TestPutWithSyncRollsBackRecordWhenQueueFails(t *testing.T) {
	store, err := Open(filepath.Join(t.TempDir(), "records.sqlite"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer store.Close()

	if _, err := store.db.Exec(`DROP TABLE sync_items`); err != nil {
		t.Fatalf("drop sync table: %v", err)
	}

	ctx := context.Background()
	rec := indextest.SampleRecord(index.KindSong, "song-1", time.Unix(100, 0))
	rec.SyncStatus = index.SyncStatusPending
	_, err = store.PutWithSync(ctx, rec, index.SyncItem{
		RecordKind: rec.Kind,
		RecordID:   rec.ID,
		Operation:  index.OperationPut,
		Status:     index.SyncItemPending,
	})
	if err == nil {
		t.Fatalf("expected PutWithSync to fail without a sync table")
	}
	ok, err := store.Has(ctx, rec.Kind, rec.ID)
	if err != nil {
		t.Fatalf("Has: %v", err)
	}
	if ok {
		t.Fatalf("record was stored although queueing failed")
	}
}
