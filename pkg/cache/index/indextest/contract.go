package indextest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

type RecordStoreFactory func(tb testing.TB) index.RecordStore

type contractTestCase struct {
	name   string
	testFn func(t *testing.T, store index.RecordStore)
}

// RunRecordStoreContract exercises the RecordStore interface against a supplied factory.
func RunRecordStoreContract(t *testing.T, factory RecordStoreFactory) {
	t.Helper()

	cases := []contractTestCase{
		{
			name: "put and get round trip",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				rec := SampleRecord(index.KindSong, "song-1", time.Unix(10, 0))
				rec.IsFavorite = true
				rec.SyncStatus = index.SyncStatusPending
				if err := store.Put(ctx, rec); err != nil {
					t.Fatalf("Put returned error: %v", err)
				}

				fetched, err := store.Get(ctx, rec.Kind, rec.ID)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertRecordsEqual(t, rec, fetched, withDynamicAccess())
				if !fetched.LastAccessedAt.After(rec.LastAccessedAt) {
					t.Fatalf("expected Get to refresh LastAccessedAt, got %s", fetched.LastAccessedAt)
				}
			},
		},
		{
			name: "get missing returns ErrNotFound",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				_, err := store.Get(ctx, index.KindSong, "missing")
				if !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "records are scoped by kind",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				song := SampleRecord(index.KindSong, "shared", time.Unix(20, 0))
				draft := SampleRecord(index.KindDraft, "shared", time.Unix(21, 0))
				draft.Data = []byte("draft body")
				for _, rec := range []index.Record{song, draft} {
					if err := store.Put(ctx, rec); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}

				fetched, err := store.Get(ctx, index.KindDraft, "shared")
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				if !bytes.Equal(fetched.Data, draft.Data) {
					t.Fatalf("expected draft payload, got %q", fetched.Data)
				}
				if _, err := store.Get(ctx, index.KindSetlist, "shared"); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound for other kind, got %v", err)
				}
			},
		},
		{
			name: "put overwrites existing record",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				original := SampleRecord(index.KindArrangement, "arr-1", time.Unix(11, 0))
				updated := original
				updated.Size = 2048
				updated.IsPinned = true
				updated.ParentKind = index.KindSong
				updated.ParentID = "song-9"

				if err := store.Put(ctx, original); err != nil {
					t.Fatalf("Put original failed: %v", err)
				}
				if err := store.Put(ctx, updated); err != nil {
					t.Fatalf("Put updated failed: %v", err)
				}

				fetched, err := store.Get(ctx, original.Kind, original.ID)
				if err != nil {
					t.Fatalf("Get returned error: %v", err)
				}
				assertRecordsEqual(t, updated, fetched, withDynamicAccess())
				n, err := store.Count(ctx, index.KindArrangement)
				if err != nil {
					t.Fatalf("Count returned error: %v", err)
				}
				if n != 1 {
					t.Fatalf("expected 1 arrangement after overwrite, got %d", n)
				}
			},
		},
		{
			name: "has does not touch access time",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				base := time.Unix(100, 0)
				first := SampleRecord(index.KindSong, "a", base.Add(time.Second))
				second := SampleRecord(index.KindSong, "b", base.Add(2*time.Second))
				for _, rec := range []index.Record{first, second} {
					if err := store.Put(ctx, rec); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}

				ok, err := store.Has(ctx, index.KindSong, "a")
				if err != nil || !ok {
					t.Fatalf("expected Has to find a, got %v %v", ok, err)
				}
				ok, err = store.Has(ctx, index.KindSong, "zzz")
				if err != nil || ok {
					t.Fatalf("expected Has to miss zzz, got %v %v", ok, err)
				}

				results, err := store.ListLRU(ctx, index.KindSong, 0)
				if err != nil {
					t.Fatalf("ListLRU returned error: %v", err)
				}
				if len(results) != 2 || results[0].ID != "a" {
					t.Fatalf("expected a to stay least recently used, got %v", ids(results))
				}
			},
		},
		{
			name: "delete removes record and is idempotent",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				rec := SampleRecord(index.KindSetlist, "set-1", time.Unix(14, 0))
				if err := store.Put(ctx, rec); err != nil {
					t.Fatalf("Put failed: %v", err)
				}

				if err := store.Delete(ctx, rec.Kind, rec.ID); err != nil {
					t.Fatalf("Delete returned error: %v", err)
				}
				if err := store.Delete(ctx, rec.Kind, rec.ID); err != nil {
					t.Fatalf("Delete should be idempotent, got error: %v", err)
				}

				if _, err := store.Get(ctx, rec.Kind, rec.ID); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound after delete, got %v", err)
				}
			},
		},
		{
			name: "delete if re-checks the stored record",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				rec := SampleRecord(index.KindSong, "song-x", time.Unix(15, 0))
				if err := store.Put(ctx, rec); err != nil {
					t.Fatalf("Put failed: %v", err)
				}

				// Another writer favorites the record after the caller's snapshot.
				favored := rec
				favored.IsFavorite = true
				if err := store.Put(ctx, favored); err != nil {
					t.Fatalf("Put favored failed: %v", err)
				}

				notProtected := func(r index.Record) bool { return !r.Protected() }
				if _, deleted, err := store.DeleteIf(ctx, rec.Kind, rec.ID, notProtected); err != nil || deleted {
					t.Fatalf("expected protected record to survive, got deleted=%v err=%v", deleted, err)
				}
				if ok, _ := store.Has(ctx, rec.Kind, rec.ID); !ok {
					t.Fatalf("expected record to remain after refused delete")
				}

				if err := store.Put(ctx, rec); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				removed, deleted, err := store.DeleteIf(ctx, rec.Kind, rec.ID, notProtected)
				if err != nil || !deleted {
					t.Fatalf("expected delete, got deleted=%v err=%v", deleted, err)
				}
				if removed.ID != rec.ID || removed.Size != rec.Size {
					t.Fatalf("expected removed record to be returned, got %+v", removed)
				}
				if ok, _ := store.Has(ctx, rec.Kind, rec.ID); ok {
					t.Fatalf("expected record to be gone")
				}

				if _, deleted, err := store.DeleteIf(ctx, rec.Kind, rec.ID, notProtected); err != nil || deleted {
					t.Fatalf("expected missing record to report false, got deleted=%v err=%v", deleted, err)
				}
			},
		},
		{
			name: "list LRU orders by access time per kind and honors limit",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				base := time.Unix(100, 0)
				recs := []index.Record{
					SampleRecord(index.KindSong, "c", base.Add(3*time.Second)),
					SampleRecord(index.KindSong, "a", base.Add(time.Second)),
					SampleRecord(index.KindSong, "b", base.Add(2*time.Second)),
					SampleRecord(index.KindDraft, "d", base),
				}
				for _, rec := range recs {
					if err := store.Put(ctx, rec); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}

				if _, err := store.Get(ctx, index.KindSong, "a"); err != nil {
					t.Fatalf("Get on a failed: %v", err)
				}

				results, err := store.ListLRU(ctx, index.KindSong, 2)
				if err != nil {
					t.Fatalf("ListLRU returned error: %v", err)
				}
				if len(results) != 2 {
					t.Fatalf("expected 2 entries, got %d", len(results))
				}
				if results[0].ID != "b" || results[1].ID != "c" {
					t.Fatalf("expected [b c], got %v", ids(results))
				}

				all, err := store.ListLRU(ctx, index.KindSong, 0)
				if err != nil {
					t.Fatalf("ListLRU returned error: %v", err)
				}
				if len(all) != 3 || all[2].ID != "a" {
					t.Fatalf("expected [b c a], got %v", ids(all))
				}
				for i := 1; i < len(all); i++ {
					if all[i-1].LastAccessedAt.After(all[i].LastAccessedAt) {
						t.Fatalf("expected ascending access times, got %v", ids(all))
					}
				}
			},
		},
		{
			name: "count tracks records per kind",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				for i, id := range []string{"s1", "s2", "s3"} {
					if err := store.Put(ctx, SampleRecord(index.KindSong, id, time.Unix(int64(i), 0))); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}
				if err := store.Put(ctx, SampleRecord(index.KindSetlist, "set", time.Unix(5, 0))); err != nil {
					t.Fatalf("Put failed: %v", err)
				}
				if err := store.Delete(ctx, index.KindSong, "s2"); err != nil {
					t.Fatalf("Delete failed: %v", err)
				}

				counts, err := index.CountAll(ctx, store)
				if err != nil {
					t.Fatalf("CountAll returned error: %v", err)
				}
				if counts.Records[index.KindSong] != 2 || counts.Records[index.KindSetlist] != 1 || counts.Records[index.KindDraft] != 0 {
					t.Fatalf("unexpected counts %+v", counts.Records)
				}
				if counts.Total() != 3 {
					t.Fatalf("expected total 3, got %d", counts.Total())
				}
			},
		},
		{
			name: "sync queue lifecycle",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				item := index.SyncItem{
					RecordKind: index.KindArrangement,
					RecordID:   "arr-7",
					Operation:  "update",
					Status:     index.SyncItemPending,
				}
				created, err := store.AddSyncItem(ctx, item)
				if err != nil {
					t.Fatalf("AddSyncItem failed: %v", err)
				}
				if created.ID == "" {
					t.Fatalf("expected AddSyncItem to assign ID")
				}
				if created.CreatedAt.IsZero() || created.UpdatedAt.IsZero() {
					t.Fatalf("expected timestamps set on AddSyncItem")
				}

				items, err := store.ListSyncItems(ctx)
				if err != nil {
					t.Fatalf("ListSyncItems failed: %v", err)
				}
				if len(items) != 1 || items[0].ID != created.ID {
					t.Fatalf("expected queued item %s, got %+v", created.ID, items)
				}

				progressed, err := store.UpdateSyncStatus(ctx, created.ID, index.SyncItemInProgress, "")
				if err != nil {
					t.Fatalf("UpdateSyncStatus failed: %v", err)
				}
				if progressed.Status != index.SyncItemInProgress || progressed.Attempts != 1 {
					t.Fatalf("expected in_progress after 1 attempt, got %s/%d", progressed.Status, progressed.Attempts)
				}

				failed, err := store.UpdateSyncStatus(ctx, created.ID, index.SyncItemFailed, "network err")
				if err != nil {
					t.Fatalf("UpdateSyncStatus failed: %v", err)
				}
				if failed.Status != index.SyncItemFailed || failed.LastError != "network err" {
					t.Fatalf("expected failed status with error, got %+v", failed)
				}
				if failed.Attempts != 2 {
					t.Fatalf("expected attempts to increment again, got %d", failed.Attempts)
				}
				if !failed.UpdatedAt.After(failed.CreatedAt) {
					t.Fatalf("expected updated timestamp to be newer than created")
				}

				if _, err := store.UpdateSyncStatus(ctx, "missing", index.SyncItemPending, ""); !errors.Is(err, index.ErrNotFound) {
					t.Fatalf("expected ErrNotFound on missing item, got %v", err)
				}

				n, err := store.CountSyncItems(ctx)
				if err != nil || n != 1 {
					t.Fatalf("expected 1 queued item, got %d (%v)", n, err)
				}
			},
		},
		{
			name: "sync items list oldest first",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				base := time.Unix(1_000, 0).UTC()
				for i, id := range []string{"late", "early", "middle"} {
					offsets := []time.Duration{3 * time.Hour, time.Hour, 2 * time.Hour}
					_, err := store.AddSyncItem(ctx, index.SyncItem{
						RecordKind: index.KindSong,
						RecordID:   id,
						Operation:  "create",
						Status:     index.SyncItemComplete,
						CreatedAt:  base.Add(offsets[i]),
					})
					if err != nil {
						t.Fatalf("AddSyncItem failed: %v", err)
					}
				}

				items, err := store.ListSyncItems(ctx)
				if err != nil {
					t.Fatalf("ListSyncItems failed: %v", err)
				}
				if len(items) != 3 {
					t.Fatalf("expected 3 items, got %d", len(items))
				}
				got := []string{items[0].RecordID, items[1].RecordID, items[2].RecordID}
				if got[0] != "early" || got[1] != "middle" || got[2] != "late" {
					t.Fatalf("expected [early middle late], got %v", got)
				}
				if !items[0].CreatedAt.Equal(base.Add(time.Hour)) {
					t.Fatalf("expected CreatedAt to be kept, got %s", items[0].CreatedAt)
				}
			},
		},
		{
			name: "delete sync item if re-checks status",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				created, err := store.AddSyncItem(ctx, index.SyncItem{
					RecordKind: index.KindDraft,
					RecordID:   "draft-1",
					Operation:  "delete",
					Status:     index.SyncItemPending,
				})
				if err != nil {
					t.Fatalf("AddSyncItem failed: %v", err)
				}

				settled := func(item index.SyncItem) bool { return !item.Retrying() }
				deleted, err := store.DeleteSyncItemIf(ctx, created.ID, settled)
				if err != nil || deleted {
					t.Fatalf("expected pending item to survive, got deleted=%v err=%v", deleted, err)
				}

				if _, err := store.UpdateSyncStatus(ctx, created.ID, index.SyncItemComplete, ""); err != nil {
					t.Fatalf("UpdateSyncStatus failed: %v", err)
				}
				deleted, err = store.DeleteSyncItemIf(ctx, created.ID, settled)
				if err != nil || !deleted {
					t.Fatalf("expected completed item to be removed, got deleted=%v err=%v", deleted, err)
				}

				deleted, err = store.DeleteSyncItemIf(ctx, created.ID, settled)
				if err != nil || deleted {
					t.Fatalf("expected missing item to report false, got deleted=%v err=%v", deleted, err)
				}
				n, err := store.CountSyncItems(ctx)
				if err != nil || n != 0 {
					t.Fatalf("expected empty queue, got %d (%v)", n, err)
				}
			},
		},
		{
			name: "put with sync stores record and queue item together",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				rec := SampleRecord(index.KindSong, "song-sync", time.Unix(70, 0))
				rec.SyncStatus = index.SyncStatusPending
				item, err := store.PutWithSync(ctx, rec, index.SyncItem{
					RecordKind: rec.Kind,
					RecordID:   rec.ID,
					Operation:  index.OperationPut,
					Status:     index.SyncItemPending,
				})
				if err != nil {
					t.Fatalf("PutWithSync failed: %v", err)
				}
				if item.ID == "" {
					t.Fatalf("expected an assigned sync item id")
				}

				ok, err := store.Has(ctx, rec.Kind, rec.ID)
				if err != nil || !ok {
					t.Fatalf("expected record to be stored, got %v %v", ok, err)
				}
				items, err := store.ListSyncItems(ctx)
				if err != nil {
					t.Fatalf("ListSyncItems failed: %v", err)
				}
				if len(items) != 1 || items[0].ID != item.ID || items[0].RecordID != rec.ID {
					t.Fatalf("expected queued item %s for %s, got %+v", item.ID, rec.ID, items)
				}
			},
		},
		{
			name: "put with sync rejects invalid record without queueing",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				ctx := context.Background()
				_, err := store.PutWithSync(ctx, index.Record{Kind: index.KindSong}, index.SyncItem{
					RecordKind: index.KindSong,
					Operation:  index.OperationPut,
					Status:     index.SyncItemPending,
				})
				if err == nil {
					t.Fatalf("expected error for empty record id")
				}
				n, err := store.CountSyncItems(ctx)
				if err != nil || n != 0 {
					t.Fatalf("expected empty queue after failed write, got %d (%v)", n, err)
				}
			},
		},
		{
			name: "in-use bytes fall after deletes",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				reporter, ok := store.(index.UsageReporter)
				if !ok {
					t.Skip("store does not implement UsageReporter")
				}
				ctx := context.Background()
				payload := bytes.Repeat([]byte("x"), 16<<10)
				for i := 0; i < 40; i++ {
					rec := SampleRecord(index.KindSong, fmt.Sprintf("big-%02d", i), time.Unix(int64(i), 0))
					rec.Data = payload
					rec.Size = int64(len(payload))
					if err := store.Put(ctx, rec); err != nil {
						t.Fatalf("Put failed: %v", err)
					}
				}
				before, err := reporter.InUseBytes(ctx)
				if err != nil {
					t.Fatalf("InUseBytes failed: %v", err)
				}
				if before < 40*16<<10 {
					t.Fatalf("expected at least %d bytes in use, got %d", 40*16<<10, before)
				}

				for i := 0; i < 40; i++ {
					if err := store.Delete(ctx, index.KindSong, fmt.Sprintf("big-%02d", i)); err != nil {
						t.Fatalf("Delete failed: %v", err)
					}
				}
				after, err := reporter.InUseBytes(ctx)
				if err != nil {
					t.Fatalf("InUseBytes failed: %v", err)
				}
				if after > before/2 {
					t.Fatalf("expected in-use bytes to drop below half of %d, got %d", before, after)
				}
			},
		},
		{
			name: "persist flag when supported",
			testFn: func(t *testing.T, store index.RecordStore) {
				t.Helper()

				p, ok := store.(index.Persister)
				if !ok {
					t.Skip("store does not implement Persister")
				}
				ctx := context.Background()
				persisted, err := p.Persisted(ctx)
				if err != nil || persisted {
					t.Fatalf("expected fresh store to be unpersisted, got %v %v", persisted, err)
				}
				granted, err := p.Persist(ctx)
				if err != nil || !granted {
					t.Fatalf("expected Persist to be granted, got %v %v", granted, err)
				}
				persisted, err = p.Persisted(ctx)
				if err != nil || !persisted {
					t.Fatalf("expected store to report persisted, got %v %v", persisted, err)
				}
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			store := factory(t)
			defer func() {
				if closer, ok := store.(interface{ Close() error }); ok {
					_ = closer.Close()
				}
			}()
			tc.testFn(t, store)
		})
	}
}

// SampleRecord builds a record with a small payload for tests.
func SampleRecord(kind index.Kind, id string, accessed time.Time) index.Record {
	return index.Record{
		ID:             id,
		Kind:           kind,
		Size:           1024,
		LastAccessedAt: accessed,
		SyncStatus:     index.SyncStatusSynced,
		Data:           []byte("{title: " + id + "}"),
	}
}

func withDynamicAccess() cmpOption {
	return func(expected, actual *index.Record) {
		if !actual.LastAccessedAt.IsZero() {
			expected.LastAccessedAt = actual.LastAccessedAt
		}
	}
}

type cmpOption func(expected, actual *index.Record)

func assertRecordsEqual(t *testing.T, expected, actual index.Record, opts ...cmpOption) {
	t.Helper()

	for _, opt := range opts {
		opt(&expected, &actual)
	}

	if expected.ID != actual.ID || expected.Kind != actual.Kind {
		t.Fatalf("identity mismatch: expected %s/%s got %s/%s", expected.Kind, expected.ID, actual.Kind, actual.ID)
	}
	if expected.ParentKind != actual.ParentKind || expected.ParentID != actual.ParentID {
		t.Fatalf("parent mismatch: expected %s/%s got %s/%s", expected.ParentKind, expected.ParentID, actual.ParentKind, actual.ParentID)
	}
	if expected.Size != actual.Size {
		t.Fatalf("size mismatch: expected %d got %d", expected.Size, actual.Size)
	}
	if !expected.LastAccessedAt.Equal(actual.LastAccessedAt) {
		t.Fatalf("access time mismatch: expected %s got %s", expected.LastAccessedAt, actual.LastAccessedAt)
	}
	if expected.IsFavorite != actual.IsFavorite || expected.IsPinned != actual.IsPinned {
		t.Fatalf("flags mismatch: expected %+v got %+v", expected, actual)
	}
	if expected.SyncStatus != actual.SyncStatus {
		t.Fatalf("sync status mismatch: expected %s got %s", expected.SyncStatus, actual.SyncStatus)
	}
	if !bytes.Equal(expected.Data, actual.Data) {
		t.Fatalf("data mismatch: expected %q got %q", expected.Data, actual.Data)
	}
}

func ids(recs []index.Record) []string {
	out := make([]string, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.ID)
	}
	return out
}
