package index_test

import (
	"testing"

	"github.com/songbook-app/songbook/pkg/cache/index"
	"github.com/songbook-app/songbook/pkg/cache/index/indextest"
	"github.com/songbook-app/songbook/pkg/cache/index/memory"
)

func TestRecordStoreContractWithMemoryStore(t *testing.T) {
	indextest.RunRecordStoreContract(t, func(tb testing.TB) index.RecordStore {
		tb.Helper()

		store := memory.New()
		tb.Cleanup(func() {
			_ = store.Close()
		})
		return store
	})
}

func TestRecordProtected(t *testing.T) {
	cases := []struct {
		name string
		rec  index.Record
		want bool
	}{
		{"plain", index.Record{SyncStatus: index.SyncStatusSynced}, false},
		{"favorite", index.Record{IsFavorite: true}, true},
		{"pinned", index.Record{IsPinned: true}, true},
		{"pending sync", index.Record{SyncStatus: index.SyncStatusPending}, true},
		{"sync error", index.Record{SyncStatus: index.SyncStatusError}, false},
	}
	for _, tc := range cases {
		if got := tc.rec.Protected(); got != tc.want {
			t.Fatalf("%s: expected Protected()=%v, got %v", tc.name, tc.want, got)
		}
	}
}
