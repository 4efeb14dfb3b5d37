package index

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entry is not present in the store.
var ErrNotFound = errors.New("record store: entry not found")

// Kind identifies the entity type a record belongs to.
type Kind string

const (
	KindSong        Kind = "song"
	KindArrangement Kind = "arrangement"
	KindSetlist     Kind = "setlist"
	KindDraft       Kind = "draft"
)

// Kinds lists every record kind in a stable order.
var Kinds = []Kind{KindSong, KindArrangement, KindSetlist, KindDraft}

// SyncStatus tracks whether local changes reached the backend.
type SyncStatus string

const (
	SyncStatusSynced  SyncStatus = "synced"
	SyncStatusPending SyncStatus = "pending"
	SyncStatusError   SyncStatus = "error"
)

// Record is one cached entity. Size is the encoded footprint in bytes and
// feeds the bytes-freed figure of cleanup reports.
type Record struct {
	ID             string
	Kind           Kind
	ParentKind     Kind   `json:",omitempty"`
	ParentID       string `json:",omitempty"`
	Size           int64
	LastAccessedAt time.Time
	IsFavorite     bool       `json:",omitempty"`
	IsPinned       bool       `json:",omitempty"`
	SyncStatus     SyncStatus `json:",omitempty"`
	Data           []byte     `json:",omitempty"`
}

// Protected reports whether r must survive every cleanup strategy.
func (r Record) Protected() bool {
	return r.IsFavorite || r.IsPinned || r.SyncStatus == SyncStatusPending
}

// HasParent reports whether r references a parent that must exist.
func (r Record) HasParent() bool {
	return r.ParentID != "" && r.ParentKind != ""
}

// SyncItemStatus represents the lifecycle state of a queued sync operation.
type SyncItemStatus string

const (
	// SyncItemPending is waiting for the next sync attempt.
	SyncItemPending SyncItemStatus = "pending"
	// SyncItemInProgress is being pushed right now.
	SyncItemInProgress SyncItemStatus = "in_progress"
	// SyncItemComplete was applied remotely and may be pruned.
	SyncItemComplete SyncItemStatus = "complete"
	// SyncItemFailed exhausted its retries.
	SyncItemFailed SyncItemStatus = "failed"
)

// Sync operations.
const (
	OperationPut    = "put"
	OperationDelete = "delete"
)

// SyncItem is a queued change waiting to be pushed to the backend.
type SyncItem struct {
	ID         string
	RecordKind Kind
	RecordID   string
	Operation  string
	Status     SyncItemStatus
	Attempts   int
	LastError  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// Retrying reports whether the item still waits for a sync attempt.
func (s SyncItem) Retrying() bool {
	return s.Status == SyncItemPending || s.Status == SyncItemInProgress
}

// RecordStore expresses the persistence requirements of the offline cache.
type RecordStore interface {
	// Put inserts or replaces a record.
	Put(ctx context.Context, rec Record) error
	// Get retrieves a record and refreshes its LastAccessedAt.
	Get(ctx context.Context, kind Kind, id string) (Record, error)
	// Has reports whether a record exists without touching its access time.
	Has(ctx context.Context, kind Kind, id string) (bool, error)
	// Delete removes a record. Missing entries are ignored.
	Delete(ctx context.Context, kind Kind, id string) error
	// DeleteIf re-reads the record and deletes it only when pred holds for the
	// stored value. It returns the deleted record and whether it was removed.
	DeleteIf(ctx context.Context, kind Kind, id string, pred func(Record) bool) (Record, bool, error)
	// ListLRU returns records of kind ordered by LastAccessedAt ascending.
	ListLRU(ctx context.Context, kind Kind, limit int) ([]Record, error)
	// Count returns the number of records of kind.
	Count(ctx context.Context, kind Kind) (int, error)

	// AddSyncItem queues a sync operation. If item.ID is empty an ID is assigned.
	AddSyncItem(ctx context.Context, item SyncItem) (SyncItem, error)
	// PutWithSync stores rec and queues item in one transaction. Either both
	// land or neither does.
	PutWithSync(ctx context.Context, rec Record, item SyncItem) (SyncItem, error)
	// ListSyncItems returns queued items oldest first.
	ListSyncItems(ctx context.Context) ([]SyncItem, error)
	// UpdateSyncStatus records an attempt outcome for an existing item.
	UpdateSyncStatus(ctx context.Context, id string, status SyncItemStatus, lastError string) (SyncItem, error)
	// DeleteSyncItemIf removes the item when pred holds for the stored value.
	DeleteSyncItemIf(ctx context.Context, id string, pred func(SyncItem) bool) (bool, error)
	// CountSyncItems returns the queue length.
	CountSyncItems(ctx context.Context) (int, error)
}

// Persister is implemented by stores that can mark themselves as persistent,
// exempting the data from automatic cleanup by the host.
type Persister interface {
	Persist(ctx context.Context) (bool, error)
	Persisted(ctx context.Context) (bool, error)
}

// UsageReporter is implemented by stores that can tell how many bytes their
// live data occupies. Database files keep freed pages after deletes, so the
// file size alone never drops after a cleanup.
type UsageReporter interface {
	InUseBytes(ctx context.Context) (uint64, error)
}

// Counts is a per-kind record tally plus the sync queue length.
type Counts struct {
	Records   map[Kind]int `json:"records"`
	SyncQueue int          `json:"syncQueue"`
}

// Total sums the record counts.
func (c Counts) Total() int {
	total := 0
	for _, n := range c.Records {
		total += n
	}
	return total
}

// CountAll gathers Counts from store.
func CountAll(ctx context.Context, store RecordStore) (Counts, error) {
	counts := Counts{Records: make(map[Kind]int, len(Kinds))}
	for _, kind := range Kinds {
		n, err := store.Count(ctx, kind)
		if err != nil {
			return counts, err
		}
		counts.Records[kind] = n
	}
	n, err := store.CountSyncItems(ctx)
	if err != nil {
		return counts, err
	}
	counts.SyncQueue = n
	return counts, nil
}
