// Package memory is an in-process RecordStore. Records are kept in a map and
// ordered for LRU scans by a B-tree keyed on (kind, access time, id).
package memory

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tidwall/btree"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

type recordKey struct {
	kind index.Kind
	id   string
}

type lruEntry struct {
	kind     index.Kind
	accessed time.Time
	id       string
}

func lruLess(a, b lruEntry) bool {
	if a.kind != b.kind {
		return a.kind < b.kind
	}
	if !a.accessed.Equal(b.accessed) {
		return a.accessed.Before(b.accessed)
	}
	return a.id < b.id
}

type syncEntry struct {
	created time.Time
	seq     uint64
	id      string
}

func syncLess(a, b syncEntry) bool {
	if !a.created.Equal(b.created) {
		return a.created.Before(b.created)
	}
	return a.seq < b.seq
}

type queued struct {
	item  index.SyncItem
	entry syncEntry
}

// Store implements index.RecordStore in memory. It is safe for concurrent use.
type Store struct {
	mu      sync.Mutex
	records map[recordKey]index.Record
	lru     *btree.BTreeG[lruEntry]
	items   map[string]queued
	order   *btree.BTreeG[syncEntry]
	seq     uint64
	now     func() time.Time
}

// New returns an empty store.
func New() *Store {
	return &Store{
		records: make(map[recordKey]index.Record),
		lru:     btree.NewBTreeG(lruLess),
		items:   make(map[string]queued),
		order:   btree.NewBTreeG(syncLess),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Close is a no-op kept for symmetry with the persistent stores.
func (s *Store) Close() error {
	return nil
}

func (s *Store) Put(ctx context.Context, rec index.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" || rec.Kind == "" {
		return errors.New("record store: kind and id must not be empty")
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(recordKey{rec.Kind, rec.ID})
	s.insertLocked(rec)
	return nil
}

func (s *Store) Get(ctx context.Context, kind index.Kind, id string) (index.Record, error) {
	if err := ctx.Err(); err != nil {
		return index.Record{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{kind, id}
	rec, ok := s.removeLocked(key)
	if !ok {
		return index.Record{}, index.ErrNotFound
	}
	rec.LastAccessedAt = s.now()
	s.insertLocked(rec)
	return cloneRecord(rec), nil
}

func (s *Store) Has(ctx context.Context, kind index.Kind, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.records[recordKey{kind, id}]
	return ok, nil
}

func (s *Store) Delete(ctx context.Context, kind index.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(recordKey{kind, id})
	return nil
}

func (s *Store) DeleteIf(ctx context.Context, kind index.Kind, id string, pred func(index.Record) bool) (index.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return index.Record{}, false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	key := recordKey{kind, id}
	rec, ok := s.records[key]
	if !ok || !pred(cloneRecord(rec)) {
		return index.Record{}, false, nil
	}
	s.removeLocked(key)
	return rec, true, nil
}

func (s *Store) ListLRU(ctx context.Context, kind index.Kind, limit int) ([]index.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]index.Record, 0)
	s.lru.Ascend(lruEntry{kind: kind}, func(e lruEntry) bool {
		if e.kind != kind {
			return false
		}
		out = append(out, cloneRecord(s.records[recordKey{e.kind, e.id}]))
		return limit <= 0 || len(out) < limit
	})
	return out, nil
}

func (s *Store) Count(ctx context.Context, kind index.Kind) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	s.lru.Ascend(lruEntry{kind: kind}, func(e lruEntry) bool {
		if e.kind != kind {
			return false
		}
		n++
		return true
	})
	return n, nil
}

func (s *Store) AddSyncItem(ctx context.Context, item index.SyncItem) (index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return index.SyncItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addSyncItemLocked(item), nil
}

// PutWithSync stores rec and queues item under one lock.
func (s *Store) PutWithSync(ctx context.Context, rec index.Record, item index.SyncItem) (index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return index.SyncItem{}, err
	}
	if rec.ID == "" || rec.Kind == "" {
		return index.SyncItem{}, errors.New("record store: kind and id must not be empty")
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = s.now()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.removeLocked(recordKey{rec.Kind, rec.ID})
	s.insertLocked(rec)
	return s.addSyncItemLocked(item), nil
}

func (s *Store) addSyncItemLocked(item index.SyncItem) index.SyncItem {
	now := s.now()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if old, ok := s.items[item.ID]; ok {
		s.order.Delete(old.entry)
	}
	s.seq++
	entry := syncEntry{created: item.CreatedAt, seq: s.seq, id: item.ID}
	s.items[item.ID] = queued{item: item, entry: entry}
	s.order.Set(entry)
	return item
}

// InUseBytes sums the Size of every stored record.
func (s *Store) InUseBytes(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	var total uint64
	for _, rec := range s.records {
		if rec.Size > 0 {
			total += uint64(rec.Size)
		}
	}
	return total, nil
}

func (s *Store) ListSyncItems(ctx context.Context) ([]index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]index.SyncItem, 0, len(s.items))
	s.order.Scan(func(e syncEntry) bool {
		out = append(out, s.items[e.id].item)
		return true
	})
	return out, nil
}

func (s *Store) UpdateSyncStatus(ctx context.Context, id string, status index.SyncItemStatus, lastError string) (index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return index.SyncItem{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[id]
	if !ok {
		return index.SyncItem{}, index.ErrNotFound
	}
	q.item.Status = status
	q.item.Attempts++
	q.item.LastError = lastError
	now := s.now()
	if !now.After(q.item.CreatedAt) {
		now = q.item.CreatedAt.Add(time.Nanosecond)
	}
	q.item.UpdatedAt = now
	s.items[id] = q
	return q.item, nil
}

func (s *Store) DeleteSyncItemIf(ctx context.Context, id string, pred func(index.SyncItem) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	q, ok := s.items[id]
	if !ok || !pred(q.item) {
		return false, nil
	}
	delete(s.items, id)
	s.order.Delete(q.entry)
	return true, nil
}

func (s *Store) CountSyncItems(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items), nil
}

func (s *Store) insertLocked(rec index.Record) {
	rec = cloneRecord(rec)
	s.records[recordKey{rec.Kind, rec.ID}] = rec
	s.lru.Set(lruEntry{kind: rec.Kind, accessed: rec.LastAccessedAt, id: rec.ID})
}

func (s *Store) removeLocked(key recordKey) (index.Record, bool) {
	rec, ok := s.records[key]
	if !ok {
		return index.Record{}, false
	}
	delete(s.records, key)
	s.lru.Delete(lruEntry{kind: rec.Kind, accessed: rec.LastAccessedAt, id: rec.ID})
	return rec, true
}

func cloneRecord(rec index.Record) index.Record {
	clone := rec
	if rec.Data != nil {
		clone.Data = append([]byte(nil), rec.Data...)
	}
	return clone
}
