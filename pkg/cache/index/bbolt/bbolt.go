package bbolt

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

const (
	currentSchemaVersion = 2
	bucketStats          = "stats"
	bucketRecords        = "records"
	bucketSync           = "sync"

	keySchemaVersion = "schema_version"
	keySyncSeq       = "sync_seq"
	keyPersisted     = "persisted"
)

var (
	errUnknownSchema = errors.New("record store: unknown schema version")
	errEmptyKey      = errors.New("record store: kind and id must not be empty")
)

// Options configures Open behaviour.
type Options struct {
	// Timeout controls bbolt file open timeout. If zero, a sensible default is used.
	Timeout time.Duration
}

// Store implements index.RecordStore backed by bbolt.
type Store struct {
	db *bolt.DB
}

// Open creates (or reopens) a bbolt-backed record store at path.
func Open(path string, opts Options) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}

	timeout := opts.Timeout
	if timeout == 0 {
		timeout = 100 * time.Millisecond
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("open bbolt: %w", err)
	}

	s := &Store{db: db}
	if err := s.ensureSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}

	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Put(ctx context.Context, rec index.Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if rec.ID == "" || rec.Kind == "" {
		return errEmptyKey
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return putRecord(tx, rec)
	})
}

func putRecord(tx *bolt.Tx, rec index.Record) error {
	bucket, err := requireBucket(tx, bucketRecords)
	if err != nil {
		return err
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = time.Now().UTC()
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return bucket.Put(recordKey(rec.Kind, rec.ID), data)
}

func (s *Store) Get(ctx context.Context, kind index.Kind, id string) (index.Record, error) {
	if err := ctx.Err(); err != nil {
		return index.Record{}, err
	}

	var result index.Record
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireBucket(tx, bucketRecords)
		if err != nil {
			return err
		}
		key := recordKey(kind, id)
		raw := bucket.Get(key)
		if raw == nil {
			return index.ErrNotFound
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		rec.LastAccessedAt = time.Now().UTC()
		encoded, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		if err := bucket.Put(key, encoded); err != nil {
			return err
		}
		result = rec
		return nil
	})
	return result, err
}

func (s *Store) Has(ctx context.Context, kind index.Kind, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}

	var found bool
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := requireBucket(tx, bucketRecords)
		if err != nil {
			return err
		}
		found = bucket.Get(recordKey(kind, id)) != nil
		return nil
	})
	return found, err
}

func (s *Store) Delete(ctx context.Context, kind index.Kind, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireBucket(tx, bucketRecords)
		if err != nil {
			return err
		}
		return bucket.Delete(recordKey(kind, id))
	})
}

// DeleteIf reads and deletes inside one write transaction, so pred always sees
// the committed value.
func (s *Store) DeleteIf(ctx context.Context, kind index.Kind, id string, pred func(index.Record) bool) (index.Record, bool, error) {
	if err := ctx.Err(); err != nil {
		return index.Record{}, false, err
	}

	var (
		removed index.Record
		deleted bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		bucket, err := requireBucket(tx, bucketRecords)
		if err != nil {
			return err
		}
		key := recordKey(kind, id)
		raw := bucket.Get(key)
		if raw == nil {
			return nil
		}
		rec, err := decodeRecord(raw)
		if err != nil {
			return err
		}
		if !pred(rec) {
			return nil
		}
		if err := bucket.Delete(key); err != nil {
			return err
		}
		removed, deleted = rec, true
		return nil
	})
	if err != nil {
		return index.Record{}, false, err
	}
	return removed, deleted, nil
}

func (s *Store) ListLRU(ctx context.Context, kind index.Kind, limit int) ([]index.Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	records := make([]index.Record, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := requireBucket(tx, bucketRecords)
		if err != nil {
			return err
		}
		prefix := kindPrefix(kind)
		c := bucket.Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			rec, err := decodeRecord(v)
			if err != nil {
				return err
			}
			records = append(records, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortRecordsByAccess(records)
	if limit > 0 && limit < len(records) {
		records = records[:limit]
	}
	return records, nil
}

func (s *Store) Count(ctx context.Context, kind index.Kind) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket, err := requireBucket(tx, bucketRecords)
		if err != nil {
			return err
		}
		prefix := kindPrefix(kind)
		c := bucket.Cursor()
		for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
			n++
		}
		return nil
	})
	return n, err
}

func (s *Store) AddSyncItem(ctx context.Context, item index.SyncItem) (index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return index.SyncItem{}, err
	}
	var result index.SyncItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		var err error
		result, err = addSyncItem(tx, item)
		return err
	})
	return result, err
}

// PutWithSync writes rec and queues item in a single bbolt transaction.
func (s *Store) PutWithSync(ctx context.Context, rec index.Record, item index.SyncItem) (index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return index.SyncItem{}, err
	}
	if rec.ID == "" || rec.Kind == "" {
		return index.SyncItem{}, errEmptyKey
	}
	var result index.SyncItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		var err error
		result, err = addSyncItem(tx, item)
		return err
	})
	if err != nil {
		return index.SyncItem{}, err
	}
	return result, nil
}

func addSyncItem(tx *bolt.Tx, item index.SyncItem) (index.SyncItem, error) {
	queue := tx.Bucket([]byte(bucketSync))
	stats := tx.Bucket([]byte(bucketStats))
	if queue == nil || stats == nil {
		return index.SyncItem{}, fmt.Errorf("missing sync buckets")
	}
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.ID == "" {
		seq, err := nextSequence(stats)
		if err != nil {
			return index.SyncItem{}, err
		}
		item.ID = formatSyncID(seq)
	}
	data, err := json.Marshal(item)
	if err != nil {
		return index.SyncItem{}, err
	}
	if err := queue.Put([]byte(item.ID), data); err != nil {
		return index.SyncItem{}, err
	}
	return item, nil
}

func (s *Store) ListSyncItems(ctx context.Context) ([]index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	items := make([]index.SyncItem, 0)
	err := s.db.View(func(tx *bolt.Tx) error {
		queue, err := requireBucket(tx, bucketSync)
		if err != nil {
			return err
		}
		c := queue.Cursor()
		for k, v := c.First(); k != nil; k, v = c.Next() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			default:
			}
			item, err := decodeSyncItem(v)
			if err != nil {
				return err
			}
			items = append(items, item)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// Keys follow insertion order; stable sort keeps it for equal timestamps.
	sort.SliceStable(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *Store) UpdateSyncStatus(ctx context.Context, id string, status index.SyncItemStatus, lastError string) (index.SyncItem, error) {
	if err := ctx.Err(); err != nil {
		return index.SyncItem{}, err
	}
	if id == "" {
		return index.SyncItem{}, errors.New("record store: sync item id must not be empty")
	}

	var result index.SyncItem
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue, err := requireBucket(tx, bucketSync)
		if err != nil {
			return err
		}
		raw := queue.Get([]byte(id))
		if raw == nil {
			return index.ErrNotFound
		}
		item, err := decodeSyncItem(raw)
		if err != nil {
			return err
		}
		item.Status = status
		item.Attempts++
		item.LastError = lastError
		now := time.Now().UTC()
		if !now.After(item.CreatedAt) {
			now = item.CreatedAt.Add(time.Nanosecond)
		}
		item.UpdatedAt = now
		data, err := json.Marshal(item)
		if err != nil {
			return err
		}
		if err := queue.Put([]byte(id), data); err != nil {
			return err
		}
		result = item
		return nil
	})
	return result, err
}

func (s *Store) DeleteSyncItemIf(ctx context.Context, id string, pred func(index.SyncItem) bool) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var deleted bool
	err := s.db.Update(func(tx *bolt.Tx) error {
		queue, err := requireBucket(tx, bucketSync)
		if err != nil {
			return err
		}
		raw := queue.Get([]byte(id))
		if raw == nil {
			return nil
		}
		item, err := decodeSyncItem(raw)
		if err != nil {
			return err
		}
		if !pred(item) {
			return nil
		}
		if err := queue.Delete([]byte(id)); err != nil {
			return err
		}
		deleted = true
		return nil
	})
	return deleted, err
}

func (s *Store) CountSyncItems(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var n int
	err := s.db.View(func(tx *bolt.Tx) error {
		queue, err := requireBucket(tx, bucketSync)
		if err != nil {
			return err
		}
		n = queue.Stats().KeyN
		return nil
	})
	return n, err
}

// Persist marks the database as durable. The flag survives reopen.
func (s *Store) Persist(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := s.db.Update(func(tx *bolt.Tx) error {
		stats, err := requireBucket(tx, bucketStats)
		if err != nil {
			return err
		}
		return stats.Put([]byte(keyPersisted), []byte("1"))
	})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Persisted(ctx context.Context) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	var persisted bool
	err := s.db.View(func(tx *bolt.Tx) error {
		stats, err := requireBucket(tx, bucketStats)
		if err != nil {
			return err
		}
		persisted = string(stats.Get([]byte(keyPersisted))) == "1"
		return nil
	})
	return persisted, err
}

// InUseBytes reports the database size minus the pages parked on the
// freelist. bbolt never shrinks its file, so this is the figure that falls
// after records are deleted.
func (s *Store) InUseBytes(ctx context.Context) (uint64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	var size int64
	if err := s.db.View(func(tx *bolt.Tx) error {
		size = tx.Size()
		return nil
	}); err != nil {
		return 0, err
	}
	stats := s.db.Stats()
	free := int64(stats.FreePageN+stats.PendingPageN) * int64(s.db.Info().PageSize)
	if free >= size {
		return 0, nil
	}
	return uint64(size - free), nil
}

func (s *Store) ensureSchema() error {
	return s.db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketRecords)); err != nil {
			return fmt.Errorf("ensure records bucket: %w", err)
		}
		if _, err := tx.CreateBucketIfNotExists([]byte(bucketSync)); err != nil {
			return fmt.Errorf("ensure sync bucket: %w", err)
		}
		stats, err := tx.CreateBucketIfNotExists([]byte(bucketStats))
		if err != nil {
			return fmt.Errorf("ensure stats bucket: %w", err)
		}
		versionBytes := stats.Get([]byte(keySchemaVersion))
		if len(versionBytes) == 0 {
			return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
		}
		version, err := strconv.Atoi(string(versionBytes))
		if err != nil {
			return fmt.Errorf("parse schema version: %w", err)
		}
		if version == currentSchemaVersion {
			return nil
		}
		if version > currentSchemaVersion {
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
		if err := migrate(tx, version, currentSchemaVersion); err != nil {
			return err
		}
		return stats.Put([]byte(keySchemaVersion), []byte(strconv.Itoa(currentSchemaVersion)))
	})
}

// migrate upgrades older layouts. Version 1 stored records without the
// persisted flag and kept sync items under "queue".
func migrate(tx *bolt.Tx, from, to int) error {
	version := from
	for version < to {
		switch version {
		case 0:
			if _, err := tx.CreateBucketIfNotExists([]byte(bucketRecords)); err != nil {
				return fmt.Errorf("migrate v0 records: %w", err)
			}
			version = 1
		case 1:
			if legacy := tx.Bucket([]byte("queue")); legacy != nil {
				queue := tx.Bucket([]byte(bucketSync))
				if err := legacy.ForEach(func(k, v []byte) error {
					return queue.Put(k, v)
				}); err != nil {
					return fmt.Errorf("migrate v1 queue: %w", err)
				}
				if err := tx.DeleteBucket([]byte("queue")); err != nil {
					return fmt.Errorf("migrate v1 queue: %w", err)
				}
			}
			version = 2
		default:
			return fmt.Errorf("%w: %d", errUnknownSchema, version)
		}
	}
	return nil
}

func requireBucket(tx *bolt.Tx, name string) (*bolt.Bucket, error) {
	bucket := tx.Bucket([]byte(name))
	if bucket == nil {
		return nil, fmt.Errorf("missing bucket %s", name)
	}
	return bucket, nil
}

func nextSequence(stats *bolt.Bucket) (int, error) {
	raw := stats.Get([]byte(keySyncSeq))
	var seq int
	if len(raw) > 0 {
		v, err := strconv.Atoi(string(raw))
		if err != nil {
			return 0, fmt.Errorf("parse sync sequence: %w", err)
		}
		seq = v
	}
	seq++
	if err := stats.Put([]byte(keySyncSeq), []byte(strconv.Itoa(seq))); err != nil {
		return 0, err
	}
	return seq, nil
}

func formatSyncID(seq int) string {
	return fmt.Sprintf("sync-%020d", seq)
}

func kindPrefix(kind index.Kind) []byte {
	return append([]byte(kind), 0)
}

func recordKey(kind index.Kind, id string) []byte {
	return append(kindPrefix(kind), id...)
}

func decodeRecord(data []byte) (index.Record, error) {
	var rec index.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return index.Record{}, err
	}
	return rec, nil
}

func decodeSyncItem(data []byte) (index.SyncItem, error) {
	var item index.SyncItem
	if err := json.Unmarshal(data, &item); err != nil {
		return index.SyncItem{}, err
	}
	return item, nil
}

func sortRecordsByAccess(records []index.Record) {
	sort.Slice(records, func(i, j int) bool {
		if records[i].LastAccessedAt.Equal(records[j].LastAccessedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].LastAccessedAt.Before(records[j].LastAccessedAt)
	})
}
