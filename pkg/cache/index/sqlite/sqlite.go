// Package sqlite stores records and the sync queue in a SQLite database
// through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"

	"github.com/songbook-app/songbook/pkg/cache/index"
)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind             TEXT NOT NULL,
	id               TEXT NOT NULL,
	parent_kind      TEXT NOT NULL DEFAULT '',
	parent_id        TEXT NOT NULL DEFAULT '',
	size             INTEGER NOT NULL DEFAULT 0,
	last_accessed_at INTEGER NOT NULL,
	is_favorite      INTEGER NOT NULL DEFAULT 0,
	is_pinned        INTEGER NOT NULL DEFAULT 0,
	sync_status      TEXT NOT NULL DEFAULT '',
	data             BLOB,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS idx_records_lru ON records(kind, last_accessed_at);

CREATE TABLE IF NOT EXISTS sync_items (
	id          TEXT PRIMARY KEY,
	record_kind TEXT NOT NULL,
	record_id   TEXT NOT NULL,
	operation   TEXT NOT NULL,
	status      TEXT NOT NULL,
	attempts    INTEGER NOT NULL DEFAULT 0,
	last_error  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sync_items_created ON sync_items(created_at);

CREATE TABLE IF NOT EXISTS meta (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

const recordColumns = `kind, id, parent_kind, parent_id, size, last_accessed_at, is_favorite, is_pinned, sync_status, data`

const syncColumns = `id, record_kind, record_id, operation, status, attempts, last_error, created_at, updated_at`

// Store implements index.RecordStore and index.Persister using SQLite.
type Store struct {
	db *sql.DB

	mu      sync.Mutex
	entropy *rand.Rand
}

// Open opens or creates a SQLite database at the given path.
func Open(dbPath string) (*Store, error) {
	dir := filepath.Dir(dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	// SQLite has a single writer; one connection keeps transactions serialized.
	db.SetMaxOpenConns(1)

	s := &Store{
		db:      db,
		entropy: rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	return s, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) newID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

// execer is satisfied by both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Store) Put(ctx context.Context, rec index.Record) error {
	return putRecord(ctx, s.db, rec)
}

func putRecord(ctx context.Context, ex execer, rec index.Record) error {
	if rec.ID == "" || rec.Kind == "" {
		return errors.New("record store: kind and id must not be empty")
	}
	if rec.LastAccessedAt.IsZero() {
		rec.LastAccessedAt = time.Now().UTC()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO records (`+recordColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(rec.Kind), rec.ID, string(rec.ParentKind), rec.ParentID, rec.Size,
		rec.LastAccessedAt.UnixNano(), boolInt(rec.IsFavorite), boolInt(rec.IsPinned),
		string(rec.SyncStatus), rec.Data,
	)
	if err != nil {
		return fmt.Errorf("put record: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, kind index.Kind, id string) (index.Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return index.Record{}, err
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE records SET last_accessed_at = ? WHERE kind = ? AND id = ?`,
		time.Now().UTC().UnixNano(), string(kind), id)
	if err != nil {
		return index.Record{}, fmt.Errorf("touch record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return index.Record{}, index.ErrNotFound
	}
	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? AND id = ?`, string(kind), id))
	if err != nil {
		return index.Record{}, err
	}
	return rec, tx.Commit()
}

func (s *Store) Has(ctx context.Context, kind index.Kind, id string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx,
		`SELECT 1 FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Delete(ctx context.Context, kind index.Kind, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id)
	return err
}

func (s *Store) DeleteIf(ctx context.Context, kind index.Kind, id string, pred func(index.Record) bool) (index.Record, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return index.Record{}, false, err
	}
	defer tx.Rollback()

	rec, err := scanRecord(tx.QueryRowContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? AND id = ?`, string(kind), id))
	if errors.Is(err, index.ErrNotFound) {
		return index.Record{}, false, nil
	}
	if err != nil {
		return index.Record{}, false, err
	}
	if !pred(rec) {
		return index.Record{}, false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return index.Record{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return index.Record{}, false, err
	}
	return rec, true, nil
}

func (s *Store) ListLRU(ctx context.Context, kind index.Kind, limit int) ([]index.Record, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+recordColumns+` FROM records WHERE kind = ? ORDER BY last_accessed_at ASC, id ASC LIMIT ?`,
		string(kind), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	records := make([]index.Record, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *Store) Count(ctx context.Context, kind index.Kind) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM records WHERE kind = ?`, string(kind)).Scan(&n)
	return n, err
}

func (s *Store) AddSyncItem(ctx context.Context, item index.SyncItem) (index.SyncItem, error) {
	return s.addSyncItem(ctx, s.db, item)
}

// PutWithSync writes rec and queues item in one SQL transaction.
func (s *Store) PutWithSync(ctx context.Context, rec index.Record, item index.SyncItem) (index.SyncItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return index.SyncItem{}, err
	}
	defer tx.Rollback()

	if err := putRecord(ctx, tx, rec); err != nil {
		return index.SyncItem{}, err
	}
	item, err = s.addSyncItem(ctx, tx, item)
	if err != nil {
		return index.SyncItem{}, err
	}
	if err := tx.Commit(); err != nil {
		return index.SyncItem{}, fmt.Errorf("commit: %w", err)
	}
	return item, nil
}

func (s *Store) addSyncItem(ctx context.Context, ex execer, item index.SyncItem) (index.SyncItem, error) {
	now := time.Now().UTC()
	if item.CreatedAt.IsZero() {
		item.CreatedAt = now
	}
	item.UpdatedAt = now
	if item.ID == "" {
		item.ID = s.newID()
	}
	_, err := ex.ExecContext(ctx,
		`INSERT OR REPLACE INTO sync_items (`+syncColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.ID, string(item.RecordKind), item.RecordID, item.Operation, string(item.Status),
		item.Attempts, item.LastError, item.CreatedAt.UnixNano(), item.UpdatedAt.UnixNano(),
	)
	if err != nil {
		return index.SyncItem{}, fmt.Errorf("add sync item: %w", err)
	}
	return item, nil
}

func (s *Store) ListSyncItems(ctx context.Context) ([]index.SyncItem, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+syncColumns+` FROM sync_items ORDER BY created_at ASC, rowid ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	items := make([]index.SyncItem, 0)
	for rows.Next() {
		item, err := scanSyncItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

func (s *Store) UpdateSyncStatus(ctx context.Context, id string, status index.SyncItemStatus, lastError string) (index.SyncItem, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return index.SyncItem{}, err
	}
	defer tx.Rollback()

	item, err := scanSyncItem(tx.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_items WHERE id = ?`, id))
	if err != nil {
		return index.SyncItem{}, err
	}
	item.Status = status
	item.Attempts++
	item.LastError = lastError
	now := time.Now().UTC()
	if !now.After(item.CreatedAt) {
		now = item.CreatedAt.Add(time.Nanosecond)
	}
	item.UpdatedAt = now

	_, err = tx.ExecContext(ctx,
		`UPDATE sync_items SET status = ?, attempts = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(item.Status), item.Attempts, item.LastError, item.UpdatedAt.UnixNano(), id)
	if err != nil {
		return index.SyncItem{}, err
	}
	return item, tx.Commit()
}

func (s *Store) DeleteSyncItemIf(ctx context.Context, id string, pred func(index.SyncItem) bool) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback()

	item, err := scanSyncItem(tx.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_items WHERE id = ?`, id))
	if errors.Is(err, index.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if !pred(item) {
		return false, nil
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM sync_items WHERE id = ?`, id); err != nil {
		return false, err
	}
	return true, tx.Commit()
}

func (s *Store) CountSyncItems(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM sync_items`).Scan(&n)
	return n, err
}

// InUseBytes reports the pages holding data. Deleted rows go to the
// freelist and the file keeps its size until a VACUUM.
func (s *Store) InUseBytes(ctx context.Context) (uint64, error) {
	var pageCount, freeCount, pageSize int64
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_count`).Scan(&pageCount); err != nil {
		return 0, fmt.Errorf("page count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA freelist_count`).Scan(&freeCount); err != nil {
		return 0, fmt.Errorf("freelist count: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `PRAGMA page_size`).Scan(&pageSize); err != nil {
		return 0, fmt.Errorf("page size: %w", err)
	}
	if freeCount >= pageCount {
		return 0, nil
	}
	return uint64((pageCount - freeCount) * pageSize), nil
}

// Persist records the persisted flag in the meta table.
func (s *Store) Persist(ctx context.Context) (bool, error) {
	_, err := s.db.ExecContext(ctx, `INSERT OR REPLACE INTO meta (key, value) VALUES ('persisted', '1')`)
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Persisted(ctx context.Context) (bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM meta WHERE key = 'persisted'`).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return value == "1", nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRecord(row scanner) (index.Record, error) {
	var (
		rec                  index.Record
		kind, parentKind     string
		status               string
		accessed             int64
		isFavorite, isPinned int
	)
	err := row.Scan(&kind, &rec.ID, &parentKind, &rec.ParentID, &rec.Size, &accessed,
		&isFavorite, &isPinned, &status, &rec.Data)
	if errors.Is(err, sql.ErrNoRows) {
		return index.Record{}, index.ErrNotFound
	}
	if err != nil {
		return index.Record{}, fmt.Errorf("scan record: %w", err)
	}
	rec.Kind = index.Kind(kind)
	rec.ParentKind = index.Kind(parentKind)
	rec.SyncStatus = index.SyncStatus(status)
	rec.LastAccessedAt = time.Unix(0, accessed).UTC()
	rec.IsFavorite = isFavorite != 0
	rec.IsPinned = isPinned != 0
	return rec, nil
}

func scanSyncItem(row scanner) (index.SyncItem, error) {
	var (
		item               index.SyncItem
		kind, status       string
		created, updatedAt int64
	)
	err := row.Scan(&item.ID, &kind, &item.RecordID, &item.Operation, &status,
		&item.Attempts, &item.LastError, &created, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return index.SyncItem{}, index.ErrNotFound
	}
	if err != nil {
		return index.SyncItem{}, fmt.Errorf("scan sync item: %w", err)
	}
	item.RecordKind = index.Kind(kind)
	item.Status = index.SyncItemStatus(status)
	item.CreatedAt = time.Unix(0, created).UTC()
	item.UpdatedAt = time.Unix(0, updatedAt).UTC()
	return item, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
