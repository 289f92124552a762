package merge

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/hazyhaar/docreplace/dbopen"
)

// Store persists in-progress records. The Coordinator is its only caller
// and never calls it concurrently for the same identity.
type Store interface {
	Load(ctx context.Context, id Identity) (*Record, bool, error)
	Save(ctx context.Context, r *Record) error
	Delete(ctx context.Context, id Identity) error
	// Sweep removes records not updated since before and returns how many.
	Sweep(ctx context.Context, before time.Time) (int, error)
}

// MemoryStore keeps records in a map.
type MemoryStore struct {
	mu      sync.Mutex
	records map[Identity][]byte
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[Identity][]byte)}
}

// Records are kept encoded so callers never share a Record with the store.

func (m *MemoryStore) Load(_ context.Context, id Identity) (*Record, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.records[id]
	if !ok {
		return nil, false, nil
	}
	var r Record
	if err := json.Unmarshal(b, &r); err != nil {
		return nil, false, fmt.Errorf("merge: decode record: %w", err)
	}
	return &r, true, nil
}

func (m *MemoryStore) Save(_ context.Context, r *Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("merge: encode record: %w", err)
	}
	m.mu.Lock()
	m.records[r.Identity] = b
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Delete(_ context.Context, id Identity) error {
	m.mu.Lock()
	delete(m.records, id)
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Sweep(_ context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, b := range m.records {
		var r Record
		if err := json.Unmarshal(b, &r); err != nil || r.Updated.Before(before) {
			delete(m.records, id)
			n++
		}
	}
	return n, nil
}

// Schema is the DDL for SQLStore.
const Schema = `
-- In-progress merge records, one row per operation identity
CREATE TABLE IF NOT EXISTS merge_records (
    identity   TEXT PRIMARY KEY,
    expected   INTEGER NOT NULL DEFAULT 0,
    received   INTEGER NOT NULL DEFAULT 0,
    record     TEXT NOT NULL,
    created_at INTEGER NOT NULL,
    updated_at INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_merge_records_updated ON merge_records(updated_at);
`

// SQLStore keeps records in SQLite so arrivals survive a restart.
type SQLStore struct {
	DB *sql.DB
}

// OpenSQLStore opens (or creates) the database at path and applies Schema.
func OpenSQLStore(path string, opts ...dbopen.Option) (*SQLStore, error) {
	all := append([]dbopen.Option{
		dbopen.WithMkdirAll(),
		dbopen.WithSchema(Schema),
	}, opts...)
	db, err := dbopen.Open(path, all...)
	if err != nil {
		return nil, err
	}
	return &SQLStore{DB: db}, nil
}

// NewSQLStore wraps an already open database. The caller applies Schema.
func NewSQLStore(db *sql.DB) *SQLStore { return &SQLStore{DB: db} }

// Close closes the database.
func (s *SQLStore) Close() error { return s.DB.Close() }

func (s *SQLStore) Load(ctx context.Context, id Identity) (*Record, bool, error) {
	var raw string
	err := s.DB.QueryRowContext(ctx,
		`SELECT record FROM merge_records WHERE identity = ?`, string(id)).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("merge: load record: %w", err)
	}
	var r Record
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, false, fmt.Errorf("merge: decode record: %w", err)
	}
	return &r, true, nil
}

func (s *SQLStore) Save(ctx context.Context, r *Record) error {
	b, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("merge: encode record: %w", err)
	}
	_, err = dbopen.Exec(ctx, s.DB, `
		INSERT INTO merge_records (identity, expected, received, record, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET
			expected = excluded.expected,
			received = excluded.received,
			record = excluded.record,
			updated_at = excluded.updated_at`,
		string(r.Identity), r.Expected, r.Received, string(b),
		r.Created.UnixMilli(), r.Updated.UnixMilli())
	if err != nil {
		return fmt.Errorf("merge: save record: %w", err)
	}
	return nil
}

func (s *SQLStore) Delete(ctx context.Context, id Identity) error {
	if _, err := dbopen.Exec(ctx, s.DB, `DELETE FROM merge_records WHERE identity = ?`, string(id)); err != nil {
		return fmt.Errorf("merge: delete record: %w", err)
	}
	return nil
}

func (s *SQLStore) Sweep(ctx context.Context, before time.Time) (int, error) {
	res, err := dbopen.Exec(ctx, s.DB, `DELETE FROM merge_records WHERE updated_at < ?`, before.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("merge: sweep: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}
