package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/golang/snappy"
	_ "modernc.org/sqlite"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
)

var _ store.LocalStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS records (
	kind    TEXT    NOT NULL,
	id      TEXT    NOT NULL,
	seq     INTEGER NOT NULL,
	payload BLOB    NOT NULL,
	PRIMARY KEY (kind, id)
);
CREATE INDEX IF NOT EXISTS records_kind_seq ON records (kind, seq);
CREATE TABLE IF NOT EXISTS fetch_times (
	kind       TEXT PRIMARY KEY,
	fetched_at TEXT NOT NULL
);`

// Store is the on-device LocalStore. Payloads are snappy-compressed JSON in
// one table keyed by (kind, id); seq preserves first-insertion order.
type Store struct {
	db *sql.DB
}

func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = "posagent.db"
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}

	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single connection serializes writers, so puts to one key land in call order.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetAll(ctx context.Context, kind domain.Kind) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT payload FROM records WHERE kind = ? ORDER BY seq`, string(kind))
	if err != nil {
		return nil, store.Wrap("get-all", kind, "", err)
	}
	defer func() { _ = rows.Close() }()

	out := make([]json.RawMessage, 0, 64)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, store.Wrap("get-all", kind, "", err)
		}
		raw, err := snappy.Decode(nil, payload)
		if err != nil {
			return nil, store.Wrap("decompress", kind, "", err)
		}
		out = append(out, raw)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("get-all", kind, "", err)
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, kind domain.Kind, id string) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `SELECT payload FROM records WHERE kind = ? AND id = ?`, string(kind), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Wrap("get", kind, id, err)
	}
	raw, err := snappy.Decode(nil, payload)
	if err != nil {
		return nil, store.Wrap("decompress", kind, id, err)
	}
	return raw, nil
}

func (s *Store) Put(ctx context.Context, kind domain.Kind, doc store.Doc) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, upsertArgs(kind, doc)...); err != nil {
		return store.Wrap("put", kind, doc.ID, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind domain.Kind, id string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM records WHERE kind = ? AND id = ?`, string(kind), id); err != nil {
		return store.Wrap("delete", kind, id, err)
	}
	return nil
}

func (s *Store) BulkInsert(ctx context.Context, kind domain.Kind, docs []store.Doc) (retErr error) {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("bulk-insert", kind, "", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, upsertSQL)
	if err != nil {
		return store.Wrap("bulk-insert", kind, "", err)
	}
	defer func() { _ = stmt.Close() }()

	for _, doc := range docs {
		if _, err := stmt.ExecContext(ctx, upsertArgs(kind, doc)...); err != nil {
			return store.Wrap("bulk-insert", kind, doc.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Wrap("bulk-insert", kind, "", err)
	}
	return nil
}

func (s *Store) GetLastFetchTime(ctx context.Context, kind domain.Kind) (*time.Time, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT fetched_at FROM fetch_times WHERE kind = ?`, string(kind)).Scan(&raw)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, store.Wrap("get-fetch-time", kind, "", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return nil, store.Wrap("get-fetch-time", kind, "", err)
	}
	return &at, nil
}

func (s *Store) SetLastFetchTime(ctx context.Context, kind domain.Kind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO fetch_times (kind, fetched_at) VALUES (?, ?)
		ON CONFLICT (kind) DO UPDATE SET fetched_at = excluded.fetched_at
	`, string(kind), at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return store.Wrap("set-fetch-time", kind, "", err)
	}
	return nil
}

const upsertSQL = `
	INSERT INTO records (kind, id, seq, payload)
	VALUES (?, ?, (SELECT COALESCE(MAX(seq), 0) + 1 FROM records WHERE kind = ?), ?)
	ON CONFLICT (kind, id) DO UPDATE SET payload = excluded.payload`

func upsertArgs(kind domain.Kind, doc store.Doc) []any {
	return []any{string(kind), doc.ID, string(kind), snappy.Encode(nil, doc.Body)}
}
