package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
)

var _ store.LocalStore = (*Store)(nil)

const schema = `
CREATE TABLE IF NOT EXISTS local_records (
	namespace  TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	id         TEXT        NOT NULL,
	seq        BIGSERIAL,
	payload    JSONB       NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (namespace, kind, id)
);
CREATE TABLE IF NOT EXISTS local_fetch_times (
	namespace  TEXT        NOT NULL,
	kind       TEXT        NOT NULL,
	fetched_at TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (namespace, kind)
);`

// Store is a LocalStore on PostgreSQL for back-office installs where several
// terminals of one seller share a mirror. Rows are scoped by namespace.
type Store struct {
	db        *sql.DB
	namespace string
}

func New(ctx context.Context, databaseURL string, namespace string) (*Store, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, err
	}

	db.SetMaxIdleConns(4)
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", describe(err))
	}

	if namespace == "" {
		namespace = "default"
	}
	return &Store{db: db, namespace: namespace}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) GetAll(ctx context.Context, kind domain.Kind) ([]json.RawMessage, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT payload
		FROM local_records
		WHERE namespace = $1 AND kind = $2
		ORDER BY seq
	`, s.namespace, string(kind))
	if err != nil {
		return nil, store.Wrap("get-all", kind, "", describe(err))
	}
	defer rows.Close()

	out := make([]json.RawMessage, 0, 64)
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, store.Wrap("get-all", kind, "", err)
		}
		out = append(out, payload)
	}
	if err := rows.Err(); err != nil {
		return nil, store.Wrap("get-all", kind, "", describe(err))
	}
	return out, nil
}

func (s *Store) Get(ctx context.Context, kind domain.Kind, id string) (json.RawMessage, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx, `
		SELECT payload FROM local_records WHERE namespace = $1 AND kind = $2 AND id = $3
	`, s.namespace, string(kind), id).Scan(&payload)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, store.Wrap("get", kind, id, describe(err))
	}
	return payload, nil
}

func (s *Store) Put(ctx context.Context, kind domain.Kind, doc store.Doc) error {
	if _, err := s.db.ExecContext(ctx, upsertSQL, s.namespace, string(kind), doc.ID, []byte(doc.Body)); err != nil {
		return store.Wrap("put", kind, doc.ID, describe(err))
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, kind domain.Kind, id string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM local_records WHERE namespace = $1 AND kind = $2 AND id = $3
	`, s.namespace, string(kind), id)
	if err != nil {
		return store.Wrap("delete", kind, id, describe(err))
	}
	return nil
}

func (s *Store) BulkInsert(ctx context.Context, kind domain.Kind, docs []store.Doc) (retErr error) {
	if len(docs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return store.Wrap("bulk-insert", kind, "", describe(err))
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()

	for _, doc := range docs {
		if _, err := tx.ExecContext(ctx, upsertSQL, s.namespace, string(kind), doc.ID, []byte(doc.Body)); err != nil {
			return store.Wrap("bulk-insert", kind, doc.ID, describe(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return store.Wrap("bulk-insert", kind, "", describe(err))
	}
	return nil
}

func (s *Store) GetLastFetchTime(ctx context.Context, kind domain.Kind) (*time.Time, error) {
	var at time.Time
	err := s.db.QueryRowContext(ctx, `
		SELECT fetched_at FROM local_fetch_times WHERE namespace = $1 AND kind = $2
	`, s.namespace, string(kind)).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, store.Wrap("get-fetch-time", kind, "", describe(err))
	}
	at = at.UTC()
	return &at, nil
}

func (s *Store) SetLastFetchTime(ctx context.Context, kind domain.Kind, at time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO local_fetch_times (namespace, kind, fetched_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (namespace, kind)
		DO UPDATE SET fetched_at = EXCLUDED.fetched_at
	`, s.namespace, string(kind), at.UTC())
	if err != nil {
		return store.Wrap("set-fetch-time", kind, "", describe(err))
	}
	return nil
}

const upsertSQL = `
	INSERT INTO local_records (namespace, kind, id, payload, updated_at)
	VALUES ($1, $2, $3, $4, now())
	ON CONFLICT (namespace, kind, id)
	DO UPDATE SET payload = EXCLUDED.payload, updated_at = now()`

// describe adds the SQLSTATE to server-side errors.
func describe(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return fmt.Errorf("%s (sqlstate %s): %w", pgErr.Message, pgErr.Code, err)
	}
	return err
}
