package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kasirinaja/offline/internal/domain"
)

var ErrNotFound = errors.New("not found")

// Doc is one stored record: its local id and JSON body.
type Doc struct {
	ID   string
	Body json.RawMessage
}

// LocalStore is the durable shadow of the in-memory state, keyed by entity
// kind. GetAll returns every record including tombstones, in insertion order.
// Put is a pure upsert and never fails because a record is missing.
type LocalStore interface {
	GetAll(ctx context.Context, kind domain.Kind) ([]json.RawMessage, error)
	Get(ctx context.Context, kind domain.Kind, id string) (json.RawMessage, error)
	Put(ctx context.Context, kind domain.Kind, doc Doc) error
	Delete(ctx context.Context, kind domain.Kind, id string) error
	BulkInsert(ctx context.Context, kind domain.Kind, docs []Doc) error
	GetLastFetchTime(ctx context.Context, kind domain.Kind) (*time.Time, error)
	SetLastFetchTime(ctx context.Context, kind domain.Kind, at time.Time) error
	Close() error
}

// StorageError reports a failed local persistence operation.
type StorageError struct {
	Op   string
	Kind domain.Kind
	ID   string
	Err  error
}

func (e *StorageError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("storage %s %s/%s: %v", e.Op, e.Kind, e.ID, e.Err)
	}
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Kind, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// Wrap turns a driver error into a StorageError. Nil, ErrNotFound and errors
// that already are StorageErrors pass through unchanged.
func Wrap(op string, kind domain.Kind, id string, err error) error {
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Kind: kind, ID: id, Err: err}
}
