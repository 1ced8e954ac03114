// Package remote is the client side of the remote authority: the server
// that owns canonical ids, usage counts and plan entitlements.
package remote

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"kasirinaja/offline/internal/domain"
)

var (
	// ErrOffline marks transport failures, timeouts and 5xx answers. Callers
	// keep their records dirty and retry on the next pass.
	ErrOffline      = errors.New("remote authority unreachable")
	ErrUnauthorized = errors.New("remote authority rejected the access token")
)

// StatusError is a non-retryable answer for a whole request.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote authority answered %d", e.Code)
	}
	return fmt.Sprintf("remote authority answered %d: %s", e.Code, e.Message)
}

// Outcome is the authority's verdict on one pushed record. Record is the
// canonical copy when accepted; Deleted acknowledges a tombstone. Duplicate
// means the create had already been applied under the same idempotency key.
type Outcome struct {
	LocalID    string          `json:"localId"`
	Record     json.RawMessage `json:"record,omitempty"`
	Deleted    bool            `json:"deleted,omitempty"`
	Duplicate  bool            `json:"duplicate,omitempty"`
	Error      string          `json:"error,omitempty"`
	Validation bool            `json:"validation,omitempty"`
}

func (o Outcome) Accepted() bool {
	return o.Error == ""
}

// Authority is everything the engine consumes from the server.
type Authority interface {
	// FetchAll returns the records of a kind, only those changed after since
	// when it is non-nil. Incremental answers include server-side tombstones.
	FetchAll(ctx context.Context, kind domain.Kind, since *time.Time) ([]json.RawMessage, error)
	// PushBatch sends dirty records and returns one outcome per record.
	PushBatch(ctx context.Context, kind domain.Kind, records []json.RawMessage) ([]Outcome, error)
	FetchUsage(ctx context.Context) (domain.UsageSnapshot, error)
	FetchEntitlements(ctx context.Context) ([]domain.Entitlement, error)
	SwitchEntitlement(ctx context.Context, id string) error
	Ping(ctx context.Context) error
}

// IsOnline reports connectivity the way the engine understands it.
func IsOnline(ctx context.Context, a Authority) bool {
	return a.Ping(ctx) == nil
}
