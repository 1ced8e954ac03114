package syncengine

import (
	"context"
	"errors"
	"fmt"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/remote"
)

type ErrorKind int

const (
	// ErrNetwork aborts the pass; every record stays dirty.
	ErrNetwork ErrorKind = iota + 1
	// ErrValidation is a rejection the user has to fix, answered per record
	// or as a 4xx for the whole request. The records are not retried until
	// they are edited or the plan changes.
	ErrValidation
	// ErrRemote is any other failure answered for a whole request.
	ErrRemote
)

func (k ErrorKind) String() string {
	switch k {
	case ErrNetwork:
		return "network"
	case ErrValidation:
		return "validation"
	case ErrRemote:
		return "remote"
	}
	return "unknown"
}

type SyncError struct {
	Kind   ErrorKind
	Entity domain.Kind
	ID     string
	Err    error
}

func (e *SyncError) Error() string {
	if e.ID != "" {
		return fmt.Sprintf("sync %s %s/%s: %v", e.Kind, e.Entity, e.ID, e.Err)
	}
	return fmt.Sprintf("sync %s %s: %v", e.Kind, e.Entity, e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

func classify(kind domain.Kind, err error) *SyncError {
	switch {
	case errors.Is(err, remote.ErrOffline), errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return &SyncError{Kind: ErrNetwork, Entity: kind, Err: err}
	}
	var status *remote.StatusError
	if errors.As(err, &status) && status.Code >= 400 && status.Code < 500 {
		return &SyncError{Kind: ErrValidation, Entity: kind, Err: err}
	}
	return &SyncError{Kind: ErrRemote, Entity: kind, Err: err}
}

// aborts reports whether the rest of the pass is pointless.
func aborts(err error) bool {
	var se *SyncError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == ErrNetwork || errors.Is(err, remote.ErrUnauthorized)
}

// IsNetwork reports whether err means the authority could not be reached.
func IsNetwork(err error) bool {
	var se *SyncError
	return errors.As(err, &se) && se.Kind == ErrNetwork
}
