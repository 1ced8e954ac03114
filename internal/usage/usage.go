// Package usage turns the server's usage snapshot plus local unsynced deltas
// into a live used/limit/remaining view per quota-bounded kind.
package usage

import (
	"fmt"

	"kasirinaja/offline/internal/domain"
)

// Quota is the live allowance for one kind. Remaining is nil when unlimited.
type Quota struct {
	Limit       int  `json:"limit"`
	Used        int  `json:"used"`
	Remaining   *int `json:"remaining"`
	IsUnlimited bool `json:"isUnlimited"`
}

type View struct {
	Customers Quota `json:"customers"`
	Products  Quota `json:"products"`
	Orders    Quota `json:"orders"`
}

func (v View) For(kind domain.Kind) (Quota, bool) {
	switch kind {
	case domain.KindCustomers:
		return v.Customers, true
	case domain.KindProducts:
		return v.Products, true
	case domain.KindOrders:
		return v.Orders, true
	}
	return Quota{}, false
}

// Aggregate starts from the snapshot and applies per-record deltas. records
// holds the storage-tier envelopes of each kind, tombstones included.
//
// A record never accepted by the authority (unsynced, not deleted, no
// remoteId) adds one. A soft-deleted, unsynced record that carries a
// remoteId subtracts one. Everything else is already in the snapshot.
func Aggregate(snapshot domain.UsageSnapshot, records map[domain.Kind][]domain.Record) View {
	return View{
		Customers: apply(snapshot.Customers, records[domain.KindCustomers]),
		Products:  apply(snapshot.Products, records[domain.KindProducts]),
		Orders:    apply(snapshot.Orders, records[domain.KindOrders]),
	}
}

// Delta is the net change the records make to the server's used count.
func Delta(records []domain.Record) int {
	delta := 0
	for _, r := range records {
		switch {
		case !r.IsSynced && !r.IsDeleted && r.RemoteID == "":
			delta++
		case !r.IsSynced && r.IsDeleted && r.RemoteID != "":
			delta--
		}
	}
	return delta
}

func apply(q domain.Quota, records []domain.Record) Quota {
	used := q.Used + Delta(records)
	if used < 0 {
		used = 0
	}
	out := Quota{Limit: q.Limit, Used: used, IsUnlimited: q.IsUnlimited}
	if !q.IsUnlimited {
		remaining := q.Limit - used
		if remaining < 0 {
			remaining = 0
		}
		out.Remaining = &remaining
	}
	return out
}

// CapacityError is returned when a create would exceed a quota.
type CapacityError struct {
	Kind  domain.Kind
	Limit int
}

func (e *CapacityError) Error() string {
	return fmt.Sprintf("%s limit reached (%d): upgrade your plan to add more %s", e.Kind, e.Limit, e.Kind)
}

// CheckCapacity reports whether one more record of kind fits the view.
func CheckCapacity(v View, kind domain.Kind) error {
	q, bounded := v.For(kind)
	if !bounded || q.IsUnlimited {
		return nil
	}
	if q.Remaining != nil && *q.Remaining > 0 {
		return nil
	}
	return &CapacityError{Kind: kind, Limit: q.Limit}
}
