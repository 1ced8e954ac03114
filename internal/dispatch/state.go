package dispatch

import (
	"context"
	"encoding/json"
	"time"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/usage"
)

// Sync statuses shown as ambient UI state.
const (
	SyncIdle    = "idle"
	SyncRunning = "syncing"
	SyncOffline = "offline"
	SyncFailed  = "error"
)

// State is the single in-memory state tree. Collections hold the active
// view only; soft-deleted records awaiting push live in Tombstones. Slices
// are never mutated in place, so a State value is a consistent snapshot.
type State struct {
	SellerID string         `json:"sellerId"`
	Location *time.Location `json:"-"`
	Online   bool           `json:"online"`
	Sync     SyncState      `json:"sync"`

	Categories           []domain.Category            `json:"categories"`
	Customers            []domain.Customer            `json:"customers"`
	Products             []domain.Product             `json:"products"`
	ProductBatches       []domain.ProductBatch        `json:"productBatches"`
	PurchaseOrders       []domain.PurchaseOrder       `json:"purchaseOrders"`
	Orders               []domain.Order               `json:"orders"`
	Transactions         []domain.Transaction         `json:"transactions"`
	Refunds              []domain.Refund              `json:"refunds"`
	Expenses             []domain.Expense             `json:"expenses"`
	CustomerTransactions []domain.CustomerTransaction `json:"customerTransactions"`

	Tombstones []Tombstone `json:"-"`

	Plan   PlanState  `json:"plan"`
	Usage  usage.View `json:"usage"`
	Charts Charts     `json:"charts"`
}

type SyncState struct {
	Status       string      `json:"status"`
	LastSyncedAt *time.Time  `json:"lastSyncedAt,omitempty"`
	LastError    string      `json:"lastError,omitempty"`
	Rejections   []Rejection `json:"rejections,omitempty"`
}

// Rejection is a record the authority refused for a reason the user must fix.
type Rejection struct {
	Kind    domain.Kind `json:"kind"`
	ID      string      `json:"id"`
	Message string      `json:"message"`
	At      time.Time   `json:"at"`
}

type PlanState struct {
	Details      domain.PlanDetails   `json:"details"`
	Entitlements []domain.Entitlement `json:"entitlements"`
	LastUpdated  time.Time            `json:"lastUpdated"`
}

// Tombstone is a soft-deleted record that the authority has not yet
// confirmed. Body is the stored JSON of the whole entity.
type Tombstone struct {
	Kind   domain.Kind
	Record domain.Record
	Body   json.RawMessage
}

// slot returns the collection of state that holds T.
func slot[T domain.Entity[T]](s *State) *[]T {
	var p any
	switch any(*new(T)).(type) {
	case domain.Category:
		p = &s.Categories
	case domain.Customer:
		p = &s.Customers
	case domain.Product:
		p = &s.Products
	case domain.ProductBatch:
		p = &s.ProductBatches
	case domain.PurchaseOrder:
		p = &s.PurchaseOrders
	case domain.Order:
		p = &s.Orders
	case domain.Transaction:
		p = &s.Transactions
	case domain.Refund:
		p = &s.Refunds
	case domain.Expense:
		p = &s.Expenses
	case domain.CustomerTransaction:
		p = &s.CustomerTransactions
	}
	return p.(*[]T)
}

// collection lets kind-keyed code reach a typed slot.
type collection interface {
	kind() domain.Kind
	metas(s *State) []domain.Record
	clearPending(s *State, id string)
	load(ctx context.Context, ls store.LocalStore, s *State) error
}

type coll[T domain.Entity[T]] struct{}

var collections = []collection{
	coll[domain.Category]{},
	coll[domain.Customer]{},
	coll[domain.Product]{},
	coll[domain.ProductBatch]{},
	coll[domain.PurchaseOrder]{},
	coll[domain.Order]{},
	coll[domain.Transaction]{},
	coll[domain.Refund]{},
	coll[domain.Expense]{},
	coll[domain.CustomerTransaction]{},
}

func collectionFor(kind domain.Kind) (collection, bool) {
	for _, c := range collections {
		if c.kind() == kind {
			return c, true
		}
	}
	return nil, false
}

func (coll[T]) kind() domain.Kind {
	var zero T
	return zero.Kind()
}

func (coll[T]) metas(s *State) []domain.Record {
	items := *slot[T](s)
	out := make([]domain.Record, 0, len(items))
	for _, item := range items {
		out = append(out, item.Meta())
	}
	return out
}

func (coll[T]) clearPending(s *State, id string) {
	p := slot[T](s)
	i := indexOf(*p, id)
	if i < 0 || !(*p)[i].Meta().PendingPersist {
		return
	}
	m := (*p)[i].Meta()
	m.PendingPersist = false
	*p = replaceAt(*p, i, (*p)[i].WithMeta(m))
}

func (c coll[T]) load(ctx context.Context, ls store.LocalStore, s *State) error {
	all, err := store.NewTable[T](ls).All(ctx)
	if err != nil {
		return err
	}
	active := make([]T, 0, len(all))
	for _, item := range all {
		if !item.Meta().IsDeleted {
			active = append(active, item)
			continue
		}
		t, err := tombstoneOf(item)
		if err != nil {
			return err
		}
		s.Tombstones = append(s.Tombstones, t)
	}
	*slot[T](s) = sortNewestFirst(active)
	return nil
}

// indexOf finds a record by local or remote id.
func indexOf[T domain.Entity[T]](items []T, id string) int {
	if id == "" {
		return -1
	}
	for i, item := range items {
		m := item.Meta()
		if m.ID == id || (m.RemoteID != "" && m.RemoteID == id) {
			return i
		}
	}
	return -1
}

func replaceAt[T any](items []T, i int, item T) []T {
	out := make([]T, len(items))
	copy(out, items)
	out[i] = item
	return out
}

func removeAt[T any](items []T, i int) []T {
	out := make([]T, 0, len(items)-1)
	out = append(out, items[:i]...)
	return append(out, items[i+1:]...)
}

func prepend[T any](items []T, item T) []T {
	out := make([]T, 0, len(items)+1)
	out = append(out, item)
	return append(out, items...)
}

func tombstoneOf[T domain.Entity[T]](item T) (Tombstone, error) {
	doc, err := store.Encode(item)
	if err != nil {
		return Tombstone{}, err
	}
	return Tombstone{Kind: item.Kind(), Record: item.Meta(), Body: doc.Body}, nil
}

func tombstoneIndex(ts []Tombstone, kind domain.Kind, id string) int {
	for i, t := range ts {
		if t.Kind != kind {
			continue
		}
		if t.Record.ID == id || (t.Record.RemoteID != "" && t.Record.RemoteID == id) {
			return i
		}
	}
	return -1
}

// usageRecords assembles the storage-tier envelopes the aggregator needs.
func usageRecords(s *State) map[domain.Kind][]domain.Record {
	out := map[domain.Kind][]domain.Record{
		domain.KindCustomers: coll[domain.Customer]{}.metas(s),
		domain.KindProducts:  coll[domain.Product]{}.metas(s),
		domain.KindOrders:    coll[domain.Order]{}.metas(s),
	}
	for _, t := range s.Tombstones {
		if _, ok := out[t.Kind]; ok {
			out[t.Kind] = append(out[t.Kind], t.Record)
		}
	}
	return out
}
