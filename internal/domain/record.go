package domain

import "time"

// Kind names a logical entity store. It is the key used by the local store,
// the remote authority and the usage snapshot.
type Kind string

const (
	KindCategories           Kind = "categories"
	KindCustomers            Kind = "customers"
	KindProducts             Kind = "products"
	KindProductBatches       Kind = "productBatches"
	KindPurchaseOrders       Kind = "purchaseOrders"
	KindOrders               Kind = "orders"
	KindTransactions         Kind = "transactions"
	KindRefunds              Kind = "refunds"
	KindExpenses             Kind = "expenses"
	KindCustomerTransactions Kind = "customerTransactions"

	KindPlanDetails Kind = "planDetails"
	KindSession     Kind = "session"
)

// SyncOrder lists the syncable kinds parents first, so that references can be
// rewritten to remote ids before a child is pushed.
var SyncOrder = []Kind{
	KindCategories,
	KindCustomers,
	KindProducts,
	KindProductBatches,
	KindPurchaseOrders,
	KindOrders,
	KindTransactions,
	KindRefunds,
	KindExpenses,
	KindCustomerTransactions,
}

// Record is the envelope shared by every synced entity.
type Record struct {
	ID        string     `json:"id"`
	RemoteID  string     `json:"remoteId,omitempty"`
	SellerID  string     `json:"sellerId,omitempty"`
	IsSynced  bool       `json:"isSynced"`
	IsDeleted bool       `json:"isDeleted,omitempty"`
	DeletedAt *time.Time `json:"deletedAt,omitempty"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	SyncedAt  *time.Time `json:"syncedAt,omitempty"`

	// PendingPersist is set while the in-memory copy is ahead of the local store.
	PendingPersist bool `json:"-"`
}

func (r Record) Meta() Record {
	return r
}

// CanonicalID is the id the remote authority knows the record by, falling
// back to the local id for records it has never accepted.
func (r Record) CanonicalID() string {
	if r.RemoteID != "" {
		return r.RemoteID
	}
	return r.ID
}

// Matches reports whether two envelopes describe the same entity, comparing
// local and remote identifiers crosswise.
func (r Record) Matches(o Record) bool {
	if r.ID != "" && (r.ID == o.ID || r.ID == o.RemoteID) {
		return true
	}
	if r.RemoteID != "" && (r.RemoteID == o.ID || r.RemoteID == o.RemoteID) {
		return true
	}
	return false
}

// Touch marks a local user edit.
func (r Record) Touch(now time.Time) Record {
	r.IsSynced = false
	r.UpdatedAt = now
	return r
}

// Tombstone soft-deletes the record.
func (r Record) Tombstone(now time.Time) Record {
	r = r.Touch(now)
	r.IsDeleted = true
	at := now
	r.DeletedAt = &at
	return r
}

// Entity is implemented by every synced entity type.
type Entity[T any] interface {
	Kind() Kind
	Meta() Record
	WithMeta(Record) T
}

// Dated entities sort by their business date instead of createdAt.
type Dated interface {
	SortTime() time.Time
}

// Hashable entities can be recognized as duplicates by their content.
type Hashable interface {
	ContentHash() string
}

// Referrer entities point at other entities and must have those references
// rewritten to remote ids before they are pushed.
type Referrer[T any] interface {
	RemapRefs(resolve func(kind Kind, id string) string) T
}

// SideEffectCarrier entities hold idempotency flags that a sync round-trip
// must never reset.
type SideEffectCarrier[T any] interface {
	KeepSideEffects(local T) T
}

// SortTime returns the time an entity is ordered by.
func SortTime[T Entity[T]](item T) time.Time {
	if dated, ok := any(item).(Dated); ok {
		if at := dated.SortTime(); !at.IsZero() {
			return at
		}
	}
	return item.Meta().CreatedAt
}
