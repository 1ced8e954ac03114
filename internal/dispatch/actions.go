package dispatch

import (
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/entitlement"
	"kasirinaja/offline/internal/reconcile"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/usage"
)

var (
	ErrNotFound         = store.ErrNotFound
	ErrMissingID        = errors.New("record has no id")
	ErrExists           = errors.New("record already exists")
	ErrDuplicateProduct = errors.New("product already exists")
)

// Action is a request for a state transition. Actions only take effect
// through Reduce.
type Action interface {
	Name() string
	reduce(s State, now time.Time) (State, Effects, Result, error)
}

// identified actions get a fresh local id from the dispatcher before they
// are reduced, which keeps the reducer deterministic.
type identified interface {
	assignID(newID func(prefix string) string) Action
}

type WriteOp int

const (
	OpPut WriteOp = iota
	OpDelete
)

// Write is one local-store operation the dispatcher must perform for a
// reduction. Prev holds the stored document it replaces, if any, so a
// failed action can be compensated.
type Write struct {
	Op   WriteOp
	Kind domain.Kind
	Doc  store.Doc
	Prev *store.Doc
}

type Effects struct {
	Writes []Write
	// Sync asks for a debounced sync pass once the writes are durable.
	Sync bool
}

type Result struct {
	ID        string `json:"id,omitempty"`
	Duplicate bool   `json:"duplicate,omitempty"`
}

// Reduce is the pure transition function. It never touches storage or the
// network; the returned Effects describe what has to be persisted.
func Reduce(s State, a Action, now time.Time) (State, Effects, Result, error) {
	next, eff, res, err := a.reduce(s, now)
	if err != nil {
		return s, Effects{}, res, err
	}
	if err := reencodeProducts(next, eff.Writes); err != nil {
		return s, Effects{}, res, err
	}
	return next, eff, res, nil
}

// reencodeProducts rewrites product puts from the final state. Reducers
// encode a product before finalize projects its batches, which would store
// and push the old embedded batch list.
func reencodeProducts(s State, writes []Write) error {
	for i, w := range writes {
		if w.Op != OpPut || w.Kind != domain.KindProducts {
			continue
		}
		j := indexOf(s.Products, w.Doc.ID)
		if j < 0 {
			continue
		}
		doc, err := store.Encode(s.Products[j])
		if err != nil {
			return err
		}
		writes[i].Doc = doc
	}
	return nil
}

type Add[T domain.Entity[T]] struct {
	Item T
}

func (a Add[T]) Name() string { return "ADD_" + string(a.Item.Kind()) }

func (a Add[T]) assignID(newID func(string) string) Action {
	m := a.Item.Meta()
	if m.ID == "" {
		m.ID = newID(string(a.Item.Kind()))
		a.Item = a.Item.WithMeta(m)
	}
	return a
}

func (a Add[T]) reduce(s State, now time.Time) (State, Effects, Result, error) {
	item := a.Item
	kind := item.Kind()
	m := item.Meta()
	if m.ID == "" {
		return s, Effects{}, Result{}, ErrMissingID
	}
	if m.SellerID == "" {
		m.SellerID = s.SellerID
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = now
	}
	m = m.Touch(now)
	m.IsDeleted, m.DeletedAt, m.SyncedAt = false, nil, nil
	m.PendingPersist = true
	item = item.WithMeta(m)

	items := *slot[T](&s)
	if indexOf(items, m.ID) >= 0 {
		return s, Effects{}, Result{}, fmt.Errorf("%w: %s/%s", ErrExists, kind, m.ID)
	}
	if dup, ok := duplicateOf(items, item, now); ok {
		return s, Effects{}, Result{ID: dup.Meta().ID, Duplicate: true}, nil
	}
	if err := checkWritable(s, kind, now, true); err != nil {
		return s, Effects{}, Result{}, err
	}

	item, sideWrites, err := onAdd(&s, item, now)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	w, err := putWrite(item, nil)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	*slot[T](&s) = prepend(*slot[T](&s), item)
	finalize(&s, kind, now)
	return s, Effects{Writes: append([]Write{w}, sideWrites...), Sync: true}, Result{ID: m.ID}, nil
}

// Mutation is the payload of an Update: either a user edit or the
// authority's confirmation of a pushed record.
type Mutation[T domain.Entity[T]] interface {
	mutation() T
}

// UserEdit replaces the editable fields of a record.
type UserEdit[T domain.Entity[T]] struct {
	Item T
}

func (e UserEdit[T]) mutation() T { return e.Item }

// SyncConfirmation carries the authority's canonical version of a record
// that was pushed at PushedAt.
type SyncConfirmation[T domain.Entity[T]] struct {
	Canonical T
	PushedAt  time.Time
	SyncedAt  time.Time
}

func (c SyncConfirmation[T]) mutation() T { return c.Canonical }

type Update[T domain.Entity[T]] struct {
	ID       string
	Mutation Mutation[T]
}

func (a Update[T]) Name() string {
	var zero T
	if _, ok := a.Mutation.(SyncConfirmation[T]); ok {
		return "CONFIRM_" + string(zero.Kind())
	}
	return "UPDATE_" + string(zero.Kind())
}

func (a Update[T]) reduce(s State, now time.Time) (State, Effects, Result, error) {
	switch m := a.Mutation.(type) {
	case UserEdit[T]:
		return a.edit(s, m.Item, now)
	case SyncConfirmation[T]:
		return a.confirm(s, m, now)
	}
	return s, Effects{}, Result{}, fmt.Errorf("unsupported mutation %T", a.Mutation)
}

func (a Update[T]) edit(s State, item T, now time.Time) (State, Effects, Result, error) {
	kind := item.Kind()
	items := *slot[T](&s)
	i := indexOf(items, a.ID)
	if i < 0 {
		return s, Effects{}, Result{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, a.ID)
	}
	if err := checkWritable(s, kind, now, false); err != nil {
		return s, Effects{}, Result{}, err
	}
	prev := items[i]
	pm := prev.Meta()
	m := item.Meta()
	m.ID, m.RemoteID, m.CreatedAt, m.SyncedAt = pm.ID, pm.RemoteID, pm.CreatedAt, pm.SyncedAt
	if m.SellerID == "" {
		m.SellerID = pm.SellerID
	}
	m.IsDeleted, m.DeletedAt = false, nil
	m = m.Touch(now)
	m.PendingPersist = true
	item = item.WithMeta(m)

	item, sideWrites, err := onEdit(&s, prev, item, now)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	w, err := putWrite(item, &prev)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	*slot[T](&s) = replaceAt(*slot[T](&s), i, item)
	finalize(&s, kind, now)
	return s, Effects{Writes: append([]Write{w}, sideWrites...), Sync: true}, Result{ID: m.ID}, nil
}

func (a Update[T]) confirm(s State, c SyncConfirmation[T], now time.Time) (State, Effects, Result, error) {
	kind := c.Canonical.Kind()
	items := *slot[T](&s)
	if i := indexOf(items, a.ID); i >= 0 {
		prev := items[i]
		next := reconcile.Confirm(prev, c.Canonical, c.PushedAt, c.SyncedAt)
		w, err := putWrite(next, &prev)
		if err != nil {
			return s, Effects{}, Result{}, err
		}
		*slot[T](&s) = replaceAt(items, i, next)
		if prev.Meta().RemoteID == "" && next.Meta().RemoteID != "" {
			bumpSnapshot(&s, kind, 1)
		}
		s.Sync.Rejections = dropRejection(s.Sync.Rejections, kind, next.Meta().ID)
		finalize(&s, kind, now)
		return s, Effects{Writes: []Write{w}}, Result{ID: next.Meta().ID}, nil
	}

	// Deleted after it was pushed: the tombstone learns its remote id and
	// stays dirty so the deletion is pushed next.
	j := tombstoneIndex(s.Tombstones, kind, a.ID)
	if j < 0 {
		return s, Effects{}, Result{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, a.ID)
	}
	prev, err := decodeTombstone[T](s.Tombstones[j])
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	next := reconcile.Confirm(prev, c.Canonical, c.PushedAt, c.SyncedAt)
	t, err := tombstoneOf(next)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	s.Tombstones = replaceAt(s.Tombstones, j, t)
	if prev.Meta().RemoteID == "" && t.Record.RemoteID != "" {
		bumpSnapshot(&s, kind, 1)
	}
	w := Write{Op: OpPut, Kind: kind, Doc: store.Doc{ID: t.Record.ID, Body: t.Body}}
	finalize(&s, kind, now)
	return s, Effects{Writes: []Write{w}}, Result{ID: t.Record.ID}, nil
}

// Delete soft-deletes a record. It leaves the active view immediately and
// is kept in storage as a tombstone until the authority acknowledges it.
type Delete[T domain.Entity[T]] struct {
	ID string
}

func (a Delete[T]) Name() string {
	var zero T
	return "DELETE_" + string(zero.Kind())
}

func (a Delete[T]) reduce(s State, now time.Time) (State, Effects, Result, error) {
	var zero T
	kind := zero.Kind()
	items := *slot[T](&s)
	i := indexOf(items, a.ID)
	if i < 0 {
		return s, Effects{}, Result{}, fmt.Errorf("%w: %s/%s", ErrNotFound, kind, a.ID)
	}
	prev := items[i]
	gone := prev.WithMeta(prev.Meta().Tombstone(now))
	t, err := tombstoneOf(gone)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	w, err := putWrite(gone, &prev)
	if err != nil {
		return s, Effects{}, Result{}, err
	}
	*slot[T](&s) = removeAt(items, i)
	s.Tombstones = append(slices.Clip(s.Tombstones), t)
	sideWrites := onDelete(&s, prev, now)
	finalize(&s, kind, now)
	return s, Effects{Writes: append([]Write{w}, sideWrites...), Sync: true}, Result{ID: t.Record.ID}, nil
}

// Purge removes a tombstone for good, after the authority acknowledged the
// deletion or when the record never reached the authority at all.
type Purge struct {
	Kind domain.Kind
	ID   string
}

func (a Purge) Name() string { return "PURGE_" + string(a.Kind) }

func (a Purge) reduce(s State, now time.Time) (State, Effects, Result, error) {
	j := tombstoneIndex(s.Tombstones, a.Kind, a.ID)
	if j < 0 {
		return s, Effects{Writes: []Write{{Op: OpDelete, Kind: a.Kind, Doc: store.Doc{ID: a.ID}}}}, Result{ID: a.ID}, nil
	}
	rec := s.Tombstones[j].Record
	id := rec.ID
	prev := store.Doc{ID: id, Body: s.Tombstones[j].Body}
	s.Tombstones = removeAt(s.Tombstones, j)
	if rec.RemoteID != "" && !rec.IsSynced {
		bumpSnapshot(&s, a.Kind, -1)
	}
	s.Sync.Rejections = dropRejection(s.Sync.Rejections, a.Kind, id)
	finalize(&s, a.Kind, now)
	return s, Effects{Writes: []Write{{Op: OpDelete, Kind: a.Kind, Doc: store.Doc{ID: id}, Prev: &prev}}}, Result{ID: id}, nil
}

// Set merges a batch fetched from the authority into a collection. Unsynced
// local records always survive; Incremental batches keep synced locals
// the batch does not mention.
type Set[T domain.Entity[T]] struct {
	Items       []T
	Incremental bool
}

func (a Set[T]) Name() string {
	var zero T
	return "SET_" + string(zero.Kind())
}

func (a Set[T]) reduce(s State, now time.Time) (State, Effects, Result, error) {
	var zero T
	kind := zero.Kind()
	local := *slot[T](&s)
	byID := make(map[string]T, len(local))
	for _, item := range local {
		byID[item.Meta().ID] = item
	}

	remote := make([]T, 0, len(a.Items))
	for _, item := range a.Items {
		if tombstoneIndex(s.Tombstones, kind, item.Meta().ID) >= 0 || tombstoneIndex(s.Tombstones, kind, item.Meta().RemoteID) >= 0 {
			continue
		}
		remote = append(remote, onFetched(item))
	}

	var merged []T
	if a.Incremental {
		merged = reconcile.MergeIncremental(remote, local)
	} else {
		merged = reconcile.Merge(remote, local)
	}

	var writes []Write
	active := make([]T, 0, len(merged))
	kept := make(map[string]struct{}, len(merged))
	for _, item := range merged {
		m := item.Meta()
		kept[m.ID] = struct{}{}
		prev, had := byID[m.ID]
		if m.IsDeleted {
			if !had {
				writes = append(writes, Write{Op: OpDelete, Kind: kind, Doc: store.Doc{ID: m.ID}})
				continue
			}
			w, err := deleteWrite(prev)
			if err != nil {
				return s, Effects{}, Result{}, err
			}
			writes = append(writes, w)
			continue
		}
		active = append(active, item)
		if m.IsSynced {
			var before *T
			if had {
				before = &prev
			}
			w, err := putWrite(item, before)
			if err != nil {
				return s, Effects{}, Result{}, err
			}
			writes = append(writes, w)
		}
	}
	for _, item := range local {
		if _, ok := kept[item.Meta().ID]; !ok {
			w, err := deleteWrite(item)
			if err != nil {
				return s, Effects{}, Result{}, err
			}
			writes = append(writes, w)
		}
	}
	*slot[T](&s) = active
	finalize(&s, kind, now)
	return s, Effects{Writes: writes}, Result{}, nil
}

// Persisted clears the pending flag once a write reached the local store.
type Persisted struct {
	Kind domain.Kind
	ID   string
}

func (a Persisted) Name() string { return "PERSISTED_" + string(a.Kind) }

func (a Persisted) reduce(s State, now time.Time) (State, Effects, Result, error) {
	if c, ok := collectionFor(a.Kind); ok {
		c.clearPending(&s, a.ID)
	}
	return s, Effects{}, Result{ID: a.ID}, nil
}

// SetUsage stores a fresh usage snapshot from the authority.
type SetUsage struct {
	Snapshot domain.UsageSnapshot
}

func (SetUsage) Name() string { return "SET_USAGE" }

func (a SetUsage) reduce(s State, now time.Time) (State, Effects, Result, error) {
	s.Plan.Details.Usage = a.Snapshot
	s.Usage = usage.Aggregate(a.Snapshot, usageRecords(&s))
	return s, Effects{}, Result{}, nil
}

type SetPlan struct {
	Details      domain.PlanDetails
	Entitlements []domain.Entitlement
	UpdatedAt    time.Time
}

func (SetPlan) Name() string { return "SET_PLAN" }

func (a SetPlan) reduce(s State, now time.Time) (State, Effects, Result, error) {
	at := a.UpdatedAt
	if at.IsZero() {
		at = now
	}
	s.Plan = PlanState{Details: a.Details, Entitlements: slices.Clone(a.Entitlements), LastUpdated: at}
	s.Usage = usage.Aggregate(a.Details.Usage, usageRecords(&s))
	return s, Effects{}, Result{}, nil
}

type SetOnline struct {
	Online bool
}

func (SetOnline) Name() string { return "SET_ONLINE" }

func (a SetOnline) reduce(s State, now time.Time) (State, Effects, Result, error) {
	s.Online = a.Online
	if !a.Online {
		s.Sync.Status = SyncOffline
	} else if s.Sync.Status == SyncOffline {
		s.Sync.Status = SyncIdle
	}
	return s, Effects{Sync: a.Online}, Result{}, nil
}

// SetSyncStatus reports the progress of a sync pass.
type SetSyncStatus struct {
	Status string
	Err    string
	At     time.Time
}

func (SetSyncStatus) Name() string { return "SET_SYNC_STATUS" }

func (a SetSyncStatus) reduce(s State, now time.Time) (State, Effects, Result, error) {
	s.Sync.Status = a.Status
	s.Sync.LastError = a.Err
	if a.Status == SyncIdle && a.Err == "" {
		at := a.At
		if at.IsZero() {
			at = now
		}
		s.Sync.LastSyncedAt = &at
	}
	return s, Effects{}, Result{}, nil
}

// Reject records a validation failure the user has to resolve.
type Reject struct {
	Kind    domain.Kind
	ID      string
	Message string
}

func (a Reject) Name() string { return "REJECT_" + string(a.Kind) }

func (a Reject) reduce(s State, now time.Time) (State, Effects, Result, error) {
	rs := dropRejection(s.Sync.Rejections, a.Kind, a.ID)
	s.Sync.Rejections = append(rs, Rejection{Kind: a.Kind, ID: a.ID, Message: a.Message, At: now})
	return s, Effects{}, Result{ID: a.ID}, nil
}

// SetSeller switches the active tenant. Derived data only covers orders of
// the active seller.
type SetSeller struct {
	SellerID string
	Location *time.Location
}

func (SetSeller) Name() string { return "SET_SELLER" }

func (a SetSeller) reduce(s State, now time.Time) (State, Effects, Result, error) {
	s.SellerID = a.SellerID
	if a.Location != nil {
		s.Location = a.Location
	}
	s.Charts = deriveCharts(s, now)
	return s, Effects{}, Result{}, nil
}

func checkWritable(s State, kind domain.Kind, now time.Time, adding bool) error {
	if _, bounded := s.Usage.For(kind); !bounded {
		return nil
	}
	if err := entitlement.CheckWrite(s.Plan.Entitlements, now); err != nil {
		return err
	}
	if !adding {
		return nil
	}
	return usage.CheckCapacity(s.Usage, kind)
}

// bumpSnapshot moves one record between the local delta and the cached
// server count, so the aggregate stays put until a fresh snapshot arrives.
func bumpSnapshot(s *State, kind domain.Kind, delta int) {
	var q *domain.Quota
	switch kind {
	case domain.KindCustomers:
		q = &s.Plan.Details.Usage.Customers
	case domain.KindProducts:
		q = &s.Plan.Details.Usage.Products
	case domain.KindOrders:
		q = &s.Plan.Details.Usage.Orders
	default:
		return
	}
	q.Used = max(q.Used+delta, 0)
}

func putWrite[T domain.Entity[T]](item T, prev *T) (Write, error) {
	doc, err := store.Encode(item)
	if err != nil {
		return Write{}, err
	}
	w := Write{Op: OpPut, Kind: item.Kind(), Doc: doc}
	if prev != nil {
		p, err := store.Encode(*prev)
		if err != nil {
			return Write{}, err
		}
		w.Prev = &p
	}
	return w, nil
}

// deleteWrite removes item from the store and keeps its document so a
// failed action can put it back.
func deleteWrite[T domain.Entity[T]](item T) (Write, error) {
	doc, err := store.Encode(item)
	if err != nil {
		return Write{}, err
	}
	return Write{Op: OpDelete, Kind: item.Kind(), Doc: store.Doc{ID: doc.ID}, Prev: &doc}, nil
}

func dropRejection(rs []Rejection, kind domain.Kind, id string) []Rejection {
	i := slices.IndexFunc(rs, func(r Rejection) bool { return r.Kind == kind && r.ID == id })
	if i < 0 {
		return rs
	}
	return removeAt(rs, i)
}

func abs(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
