package syncengine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/reconcile"
	"kasirinaja/offline/internal/store"
)

// Binding connects one entity kind to whoever owns its in-memory copy. Nil
// hooks write the local store directly.
type Binding[T domain.Entity[T]] struct {
	OnConfirmed func(ctx context.Context, localID string, canonical T, pushedAt, syncedAt time.Time) error
	OnPurged    func(ctx context.Context, id string) error
	OnFetched   func(ctx context.Context, items []T, incremental bool) error
}

// Register adds kind T to the engine. Kinds are pushed in domain.SyncOrder
// whatever the registration order.
func Register[T domain.Entity[T]](e *Engine, b Binding[T]) {
	ls := e.store
	if b.OnConfirmed == nil {
		b.OnConfirmed = func(ctx context.Context, localID string, canonical T, pushedAt, syncedAt time.Time) error {
			return ConfirmInStore(ctx, ls, localID, canonical, pushedAt, syncedAt)
		}
	}
	if b.OnPurged == nil {
		b.OnPurged = func(ctx context.Context, id string) error {
			return store.NewTable[T](ls).Delete(ctx, id)
		}
	}
	if b.OnFetched == nil {
		b.OnFetched = func(ctx context.Context, items []T, incremental bool) error {
			return MergeInStore(ctx, ls, items, incremental)
		}
	}
	e.register(typed[T]{Binding: b, table: store.NewTable[T](ls)})
}

// ConfirmInStore folds a push acknowledgement into the stored record.
func ConfirmInStore[T domain.Entity[T]](ctx context.Context, ls store.LocalStore, localID string, canonical T, pushedAt, syncedAt time.Time) error {
	table := store.NewTable[T](ls)
	local, err := table.Get(ctx, localID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return table.Put(ctx, reconcile.Confirm(local, canonical, pushedAt, syncedAt))
}

// MergeInStore merges fetched records into the stored ones. Pending local
// deletions are never resurrected by the fetch.
func MergeInStore[T domain.Entity[T]](ctx context.Context, ls store.LocalStore, items []T, incremental bool) error {
	table := store.NewTable[T](ls)
	all, err := table.All(ctx)
	if err != nil {
		return err
	}
	var local []T
	var pending []domain.Record
	for _, item := range all {
		if m := item.Meta(); m.IsDeleted && !m.IsSynced {
			pending = append(pending, m)
			continue
		}
		local = append(local, item)
	}
	fresh := make([]T, 0, len(items))
	for _, item := range items {
		if !deletedLocally(pending, item.Meta()) {
			fresh = append(fresh, item)
		}
	}

	var merged []T
	if incremental {
		merged = reconcile.MergeIncremental(fresh, local)
	} else {
		merged = reconcile.Merge(fresh, local)
	}
	kept := make(map[string]struct{}, len(merged))
	var puts []T
	for _, item := range merged {
		m := item.Meta()
		kept[m.ID] = struct{}{}
		if m.IsDeleted {
			if err := table.Delete(ctx, m.ID); err != nil {
				return err
			}
			continue
		}
		if m.IsSynced {
			puts = append(puts, item)
		}
	}
	if err := table.BulkInsert(ctx, puts); err != nil {
		return err
	}
	for _, item := range local {
		if _, ok := kept[item.Meta().ID]; !ok {
			if err := table.Delete(ctx, item.Meta().ID); err != nil {
				return err
			}
		}
	}
	return nil
}

func deletedLocally(pending []domain.Record, m domain.Record) bool {
	for _, p := range pending {
		if p.Matches(m) {
			return true
		}
	}
	return false
}

type pushStats struct {
	accepted int
	deleted  int
	purged   int
	rejected int
	deferred bool
}

type binding interface {
	kind() domain.Kind
	push(ctx context.Context, e *Engine, ids *idMap) (pushStats, error)
	fetch(ctx context.Context, e *Engine, full bool) (int, error)
}

type typed[T domain.Entity[T]] struct {
	Binding[T]
	table store.Table[T]
}

func (t typed[T]) kind() domain.Kind {
	return t.table.Kind()
}

func (t typed[T]) push(ctx context.Context, e *Engine, ids *idMap) (pushStats, error) {
	var st pushStats
	kind := t.kind()
	items, err := t.table.All(ctx)
	if err != nil {
		return st, err
	}

	var batch []T
	var claimed []string
	defer func() { e.release(claimed) }()
	for _, item := range items {
		m := item.Meta()
		switch {
		case m.IsSynced && !m.IsDeleted:
			continue
		case m.IsDeleted && (m.IsSynced || m.RemoteID == ""):
			// Never reached the authority, or its deletion is already
			// acknowledged: nothing to tell the server.
			if err := t.OnPurged(ctx, m.ID); err != nil {
				log.Printf("[sync] WARN: purge %s/%s: %v", kind, m.ID, err)
				continue
			}
			st.purged++
			e.metrics.record(kind, outcomePurged, 1)
			continue
		case e.blockedAt(kind, m):
			continue
		}

		out, ok := remap(ctx, item, ids)
		if !ok {
			e.metrics.record(kind, outcomeDeferred, 1)
			continue
		}
		if h, ok := any(out).(domain.Hashable); ok && m.RemoteID == "" {
			key := string(kind) + ":" + h.ContentHash()
			if !e.claim(key) {
				st.deferred = true
				e.metrics.record(kind, outcomeDeferred, 1)
				continue
			}
			claimed = append(claimed, key)
		}
		batch = append(batch, out)
	}

	for start := 0; start < len(batch); start += e.opts.BatchSize {
		chunk := batch[start:min(start+e.opts.BatchSize, len(batch))]
		if err := t.pushChunk(ctx, e, ids, chunk, &st); err != nil {
			return st, err
		}
	}
	return st, nil
}

func (t typed[T]) pushChunk(ctx context.Context, e *Engine, ids *idMap, chunk []T, st *pushStats) error {
	kind := t.kind()
	raws := make([]json.RawMessage, 0, len(chunk))
	pending := make(map[string]T, len(chunk))
	for _, item := range chunk {
		doc, err := store.Encode(item)
		if err != nil {
			return err
		}
		raws = append(raws, doc.Body)
		pending[doc.ID] = item
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	outcomes, err := e.remote.PushBatch(reqCtx, kind, raws)
	cancel()
	if err != nil {
		se := classify(kind, err)
		if se.Kind != ErrValidation {
			e.metrics.record(kind, outcomeFailed, len(chunk))
			return se
		}
		// Retrying the same request gets the same answer.
		log.Printf("[sync] WARN: %v", se)
		for _, item := range chunk {
			m := item.Meta()
			e.block(kind, m, err.Error())
			st.rejected++
			if e.opts.OnRejected != nil {
				e.opts.OnRejected(&SyncError{Kind: ErrValidation, Entity: kind, ID: m.ID, Err: err})
			}
		}
		e.metrics.record(kind, outcomeRejected, len(chunk))
		return se
	}

	syncedAt := e.opts.Now()
	for _, o := range outcomes {
		item, ok := pending[o.LocalID]
		if !ok {
			continue
		}
		delete(pending, o.LocalID)
		m := item.Meta()
		switch {
		case o.Validation:
			se := &SyncError{Kind: ErrValidation, Entity: kind, ID: m.ID, Err: errors.New(o.Error)}
			e.block(kind, m, o.Error)
			st.rejected++
			e.metrics.record(kind, outcomeRejected, 1)
			log.Printf("[sync] WARN: %v", se)
			if e.opts.OnRejected != nil {
				e.opts.OnRejected(se)
			}
		case !o.Accepted():
			e.metrics.record(kind, outcomeFailed, 1)
		case o.Deleted:
			if err := t.OnPurged(ctx, m.ID); err != nil {
				log.Printf("[sync] WARN: purge %s/%s: %v", kind, m.ID, err)
				continue
			}
			st.deleted++
			e.metrics.record(kind, outcomeDeleted, 1)
		default:
			var canonical T
			if err := json.Unmarshal(o.Record, &canonical); err != nil {
				log.Printf("[sync] WARN: decode canonical %s/%s: %v", kind, m.ID, err)
				e.metrics.record(kind, outcomeFailed, 1)
				continue
			}
			if err := t.OnConfirmed(ctx, m.ID, canonical, m.UpdatedAt, syncedAt); err != nil {
				log.Printf("[sync] WARN: confirm %s/%s: %v", kind, m.ID, err)
				e.metrics.record(kind, outcomeFailed, 1)
				continue
			}
			e.unblock(kind, m.ID)
			ids.set(kind, m.ID, canonical.Meta().CanonicalID())
			st.accepted++
			if o.Duplicate {
				log.Printf("[sync] %s/%s was already applied as %s", kind, m.ID, canonical.Meta().ID)
				e.metrics.record(kind, outcomeDuplicate, 1)
				continue
			}
			e.metrics.record(kind, outcomeAccepted, 1)
		}
	}
	// Records the authority did not answer for stay dirty for the next pass.
	e.metrics.record(kind, outcomeFailed, len(pending))
	return nil
}

func (t typed[T]) fetch(ctx context.Context, e *Engine, full bool) (int, error) {
	kind := t.kind()
	var since *time.Time
	if !full {
		at, err := e.store.GetLastFetchTime(ctx, kind)
		if err != nil {
			return 0, store.Wrap("get-fetch-time", kind, "", err)
		}
		since = at
	}

	started := e.opts.Now()
	reqCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
	raws, err := e.remote.FetchAll(reqCtx, kind, since)
	cancel()
	if err != nil {
		return 0, classify(kind, err)
	}

	items := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			log.Printf("[sync] WARN: skip undecodable %s record: %v", kind, err)
			continue
		}
		m := item.Meta()
		m.IsSynced = true
		items = append(items, item.WithMeta(m))
	}
	e.metrics.fetched.WithLabelValues(string(kind)).Add(float64(len(items)))

	if err := t.OnFetched(ctx, items, since != nil); err != nil {
		return 0, err
	}
	if err := e.store.SetLastFetchTime(ctx, kind, started); err != nil {
		return len(items), store.Wrap("set-fetch-time", kind, "", err)
	}
	return len(items), nil
}

// remap rewrites local references to remote ids. It reports false while a
// referenced parent has not reached the authority yet.
func remap[T domain.Entity[T]](ctx context.Context, item T, ids *idMap) (T, bool) {
	r, ok := any(item).(domain.Referrer[T])
	if !ok {
		return item, true
	}
	resolved := true
	out := r.RemapRefs(func(kind domain.Kind, id string) string {
		rid, ok := ids.resolve(ctx, kind, id)
		if !ok {
			resolved = false
		}
		return rid
	})
	return out, resolved
}
