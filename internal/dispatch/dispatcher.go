package dispatch

import (
	"context"
	"errors"
	"log"
	"sync"
	"time"

	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/usage"
	"kasirinaja/offline/internal/xid"
)

// Scheduler receives a nudge after every durable user write.
type Scheduler interface {
	Schedule()
}

// Dispatcher owns the state tree. Every action is reduced and persisted
// while persistMu is held, so the order of local-store writes always
// matches the order in which actions were reduced.
type Dispatcher struct {
	store store.LocalStore
	now   func() time.Time
	newID func(prefix string) string

	persistMu sync.Mutex
	mu        sync.RWMutex
	state     State

	schedMu   sync.RWMutex
	scheduler Scheduler

	notifyMu sync.Mutex
	subsMu   sync.Mutex
	subs     []*subscription
	nextSub  int
}

type Option func(*Dispatcher)

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func WithIDGenerator(newID func(prefix string) string) Option {
	return func(d *Dispatcher) { d.newID = newID }
}

func WithScheduler(s Scheduler) Option {
	return func(d *Dispatcher) { d.scheduler = s }
}

func New(ls store.LocalStore, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store: ls,
		now:   time.Now,
		newID: xid.New,
		state: State{Location: time.UTC, Sync: SyncState{Status: SyncIdle}},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// SetScheduler wires the sync engine after both sides exist.
func (d *Dispatcher) SetScheduler(s Scheduler) {
	d.schedMu.Lock()
	d.scheduler = s
	d.schedMu.Unlock()
}

// State returns the current snapshot. Its slices must be treated as
// read-only.
func (d *Dispatcher) State() State {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.state
}

// Load replaces the collections with what the local store holds.
func (d *Dispatcher) Load(ctx context.Context) error {
	d.persistMu.Lock()
	s := d.State()
	s.Tombstones = nil
	for _, c := range collections {
		if err := c.load(ctx, d.store, &s); err != nil {
			d.persistMu.Unlock()
			return err
		}
	}
	projectBatches(&s)
	s.Charts = deriveCharts(s, d.now())
	s.Usage = usage.Aggregate(s.Plan.Details.Usage, usageRecords(&s))
	d.mu.Lock()
	d.state = s
	d.mu.Unlock()
	d.persistMu.Unlock()

	d.notify()
	return nil
}

// Dispatch reduces an action, commits the new state optimistically and then
// persists the effects. A storage failure rolls the state back and is
// returned as a *store.StorageError.
func (d *Dispatcher) Dispatch(ctx context.Context, a Action) (Result, error) {
	if p, ok := a.(identified); ok {
		a = p.assignID(d.newID)
	}

	d.persistMu.Lock()
	d.mu.Lock()
	prev := d.state
	next, eff, res, err := Reduce(prev, a, d.now())
	if err != nil {
		d.mu.Unlock()
		d.persistMu.Unlock()
		return res, err
	}
	d.state = next
	d.mu.Unlock()

	if err := d.persist(ctx, eff.Writes); err != nil {
		d.mu.Lock()
		d.state = prev
		d.mu.Unlock()
		d.persistMu.Unlock()
		log.Printf("[dispatch] WARN: %s rolled back: %v", a.Name(), err)
		d.notify()
		return res, err
	}
	if len(eff.Writes) > 0 {
		d.mu.Lock()
		for _, w := range eff.Writes {
			if w.Op == OpPut {
				d.state, _, _, _ = Reduce(d.state, Persisted{Kind: w.Kind, ID: w.Doc.ID}, d.now())
			}
		}
		d.mu.Unlock()
	}
	d.persistMu.Unlock()

	if res.Duplicate {
		log.Printf("[dispatch] %s suppressed as duplicate of %s", a.Name(), res.ID)
	}
	d.notify()
	if eff.Sync {
		d.schedMu.RLock()
		s := d.scheduler
		d.schedMu.RUnlock()
		if s != nil {
			s.Schedule()
		}
	}
	return res, nil
}

func (d *Dispatcher) persist(ctx context.Context, writes []Write) error {
	for i := 0; i < len(writes); {
		n := 1
		if writes[i].Op == OpPut {
			for i+n < len(writes) && writes[i+n].Op == OpPut && writes[i+n].Kind == writes[i].Kind {
				n++
			}
		}
		if err := d.write(ctx, writes[i:i+n]); err != nil {
			d.compensate(ctx, writes[:i])
			return err
		}
		i += n
	}
	return nil
}

// write performs a run of operations on one kind. Consecutive puts go
// through a single bulk insert.
func (d *Dispatcher) write(ctx context.Context, run []Write) error {
	w := run[0]
	switch {
	case w.Op == OpDelete:
		err := d.store.Delete(ctx, w.Kind, w.Doc.ID)
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return store.Wrap("delete", w.Kind, w.Doc.ID, err)
	case len(run) == 1:
		return store.Wrap("put", w.Kind, w.Doc.ID, d.store.Put(ctx, w.Kind, w.Doc))
	}
	docs := make([]store.Doc, 0, len(run))
	for _, w := range run {
		docs = append(docs, w.Doc)
	}
	return store.Wrap("bulk-insert", w.Kind, "", d.store.BulkInsert(ctx, w.Kind, docs))
}

// compensate undoes the writes that already landed, newest first.
func (d *Dispatcher) compensate(ctx context.Context, done []Write) {
	for i := len(done) - 1; i >= 0; i-- {
		w := done[i]
		if w.Op == OpDelete && w.Prev == nil {
			continue
		}
		var err error
		if w.Prev != nil {
			err = d.store.Put(ctx, w.Kind, *w.Prev)
		} else {
			err = d.store.Delete(ctx, w.Kind, w.Doc.ID)
		}
		if err != nil {
			log.Printf("[dispatch] WARN: compensate %s/%s: %v", w.Kind, w.Doc.ID, err)
		}
	}
}
