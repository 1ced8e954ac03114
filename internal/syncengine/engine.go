// Package syncengine pushes dirty local records to the remote authority and
// pulls fresh ones back. An Engine owns all of its coordination state, so
// several engines can run side by side.
package syncengine

import (
	"context"
	"log"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/singleflight"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/remote"
	"kasirinaja/offline/internal/store"
)

// Engine statuses.
const (
	StatusIdle    = "idle"
	StatusSyncing = "syncing"
	StatusOffline = "offline"
	StatusError   = "error"
)

// Report summarizes one push pass.
type Report struct {
	Accepted int
	Deleted  int
	Purged   int
	Rejected int
	Err      error
}

type Options struct {
	BatchSize      int
	Debounce       time.Duration
	RequestTimeout time.Duration
	PollInterval   time.Duration
	Now            func() time.Time
	Registerer     prometheus.Registerer

	OnStatus       func(status string, err error)
	OnRejected     func(err *SyncError)
	OnConnectivity func(online bool)
	OnPassComplete func(Report)
}

func (o Options) withDefaults() Options {
	if o.BatchSize <= 0 {
		o.BatchSize = 50
	}
	if o.Debounce <= 0 {
		o.Debounce = 50 * time.Millisecond
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 10 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type run struct {
	done   chan struct{}
	report Report
}

type Engine struct {
	store  store.LocalStore
	remote remote.Authority
	opts   Options

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	bindings []binding
	metrics  *metrics
	flight   singleflight.Group
	online   atomic.Bool

	// exclusive keeps pushes and refreshes from interleaving, so a fetch
	// answered before a push never drops the record that push confirmed.
	exclusive sync.Mutex

	mu      sync.Mutex
	timer   *time.Timer
	current *run
	rerun   bool
	closed  bool
	status  string

	regMu    sync.Mutex
	inflight map[string]struct{}
	blocked  map[string]blockEntry
}

type blockEntry struct {
	updatedAt time.Time
	message   string
}

func New(ls store.LocalStore, authority remote.Authority, opts Options) *Engine {
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:    ls,
		remote:   authority,
		opts:     opts.withDefaults(),
		ctx:      ctx,
		cancel:   cancel,
		metrics:  newMetrics(opts.Registerer),
		status:   StatusIdle,
		inflight: map[string]struct{}{},
		blocked:  map[string]blockEntry{},
	}
}

// Status returns the last reported status.
func (e *Engine) Status() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.status
}

func (e *Engine) Online() bool {
	return e.online.Load()
}

// Schedule asks for a push pass. Calls within the debounce window collapse
// into one pass.
func (e *Engine) Schedule() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.metrics.scheduled.Inc()
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.opts.Debounce, e.fire)
}

func (e *Engine) fire() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.wg.Add(1)
	e.mu.Unlock()
	defer e.wg.Done()

	_ = e.SyncNow(e.ctx)
}

// SyncNow runs a push pass, or joins the one in flight. A caller that joins
// also waits for one more pass, so the records it just wrote are covered.
func (e *Engine) SyncNow(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return context.Canceled
	}
	if r := e.current; r != nil {
		e.rerun = true
		e.mu.Unlock()
		select {
		case <-r.done:
			return r.report.Err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	r := &run{done: make(chan struct{})}
	e.current = r
	e.mu.Unlock()

	for {
		r.report = e.pass(ctx)
		e.mu.Lock()
		if !e.rerun || r.report.Err != nil && aborts(r.report.Err) {
			e.rerun = false
			e.current = nil
			e.mu.Unlock()
			close(r.done)
			return r.report.Err
		}
		e.rerun = false
		e.mu.Unlock()
	}
}

// Close stops the debounce timer, cancels a running pass and waits for it.
func (e *Engine) Close() {
	e.mu.Lock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
	}
	e.mu.Unlock()
	e.cancel()
	e.wg.Wait()
}

// Watch polls connectivity and schedules a pass on every transition to
// online. It returns when ctx is done.
func (e *Engine) Watch(ctx context.Context) {
	ticker := time.NewTicker(e.opts.PollInterval)
	defer ticker.Stop()
	for {
		pingCtx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		online := remote.IsOnline(pingCtx, e.remote)
		cancel()
		if ctx.Err() != nil {
			return
		}
		if was := e.online.Swap(online); was != online {
			if e.opts.OnConnectivity != nil {
				e.opts.OnConnectivity(online)
			}
			if online {
				log.Printf("[sync] back online")
				e.Schedule()
			} else {
				e.setStatus(StatusOffline, nil)
			}
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (e *Engine) pass(ctx context.Context) Report {
	e.exclusive.Lock()
	defer e.exclusive.Unlock()

	start := time.Now()
	e.metrics.passes.Inc()
	e.setStatus(StatusSyncing, nil)
	defer func() { e.metrics.duration.Observe(time.Since(start).Seconds()) }()

	var rep Report
	ids := newIDMap(e.store)
	again := false
	for _, b := range e.bindings {
		st, err := b.push(ctx, e, ids)
		rep.Accepted += st.accepted
		rep.Deleted += st.deleted
		rep.Purged += st.purged
		rep.Rejected += st.rejected
		again = again || st.deferred
		if err == nil {
			continue
		}
		if aborts(err) {
			rep.Err = err
			break
		}
		log.Printf("[sync] WARN: push %s failed: %v", b.kind(), err)
		if rep.Err == nil {
			rep.Err = err
		}
	}

	switch {
	case rep.Err != nil && IsNetwork(rep.Err):
		e.online.Store(false)
		e.setStatus(StatusOffline, rep.Err)
	case rep.Err != nil:
		e.setStatus(StatusError, rep.Err)
	default:
		e.online.Store(true)
		e.setStatus(StatusIdle, nil)
	}
	if e.opts.OnPassComplete != nil {
		e.opts.OnPassComplete(rep)
	}
	if again && rep.Err == nil {
		e.Schedule()
	}
	return rep
}

func (e *Engine) setStatus(status string, err error) {
	e.mu.Lock()
	e.status = status
	e.mu.Unlock()
	if e.opts.OnStatus != nil {
		e.opts.OnStatus(status, err)
	}
}

// claim registers an outstanding create request for content key. It
// reports false when one is already in flight.
func (e *Engine) claim(key string) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	if _, ok := e.inflight[key]; ok {
		return false
	}
	e.inflight[key] = struct{}{}
	return true
}

func (e *Engine) release(keys []string) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	for _, k := range keys {
		delete(e.inflight, k)
	}
}

func blockKey(kind domain.Kind, id string) string {
	return string(kind) + "/" + id
}

func (e *Engine) block(kind domain.Kind, m domain.Record, message string) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	e.blocked[blockKey(kind, m.ID)] = blockEntry{updatedAt: m.UpdatedAt, message: message}
}

// blockedAt reports whether this exact version of a record was rejected.
// Any edit moves updatedAt and lifts the block.
func (e *Engine) blockedAt(kind domain.Kind, m domain.Record) bool {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	b, ok := e.blocked[blockKey(kind, m.ID)]
	if !ok {
		return false
	}
	if b.updatedAt.Equal(m.UpdatedAt) {
		return true
	}
	delete(e.blocked, blockKey(kind, m.ID))
	return false
}

func (e *Engine) unblock(kind domain.Kind, id string) {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	delete(e.blocked, blockKey(kind, id))
}

// ClearBlocks lets every rejected record go out again on the next pass,
// e.g. after a plan change.
func (e *Engine) ClearBlocks() {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	clear(e.blocked)
}

// Blocked lists the rejection messages of records waiting for an edit.
func (e *Engine) Blocked() map[string]string {
	e.regMu.Lock()
	defer e.regMu.Unlock()
	out := make(map[string]string, len(e.blocked))
	for k, b := range e.blocked {
		out[k] = b.message
	}
	return out
}

func (e *Engine) register(b binding) {
	e.bindings = append(e.bindings, b)
	slices.SortStableFunc(e.bindings, func(x, y binding) int {
		return slices.Index(domain.SyncOrder, x.kind()) - slices.Index(domain.SyncOrder, y.kind())
	})
}
