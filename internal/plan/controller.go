// Package plan keeps the seller's plan details and usage snapshot current and
// moves the seller onto another valid entitlement when the selected one
// lapses.
package plan

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"kasirinaja/offline/internal/cache"
	"kasirinaja/offline/internal/dispatch"
	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/entitlement"
	"kasirinaja/offline/internal/remote"
	"kasirinaja/offline/internal/store"
)

// Notice kinds.
const (
	NoticeNoValidPlan  = "no_valid_plan"
	NoticeSwitched     = "switched"
	NoticeSwitchFailed = "switch_failed"
)

// Notice is a user-facing message about the plan.
type Notice struct {
	Kind          string
	EntitlementID string
	Message       string
}

type Options struct {
	Interval       time.Duration
	RetryInterval  time.Duration
	CacheTTL       time.Duration
	RequestTimeout time.Duration
	Now            func() time.Time
	OnNotice       func(Notice)
}

func (o Options) withDefaults() Options {
	if o.Interval <= 0 {
		o.Interval = time.Minute
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 30 * time.Second
	}
	if o.CacheTTL <= 0 {
		o.CacheTTL = 5 * time.Minute
	}
	if o.RequestTimeout <= 0 {
		o.RequestTimeout = 15 * time.Second
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

type Controller struct {
	dispatcher *dispatch.Dispatcher
	remote     remote.Authority
	store      store.LocalStore
	cache      cache.PlanCache
	opts       Options

	mu        sync.Mutex
	switching bool
	attempts  map[string]time.Time
	warned    bool
}

func NewController(d *dispatch.Dispatcher, authority remote.Authority, ls store.LocalStore, pc cache.PlanCache, opts Options) *Controller {
	if pc == nil {
		pc = cache.NoopPlanCache{}
	}
	return &Controller{
		dispatcher: d,
		remote:     authority,
		store:      ls,
		cache:      pc,
		opts:       opts.withDefaults(),
		attempts:   map[string]time.Time{},
	}
}

// Run evaluates the plan on every interval until ctx is done.
func (c *Controller) Run(ctx context.Context) {
	ticker := time.NewTicker(c.opts.Interval)
	defer ticker.Stop()
	for {
		if err := c.Tick(ctx); err != nil && ctx.Err() == nil {
			log.Printf("[plan] WARN: check failed: %v", err)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Tick checks the selected entitlement once. When it is no longer valid it
// makes at most one switch request, then refreshes plan details.
func (c *Controller) Tick(ctx context.Context) error {
	st := c.dispatcher.State()
	if st.SellerID == "" || !st.Online {
		return nil
	}
	now := c.opts.Now()
	ents := st.Plan.Entitlements
	if cur, ok := entitlement.Find(ents, st.Plan.Details.CurrentEntitlementID); ok && !cur.IsMini() && entitlement.Eligible(cur, now) {
		c.resetWarning()
		return nil
	}

	target, ok := entitlement.BestBase(ents, now)
	if !ok {
		c.warnOnce(entitlement.CheckWrite(ents, now))
		return nil
	}
	c.resetWarning()
	if !c.begin(target.ID, now) {
		return nil
	}
	defer c.end()

	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	err := c.remote.SwitchEntitlement(reqCtx, target.ID)
	cancel()
	if err != nil {
		log.Printf("[plan] WARN: switch to %s failed: %v", target.ID, err)
		c.notify(Notice{
			Kind:          NoticeSwitchFailed,
			EntitlementID: target.ID,
			Message:       fmt.Sprintf("could not switch to plan %q: %v", target.PlanName, err),
		})
		return err
	}
	log.Printf("[plan] switch to %s ok", target.ID)
	c.notify(Notice{
		Kind:          NoticeSwitched,
		EntitlementID: target.ID,
		Message:       fmt.Sprintf("switched to plan %q", target.PlanName),
	})
	return c.Refresh(ctx, true)
}

// begin claims the single switch slot for target unless a switch is running
// or target was tried within the retry interval.
func (c *Controller) begin(target string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.switching {
		return false
	}
	if last, ok := c.attempts[target]; ok && now.Sub(last) < c.opts.RetryInterval {
		return false
	}
	c.switching = true
	c.attempts[target] = now
	return true
}

func (c *Controller) end() {
	c.mu.Lock()
	c.switching = false
	c.mu.Unlock()
}

func (c *Controller) warnOnce(reason error) {
	c.mu.Lock()
	if c.warned {
		c.mu.Unlock()
		return
	}
	c.warned = true
	c.mu.Unlock()

	msg := "no valid subscription: purchase a plan to continue"
	if reason != nil {
		msg = reason.Error()
	}
	log.Printf("[plan] WARN: %s", msg)
	c.notify(Notice{Kind: NoticeNoValidPlan, Message: msg})
}

func (c *Controller) resetWarning() {
	c.mu.Lock()
	c.warned = false
	c.mu.Unlock()
}

func (c *Controller) notify(n Notice) {
	if c.opts.OnNotice != nil {
		c.opts.OnNotice(n)
	}
}

// Refresh loads plan details into the dispatcher. Unless force is set a
// fresh cache entry is used as is. When the authority is unreachable the
// locally persisted record is used instead.
func (c *Controller) Refresh(ctx context.Context, force bool) error {
	st := c.dispatcher.State()
	seller := st.SellerID
	if seller == "" {
		return nil
	}
	now := c.opts.Now()

	if !force {
		rec, ok, err := c.cache.Get(ctx, seller)
		if err != nil {
			log.Printf("[plan] WARN: cache read failed: %v", err)
		}
		if ok && now.Sub(rec.LastUpdated) < c.opts.CacheTTL {
			return c.apply(ctx, *rec)
		}
	}

	rec, err := c.fetch(ctx, st, now)
	if err != nil {
		if !errors.Is(err, remote.ErrOffline) && !errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		local, lerr := c.loadLocal(ctx, seller)
		if lerr != nil {
			return fmt.Errorf("plan details unavailable offline: %w", lerr)
		}
		log.Printf("[plan] offline, using plan details from %s", local.LastUpdated.Format(time.RFC3339))
		return c.apply(ctx, local)
	}

	if err := c.save(ctx, rec); err != nil {
		return err
	}
	if err := c.cache.Set(ctx, &rec, c.opts.CacheTTL); err != nil {
		log.Printf("[plan] WARN: cache write failed: %v", err)
	}
	return c.apply(ctx, rec)
}

// Restore loads the locally persisted plan details, for startup before the
// authority has been reached.
func (c *Controller) Restore(ctx context.Context) error {
	seller := c.dispatcher.State().SellerID
	if seller == "" {
		return nil
	}
	rec, err := c.loadLocal(ctx, seller)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return c.apply(ctx, rec)
}

func (c *Controller) fetch(ctx context.Context, st dispatch.State, now time.Time) (domain.PlanCacheRecord, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	var snapshot domain.UsageSnapshot
	var ents []domain.Entitlement
	g, gctx := errgroup.WithContext(reqCtx)
	g.Go(func() error {
		var err error
		snapshot, err = c.remote.FetchUsage(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		ents, err = c.remote.FetchEntitlements(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.PlanCacheRecord{}, err
	}

	return domain.PlanCacheRecord{
		ID:          domain.PlanCacheID(st.SellerID),
		SellerID:    st.SellerID,
		Data:        Details(st.SellerID, st.Plan.Details.CurrentEntitlementID, snapshot, ents, now),
		PlanOrders:  ents,
		LastUpdated: now,
	}, nil
}

// Details describes the plan the seller is on. The current selection is kept
// while it stays valid; otherwise the longest-running base plan is reported.
func Details(sellerID, current string, snapshot domain.UsageSnapshot, ents []domain.Entitlement, now time.Time) domain.PlanDetails {
	d := domain.PlanDetails{SellerID: sellerID, Usage: snapshot}
	chosen, ok := entitlement.Find(ents, current)
	if !ok || chosen.IsMini() || !entitlement.Eligible(chosen, now) {
		chosen, ok = entitlement.BestBase(ents, now)
	}
	if !ok {
		return d
	}
	expires := chosen.ExpiresAt
	d.PlanName = chosen.PlanName
	d.CurrentEntitlementID = chosen.ID
	d.ExpiresAt = &expires
	d.IsSubscriptionActive = true
	return d
}

func (c *Controller) apply(ctx context.Context, rec domain.PlanCacheRecord) error {
	_, err := c.dispatcher.Dispatch(ctx, dispatch.SetPlan{
		Details:      rec.Data,
		Entitlements: rec.PlanOrders,
		UpdatedAt:    rec.LastUpdated,
	})
	return err
}

func (c *Controller) save(ctx context.Context, rec domain.PlanCacheRecord) error {
	body, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	err = c.store.Put(ctx, domain.KindPlanDetails, store.Doc{ID: rec.ID, Body: body})
	return store.Wrap("put", domain.KindPlanDetails, rec.ID, err)
}

func (c *Controller) loadLocal(ctx context.Context, sellerID string) (domain.PlanCacheRecord, error) {
	id := domain.PlanCacheID(sellerID)
	raw, err := c.store.Get(ctx, domain.KindPlanDetails, id)
	if err != nil {
		return domain.PlanCacheRecord{}, store.Wrap("get", domain.KindPlanDetails, id, err)
	}
	var rec domain.PlanCacheRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.PlanCacheRecord{}, &store.StorageError{Op: "decode", Kind: domain.KindPlanDetails, ID: id, Err: err}
	}
	return rec, nil
}
