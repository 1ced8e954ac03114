package plan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"kasirinaja/offline/internal/dispatch"
	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/entitlement"
	"kasirinaja/offline/internal/remote"
	"kasirinaja/offline/internal/store/memory"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type fixture struct {
	now     time.Time
	ls      *memory.Store
	remote  *remote.Memory
	d       *dispatch.Dispatcher
	c       *Controller
	mu      sync.Mutex
	notices []Notice
}

func newFixture(t *testing.T, ents []domain.Entitlement, current string) *fixture {
	t.Helper()
	f := &fixture{now: t0, ls: memory.New(), remote: remote.NewMemory()}
	f.remote.SetEntitlements(ents)
	f.remote.SetUsage(domain.UsageSnapshot{Orders: domain.Quota{Limit: 100, Used: 3}})
	f.d = dispatch.New(f.ls, dispatch.WithClock(f.clock))
	f.c = NewController(f.d, f.remote, f.ls, nil, Options{
		Now:      f.clock,
		OnNotice: f.record,
	})
	mustDispatch(t, f.d, dispatch.SetSeller{SellerID: "seller-1"})
	mustDispatch(t, f.d, dispatch.SetOnline{Online: true})
	mustDispatch(t, f.d, dispatch.SetPlan{
		Details:      domain.PlanDetails{SellerID: "seller-1", CurrentEntitlementID: current},
		Entitlements: ents,
	})
	return f
}

func (f *fixture) clock() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fixture) advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

func (f *fixture) record(n Notice) {
	f.mu.Lock()
	f.notices = append(f.notices, n)
	f.mu.Unlock()
}

func (f *fixture) noticeKinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kinds []string
	for _, n := range f.notices {
		kinds = append(kinds, n.Kind)
	}
	return kinds
}

func mustDispatch(t *testing.T, d *dispatch.Dispatcher, a dispatch.Action) {
	t.Helper()
	if _, err := d.Dispatch(context.Background(), a); err != nil {
		t.Fatalf("%s: %v", a.Name(), err)
	}
}

func base(id string, expires time.Time) domain.Entitlement {
	return domain.Entitlement{
		ID:            id,
		PlanName:      "Plan " + id,
		PlanType:      domain.PlanTypeSubscription,
		Status:        domain.EntitlementActive,
		PaymentStatus: domain.PaymentCompleted,
		StartsAt:      t0.AddDate(0, -1, 0),
		ExpiresAt:     expires,
	}
}

func TestTickSwitchesWhenSelectionLapses(t *testing.T) {
	ents := []domain.Entitlement{base("po-old", t0.Add(-time.Hour)), base("po-new", t0.AddDate(0, 1, 0))}
	f := newFixture(t, ents, "po-old")

	if err := f.c.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := f.remote.Switched(); len(got) != 1 || got[0] != "po-new" {
		t.Fatalf("unexpected switch calls %v", got)
	}
	plan := f.d.State().Plan
	if plan.Details.CurrentEntitlementID != "po-new" || !plan.Details.IsSubscriptionActive {
		t.Fatalf("plan details not refreshed: %+v", plan.Details)
	}
	if plan.Details.Usage.Orders.Used != 3 {
		t.Fatalf("usage not refreshed: %+v", plan.Details.Usage)
	}
	if _, err := f.ls.Get(context.Background(), domain.KindPlanDetails, domain.PlanCacheID("seller-1")); err != nil {
		t.Fatalf("refreshed plan not persisted: %v", err)
	}
	if kinds := f.noticeKinds(); len(kinds) != 1 || kinds[0] != NoticeSwitched {
		t.Fatalf("unexpected notices %v", kinds)
	}

	if err := f.c.Tick(context.Background()); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	if len(f.remote.Switched()) != 1 {
		t.Fatalf("valid selection should not trigger another switch")
	}
}

func TestTickWaitsRetryIntervalAfterFailure(t *testing.T) {
	ents := []domain.Entitlement{base("po-old", t0.Add(-time.Hour)), base("po-new", t0.AddDate(0, 1, 0))}
	f := newFixture(t, ents, "po-old")
	f.remote.FailSwitch(errors.New("payment gateway busy"))

	if err := f.c.Tick(context.Background()); err == nil {
		t.Fatalf("expected switch failure")
	}
	if err := f.c.Tick(context.Background()); err != nil {
		t.Fatalf("tick inside retry interval should be a no-op, got %v", err)
	}
	if n := len(f.remote.Switched()); n != 1 {
		t.Fatalf("expected one attempt inside the retry interval, got %d", n)
	}

	f.remote.FailSwitch(nil)
	f.advance(31 * time.Second)
	if err := f.c.Tick(context.Background()); err != nil {
		t.Fatalf("retry: %v", err)
	}
	if n := len(f.remote.Switched()); n != 2 {
		t.Fatalf("expected a retry after the interval, got %d attempts", n)
	}
	kinds := f.noticeKinds()
	if len(kinds) != 2 || kinds[0] != NoticeSwitchFailed || kinds[1] != NoticeSwitched {
		t.Fatalf("unexpected notices %v", kinds)
	}
}

func TestTickWarnsOnceWithoutValidPlan(t *testing.T) {
	mini := base("po-mini", t0.AddDate(0, 1, 0))
	mini.PlanType = domain.PlanTypeMini
	f := newFixture(t, []domain.Entitlement{mini}, "")

	for range 3 {
		if err := f.c.Tick(context.Background()); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}
	if len(f.remote.Switched()) != 0 {
		t.Fatalf("no switch should be attempted without a base plan")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.notices) != 1 || f.notices[0].Kind != NoticeNoValidPlan {
		t.Fatalf("expected exactly one warning, got %+v", f.notices)
	}
	if f.notices[0].Message != entitlement.ErrBaseRequired.Error() {
		t.Fatalf("warning should name the missing base plan, got %q", f.notices[0].Message)
	}
}

func TestTickSkipsWhileOffline(t *testing.T) {
	ents := []domain.Entitlement{base("po-old", t0.Add(-time.Hour)), base("po-new", t0.AddDate(0, 1, 0))}
	f := newFixture(t, ents, "po-old")
	mustDispatch(t, f.d, dispatch.SetOnline{Online: false})

	if err := f.c.Tick(context.Background()); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if len(f.remote.Switched()) != 0 {
		t.Fatalf("switch attempted while offline")
	}
}

func TestSingleSwitchInFlight(t *testing.T) {
	f := newFixture(t, nil, "")
	if !f.c.begin("po-a", t0) {
		t.Fatalf("first switch should start")
	}
	if f.c.begin("po-b", t0) {
		t.Fatalf("second switch started while one is in flight")
	}
	f.c.end()
	if !f.c.begin("po-b", t0) {
		t.Fatalf("switch should start once the slot is free")
	}
}

func TestRefreshFallsBackToLocalRecordOffline(t *testing.T) {
	ents := []domain.Entitlement{base("po-1", t0.AddDate(0, 1, 0))}
	f := newFixture(t, ents, "")
	if err := f.c.Refresh(context.Background(), true); err != nil {
		t.Fatalf("online refresh: %v", err)
	}

	f.remote.SetOnline(false)
	d := dispatch.New(f.ls, dispatch.WithClock(f.clock))
	mustDispatch(t, d, dispatch.SetSeller{SellerID: "seller-1"})
	c := NewController(d, f.remote, f.ls, nil, Options{Now: f.clock})
	if err := c.Refresh(context.Background(), true); err != nil {
		t.Fatalf("offline refresh: %v", err)
	}
	got := d.State().Plan
	if got.Details.CurrentEntitlementID != "po-1" || len(got.Entitlements) != 1 {
		t.Fatalf("plan not restored from local record: %+v", got)
	}
	if !got.LastUpdated.Equal(t0) {
		t.Fatalf("expected the record's timestamp, got %v", got.LastUpdated)
	}
}

type mapCache struct {
	mu   sync.Mutex
	recs map[string]domain.PlanCacheRecord
}

func (m *mapCache) Get(_ context.Context, sellerID string) (*domain.PlanCacheRecord, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[sellerID]
	if !ok {
		return nil, false, nil
	}
	return &rec, true, nil
}

func (m *mapCache) Set(_ context.Context, rec *domain.PlanCacheRecord, _ time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recs[rec.SellerID] = *rec
	return nil
}

func TestRefreshPrefersFreshCacheUnlessForced(t *testing.T) {
	f := newFixture(t, []domain.Entitlement{base("po-1", t0.AddDate(0, 1, 0))}, "")
	pc := &mapCache{recs: map[string]domain.PlanCacheRecord{}}
	c := NewController(f.d, f.remote, f.ls, pc, Options{Now: f.clock, CacheTTL: time.Minute})

	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if _, ok := pc.recs["seller-1"]; !ok {
		t.Fatalf("refresh did not fill the cache")
	}

	f.remote.SetOnline(false)
	f.remote.SetUsage(domain.UsageSnapshot{Orders: domain.Quota{Limit: 100, Used: 50}})
	if err := c.Refresh(context.Background(), false); err != nil {
		t.Fatalf("cached refresh should not reach the authority: %v", err)
	}

	f.remote.SetOnline(true)
	if err := c.Refresh(context.Background(), true); err != nil {
		t.Fatalf("forced refresh: %v", err)
	}
	if used := f.d.State().Plan.Details.Usage.Orders.Used; used != 50 {
		t.Fatalf("forced refresh should bypass the cache, got used=%d", used)
	}
}

func TestDetailsKeepsValidSelection(t *testing.T) {
	ents := []domain.Entitlement{base("po-short", t0.AddDate(0, 0, 3)), base("po-long", t0.AddDate(0, 2, 0))}
	if d := Details("s", "po-short", domain.UsageSnapshot{}, ents, t0); d.CurrentEntitlementID != "po-short" {
		t.Fatalf("valid selection replaced by %q", d.CurrentEntitlementID)
	}
	if d := Details("s", "", domain.UsageSnapshot{}, ents, t0); d.CurrentEntitlementID != "po-long" {
		t.Fatalf("expected the longest base plan, got %q", d.CurrentEntitlementID)
	}
	if d := Details("s", "", domain.UsageSnapshot{}, nil, t0); d.IsSubscriptionActive || d.ExpiresAt != nil {
		t.Fatalf("no entitlement should mean no active subscription: %+v", d)
	}
}

func TestRunStopsWithContext(t *testing.T) {
	defer goleak.VerifyNone(t)

	f := newFixture(t, []domain.Entitlement{base("po-1", t0.AddDate(0, 1, 0))}, "po-1")
	c := NewController(f.d, f.remote, f.ls, nil, Options{Now: f.clock, Interval: 5 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx)
		close(done)
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("Run did not return after cancel")
	}
}
