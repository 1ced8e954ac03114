package dispatch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/entitlement"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/store/memory"
	"kasirinaja/offline/internal/usage"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type schedulerSpy struct {
	calls atomic.Int32
}

func (s *schedulerSpy) Schedule() { s.calls.Add(1) }

// flakyStore fails writes of one kind and can observe writes as they happen.
type flakyStore struct {
	*memory.Store
	failKind domain.Kind
	onPut    func(kind domain.Kind, doc store.Doc)
}

func (s *flakyStore) Put(ctx context.Context, kind domain.Kind, doc store.Doc) error {
	if s.onPut != nil {
		s.onPut(kind, doc)
	}
	if kind == s.failKind {
		return errors.New("disk full")
	}
	return s.Store.Put(ctx, kind, doc)
}

func (s *flakyStore) BulkInsert(ctx context.Context, kind domain.Kind, docs []store.Doc) error {
	if kind == s.failKind {
		return errors.New("disk full")
	}
	return s.Store.BulkInsert(ctx, kind, docs)
}

func baseEntitlement() domain.Entitlement {
	return domain.Entitlement{
		ID:            "po-base",
		PlanName:      "Pro",
		PlanType:      domain.PlanTypeSubscription,
		Status:        domain.EntitlementActive,
		PaymentStatus: domain.PaymentCompleted,
		ExpiresAt:     t0.AddDate(0, 1, 0),
	}
}

func unlimited() domain.UsageSnapshot {
	q := domain.Quota{IsUnlimited: true}
	return domain.UsageSnapshot{Customers: q, Products: q, Orders: q}
}

type fixture struct {
	d     *Dispatcher
	clock *clock
	sched *schedulerSpy
}

func newFixture(t *testing.T, ls store.LocalStore, snapshot domain.UsageSnapshot, ents ...domain.Entitlement) *fixture {
	t.Helper()
	f := &fixture{clock: &clock{now: t0}, sched: &schedulerSpy{}}
	var seq atomic.Int64
	f.d = New(ls,
		WithClock(f.clock.Now),
		WithIDGenerator(func(prefix string) string { return fmt.Sprintf("local-%s-%d", prefix, seq.Add(1)) }),
		WithScheduler(f.sched),
	)
	f.dispatch(t, SetSeller{SellerID: "seller-1", Location: time.UTC})
	f.dispatch(t, SetPlan{Details: domain.PlanDetails{SellerID: "seller-1", Usage: snapshot}, Entitlements: ents})
	return f
}

func (f *fixture) dispatch(t *testing.T, a Action) Result {
	t.Helper()
	res, err := f.d.Dispatch(context.Background(), a)
	if err != nil {
		t.Fatalf("%s: %v", a.Name(), err)
	}
	return res
}

func money(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func sugar() domain.Product {
	return domain.Product{Name: "Sugar", Description: "1kg", Price: money(15000), CostPrice: money(12000), Stock: 10}
}

func find[T domain.Entity[T]](t *testing.T, items []T, id string) T {
	t.Helper()
	i := indexOf(items, id)
	if i < 0 {
		t.Fatalf("record %s not found", id)
	}
	return items[i]
}

func TestDuplicateOrderWithinWindowIsSuppressed(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	p := f.dispatch(t, Add[domain.Product]{Item: sugar()})

	order := domain.Order{
		Items:         []domain.OrderItem{{ProductID: p.ID, Name: "Sugar", Quantity: 2, Price: money(15000), CostPrice: money(12000)}},
		Total:         money(30000),
		AmountPaid:    money(30000),
		PaymentMethod: "cash",
		Date:          t0,
	}
	first := f.dispatch(t, Add[domain.Order]{Item: order})
	f.clock.Advance(300 * time.Millisecond)
	second := f.dispatch(t, Add[domain.Order]{Item: order})

	if !second.Duplicate || second.ID != first.ID {
		t.Fatalf("expected duplicate of %s, got %+v", first.ID, second)
	}
	s := f.d.State()
	if len(s.Orders) != 1 {
		t.Fatalf("expected one order, got %d", len(s.Orders))
	}
	if got := find(t, s.Products, p.ID).Stock; got != 8 {
		t.Fatalf("expected stock 8 after one sale, got %d", got)
	}

	f.clock.Advance(time.Second)
	third := f.dispatch(t, Add[domain.Order]{Item: order})
	if third.Duplicate {
		t.Fatalf("expected a second sale outside the window")
	}
	if got := len(f.d.State().Orders); got != 2 {
		t.Fatalf("expected two orders, got %d", got)
	}
}

func TestOrderSideEffectsSurviveSyncRoundTrip(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	cust := f.dispatch(t, Add[domain.Customer]{Item: domain.Customer{Name: "Budi"}})
	p := f.dispatch(t, Add[domain.Product]{Item: sugar()})
	o := f.dispatch(t, Add[domain.Order]{Item: domain.Order{
		CustomerID: cust.ID,
		Items:      []domain.OrderItem{{ProductID: p.ID, Quantity: 3, Price: money(15000)}},
		Total:      money(45000),
		AmountPaid: money(20000),
		Date:       t0,
	}})

	check := func(stage string) {
		t.Helper()
		s := f.d.State()
		c := find(t, s.Customers, cust.ID)
		if !c.DueAmount.Equal(money(25000)) || !c.BalanceDue.Equal(c.DueAmount) {
			t.Fatalf("%s: expected due 25000 on both aliases, got %s/%s", stage, c.DueAmount, c.BalanceDue)
		}
		if got := find(t, s.Products, p.ID).Stock; got != 7 {
			t.Fatalf("%s: expected stock 7, got %d", stage, got)
		}
		if len(s.Orders) != 1 {
			t.Fatalf("%s: expected one order, got %d", stage, len(s.Orders))
		}
		if got := s.Orders[0]; !got.StockDeducted || !got.DueAdded {
			t.Fatalf("%s: side-effect flags cleared: %+v", stage, got)
		}
	}
	check("after add")

	pushed := f.d.State().Orders[0]
	canonical := pushed
	canonical.ID, canonical.RemoteID = "srv-o1", ""
	canonical.StockDeducted, canonical.DueAdded = false, false
	f.clock.Advance(time.Second)
	f.dispatch(t, Update[domain.Order]{ID: o.ID, Mutation: SyncConfirmation[domain.Order]{
		Canonical: canonical,
		PushedAt:  pushed.UpdatedAt,
		SyncedAt:  f.clock.Now(),
	}})
	got := f.d.State().Orders[0]
	if got.ID != o.ID || got.RemoteID != "srv-o1" || !got.IsSynced {
		t.Fatalf("expected confirmed order under local id, got %+v", got.Record)
	}
	check("after confirmation")

	canonical.IsSynced = true
	f.dispatch(t, Set[domain.Order]{Items: []domain.Order{canonical}})
	check("after refresh")
}

func TestOrderDrainsBatchesFirstExpiryFirst(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	p := f.dispatch(t, Add[domain.Product]{Item: domain.Product{Name: "Milk", CostPrice: money(9000), Price: money(12000)}})
	late, soon := t0.AddDate(0, 0, 10), t0.AddDate(0, 0, 3)
	b1 := f.dispatch(t, Add[domain.ProductBatch]{Item: domain.ProductBatch{ProductID: p.ID, Quantity: 5, ExpiryDate: &late}})
	b2 := f.dispatch(t, Add[domain.ProductBatch]{Item: domain.ProductBatch{ProductID: p.ID, Quantity: 4, ExpiryDate: &soon}})

	s := f.d.State()
	if got := find(t, s.Products, p.ID); got.Stock != 9 || len(got.Batches) != 2 {
		t.Fatalf("expected stock 9 with two batches, got %d/%d", got.Stock, len(got.Batches))
	}

	f.dispatch(t, Add[domain.Order]{Item: domain.Order{
		Items: []domain.OrderItem{{ProductID: p.ID, Quantity: 6, Price: money(12000)}},
		Total: money(72000),
		Date:  t0,
	}})
	s = f.d.State()
	if got := find(t, s.ProductBatches, b2.ID).Quantity; got != 0 {
		t.Fatalf("expected earliest batch drained, got %d", got)
	}
	if got := find(t, s.ProductBatches, b1.ID).Quantity; got != 3 {
		t.Fatalf("expected later batch at 3, got %d", got)
	}
	product := find(t, s.Products, p.ID)
	if product.Stock != 3 {
		t.Fatalf("expected stock 3, got %d", product.Stock)
	}
	for _, embedded := range product.Batches {
		if flat := find(t, s.ProductBatches, embedded.ID); flat.Quantity != embedded.Quantity {
			t.Fatalf("projection out of date for %s: %d vs %d", embedded.ID, embedded.Quantity, flat.Quantity)
		}
	}

	f.dispatch(t, Delete[domain.ProductBatch]{ID: b1.ID})
	product = find(t, f.d.State().Products, p.ID)
	if product.Stock != 0 || len(product.Batches) != 1 {
		t.Fatalf("expected batch removed from product, got stock %d with %d batches", product.Stock, len(product.Batches))
	}
}

func TestStoredProductCarriesCurrentBatches(t *testing.T) {
	ls := memory.New()
	f := newFixture(t, ls, unlimited(), baseEntitlement())
	p := f.dispatch(t, Add[domain.Product]{Item: domain.Product{Name: "Milk", CostPrice: money(9000), Price: money(12000)}})
	b := f.dispatch(t, Add[domain.ProductBatch]{Item: domain.ProductBatch{ProductID: p.ID, Quantity: 5}})

	products := store.NewTable[domain.Product](ls)
	stored, err := products.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if stored.Stock != 5 || len(stored.Batches) != 1 || stored.Batches[0].ID != b.ID {
		t.Fatalf("expected stored stock 5 with the new batch, got %d with %d batches", stored.Stock, len(stored.Batches))
	}

	f.dispatch(t, Add[domain.Order]{Item: domain.Order{
		Items: []domain.OrderItem{{ProductID: p.ID, Quantity: 2, Price: money(12000)}},
		Total: money(24000),
		Date:  t0,
	}})
	stored, err = products.Get(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get product: %v", err)
	}
	if stored.Stock != 3 || len(stored.Batches) != 1 || stored.Batches[0].Quantity != 3 {
		t.Fatalf("expected stored batch drained to 3, got stock %d batches %+v", stored.Stock, stored.Batches)
	}
}

func TestCustomerTransactionsMoveDue(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	cust := f.dispatch(t, Add[domain.Customer]{Item: domain.Customer{Name: "Sari"}})
	due := func() decimal.Decimal { return find(t, f.d.State().Customers, cust.ID).DueAmount }
	entry := func(kind string, amount int64) Add[domain.CustomerTransaction] {
		return Add[domain.CustomerTransaction]{Item: domain.CustomerTransaction{CustomerID: cust.ID, Type: kind, Amount: money(amount), Date: t0}}
	}

	f.dispatch(t, entry(domain.CustomerTxDue, 50000))
	f.clock.Advance(3 * time.Second)
	f.dispatch(t, entry(domain.CustomerTxPayment, 20000))
	f.clock.Advance(time.Second)
	if res := f.dispatch(t, entry(domain.CustomerTxPayment, 20000)); !res.Duplicate {
		t.Fatalf("expected the repeated payment to be suppressed")
	}
	if !due().Equal(money(30000)) {
		t.Fatalf("expected due 30000, got %s", due())
	}

	f.clock.Advance(3 * time.Second)
	f.dispatch(t, entry(domain.CustomerTxPayment, 50000))
	if !due().IsZero() {
		t.Fatalf("expected overpayment to clamp due at zero, got %s", due())
	}
	if got := len(f.d.State().CustomerTransactions); got != 3 {
		t.Fatalf("expected three ledger entries, got %d", got)
	}
}

func TestDuplicateProductIsRejected(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	f.dispatch(t, Add[domain.Product]{Item: sugar()})

	again := sugar()
	again.Name = "  sugar "
	_, err := f.d.Dispatch(context.Background(), Add[domain.Product]{Item: again})
	if !errors.Is(err, ErrDuplicateProduct) || !strings.Contains(err.Error(), "already exists") {
		t.Fatalf("expected duplicate product error, got %v", err)
	}

	other := sugar()
	other.Description = "500g"
	f.dispatch(t, Add[domain.Product]{Item: other})
	if got := len(f.d.State().Products); got != 2 {
		t.Fatalf("expected two products, got %d", got)
	}
}

func TestCapacityGateRejectsBeforePersisting(t *testing.T) {
	snapshot := unlimited()
	snapshot.Products = domain.Quota{Limit: 10, Used: 9}
	ls := memory.New()
	f := newFixture(t, ls, snapshot, baseEntitlement())

	f.dispatch(t, Add[domain.Product]{Item: sugar()})
	q := f.d.State().Usage.Products
	if q.Used != 10 || q.Remaining == nil || *q.Remaining != 0 {
		t.Fatalf("expected used 10 remaining 0, got %+v", q)
	}

	other := sugar()
	other.Name = "Salt"
	_, err := f.d.Dispatch(context.Background(), Add[domain.Product]{Item: other})
	var capErr *usage.CapacityError
	if !errors.As(err, &capErr) {
		t.Fatalf("expected capacity error, got %v", err)
	}
	if !strings.Contains(err.Error(), "products") || !strings.Contains(err.Error(), "10") {
		t.Fatalf("expected message naming products and 10, got %q", err.Error())
	}
	raws, _ := ls.GetAll(context.Background(), domain.KindProducts)
	if len(raws) != 1 || len(f.d.State().Products) != 1 {
		t.Fatalf("rejected product must not reach state or storage")
	}
}

func TestMiniEntitlementAloneBlocksWrites(t *testing.T) {
	mini := domain.Entitlement{ID: "po-mini", PlanType: domain.PlanTypeMini, Status: domain.EntitlementActive, ExpiresAt: t0.Add(24 * time.Hour)}
	f := newFixture(t, memory.New(), unlimited(), mini)

	_, err := f.d.Dispatch(context.Background(), Add[domain.Customer]{Item: domain.Customer{Name: "Budi"}})
	if !errors.Is(err, entitlement.ErrBaseRequired) {
		t.Fatalf("expected base subscription error, got %v", err)
	}
	f.dispatch(t, Add[domain.Category]{Item: domain.Category{Name: "Drinks"}})
}

func TestSetKeepsPendingLocalWork(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	local := f.dispatch(t, Add[domain.Customer]{Item: domain.Customer{Name: "Local"}})
	gone := f.dispatch(t, Add[domain.Customer]{Item: domain.Customer{Name: "Gone"}})
	f.dispatch(t, Delete[domain.Customer]{ID: gone.ID})

	server := []domain.Customer{
		{Record: domain.Record{ID: "srv-1", IsSynced: true, CreatedAt: t0, UpdatedAt: t0}, Name: "Server"},
		{Record: domain.Record{ID: gone.ID, IsSynced: true, CreatedAt: t0, UpdatedAt: t0}, Name: "Gone"},
	}
	f.dispatch(t, Set[domain.Customer]{Items: server})

	s := f.d.State()
	if len(s.Customers) != 2 {
		t.Fatalf("expected local and server customers, got %d", len(s.Customers))
	}
	find(t, s.Customers, local.ID)
	find(t, s.Customers, "srv-1")
	if indexOf(s.Customers, gone.ID) >= 0 {
		t.Fatalf("pending deletion resurrected by refresh")
	}
}

func TestDeleteKeepsTombstoneUntilPurged(t *testing.T) {
	ls := memory.New()
	f := newFixture(t, ls, unlimited(), baseEntitlement())
	c := f.dispatch(t, Add[domain.Category]{Item: domain.Category{Name: "Snacks"}})
	f.dispatch(t, Delete[domain.Category]{ID: c.ID})

	s := f.d.State()
	if len(s.Categories) != 0 || len(s.Tombstones) != 1 {
		t.Fatalf("expected tombstone only, got %d active %d tombstones", len(s.Categories), len(s.Tombstones))
	}
	stored, err := store.NewTable[domain.Category](ls).Get(context.Background(), c.ID)
	if err != nil || !stored.IsDeleted || stored.IsSynced {
		t.Fatalf("expected dirty tombstone in storage, got %+v err=%v", stored.Record, err)
	}

	f.dispatch(t, Purge{Kind: domain.KindCategories, ID: c.ID})
	if len(f.d.State().Tombstones) != 0 {
		t.Fatalf("expected tombstone purged")
	}
	if _, err := ls.Get(context.Background(), domain.KindCategories, c.ID); !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected record gone from storage, got %v", err)
	}
}

func TestStorageFailureRollsBackAndCompensates(t *testing.T) {
	ls := &flakyStore{Store: memory.New()}
	f := newFixture(t, ls, unlimited(), baseEntitlement())
	f.dispatch(t, Set[domain.Product]{Items: []domain.Product{{
		Record: domain.Record{ID: "srv-p", IsSynced: true, CreatedAt: t0, UpdatedAt: t0},
		Name:   "Sugar",
		Stock:  5,
	}}})
	ls.failKind = domain.KindProducts
	calls := f.sched.calls.Load()

	_, err := f.d.Dispatch(context.Background(), Add[domain.Order]{Item: domain.Order{
		Items: []domain.OrderItem{{ProductID: "srv-p", Quantity: 1, Price: money(15000)}},
		Total: money(15000),
		Date:  t0,
	}})
	var storageErr *store.StorageError
	if !errors.As(err, &storageErr) {
		t.Fatalf("expected storage error, got %v", err)
	}
	s := f.d.State()
	if len(s.Orders) != 0 || s.Products[0].Stock != 5 {
		t.Fatalf("expected rollback, got %d orders and stock %d", len(s.Orders), s.Products[0].Stock)
	}
	raws, _ := ls.GetAll(context.Background(), domain.KindOrders)
	if len(raws) != 0 {
		t.Fatalf("expected the persisted order to be compensated")
	}
	if f.sched.calls.Load() != calls {
		t.Fatalf("failed write must not schedule a sync")
	}
}

func TestFailedActionRestoresDeletedRecords(t *testing.T) {
	ctx := context.Background()
	ls := &flakyStore{Store: memory.New()}
	f := newFixture(t, ls, unlimited(), baseEntitlement())
	f.dispatch(t, Set[domain.Customer]{Items: []domain.Customer{{
		Record: domain.Record{ID: "srv-c", IsSynced: true, CreatedAt: t0, UpdatedAt: t0},
		Name:   "Sari",
	}}})

	// A full refresh without srv-c drops it and remembers what it removed.
	_, eff, _, err := Reduce(f.d.State(), Set[domain.Customer]{}, t0)
	if err != nil {
		t.Fatalf("reduce: %v", err)
	}
	if len(eff.Writes) != 1 || eff.Writes[0].Op != OpDelete || eff.Writes[0].Prev == nil {
		t.Fatalf("expected one delete carrying the stored document, got %+v", eff.Writes)
	}

	later, err := putWrite(domain.Category{Record: domain.Record{ID: "cat-1", CreatedAt: t0, UpdatedAt: t0}, Name: "Snacks"}, nil)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	ls.failKind = domain.KindCategories
	if err := f.d.persist(ctx, []Write{eff.Writes[0], later}); err == nil {
		t.Fatalf("expected the category write to fail")
	}
	stored, err := store.NewTable[domain.Customer](ls).Get(ctx, "srv-c")
	if err != nil || stored.Name != "Sari" {
		t.Fatalf("expected deleted customer restored, got %+v err=%v", stored, err)
	}
}

func TestPendingPersistVisibleUntilWritten(t *testing.T) {
	ls := &flakyStore{Store: memory.New()}
	f := newFixture(t, ls, unlimited(), baseEntitlement())
	var sawPending atomic.Bool
	ls.onPut = func(kind domain.Kind, doc store.Doc) {
		for _, c := range f.d.State().Categories {
			if c.ID == doc.ID && c.PendingPersist {
				sawPending.Store(true)
			}
		}
	}

	c := f.dispatch(t, Add[domain.Category]{Item: domain.Category{Name: "Bread"}})
	if !sawPending.Load() {
		t.Fatalf("expected pending flag while the write was in flight")
	}
	if find(t, f.d.State().Categories, c.ID).PendingPersist {
		t.Fatalf("expected pending flag cleared after the write")
	}
	if f.sched.calls.Load() != 1 {
		t.Fatalf("expected one sync nudge, got %d", f.sched.calls.Load())
	}
}

func TestChartsOnlyCountActiveSeller(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	order := func(id, seller string, date time.Time, total int64) domain.Order {
		return domain.Order{
			Record: domain.Record{ID: id, SellerID: seller, IsSynced: true, CreatedAt: date, UpdatedAt: date},
			Total:  money(total),
			Items:  []domain.OrderItem{{ProductID: "p", Quantity: 1, Price: money(total), CostPrice: money(total / 2)}},
			Date:   date,
		}
	}
	f.dispatch(t, Set[domain.Order]{Items: []domain.Order{
		order("o1", "seller-1", t0, 10000),
		order("o2", "seller-2", t0, 99000),
		order("o3", "seller-1", t0.AddDate(0, 0, -40), 50000),
		order("o4", "seller-1", t0.AddDate(0, 0, -1), 20000),
	}})

	daily := f.d.State().Charts.Daily
	if len(daily) != chartDays {
		t.Fatalf("expected %d days, got %d", chartDays, len(daily))
	}
	today, yesterday := daily[len(daily)-1], daily[len(daily)-2]
	if today.Date != "2026-05-01" || !today.Sales.Equal(money(10000)) || today.Orders != 1 {
		t.Fatalf("unexpected today bucket %+v", today)
	}
	if !today.Profit.Equal(money(5000)) || !yesterday.Sales.Equal(money(20000)) {
		t.Fatalf("unexpected buckets today=%+v yesterday=%+v", today, yesterday)
	}
}

func TestLoadRestoresCollectionsAndTombstones(t *testing.T) {
	ls := memory.New()
	ctx := context.Background()
	products := store.NewTable[domain.Product](ls)
	batches := store.NewTable[domain.ProductBatch](ls)
	if err := products.Put(ctx, domain.Product{Record: domain.Record{ID: "p1", CreatedAt: t0, UpdatedAt: t0}, Name: "Tea", Stock: 4}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	if err := batches.Put(ctx, domain.ProductBatch{Record: domain.Record{ID: "b1", CreatedAt: t0, UpdatedAt: t0}, ProductID: "p1", Quantity: 4}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	deleted := domain.Record{ID: "p2", RemoteID: "srv-p2", CreatedAt: t0}.Tombstone(t0)
	if err := products.Put(ctx, domain.Product{Record: deleted, Name: "Old"}); err != nil {
		t.Fatalf("seed: %v", err)
	}

	d := New(ls, WithClock(func() time.Time { return t0 }))
	if err := d.Load(ctx); err != nil {
		t.Fatalf("load: %v", err)
	}
	s := d.State()
	if len(s.Products) != 1 || len(s.Products[0].Batches) != 1 {
		t.Fatalf("expected one product with its batch, got %+v", s.Products)
	}
	if len(s.Tombstones) != 1 || s.Tombstones[0].Record.RemoteID != "srv-p2" {
		t.Fatalf("expected the deleted product as tombstone, got %+v", s.Tombstones)
	}
}

func TestSelectorsFireOnlyOnChange(t *testing.T) {
	f := newFixture(t, memory.New(), unlimited(), baseEntitlement())
	var customers, categories int
	Select(f.d, func(s State) []domain.Customer { return s.Customers }, func([]domain.Customer) { customers++ })
	cancel := Select(f.d, func(s State) []domain.Category { return s.Categories }, func([]domain.Category) { categories++ })

	f.dispatch(t, Add[domain.Customer]{Item: domain.Customer{Name: "Budi"}})
	f.dispatch(t, SetOnline{Online: true})
	if customers != 1 || categories != 0 {
		t.Fatalf("expected 1/0 notifications, got %d/%d", customers, categories)
	}

	cancel()
	f.dispatch(t, Add[domain.Category]{Item: domain.Category{Name: "Drinks"}})
	if categories != 0 {
		t.Fatalf("cancelled selector was notified")
	}
}

func TestShallowEqual(t *testing.T) {
	items := []int{1, 2, 3}
	type view struct {
		Items []int
		Count int
	}
	if !ShallowEqual(view{items, 3}, view{items, 3}) {
		t.Fatalf("same backing slice should be equal")
	}
	if ShallowEqual(view{items, 3}, view{append([]int(nil), items...), 3}) {
		t.Fatalf("copied slice should not be equal")
	}
	if ShallowEqual(view{items, 3}, view{items, 4}) {
		t.Fatalf("different scalar should not be equal")
	}
	if !ShallowEqual(nil, nil) || ShallowEqual(nil, 1) {
		t.Fatalf("nil handling is wrong")
	}
}

func TestConfirmationKeepsUsageStable(t *testing.T) {
	snapshot := unlimited()
	snapshot.Customers = domain.Quota{Limit: 3, Used: 1}
	f := newFixture(t, memory.New(), snapshot, baseEntitlement())
	c := f.dispatch(t, Add[domain.Customer]{Item: domain.Customer{Name: "Budi"}})
	if got := f.d.State().Usage.Customers.Used; got != 2 {
		t.Fatalf("expected used 2 after local add, got %d", got)
	}

	local := find(t, f.d.State().Customers, c.ID)
	canonical := local
	canonical.ID = "srv-c1"
	f.dispatch(t, Update[domain.Customer]{ID: c.ID, Mutation: SyncConfirmation[domain.Customer]{
		Canonical: canonical,
		PushedAt:  local.UpdatedAt,
		SyncedAt:  f.clock.Now(),
	}})
	if got := f.d.State().Usage.Customers.Used; got != 2 {
		t.Fatalf("expected used to stay 2 after confirmation, got %d", got)
	}

	f.dispatch(t, Delete[domain.Customer]{ID: c.ID})
	if got := f.d.State().Usage.Customers.Used; got != 1 {
		t.Fatalf("expected used 1 after delete, got %d", got)
	}
	f.dispatch(t, Purge{Kind: domain.KindCustomers, ID: c.ID})
	if got := f.d.State().Usage.Customers.Used; got != 1 {
		t.Fatalf("expected used to stay 1 after purge, got %d", got)
	}
}
