package ledger

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func TestBuildComputesOpeningBalanceWithoutEmittingIt(t *testing.T) {
	customer := domain.Customer{
		Record: domain.Record{ID: "local-c1", RemoteID: "srv-c1"},
		Name:   "Sari",
	}.WithDue(dec(70))

	orders := []domain.Order{
		{Record: domain.Record{ID: "o1"}, CustomerID: "srv-c1", Total: dec(50), AmountPaid: dec(20), Date: t0},
		{Record: domain.Record{ID: "o2"}, CustomerID: "local-c1", Total: dec(40), AmountPaid: dec(40), Date: t0.Add(time.Hour)},
		{Record: domain.Record{ID: "o3", IsDeleted: true}, CustomerID: "local-c1", Total: dec(99), Date: t0},
		{Record: domain.Record{ID: "o4"}, CustomerID: "other", Total: dec(10), Date: t0},
	}
	txs := []domain.CustomerTransaction{
		{Record: domain.Record{ID: "t1"}, CustomerID: "local-c1", Type: domain.CustomerTxPayment, Amount: dec(10), Date: t0.Add(2 * time.Hour)},
		{Record: domain.Record{ID: "t2"}, CustomerID: "local-c1", Type: domain.CustomerTxDue, Amount: dec(15), Date: t0.Add(-time.Hour)},
	}

	l := Build(customer, txs, orders)

	// Tracked: dues 30 + 15, payments 10. Current due 70 leaves 35 unexplained.
	if !l.OpeningBalance.Equal(dec(35)) {
		t.Fatalf("expected opening balance 35, got %s", l.OpeningBalance)
	}
	if len(l.Entries) != 3 {
		t.Fatalf("expected 3 entries, got %+v", l.Entries)
	}
	wantIDs := []string{"t2", "o1", "t1"}
	wantBalances := []int64{50, 80, 70}
	for i, e := range l.Entries {
		if e.ID != wantIDs[i] || !e.Balance.Equal(dec(wantBalances[i])) {
			t.Fatalf("entry %d: got %s balance %s", i, e.ID, e.Balance)
		}
	}
	if !l.Balance.Equal(customer.DueAmount) {
		t.Fatalf("running balance should end at the current due, got %s", l.Balance)
	}
}

func TestBuildWithNoHistory(t *testing.T) {
	l := Build(domain.Customer{Record: domain.Record{ID: "c"}}, nil, nil)
	if len(l.Entries) != 0 || !l.OpeningBalance.IsZero() || !l.Balance.IsZero() {
		t.Fatalf("unexpected ledger %+v", l)
	}
}
