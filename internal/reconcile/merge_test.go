package reconcile

import (
	"fmt"
	"math/rand/v2"
	"reflect"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
)

var t0 = time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

func customer(id string, remoteID string, synced bool, created, updated int) domain.Customer {
	return domain.Customer{
		Record: domain.Record{
			ID:        id,
			RemoteID:  remoteID,
			IsSynced:  synced,
			CreatedAt: t0.Add(time.Duration(created) * time.Minute),
			UpdatedAt: t0.Add(time.Duration(updated) * time.Minute),
		},
		Name: id,
	}
}

func ids(items []domain.Customer) []string {
	out := make([]string, 0, len(items))
	for _, item := range items {
		out = append(out, item.ID)
	}
	return out
}

func TestMergeKeepsUnsyncedLocalWithoutRemoteCounterpart(t *testing.T) {
	local := domain.Customer{
		Record: domain.Record{ID: "local-a", CreatedAt: t0, UpdatedAt: t0},
		Name:   "A",
	}.WithDue(decimal.NewFromInt(100))
	remote := []domain.Customer{customer("srv-1", "", true, 1, 1)}

	merged := Merge(remote, []domain.Customer{local})
	if len(merged) != 2 {
		t.Fatalf("expected 2 customers, got %v", ids(merged))
	}
	var found *domain.Customer
	for i := range merged {
		if merged[i].ID == "local-a" {
			found = &merged[i]
		}
	}
	if found == nil {
		t.Fatalf("local unsynced customer was dropped")
	}
	if !reflect.DeepEqual(*found, local) {
		t.Fatalf("local customer changed: %+v", *found)
	}
}

func TestMergeRemoteWinsUnlessLocalStrictlyNewerAndUnsynced(t *testing.T) {
	remote := []domain.Customer{customer("srv-1", "", true, 0, 5)}

	olderLocal := customer("local-1", "srv-1", false, 0, 3)
	merged := Merge(remote, []domain.Customer{olderLocal})
	if len(merged) != 1 || !merged[0].IsSynced || merged[0].ID != "local-1" || merged[0].RemoteID != "srv-1" {
		t.Fatalf("expected remote version under local id, got %+v", merged)
	}

	sameTime := customer("local-1", "srv-1", false, 0, 5)
	merged = Merge(remote, []domain.Customer{sameTime})
	if !merged[0].IsSynced {
		t.Fatalf("equal updatedAt must not let local win")
	}

	newerLocal := customer("local-1", "srv-1", false, 0, 9)
	newerLocal.Name = "edited"
	merged = Merge(remote, []domain.Customer{newerLocal})
	if merged[0].Name != "edited" || merged[0].IsSynced {
		t.Fatalf("expected newer unsynced local to win, got %+v", merged[0])
	}

	newerButSynced := customer("local-1", "srv-1", true, 0, 9)
	newerButSynced.Name = "stale"
	merged = Merge(remote, []domain.Customer{newerButSynced})
	if merged[0].Name == "stale" {
		t.Fatalf("synced local must not beat remote")
	}
}

func TestMergeNeverDuplicatesTempAndCanonicalIDs(t *testing.T) {
	local := []domain.Customer{
		customer("local-1", "srv-1", true, 0, 0),
		customer("srv-1", "", true, 0, 0),
	}
	remote := []domain.Customer{
		customer("srv-1", "", true, 0, 1),
		customer("srv-1", "", true, 0, 1),
	}
	merged := Merge(remote, local)
	if len(merged) != 1 {
		t.Fatalf("expected one customer, got %v", ids(merged))
	}
}

func TestMergeOrdersNewestFirstWithStableTies(t *testing.T) {
	remote := []domain.Customer{
		customer("srv-old", "", true, 1, 1),
		customer("srv-tie-1", "", true, 5, 5),
		customer("srv-tie-2", "", true, 5, 5),
	}
	local := []domain.Customer{customer("local-new", "", false, 9, 9)}

	got := ids(Merge(remote, local))
	want := []string{"local-new", "srv-tie-1", "srv-tie-2", "srv-old"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestMergeDropsSyncedLocalMissingFromFullFetch(t *testing.T) {
	local := []domain.Customer{customer("srv-gone", "srv-gone", true, 0, 0)}
	if merged := Merge(nil, local); len(merged) != 0 {
		t.Fatalf("expected synced record missing from full fetch to be dropped, got %v", ids(merged))
	}
	if merged := MergeIncremental(nil, local); len(merged) != 1 {
		t.Fatalf("expected incremental merge to keep synced record, got %v", ids(merged))
	}
}

func TestMergeIsIdempotent(t *testing.T) {
	rng := rand.New(rand.NewPCG(7, 11))
	for round := 0; round < 500; round++ {
		remote, local := randomBatches(rng)

		once := Merge(remote, local)
		twice := Merge(once, local)
		if !reflect.DeepEqual(once, twice) {
			t.Fatalf("round %d: merge not idempotent\nonce:  %v\ntwice: %v", round, ids(once), ids(twice))
		}

		incOnce := MergeIncremental(remote, local)
		incTwice := MergeIncremental(incOnce, local)
		if !reflect.DeepEqual(incOnce, incTwice) {
			t.Fatalf("round %d: incremental merge not idempotent", round)
		}

		for _, l := range local {
			if l.IsSynced {
				continue
			}
			if !containsIdentity(once, l.Record) {
				t.Fatalf("round %d: unsynced local %s lost", round, l.ID)
			}
		}
	}
}

func TestRemergeLeavesUnsyncedEnvelopeAlone(t *testing.T) {
	remote := []domain.Customer{customer("srv-0", "", true, 0, 0)}
	local := []domain.Customer{
		customer("local-0", "", false, 1, 1),
		customer("local-1", "", true, 2, 2),
	}

	once := MergeIncremental(remote, local)
	twice := MergeIncremental(once, local)
	if len(twice) != 3 {
		t.Fatalf("expected 3 customers, got %v", ids(twice))
	}
	for _, c := range twice {
		switch c.ID {
		case "local-0":
			if c.RemoteID != "" || c.IsSynced {
				t.Fatalf("unsynced local gained a remote id on re-merge: %+v", c.Record)
			}
		case "srv-0", "local-1":
			if c.RemoteID != c.ID {
				t.Fatalf("synced record %s should carry its canonical id, got %q", c.ID, c.RemoteID)
			}
		}
	}
	if !reflect.DeepEqual(once, twice) {
		t.Fatalf("re-merge changed the result:\nonce:  %+v\ntwice: %+v", once, twice)
	}
}

func randomBatches(rng *rand.Rand) ([]domain.Customer, []domain.Customer) {
	var remote, local []domain.Customer
	for i := 0; i < rng.IntN(6); i++ {
		remote = append(remote, customer(fmt.Sprintf("srv-%d", i), "", true, rng.IntN(4), rng.IntN(10)))
	}
	for i := 0; i < rng.IntN(6); i++ {
		c := customer(fmt.Sprintf("local-%d", i), "", rng.IntN(2) == 0, rng.IntN(4), rng.IntN(10))
		if rng.IntN(2) == 0 {
			c.RemoteID = fmt.Sprintf("srv-%d", rng.IntN(6))
		}
		local = append(local, c)
	}
	return remote, local
}

func containsIdentity(items []domain.Customer, r domain.Record) bool {
	for _, item := range items {
		if item.Matches(r) {
			return true
		}
	}
	return false
}

func TestMergeNeverClearsOrderSideEffectFlags(t *testing.T) {
	local := domain.Order{
		Record:        domain.Record{ID: "local-o", RemoteID: "srv-o", IsSynced: true, CreatedAt: t0, UpdatedAt: t0},
		Total:         decimal.NewFromInt(100),
		StockDeducted: true,
		DueAdded:      true,
		Date:          t0,
	}
	remote := domain.Order{
		Record: domain.Record{ID: "srv-o", IsSynced: true, CreatedAt: t0, UpdatedAt: t0.Add(time.Minute)},
		Total:  decimal.NewFromInt(100),
		Date:   t0,
	}

	out := Merge([]domain.Order{remote}, []domain.Order{local})
	if len(out) != 1 {
		t.Fatalf("expected one order, got %d", len(out))
	}
	if out[0].ID != "local-o" || !out[0].StockDeducted || !out[0].DueAdded {
		t.Fatalf("expected local id and flags kept, got %+v", out[0])
	}
}
