package reconcile

import (
	"testing"
	"time"

	"kasirinaja/offline/internal/domain"
)

func TestConfirmTakesCanonicalCopy(t *testing.T) {
	pushedAt := t0.Add(time.Minute)
	local := domain.Order{Record: domain.Record{ID: "local-o1", SellerID: "s1", CreatedAt: t0, UpdatedAt: pushedAt}}
	canonical := domain.Order{Record: domain.Record{ID: "srv-o1", UpdatedAt: t0.Add(2 * time.Minute)}}
	syncedAt := t0.Add(3 * time.Minute)

	got := Confirm(local, canonical, pushedAt, syncedAt)
	if got.ID != "local-o1" || got.RemoteID != "srv-o1" {
		t.Fatalf("unexpected ids: %s / %s", got.ID, got.RemoteID)
	}
	if !got.IsSynced || got.SyncedAt == nil || !got.SyncedAt.Equal(syncedAt) {
		t.Fatalf("expected synced with syncedAt stamp, got %+v", got.Record)
	}
	if !got.UpdatedAt.Equal(canonical.UpdatedAt) {
		t.Fatalf("expected server updatedAt to be preserved")
	}
	if got.SellerID != "s1" || !got.CreatedAt.Equal(t0) {
		t.Fatalf("expected envelope gaps to be filled from local")
	}
}

func TestConfirmKeepsSideEffectFlags(t *testing.T) {
	local := domain.Order{
		Record:        domain.Record{ID: "local-o1", UpdatedAt: t0},
		StockDeducted: true,
		DueAdded:      true,
	}
	canonical := domain.Order{Record: domain.Record{ID: "srv-o1"}}

	got := Confirm(local, canonical, t0, t0)
	if !got.StockDeducted || !got.DueAdded {
		t.Fatalf("side-effect flags were reset by confirmation: %+v", got)
	}

	again := Confirm(got, canonical, got.UpdatedAt, t0)
	if !again.StockDeducted || !again.DueAdded {
		t.Fatalf("replayed confirmation reset side-effect flags")
	}
}

func TestConfirmKeepsEditMadeDuringPush(t *testing.T) {
	pushedAt := t0
	local := domain.Customer{Record: domain.Record{ID: "local-c1", UpdatedAt: t0.Add(time.Second)}, Name: "edited"}
	canonical := domain.Customer{Record: domain.Record{ID: "srv-c1", UpdatedAt: t0}, Name: "old"}

	got := Confirm(local, canonical, pushedAt, t0.Add(2*time.Second))
	if got.Name != "edited" || got.IsSynced {
		t.Fatalf("expected local edit to stay dirty, got %+v", got)
	}
	if got.RemoteID != "srv-c1" {
		t.Fatalf("expected remote id to be learned, got %q", got.RemoteID)
	}
}
