// Package storetest holds the behavior every LocalStore driver must share.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
)

// Run exercises a fresh LocalStore returned by open.
func Run(t *testing.T, open func(t *testing.T) store.LocalStore) {
	t.Helper()

	t.Run("PutIsUpsertAndKeepsInsertionOrder", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		table := store.NewTable[domain.Customer](s)

		for _, name := range []string{"A", "B", "C"} {
			if err := table.Put(ctx, domain.Customer{Record: domain.Record{ID: "c-" + name}, Name: name}); err != nil {
				t.Fatalf("put %s: %v", name, err)
			}
		}
		if err := table.Put(ctx, domain.Customer{Record: domain.Record{ID: "c-A"}, Name: "A2"}); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		all, err := table.All(ctx)
		if err != nil {
			t.Fatalf("all: %v", err)
		}
		if len(all) != 3 {
			t.Fatalf("expected 3 customers, got %d", len(all))
		}
		if all[0].ID != "c-A" || all[0].Name != "A2" || all[2].ID != "c-C" {
			t.Fatalf("unexpected order or content: %+v", all)
		}
	})

	t.Run("GetAndDelete", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		table := store.NewTable[domain.Product](s)

		if err := table.Put(ctx, domain.Product{Record: domain.Record{ID: "p-1"}, Name: "Sugar"}); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := table.Get(ctx, "p-1")
		if err != nil || got.Name != "Sugar" {
			t.Fatalf("get: %+v %v", got, err)
		}
		if err := table.Delete(ctx, "p-1"); err != nil {
			t.Fatalf("delete: %v", err)
		}
		if err := table.Delete(ctx, "p-1"); err != nil {
			t.Fatalf("delete of missing record must not fail: %v", err)
		}
		if _, err := table.Get(ctx, "p-1"); !errors.Is(err, store.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("BulkInsertAndActiveView", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)
		table := store.NewTable[domain.Order](s)

		err := table.BulkInsert(ctx, []domain.Order{
			{Record: domain.Record{ID: "o-1"}},
			{Record: domain.Record{ID: "o-2", IsDeleted: true}},
			{Record: domain.Record{ID: "o-3"}},
		})
		if err != nil {
			t.Fatalf("bulk insert: %v", err)
		}
		all, err := table.All(ctx)
		if err != nil || len(all) != 3 {
			t.Fatalf("expected 3 stored orders, got %d (%v)", len(all), err)
		}
		active, err := table.Active(ctx)
		if err != nil || len(active) != 2 {
			t.Fatalf("expected 2 active orders, got %d (%v)", len(active), err)
		}
	})

	t.Run("FetchTimes", func(t *testing.T) {
		ctx := context.Background()
		s := open(t)

		at, err := s.GetLastFetchTime(ctx, domain.KindOrders)
		if err != nil || at != nil {
			t.Fatalf("expected no fetch time, got %v %v", at, err)
		}
		want := time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC)
		if err := s.SetLastFetchTime(ctx, domain.KindOrders, want); err != nil {
			t.Fatalf("set fetch time: %v", err)
		}
		at, err = s.GetLastFetchTime(ctx, domain.KindOrders)
		if err != nil || at == nil || !at.Equal(want) {
			t.Fatalf("expected %v, got %v %v", want, at, err)
		}
	})
}
