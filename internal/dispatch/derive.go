package dispatch

import (
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/usage"
)

const (
	chartDays        = 30
	topInventorySize = 10
)

type DailyPoint struct {
	Date   string          `json:"date"`
	Sales  decimal.Decimal `json:"sales"`
	Profit decimal.Decimal `json:"profit"`
	Orders int             `json:"orders"`
}

type InventoryPoint struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Stock     int             `json:"stock"`
	Value     decimal.Decimal `json:"value"`
}

type Charts struct {
	Daily        []DailyPoint     `json:"daily"`
	TopInventory []InventoryPoint `json:"topInventory"`
}

// finalize recomputes everything derived from the collections touched by a
// reduction. Usage is always recomputed in the same step so a stale count
// can never admit an over-quota write.
func finalize(s *State, kind domain.Kind, now time.Time) {
	switch kind {
	case domain.KindProducts, domain.KindProductBatches, domain.KindOrders:
		projectBatches(s)
		s.Charts = deriveCharts(*s, now)
	}
	s.Usage = usage.Aggregate(s.Plan.Details.Usage, usageRecords(s))
}

// deriveCharts buckets the active seller's orders of the last 30 calendar
// days in the seller's time zone and ranks products by stock value.
func deriveCharts(s State, now time.Time) Charts {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	today := now.In(loc)
	daily := make([]DailyPoint, chartDays)
	index := make(map[string]int, chartDays)
	for i := range daily {
		day := time.Date(today.Year(), today.Month(), today.Day()-(chartDays-1)+i, 0, 0, 0, 0, loc)
		key := day.Format(time.DateOnly)
		daily[i] = DailyPoint{Date: key, Sales: decimal.Zero, Profit: decimal.Zero}
		index[key] = i
	}
	for _, o := range s.Orders {
		if !activeSeller(s.SellerID, o.SellerID) {
			continue
		}
		i, ok := index[domain.SortTime(o).In(loc).Format(time.DateOnly)]
		if !ok {
			continue
		}
		daily[i].Sales = daily[i].Sales.Add(o.Total)
		daily[i].Profit = daily[i].Profit.Add(o.Profit())
		daily[i].Orders++
	}

	var top []InventoryPoint
	for _, p := range s.Products {
		if !activeSeller(s.SellerID, p.SellerID) {
			continue
		}
		top = append(top, InventoryPoint{ProductID: p.ID, Name: p.Name, Stock: p.Stock, Value: p.StockValue()})
	}
	slices.SortStableFunc(top, func(a, b InventoryPoint) int {
		if c := b.Value.Cmp(a.Value); c != 0 {
			return c
		}
		if a.Stock != b.Stock {
			return b.Stock - a.Stock
		}
		return strings.Compare(a.Name, b.Name)
	})
	if len(top) > topInventorySize {
		top = top[:topInventorySize]
	}
	return Charts{Daily: daily, TopInventory: top}
}

func activeSeller(active, owner string) bool {
	return active == "" || owner == active
}
