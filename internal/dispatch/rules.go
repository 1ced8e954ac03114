package dispatch

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
)

const (
	orderDedupWindow      = 500 * time.Millisecond
	customerTxDedupWindow = 2 * time.Second
)

func dedupWindow(kind domain.Kind) time.Duration {
	switch kind {
	case domain.KindOrders:
		return orderDedupWindow
	case domain.KindCustomerTransactions:
		return customerTxDedupWindow
	}
	return 0
}

// duplicateOf finds a record with the same content created within the
// kind's dedup window.
func duplicateOf[T domain.Entity[T]](items []T, item T, now time.Time) (T, bool) {
	var zero T
	window := dedupWindow(item.Kind())
	h, ok := any(item).(domain.Hashable)
	if window == 0 || !ok {
		return zero, false
	}
	hash := h.ContentHash()
	for _, existing := range items {
		if abs(now.Sub(existing.Meta().CreatedAt)) > window {
			continue
		}
		if any(existing).(domain.Hashable).ContentHash() == hash {
			return existing, true
		}
	}
	return zero, false
}

func onAdd[T domain.Entity[T]](s *State, item T, now time.Time) (T, []Write, error) {
	switch v := any(item).(type) {
	case domain.Customer:
		return any(v.NormalizeDue(nil)).(T), nil, nil
	case domain.Product:
		if err := checkDuplicateProduct(s.Products, v); err != nil {
			return item, nil, err
		}
		return item, nil, nil
	case domain.ProductBatch:
		if indexOf(s.Products, v.ProductID) < 0 {
			return item, nil, fmt.Errorf("%w: product %s", ErrNotFound, v.ProductID)
		}
		writes, err := adjustStock(s, v.ProductID, v.Quantity, now)
		return item, writes, err
	case domain.Order:
		o, writes, err := applyOrder(s, v, now)
		return any(o).(T), writes, err
	case domain.CustomerTransaction:
		writes, err := applyCustomerTx(s, v, now)
		return item, writes, err
	}
	return item, nil, nil
}

func onEdit[T domain.Entity[T]](s *State, prev, item T, now time.Time) (T, []Write, error) {
	switch v := any(item).(type) {
	case domain.Customer:
		p := any(prev).(domain.Customer)
		return any(v.NormalizeDue(&p)).(T), nil, nil
	case domain.Product:
		if err := checkDuplicateProduct(s.Products, v); err != nil {
			return item, nil, err
		}
		// Stock of a batch-tracked product follows its batches.
		if slices.ContainsFunc(s.ProductBatches, func(b domain.ProductBatch) bool { return ownedBy(b, v.Record) }) {
			v.Stock = any(prev).(domain.Product).Stock
		}
		return any(v).(T), nil, nil
	case domain.ProductBatch:
		p := any(prev).(domain.ProductBatch)
		if p.ProductID != v.ProductID {
			out, err := adjustStock(s, p.ProductID, -p.Quantity, now)
			if err != nil {
				return item, nil, err
			}
			in, err := adjustStock(s, v.ProductID, v.Quantity, now)
			return item, append(out, in...), err
		}
		writes, err := adjustStock(s, v.ProductID, v.Quantity-p.Quantity, now)
		return item, writes, err
	case domain.Order:
		return any(v.KeepSideEffects(any(prev).(domain.Order))).(T), nil, nil
	}
	return item, nil, nil
}

func onDelete[T domain.Entity[T]](s *State, prev T, now time.Time) []Write {
	if b, ok := any(prev).(domain.ProductBatch); ok {
		writes, _ := adjustStock(s, b.ProductID, -b.Quantity, now)
		return writes
	}
	return nil
}

// onFetched normalizes a record received from the authority.
func onFetched[T domain.Entity[T]](item T) T {
	m := item.Meta()
	m.PendingPersist = false
	item = item.WithMeta(m)
	if c, ok := any(item).(domain.Customer); ok {
		return any(c.NormalizeDue(nil)).(T)
	}
	return item
}

func checkDuplicateProduct(products []domain.Product, p domain.Product) error {
	key := p.ProductKey()
	for _, other := range products {
		if other.ID == p.ID {
			continue
		}
		if other.ProductKey() == key {
			return fmt.Errorf("%w: %q", ErrDuplicateProduct, strings.TrimSpace(p.Name))
		}
	}
	return nil
}

// applyOrder runs the side effects of a new order. The order's flags make
// each effect happen at most once, however often the order is replayed.
func applyOrder(s *State, o domain.Order, now time.Time) (domain.Order, []Write, error) {
	var writes []Write
	if !o.StockDeducted {
		for _, line := range o.Items {
			ws, err := deductStock(s, line.ProductID, line.Quantity, now)
			if err != nil {
				return o, nil, err
			}
			writes = append(writes, ws...)
		}
		o.StockDeducted = true
	}
	if !o.DueAdded {
		if unpaid := o.Unpaid(); unpaid.IsPositive() {
			ws, ok, err := adjustDue(s, o.CustomerID, unpaid, now)
			if err != nil {
				return o, nil, err
			}
			writes = append(writes, ws...)
			o.DueAdded = ok
		}
	}
	return o, writes, nil
}

func applyCustomerTx(s *State, t domain.CustomerTransaction, now time.Time) ([]Write, error) {
	var delta decimal.Decimal
	switch t.Type {
	case domain.CustomerTxDue:
		delta = t.Amount
	case domain.CustomerTxPayment:
		delta = t.Amount.Neg()
	default:
		return nil, nil
	}
	writes, _, err := adjustDue(s, t.CustomerID, delta, now)
	return writes, err
}

// adjustDue moves a customer's due balance, never below zero.
func adjustDue(s *State, customerID string, delta decimal.Decimal, now time.Time) ([]Write, bool, error) {
	i := indexOf(s.Customers, customerID)
	if i < 0 {
		return nil, false, nil
	}
	prev := s.Customers[i]
	c := prev.WithDue(nonNegative(prev.DueAmount.Add(delta)))
	c.Record = c.Record.Touch(now)
	c.PendingPersist = true
	w, err := putWrite(c, &prev)
	if err != nil {
		return nil, false, err
	}
	s.Customers = replaceAt(s.Customers, i, c)
	return []Write{w}, true, nil
}

// deductStock takes qty units of a product, draining its batches first
// expiry first.
func deductStock(s *State, productID string, qty int, now time.Time) ([]Write, error) {
	i := indexOf(s.Products, productID)
	if i < 0 || qty <= 0 {
		return nil, nil
	}
	parent := s.Products[i].Record
	var writes []Write
	remaining := qty
	for _, bi := range fefoOrder(s.ProductBatches, parent) {
		if remaining == 0 {
			break
		}
		prev := s.ProductBatches[bi]
		if prev.Quantity <= 0 {
			continue
		}
		take := min(prev.Quantity, remaining)
		b := prev
		b.Quantity -= take
		b.Record = b.Record.Touch(now)
		b.PendingPersist = true
		w, err := putWrite(b, &prev)
		if err != nil {
			return nil, err
		}
		s.ProductBatches = replaceAt(s.ProductBatches, bi, b)
		writes = append(writes, w)
		remaining -= take
	}
	ws, err := adjustStock(s, productID, -qty, now)
	if err != nil {
		return nil, err
	}
	return append(writes, ws...), nil
}

func adjustStock(s *State, productID string, delta int, now time.Time) ([]Write, error) {
	i := indexOf(s.Products, productID)
	if i < 0 || delta == 0 {
		return nil, nil
	}
	prev := s.Products[i]
	p := prev
	p.Stock = max(p.Stock+delta, 0)
	p.Record = p.Record.Touch(now)
	p.PendingPersist = true
	w, err := putWrite(p, &prev)
	if err != nil {
		return nil, err
	}
	s.Products = replaceAt(s.Products, i, p)
	return []Write{w}, nil
}

func ownedBy(b domain.ProductBatch, parent domain.Record) bool {
	return b.ProductID == parent.ID || (parent.RemoteID != "" && b.ProductID == parent.RemoteID)
}

// fefoOrder returns the indexes of a product's batches, earliest expiry
// first. Batches without an expiry date go last.
func fefoOrder(batches []domain.ProductBatch, parent domain.Record) []int {
	var idx []int
	for i, b := range batches {
		if ownedBy(b, parent) {
			idx = append(idx, i)
		}
	}
	slices.SortStableFunc(idx, func(i, j int) int {
		return compareBatchForFEFO(batches[i], batches[j])
	})
	return idx
}

func compareBatchForFEFO(a, b domain.ProductBatch) int {
	if a.ExpiryDate == nil && b.ExpiryDate != nil {
		return 1
	}
	if a.ExpiryDate != nil && b.ExpiryDate == nil {
		return -1
	}
	if a.ExpiryDate != nil && b.ExpiryDate != nil {
		if c := a.ExpiryDate.Compare(*b.ExpiryDate); c != 0 {
			return c
		}
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.ID, b.ID)
}

// projectBatches rebuilds each product's embedded batch list from the flat
// collection. Products whose projection is unchanged keep their value, and
// the slice is only copied when something changed.
func projectBatches(s *State) {
	var out []domain.Product
	for i, p := range s.Products {
		var owned []domain.ProductBatch
		for _, b := range s.ProductBatches {
			if ownedBy(b, p.Record) {
				owned = append(owned, b)
			}
		}
		if sameBatches(p.Batches, owned) {
			continue
		}
		if out == nil {
			out = slices.Clone(s.Products)
		}
		out[i].Batches = owned
	}
	if out != nil {
		s.Products = out
	}
}

func sameBatches(a, b []domain.ProductBatch) bool {
	return slices.EqualFunc(a, b, func(x, y domain.ProductBatch) bool {
		return x.ID == y.ID && x.Quantity == y.Quantity && x.UpdatedAt.Equal(y.UpdatedAt) && x.PendingPersist == y.PendingPersist
	})
}

func decodeTombstone[T domain.Entity[T]](t Tombstone) (T, error) {
	var item T
	if err := json.Unmarshal(t.Body, &item); err != nil {
		return item, &store.StorageError{Op: "decode", Kind: t.Kind, ID: t.Record.ID, Err: err}
	}
	return item.WithMeta(t.Record), nil
}

func sortNewestFirst[T domain.Entity[T]](items []T) []T {
	slices.SortStableFunc(items, func(a, b T) int {
		return domain.SortTime(b).Compare(domain.SortTime(a))
	})
	return items
}
