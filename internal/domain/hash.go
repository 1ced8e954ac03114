package domain

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
)

// ContentHash digests the semantic fields of an order: seller, customer,
// total and the sorted item list. Identifiers and timestamps are excluded.
func (o Order) ContentHash() string {
	items := make([]string, 0, len(o.Items))
	for _, item := range o.Items {
		items = append(items, fmt.Sprintf("%s:%d:%s", strings.TrimSpace(item.ProductID), item.Quantity, item.Price.StringFixed(2)))
	}
	sort.Strings(items)
	return digest("order", o.SellerID, o.CustomerID, o.Total.StringFixed(2), strings.Join(items, ","))
}

func (t CustomerTransaction) ContentHash() string {
	return digest("customer-transaction", t.SellerID, t.CustomerID, normalizeText(t.Type), t.Amount.StringFixed(2))
}

// ProductKey identifies a product by name and description for duplicate checks.
func (p Product) ProductKey() string {
	return normalizeText(p.Name) + "\x00" + normalizeText(p.Description)
}

func normalizeText(value string) string {
	return strings.ToLower(strings.Join(strings.Fields(value), " "))
}

func digest(parts ...string) string {
	h := xxhash.New()
	for _, part := range parts {
		_, _ = h.WriteString(part)
		_, _ = h.Write([]byte{0})
	}
	return strconv.FormatUint(h.Sum64(), 16)
}
