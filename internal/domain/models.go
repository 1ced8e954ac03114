package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

func init() {
	decimal.MarshalJSONWithoutQuotes = true
}

type Category struct {
	Record
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (Category) Kind() Kind                   { return KindCategories }
func (c Category) WithMeta(m Record) Category { c.Record = m; return c }

type Customer struct {
	Record
	Name       string          `json:"name"`
	Phone      string          `json:"phone,omitempty"`
	Email      string          `json:"email,omitempty"`
	Address    string          `json:"address,omitempty"`
	DueAmount  decimal.Decimal `json:"dueAmount"`
	BalanceDue decimal.Decimal `json:"balanceDue"`
}

func (Customer) Kind() Kind                   { return KindCustomers }
func (c Customer) WithMeta(m Record) Customer { c.Record = m; return c }

// WithDue sets both due aliases.
func (c Customer) WithDue(amount decimal.Decimal) Customer {
	c.DueAmount = amount
	c.BalanceDue = amount
	return c
}

// NormalizeDue makes dueAmount and balanceDue equal again. When prev is known
// the alias that changed relative to it wins; otherwise the non-zero one does.
func (c Customer) NormalizeDue(prev *Customer) Customer {
	if c.DueAmount.Equal(c.BalanceDue) {
		return c
	}
	switch {
	case prev != nil && c.DueAmount.Equal(prev.DueAmount):
		return c.WithDue(c.BalanceDue)
	case prev != nil:
		return c.WithDue(c.DueAmount)
	case c.DueAmount.IsZero():
		return c.WithDue(c.BalanceDue)
	default:
		return c.WithDue(c.DueAmount)
	}
}

type Product struct {
	Record
	Name          string          `json:"name"`
	Description   string          `json:"description"`
	CategoryID    string          `json:"categoryId,omitempty"`
	Barcode       string          `json:"barcode,omitempty"`
	Unit          string          `json:"unit,omitempty"`
	Price         decimal.Decimal `json:"price"`
	CostPrice     decimal.Decimal `json:"costPrice"`
	Stock         int             `json:"stock"`
	LowStockLevel int             `json:"lowStockLevel,omitempty"`
	Batches       []ProductBatch  `json:"batches,omitempty"`
}

func (Product) Kind() Kind                  { return KindProducts }
func (p Product) WithMeta(m Record) Product { p.Record = m; return p }

func (p Product) RemapRefs(resolve func(Kind, string) string) Product {
	if p.CategoryID != "" {
		p.CategoryID = resolve(KindCategories, p.CategoryID)
	}
	return p
}

// StockValue is the cost value of the units on hand.
func (p Product) StockValue() decimal.Decimal {
	return p.CostPrice.Mul(decimal.NewFromInt(int64(p.Stock)))
}

type ProductBatch struct {
	Record
	ProductID    string          `json:"productId"`
	BatchNumber  string          `json:"batchNumber,omitempty"`
	Quantity     int             `json:"quantity"`
	CostPrice    decimal.Decimal `json:"costPrice"`
	SellingPrice decimal.Decimal `json:"sellingPrice"`
	ExpiryDate   *time.Time      `json:"expiryDate,omitempty"`
}

func (ProductBatch) Kind() Kind                       { return KindProductBatches }
func (b ProductBatch) WithMeta(m Record) ProductBatch { b.Record = m; return b }

func (b ProductBatch) RemapRefs(resolve func(Kind, string) string) ProductBatch {
	b.ProductID = resolve(KindProducts, b.ProductID)
	return b
}

type OrderItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	Price     decimal.Decimal `json:"price"`
	CostPrice decimal.Decimal `json:"costPrice"`
}

type Order struct {
	Record
	CustomerID    string          `json:"customerId,omitempty"`
	CustomerName  string          `json:"customerName,omitempty"`
	Items         []OrderItem     `json:"items"`
	Discount      decimal.Decimal `json:"discount"`
	Total         decimal.Decimal `json:"total"`
	AmountPaid    decimal.Decimal `json:"amountPaid"`
	PaymentMethod string          `json:"paymentMethod"`
	Date          time.Time       `json:"date"`
	StockDeducted bool            `json:"stockDeducted"`
	DueAdded      bool            `json:"dueAdded"`
}

func (Order) Kind() Kind                { return KindOrders }
func (o Order) WithMeta(m Record) Order { o.Record = m; return o }
func (o Order) SortTime() time.Time     { return o.Date }

func (o Order) RemapRefs(resolve func(Kind, string) string) Order {
	if o.CustomerID != "" {
		o.CustomerID = resolve(KindCustomers, o.CustomerID)
	}
	items := make([]OrderItem, len(o.Items))
	for i, item := range o.Items {
		item.ProductID = resolve(KindProducts, item.ProductID)
		items[i] = item
	}
	o.Items = items
	return o
}

func (o Order) KeepSideEffects(local Order) Order {
	o.StockDeducted = o.StockDeducted || local.StockDeducted
	o.DueAdded = o.DueAdded || local.DueAdded
	return o
}

// Unpaid is the part of the total that goes onto the customer's due balance.
func (o Order) Unpaid() decimal.Decimal {
	if o.CustomerID == "" {
		return decimal.Zero
	}
	unpaid := o.Total.Sub(o.AmountPaid)
	if unpaid.IsNegative() {
		return decimal.Zero
	}
	return unpaid
}

// Profit is the item margin minus the order discount.
func (o Order) Profit() decimal.Decimal {
	profit := decimal.Zero
	for _, item := range o.Items {
		qty := decimal.NewFromInt(int64(item.Quantity))
		profit = profit.Add(item.Price.Sub(item.CostPrice).Mul(qty))
	}
	return profit.Sub(o.Discount)
}

type Transaction struct {
	Record
	OrderID       string          `json:"orderId,omitempty"`
	Type          string          `json:"type"`
	Amount        decimal.Decimal `json:"amount"`
	PaymentMethod string          `json:"paymentMethod,omitempty"`
	Description   string          `json:"description,omitempty"`
	Date          time.Time       `json:"date"`
}

func (Transaction) Kind() Kind                      { return KindTransactions }
func (t Transaction) WithMeta(m Record) Transaction { t.Record = m; return t }
func (t Transaction) SortTime() time.Time           { return t.Date }

func (t Transaction) RemapRefs(resolve func(Kind, string) string) Transaction {
	if t.OrderID != "" {
		t.OrderID = resolve(KindOrders, t.OrderID)
	}
	return t
}

type PurchaseItem struct {
	ProductID string          `json:"productId"`
	Name      string          `json:"name"`
	Quantity  int             `json:"quantity"`
	CostPrice decimal.Decimal `json:"costPrice"`
}

type PurchaseOrder struct {
	Record
	SupplierName string          `json:"supplierName"`
	Items        []PurchaseItem  `json:"items"`
	Total        decimal.Decimal `json:"total"`
	Status       string          `json:"status"`
	Date         time.Time       `json:"date"`
}

func (PurchaseOrder) Kind() Kind                        { return KindPurchaseOrders }
func (p PurchaseOrder) WithMeta(m Record) PurchaseOrder { p.Record = m; return p }
func (p PurchaseOrder) SortTime() time.Time             { return p.Date }

func (p PurchaseOrder) RemapRefs(resolve func(Kind, string) string) PurchaseOrder {
	items := make([]PurchaseItem, len(p.Items))
	for i, item := range p.Items {
		item.ProductID = resolve(KindProducts, item.ProductID)
		items[i] = item
	}
	p.Items = items
	return p
}

type Refund struct {
	Record
	OrderID string          `json:"orderId"`
	Amount  decimal.Decimal `json:"amount"`
	Reason  string          `json:"reason,omitempty"`
	Date    time.Time       `json:"date"`
}

func (Refund) Kind() Kind                 { return KindRefunds }
func (r Refund) WithMeta(m Record) Refund { r.Record = m; return r }
func (r Refund) SortTime() time.Time      { return r.Date }

func (r Refund) RemapRefs(resolve func(Kind, string) string) Refund {
	r.OrderID = resolve(KindOrders, r.OrderID)
	return r
}

type Expense struct {
	Record
	Category    string          `json:"category"`
	Amount      decimal.Decimal `json:"amount"`
	Description string          `json:"description,omitempty"`
	Date        time.Time       `json:"date"`
}

func (Expense) Kind() Kind                  { return KindExpenses }
func (e Expense) WithMeta(m Record) Expense { e.Record = m; return e }
func (e Expense) SortTime() time.Time       { return e.Date }

// Customer ledger entry types.
const (
	CustomerTxDue     = "due"
	CustomerTxPayment = "payment"
)

type CustomerTransaction struct {
	Record
	CustomerID string          `json:"customerId"`
	Type       string          `json:"type"`
	Amount     decimal.Decimal `json:"amount"`
	Note       string          `json:"note,omitempty"`
	Date       time.Time       `json:"date"`
}

func (CustomerTransaction) Kind() Kind                              { return KindCustomerTransactions }
func (t CustomerTransaction) WithMeta(m Record) CustomerTransaction { t.Record = m; return t }
func (t CustomerTransaction) SortTime() time.Time                   { return t.Date }

func (t CustomerTransaction) RemapRefs(resolve func(Kind, string) string) CustomerTransaction {
	t.CustomerID = resolve(KindCustomers, t.CustomerID)
	return t
}
