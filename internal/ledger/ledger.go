// Package ledger builds a customer's due history from orders and customer
// transactions.
package ledger

import (
	"cmp"
	"slices"
	"time"

	"github.com/shopspring/decimal"

	"kasirinaja/offline/internal/domain"
)

// Entry sources.
const (
	SourceOrder       = "order"
	SourceTransaction = "customerTransaction"
)

type Entry struct {
	ID      string          `json:"id"`
	Source  string          `json:"source"`
	Type    string          `json:"type"`
	Date    time.Time       `json:"date"`
	Amount  decimal.Decimal `json:"amount"`
	Balance decimal.Decimal `json:"balance"`
	Note    string          `json:"note,omitempty"`
}

// Ledger is the chronological history of one customer. OpeningBalance is the
// due the tracked entries cannot explain; it seeds the running balance but
// is never listed as an entry.
type Ledger struct {
	CustomerID     string          `json:"customerId"`
	OpeningBalance decimal.Decimal `json:"-"`
	Entries        []Entry         `json:"entries"`
	Balance        decimal.Decimal `json:"balance"`
}

// Build collects the customer's unpaid order amounts and transactions,
// oldest first, with a running balance ending at the customer's current due.
func Build(customer domain.Customer, txs []domain.CustomerTransaction, orders []domain.Order) Ledger {
	var entries []Entry
	dues, payments := decimal.Zero, decimal.Zero

	for _, o := range orders {
		if o.IsDeleted || !belongs(customer.Record, o.CustomerID) {
			continue
		}
		unpaid := o.Unpaid()
		if !unpaid.IsPositive() {
			continue
		}
		dues = dues.Add(unpaid)
		entries = append(entries, Entry{ID: o.ID, Source: SourceOrder, Type: domain.CustomerTxDue, Date: domain.SortTime(o), Amount: unpaid})
	}
	for _, tx := range txs {
		if tx.IsDeleted || !belongs(customer.Record, tx.CustomerID) {
			continue
		}
		switch tx.Type {
		case domain.CustomerTxDue:
			dues = dues.Add(tx.Amount)
		case domain.CustomerTxPayment:
			payments = payments.Add(tx.Amount)
		default:
			continue
		}
		entries = append(entries, Entry{ID: tx.ID, Source: SourceTransaction, Type: tx.Type, Date: domain.SortTime(tx), Amount: tx.Amount, Note: tx.Note})
	}

	slices.SortStableFunc(entries, func(a, b Entry) int {
		if c := a.Date.Compare(b.Date); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})

	opening := customer.DueAmount.Sub(dues).Add(payments)
	balance := opening
	for i := range entries {
		if entries[i].Type == domain.CustomerTxPayment {
			balance = balance.Sub(entries[i].Amount)
		} else {
			balance = balance.Add(entries[i].Amount)
		}
		entries[i].Balance = balance
	}
	return Ledger{CustomerID: customer.ID, OpeningBalance: opening, Entries: entries, Balance: balance}
}

func belongs(customer domain.Record, ref string) bool {
	return ref != "" && (ref == customer.ID || ref == customer.RemoteID)
}
