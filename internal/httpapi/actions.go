package httpapi

import (
	"encoding/json"
	"errors"
	"strings"

	"kasirinaja/offline/internal/dispatch"
	"kasirinaja/offline/internal/domain"
)

// codec turns request bodies into typed dispatcher actions for one kind.
type codec struct {
	add    func(json.RawMessage) (dispatch.Action, error)
	update func(json.RawMessage) (dispatch.Action, error)
	remove func(json.RawMessage) (dispatch.Action, error)
}

var codecs = map[domain.Kind]codec{
	domain.KindCategories:           codecFor[domain.Category](),
	domain.KindCustomers:            codecFor[domain.Customer](),
	domain.KindProducts:             codecFor[domain.Product](),
	domain.KindProductBatches:       codecFor[domain.ProductBatch](),
	domain.KindPurchaseOrders:       codecFor[domain.PurchaseOrder](),
	domain.KindOrders:               codecFor[domain.Order](),
	domain.KindTransactions:         codecFor[domain.Transaction](),
	domain.KindRefunds:              codecFor[domain.Refund](),
	domain.KindExpenses:             codecFor[domain.Expense](),
	domain.KindCustomerTransactions: codecFor[domain.CustomerTransaction](),
}

type idRequest struct {
	ID string `json:"id"`
}

func codecFor[T domain.Entity[T]]() codec {
	return codec{
		add: func(body json.RawMessage) (dispatch.Action, error) {
			var item T
			if err := json.Unmarshal(body, &item); err != nil {
				return nil, err
			}
			return dispatch.Add[T]{Item: item}, nil
		},
		update: func(body json.RawMessage) (dispatch.Action, error) {
			var item T
			if err := json.Unmarshal(body, &item); err != nil {
				return nil, err
			}
			id := strings.TrimSpace(item.Meta().ID)
			if id == "" {
				return nil, errors.New("id is required")
			}
			return dispatch.Update[T]{ID: id, Mutation: dispatch.UserEdit[T]{Item: item}}, nil
		},
		remove: func(body json.RawMessage) (dispatch.Action, error) {
			var req idRequest
			if err := json.Unmarshal(body, &req); err != nil {
				return nil, err
			}
			if strings.TrimSpace(req.ID) == "" {
				return nil, errors.New("id is required")
			}
			return dispatch.Delete[T]{ID: strings.TrimSpace(req.ID)}, nil
		},
	}
}
