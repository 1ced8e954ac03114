package store

import (
	"context"
	"encoding/json"

	"kasirinaja/offline/internal/domain"
)

// Table is a typed view over one kind of a LocalStore.
type Table[T domain.Entity[T]] struct {
	store LocalStore
	kind  domain.Kind
}

func NewTable[T domain.Entity[T]](s LocalStore) Table[T] {
	var zero T
	return Table[T]{store: s, kind: zero.Kind()}
}

func (t Table[T]) Kind() domain.Kind {
	return t.kind
}

// All returns every stored record of the kind, tombstones included.
func (t Table[T]) All(ctx context.Context) ([]T, error) {
	raws, err := t.store.GetAll(ctx, t.kind)
	if err != nil {
		return nil, Wrap("get-all", t.kind, "", err)
	}
	items := make([]T, 0, len(raws))
	for _, raw := range raws {
		var item T
		if err := json.Unmarshal(raw, &item); err != nil {
			return nil, &StorageError{Op: "decode", Kind: t.kind, Err: err}
		}
		items = append(items, item)
	}
	return items, nil
}

// Active returns the application view: records that are not soft-deleted.
func (t Table[T]) Active(ctx context.Context) ([]T, error) {
	all, err := t.All(ctx)
	if err != nil {
		return nil, err
	}
	return ActiveOnly(all), nil
}

func (t Table[T]) Get(ctx context.Context, id string) (T, error) {
	var item T
	raw, err := t.store.Get(ctx, t.kind, id)
	if err != nil {
		return item, Wrap("get", t.kind, id, err)
	}
	if err := json.Unmarshal(raw, &item); err != nil {
		return item, &StorageError{Op: "decode", Kind: t.kind, ID: id, Err: err}
	}
	return item, nil
}

func (t Table[T]) Put(ctx context.Context, item T) error {
	doc, err := Encode(item)
	if err != nil {
		return err
	}
	return Wrap("put", t.kind, doc.ID, t.store.Put(ctx, t.kind, doc))
}

func (t Table[T]) Delete(ctx context.Context, id string) error {
	return Wrap("delete", t.kind, id, t.store.Delete(ctx, t.kind, id))
}

func (t Table[T]) BulkInsert(ctx context.Context, items []T) error {
	docs := make([]Doc, 0, len(items))
	for _, item := range items {
		doc, err := Encode(item)
		if err != nil {
			return err
		}
		docs = append(docs, doc)
	}
	return Wrap("bulk-insert", t.kind, "", t.store.BulkInsert(ctx, t.kind, docs))
}

// Encode serializes an entity into a Doc keyed by its local id.
func Encode[T domain.Entity[T]](item T) (Doc, error) {
	meta := item.Meta()
	body, err := json.Marshal(item)
	if err != nil {
		return Doc{}, &StorageError{Op: "encode", Kind: item.Kind(), ID: meta.ID, Err: err}
	}
	return Doc{ID: meta.ID, Body: body}, nil
}

// ActiveOnly filters tombstones out of a storage-tier list.
func ActiveOnly[T domain.Entity[T]](items []T) []T {
	out := make([]T, 0, len(items))
	for _, item := range items {
		if !item.Meta().IsDeleted {
			out = append(out, item)
		}
	}
	return out
}
