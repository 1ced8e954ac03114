package syncengine

import (
	"context"
	"encoding/json"
	"log"

	"kasirinaja/offline/internal/domain"
	"kasirinaja/offline/internal/store"
	"kasirinaja/offline/internal/xid"
)

// idMap resolves local ids to remote ids for one pass. Stored envelopes are
// read lazily per kind; ids confirmed during the pass override them.
type idMap struct {
	store     store.LocalStore
	stored    map[domain.Kind]map[string]string
	confirmed map[domain.Kind]map[string]string
}

func newIDMap(ls store.LocalStore) *idMap {
	return &idMap{
		store:     ls,
		stored:    map[domain.Kind]map[string]string{},
		confirmed: map[domain.Kind]map[string]string{},
	}
}

func (m *idMap) set(kind domain.Kind, localID, remoteID string) {
	if m.confirmed[kind] == nil {
		m.confirmed[kind] = map[string]string{}
	}
	m.confirmed[kind][localID] = remoteID
}

func (m *idMap) resolve(ctx context.Context, kind domain.Kind, id string) (string, bool) {
	if id == "" || !xid.IsLocal(id) {
		return id, true
	}
	if r := m.confirmed[kind][id]; r != "" {
		return r, true
	}
	known, ok := m.stored[kind]
	if !ok {
		known = m.load(ctx, kind)
	}
	if r := known[id]; r != "" {
		return r, true
	}
	return id, false
}

func (m *idMap) load(ctx context.Context, kind domain.Kind) map[string]string {
	known := map[string]string{}
	raws, err := m.store.GetAll(ctx, kind)
	if err != nil {
		log.Printf("[sync] WARN: load %s ids: %v", kind, err)
	}
	for _, raw := range raws {
		var r domain.Record
		if json.Unmarshal(raw, &r) == nil && r.RemoteID != "" {
			known[r.ID] = r.RemoteID
		}
	}
	m.stored[kind] = known
	return known
}
