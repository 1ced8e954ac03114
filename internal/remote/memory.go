package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"sync"
	"time"

	"kasirinaja/offline/internal/domain"
)

type memRecord struct {
	body     map[string]any
	modified time.Time
}

func (r memRecord) deleted() bool {
	v, _ := r.body["isDeleted"].(bool)
	return v
}

// Memory is an in-process authority with the same semantics as the HTTP
// API. It backs demo mode and the engine tests.
type Memory struct {
	mu           sync.Mutex
	now          func() time.Time
	online       bool
	records      map[domain.Kind][]memRecord
	createdFrom  map[domain.Kind]map[string]string
	usage        domain.UsageSnapshot
	entitlements []domain.Entitlement
	current      string
	validate     func(kind domain.Kind, record map[string]any) string
	beforePush   func(kind domain.Kind)
	switchErr    error
	switched     []string
	pushCalls    int
	seq          int
}

func NewMemory() *Memory {
	return &Memory{
		now:     time.Now,
		online:  true,
		records: map[domain.Kind][]memRecord{},
		// local id -> server id of every create applied, so a retried
		// create whose answer was lost is recognized.
		createdFrom: map[domain.Kind]map[string]string{},
	}
}

func (m *Memory) SetOnline(online bool) {
	m.mu.Lock()
	m.online = online
	m.mu.Unlock()
}

func (m *Memory) SetClock(now func() time.Time) {
	m.mu.Lock()
	m.now = now
	m.mu.Unlock()
}

func (m *Memory) SetUsage(u domain.UsageSnapshot) {
	m.mu.Lock()
	m.usage = u
	m.mu.Unlock()
}

func (m *Memory) SetEntitlements(ents []domain.Entitlement) {
	m.mu.Lock()
	m.entitlements = slices.Clone(ents)
	m.mu.Unlock()
}

// SetValidator installs a rule that rejects records with a message.
func (m *Memory) SetValidator(fn func(kind domain.Kind, record map[string]any) string) {
	m.mu.Lock()
	m.validate = fn
	m.mu.Unlock()
}

// BeforePush runs outside the lock at the start of every PushBatch.
func (m *Memory) BeforePush(fn func(kind domain.Kind)) {
	m.mu.Lock()
	m.beforePush = fn
	m.mu.Unlock()
}

func (m *Memory) FailSwitch(err error) {
	m.mu.Lock()
	m.switchErr = err
	m.mu.Unlock()
}

// Seed stores a server-side record as if another terminal had pushed it.
func (m *Memory) Seed(kind domain.Kind, item any) (string, error) {
	raw, err := json.Marshal(item)
	if err != nil {
		return "", err
	}
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id, _ := body["id"].(string)
	if id == "" {
		id = m.nextIDLocked(kind)
		body["id"] = id
	}
	delete(body, "remoteId")
	body["isSynced"] = true
	m.records[kind] = append(m.records[kind], memRecord{body: body, modified: m.now()})
	return id, nil
}

// Remove deletes a record server-side.
func (m *Memory) Remove(kind domain.Kind, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := m.indexLocked(kind, id); i >= 0 {
		m.tombstoneLocked(kind, i)
	}
}

// Records returns the live records of a kind.
func (m *Memory) Records(kind domain.Kind) []map[string]any {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []map[string]any
	for _, r := range m.records[kind] {
		if !r.deleted() {
			out = append(out, maps.Clone(r.body))
		}
	}
	return out
}

func (m *Memory) PushCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pushCalls
}

func (m *Memory) Switched() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.switched)
}

func (m *Memory) Current() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *Memory) FetchAll(ctx context.Context, kind domain.Kind, since *time.Time) ([]json.RawMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachableLocked(ctx); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(m.records[kind]))
	for _, r := range m.records[kind] {
		if since == nil && r.deleted() {
			continue
		}
		if since != nil && !r.modified.After(*since) {
			continue
		}
		raw, err := json.Marshal(r.body)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

func (m *Memory) PushBatch(ctx context.Context, kind domain.Kind, records []json.RawMessage) ([]Outcome, error) {
	m.mu.Lock()
	hook := m.beforePush
	m.mu.Unlock()
	if hook != nil {
		hook(kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachableLocked(ctx); err != nil {
		return nil, err
	}
	m.pushCalls++

	out := make([]Outcome, 0, len(records))
	for _, raw := range records {
		var rec map[string]any
		if err := json.Unmarshal(raw, &rec); err != nil {
			out = append(out, Outcome{Error: err.Error(), Validation: true})
			continue
		}
		localID, _ := rec["id"].(string)
		remoteID, _ := rec["remoteId"].(string)
		if m.validate != nil {
			if msg := m.validate(kind, rec); msg != "" {
				out = append(out, Outcome{LocalID: localID, Error: msg, Validation: true})
				continue
			}
		}

		i := m.indexLocked(kind, remoteID)
		duplicate := false
		if i < 0 && localID != "" {
			if srv, ok := m.createdFrom[kind][localID]; ok {
				i = m.indexLocked(kind, srv)
				duplicate = i >= 0
			}
		}
		if deleted, _ := rec["isDeleted"].(bool); deleted {
			if i >= 0 && !m.records[kind][i].deleted() {
				m.tombstoneLocked(kind, i)
			}
			out = append(out, Outcome{LocalID: localID, Deleted: true})
			continue
		}

		canonical := maps.Clone(rec)
		delete(canonical, "remoteId")
		canonical["isSynced"] = true
		if i >= 0 {
			canonical["id"] = m.records[kind][i].body["id"]
			m.records[kind][i] = memRecord{body: canonical, modified: m.now()}
		} else {
			id := m.nextIDLocked(kind)
			canonical["id"] = id
			m.records[kind] = append(m.records[kind], memRecord{body: canonical, modified: m.now()})
			m.bumpLocked(kind, 1)
			if localID != "" {
				if m.createdFrom[kind] == nil {
					m.createdFrom[kind] = map[string]string{}
				}
				m.createdFrom[kind][localID] = id
			}
		}
		body, err := json.Marshal(canonical)
		if err != nil {
			return nil, err
		}
		out = append(out, Outcome{LocalID: localID, Record: body, Duplicate: duplicate})
	}
	return out, nil
}

func (m *Memory) FetchUsage(ctx context.Context) (domain.UsageSnapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachableLocked(ctx); err != nil {
		return domain.UsageSnapshot{}, err
	}
	return m.usage, nil
}

func (m *Memory) FetchEntitlements(ctx context.Context) ([]domain.Entitlement, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachableLocked(ctx); err != nil {
		return nil, err
	}
	return slices.Clone(m.entitlements), nil
}

func (m *Memory) SwitchEntitlement(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.reachableLocked(ctx); err != nil {
		return err
	}
	m.switched = append(m.switched, id)
	if m.switchErr != nil {
		return m.switchErr
	}
	if !slices.ContainsFunc(m.entitlements, func(e domain.Entitlement) bool { return e.ID == id }) {
		return &StatusError{Code: 404, Message: "plan order not found"}
	}
	m.current = id
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reachableLocked(ctx)
}

func (m *Memory) reachableLocked(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !m.online {
		return ErrOffline
	}
	return nil
}

func (m *Memory) indexLocked(kind domain.Kind, id string) int {
	if id == "" {
		return -1
	}
	return slices.IndexFunc(m.records[kind], func(r memRecord) bool { return r.body["id"] == id })
}

func (m *Memory) tombstoneLocked(kind domain.Kind, i int) {
	r := m.records[kind][i]
	body := maps.Clone(r.body)
	body["isDeleted"] = true
	m.records[kind][i] = memRecord{body: body, modified: m.now()}
	m.bumpLocked(kind, -1)
}

func (m *Memory) nextIDLocked(kind domain.Kind) string {
	m.seq++
	return fmt.Sprintf("srv-%s-%d", kind, m.seq)
}

func (m *Memory) bumpLocked(kind domain.Kind, delta int) {
	var q *domain.Quota
	switch kind {
	case domain.KindCustomers:
		q = &m.usage.Customers
	case domain.KindProducts:
		q = &m.usage.Products
	case domain.KindOrders:
		q = &m.usage.Orders
	default:
		return
	}
	q.Used = max(q.Used+delta, 0)
}
