package record

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"
)

// MemStore is an in-memory Store over a Registry. It is safe for
// concurrent use and returns ids in ascending order from Find, which
// keeps engine output deterministic in tests.
type MemStore struct {
	registry *Registry

	mu     sync.RWMutex
	nextID ID
	rows   map[string]map[ID]map[string]any // model -> id -> fields
}

// NewMemStore creates an empty store over reg.
func NewMemStore(reg *Registry) *MemStore {
	return &MemStore{
		registry: reg,
		nextID:   1,
		rows:     make(map[string]map[ID]map[string]any),
	}
}

// Schema implements Store.
func (m *MemStore) Schema(model string) (Schema, bool) {
	return m.registry.Schema(model)
}

// Find implements Store.
func (m *MemStore) Find(ctx context.Context, model string, conds []Condition, limit int) ([]ID, error) {
	if _, ok := m.registry.Schema(model); !ok {
		return nil, &UnknownModelError{Model: model}
	}
	m.mu.RLock()
	defer m.mu.RUnlock()

	var ids []ID
	for id := range m.rows[model] {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []ID
	for _, id := range ids {
		if matches(m.rows[model][id], conds) {
			out = append(out, id)
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func matches(fields map[string]any, conds []Condition) bool {
	for _, c := range conds {
		v := fields[c.Field]
		switch c.Op {
		case OpEq:
			if !valueEq(v, c.Value) {
				return false
			}
		case OpIn:
			want, ok := c.Value.([]ID)
			if !ok {
				return false
			}
			got, ok := v.(ID)
			if !ok || !slices.Contains(want, got) {
				return false
			}
		}
	}
	return true
}

func valueEq(a, b any) bool {
	if at, ok := a.(time.Time); ok {
		bt, ok := b.(time.Time)
		return ok && at.Equal(bt)
	}
	if ai, ok := a.([]ID); ok {
		bi, ok := b.([]ID)
		return ok && slices.Equal(ai, bi)
	}
	return a == b
}

// Get implements Store.
func (m *MemStore) Get(ctx context.Context, model string, id ID) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	fields, ok := m.rows[model][id]
	if !ok {
		return Record{}, &NotFoundError{Model: model, ID: id}
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		if ids, ok := v.([]ID); ok {
			v = slices.Clone(ids)
		}
		cp[k] = v
	}
	return Record{Model: model, ID: id, Fields: cp}, nil
}

// Create implements Store.
func (m *MemStore) Create(ctx context.Context, model string, fields map[string]any) (ID, error) {
	if _, ok := m.registry.Schema(model); !ok {
		return 0, &UnknownModelError{Model: model}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	id := m.nextID
	m.nextID++
	if m.rows[model] == nil {
		m.rows[model] = make(map[ID]map[string]any)
	}
	cp := make(map[string]any, len(fields))
	for k, v := range fields {
		cp[k] = v
	}
	m.rows[model][id] = cp
	return id, nil
}

// Update implements Store.
func (m *MemStore) Update(ctx context.Context, model string, id ID, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	row, ok := m.rows[model][id]
	if !ok {
		return &NotFoundError{Model: model, ID: id}
	}
	for k, v := range fields {
		row[k] = v
	}
	return nil
}

// Unlink implements Store.
func (m *MemStore) Unlink(ctx context.Context, model string, id ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.rows[model], id)
	return nil
}
