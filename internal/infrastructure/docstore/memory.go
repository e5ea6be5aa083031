package docstore

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Store used by tests and local development. It
// preserves the contract of the Postgres store: upsert on Put, nil on miss,
// sort-key ordering on Query.
type Memory struct {
	mu         sync.RWMutex
	partitions map[string]map[string]map[string]any
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{partitions: make(map[string]map[string]map[string]any)}
}

func (m *Memory) Put(_ context.Context, pk, sk string, attrs map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	part, ok := m.partitions[pk]
	if !ok {
		part = make(map[string]map[string]any)
		m.partitions[pk] = part
	}
	part[sk] = cloneAttrs(attrs)
	return nil
}

func (m *Memory) Get(_ context.Context, pk, sk string) (*Item, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	attrs, ok := m.partitions[pk][sk]
	if !ok {
		return nil, nil
	}
	return &Item{PK: pk, SK: sk, Attrs: cloneAttrs(attrs)}, nil
}

func (m *Memory) Query(_ context.Context, pk, skPrefix string, limit int, cursor string) (*Page, error) {
	if limit <= 0 {
		limit = 10
	}
	after, err := decodeCursor(cursor)
	if err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var keys []string
	for sk := range m.partitions[pk] {
		if strings.HasPrefix(sk, skPrefix) && sk > after {
			keys = append(keys, sk)
		}
	}
	sort.Strings(keys)

	page := &Page{}
	for _, sk := range keys {
		if len(page.Items) == limit {
			break
		}
		page.Items = append(page.Items, Item{PK: pk, SK: sk, Attrs: cloneAttrs(m.partitions[pk][sk])})
	}
	if len(page.Items) == limit && len(keys) >= limit {
		page.Cursor = encodeCursor(page.Items[len(page.Items)-1].SK)
	}
	return page, nil
}

func (m *Memory) UpdateAttributes(_ context.Context, pk, sk string, fields map[string]any) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs, ok := m.partitions[pk][sk]
	if !ok {
		return nil
	}
	for k, v := range fields {
		attrs[k] = v
	}
	return nil
}

func (m *Memory) RemoveAttributes(_ context.Context, pk, sk string, fields ...string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	attrs, ok := m.partitions[pk][sk]
	if !ok {
		return nil
	}
	for _, f := range fields {
		delete(attrs, f)
	}
	return nil
}

func cloneAttrs(attrs map[string]any) map[string]any {
	out := make(map[string]any, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out
}
