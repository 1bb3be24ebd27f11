package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// MemoryStore keeps work items in a map. Items are copied on the way in and out.
type MemoryStore struct {
	items map[string]*WorkItem
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]*WorkItem)}
}

func (m *MemoryStore) Save(_ context.Context, item *WorkItem) error {
	if item == nil || item.ID == "" {
		return fmt.Errorf("work item id is required")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items[item.ID] = copyItem(item)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, id string) (*WorkItem, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	item, ok := m.items[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyItem(item), nil
}

func (m *MemoryStore) ListByStatus(_ context.Context, status Status) ([]*WorkItem, error) {
	m.mu.RLock()
	var out []*WorkItem
	for _, item := range m.items {
		if item.Status == status {
			out = append(out, copyItem(item))
		}
	}
	m.mu.RUnlock()

	sortItems(out)
	return out, nil
}

func (m *MemoryStore) CountByStatus(_ context.Context) (map[Status]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	counts := make(map[Status]int)
	for _, item := range m.items {
		counts[item.Status]++
	}
	return counts, nil
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Close() error { return nil }

// sortItems orders by priority, then creation time, then id.
func sortItems(items []*WorkItem) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		if a.Priority.Rank() != b.Priority.Rank() {
			return a.Priority.Rank() < b.Priority.Rank()
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.ID < b.ID
	})
}

func copyItem(item *WorkItem) *WorkItem {
	c := *item
	if item.Metadata != nil {
		c.Metadata = make(map[string]any, len(item.Metadata))
		for k, v := range item.Metadata {
			c.Metadata[k] = v
		}
	}
	if item.StartedAt != nil {
		t := *item.StartedAt
		c.StartedAt = &t
	}
	if item.CompletedAt != nil {
		t := *item.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}
