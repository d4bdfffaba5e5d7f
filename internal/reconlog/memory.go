package reconlog

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// InMemoryStore is a Store backed by per-tenant slices.
type InMemoryStore struct {
	mu      sync.RWMutex
	seq     int64
	entries map[tenant.ID][]Entry
}

// NewInMemoryStore creates an empty log.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{entries: make(map[tenant.ID][]Entry)}
}

func (s *InMemoryStore) Append(_ context.Context, entries ...Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range entries {
		s.seq++
		e.Seq = s.seq
		s.entries[e.TenantID] = append(s.entries[e.TenantID], e)
	}
	return nil
}

func (s *InMemoryStore) Get(_ context.Context, tenantID tenant.ID, id string) (*Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, e := range s.entries[tenantID] {
		if e.ID == id {
			return &e, nil
		}
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) List(_ context.Context, tenantID tenant.ID, f Filter) ([]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Entry
	for _, e := range s.entries[tenantID] {
		if !f.Match(e) {
			continue
		}
		out = append(out, e)
		if f.Limit > 0 && len(out) == f.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Latest(_ context.Context, tenantID tenant.ID) (map[string]Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make(map[string]Entry)
	for _, e := range s.entries[tenantID] {
		out[e.InternalID] = e
	}
	return out, nil
}

func (s *InMemoryStore) Tenants(_ context.Context) ([]tenant.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tenant.ID, 0, len(s.entries))
	for id := range s.entries {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
