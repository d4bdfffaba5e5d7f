package record

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// Store stages raw records for batch runs. Record ids are unique within a
// tenant across source kinds; staging an existing id replaces it.
type Store interface {
	// PutRaw stages records and returns how many were written.
	PutRaw(ctx context.Context, recs []Raw) (int, error)
	// ListRaw returns a tenant's staged records ordered by id.
	ListRaw(ctx context.Context, tenantID tenant.ID) ([]Raw, error)
	// Tenants returns every tenant with staged records.
	Tenants(ctx context.Context) ([]tenant.ID, error)
}

// InMemoryStore is a Store for tests.
type InMemoryStore struct {
	mu   sync.RWMutex
	recs map[tenant.ID]map[string]Raw
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{recs: make(map[tenant.ID]map[string]Raw)}
}

func (s *InMemoryStore) PutRaw(_ context.Context, recs []Raw) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range recs {
		id := tenant.ID(r.TenantID)
		m, ok := s.recs[id]
		if !ok {
			m = make(map[string]Raw)
			s.recs[id] = m
		}
		m[r.ID] = r
	}
	return len(recs), nil
}

func (s *InMemoryStore) ListRaw(_ context.Context, tenantID tenant.ID) ([]Raw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Raw, 0, len(s.recs[tenantID]))
	for _, r := range s.recs[tenantID] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *InMemoryStore) Tenants(_ context.Context) ([]tenant.ID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]tenant.ID, 0, len(s.recs))
	for id := range s.recs {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out, nil
}
