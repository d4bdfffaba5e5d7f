package heuristics

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// InMemoryStore is a Store for tests and single-process use.
type InMemoryStore struct {
	mu       sync.RWMutex
	patterns map[string]map[string]Pattern
	policies map[tenant.ID]TenantPolicy
}

// NewInMemoryStore creates an empty store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		patterns: make(map[string]map[string]Pattern),
		policies: make(map[tenant.ID]TenantPolicy),
	}
}

func (s *InMemoryStore) GetPattern(_ context.Context, partition, hash string) (*Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.patterns[partition][hash]
	if !ok {
		return nil, nil
	}
	p = clonePattern(p)
	return &p, nil
}

func (s *InMemoryStore) PutPattern(_ context.Context, rows ...Pattern) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, p := range rows {
		m, ok := s.patterns[p.Partition]
		if !ok {
			m = make(map[string]Pattern)
			s.patterns[p.Partition] = m
		}
		m[p.Hash] = clonePattern(p)
	}
	return nil
}

func (s *InMemoryStore) ListPatterns(_ context.Context, partition string) ([]Pattern, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Pattern, 0, len(s.patterns[partition]))
	for _, p := range s.patterns[partition] {
		out = append(out, clonePattern(p))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (s *InMemoryStore) GetPolicy(_ context.Context, tenantID tenant.ID) (*TenantPolicy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.policies[tenantID]
	if !ok {
		return nil, nil
	}
	return &p, nil
}

func (s *InMemoryStore) PutPolicy(_ context.Context, p TenantPolicy) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.policies[p.TenantID] = p
	return nil
}

func clonePattern(p Pattern) Pattern {
	p.Names = append([]string(nil), p.Names...)
	p.Weights = p.Weights.Clone()
	return p
}
