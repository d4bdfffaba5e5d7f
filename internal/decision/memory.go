package decision

import (
	"context"
	"sort"
	"sync"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// InMemoryClaims is a ClaimStore backed by a map, one lock per store.
type InMemoryClaims struct {
	mu     sync.Mutex
	claims map[tenant.ID]map[string]Claim
}

// NewInMemoryClaims creates an empty claim store.
func NewInMemoryClaims() *InMemoryClaims {
	return &InMemoryClaims{claims: make(map[tenant.ID]map[string]Claim)}
}

func (s *InMemoryClaims) tenantClaims(id tenant.ID) map[string]Claim {
	m, ok := s.claims[id]
	if !ok {
		m = make(map[string]Claim)
		s.claims[id] = m
	}
	return m
}

func (s *InMemoryClaims) TryClaim(_ context.Context, c Claim) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tenantClaims(c.TenantID)
	var held *Claim
	if existing, ok := m[c.ExternalID]; ok {
		held = &existing
	}
	if err := Admits(held, c); err != nil {
		return nil, err
	}
	c.HumanVerified = false
	m[c.ExternalID] = c
	if held != nil && held.LogID == c.LogID {
		return nil, nil
	}
	return held, nil
}

func (s *InMemoryClaims) ForceClaim(_ context.Context, c Claim) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tenantClaims(c.TenantID)
	var held *Claim
	if existing, ok := m[c.ExternalID]; ok {
		held = &existing
	}
	c.HumanVerified = true
	m[c.ExternalID] = c
	return held, nil
}

func (s *InMemoryClaims) Release(_ context.Context, tenantID tenant.ID, externalID, logID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tenantClaims(tenantID)
	if existing, ok := m[externalID]; ok && existing.LogID == logID {
		delete(m, externalID)
	}
	return nil
}

func (s *InMemoryClaims) Restore(_ context.Context, prior Claim, heldBy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tenantClaims(prior.TenantID)
	var held *Claim
	if existing, ok := m[prior.ExternalID]; ok {
		held = &existing
	}
	if err := Restorable(held, prior, heldBy); err != nil {
		return err
	}
	m[prior.ExternalID] = prior
	return nil
}

func (s *InMemoryClaims) ReleaseByInternal(_ context.Context, tenantID tenant.ID, internalID string) ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tenantClaims(tenantID)
	var released []Claim
	for ext, c := range m {
		if c.InternalID == internalID {
			released = append(released, c)
			delete(m, ext)
		}
	}
	sort.Slice(released, func(i, j int) bool { return released[i].ExternalID < released[j].ExternalID })
	return released, nil
}

func (s *InMemoryClaims) Get(_ context.Context, tenantID tenant.ID, externalID string) (*Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.tenantClaims(tenantID)[externalID]; ok {
		return &c, nil
	}
	return nil, nil
}

func (s *InMemoryClaims) List(_ context.Context, tenantID tenant.ID) ([]Claim, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := s.tenantClaims(tenantID)
	out := make([]Claim, 0, len(m))
	for _, c := range m {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExternalID < out[j].ExternalID })
	return out, nil
}
