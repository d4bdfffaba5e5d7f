package reflection

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// InMemorySnapshotStore is a SnapshotStore for tests.
type InMemorySnapshotStore struct {
	mu        sync.RWMutex
	snapshots map[tenant.ID][]Snapshot
}

// NewInMemorySnapshotStore creates an empty store.
func NewInMemorySnapshotStore() *InMemorySnapshotStore {
	return &InMemorySnapshotStore{snapshots: make(map[tenant.ID][]Snapshot)}
}

func (s *InMemorySnapshotStore) Save(_ context.Context, snap Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.snapshots[snap.TenantID] = append(s.snapshots[snap.TenantID], snap)
	return nil
}

func (s *InMemorySnapshotStore) MarkApplied(_ context.Context, tenantID tenant.ID, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	list := s.snapshots[tenantID]
	for i := range list {
		if list[i].ID == id {
			list[i].Applied = true
			list[i].AppliedAt = &at
			return nil
		}
	}
	return ErrSnapshotNotFound
}

func (s *InMemorySnapshotStore) List(_ context.Context, tenantID tenant.ID, limit int) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := append([]Snapshot(nil), s.snapshots[tenantID]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
