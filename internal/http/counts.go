package http

import (
	"context"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// TenantLister is implemented by every store that knows its tenants.
type TenantLister interface {
	Tenants(ctx context.Context) ([]tenant.ID, error)
}

// CountTenants returns the number of distinct tenants across sources.
//
// Returns -1 if:
//   - no source is given
//   - any source fails to list its tenants
//
// A tenant with staged records but no decisions yet still counts once.
func CountTenants(ctx context.Context, sources ...TenantLister) int {
	if len(sources) == 0 {
		return -1
	}
	seen := make(map[tenant.ID]struct{})
	for _, src := range sources {
		if src == nil {
			continue
		}
		ids, err := src.Tenants(ctx)
		if err != nil {
			return -1
		}
		for _, id := range ids {
			seen[id] = struct{}{}
		}
	}
	return len(seen)
}
