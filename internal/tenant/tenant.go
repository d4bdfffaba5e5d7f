// Package tenant carries the client-company identifier that partitions every
// record, log row and learned pattern. The core trusts the identifier it is
// given and performs no authorization.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"regexp"
)

// Scope selects which partition heuristic patterns are read from and written to.
type Scope string

const (
	// ScopeTenant keeps patterns private to each tenant.
	ScopeTenant Scope = "tenant"
	// ScopeGlobal shares one pattern table across all tenants.
	ScopeGlobal Scope = "global"
	// ScopeBoth writes tenant and global rows and reads whichever scores better.
	ScopeBoth Scope = "both"
)

// GlobalPartition is the partition key for shared patterns.
const GlobalPartition = "_global"

// Common errors.
var (
	ErrInvalidTenantID = errors.New("invalid tenant ID")
	ErrInvalidScope    = errors.New("invalid scope")
)

const maxIDLen = 64

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// ID identifies one client company.
type ID string

// Parse validates a tenant identifier.
func Parse(s string) (ID, error) {
	if s == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidTenantID)
	}
	if len(s) > maxIDLen {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidTenantID, maxIDLen)
	}
	if !idPattern.MatchString(s) {
		return "", fmt.Errorf("%w: %q must be alphanumeric, hyphen or underscore", ErrInvalidTenantID, s)
	}
	return ID(s), nil
}

func (id ID) String() string { return string(id) }

// ParseScope validates a heuristic scope name.
func ParseScope(s string) (Scope, error) {
	switch Scope(s) {
	case ScopeTenant, ScopeGlobal, ScopeBoth:
		return Scope(s), nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidScope, s)
}

// WritePartitions returns the partition keys learned updates for id land in.
// ScopeBoth feeds the shared table as well as the tenant's own rows.
func (s Scope) WritePartitions(id ID) []string {
	switch s {
	case ScopeGlobal:
		return []string{GlobalPartition}
	case ScopeBoth:
		return []string{string(id), GlobalPartition}
	default:
		return []string{string(id)}
	}
}

// ReadPartitions returns the partition keys consulted on lookup, in preference order.
func (s Scope) ReadPartitions(id ID) []string {
	switch s {
	case ScopeGlobal:
		return []string{GlobalPartition}
	case ScopeBoth:
		return []string{string(id), GlobalPartition}
	default:
		return []string{string(id)}
	}
}

type tenantCtxKey struct{}

// WithTenant attaches a tenant ID to ctx.
func WithTenant(ctx context.Context, id ID) context.Context {
	return context.WithValue(ctx, tenantCtxKey{}, id)
}

// FromContext returns the tenant ID attached to ctx.
func FromContext(ctx context.Context) (ID, bool) {
	id, ok := ctx.Value(tenantCtxKey{}).(ID)
	return id, ok && id != ""
}
