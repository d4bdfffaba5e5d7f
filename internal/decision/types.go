// Package decision maps composite scores to match statuses and commits
// exclusive claims on external records.
//
// A claim is the only shared mutable state inside one tenant's batch. The
// ClaimStore installs claims with compare-and-set semantics: a claim succeeds
// only when the external record is unclaimed or held by an automated decision
// with a strictly lower score. Human-verified claims are never displaced by
// TryClaim; only ForceClaim, used for reviewer corrections, replaces them.
package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// Status is the outcome of one decision.
type Status string

const (
	StatusMatched       Status = "Matched"
	StatusNearMatch     Status = "Near_Match"
	StatusUnmatched     Status = "Unmatched"
	StatusHumanVerified Status = "Human_Verified"
	StatusDisputed      Status = "Disputed"
)

// Settled reports whether automated passes must leave the internal record alone.
func (s Status) Settled() bool {
	return s == StatusMatched || s == StatusHumanVerified
}

// ParseStatus validates a status name.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusMatched, StatusNearMatch, StatusUnmatched, StatusHumanVerified, StatusDisputed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown status %q", s)
}

var (
	// ErrClaimConflict is returned when an equal-or-better decision already
	// holds the external record.
	ErrClaimConflict = errors.New("claim conflict")
	// ErrHumanVerified accompanies ErrClaimConflict when the holder is a
	// human-verified claim.
	ErrHumanVerified = errors.New("external record is human-verified")
	// ErrInvalidThresholds is returned for thresholds outside 0 < mid < high < 1.
	ErrInvalidThresholds = errors.New("invalid thresholds")
)

// Thresholds split scores into statuses.
type Thresholds struct {
	High float64 `json:"t_high"`
	Mid  float64 `json:"t_mid"`
}

// Validate enforces 0 < Mid < High < 1.
func (t Thresholds) Validate() error {
	if !(t.Mid > 0 && t.Mid < t.High && t.High < 1) {
		return fmt.Errorf("%w: need 0 < t_mid < t_high < 1, got t_mid=%v t_high=%v", ErrInvalidThresholds, t.Mid, t.High)
	}
	return nil
}

// Classify maps a score to Matched, Near_Match or Unmatched.
func (t Thresholds) Classify(score float64) Status {
	switch {
	case score >= t.High:
		return StatusMatched
	case score >= t.Mid:
		return StatusNearMatch
	default:
		return StatusUnmatched
	}
}

// Claim links one external record to one internal record.
type Claim struct {
	TenantID      tenant.ID `json:"tenant_id"`
	ExternalID    string    `json:"external_id"`
	InternalID    string    `json:"internal_id"`
	LogID         string    `json:"log_id"`
	Score         float64   `json:"score"`
	HumanVerified bool      `json:"human_verified"`
	ClaimedAt     time.Time `json:"claimed_at"`
}

// ClaimStore persists claims. Implementations must make TryClaim and
// ForceClaim atomic per (tenant, external id).
type ClaimStore interface {
	// TryClaim installs c when the record is unclaimed or held by an
	// automated claim with a strictly lower score, returning the displaced
	// claim if any. Otherwise it returns an error wrapping ErrClaimConflict.
	TryClaim(ctx context.Context, c Claim) (*Claim, error)
	// ForceClaim installs a human-verified claim unconditionally.
	ForceClaim(ctx context.Context, c Claim) (*Claim, error)
	// Release removes the claim on externalID if it is held by logID.
	Release(ctx context.Context, tenantID tenant.ID, externalID, logID string) error
	// Restore reinstalls prior, human-verified flag included, when its
	// external record is unclaimed or still held by heldBy. An empty heldBy
	// only restores onto an unclaimed record. Anything else is an error
	// wrapping ErrClaimConflict. It undoes a claim whose log entry was
	// never written.
	Restore(ctx context.Context, prior Claim, heldBy string) error
	// ReleaseByInternal removes every claim held by internalID.
	ReleaseByInternal(ctx context.Context, tenantID tenant.ID, internalID string) ([]Claim, error)
	// Get returns the claim on externalID, or nil.
	Get(ctx context.Context, tenantID tenant.ID, externalID string) (*Claim, error)
	// List returns every claim for a tenant ordered by external id.
	List(ctx context.Context, tenantID tenant.ID) ([]Claim, error)
}

// Restorable reports whether prior may go back over held under Restore rules.
func Restorable(held *Claim, prior Claim, heldBy string) error {
	if held == nil || (heldBy != "" && held.LogID == heldBy) {
		return nil
	}
	return fmt.Errorf("%w: cannot restore %s for %s, now held by %s", ErrClaimConflict, prior.ExternalID, prior.InternalID, held.InternalID)
}

// Admits reports whether incoming may replace held under TryClaim rules.
func Admits(held *Claim, incoming Claim) error {
	if held == nil {
		return nil
	}
	if held.HumanVerified {
		return fmt.Errorf("%w: %w", ErrClaimConflict, ErrHumanVerified)
	}
	if held.LogID == incoming.LogID {
		return nil
	}
	if held.Score >= incoming.Score {
		return fmt.Errorf("%w: %s held by %s at %.4f", ErrClaimConflict, held.ExternalID, held.InternalID, held.Score)
	}
	return nil
}
