package heuristics

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

var (
	// ErrLearningUpdate is returned when an update fails validation. The
	// stored row is left unchanged.
	ErrLearningUpdate = errors.New("learning update rejected")
	// ErrProposalRejected is returned when a reflection proposal exceeds
	// its per-cycle cap or would produce an invalid policy.
	ErrProposalRejected = errors.New("proposal rejected")
)

// Pattern is the learned state for one firing pattern in one partition.
type Pattern struct {
	Partition string           `json:"partition"`
	Hash      string           `json:"hash"`
	Names     []string         `json:"pattern"`
	Weights   matching.Weights `json:"weights"`
	Success   float64          `json:"success"`
	Usage     int              `json:"usage"`
	Version   int              `json:"version"`
	LastUsed  time.Time        `json:"last_used"`
	UpdatedAt time.Time        `json:"updated_at"`
}

// TenantPolicy holds a tenant's decision thresholds.
type TenantPolicy struct {
	TenantID   tenant.ID           `json:"tenant_id"`
	Thresholds decision.Thresholds `json:"thresholds"`
	Version    int                 `json:"version"`
	UpdatedAt  time.Time           `json:"updated_at"`
}

// Store persists patterns and policies.
type Store interface {
	// GetPattern returns the row for (partition, hash), or nil when absent.
	GetPattern(ctx context.Context, partition, hash string) (*Pattern, error)
	// PutPattern inserts or replaces rows. Either every row is written or
	// none is.
	PutPattern(ctx context.Context, rows ...Pattern) error
	// ListPatterns returns every row in a partition ordered by hash.
	ListPatterns(ctx context.Context, partition string) ([]Pattern, error)
	// GetPolicy returns the tenant's policy, or nil when none was stored.
	GetPolicy(ctx context.Context, tenantID tenant.ID) (*TenantPolicy, error)
	// PutPolicy inserts or replaces a tenant's policy.
	PutPolicy(ctx context.Context, p TenantPolicy) error
}

// Signal is one reviewer verdict on a logged decision.
type Signal struct {
	TenantID tenant.ID
	// Pattern and PatternHash identify the decision's firing pattern.
	Pattern     []string
	PatternHash string
	// Contributions holds each comparator's contribution from the rule trace.
	Contributions map[string]float64
	// Weights are the weights the decision was scored with.
	Weights matching.Weights
	Score   float64
	// Confirmed is true for confirmed feedback and false for corrections.
	Confirmed bool
}

// Update describes one applied learning step.
type Update struct {
	Partition string             `json:"partition"`
	Hash      string             `json:"hash"`
	Before    matching.Weights   `json:"before"`
	After     matching.Weights   `json:"after"`
	Deltas    map[string]float64 `json:"deltas"`
	Success   float64            `json:"success"`
	Usage     int                `json:"usage"`
}

// AdjustmentKind names what a reflection proposal changes.
type AdjustmentKind string

const (
	AdjustThreshold AdjustmentKind = "threshold"
	AdjustWeight    AdjustmentKind = "weight"
)

// Threshold targets.
const (
	TargetHigh = "t_high"
	TargetMid  = "t_mid"
)

// Adjustment is one bounded change proposed by reflection. For thresholds
// Target is TargetHigh or TargetMid; for weights it is a comparator name in
// the pattern identified by PatternHash.
type Adjustment struct {
	Kind        AdjustmentKind `json:"kind"`
	Target      string         `json:"target"`
	Partition   string         `json:"partition,omitempty"`
	PatternHash string         `json:"pattern_hash,omitempty"`
	Delta       float64        `json:"delta"`
	Reason      string         `json:"reason,omitempty"`
}
