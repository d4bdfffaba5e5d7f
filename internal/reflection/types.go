package reflection

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

var (
	// ErrReflectionComputation is returned when a cycle cannot produce a
	// snapshot. The cycle is skipped.
	ErrReflectionComputation = errors.New("reflection computation failed")
	// ErrSnapshotNotFound is returned by MarkApplied for unknown snapshots.
	ErrSnapshotNotFound = errors.New("reflection snapshot not found")
)

// IssueKind names a quality problem found by a cycle.
type IssueKind string

const (
	// IssueDisputeRateHigh means too many automated matches were corrected.
	IssueDisputeRateHigh IssueKind = "dispute_rate_high"
	// IssueNearMatchRateHigh means too many decisions need review.
	IssueNearMatchRateHigh IssueKind = "near_match_rate_high"
	// IssueUnmatchedRateHigh means too many records found no candidate.
	IssueUnmatchedRateHigh IssueKind = "unmatched_rate_high"
	// IssueWeakPattern flags a pattern whose success score stays low.
	IssueWeakPattern IssueKind = "weak_pattern"
	// IssueInsufficientData means the window held too few decisions.
	IssueInsufficientData IssueKind = "insufficient_data"
)

// Metrics aggregates automated decisions over the window.
type Metrics struct {
	// Decisions is the number of automated decisions in the window.
	Decisions int `json:"decisions"`
	// AutoMatched counts Matched decisions.
	AutoMatched int `json:"auto_matched"`
	// Disputed counts automated matches a reviewer later corrected.
	Disputed int `json:"disputed"`
	// Confirmed counts automated decisions a reviewer later confirmed.
	Confirmed int `json:"confirmed"`
	// NearMatch counts Near_Match decisions.
	NearMatch int `json:"near_match"`
	// Unmatched counts Unmatched decisions.
	Unmatched int `json:"unmatched"`

	AutoMatchRate     float64 `json:"auto_match_rate"`
	DisputeRate       float64 `json:"dispute_rate"`
	NearMatchRate     float64 `json:"near_match_rate"`
	UnmatchedRate     float64 `json:"unmatched_rate"`
	AverageConfidence float64 `json:"average_confidence"`
}

// Issue is one problem found in a cycle.
type Issue struct {
	Kind IssueKind `json:"kind"`
	// Value is the observed rate or success score.
	Value float64 `json:"value"`
	// Limit is the ceiling or floor Value crossed.
	Limit       float64 `json:"limit"`
	Partition   string  `json:"partition,omitempty"`
	PatternHash string  `json:"pattern_hash,omitempty"`
}

// Snapshot is the persisted result of one cycle.
type Snapshot struct {
	ID              string                  `json:"id"`
	TenantID        tenant.ID               `json:"tenant_id"`
	WindowStart     time.Time               `json:"window_start"`
	WindowEnd       time.Time               `json:"window_end"`
	Metrics         Metrics                 `json:"metrics"`
	Issues          []Issue                 `json:"issues"`
	Proposals       []heuristics.Adjustment `json:"proposals"`
	Recommendations []string                `json:"recommendations"`
	Applied         bool                    `json:"applied"`
	AppliedAt       *time.Time              `json:"applied_at,omitempty"`
	CreatedAt       time.Time               `json:"created_at"`
}

// SnapshotStore persists snapshots.
type SnapshotStore interface {
	// Save inserts a new snapshot.
	Save(ctx context.Context, s Snapshot) error
	// MarkApplied flags a saved snapshot as applied.
	MarkApplied(ctx context.Context, tenantID tenant.ID, id string, at time.Time) error
	// List returns a tenant's snapshots, newest first. Limit 0 means all.
	List(ctx context.Context, tenantID tenant.ID, limit int) ([]Snapshot, error)
}

// Config holds cycle parameters.
type Config struct {
	Window             time.Duration
	MaxDisputeRate     float64
	MaxNearMatchRate   float64
	MaxUnmatchedRate   float64
	MinDecisions       int
	ThresholdStep      float64
	MaxThresholdDelta  float64
	WeightStep         float64
	WeakPatternSuccess float64
	WeakPatternUsage   int
}

// ConfigFromApp derives a Config from application configuration.
func ConfigFromApp(cfg config.ReflectionConfig) Config {
	return Config{
		Window:             cfg.Window.Duration(),
		MaxDisputeRate:     cfg.MaxDisputeRate,
		MaxNearMatchRate:   cfg.MaxNearMatchRate,
		MaxUnmatchedRate:   cfg.MaxUnmatchedRate,
		MinDecisions:       cfg.MinDecisions,
		ThresholdStep:      cfg.ThresholdStep,
		MaxThresholdDelta:  cfg.MaxThresholdDelta,
		WeightStep:         cfg.WeightStep,
		WeakPatternSuccess: cfg.WeakPatternSuccess,
		WeakPatternUsage:   cfg.WeakPatternUsage,
	}
}

// DefaultConfig returns the Config derived from config.Default.
func DefaultConfig() Config {
	return ConfigFromApp(config.Default().Reflection)
}
