package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

var (
	// ErrRunInProgress is returned when a tenant already has a batch running.
	ErrRunInProgress = errors.New("batch run already in progress for tenant")

	// ErrRunInterrupted wraps the context error of a cancelled or timed-out
	// batch. The accompanying summary covers the records processed so far.
	ErrRunInterrupted = errors.New("batch run interrupted")
)

// Phase is a stage of a batch run.
type Phase string

const (
	PhaseLoad      Phase = "load"
	PhaseNormalize Phase = "normalize"
	PhaseScore     Phase = "score"
	PhaseDecide    Phase = "decide"
	PhaseReport    Phase = "report"
)

// AllPhases returns phases in execution order.
func AllPhases() []Phase {
	return []Phase{PhaseLoad, PhaseNormalize, PhaseScore, PhaseDecide, PhaseReport}
}

// PhaseProgress reports progress during a run.
type PhaseProgress struct {
	RunID      string    `json:"run_id"`
	TenantID   tenant.ID `json:"tenant_id"`
	Phase      Phase     `json:"phase"`
	Message    string    `json:"message"`
	Percentage int       `json:"percentage"`
}

// ProgressCallback receives progress updates.
type ProgressCallback func(progress PhaseProgress)

// Rejection names a raw record the normalizer refused.
type Rejection struct {
	RecordID string `json:"record_id"`
	Reason   string `json:"reason"`
}

// BatchSummary describes one finished (or interrupted) batch run.
type BatchSummary struct {
	RunID    string    `json:"run_id"`
	TenantID tenant.ID `json:"tenant_id"`

	// Internal is the number of valid internal records considered.
	Internal int `json:"internal_count"`
	// External is the number of valid external records indexed.
	External int `json:"external_count"`
	// Processed counts internal records that went through the decide phase.
	Processed int `json:"processed_count"`
	Matched   int `json:"matched_count"`
	NearMatch int `json:"near_match_count"`
	Unmatched int `json:"unmatched_count"`
	// Disputed counts records re-examined after a reviewer disputed their
	// previous match.
	Disputed       int `json:"disputed_count"`
	Skipped        int `json:"skipped_count"`
	Unchanged      int `json:"unchanged_count"`
	Displaced      int `json:"displaced_count"`
	ClaimConflicts int `json:"claim_conflict_count"`
	Rejected       int `json:"rejected_count"`

	Rejections        []Rejection `json:"rejections,omitempty"`
	AverageConfidence float64     `json:"average_confidence"`
	Cancelled         bool        `json:"cancelled"`
	StartedAt         time.Time   `json:"started_at"`
	FinishedAt        time.Time   `json:"finished_at"`
	Elapsed           string      `json:"elapsed"`
}

// FeedbackResult reports what a feedback event changed.
type FeedbackResult struct {
	Entries []reconlog.Entry    `json:"entries"`
	Updates []heuristics.Update `json:"updates,omitempty"`
	// LearningError is set when Heuristic Memory refused the update; the
	// log entries are still committed.
	LearningError string `json:"learning_error,omitempty"`
}

// EventPublisher receives decisions and run summaries. Implementations
// must not block matching for long.
type EventPublisher interface {
	Decision(ctx context.Context, e reconlog.Entry) error
	Run(ctx context.Context, tenantID tenant.ID, summary any) error
}

type nopPublisher struct{}

func (nopPublisher) Decision(context.Context, reconlog.Entry) error { return nil }
func (nopPublisher) Run(context.Context, tenant.ID, any) error { return nil }
