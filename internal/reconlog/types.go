// Package reconlog defines the append-only reconciliation log and the
// feedback events reviewers submit against it.
//
// Entries are never updated or deleted. A reviewer decision appends a new
// entry that names the entry it supersedes, so the effective status of an
// internal record is always its latest entry.
package reconlog

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/shopspring/decimal"
)

var (
	// ErrNotFound is returned when a log entry does not exist for the tenant.
	ErrNotFound = errors.New("log entry not found")
	// ErrAlreadyVerified is returned when feedback targets a record a
	// reviewer has already settled.
	ErrAlreadyVerified = errors.New("record already human-verified")
	// ErrInvalidFeedback is returned for malformed feedback events.
	ErrInvalidFeedback = errors.New("invalid feedback")
)

// Rule names recorded in a trace to explain why an entry exists.
const (
	RuleScored            = "scored"
	RuleNoCandidates      = "no_candidates"
	RuleClaimConflict     = "claim_conflict_downgrade"
	RuleClaimDisplaced    = "claim_displaced"
	RuleFeedbackConfirmed = "feedback_confirmed"
	RuleFeedbackCorrected = "feedback_corrected"
	RuleCorrectionTarget  = "feedback_correction_target"
)

// Trace is the rule trace behind a decision.
type Trace struct {
	Rule        string              `json:"rule"`
	Results     []matching.Result   `json:"results,omitempty"`
	Pattern     []string            `json:"pattern,omitempty"`
	PatternHash string              `json:"pattern_hash,omitempty"`
	Weights     matching.Weights    `json:"weights,omitempty"`
	Thresholds  decision.Thresholds `json:"thresholds"`
	Conflicts   []string            `json:"conflicts,omitempty"`
	AmountDiff  string              `json:"amount_diff,omitempty"`
	DayDiff     int                 `json:"day_diff,omitempty"`
	Candidates  int                 `json:"candidates"`
}

// Contributions returns each comparator's contribution keyed by name.
func (t Trace) Contributions() map[string]float64 {
	out := make(map[string]float64, len(t.Results))
	for _, r := range t.Results {
		out[r.Name] = r.Contribution
	}
	return out
}

// Entry is one row of the reconciliation log.
type Entry struct {
	ID            string          `json:"id"`
	Seq           int64           `json:"seq"`
	TenantID      tenant.ID       `json:"tenant_id"`
	RunID         string          `json:"run_id,omitempty"`
	InternalID    string          `json:"internal_id"`
	ExternalID    string          `json:"external_id,omitempty"`
	Status        decision.Status `json:"status"`
	Score         decimal.Decimal `json:"match_score"`
	Trace         Trace           `json:"rule_trace"`
	Explanation   string          `json:"explanation,omitempty"`
	HumanVerified bool            `json:"human_verified"`
	VerifierID    string          `json:"verifier_id,omitempty"`
	SupersedesID  string          `json:"supersedes_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ScoreFloat returns the score as a float64.
func (e Entry) ScoreFloat() float64 {
	f, _ := e.Score.Float64()
	return f
}

// Automated reports whether the entry came from a matching pass rather
// than a reviewer.
func (e Entry) Automated() bool {
	return !e.HumanVerified && e.Status != decision.StatusDisputed
}

// SameDecision reports whether e and o carry the same status, external id
// and score.
func (e Entry) SameDecision(o Entry) bool {
	return e.Status == o.Status && e.ExternalID == o.ExternalID && e.Score.Equal(o.Score)
}

// Score converts a composite score to its stored four-place decimal.
func Score(v float64) decimal.Decimal {
	return decimal.NewFromFloat(v).Round(4)
}

// Outcome is a reviewer verdict.
type Outcome string

const (
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeCorrected Outcome = "corrected"
)

// FeedbackEvent is a reviewer verdict on one log entry. A corrected event
// may name the external record the internal record actually matches.
type FeedbackEvent struct {
	TenantID            tenant.ID `json:"tenant_id"`
	LogID               string    `json:"log_id"`
	Outcome             Outcome   `json:"outcome"`
	CorrectedExternalID string    `json:"corrected_external_id,omitempty"`
	VerifierID          string    `json:"verifier_id,omitempty"`
}

// Validate checks field presence and outcome.
func (f FeedbackEvent) Validate() error {
	if _, err := tenant.Parse(f.TenantID.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFeedback, err)
	}
	if f.LogID == "" {
		return fmt.Errorf("%w: log_id is required", ErrInvalidFeedback)
	}
	switch f.Outcome {
	case OutcomeConfirmed:
		if f.CorrectedExternalID != "" {
			return fmt.Errorf("%w: corrected_external_id only applies to corrected feedback", ErrInvalidFeedback)
		}
	case OutcomeCorrected:
	default:
		return fmt.Errorf("%w: outcome must be confirmed or corrected, got %q", ErrInvalidFeedback, f.Outcome)
	}
	return nil
}

// Filter narrows a List call. Zero fields match everything.
type Filter struct {
	Status     decision.Status
	InternalID string
	ExternalID string
	Since      time.Time
	Until      time.Time
	Limit      int
}

// Match reports whether e passes the filter.
func (f Filter) Match(e Entry) bool {
	if f.Status != "" && e.Status != f.Status {
		return false
	}
	if f.InternalID != "" && e.InternalID != f.InternalID {
		return false
	}
	if f.ExternalID != "" && e.ExternalID != f.ExternalID {
		return false
	}
	if !f.Since.IsZero() && e.CreatedAt.Before(f.Since) {
		return false
	}
	if !f.Until.IsZero() && !e.CreatedAt.Before(f.Until) {
		return false
	}
	return true
}

// Store is the append-only log.
type Store interface {
	// Append writes entries in order, assigning each a sequence number.
	Append(ctx context.Context, entries ...Entry) error
	// Get returns one entry or ErrNotFound.
	Get(ctx context.Context, tenantID tenant.ID, id string) (*Entry, error)
	// List returns matching entries in append order.
	List(ctx context.Context, tenantID tenant.ID, f Filter) ([]Entry, error)
	// Latest returns the most recent entry per internal record.
	Latest(ctx context.Context, tenantID tenant.ID) (map[string]Entry, error)
	// Tenants returns every tenant with at least one entry.
	Tenants(ctx context.Context) ([]tenant.ID, error)
}
