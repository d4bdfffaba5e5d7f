package decision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"go.uber.org/zap"
)

// Outcome is the result of deciding one internal record.
type Outcome struct {
	Status Status
	// Chosen is the evaluation the status refers to; nil when there were no candidates.
	Chosen *matching.Evaluation
	// Claim is set when Status is Matched.
	Claim *Claim
	// Displaced is a lower-scored automated claim this decision replaced.
	Displaced *Claim
	// Conflicts lists external ids whose claim attempt was rejected.
	Conflicts []string
}

// Score returns the chosen evaluation's score, or 0.
func (o Outcome) Score() float64 {
	if o.Chosen == nil {
		return 0
	}
	return o.Chosen.Score
}

// Policy applies thresholds and the claim protocol.
type Policy struct {
	claims ClaimStore
	logger *zap.Logger
	now    func() time.Time
}

// PolicyOption configures a Policy.
type PolicyOption func(*Policy)

// WithClock overrides the claim timestamp source.
func WithClock(now func() time.Time) PolicyOption {
	return func(p *Policy) { p.now = now }
}

// NewPolicy creates a Policy over claims.
func NewPolicy(claims ClaimStore, logger *zap.Logger, opts ...PolicyOption) (*Policy, error) {
	if claims == nil {
		return nil, fmt.Errorf("claim store cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	p := &Policy{claims: claims, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Decide walks the ranked evaluations. A Matched-level candidate is claimed;
// when its claim is rejected the next candidate is tried. When claims are
// exhausted the record downgrades to Near_Match on the top candidate so a
// reviewer can resolve the conflict.
func (p *Policy) Decide(ctx context.Context, th Thresholds, tenantID tenant.ID, logID string, evals []matching.Evaluation) (Outcome, error) {
	if len(evals) == 0 {
		return Outcome{Status: StatusUnmatched}, nil
	}

	var conflicts []string
	for i := range evals {
		e := &evals[i]
		status := th.Classify(e.Score)
		if status != StatusMatched {
			if len(conflicts) == 0 {
				return Outcome{Status: status, Chosen: e}, nil
			}
			return p.downgrade(evals, conflicts, th), nil
		}

		claim := Claim{
			TenantID:   tenantID,
			ExternalID: e.ExternalID(),
			InternalID: e.InternalID,
			LogID:      logID,
			Score:      e.Score,
			ClaimedAt:  p.now().UTC(),
		}
		displaced, err := p.claims.TryClaim(ctx, claim)
		if err == nil {
			return Outcome{Status: StatusMatched, Chosen: e, Claim: &claim, Displaced: displaced, Conflicts: conflicts}, nil
		}
		if !errors.Is(err, ErrClaimConflict) {
			return Outcome{}, fmt.Errorf("claiming %s: %w", claim.ExternalID, err)
		}
		if errors.Is(err, ErrHumanVerified) {
			p.logger.Info("human-verified claim left untouched",
				zap.String("tenant_id", tenantID.String()),
				zap.String("internal_id", e.InternalID),
				zap.String("external_id", claim.ExternalID))
		} else {
			p.logger.Debug("claim rejected, trying next candidate",
				zap.String("internal_id", e.InternalID),
				zap.String("external_id", claim.ExternalID),
				zap.Float64("score", e.Score))
		}
		conflicts = append(conflicts, claim.ExternalID)
	}
	return p.downgrade(evals, conflicts, th), nil
}

// downgrade picks the best unconflicted candidate below t_high, or falls back
// to Near_Match on the top candidate.
func (p *Policy) downgrade(evals []matching.Evaluation, conflicts []string, th Thresholds) Outcome {
	rejected := make(map[string]bool, len(conflicts))
	for _, id := range conflicts {
		rejected[id] = true
	}
	for i := range evals {
		if rejected[evals[i].ExternalID()] {
			continue
		}
		if status := th.Classify(evals[i].Score); status == StatusNearMatch {
			return Outcome{Status: status, Chosen: &evals[i], Conflicts: conflicts}
		}
		break
	}
	return Outcome{Status: StatusNearMatch, Chosen: &evals[0], Conflicts: conflicts}
}
