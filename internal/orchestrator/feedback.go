package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// ApplyFeedback records a reviewer verdict on one log entry and feeds the
// outcome to Heuristic Memory. A learning failure keeps the prior weights
// and is reported in the result, not as an error.
func (r *Runner) ApplyFeedback(ctx context.Context, ev reconlog.FeedbackEvent) (*FeedbackResult, error) {
	ctx = tenant.WithTenant(ctx, ev.TenantID)
	ctx, span := r.tracer.Start(ctx, "orchestrator.feedback", trace.WithAttributes(
		attribute.String("tenant_id", ev.TenantID.String()),
		attribute.String("log_id", ev.LogID),
		attribute.String("outcome", string(ev.Outcome)),
	))
	defer span.End()

	res, err := r.applyFeedback(ctx, ev)
	result := feedbackResult(err)
	FeedbackTotal.WithLabelValues(string(ev.Outcome), result).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		switch result {
		case "already_verified":
			r.logger.Info(ctx, "feedback ignored: decision already human-verified",
				zap.String("log_id", ev.LogID))
		case "failed":
			r.logger.Error(ctx, "feedback failed", zap.String("log_id", ev.LogID), zap.Error(err))
		default:
			r.logger.Warn(ctx, "feedback rejected", zap.String("log_id", ev.LogID), zap.Error(err))
		}
		return nil, err
	}
	r.logger.Info(ctx, "feedback applied",
		zap.String("log_id", ev.LogID),
		zap.String("outcome", string(ev.Outcome)),
		zap.Int("entries", len(res.Entries)),
		zap.Int("updates", len(res.Updates)))
	return res, nil
}

func feedbackResult(err error) string {
	switch {
	case err == nil:
		return "applied"
	case errors.Is(err, reconlog.ErrAlreadyVerified):
		return "already_verified"
	case errors.Is(err, reconlog.ErrNotFound):
		return "not_found"
	case errors.Is(err, reconlog.ErrInvalidFeedback):
		return "invalid"
	default:
		return "failed"
	}
}

func (r *Runner) applyFeedback(ctx context.Context, ev reconlog.FeedbackEvent) (*FeedbackResult, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	g := r.guard(ev.TenantID)
	g.mu.Lock()
	defer g.mu.Unlock()

	target, err := r.logs.Get(ctx, ev.TenantID, ev.LogID)
	if err != nil {
		return nil, fmt.Errorf("loading log %s: %w", ev.LogID, err)
	}
	latest, err := r.logs.Latest(ctx, ev.TenantID)
	if err != nil {
		return nil, fmt.Errorf("loading effective status: %w", err)
	}
	current := latest[target.InternalID]

	var res *FeedbackResult
	switch ev.Outcome {
	case reconlog.OutcomeConfirmed:
		res, err = r.confirm(ctx, *target, current, ev)
	default:
		res, err = r.correct(ctx, *target, current, ev)
	}
	if err != nil {
		return nil, err
	}
	if g.touched != nil {
		for _, e := range res.Entries {
			g.touched[e.InternalID] = true
		}
	}
	for _, e := range res.Entries {
		DecisionsTotal.WithLabelValues(string(e.Status)).Inc()
		r.publish(ctx, e)
	}
	return res, nil
}

func (r *Runner) confirm(ctx context.Context, target, current reconlog.Entry, ev reconlog.FeedbackEvent) (*FeedbackResult, error) {
	if target.ExternalID == "" {
		return nil, fmt.Errorf("%w: log %s links no external record", reconlog.ErrInvalidFeedback, target.ID)
	}
	if target.Status == decision.StatusDisputed {
		return nil, fmt.Errorf("%w: log %s is a dispute", reconlog.ErrInvalidFeedback, target.ID)
	}
	if current.HumanVerified && current.ExternalID == target.ExternalID {
		return nil, fmt.Errorf("%w: %s already verified against %s", reconlog.ErrAlreadyVerified, target.InternalID, target.ExternalID)
	}
	// Only a correction may move a reviewer's claim to another voucher.
	held, err := r.claims.Get(ctx, target.TenantID, target.ExternalID)
	if err != nil {
		return nil, fmt.Errorf("loading claim on %s: %w", target.ExternalID, err)
	}
	if held != nil && held.HumanVerified && held.InternalID != target.InternalID {
		return nil, fmt.Errorf("%w: %s is verified against %s", reconlog.ErrAlreadyVerified, target.ExternalID, held.InternalID)
	}

	verified := r.feedbackEntry(target, ev, decision.StatusHumanVerified, target.ExternalID)
	verified.Score = target.Score
	verified.Trace = target.Trace
	verified.Trace.Rule = reconlog.RuleFeedbackConfirmed

	entries, err := r.pin(ctx, []reconlog.Entry{verified}, verified)
	if err != nil {
		return nil, err
	}
	res := &FeedbackResult{Entries: entries}
	r.learn(ctx, res, target, true)
	return res, nil
}

func (r *Runner) correct(ctx context.Context, target, current reconlog.Entry, ev reconlog.FeedbackEvent) (*FeedbackResult, error) {
	if target.ExternalID == "" && ev.CorrectedExternalID == "" {
		return nil, fmt.Errorf("%w: log %s links no external record to dispute", reconlog.ErrInvalidFeedback, target.ID)
	}
	if ev.CorrectedExternalID != "" && ev.CorrectedExternalID == target.ExternalID {
		return nil, fmt.Errorf("%w: corrected_external_id equals the disputed record", reconlog.ErrInvalidFeedback)
	}
	if ev.CorrectedExternalID == "" && current.Status == decision.StatusDisputed && current.ExternalID == target.ExternalID {
		return nil, fmt.Errorf("%w: %s/%s is already disputed", reconlog.ErrInvalidFeedback, target.InternalID, target.ExternalID)
	}
	if ev.CorrectedExternalID != "" {
		if err := r.requireExternal(ctx, ev.TenantID, ev.CorrectedExternalID); err != nil {
			return nil, err
		}
	}

	var entries []reconlog.Entry
	if target.ExternalID != "" {
		disputed := r.feedbackEntry(target, ev, decision.StatusDisputed, target.ExternalID)
		disputed.Score = target.Score
		disputed.Trace = target.Trace
		disputed.Trace.Rule = reconlog.RuleFeedbackCorrected
		entries = append(entries, disputed)
	}

	if ev.CorrectedExternalID == "" {
		released, err := r.claims.ReleaseByInternal(ctx, ev.TenantID, target.InternalID)
		if err != nil {
			return nil, fmt.Errorf("releasing claims of %s: %w", target.InternalID, err)
		}
		if err := r.logs.Append(ctx, entries...); err != nil {
			r.restoreClaims(ctx, released)
			return nil, fmt.Errorf("appending dispute: %w", err)
		}
	} else {
		verified := r.feedbackEntry(target, ev, decision.StatusHumanVerified, ev.CorrectedExternalID)
		verified.Score = reconlog.Score(1)
		verified.Trace = reconlog.Trace{Rule: reconlog.RuleCorrectionTarget, Thresholds: target.Trace.Thresholds}
		var err error
		if entries, err = r.pin(ctx, append(entries, verified), verified); err != nil {
			return nil, err
		}
	}

	res := &FeedbackResult{Entries: entries}
	r.learn(ctx, res, target, false)
	return res, nil
}

// pin moves the internal record's claims to the verified external record,
// then appends entries together with a displacement entry for whoever held
// that record before. If the append fails every claim is put back.
func (r *Runner) pin(ctx context.Context, entries []reconlog.Entry, verified reconlog.Entry) ([]reconlog.Entry, error) {
	released, err := r.claims.ReleaseByInternal(ctx, verified.TenantID, verified.InternalID)
	if err != nil {
		return nil, fmt.Errorf("releasing claims of %s: %w", verified.InternalID, err)
	}
	claim := decision.Claim{
		TenantID:      verified.TenantID,
		ExternalID:    verified.ExternalID,
		InternalID:    verified.InternalID,
		LogID:         verified.ID,
		Score:         verified.ScoreFloat(),
		HumanVerified: true,
		ClaimedAt:     r.now().UTC(),
	}
	displaced, err := r.claims.ForceClaim(ctx, claim)
	if err != nil {
		r.restoreClaims(ctx, released)
		return nil, fmt.Errorf("claiming %s: %w", verified.ExternalID, err)
	}
	if displaced != nil {
		entries = append(entries, r.displacedEntry(verified.TenantID, "", verified.Trace.Thresholds, *displaced))
	}

	if err := r.logs.Append(ctx, entries...); err != nil {
		r.undoClaim(ctx, decision.Outcome{Claim: &claim, Displaced: displaced})
		r.restoreClaims(ctx, released)
		return nil, fmt.Errorf("appending feedback: %w", err)
	}
	return entries, nil
}

// restoreClaims reinstalls claims released ahead of an append that failed.
func (r *Runner) restoreClaims(ctx context.Context, released []decision.Claim) {
	bg := context.WithoutCancel(ctx)
	for _, c := range released {
		if err := r.claims.Restore(bg, c, ""); err != nil {
			r.logger.Error(ctx, "restoring released claim failed",
				zap.String("external_id", c.ExternalID), zap.Error(err))
		}
	}
}

func (r *Runner) feedbackEntry(target reconlog.Entry, ev reconlog.FeedbackEvent, status decision.Status, externalID string) reconlog.Entry {
	return reconlog.Entry{
		ID:            uuid.New().String(),
		TenantID:      target.TenantID,
		InternalID:    target.InternalID,
		ExternalID:    externalID,
		Status:        status,
		HumanVerified: status == decision.StatusHumanVerified,
		VerifierID:    ev.VerifierID,
		SupersedesID:  target.ID,
		CreatedAt:     r.now().UTC(),
	}
}

// requireExternal checks that id names a staged external record.
func (r *Runner) requireExternal(ctx context.Context, tenantID tenant.ID, id string) error {
	raws, err := r.records.ListRaw(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}
	for _, raw := range raws {
		if raw.ID != id {
			continue
		}
		if kind, err := record.ParseSourceKind(raw.SourceKind); err == nil && !kind.Internal() {
			return nil
		}
	}
	return fmt.Errorf("%w: external record %s not found", reconlog.ErrInvalidFeedback, id)
}

// learn sends the verdict on target's firing pattern to Heuristic Memory.
func (r *Runner) learn(ctx context.Context, res *FeedbackResult, target reconlog.Entry, confirmed bool) {
	if len(target.Trace.Pattern) == 0 {
		return
	}
	updates, err := r.memory.ApplyFeedback(ctx, heuristics.Signal{
		TenantID:      target.TenantID,
		Pattern:       target.Trace.Pattern,
		PatternHash:   target.Trace.PatternHash,
		Contributions: target.Trace.Contributions(),
		Weights:       target.Trace.Weights,
		Score:         target.ScoreFloat(),
		Confirmed:     confirmed,
	})
	res.Updates = updates
	if err != nil {
		LearningFailuresTotal.Inc()
		res.LearningError = err.Error()
		if !errors.Is(err, heuristics.ErrLearningUpdate) {
			r.logger.Error(ctx, "learning update failed", zap.String("log_id", target.ID), zap.Error(err))
		}
	}
}
