package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/fyrsmithlabs/recond/internal/candidate"
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/explain"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/logging"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

const instrumentationName = "github.com/fyrsmithlabs/recond/internal/orchestrator"

// Deps are the collaborators a Runner works over.
type Deps struct {
	Records record.Store
	Logs    reconlog.Store
	Claims  decision.ClaimStore
	Memory  *heuristics.Memory
	// Explainer is optional; the deterministic template is used when nil.
	Explainer explain.Explainer
	// Events is optional; events are dropped when nil.
	Events EventPublisher
}

// Runner executes batch runs and feedback for any number of tenants.
// Runs for different tenants proceed in parallel; a second run for a tenant
// that is already running is refused.
type Runner struct {
	records   record.Store
	logs      reconlog.Store
	claims    decision.ClaimStore
	memory    *heuristics.Memory
	explainer explain.Explainer
	events    EventPublisher
	policy    *decision.Policy
	engine    *matching.Engine
	cfg       Config
	logger    *logging.Logger
	tracer    trace.Tracer
	now       func() time.Time
	progress  ProgressCallback

	running sync.Map // tenant.ID -> struct{}
	guards  sync.Map // tenant.ID -> *tenantGuard
}

// tenantGuard serializes feedback against the decide step of a running
// batch. Records touched by feedback while a batch runs are left alone by
// that batch, since its view of their status is stale.
type tenantGuard struct {
	mu      sync.Mutex
	touched map[string]bool // nil when no batch is running
}

func (r *Runner) guard(id tenant.ID) *tenantGuard {
	v, _ := r.guards.LoadOrStore(id, &tenantGuard{})
	return v.(*tenantGuard)
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock overrides the timestamp source for log entries and claims.
func WithClock(now func() time.Time) Option {
	return func(r *Runner) { r.now = now }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(r *Runner) { r.tracer = t }
}

// WithProgress registers a progress callback.
func WithProgress(cb ProgressCallback) Option {
	return func(r *Runner) { r.progress = cb }
}

// NewRunner creates a Runner.
func NewRunner(deps Deps, cfg Config, logger *logging.Logger, opts ...Option) (*Runner, error) {
	if deps.Records == nil || deps.Logs == nil || deps.Claims == nil || deps.Memory == nil {
		return nil, errors.New("records, logs, claims and memory are required")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid orchestrator config: %w", err)
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	r := &Runner{
		records:   deps.Records,
		logs:      deps.Logs,
		claims:    deps.Claims,
		memory:    deps.Memory,
		explainer: deps.Explainer,
		events:    deps.Events,
		engine:    matching.NewEngine(cfg.Params),
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	if r.explainer == nil {
		r.explainer = explain.Template{}
	}
	if r.events == nil {
		r.events = nopPublisher{}
	}
	for _, opt := range opts {
		opt(r)
	}
	policy, err := decision.NewPolicy(deps.Claims, logger.Underlying(), decision.WithClock(r.now))
	if err != nil {
		return nil, err
	}
	r.policy = policy
	return r, nil
}

// runState is the mutable bookkeeping of one run.
type runState struct {
	summary    *BatchSummary
	th         decision.Thresholds
	latest     map[string]reconlog.Entry
	confidence float64
}

// Run executes one batch for tenantID. On cancellation or timeout it returns
// the partial summary together with an error wrapping ErrRunInterrupted.
func (r *Runner) Run(ctx context.Context, tenantID tenant.ID) (*BatchSummary, error) {
	if _, err := tenant.Parse(tenantID.String()); err != nil {
		return nil, err
	}
	if _, busy := r.running.LoadOrStore(tenantID, struct{}{}); busy {
		return nil, fmt.Errorf("%w: %s", ErrRunInProgress, tenantID)
	}
	defer r.running.Delete(tenantID)

	g := r.guard(tenantID)
	g.mu.Lock()
	g.touched = make(map[string]bool)
	g.mu.Unlock()
	defer func() {
		g.mu.Lock()
		g.touched = nil
		g.mu.Unlock()
	}()

	runID := uuid.New().String()
	ctx = logging.WithRunID(tenant.WithTenant(ctx, tenantID), runID)
	ctx, span := r.tracer.Start(ctx, "orchestrator.run", trace.WithAttributes(
		attribute.String("tenant_id", tenantID.String()),
		attribute.String("run_id", runID),
	))
	defer span.End()

	if r.cfg.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.BatchTimeout)
		defer cancel()
	}

	started := time.Now()
	st := &runState{summary: &BatchSummary{
		RunID:     runID,
		TenantID:  tenantID,
		StartedAt: r.now().UTC(),
	}}
	err := r.run(ctx, st)

	s := st.summary
	elapsed := time.Since(started)
	s.FinishedAt = r.now().UTC()
	s.Elapsed = elapsed.String()
	if s.Processed > 0 {
		s.AverageConfidence = matching.RoundScore(st.confidence / float64(s.Processed))
	}
	BatchDuration.Observe(elapsed.Seconds())
	span.SetAttributes(
		attribute.Int("processed", s.Processed),
		attribute.Int("matched", s.Matched),
		attribute.Int("rejected", s.Rejected),
	)

	switch {
	case err == nil:
		RunsTotal.WithLabelValues("completed").Inc()
		r.logger.Info(ctx, "batch run completed",
			zap.Int("processed", s.Processed),
			zap.Int("matched", s.Matched),
			zap.Int("near_match", s.NearMatch),
			zap.Int("unmatched", s.Unmatched),
			zap.Int("rejected", s.Rejected),
			zap.Duration("elapsed", elapsed))
	case errors.Is(err, ErrRunInterrupted):
		RunsTotal.WithLabelValues("interrupted").Inc()
		span.SetStatus(codes.Error, err.Error())
		r.logger.Warn(ctx, "batch run interrupted",
			zap.Int("processed", s.Processed),
			zap.Error(err))
	default:
		RunsTotal.WithLabelValues("failed").Inc()
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		r.logger.Error(ctx, "batch run failed", zap.Error(err))
		return nil, err
	}

	r.report(ctx, PhaseReport, s, "run finished", 100)
	if perr := r.events.Run(context.WithoutCancel(ctx), tenantID, s); perr != nil {
		r.logger.Warn(ctx, "run event not published", zap.Error(perr))
	}
	return s, err
}

// RunAll runs every listed tenant in parallel. With no tenants it runs every
// tenant that has staged records. A failing tenant does not stop the others;
// the first failure is returned alongside the summaries that completed.
func (r *Runner) RunAll(ctx context.Context, tenants []tenant.ID) ([]*BatchSummary, error) {
	if len(tenants) == 0 {
		var err error
		if tenants, err = r.records.Tenants(ctx); err != nil {
			return nil, fmt.Errorf("listing tenants: %w", err)
		}
	}
	summaries := make([]*BatchSummary, len(tenants))
	var g errgroup.Group
	for i, id := range tenants {
		g.Go(func() error {
			s, err := r.Run(ctx, id)
			summaries[i] = s
			if err != nil {
				return fmt.Errorf("tenant %s: %w", id, err)
			}
			return nil
		})
	}
	err := g.Wait()

	out := make([]*BatchSummary, 0, len(summaries))
	for _, s := range summaries {
		if s != nil {
			out = append(out, s)
		}
	}
	return out, err
}

func (r *Runner) run(ctx context.Context, st *runState) error {
	s := st.summary
	tenantID := s.TenantID

	r.report(ctx, PhaseLoad, s, "loading staged records", 0)
	raws, err := r.records.ListRaw(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading records: %w", err)
	}

	r.report(ctx, PhaseNormalize, s, fmt.Sprintf("normalizing %d records", len(raws)), 10)
	var internal, external []record.Comparable
	for _, raw := range raws {
		c, err := record.Normalize(raw)
		if err != nil {
			s.Rejected++
			s.Rejections = append(s.Rejections, Rejection{RecordID: raw.ID, Reason: err.Error()})
			RecordsRejectedTotal.Inc()
			r.logger.Warn(ctx, "record rejected", zap.String("record_id", raw.ID), zap.Error(err))
			continue
		}
		if c.TenantID != tenantID {
			s.Rejected++
			s.Rejections = append(s.Rejections, Rejection{RecordID: raw.ID, Reason: "tenant mismatch"})
			RecordsRejectedTotal.Inc()
			r.logger.Warn(ctx, "record rejected", zap.String("record_id", raw.ID),
				zap.String("record_tenant", c.TenantID.String()))
			continue
		}
		if c.Kind.Internal() {
			internal = append(internal, c)
		} else {
			external = append(external, c)
		}
	}
	sort.Slice(internal, func(i, j int) bool { return internal[i].ID < internal[j].ID })
	s.Internal, s.External = len(internal), len(external)

	if st.latest, err = r.logs.Latest(ctx, tenantID); err != nil {
		return fmt.Errorf("loading effective statuses: %w", err)
	}
	disputed, err := r.logs.List(ctx, tenantID, reconlog.Filter{Status: decision.StatusDisputed})
	if err != nil {
		return fmt.Errorf("loading disputed pairs: %w", err)
	}
	pairs := make([]candidate.Pair, 0, len(disputed))
	for _, d := range disputed {
		if d.ExternalID != "" {
			pairs = append(pairs, candidate.Pair{InternalID: d.InternalID, ExternalID: d.ExternalID})
		}
	}

	pending := make([]record.Comparable, 0, len(internal))
	for _, rec := range internal {
		prior, ok := st.latest[rec.ID]
		switch {
		case ok && prior.Status.Settled():
			s.Skipped++
			continue
		case ok && prior.Status == decision.StatusDisputed:
			s.Disputed++
		}
		pending = append(pending, rec)
	}

	if st.th, err = r.memory.Thresholds(ctx, tenantID); err != nil {
		return fmt.Errorf("loading thresholds: %w", err)
	}
	snap, err := r.memory.Snapshot(ctx, tenantID)
	if err != nil {
		return fmt.Errorf("loading weight snapshot: %w", err)
	}
	gen := candidate.NewGenerator(r.cfg.Rules, external, candidate.WithExcludedPairs(pairs))

	r.report(ctx, PhaseScore, s, fmt.Sprintf("scoring %d records", len(pending)), 20)
	evals, err := r.score(ctx, gen, snap, pending)
	if err != nil {
		s.Cancelled = true
		return fmt.Errorf("%w: %w", ErrRunInterrupted, err)
	}

	order := decideOrder(pending, evals)
	r.report(ctx, PhaseDecide, s, "deciding", 50)
	for n, i := range order {
		if err := ctx.Err(); err != nil {
			s.Cancelled = true
			return fmt.Errorf("%w: %w", ErrRunInterrupted, err)
		}
		if err := r.decide(ctx, st, pending[i], evals[i]); err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				s.Cancelled = true
				return fmt.Errorf("%w: %w", ErrRunInterrupted, ctxErr)
			}
			return err
		}
		if r.progress != nil && (n+1)%100 == 0 {
			r.report(ctx, PhaseDecide, s, fmt.Sprintf("decided %d of %d", n+1, len(order)), 50+45*(n+1)/len(order))
		}
	}
	return nil
}

// score evaluates every pending record concurrently. Inputs are immutable
// so workers share nothing but their result slot.
func (r *Runner) score(ctx context.Context, gen *candidate.Generator, lookup matching.Lookup, pending []record.Comparable) ([][]matching.Evaluation, error) {
	evals := make([][]matching.Evaluation, len(pending))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Concurrency)
	for i := range pending {
		if gctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			evals[i] = r.engine.Evaluate(pending[i], gen.Candidates(pending[i]), lookup)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return evals, ctx.Err()
}

// decideOrder returns pending indexes by best score descending, then
// internal id. Records without candidates go last.
func decideOrder(pending []record.Comparable, evals [][]matching.Evaluation) []int {
	best := func(i int) float64 {
		if len(evals[i]) == 0 {
			return -1
		}
		return evals[i][0].Score
	}
	order := make([]int, len(pending))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		sa, sb := best(order[a]), best(order[b])
		if sa != sb {
			return sa > sb
		}
		return pending[order[a]].ID < pending[order[b]].ID
	})
	return order
}

func (r *Runner) decide(ctx context.Context, st *runState, rec record.Comparable, evals []matching.Evaluation) error {
	s := st.summary
	g := r.guard(s.TenantID)
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.touched[rec.ID] {
		s.Skipped++
		return nil
	}
	logID := uuid.New().String()

	out, err := r.policy.Decide(ctx, st.th, s.TenantID, logID, evals)
	if err != nil {
		return fmt.Errorf("deciding %s: %w", rec.ID, err)
	}
	if n := len(out.Conflicts); n > 0 {
		s.ClaimConflicts += n
		ClaimConflictsTotal.Add(float64(n))
	}

	entry := r.decisionEntry(logID, s, st.th, rec, out, len(evals))
	prior, ok := st.latest[rec.ID]
	if out.Claim == nil && ok && prior.SameDecision(entry) {
		r.tally(st, entry)
		s.Unchanged++
		return nil
	}

	entries := []reconlog.Entry{entry}
	if out.Displaced != nil {
		entries = append(entries, r.displacedEntry(s.TenantID, s.RunID, st.th, *out.Displaced))
	}
	for i := range entries {
		entries[i].Explanation = r.explanation(ctx, entries[i])
	}
	if err := r.logs.Append(ctx, entries...); err != nil {
		r.undoClaim(ctx, out)
		return fmt.Errorf("appending decision for %s: %w", rec.ID, err)
	}

	r.tally(st, entry)
	if out.Displaced != nil {
		s.Displaced++
	}
	for _, e := range entries {
		st.latest[e.InternalID] = e
		DecisionsTotal.WithLabelValues(string(e.Status)).Inc()
		r.publish(ctx, e)
	}
	return nil
}

// tally counts a decided record in the summary.
func (r *Runner) tally(st *runState, e reconlog.Entry) {
	st.summary.Processed++
	st.confidence += e.ScoreFloat()
	r.count(st.summary, e.Status)
}

// undoClaim reverts the claim of a decision whose log entries were not
// written. A displaced holder gets its claim back, since its log still says
// Matched. It runs detached from ctx, which may be the reason the append
// failed.
func (r *Runner) undoClaim(ctx context.Context, out decision.Outcome) {
	if out.Claim == nil {
		return
	}
	bg := context.WithoutCancel(ctx)
	var err error
	if out.Displaced != nil {
		err = r.claims.Restore(bg, *out.Displaced, out.Claim.LogID)
	} else {
		err = r.claims.Release(bg, out.Claim.TenantID, out.Claim.ExternalID, out.Claim.LogID)
	}
	if err != nil {
		r.logger.Error(ctx, "reverting unlogged claim failed",
			zap.String("external_id", out.Claim.ExternalID), zap.Error(err))
	}
}

func (r *Runner) count(s *BatchSummary, status decision.Status) {
	switch status {
	case decision.StatusMatched:
		s.Matched++
	case decision.StatusNearMatch:
		s.NearMatch++
	case decision.StatusUnmatched:
		s.Unmatched++
	}
}

func (r *Runner) decisionEntry(logID string, s *BatchSummary, th decision.Thresholds, rec record.Comparable, out decision.Outcome, candidates int) reconlog.Entry {
	e := reconlog.Entry{
		ID:         logID,
		TenantID:   s.TenantID,
		RunID:      s.RunID,
		InternalID: rec.ID,
		Status:     out.Status,
		Score:      reconlog.Score(0),
		CreatedAt:  r.now().UTC(),
		Trace: reconlog.Trace{
			Rule:       reconlog.RuleNoCandidates,
			Thresholds: th,
			Conflicts:  out.Conflicts,
			Candidates: candidates,
		},
	}
	if c := out.Chosen; c != nil {
		e.ExternalID = c.ExternalID()
		e.Score = reconlog.Score(clampUnit(c.Score))
		e.Trace.Rule = reconlog.RuleScored
		if len(out.Conflicts) > 0 && out.Status != decision.StatusMatched {
			e.Trace.Rule = reconlog.RuleClaimConflict
		}
		e.Trace.Results = c.Results
		e.Trace.Pattern = c.Pattern
		e.Trace.PatternHash = c.PatternHash
		e.Trace.Weights = c.Weights
		e.Trace.AmountDiff = c.Candidate.AmountDiff.StringFixed(2)
		e.Trace.DayDiff = c.Candidate.DayDiff
	}
	return e
}

// displacedEntry records that d lost its claim to a better decision.
func (r *Runner) displacedEntry(tenantID tenant.ID, runID string, th decision.Thresholds, d decision.Claim) reconlog.Entry {
	return reconlog.Entry{
		ID:           uuid.New().String(),
		TenantID:     tenantID,
		RunID:        runID,
		InternalID:   d.InternalID,
		ExternalID:   d.ExternalID,
		Status:       decision.StatusUnmatched,
		Score:        reconlog.Score(clampUnit(d.Score)),
		Trace:        reconlog.Trace{Rule: reconlog.RuleClaimDisplaced, Thresholds: th},
		SupersedesID: d.LogID,
		CreatedAt:    r.now().UTC(),
	}
}

// explanation asks the explainer for commentary. Failures leave it empty.
func (r *Runner) explanation(ctx context.Context, e reconlog.Entry) string {
	text, err := r.explainer.Explain(ctx, e)
	if err != nil {
		r.logger.Debug(ctx, "explanation unavailable", zap.String("log_id", e.ID), zap.Error(err))
		return ""
	}
	return text
}

func (r *Runner) publish(ctx context.Context, e reconlog.Entry) {
	if err := r.events.Decision(ctx, e); err != nil {
		r.logger.Warn(ctx, "decision event not published", zap.String("log_id", e.ID), zap.Error(err))
	}
}

func (r *Runner) report(ctx context.Context, phase Phase, s *BatchSummary, msg string, pct int) {
	r.logger.Debug(ctx, "batch phase", zap.String("phase", string(phase)), zap.String("message", msg))
	if r.progress == nil {
		return
	}
	r.progress(PhaseProgress{
		RunID:      s.RunID,
		TenantID:   s.TenantID,
		Phase:      phase,
		Message:    msg,
		Percentage: pct,
	})
}

func clampUnit(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(0, math.Min(1, v))
}
