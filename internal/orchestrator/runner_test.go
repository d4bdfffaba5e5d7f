package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/logging"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/telemetry"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

var clock = time.Date(2024, 4, 12, 9, 0, 0, 0, time.UTC)

type recordingPublisher struct {
	mu        sync.Mutex
	decisions []reconlog.Entry
	runs      []any
}

func (p *recordingPublisher) Decision(_ context.Context, e reconlog.Entry) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.decisions = append(p.decisions, e)
	return nil
}

func (p *recordingPublisher) Run(_ context.Context, _ tenant.ID, summary any) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.runs = append(p.runs, summary)
	return nil
}

// flakyLogs fails every append while down, and any append whose context is
// already done.
type flakyLogs struct {
	reconlog.Store
	down bool
}

func (s *flakyLogs) Append(ctx context.Context, entries ...reconlog.Entry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.down {
		return errors.New("log volume unavailable")
	}
	return s.Store.Append(ctx, entries...)
}

// cancellingClaims cancels the run once its nth claim has been installed.
type cancellingClaims struct {
	*decision.InMemoryClaims
	after   int
	claimed int
	cancel  context.CancelFunc
}

func (c *cancellingClaims) TryClaim(ctx context.Context, claim decision.Claim) (*decision.Claim, error) {
	displaced, err := c.InMemoryClaims.TryClaim(ctx, claim)
	if err == nil {
		if c.claimed++; c.claimed == c.after {
			c.cancel()
		}
	}
	return displaced, err
}

type fixture struct {
	records  *record.InMemoryStore
	logs     *reconlog.InMemoryStore
	claims   *decision.InMemoryClaims
	memory   *heuristics.Memory
	events   *recordingPublisher
	logger   *logging.TestLogger
	runner   *Runner
	progress []PhaseProgress
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	f := &fixture{
		records: record.NewInMemoryStore(),
		logs:    reconlog.NewInMemoryStore(),
		claims:  decision.NewInMemoryClaims(),
		events:  &recordingPublisher{},
		logger:  logging.NewTestLogger(),
	}
	var err error
	f.memory, err = heuristics.NewMemory(heuristics.NewInMemoryStore(), heuristics.DefaultConfig(), nil,
		heuristics.WithClock(func() time.Time { return clock }))
	require.NoError(t, err)

	cfg, err := ConfigFromApp(config.Default())
	require.NoError(t, err)

	opts = append([]Option{
		WithClock(func() time.Time { return clock }),
		WithProgress(func(p PhaseProgress) { f.progress = append(f.progress, p) }),
	}, opts...)
	f.runner, err = NewRunner(Deps{
		Records: f.records,
		Logs:    f.logs,
		Claims:  f.claims,
		Memory:  f.memory,
		Events:  f.events,
	}, cfg, f.logger.Logger, opts...)
	require.NoError(t, err)
	return f
}

// rebuild replaces the runner with one over logs and claims. The fixture's
// stores stay reachable underneath for assertions.
func (f *fixture) rebuild(t *testing.T, logs reconlog.Store, claims decision.ClaimStore) {
	t.Helper()
	cfg, err := ConfigFromApp(config.Default())
	require.NoError(t, err)
	f.runner, err = NewRunner(Deps{
		Records: f.records,
		Logs:    logs,
		Claims:  claims,
		Memory:  f.memory,
		Events:  f.events,
	}, cfg, f.logger.Logger, WithClock(func() time.Time { return clock }))
	require.NoError(t, err)
}

func (f *fixture) stage(t *testing.T, recs ...record.Raw) {
	t.Helper()
	for i := range recs {
		if recs[i].TenantID == "" {
			recs[i].TenantID = "acme"
		}
	}
	_, err := f.records.PutRaw(context.Background(), recs)
	require.NoError(t, err)
}

func (f *fixture) entries(t *testing.T) []reconlog.Entry {
	t.Helper()
	out, err := f.logs.List(context.Background(), "acme", reconlog.Filter{})
	require.NoError(t, err)
	return out
}

func (f *fixture) latest(t *testing.T, internalID string) reconlog.Entry {
	t.Helper()
	m, err := f.logs.Latest(context.Background(), "acme")
	require.NoError(t, err)
	e, ok := m[internalID]
	require.True(t, ok, "no log entry for %s", internalID)
	return e
}

func voucher(id, amount, on string) record.Raw {
	return record.Raw{ID: id, SourceKind: "voucher", Amount: record.RawAmount(amount), Date: on}
}

func bank(id, amount, on string) record.Raw {
	return record.Raw{ID: id, SourceKind: "bank", Amount: record.RawAmount(amount), Date: on}
}

func TestNewRunner_Validation(t *testing.T) {
	cfg, err := ConfigFromApp(config.Default())
	require.NoError(t, err)

	_, err = NewRunner(Deps{}, cfg, nil)
	assert.Error(t, err)

	f := newFixture(t)
	bad := cfg
	bad.Concurrency = 0
	_, err = NewRunner(Deps{Records: f.records, Logs: f.logs, Claims: f.claims, Memory: f.memory}, bad, nil)
	assert.Error(t, err)
}

func TestRun_ExactSameDayMatches(t *testing.T) {
	f := newFixture(t)
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"))

	s, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Internal)
	assert.Equal(t, 1, s.External)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 1, s.Matched)
	assert.Equal(t, 1.0, s.AverageConfidence)
	assert.False(t, s.Cancelled)

	e := f.latest(t, "V-1")
	assert.Equal(t, decision.StatusMatched, e.Status)
	assert.Equal(t, "B-1", e.ExternalID)
	assert.Equal(t, "1.0000", e.Score.StringFixed(4))
	assert.Equal(t, reconlog.RuleScored, e.Trace.Rule)
	assert.Equal(t, s.RunID, e.RunID)
	assert.NotEmpty(t, e.Explanation)

	claim, err := f.claims.Get(context.Background(), "acme", "B-1")
	require.NoError(t, err)
	require.NotNil(t, claim)
	assert.Equal(t, "V-1", claim.InternalID)
	assert.Equal(t, e.ID, claim.LogID)

	assert.Len(t, f.events.decisions, 1)
	require.Len(t, f.events.runs, 1)
	assert.Same(t, s, f.events.runs[0])

	phases := make([]Phase, 0, len(f.progress))
	for _, p := range f.progress {
		phases = append(phases, p.Phase)
	}
	assert.Equal(t, AllPhases(), phases)
}

func TestRun_TracesTenantAndCounts(t *testing.T) {
	tel := telemetry.NewTestTelemetry()
	f := newFixture(t, WithTracer(tel.Tracer("recond/orchestrator")))
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"))

	_, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	tel.AssertSpanAttr(t, "orchestrator.run", "tenant_id", "acme")
	tel.AssertSpanAttr(t, "orchestrator.run", "matched", "1")
}

func TestRun_PartialToleranceIsNearMatch(t *testing.T) {
	f := newFixture(t)
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "9850.00", "2024-04-12"))

	s, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, s.NearMatch)

	e := f.latest(t, "V-1")
	assert.Equal(t, decision.StatusNearMatch, e.Status)
	assert.Equal(t, "0.4559", e.Score.StringFixed(4))
	assert.Equal(t, "150.00", e.Trace.AmountDiff)
	assert.Equal(t, 2, e.Trace.DayDiff)
	assert.ElementsMatch(t, []string{matching.AmountTolerance, matching.DateWindow}, e.Trace.Pattern)

	claims, err := f.claims.List(context.Background(), "acme")
	require.NoError(t, err)
	assert.Empty(t, claims)
}

func TestRun_NoCandidatesIsUnmatched(t *testing.T) {
	f := newFixture(t)
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "500.00", "2024-04-10"))

	s, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Unmatched)

	e := f.latest(t, "V-1")
	assert.Equal(t, decision.StatusUnmatched, e.Status)
	assert.Equal(t, reconlog.RuleNoCandidates, e.Trace.Rule)
	assert.Empty(t, e.ExternalID)
	assert.True(t, e.Score.IsZero())
}

func TestRun_InvalidRecordsAreSkipped(t *testing.T) {
	f := newFixture(t)
	f.stage(t,
		voucher("V-1", "10000.00", "2024-04-10"),
		voucher("V-bad", "", "2024-04-10"),
		bank("B-bad", "100.00", "yesterday"),
		bank("B-1", "10000.00", "2024-04-10"),
	)

	s, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 2, s.Rejected)
	assert.Equal(t, 1, s.Matched)
	require.Len(t, s.Rejections, 2)
	assert.Equal(t, "B-bad", s.Rejections[0].RecordID)
	assert.Equal(t, "V-bad", s.Rejections[1].RecordID)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "record rejected")
	f.logger.AssertField(t, "record rejected", "record_id", "V-bad")
}

func TestRun_IdempotentOnReconciledData(t *testing.T) {
	f := newFixture(t)
	f.stage(t,
		voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"),
		voucher("V-2", "5000.00", "2024-04-10"), bank("B-2", "4925.00", "2024-04-12"),
	)
	_, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	before := f.entries(t)

	s, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Skipped)
	assert.Equal(t, 1, s.Unchanged)
	assert.Equal(t, 0, s.Matched)
	assert.Equal(t, before, f.entries(t))
}

func TestRun_OneClaimPerExternalRecord(t *testing.T) {
	f := newFixture(t)
	f.stage(t,
		voucher("V-1", "10000.00", "2024-04-10"),
		voucher("V-2", "10000.00", "2024-04-10"),
		bank("B-1", "10000.00", "2024-04-10"),
	)

	s, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, 1, s.Matched)
	assert.Equal(t, 1, s.NearMatch)
	assert.Equal(t, 1, s.ClaimConflicts)

	assert.Equal(t, decision.StatusMatched, f.latest(t, "V-1").Status)
	loser := f.latest(t, "V-2")
	assert.Equal(t, decision.StatusNearMatch, loser.Status)
	assert.Equal(t, reconlog.RuleClaimConflict, loser.Trace.Rule)
	assert.Equal(t, []string{"B-1"}, loser.Trace.Conflicts)

	claims, err := f.claims.List(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, claims, 1)
	assert.Equal(t, "V-1", claims[0].InternalID)
}

func TestRun_DeterministicAcrossRunners(t *testing.T) {
	recs := []record.Raw{
		voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "9900.00", "2024-04-11"),
		voucher("V-2", "2500.00", "2024-04-03"), bank("B-2", "2500.00", "2024-04-05"),
		voucher("V-3", "777.00", "2024-04-01"), bank("B-3", "770.00", "2024-04-01"),
	}
	scores := func() map[string]string {
		f := newFixture(t)
		f.stage(t, append([]record.Raw(nil), recs...)...)
		_, err := f.runner.Run(context.Background(), "acme")
		require.NoError(t, err)
		out := make(map[string]string)
		for _, e := range f.entries(t) {
			out[e.InternalID] = string(e.Status) + "@" + e.Score.StringFixed(4)
		}
		return out
	}
	assert.Equal(t, scores(), scores())
}

func TestRun_CancelledBeforeStart(t *testing.T) {
	f := newFixture(t)
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s, err := f.runner.Run(ctx, "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, s)
	assert.True(t, s.Cancelled)
	assert.Equal(t, 0, s.Processed)
	assert.Empty(t, f.entries(t))
}

func TestRun_CancelledMidDecideKeepsOnlyLoggedDecisions(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	claims := &cancellingClaims{InMemoryClaims: f.claims, after: 2, cancel: cancel}
	f.rebuild(t, &flakyLogs{Store: f.logs}, claims)
	f.stage(t,
		voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"),
		voucher("V-2", "10000.00", "2024-04-10"), bank("B-2", "10000.00", "2024-04-10"),
		voucher("V-3", "10000.00", "2024-04-10"), bank("B-3", "10000.00", "2024-04-10"),
	)

	s, err := f.runner.Run(ctx, "acme")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrRunInterrupted)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, s)
	assert.True(t, s.Cancelled)
	assert.Equal(t, 1, s.Processed)
	assert.Equal(t, 1, s.Matched)
	assert.Equal(t, 2, claims.claimed)

	held, err := f.claims.List(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, held, 1)
	assert.Equal(t, "B-1", held[0].ExternalID)
	assert.Equal(t, "V-1", held[0].InternalID)

	entries := f.entries(t)
	require.Len(t, entries, 1)
	assert.Equal(t, "V-1", entries[0].InternalID)
	assert.Equal(t, held[0].LogID, entries[0].ID)
	f.logger.AssertLogged(t, zapcore.WarnLevel, "batch run interrupted")
}

func TestRun_FailedAppendRestoresDisplacedClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logs := &flakyLogs{Store: f.logs}
	f.rebuild(t, logs, f.claims)
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-11"))
	_, err := f.runner.Run(ctx, "acme")
	require.NoError(t, err)
	first := f.latest(t, "V-1")
	require.Equal(t, decision.StatusMatched, first.Status)

	// V-2 outscores V-1 for B-1, but its decision never reaches the log.
	f.stage(t, voucher("V-2", "10000.00", "2024-04-11"))
	logs.down = true
	_, err = f.runner.Run(ctx, "acme")
	require.Error(t, err)

	held, err := f.claims.Get(ctx, "acme", "B-1")
	require.NoError(t, err)
	require.NotNil(t, held)
	assert.Equal(t, "V-1", held.InternalID)
	assert.Equal(t, first.ID, held.LogID)
	assert.Len(t, f.entries(t), 1)

	logs.down = false
	_, err = f.runner.Run(ctx, "acme")
	require.NoError(t, err)

	latest, err := f.logs.Latest(ctx, "acme")
	require.NoError(t, err)
	var onB1 []string
	for id, e := range latest {
		if e.Status == decision.StatusMatched && e.ExternalID == "B-1" {
			onB1 = append(onB1, id)
		}
	}
	assert.Equal(t, []string{"V-2"}, onB1)
	assert.Equal(t, decision.StatusUnmatched, latest["V-1"].Status)
	assert.Equal(t, reconlog.RuleClaimDisplaced, latest["V-1"].Trace.Rule)

	held, err = f.claims.Get(ctx, "acme", "B-1")
	require.NoError(t, err)
	assert.Equal(t, latest["V-2"].ID, held.LogID)
}

func TestRun_FailedAppendReleasesFreshClaim(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.rebuild(t, &flakyLogs{Store: f.logs, down: true}, f.claims)
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"))

	s, err := f.runner.Run(ctx, "acme")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrRunInterrupted)
	assert.Nil(t, s)

	held, err := f.claims.List(ctx, "acme")
	require.NoError(t, err)
	assert.Empty(t, held)
	assert.Empty(t, f.entries(t))
}

func TestRun_RefusesConcurrentRunForTenant(t *testing.T) {
	var nested error
	var f *fixture
	f = newFixture(t, WithProgress(func(p PhaseProgress) {
		if p.Phase == PhaseLoad {
			_, nested = f.runner.Run(context.Background(), p.TenantID)
		}
	}))
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"))

	_, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	assert.ErrorIs(t, nested, ErrRunInProgress)
}

func TestRun_InvalidTenant(t *testing.T) {
	f := newFixture(t)
	_, err := f.runner.Run(context.Background(), "no spaces")
	assert.ErrorIs(t, err, tenant.ErrInvalidTenantID)
}

func TestRunAll_RunsEveryTenant(t *testing.T) {
	f := newFixture(t)
	f.stage(t,
		voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"),
		record.Raw{ID: "V-1", TenantID: "globex", SourceKind: "voucher", Amount: "42.00", Date: "2024-04-10"},
		record.Raw{ID: "B-1", TenantID: "globex", SourceKind: "bank", Amount: "42.00", Date: "2024-04-10"},
	)

	summaries, err := f.runner.RunAll(context.Background(), nil)
	require.NoError(t, err)
	require.Len(t, summaries, 2)
	for _, s := range summaries {
		assert.Equal(t, 1, s.Matched, "tenant %s", s.TenantID)
	}

	// Same ids in different tenants never share claims.
	acme, err := f.claims.Get(context.Background(), "acme", "B-1")
	require.NoError(t, err)
	globex, err := f.claims.Get(context.Background(), "globex", "B-1")
	require.NoError(t, err)
	assert.NotEqual(t, acme.LogID, globex.LogID)
}

type failingExplainer struct{}

func (failingExplainer) Explain(context.Context, reconlog.Entry) (string, error) {
	return "", errors.New("model unavailable")
}

func TestRun_ExplainerFailureDoesNotAffectDecision(t *testing.T) {
	f := newFixture(t)
	f.runner.explainer = failingExplainer{}
	f.stage(t, voucher("V-1", "10000.00", "2024-04-10"), bank("B-1", "10000.00", "2024-04-10"))

	_, err := f.runner.Run(context.Background(), "acme")
	require.NoError(t, err)
	e := f.latest(t, "V-1")
	assert.Equal(t, decision.StatusMatched, e.Status)
	assert.Empty(t, e.Explanation)
}

func TestDecideOrder(t *testing.T) {
	pending := []record.Comparable{{ID: "V-3"}, {ID: "V-1"}, {ID: "V-2"}, {ID: "V-0"}}
	evals := [][]matching.Evaluation{
		{{Score: 0.9}},
		{{Score: 0.9}},
		{{Score: 0.95}},
		nil,
	}
	assert.Equal(t, []int{2, 1, 0, 3}, decideOrder(pending, evals))
}
