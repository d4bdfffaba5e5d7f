package reflection

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

var now = time.Date(2024, 4, 20, 12, 0, 0, 0, time.UTC)

type fixture struct {
	logs      *reconlog.InMemoryStore
	patterns  *heuristics.InMemoryStore
	memory    *heuristics.Memory
	snapshots *InMemorySnapshotStore
	engine    *Engine
}

func newFixture(t *testing.T, hcfg heuristics.Config) *fixture {
	t.Helper()
	f := &fixture{
		logs:      reconlog.NewInMemoryStore(),
		patterns:  heuristics.NewInMemoryStore(),
		snapshots: NewInMemorySnapshotStore(),
	}
	var err error
	f.memory, err = heuristics.NewMemory(f.patterns, hcfg, zap.NewNop())
	require.NoError(t, err)
	f.engine, err = NewEngine(f.logs, f.memory, f.snapshots, DefaultConfig(), zap.NewNop(), WithClock(func() time.Time { return now }))
	require.NoError(t, err)
	return f
}

// seed appends count automated decisions with the given status. The first
// disputed of them are later corrected by a reviewer.
func (f *fixture) seed(t *testing.T, prefix string, status decision.Status, count, disputed int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < count; i++ {
		id := fmt.Sprintf("%s-%d", prefix, i)
		rule := reconlog.RuleScored
		if status == decision.StatusUnmatched {
			rule = reconlog.RuleNoCandidates
		}
		e := reconlog.Entry{
			ID:         id,
			TenantID:   "acme",
			InternalID: "V-" + id,
			ExternalID: "B-" + id,
			Status:     status,
			Score:      reconlog.Score(0.9),
			Trace:      reconlog.Trace{Rule: rule},
			CreatedAt:  now.Add(-24 * time.Hour),
		}
		require.NoError(t, f.logs.Append(ctx, e))
		if i < disputed {
			require.NoError(t, f.logs.Append(ctx, reconlog.Entry{
				ID:           "fb-" + id,
				TenantID:     "acme",
				InternalID:   e.InternalID,
				ExternalID:   e.ExternalID,
				Status:       decision.StatusDisputed,
				Trace:        reconlog.Trace{Rule: reconlog.RuleFeedbackCorrected},
				SupersedesID: id,
				CreatedAt:    now.Add(-time.Hour),
			}))
		}
	}
}

func TestComputeMetrics(t *testing.T) {
	start := now.Add(-7 * 24 * time.Hour)
	entries := []reconlog.Entry{
		{ID: "old", Status: decision.StatusMatched, Trace: reconlog.Trace{Rule: reconlog.RuleScored}, CreatedAt: start.Add(-time.Hour)},
		{ID: "m1", Status: decision.StatusMatched, Score: reconlog.Score(1), Trace: reconlog.Trace{Rule: reconlog.RuleScored}, CreatedAt: start.Add(time.Hour)},
		{ID: "m2", Status: decision.StatusMatched, Score: reconlog.Score(0.9), Trace: reconlog.Trace{Rule: reconlog.RuleScored}, CreatedAt: start.Add(time.Hour)},
		{ID: "n1", Status: decision.StatusNearMatch, Score: reconlog.Score(0.5), Trace: reconlog.Trace{Rule: reconlog.RuleScored}, CreatedAt: start.Add(time.Hour)},
		{ID: "u1", Status: decision.StatusUnmatched, Trace: reconlog.Trace{Rule: reconlog.RuleNoCandidates}, CreatedAt: start.Add(time.Hour)},
		{ID: "d1", Status: decision.StatusUnmatched, Trace: reconlog.Trace{Rule: reconlog.RuleClaimDisplaced}, CreatedAt: start.Add(time.Hour)},
		{ID: "fb1", Status: decision.StatusDisputed, SupersedesID: "m2", Trace: reconlog.Trace{Rule: reconlog.RuleFeedbackCorrected}, CreatedAt: now},
		{ID: "fb2", Status: decision.StatusHumanVerified, HumanVerified: true, SupersedesID: "n1", Trace: reconlog.Trace{Rule: reconlog.RuleFeedbackConfirmed}, CreatedAt: now},
	}

	m := ComputeMetrics(entries, start, now)
	assert.Equal(t, 4, m.Decisions)
	assert.Equal(t, 2, m.AutoMatched)
	assert.Equal(t, 1, m.Disputed)
	assert.Equal(t, 1, m.Confirmed)
	assert.Equal(t, 0.5, m.AutoMatchRate)
	assert.Equal(t, 0.5, m.DisputeRate)
	assert.Equal(t, 0.25, m.NearMatchRate)
	assert.Equal(t, 0.25, m.UnmatchedRate)
	assert.Equal(t, 0.6, m.AverageConfidence)
}

func TestComputeMetrics_Empty(t *testing.T) {
	m := ComputeMetrics(nil, now.Add(-time.Hour), now)
	assert.Equal(t, Metrics{}, m)
	assert.NoError(t, m.validate())
}

func TestReflect_InsufficientData(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "m", decision.StatusMatched, 5, 3)

	snap, err := f.engine.Reflect(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, IssueInsufficientData, snap.Issues[0].Kind)
	assert.Empty(t, snap.Proposals)
	assert.False(t, snap.Applied)

	stored, err := f.snapshots.List(context.Background(), "acme", 0)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, snap.ID, stored[0].ID)
}

func TestReflect_DisputeRateRaisesThreshold(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "m", decision.StatusMatched, 20, 4)
	ctx := context.Background()

	snap, err := f.engine.Reflect(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0.2, snap.Metrics.DisputeRate)
	require.Len(t, snap.Proposals, 1)
	assert.Equal(t, heuristics.AdjustThreshold, snap.Proposals[0].Kind)
	assert.Equal(t, heuristics.TargetHigh, snap.Proposals[0].Target)
	assert.InDelta(t, 0.02, snap.Proposals[0].Delta, 1e-12)
	assert.True(t, snap.Applied)
	assert.NotEmpty(t, snap.Recommendations)

	th, err := f.memory.Thresholds(ctx, "acme")
	require.NoError(t, err)
	assert.Equal(t, 0.87, th.High)

	stored, _ := f.snapshots.List(ctx, "acme", 1)
	require.Len(t, stored, 1)
	assert.True(t, stored[0].Applied)
	require.NotNil(t, stored[0].AppliedAt)
}

func TestReflect_NearMatchRateLowersThreshold(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "m", decision.StatusMatched, 10, 0)
	f.seed(t, "n", decision.StatusNearMatch, 10, 0)
	ctx := context.Background()

	snap, err := f.engine.Reflect(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, snap.Proposals, 1)
	assert.InDelta(t, -0.02, snap.Proposals[0].Delta, 1e-12)

	th, _ := f.memory.Thresholds(ctx, "acme")
	assert.Equal(t, 0.83, th.High)
}

func TestReflect_UnmatchedRateRecommendsOnly(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "u", decision.StatusUnmatched, 20, 0)

	snap, err := f.engine.Reflect(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, snap.Issues, 1)
	assert.Equal(t, IssueUnmatchedRateHigh, snap.Issues[0].Kind)
	assert.Empty(t, snap.Proposals)
	assert.False(t, snap.Applied)
	assert.Len(t, snap.Recommendations, 1)
}

func TestReflect_WeakPatternLowersHeaviestWeight(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "m", decision.StatusMatched, 20, 0)
	ctx := context.Background()

	pattern := []string{matching.AmountTolerance, matching.DateWindow}
	sig := heuristics.Signal{
		TenantID:      "acme",
		Pattern:       pattern,
		PatternHash:   matching.PatternHash(pattern),
		Contributions: map[string]float64{matching.AmountTolerance: 0.625, matching.DateWindow: 0.6667},
		Score:         0.4559,
	}
	for i := 0; i < 5; i++ {
		_, err := f.memory.ApplyFeedback(ctx, sig)
		require.NoError(t, err)
	}
	before, _ := f.patterns.GetPattern(ctx, "acme", sig.PatternHash)
	require.NotNil(t, before)
	require.Less(t, before.Success, 0.4)

	snap, err := f.engine.Reflect(ctx, "acme")
	require.NoError(t, err)
	require.Len(t, snap.Proposals, 1)
	p := snap.Proposals[0]
	assert.Equal(t, heuristics.AdjustWeight, p.Kind)
	assert.Equal(t, sig.PatternHash, p.PatternHash)
	assert.Equal(t, heaviestComparator(*before), p.Target)
	assert.True(t, snap.Applied)

	after, _ := f.patterns.GetPattern(ctx, "acme", sig.PatternHash)
	assert.InDelta(t, before.Weights[p.Target]-0.05, after.Weights[p.Target], 1e-9)
}

func TestReflect_RejectedProposalsLeaveSnapshotUnapplied(t *testing.T) {
	hcfg := heuristics.DefaultConfig()
	hcfg.MaxThresholdDelta = 0.01
	f := newFixture(t, hcfg)
	f.seed(t, "m", decision.StatusMatched, 20, 5)
	ctx := context.Background()

	snap, err := f.engine.Reflect(ctx, "acme")
	require.NoError(t, err)
	assert.NotEmpty(t, snap.Proposals)
	assert.False(t, snap.Applied)

	th, _ := f.memory.Thresholds(ctx, "acme")
	assert.Equal(t, 0.85, th.High)
}

func TestReflect_NotifiesObservers(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	var seen []Snapshot
	engine, err := NewEngine(f.logs, f.memory, f.snapshots, DefaultConfig(), nil,
		WithClock(func() time.Time { return now }),
		WithObserver(func(_ context.Context, s Snapshot) { seen = append(seen, s) }))
	require.NoError(t, err)

	snap, err := engine.Reflect(context.Background(), "acme")
	require.NoError(t, err)
	require.Len(t, seen, 1)
	assert.Equal(t, snap.ID, seen[0].ID)

	_, err = engine.Reflect(context.Background(), "not a tenant")
	require.Error(t, err)
	assert.Len(t, seen, 1)
}

func TestReflect_InvalidTenant(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	_, err := f.engine.Reflect(context.Background(), "")
	assert.ErrorIs(t, err, ErrReflectionComputation)
}

func TestNewEngine_Validation(t *testing.T) {
	_, err := NewEngine(nil, nil, nil, DefaultConfig(), nil)
	assert.Error(t, err)
}

func TestScheduler_Lifecycle(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())

	_, err := NewScheduler(f.engine, nil)
	assert.Error(t, err)

	s, err := NewScheduler(f.engine, zap.NewNop(), WithInterval(time.Hour))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	assert.True(t, s.Running())
	assert.Error(t, s.Start())
	require.NoError(t, s.Stop())
	assert.False(t, s.Running())
	require.NoError(t, s.Stop())
}

func TestScheduler_RunOnceUsesTenantSource(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "m", decision.StatusMatched, 20, 4)

	s, err := NewScheduler(f.engine, zap.NewNop(), WithTenantSource(f.logs))
	require.NoError(t, err)

	snaps := s.RunOnce(context.Background())
	require.Len(t, snaps, 1)
	assert.Equal(t, tenant.ID("acme"), snaps[0].TenantID)
	assert.True(t, snaps[0].Applied)
}

func TestScheduler_FiresOnInterval(t *testing.T) {
	f := newFixture(t, heuristics.DefaultConfig())
	f.seed(t, "m", decision.StatusMatched, 3, 0)

	s, err := NewScheduler(f.engine, zap.NewNop(), WithInterval(10*time.Millisecond), WithTenants([]tenant.ID{"acme"}))
	require.NoError(t, err)
	require.NoError(t, s.Start())
	defer s.Stop()

	assert.Eventually(t, func() bool {
		list, _ := f.snapshots.List(context.Background(), "acme", 0)
		return len(list) > 0
	}, 2*time.Second, 10*time.Millisecond)
}
