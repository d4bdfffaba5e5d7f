package heuristics

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/matching"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"go.uber.org/zap"
)

// deltaEpsilon absorbs float noise when comparing a delta against its cap.
const deltaEpsilon = 1e-9

// Config holds learning parameters and the defaults used when nothing has
// been learned yet.
type Config struct {
	Scope             tenant.Scope
	LearningRate      float64
	SuccessAlpha      float64
	InitialSuccess    float64
	MinWeight         float64
	MaxWeight         float64
	MaxDelta          float64
	MaxThresholdDelta float64
	DefaultWeights    matching.Weights
	DefaultThresholds decision.Thresholds
}

// ConfigFromApp derives a Config from application configuration.
func ConfigFromApp(cfg *config.Config) Config {
	return Config{
		Scope:             tenant.Scope(cfg.Heuristics.Scope),
		LearningRate:      cfg.Heuristics.LearningRate,
		SuccessAlpha:      cfg.Heuristics.SuccessAlpha,
		InitialSuccess:    cfg.Heuristics.InitialSuccess,
		MinWeight:         cfg.Heuristics.MinWeight,
		MaxWeight:         cfg.Heuristics.MaxWeight,
		MaxDelta:          cfg.Heuristics.MaxDelta,
		MaxThresholdDelta: cfg.Reflection.MaxThresholdDelta,
		DefaultWeights:    matching.Weights(cfg.Matching.Weights).Clone(),
		DefaultThresholds: decision.Thresholds{High: cfg.Matching.THigh, Mid: cfg.Matching.TMid},
	}
}

// DefaultConfig returns the Config derived from config.Default.
func DefaultConfig() Config {
	return ConfigFromApp(config.Default())
}

func (c Config) validate() error {
	if _, err := tenant.ParseScope(string(c.Scope)); err != nil {
		return err
	}
	if c.MinWeight <= 0 || c.MinWeight >= c.MaxWeight {
		return fmt.Errorf("invalid weight bounds [%v,%v]", c.MinWeight, c.MaxWeight)
	}
	if c.LearningRate <= 0 || c.SuccessAlpha <= 0 || c.SuccessAlpha > 1 || c.MaxDelta <= 0 {
		return errors.New("learning_rate, success_alpha and max_delta must be positive")
	}
	if err := c.DefaultWeights.Validate(c.MinWeight, c.MaxWeight); err != nil {
		return fmt.Errorf("default weights: %w", err)
	}
	return c.DefaultThresholds.Validate()
}

// Memory is the single mutation path for learned weights and thresholds.
type Memory struct {
	store  Store
	cfg    Config
	locks  *keyedMutex
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Memory.
type Option func(*Memory)

// WithClock overrides the timestamp source.
func WithClock(now func() time.Time) Option {
	return func(m *Memory) { m.now = now }
}

// NewMemory creates a Memory over store.
func NewMemory(store Store, cfg Config, logger *zap.Logger, opts ...Option) (*Memory, error) {
	if store == nil {
		return nil, errors.New("heuristic store cannot be nil")
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid heuristics config: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Memory{
		store:  store,
		cfg:    cfg,
		locks:  newKeyedMutex(),
		logger: logger,
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Scope returns the configured scope.
func (m *Memory) Scope() tenant.Scope { return m.cfg.Scope }

// Snapshot captures the weights and thresholds a matching pass scores with.
type Snapshot struct {
	TenantID   tenant.ID
	Thresholds decision.Thresholds
	defaults   matching.Weights
	patterns   map[string]Pattern
}

// Weights implements matching.Lookup.
func (s *Snapshot) Weights(hash string) matching.Weights {
	if p, ok := s.patterns[hash]; ok {
		return p.Weights
	}
	return s.defaults
}

// Pattern returns the learned row chosen for hash.
func (s *Snapshot) Pattern(hash string) (Pattern, bool) {
	p, ok := s.patterns[hash]
	return p, ok
}

// Len returns the number of learned patterns in the snapshot.
func (s *Snapshot) Len() int { return len(s.patterns) }

// Snapshot reads every pattern visible to tenantID. When a hash exists in
// more than one partition the row with the higher success score wins, and
// the tenant's own row wins ties. Reading never creates rows.
func (m *Memory) Snapshot(ctx context.Context, tenantID tenant.ID) (*Snapshot, error) {
	th, err := m.Thresholds(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	snap := &Snapshot{
		TenantID:   tenantID,
		Thresholds: th,
		defaults:   m.cfg.DefaultWeights.Clone(),
		patterns:   make(map[string]Pattern),
	}
	for _, partition := range m.cfg.Scope.ReadPartitions(tenantID) {
		rows, err := m.store.ListPatterns(ctx, partition)
		if err != nil {
			return nil, fmt.Errorf("listing patterns for %s: %w", partition, err)
		}
		for _, p := range rows {
			if cur, ok := snap.patterns[p.Hash]; ok && cur.Success >= p.Success {
				continue
			}
			snap.patterns[p.Hash] = p
		}
	}
	return snap, nil
}

// Thresholds returns the tenant's thresholds, or the defaults.
func (m *Memory) Thresholds(ctx context.Context, tenantID tenant.ID) (decision.Thresholds, error) {
	p, err := m.store.GetPolicy(ctx, tenantID)
	if err != nil {
		return decision.Thresholds{}, fmt.Errorf("loading policy for %s: %w", tenantID, err)
	}
	if p == nil {
		return m.cfg.DefaultThresholds, nil
	}
	return p.Thresholds, nil
}

// Patterns lists the rows visible to tenantID, partition by partition.
func (m *Memory) Patterns(ctx context.Context, tenantID tenant.ID) ([]Pattern, error) {
	var out []Pattern
	for _, partition := range m.cfg.Scope.ReadPartitions(tenantID) {
		rows, err := m.store.ListPatterns(ctx, partition)
		if err != nil {
			return nil, fmt.Errorf("listing patterns for %s: %w", partition, err)
		}
		out = append(out, rows...)
	}
	return out, nil
}

// ApplyFeedback moves the weights of every comparator that contributed to
// the decision toward the observed outcome and updates the pattern's
// success score. A rejected update leaves stored rows untouched and returns
// an error wrapping ErrLearningUpdate.
func (m *Memory) ApplyFeedback(ctx context.Context, sig Signal) ([]Update, error) {
	if err := m.validateSignal(sig); err != nil {
		m.logger.Warn("learning update rejected",
			zap.String("tenant_id", sig.TenantID.String()),
			zap.String("pattern_hash", sig.PatternHash),
			zap.Error(err))
		return nil, err
	}

	partitions := m.cfg.Scope.WritePartitions(sig.TenantID)
	lockOrder := append([]string(nil), partitions...)
	sort.Strings(lockOrder)
	for _, p := range lockOrder {
		unlock := m.locks.Lock(p)
		defer unlock()
	}

	// Every partition is computed before any is written, so ScopeBoth never
	// leaves the tenant and global rows out of step.
	rows := make([]Pattern, 0, len(partitions))
	updates := make([]Update, 0, len(partitions))
	for _, partition := range partitions {
		next, u, err := m.prepare(ctx, partition, sig)
		if err != nil {
			if errors.Is(err, ErrLearningUpdate) {
				m.logger.Warn("learning update rejected",
					zap.String("tenant_id", sig.TenantID.String()),
					zap.String("partition", partition),
					zap.String("pattern_hash", sig.PatternHash),
					zap.Error(err))
			}
			return nil, err
		}
		rows = append(rows, next)
		updates = append(updates, u)
	}
	if err := m.store.PutPattern(ctx, rows...); err != nil {
		return nil, fmt.Errorf("storing pattern: %w", err)
	}
	for _, u := range updates {
		m.logger.Debug("pattern updated",
			zap.String("partition", u.Partition),
			zap.String("pattern_hash", u.Hash),
			zap.Bool("confirmed", sig.Confirmed),
			zap.Float64("success", u.Success),
			zap.Int("usage", u.Usage))
	}
	return updates, nil
}

// prepare computes the next row for partition without writing it. The
// caller holds the partition lock.
func (m *Memory) prepare(ctx context.Context, partition string, sig Signal) (Pattern, Update, error) {
	row, err := m.store.GetPattern(ctx, partition, sig.PatternHash)
	if err != nil {
		return Pattern{}, Update{}, fmt.Errorf("loading pattern: %w", err)
	}
	now := m.now().UTC()
	if row == nil {
		base := sig.Weights
		if base == nil || base.Validate(m.cfg.MinWeight, m.cfg.MaxWeight) != nil {
			base = m.cfg.DefaultWeights
		}
		row = &Pattern{
			Partition: partition,
			Hash:      sig.PatternHash,
			Names:     append([]string(nil), sig.Pattern...),
			Weights:   base.Clone(),
			Success:   m.cfg.InitialSuccess,
		}
	}

	after, deltas, err := m.step(row.Weights, sig)
	if err != nil {
		return Pattern{}, Update{}, err
	}

	y := 0.0
	if sig.Confirmed {
		y = 1
	}
	next := *row
	next.Weights = after
	next.Success = (1-m.cfg.SuccessAlpha)*row.Success + m.cfg.SuccessAlpha*y
	next.Usage = row.Usage + 1
	next.Version = row.Version + 1
	next.LastUsed = now
	next.UpdatedAt = now

	return next, Update{
		Partition: partition,
		Hash:      sig.PatternHash,
		Before:    row.Weights,
		After:     after,
		Deltas:    deltas,
		Success:   next.Success,
		Usage:     next.Usage,
	}, nil
}

// step computes Δᵢ = η·cᵢ·(y − s) for each contributing comparator, capped at
// MaxDelta. A correction always moves the most heavily weighted contributor
// down by the full cap.
func (m *Memory) step(base matching.Weights, sig Signal) (matching.Weights, map[string]float64, error) {
	y := 0.0
	if sig.Confirmed {
		y = 1
	}
	deltas := make(map[string]float64)
	for _, name := range matching.Names() {
		c := sig.Contributions[name]
		if c <= 0 {
			continue
		}
		deltas[name] = capAbs(m.cfg.LearningRate*c*(y-sig.Score), m.cfg.MaxDelta)
	}
	if !sig.Confirmed {
		if dom := dominant(base, sig.Contributions); dom != "" && math.Abs(deltas[dom]) < m.cfg.MaxDelta {
			deltas[dom] = -m.cfg.MaxDelta
		}
	}

	after := base.Clone()
	for name, d := range deltas {
		after[name] = clamp(after[name]+d, m.cfg.MinWeight, m.cfg.MaxWeight)
	}
	if err := after.Validate(m.cfg.MinWeight, m.cfg.MaxWeight); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrLearningUpdate, err)
	}
	return after, deltas, nil
}

func (m *Memory) validateSignal(sig Signal) error {
	if _, err := tenant.Parse(sig.TenantID.String()); err != nil {
		return fmt.Errorf("%w: %w", ErrLearningUpdate, err)
	}
	if len(sig.Pattern) == 0 {
		return fmt.Errorf("%w: empty firing pattern", ErrLearningUpdate)
	}
	if sig.PatternHash != matching.PatternHash(sig.Pattern) {
		return fmt.Errorf("%w: pattern hash does not match pattern", ErrLearningUpdate)
	}
	for _, name := range sig.Pattern {
		if !matching.IsComparator(name) {
			return fmt.Errorf("%w: unknown comparator %q in pattern", ErrLearningUpdate, name)
		}
	}
	for name, c := range sig.Contributions {
		if !matching.IsComparator(name) {
			return fmt.Errorf("%w: unknown comparator %q", ErrLearningUpdate, name)
		}
		if math.IsNaN(c) || c < 0 || c > 1 {
			return fmt.Errorf("%w: contribution for %q out of range: %v", ErrLearningUpdate, name, c)
		}
	}
	if math.IsNaN(sig.Score) || math.IsInf(sig.Score, 0) || sig.Score < 0 || sig.Score > 1 {
		return fmt.Errorf("%w: score out of range: %v", ErrLearningUpdate, sig.Score)
	}
	return nil
}

// ApplyAdjustments realizes reflection proposals for tenantID. Every
// adjustment is validated against its cap before anything is written; one
// bad adjustment rejects the whole set with ErrProposalRejected.
func (m *Memory) ApplyAdjustments(ctx context.Context, tenantID tenant.ID, adjs []Adjustment) error {
	if len(adjs) == 0 {
		return nil
	}

	var thresholdAdjs []Adjustment
	weightAdjs := make(map[string][]Adjustment)
	writable := make(map[string]bool)
	for _, p := range m.cfg.Scope.WritePartitions(tenantID) {
		writable[p] = true
	}
	for i, a := range adjs {
		if math.IsNaN(a.Delta) || math.IsInf(a.Delta, 0) {
			return fmt.Errorf("%w: adjustment %d has non-finite delta", ErrProposalRejected, i)
		}
		switch a.Kind {
		case AdjustThreshold:
			if a.Target != TargetHigh && a.Target != TargetMid {
				return fmt.Errorf("%w: unknown threshold %q", ErrProposalRejected, a.Target)
			}
			if math.Abs(a.Delta) > m.cfg.MaxThresholdDelta+deltaEpsilon {
				return fmt.Errorf("%w: %s delta %v exceeds cap %v", ErrProposalRejected, a.Target, a.Delta, m.cfg.MaxThresholdDelta)
			}
			thresholdAdjs = append(thresholdAdjs, a)
		case AdjustWeight:
			if !matching.IsComparator(a.Target) {
				return fmt.Errorf("%w: unknown comparator %q", ErrProposalRejected, a.Target)
			}
			if a.PatternHash == "" {
				return fmt.Errorf("%w: weight adjustment without pattern", ErrProposalRejected)
			}
			if math.Abs(a.Delta) > m.cfg.MaxDelta+deltaEpsilon {
				return fmt.Errorf("%w: weight delta %v exceeds cap %v", ErrProposalRejected, a.Delta, m.cfg.MaxDelta)
			}
			partition := a.Partition
			if partition == "" {
				partition = m.cfg.Scope.WritePartitions(tenantID)[0]
			}
			if !writable[partition] {
				return fmt.Errorf("%w: partition %q not writable for %s", ErrProposalRejected, partition, tenantID)
			}
			weightAdjs[partition] = append(weightAdjs[partition], a)
		default:
			return fmt.Errorf("%w: unknown adjustment kind %q", ErrProposalRejected, a.Kind)
		}
	}

	keys := make([]string, 0, len(weightAdjs)+1)
	if len(thresholdAdjs) > 0 {
		keys = append(keys, policyLockKey(tenantID))
	}
	for p := range weightAdjs {
		keys = append(keys, p)
	}
	sort.Strings(keys)
	for _, k := range keys {
		unlock := m.locks.Lock(k)
		defer unlock()
	}

	now := m.now().UTC()
	var policy *TenantPolicy
	if len(thresholdAdjs) > 0 {
		cur, err := m.store.GetPolicy(ctx, tenantID)
		if err != nil {
			return fmt.Errorf("loading policy: %w", err)
		}
		next := TenantPolicy{TenantID: tenantID, Thresholds: m.cfg.DefaultThresholds}
		if cur != nil {
			next = *cur
		}
		for _, a := range thresholdAdjs {
			if a.Target == TargetHigh {
				next.Thresholds.High += a.Delta
			} else {
				next.Thresholds.Mid += a.Delta
			}
		}
		next.Thresholds.High = matching.RoundScore(next.Thresholds.High)
		next.Thresholds.Mid = matching.RoundScore(next.Thresholds.Mid)
		if err := next.Thresholds.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrProposalRejected, err)
		}
		next.Version++
		next.UpdatedAt = now
		policy = &next
	}

	var rows []Pattern
	for partition, list := range weightAdjs {
		byHash := make(map[string]*Pattern)
		for _, a := range list {
			row, ok := byHash[a.PatternHash]
			if !ok {
				loaded, err := m.store.GetPattern(ctx, partition, a.PatternHash)
				if err != nil {
					return fmt.Errorf("loading pattern: %w", err)
				}
				if loaded == nil {
					return fmt.Errorf("%w: pattern %s not found in %s", ErrProposalRejected, a.PatternHash, partition)
				}
				row = loaded
				byHash[a.PatternHash] = row
			}
			row.Weights[a.Target] = clamp(row.Weights[a.Target]+a.Delta, m.cfg.MinWeight, m.cfg.MaxWeight)
		}
		for _, row := range byHash {
			if err := row.Weights.Validate(m.cfg.MinWeight, m.cfg.MaxWeight); err != nil {
				return fmt.Errorf("%w: %w", ErrProposalRejected, err)
			}
			row.Version++
			row.UpdatedAt = now
			rows = append(rows, *row)
		}
	}

	if policy != nil {
		if err := m.store.PutPolicy(ctx, *policy); err != nil {
			return fmt.Errorf("storing policy: %w", err)
		}
	}
	if len(rows) > 0 {
		if err := m.store.PutPattern(ctx, rows...); err != nil {
			return fmt.Errorf("storing pattern: %w", err)
		}
	}
	m.logger.Info("reflection adjustments applied",
		zap.String("tenant_id", tenantID.String()),
		zap.Int("threshold_adjustments", len(thresholdAdjs)),
		zap.Int("patterns_adjusted", len(rows)))
	return nil
}

func policyLockKey(id tenant.ID) string { return "policy:" + string(id) }

// dominant returns the comparator with the largest weighted contribution,
// first in table order on ties.
func dominant(w matching.Weights, contributions map[string]float64) string {
	best, bestVal := "", 0.0
	for _, name := range matching.Names() {
		v := w[name] * contributions[name]
		if v > bestVal {
			best, bestVal = name, v
		}
	}
	return best
}

func capAbs(v, limit float64) float64 {
	return math.Max(-limit, math.Min(limit, v))
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}
