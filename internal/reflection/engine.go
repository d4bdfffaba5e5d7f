package reflection

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/tenant"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/fyrsmithlabs/recond/internal/reflection"

// Engine runs reflection cycles.
type Engine struct {
	logs      reconlog.Store
	memory    *heuristics.Memory
	snapshots SnapshotStore
	cfg       Config
	logger    *zap.Logger
	tracer    trace.Tracer
	now       func() time.Time
	observers []func(context.Context, Snapshot)
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithClock overrides the time source used for windows and timestamps.
func WithClock(now func() time.Time) EngineOption {
	return func(e *Engine) { e.now = now }
}

// WithObserver registers fn to receive every saved snapshot.
func WithObserver(fn func(context.Context, Snapshot)) EngineOption {
	return func(e *Engine) { e.observers = append(e.observers, fn) }
}

// NewEngine creates an Engine.
func NewEngine(logs reconlog.Store, memory *heuristics.Memory, snapshots SnapshotStore, cfg Config, logger *zap.Logger, opts ...EngineOption) (*Engine, error) {
	if logs == nil {
		return nil, errors.New("log store is required")
	}
	if memory == nil {
		return nil, errors.New("heuristic memory is required")
	}
	if snapshots == nil {
		return nil, errors.New("snapshot store is required")
	}
	if cfg.Window <= 0 {
		return nil, errors.New("reflection window must be positive")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	e := &Engine{
		logs:      logs,
		memory:    memory,
		snapshots: snapshots,
		cfg:       cfg,
		logger:    logger,
		tracer:    otel.Tracer(instrumentationName),
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Reflect runs one cycle for tenantID and returns the saved snapshot.
// Errors wrap ErrReflectionComputation; a rejected proposal set is not an
// error and leaves the snapshot unapplied.
func (e *Engine) Reflect(ctx context.Context, tenantID tenant.ID) (*Snapshot, error) {
	ctx, span := e.tracer.Start(ctx, "reflection.cycle")
	defer span.End()
	span.SetAttributes(attribute.String("tenant_id", tenantID.String()))

	start := time.Now()
	defer func() { CycleDuration.Observe(time.Since(start).Seconds()) }()

	snap, result, err := e.reflect(ctx, tenantID)
	CyclesTotal.WithLabelValues(result).Inc()
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Error("reflection cycle skipped",
			zap.String("tenant_id", tenantID.String()),
			zap.Error(err))
		return nil, err
	}
	span.SetAttributes(
		attribute.String("snapshot_id", snap.ID),
		attribute.Int("issues", len(snap.Issues)),
		attribute.Int("proposals", len(snap.Proposals)),
		attribute.Bool("applied", snap.Applied),
	)
	for _, fn := range e.observers {
		fn(ctx, *snap)
	}
	return snap, nil
}

func (e *Engine) reflect(ctx context.Context, tenantID tenant.ID) (*Snapshot, string, error) {
	if _, err := tenant.Parse(tenantID.String()); err != nil {
		return nil, "failed", fmt.Errorf("%w: %w", ErrReflectionComputation, err)
	}
	end := e.now().UTC()
	windowStart := end.Add(-e.cfg.Window)

	entries, err := e.logs.List(ctx, tenantID, reconlog.Filter{Since: windowStart})
	if err != nil {
		return nil, "failed", fmt.Errorf("%w: listing logs: %w", ErrReflectionComputation, err)
	}
	metrics := ComputeMetrics(entries, windowStart, end)
	if err := metrics.validate(); err != nil {
		return nil, "failed", err
	}

	th, err := e.memory.Thresholds(ctx, tenantID)
	if err != nil {
		return nil, "failed", fmt.Errorf("%w: %w", ErrReflectionComputation, err)
	}
	patterns, err := e.memory.Patterns(ctx, tenantID)
	if err != nil {
		return nil, "failed", fmt.Errorf("%w: %w", ErrReflectionComputation, err)
	}
	a := analyze(e.cfg, metrics, th, patterns)

	snap := &Snapshot{
		ID:              uuid.New().String(),
		TenantID:        tenantID,
		WindowStart:     windowStart,
		WindowEnd:       end,
		Metrics:         metrics,
		Issues:          a.issues,
		Proposals:       a.proposals,
		Recommendations: a.recommendations,
		CreatedAt:       end,
	}
	if err := e.snapshots.Save(ctx, *snap); err != nil {
		return nil, "failed", fmt.Errorf("%w: saving snapshot: %w", ErrReflectionComputation, err)
	}
	for _, issue := range snap.Issues {
		IssuesTotal.WithLabelValues(string(issue.Kind)).Inc()
	}

	switch {
	case len(snap.Issues) == 1 && snap.Issues[0].Kind == IssueInsufficientData:
		e.logger.Info("reflection skipped adjustments: insufficient data",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("decisions", metrics.Decisions))
		return snap, "insufficient_data", nil
	case len(snap.Proposals) == 0:
		e.logger.Info("reflection completed without proposals",
			zap.String("tenant_id", tenantID.String()),
			zap.Int("issues", len(snap.Issues)))
		return snap, "no_proposals", nil
	}

	if err := e.memory.ApplyAdjustments(ctx, tenantID, snap.Proposals); err != nil {
		e.logger.Warn("reflection proposals rejected",
			zap.String("tenant_id", tenantID.String()),
			zap.String("snapshot_id", snap.ID),
			zap.Error(err))
		return snap, "rejected", nil
	}
	appliedAt := e.now().UTC()
	if err := e.snapshots.MarkApplied(ctx, tenantID, snap.ID, appliedAt); err != nil {
		return nil, "failed", fmt.Errorf("%w: marking snapshot applied: %w", ErrReflectionComputation, err)
	}
	snap.Applied = true
	snap.AppliedAt = &appliedAt

	e.logger.Info("reflection proposals applied",
		zap.String("tenant_id", tenantID.String()),
		zap.String("snapshot_id", snap.ID),
		zap.Int("proposals", len(snap.Proposals)))
	return snap, "applied", nil
}
