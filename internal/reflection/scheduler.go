package reflection

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/fyrsmithlabs/recond/internal/tenant"
	"go.uber.org/zap"
)

// TenantSource lists tenants to reflect on when none are configured.
type TenantSource interface {
	Tenants(ctx context.Context) ([]tenant.ID, error)
}

// Scheduler runs reflection cycles in the background.
//
// Thread Safety: Start and Stop are safe for concurrent use. The running
// state is guarded by mu.
type Scheduler struct {
	interval time.Duration
	timeout  time.Duration
	engine   *Engine
	tenants  []tenant.ID
	source   TenantSource

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}

	logger *zap.Logger
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithInterval sets the time between cycles. Defaults to one week.
func WithInterval(interval time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.interval = interval }
}

// WithTenants fixes the tenants reflected on each cycle.
func WithTenants(ids []tenant.ID) SchedulerOption {
	return func(s *Scheduler) { s.tenants = ids }
}

// WithTenantSource discovers tenants on each cycle when WithTenants is empty.
func WithTenantSource(src TenantSource) SchedulerOption {
	return func(s *Scheduler) { s.source = src }
}

// WithCycleTimeout bounds one scheduled run across all tenants.
func WithCycleTimeout(d time.Duration) SchedulerOption {
	return func(s *Scheduler) { s.timeout = d }
}

// NewScheduler creates a scheduler. It does not start until Start is called.
func NewScheduler(engine *Engine, logger *zap.Logger, opts ...SchedulerOption) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("reflection engine cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	s := &Scheduler{
		interval: 7 * 24 * time.Hour,
		timeout:  10 * time.Minute,
		engine:   engine,
		logger:   logger,
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.interval <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %v", s.interval)
	}
	return s, nil
}

// Start launches the background loop. It fails if already running.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return fmt.Errorf("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.running = true

	s.logger.Info("reflection scheduler started", zap.Duration("interval", s.interval))
	go s.run(s.stopCh)
	return nil
}

// Stop signals the loop to exit. Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.logger.Info("stopping reflection scheduler")
	s.running = false
	close(s.stopCh)
	return nil
}

// Running reports whether the loop is active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) run(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reflection scheduler panicked, recovering",
				zap.Any("panic", r),
				zap.Stack("stack"))
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
		}
	}()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.safeRunOnce(stopCh)
		case <-stopCh:
			return
		}
	}
}

func (s *Scheduler) safeRunOnce(stopCh chan struct{}) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("reflection cycle panicked, continuing scheduler",
				zap.Any("panic", r),
				zap.Stack("stack"))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()
	go func() {
		select {
		case <-stopCh:
			cancel()
		case <-ctx.Done():
		}
	}()
	s.RunOnce(ctx)
}

// RunOnce reflects on every tenant and returns the snapshots produced.
// Failed tenants are logged and skipped.
func (s *Scheduler) RunOnce(ctx context.Context) []Snapshot {
	ids := s.tenants
	if len(ids) == 0 && s.source != nil {
		found, err := s.source.Tenants(ctx)
		if err != nil {
			s.logger.Error("listing tenants for reflection", zap.Error(err))
			return nil
		}
		ids = found
	}
	if len(ids) == 0 {
		s.logger.Debug("no tenants to reflect on")
		return nil
	}

	var out []Snapshot
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		snap, err := s.engine.Reflect(ctx, id)
		if err != nil {
			continue
		}
		out = append(out, *snap)
	}
	return out
}
