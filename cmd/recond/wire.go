package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/events"
	"github.com/fyrsmithlabs/recond/internal/explain"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	apihttp "github.com/fyrsmithlabs/recond/internal/http"
	"github.com/fyrsmithlabs/recond/internal/logging"
	"github.com/fyrsmithlabs/recond/internal/orchestrator"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/storage"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// daemon holds every long-lived component.
type daemon struct {
	db         *storage.DB
	nc         *nats.Conn
	runner     *orchestrator.Runner
	subscriber *events.Subscriber
	scheduler  *reflection.Scheduler
	api        *apihttp.Server
	logger     *zap.Logger
}

// wire opens storage, connects to NATS and builds the components. Nothing is
// started yet.
func wire(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*daemon, error) {
	zlog := logger.Underlying()
	d := &daemon{logger: zlog}

	db, err := storage.Open(cfg.Storage.Path, storage.Options{BusyTimeout: cfg.Storage.BusyTimeout.Duration()})
	if err != nil {
		return nil, fmt.Errorf("opening storage: %w", err)
	}
	d.db = db
	if versions, err := db.AppliedMigrations(); err == nil {
		zlog.Info("storage ready", zap.String("path", cfg.Storage.Path), zap.Ints("migrations", versions))
	}

	nc, err := events.Connect(cfg.NATS, zlog)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("connecting to NATS: %w", err)
	}
	d.nc = nc
	publisher := events.NewPublisher(nc, cfg.NATS.SubjectPrefix, zlog.Named("events"))

	memory, err := heuristics.NewMemory(db.Heuristics(), heuristics.ConfigFromApp(cfg), zlog.Named("heuristics"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating heuristic memory: %w", err)
	}

	ocfg, err := orchestrator.ConfigFromApp(cfg)
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("orchestrator config: %w", err)
	}
	d.runner, err = orchestrator.NewRunner(orchestrator.Deps{
		Records:   db.Records(),
		Logs:      db.Logs(),
		Claims:    db.Claims(),
		Memory:    memory,
		Explainer: explain.Template{},
		Events:    publisher,
	}, ocfg, logger.Named("orchestrator"))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating runner: %w", err)
	}

	engine, err := reflection.NewEngine(db.Logs(), memory, db.Snapshots(),
		reflection.ConfigFromApp(cfg.Reflection), zlog.Named("reflection"),
		reflection.WithObserver(func(ctx context.Context, s reflection.Snapshot) {
			if err := publisher.Reflection(ctx, s); err != nil {
				zlog.Warn("reflection event not published", zap.String("snapshot_id", s.ID), zap.Error(err))
			}
		}))
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating reflection engine: %w", err)
	}

	if cfg.Reflection.Enabled {
		tenants, err := parseTenants(cfg.Reflection.Tenants)
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("reflection tenants: %w", err)
		}
		d.scheduler, err = reflection.NewScheduler(engine, zlog.Named("reflection"),
			reflection.WithInterval(cfg.Reflection.Interval.Duration()),
			reflection.WithTenants(tenants),
			reflection.WithTenantSource(db.Logs()))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating reflection scheduler: %w", err)
		}
	}

	if nc != nil {
		d.subscriber, err = events.NewSubscriber(nc, cfg.NATS.SubjectPrefix, d.applyFeedback, zlog.Named("events"))
		if err != nil {
			d.Close()
			return nil, fmt.Errorf("creating feedback subscriber: %w", err)
		}
	}

	checks := map[string]apihttp.HealthCheck{"storage": db.Ping}
	if nc != nil {
		checks["nats"] = func(context.Context) error {
			if !nc.IsConnected() {
				return fmt.Errorf("connection %s", nc.Status())
			}
			return nil
		}
	}
	d.api, err = apihttp.NewServer(apihttp.Deps{
		Runner:    d.runner,
		Records:   db.Records(),
		Logs:      db.Logs(),
		Memory:    memory,
		Reflector: engine,
		Snapshots: db.Snapshots(),
		Checks:    checks,
	}, zlog.Named("http"), &apihttp.Config{
		Host:      cfg.Server.Host,
		Port:      cfg.Server.Port,
		Version:   version,
		RateLimit: cfg.RateLimit,
	})
	if err != nil {
		d.Close()
		return nil, fmt.Errorf("creating http server: %w", err)
	}
	return d, nil
}

func (d *daemon) applyFeedback(ctx context.Context, ev reconlog.FeedbackEvent) error {
	_, err := d.runner.ApplyFeedback(ctx, ev)
	return err
}

// start launches the background consumers. The HTTP server is started by run.
func (d *daemon) start() error {
	if d.subscriber != nil {
		if err := d.subscriber.Start(); err != nil {
			return fmt.Errorf("starting feedback subscriber: %w", err)
		}
	}
	if d.scheduler != nil {
		if err := d.scheduler.Start(); err != nil {
			return fmt.Errorf("starting reflection scheduler: %w", err)
		}
	}
	return nil
}

// shutdown stops intake first so no new work arrives while stores close.
func (d *daemon) shutdown(ctx context.Context) error {
	steps := []shutdownStep{
		{"http", d.api.Shutdown},
	}
	if d.subscriber != nil {
		steps = append(steps, shutdownStep{"feedback subscriber", func(context.Context) error { return d.subscriber.Stop() }})
	}
	if d.scheduler != nil {
		steps = append(steps, shutdownStep{"reflection scheduler", func(context.Context) error { return d.scheduler.Stop() }})
	}
	if d.nc != nil {
		steps = append(steps, shutdownStep{"nats", func(context.Context) error {
			if err := d.nc.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
				return err
			}
			return nil
		}})
	}
	return runShutdown(ctx, d.logger, steps)
}

// Close releases connections. It is safe after a partial wire.
func (d *daemon) Close() {
	if d.nc != nil && !d.nc.IsClosed() {
		d.nc.Close()
	}
	if d.db != nil {
		if err := d.db.Close(); err != nil {
			d.logger.Warn("closing storage", zap.Error(err))
		}
	}
}

func parseTenants(ids []string) ([]tenant.ID, error) {
	out := make([]tenant.ID, 0, len(ids))
	for _, s := range ids {
		id, err := tenant.Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, nil
}
