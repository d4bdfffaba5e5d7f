package events

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// Publisher sends tenant events to NATS. A Publisher without a connection
// drops every event, which is how a disabled bus behaves.
type Publisher struct {
	nc     *nats.Conn
	prefix string
	logger *zap.Logger
}

// NewPublisher creates a publisher. nc may be nil.
func NewPublisher(nc *nats.Conn, prefix string, logger *zap.Logger) *Publisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Publisher{nc: nc, prefix: prefix, logger: logger}
}

// Enabled reports whether events leave the process.
func (p *Publisher) Enabled() bool {
	return p != nil && p.nc != nil
}

// Decision publishes one log entry.
func (p *Publisher) Decision(ctx context.Context, e reconlog.Entry) error {
	return p.publish(ctx, e.TenantID, KindDecision, NewDecisionEvent(e))
}

// Run publishes a batch summary.
func (p *Publisher) Run(ctx context.Context, tenantID tenant.ID, summary any) error {
	return p.publish(ctx, tenantID, KindRun, summary)
}

// Reflection publishes a snapshot summary.
func (p *Publisher) Reflection(ctx context.Context, s reflection.Snapshot) error {
	return p.publish(ctx, s.TenantID, KindReflection, NewReflectionEvent(s))
}

func (p *Publisher) publish(ctx context.Context, tenantID tenant.ID, kind Kind, v any) error {
	if !p.Enabled() {
		PublishedTotal.WithLabelValues(string(kind), "dropped").Inc()
		return nil
	}
	if p.nc.IsClosed() {
		PublishedTotal.WithLabelValues(string(kind), "error").Inc()
		return ErrClosed
	}
	data, err := json.Marshal(v)
	if err != nil {
		PublishedTotal.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("marshal %s event: %w", kind, err)
	}

	msg := nats.NewMsg(Subject(p.prefix, tenantID, kind))
	msg.Data = data
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))

	if err := p.nc.PublishMsg(msg); err != nil {
		PublishedTotal.WithLabelValues(string(kind), "error").Inc()
		return fmt.Errorf("publish %s event: %w", kind, err)
	}
	PublishedTotal.WithLabelValues(string(kind), "ok").Inc()
	p.logger.Debug("event published",
		zap.String("subject", msg.Subject),
		zap.Int("bytes", len(data)))
	return nil
}
