package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// FeedbackHandler applies one reviewer verdict.
type FeedbackHandler func(ctx context.Context, ev reconlog.FeedbackEvent) error

// QueueGroup is the queue group shared by daemons consuming feedback, so
// each verdict is applied once.
const QueueGroup = "recond-feedback"

// Subscriber consumes feedback from recond.*.feedback.
type Subscriber struct {
	nc      *nats.Conn
	prefix  string
	handler FeedbackHandler
	logger  *zap.Logger
	timeout time.Duration

	mu  sync.Mutex
	sub *nats.Subscription
}

// SubscriberOption configures a Subscriber.
type SubscriberOption func(*Subscriber)

// WithHandlerTimeout bounds each handler invocation.
func WithHandlerTimeout(d time.Duration) SubscriberOption {
	return func(s *Subscriber) { s.timeout = d }
}

// NewSubscriber creates a feedback subscriber.
func NewSubscriber(nc *nats.Conn, prefix string, handler FeedbackHandler, logger *zap.Logger, opts ...SubscriberOption) (*Subscriber, error) {
	if nc == nil {
		return nil, errors.New("nats connection cannot be nil")
	}
	if handler == nil {
		return nil, errors.New("feedback handler cannot be nil")
	}
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Subscriber{
		nc:      nc,
		prefix:  prefix,
		handler: handler,
		logger:  logger,
		timeout: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start subscribes. Calling Start twice is an error.
func (s *Subscriber) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub != nil {
		return errors.New("feedback subscriber already started")
	}
	subject := s.prefix + ".*." + string(KindFeedback)
	sub, err := s.nc.QueueSubscribe(subject, QueueGroup, s.handle)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	s.sub = sub
	s.logger.Info("feedback subscriber started", zap.String("subject", subject))
	return nil
}

// Stop drains the subscription so in-flight messages finish.
func (s *Subscriber) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sub == nil {
		return nil
	}
	err := s.sub.Drain()
	s.sub = nil
	return err
}

func (s *Subscriber) handle(msg *nats.Msg) {
	ctx := context.Background()
	if msg.Header != nil {
		ctx = otel.GetTextMapPropagator().Extract(ctx, propagation.HeaderCarrier(http.Header(msg.Header)))
	}
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	err := s.process(ctx, msg)
	result := "ok"
	ack := Ack{OK: true}
	if err != nil {
		result = "error"
		if errors.Is(err, reconlog.ErrInvalidFeedback) || errors.Is(err, ErrSubjectMismatch) {
			result = "invalid"
		}
		ack = Ack{Error: err.Error()}
		s.logger.Warn("feedback rejected",
			zap.String("subject", msg.Subject),
			zap.Error(err))
	}
	FeedbackReceivedTotal.WithLabelValues(result).Inc()

	if msg.Reply == "" {
		return
	}
	data, _ := json.Marshal(ack)
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("feedback reply failed", zap.String("subject", msg.Subject), zap.Error(err))
	}
}

func (s *Subscriber) process(ctx context.Context, msg *nats.Msg) error {
	subjectTenant, err := s.tenantOf(msg.Subject)
	if err != nil {
		return err
	}
	var ev reconlog.FeedbackEvent
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		return fmt.Errorf("%w: decoding payload: %w", reconlog.ErrInvalidFeedback, err)
	}
	if ev.TenantID == "" {
		ev.TenantID = subjectTenant
	}
	if ev.TenantID != subjectTenant {
		return fmt.Errorf("%w: payload %q, subject %q", ErrSubjectMismatch, ev.TenantID, subjectTenant)
	}
	if err := ev.Validate(); err != nil {
		return err
	}
	return s.handler(tenant.WithTenant(ctx, ev.TenantID), ev)
}

// tenantOf extracts the tenant token from <prefix>.<tenant>.feedback.
func (s *Subscriber) tenantOf(subject string) (tenant.ID, error) {
	rest, ok := strings.CutPrefix(subject, s.prefix+".")
	if !ok {
		return "", fmt.Errorf("%w: unexpected subject %q", reconlog.ErrInvalidFeedback, subject)
	}
	raw, ok := strings.CutSuffix(rest, "."+string(KindFeedback))
	if !ok {
		return "", fmt.Errorf("%w: unexpected subject %q", reconlog.ErrInvalidFeedback, subject)
	}
	id, err := tenant.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("%w: %w", reconlog.ErrInvalidFeedback, err)
	}
	return id, nil
}
