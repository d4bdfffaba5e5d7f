// Package events carries reconciliation events over NATS.
//
// Subjects are rooted at a configurable prefix (default "recond"):
//
//	recond.<tenant>.decision    one message per appended log entry
//	recond.<tenant>.run         one message per finished batch run
//	recond.<tenant>.reflection  one message per reflection snapshot
//	recond.<tenant>.feedback    reviewer verdicts consumed by the daemon
package events

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// Kind is the last subject token of an event.
type Kind string

const (
	KindDecision   Kind = "decision"
	KindRun        Kind = "run"
	KindReflection Kind = "reflection"
	KindFeedback   Kind = "feedback"
)

// DefaultPrefix is used when no subject prefix is configured.
const DefaultPrefix = "recond"

var (
	// ErrClosed is returned when publishing on a closed connection.
	ErrClosed = errors.New("event bus connection closed")

	// ErrSubjectMismatch is returned when a feedback payload names a
	// different tenant than its subject.
	ErrSubjectMismatch = errors.New("feedback tenant does not match subject")
)

// Subject builds the subject for a tenant event.
func Subject(prefix string, tenantID tenant.ID, kind Kind) string {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return fmt.Sprintf("%s.%s.%s", prefix, tenantID, kind)
}

// Connect dials the configured NATS server. It returns nil without error
// when the event bus is disabled.
func Connect(cfg config.NATSConfig, logger *zap.Logger) (*nats.Conn, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	opts := []nats.Option{
		nats.Name("recond"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(5),
		nats.ReconnectWait(1 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", zap.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
	}
	if cfg.Token != "" {
		opts = append(opts, nats.Token(cfg.Token.Value()))
	}
	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connecting to NATS at %s: %w", cfg.URL, err)
	}
	logger.Info("connected to NATS", zap.String("url", cfg.URL))
	return nc, nil
}
