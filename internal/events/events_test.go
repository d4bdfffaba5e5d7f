package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fyrsmithlabs/recond/internal/config"
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// startTestNATSServer starts an embedded NATS server on a random port.
func startTestNATSServer(t *testing.T) *natsserver.Server {
	t.Helper()
	opts := &natsserver.Options{
		Host:   "127.0.0.1",
		Port:   -1,
		NoLog:  true,
		NoSigs: true,
	}
	server, err := natsserver.NewServer(opts)
	require.NoError(t, err)

	go server.Start()
	if !server.ReadyForConnections(5 * time.Second) {
		t.Fatal("NATS server not ready")
	}
	t.Cleanup(func() {
		server.Shutdown()
		server.WaitForShutdown()
	})
	return server
}

func connect(t *testing.T, server *natsserver.Server) *nats.Conn {
	t.Helper()
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	t.Cleanup(nc.Close)
	return nc
}

func receive(t *testing.T, ch <-chan *nats.Msg) *nats.Msg {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestSubject(t *testing.T) {
	assert.Equal(t, "recond.acme.decision", Subject("", "acme", KindDecision))
	assert.Equal(t, "ledger.acme.run", Subject("ledger", "acme", KindRun))
}

func TestConnect_DisabledReturnsNil(t *testing.T) {
	nc, err := Connect(config.NATSConfig{Enabled: false}, nil)
	require.NoError(t, err)
	assert.Nil(t, nc)
}

func TestConnect_Embedded(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := Connect(config.NATSConfig{Enabled: true, URL: server.ClientURL()}, nil)
	require.NoError(t, err)
	defer nc.Close()
	assert.True(t, nc.IsConnected())
}

func TestPublisher_Decision(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	ch := make(chan *nats.Msg, 1)
	sub, err := nc.ChanSubscribe("recond.acme.decision", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p := NewPublisher(nc, "", nil)
	entry := reconlog.Entry{
		ID:         "log-1",
		TenantID:   "acme",
		RunID:      "run-1",
		InternalID: "V-1",
		ExternalID: "B-1",
		Status:     decision.StatusMatched,
		Score:      decimal.RequireFromString("0.9120"),
		Trace:      reconlog.Trace{Rule: reconlog.RuleScored},
		CreatedAt:  time.Date(2024, 4, 10, 0, 0, 0, 0, time.UTC),
	}
	require.NoError(t, p.Decision(context.Background(), entry))

	msg := receive(t, ch)
	var ev DecisionEvent
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, "log-1", ev.LogID)
	assert.Equal(t, decision.StatusMatched, ev.Status)
	assert.Equal(t, "0.9120", ev.Score)
	assert.Equal(t, reconlog.RuleScored, ev.Rule)
}

func TestPublisher_RunAndReflection(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)

	ch := make(chan *nats.Msg, 2)
	sub, err := nc.ChanSubscribe("recond.acme.*", ch)
	require.NoError(t, err)
	defer sub.Unsubscribe()

	p := NewPublisher(nc, "recond", nil)
	require.NoError(t, p.Run(context.Background(), "acme", map[string]int{"matched": 3}))
	require.NoError(t, p.Reflection(context.Background(), reflection.Snapshot{
		ID:       "snap-1",
		TenantID: "acme",
		Issues:   []reflection.Issue{{Kind: reflection.IssueDisputeRateHigh}},
		Applied:  true,
	}))

	run := receive(t, ch)
	assert.Equal(t, "recond.acme.run", run.Subject)
	assert.JSONEq(t, `{"matched":3}`, string(run.Data))

	refl := receive(t, ch)
	assert.Equal(t, "recond.acme.reflection", refl.Subject)
	var ev ReflectionEvent
	require.NoError(t, json.Unmarshal(refl.Data, &ev))
	assert.Equal(t, []string{"dispute_rate_high"}, ev.Issues)
	assert.True(t, ev.Applied)
}

func TestPublisher_DisabledDrops(t *testing.T) {
	p := NewPublisher(nil, "", nil)
	assert.False(t, p.Enabled())
	assert.NoError(t, p.Run(context.Background(), "acme", struct{}{}))
}

func TestPublisher_ClosedConnection(t *testing.T) {
	server := startTestNATSServer(t)
	nc, err := nats.Connect(server.ClientURL())
	require.NoError(t, err)
	nc.Close()

	p := NewPublisher(nc, "", nil)
	assert.ErrorIs(t, p.Run(context.Background(), "acme", struct{}{}), ErrClosed)
}

type recordingHandler struct {
	mu     sync.Mutex
	events []reconlog.FeedbackEvent
	err    error
}

func (h *recordingHandler) handle(ctx context.Context, ev reconlog.FeedbackEvent) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := tenant.FromContext(ctx); !ok || id != ev.TenantID {
		return errors.New("tenant missing from context")
	}
	h.events = append(h.events, ev)
	return h.err
}

func (h *recordingHandler) received() []reconlog.FeedbackEvent {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]reconlog.FeedbackEvent(nil), h.events...)
}

func startSubscriber(t *testing.T, nc *nats.Conn, h *recordingHandler) {
	t.Helper()
	s, err := NewSubscriber(nc, "", h.handle, nil)
	require.NoError(t, err)
	require.NoError(t, s.Start())
	require.Error(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	require.NoError(t, nc.Flush())
}

func request(t *testing.T, nc *nats.Conn, subject, payload string) Ack {
	t.Helper()
	reply, err := nc.Request(subject, []byte(payload), 2*time.Second)
	require.NoError(t, err)
	var ack Ack
	require.NoError(t, json.Unmarshal(reply.Data, &ack))
	return ack
}

func TestSubscriber_AppliesFeedback(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	h := &recordingHandler{}
	startSubscriber(t, nc, h)

	ack := request(t, nc, "recond.acme.feedback", `{"log_id":"log-1","outcome":"confirmed","verifier_id":"rev-7"}`)
	assert.True(t, ack.OK, ack.Error)

	got := h.received()
	require.Len(t, got, 1)
	assert.Equal(t, tenant.ID("acme"), got[0].TenantID)
	assert.Equal(t, reconlog.OutcomeConfirmed, got[0].Outcome)
	assert.Equal(t, "rev-7", got[0].VerifierID)
}

func TestSubscriber_Rejects(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	h := &recordingHandler{}
	startSubscriber(t, nc, h)

	tests := []struct {
		name    string
		subject string
		payload string
		want    string
	}{
		{"tenant mismatch", "recond.acme.feedback", `{"tenant_id":"globex","log_id":"l","outcome":"confirmed"}`, "does not match"},
		{"bad outcome", "recond.acme.feedback", `{"log_id":"l","outcome":"maybe"}`, "outcome"},
		{"missing log id", "recond.acme.feedback", `{"outcome":"confirmed"}`, "log_id"},
		{"malformed json", "recond.acme.feedback", `{`, "decoding"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ack := request(t, nc, tt.subject, tt.payload)
			assert.False(t, ack.OK)
			assert.Contains(t, ack.Error, tt.want)
		})
	}
	assert.Empty(t, h.received())
}

func TestSubscriber_HandlerError(t *testing.T) {
	server := startTestNATSServer(t)
	nc := connect(t, server)
	h := &recordingHandler{err: reconlog.ErrAlreadyVerified}
	startSubscriber(t, nc, h)

	ack := request(t, nc, "recond.acme.feedback", `{"log_id":"log-1","outcome":"confirmed"}`)
	assert.False(t, ack.OK)
	assert.Contains(t, ack.Error, reconlog.ErrAlreadyVerified.Error())
}

func TestNewSubscriber_Validation(t *testing.T) {
	_, err := NewSubscriber(nil, "", func(context.Context, reconlog.FeedbackEvent) error { return nil }, nil)
	assert.Error(t, err)

	server := startTestNATSServer(t)
	_, err = NewSubscriber(connect(t, server), "", nil, nil)
	assert.Error(t, err)
}
