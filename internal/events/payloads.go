package events

import (
	"time"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// DecisionEvent describes one appended log entry.
type DecisionEvent struct {
	TenantID      tenant.ID       `json:"tenant_id"`
	LogID         string          `json:"log_id"`
	RunID         string          `json:"run_id,omitempty"`
	InternalID    string          `json:"internal_id"`
	ExternalID    string          `json:"external_id,omitempty"`
	Status        decision.Status `json:"status"`
	Score         string          `json:"score"`
	Rule          string          `json:"rule"`
	HumanVerified bool            `json:"human_verified"`
	SupersedesID  string          `json:"supersedes_id,omitempty"`
	CreatedAt     time.Time       `json:"created_at"`
}

// NewDecisionEvent projects a log entry onto its event form.
func NewDecisionEvent(e reconlog.Entry) DecisionEvent {
	return DecisionEvent{
		TenantID:      e.TenantID,
		LogID:         e.ID,
		RunID:         e.RunID,
		InternalID:    e.InternalID,
		ExternalID:    e.ExternalID,
		Status:        e.Status,
		Score:         e.Score.StringFixed(4),
		Rule:          e.Trace.Rule,
		HumanVerified: e.HumanVerified,
		SupersedesID:  e.SupersedesID,
		CreatedAt:     e.CreatedAt,
	}
}

// ReflectionEvent summarizes a reflection snapshot.
type ReflectionEvent struct {
	TenantID        tenant.ID          `json:"tenant_id"`
	SnapshotID      string             `json:"snapshot_id"`
	WindowStart     time.Time          `json:"window_start"`
	WindowEnd       time.Time          `json:"window_end"`
	Metrics         reflection.Metrics `json:"metrics"`
	Issues          []string           `json:"issues"`
	Proposals       int                `json:"proposals"`
	Applied         bool               `json:"applied"`
	Recommendations []string           `json:"recommendations,omitempty"`
}

// NewReflectionEvent projects a snapshot onto its event form.
func NewReflectionEvent(s reflection.Snapshot) ReflectionEvent {
	issues := make([]string, 0, len(s.Issues))
	for _, is := range s.Issues {
		issues = append(issues, string(is.Kind))
	}
	return ReflectionEvent{
		TenantID:        s.TenantID,
		SnapshotID:      s.ID,
		WindowStart:     s.WindowStart,
		WindowEnd:       s.WindowEnd,
		Metrics:         s.Metrics,
		Issues:          issues,
		Proposals:       len(s.Proposals),
		Applied:         s.Applied,
		Recommendations: s.Recommendations,
	}
}

// Ack is the reply sent to feedback requests that carry a reply subject.
type Ack struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}
