package http

import (
	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/reflection"
	"github.com/fyrsmithlabs/recond/internal/tenant"
)

// HealthResponse is the response body for GET /health.
type HealthResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusResponse is the response body for GET /api/v1/status.
type StatusResponse struct {
	Status   string            `json:"status"`
	Version  string            `json:"version,omitempty"`
	Uptime   string            `json:"uptime"`
	Services map[string]string `json:"services"`
	Counts   StatusCounts      `json:"counts"`
}

// StatusCounts contains count information for various resources.
// A value of -1 means the count could not be determined.
type StatusCounts struct {
	Tenants int `json:"tenants"`
}

// RecordsRequest is the request body for POST /api/v1/tenants/:tenant/records.
type RecordsRequest struct {
	Records []record.Raw `json:"records"`
}

// RecordsResponse reports how many records were staged.
type RecordsResponse struct {
	TenantID tenant.ID `json:"tenant_id"`
	Staged   int       `json:"staged"`
}

// RecordListResponse is the response body for GET .../records.
type RecordListResponse struct {
	TenantID tenant.ID    `json:"tenant_id"`
	Records  []record.Raw `json:"records"`
	Count    int          `json:"count"`
}

// LogsResponse is the response body for GET .../logs.
type LogsResponse struct {
	TenantID tenant.ID        `json:"tenant_id"`
	Entries  []reconlog.Entry `json:"entries"`
	Count    int              `json:"count"`
}

// PatternsResponse is the response body for GET .../patterns.
type PatternsResponse struct {
	TenantID   tenant.ID            `json:"tenant_id"`
	Scope      tenant.Scope         `json:"scope,omitempty"`
	Thresholds decision.Thresholds  `json:"thresholds"`
	Patterns   []heuristics.Pattern `json:"patterns"`
}

// ReflectionsResponse is the response body for GET .../reflections.
type ReflectionsResponse struct {
	TenantID  tenant.ID             `json:"tenant_id"`
	Snapshots []reflection.Snapshot `json:"snapshots"`
}
