package http

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/recond/internal/decision"
	"github.com/fyrsmithlabs/recond/internal/heuristics"
	"github.com/fyrsmithlabs/recond/internal/orchestrator"
	"github.com/fyrsmithlabs/recond/internal/reconlog"
	"github.com/fyrsmithlabs/recond/internal/record"
	"github.com/fyrsmithlabs/recond/internal/reflection"
)

const defaultReflectionLimit = 20

// handleHealth returns a simple health check response.
func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, HealthResponse{Status: "ok"})
}

// handleStatus reports version, uptime and the health of each dependency.
func (s *Server) handleStatus(c echo.Context) error {
	ctx := c.Request().Context()
	resp := StatusResponse{
		Status:   "ok",
		Version:  s.config.Version,
		Uptime:   time.Since(s.started).Round(time.Second).String(),
		Services: make(map[string]string, len(s.deps.Checks)),
		Counts:   StatusCounts{Tenants: CountTenants(ctx, s.deps.Records, s.deps.Logs)},
	}
	for name, check := range s.deps.Checks {
		if err := check(ctx); err != nil {
			resp.Services[name] = "error: " + err.Error()
			resp.Status = "degraded"
			continue
		}
		resp.Services[name] = "ok"
	}
	return c.JSON(http.StatusOK, resp)
}

// handlePutRecords stages raw records for the next batch run. Records without
// a tenant inherit the path tenant; a different tenant is refused.
func (s *Server) handlePutRecords(c echo.Context) error {
	id := tenantOf(c)
	var req RecordsRequest
	if err := c.Bind(&req); err != nil {
		s.logger.Warn("invalid records request", zap.Error(err))
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	if len(req.Records) == 0 {
		return fmt.Errorf("%w: records field is required", errBadRequest)
	}
	for i := range req.Records {
		r := &req.Records[i]
		if r.ID == "" {
			return fmt.Errorf("%w: record %d has no id", record.ErrInvalidRecord, i)
		}
		if r.TenantID == "" {
			r.TenantID = id.String()
		}
		if r.TenantID != id.String() {
			return fmt.Errorf("%w: record %s belongs to tenant %q", record.ErrInvalidRecord, r.ID, r.TenantID)
		}
	}

	n, err := s.deps.Records.PutRaw(c.Request().Context(), req.Records)
	if err != nil {
		return fmt.Errorf("staging records: %w", err)
	}
	s.logger.Debug("staged records", zap.String("tenant_id", id.String()), zap.Int("count", n))
	return c.JSON(http.StatusAccepted, RecordsResponse{TenantID: id, Staged: n})
}

func (s *Server) handleListRecords(c echo.Context) error {
	id := tenantOf(c)
	recs, err := s.deps.Records.ListRaw(c.Request().Context(), id)
	if err != nil {
		return fmt.Errorf("listing records: %w", err)
	}
	if recs == nil {
		recs = []record.Raw{}
	}
	return c.JSON(http.StatusOK, RecordListResponse{TenantID: id, Records: recs, Count: len(recs)})
}

// handleRun executes one batch. An interrupted run still answers 200 with
// the partial summary, flagged as cancelled.
func (s *Server) handleRun(c echo.Context) error {
	summary, err := s.deps.Runner.Run(c.Request().Context(), tenantOf(c))
	if err != nil {
		if !errors.Is(err, orchestrator.ErrRunInterrupted) || summary == nil {
			return err
		}
		s.logger.Warn("run interrupted", zap.String("run_id", summary.RunID), zap.Error(err))
	}
	return c.JSON(http.StatusOK, summary)
}

// handleListLogs lists log entries. Query parameters: status, internal_id,
// external_id, since and until (RFC 3339), limit.
func (s *Server) handleListLogs(c echo.Context) error {
	id := tenantOf(c)
	f, err := logFilter(c)
	if err != nil {
		return err
	}
	entries, err := s.deps.Logs.List(c.Request().Context(), id, f)
	if err != nil {
		return fmt.Errorf("listing logs: %w", err)
	}
	if entries == nil {
		entries = []reconlog.Entry{}
	}
	return c.JSON(http.StatusOK, LogsResponse{TenantID: id, Entries: entries, Count: len(entries)})
}

func logFilter(c echo.Context) (reconlog.Filter, error) {
	f := reconlog.Filter{
		InternalID: c.QueryParam("internal_id"),
		ExternalID: c.QueryParam("external_id"),
	}
	if v := c.QueryParam("status"); v != "" {
		st, err := decision.ParseStatus(v)
		if err != nil {
			return f, fmt.Errorf("%w: %w", errBadRequest, err)
		}
		f.Status = st
	}
	for _, p := range []struct {
		name string
		dst  *time.Time
	}{{"since", &f.Since}, {"until", &f.Until}} {
		v := c.QueryParam(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return f, fmt.Errorf("%w: %s must be RFC 3339", errBadRequest, p.name)
		}
		*p.dst = t
	}
	limit, err := intParam(c, "limit", 0)
	if err != nil {
		return f, err
	}
	f.Limit = limit
	return f, nil
}

func intParam(c echo.Context, name string, def int) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %s must be a non-negative integer", errBadRequest, name)
	}
	return n, nil
}

func (s *Server) handleGetLog(c echo.Context) error {
	e, err := s.deps.Logs.Get(c.Request().Context(), tenantOf(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, e)
}

// handleFeedback applies a reviewer verdict. The body's tenant_id may be
// omitted; when present it must equal the path tenant.
func (s *Server) handleFeedback(c echo.Context) error {
	id := tenantOf(c)
	var ev reconlog.FeedbackEvent
	if err := c.Bind(&ev); err != nil {
		s.logger.Warn("invalid feedback request", zap.Error(err))
		return fmt.Errorf("%w: invalid request body", errBadRequest)
	}
	if ev.TenantID == "" {
		ev.TenantID = id
	}
	if ev.TenantID != id {
		return fmt.Errorf("%w: tenant_id %q does not match path tenant %q", reconlog.ErrInvalidFeedback, ev.TenantID, id)
	}
	res, err := s.deps.Runner.ApplyFeedback(c.Request().Context(), ev)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, res)
}

func (s *Server) handlePatterns(c echo.Context) error {
	ctx := c.Request().Context()
	id := tenantOf(c)
	patterns, err := s.deps.Memory.Patterns(ctx, id)
	if err != nil {
		return fmt.Errorf("listing patterns: %w", err)
	}
	if patterns == nil {
		patterns = []heuristics.Pattern{}
	}
	th, err := s.deps.Memory.Thresholds(ctx, id)
	if err != nil {
		return fmt.Errorf("loading thresholds: %w", err)
	}
	return c.JSON(http.StatusOK, PatternsResponse{
		TenantID:   id,
		Scope:      s.deps.Memory.Scope(),
		Thresholds: th,
		Patterns:   patterns,
	})
}

func (s *Server) handleReflect(c echo.Context) error {
	snap, err := s.deps.Reflector.Reflect(c.Request().Context(), tenantOf(c))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, snap)
}

func (s *Server) handleListReflections(c echo.Context) error {
	id := tenantOf(c)
	limit, err := intParam(c, "limit", defaultReflectionLimit)
	if err != nil {
		return err
	}
	snaps, err := s.deps.Snapshots.List(c.Request().Context(), id, limit)
	if err != nil {
		return fmt.Errorf("listing snapshots: %w", err)
	}
	if snaps == nil {
		snaps = []reflection.Snapshot{}
	}
	return c.JSON(http.StatusOK, ReflectionsResponse{TenantID: id, Snapshots: snaps})
}
