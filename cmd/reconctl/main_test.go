package main

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apihttp "github.com/fyrsmithlabs/recond/internal/http"
	"github.com/fyrsmithlabs/recond/internal/record"
)

// fakeServer records requests and answers with canned bodies per path.
type fakeServer struct {
	requests []*http.Request
	bodies   [][]byte
	answers  map[string]any
	status   int
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	f := &fakeServer{answers: map[string]any{}, status: http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var buf bytes.Buffer
		_, _ = buf.ReadFrom(r.Body)
		f.requests = append(f.requests, r)
		f.bodies = append(f.bodies, buf.Bytes())
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(f.status)
		_ = json.NewEncoder(w).Encode(f.answers[r.URL.Path])
	}))
	t.Cleanup(srv.Close)

	prevURL, prevTenant := serverURL, tenantID
	serverURL = srv.URL
	t.Cleanup(func() { serverURL, tenantID = prevURL, prevTenant })
	return f
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() { rootCmd.SetArgs(nil) })
	err := rootCmd.ExecuteContext(context.Background())
	return out.String(), err
}

func TestHealthCmd(t *testing.T) {
	f := newFakeServer(t)
	f.answers["/health"] = apihttp.HealthResponse{Status: "ok"}

	out, err := execute(t, "health")
	require.NoError(t, err)
	assert.Contains(t, out, "Server Status: ok")
}

func TestStatusCmd_UnknownTenantCount(t *testing.T) {
	f := newFakeServer(t)
	f.answers["/api/v1/status"] = apihttp.StatusResponse{
		Status:   "degraded",
		Services: map[string]string{"storage": "ok", "nats": "error: disconnected"},
		Counts:   apihttp.StatusCounts{Tenants: -1},
	}

	out, err := execute(t, "status")
	require.NoError(t, err)
	assert.Contains(t, out, "Status:  degraded")
	assert.Contains(t, out, "Tenants: ?")
	assert.Contains(t, out, "error: disconnected")
}

func TestRecordsImportCmd_Batches(t *testing.T) {
	f := newFakeServer(t)
	f.answers["/api/v1/tenants/acme/records"] = apihttp.RecordsResponse{TenantID: "acme", Staged: 2}

	recs := []record.Raw{
		{ID: "V-1", SourceKind: "voucher", Amount: "10.00", Date: "2024-04-10"},
		{ID: "V-2", SourceKind: "voucher", Amount: "20.00", Date: "2024-04-10"},
		{ID: "B-1", SourceKind: "bank", Amount: "10.00", Date: "2024-04-10"},
		{ID: "B-2", SourceKind: "bank", Amount: "20.00", Date: "2024-04-10"},
	}
	raw, err := json.Marshal(recs)
	require.NoError(t, err)
	file := filepath.Join(t.TempDir(), "records.json")
	require.NoError(t, os.WriteFile(file, raw, 0o600))

	out, err := execute(t, "records", "import", "--tenant", "acme", "--batch", "2", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Staged 4 record(s) for acme")
	require.Len(t, f.requests, 2)

	var first apihttp.RecordsRequest
	require.NoError(t, json.Unmarshal(f.bodies[0], &first))
	require.Len(t, first.Records, 2)
	assert.Equal(t, "V-1", first.Records[0].ID)
}

func TestRunCmd_ServerError(t *testing.T) {
	f := newFakeServer(t)
	f.status = http.StatusConflict
	f.answers["/api/v1/tenants/acme/runs"] = apihttp.ErrorResponse{Error: "run already in progress for tenant: acme"}

	_, err := execute(t, "run", "-t", "acme")
	require.Error(t, err)
	var apiErr *apiError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.Status)
	assert.Contains(t, apiErr.Message, "already in progress")
}

func TestTenantPath(t *testing.T) {
	prev := tenantID
	t.Cleanup(func() { tenantID = prev })

	tenantID = ""
	_, err := tenantPath("/runs")
	assert.Error(t, err)

	tenantID = "acme"
	p, err := tenantPath("/runs")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/tenants/acme/runs", p)
}

func TestDecodeRecords(t *testing.T) {
	arr, err := decodeRecords([]byte(` [{"id":"V-1","amount":10.50}]`))
	require.NoError(t, err)
	require.Len(t, arr, 1)
	assert.Equal(t, record.RawAmount("10.50"), arr[0].Amount)

	obj, err := decodeRecords([]byte(`{"records":[{"id":"B-1","amount":"7"}]}`))
	require.NoError(t, err)
	require.Len(t, obj, 1)
	assert.Equal(t, "B-1", obj[0].ID)

	_, err = decodeRecords([]byte(`nope`))
	assert.Error(t, err)
}
