package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dativo-io/steward/internal/approval"
	"github.com/dativo-io/steward/internal/config"
	"github.com/dativo-io/steward/internal/governor"
	"github.com/dativo-io/steward/internal/pipeline"
	"github.com/dativo-io/steward/internal/testutil"
)

const testKey = "test-key-alice"

type fakeRunner struct {
	mu    sync.Mutex
	calls [][]string
}

func (f *fakeRunner) Run(_ context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, append([]string{name}, args...))
	return nil, nil
}

type discard struct{}

func (discard) Write(p []byte) (int, error) { return len(p), nil }

func newTestServer(t *testing.T, opts ...Option) (http.Handler, *governor.Governor) {
	t.Helper()
	dir := t.TempDir()
	testutil.WritePolicyFile(t, dir, testutil.GuardedPolicy)
	cfg := &config.Config{
		DataDir:               dir,
		SigningKey:            testutil.TestSigningKey,
		PolicyFile:            config.DefaultPolicyFile,
		AutonomyFile:          config.DefaultAutonomyFile,
		Workers:               2,
		ApprovalSweepInterval: time.Minute,
		RecoveryPollInterval:  time.Minute,
		BudgetSweepInterval:   time.Minute,
		Operator:              "alice",
		Listen:                config.DefaultListen,
	}
	clock := testutil.NewFakeClock()
	gov, err := governor.Open(context.Background(), cfg,
		governor.WithClock(clock.Now),
		governor.WithTools(governor.DefaultTools(&fakeRunner{}, discard{})))
	require.NoError(t, err)
	t.Cleanup(func() { _ = gov.Close(context.Background()) })

	srv := NewServer(gov, map[string]string{testKey: "alice"}, opts...)
	return srv.Routes(), gov
}

func do(t *testing.T, h http.Handler, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("X-Steward-Key", testKey)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.NewDecoder(rec.Body).Decode(v))
}

func TestHealthEndpoint(t *testing.T) {
	h, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health?detail=true", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	var out map[string]interface{}
	decode(t, rec, &out)
	assert.Equal(t, "ok", out["status"])
	assert.Equal(t, false, out["safe_mode"])
}

func TestAuthMiddleware(t *testing.T) {
	h, _ := newTestServer(t)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/autonomy", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/autonomy", nil)
	req.Header.Set("X-Steward-Key", "wrong")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/v1/autonomy", nil)
	req.Header.Set("Authorization", "Bearer "+testKey)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRunAndApprove(t *testing.T) {
	h, gov := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/runs", map[string]interface{}{
		"input": "docker.service keeps crashing",
		"proposal": map[string]interface{}{
			"confidence": 0.9,
			"actions": []map[string]interface{}{
				{"tool": "restart_service", "inputs": map[string]interface{}{"service": "docker"}},
			},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var st pipeline.State
	decode(t, rec, &st)
	require.Len(t, st.Results, 1)
	assert.Equal(t, "alice", st.User)
	id := st.Results[0].ApprovalID
	require.NotEmpty(t, id)

	rec = do(t, h, http.MethodGet, "/v1/approvals?status=pending", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Approvals []approval.Request `json:"approvals"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Approvals, 1)
	assert.Equal(t, "Would restart docker.service", list.Approvals[0].DryRunOutput)

	rec = do(t, h, http.MethodPost, "/v1/approvals/"+id+"/approve", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var req approval.Request
	decode(t, rec, &req)
	assert.Equal(t, approval.StatusApproved, req.Status)
	assert.Equal(t, "alice", req.Resolver)

	rec = do(t, h, http.MethodPost, "/v1/approvals/"+id+"/reject", map[string]string{"reason": "no"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/approvals/apr_missing/approve", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	n, err := gov.ProcessResolved(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	rec = do(t, h, http.MethodGet, "/v1/approvals/history?limit=5", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &list)
	require.Len(t, list.Approvals, 1)

	rec = do(t, h, http.MethodGet, "/v1/outcomes?tool=restart_service", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var outs struct {
		Outcomes []map[string]interface{} `json:"outcomes"`
	}
	decode(t, rec, &outs)
	require.NotEmpty(t, outs.Outcomes)
	assert.Equal(t, "executed", outs.Outcomes[0]["status"])

	rec = do(t, h, http.MethodGet, "/v1/outcomes/"+outs.Outcomes[0]["id"].(string)+"/verify", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var v map[string]interface{}
	decode(t, rec, &v)
	assert.Equal(t, true, v["valid"])
}

func TestRun_Invalid(t *testing.T) {
	h, _ := newTestServer(t)
	rec := do(t, h, http.MethodPost, "/v1/runs", map[string]string{})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPolicyEvaluate(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/policy/evaluate", map[string]interface{}{
		"tool": "delete_file", "is_apply": true, "inputs": map[string]string{"path": "/var/log/x"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	var d map[string]interface{}
	decode(t, rec, &d)
	assert.Equal(t, false, d["allow"])
	assert.Equal(t, "blocked by policy", d["reason"])

	rec = do(t, h, http.MethodPost, "/v1/policy/evaluate", map[string]interface{}{"is_apply": true})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/policy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestJobsAPI(t *testing.T) {
	h, _ := newTestServer(t)

	job := map[string]interface{}{"id": "nightly-health", "task": "check health", "schedule": "0 2 * * *", "priority": 3}
	rec := do(t, h, http.MethodPost, "/v1/jobs", job)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created map[string]interface{}
	decode(t, rec, &created)
	assert.Equal(t, "2026-03-02T02:00:00Z", created["next_run_at"])

	rec = do(t, h, http.MethodPost, "/v1/jobs", job)
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/jobs", map[string]interface{}{"id": "bad", "task": "x", "schedule": "not cron"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Jobs []map[string]interface{} `json:"jobs"`
	}
	decode(t, rec, &list)
	assert.Len(t, list.Jobs, 1)

	rec = do(t, h, http.MethodGet, "/v1/jobs/nightly-health", nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodDelete, "/v1/jobs/nightly-health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var cancelled map[string]interface{}
	decode(t, rec, &cancelled)
	assert.Equal(t, "cancelled", cancelled["state"])

	rec = do(t, h, http.MethodDelete, "/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/jobs/missing/trigger", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAutonomyAPI(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/autonomy/pause", map[string]string{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)
	var sm map[string]interface{}
	decode(t, rec, &sm)
	assert.Equal(t, true, sm["active"])
	assert.Equal(t, "alice", sm["set_by"])

	rec = do(t, h, http.MethodGet, "/v1/autonomy", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var st map[string]interface{}
	decode(t, rec, &st)
	safe, _ := st["safe_mode"].(map[string]interface{})
	require.NotNil(t, safe)
	assert.Equal(t, true, safe["active"])
	assert.Contains(t, st, "recoveries")
	assert.Contains(t, st, "budgets")

	rec = do(t, h, http.MethodPost, "/v1/autonomy/resume", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	decode(t, rec, &sm)
	assert.Equal(t, false, sm["active"])
}

func TestTelemetryAPI(t *testing.T) {
	h, _ := newTestServer(t)

	for i := 0; i < 3; i++ {
		rec := do(t, h, http.MethodPost, "/v1/telemetry/samples", map[string]interface{}{"cpu_percent": 98, "service": "docker"})
		require.Equal(t, http.StatusAccepted, rec.Code)
	}
	rec := do(t, h, http.MethodGet, "/v1/anomalies?hours=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list struct {
		Anomalies []map[string]interface{} `json:"anomalies"`
	}
	decode(t, rec, &list)
	require.Len(t, list.Anomalies, 1)
	assert.Equal(t, "cpu_spike", list.Anomalies[0]["kind"])

	rec = do(t, h, http.MethodPost, "/v1/telemetry/tool-outcomes", map[string]interface{}{"success": false})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/telemetry/tool-outcomes", map[string]interface{}{"tool": "restart_service", "target": "nginx.service", "success": true})
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, h, http.MethodGet, "/v1/recoveries", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h, _ := newTestServer(t, WithRateLimiter(NewRateLimiter(0.001, 1)))

	assert.Equal(t, http.StatusOK, do(t, h, http.MethodGet, "/v1/jobs", nil).Code)
	rec := do(t, h, http.MethodGet, "/v1/jobs", nil)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
}

func TestCORSPreflight(t *testing.T) {
	h, _ := newTestServer(t, WithCORSOrigins([]string{"https://ops.example.com"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://ops.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://ops.example.com", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestCORS_UnknownOriginNotEchoed(t *testing.T) {
	h, _ := newTestServer(t, WithCORSOrigins([]string{"https://ops.example.com"}))

	req := httptest.NewRequest(http.MethodOptions, "/v1/jobs", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestPresentedKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	assert.Empty(t, presentedKey(req))

	req.Header.Set("Authorization", "Basic abc")
	assert.Empty(t, presentedKey(req))

	req.Header.Set("Authorization", "Bearer  tok ")
	assert.Equal(t, "tok", presentedKey(req))

	req.Header.Set("X-Steward-Key", "k")
	assert.Equal(t, "k", presentedKey(req))
}

func TestOperatorForKey(t *testing.T) {
	keys := map[string]string{"k1": "alice", "k2": "bob"}
	assert.Equal(t, "bob", operatorForKey(keys, "k2"))
	assert.Empty(t, operatorForKey(keys, "k3"))
	assert.Empty(t, operatorForKey(keys, ""))
}

func TestCallerCannotActAsAnotherOperator(t *testing.T) {
	h, _ := newTestServer(t)

	rec := do(t, h, http.MethodPost, "/v1/autonomy/pause", map[string]string{"reason": "maintenance", "by": "root-admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/autonomy/pause", map[string]string{"reason": "maintenance"})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/autonomy/resume", map[string]string{"resolver": "root-admin"})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	var e map[string]string
	decode(t, rec, &e)
	assert.Equal(t, "identity_mismatch", e["error"])

	rec = do(t, h, http.MethodGet, "/v1/autonomy", nil)
	var st map[string]interface{}
	decode(t, rec, &st)
	safe, _ := st["safe_mode"].(map[string]interface{})
	require.NotNil(t, safe)
	assert.Equal(t, true, safe["active"], "safe mode stays on")

	rec = do(t, h, http.MethodPost, "/v1/approvals/apr_missing/approve", map[string]string{"resolver": "bob"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = do(t, h, http.MethodPost, "/v1/autonomy/resume", map[string]string{"resolver": "alice"})
	assert.Equal(t, http.StatusOK, rec.Code)
}
