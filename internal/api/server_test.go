package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stackhaven/warden/internal/clock"
	"github.com/stackhaven/warden/internal/config"
	"github.com/stackhaven/warden/internal/enforce"
	"github.com/stackhaven/warden/internal/engine"
	"github.com/stackhaven/warden/internal/logging"
	"github.com/stackhaven/warden/internal/store"
)

func newTestServer(t *testing.T) *httptest.Server {
	t.Helper()

	opts := store.DefaultOptions(":memory:")
	opts.Clock = clock.NewMockClock(time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC))
	s, err := store.Open(opts)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	log := logging.New(logging.Config{Level: logging.LevelError})
	eng := engine.New(engine.Options{
		Store:  s,
		Driver: enforce.NewMockDriver(),
		Logger: log,
		Retry:  enforce.RetryConfig{MaxAttempts: 1, InitialDelay: time.Millisecond, BackoffFactor: 1},
	})

	srv := NewServer(eng, config.Default(), log)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(ts.Close)
	return ts
}

func doJSON(t *testing.T, ts *httptest.Server, method, path, user string, admin bool, body any) (*http.Response, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, ts.URL+path, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", user)
	if admin {
		req.Header.Set("X-Admin", "true")
	}

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

// doJSONList is doJSON for endpoints returning a JSON array.
func doJSONList(t *testing.T, ts *httptest.Server, method, path, user string) (*http.Response, []map[string]any) {
	t.Helper()

	req, err := http.NewRequest(method, ts.URL+path, nil)
	require.NoError(t, err)
	req.Header.Set("X-User-ID", user)

	resp, err := ts.Client().Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })

	var decoded []map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&decoded)
	return resp, decoded
}

func seedMachine(t *testing.T, ts *httptest.Server) (deptID, machineID string) {
	t.Helper()

	resp, dept := doJSON(t, ts, "POST", "/api/v1/departments", "root", true,
		map[string]string{"name": "engineering"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	deptID = dept["id"].(string)

	resp, machine := doJSON(t, ts, "POST", "/api/v1/machines", "root", true,
		map[string]string{"name": "web-1", "ownerId": "alice", "departmentId": deptID})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	machineID = machine["id"].(string)
	return deptID, machineID
}

func TestAddRuleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, machineID := seedMachine(t, ts)

	resp, body := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/rules", "alice", false,
		map[string]any{
			"action": "accept", "direction": "in", "priority": 100,
			"protocol": "tcp", "portType": "SINGLE", "portValue": "8080",
		})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, body["resolved"], 1)
	assert.Len(t, body["ruleIds"], 1)
}

func TestValidationErrorIs400(t *testing.T) {
	ts := newTestServer(t)
	_, machineID := seedMachine(t, ts)

	resp, body := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/rules", "alice", false,
		map[string]any{
			"action": "accept", "direction": "in", "priority": 100,
			"protocol": "tcp", "portType": "SINGLE", "portValue": "70000",
		})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Contains(t, body["error"], "port")
}

func TestForeignMachineIs404(t *testing.T) {
	ts := newTestServer(t)
	_, machineID := seedMachine(t, ts)

	rule := map[string]any{"action": "accept", "direction": "in", "priority": 100, "protocol": "tcp"}

	respForeign, bodyForeign := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/rules", "mallory", false, rule)
	respMissing, bodyMissing := doJSON(t, ts, "POST", "/api/v1/machines/nope/rules", "mallory", false, rule)

	assert.Equal(t, http.StatusNotFound, respForeign.StatusCode)
	assert.Equal(t, http.StatusNotFound, respMissing.StatusCode)
	assert.Equal(t, bodyForeign["error"], bodyMissing["error"])
}

func TestAdminOnlyIs403(t *testing.T) {
	ts := newTestServer(t)

	resp, _ := doJSON(t, ts, "POST", "/api/v1/departments", "alice", false,
		map[string]string{"name": "rogue"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
}

func TestTemplateLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	deptID, machineID := seedMachine(t, ts)

	resp, tpl := doJSON(t, ts, "POST", "/api/v1/templates", "root", true, map[string]any{
		"name": "web-baseline",
		"rules": []map[string]any{
			{"action": "accept", "direction": "in", "priority": 300, "protocol": "tcp", "portType": "SINGLE", "portValue": "80"},
		},
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	tplID := tpl["id"].(string)

	resp, applied := doJSON(t, ts, "PUT", "/api/v1/departments/"+deptID+"/templates/"+tplID, "root", true, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Len(t, applied["resolved"], 1)

	// The owner sees inherited policy as effective rules.
	resp, _ = doJSON(t, ts, "GET", "/api/v1/machines/"+machineID+"/rules", "alice", false, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, removed := doJSON(t, ts, "DELETE", "/api/v1/departments/"+deptID+"/templates/"+tplID, "root", true, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, removed["resolved"])
}

func TestBackupRestoreOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	_, machineID := seedMachine(t, ts)

	doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/rules", "alice", false, map[string]any{
		"action": "accept", "direction": "in", "priority": 100,
		"protocol": "tcp", "portType": "SINGLE", "portValue": "443",
	})

	resp, backup := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/backups", "alice", false,
		map[string]string{"format": "json"})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	backupID := backup["id"].(string)
	assert.Equal(t, float64(1), backup["ruleCount"])

	resp, restored := doJSON(t, ts, "POST",
		"/api/v1/machines/"+machineID+"/backups/"+backupID+"/restore", "alice", false,
		map[string]string{"mode": "replace_all"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(1), restored["restored"])
}

func TestOptimizeAppliesByDefault(t *testing.T) {
	ts := newTestServer(t)
	_, machineID := seedMachine(t, ts)

	for _, port := range []string{"8000", "8001", "8002", "8000"} {
		resp, _ := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/rules", "alice", false,
			map[string]any{
				"action": "accept", "direction": "in", "priority": 200,
				"protocol": "tcp", "portType": "SINGLE", "portValue": port,
			})
		require.Equal(t, http.StatusOK, resp.StatusCode)
	}

	// Dry run is the opt-in: stored rules stay put.
	resp, _ := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/optimize", "alice", false,
		map[string]any{"dryRun": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, own := doJSONList(t, ts, "GET", "/api/v1/machines/"+machineID+"/rules/own", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, own, 4)

	// A plain optimize call persists the reduced set.
	resp, body := doJSON(t, ts, "POST", "/api/v1/machines/"+machineID+"/optimize", "alice", false,
		map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Empty(t, body["serviceErrors"])

	resp, own = doJSONList(t, ts, "GET", "/api/v1/machines/"+machineID+"/rules/own", "alice")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Len(t, own, 1)
	assert.Equal(t, float64(8000), own[0]["dstPortStart"])
	assert.Equal(t, float64(8002), own[0]["dstPortEnd"])
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp, body := doJSON(t, ts, "GET", "/healthz", "", false, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", body["status"])
}
