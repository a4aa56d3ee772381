package orchestrator

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"ddsfleet/services/supervisor"
)

func TestStatusAPI(t *testing.T) {
	f := newFixture(t, t.TempDir(), Options{})
	status, err := NewStatusAPI(f.orch, f.rec)
	require.NoError(t, err)
	srv := httptest.NewServer(status.Routes())
	defer srv.Close()

	get := func(path string) (int, map[string]any) {
		t.Helper()
		resp, err := http.Get(srv.URL + path)
		require.NoError(t, err)
		defer resp.Body.Close()
		var body map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
		return resp.StatusCode, body
	}

	code, body := get("/healthz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	code, _ = get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = get("/v1/run")
	require.Equal(t, http.StatusNotFound, code)

	result, err := f.orch.BringUp(context.Background())
	require.NoError(t, err)
	status.SetResult(result)
	code, body = get("/readyz")
	require.Equal(t, http.StatusServiceUnavailable, code)
	require.Equal(t, false, body["ready"])

	ready := *result
	ready.Ready = true
	status.SetResult(&ready)
	code, body = get("/readyz")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, result.RunID.String(), body["run_id"])

	require.NoError(t, f.sup.Ledger().Append(supervisor.Entry{Title: "Messaging Publisher", PID: 99999999}))
	code, body = get("/v1/ledger")
	require.Equal(t, http.StatusOK, code)
	entries := body["entries"].([]any)
	require.Len(t, entries, 1)
	require.Equal(t, "Messaging Publisher", entries[0].(map[string]any)["title"])
	require.NoError(t, f.sup.Ledger().Remove())

	require.NoError(t, os.MkdirAll(filepath.Join(f.orch.ModulesDir(), "Radar_idl_generated"), 0o755))
	code, body = get("/v1/modules")
	require.Equal(t, http.StatusOK, code)
	require.Len(t, body["warnings"].([]any), 1)

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(payload), "ddsfleet_identity_issued_total")
}
