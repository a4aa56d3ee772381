package telemetry

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSON(t *testing.T) {
	var buf bytes.Buffer
	logger, err := NewLogger("fleetctl", LogOptions{Level: "debug", Out: &buf})
	require.NoError(t, err)

	logger.Debug().Str("module", "Messaging").Msg("hello")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "fleetctl", line["service"])
	require.Equal(t, "Messaging", line["module"])
	require.Equal(t, "debug", line["level"])
	require.Equal(t, "hello", line["message"])
}

func TestNewLoggerRejectsBadOptions(t *testing.T) {
	_, err := NewLogger("x", LogOptions{Level: "loud"})
	require.Error(t, err)
	_, err = NewLogger("x", LogOptions{Format: "xml"})
	require.Error(t, err)

	var buf bytes.Buffer
	logger, err := NewLogger("x", LogOptions{Level: "warn", Out: &buf})
	require.NoError(t, err)
	logger.Info().Msg("dropped")
	require.Zero(t, buf.Len())
}

func TestInitWithoutCollector(t *testing.T) {
	t.Setenv("OTEL_EXPORTER_OTLP_ENDPOINT", "")

	var buf bytes.Buffer
	logger, err := NewLogger("fleetctl", LogOptions{Out: &buf})
	require.NoError(t, err)

	shutdown, middleware, err := Init(context.Background(), "fleetctl", logger)
	require.NoError(t, err)
	defer func() { require.NoError(t, shutdown(context.Background())) }()

	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	require.Equal(t, http.StatusTeapot, rec.Code)
	require.Contains(t, buf.String(), `"path":"/healthz"`)
	require.Contains(t, buf.String(), `"status":418`)
	require.Contains(t, buf.String(), `"trace_id"`)

	_, _, err = Init(context.Background(), "", logger)
	require.Error(t, err)
}
