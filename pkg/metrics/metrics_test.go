package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.IdentityIssued("participant")
	r.IdentityIssued("participant")
	r.CARotated()
	r.Discovery(3, 1)
	r.Launch(true)
	r.Launch(false)
	r.Ready(true)
	r.Teardown("killed")
	r.Swept(2)
	r.ObservePhase("identity", time.Now())

	require.Equal(t, 2.0, value(t, r, "ddsfleet_identity_issued_total", "participant"))
	require.Equal(t, 1.0, value(t, r, "ddsfleet_ca_rotations_total", ""))
	require.Equal(t, 3.0, value(t, r, "ddsfleet_modules_discovered", ""))
	require.Equal(t, 1.0, value(t, r, "ddsfleet_modules_skipped", ""))
	require.Equal(t, 1.0, value(t, r, "ddsfleet_process_launches_total", "failed"))
	require.Equal(t, 1.0, value(t, r, "ddsfleet_fleet_ready", ""))
	require.Equal(t, 2.0, value(t, r, "ddsfleet_port_sweep_kills_total", ""))
}

// value returns the first sample of the named family, optionally filtered by
// any label value.
func value(t *testing.T, r *Recorder, name, label string) float64 {
	t.Helper()
	families, err := r.Registry().Gather()
	require.NoError(t, err)
	for _, family := range families {
		if family.GetName() != name {
			continue
		}
		for _, m := range family.GetMetric() {
			if label != "" {
				match := false
				for _, pair := range m.GetLabel() {
					if pair.GetValue() == label {
						match = true
					}
				}
				if !match {
					continue
				}
			}
			switch {
			case m.GetCounter() != nil:
				return m.GetCounter().GetValue()
			case m.GetGauge() != nil:
				return m.GetGauge().GetValue()
			}
		}
	}
	t.Fatalf("metric %s{%s} not found", name, label)
	return 0
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.IdentityIssued("ca")
	r.Launch(true)
	r.Ready(false)
	r.ObservePhase("launch", time.Now())
}

func TestHandlerAndTextfile(t *testing.T) {
	r := New()
	r.Discovery(2, 0)

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Contains(t, string(body), "ddsfleet_modules_discovered 2")

	path := filepath.Join(t.TempDir(), "ddsfleet.prom")
	require.NoError(t, r.WriteTextfile(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.True(t, strings.Contains(string(data), "ddsfleet_modules_discovered 2"))
}
