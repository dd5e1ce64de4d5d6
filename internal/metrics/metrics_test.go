package metrics

import (
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

func TestObserveDetect(t *testing.T) {
	m := New()
	m.ObserveDetect("lmmse", 96, 3*time.Millisecond, nil)
	m.ObserveDetect("lmmse", 96, time.Millisecond, nil)
	m.ObserveDetect("lmmse", 96, time.Millisecond, errs.Shapef("y: dimension 1 (num_rx) is 2, want 1"))

	body := scrape(t, m)
	assert.Contains(t, body, `mimo_detect_calls_total{status="ok",variant="lmmse"} 2`)
	assert.Contains(t, body, `mimo_detect_calls_total{status="shape_error",variant="lmmse"} 1`)
	assert.Contains(t, body, `mimo_detect_resource_elements_total{variant="lmmse"} 192`)
	assert.Contains(t, body, `mimo_detect_duration_seconds_count{variant="lmmse"} 2`)
}

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestStatus(t *testing.T) {
	assert.Equal(t, "ok", Status(nil))
	assert.Equal(t, "config_error", Status(fmt.Errorf("build: %w", errs.Configf("k must be positive"))))
	assert.Equal(t, "singular", Status(errs.Singularf("covariance")))
	assert.Equal(t, "error", Status(fmt.Errorf("boom")))
}

func TestHandler(t *testing.T) {
	m := New()
	m.SetBER("ml", 0.125)
	m.SetWebSocketClients(2)

	body := scrape(t, m)
	assert.Contains(t, body, `mimo_sim_bit_error_rate{variant="ml"} 0.125`)
	assert.Contains(t, body, "mimo_websocket_clients 2")
}
