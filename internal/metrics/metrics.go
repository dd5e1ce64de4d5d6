// Package metrics exposes Prometheus collectors for detection calls and
// link simulations.
package metrics

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jeongseonghan/mimo-ofdm/internal/errs"
)

// Metrics holds the collectors of one registry.
type Metrics struct {
	registry *prometheus.Registry

	detectCalls      *prometheus.CounterVec   // by variant and status
	detectDuration   *prometheus.HistogramVec // by variant
	resourceElements *prometheus.CounterVec   // by variant
	simBER           *prometheus.GaugeVec     // by variant
	wsClients        prometheus.Gauge
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		registry: reg,
		detectCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimo_detect_calls_total",
				Help: "Detection calls by detector variant and outcome",
			},
			[]string{"variant", "status"},
		),
		detectDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "mimo_detect_duration_seconds",
				Help:    "Wall time of one detection call",
				Buckets: prometheus.ExponentialBuckets(0.0005, 4, 10),
			},
			[]string{"variant"},
		),
		resourceElements: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "mimo_detect_resource_elements_total",
				Help: "Resource elements processed by successful detection calls",
			},
			[]string{"variant"},
		),
		simBER: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "mimo_sim_bit_error_rate",
				Help: "Bit error rate of the last link simulation",
			},
			[]string{"variant"},
		),
		wsClients: f.NewGauge(
			prometheus.GaugeOpts{
				Name: "mimo_websocket_clients",
				Help: "Connected WebSocket clients",
			},
		),
	}
}

// Registry returns the registry the collectors live in.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveDetect records one detection call over numRE resource elements.
func (m *Metrics) ObserveDetect(variant string, numRE int, elapsed time.Duration, err error) {
	m.detectCalls.WithLabelValues(variant, Status(err)).Inc()
	if err != nil {
		return
	}
	m.detectDuration.WithLabelValues(variant).Observe(elapsed.Seconds())
	m.resourceElements.WithLabelValues(variant).Add(float64(numRE))
}

// SetBER records the bit error rate of a simulation.
func (m *Metrics) SetBER(variant string, ber float64) {
	m.simBER.WithLabelValues(variant).Set(ber)
}

// SetWebSocketClients records the number of connected clients.
func (m *Metrics) SetWebSocketClients(n int) {
	m.wsClients.Set(float64(n))
}

// Status classifies err into a low-cardinality label value.
func Status(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, errs.ErrShape):
		return "shape_error"
	case errors.Is(err, errs.ErrConfig):
		return "config_error"
	case errors.Is(err, errs.ErrSingular):
		return "singular"
	}
	return "error"
}
