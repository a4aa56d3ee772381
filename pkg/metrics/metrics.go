package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "ddsfleet"

// Recorder owns the fleet collectors on a private registry so tests and
// repeated CLI runs never collide with the global one.
type Recorder struct {
	registry *prometheus.Registry

	identityIssued   *prometheus.CounterVec
	caRotations      prometheus.Counter
	modulesFound     prometheus.Gauge
	discoveryWarns   prometheus.Gauge
	launches         *prometheus.CounterVec
	ready            prometheus.Gauge
	phaseDuration    *prometheus.HistogramVec
	teardownOutcomes *prometheus.CounterVec
	sweptListeners   prometheus.Counter
}

// New registers every collector on a fresh registry.
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		identityIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "identity_issued_total",
			Help:      "Certificates issued, by kind (ca or participant).",
		}, []string{"kind"}),
		caRotations: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ca_rotations_total",
			Help:      "Certificate authority rotations.",
		}),
		modulesFound: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modules_discovered",
			Help:      "Modules with a unique entry point in the last discovery pass.",
		}),
		discoveryWarns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "modules_skipped",
			Help:      "Module directories skipped in the last discovery pass.",
		}),
		launches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "process_launches_total",
			Help:      "Process launch attempts by result.",
		}, []string{"result"}),
		ready: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "fleet_ready",
			Help:      "1 when at least one participant was observed running.",
		}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Duration of orchestration phases.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"phase"}),
		teardownOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "teardown_outcomes_total",
			Help:      "Ledger entries handled during teardown, by outcome.",
		}, []string{"outcome"}),
		sweptListeners: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "port_sweep_kills_total",
			Help:      "Processes force-killed by the front-end port sweep.",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.identityIssued,
		r.caRotations,
		r.modulesFound,
		r.discoveryWarns,
		r.launches,
		r.ready,
		r.phaseDuration,
		r.teardownOutcomes,
		r.sweptListeners,
	)
	return r
}

// Registry exposes the underlying registry, mainly for tests.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// WriteTextfile dumps the registry for node_exporter's textfile collector.
func (r *Recorder) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, r.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}

func (r *Recorder) IdentityIssued(kind string) {
	if r == nil {
		return
	}
	r.identityIssued.WithLabelValues(kind).Inc()
}

func (r *Recorder) CARotated() {
	if r == nil {
		return
	}
	r.caRotations.Inc()
}

func (r *Recorder) Discovery(found, skipped int) {
	if r == nil {
		return
	}
	r.modulesFound.Set(float64(found))
	r.discoveryWarns.Set(float64(skipped))
}

func (r *Recorder) Launch(ok bool) {
	if r == nil {
		return
	}
	result := "ok"
	if !ok {
		result = "failed"
	}
	r.launches.WithLabelValues(result).Inc()
}

func (r *Recorder) Ready(ready bool) {
	if r == nil {
		return
	}
	if ready {
		r.ready.Set(1)
		return
	}
	r.ready.Set(0)
}

// ObservePhase records how long a named phase took since start.
func (r *Recorder) ObservePhase(phase string, start time.Time) {
	if r == nil {
		return
	}
	r.phaseDuration.WithLabelValues(phase).Observe(time.Since(start).Seconds())
}

func (r *Recorder) Teardown(outcome string) {
	if r == nil {
		return
	}
	r.teardownOutcomes.WithLabelValues(outcome).Inc()
}

func (r *Recorder) Swept(n int) {
	if r == nil || n <= 0 {
		return
	}
	r.sweptListeners.Add(float64(n))
}
