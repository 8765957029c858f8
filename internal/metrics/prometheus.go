package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once     sync.Once
	registry *prometheus.Registry

	pollsTotal      *prometheus.CounterVec
	pollErrorsTotal *prometheus.CounterVec
	computedTotal   *prometheus.CounterVec
	skippedTotal    *prometheus.CounterVec
	rowsWritten     *prometheus.CounterVec
	sinkErrors      *prometheus.CounterVec
	computeDuration *prometheus.HistogramVec
	crossingsFound  *prometheus.HistogramVec
)

// Init registers the Prometheus collectors. It is safe to call repeatedly.
func Init() {
	once.Do(func() {
		registry = prometheus.NewRegistry()

		pollsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionlevels_polls_total",
			Help: "Provider polls that returned data",
		}, []string{"provider"})
		pollErrorsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionlevels_poll_errors_total",
			Help: "Provider polls that failed",
		}, []string{"provider"})
		computedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionlevels_levels_computed_total",
			Help: "Level results produced",
		}, []string{"provider", "currency"})
		skippedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionlevels_levels_skipped_total",
			Help: "Snapshots that produced no result",
		}, []string{"provider", "reason"})
		rowsWritten = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionlevels_rows_written_total",
			Help: "Rows persisted per sink",
		}, []string{"sink"})
		sinkErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "optionlevels_sink_errors_total",
			Help: "Failed sink writes",
		}, []string{"sink"})
		computeDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optionlevels_compute_duration_seconds",
			Help:    "Time spent in the level engine per snapshot",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"provider"})
		crossingsFound = prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "optionlevels_crossings",
			Help:    "Crossings found per computation",
			Buckets: []float64{0, 1, 2, 3, 4, 6, 8},
		}, []string{"provider"})

		registry.MustRegister(
			pollsTotal, pollErrorsTotal, computedTotal, skippedTotal,
			rowsWritten, sinkErrors, computeDuration, crossingsFound,
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	})
}

// Handler serves the registry in the Prometheus exposition format.
func Handler() http.Handler {
	Init()
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{Registry: registry})
}

func enabled() bool {
	if !IsFeatureEnabled(FeaturePrometheus) {
		return false
	}
	Init()
	return true
}

func ObservePoll(provider string, err error) {
	if !enabled() {
		return
	}
	if err != nil {
		pollErrorsTotal.WithLabelValues(provider).Inc()
		return
	}
	pollsTotal.WithLabelValues(provider).Inc()
}

func ObserveComputed(provider, currency string, crossings int, took time.Duration) {
	if !enabled() {
		return
	}
	computedTotal.WithLabelValues(provider, currency).Inc()
	computeDuration.WithLabelValues(provider).Observe(took.Seconds())
	crossingsFound.WithLabelValues(provider).Observe(float64(crossings))
}

func ObserveSkipped(provider, reason string) {
	if !enabled() {
		return
	}
	skippedTotal.WithLabelValues(provider, reason).Inc()
}

func ObserveWrite(sink string, rows int, err error) {
	if !enabled() {
		return
	}
	if err != nil {
		sinkErrors.WithLabelValues(sink).Inc()
		return
	}
	rowsWritten.WithLabelValues(sink).Add(float64(rows))
}
