package observability

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/3leaps/specenv/pkg/fetcher"
	"github.com/3leaps/specenv/pkg/pipeline"
)

var (
	// TelemetrySystem is the process-wide telemetry, nil until InitTelemetry.
	TelemetrySystem *Telemetry

	// PrometheusExporter serves TelemetrySystem in the prometheus text format.
	PrometheusExporter http.Handler
)

// Telemetry holds the service metrics on a private registry.
type Telemetry struct {
	Registry *prometheus.Registry

	downloads        *prometheus.CounterVec
	downloadBytes    prometheus.Counter
	downloadDuration *prometheus.HistogramVec
	namespace        string
	materializations *prometheus.CounterVec
	materializeTime  prometheus.Histogram
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewTelemetry registers the service metrics under namespace.
func NewTelemetry(namespace string) *Telemetry {
	reg := prometheus.NewRegistry()
	t := &Telemetry{
		Registry:  reg,
		namespace: namespace,
		downloads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "downloads_total",
			Help: "Finished item downloads by outcome.",
		}, []string{"outcome"}),
		downloadBytes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "bytes_total",
			Help: "Bytes transferred by item downloads.",
		}),
		downloadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "fetch", Name: "duration_seconds",
			Help:    "Item download duration by outcome.",
			Buckets: prometheus.ExponentialBuckets(0.05, 4, 8),
		}, []string{"outcome"}),
		materializations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "materializations_total",
			Help: "Materialization calls by result (ok or the failing stage).",
		}, []string{"result"}),
		materializeTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "pipeline", Name: "materialize_duration_seconds",
			Help:    "Materialization duration.",
			Buckets: prometheus.DefBuckets,
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Subsystem: "http", Name: "requests_total",
			Help: "HTTP requests by method, route and status code.",
		}, []string{"method", "route", "code"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace, Subsystem: "http", Name: "request_duration_seconds",
			Help:    "HTTP request duration by method and route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}

	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		t.downloads, t.downloadBytes, t.downloadDuration,
		t.materializations, t.materializeTime,
		t.httpRequests, t.httpDuration,
	)
	return t
}

// InitTelemetry creates the process-wide telemetry and its exporter.
func InitTelemetry(namespace string) *Telemetry {
	t := NewTelemetry(namespace)
	TelemetrySystem = t
	PrometheusExporter = t.Handler()
	return t
}

// Handler serves the registry.
func (t *Telemetry) Handler() http.Handler {
	return promhttp.HandlerFor(t.Registry, promhttp.HandlerOpts{Registry: t.Registry})
}

// TrackInFlight exports the number of running transfers as reported by fn.
func (t *Telemetry) TrackInFlight(fn func() int) error {
	return t.Registry.Register(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Namespace: t.namespace, Subsystem: "fetch", Name: "in_flight",
		Help: "Item downloads currently running.",
	}, func() float64 { return float64(fn()) }))
}

// ObserveDownload records a finished transfer.
func (t *Telemetry) ObserveDownload(res fetcher.Result) {
	outcome := string(res.Outcome)
	t.downloads.WithLabelValues(outcome).Inc()
	t.downloadBytes.Add(float64(res.Bytes))
	t.downloadDuration.WithLabelValues(outcome).Observe(res.Duration.Seconds())
}

// ObserveMaterialize records a materialization run.
func (t *Telemetry) ObserveMaterialize(run pipeline.Run) {
	t.materializations.WithLabelValues(materializeResult(run.Err)).Inc()
	t.materializeTime.Observe(run.Duration.Seconds())
}

// ObserveHTTP records a served request.
func (t *Telemetry) ObserveHTTP(method, route string, code int, seconds float64) {
	t.httpRequests.WithLabelValues(method, route, strconv.Itoa(code)).Inc()
	t.httpDuration.WithLabelValues(method, route).Observe(seconds)
}

func materializeResult(err error) string {
	if err == nil {
		return "ok"
	}
	var pe *pipeline.PipelineError
	if errors.As(err, &pe) {
		return string(pe.Stage)
	}
	return "error"
}
