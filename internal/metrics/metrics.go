package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTP метрики
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path"})

	HTTPResponseSize = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_response_size_bytes",
		Help:    "HTTP response size in bytes",
		Buckets: prometheus.ExponentialBuckets(100, 10, 5),
	}, []string{"method", "path"})

	// Метрики адаптеров
	AdapterFetches = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_fetches_total",
		Help: "Total number of fetch cycles per protocol adapter",
	}, []string{"source", "status"})

	AdapterReadingsCollected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_readings_collected_total",
		Help: "Total number of telemetry readings collected per adapter",
	}, []string{"source"})

	AdapterConnectErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "adapter_connect_errors_total",
		Help: "Total number of connection failures per adapter",
	}, []string{"source"})

	AdapterFetchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "adapter_fetch_duration_seconds",
		Help:    "Histogram of fetch cycle durations",
		Buckets: prometheus.ExponentialBuckets(0.005, 2, 12),
	}, []string{"source"})

	// Метрики планировщика мониторинга
	MonitorActiveLoops = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "monitor_active_loops",
		Help: "Current number of running adapter monitoring loops",
	})

	// Метрики детектора аномалий
	AnomalyEvaluations = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anomaly_evaluations_total",
		Help: "Total number of anomaly detection runs",
	})

	AnomalyEvaluationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "anomaly_evaluation_duration_seconds",
		Help:    "Histogram of anomaly detection run durations",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 12),
	})

	AnomalyOverrides = promauto.NewCounter(prometheus.CounterOpts{
		Name: "anomaly_feedback_overrides_total",
		Help: "Total number of verdicts flipped by user feedback",
	})

	// DB метрики архива показаний
	DBQueryDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "db_query_duration_seconds",
		Help:    "Database query duration in seconds",
		Buckets: prometheus.DefBuckets,
	}, []string{"operation"})

	DBActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_active_connections",
		Help: "Number of active database connections",
	})

	DBIdleConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "db_idle_connections",
		Help: "Number of idle database connections",
	})
)
