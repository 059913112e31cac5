// Package metrics exposes Prometheus counters, histograms, and gauges for
// the API Service and Worker (§4.5 observability), mounted at /metrics via
// promhttp.Handler().
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// RequestsTotal counts inbound HTTP requests by route and status class.
	RequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchllm_http_requests_total",
		Help: "Total HTTP requests handled by the API Service.",
	}, []string{"route", "method", "status"})

	// RequestDuration tracks request latency for p50/p95/p99 dashboards.
	RequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "batchllm_http_request_duration_seconds",
		Help:    "HTTP request latency in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route", "method"})

	// BatchesByStatus gauges the number of batch jobs currently in each status.
	BatchesByStatus = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchllm_batches_in_status",
		Help: "Number of batch jobs currently in each status.",
	}, []string{"status"})

	// QueueDepth gauges the number of batch jobs in a non-terminal status.
	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "batchllm_queue_depth",
		Help: "Number of batch jobs in a non-terminal status.",
	})

	// TokensProcessedTotal counts tokens processed across all batches.
	TokensProcessedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "batchllm_tokens_processed_total",
		Help: "Total tokens processed across all completed requests.",
	})

	// GPUMemoryUsedBytes gauges the worker's reported GPU memory usage.
	GPUMemoryUsedBytes = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchllm_worker_gpu_memory_used_bytes",
		Help: "Reported GPU memory in use, by worker.",
	}, []string{"worker_id"})

	// GPUTemperatureC gauges the worker's reported GPU temperature.
	GPUTemperatureC = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "batchllm_worker_gpu_temperature_celsius",
		Help: "Reported GPU temperature in degrees Celsius, by worker.",
	}, []string{"worker_id"})

	// HandlerDeliveriesTotal counts result-handler delivery attempts by outcome.
	HandlerDeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "batchllm_handler_deliveries_total",
		Help: "Result-handler delivery attempts by handler and outcome.",
	}, []string{"handler", "outcome"})
)
