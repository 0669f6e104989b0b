// Package metrics provides a Prometheus metrics registry for the gateway.
//
// All metrics are scoped to a private registry (not the global default) so
// they don't interfere with host-level metrics when embedded in other
// applications. The /metrics HTTP handler is exposed via Handler().
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"
)

// Registry holds all exported metrics.
type Registry struct {
	reg *prometheus.Registry

	// gateway_inflight_requests
	inFlight prometheus.Gauge

	// gateway_http_requests_total{route,status}
	httpRequestsTotal *prometheus.CounterVec

	// gateway_http_request_duration_seconds{route}
	httpDuration *prometheus.HistogramVec

	// gateway_requests_total{model,status}
	requestsTotal *prometheus.CounterVec

	// gateway_request_duration_seconds{model,cache}
	requestDuration *prometheus.HistogramVec

	// gateway_cache_lookups_total{result}
	cacheLookups *prometheus.CounterVec

	// gateway_cache_store_total{result}
	cacheStores *prometheus.CounterVec

	// gateway_workers_active{type}
	workersActive *prometheus.GaugeVec

	// gateway_heartbeats_total
	heartbeatsTotal prometheus.Counter

	// gateway_dispatch_total{type,outcome}
	dispatchTotal *prometheus.CounterVec

	// gateway_fallback_total{model,outcome}
	fallbackTotal *prometheus.CounterVec

	// gateway_ratelimit_total{result}
	rateLimitTotal *prometheus.CounterVec

	// gateway_billing_events_total{outcome}
	billingEvents *prometheus.CounterVec

	// gateway_billing_backlog{status}
	billingBacklog *prometheus.GaugeVec

	// gateway_tokens_total{model,direction}
	tokensTotal *prometheus.CounterVec

	// gateway_build_info{version}
	buildInfo *prometheus.GaugeVec

	metricsHandler fasthttp.RequestHandler
}

func New() *Registry {
	reg := prometheus.NewRegistry()

	// Baseline runtime metrics even with a private registry.
	reg.MustRegister(prometheus.NewGoCollector())
	reg.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	r := &Registry{
		reg: reg,

		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_inflight_requests",
			Help: "Current number of in-flight HTTP requests handled by the gateway",
		}),

		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_http_requests_total",
				Help: "Total number of HTTP requests handled by the gateway",
			},
			[]string{"route", "status"},
		),

		httpDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds (end-to-end, includes cache + backend)",
				Buckets: []float64{0.001, 0.002, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"route"},
		),

		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_requests_total",
				Help: "Total number of generation requests",
			},
			[]string{"model", "status"},
		),

		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gateway_request_duration_seconds",
				Help:    "Generation request duration in seconds",
				Buckets: []float64{0.001, 0.005, 0.025, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60, 120},
			},
			[]string{"model", "cache"},
		),

		cacheLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_lookups_total",
				Help: "Cache lookups by result (exact, semantic, miss, bypass)",
			},
			[]string{"result"},
		),

		cacheStores: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_cache_store_total",
				Help: "Cache store operations by result",
			},
			[]string{"result"},
		),

		workersActive: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_workers_active",
				Help: "Active registered workers by type",
			},
			[]string{"type"},
		),

		heartbeatsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "gateway_heartbeats_total",
			Help: "Total worker heartbeats received",
		}),

		dispatchTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_dispatch_total",
				Help: "Worker dispatch attempts by type and outcome",
			},
			[]string{"type", "outcome"},
		),

		fallbackTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_fallback_total",
				Help: "Fallback outcomes per model (primary, fallback, failed)",
			},
			[]string{"model", "outcome"},
		),

		rateLimitTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_ratelimit_total",
				Help: "Rate limit decisions",
			},
			[]string{"result"},
		),

		billingEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_billing_events_total",
				Help: "Billing events by outcome (recorded, delivered, failed, dropped)",
			},
			[]string{"outcome"},
		),

		billingBacklog: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_billing_backlog",
				Help: "Billing events currently in the store by status",
			},
			[]string{"status"},
		),

		tokensTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gateway_tokens_total",
				Help: "Token usage totals derived from backend usage fields",
			},
			[]string{"model", "direction"},
		),

		buildInfo: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "gateway_build_info",
				Help: "Build information",
			},
			[]string{"version"},
		),
	}

	reg.MustRegister(
		r.inFlight,
		r.httpRequestsTotal,
		r.httpDuration,
		r.requestsTotal,
		r.requestDuration,
		r.cacheLookups,
		r.cacheStores,
		r.workersActive,
		r.heartbeatsTotal,
		r.dispatchTotal,
		r.fallbackTotal,
		r.rateLimitTotal,
		r.billingEvents,
		r.billingBacklog,
		r.tokensTotal,
		r.buildInfo,
	)

	h := promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	r.metricsHandler = fasthttpadaptor.NewFastHTTPHandler(h)

	return r
}

func (r *Registry) IncInFlight() { r.inFlight.Inc() }
func (r *Registry) DecInFlight() { r.inFlight.Dec() }

// ObserveHTTP records end-to-end HTTP metrics.
func (r *Registry) ObserveHTTP(route string, statusCode int, dur time.Duration) {
	status := strconv.Itoa(statusCode)
	r.httpRequestsTotal.WithLabelValues(route, status).Inc()
	r.httpDuration.WithLabelValues(route).Observe(dur.Seconds())
}

// ObserveRequest records one generation request.
func (r *Registry) ObserveRequest(model string, statusCode int, cache string, dur time.Duration) {
	if cache == "" {
		cache = "miss"
	}
	r.requestsTotal.WithLabelValues(model, strconv.Itoa(statusCode)).Inc()
	r.requestDuration.WithLabelValues(model, cache).Observe(dur.Seconds())
}

func (r *Registry) RecordCacheLookup(result string) {
	if result == "" {
		result = "miss"
	}
	r.cacheLookups.WithLabelValues(result).Inc()
}

func (r *Registry) RecordCacheStore(ok bool) {
	result := "ok"
	if !ok {
		result = "error"
	}
	r.cacheStores.WithLabelValues(result).Inc()
}

func (r *Registry) RecordHeartbeat() {
	r.heartbeatsTotal.Inc()
}

func (r *Registry) SetActiveWorkers(workerType string, n int) {
	r.workersActive.WithLabelValues(workerType).Set(float64(n))
}

func (r *Registry) RecordDispatch(workerType, outcome string) {
	r.dispatchTotal.WithLabelValues(workerType, outcome).Inc()
}

func (r *Registry) RecordFallback(model, outcome string) {
	r.fallbackTotal.WithLabelValues(model, outcome).Inc()
}

func (r *Registry) RecordRateLimit(result string) {
	r.rateLimitTotal.WithLabelValues(result).Inc()
}

func (r *Registry) RecordBillingEvent(outcome string) {
	r.billingEvents.WithLabelValues(outcome).Inc()
}

func (r *Registry) SetBillingBacklog(status string, n int) {
	r.billingBacklog.WithLabelValues(status).Set(float64(n))
}

func (r *Registry) AddTokens(model string, inputTokens, outputTokens int) {
	if inputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "input").Add(float64(inputTokens))
	}
	if outputTokens > 0 {
		r.tokensTotal.WithLabelValues(model, "output").Add(float64(outputTokens))
	}
}

func (r *Registry) SetBuildInfo(version string) {
	// Gauge is used so the time series always exists.
	r.buildInfo.WithLabelValues(version).Set(1)
}

func (r *Registry) Handler() fasthttp.RequestHandler {
	return r.metricsHandler
}

func (r *Registry) PromRegistry() *prometheus.Registry { return r.reg }
