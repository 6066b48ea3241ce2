// Package metrics exposes sync telemetry as prometheus collectors.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/agentworkforce/syncbridge/internal/syncbridge"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "syncbridge"

// Registry holds every collector and implements syncbridge.Recorder.
type Registry struct {
	reg *prometheus.Registry

	SyncTotal           *prometheus.CounterVec
	RefreshTotal        *prometheus.CounterVec
	RemoteCallDuration  *prometheus.HistogramVec
	RemoteCallErrors    *prometheus.CounterVec
	InboundTotal        *prometheus.CounterVec
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	InFlight            prometheus.Gauge
	EnvelopeQueueDepth  prometheus.Gauge
}

func NewRegistry() *Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)
	return &Registry{
		reg: reg,
		SyncTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_total",
			Help:      "Entity sync attempts by outcome and error class.",
		}, []string{"provider", "entity_type", "outcome", "error_class"}),
		RefreshTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "token_refresh_total",
			Help:      "OAuth token refresh attempts by status.",
		}, []string{"provider", "status"}),
		RemoteCallDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "remote_call_duration_seconds",
			Help:      "Provider API call latency.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 20},
		}, []string{"provider", "op"}),
		RemoteCallErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "remote_call_errors_total",
			Help:      "Provider API calls that failed, by error class.",
		}, []string{"provider", "op", "error_class"}),
		InboundTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_total",
			Help:      "Webhook deliveries and inbound changes by outcome.",
		}, []string{"provider", "outcome"}),
		HTTPRequestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests by route and status.",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency by route.",
			Buckets:   []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sync_in_flight",
			Help:      "Outbound syncs currently holding an in-flight slot.",
		}),
		EnvelopeQueueDepth: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "envelope_queue_depth",
			Help:      "Webhook envelopes waiting to be processed.",
		}),
	}
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) ObserveSync(provider syncbridge.Provider, entityType syncbridge.EntityType, outcome syncbridge.SyncOutcome, class syncbridge.ErrorClass) {
	r.SyncTotal.WithLabelValues(string(provider), string(entityType), string(outcome), string(class)).Inc()
}

func (r *Registry) ObserveRefresh(provider syncbridge.Provider, status string) {
	r.RefreshTotal.WithLabelValues(string(provider), status).Inc()
}

func (r *Registry) ObserveRemoteCall(provider syncbridge.Provider, op string, duration time.Duration, err error) {
	r.RemoteCallDuration.WithLabelValues(string(provider), op).Observe(duration.Seconds())
	if err != nil {
		r.RemoteCallErrors.WithLabelValues(string(provider), op, string(syncbridge.ClassifyError(err))).Inc()
	}
}

func (r *Registry) ObserveInbound(provider syncbridge.Provider, outcome syncbridge.SyncOutcome) {
	r.InboundTotal.WithLabelValues(string(provider), string(outcome)).Inc()
}

// ObserveHTTP records one served request. route is the mux path template,
// never the raw path, to keep label cardinality bounded.
func (r *Registry) ObserveHTTP(method, route string, status int, duration time.Duration) {
	if route == "" {
		route = "unknown"
	}
	r.HTTPRequestsTotal.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	r.HTTPRequestDuration.WithLabelValues(method, route).Observe(duration.Seconds())
}
