package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/yungbote/catalog-indexer/internal/platform/envutil"
)

const namespace = "catalog_indexer"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	registry *prometheus.Registry

	passes       *prometheus.CounterVec
	passDuration *prometheus.HistogramVec
	dispatches   *prometheus.CounterVec
	discovered   *prometheus.CounterVec
	backlog      *prometheus.GaugeVec
	quarantined  *prometheus.GaugeVec
	apiRequests  *prometheus.CounterVec
	apiLatency   *prometheus.HistogramVec
}

func Enabled() bool {
	return envutil.Bool("METRICS_ENABLED", false)
}

// NewMetrics registers the sync metrics on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		passes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "passes_total",
			Help:      "Sync passes by site, stage and status.",
		}, []string{"site_id", "stage", "status"}),
		passDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "pass_duration_seconds",
			Help:      "Sync pass duration by stage.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		}, []string{"stage"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatches_total",
			Help:      "Dispatch outcomes by site, action and outcome.",
		}, []string{"site_id", "action", "outcome"}),
		discovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "discovery_changes_total",
			Help:      "Records proposed by discovery by site and kind.",
		}, []string{"site_id", "kind"}),
		backlog: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pending_records",
			Help:      "Records with a pending action, by site and action.",
		}, []string{"site_id", "action"}),
		quarantined: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "quarantined_records",
			Help:      "Records quarantined after repeated dispatch failures.",
		}, []string{"site_id"}),
		apiRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_requests_total",
			Help:      "Status API requests by method, route and status.",
		}, []string{"method", "route", "status"}),
		apiLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "api_request_duration_seconds",
			Help:      "Status API latency by method and route.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
	reg.MustRegister(
		m.passes, m.passDuration, m.dispatches, m.discovered, m.backlog, m.quarantined,
		m.apiRequests, m.apiLatency,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObservePass(siteID, stage, status string, dur time.Duration) {
	if m == nil {
		return
	}
	m.passes.WithLabelValues(siteID, stage, status).Inc()
	m.passDuration.WithLabelValues(stage).Observe(dur.Seconds())
}

func (m *Metrics) ObserveDispatch(siteID, action string, success, failure int) {
	if m == nil {
		return
	}
	if success > 0 {
		m.dispatches.WithLabelValues(siteID, action, "success").Add(float64(success))
	}
	if failure > 0 {
		m.dispatches.WithLabelValues(siteID, action, "failure").Add(float64(failure))
	}
}

func (m *Metrics) ObserveDiscovery(siteID string, created int, markedForDelete, phasedOut, revived int64) {
	if m == nil {
		return
	}
	m.discovered.WithLabelValues(siteID, "created").Add(float64(created))
	m.discovered.WithLabelValues(siteID, "marked_for_delete").Add(float64(markedForDelete))
	m.discovered.WithLabelValues(siteID, "phased_out").Add(float64(phasedOut))
	m.discovered.WithLabelValues(siteID, "revived").Add(float64(revived))
}

func (m *Metrics) SetBacklog(siteID string, upserts, deletes, quarantined int64) {
	if m == nil {
		return
	}
	m.backlog.WithLabelValues(siteID, "upsert").Set(float64(upserts))
	m.backlog.WithLabelValues(siteID, "delete").Set(float64(deletes))
	m.quarantined.WithLabelValues(siteID).Set(float64(quarantined))
}

func (m *Metrics) ObserveAPI(method, route string, status int, dur time.Duration) {
	if m == nil {
		return
	}
	if route == "" {
		route = "unknown"
	}
	m.apiRequests.WithLabelValues(method, route, strconv.Itoa(status)).Inc()
	m.apiLatency.WithLabelValues(method, route).Observe(dur.Seconds())
}
