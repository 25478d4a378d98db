package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the watcher agent.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	fetchesTotal           *prometheus.CounterVec
	fetchFailuresTotal     prometheus.Counter
	liveNotificationsTotal prometheus.Counter
	watchedMaps            prometheus.Gauge
	liveMaps               prometheus.Gauge
	trackedMaps            prometheus.Gauge
}

// New creates and registers Prometheus metrics for the watcher.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requestsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kacky_requests_total",
		Help: "Total number of HTTP requests received",
	})
	errorsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kacky_errors_total",
		Help: "Total number of HTTP responses with error status (4xx or 5xx)",
	})
	fetchesTotal := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "kacky_schedule_fetches_total",
		Help: "Total number of schedule fetches, labelled by trigger reason",
	}, []string{"reason"})
	fetchFailuresTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kacky_schedule_fetch_failures_total",
		Help: "Total number of schedule fetches that errored or returned no rows",
	})
	liveNotificationsTotal := prometheus.NewCounter(prometheus.CounterOpts{
		Name: "kacky_live_notifications_total",
		Help: "Total number of map-live notifications fired",
	})
	watchedMaps := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kacky_watched_maps",
		Help: "Number of maps currently watched",
	})
	liveMaps := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kacky_live_maps",
		Help: "Number of watched maps currently live",
	})
	trackedMaps := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "kacky_tracked_maps",
		Help: "Number of watched maps with a tracked ETA prediction",
	})

	registry.MustRegister(
		requestsTotal,
		errorsTotal,
		fetchesTotal,
		fetchFailuresTotal,
		liveNotificationsTotal,
		watchedMaps,
		liveMaps,
		trackedMaps,
	)

	return &Metrics{
		registry:               registry,
		requestsTotal:          requestsTotal,
		errorsTotal:            errorsTotal,
		fetchesTotal:           fetchesTotal,
		fetchFailuresTotal:     fetchFailuresTotal,
		liveNotificationsTotal: liveNotificationsTotal,
		watchedMaps:            watchedMaps,
		liveMaps:               liveMaps,
		trackedMaps:            trackedMaps,
	}
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	m.errorsTotal.Inc()
}

// IncFetch increments the fetch counter for the given trigger reason.
func (m *Metrics) IncFetch(reason string) {
	m.fetchesTotal.WithLabelValues(reason).Inc()
}

// IncFetchFailure increments the fetch failure counter.
func (m *Metrics) IncFetchFailure() {
	m.fetchFailuresTotal.Inc()
}

// IncLiveNotification increments the live notification counter.
func (m *Metrics) IncLiveNotification() {
	m.liveNotificationsTotal.Inc()
}

// SetWatchedMaps sets the watched maps gauge.
func (m *Metrics) SetWatchedMaps(n int) {
	m.watchedMaps.Set(float64(n))
}

// SetLiveMaps sets the live maps gauge.
func (m *Metrics) SetLiveMaps(n int) {
	m.liveMaps.Set(float64(n))
}

// SetTrackedMaps sets the tracked maps gauge.
func (m *Metrics) SetTrackedMaps(n int) {
	m.trackedMaps.Set(float64(n))
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values.
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
