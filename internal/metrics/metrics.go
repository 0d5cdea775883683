// Package metrics holds the Prometheus collectors for authentication activity.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rbauth"

// Poll tick results.
const (
	PollPending   = "pending"
	PollConfirmed = "confirmed"
	PollTransient = "transient"
)

type Metrics struct {
	PollTicks      *prometheus.CounterVec
	Confirmations  *prometheus.CounterVec
	Requests       *prometheus.CounterVec
	SessionExpired prometheus.Counter
	HTTPRequests   *prometheus.CounterVec
	HTTPDuration   *prometheus.HistogramVec
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		PollTicks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "poll_ticks_total",
			Help:      "Poll ticks issued for pending magic links, by result.",
		}, []string{"result"}),
		Confirmations: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "confirmations_total",
			Help:      "Magic link confirmations, by kind.",
		}, []string{"kind"}),
		Requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Login and registration requests, by kind and result.",
		}, []string{"kind", "result"}),
		SessionExpired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "session_expired_total",
			Help:      "Sessions invalidated by the backend.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "HTTP requests served, by method, route and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

func (m *Metrics) PollTick(result string) {
	if m == nil {
		return
	}
	m.PollTicks.WithLabelValues(result).Inc()
}

func (m *Metrics) Confirmation(kind string) {
	if m == nil {
		return
	}
	m.Confirmations.WithLabelValues(kind).Inc()
}

func (m *Metrics) Request(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.Requests.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) Expired() {
	if m == nil {
		return
	}
	m.SessionExpired.Inc()
}
