package authclient

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the client's Prometheus counters. A nil *Metrics records
// nothing.
type Metrics struct {
	RequestsTotal      *prometheus.CounterVec
	RetriesTotal       prometheus.Counter
	RefreshTotal       *prometheus.CounterVec
	RefreshJoinsTotal  prometheus.Counter
	StorageErrorsTotal *prometheus.CounterVec
}

// NewMetrics creates the counters and registers them with reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		RequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authclient",
				Name:      "requests_total",
				Help:      "Total number of HTTP round trips made by the client",
			},
			[]string{"method", "status"},
		),
		RetriesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "authclient",
				Name:      "retries_total",
				Help:      "Total number of request retries after transport failures",
			},
		),
		RefreshTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authclient",
				Name:      "refresh_total",
				Help:      "Total number of token refresh flights by result",
			},
			[]string{"result"},
		),
		RefreshJoinsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "authclient",
				Name:      "refresh_joins_total",
				Help:      "Total number of callers that shared an in-flight refresh",
			},
		),
		StorageErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "authclient",
				Name:      "storage_errors_total",
				Help:      "Total number of token storage failures",
			},
			[]string{"operation"},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.RequestsTotal,
			m.RetriesTotal,
			m.RefreshTotal,
			m.RefreshJoinsTotal,
			m.StorageErrorsTotal,
		)
	}

	return m
}

// statusClass buckets a status code as "2xx", "4xx", ... or "error" when no
// response arrived.
func statusClass(status int) string {
	if status <= 0 {
		return "error"
	}
	return strconv.Itoa(status/100) + "xx"
}

func (m *Metrics) request(method string, status int) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, statusClass(status)).Inc()
}

func (m *Metrics) retry() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

func (m *Metrics) refreshed(result string) {
	if m == nil {
		return
	}
	m.RefreshTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) refreshJoined() {
	if m == nil {
		return
	}
	m.RefreshJoinsTotal.Inc()
}

func (m *Metrics) storageError(op string) {
	if m == nil {
		return
	}
	m.StorageErrorsTotal.WithLabelValues(op).Inc()
}
