package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the gateway's Prometheus collectors. A nil *Metrics is a
// valid no-op recorder.
type Metrics struct {
	registry      *prometheus.Registry
	outcomes      *prometheus.CounterVec
	credentials   *prometheus.CounterVec
	sessionChecks *prometheus.HistogramVec
}

// NewMetrics registers collectors on a dedicated registry.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ssogate_authorize_outcomes_total",
			Help: "Handoff outcomes by kind and error code",
		}, []string{"outcome", "error"}),
		credentials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "ssogate_credential_attempts_total",
			Help: "Sign-in and sign-up attempts by result",
		}, []string{"action", "result"}),
		sessionChecks: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ssogate_session_check_seconds",
			Help:    "Latency of session store lookups",
			Buckets: prometheus.DefBuckets,
		}, []string{"result"}),
	}

	for _, c := range []prometheus.Collector{
		m.outcomes,
		m.credentials,
		m.sessionChecks,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordOutcome counts one /authorize or re-entry result.
func (m *Metrics) RecordOutcome(out RedirectOutcome) {
	if m == nil {
		return
	}
	code := ""
	if out.Err != nil {
		code = out.Err.Code
	}
	m.outcomes.WithLabelValues(out.Kind.String(), code).Inc()
}

// RecordCheckFailure counts a session check that could not be answered.
func (m *Metrics) RecordCheckFailure() {
	if m == nil {
		return
	}
	m.outcomes.WithLabelValues("error", ErrCodeTemporarilyUnavailable).Inc()
}

// RecordCredentials counts a sign-in or sign-up attempt.
func (m *Metrics) RecordCredentials(action, result string) {
	if m == nil {
		return
	}
	m.credentials.WithLabelValues(action, result).Inc()
}

// ObserveSessionCheck records store latency, split by result.
func (m *Metrics) ObserveSessionCheck(d time.Duration, err error) {
	if m == nil {
		return
	}
	result := "ok"
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		result = "timeout"
	case err != nil:
		result = "error"
	}
	m.sessionChecks.WithLabelValues(result).Observe(d.Seconds())
}
