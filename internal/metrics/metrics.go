// Package metrics holds the Prometheus collectors exposed at /metrics.
package metrics

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"defectline/internal/domain"
	"defectline/internal/workflow"
)

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	Registry     *prometheus.Registry
	Transitions  *prometheus.CounterVec
	Assignments  *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		Transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defectline_transitions_total",
			Help: "Status transition attempts by source, target and outcome.",
		}, []string{"from", "to", "result"}),
		Assignments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "defectline_assignments_total",
			Help: "Assignment attempts by outcome.",
		}, []string{"result"}),
		HTTPDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "defectline_http_request_duration_seconds",
			Help:    "HTTP request latency by method, route and status.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	reg.MustRegister(
		m.Transitions,
		m.Assignments,
		m.HTTPDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) ObserveTransition(from, to domain.Status, err error) {
	if m == nil {
		return
	}
	m.Transitions.WithLabelValues(statusLabel(from), statusLabel(to), Result(err)).Inc()
}

// statusLabel keeps caller-supplied garbage out of the label set.
func statusLabel(s domain.Status) string {
	if s == "" {
		return "none"
	}
	if !s.Valid() {
		return "unknown"
	}
	return string(s)
}

func (m *Metrics) ObserveAssignment(err error) {
	if m == nil {
		return
	}
	m.Assignments.WithLabelValues(Result(err)).Inc()
}

func (m *Metrics) ObserveHTTP(method, route string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPDuration.WithLabelValues(method, route, strconv.Itoa(status)).Observe(d.Seconds())
}

// Result buckets an operation error into a low-cardinality label value.
func Result(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, workflow.ErrConcurrentModification):
		return "conflict"
	case errors.Is(err, workflow.ErrInvalidTransition):
		return "invalid"
	case errors.Is(err, workflow.ErrForbiddenRole):
		return "forbidden"
	case errors.Is(err, workflow.ErrNotFound):
		return "not_found"
	default:
		return "error"
	}
}
