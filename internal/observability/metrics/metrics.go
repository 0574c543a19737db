// Package metrics exposes Prometheus collectors for the agent runtime.
// All recording methods are safe to call on a nil *Metrics.
package metrics

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "relay"

// Metrics holds every collector registered by the service.
type Metrics struct {
	registry *prometheus.Registry

	httpRequests   *prometheus.CounterVec
	httpDuration   *prometheus.HistogramVec
	phaseDuration  *prometheus.HistogramVec
	toolCalls      *prometheus.CounterVec
	toolDuration   *prometheus.HistogramVec
	fanOutItems    *prometheus.CounterVec
	completions    *prometheus.CounterVec
	runs           *prometheus.CounterVec
	agentResponses *prometheus.CounterVec
}

// New registers the collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		httpRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests processed.",
		}, []string{"handler", "method", "code"}),
		httpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"handler", "method"}),
		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "phase_duration_seconds",
			Help:      "Duration of each orchestration phase.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60},
		}, []string{"phase", "outcome"}),
		toolCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "calls_total",
			Help:      "Tool executions by tool, action and recorded status.",
		}, []string{"tool", "action", "status"}),
		toolDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "tools",
			Name:      "call_duration_seconds",
			Help:      "Tool execution duration in seconds.",
			Buckets:   []float64{0.05, 0.25, 1, 2.5, 5, 10, 30, 60},
		}, []string{"tool"}),
		fanOutItems: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "fanout",
			Name:      "items_total",
			Help:      "Fan-out items by outcome.",
		}, []string{"outcome"}),
		completions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "llm",
			Name:      "completions_total",
			Help:      "Completion calls by model and outcome.",
		}, []string{"model", "outcome"}),
		runs: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "total",
			Help:      "Asynchronous runs by final status.",
		}, []string{"status"}),
		agentResponses: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "responses_total",
			Help:      "Agent responses by outcome.",
		}, []string{"outcome"}),
	}
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// ObserveHTTPRequest records metrics about an HTTP request lifecycle.
func (m *Metrics) ObserveHTTPRequest(handler, method string, status int, duration time.Duration) {
	if m == nil {
		return
	}
	m.httpRequests.WithLabelValues(handler, method, strconv.Itoa(status)).Inc()
	m.httpDuration.WithLabelValues(handler, method).Observe(duration.Seconds())
}

// ObservePhase records the duration of one phase.
func (m *Metrics) ObservePhase(phase string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome(err)).Observe(duration.Seconds())
}

// ObserveTool records one dispatcher outcome.
func (m *Metrics) ObserveTool(tool, action, status string, duration time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(tool, action, status).Inc()
	m.toolDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// ObserveFanOut records the per-item results of one fan-out run.
func (m *Metrics) ObserveFanOut(succeeded, failed int) {
	if m == nil {
		return
	}
	m.fanOutItems.WithLabelValues("success").Add(float64(succeeded))
	m.fanOutItems.WithLabelValues("failure").Add(float64(failed))
}

// ObserveCompletion records one completion call.
func (m *Metrics) ObserveCompletion(model string, err error) {
	if m == nil {
		return
	}
	m.completions.WithLabelValues(model, outcome(err)).Inc()
}

// ObserveRun records the final status of an asynchronous run.
func (m *Metrics) ObserveRun(status string) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(status).Inc()
}

// ObserveResponse records the outcome of Agent.Respond.
func (m *Metrics) ObserveResponse(err error) {
	if m == nil {
		return
	}
	m.agentResponses.WithLabelValues(outcome(err)).Inc()
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
