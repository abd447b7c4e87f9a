package observers

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/relay-agent/server/internal/agent/model"
	logx "github.com/relay-agent/server/pkg/logger"
)

// LogObserver writes every run event to the structured log.
type LogObserver struct{}

func NewLogObserver() *LogObserver { return &LogObserver{} }

func (*LogObserver) OnEvent(_ context.Context, e model.Event) {
	switch e.Type {
	case model.EventError:
		logx.Warn().Str("run_id", e.RunID).Str("node", e.Node).Str("error", e.Text).Msg("Run event")
	case model.EventEnd:
		ev := logx.Info().Str("run_id", e.RunID).Str("type", string(e.Type))
		if e.State != nil {
			ev = ev.Str("intent", string(e.State.Intent)).Str("source", e.State.AnswerSource())
		}
		ev.Msg("Run event")
	default:
		logx.Debug().
			Str("run_id", e.RunID).
			Str("type", string(e.Type)).
			Str("node", e.Node).
			Str("tool", e.Tool).
			Str("text", clip(e.Text)).
			Msg("Run event")
	}
}

// Run outcomes reported by Metrics.
const (
	OutcomeFailed = "failed"

	EscalationSucceeded   = "succeeded"
	EscalationUnavailable = "unavailable"
)

// Metrics holds the Prometheus metrics of the agent
type Metrics struct {
	registry *prometheus.Registry

	NodeVisitsTotal   *prometheus.CounterVec
	ToolCallsTotal    *prometheus.CounterVec
	RunsTotal         *prometheus.CounterVec
	EscalationsTotal  *prometheus.CounterVec
	DistillationTotal prometheus.Counter
	LimiterWait       prometheus.Histogram
}

// NewMetrics creates and registers all metrics
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		NodeVisitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_node_visits_total",
				Help: "Total number of graph node visits",
			},
			[]string{"node"},
		),
		ToolCallsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_tool_calls_total",
				Help: "Total number of tool calls by status",
			},
			[]string{"tool", "status"},
		),
		RunsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_runs_total",
				Help: "Total number of finished runs by answer source",
			},
			[]string{"outcome"},
		),
		EscalationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agent_escalations_total",
				Help: "Total number of expensive-model escalations by outcome",
			},
			[]string{"outcome"},
		),
		DistillationTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "agent_distillation_records_total",
				Help: "Total number of distillation records written",
			},
		),
		LimiterWait: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "agent_rate_limiter_wait_seconds",
				Help:    "Time spent waiting for the expensive-model rate limiter",
				Buckets: prometheus.DefBuckets,
			},
		),
	}

	m.registry.MustRegister(
		m.NodeVisitsTotal,
		m.ToolCallsTotal,
		m.RunsTotal,
		m.EscalationsTotal,
		m.DistillationTotal,
		m.LimiterWait,
	)
	return m
}

func (m *Metrics) OnEvent(_ context.Context, e model.Event) {
	switch e.Type {
	case model.EventNodeStart:
		m.NodeVisitsTotal.WithLabelValues(e.Node).Inc()
	case model.EventToolEnd:
		m.ToolCallsTotal.WithLabelValues(e.Tool, e.Text).Inc()
	case model.EventError:
		m.RunsTotal.WithLabelValues(OutcomeFailed).Inc()
	case model.EventEnd:
		if e.State == nil {
			return
		}
		m.RunsTotal.WithLabelValues(e.State.AnswerSource()).Inc()
		switch {
		case e.State.Escalated:
			// every successful escalation writes exactly one record
			m.EscalationsTotal.WithLabelValues(EscalationSucceeded).Inc()
			m.DistillationTotal.Inc()
		case e.State.ExpensiveUnavailable:
			m.EscalationsTotal.WithLabelValues(EscalationUnavailable).Inc()
		}
	}
}

// ObserveLimiterWait is passed to ratelimit.WithWaitObserver.
func (m *Metrics) ObserveLimiterWait(d time.Duration) {
	m.LimiterWait.Observe(d.Seconds())
}

// Handler returns an HTTP handler for the metrics endpoint
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Registry returns the Prometheus registry
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
