package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups all Prometheus instruments used by the gateway and worker.
type Metrics struct {
	ActiveConnections prometheus.Gauge
	ClientFrames      *prometheus.CounterVec
	DeltaChunks       *prometheus.CounterVec
	AuthFailures      prometheus.Counter
	GateMessages      *prometheus.CounterVec
	Turns             *prometheus.CounterVec
	ToolExecutions    *prometheus.CounterVec
	RollupRuns        *prometheus.CounterVec
	BusReconnects     prometheus.Counter
	TurnDuration      prometheus.Histogram

	stageWindow *turnStageWindow
}

func NewMetrics(namespace string) *Metrics {
	return &Metrics{
		ActiveConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_connections",
			Help:      "Number of live client relay connections.",
		}),
		ClientFrames: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_frames_total",
			Help:      "Client frames by direction and outcome.",
		}, []string{"direction", "outcome"}),
		DeltaChunks: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "delta_chunks_total",
			Help:      "Delta chunks forwarded to clients by type.",
		}, []string{"type"}),
		AuthFailures: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auth_failures_total",
			Help:      "Request envelopes terminated for missing or invalid credentials.",
		}),
		GateMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gate_messages_total",
			Help:      "Durable consumer gate message dispositions.",
		}, []string{"disposition"}),
		Turns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Orchestrated turns by outcome.",
		}, []string{"outcome"}),
		ToolExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_executions_total",
			Help:      "Tool calls executed by name and outcome.",
		}, []string{"tool", "outcome"}),
		RollupRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rollup_runs_total",
			Help:      "Rollup aggregator buffer drains by outcome.",
		}, []string{"outcome"}),
		BusReconnects: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_reconnects_total",
			Help:      "Bus connection re-establishments after a drop.",
		}),
		TurnDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_ms",
			Help:      "End-to-end orchestration duration in milliseconds.",
			Buckets:   []float64{200, 500, 1000, 2000, 4000, 8000, 16000, 32000},
		}),
		stageWindow: newTurnStageWindow(256),
	}
}

// ObserveTurnStage records one stage latency sample in the rolling window.
func (m *Metrics) ObserveTurnStage(stage string, d time.Duration) {
	if m == nil || m.stageWindow == nil {
		return
	}
	m.stageWindow.Observe(stage, float64(d.Milliseconds()))
}

// ObserveTurnIndicator counts a named turn event in the rolling window.
func (m *Metrics) ObserveTurnIndicator(name string) {
	if m == nil || m.stageWindow == nil {
		return
	}
	m.stageWindow.ObserveIndicator(name)
}

// TurnStageSnapshot returns the rolling latency stats for debugging endpoints.
func (m *Metrics) TurnStageSnapshot() TurnStageSnapshot {
	if m == nil || m.stageWindow == nil {
		return TurnStageSnapshot{}
	}
	return m.stageWindow.Snapshot()
}

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
