// Package metrics exposes run progress as Prometheus metrics and keeps the
// live per-run view served by the API.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/gateway-fm/popfuzz/internal/convergence"
	"github.com/gateway-fm/popfuzz/internal/dialect"
	"github.com/gateway-fm/popfuzz/internal/workload"
	"github.com/gateway-fm/popfuzz/pkg/types"
)

// PrometheusMetrics holds all Prometheus metrics of the workload generator.
type PrometheusMetrics struct {
	OpsTotal     *prometheus.CounterVec
	OpLatency    *prometheus.HistogramVec
	QueueDepth   *prometheus.GaugeVec
	RunStatus    *prometheus.GaugeVec
	RunsTotal    *prometheus.CounterVec
	RunDuration  prometheus.Histogram
	PollDuration *prometheus.HistogramVec
	PollAttempts *prometheus.HistogramVec
	PollErrors   *prometheus.CounterVec
	RPCLatency   *prometheus.HistogramVec

	knownMethods map[string]bool
}

var (
	_ workload.Observer     = (*PrometheusMetrics)(nil)
	_ convergence.Recorder = (*PrometheusMetrics)(nil)
)

// NewPrometheusMetrics creates and registers all metrics.
func NewPrometheusMetrics(reg prometheus.Registerer) *PrometheusMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	factory := promauto.With(reg)

	return &PrometheusMetrics{
		OpsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuzz_operations_total",
				Help: "Dispatched operations by operation and outcome",
			},
			[]string{"op", "outcome"},
		),

		OpLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popfuzz_operation_duration_seconds",
				Help:    "Time spent dispatching one operation",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
			[]string{"op"},
		),

		QueueDepth: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "popfuzz_queue_depth",
				Help: "Artifacts waiting in each mempool queue",
			},
			[]string{"queue"},
		),

		RunStatus: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "popfuzz_run_status",
				Help: "Current run status (1 if active, 0 otherwise)",
			},
			[]string{"status"},
		),

		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuzz_runs_total",
				Help: "Finished runs by final status",
			},
			[]string{"status"},
		),

		RunDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "popfuzz_run_duration_seconds",
				Help:    "Wall time of finished runs",
				Buckets: prometheus.ExponentialBuckets(0.1, 4, 8),
			},
		),

		PollDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popfuzz_convergence_duration_seconds",
				Help:    "Time until a convergence check converged or timed out",
				Buckets: []float64{0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
			},
			[]string{"check", "result"},
		),

		PollAttempts: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popfuzz_convergence_attempts",
				Help:    "Poll ticks per convergence check",
				Buckets: prometheus.ExponentialBuckets(1, 2, 10),
			},
			[]string{"check"},
		),

		PollErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "popfuzz_convergence_tick_errors_total",
				Help: "Poll ticks skipped because a node did not answer",
			},
			[]string{"check"},
		),

		RPCLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "popfuzz_rpc_latency_seconds",
				Help:    "Node RPC latency by method",
				Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
			},
			[]string{"method", "status"},
		),

		knownMethods: knownRPCMethods(dialect.DefaultRegistry()),
	}
}

// knownRPCMethods bounds the method label to what the registered dialects
// call.
func knownRPCMethods(r *dialect.Registry) map[string]bool {
	known := make(map[string]bool)
	for _, name := range r.Names() {
		for _, m := range r.Get(name).Methods {
			known[m] = true
		}
	}
	return known
}

// OnOperation implements workload.Observer.
func (m *PrometheusMetrics) OnOperation(ev workload.Event) {
	outcome := ev.Outcome
	if ev.Err != nil {
		outcome = types.OutcomeFailed
	}
	m.OpsTotal.WithLabelValues(string(ev.Op), string(outcome)).Inc()
	m.OpLatency.WithLabelValues(string(ev.Op)).Observe(ev.Duration.Seconds())
	m.SetQueueDepths(ev.Queues)
}

// SetQueueDepths updates the queue gauges.
func (m *PrometheusMetrics) SetQueueDepths(q types.QueueDepths) {
	m.QueueDepth.WithLabelValues("base_tx").Set(float64(q.BaseTxPending))
	m.QueueDepth.WithLabelValues("relay_proof").Set(float64(q.RelayProofPending))
	m.QueueDepth.WithLabelValues("target_data").Set(float64(q.TargetDataPending))
	m.QueueDepth.WithLabelValues("relay_tx_pool").Set(float64(q.RelayTxPool))
}

// RecordPoll implements convergence.Recorder.
func (m *PrometheusMetrics) RecordPoll(check string, converged bool, attempts int, elapsed time.Duration) {
	result := "converged"
	if !converged {
		result = "failed"
	}
	m.PollDuration.WithLabelValues(check, result).Observe(elapsed.Seconds())
	m.PollAttempts.WithLabelValues(check).Observe(float64(attempts))
}

// RecordPollTickError implements convergence.Recorder.
func (m *PrometheusMetrics) RecordPollTickError(check string) {
	m.PollErrors.WithLabelValues(check).Inc()
}

// RecordRPCLatency records one node RPC call.
func (m *PrometheusMetrics) RecordRPCLatency(method string, success bool, latency time.Duration) {
	// Unknown methods share one label value.
	if !m.knownMethods[method] {
		method = "other"
	}
	status := "success"
	if !success {
		status = "error"
	}
	m.RPCLatency.WithLabelValues(method, status).Observe(latency.Seconds())
}

// SetRunStatus updates the status gauges.
func (m *PrometheusMetrics) SetRunStatus(status types.RunStatus) {
	for _, s := range []types.RunStatus{
		types.StatusIdle, types.StatusRunning, types.StatusConverging,
		types.StatusCompleted, types.StatusError, types.StatusCancelled,
	} {
		v := 0.0
		if s == status {
			v = 1
		}
		m.RunStatus.WithLabelValues(string(s)).Set(v)
	}
}

// RecordRunFinished counts a finished run.
func (m *PrometheusMetrics) RecordRunFinished(status types.RunStatus, elapsed time.Duration) {
	m.RunsTotal.WithLabelValues(string(status)).Inc()
	m.RunDuration.Observe(elapsed.Seconds())
}

// Reset clears per-run series. Histograms are cumulative and kept.
func (m *PrometheusMetrics) Reset() {
	m.QueueDepth.Reset()
	m.SetRunStatus(types.StatusIdle)
}
