package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	agentRunTotal      *prometheus.CounterVec
	agentRunDuration   *prometheus.HistogramVec
	staleProcessKills  *prometheus.CounterVec
	staleCleanupErrors *prometheus.CounterVec

	dispatchSendTotal    *prometheus.CounterVec
	dispatchSendDuration *prometheus.HistogramVec
	dispatchQueueSize    *prometheus.GaugeVec
	dispatchTypingTotal  *prometheus.CounterVec
	toolResultsSynthetic prometheus.Counter

	activeSessions prometheus.Gauge
	sessionSave    prometheus.Histogram
	gateDecisions  *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "courier_queue_size",
					Help: "Current run queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_enqueue_total",
					Help: "Total run enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_dequeue_total",
					Help: "Total run completions by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_task_duration_seconds",
					Help:    "Queued task duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_agent_run_total",
					Help: "Total CLI agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_agent_run_duration_seconds",
					Help:    "CLI agent run duration in seconds by provider.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
				[]string{"provider"},
			),
			staleProcessKills: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_stale_process_kills_total",
					Help: "Stale agent processes terminated before a resume, by provider.",
				},
				[]string{"provider"},
			),
			staleCleanupErrors: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_stale_cleanup_errors_total",
					Help: "Failed stale-process cleanup attempts, by provider.",
				},
				[]string{"provider"},
			),
			dispatchSendTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_dispatch_send_total",
					Help: "Channel sends by channel and status.",
				},
				[]string{"channel", "status"},
			),
			dispatchSendDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "courier_dispatch_send_duration_seconds",
					Help:    "Channel send duration in seconds by channel.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"channel"},
			),
			dispatchQueueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "courier_dispatch_queue_size",
					Help: "Pending dispatch jobs by channel.",
				},
				[]string{"channel"},
			),
			dispatchTypingTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_dispatch_typing_total",
					Help: "Typing signals emitted by channel.",
				},
				[]string{"channel"},
			),
			toolResultsSynthetic: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "courier_tool_results_synthesized_total",
					Help: "Placeholder tool results synthesized for unpaired tool calls.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "courier_active_sessions",
					Help: "Session entries currently cached in memory.",
				},
			),
			sessionSave: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "courier_session_save_duration_seconds",
					Help:    "Session entry persistence duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			gateDecisions: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "courier_pairing_decisions_total",
					Help: "Pairing gate decisions by channel and outcome.",
				},
				[]string{"channel", "outcome"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.agentRunTotal,
			m.agentRunDuration,
			m.staleProcessKills,
			m.staleCleanupErrors,
			m.dispatchSendTotal,
			m.dispatchSendDuration,
			m.dispatchQueueSize,
			m.dispatchTypingTotal,
			m.toolResultsSynthetic,
			m.activeSessions,
			m.sessionSave,
			m.gateDecisions,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func statusLabel(success bool) string {
	if success {
		return "success"
	}
	return "error"
}

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	getMetrics().queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordAgentRun records a finished agent run; status is the terminal run state.
func RecordAgentRun(provider, status string, duration time.Duration) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordStaleCleanup(provider string, killed int, err error) {
	m := getMetrics()
	if err != nil {
		m.staleCleanupErrors.WithLabelValues(provider).Inc()
	}
	if killed > 0 {
		m.staleProcessKills.WithLabelValues(provider).Add(float64(killed))
	}
}

func RecordDispatchSend(channel string, duration time.Duration, success bool) {
	m := getMetrics()
	m.dispatchSendTotal.WithLabelValues(channel, statusLabel(success)).Inc()
	m.dispatchSendDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func SetDispatchQueueSize(channel string, size int) {
	getMetrics().dispatchQueueSize.WithLabelValues(channel).Set(float64(size))
}

func RecordTyping(channel string) {
	getMetrics().dispatchTypingTotal.WithLabelValues(channel).Inc()
}

func RecordSyntheticToolResults(count int) {
	if count <= 0 {
		return
	}
	getMetrics().toolResultsSynthetic.Add(float64(count))
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func RecordSessionSave(duration time.Duration) {
	getMetrics().sessionSave.Observe(duration.Seconds())
}

func RecordGateDecision(channel string, allowed bool) {
	outcome := "denied"
	if allowed {
		outcome = "allowed"
	}
	getMetrics().gateDecisions.WithLabelValues(channel, outcome).Inc()
}
