package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "parley"

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec
	slowWaits    prometheus.Counter

	activeSessions prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec

	loopIterations prometheus.Histogram
	loopOutcomes   *prometheus.CounterVec
	loopDuration   prometheus.Histogram
	pendingCalls   prometheus.Gauge

	toolInvocationTotal    *prometheus.CounterVec
	toolInvocationDuration *prometheus.HistogramVec

	channelState      *prometheus.GaugeVec
	channelReconnects *prometheus.CounterVec
	channelTools      prometheus.Gauge

	engineCallTotal    *prometheus.CounterVec
	engineCallDuration *prometheus.HistogramVec
	providerCooldown   *prometheus.GaugeVec

	gatewayClients  prometheus.Gauge
	gatewayRejected *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

// channelStates lists every label value of the channel state gauge
var channelStates = []string{"connecting", "ready", "degraded", "down"}

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "lane_queue_size",
					Help:      "Current queued inbound messages by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_enqueue_total",
					Help:      "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_dequeue_total",
					Help:      "Total completed tasks by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "lane_task_duration_seconds",
					Help:      "Task execution duration in seconds by lane.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "active_sessions",
					Help:      "Current live session count.",
				},
			),
			sessionsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "sessions_closed_total",
					Help:      "Closed sessions by close reason.",
				},
				[]string{"reason"},
			),
			loopIterations: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "loop_iterations",
					Help:      "Decision engine calls per inbound message.",
					Buckets:   []float64{1, 2, 3, 4, 6, 8, 12, 16},
				},
			),
			loopOutcomes: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "loop_outcomes_total",
					Help:      "Decision loop terminations by outcome.",
				},
				[]string{"outcome"},
			),
			loopDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "loop_duration_seconds",
					Help:      "Wall time of one decision loop.",
					Buckets:   prometheus.ExponentialBuckets(0.1, 2, 10),
				},
			),
			pendingCalls: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "pending_tool_calls",
					Help:      "Tool calls currently in flight across all sessions.",
				},
			),
			toolInvocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_invocations_total",
					Help:      "Tool invocations by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolInvocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "tool_invocation_duration_seconds",
					Help:      "Tool invocation duration in seconds by tool.",
					Buckets:   prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			channelState: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "tool_channel_state",
					Help:      "1 for the current tool channel state, 0 otherwise.",
				},
				[]string{"state"},
			),
			channelReconnects: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "tool_channel_connects_total",
					Help:      "Tool channel connection attempts by result.",
				},
				[]string{"result"},
			),
			channelTools: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "tool_channel_tools",
					Help:      "Tools in the current registry snapshot.",
				},
			),
			engineCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "engine_calls_total",
					Help:      "Decision engine provider calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			engineCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Namespace: namespace,
					Name:      "engine_call_duration_seconds",
					Help:      "Decision engine provider call duration by provider.",
					Buckets:   prometheus.ExponentialBuckets(0.25, 2, 8),
				},
				[]string{"provider"},
			),
			providerCooldown: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "provider_cooldown",
					Help:      "Provider profile cooldown state (1=cooldown active).",
				},
				[]string{"profile"},
			),
			slowWaits: prometheus.NewCounter(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "lane_slow_waits_total",
					Help:      "Inbound messages still queued after the wait warning threshold.",
				},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Namespace: namespace,
					Name:      "gateway_clients",
					Help:      "Connected websocket clients.",
				},
			),
			gatewayRejected: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Namespace: namespace,
					Name:      "gateway_rejected_frames_total",
					Help:      "Inbound frames rejected by the gateway by reason.",
				},
				[]string{"reason"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.slowWaits,
			m.activeSessions,
			m.sessionsTotal,
			m.loopIterations,
			m.loopOutcomes,
			m.loopDuration,
			m.pendingCalls,
			m.toolInvocationTotal,
			m.toolInvocationDuration,
			m.channelState,
			m.channelReconnects,
			m.channelTools,
			m.engineCallTotal,
			m.engineCallDuration,
			m.providerCooldown,
			m.gatewayClients,
			m.gatewayRejected,
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
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(lane, statusLabel(success)).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

// RecordSlowWait counts a message queued behind a long running loop
func RecordSlowWait() {
	getMetrics().slowWaits.Inc()
}

// ForgetLane drops the per-lane series of a removed lane
func ForgetLane(lane string) {
	m := getMetrics()
	m.queueSize.DeleteLabelValues(lane)
	m.enqueueTotal.DeleteLabelValues(lane)
	m.taskDuration.DeleteLabelValues(lane)
	m.dequeueTotal.DeletePartialMatch(prometheus.Labels{"lane": lane})
}

func SetActiveSessions(count int) {
	m := getMetrics()
	m.activeSessions.Set(float64(count))
}

func RecordSessionClosed(reason string) {
	m := getMetrics()
	m.sessionsTotal.WithLabelValues(reason).Inc()
}

// RecordLoop records one finished decision loop
func RecordLoop(outcome string, iterations int, duration time.Duration) {
	m := getMetrics()
	m.loopOutcomes.WithLabelValues(outcome).Inc()
	m.loopIterations.Observe(float64(iterations))
	m.loopDuration.Observe(duration.Seconds())
}

func AddPendingCalls(delta int) {
	m := getMetrics()
	m.pendingCalls.Add(float64(delta))
}

func RecordToolInvocation(tool, status string, duration time.Duration) {
	m := getMetrics()
	m.toolInvocationTotal.WithLabelValues(tool, status).Inc()
	m.toolInvocationDuration.WithLabelValues(tool).Observe(duration.Seconds())
}

// SetChannelState marks state as the current tool channel state
func SetChannelState(state string) {
	m := getMetrics()
	for _, s := range channelStates {
		value := 0.0
		if s == state {
			value = 1.0
		}
		m.channelState.WithLabelValues(s).Set(value)
	}
}

func RecordChannelConnect(success bool, tools int) {
	m := getMetrics()
	m.channelReconnects.WithLabelValues(statusLabel(success)).Inc()
	if success {
		m.channelTools.Set(float64(tools))
	}
}

func RecordEngineCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	m.engineCallTotal.WithLabelValues(provider, statusLabel(success)).Inc()
	m.engineCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func SetProviderCooldown(profile string, active bool) {
	m := getMetrics()
	value := 0.0
	if active {
		value = 1.0
	}
	m.providerCooldown.WithLabelValues(profile).Set(value)
}

func SetGatewayClients(count int) {
	m := getMetrics()
	m.gatewayClients.Set(float64(count))
}

func RecordGatewayRejected(reason string) {
	m := getMetrics()
	m.gatewayRejected.WithLabelValues(reason).Inc()
}
