package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Node state metrics
	RunningState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nhm_running_state",
			Help: "Current node running state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	HeartbeatTicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhm_heartbeat_ticks_total",
			Help: "Total number of heartbeat ticks by derived state",
		},
		[]string{"derived"},
	)

	HeartbeatDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "nhm_heartbeat_duration_seconds",
			Help:    "Time taken to poll every engine in one tick",
			Buckets: prometheus.DefBuckets,
		},
	)

	EngineStatus = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "nhm_engine_status",
			Help: "Last status code reported by each engine",
		},
		[]string{"engine"},
	)

	// Command metrics
	CommandsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhm_commands_total",
			Help: "Total number of controller commands by command and outcome",
		},
		[]string{"cmd", "outcome"},
	)

	CommandDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhm_command_duration_seconds",
			Help:    "Controller command execution time in seconds",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"cmd"},
	)

	AlarmsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhm_alarms_total",
			Help: "Total number of alarms sent to the controller by result",
		},
		[]string{"result"},
	)

	// Engine client metrics
	EngineRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhm_engine_requests_total",
			Help: "Total number of outbound requests by call and result",
		},
		[]string{"call", "result"},
	)

	EngineRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhm_engine_request_duration_seconds",
			Help:    "Outbound request duration in seconds, retries included",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"call"},
	)

	// API metrics
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhm_api_requests_total",
			Help: "Total number of control API requests by route and status",
		},
		[]string{"route", "status"},
	)

	APIRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "nhm_api_request_duration_seconds",
			Help:    "Control API request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"route"},
	)

	// Daemon metrics
	DaemonChildren = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nhm_daemon_children",
			Help: "Number of live engine daemon processes",
		},
	)

	DaemonExitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "nhm_daemon_exits_total",
			Help: "Total number of reaped engine daemons by kind (normal, code, signal)",
		},
		[]string{"kind"},
	)

	EventsDropped = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "nhm_events_dropped",
			Help: "Events discarded because the broker queue was full",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(RunningState)
	prometheus.MustRegister(HeartbeatTicksTotal)
	prometheus.MustRegister(HeartbeatDuration)
	prometheus.MustRegister(EngineStatus)
	prometheus.MustRegister(CommandsTotal)
	prometheus.MustRegister(CommandDuration)
	prometheus.MustRegister(AlarmsTotal)
	prometheus.MustRegister(EngineRequestsTotal)
	prometheus.MustRegister(EngineRequestDuration)
	prometheus.MustRegister(APIRequestsTotal)
	prometheus.MustRegister(APIRequestDuration)
	prometheus.MustRegister(DaemonChildren)
	prometheus.MustRegister(DaemonExitsTotal)
	prometheus.MustRegister(EventsDropped)
}

// Handler returns the Prometheus HTTP handler
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer measures an operation for a histogram
type Timer struct {
	start time.Time
}

// NewTimer starts a timer
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// Duration returns the time elapsed since the timer started
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}

// ObserveDuration records the elapsed time on h
func (t *Timer) ObserveDuration(h prometheus.Observer) {
	h.Observe(t.Duration().Seconds())
}

// ObserveDurationVec records the elapsed time on the labelled child of h
func (t *Timer) ObserveDurationVec(h *prometheus.HistogramVec, labels ...string) {
	h.WithLabelValues(labels...).Observe(t.Duration().Seconds())
}
