package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector bundles every metric the orchestrator exports.
type Collector struct {
	GatewayCallsTotal   *prometheus.CounterVec
	GatewayCallDuration *prometheus.HistogramVec
	BreakerStateChanges *prometheus.CounterVec

	AssessmentsStarted   prometheus.Counter
	AssessmentsCompleted prometheus.Counter
	TransitionsRefused   *prometheus.CounterVec
	EmergencyFlagsTotal  *prometheus.CounterVec

	LiveSessionsActive  prometheus.Gauge
	VoiceTurnsTotal     *prometheus.CounterVec
	VisionFramesTotal   *prometheus.CounterVec
	LateResultsDropped  prometheus.Counter
	EscalationsRaised   prometheus.Counter

	RecordStoreFailures *prometheus.CounterVec
	ConsentDropped      prometheus.Counter
}

func NewCollector(serviceName string) *Collector {
	return &Collector{
		GatewayCallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "gateway",
			Name:      "calls_total",
			Help:      "Total LLM gateway calls by operation and outcome.",
		}, []string{"operation", "outcome"}),

		GatewayCallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: serviceName,
			Subsystem: "gateway",
			Name:      "call_duration_seconds",
			Help:      "LLM gateway call latency distribution.",
			Buckets:   []float64{0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0},
		}, []string{"operation"}),

		BreakerStateChanges: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "gateway",
			Name:      "breaker_state_changes_total",
			Help:      "Circuit breaker state transitions by target state.",
		}, []string{"to"}),

		AssessmentsStarted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "intake",
			Name:      "assessments_started_total",
			Help:      "Total assessment wizard runs started.",
		}),

		AssessmentsCompleted: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "intake",
			Name:      "assessments_completed_total",
			Help:      "Total assessments that reached the report step.",
		}),

		TransitionsRefused: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "intake",
			Name:      "transitions_refused_total",
			Help:      "Refused step transitions by step and reason.",
		}, []string{"step", "reason"}),

		EmergencyFlagsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "risk",
			Name:      "emergency_flags_total",
			Help:      "Risk flags raised by source.",
		}, []string{"source"}),

		LiveSessionsActive: promauto.NewGauge(prometheus.GaugeOpts{
			Namespace: serviceName,
			Subsystem: "live",
			Name:      "sessions_active",
			Help:      "Currently active live sessions.",
		}),

		VoiceTurnsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "live",
			Name:      "voice_turns_total",
			Help:      "Voice turns processed by outcome.",
		}, []string{"outcome"}),

		VisionFramesTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "live",
			Name:      "vision_frames_total",
			Help:      "Vision frames analyzed by outcome.",
		}, []string{"outcome"}),

		LateResultsDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "live",
			Name:      "late_results_dropped_total",
			Help:      "Analysis results discarded because the session had ended.",
		}),

		EscalationsRaised: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "live",
			Name:      "escalations_raised_total",
			Help:      "Session-level emergency escalation alerts raised.",
		}),

		RecordStoreFailures: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "store",
			Name:      "failures_total",
			Help:      "Best-effort record store writes that failed, by table.",
		}, []string{"table"}),

		ConsentDropped: promauto.NewCounter(prometheus.CounterOpts{
			Namespace: serviceName,
			Subsystem: "consent",
			Name:      "persist_dropped_total",
			Help:      "Consent audit entries dropped due to a full buffer.",
		}),
	}
}

func Handler() http.Handler {
	return promhttp.Handler()
}
