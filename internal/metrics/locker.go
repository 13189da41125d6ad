package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PulseTotal counts relay pulse attempts by slave and outcome
	// (success, failure, quarantined).
	PulseTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_gateway_pulse_total",
		Help: "Total relay pulse attempts by slave and outcome",
	}, []string{"slave", "outcome"})

	// PulseDuration tracks end-to-end pulse latency per slave.
	PulseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "locker_gateway_pulse_duration_seconds",
		Help:    "Duration of a single relay pulse, including retries",
		Buckets: prometheus.ExponentialBuckets(0.05, 1.6, 10), // 50ms to ~3.4s
	}, []string{"slave"})

	// BurstOutcomeTotal counts burst operations by outcome (success, exhausted, cancelled).
	BurstOutcomeTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_gateway_burst_outcome_total",
		Help: "Total burst operations by outcome",
	}, []string{"outcome"})

	// QueueDepth tracks pending+in_flight command count per kiosk.
	QueueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locker_gateway_command_queue_depth",
		Help: "Current command queue depth per kiosk",
	}, []string{"kiosk_id"})

	// CommandAttemptsTotal counts command delivery attempts by outcome.
	CommandAttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_gateway_command_attempts_total",
		Help: "Total command delivery attempts by outcome",
	}, []string{"kiosk_id", "outcome"})

	// KioskOnlineGauge reports kiosk online/offline counts per zone.
	KioskOnlineGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locker_gateway_kiosks_online",
		Help: "Number of kiosks currently online per zone",
	}, []string{"zone_id"})

	KioskOfflineGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "locker_gateway_kiosks_offline",
		Help: "Number of kiosks currently offline per zone",
	}, []string{"zone_id"})

	// LockerStateTransitions counts state-machine transitions by event.
	LockerStateTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_gateway_state_transitions_total",
		Help: "Total locker state machine transitions by event",
	}, []string{"event"})

	// ConcurrencyConflicts counts optimistic-CAS failures on locker mutations.
	ConcurrencyConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "locker_gateway_concurrency_conflicts_total",
		Help: "Total compare-and-set failures on locker row mutations",
	}, []string{"operation"})
)
