package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Voting metrics
	VotesDispatched = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_votes_dispatched_total",
			Help: "Total number of vote requests dispatched to model participants",
		},
		[]string{"model_id"},
	)

	VotesFailed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_votes_failed_total",
			Help: "Total number of participant calls that produced no vote",
		},
		[]string{"model_id", "reason"},
	)

	VoteLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intentengine_vote_latency_ms",
			Help:    "Per-participant vote latency in milliseconds",
			Buckets: []float64{100, 250, 500, 1000, 2000, 5000, 10000, 30000},
		},
		[]string{"model_id"},
	)

	VotingRoundsStarted = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intentengine_voting_rounds_started_total",
			Help: "Total number of voting rounds started",
		},
	)

	VotingRoundsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_voting_rounds_completed_total",
			Help: "Total number of voting rounds finished, by terminal status",
		},
		[]string{"status"},
	)

	VotingRoundDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intentengine_voting_round_duration_seconds",
			Help:    "Wall-clock duration of a voting round in seconds",
			Buckets: prometheus.DefBuckets,
		},
	)

	DebateRounds = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intentengine_debate_rounds",
			Help:    "Number of debate rounds used per classification",
			Buckets: []float64{1, 2, 3, 4, 5},
		},
	)

	// Consensus metrics
	ConsensusComputed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_consensus_computed_total",
			Help: "Total number of consensus computations, by agreement level",
		},
		[]string{"agreement"},
	)

	ConsensusConfidence = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "intentengine_consensus_confidence",
			Help:    "Distribution of final consensus confidence",
			Buckets: []float64{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1.0},
		},
	)

	// Orchestrator metrics
	SubtasksExecuted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_subtasks_executed_total",
			Help: "Total number of subtasks reaching a terminal state, by status",
		},
		[]string{"status"},
	)

	SubtaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "intentengine_subtask_duration_ms",
			Help:    "Subtask execution duration in milliseconds",
			Buckets: []float64{50, 100, 500, 1000, 5000, 10000, 30000, 60000},
		},
		[]string{"action"},
	)

	ExecutionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intentengine_executions_active",
			Help: "Number of orchestration sessions currently executing",
		},
	)

	ExecutionsCompleted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_executions_completed_total",
			Help: "Total number of orchestration sessions finished, by outcome",
		},
		[]string{"outcome"},
	)

	// Progress tracker metrics
	TrackersActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intentengine_progress_trackers_active",
			Help: "Number of progress trackers currently registered",
		},
	)

	ProgressUpdates = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intentengine_progress_updates_total",
			Help: "Total number of accepted subtask progress updates",
		},
	)

	// Session store metrics
	SessionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intentengine_session_cache_hits_total",
			Help: "Total number of local session cache hits",
		},
	)

	SessionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "intentengine_session_cache_misses_total",
			Help: "Total number of local session cache misses",
		},
	)

	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intentengine_sessions_active",
			Help: "Number of conversation sessions in the local cache",
		},
	)

	// Configuration metrics
	ConfigReloads = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_config_reloads_total",
			Help: "Total number of voting configuration reload attempts",
		},
		[]string{"status"},
	)

	// Audit persistence metrics
	AuditWrites = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_audit_writes_total",
			Help: "Total number of audit records written, by kind and status",
		},
		[]string{"kind", "status"},
	)

	AuditQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "intentengine_audit_queue_depth",
			Help: "Number of audit records waiting to be persisted",
		},
	)

	// Circuit breaker metrics
	CircuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "intentengine_circuit_breaker_state",
			Help: "Circuit breaker state per participant (0=closed, 1=half-open, 2=open)",
		},
		[]string{"name"},
	)

	CircuitBreakerTrips = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "intentengine_circuit_breaker_trips_total",
			Help: "Total number of circuit breaker open transitions",
		},
		[]string{"name"},
	)
)

// RecordVote records the outcome of one participant call.
func RecordVote(modelID string, latencyMs float64, failReason string) {
	VotesDispatched.WithLabelValues(modelID).Inc()
	if failReason != "" {
		VotesFailed.WithLabelValues(modelID, failReason).Inc()
		return
	}
	VoteLatency.WithLabelValues(modelID).Observe(latencyMs)
}

// RecordRound records a finished voting round.
func RecordRound(status string, durationSeconds float64, debateRounds int) {
	VotingRoundsCompleted.WithLabelValues(status).Inc()
	VotingRoundDuration.Observe(durationSeconds)
	if debateRounds > 0 {
		DebateRounds.Observe(float64(debateRounds))
	}
}

// RecordSubtask records a subtask reaching a terminal state.
func RecordSubtask(action, status string, durationMs float64) {
	SubtasksExecuted.WithLabelValues(status).Inc()
	if durationMs > 0 {
		SubtaskDuration.WithLabelValues(action).Observe(durationMs)
	}
}
