package telemetry

// Histogram bucket definitions for different latency profiles
var (
	// TxnBuckets for full transaction lifetimes (network + 2PC)
	TxnBuckets = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}

	// TwoPCBuckets for 2PC phase latencies
	TwoPCBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// LockWaitBuckets for pessimistic lock acquisition waits
	LockWaitBuckets = []float64{0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5}

	// VoteBuckets for number of participant votes per phase
	VoteBuckets = []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10}
)

// Transaction lifecycle metrics
var (
	// ActiveTransactions tracks currently registered non-terminal transactions
	ActiveTransactions Gauge = NoopStat{}

	// TxnTotal counts transactions by concurrency mode and result
	// (committed, rolled_back, timed_out, heuristic)
	TxnTotal CounterVec = noopCounterVec{}

	// TxnDurationSeconds measures transaction lifetime by concurrency mode
	TxnDurationSeconds HistogramVec = noopHistogramVec{}

	// SuspendedTransactions tracks transactions currently in SUSPENDED state
	SuspendedTransactions Gauge = NoopStat{}

	// TimeoutRollbacksTotal counts rollbacks forced by the reaper
	TimeoutRollbacksTotal Counter = NoopStat{}
)

// Two-phase protocol metrics
var (
	// TwoPhasePrepareSeconds measures prepare phase latency
	TwoPhasePrepareSeconds Histogram = NoopStat{}

	// TwoPhaseCommitSeconds measures commit phase latency
	TwoPhaseCommitSeconds Histogram = NoopStat{}

	// TwoPhaseVotes measures participant votes collected per phase
	TwoPhaseVotes HistogramVec = noopHistogramVec{}

	// ParticipantUnreachableTotal counts broadcast failures by phase
	ParticipantUnreachableTotal CounterVec = noopCounterVec{}

	// HeuristicFailuresTotal counts partially applied commit decisions
	HeuristicFailuresTotal Counter = NoopStat{}
)

// Concurrency control metrics
var (
	// LockWaitSeconds measures pessimistic lock acquisition wait time
	LockWaitSeconds Histogram = NoopStat{}

	// LockTimeoutsTotal counts lock waits that exceeded the transaction timeout
	LockTimeoutsTotal Counter = NoopStat{}

	// DeadlocksTotal counts detected waits-for cycles
	DeadlocksTotal Counter = NoopStat{}

	// OptimisticConflictsTotal counts version mismatches at prepare
	OptimisticConflictsTotal Counter = NoopStat{}

	// IntentFilterChecks counts intent filter checks by result
	// (fast_path, slow_path)
	IntentFilterChecks CounterVec = noopCounterVec{}

	// GridEntries tracks entries currently stored in the local grid
	GridEntries Gauge = NoopStat{}
)

// Event dispatch metrics
var (
	// EventsDispatchedTotal counts lifecycle events by kind and scope (local, cluster)
	EventsDispatchedTotal CounterVec = noopCounterVec{}

	// ListenerErrorsTotal counts listener callbacks that panicked or failed
	ListenerErrorsTotal Counter = NoopStat{}

	// ListenerRegistrations tracks currently registered listeners by scope
	ListenerRegistrations GaugeVec = noopGaugeVec{}

	// PublisherPublishedTotal counts events delivered to external sinks by sink and result
	PublisherPublishedTotal CounterVec = noopCounterVec{}

	// PublisherLogDropsTotal counts events dropped from the in-memory publish log
	PublisherLogDropsTotal Counter = NoopStat{}
)

// InitMetrics initializes all Prometheus metrics.
// Must be called after InitializeTelemetry().
func InitMetrics() {
	ActiveTransactions = NewGauge(
		"active_transactions",
		"Number of currently registered non-terminal transactions",
	)
	TxnTotal = NewCounterVec(
		"txn_total",
		"Total transactions by concurrency mode and result",
		[]string{"mode", "result"},
	)
	TxnDurationSeconds = NewHistogramVec(
		"txn_duration_seconds",
		"Transaction lifetime in seconds",
		[]string{"mode"},
		TxnBuckets,
	)
	SuspendedTransactions = NewGauge(
		"suspended_transactions",
		"Transactions currently suspended",
	)
	TimeoutRollbacksTotal = NewCounter(
		"timeout_rollbacks_total",
		"Rollbacks forced by the timeout reaper",
	)

	TwoPhasePrepareSeconds = NewHistogramWithBuckets(
		"twophase_prepare_seconds",
		"2PC prepare phase duration in seconds",
		TwoPCBuckets,
	)
	TwoPhaseCommitSeconds = NewHistogramWithBuckets(
		"twophase_commit_seconds",
		"2PC commit phase duration in seconds",
		TwoPCBuckets,
	)
	TwoPhaseVotes = NewHistogramVec(
		"twophase_votes",
		"Participant votes collected per phase",
		[]string{"phase"},
		VoteBuckets,
	)
	ParticipantUnreachableTotal = NewCounterVec(
		"participant_unreachable_total",
		"Broadcast failures by phase",
		[]string{"phase"},
	)
	HeuristicFailuresTotal = NewCounter(
		"heuristic_failures_total",
		"Commit decisions applied on some but not all participants",
	)

	LockWaitSeconds = NewHistogramWithBuckets(
		"lock_wait_seconds",
		"Pessimistic lock acquisition wait in seconds",
		LockWaitBuckets,
	)
	LockTimeoutsTotal = NewCounter(
		"lock_timeouts_total",
		"Lock waits that exceeded the transaction timeout",
	)
	DeadlocksTotal = NewCounter(
		"deadlocks_total",
		"Detected waits-for cycles",
	)
	OptimisticConflictsTotal = NewCounter(
		"optimistic_conflicts_total",
		"Version mismatches detected at prepare",
	)
	IntentFilterChecks = NewCounterVec(
		"intent_filter_checks_total",
		"Intent filter checks by result",
		[]string{"result"},
	)
	GridEntries = NewGauge(
		"grid_entries",
		"Entries currently stored in the local grid",
	)

	EventsDispatchedTotal = NewCounterVec(
		"events_dispatched_total",
		"Lifecycle events by kind and scope",
		[]string{"kind", "scope"},
	)
	ListenerErrorsTotal = NewCounter(
		"listener_errors_total",
		"Listener callbacks that panicked or failed",
	)
	ListenerRegistrations = NewGaugeVec(
		"listener_registrations",
		"Currently registered listeners by scope",
		[]string{"scope"},
	)
	PublisherPublishedTotal = NewCounterVec(
		"publisher_published_total",
		"Events delivered to external sinks",
		[]string{"sink", "result"},
	)
	PublisherLogDropsTotal = NewCounter(
		"publisher_log_drops_total",
		"Events dropped from the in-memory publish log",
	)
}
