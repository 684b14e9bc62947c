package telemetry

var (
	// PublishBuckets covers a local broker ack up to a slow cross-region one
	PublishBuckets = []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
)

// Feed Metrics
var (
	// EventsReceivedTotal counts events surfaced by the cursor by operation
	EventsReceivedTotal CounterVec = noopCounterVec{}

	// EventsSkippedTotal counts events not relayed by reason (transform, publish)
	EventsSkippedTotal CounterVec = noopCounterVec{}

	// CursorOpensTotal counts change stream opens by result (success, failed, expired)
	CursorOpensTotal CounterVec = noopCounterVec{}
)

// Publish Metrics
var (
	// RecordsPublishedTotal counts records acknowledged by the bus
	RecordsPublishedTotal Counter = NoopStat{}

	// PublishAttemptsTotal counts sink attempts by result (success, failed)
	PublishAttemptsTotal CounterVec = noopCounterVec{}

	// PublishDurationSeconds measures one sink attempt
	PublishDurationSeconds Histogram = NoopStat{}
)

// Checkpoint Metrics
var (
	// CheckpointWritesTotal counts checkpoint saves by result (success, failed)
	CheckpointWritesTotal CounterVec = noopCounterVec{}

	// CheckpointAgeSeconds is the time since the last persisted checkpoint
	CheckpointAgeSeconds Gauge = NoopStat{}
)

// Relay Metrics
var (
	// RelayState is 1 for the current state label, 0 for the others
	RelayState GaugeVec = noopGaugeVec{}
)

// InitMetrics creates the metrics against the registry. Call after
// InitializeTelemetry.
func InitMetrics() {
	EventsReceivedTotal = NewCounterVec(
		"events_received_total",
		"Change events surfaced by the change stream",
		[]string{"operation"},
	)
	EventsSkippedTotal = NewCounterVec(
		"events_skipped_total",
		"Change events not relayed",
		[]string{"reason"},
	)
	CursorOpensTotal = NewCounterVec(
		"cursor_opens_total",
		"Change stream open attempts",
		[]string{"result"},
	)

	RecordsPublishedTotal = NewCounter(
		"records_published_total",
		"Records acknowledged by the bus",
	)
	PublishAttemptsTotal = NewCounterVec(
		"publish_attempts_total",
		"Sink publish attempts",
		[]string{"result"},
	)
	PublishDurationSeconds = NewHistogram(
		"publish_duration_seconds",
		"Duration of one sink publish attempt",
		PublishBuckets,
	)

	CheckpointWritesTotal = NewCounterVec(
		"checkpoint_writes_total",
		"Checkpoint saves",
		[]string{"result"},
	)
	CheckpointAgeSeconds = NewGauge(
		"checkpoint_age_seconds",
		"Seconds since the last persisted checkpoint",
	)

	RelayState = NewGaugeVec(
		"relay_state",
		"Current relay state",
		[]string{"state"},
	)
}

// SetRelayState marks state as current among states
func SetRelayState(state string, states []string) {
	for _, s := range states {
		if s == state {
			RelayState.With(s).Set(1)
		} else {
			RelayState.With(s).Set(0)
		}
	}
}
