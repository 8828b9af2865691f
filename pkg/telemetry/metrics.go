package telemetry

// FlushBuckets covers serialize+upload round trips to the object store.
var FlushBuckets = []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30}

// Ingestion metrics
var (
	// EventsRoutedTotal counts accepted events by entity and operation.
	EventsRoutedTotal CounterVec = noopCounterVec{}

	// DeadLetterTotal counts isolated events by reason (unknown_entity,
	// missing_keys, malformed_envelope, unencodable_value).
	DeadLetterTotal CounterVec = noopCounterVec{}

	// BufferedEvents tracks events currently held in open partition buffers.
	BufferedEvents Gauge = NoopStat{}

	// OpenPartitions tracks the number of open (entity, date) buffers.
	OpenPartitions Gauge = NoopStat{}
)

// Flush / upload metrics
var (
	// BatchesUploadedTotal counts durably uploaded batch files.
	BatchesUploadedTotal Counter = NoopStat{}

	// BatchesHeldTotal counts batches held after retry exhaustion.
	BatchesHeldTotal Counter = NoopStat{}

	// UploadRetriesTotal counts transient object store failures that were retried.
	UploadRetriesTotal Counter = NoopStat{}

	// FlushDurationSeconds measures serialize+upload latency per batch.
	FlushDurationSeconds Histogram = NoopStat{}

	// InflightBatches tracks drained batches not yet durably uploaded.
	InflightBatches Gauge = NoopStat{}
)

// Commit metrics
var (
	// CommitPosition reports the last acknowledged position per channel.
	CommitPosition GaugeVec = noopGaugeVec{}

	// SourcePaused is 1 while backpressure has paused consumption.
	SourcePaused Gauge = NoopStat{}
)

func initMetrics() {
	EventsRoutedTotal = NewCounterVec("events_routed_total", "Accepted events by entity and operation", []string{"entity", "op"})
	DeadLetterTotal = NewCounterVec("dead_letter_total", "Isolated events by reason", []string{"reason"})
	BufferedEvents = NewGauge("buffered_events", "Events currently held in open partition buffers")
	OpenPartitions = NewGauge("open_partitions", "Open (entity, date) partition buffers")

	BatchesUploadedTotal = NewCounter("batches_uploaded_total", "Durably uploaded batch files")
	BatchesHeldTotal = NewCounter("batches_held_total", "Batches held after retry exhaustion")
	UploadRetriesTotal = NewCounter("upload_retries_total", "Transient object store failures retried")
	FlushDurationSeconds = NewHistogramWithBuckets("flush_duration_seconds", "Serialize+upload latency per batch", FlushBuckets)
	InflightBatches = NewGauge("inflight_batches", "Drained batches not yet durably uploaded")

	CommitPosition = NewGaugeVec("commit_position", "Last acknowledged position per channel", []string{"channel"})
	SourcePaused = NewGauge("source_paused", "1 while backpressure has paused consumption")
}
