package observability

import (
	"sync"
	"time"
)

// Labels are string key/value pairs attached to a metric.
type Labels map[string]string

// MetricsBackend is the narrow surface the pipeline records through.
// The default backend discards everything, so recording is always safe.
type MetricsBackend interface {
	IncCounter(name string, delta float64, labels Labels)
	ObserveHistogram(name string, value float64, labels Labels)
	Flush() error
}

const (
	MetricStageTotal    = "kg_stage_total"
	MetricStageDuration = "kg_stage_duration_seconds"
	MetricRecordsTotal  = "kg_records_total"
	MetricChunksTotal   = "kg_chunks_total"
	MetricChunkDuration = "kg_chunk_duration_seconds"
	MetricChunkRetries  = "kg_chunk_retries_total"
)

type nopBackend struct{}

func (nopBackend) IncCounter(string, float64, Labels)       {}
func (nopBackend) ObserveHistogram(string, float64, Labels) {}
func (nopBackend) Flush() error                             { return nil }

var (
	backendMu sync.RWMutex
	backend   MetricsBackend = nopBackend{}
)

// SetMetricsBackend installs b. Passing nil restores the no-op backend.
func SetMetricsBackend(b MetricsBackend) {
	backendMu.Lock()
	defer backendMu.Unlock()
	if b == nil {
		backend = nopBackend{}
		return
	}
	backend = b
}

func current() MetricsBackend {
	backendMu.RLock()
	defer backendMu.RUnlock()
	return backend
}

func FlushMetrics() error {
	return current().Flush()
}

func status(err error) string {
	if err != nil {
		return "failure"
	}
	return "success"
}

func RecordStage(stage string, err error, d time.Duration) {
	lbls := Labels{"stage": stage, "status": status(err)}
	b := current()
	b.IncCounter(MetricStageTotal, 1, lbls)
	b.ObserveHistogram(MetricStageDuration, d.Seconds(), lbls)
}

// RecordRecords counts records of a stage by outcome: attempted, succeeded, failed.
func RecordRecords(stage, outcome string, delta int) {
	if delta <= 0 {
		return
	}
	current().IncCounter(MetricRecordsTotal, float64(delta), Labels{"stage": stage, "outcome": outcome})
}

func RecordChunk(stage string, err error, d time.Duration) {
	lbls := Labels{"stage": stage, "status": status(err)}
	b := current()
	b.IncCounter(MetricChunksTotal, 1, lbls)
	b.ObserveHistogram(MetricChunkDuration, d.Seconds(), lbls)
}

func RecordRetry(stage string) {
	current().IncCounter(MetricChunkRetries, 1, Labels{"stage": stage})
}
