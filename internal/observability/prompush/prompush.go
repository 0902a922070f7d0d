// Package prompush pushes pipeline metrics to a Prometheus Pushgateway once per run.
package prompush

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"

	"github.com/yungbote/tradegraph-kg/internal/observability"
)

type Backend struct {
	gatewayURL string
	jobName    string
	reg        *prometheus.Registry

	stageCounter  *prometheus.CounterVec
	stageDuration *prometheus.HistogramVec
	recordCounter *prometheus.CounterVec
	chunkCounter  *prometheus.CounterVec
	chunkDuration *prometheus.HistogramVec
	retryCounter  *prometheus.CounterVec

	pusher func(*Backend) error
}

func NewBackend(jobName, gatewayURL string) (*Backend, error) {
	if gatewayURL == "" {
		return nil, fmt.Errorf("prompush: gateway URL is required")
	}
	if jobName == "" {
		jobName = "kgingest"
	}

	b := &Backend{
		gatewayURL: gatewayURL,
		jobName:    jobName,
		reg:        prometheus.NewRegistry(),
		stageCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: observability.MetricStageTotal,
			Help: "Pipeline stage executions by stage and status.",
		}, []string{"stage", "status"}),
		stageDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    observability.MetricStageDuration,
			Help:    "Pipeline stage duration in seconds.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 14),
		}, []string{"stage", "status"}),
		recordCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: observability.MetricRecordsTotal,
			Help: "Records per stage by outcome (attempted, succeeded, failed).",
		}, []string{"stage", "outcome"}),
		chunkCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: observability.MetricChunksTotal,
			Help: "Chunks applied to the graph store by stage and status.",
		}, []string{"stage", "status"}),
		chunkDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    observability.MetricChunkDuration,
			Help:    "Chunk apply latency in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"stage", "status"}),
		retryCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: observability.MetricChunkRetries,
			Help: "Transient-error retries issued by the batch executor.",
		}, []string{"stage"}),
	}
	b.pusher = func(b *Backend) error {
		return push.New(b.gatewayURL, b.jobName).Gatherer(b.reg).Push()
	}

	for _, c := range []prometheus.Collector{
		b.stageCounter, b.stageDuration, b.recordCounter, b.chunkCounter, b.chunkDuration, b.retryCounter,
	} {
		if err := b.reg.Register(c); err != nil {
			return nil, fmt.Errorf("prompush: register collector: %w", err)
		}
	}
	return b, nil
}

func (b *Backend) IncCounter(name string, delta float64, labels observability.Labels) {
	switch name {
	case observability.MetricStageTotal:
		b.stageCounter.WithLabelValues(labels["stage"], labels["status"]).Add(delta)
	case observability.MetricRecordsTotal:
		b.recordCounter.WithLabelValues(labels["stage"], labels["outcome"]).Add(delta)
	case observability.MetricChunksTotal:
		b.chunkCounter.WithLabelValues(labels["stage"], labels["status"]).Add(delta)
	case observability.MetricChunkRetries:
		b.retryCounter.WithLabelValues(labels["stage"]).Add(delta)
	default:
		// unknown metric name: ignore
	}
}

func (b *Backend) ObserveHistogram(name string, value float64, labels observability.Labels) {
	switch name {
	case observability.MetricStageDuration:
		b.stageDuration.WithLabelValues(labels["stage"], labels["status"]).Observe(value)
	case observability.MetricChunkDuration:
		b.chunkDuration.WithLabelValues(labels["stage"], labels["status"]).Observe(value)
	}
}

// Flush pushes the registry to the Pushgateway, replacing the job's previous group.
func (b *Backend) Flush() error {
	return b.pusher(b)
}

// Registry exposes the collectors, mainly for tests.
func (b *Backend) Registry() *prometheus.Registry {
	return b.reg
}
