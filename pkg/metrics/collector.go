// Package metrics exposes pipeline counters and timings as Prometheus
// collectors on a private registry.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// Structure outcomes.
const (
	OutcomeMeshed = "meshed"
	OutcomeEmpty  = "empty"
	OutcomeFailed = "failed"
)

// Collector records pipeline metrics. A nil *Collector discards everything.
type Collector struct {
	registry *prometheus.Registry

	jobsTotal      *prometheus.CounterVec
	jobDuration    prometheus.Histogram
	stageDuration  *prometheus.HistogramVec
	structures     *prometheus.CounterVec
	stepFailures   *prometheus.CounterVec
	meshFaces      prometheus.Histogram
	artifactsBytes prometheus.Counter

	logger *zap.Logger
}

// NewCollector creates a collector with its own registry.
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	c := &Collector{
		registry: reg,
		logger:   logger.With(zap.String("component", "metrics")),
	}

	c.jobsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_total",
			Help:      "Total number of finished job runs by terminal status",
		},
		[]string{"status"},
	)

	c.jobDuration = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall time of a job run",
			Buckets:   []float64{1, 10, 30, 60, 300, 600, 1800, 3600, 7200},
		},
	)

	c.stageDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Wall time of each pipeline stage",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"stage"},
	)

	c.structures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "structures_total",
			Help:      "Structures processed by outcome",
		},
		[]string{"outcome"},
	)

	c.stepFailures = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "conditioning_step_failures_total",
			Help:      "Conditioning steps that failed and were rolled back",
		},
		[]string{"step"},
	)

	c.meshFaces = factory.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "mesh_faces",
			Help:      "Face count of conditioned meshes",
			Buckets:   prometheus.ExponentialBuckets(100, 4, 8),
		},
	)

	c.artifactsBytes = factory.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "artifact_bytes_total",
			Help:      "Bytes of published artifacts",
		},
	)

	return c
}

// Registry returns the registry holding the collectors.
func (c *Collector) Registry() *prometheus.Registry {
	if c == nil {
		return nil
	}
	return c.registry
}

// RecordJob counts a finished run.
func (c *Collector) RecordJob(status string, duration time.Duration) {
	if c == nil {
		return
	}
	c.jobsTotal.WithLabelValues(status).Inc()
	c.jobDuration.Observe(duration.Seconds())
}

// ObserveStage records the duration of one pipeline stage.
func (c *Collector) ObserveStage(stage string, duration time.Duration) {
	if c == nil {
		return
	}
	c.stageDuration.WithLabelValues(stage).Observe(duration.Seconds())
}

// RecordStructure counts a structure outcome; faces is ignored unless meshed.
func (c *Collector) RecordStructure(outcome string, faces int) {
	if c == nil {
		return
	}
	c.structures.WithLabelValues(outcome).Inc()
	if outcome == OutcomeMeshed {
		c.meshFaces.Observe(float64(faces))
	}
}

// RecordStepFailure counts a rolled back conditioning step.
func (c *Collector) RecordStepFailure(step string) {
	if c == nil {
		return
	}
	c.stepFailures.WithLabelValues(step).Inc()
}

// AddArtifactBytes accumulates published artifact sizes.
func (c *Collector) AddArtifactBytes(n int64) {
	if c == nil || n <= 0 {
		return
	}
	c.artifactsBytes.Add(float64(n))
}

// WriteTextfile dumps the registry in the node_exporter textfile format.
func (c *Collector) WriteTextfile(path string) error {
	if c == nil || path == "" {
		return nil
	}
	if err := prometheus.WriteToTextfile(path, c.registry); err != nil {
		c.logger.Warn("failed to write metrics textfile", zap.String("path", path), zap.Error(err))
		return err
	}
	return nil
}
