package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"carescribe/internal/domain"
	"carescribe/internal/usecase"
)

// Metrics holds the Prometheus collectors for extraction runs and clips.
type Metrics struct {
	RunsFinished  *prometheus.CounterVec
	RunsRejected  *prometheus.CounterVec
	RunDuration   *prometheus.HistogramVec
	ClipsRecorded prometheus.Counter
	ClipDuration  prometheus.Histogram
	ClipsFailed   prometheus.Counter
	registry      *prometheus.Registry
}

// New registers all collectors on a fresh registry. A private registry keeps
// repeated construction safe in tests.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		RunsFinished: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carescribe_extraction_runs_total",
			Help: "Save+extract runs that completed, by trigger and outcome",
		}, []string{"trigger", "outcome"}),
		RunsRejected: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "carescribe_extraction_runs_rejected_total",
			Help: "Run requests refused by the gate, by trigger and reason",
		}, []string{"trigger", "reason"}),
		RunDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "carescribe_extraction_run_duration_seconds",
			Help:    "Duration of save+extract runs",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~50s
		}, []string{"trigger"}),
		ClipsRecorded: factory.NewCounter(prometheus.CounterOpts{
			Name: "carescribe_utterance_clips_total",
			Help: "Utterance clips recorded",
		}),
		ClipDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "carescribe_utterance_clip_duration_seconds",
			Help:    "Duration of recorded utterance clips",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8),
		}),
		ClipsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "carescribe_utterance_transcription_failures_total",
			Help: "Utterance clips whose transcription failed",
		}),
		registry: reg,
	}
}

// Registry is the gatherer served on /metrics.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RunRejected counts a refused run request.
func (m *Metrics) RunRejected(trigger domain.RunTrigger, reason error) {
	m.RunsRejected.WithLabelValues(string(trigger), rejectReason(reason)).Inc()
}

// RunFinished counts a completed run and records its duration.
func (m *Metrics) RunFinished(trigger domain.RunTrigger, outcome usecase.RunOutcome, elapsed time.Duration) {
	m.RunsFinished.WithLabelValues(string(trigger), string(outcome)).Inc()
	m.RunDuration.WithLabelValues(string(trigger)).Observe(elapsed.Seconds())
}

// RecordClip counts one recorded utterance.
func (m *Metrics) RecordClip(durationSeconds float64) {
	m.ClipsRecorded.Inc()
	if durationSeconds > 0 {
		m.ClipDuration.Observe(durationSeconds)
	}
}

// RecordClipFailure counts a failed clip transcription.
func (m *Metrics) RecordClipFailure() {
	m.ClipsFailed.Inc()
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, usecase.ErrRunInFlight):
		return "in_flight"
	case errors.Is(err, usecase.ErrTooSoon):
		return "too_soon"
	case errors.Is(err, usecase.ErrSessionClosed):
		return "closed"
	default:
		return "other"
	}
}
