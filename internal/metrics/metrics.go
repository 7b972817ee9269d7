package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Recorder exposes the pipeline counters scraped at /metrics.
type Recorder struct {
	signalsIngested *prometheus.CounterVec
	duplicates      *prometheus.CounterVec
	eventsFused     *prometheus.CounterVec
	dispatches      *prometheus.CounterVec
	jobDuration     *prometheus.HistogramVec
}

// New registers the pipeline metrics on the given registerer; a nil
// registerer uses the default registry.
func New(reg prometheus.Registerer) *Recorder {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)
	return &Recorder{
		signalsIngested: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalfuse_signals_ingested_total",
				Help: "Raw signals accepted per source",
			},
			[]string{"source"},
		),
		duplicates: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalfuse_signals_duplicate_total",
				Help: "Raw signals rejected as duplicates per source",
			},
			[]string{"source"},
		),
		eventsFused: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalfuse_events_fused_total",
				Help: "Fused events emitted per severity label",
			},
			[]string{"label"},
		),
		dispatches: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "signalfuse_dispatch_total",
				Help: "Channel dispatch outcomes",
			},
			[]string{"channel", "status"},
		),
		jobDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "signalfuse_job_duration_seconds",
				Help:    "Duration of pipeline jobs in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"job"},
		),
	}
}

func (r *Recorder) RecordIngested(source string)  { r.signalsIngested.WithLabelValues(source).Inc() }
func (r *Recorder) RecordDuplicate(source string) { r.duplicates.WithLabelValues(source).Inc() }
func (r *Recorder) RecordFused(label string)      { r.eventsFused.WithLabelValues(label).Inc() }

func (r *Recorder) RecordDispatch(channel, status string) {
	r.dispatches.WithLabelValues(channel, status).Inc()
}

func (r *Recorder) ObserveJob(job string, seconds float64) {
	r.jobDuration.WithLabelValues(job).Observe(seconds)
}
