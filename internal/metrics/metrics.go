// Package metrics records run metrics with Prometheus collectors. The pipeline
// is a batch job, so metrics are dumped to a textfile at exit rather than
// served.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/palantir/extractpipe/pkg/pipeline/core"
)

const namespace = "extractpipe"

// Recorder implements core.Observer.
type Recorder struct {
	registry *prometheus.Registry

	RowsFlushedTotal   prometheus.Counter
	FlushesTotal       prometheus.Counter
	FlushSize          prometheus.Histogram
	WorkersStarted     prometheus.Counter
	WorkersFinished    *prometheus.CounterVec
	WorkersLive        prometheus.Gauge
	MalformedLines     prometheus.Counter
	RunRows            prometheus.Gauge
	RunShardsWithData  prometheus.Gauge
	RunDurationSeconds prometheus.Gauge
	RunOutcome         *prometheus.GaugeVec
}

var _ core.Observer = (*Recorder)(nil)

// New creates a recorder with its own registry, labelled with the command and
// run id.
func New(command, runID string) *Recorder {
	reg := prometheus.NewRegistry()
	labels := prometheus.Labels{"command": command, "run_id": runID}
	f := promauto.With(reg)

	return &Recorder{
		registry: reg,
		RowsFlushedTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "rows_flushed_total",
			Help: "Rows written to shard files.", ConstLabels: labels,
		}),
		FlushesTotal: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "flushes_total",
			Help: "Batches flushed to shard files.", ConstLabels: labels,
		}),
		FlushSize: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace, Name: "flush_rows",
			Help:        "Rows per flushed batch.",
			Buckets:     prometheus.ExponentialBuckets(1, 4, 8),
			ConstLabels: labels,
		}),
		WorkersStarted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "workers_started_total",
			Help: "Worker processes started.", ConstLabels: labels,
		}),
		WorkersFinished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace, Name: "workers_finished_total",
			Help: "Worker processes finished, by outcome.", ConstLabels: labels,
		}, []string{"outcome"}),
		WorkersLive: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "workers_live",
			Help: "Worker processes currently running.", ConstLabels: labels,
		}),
		MalformedLines: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace, Name: "malformed_lines_total",
			Help: "Worker output lines skipped because they were not JSON objects.", ConstLabels: labels,
		}),
		RunRows: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_rows",
			Help: "Rows reported by the sink at the end of the run.", ConstLabels: labels,
		}),
		RunShardsWithData: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_shards_with_data",
			Help: "Shard files written.", ConstLabels: labels,
		}),
		RunDurationSeconds: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_duration_seconds",
			Help: "Wall time of the run.", ConstLabels: labels,
		}),
		RunOutcome: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace, Name: "run_outcome",
			Help: "1 for the outcome the run ended with.", ConstLabels: labels,
		}, []string{"outcome"}),
	}
}

func (r *Recorder) RowsFlushed(_ uint32, rows int) {
	r.RowsFlushedTotal.Add(float64(rows))
	r.FlushesTotal.Inc()
	r.FlushSize.Observe(float64(rows))
}

func (r *Recorder) WorkerStarted(string) {
	r.WorkersStarted.Inc()
	r.WorkersLive.Inc()
}

func (r *Recorder) WorkerFinished(_ string, err error) {
	r.WorkersLive.Dec()
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	r.WorkersFinished.WithLabelValues(outcome).Inc()
}

// MalformedLine counts the line without the unit: a library run has one unit
// per file, too many for a label.
func (r *Recorder) MalformedLine(string) {
	r.MalformedLines.Inc()
}

// RunFinished records the run summary. outcome is "ok", "error" or
// "interrupted".
func (r *Recorder) RunFinished(stats core.Stats, elapsed time.Duration, outcome string) {
	r.RunRows.Set(float64(stats.TotalRows))
	r.RunShardsWithData.Set(float64(stats.NumShardsWithData))
	r.RunDurationSeconds.Set(elapsed.Seconds())
	r.RunOutcome.WithLabelValues(outcome).Set(1)
}

// Gatherer exposes the registry, mainly for tests.
func (r *Recorder) Gatherer() prometheus.Gatherer { return r.registry }

// WriteTextfile writes every metric in the text exposition format to path,
// atomically.
func (r *Recorder) WriteTextfile(path string) error {
	return prometheus.WriteToTextfile(path, r.registry)
}
