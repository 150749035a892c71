// Package metrics exposes pipeline run telemetry as Prometheus collectors.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/i474232898/grid-energy-pipeline/internal/pipeline"
)

const namespace = "grid_energy"

// RunMetrics is fed from finished run results. A nil *RunMetrics is a no-op.
type RunMetrics struct {
	runs          *prometheus.CounterVec
	duration      prometheus.Histogram
	records       *prometheus.CounterVec
	rejected      *prometheus.CounterVec
	writes        *prometheus.CounterVec
	synced        *prometheus.CounterVec
	stageErrors   *prometheus.CounterVec
	fetchAttempts *prometheus.CounterVec
	skippedTicks  prometheus.Counter
	skippedPrunes prometheus.Counter
	lastSuccess   prometheus.Gauge
	pruned        *prometheus.CounterVec
}

// New constructs the collectors and registers them against reg.
func New(reg prometheus.Registerer) *RunMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &RunMetrics{
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "runs_total",
				Help:      "Finished pipeline runs by status.",
			},
			[]string{"status"},
		),
		duration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "run_duration_seconds",
				Help:      "Wall time of pipeline runs.",
				Buckets:   prometheus.ExponentialBuckets(0.5, 2, 10),
			},
		),
		records: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "records_total",
				Help:      "Records seen per stage and kind.",
			},
			[]string{"kind", "stage"},
		),
		rejected: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "rejected_total",
				Help:      "Rejected records per kind and reason.",
			},
			[]string{"kind", "reason"},
		),
		writes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "store",
				Name:      "writes_total",
				Help:      "Operational store upserts per kind and outcome.",
			},
			[]string{"kind", "outcome"},
		),
		synced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "sync",
				Name:      "rows_total",
				Help:      "Rows read from the operational store and applied to the analytical store.",
			},
			[]string{"kind", "result"},
		),
		stageErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "pipeline",
				Name:      "stage_errors_total",
				Help:      "Stage failures per kind.",
			},
			[]string{"kind", "stage"},
		),
		fetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "source",
				Name:      "fetch_attempts_total",
				Help:      "Fetch attempts per kind, retries included.",
			},
			[]string{"kind"},
		),
		skippedTicks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "skipped_ticks_total",
				Help:      "Ticks or triggers skipped because a run was in progress or held elsewhere.",
			},
		),
		skippedPrunes: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "skipped_passes_total",
				Help:      "Retention passes skipped because a run was in progress or held elsewhere.",
			},
		),
		lastSuccess: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Subsystem: "scheduler",
				Name:      "last_success_timestamp_seconds",
				Help:      "Unix time of the last successful run.",
			},
		),
		pruned: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Subsystem: "retention",
				Name:      "pruned_rows_total",
				Help:      "Rows deleted by the retention job per store and kind.",
			},
			[]string{"store", "kind"},
		),
	}
	reg.MustRegister(
		m.runs, m.duration, m.records, m.rejected, m.writes, m.synced,
		m.stageErrors, m.fetchAttempts, m.skippedTicks, m.skippedPrunes, m.lastSuccess, m.pruned,
	)
	return m
}

// ObserveRun records every count carried by a finished run.
func (m *RunMetrics) ObserveRun(res pipeline.RunResult) {
	if m == nil {
		return
	}
	m.runs.WithLabelValues(string(res.Status)).Inc()
	if d := res.Duration(); d >= 0 {
		m.duration.Observe(d.Seconds())
	}
	if !res.Failed() {
		m.lastSuccess.Set(float64(res.FinishedAt.Unix()))
	}

	for _, k := range res.Kinds {
		kind := string(k.Kind)
		m.fetchAttempts.WithLabelValues(kind).Add(float64(k.FetchAttempts))
		m.records.WithLabelValues(kind, "fetched").Add(float64(k.Fetched))
		m.records.WithLabelValues(kind, "cleaned").Add(float64(k.Cleaned))
		m.records.WithLabelValues(kind, "accepted").Add(float64(k.Accepted))
		m.records.WithLabelValues(kind, "duplicate").Add(float64(k.Duplicates))
		m.records.WithLabelValues(kind, "rejected").Add(float64(k.Rejected))
		for reason, n := range k.RejectedByReason {
			m.rejected.WithLabelValues(kind, string(reason)).Add(float64(n))
		}

		m.writes.WithLabelValues(kind, "inserted").Add(float64(k.Write.Inserted))
		m.writes.WithLabelValues(kind, "updated").Add(float64(k.Write.Updated))
		m.writes.WithLabelValues(kind, "unchanged").Add(float64(k.Write.Unchanged))
		m.writes.WithLabelValues(kind, "stale").Add(float64(k.Write.Stale))
		m.writes.WithLabelValues(kind, "failed").Add(float64(k.Write.Failed))

		m.synced.WithLabelValues(kind, "read").Add(float64(k.Sync.Read))
		m.synced.WithLabelValues(kind, "applied").Add(float64(k.Sync.Applied))
	}
	for _, e := range res.Errors {
		m.stageErrors.WithLabelValues(string(e.Kind), string(e.Stage)).Inc()
	}
}

func (m *RunMetrics) ObserveSkippedTick() {
	if m == nil {
		return
	}
	m.skippedTicks.Inc()
}

func (m *RunMetrics) ObserveSkippedPrune() {
	if m == nil {
		return
	}
	m.skippedPrunes.Inc()
}

func (m *RunMetrics) ObservePruned(store, kind string, n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.pruned.WithLabelValues(store, kind).Add(float64(n))
}
