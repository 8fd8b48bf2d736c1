package metrics

import "github.com/prometheus/client_golang/prometheus"

const namespace = "loopmaker"

var (
	JobsSubmittedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_submitted_total",
			Help:      "Total number of generation jobs accepted into the worker pool.",
		},
		[]string{"task_type"},
	)

	JobsCompletedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_completed_total",
			Help:      "Total number of generation jobs finished, labeled by terminal status.",
		},
		[]string{"task_type", "status"},
	)

	JobDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Wall-clock duration of generation jobs from dequeue to completion.",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
		},
		[]string{"task_type", "status"},
	)

	JobsInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs_in_flight",
			Help:      "Generation jobs currently executing on pool workers.",
		},
	)

	ModelsLoaded = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "models_loaded",
			Help:      "Live model engine instances currently held in memory.",
		},
	)

	TracksWrittenTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tracks_written_total",
			Help:      "Total number of WAV files written to the tracks directory.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		JobsSubmittedTotal,
		JobsCompletedTotal,
		JobDurationSeconds,
		JobsInFlight,
		ModelsLoaded,
		TracksWrittenTotal,
	)
}
