package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	TasksPublishedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbridge_tasks_published_total",
			Help: "Total number of task messages published by task and queue.",
		},
		[]string{"task", "queue"},
	)

	TasksRunTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbridge_tasks_run_total",
			Help: "Total number of task executions by task, mode and status.",
		},
		[]string{"task", "mode", "status"}, // mode: direct, dispatched; status: success, failure, retry, panic
	)

	TaskDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "taskbridge_task_duration_seconds",
			Help:    "Task execution time by task and mode.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"task", "mode"},
	)

	RetriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbridge_retries_total",
			Help: "Total number of task retries by task.",
		},
		[]string{"task"},
	)

	DLQTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskbridge_dlq_total",
			Help: "Total number of task messages moved to the dead letter topic.",
		},
		[]string{"reason"},
	)

	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskbridge_queue_depth",
			Help: "Messages waiting per queue and channel.",
		},
		[]string{"queue", "channel"},
	)
)

func MustRegister(reg prometheus.Registerer) {
	reg.MustRegister(TasksPublishedTotal, TasksRunTotal, TaskDuration, RetriesTotal, DLQTotal, QueueDepth)
}

func RecordPublished(task, queue string) {
	TasksPublishedTotal.WithLabelValues(task, queue).Inc()
}

func RecordRun(task, mode, status string, took time.Duration) {
	TasksRunTotal.WithLabelValues(task, mode, status).Inc()
	TaskDuration.WithLabelValues(task, mode).Observe(took.Seconds())
}

func RecordRetry(task string) {
	RetriesTotal.WithLabelValues(task).Inc()
}

func RecordDLQ(reason string) {
	DLQTotal.WithLabelValues(reason).Inc()
}

func UpdateQueueDepth(queue, channel string, depth int64) {
	QueueDepth.WithLabelValues(queue, channel).Set(float64(depth))
}
