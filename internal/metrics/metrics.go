// Package metrics exposes engine Prometheus collectors.
package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskflow/engine/internal/worker"
)

// Metrics holds all engine collectors.
type Metrics struct {
	RunsTotal     *prometheus.CounterVec // by terminal status
	TasksTotal    *prometheus.CounterVec // by terminal status
	AttemptsTotal *prometheus.CounterVec // by result
	ActiveWorkers prometheus.Gauge
	WaveDuration  prometheus.Histogram
	TaskDuration  prometheus.Histogram
	LogEntries    prometheus.Counter
}

// New registers engine collectors with the given registerer. Pass
// prometheus.DefaultRegisterer in production or a fresh registry in tests.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		RunsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskflow",
				Name:      "runs_total",
				Help:      "Execution runs finished, by terminal status",
			},
			[]string{"status"},
		),
		TasksTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskflow",
				Name:      "tasks_total",
				Help:      "Tasks reaching a terminal status within a run",
			},
			[]string{"status"},
		),
		AttemptsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "taskflow",
				Name:      "attempts_total",
				Help:      "Worker attempts, by result",
			},
			[]string{"result"},
		),
		ActiveWorkers: factory.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "taskflow",
				Name:      "active_workers",
				Help:      "Worker instances currently executing",
			},
		),
		WaveDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "taskflow",
				Name:      "wave_duration_seconds",
				Help:      "Wall-clock duration of completed waves",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800, 3600},
			},
		),
		TaskDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "taskflow",
				Name:      "task_duration_seconds",
				Help:      "Wall-clock duration of successful task attempts",
				Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600, 1800},
			},
		),
		LogEntries: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: "taskflow",
				Name:      "log_entries_total",
				Help:      "Execution log entries appended",
			},
		),
	}
}

// LogSink wraps sink so every successful append increments LogEntries.
func (m *Metrics) LogSink(sink worker.LogSink) worker.LogSink {
	return countedSink{sink: sink, entries: m.LogEntries}
}

type countedSink struct {
	sink    worker.LogSink
	entries prometheus.Counter
}

func (s countedSink) AppendLog(ctx context.Context, entry worker.LogEntry) error {
	if err := s.sink.AppendLog(ctx, entry); err != nil {
		return err
	}
	s.entries.Inc()
	return nil
}

// Handler returns an HTTP handler serving the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}
