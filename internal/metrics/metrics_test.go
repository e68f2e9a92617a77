package metrics

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/taskflow/engine/internal/worker"
)

type sinkFunc func(context.Context, worker.LogEntry) error

func (f sinkFunc) AppendLog(ctx context.Context, e worker.LogEntry) error { return f(ctx, e) }

func TestLogSinkCountsAppends(t *testing.T) {
	m := New(prometheus.NewRegistry())
	sink := m.LogSink(sinkFunc(func(context.Context, worker.LogEntry) error { return nil }))

	for i := 0; i < 3; i++ {
		if err := sink.AppendLog(context.Background(), worker.LogEntry{}); err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if got := testutil.ToFloat64(m.LogEntries); got != 3 {
		t.Errorf("log entries counter = %v, want 3", got)
	}
}

func TestLogSinkSkipsFailedAppends(t *testing.T) {
	m := New(prometheus.NewRegistry())
	sink := m.LogSink(sinkFunc(func(context.Context, worker.LogEntry) error {
		return errors.New("disk full")
	}))

	if err := sink.AppendLog(context.Background(), worker.LogEntry{}); err == nil {
		t.Fatal("expected append error")
	}
	if got := testutil.ToFloat64(m.LogEntries); got != 0 {
		t.Errorf("log entries counter = %v, want 0", got)
	}
}
