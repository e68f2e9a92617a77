package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nats-io/nats.go"
)

// Forwarder bridges the in-process bus to NATS so out-of-process
// collaborators (notification, remediation) can subscribe. Events are
// published as JSON to "<prefix>.<event.type>", e.g. "taskflow.run.completed".
type Forwarder struct {
	nc     *nats.Conn
	prefix string
	log    *slog.Logger

	quit     chan struct{}
	quitOnce sync.Once
	done     chan struct{}
}

// NewForwarder connects to NATS at the given URL. An empty prefix defaults
// to "taskflow".
func NewForwarder(url, prefix string, log *slog.Logger) (*Forwarder, error) {
	if prefix == "" {
		prefix = "taskflow"
	}
	nc, err := nats.Connect(url, nats.Name("taskflow-engine"))
	if err != nil {
		return nil, fmt.Errorf("connecting to nats: %w", err)
	}
	return &Forwarder{
		nc:     nc,
		prefix: prefix,
		log:    log,
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Run consumes the bus until the context is cancelled, Close is called, or
// the bus closes.
// Marshal or publish failures are logged and skipped; delivery is
// best-effort.
func (f *Forwarder) Run(ctx context.Context, bus *Bus) {
	defer close(f.done)

	ch := bus.SubscribeAll(0)
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.quit:
			return
		case event, ok := <-ch:
			if !ok {
				return
			}
			f.publish(event)
		}
	}
}

func (f *Forwarder) publish(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		f.log.Error("marshal event", "type", event.EventType(), "error", err)
		return
	}
	subject := f.prefix + "." + event.EventType()
	if err := f.nc.Publish(subject, payload); err != nil {
		f.log.Error("publish event", "subject", subject, "error", err)
	}
}

// Close stops Run, waits for it to exit, then drains and closes the NATS
// connection. Safe to call whether or not the context Run was given has
// been cancelled.
func (f *Forwarder) Close() {
	f.quitOnce.Do(func() { close(f.quit) })
	<-f.done
	if f.nc != nil {
		_ = f.nc.Drain()
	}
}
