// Package ingest applies bus messages to the variable store.
//
// Worker.Run subscribes to the bus topic for the life of the process. Each
// `name=value` payload updates the store; malformed payloads are logged and
// dropped. When the subscription fails, the configured policy decides
// whether Run returns the error (the process exits) or reconnects with
// backoff.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/amgateway/amgateway/internal/bus"
	"github.com/amgateway/amgateway/internal/frame"
	"github.com/amgateway/amgateway/internal/metrics"
	"github.com/amgateway/amgateway/internal/store"
)

// Policy is what the worker does when the bus subscription fails.
type Policy int

const (
	// Exit returns the failure from Run.
	Exit Policy = iota
	// Retry resubscribes after a backoff.
	Retry
)

// ParsePolicy maps a config value (exit|retry) to a Policy.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "exit", "":
		return Exit, nil
	case "retry":
		return Retry, nil
	}
	return Exit, fmt.Errorf("ingest: unknown failure policy %q", s)
}

func (p Policy) String() string {
	if p == Retry {
		return "retry"
	}
	return "exit"
}

// Worker feeds one bus topic into a store.
type Worker struct {
	bus     bus.Bus
	topic   string
	store   *store.Store
	policy  Policy
	metrics *metrics.Registry

	now   func() time.Time // injectable for deterministic tests
	sleep func(ctx context.Context, d time.Duration) bool
}

// New creates a Worker. m may be nil.
func New(b bus.Bus, topic string, st *store.Store, policy Policy, m *metrics.Registry) *Worker {
	if m == nil {
		m = metrics.New()
	}
	return &Worker{
		bus:     b,
		topic:   topic,
		store:   st,
		policy:  policy,
		metrics: m,
		now:     time.Now,
		sleep:   bus.Sleep,
	}
}

// Run subscribes and applies messages until ctx is cancelled (returns nil)
// or, under the Exit policy, until the subscription fails.
func (w *Worker) Run(ctx context.Context) error {
	bo := bus.NewBackoff()
	for {
		started := time.Now()
		err := w.bus.Subscribe(ctx, w.topic, w.Handle)
		if ctx.Err() != nil {
			return nil
		}
		if err == nil {
			err = errors.New("subscription ended")
		}
		if w.policy == Exit {
			return fmt.Errorf("ingest: bus subscription on %q failed: %w", w.topic, err)
		}

		// A subscription that stayed up for a while resets the backoff.
		if time.Since(started) > time.Minute {
			bo.Reset()
		}
		wait := bo.Next()
		slog.Error("ingest: bus subscription failed, will retry",
			"topic", w.topic, "err", err, "retry_in", wait)
		if !w.sleep(ctx, wait) {
			return nil
		}
	}
}

// Handle applies one bus message to the store.
func (w *Worker) Handle(msg bus.Message) {
	w.metrics.BusMessages.Inc()

	f, err := frame.ParseAssignment(msg.Payload)
	if err != nil {
		w.metrics.BusParseErrors.Inc()
		slog.Warn("ingest: discarding malformed message",
			"topic", msg.Topic, "payload", msg.Payload, "err", err)
		return
	}

	change := w.store.Ingest(f.Name, f.Value, w.now())
	switch change {
	case store.Created:
		slog.Debug("ingest: new variable", "name", f.Name, "value", f.Value)
	case store.Changed:
		slog.Debug("ingest: new value", "name", f.Name, "value", f.Value)
	default:
		slog.Debug("ingest: redundant value", "name", f.Name, "value", f.Value)
	}
}
