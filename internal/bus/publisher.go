package bus

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

const (
	// DefaultPublishBuffer is the publisher queue depth when none is configured.
	DefaultPublishBuffer = 256

	publishTimeout = 10 * time.Second
)

// Publisher queues peer-originated messages and publishes them to a Bus.
// Publish() is non-blocking; when the buffer is full the oldest message is
// evicted. Run() must be called in a goroutine to drain the buffer.
type Publisher struct {
	bus   Bus
	topic string
	buf   chan string

	dropped atomic.Int64
	onDrop  func()

	// sleep waits between failed attempts; injectable for tests.
	sleep func(ctx context.Context, d time.Duration) bool
}

// NewPublisher creates a Publisher for topic with the given buffer size.
func NewPublisher(b Bus, topic string, size int) *Publisher {
	if size <= 0 {
		size = DefaultPublishBuffer
	}
	return &Publisher{
		bus:   b,
		topic: topic,
		buf:   make(chan string, size),
		sleep: Sleep,
	}
}

// OnDrop registers fn to be called for every evicted message.
func (p *Publisher) OnDrop(fn func()) { p.onDrop = fn }

// Dropped returns the number of messages evicted from a full buffer.
func (p *Publisher) Dropped() int64 { return p.dropped.Load() }

// Publish enqueues payload. If the buffer is full the oldest entry is evicted
// to make room.
func (p *Publisher) Publish(payload string) {
	for {
		select {
		case p.buf <- payload:
			return
		default:
		}
		// Buffer full: drop the oldest message, keep the newest.
		select {
		case old := <-p.buf:
			p.dropped.Add(1)
			if p.onDrop != nil {
				p.onDrop()
			}
			slog.Warn("publisher: buffer full, evicted oldest message",
				"topic", p.topic, "payload", old, "buffer_cap", cap(p.buf))
		default:
		}
	}
}

// Run drains the buffer until ctx is cancelled. A failed publish is retried
// after a backoff; the message is kept at the head of the queue meanwhile.
func (p *Publisher) Run(ctx context.Context) {
	bo := NewBackoff()

	for {
		var payload string
		select {
		case <-ctx.Done():
			return
		case payload = <-p.buf:
		}

		for {
			pubCtx, cancel := context.WithTimeout(ctx, publishTimeout)
			err := p.bus.Publish(pubCtx, p.topic, payload)
			cancel()
			if err == nil {
				bo.Reset()
				slog.Debug("publisher: delivered", "topic", p.topic, "payload", payload)
				break
			}
			if ctx.Err() != nil {
				return
			}

			wait := bo.Next()
			slog.Error("publisher: publish failed, will retry",
				"topic", p.topic, "err", err, "retry_in", wait)
			if !p.sleep(ctx, wait) {
				return
			}
		}
	}
}
