package bus

import (
	"context"
	"errors"
	"sync"
)

// ErrClosed is returned by a Memory bus after Close.
var ErrClosed = errors.New("bus: closed")

// Memory is an in-process Bus. Publish delivers synchronously to every
// subscriber of the topic, in subscription order.
type Memory struct {
	mu     sync.Mutex
	subs   map[string][]*memorySub
	closed bool
	done   chan struct{}

	// Published records every payload in publish order.
	published []Message
}

type memorySub struct {
	h Handler
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{
		subs: make(map[string][]*memorySub),
		done: make(chan struct{}),
	}
}

// Subscribe implements Bus.
func (m *Memory) Subscribe(ctx context.Context, topic string, h Handler) error {
	sub := &memorySub{h: h}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.subs[topic] = append(m.subs[topic], sub)
	m.mu.Unlock()

	defer m.unsubscribe(topic, sub)

	select {
	case <-ctx.Done():
		return nil
	case <-m.done:
		return ErrConnectionLost
	}
}

func (m *Memory) unsubscribe(topic string, sub *memorySub) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[topic]
	for i, s := range list {
		if s == sub {
			m.subs[topic] = append(list[:i:i], list[i+1:]...)
			return
		}
	}
}

// Publish implements Bus.
func (m *Memory) Publish(_ context.Context, topic, payload string) error {
	msg := Message{Topic: topic, Payload: payload}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	m.published = append(m.published, msg)
	targets := append([]*memorySub(nil), m.subs[topic]...)
	m.mu.Unlock()

	for _, s := range targets {
		s.h(msg)
	}
	return nil
}

// Subscribers returns the number of active subscriptions on topic.
func (m *Memory) Subscribers(topic string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs[topic])
}

// Published returns a copy of every message published so far.
func (m *Memory) Published() []Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Message(nil), m.published...)
}

// Close ends all subscriptions with ErrConnectionLost and rejects further
// use, which is how tests simulate a broker failure.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.done)
	}
	return nil
}
