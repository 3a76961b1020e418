package bus

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within 2s")
}

func TestMemory_PublishDeliversToSubscribers(t *testing.T) {
	m := NewMemory()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var got []string
	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(ctx, "home", func(msg Message) {
			mu.Lock()
			got = append(got, msg.Payload)
			mu.Unlock()
		})
	}()
	waitFor(t, func() bool { return m.Subscribers("home") == 1 })

	require.NoError(t, m.Publish(ctx, "home", "a=1"))
	require.NoError(t, m.Publish(ctx, "other", "b=2"))

	mu.Lock()
	assert.Equal(t, []string{"a=1"}, got)
	mu.Unlock()
	assert.Len(t, m.Published(), 2)

	cancel()
	require.NoError(t, <-done)
	assert.Zero(t, m.Subscribers("home"))
}

func TestMemory_CloseEndsSubscription(t *testing.T) {
	m := NewMemory()
	done := make(chan error, 1)
	go func() {
		done <- m.Subscribe(context.Background(), "home", func(Message) {})
	}()
	waitFor(t, func() bool { return m.Subscribers("home") == 1 })

	require.NoError(t, m.Close())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrConnectionLost)
	case <-time.After(2 * time.Second):
		t.Fatal("Subscribe did not return after Close")
	}
	assert.ErrorIs(t, m.Publish(context.Background(), "home", "x=1"), ErrClosed)
	assert.ErrorIs(t, m.Subscribe(context.Background(), "home", func(Message) {}), ErrClosed)
}

func TestMQTT_UnreachableBroker(t *testing.T) {
	m := NewMQTT(MQTTOptions{Broker: "tcp://127.0.0.1:1", ClientID: "test"})
	defer m.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := m.Publish(ctx, "home", "a=1")
	assert.Error(t, err)
	err = m.Subscribe(ctx, "home", func(Message) {})
	assert.Error(t, err)
}

// flakyBus fails the first n publishes.
type flakyBus struct {
	*Memory
	mu    sync.Mutex
	fails int
}

func (f *flakyBus) Publish(ctx context.Context, topic, payload string) error {
	f.mu.Lock()
	if f.fails > 0 {
		f.fails--
		f.mu.Unlock()
		return errors.New("broker unavailable")
	}
	f.mu.Unlock()
	return f.Memory.Publish(ctx, topic, payload)
}

func TestPublisher_Delivers(t *testing.T) {
	m := NewMemory()
	p := NewPublisher(m, "home", 8)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go p.Run(ctx)

	p.Publish("a=1")
	p.Publish("b=2")

	waitFor(t, func() bool { return len(m.Published()) == 2 })
	assert.Equal(t, []Message{{Topic: "home", Payload: "a=1"}, {Topic: "home", Payload: "b=2"}}, m.Published())
}

func TestPublisher_RetriesInOrder(t *testing.T) {
	fb := &flakyBus{Memory: NewMemory(), fails: 3}
	p := NewPublisher(fb, "home", 8)
	var slept atomic.Int32
	p.sleep = func(context.Context, time.Duration) bool { slept.Add(1); return true }

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	p.Publish("a=1")
	p.Publish("b=2")
	go p.Run(ctx)

	waitFor(t, func() bool { return len(fb.Published()) == 2 })
	assert.Equal(t, "a=1", fb.Published()[0].Payload)
	assert.Equal(t, "b=2", fb.Published()[1].Payload)
	assert.EqualValues(t, 3, slept.Load())
}

func TestPublisher_BufferEvictsOldest(t *testing.T) {
	// Not running: Publish only fills the buffer.
	p := NewPublisher(NewMemory(), "home", 3)
	var drops int
	p.OnDrop(func() { drops++ })

	for _, s := range []string{"a", "b", "c", "d", "e"} {
		p.Publish(s)
	}

	var got []string
	for len(p.buf) > 0 {
		got = append(got, <-p.buf)
	}
	assert.Equal(t, []string{"c", "d", "e"}, got)
	assert.EqualValues(t, 2, p.Dropped())
	assert.Equal(t, 2, drops)
}

func TestPublisher_StopsOnCancel(t *testing.T) {
	p := NewPublisher(NewMemory(), "home", 1)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		p.Run(ctx)
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
}

func TestBackoff_DoublesUpToMax(t *testing.T) {
	b := NewBackoff()
	b.Jitter = 0

	var got []time.Duration
	for i := 0; i < 8; i++ {
		got = append(got, b.Next())
	}
	want := []time.Duration{
		1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		16 * time.Second, 32 * time.Second, 60 * time.Second, 60 * time.Second,
	}
	assert.Equal(t, want, got)
	assert.Equal(t, 8, b.Attempts())
}

func TestBackoff_Resets(t *testing.T) {
	b := NewBackoff()
	for i := 0; i < 10; i++ {
		b.Next()
	}
	b.Reset()
	assert.Zero(t, b.Attempts())
	assert.LessOrEqual(t, b.Next(), time.Second*5/4)
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff()
	b.rnd = func() float64 { return 0 }
	assert.Equal(t, 750*time.Millisecond, b.Next(), "lowest jitter")

	b.Reset()
	b.rnd = func() float64 { return 0.999999 }
	assert.InDelta(t, float64(1250*time.Millisecond), float64(b.Next()), float64(time.Millisecond), "highest jitter")

	b = NewBackoff()
	for i := 0; i < 50; i++ {
		if d := b.Next(); d > time.Minute*5/4 {
			t.Errorf("backoff[%d] = %v, exceeds 1.25x max", i, d)
		}
	}
}

func TestSleep(t *testing.T) {
	assert.True(t, Sleep(context.Background(), time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	start := time.Now()
	assert.False(t, Sleep(ctx, time.Minute))
	assert.Less(t, time.Since(start), time.Second)
}
