package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	connectTimeout    = 10 * time.Second
	operationTimeout  = 10 * time.Second
	disconnectQuiesce = 250 // milliseconds
)

// MQTTOptions configures the MQTT backend.
type MQTTOptions struct {
	// Broker is the broker URL, e.g. tcp://localhost:1883.
	Broker string

	// ClientID identifies this gateway to the broker.
	ClientID string

	Username string
	Password string

	// QoS is used for both subscribe and publish.
	QoS byte
}

// MQTT is a Bus backed by one Paho client connection. The connection is
// opened lazily and reopened by the next Subscribe or Publish after a drop;
// Paho's own auto-reconnect is disabled so the ingest worker sees every loss
// and applies its configured failure policy.
type MQTT struct {
	opts MQTTOptions

	mu     sync.Mutex
	client mqtt.Client
	lost   chan error // closed-over by the connection-lost handler of client
}

// NewMQTT creates an MQTT bus. No connection is made until first use.
func NewMQTT(opts MQTTOptions) *MQTT {
	return &MQTT{opts: opts}
}

// connect returns a connected client and the channel that receives its
// connection-lost error.
func (m *MQTT) connect(ctx context.Context) (mqtt.Client, <-chan error, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client != nil && m.client.IsConnectionOpen() {
		return m.client, m.lost, nil
	}

	lost := make(chan error, 1)
	o := mqtt.NewClientOptions().
		AddBroker(m.opts.Broker).
		SetClientID(m.opts.ClientID).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetCleanSession(true).
		SetConnectTimeout(connectTimeout).
		SetConnectionLostHandler(func(_ mqtt.Client, err error) {
			slog.Warn("bus: mqtt connection lost", "broker", m.opts.Broker, "err", err)
			select {
			case lost <- err:
			default:
			}
		})
	if m.opts.Username != "" {
		o.SetUsername(m.opts.Username)
		o.SetPassword(m.opts.Password)
	}

	client := mqtt.NewClient(o)
	if err := wait(ctx, client.Connect()); err != nil {
		return nil, nil, fmt.Errorf("bus: connect %s: %w", m.opts.Broker, err)
	}
	slog.Info("bus: mqtt connected", "broker", m.opts.Broker, "client_id", m.opts.ClientID)

	m.client = client
	m.lost = lost
	return client, lost, nil
}

// Subscribe implements Bus.
func (m *MQTT) Subscribe(ctx context.Context, topic string, h Handler) error {
	client, lost, err := m.connect(ctx)
	if err != nil {
		return err
	}

	cb := func(_ mqtt.Client, msg mqtt.Message) {
		h(Message{Topic: msg.Topic(), Payload: string(msg.Payload())})
	}
	if err := wait(ctx, client.Subscribe(topic, m.opts.QoS, cb)); err != nil {
		return fmt.Errorf("bus: subscribe %q: %w", topic, err)
	}
	slog.Info("bus: subscribed", "topic", topic, "qos", m.opts.QoS)

	select {
	case <-ctx.Done():
		if client.IsConnectionOpen() {
			client.Unsubscribe(topic).WaitTimeout(operationTimeout)
		}
		return nil
	case err := <-lost:
		return fmt.Errorf("%w: %v", ErrConnectionLost, err)
	}
}

// Publish implements Bus.
func (m *MQTT) Publish(ctx context.Context, topic, payload string) error {
	client, _, err := m.connect(ctx)
	if err != nil {
		return err
	}
	if err := wait(ctx, client.Publish(topic, m.opts.QoS, false, payload)); err != nil {
		return fmt.Errorf("bus: publish %q: %w", topic, err)
	}
	return nil
}

// Close disconnects the client, if any.
func (m *MQTT) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.client != nil {
		m.client.Disconnect(disconnectQuiesce)
		m.client = nil
	}
	return nil
}

// wait blocks until tok completes, ctx ends or operationTimeout passes.
func wait(ctx context.Context, tok mqtt.Token) error {
	timer := time.NewTimer(operationTimeout)
	defer timer.Stop()

	select {
	case <-tok.Done():
		return tok.Error()
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timed out after %s", operationTimeout)
	}
}
