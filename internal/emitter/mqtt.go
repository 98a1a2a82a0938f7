package emitter

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/banshee-data/presence.report/internal/monitoring"
)

// MQTTOptions configures the broker connection.
type MQTTOptions struct {
	Broker   string
	ClientID string
	// StatusTopic receives a retained "offline" will when the connection
	// drops uncleanly. Empty disables the will.
	StatusTopic string
	Timeout     time.Duration
}

// MQTTPublisher is a Publisher backed by a paho client.
type MQTTPublisher struct {
	client    mqtt.Client
	timeout   time.Duration
	connected atomic.Bool
}

// Dial connects to the broker and keeps reconnecting in the background.
func Dial(ctx context.Context, o MQTTOptions) (*MQTTPublisher, error) {
	if o.Timeout <= 0 {
		o.Timeout = 5 * time.Second
	}
	p := &MQTTPublisher{timeout: 2 * time.Second}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(o.Broker)
	opts.SetClientID(o.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)
	if o.StatusTopic != "" {
		opts.SetWill(o.StatusTopic, `{"state":"offline"}`, 1, true)
	}
	opts.OnConnect = func(mqtt.Client) {
		p.connected.Store(true)
		monitoring.Logf("mqtt: connected to %s as %s", o.Broker, o.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		p.connected.Store(false)
		monitoring.Logf("mqtt: connection lost, reconnecting: %v", err)
	}
	p.client = mqtt.NewClient(opts)

	monitoring.Logf("mqtt: connecting to %s", o.Broker)
	token := p.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(o.Timeout):
		p.client.Disconnect(0)
		return nil, fmt.Errorf("mqtt connect %s: timeout after %v", o.Broker, o.Timeout)
	case <-ctx.Done():
		p.client.Disconnect(0)
		return nil, ctx.Err()
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("mqtt connect %s: %w", o.Broker, err)
	}
	p.connected.Store(true)
	return p, nil
}

// Publish sends one message and waits for the broker to take it.
func (p *MQTTPublisher) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if !p.connected.Load() {
		return errors.New("mqtt not connected")
	}
	token := p.client.Publish(topic, qos, retained, payload)
	if !token.WaitTimeout(p.timeout) {
		return errors.New("publish timeout")
	}
	return token.Error()
}

// Close disconnects after a short grace period.
func (p *MQTTPublisher) Close() error {
	if p.client.IsConnected() {
		p.client.Disconnect(250)
		monitoring.Logf("mqtt: disconnected")
	}
	p.connected.Store(false)
	return nil
}
