// Package emitter forwards stream events to an MQTT broker.
package emitter

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/clalos/container-reader/internal/stream"
)

const subscriberName = "mqtt"

// Config configures the MQTT emitter.
type Config struct {
	// Broker is host:port.
	Broker   string
	ClientID string
	// Prefix starts every topic: <prefix>/<camera>/<kind>.
	Prefix string
}

// Stats contains emitter statistics.
type Stats struct {
	Connected bool              `json:"connected"`
	Published map[string]uint64 `json:"published"`
	Errors    uint64            `json:"errors"`
}

// MQTT publishes detection and error events as JSON.
type MQTT struct {
	cfg    Config
	client mqtt.Client
	logger *slog.Logger

	mu        sync.RWMutex
	published map[string]uint64
	errors    uint64
	connected bool
}

// NewMQTT creates an unconnected emitter.
func NewMQTT(cfg Config, logger *slog.Logger) *MQTT {
	if logger == nil {
		logger = slog.Default()
	}
	return &MQTT{
		cfg:       cfg,
		logger:    logger,
		published: make(map[string]uint64),
	}
}

// Connect establishes the broker connection. The client reconnects on its
// own afterwards.
func (e *MQTT) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s", e.cfg.Broker))
	opts.SetClientID(e.cfg.ClientID)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetry(true)
	opts.SetConnectRetryInterval(2 * time.Second)
	opts.SetMaxReconnectInterval(30 * time.Second)

	opts.OnConnect = func(mqtt.Client) {
		e.setConnected(true)
		e.logger.Info("MQTT connection established",
			"broker", e.cfg.Broker,
			"client_id", e.cfg.ClientID)
	}
	opts.OnConnectionLost = func(_ mqtt.Client, err error) {
		e.setConnected(false)
		e.logger.Warn("MQTT connection lost, will auto-reconnect",
			"error", err,
			"broker", e.cfg.Broker)
	}

	e.client = mqtt.NewClient(opts)
	e.logger.Info("Connecting to MQTT broker", "broker", e.cfg.Broker)

	token := e.client.Connect()
	select {
	case <-token.Done():
	case <-time.After(5 * time.Second):
		return fmt.Errorf("mqtt connection timeout")
	case <-ctx.Done():
		return ctx.Err()
	}
	if err := token.Error(); err != nil {
		return fmt.Errorf("mqtt connection failed: %w", err)
	}

	e.setConnected(true)
	return nil
}

func (e *MQTT) setConnected(v bool) {
	e.mu.Lock()
	e.connected = v
	e.mu.Unlock()
}

func (e *MQTT) isConnected() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.connected
}

func (e *MQTT) failed() {
	e.mu.Lock()
	e.errors++
	e.mu.Unlock()
}

// Topic is the topic an event is published on.
func (e *MQTT) Topic(ev stream.Event) string {
	return fmt.Sprintf("%s/%s/%s", e.cfg.Prefix, ev.Camera, ev.Kind)
}

// qos delivers detections at least once; errors are best effort.
func qos(k stream.Kind) byte {
	if k == stream.KindDetection {
		return 1
	}
	return 0
}

// Publish sends one event.
func (e *MQTT) Publish(ev stream.Event) error {
	if !e.isConnected() {
		e.failed()
		return fmt.Errorf("mqtt not connected")
	}

	payload, err := json.Marshal(ev.Message())
	if err != nil {
		e.failed()
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	topic := e.Topic(ev)
	token := e.client.Publish(topic, qos(ev.Kind), false, payload)
	if !token.WaitTimeout(2 * time.Second) {
		e.failed()
		return fmt.Errorf("publish timeout")
	}
	if err := token.Error(); err != nil {
		e.failed()
		return fmt.Errorf("publish failed: %w", err)
	}

	e.mu.Lock()
	e.published[topic]++
	e.mu.Unlock()

	e.logger.Debug("Event published", "topic", topic, "size", len(payload))
	return nil
}

// Run forwards detection and error events from bus until ctx is done or
// the bus closes.
func (e *MQTT) Run(ctx context.Context, bus *stream.Bus) error {
	events, err := bus.Subscribe(subscriberName, 256, stream.KindDetection, stream.KindError)
	if err != nil {
		return err
	}
	defer bus.Unsubscribe(subscriberName)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if err := e.Publish(ev); err != nil {
				e.logger.Warn("Failed to publish event", "camera", ev.Camera, "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Disconnect closes the connection.
func (e *MQTT) Disconnect() {
	if e.client != nil && e.client.IsConnected() {
		e.client.Disconnect(250)
		e.logger.Info("MQTT disconnected")
	}
	e.setConnected(false)
}

// Stats returns emitter statistics.
func (e *MQTT) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()

	published := make(map[string]uint64, len(e.published))
	for k, v := range e.published {
		published[k] = v
	}
	return Stats{Connected: e.connected, Published: published, Errors: e.errors}
}
