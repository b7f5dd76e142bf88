package emitter

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/require"

	"github.com/clalos/container-reader/internal/detect"
	"github.com/clalos/container-reader/internal/stream"
)

type doneToken struct{ err error }

func (t doneToken) Wait() bool                     { return true }
func (t doneToken) WaitTimeout(time.Duration) bool { return true }
func (t doneToken) Done() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
func (t doneToken) Error() error { return t.err }

type message struct {
	topic   string
	qos     byte
	payload []byte
}

// fakeClient records publishes. Unused methods panic through the nil
// embedded interface.
type fakeClient struct {
	mqtt.Client

	mu   sync.Mutex
	sent []message
	err  error
}

func (c *fakeClient) IsConnected() bool { return true }
func (c *fakeClient) Disconnect(uint)   {}

func (c *fakeClient) Publish(topic string, qos byte, _ bool, payload interface{}) mqtt.Token {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, message{topic: topic, qos: qos, payload: payload.([]byte)})
	return doneToken{err: c.err}
}

func (c *fakeClient) messages() []message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]message(nil), c.sent...)
}

func connected(client mqtt.Client) *MQTT {
	e := NewMQTT(Config{Broker: "localhost:1883", ClientID: "test", Prefix: "cr"}, nil)
	e.client = client
	e.connected = true
	return e
}

func TestPublish(t *testing.T) {
	client := &fakeClient{}
	e := connected(client)

	ev := stream.Event{
		Kind:      stream.KindDetection,
		Camera:    "Gate1",
		Detection: detect.Detection{Label: "cn-11"},
		Extracted: true,
		Value:     "CSQU3054383",
		Valid:     true,
	}
	require.NoError(t, e.Publish(ev))
	require.NoError(t, e.Publish(stream.Event{Kind: stream.KindError, Camera: "Gate1", Err: errors.New("boom")}))

	sent := client.messages()
	require.Len(t, sent, 2)
	require.Equal(t, "cr/Gate1/detection", sent[0].topic)
	require.Equal(t, byte(1), sent[0].qos)
	require.Equal(t, "cr/Gate1/error", sent[1].topic)
	require.Equal(t, byte(0), sent[1].qos)

	var msg map[string]any
	require.NoError(t, json.Unmarshal(sent[0].payload, &msg))
	require.Equal(t, "CSQU3054383", msg["value"])

	stats := e.Stats()
	require.True(t, stats.Connected)
	require.EqualValues(t, 1, stats.Published["cr/Gate1/detection"])
	require.Zero(t, stats.Errors)
}

func TestPublishFailures(t *testing.T) {
	e := NewMQTT(Config{Prefix: "cr"}, nil)
	require.Error(t, e.Publish(stream.Event{Kind: stream.KindDetection}))

	client := &fakeClient{err: errors.New("not authorized")}
	e = connected(client)
	require.ErrorContains(t, e.Publish(stream.Event{Kind: stream.KindDetection, Camera: "Gate1"}), "not authorized")
	require.EqualValues(t, 1, e.Stats().Errors)
}

func TestRunForwardsBusEvents(t *testing.T) {
	client := &fakeClient{}
	e := connected(client)
	bus := stream.NewBus()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx, bus) }()

	require.Eventually(t, func() bool {
		_, ok := bus.Stats()[subscriberName]
		return ok
	}, time.Second, 5*time.Millisecond)

	bus.Publish(stream.Event{Kind: stream.KindFrame, Camera: "Gate1"})
	bus.Publish(stream.Event{Kind: stream.KindDetection, Camera: "Gate1"})

	require.Eventually(t, func() bool { return len(client.messages()) == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	e.Disconnect()
	require.False(t, e.Stats().Connected)
}
