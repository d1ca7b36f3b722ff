package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trapmos/trapmos-alerts/internal/model"
)

func TestDecode(t *testing.T) {
	det, err := Decode([]byte(` {"id":"abc","latitude":"14.1","longitude":121.2,"device":"trap-3","detections":["Aedes"]} `))
	require.NoError(t, err)
	assert.Equal(t, "abc", det.ID)
	assert.Equal(t, model.Coordinate("121.2"), det.Longitude)

	for _, payload := range []string{"", "[]", "null", `{"id":`} {
		_, err := Decode([]byte(payload))
		assert.ErrorIs(t, err, ErrMalformedPayload, "payload %q", payload)
	}
}

type fakeToken struct {
	err  error
	done chan struct{}
}

func newFakeToken(err error) *fakeToken {
	t := &fakeToken{err: err, done: make(chan struct{})}
	close(t.done)
	return t
}

func (t *fakeToken) Wait() bool                     { return true }
func (t *fakeToken) WaitTimeout(time.Duration) bool { return true }
func (t *fakeToken) Done() <-chan struct{}          { return t.done }
func (t *fakeToken) Error() error                   { return t.err }

type fakeMessage struct {
	topic   string
	payload []byte
}

func (m *fakeMessage) Duplicate() bool   { return false }
func (m *fakeMessage) Qos() byte         { return 1 }
func (m *fakeMessage) Retained() bool    { return false }
func (m *fakeMessage) Topic() string     { return m.topic }
func (m *fakeMessage) MessageID() uint16 { return 1 }
func (m *fakeMessage) Payload() []byte   { return m.payload }
func (m *fakeMessage) Ack()              {}

type fakeClient struct {
	mu           sync.Mutex
	opts         *mqtt.ClientOptions
	connectErr   error
	topic        string
	qos          byte
	callback     mqtt.MessageHandler
	disconnected bool
	subscribed   chan struct{}
}

func (c *fakeClient) Connect() mqtt.Token {
	if c.connectErr == nil && c.opts.OnConnect != nil {
		c.opts.OnConnect(nil)
	}
	return newFakeToken(c.connectErr)
}

func (c *fakeClient) Subscribe(topic string, qos byte, cb mqtt.MessageHandler) mqtt.Token {
	c.mu.Lock()
	c.topic, c.qos, c.callback = topic, qos, cb
	c.mu.Unlock()
	close(c.subscribed)
	return newFakeToken(nil)
}

func (c *fakeClient) Disconnect(uint) {
	c.mu.Lock()
	c.disconnected = true
	c.mu.Unlock()
}

func newTestSource(t *testing.T, client *fakeClient) *MQTTSource {
	t.Helper()
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://broker.test:1883", ClientID: "test", Topic: "trapmos/detections", QoS: 1}, nil)
	require.NoError(t, err)
	src.newClient = func(opts *mqtt.ClientOptions) mqttClient {
		client.opts = opts
		return client
	}
	return src
}

func TestMQTTSourceDeliversMessages(t *testing.T) {
	client := &fakeClient{subscribed: make(chan struct{})}
	src := newTestSource(t, client)

	var (
		mu       sync.Mutex
		received []*model.Detection
	)
	handler := func(_ context.Context, det *model.Detection) error {
		mu.Lock()
		defer mu.Unlock()
		received = append(received, det)
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- src.Run(ctx, handler) }()

	<-client.subscribed
	client.mu.Lock()
	assert.Equal(t, "trapmos/detections", client.topic)
	assert.Equal(t, byte(1), client.qos)
	cb := client.callback
	client.mu.Unlock()

	cb(nil, &fakeMessage{topic: "trapmos/detections", payload: []byte(`{"id":"d1","latitude":1,"longitude":2}`)})
	cb(nil, &fakeMessage{topic: "trapmos/detections", payload: []byte(`not json`)})

	cancel()
	require.NoError(t, <-errCh)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
	assert.Equal(t, "d1", received[0].ID)
	client.mu.Lock()
	assert.True(t, client.disconnected)
	client.mu.Unlock()
}

func TestMQTTSourceConnectError(t *testing.T) {
	client := &fakeClient{connectErr: errors.New("refused"), subscribed: make(chan struct{})}
	src := newTestSource(t, client)

	err := src.Run(context.Background(), func(context.Context, *model.Detection) error { return nil })
	assert.ErrorContains(t, err, "refused")
}

func TestMQTTSourceHandlerErrorsAreAbsorbed(t *testing.T) {
	src := newTestSource(t, &fakeClient{subscribed: make(chan struct{})})
	calls := 0
	handler := func(context.Context, *model.Detection) error {
		calls++
		return errors.New("invalid detection")
	}
	assert.NotPanics(t, func() {
		src.handleMessage(context.Background(), handler, &fakeMessage{payload: []byte(`{"id":"x"}`)})
	})
	assert.Equal(t, 1, calls)
}

func TestNewMQTTSourceValidates(t *testing.T) {
	_, err := NewMQTTSource(MQTTConfig{Topic: "t"}, nil)
	assert.Error(t, err)
	_, err = NewMQTTSource(MQTTConfig{Broker: "tcp://b:1883"}, nil)
	assert.Error(t, err)
	src, err := NewMQTTSource(MQTTConfig{Broker: "tcp://b:1883", Topic: "t"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "mqtt", src.Name())
}
