package mqtt

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeToken struct {
	paho.Token
	err error
}

func (t *fakeToken) Wait() bool {
	return true
}

func (t *fakeToken) Error() error {
	return t.err
}

type fakeMessage struct {
	paho.Message
	topic   string
	payload []byte
}

func (m *fakeMessage) Topic() string {
	return m.topic
}

func (m *fakeMessage) Payload() []byte {
	return m.payload
}

type published struct {
	payload  string
	retained bool
}

// fakeClient keeps subscriptions and retained messages in memory.
type fakeClient struct {
	paho.Client

	mu           sync.Mutex
	handlers     map[string]paho.MessageHandler
	published    map[string][]published
	unsubscribed []string
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		handlers:  map[string]paho.MessageHandler{},
		published: map[string][]published{},
	}
}

func (c *fakeClient) Publish(topic string, qos byte, retained bool, payload interface{}) paho.Token {
	var p string
	switch v := payload.(type) {
	case string:
		p = v
	case []byte:
		p = string(v)
	}

	c.mu.Lock()
	c.published[topic] = append(c.published[topic], published{p, retained})
	c.mu.Unlock()

	return &fakeToken{}
}

func (c *fakeClient) Subscribe(topic string, qos byte, callback paho.MessageHandler) paho.Token {
	c.mu.Lock()
	c.handlers[topic] = callback
	c.mu.Unlock()

	return &fakeToken{}
}

func (c *fakeClient) Unsubscribe(topics ...string) paho.Token {
	c.mu.Lock()
	for _, topic := range topics {
		delete(c.handlers, topic)
		c.unsubscribed = append(c.unsubscribed, topic)
	}
	c.mu.Unlock()

	return &fakeToken{}
}

func (c *fakeClient) deliver(topic, payload string) bool {
	c.mu.Lock()
	handler, ok := c.handlers[topic]
	c.mu.Unlock()
	if !ok {
		return false
	}

	handler(c, &fakeMessage{topic: topic, payload: []byte(payload)})
	return true
}

func (c *fakeClient) lastPublished(topic string) (published, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	messages := c.published[topic]
	if len(messages) == 0 {
		return published{}, false
	}
	return messages[len(messages)-1], true
}

func (c *fakeClient) isUnsubscribed(topic string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, t := range c.unsubscribed {
		if t == topic {
			return true
		}
	}
	return false
}

// fakeShutter records the calls made by the bridge.
type fakeShutter struct {
	name     string
	handler  shutter.ShutterUpdateHandler
	position int
	known    bool

	mu    sync.Mutex
	calls []string
	reset []int
	fed   []int
	set   []int
}

func (s *fakeShutter) record(call string) {
	s.mu.Lock()
	s.calls = append(s.calls, call)
	s.mu.Unlock()
}

func (s *fakeShutter) Name() string                            { return s.name }
func (s *fakeShutter) FullOpenPosition() int                   { return 0 }
func (s *fakeShutter) FullClosePosition() int                  { return 100 }
func (s *fakeShutter) Position() (int, bool)                   { return s.position, s.known }
func (s *fakeShutter) State() string                           { return shutter.ShutterUnknownState }
func (s *fakeShutter) OnUpdate(h shutter.ShutterUpdateHandler) { s.handler = h }

func (s *fakeShutter) Open(context.Context) error {
	s.record("open")
	return nil
}

func (s *fakeShutter) Close(context.Context) error {
	s.record("close")
	return nil
}

func (s *fakeShutter) Stop(context.Context) error {
	s.record("stop")
	return nil
}

func (s *fakeShutter) SetPosition(_ context.Context, position int) error {
	s.mu.Lock()
	s.set = append(s.set, position)
	s.mu.Unlock()
	return nil
}

func (s *fakeShutter) ResetPosition(position int) error {
	s.mu.Lock()
	s.reset = append(s.reset, position)
	s.mu.Unlock()
	return nil
}

func (s *fakeShutter) ConfirmPosition(position int) error {
	s.mu.Lock()
	s.fed = append(s.fed, position)
	s.mu.Unlock()
	return nil
}

func TestNewBridge(t *testing.T) {
	t.Run("topics are placed under prefix and shutter name", func(t *testing.T) {
		bridge, err := NewBridge(newFakeClient(), &fakeShutter{name: "living"}, "")
		require.NoError(t, err)

		assert.Equal(t, "cover2mqtt/living/state", bridge.StateTopic)
		assert.Equal(t, "cover2mqtt/living/position", bridge.PositionTopic)
		assert.Equal(t, "cover2mqtt/living/metadata", bridge.MetadataTopic)
		assert.Equal(t, "cover2mqtt/living/set", bridge.CommandTopic)
		assert.Equal(t, "cover2mqtt/living/position/set", bridge.PositionChangeTopic)
		assert.Equal(t, "cover2mqtt/living/position/feedback", bridge.PositionFeedbackTopic)
	})

	t.Run("retained position is restored once", func(t *testing.T) {
		client := newFakeClient()
		s := &fakeShutter{name: "living"}
		bridge, err := NewBridge(client, s, "home")
		require.NoError(t, err)

		require.True(t, client.deliver(bridge.PositionTopic, "42"))
		assert.True(t, client.isUnsubscribed(bridge.PositionTopic))
		assert.False(t, client.deliver(bridge.PositionTopic, "43"))
		assert.Equal(t, []int{42}, s.reset)
	})

	t.Run("own position update is not restored once position is known", func(t *testing.T) {
		client := newFakeClient()
		s := &fakeShutter{name: "living"}
		bridge, err := NewBridge(client, s, "home")
		require.NoError(t, err)

		s.position, s.known = 60, true
		require.True(t, client.deliver(bridge.PositionTopic, "42"))
		assert.True(t, client.isUnsubscribed(bridge.PositionTopic))
		assert.Empty(t, s.reset)
	})

	t.Run("malformed retained position keeps waiting", func(t *testing.T) {
		client := newFakeClient()
		s := &fakeShutter{name: "living"}
		bridge, err := NewBridge(client, s, "home")
		require.NoError(t, err)

		require.True(t, client.deliver(bridge.PositionTopic, "half"))
		assert.False(t, client.isUnsubscribed(bridge.PositionTopic))
		assert.Empty(t, s.reset)

		require.True(t, client.deliver(bridge.PositionTopic, "42"))
		assert.True(t, client.isUnsubscribed(bridge.PositionTopic))
		assert.Equal(t, []int{42}, s.reset)
	})

	t.Run("shutter updates are published retained", func(t *testing.T) {
		client := newFakeClient()
		s := &fakeShutter{name: "living"}
		bridge, err := NewBridge(client, s, "")
		require.NoError(t, err)

		s.handler(shutter.ShutterClosingState, 37)

		state, ok := client.lastPublished(bridge.StateTopic)
		require.True(t, ok)
		assert.Equal(t, published{shutter.ShutterClosingState, true}, state)
		position, ok := client.lastPublished(bridge.PositionTopic)
		require.True(t, ok)
		assert.Equal(t, published{"37", true}, position)
	})

	t.Run("metadata is published as json", func(t *testing.T) {
		client := newFakeClient()
		bridge, err := NewBridge(client, &fakeShutter{name: "living"}, "")
		require.NoError(t, err)

		require.NoError(t, bridge.SetMetadata(map[string]interface{}{"azimuth": 253}))

		metadata, ok := client.lastPublished(bridge.MetadataTopic)
		require.True(t, ok)
		assert.JSONEq(t, `{"azimuth": 253}`, metadata.payload)
	})
}

func TestBridgeSubscribe(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := newFakeClient()
	s := &fakeShutter{name: "living"}
	bridge, err := NewBridge(client, s, "")
	require.NoError(t, err)
	require.NoError(t, bridge.Subscribe(ctx))

	t.Run("commands are passed to the shutter", func(t *testing.T) {
		for _, cmd := range []string{"open", "close", "stop", "dance", " stop\n"} {
			require.True(t, client.deliver(bridge.CommandTopic, cmd))
		}

		assert.Equal(t, []string{"open", "close", "stop", "stop"}, s.calls)
	})

	t.Run("position change sets position", func(t *testing.T) {
		require.True(t, client.deliver(bridge.PositionChangeTopic, "55"))
		require.True(t, client.deliver(bridge.PositionChangeTopic, "half"))

		assert.Equal(t, []int{55}, s.set)
	})

	t.Run("position feedback confirms position", func(t *testing.T) {
		require.True(t, client.deliver(bridge.PositionFeedbackTopic, "33"))
		require.True(t, client.deliver(bridge.PositionFeedbackTopic, ""))

		assert.Equal(t, []int{33}, s.fed)
	})

	t.Run("topics are unsubscribed when context is done", func(t *testing.T) {
		cancel()

		assert.Eventually(t, func() bool {
			return client.isUnsubscribed(bridge.CommandTopic) &&
				client.isUnsubscribed(bridge.PositionChangeTopic) &&
				client.isUnsubscribed(bridge.PositionFeedbackTopic)
		}, time.Second, time.Millisecond)
	})
}

func TestPublishHAAutoDiscovery(t *testing.T) {
	client := newFakeClient()
	bridge, err := NewBridge(client, &fakeShutter{name: "living"}, "")
	require.NoError(t, err)

	require.NoError(t, PublishHAAutoDiscovery(client, "homeassistant", NewHACoverFromMQTTBridge(bridge)))

	config, ok := client.lastPublished("homeassistant/cover/cover2mqtt/living/config")
	require.True(t, ok)
	assert.True(t, config.retained)

	var payload map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(config.payload), &payload))
	assert.Equal(t, "cover2mqtt/living/set", payload["cmd_t"])
	assert.Equal(t, "cover2mqtt/living/position/set", payload["set_pos_t"])
	assert.Equal(t, float64(0), payload["pos_open"])
	assert.Equal(t, float64(100), payload["pos_clsd"])
	assert.Equal(t, "cover2mqtt_living", payload["uniq_id"])
}
