package mqtt

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const DefaultTopicPrefix = "cover2mqtt"

const (
	mqttOpenCmd  = "open"
	mqttCloseCmd = "close"
	mqttStopCmd  = "stop"
)

type Bridge struct {
	mqtt    mqtt.Client
	shutter shutter.Shutter

	TopicPrefix string

	StateTopic    string
	PositionTopic string
	MetadataTopic string

	CommandTopic          string
	PositionChangeTopic   string
	PositionFeedbackTopic string
}

// NewBridge exposes a shutter under <topicPrefix>/<shutter name>/. An empty
// prefix means DefaultTopicPrefix.
func NewBridge(client mqtt.Client, s shutter.Shutter, topicPrefix string) (*Bridge, error) {
	if topicPrefix == "" {
		topicPrefix = DefaultTopicPrefix
	}

	bridge := &Bridge{mqtt: client, shutter: s, TopicPrefix: topicPrefix}
	bridge.StateTopic = bridge.topic("state")
	bridge.PositionTopic = bridge.topic("position")
	bridge.MetadataTopic = bridge.topic("metadata")
	bridge.CommandTopic = bridge.topic("set")
	bridge.PositionChangeTopic = bridge.topic("position/set")
	bridge.PositionFeedbackTopic = bridge.topic("position/feedback")

	if err := bridge.restorePosition(); err != nil {
		return nil, err
	}

	s.OnUpdate(bridge.onShutterUpdateHandler())

	return bridge, nil
}

func (b *Bridge) topic(name string) string {
	return fmt.Sprintf("%s/%s/%s", b.TopicPrefix, b.shutter.Name(), name)
}

func (b *Bridge) SetMetadata(value interface{}) error {
	payload, err := json.Marshal(value)
	if err != nil {
		return errors.Wrapf(err, "%s: metadata encode failed", b.shutter.Name())
	}

	if token := b.mqtt.Publish(b.MetadataTopic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT metadata publish failed", b.shutter.Name())
	}

	return nil
}

type subscription struct {
	topic   string
	handler mqtt.MessageHandler
}

func (b *Bridge) Subscribe(ctx context.Context) error {
	subscriptions := []subscription{
		{b.CommandTopic, b.onCommandHandler(ctx)},
		{b.PositionChangeTopic, b.onPositionChangeHandler(ctx)},
	}
	if _, ok := b.shutter.(shutter.StatelessShutter); ok {
		subscriptions = append(subscriptions, subscription{b.PositionFeedbackTopic, b.onPositionFeedbackHandler()})
	}

	topics := make([]string, 0, len(subscriptions))
	for _, sub := range subscriptions {
		if token := b.mqtt.Subscribe(sub.topic, 0, sub.handler); token.Wait() && token.Error() != nil {
			return errors.Wrapf(token.Error(), "%s: MQTT %s subscription failed", b.shutter.Name(), sub.topic)
		}
		logrus.Infof("%s: MQTT %s subscribed", b.shutter.Name(), sub.topic)
		topics = append(topics, sub.topic)
	}

	go func() {
		<-ctx.Done()
		if token := b.mqtt.Unsubscribe(topics...); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT topics unsubscribe failed: %s", b.shutter.Name(), token.Error())
			return
		}
		logrus.Debugf("%s: MQTT topics unsubscribed", b.shutter.Name())
	}()

	return nil
}

func (b *Bridge) onShutterUpdateHandler() shutter.ShutterUpdateHandler {
	return func(state string, position int) {
		if token := b.mqtt.Publish(b.StateTopic, 0, true, state); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT state publish failed: %s", b.shutter.Name(), token.Error())
		}
		if token := b.mqtt.Publish(b.PositionTopic, 0, true, strconv.Itoa(position)); token.Wait() && token.Error() != nil {
			logrus.Errorf("%s: MQTT position publish failed: %s", b.shutter.Name(), token.Error())
		}
	}
}

func (b *Bridge) onCommandHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		var err error

		cmd := strings.TrimSpace(string(msg.Payload()))
		switch cmd {
		case mqttOpenCmd:
			err = b.shutter.Open(ctx)
		case mqttCloseCmd:
			err = b.shutter.Close(ctx)
		case mqttStopCmd:
			err = b.shutter.Stop(ctx)
		default:
			logrus.Errorf("%s: MQTT unsupported %s command received", b.shutter.Name(), cmd)
			return
		}

		if err != nil {
			logrus.Errorf("%s: %s command failed: %s", b.shutter.Name(), cmd, err)
		}
	}
}

func (b *Bridge) onPositionChangeHandler(ctx context.Context) mqtt.MessageHandler {
	return func(c mqtt.Client, msg mqtt.Message) {
		pos, err := parsePosition(msg.Payload())
		if err != nil {
			logrus.Errorf("%s: MQTT position change: %s", b.shutter.Name(), err)
			return
		}
		if err := b.shutter.SetPosition(ctx, pos); err != nil {
			logrus.Error(err)
		}
	}
}

func (b *Bridge) onPositionFeedbackHandler() mqtt.MessageHandler {
	s := b.shutter.(shutter.StatelessShutter)

	return func(c mqtt.Client, msg mqtt.Message) {
		pos, err := parsePosition(msg.Payload())
		if err != nil {
			logrus.Errorf("%s: MQTT position feedback: %s", b.shutter.Name(), err)
			return
		}
		if err := s.ConfirmPosition(pos); err != nil {
			logrus.Error(err)
		}
	}
}

// restorePosition reads the retained position once, so a stateless shutter
// knows where it is after a restart.
func (b *Bridge) restorePosition() error {
	s, ok := b.shutter.(shutter.StatelessShutter)
	if !ok {
		logrus.Warnf("%s: MQTT position restore: shutter is not stateless", b.shutter.Name())
		return nil
	}

	// our own position updates arrive on the same topic
	var mu sync.Mutex
	var restored bool

	restoreHandler := func(c mqtt.Client, msg mqtt.Message) {
		mu.Lock()
		defer mu.Unlock()

		if !restored {
			restored = b.applyRestoredPosition(c, s, msg)
		}
	}

	if token := b.mqtt.Subscribe(b.PositionTopic, 0, restoreHandler); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: MQTT position restore topic subscription failed", b.shutter.Name())
	}

	return nil
}

// applyRestoredPosition reports whether restore is over. A malformed
// payload leaves it waiting for the next message.
func (b *Bridge) applyRestoredPosition(c mqtt.Client, s shutter.StatelessShutter, msg mqtt.Message) bool {
	// once a command or feedback gave a position, messages on the topic
	// are our own updates and not a state to go back to
	if _, known := s.Position(); known {
		logrus.Debugf("%s: MQTT position restore skipped, position already known", b.shutter.Name())
	} else if err := b.resetPosition(s, msg.Payload()); err != nil {
		logrus.Errorf("%s: MQTT position restore failed: %s", b.shutter.Name(), err)
		return false
	}

	if token := c.Unsubscribe(b.PositionTopic); token.Wait() && token.Error() != nil {
		logrus.Errorf("%s: MQTT position restore topic unsubscribe failed: %s", b.shutter.Name(), token.Error())
		return true
	}

	logrus.Debugf("%s: MQTT position restore topic unsubscribed", b.shutter.Name())
	return true
}

func (b *Bridge) resetPosition(s shutter.StatelessShutter, payload []byte) error {
	pos, err := parsePosition(payload)
	if err != nil {
		return err
	}
	if err := s.ResetPosition(pos); err != nil {
		return err
	}

	logrus.Infof("%s: MQTT position restored to %d", b.shutter.Name(), pos)
	return nil
}

func parsePosition(payload []byte) (int, error) {
	pos, err := strconv.Atoi(strings.TrimSpace(string(payload)))
	if err != nil {
		return 0, errors.Wrapf(err, "invalid position payload %q", payload)
	}

	return pos, nil
}
