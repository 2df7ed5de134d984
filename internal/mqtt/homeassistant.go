package mqtt

import (
	"encoding/json"
	"fmt"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/pkg/errors"
)

type haDevice struct {
	Identifiers  []string `json:"ids,omitempty"`
	Manufacturer string   `json:"mf,omitempty"`
	Model        string   `json:"mdl,omitempty"`
	Name         string   `json:"name,omitempty"`
	SWVersion    string   `json:"sw,omitempty"`
}

type haEntity struct {
	AvailabilityTopic string `json:"avty_t,omitempty"`
	UniqueID          string `json:"uniq_id,omitempty"`
	Name              string `json:"name,omitempty"`
	DeviceClass       string `json:"device_class,omitempty"`

	Device haDevice `json:"device,omitempty"`
}

type haCover struct {
	haEntity
	StateTopic       string `json:"stat_t"`
	CommandTopic     string `json:"cmd_t"`
	PositionTopic    string `json:"pos_t"`
	SetPositionTopic string `json:"set_pos_t"`
	PositionOpen     int    `json:"pos_open"`
	PositionClosed   int    `json:"pos_clsd"`
	PayloadOpen      string `json:"pl_open"`
	PayloadStop      string `json:"pl_stop"`
	PayloadClose     string `json:"pl_cls"`
	StateOpen        string `json:"stat_open"`
	StateOpening     string `json:"stat_opening"`
	StateClosed      string `json:"stat_clsd"`
	StateClosing     string `json:"stat_closing"`

	topicPrefix string
}

func NewHACoverFromMQTTBridge(bridge *Bridge) haCover {
	name := bridge.shutter.Name()

	return haCover{
		haEntity: haEntity{
			UniqueID:    fmt.Sprintf("%s_%s", bridge.TopicPrefix, name),
			Name:        name,
			DeviceClass: "shutter",

			Device: haDevice{
				Identifiers:  []string{bridge.TopicPrefix},
				Manufacturer: "Somfy",
				Model:        "Ilmo",
				Name:         name,
				SWVersion:    bridge.TopicPrefix,
			},
		},
		StateTopic:       bridge.StateTopic,
		CommandTopic:     bridge.CommandTopic,
		PositionTopic:    bridge.PositionTopic,
		SetPositionTopic: bridge.PositionChangeTopic,
		PositionOpen:     bridge.shutter.FullOpenPosition(),
		PositionClosed:   bridge.shutter.FullClosePosition(),
		PayloadOpen:      mqttOpenCmd,
		PayloadStop:      mqttStopCmd,
		PayloadClose:     mqttCloseCmd,
		StateOpen:        shutter.ShutterOpenState,
		StateOpening:     shutter.ShutterOpeningState,
		StateClosed:      shutter.ShutterClosedState,
		StateClosing:     shutter.ShutterClosingState,

		topicPrefix: bridge.TopicPrefix,
	}
}

func (c haCover) discoveryTopic(homeAssistantDiscoveryTopicPrefix string) string {
	return fmt.Sprintf("%s/cover/%s/%s/config", homeAssistantDiscoveryTopicPrefix, c.topicPrefix, c.Name)
}

func PublishHAAutoDiscovery(client paho.Client, homeAssistantDiscoveryTopicPrefix string, haCover haCover) error {
	payload, err := json.Marshal(haCover)
	if err != nil {
		return errors.Wrapf(err, "%s: HA discovery encode failed", haCover.Name)
	}

	topic := haCover.discoveryTopic(homeAssistantDiscoveryTopicPrefix)
	if token := client.Publish(topic, 0, true, payload); token.Wait() && token.Error() != nil {
		return errors.Wrapf(token.Error(), "%s: HA discovery publish failed", haCover.Name)
	}

	return nil
}
