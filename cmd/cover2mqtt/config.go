package main

import (
	"context"
	"os"
	"time"

	"github.com/cristalhq/aconfig"
	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/jkaflik/cover2mqtt/internal/mqtt"
	"github.com/jkaflik/cover2mqtt/internal/shutter"
	"github.com/jkaflik/cover2mqtt/internal/shutter/driver/relay"
	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

const (
	defaultTimeToClose    = time.Minute
	defaultUpdateInterval = time.Second
)

type cfgWiredRelaySetPin struct {
	Kind string `yaml:"kind"`

	Pin uint8 `yaml:"pin"`

	Mcp23017 int `yaml:"mcp23017"`
}

type cfgRelay struct {
	Kind string `yaml:"kind"`

	Pin          cfgWiredRelaySetPin `yaml:"pin"`
	NormalClosed bool                `yaml:"normal_closed"`
}

type cfgShutterMQTTBridge struct {
	Metadata map[string]interface{} `yaml:"metadata"`
}

type cfgShutterDriverRelays struct {
	Up   cfgRelay `yaml:"up"`
	Down cfgRelay `yaml:"down"`

	// NoInterlock allows up and down relays to be enabled at once.
	NoInterlock bool `yaml:"no_interlock"`

	TimeToOpen     time.Duration `yaml:"time_to_open"`
	TimeToClose    time.Duration `yaml:"time_to_close"`
	UpdateInterval time.Duration `yaml:"update_interval"`
}

type cfgShutterDriver struct {
	Relays cfgShutterDriverRelays `yaml:"relays"`
}

type cfgShutter struct {
	Name string `yaml:"name"`
	Kind string `yaml:"kind"`

	MQTTBridge cfgShutterMQTTBridge `yaml:"mqtt_bridge"`

	Driver cfgShutterDriver `yaml:"driver"`
}

type cfgMcp23017 struct {
	Bus          uint8 `yaml:"bus" default:"1"`
	DeviceNumber uint8 `yaml:"device_number" default:"0"`
}

type cfgDrivers struct {
	Relay struct {
		Pool     int                 `yaml:"pool" default:"0"`
		Mcp23017 map[int]cfgMcp23017 `yaml:"mcp23017"`
	} `yaml:"relay"`
}

type cfgMQTT struct {
	ClientID    string `yaml:"client_id" env:"CLIENT_ID"`
	Broker      string `yaml:"broker" default:"127.0.0.1:1883" env:"BROKER"`
	Username    string `yaml:"username" env:"USERNAME"`
	Password    string `yaml:"password" env:"PASSWORD"`
	TopicPrefix string `yaml:"topic_prefix" default:"cover2mqtt" env:"TOPIC_PREFIX"`
}

type cfgHASS struct {
	Enabled     bool   `yaml:"enabled" default:"true" env:"ENABLED"`
	TopicPrefix string `yaml:"topic_prefix" default:"homeassistant" env:"TOPIC_PREFIX"`
}

type config struct {
	LogLevel string `yaml:"log_level" default:"info" env:"LOG_LEVEL"`

	MQTT cfgMQTT `yaml:"mqtt" env:"MQTT"`
	HASS cfgHASS `yaml:"hass" env:"HASS"`

	Shutters []cfgShutter `yaml:"shutters"`

	Drivers cfgDrivers `yaml:"drivers"`
}

var Cfg config

var configLoader = aconfig.LoaderFor(&Cfg, aconfig.Config{
	EnvPrefix: "C2M",
	SkipFlags: true,
	SkipFiles: true,
})

var relaysPool chan struct{}

func loadConfigFromYamlFile(filename string, cfg *config) error {
	f, err := os.Open(filename)
	if err != nil {
		return errors.Wrapf(err, "config %s", filename)
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return errors.Wrapf(err, "config %s decode", filename)
	}

	for i := range cfg.Shutters {
		applyShutterDefaults(&cfg.Shutters[i])
	}

	if cfg.Drivers.Relay.Pool > 0 {
		relaysPool = make(chan struct{}, cfg.Drivers.Relay.Pool)
	}

	return nil
}

// applyShutterDefaults fills what struct tag defaults cannot reach: list
// items only exist once the file is decoded.
func applyShutterDefaults(cfg *cfgShutter) {
	relays := &cfg.Driver.Relays
	if relays.TimeToClose <= 0 {
		relays.TimeToClose = defaultTimeToClose
	}
	if relays.TimeToOpen <= 0 {
		relays.TimeToOpen = relays.TimeToClose
	}
	if relays.UpdateInterval <= 0 {
		relays.UpdateInterval = defaultUpdateInterval
	}
}

func mqttClientID() string {
	if Cfg.MQTT.ClientID != "" {
		return Cfg.MQTT.ClientID
	}

	return "cover2mqtt-" + uuid.NewString()
}

func pahoOptsFromConfig() *paho.ClientOptions {
	return paho.NewClientOptions().
		SetClientID(mqttClientID()).
		AddBroker(Cfg.MQTT.Broker).
		SetUsername(Cfg.MQTT.Username).
		SetPassword(Cfg.MQTT.Password).
		SetConnectTimeout(time.Second).
		SetPingTimeout(time.Second).
		SetWriteTimeout(time.Second).
		SetOrderMatters(false).
		SetAutoReconnect(true)
}

func cover2mqttFromConfig(ctx context.Context, client paho.Client) ([]*mqtt.Bridge, error) {
	var bridges []*mqtt.Bridge
	for _, cfg := range Cfg.Shutters {
		s, err := shutterFromConfig(ctx, cfg)
		if err != nil {
			return nil, err
		}
		bridge, err := mqtt.NewBridge(client, s, Cfg.MQTT.TopicPrefix)
		if err != nil {
			return nil, err
		}
		if err := bridge.SetMetadata(cfg.MQTTBridge.Metadata); err != nil {
			return nil, err
		}
		bridges = append(bridges, bridge)
	}

	return bridges, nil
}

func shutterFromConfig(ctx context.Context, cfg cfgShutter) (shutter.StatelessShutter, error) {
	if cfg.Name == "" {
		return nil, errors.New("shutter name is required")
	}

	if cfg.Kind == "relays" {
		relays := cfg.Driver.Relays

		up, err := relayFromConfig(ctx, cfg.Name+"/up", relays.Up)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: up relay", cfg.Name)
		}
		down, err := relayFromConfig(ctx, cfg.Name+"/down", relays.Down)
		if err != nil {
			return nil, errors.Wrapf(err, "%s: down relay", cfg.Name)
		}
		if !relays.NoInterlock {
			up, down = relay.NewRelayPair(up, down)
		}

		return relay.NewRelaysShutter(
			cfg.Name,
			up,
			down,
			relays.TimeToOpen,
			relays.TimeToClose,
			relay.WithUpdateInterval(relays.UpdateInterval),
		), nil
	}

	return nil, errors.Errorf("%s: %s is not supported shutter kind", cfg.Name, cfg.Kind)
}

func relayFromConfig(ctx context.Context, name string, cfg cfgRelay) (relay.Relay, error) {
	switch cfg.Kind {
	case "wired":
		pin, err := wiredRelaySetPinFromConfig(ctx, cfg.Pin)
		if err != nil {
			return nil, err
		}
		return wrapRelayWithPoolProxy(&relay.Wired{
			Name:         name,
			Pin:          pin,
			NormalClosed: cfg.NormalClosed,
		}), nil
	case "dumb":
		return wrapRelayWithPoolProxy(&relay.Dumb{Name: name}), nil
	}

	return nil, errors.Errorf("%s is not supported relay kind", cfg.Kind)
}

func wrapRelayWithPoolProxy(r relay.Relay) relay.Relay {
	if relaysPool == nil {
		return r
	}

	return relay.NewPoolProxy(r, relaysPool)
}

func wiredRelaySetPinFromConfig(ctx context.Context, cfg cfgWiredRelaySetPin) (relay.SetPin, error) {
	if cfg.Kind == "mcp23017" {
		device, err := mcp23017DeviceFromConfigByID(ctx, cfg.Mcp23017)
		if err != nil {
			return nil, err
		}

		return relay.NewMcp23017Pin(device, cfg.Pin)
	}

	return nil, errors.Errorf("%s is not supported wired relay set pin kind", cfg.Kind)
}

var mcpDevices = map[int]*mcp23017.Device{}

func mcp23017DeviceFromConfigByID(ctx context.Context, id int) (*mcp23017.Device, error) {
	if Cfg.Drivers.Relay.Mcp23017 == nil {
		return nil, errors.New("drivers.relay.mcp23017 not defined")
	}

	cfg, found := Cfg.Drivers.Relay.Mcp23017[id]
	if !found {
		return nil, errors.Errorf("%d is not valid defined drivers.relay.mcp23017", id)
	}

	if dev := mcpDevices[id]; dev != nil {
		return dev, nil
	}

	dev, err := mcp23017.Open(cfg.Bus, cfg.DeviceNumber)
	if err != nil {
		return nil, errors.Wrapf(err, "mcp23017: %d open", id)
	}
	if err := dev.Reset(); err != nil {
		dev.Close()
		return nil, errors.Wrapf(err, "mcp23017: %d reset", id)
	}
	go func() {
		<-ctx.Done()
		if err := dev.Close(); err != nil {
			logrus.Errorf("mcp23017: close failed %s", err)
			return
		}

		logrus.Infof("mcp23017: close")
	}()

	mcpDevices[id] = dev
	return dev, nil
}
