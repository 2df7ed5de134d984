package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync"
	"time"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/jkaflik/cover2mqtt/internal/mqtt"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type bridgeSet struct {
	mu      sync.Mutex
	bridges []*mqtt.Bridge
}

func (s *bridgeSet) set(bridges []*mqtt.Bridge) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.bridges = bridges
}

func (s *bridgeSet) get() []*mqtt.Bridge {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.bridges
}

func main() {
	logrus.SetFormatter(&logrus.TextFormatter{
		DisableColors: false,
		FullTimestamp: true,
	})

	configPath := flag.String("config", "config.yaml", "config.yaml file path")
	flag.Parse()

	if err := configLoader.Load(); err != nil {
		logrus.Fatal(err)
	}
	if err := loadConfigFromYamlFile(*configPath, &Cfg); err != nil {
		logrus.Fatal(err)
	}

	level, err := logrus.ParseLevel(Cfg.LogLevel)
	if err != nil {
		logrus.Fatal(err)
	}
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	bridges := &bridgeSet{}
	cfg := pahoOptsFromConfig()
	cfg.OnConnect = func(m paho.Client) {
		logrus.Info("MQTT broker connected")
		if err := subscribe(ctx, m, bridges.get()); err != nil {
			logrus.Error(err)
		}
	}
	cfg.OnConnectionLost = func(_ paho.Client, err error) {
		logrus.Errorf("MQTT broker connection lost: %s", err.Error())
	}

	m := paho.NewClient(cfg)
	if token := m.Connect(); token.Wait() && token.Error() != nil {
		logrus.Fatal(token.Error())
	}

	created, err := cover2mqttFromConfig(ctx, m)
	if err != nil {
		logrus.Fatal(err)
	}
	bridges.set(created)
	if err := subscribe(ctx, m, created); err != nil {
		logrus.Fatal(err)
	}

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)

	go func() {
		oscall := <-c
		logrus.Infof("system call: %+v", oscall)
		cancel()
	}()

	<-ctx.Done()

	cleanupTime := time.Second
	logrus.Infof("cleanups for %s...", cleanupTime.String())
	time.Sleep(cleanupTime)
	m.Disconnect(250)
}

func subscribe(ctx context.Context, m paho.Client, bridges []*mqtt.Bridge) error {
	var g errgroup.Group

	for _, bridge := range bridges {
		bridge := bridge
		g.Go(func() error {
			if Cfg.HASS.Enabled {
				entity := mqtt.NewHACoverFromMQTTBridge(bridge)
				if err := mqtt.PublishHAAutoDiscovery(m, Cfg.HASS.TopicPrefix, entity); err != nil {
					return err
				}
			}

			return bridge.Subscribe(ctx)
		})
	}

	return g.Wait()
}
