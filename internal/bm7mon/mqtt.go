package bm7mon

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/derekpurdy/BM7/monitor"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

type mqttMessage struct {
	Topic   string
	Payload []byte
	QoS     byte
	Retain  bool
}

// MQTTPublisher pushes readings and events to an MQTT broker. Outgoing
// messages go through a buffered channel so a slow broker never blocks a
// poll loop; the sender worker in Run drains it.
type MQTTPublisher struct {
	client   mqtt.Client
	config   MQTTConfig
	outgoing chan mqttMessage
	log      *logrus.Logger
}

func NewMQTTPublisher(config MQTTConfig, log *logrus.Logger) (*MQTTPublisher, error) {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(config.Broker)
	opts.SetClientID(config.ClientID)
	opts.SetUsername(config.Username)
	opts.SetPassword(config.Password)
	opts.SetAutoReconnect(true)
	opts.SetConnectRetryInterval(5 * time.Second)
	opts.SetConnectionLostHandler(func(client mqtt.Client, err error) {
		log.Errorf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(client mqtt.Client) {
		log.Infof("Connected to MQTT broker at %s", config.Broker)
	})

	client := mqtt.NewClient(opts)
	if token := client.Connect(); token.Wait() && token.Error() != nil {
		return nil, fmt.Errorf("connecting to MQTT broker %s: %w", config.Broker, token.Error())
	}

	return &MQTTPublisher{
		client:   client,
		config:   config,
		outgoing: make(chan mqttMessage, 100),
		log:      log,
	}, nil
}

// Run drains the outgoing queue until ctx is cancelled, then disconnects.
func (p *MQTTPublisher) Run(ctx context.Context) {
	for {
		select {
		case msg := <-p.outgoing:
			token := p.client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)
			token.Wait()
			if token.Error() != nil {
				p.log.Errorf("Failed to publish to %s: %v", msg.Topic, token.Error())
			}
		case <-ctx.Done():
			if p.client.IsConnected() {
				p.client.Disconnect(250)
			}
			return
		}
	}
}

func (p *MQTTPublisher) enqueue(msg mqttMessage) error {
	select {
	case p.outgoing <- msg:
		return nil
	default:
		return fmt.Errorf("MQTT outgoing queue full, dropping message for %s", msg.Topic)
	}
}

// PublishReading implements monitor.Publisher. Readings are retained so a
// subscriber connecting between polls still sees the latest state.
func (p *MQTTPublisher) PublishReading(deviceID string, reading monitor.Reading) error {
	payload, err := json.Marshal(reading)
	if err != nil {
		return err
	}
	return p.enqueue(mqttMessage{
		Topic:   fmt.Sprintf("%s/%s/state", p.config.TopicPrefix, slug(deviceID)),
		Payload: payload,
		QoS:     0,
		Retain:  true,
	})
}

// PublishEvent forwards a state transition event.
func (p *MQTTPublisher) PublishEvent(event monitor.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	return p.enqueue(mqttMessage{
		Topic:   fmt.Sprintf("%s/%s/event", p.config.TopicPrefix, slug(event.DeviceID)),
		Payload: payload,
		QoS:     1,
		Retain:  false,
	})
}

// haSensor is a Home Assistant MQTT discovery sensor config.
type haSensor struct {
	Name              string   `json:"name"`
	DeviceClass       string   `json:"device_class,omitempty"`
	StateTopic        string   `json:"state_topic"`
	UnitOfMeasure     string   `json:"unit_of_measurement,omitempty"`
	ValueTemplate     string   `json:"value_template"`
	UniqueID          string   `json:"unique_id"`
	AvailabilityTopic string   `json:"availability_topic"`
	AvailTemplate     string   `json:"availability_template"`
	PayloadAvailable  string   `json:"payload_available"`
	PayloadNotAvail   string   `json:"payload_not_available"`
	StateClass        string   `json:"state_class,omitempty"`
	DisplayPrecision  int      `json:"suggested_display_precision,omitempty"`
	Device            haDevice `json:"device"`
}

type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Name         string   `json:"name"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
}

// Announce publishes Home Assistant discovery configs for one device so its
// sensors appear without manual configuration.
func (p *MQTTPublisher) Announce(device DeviceConfig, tempUnit string) error {
	deviceID := slug(device.Name)
	stateTopic := fmt.Sprintf("%s/%s/state", p.config.TopicPrefix, deviceID)

	sensors := []struct {
		name, class, unit, key, stateClass string
		precision                          int
	}{
		{"Voltage", "voltage", "V", "voltage", "measurement", 2},
		{"Temperature", "temperature", tempUnit, "temperature", "measurement", 0},
		{"Battery", "battery", "%", "percent", "measurement", 0},
		{"State", "", "", "state", "", 0},
		{"Signal strength", "signal_strength", "dBm", "rssi", "measurement", 0},
	}

	for _, s := range sensors {
		config := haSensor{
			Name:              s.name,
			DeviceClass:       s.class,
			StateTopic:        stateTopic,
			UnitOfMeasure:     s.unit,
			ValueTemplate:     "{{ value_json." + s.key + " }}",
			UniqueID:          deviceID + "_" + s.key,
			AvailabilityTopic: stateTopic,
			AvailTemplate:     "{{ value_json.available }}",
			PayloadAvailable:  "True",
			PayloadNotAvail:   "False",
			StateClass:        s.stateClass,
			DisplayPrecision:  s.precision,
			Device: haDevice{
				Identifiers:  []string{deviceID},
				Name:         device.Name,
				Manufacturer: "Leagend",
				Model:        device.Model,
			},
		}
		payload, err := json.Marshal(config)
		if err != nil {
			return err
		}
		topic := fmt.Sprintf("%s/sensor/%s_%s/config", p.config.DiscoveryPrefix, deviceID, s.key)
		if err := p.enqueue(mqttMessage{Topic: topic, Payload: payload, QoS: 1, Retain: true}); err != nil {
			return err
		}
	}
	return nil
}

// slug makes a device name safe for use in an MQTT topic.
func slug(name string) string {
	s := strings.ToLower(strings.TrimSpace(name))
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = strings.ReplaceAll(s, "+", "_")
	s = strings.ReplaceAll(s, "#", "_")
	return s
}
