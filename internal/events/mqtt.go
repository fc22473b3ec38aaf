package events

import (
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"cpufreq-governor/internal/logging"

	paho "github.com/eclipse/paho.mqtt.golang"
	"github.com/sirupsen/logrus"
)

// MQTTConfig selects the broker and the topic prefix; one topic per Kind
// lives below the prefix (for example governor/display).
type MQTTConfig struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// IdlePayload is the JSON body of an idle notification.
type IdlePayload struct {
	Unit  int    `json:"unit"`
	State string `json:"state"`
}

// MQTTSource subscribes to the event topics and republishes every decoded
// message into a Hub.
type MQTTSource struct {
	client paho.Client
	hub    *Hub
	prefix string
	logger *logrus.Logger
}

// NewMQTTSource connects to the broker and subscribes to every event topic.
func NewMQTTSource(cfg MQTTConfig, hub *Hub) (*MQTTSource, error) {
	s := &MQTTSource{
		hub:    hub,
		prefix: strings.TrimSuffix(cfg.TopicPrefix, "/"),
		logger: logging.GetLogger(),
	}

	opts := paho.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetOnConnectHandler(func(c paho.Client) {
			// Subscriptions do not survive a clean-session reconnect.
			if err := s.subscribe(c, cfg.QoS); err != nil {
				s.logger.WithError(err).Warn("Failed to subscribe to event topics")
			}
		})
	if cfg.Username != "" {
		opts.SetUsername(cfg.Username).SetPassword(cfg.Password)
	}

	client := paho.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(10 * time.Second) {
		return nil, fmt.Errorf("connection timeout")
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to broker: %w", err)
	}
	s.client = client

	s.logger.WithFields(logrus.Fields{
		"broker": cfg.Broker,
		"prefix": s.prefix,
	}).Info("Subscribed to MQTT event topics")
	return s, nil
}

func (s *MQTTSource) subscribe(c paho.Client, qos byte) error {
	filters := make(map[string]byte, len(Kinds))
	for _, k := range Kinds {
		filters[s.Topic(k)] = qos
	}
	token := c.SubscribeMultiple(filters, func(_ paho.Client, msg paho.Message) {
		s.handle(msg.Topic(), msg.Payload())
	})
	if !token.WaitTimeout(5 * time.Second) {
		return fmt.Errorf("subscribe timeout")
	}
	return token.Error()
}

// Topic returns the topic carrying kind.
func (s *MQTTSource) Topic(kind Kind) string {
	return path.Join(s.prefix, string(kind))
}

func (s *MQTTSource) handle(topic string, payload []byte) {
	e, err := s.Decode(topic, payload)
	if err != nil {
		s.logger.WithField("topic", topic).WithError(err).Warn("Ignoring malformed event")
		return
	}
	s.hub.Publish(e)
}

// Decode turns one message into an Event.
func (s *MQTTSource) Decode(topic string, payload []byte) (Event, error) {
	kind := Kind(path.Base(topic))
	switch kind {
	case KindDisplay, KindEarphones, KindBluetooth:
		on, err := ParseState(string(payload))
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: kind, On: on}, nil
	case KindIdle:
		var p IdlePayload
		if err := json.Unmarshal(payload, &p); err != nil {
			return Event{}, fmt.Errorf("decode idle payload: %w", err)
		}
		if p.Unit < 0 {
			return Event{}, fmt.Errorf("invalid unit %d", p.Unit)
		}
		switch strings.ToLower(p.State) {
		case "enter":
			return Event{Kind: KindIdle, On: true, Unit: p.Unit}, nil
		case "exit":
			return Event{Kind: KindIdle, On: false, Unit: p.Unit}, nil
		default:
			return Event{}, fmt.Errorf("invalid idle state %q", p.State)
		}
	default:
		return Event{}, fmt.Errorf("unknown event topic %s", topic)
	}
}

// Close disconnects from the broker.
func (s *MQTTSource) Close() error {
	if s.client != nil {
		s.client.Disconnect(1000) // 1 second timeout
	}
	return nil
}
