package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"
)

// Availability payloads, published retained on <topic>/availability.
const (
	availabilityOnline  = "online"
	availabilityOffline = "offline"
)

var (
	// ErrInvalidBroker is returned for broker URLs paho cannot dial.
	ErrInvalidBroker = errors.New("invalid MQTT broker URL")
	// ErrConnectTimeout is returned when the broker does not answer in time.
	ErrConnectTimeout = errors.New("MQTT connect timed out")
)

// MQTTConfig configures the MQTT publisher.
type MQTTConfig struct {
	Broker         string
	Topic          string
	ClientID       string
	Username       string
	Password       string
	QoS            byte
	ConnectTimeout time.Duration
}

// ValidateBroker checks that broker is a URL paho can dial.
func ValidateBroker(broker string) error {
	u, err := url.Parse(broker)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidBroker, err)
	}
	switch u.Scheme {
	case "tcp", "mqtt", "ssl", "tls", "mqtts", "ws", "wss":
	default:
		return fmt.Errorf("%w: unsupported scheme %q", ErrInvalidBroker, u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("%w: missing host", ErrInvalidBroker)
	}
	return nil
}

// MQTTPublisher publishes transitions as retained JSON messages.
type MQTTPublisher struct {
	client mqtt.Client
	topic  string
	qos    byte
	logger *zap.Logger
}

// Compile-time interface guard.
var _ Publisher = (*MQTTPublisher)(nil)

// NewMQTT connects to the broker and announces availability. A connection
// failure is returned so that a bad broker setting stops startup.
func NewMQTT(cfg MQTTConfig, logger *zap.Logger) (*MQTTPublisher, error) {
	if err := ValidateBroker(cfg.Broker); err != nil {
		return nil, err
	}
	timeout := cfg.ConnectTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}

	opts := mqtt.NewClientOptions().
		AddBroker(cfg.Broker).
		SetClientID(cfg.ClientID).
		SetUsername(cfg.Username).
		SetPassword(cfg.Password).
		SetAutoReconnect(true).
		SetConnectTimeout(timeout).
		SetWill(availabilityTopic(cfg.Topic), availabilityOffline, cfg.QoS, true)

	p := &MQTTPublisher{
		topic:  cfg.Topic,
		qos:    cfg.QoS,
		logger: logger,
	}
	opts.SetOnConnectHandler(func(c mqtt.Client) {
		logger.Info("mqtt connected", zap.String("broker", cfg.Broker))
		c.Publish(availabilityTopic(cfg.Topic), cfg.QoS, true, availabilityOnline)
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		logger.Warn("mqtt connection lost", zap.Error(err))
	})

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(timeout) {
		return nil, fmt.Errorf("%w after %s", ErrConnectTimeout, timeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("connect to MQTT broker %s: %w", cfg.Broker, err)
	}
	p.client = client
	return p, nil
}

func newMQTTWithClient(client mqtt.Client, topic string, qos byte, logger *zap.Logger) *MQTTPublisher {
	return &MQTTPublisher{client: client, topic: topic, qos: qos, logger: logger}
}

// Topic returns the state topic.
func (p *MQTTPublisher) Topic() string { return p.topic }

// Publish sends tr as a retained message and waits for the broker to accept
// it or ctx to end.
func (p *MQTTPublisher) Publish(ctx context.Context, tr Transition) error {
	payload, err := json.Marshal(tr)
	if err != nil {
		return fmt.Errorf("encode transition: %w", err)
	}

	token := p.client.Publish(p.topic, p.qos, true, payload)
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("publish to %s: %w", p.topic, err)
		}
		p.logger.Debug("transition published",
			zap.String("topic", p.topic),
			zap.String("state", tr.State),
		)
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close marks the publisher offline and disconnects.
func (p *MQTTPublisher) Close() {
	token := p.client.Publish(availabilityTopic(p.topic), p.qos, true, availabilityOffline)
	token.WaitTimeout(time.Second)
	p.client.Disconnect(250)
}

func availabilityTopic(topic string) string {
	return topic + "/availability"
}
