package bus

import (
	"context"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/logs"
)

// MQTTConfig holds MQTT broker settings
type MQTTConfig struct {
	BrokerURL string // e.g. tcp://localhost:1883
	ClientID  string // a random suffix is appended per process
	Username  string
	Password  string
	QoS       byte

	ConnectTimeout       time.Duration
	PublishTimeout       time.Duration
	MaxReconnectInterval time.Duration
}

// DefaultMQTTConfig returns default MQTT settings
func DefaultMQTTConfig() MQTTConfig {
	return MQTTConfig{
		BrokerURL:            "tcp://localhost:1883",
		ClientID:             "relayhub",
		QoS:                  1,
		ConnectTimeout:       10 * time.Second,
		PublishTimeout:       10 * time.Second,
		MaxReconnectInterval: time.Minute,
	}
}

// MQTTTransport is a Transport backed by an MQTT broker
type MQTTTransport struct {
	config MQTTConfig
	log    *logrus.Entry
	mu     sync.Mutex
	client mqtt.Client
}

// NewMQTTTransport creates an MQTT transport
func NewMQTTTransport(config MQTTConfig) *MQTTTransport {
	return &MQTTTransport{
		config: config,
		log:    logs.Component("mqtt"),
	}
}

// Connect dials the broker. The client reconnects on its own and subscribes again
// after every connect. If the broker is not reachable within ConnectTimeout the
// connection keeps retrying in the background.
func (t *MQTTTransport) Connect(ctx context.Context, topics []string, h MessageHandler) error {
	filters := make(map[string]byte, len(topics))
	for _, topic := range topics {
		filters[topic] = t.config.QoS
	}

	opts := mqtt.NewClientOptions().
		AddBroker(t.config.BrokerURL).
		SetClientID(fmt.Sprintf("%s-%s", t.config.ClientID, uuid.NewString()[:8])).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectRetry(true).
		SetConnectRetryInterval(5 * time.Second).
		SetMaxReconnectInterval(t.config.MaxReconnectInterval).
		SetOrderMatters(false)

	if t.config.Username != "" {
		opts.SetUsername(t.config.Username)
		opts.SetPassword(t.config.Password)
	}

	onMessage := func(_ mqtt.Client, msg mqtt.Message) {
		h(msg.Topic(), msg.Payload())
	}

	opts.SetOnConnectHandler(func(c mqtt.Client) {
		t.log.WithField("broker", t.config.BrokerURL).Info("Connected to broker")
		token := c.SubscribeMultiple(filters, onMessage)
		go func() {
			if !token.WaitTimeout(t.config.ConnectTimeout) {
				t.log.Warn("Subscribe timed out")
				return
			}
			if err := token.Error(); err != nil {
				t.log.Errorf("Subscribe failed: %v", err)
			}
		}()
	})
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		t.log.Warnf("Connection to broker lost: %v", err)
	})
	opts.SetReconnectingHandler(func(_ mqtt.Client, _ *mqtt.ClientOptions) {
		t.log.Info("Reconnecting to broker")
	})

	client := mqtt.NewClient(opts)
	t.mu.Lock()
	t.client = client
	t.mu.Unlock()

	token := client.Connect()
	select {
	case <-token.Done():
		if err := token.Error(); err != nil {
			return fmt.Errorf("failed to connect to %s: %w", t.config.BrokerURL, err)
		}
	case <-time.After(t.config.ConnectTimeout):
		t.log.Warnf("Broker %s not reachable yet, retrying in background", t.config.BrokerURL)
	case <-ctx.Done():
		client.Disconnect(0)
		return ctx.Err()
	}
	return nil
}

// Publish queues payload and returns immediately. Delivery failures are logged.
func (t *MQTTTransport) Publish(topic string, payload []byte) error {
	t.mu.Lock()
	client := t.client
	t.mu.Unlock()
	if client == nil {
		return fmt.Errorf("mqtt transport not connected")
	}

	token := client.Publish(topic, t.config.QoS, false, payload)
	go func() {
		if !token.WaitTimeout(t.config.PublishTimeout) {
			t.log.WithField("topic", topic).Warn("Publish not acknowledged in time")
			return
		}
		if err := token.Error(); err != nil {
			t.log.WithField("topic", topic).Errorf("Publish failed: %v", err)
		}
	}()
	return nil
}

// Close disconnects from the broker
func (t *MQTTTransport) Close() error {
	t.mu.Lock()
	client := t.client
	t.client = nil
	t.mu.Unlock()

	if client != nil {
		client.Disconnect(250)
	}
	return nil
}
