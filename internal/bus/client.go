// Package bus connects the backend to the device message broker. Inbound messages
// are checked and routed by topic to registered handlers; relay commands are
// published fire-and-forget.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/logs"
	"github.com/relayhub/relayhub/internal/metrics"
	"github.com/relayhub/relayhub/internal/protocol"
)

// MessageHandler receives every message arriving on a subscribed topic
type MessageHandler func(topic string, payload []byte)

// Transport is a publish/subscribe connection to a broker
type Transport interface {
	// Connect opens the connection and subscribes to topics, also after every
	// reconnect. Messages are delivered to h from transport goroutines.
	Connect(ctx context.Context, topics []string, h MessageHandler) error
	// Publish hands payload to the broker without waiting for acknowledgement
	Publish(topic string, payload []byte) error
	Close() error
}

// Topics names the inbound and outbound topics
type Topics struct {
	Registration string
	RelayStatus  string
	DeviceStatus string
	RelayControl string
}

// Client routes bus traffic between the broker and the ingestion handlers
type Client struct {
	transport Transport
	topics    Topics
	log       *logrus.Entry
	mu        sync.RWMutex

	onRegistration func(json.RawMessage)
	onRelayStatus  func(json.RawMessage)
	onDeviceStatus func(json.RawMessage)
}

// New creates a bus client over transport
func New(transport Transport, topics Topics) *Client {
	return &Client{
		transport: transport,
		topics:    topics,
		log:       logs.Component("bus"),
	}
}

// SetRegistrationHandler sets the callback for device registration messages
func (c *Client) SetRegistrationHandler(h func(json.RawMessage)) {
	c.mu.Lock()
	c.onRegistration = h
	c.mu.Unlock()
}

// SetRelayStatusHandler sets the callback for relay status messages
func (c *Client) SetRelayStatusHandler(h func(json.RawMessage)) {
	c.mu.Lock()
	c.onRelayStatus = h
	c.mu.Unlock()
}

// SetDeviceStatusHandler sets the callback for device status snapshots
func (c *Client) SetDeviceStatusHandler(h func(json.RawMessage)) {
	c.mu.Lock()
	c.onDeviceStatus = h
	c.mu.Unlock()
}

// Start connects the transport and subscribes to the inbound topics
func (c *Client) Start(ctx context.Context) error {
	topics := []string{c.topics.Registration, c.topics.RelayStatus, c.topics.DeviceStatus}
	if err := c.transport.Connect(ctx, topics, c.dispatch); err != nil {
		return fmt.Errorf("failed to connect bus transport: %w", err)
	}
	c.log.WithField("topics", topics).Info("Bus client started")
	return nil
}

// Close disconnects the transport
func (c *Client) Close() error {
	return c.transport.Close()
}

// PublishCommand publishes a relay command on the control topic
func (c *Client) PublishCommand(cmd *protocol.RelayCommand) error {
	data, err := cmd.Encode()
	if err != nil {
		return fmt.Errorf("failed to encode command: %w", err)
	}
	if err := c.transport.Publish(c.topics.RelayControl, data); err != nil {
		return fmt.Errorf("failed to publish command: %w", err)
	}
	return nil
}

// dispatch routes one inbound message. Malformed payloads and handler panics
// are logged and dropped.
func (c *Client) dispatch(topic string, payload []byte) {
	defer func() {
		if r := recover(); r != nil {
			c.log.WithField("topic", topic).Errorf("Handler panic: %v", r)
			metrics.BusMessages.WithLabelValues(topic, metrics.ResultError).Inc()
		}
	}()

	if !protocol.IsObject(payload) {
		c.log.WithField("topic", topic).Warnf("Dropping malformed payload (%d bytes)", len(payload))
		metrics.BusMessages.WithLabelValues(topic, metrics.ResultDropped).Inc()
		return
	}

	c.mu.RLock()
	var handler func(json.RawMessage)
	switch topic {
	case c.topics.Registration:
		handler = c.onRegistration
	case c.topics.RelayStatus:
		handler = c.onRelayStatus
	case c.topics.DeviceStatus:
		handler = c.onDeviceStatus
	}
	c.mu.RUnlock()

	if handler == nil {
		c.log.WithField("topic", topic).Debug("No handler for topic")
		metrics.BusMessages.WithLabelValues(topic, metrics.ResultDropped).Inc()
		return
	}

	// Transports may reuse their buffers
	data := make([]byte, len(payload))
	copy(data, payload)

	handler(json.RawMessage(data))
	metrics.BusMessages.WithLabelValues(topic, metrics.ResultOK).Inc()
}
