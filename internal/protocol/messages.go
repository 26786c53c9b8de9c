// Package protocol defines the JSON payloads exchanged with relay devices over the
// message bus and the events pushed to live browser sessions.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Live event types
const (
	EventRelayStatus  = "relay_status"
	EventDeviceStatus = "device_status"
)

// Relay actions
const (
	ActionOn     = "on"
	ActionOff    = "off"
	ActionToggle = "toggle"
)

// ErrMissingField is returned when a required payload field is absent
var ErrMissingField = errors.New("missing required field")

// IsObject reports whether data is a JSON object
func IsObject(data []byte) bool {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || data[0] != '{' {
		return false
	}
	return json.Valid(data)
}

// RegistrationMessage is sent by a device to create or re-key its operator account
type RegistrationMessage struct {
	Username string `json:"username"`
	Password string `json:"password"`
	DeviceID string `json:"deviceId"`
}

// DecodeRegistration parses and validates a registration payload
func DecodeRegistration(data []byte) (*RegistrationMessage, error) {
	var m RegistrationMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid registration payload: %w", err)
	}
	switch {
	case m.Username == "":
		return nil, fmt.Errorf("%w: username", ErrMissingField)
	case m.Password == "":
		return nil, fmt.Errorf("%w: password", ErrMissingField)
	case m.DeviceID == "":
		return nil, fmt.Errorf("%w: deviceId", ErrMissingField)
	}
	return &m, nil
}

// RelayStatusMessage reports a change of a single relay.
// Relay is a pointer so that channel 0 can be told apart from an absent field.
type RelayStatusMessage struct {
	DeviceID string `json:"deviceId"`
	Relay    *int   `json:"relay"`
	State    bool   `json:"state"`
	Timer    int64  `json:"timer"`
}

// DecodeRelayStatus parses a relay status payload
func DecodeRelayStatus(data []byte) (*RelayStatusMessage, error) {
	var m RelayStatusMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid relay status payload: %w", err)
	}
	if m.DeviceID == "" {
		return nil, fmt.Errorf("%w: deviceId", ErrMissingField)
	}
	if m.Relay == nil {
		return nil, fmt.Errorf("%w: relay", ErrMissingField)
	}
	if *m.Relay < 0 {
		return nil, fmt.Errorf("invalid relay index: %d", *m.Relay)
	}
	return &m, nil
}

// RelayReport is the observed state of one relay inside a device snapshot
type RelayReport struct {
	Index int    `json:"index"`
	State bool   `json:"state"`
	Name  string `json:"name,omitempty"`
	Timer int64  `json:"timer"`
}

// DeviceStatusMessage is a full telemetry snapshot of a device
type DeviceStatusMessage struct {
	DeviceID string        `json:"deviceId"`
	IP       string        `json:"ip"`
	RSSI     int           `json:"rssi"`
	Uptime   int64         `json:"uptime"`
	Relays   []RelayReport `json:"relays"`
}

// DecodeDeviceStatus parses a device status snapshot
func DecodeDeviceStatus(data []byte) (*DeviceStatusMessage, error) {
	var m DeviceStatusMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("invalid device status payload: %w", err)
	}
	if m.DeviceID == "" {
		return nil, fmt.Errorf("%w: deviceId", ErrMissingField)
	}
	return &m, nil
}

// RelayCommand is published to switch a relay on a device
type RelayCommand struct {
	DeviceID string `json:"deviceId"`
	Relay    int    `json:"relay"`
	Action   string `json:"action"`
	Duration *int   `json:"duration,omitempty"` // seconds
}

// ValidAction reports whether action is one devices understand
func ValidAction(action string) bool {
	switch action {
	case ActionOn, ActionOff, ActionToggle:
		return true
	}
	return false
}

// Validate checks the command before it is put on the bus
func (c *RelayCommand) Validate() error {
	if c.DeviceID == "" {
		return fmt.Errorf("%w: deviceId", ErrMissingField)
	}
	if c.Relay < 0 {
		return fmt.Errorf("invalid relay index: %d", c.Relay)
	}
	if !ValidAction(c.Action) {
		return fmt.Errorf("unknown action %q", c.Action)
	}
	if c.Duration != nil && *c.Duration <= 0 {
		return fmt.Errorf("invalid duration: %d", *c.Duration)
	}
	return nil
}

// Encode serializes the command for publishing
func (c *RelayCommand) Encode() ([]byte, error) {
	return json.Marshal(c)
}

// Event is pushed to live sessions
type Event struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// NewEvent wraps a raw payload as a live event. An empty payload becomes null.
func NewEvent(eventType string, data []byte) Event {
	if len(bytes.TrimSpace(data)) == 0 {
		data = []byte("null")
	}
	return Event{Type: eventType, Data: json.RawMessage(data)}
}
