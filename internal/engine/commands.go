package engine

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/metrics"
	"github.com/relayhub/relayhub/internal/protocol"
)

// ErrInvalidCommand is returned when a relay command fails validation
var ErrInvalidCommand = errors.New("invalid relay command")

// SendRelayCommand publishes a relay command on behalf of an API caller.
// duration is optional and given in seconds.
func (e *Engine) SendRelayCommand(deviceID string, channel int, action string, duration *int) error {
	return e.sendRelayCommand(metrics.SourceAPI, deviceID, channel, action, duration)
}

func (e *Engine) sendRelayCommand(source, deviceID string, channel int, action string, duration *int) error {
	cmd := &protocol.RelayCommand{
		DeviceID: deviceID,
		Relay:    channel,
		Action:   action,
		Duration: duration,
	}
	if err := cmd.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}

	if err := e.bus.PublishCommand(cmd); err != nil {
		return err
	}

	metrics.CommandsPublished.WithLabelValues(source, action).Inc()
	e.log.WithFields(logrus.Fields{
		"device": deviceID,
		"relay":  channel,
		"action": action,
		"source": source,
	}).Debug("Sent relay command")
	return nil
}
