package engine

import (
	"encoding/json"
	"errors"

	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/protocol"
	"github.com/relayhub/relayhub/internal/storage"
)

// handleRegistration creates an account for a new device, or re-keys the account
// that already owns the username or device ID. Redelivery converges on one account.
func (e *Engine) handleRegistration(data json.RawMessage) {
	msg, err := protocol.DecodeRegistration(data)
	if err != nil {
		e.log.Warnf("Ignoring registration: %v", err)
		return
	}
	log := e.log.WithFields(logrus.Fields{"username": msg.Username, "device": msg.DeviceID})

	existing, err := e.store.FindAccountByUsernameOrDevice(msg.Username, msg.DeviceID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		log.Errorf("Failed to look up account: %v", err)
		return
	}

	hash, err := e.hasher.Hash(msg.Password)
	if err != nil {
		log.Errorf("Failed to hash password: %v", err)
		return
	}

	if existing != nil {
		if err := e.store.UpdatePasswordHash(existing.ID, hash); err != nil {
			log.Errorf("Failed to update password: %v", err)
			return
		}
		log.WithField("account", existing.ID).Info("Updated password for existing account")
		return
	}

	account := &storage.Account{
		Username:     msg.Username,
		PasswordHash: hash,
		DeviceID:     msg.DeviceID,
	}
	if err := e.store.CreateAccount(account); err != nil {
		// A concurrent registration for the same device won the insert
		if errors.Is(err, storage.ErrConflict) {
			log.Warn("Account created concurrently, dropping registration")
			return
		}
		log.Errorf("Failed to create account: %v", err)
		return
	}
	log.WithField("account", account.ID).Info("Registered new account")
}

// handleRelayStatus broadcasts the payload as received, then records the relay
// state. Persistence failures do not affect the broadcast.
func (e *Engine) handleRelayStatus(data json.RawMessage) {
	if err := e.hub.Broadcast(protocol.NewEvent(protocol.EventRelayStatus, data)); err != nil {
		e.log.Warnf("Failed to broadcast relay status: %v", err)
	}

	msg, err := protocol.DecodeRelayStatus(data)
	if err != nil {
		e.log.Warnf("Not persisting relay status: %v", err)
		return
	}

	rs := storage.RelayState{Index: *msg.Relay, State: msg.State, Timer: msg.Timer}
	if err := e.store.UpsertRelayState(msg.DeviceID, rs, e.now()); err != nil {
		e.log.WithFields(logrus.Fields{"device": msg.DeviceID, "relay": rs.Index}).
			Errorf("Failed to store relay status: %v", err)
	}
}

// handleDeviceStatus stores a full snapshot. Only a stored snapshot is cached
// and broadcast.
func (e *Engine) handleDeviceStatus(data json.RawMessage) {
	msg, err := protocol.DecodeDeviceStatus(data)
	if err != nil {
		e.log.Warnf("Ignoring device status: %v", err)
		return
	}

	now := e.now()
	st := &storage.DeviceStatus{
		DeviceID:  msg.DeviceID,
		IP:        msg.IP,
		RSSI:      msg.RSSI,
		Uptime:    msg.Uptime,
		Relays:    make([]storage.RelayState, 0, len(msg.Relays)),
		Timestamp: now,
	}
	for _, r := range msg.Relays {
		st.Relays = append(st.Relays, storage.RelayState{
			Index: r.Index,
			State: r.State,
			Name:  r.Name,
			Timer: r.Timer,
		})
	}

	if _, err := e.store.InsertDeviceStatus(st); err != nil {
		e.log.WithField("device", msg.DeviceID).Errorf("Failed to store device status: %v", err)
		return
	}

	e.devices.Update(msg.DeviceID, data, now)

	if err := e.hub.Broadcast(protocol.NewEvent(protocol.EventDeviceStatus, data)); err != nil {
		e.log.Warnf("Failed to broadcast device status: %v", err)
	}
}
