package engine

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/relayhub/relayhub/internal/metrics"
)

// ConnectedDevice is the last snapshot a device sent
type ConnectedDevice struct {
	DeviceID string          `json:"deviceId"`
	Status   json.RawMessage `json:"status"`
	LastSeen time.Time       `json:"lastSeen"`
}

// DeviceCache holds the latest snapshot per device for the lifetime of the process.
// It is never persisted.
type DeviceCache struct {
	mu      sync.RWMutex
	devices map[string]ConnectedDevice
}

// NewDeviceCache creates an empty cache
func NewDeviceCache() *DeviceCache {
	return &DeviceCache{devices: make(map[string]ConnectedDevice)}
}

// Update records a snapshot for deviceID
func (c *DeviceCache) Update(deviceID string, status json.RawMessage, seen time.Time) {
	c.mu.Lock()
	c.devices[deviceID] = ConnectedDevice{DeviceID: deviceID, Status: status, LastSeen: seen}
	n := len(c.devices)
	c.mu.Unlock()
	metrics.ConnectedDevices.Set(float64(n))
}

// Get returns the cached snapshot for deviceID
func (c *DeviceCache) Get(deviceID string) (ConnectedDevice, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.devices[deviceID]
	return d, ok
}
