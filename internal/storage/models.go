// Package storage provides SQLite persistence for accounts, relay dashboards and
// device status history.
package storage

import (
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when a lookup matches no row.
	ErrNotFound = errors.New("not found")
	// ErrConflict is returned when a unique constraint rejects a write.
	ErrConflict = errors.New("conflict")
)

// Account is one operator/device pairing together with its dashboard
type Account struct {
	ID           int64     `json:"id"`
	Username     string    `json:"username"`
	PasswordHash string    `json:"-"`
	DeviceID     string    `json:"deviceId"`
	CreatedAt    time.Time `json:"createdAt"`
	Dashboard    Dashboard `json:"dashboard"`
}

// Dashboard holds the relay configuration of an account
type Dashboard struct {
	Relays []*Relay `json:"relays"`
}

// Relay finds the relay configured on the given channel
func (d *Dashboard) Relay(channel int) *Relay {
	for _, r := range d.Relays {
		if r.Channel == channel {
			return r
		}
	}
	return nil
}

// Relay is one controllable channel on the account's device
type Relay struct {
	ID        int64       `json:"-"`
	Channel   int         `json:"index"`
	Name      string      `json:"name"`
	Image     string      `json:"image,omitempty"`
	Enabled   bool        `json:"enabled"`
	CreatedAt time.Time   `json:"createdAt"`
	Schedules []*Schedule `json:"schedules"`
}

// Schedule is a recurring activation window for a relay.
// Start and End are "HH:MM" strings in the scheduler's timezone.
type Schedule struct {
	ID       string `json:"id"`
	Days     []int  `json:"days"` // 0=Sunday .. 6=Saturday
	Start    string `json:"startTime"`
	End      string `json:"endTime"`
	Enabled  bool   `json:"enabled"`
	Position int    `json:"-"`
}

// HasDay reports whether weekday is part of the schedule's day set
func (s *Schedule) HasDay(weekday int) bool {
	for _, d := range s.Days {
		if d == weekday {
			return true
		}
	}
	return false
}

// DeviceStatus is one telemetry snapshot of a device
type DeviceStatus struct {
	ID        int64        `json:"id"`
	DeviceID  string       `json:"deviceId"`
	IP        string       `json:"ip,omitempty"`
	RSSI      int          `json:"rssi"`
	Uptime    int64        `json:"uptime"`
	Relays    []RelayState `json:"relays"`
	Timestamp time.Time    `json:"timestamp"`
}

// RelayState is the observed state of a single relay
type RelayState struct {
	Index int    `json:"index"`
	State bool   `json:"state"`
	Name  string `json:"name,omitempty"`
	Timer int64  `json:"timer"` // seconds left on an active timer
}
