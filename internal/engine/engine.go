// Package engine provides the core logic of relayhub: it reconciles device traffic
// from the bus against the store, pushes updates to live sessions and runs the
// relay schedule evaluation.
package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/relayhub/relayhub/internal/logs"
	"github.com/relayhub/relayhub/internal/protocol"
	"github.com/relayhub/relayhub/internal/storage"
)

// Store is the persistence the engine reconciles against
type Store interface {
	FindAccountByUsernameOrDevice(username, deviceID string) (*storage.Account, error)
	CreateAccount(a *storage.Account) error
	UpdatePasswordHash(id int64, hash string) error
	ListAccounts() ([]*storage.Account, error)
	InsertDeviceStatus(st *storage.DeviceStatus) (int64, error)
	UpsertRelayState(deviceID string, rs storage.RelayState, at time.Time) error
}

// Broadcaster pushes events to live sessions
type Broadcaster interface {
	Broadcast(ev protocol.Event) error
}

// Bus publishes commands and delivers inbound device messages
type Bus interface {
	PublishCommand(cmd *protocol.RelayCommand) error
	SetRegistrationHandler(h func(json.RawMessage))
	SetRelayStatusHandler(h func(json.RawMessage))
	SetDeviceStatusHandler(h func(json.RawMessage))
}

// Hasher derives password digests
type Hasher interface {
	Hash(password string) (string, error)
}

// Config holds engine configuration
type Config struct {
	SchedulerInterval time.Duration
	Location          *time.Location // timezone schedules are evaluated in
	AlignToMinute     bool           // delay the first tick to the next minute boundary
}

// DefaultConfig returns default engine configuration
func DefaultConfig() Config {
	return Config{
		SchedulerInterval: time.Minute,
		Location:          time.Local,
		AlignToMinute:     true,
	}
}

// Engine routes messages between the bus, the store and live sessions
type Engine struct {
	config   Config
	store    Store
	bus      Bus
	hub      Broadcaster
	hasher   Hasher
	devices  *DeviceCache
	log      *logrus.Entry
	now      func() time.Time
	stopChan chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a new engine instance
func New(config Config, store Store, bus Bus, hub Broadcaster, hasher Hasher) (*Engine, error) {
	if store == nil || bus == nil || hub == nil || hasher == nil {
		return nil, fmt.Errorf("engine requires store, bus, hub and hasher")
	}
	if config.SchedulerInterval <= 0 {
		return nil, fmt.Errorf("invalid scheduler interval: %v", config.SchedulerInterval)
	}
	if config.Location == nil {
		config.Location = time.Local
	}

	return &Engine{
		config:   config,
		store:    store,
		bus:      bus,
		hub:      hub,
		hasher:   hasher,
		devices:  NewDeviceCache(),
		log:      logs.Component("engine"),
		now:      time.Now,
		stopChan: make(chan struct{}),
	}, nil
}

// Start registers the bus handlers and starts the scheduler
func (e *Engine) Start(ctx context.Context) error {
	e.bus.SetRegistrationHandler(e.handleRegistration)
	e.bus.SetRelayStatusHandler(e.handleRelayStatus)
	e.bus.SetDeviceStatusHandler(e.handleDeviceStatus)

	e.wg.Add(1)
	go e.schedulerLoop(ctx)

	e.log.WithFields(logrus.Fields{
		"interval": e.config.SchedulerInterval,
		"timezone": e.config.Location.String(),
	}).Info("Engine started")
	return nil
}

// Stop stops the scheduler and waits for it to exit
func (e *Engine) Stop() error {
	e.stopOnce.Do(func() { close(e.stopChan) })
	e.wg.Wait()
	e.log.Info("Engine stopped")
	return nil
}

// Devices returns the cache of devices seen since startup
func (e *Engine) Devices() *DeviceCache {
	return e.devices
}
