package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/relayhub/relayhub/internal/auth"
	"github.com/relayhub/relayhub/internal/protocol"
	"github.com/relayhub/relayhub/internal/storage"
)

// MockBus records published commands and the registered handlers
type MockBus struct {
	mu             sync.Mutex
	commands       []protocol.RelayCommand
	onRegistration func(json.RawMessage)
	onRelayStatus  func(json.RawMessage)
	onDeviceStatus func(json.RawMessage)
}

func (m *MockBus) PublishCommand(cmd *protocol.RelayCommand) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.commands = append(m.commands, *cmd)
	return nil
}

func (m *MockBus) SetRegistrationHandler(h func(json.RawMessage)) { m.onRegistration = h }
func (m *MockBus) SetRelayStatusHandler(h func(json.RawMessage))  { m.onRelayStatus = h }
func (m *MockBus) SetDeviceStatusHandler(h func(json.RawMessage)) { m.onDeviceStatus = h }

// GetCommands returns all commands published so far
func (m *MockBus) GetCommands() []protocol.RelayCommand {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.RelayCommand(nil), m.commands...)
}

// ClearCommands clears the published command buffer
func (m *MockBus) ClearCommands() {
	m.mu.Lock()
	m.commands = nil
	m.mu.Unlock()
}

// MockHub records broadcast events
type MockHub struct {
	mu     sync.Mutex
	events []protocol.Event
}

func (m *MockHub) Broadcast(ev protocol.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

func (m *MockHub) Events() []protocol.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]protocol.Event(nil), m.events...)
}

// FailingStore wraps a real store and fails the selected writes
type FailingStore struct {
	*storage.DB
	failRelayState   bool
	failDeviceStatus bool
	failList         bool
}

var errInjected = errors.New("injected failure")

func (s *FailingStore) UpsertRelayState(deviceID string, rs storage.RelayState, at time.Time) error {
	if s.failRelayState {
		return errInjected
	}
	return s.DB.UpsertRelayState(deviceID, rs, at)
}

func (s *FailingStore) InsertDeviceStatus(st *storage.DeviceStatus) (int64, error) {
	if s.failDeviceStatus {
		return 0, errInjected
	}
	return s.DB.InsertDeviceStatus(st)
}

func (s *FailingStore) ListAccounts() ([]*storage.Account, error) {
	if s.failList {
		return nil, errInjected
	}
	return s.DB.ListAccounts()
}

type testEnv struct {
	engine *Engine
	store  *FailingStore
	bus    *MockBus
	hub    *MockHub
	hasher *auth.Hasher
}

func setupTestEngine(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.Open(filepath.Join(t.TempDir(), "relayhub-test.db"))
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	env := &testEnv{
		store:  &FailingStore{DB: db},
		bus:    &MockBus{},
		hub:    &MockHub{},
		hasher: auth.NewHasher(bcrypt.MinCost),
	}

	cfg := DefaultConfig()
	cfg.Location = time.UTC
	env.engine, err = New(cfg, env.store, env.bus, env.hub, env.hasher)
	if err != nil {
		t.Fatalf("Failed to create engine: %v", err)
	}
	return env
}

// 2024-01-01 is a Monday, 2024-01-03 a Wednesday
func at(day int, clock string) time.Time {
	t, err := time.Parse("2006-01-02 15:04", fmt.Sprintf("2024-01-%02d %s", day, clock))
	if err != nil {
		panic(err)
	}
	return t
}

func createAccountWithSchedule(t *testing.T, db *storage.DB, deviceID string, channel int, s *storage.Schedule) *storage.Account {
	t.Helper()

	a := &storage.Account{Username: "user-" + deviceID, PasswordHash: "x", DeviceID: deviceID}
	if err := db.CreateAccount(a); err != nil {
		t.Fatalf("CreateAccount failed: %v", err)
	}
	if err := db.UpsertRelay(a.ID, &storage.Relay{Channel: channel, Name: "Relay", Enabled: true}); err != nil {
		t.Fatalf("UpsertRelay failed: %v", err)
	}
	if s != nil {
		if err := db.AddSchedule(a.ID, channel, s); err != nil {
			t.Fatalf("AddSchedule failed: %v", err)
		}
	}
	return a
}

func TestScheduleWindowInclusive(t *testing.T) {
	env := setupTestEngine(t)
	createAccountWithSchedule(t, env.store.DB, "dev-1", 2,
		&storage.Schedule{Days: []int{1}, Start: "08:00", End: "08:02", Enabled: true})

	tests := []struct {
		clock string
		want  int
	}{
		{"07:59", 0},
		{"08:00", 1},
		{"08:01", 1},
		{"08:02", 1},
		{"08:03", 0},
	}

	for _, tt := range tests {
		t.Run(tt.clock, func(t *testing.T) {
			env.bus.ClearCommands()
			sent, err := env.engine.RunScheduleTick(at(1, tt.clock))
			if err != nil {
				t.Fatalf("RunScheduleTick failed: %v", err)
			}
			if sent != tt.want {
				t.Errorf("Sent mismatch: got %d, want %d", sent, tt.want)
			}

			cmds := env.bus.GetCommands()
			if len(cmds) != tt.want {
				t.Fatalf("Commands mismatch: got %d, want %d", len(cmds), tt.want)
			}
			for _, cmd := range cmds {
				if cmd.DeviceID != "dev-1" || cmd.Relay != 2 || cmd.Action != protocol.ActionOn || cmd.Duration != nil {
					t.Errorf("Unexpected command: %+v", cmd)
				}
			}
		})
	}

	// Same window on Tuesday does not match the day
	env.bus.ClearCommands()
	if sent, _ := env.engine.RunScheduleTick(at(2, "08:01")); sent != 0 {
		t.Errorf("Expected no commands on Tuesday, got %d", sent)
	}
}

func TestScheduleUsesConfiguredTimezone(t *testing.T) {
	env := setupTestEngine(t)
	loc := time.FixedZone("UTC+2", 2*3600)
	env.engine.config.Location = loc

	createAccountWithSchedule(t, env.store.DB, "dev-1", 0,
		&storage.Schedule{Days: []int{1}, Start: "10:00", End: "10:00", Enabled: true})

	// 08:00 UTC is 10:00 in UTC+2
	if sent, err := env.engine.RunScheduleTick(at(1, "08:00")); err != nil || sent != 1 {
		t.Errorf("Expected 1 command, got %d (%v)", sent, err)
	}
}

func TestScheduleSkipsDisabled(t *testing.T) {
	env := setupTestEngine(t)
	db := env.store.DB

	createAccountWithSchedule(t, db, "dev-1", 0,
		&storage.Schedule{Days: []int{1}, Start: "08:00", End: "09:00", Enabled: false})

	a := createAccountWithSchedule(t, db, "dev-2", 0,
		&storage.Schedule{Days: []int{1}, Start: "08:00", End: "09:00", Enabled: true})
	if err := db.UpsertRelay(a.ID, &storage.Relay{Channel: 0, Name: "Relay", Enabled: false}); err != nil {
		t.Fatalf("UpsertRelay failed: %v", err)
	}

	sent, err := env.engine.RunScheduleTick(at(1, "08:30"))
	if err != nil {
		t.Fatalf("RunScheduleTick failed: %v", err)
	}
	if sent != 0 {
		t.Errorf("Expected no commands for disabled schedule/relay, got %d", sent)
	}
}

func TestScheduleTickAborts(t *testing.T) {
	env := setupTestEngine(t)
	db := env.store.DB

	createAccountWithSchedule(t, db, "dev-1", 0,
		&storage.Schedule{Days: []int{1}, Start: "08:00", End: "09:00", Enabled: true})
	bad := createAccountWithSchedule(t, db, "dev-2", 0,
		&storage.Schedule{Days: []int{1}, Start: "8am", End: "09:00", Enabled: true})

	if _, err := env.engine.RunScheduleTick(at(1, "08:30")); err == nil {
		t.Error("Expected malformed schedule to abort the tick")
	}
	if n := len(env.bus.GetCommands()); n != 0 {
		t.Errorf("Aborted tick should send nothing, sent %d", n)
	}

	env.store.failList = true
	if _, err := env.engine.RunScheduleTick(at(1, "08:30")); !errors.Is(err, errInjected) {
		t.Errorf("Expected store error, got %v", err)
	}
	if n := len(env.bus.GetCommands()); n != 0 {
		t.Errorf("Failed tick should send nothing, sent %d", n)
	}

	// Once the store and the data are healthy again the next tick runs normally
	env.store.failList = false
	if err := db.DeleteScheduleAt(bad.ID, 0, 0); err != nil {
		t.Fatalf("DeleteScheduleAt failed: %v", err)
	}
	sent, err := env.engine.RunScheduleTick(at(1, "08:31"))
	if err != nil {
		t.Fatalf("RunScheduleTick failed: %v", err)
	}
	if sent != 1 {
		t.Errorf("Commands sent mismatch: got %d, want 1", sent)
	}
	cmds := env.bus.GetCommands()
	if len(cmds) != 1 || cmds[0].DeviceID != "dev-1" || cmds[0].Action != protocol.ActionOn {
		t.Errorf("Unexpected commands after recovery: %+v", cmds)
	}
}

func TestCalculateNextRun(t *testing.T) {
	wednesday := at(3, "09:00")

	tests := []struct {
		name     string
		days     []int
		start    string
		wantDays int
		wantDay  int
	}{
		{"today before start", []int{3}, "10:00", 0, 3},
		{"only today, already started", []int{3}, "08:00", 7, 3},
		{"only today, starting now", []int{3}, "09:00", 7, 3},
		{"later this week", []int{3, 5}, "08:00", 2, 5},
		{"wraps to next week", []int{1}, "06:00", 5, 1},
		{"tomorrow", []int{4}, "23:59", 1, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, err := CalculateNextRun(&storage.Schedule{Days: tt.days, Start: tt.start, End: "23:59"}, wednesday)
			if err != nil {
				t.Fatalf("CalculateNextRun failed: %v", err)
			}
			if next.DaysFromNow != tt.wantDays {
				t.Errorf("DaysFromNow mismatch: got %d, want %d", next.DaysFromNow, tt.wantDays)
			}
			if next.Weekday != tt.wantDay {
				t.Errorf("Weekday mismatch: got %d, want %d", next.Weekday, tt.wantDay)
			}
			if int(next.At.Weekday()) != tt.wantDay || next.At.Format(ClockLayout) != tt.start {
				t.Errorf("At mismatch: %v", next.At)
			}
		})
	}

	if _, err := CalculateNextRun(&storage.Schedule{Start: "10:00"}, wednesday); !errors.Is(err, ErrNoNextRun) {
		t.Errorf("Expected ErrNoNextRun for empty day set, got %v", err)
	}
	if _, err := CalculateNextRun(&storage.Schedule{Days: []int{3}, Start: "7:00"}, wednesday); err == nil {
		t.Error("Expected error for malformed start time")
	}
}

func TestRegistrationIsIdempotent(t *testing.T) {
	env := setupTestEngine(t)
	env.engine.Start(context.Background())
	defer env.engine.Stop()

	msg := []byte(`{"username":"alice","password":"first","deviceId":"dev-1"}`)
	env.bus.onRegistration(msg)
	env.bus.onRegistration(msg)

	accounts, err := env.store.ListAccounts()
	if err != nil {
		t.Fatalf("ListAccounts failed: %v", err)
	}
	if len(accounts) != 1 {
		t.Fatalf("Expected 1 account, got %d", len(accounts))
	}
	if !env.hasher.Verify("first", accounts[0].PasswordHash) {
		t.Error("Password should verify after redelivery")
	}

	// Re-registration by device ID under another username only changes the password
	env.bus.onRegistration([]byte(`{"username":"someone","password":"second","deviceId":"dev-1"}`))
	a, err := env.store.GetAccount(accounts[0].ID)
	if err != nil {
		t.Fatalf("GetAccount failed: %v", err)
	}
	if a.Username != "alice" {
		t.Errorf("Username changed to %s", a.Username)
	}
	if !env.hasher.Verify("second", a.PasswordHash) || env.hasher.Verify("first", a.PasswordHash) {
		t.Error("Expected only the latest password to verify")
	}

	// Missing fields have no side effect
	env.bus.onRegistration([]byte(`{"username":"bob","deviceId":"dev-2"}`))
	if accounts, _ := env.store.ListAccounts(); len(accounts) != 1 {
		t.Errorf("Incomplete registration created an account")
	}
}

func TestRelayStatusBroadcastSurvivesStoreFailure(t *testing.T) {
	env := setupTestEngine(t)
	env.store.failRelayState = true

	env.engine.handleRelayStatus([]byte(`{"deviceId":"dev-1","relay":1,"state":true,"timer":0}`))

	events := env.hub.Events()
	if len(events) != 1 {
		t.Fatalf("Expected 1 broadcast, got %d", len(events))
	}
	if events[0].Type != protocol.EventRelayStatus {
		t.Errorf("Type mismatch: got %s", events[0].Type)
	}
	if _, err := env.store.LatestDeviceStatus("dev-1"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Expected nothing stored, got %v", err)
	}
}

func TestRelayStatusBroadcastsUnvalidatedPayload(t *testing.T) {
	env := setupTestEngine(t)

	env.engine.handleRelayStatus([]byte(`{"state":true}`))
	if len(env.hub.Events()) != 1 {
		t.Error("Payload without device should still be broadcast")
	}
}

func TestRelayStatusPersists(t *testing.T) {
	env := setupTestEngine(t)

	env.engine.handleRelayStatus([]byte(`{"deviceId":"dev-1","relay":0,"state":true,"timer":45}`))

	st, err := env.store.LatestDeviceStatus("dev-1")
	if err != nil {
		t.Fatalf("LatestDeviceStatus failed: %v", err)
	}
	if len(st.Relays) != 1 || !st.Relays[0].State || st.Relays[0].Timer != 45 {
		t.Errorf("Unexpected relay state: %+v", st.Relays)
	}
}

func TestDeviceStatusNotBroadcastOnStoreFailure(t *testing.T) {
	env := setupTestEngine(t)
	env.store.failDeviceStatus = true

	env.engine.handleDeviceStatus([]byte(`{"deviceId":"dev-1","ip":"10.0.0.2","rssi":-70,"uptime":5,"relays":[]}`))

	if n := len(env.hub.Events()); n != 0 {
		t.Errorf("Expected no broadcast, got %d", n)
	}
	if _, ok := env.engine.Devices().Get("dev-1"); ok {
		t.Error("Device should not be cached when persistence fails")
	}
}

func TestDeviceStatusStoredCachedAndBroadcast(t *testing.T) {
	env := setupTestEngine(t)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	env.engine.now = func() time.Time { return now }

	payload := `{"deviceId":"dev-1","ip":"10.0.0.2","rssi":-70,"uptime":5,"relays":[{"index":0,"state":true,"name":"Pump","timer":0}]}`
	env.engine.handleDeviceStatus([]byte(payload))

	events := env.hub.Events()
	if len(events) != 1 || events[0].Type != protocol.EventDeviceStatus {
		t.Fatalf("Expected 1 device_status broadcast, got %+v", events)
	}
	if string(events[0].Data) != payload {
		t.Errorf("Broadcast data mismatch: %s", events[0].Data)
	}

	dev, ok := env.engine.Devices().Get("dev-1")
	if !ok {
		t.Fatal("Device missing from cache")
	}
	if !dev.LastSeen.Equal(now) {
		t.Errorf("LastSeen mismatch: got %v, want %v", dev.LastSeen, now)
	}

	st, err := env.store.LatestDeviceStatus("dev-1")
	if err != nil {
		t.Fatalf("LatestDeviceStatus failed: %v", err)
	}
	if st.IP != "10.0.0.2" || len(st.Relays) != 1 || st.Relays[0].Name != "Pump" {
		t.Errorf("Stored snapshot mismatch: %+v", st)
	}
}

func TestSendRelayCommand(t *testing.T) {
	env := setupTestEngine(t)
	duration := 60

	if err := env.engine.SendRelayCommand("dev-1", 1, protocol.ActionToggle, &duration); err != nil {
		t.Fatalf("SendRelayCommand failed: %v", err)
	}
	cmds := env.bus.GetCommands()
	if len(cmds) != 1 || cmds[0].Action != protocol.ActionToggle || *cmds[0].Duration != 60 {
		t.Errorf("Unexpected commands: %+v", cmds)
	}

	if err := env.engine.SendRelayCommand("dev-1", 1, "explode", nil); !errors.Is(err, ErrInvalidCommand) {
		t.Errorf("Expected ErrInvalidCommand, got %v", err)
	}
	if len(env.bus.GetCommands()) != 1 {
		t.Error("Invalid command should not be published")
	}
}

func TestSchedulerLoopTicks(t *testing.T) {
	env := setupTestEngine(t)
	env.engine.config.SchedulerInterval = 20 * time.Millisecond
	env.engine.config.AlignToMinute = false
	env.engine.now = func() time.Time { return at(1, "08:00") }

	createAccountWithSchedule(t, env.store.DB, "dev-1", 0,
		&storage.Schedule{Days: []int{1}, Start: "08:00", End: "08:30", Enabled: true})

	if err := env.engine.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for len(env.bus.GetCommands()) < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	env.engine.Stop()

	if n := len(env.bus.GetCommands()); n < 2 {
		t.Errorf("Expected repeated commands across ticks, got %d", n)
	}
}

func TestDefaultConfigTicksOncePerMinute(t *testing.T) {
	cfg := DefaultConfig()
	if cfg.SchedulerInterval != time.Minute {
		t.Errorf("SchedulerInterval mismatch: got %v, want %v", cfg.SchedulerInterval, time.Minute)
	}
	if !cfg.AlignToMinute {
		t.Error("Expected first tick aligned to the minute boundary")
	}
}
