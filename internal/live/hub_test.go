package live

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/relayhub/relayhub/internal/protocol"
)

func startTestHub(t *testing.T) (*Hub, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PingInterval = 50 * time.Millisecond
	cfg.ReadTimeout = time.Second
	return startTestHubWithConfig(t, cfg)
}

// startQuietHub never pings during a test, so writeMu is only held by Broadcast
func startQuietHub(t *testing.T) (*Hub, string) {
	t.Helper()

	cfg := DefaultConfig()
	cfg.PingInterval = time.Hour
	cfg.ReadTimeout = 2 * time.Hour
	return startTestHubWithConfig(t, cfg)
}

func startTestHubWithConfig(t *testing.T, cfg Config) (*Hub, string) {
	t.Helper()

	hub := NewHub(cfg)

	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		hub.Close()
		srv.Close()
	})
	return hub, "ws" + strings.TrimPrefix(srv.URL, "http")
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	return conn
}

func waitForCount(t *testing.T, hub *Hub, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if hub.Count() == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("Client count mismatch: got %d, want %d", hub.Count(), want)
}

func TestBroadcastReachesAllClients(t *testing.T) {
	hub, url := startTestHub(t)

	a := dial(t, url)
	defer a.Close()
	b := dial(t, url)
	defer b.Close()
	waitForCount(t, hub, 2)

	ev := protocol.NewEvent(protocol.EventRelayStatus, []byte(`{"deviceId":"dev-1","relay":0,"state":true}`))
	if err := hub.Broadcast(ev); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("ReadMessage failed: %v", err)
		}

		var got protocol.Event
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal failed: %v", err)
		}
		if got.Type != protocol.EventRelayStatus {
			t.Errorf("Type mismatch: got %s, want %s", got.Type, protocol.EventRelayStatus)
		}
		if !strings.Contains(string(got.Data), `"deviceId":"dev-1"`) {
			t.Errorf("Data mismatch: %s", got.Data)
		}
	}
}

func TestClosedClientIsRemoved(t *testing.T) {
	hub, url := startTestHub(t)

	a := dial(t, url)
	b := dial(t, url)
	defer b.Close()
	waitForCount(t, hub, 2)

	a.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	a.Close()
	waitForCount(t, hub, 1)

	// Remaining client still receives events
	if err := hub.Broadcast(protocol.NewEvent(protocol.EventDeviceStatus, []byte(`{"deviceId":"dev-2"}`))); err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}
	b.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := b.ReadMessage(); err != nil {
		t.Errorf("ReadMessage failed: %v", err)
	}
}

func TestBroadcastWithoutClients(t *testing.T) {
	hub := NewHub(DefaultConfig())
	if err := hub.Broadcast(protocol.NewEvent(protocol.EventRelayStatus, []byte(`{}`))); err != nil {
		t.Errorf("Broadcast failed: %v", err)
	}
	if hub.Count() != 0 {
		t.Errorf("Expected no clients, got %d", hub.Count())
	}
}

func TestCloseDisconnectsClients(t *testing.T) {
	hub, url := startTestHub(t)

	conn := dial(t, url)
	defer conn.Close()
	waitForCount(t, hub, 1)

	hub.Close()
	if hub.Count() != 0 {
		t.Errorf("Expected no clients after Close, got %d", hub.Count())
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("Expected read error after hub closed the connection")
	}
}

func registered(hub *Hub) []*client {
	hub.mu.RLock()
	defer hub.mu.RUnlock()
	out := make([]*client, 0, len(hub.clients))
	for c := range hub.clients {
		out = append(out, c)
	}
	return out
}

// received reports whether conn gets a data frame before the deadline
func received(conn *websocket.Conn, wait time.Duration) bool {
	conn.SetReadDeadline(time.Now().Add(wait))
	_, _, err := conn.ReadMessage()
	return err == nil
}

func TestBroadcastSkipsUnreadyAndBusyClients(t *testing.T) {
	hub, url := startQuietHub(t)

	conns := []*websocket.Conn{dial(t, url), dial(t, url), dial(t, url)}
	for _, conn := range conns {
		defer conn.Close()
	}
	waitForCount(t, hub, 3)

	clients := registered(hub)
	unready, busy := clients[0], clients[1]
	unready.ready.Store(false)
	busy.writeMu.Lock()

	err := hub.Broadcast(protocol.NewEvent(protocol.EventRelayStatus, []byte(`{"deviceId":"dev-1"}`)))
	busy.writeMu.Unlock()
	if err != nil {
		t.Fatalf("Broadcast failed: %v", err)
	}

	got := 0
	for _, conn := range conns {
		if received(conn, 500*time.Millisecond) {
			got++
		}
	}
	if got != 1 {
		t.Errorf("Delivery mismatch: got %d clients, want 1", got)
	}

	// Skipped clients stay registered
	if hub.Count() != 3 {
		t.Errorf("Client count mismatch: got %d, want 3", hub.Count())
	}
}

func TestBroadcastToleratesConcurrentRemoval(t *testing.T) {
	hub, url := startQuietHub(t)

	const n = 10
	conns := make([]*websocket.Conn, n)
	for i := range conns {
		conns[i] = dial(t, url)
		defer conns[i].Close()
	}
	waitForCount(t, hub, n)

	var failures atomic.Int32
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ev := protocol.NewEvent(protocol.EventDeviceStatus, []byte(`{"deviceId":"dev-1"}`))
		for i := 0; i < 500; i++ {
			select {
			case <-stop:
				return
			default:
			}
			if err := hub.Broadcast(ev); err != nil {
				failures.Add(1)
			}
		}
	}()

	// Half go away from the browser side, the rest are dropped by the server
	for _, conn := range conns[:n/2] {
		conn.Close()
	}
	for _, c := range registered(hub) {
		hub.remove(c)
	}
	close(stop)
	<-done

	if failures.Load() != 0 {
		t.Errorf("Broadcast failed %d times during removal", failures.Load())
	}
	waitForCount(t, hub, 0)

	if err := hub.Broadcast(protocol.NewEvent(protocol.EventDeviceStatus, []byte(`{}`))); err != nil {
		t.Errorf("Broadcast after removal failed: %v", err)
	}
}
