package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/loop"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/gorilla/websocket"
)

const testOrderID = protocol.OrderID("42")

var testIdentity = protocol.Identity{ID: "u1", Name: "Ann Lee", Role: "manager"}

type recordingHandler struct {
	events []protocol.Event
}

func (h *recordingHandler) HandleEvent(event protocol.Event) {
	h.events = append(h.events, event)
}

// mockWSServer runs handler for every accepted connection and counts them.
func mockWSServer(t *testing.T, handler func(index int, conn *websocket.Conn, r *http.Request)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	upgrader := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool { return true },
	}
	var connections atomic.Int32

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Logf("upgrade error: %v", err)
			return
		}
		defer conn.Close()
		index := int(connections.Add(1))
		handler(index, conn, r)
	}))
	t.Cleanup(server.Close)
	return server, &connections
}

func drain(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func newTestManager(t *testing.T, cfg Config) (*Manager, *loop.Loop, *recordingHandler) {
	t.Helper()
	eventLoop := loop.New()
	eventLoop.Start()
	handler := &recordingHandler{}
	manager, err := NewManager(cfg, eventLoop, handler)
	if err != nil {
		t.Fatalf("failed to build manager: %v", err)
	}
	t.Cleanup(func() {
		eventLoop.Call(manager.Disconnect)
		eventLoop.Stop()
	})
	return manager, eventLoop, handler
}

func testConfig(server *httptest.Server) Config {
	cfg := DefaultConfig()
	cfg.BaseURL = server.URL
	cfg.HeartbeatInterval = time.Hour
	cfg.ReconnectDelay = 100 * time.Millisecond
	cfg.WriteTimeout = time.Second
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, description string, condition func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", description)
}

func TestManagerConnectsAndDispatchesEvents(t *testing.T) {
	requests := make(chan *http.Request, 1)
	server, _ := mockWSServer(t, func(_ int, conn *websocket.Conn, r *http.Request) {
		requests <- r
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"sync.connected","users":[{"user_id":"u1","user_name":"Ann Lee","role":"manager"}]}`))
		drain(conn)
	})
	manager, eventLoop, handler := newTestManager(t, testConfig(server))

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "connected state", func() bool { return manager.Status().Connected })

	request := <-requests
	if request.URL.Path != "/api/orders/42/ws" {
		t.Fatalf("unexpected path %s", request.URL.Path)
	}
	if request.URL.Query().Get("user_name") != "Ann Lee" || request.URL.Query().Get("role") != "manager" {
		t.Fatalf("unexpected query %v", request.URL.Query())
	}

	waitFor(t, time.Second, "sync event", func() bool {
		count := 0
		eventLoop.Call(func() { count = len(handler.events) })
		return count == 1
	})
	eventLoop.Call(func() {
		if _, ok := handler.events[0].(protocol.SyncConnected); !ok {
			t.Errorf("expected SyncConnected, got %T", handler.events[0])
		}
	})
}

func TestManagerDropsMalformedAndUnknownFrames(t *testing.T) {
	server, _ := mockWSServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`garbage`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"order.archived"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"pong"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"user.typing","user_id":"u2","user_name":"Bo"}`))
		drain(conn)
	})
	manager, eventLoop, handler := newTestManager(t, testConfig(server))

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "typing event", func() bool {
		count := 0
		eventLoop.Call(func() { count = len(handler.events) })
		return count == 1
	})

	eventLoop.Call(func() {
		if typing, ok := handler.events[0].(protocol.UserTyping); !ok || typing.UserID != "u2" {
			t.Errorf("unexpected event %#v", handler.events[0])
		}
	})
	if !manager.Status().Connected {
		t.Fatalf("malformed frames must not affect the connection")
	}
}

func TestManagerSendsHeartbeat(t *testing.T) {
	pings := make(chan string, 16)
	server, _ := mockWSServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			pings <- string(data)
		}
	})
	cfg := testConfig(server)
	cfg.HeartbeatInterval = 20 * time.Millisecond
	manager, eventLoop, _ := newTestManager(t, cfg)

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })

	for i := 0; i < 2; i++ {
		select {
		case frame := <-pings:
			if frame != `{"type":"ping"}` {
				t.Fatalf("unexpected heartbeat frame %s", frame)
			}
		case <-time.After(time.Second):
			t.Fatal("expected heartbeat ping")
		}
	}
}

// recordingConn is an in-memory Conn that counts writes, including any that
// arrive after it was closed.
type recordingConn struct {
	writes     atomic.Int32
	closeCodes chan int
	closed     chan struct{}
	closeOnce  sync.Once
}

func newRecordingConn() *recordingConn {
	return &recordingConn{closeCodes: make(chan int, 1), closed: make(chan struct{})}
}

func (c *recordingConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, errors.New("connection closed")
}

func (c *recordingConn) WriteMessage(_ int, _ []byte) error {
	c.writes.Add(1)
	return nil
}

func (c *recordingConn) WriteControl(messageType int, data []byte, _ time.Time) error {
	if messageType == websocket.CloseMessage && len(data) >= 2 {
		c.closeCodes <- int(data[0])<<8 | int(data[1])
	}
	return nil
}

func (c *recordingConn) SetWriteDeadline(time.Time) error {
	return nil
}

func (c *recordingConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

type connDialer struct {
	conn Conn
}

func (d connDialer) Dial(context.Context, string) (Conn, error) {
	return d.conn, nil
}

func TestManagerDisconnectStopsHeartbeat(t *testing.T) {
	conn := newRecordingConn()
	cfg := DefaultConfig()
	cfg.BaseURL = "http://localhost"
	cfg.HeartbeatInterval = 20 * time.Millisecond
	cfg.Dialer = connDialer{conn: conn}
	manager, eventLoop, _ := newTestManager(t, cfg)

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "first heartbeat", func() bool { return conn.writes.Load() >= 1 })

	eventLoop.Call(manager.Disconnect)
	select {
	case code := <-conn.closeCodes:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("expected close code 1000, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected a close frame")
	}

	var ticking bool
	eventLoop.Call(func() { ticking = manager.heartbeat != nil })
	if ticking {
		t.Fatalf("heartbeat ticker survived disconnect")
	}
	written := conn.writes.Load()
	time.Sleep(150 * time.Millisecond)
	if got := conn.writes.Load(); got != written {
		t.Fatalf("expected no frames after disconnect, saw %d more", got-written)
	}
}

func TestManagerReconnectsOnceAfterAbnormalClose(t *testing.T) {
	var mu sync.Mutex
	var connectedAt []time.Time
	server, connections := mockWSServer(t, func(index int, conn *websocket.Conn, _ *http.Request) {
		mu.Lock()
		connectedAt = append(connectedAt, time.Now())
		mu.Unlock()
		if index == 1 {
			_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(4000, "restart"), time.Now().Add(time.Second))
			return
		}
		drain(conn)
	})
	manager, eventLoop, _ := newTestManager(t, testConfig(server))

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "reconnect scheduled", func() bool {
		return manager.Status().State == StateReconnectScheduled
	})
	if manager.Status().Err == "" {
		t.Fatalf("expected an observable error while reconnecting")
	}

	waitFor(t, time.Second, "second connection", func() bool { return connections.Load() == 2 })
	waitFor(t, time.Second, "connected again", func() bool { return manager.Status().Connected })
	time.Sleep(300 * time.Millisecond)
	if got := connections.Load(); got != 2 {
		t.Fatalf("expected exactly one reconnect, saw %d connections", got)
	}

	mu.Lock()
	defer mu.Unlock()
	if gap := connectedAt[1].Sub(connectedAt[0]); gap < 90*time.Millisecond {
		t.Fatalf("reconnect fired too early: %s", gap)
	}
}

func TestManagerDoesNotReconnectAfterNormalClose(t *testing.T) {
	server, connections := mockWSServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
		drain(conn)
	})
	manager, eventLoop, _ := newTestManager(t, testConfig(server))

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "first connection", func() bool { return connections.Load() == 1 })
	waitFor(t, time.Second, "disconnected state", func() bool {
		return manager.Status().State == StateDisconnected
	})

	time.Sleep(350 * time.Millisecond)
	if got := connections.Load(); got != 1 {
		t.Fatalf("normal closure must not reconnect, saw %d connections", got)
	}
}

func TestManagerDisconnectClosesNormally(t *testing.T) {
	closeCodes := make(chan int, 1)
	server, connections := mockWSServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				closeCodes <- closeCode(err)
				return
			}
		}
	})
	manager, eventLoop, _ := newTestManager(t, testConfig(server))

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "connected state", func() bool { return manager.Status().Connected })

	eventLoop.Call(manager.Disconnect)
	eventLoop.Call(manager.Disconnect)

	select {
	case code := <-closeCodes:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("expected close code 1000, got %d", code)
		}
	case <-time.After(time.Second):
		t.Fatal("expected server to observe close")
	}

	time.Sleep(350 * time.Millisecond)
	if manager.Status().State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", manager.Status().State)
	}
	if got := connections.Load(); got != 1 {
		t.Fatalf("disconnect must not reconnect, saw %d connections", got)
	}
}

func TestManagerDisconnectCancelsPendingReconnect(t *testing.T) {
	server, connections := mockWSServer(t, func(_ int, conn *websocket.Conn, _ *http.Request) {
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), time.Now().Add(time.Second))
	})
	manager, eventLoop, _ := newTestManager(t, testConfig(server))

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, time.Second, "reconnect scheduled", func() bool {
		return manager.Status().State == StateReconnectScheduled
	})
	eventLoop.Call(manager.Disconnect)

	time.Sleep(350 * time.Millisecond)
	if got := connections.Load(); got != 1 {
		t.Fatalf("pending reconnect survived disconnect, saw %d connections", got)
	}
}

type failingDialer struct {
	mu       sync.Mutex
	attempts []time.Time
}

func (d *failingDialer) Dial(_ context.Context, _ string) (Conn, error) {
	d.mu.Lock()
	d.attempts = append(d.attempts, time.Now())
	d.mu.Unlock()
	return nil, errors.New("connection refused")
}

func (d *failingDialer) snapshot() []time.Time {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]time.Time(nil), d.attempts...)
}

func TestManagerRetriesFailedDialsAtFixedDelay(t *testing.T) {
	dialer := &failingDialer{}
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.ReconnectDelay = 40 * time.Millisecond
	cfg.Dialer = dialer
	manager, eventLoop, _ := newTestManager(t, cfg)

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	waitFor(t, 2*time.Second, "four attempts", func() bool { return len(dialer.snapshot()) >= 4 })

	attempts := dialer.snapshot()
	for i := 1; i < len(attempts); i++ {
		gap := attempts[i].Sub(attempts[i-1])
		if gap < 35*time.Millisecond {
			t.Fatalf("attempt %d came after %s, before the fixed delay", i, gap)
		}
		if gap > 400*time.Millisecond {
			t.Fatalf("attempt %d came after %s, delay must not grow", i, gap)
		}
	}
	status := manager.Status()
	if status.Connected || !strings.Contains(status.Err, "connection refused") {
		t.Fatalf("unexpected status %#v", status)
	}
}

func TestManagerConnectIsNoOpWhenDisabledOrWithoutOrder(t *testing.T) {
	dialer := &failingDialer{}
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	cfg.Dialer = dialer
	cfg.Enabled = false
	manager, eventLoop, _ := newTestManager(t, cfg)

	eventLoop.Call(func() { manager.Connect(testOrderID, testIdentity) })
	eventLoop.Call(func() {
		manager.SetEnabled(true)
		manager.Connect("", testIdentity)
	})
	time.Sleep(50 * time.Millisecond)

	if got := len(dialer.snapshot()); got != 0 {
		t.Fatalf("expected no dial attempts, got %d", got)
	}
	if manager.Status().State != StateDisconnected {
		t.Fatalf("expected disconnected, got %s", manager.Status().State)
	}
}

func TestSendWithoutChannelFails(t *testing.T) {
	cfg := DefaultConfig()
	cfg.BaseURL = "http://127.0.0.1:1"
	manager, eventLoop, _ := newTestManager(t, cfg)

	var err error
	eventLoop.Call(func() { err = manager.Send(protocol.TypingMessage()) })
	if !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}
