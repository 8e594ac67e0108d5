package collab

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/ordersync/internal/notify"
	"github.com/MarcoPoloResearchLab/ordersync/internal/protocol"
	"github.com/MarcoPoloResearchLab/ordersync/internal/sections"
	"github.com/gorilla/websocket"
)

var localIdentity = protocol.Identity{ID: "me", Name: "Ann", Role: "sales"}

type recordingNotifier struct {
	mu         sync.Mutex
	categories []notify.Category
}

func (n *recordingNotifier) Play(category notify.Category) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.categories = append(n.categories, category)
}

func (n *recordingNotifier) played() []notify.Category {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notify.Category{}, n.categories...)
}

type stubCommitter struct {
	requests []sections.CommitRequest
	result   sections.CommitResult
}

func (c *stubCommitter) Commit(_ context.Context, request sections.CommitRequest) (sections.CommitResult, error) {
	c.requests = append(c.requests, request)
	return c.result, nil
}

type scriptedConn struct {
	path    string
	closeCh chan int
}

// scriptedServer writes frames to every connection and reports the close
// code each connection ended with.
func scriptedServer(t *testing.T, frames func(path string) []string) (*httptest.Server, chan scriptedConn) {
	t.Helper()
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	connections := make(chan scriptedConn, 8)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		record := scriptedConn{path: r.URL.Path, closeCh: make(chan int, 1)}
		connections <- record
		for _, frame := range frames(r.URL.Path) {
			_ = conn.WriteMessage(websocket.TextMessage, []byte(frame))
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				code := websocket.CloseAbnormalClosure
				if closeErr, ok := err.(*websocket.CloseError); ok {
					code = closeErr.Code
				}
				record.closeCh <- code
				return
			}
		}
	}))
	t.Cleanup(server.Close)
	return server, connections
}

func newTestSession(t *testing.T, server *httptest.Server, notifier Notifier, committer Committer, onComment func(json.RawMessage)) *Session {
	t.Helper()
	session, err := NewSession(Config{
		Identity:          localIdentity,
		BaseURL:           server.URL,
		Enabled:           true,
		HeartbeatInterval: time.Hour,
		ReconnectDelay:    50 * time.Millisecond,
		TypingTTL:         time.Hour,
		Notifier:          notifier,
		Committer:         committer,
		OnComment:         onComment,
	})
	if err != nil {
		t.Fatalf("failed to build session: %v", err)
	}
	t.Cleanup(session.Close)
	return session
}

func TestSessionRoutesEvents(t *testing.T) {
	server, _ := scriptedServer(t, func(string) []string {
		return []string{
			`{"type":"sync.connected","users":[{"user_id":"me","user_name":"Ann","role":"sales"}]}`,
			`{"type":"user.joined","users":[{"user_id":"me","user_name":"Ann","role":"sales"},{"user_id":"u2","user_name":"Bea","role":"ops"}]}`,
			`{"type":"user.typing","user_id":"me","user_name":"Ann"}`,
			`{"type":"user.typing","user_id":"u2","user_name":"Bea"}`,
			`{"type":"order.section.updated","section":"pricing","version":4,"updated_by_id":"me","updated_by_name":"Ann","changed_fields":["total"]}`,
			`{"type":"order.section.updated","section":"customer","version":2,"updated_by_id":"u2","updated_by_name":"Bea","changed_fields":["phone"],"changes_summary":"new phone"}`,
			`{"type":"order.comment.added","comment":{"id":"c1","body":"hi"}}`,
		}
	})
	notifier := &recordingNotifier{}
	comments := make(chan json.RawMessage, 1)
	session := newTestSession(t, server, notifier, nil, func(raw json.RawMessage) { comments <- raw })

	if err := session.Open("order-7"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var comment json.RawMessage
	select {
	case comment = <-comments:
	case <-time.After(2 * time.Second):
		t.Fatal("expected comment to reach handler")
	}
	var decoded map[string]any
	if err := json.Unmarshal(comment, &decoded); err != nil || decoded["type"] != "order.comment.added" {
		t.Fatalf("expected raw comment payload, got %s", comment)
	}

	others := session.Others()
	if len(others) != 1 || others[0].UserID != "u2" {
		t.Fatalf("expected Bea as the only other user, got %#v", others)
	}
	if len(session.Presence()) != 2 {
		t.Fatalf("expected two present users")
	}

	typing := session.Typing()
	if len(typing) != 1 || typing[0].UserID != "u2" {
		t.Fatalf("expected only remote typing, got %#v", typing)
	}

	pending := session.PendingUpdates()
	if len(pending) != 1 || pending[0].Section != "customer" || pending[0].Summary != "new phone" {
		t.Fatalf("expected only the remote section notice, got %#v", pending)
	}

	waitFor(t, time.Second, "comment cue", func() bool { return len(notifier.played()) == 3 })
	played := notifier.played()
	expected := []notify.Category{notify.CategoryJoin, notify.CategoryUpdate, notify.CategoryUpdate}
	if len(played) != len(expected) {
		t.Fatalf("expected cues %v, got %v", expected, played)
	}
	for index := range expected {
		if played[index] != expected[index] {
			t.Fatalf("expected cues %v, got %v", expected, played)
		}
	}

	session.Dismiss("customer")
	if session.HasPendingUpdates() {
		t.Fatalf("expected dismiss to clear the refresh flag")
	}
}

// blockingNotifier holds every cue until released, like a player stuck on a
// slow audio device.
type blockingNotifier struct {
	started chan notify.Category
	release chan struct{}
}

func (n *blockingNotifier) Play(category notify.Category) {
	select {
	case n.started <- category:
	default:
	}
	<-n.release
}

func TestSessionSlowNotifierDoesNotStallEvents(t *testing.T) {
	server, _ := scriptedServer(t, func(string) []string {
		return []string{
			`{"type":"order.section.updated","section":"pricing","version":3,"updated_by_id":"u2","updated_by_name":"Bea"}`,
			`{"type":"user.typing","user_id":"u2","user_name":"Bea"}`,
		}
	})
	notifier := &blockingNotifier{started: make(chan notify.Category, 1), release: make(chan struct{})}
	t.Cleanup(func() { close(notifier.release) })
	session := newTestSession(t, server, notifier, nil, nil)

	if err := session.Open("order-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case category := <-notifier.started:
		if category != notify.CategoryUpdate {
			t.Fatalf("expected update cue, got %s", category)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected the update cue to start")
	}

	waitFor(t, 500*time.Millisecond, "typing while the cue plays", func() bool { return len(session.Typing()) == 1 })

	started := time.Now()
	session.Dismiss("pricing")
	if elapsed := time.Since(started); elapsed > 200*time.Millisecond {
		t.Fatalf("dismiss waited %s behind the cue", elapsed)
	}
	if session.HasPendingUpdates() {
		t.Fatalf("expected dismiss to clear the notice")
	}
}

func TestSessionTeardownCancelsTypingTimers(t *testing.T) {
	server, _ := scriptedServer(t, func(string) []string {
		return []string{
			`{"type":"user.typing","user_id":"u2","user_name":"Bea"}`,
			`{"type":"user.typing","user_id":"u3","user_name":"Cy"}`,
		}
	})
	session := newTestSession(t, server, nil, nil, nil)
	liveTimers := func() int {
		var pending int
		session.loop.Call(func() { pending = session.typing.pendingTimers() })
		return pending
	}

	if err := session.Open("order-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, 2*time.Second, "typing markers", func() bool { return len(session.Typing()) == 2 })
	if pending := liveTimers(); pending != 2 {
		t.Fatalf("expected two expiry timers, got %d", pending)
	}

	if err := session.Leave(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if pending := liveTimers(); pending != 0 {
		t.Fatalf("expected leave to cancel expiry timers, got %d", pending)
	}
	if len(session.Typing()) != 0 {
		t.Fatalf("expected leave to clear typing markers")
	}

	if err := session.Open("order-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, 2*time.Second, "typing markers after reopening", func() bool { return len(session.Typing()) == 2 })

	session.Close()
	if pending := session.typing.pendingTimers(); pending != 0 {
		t.Fatalf("expected close to cancel expiry timers, got %d", pending)
	}
}

func TestSessionSwitchingOrdersClosesPreviousChannelNormally(t *testing.T) {
	server, connections := scriptedServer(t, func(path string) []string {
		return []string{`{"type":"sync.connected","users":[{"user_id":"me"},{"user_id":"u2"}]}`}
	})
	session := newTestSession(t, server, nil, nil, nil)

	if err := session.Open("order-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	first := <-connections
	if first.path != "/api/orders/order-1/ws" {
		t.Fatalf("unexpected path %s", first.path)
	}
	waitFor(t, 2*time.Second, "presence for first order", func() bool { return len(session.Others()) == 1 })

	if err := session.Open("order-2"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	select {
	case code := <-first.closeCh:
		if code != websocket.CloseNormalClosure {
			t.Fatalf("expected normal closure, got %d", code)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("expected first channel to close")
	}

	second := <-connections
	if second.path != "/api/orders/order-2/ws" {
		t.Fatalf("unexpected path %s", second.path)
	}
	if session.OrderID() != "order-2" {
		t.Fatalf("expected order-2 to be open, got %s", session.OrderID())
	}
	waitFor(t, 2*time.Second, "connected to second order", func() bool { return session.Status().Connected })

	if err := session.Leave(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Status().Connected || len(session.Presence()) != 0 || session.OrderID() != "" {
		t.Fatalf("expected leave to clear state")
	}
}

func TestSessionClearsPresenceWhenDisabled(t *testing.T) {
	server, _ := scriptedServer(t, func(string) []string {
		return []string{`{"type":"sync.connected","users":[{"user_id":"me"},{"user_id":"u2"}]}`}
	})
	session := newTestSession(t, server, nil, nil, nil)

	if err := session.Open("order-1"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, 2*time.Second, "presence", func() bool { return len(session.Others()) == 1 })

	if err := session.SetEnabled(false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if session.Status().Connected || len(session.Presence()) != 0 {
		t.Fatalf("expected disabling to disconnect and clear presence")
	}

	if err := session.SetEnabled(true); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	waitFor(t, 2*time.Second, "reconnect after enable", func() bool { return len(session.Others()) == 1 })
}

func TestSessionCommitUsesOpenOrder(t *testing.T) {
	server, _ := scriptedServer(t, func(string) []string { return nil })
	committer := &stubCommitter{result: sections.CommitResult{NewVersion: 5}}
	session := newTestSession(t, server, nil, committer, nil)

	if _, err := session.Commit(context.Background(), sections.CommitRequest{Section: "pricing"}); err != ErrNoOrder {
		t.Fatalf("expected ErrNoOrder, got %v", err)
	}

	if err := session.Open("order-3"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	result, err := session.Commit(context.Background(), sections.CommitRequest{Section: "pricing", ClientVersion: 4})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.NewVersion != 5 {
		t.Fatalf("expected new version 5, got %d", result.NewVersion)
	}
	if len(committer.requests) != 1 || committer.requests[0].OrderID != "order-3" {
		t.Fatalf("expected commit against the open order, got %#v", committer.requests)
	}
}

func TestSessionWithoutCommitterOrAfterClose(t *testing.T) {
	server, _ := scriptedServer(t, func(string) []string { return nil })
	session := newTestSession(t, server, nil, nil, nil)

	if _, err := session.Commit(context.Background(), sections.CommitRequest{OrderID: "o", Section: "s"}); err != ErrNoCommitter {
		t.Fatalf("expected ErrNoCommitter, got %v", err)
	}

	session.Close()
	session.Close()
	if err := session.Open("order-1"); err != ErrSessionClosed {
		t.Fatalf("expected ErrSessionClosed, got %v", err)
	}
	session.SendTyping()
}

func TestNewSessionRequiresIdentity(t *testing.T) {
	if _, err := NewSession(Config{BaseURL: "http://localhost"}); err == nil {
		t.Fatalf("expected identity validation error")
	}
}
