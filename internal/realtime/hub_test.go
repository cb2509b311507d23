package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/mbd888/tradeguard/internal/auth"
	"github.com/mbd888/tradeguard/internal/events"
)

func testHub() *Hub {
	return NewHub(slog.New(slog.DiscardHandler))
}

// asActor serves the hub with a fixed caller, as auth.Middleware would.
func asActor(h *Hub, a auth.Actor) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.ID != "" {
			r = r.WithContext(auth.WithActor(r.Context(), a))
		}
		h.HandleWebSocket(w, r)
	})
}

func walletEvent(typ events.Type, user, amount string) events.Event {
	e := events.New(typ, user, time.Now())
	e.Data = map[string]any{"userId": user, "amount": amount}
	return e
}

func dial(t *testing.T, srv *httptest.Server, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + query
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForClients(h *Hub, n int) {
	deadline := time.Now().Add(time.Second)
	for h.Stats()["connectedClients"].(int) < n && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
}

func orderEvent(typ events.Type, orderID, buyer, seller, amount string) events.Event {
	e := events.New(typ, orderID, time.Now())
	e.Data = map[string]any{"buyerId": buyer, "sellerId": seller, "amount": amount}
	return e
}

// ---------------------------------------------------------------------------
// shouldSend tests
// ---------------------------------------------------------------------------

func TestShouldSend_EmptySubscription(t *testing.T) {
	client := &Client{}
	if !shouldSend(client, orderEvent("order.paid", "o1", "b", "s", "10.00")) {
		t.Error("empty subscription should receive everything")
	}
}

func TestShouldSend_EventTypeFilter(t *testing.T) {
	client := &Client{sub: Subscription{EventTypes: []events.Type{"order.paid"}}}

	if !shouldSend(client, orderEvent("order.paid", "o1", "b", "s", "1.00")) {
		t.Error("should receive order.paid")
	}
	if shouldSend(client, orderEvent("order.cancelled", "o1", "b", "s", "1.00")) {
		t.Error("should NOT receive order.cancelled")
	}
}

func TestShouldSend_UserFilter(t *testing.T) {
	client := &Client{sub: Subscription{Users: []string{"alice"}}}

	if !shouldSend(client, orderEvent("order.paid", "o1", "alice", "bob", "1.00")) {
		t.Error("should match buyer")
	}
	if !shouldSend(client, orderEvent("order.paid", "o1", "carol", "alice", "1.00")) {
		t.Error("should match seller")
	}
	if shouldSend(client, orderEvent("order.paid", "o1", "carol", "bob", "1.00")) {
		t.Error("should NOT match unrelated parties")
	}
	if !shouldSend(client, walletEvent("wallet.adjusted", "alice", "5.00")) {
		t.Error("should match wallet owner")
	}
	if shouldSend(client, walletEvent("wallet.adjusted", "bob", "5.00")) {
		t.Error("should NOT match another wallet")
	}
	if shouldSend(client, events.New("dispute.closed", "o1", time.Now())) {
		t.Error("events without parties should not pass a user filter")
	}
}

func TestClientSubscribe_OwnerCannotWiden(t *testing.T) {
	client := &Client{owner: "alice"}
	client.subscribe(Subscription{Users: []string{"bob", "carol"}, Orders: []string{"o1"}})
	if len(client.sub.Users) != 1 || client.sub.Users[0] != "alice" {
		t.Errorf("users should stay pinned to alice, got %v", client.sub.Users)
	}
	if len(client.sub.Orders) != 1 {
		t.Errorf("order filter should be kept, got %v", client.sub.Orders)
	}

	admin := &Client{}
	admin.subscribe(Subscription{Users: []string{"bob"}})
	if len(admin.sub.Users) != 1 || admin.sub.Users[0] != "bob" {
		t.Errorf("admin should pick any user, got %v", admin.sub.Users)
	}
}

func TestShouldSend_OrderFilter(t *testing.T) {
	client := &Client{sub: Subscription{Orders: []string{"o1"}}}

	if !shouldSend(client, orderEvent("order.paid", "o1", "b", "s", "1.00")) {
		t.Error("should match subject")
	}
	if shouldSend(client, orderEvent("order.paid", "o2", "b", "s", "1.00")) {
		t.Error("should NOT match other orders")
	}
}

func TestShouldSend_MinAmount(t *testing.T) {
	client := &Client{sub: Subscription{MinAmount: "100.00"}}

	if !shouldSend(client, orderEvent("order.paid", "o1", "b", "s", "150.00")) {
		t.Error("should receive large order")
	}
	if shouldSend(client, orderEvent("order.paid", "o1", "b", "s", "99.99")) {
		t.Error("should NOT receive small order")
	}
	if shouldSend(client, events.New("dispute.closed", "d1", time.Now())) {
		t.Error("events without an amount should not pass a min amount filter")
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["totalEvents"].(int64) != 0 {
		t.Errorf("expected 0 total events, got %v", stats["totalEvents"])
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{hub: h, send: make(chan []byte, 256)}
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats["connectedClients"].(int) != 1 {
		t.Errorf("expected 1 connected client, got %v", stats["connectedClients"])
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats["connectedClients"].(int) != 0 {
		t.Errorf("expected 0 connected clients, got %v", stats["connectedClients"])
	}
	if stats["peakClients"].(int64) != 1 {
		t.Errorf("expected peak 1, got %v", stats["peakClients"])
	}
}

func TestHub_PublishFiltered(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	client := &Client{
		hub:  h,
		send: make(chan []byte, 256),
		sub:  Subscription{Users: []string{"alice"}},
	}
	h.register <- client

	_ = h.Publish(ctx, orderEvent("order.paid", "o1", "carol", "bob", "1.00"))
	_ = h.Publish(ctx, orderEvent("order.paid", "o2", "alice", "bob", "1.00"))

	select {
	case msg := <-client.send:
		var got events.Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if got.Subject != "o2" {
			t.Errorf("expected o2, got %s", got.Subject)
		}
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for event")
	}
}

func TestHub_ContextCancellation(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()

	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("hub did not stop after context cancellation")
	}
}

func TestHub_WebSocketEndToEnd(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(asActor(h, auth.Actor{ID: "s", Role: auth.RoleUser}))
	defer srv.Close()

	conn := dial(t, srv, "?order=o9")
	defer conn.Close()
	waitForClients(h, 1)

	_ = h.Publish(ctx, orderEvent("order.transferred", "o9", "b", "s", "5.00"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), "order.transferred") {
		t.Errorf("unexpected message: %s", msg)
	}
}

func TestHub_WebSocketRequiresActor(t *testing.T) {
	h := testHub()
	srv := httptest.NewServer(asActor(h, auth.Actor{}))
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("expected dial to fail without an actor")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %v", resp)
	}
}

func TestHub_WebSocketUserOnlySeesOwnEvents(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(asActor(h, auth.Actor{ID: "mallory", Role: auth.RoleUser}))
	defer srv.Close()

	// Asking for someone else's feed is ignored.
	conn := dial(t, srv, "?user=buyer")
	defer conn.Close()
	waitForClients(h, 1)

	_ = h.Publish(ctx, walletEvent("wallet.adjusted", "buyer", "50.00"))
	_ = h.Publish(ctx, orderEvent("order.paid", "o1", "buyer", "seller", "10.00"))
	_ = h.Publish(ctx, walletEvent("wallet.deposit", "mallory", "1.00"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got events.Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Type != "wallet.deposit" || got.Subject != "mallory" {
		t.Errorf("expected only mallory's deposit, got %s for %s", got.Type, got.Subject)
	}
}

func TestHub_WebSocketAdminPicksUser(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go h.Run(ctx)

	srv := httptest.NewServer(asActor(h, auth.Actor{ID: "ops", Role: auth.RoleAdmin}))
	defer srv.Close()

	conn := dial(t, srv, "?user=buyer")
	defer conn.Close()
	waitForClients(h, 1)

	_ = h.Publish(ctx, walletEvent("wallet.deposit", "other", "1.00"))
	_ = h.Publish(ctx, walletEvent("wallet.adjusted", "buyer", "50.00"))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if !strings.Contains(string(msg), `"subject":"buyer"`) {
		t.Errorf("unexpected message: %s", msg)
	}
}
