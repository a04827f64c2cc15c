package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/mbd888/creditsaga/internal/purchase"
)

func testHub() *Hub {
	return NewHub(slog.Default())
}

func runHub(t *testing.T, h *Hub) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go h.Run(ctx)
	time.Sleep(50 * time.Millisecond)
}

func testClient(h *Hub, sub Subscription) *Client {
	return &Client{hub: h, send: make(chan []byte, clientBuffer), sub: sub}
}

// ---------------------------------------------------------------------------
// Subscription matching
// ---------------------------------------------------------------------------

func TestSubscription_Matches(t *testing.T) {
	created := &Event{Type: purchase.EventPurchaseCreated, CustomerID: "cust_1", PurchaseID: "pur_1"}
	shipment := &Event{Type: purchase.EventShipmentStatusChanged}

	tests := []struct {
		name  string
		sub   Subscription
		event *Event
		want  bool
	}{
		{"empty matches everything", Subscription{}, created, true},
		{"all events overrides filters", Subscription{AllEvents: true, CustomerIDs: []string{"someone_else"}}, created, true},
		{"type listed", Subscription{EventTypes: []string{purchase.EventPurchaseSettled, purchase.EventPurchaseCreated}}, created, true},
		{"type not listed", Subscription{EventTypes: []string{purchase.EventRefundApproved}}, created, false},
		{"own customer", Subscription{CustomerIDs: []string{"cust_1"}}, created, true},
		{"other customer", Subscription{CustomerIDs: []string{"cust_2"}}, created, false},
		{"no customer on event", Subscription{CustomerIDs: []string{"cust_1"}}, shipment, false},
		{"every filter matches", Subscription{EventTypes: []string{purchase.EventPurchaseCreated}, PurchaseIDs: []string{"pur_1"}}, created, true},
		{"one filter misses", Subscription{EventTypes: []string{purchase.EventPurchaseCreated}, PurchaseIDs: []string{"pur_2"}}, created, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.sub.Matches(tt.event); got != tt.want {
				t.Errorf("Matches() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNewEvent_LiftsIDs(t *testing.T) {
	e := newEvent(purchase.EventRefundRequested, &purchase.RefundRequest{ID: "rr_1", PurchaseID: "pur_1", CustomerID: "cust_1"}, time.Now())
	if e.CustomerID != "cust_1" || e.PurchaseID != "pur_1" || e.Timestamp.Location() != time.UTC {
		t.Errorf("event = %+v", e)
	}
}

func TestCheckOrigin(t *testing.T) {
	h := NewHub(slog.Default(), WithAllowedOrigins([]string{"https://support.example"}))
	tests := []struct {
		origin string
		want   bool
	}{
		{"", true},
		{"http://example.com", true}, // same host as httptest requests
		{"https://support.example", true},
		{"https://evil.example", false},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/v1/stream", nil)
		if tt.origin != "" {
			r.Header.Set("Origin", tt.origin)
		}
		if got := h.checkOrigin(r); got != tt.want {
			t.Errorf("checkOrigin(%q) = %v, want %v", tt.origin, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Hub lifecycle tests
// ---------------------------------------------------------------------------

func TestHub_Stats_Initial(t *testing.T) {
	h := testHub()

	stats := h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients, got %v", stats.ConnectedClients)
	}
	if stats.TotalEvents != 0 {
		t.Errorf("Expected 0 total events, got %v", stats.TotalEvents)
	}
	if h.Running() {
		t.Error("Hub should not be running before Run")
	}
}

func TestHub_RegisterUnregister(t *testing.T) {
	h := testHub()
	runHub(t, h)

	if !h.Running() {
		t.Fatal("Hub should report running")
	}

	client := testClient(h, Subscription{AllEvents: true})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	stats := h.Stats()
	if stats.ConnectedClients != 1 {
		t.Errorf("Expected 1 connected client, got %v", stats.ConnectedClients)
	}

	h.unregister <- client
	time.Sleep(50 * time.Millisecond)

	stats = h.Stats()
	if stats.ConnectedClients != 0 {
		t.Errorf("Expected 0 connected clients after unregister, got %v", stats.ConnectedClients)
	}
	if stats.PeakClients != 1 {
		t.Errorf("Expected peak still 1, got %v", stats.PeakClients)
	}
}

func TestHub_PublishPurchase(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := testClient(h, Subscription{CustomerIDs: []string{"cust_1"}})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(purchase.EventPurchaseCreated, &purchase.Purchase{ID: "pur_1", CustomerID: "cust_1"})

	select {
	case msg := <-client.send:
		var got Event
		if err := json.Unmarshal(msg, &got); err != nil {
			t.Fatalf("unmarshal: %v", err)
		}
		if got.Type != purchase.EventPurchaseCreated || got.PurchaseID != "pur_1" || got.CustomerID != "cust_1" {
			t.Errorf("unexpected event: %+v", got)
		}
		if got.Timestamp.IsZero() {
			t.Error("Expected a timestamp")
		}
	case <-time.After(time.Second):
		t.Fatal("Timeout waiting for publish")
	}
}

func TestHub_PublishRefundRequestFiltered(t *testing.T) {
	h := testHub()
	runHub(t, h)

	client := testClient(h, Subscription{PurchaseIDs: []string{"pur_1"}})
	h.register <- client
	time.Sleep(50 * time.Millisecond)

	h.Publish(purchase.EventRefundRequested, &purchase.RefundRequest{ID: "rr_2", PurchaseID: "pur_2", CustomerID: "cust_1"})
	time.Sleep(100 * time.Millisecond)

	select {
	case <-client.send:
		t.Error("Client should NOT receive events for another purchase")
	default:
	}

	h.Publish(purchase.EventRefundRequested, &purchase.RefundRequest{ID: "rr_1", PurchaseID: "pur_1", CustomerID: "cust_1"})

	select {
	case msg := <-client.send:
		if !strings.Contains(string(msg), `"rr_1"`) {
			t.Errorf("Expected refund request payload, got %s", msg)
		}
	case <-time.After(time.Second):
		t.Error("Client should receive the matching refund event")
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

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Hub did not stop after context cancellation")
	}
	if h.Running() {
		t.Error("Hub should not report running after stop")
	}
}

func TestHub_WebSocketStream(t *testing.T) {
	gin.SetMode(gin.TestMode)
	h := testHub()
	runHub(t, h)

	r := gin.New()
	r.GET("/stream", h.Stream)
	srv := httptest.NewServer(r)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer func() { _ = conn.Close() }()

	sub, _ := json.Marshal(Subscription{EventTypes: []string{purchase.EventPurchaseCancelled}})
	if err := conn.WriteMessage(websocket.TextMessage, sub); err != nil {
		t.Fatalf("write subscription: %v", err)
	}
	time.Sleep(100 * time.Millisecond)

	h.Publish(purchase.EventPurchaseCreated, &purchase.Purchase{ID: "pur_1", CustomerID: "cust_1"})
	h.Publish(purchase.EventPurchaseCancelled, &purchase.Purchase{ID: "pur_1", CustomerID: "cust_1"})

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, msg, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var got Event
	if err := json.Unmarshal(msg, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != purchase.EventPurchaseCancelled {
		t.Errorf("Expected cancelled event first, got %s", got.Type)
	}
}

func TestHub_RejectsAfterStop(t *testing.T) {
	h := testHub()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.Run(ctx)
		close(done)
	}()
	cancel()
	<-done

	w := httptest.NewRecorder()
	h.HandleWebSocket(w, httptest.NewRequest("GET", "/stream", nil))
	if w.Code != 503 {
		t.Errorf("Expected 503 after stop, got %d", w.Code)
	}
}

func TestHub_DropsSlowClient(t *testing.T) {
	h := testHub()
	runHub(t, h)

	slow := &Client{hub: h, send: make(chan []byte), sub: Subscription{AllEvents: true}}
	h.register <- slow
	time.Sleep(50 * time.Millisecond)

	// Nobody reads slow.send, so the hub cannot deliver and must drop it.
	h.Publish(purchase.EventPurchaseCreated, &purchase.Purchase{ID: "pur_1"})
	time.Sleep(100 * time.Millisecond)

	if n := h.Stats().ConnectedClients; n != 0 {
		t.Fatalf("connected = %d, want slow client dropped", n)
	}
	if _, ok := <-slow.send; ok {
		t.Fatal("expected send to be closed")
	}
}
