package ws

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

func testHub(t *testing.T) *Hub {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)
	return hub
}

// mockClient creates a client for testing without a real WebSocket connection
func mockClient(hub *Hub, scope Scope, buffer int) *Client {
	return &Client{
		hub:  hub,
		sub:  Subscription{ID: uuid.New(), Role: "cashier", Scope: scope},
		send: make(chan []byte, buffer),
	}
}

func expectEvent(t *testing.T, c *Client, wantType string) Event {
	t.Helper()
	select {
	case msg, ok := <-c.send:
		if !ok {
			t.Fatal("send channel closed")
		}
		var received Event
		if err := json.Unmarshal(msg, &received); err != nil {
			t.Fatalf("failed to unmarshal message: %v", err)
		}
		if received.Type != wantType {
			t.Errorf("expected type %q, got %q", wantType, received.Type)
		}
		return received
	case <-time.After(100 * time.Millisecond):
		t.Fatal("client did not receive message")
	}
	return Event{}
}

func expectNoEvent(t *testing.T, c *Client) {
	t.Helper()
	select {
	case <-c.send:
		t.Fatal("client should not have received a message")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHubRegistration(t *testing.T) {
	hub := testHub(t)
	client := mockClient(hub, Broadcast(), 8)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	if _, ok := hub.Registry().get(client.sub.ID); !ok {
		t.Fatal("client not registered")
	}
}

func TestHubUnregistration(t *testing.T) {
	hub := testHub(t)
	client := mockClient(hub, ForOrder(uuid.New()), 8)

	hub.register <- client
	time.Sleep(10 * time.Millisecond)

	hub.unregister <- client
	time.Sleep(10 * time.Millisecond)

	if hub.Registry().Len() != 0 {
		t.Fatalf("expected empty registry, got %d", hub.Registry().Len())
	}
	if _, ok := <-client.send; ok {
		t.Fatal("expected send channel closed on unregister")
	}
}

func TestPublishReachesBroadcastAndMatchingTracker(t *testing.T) {
	hub := testHub(t)

	orderID := uuid.New()
	dashboard := mockClient(hub, Broadcast(), 8)
	kitchen := mockClient(hub, Broadcast(), 8)
	tracker := mockClient(hub, ForOrder(orderID), 8)
	otherTracker := mockClient(hub, ForOrder(uuid.New()), 8)

	for _, c := range []*Client{dashboard, kitchen, tracker, otherTracker} {
		hub.register <- c
	}
	time.Sleep(10 * time.Millisecond)

	payload := json.RawMessage(`{"status":"preparing"}`)
	ts := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	if err := hub.Publish(Event{Type: "order_updated", OrderID: orderID, Payload: payload, Timestamp: ts}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	for _, c := range []*Client{dashboard, kitchen, tracker} {
		got := expectEvent(t, c, "order_updated")
		if got.OrderID != orderID {
			t.Errorf("orderId: got %s, want %s", got.OrderID, orderID)
		}
		if string(got.Payload) != string(payload) {
			t.Errorf("payload: got %s, want %s", got.Payload, payload)
		}
		if !got.Timestamp.Equal(ts) {
			t.Errorf("timestamp: got %s, want %s", got.Timestamp, ts)
		}
	}
	expectNoEvent(t, otherTracker)
}

func TestPublishPreservesOrder(t *testing.T) {
	hub := testHub(t)
	orderID := uuid.New()
	tracker := mockClient(hub, ForOrder(orderID), 16)
	hub.register <- tracker
	time.Sleep(10 * time.Millisecond)

	types := []string{"order_created", "order_updated", "order_updated"}
	for i, typ := range types {
		payload := json.RawMessage(`{"seq":` + string(rune('0'+i)) + `}`)
		if err := hub.Publish(Event{Type: typ, OrderID: orderID, Payload: payload}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	for i, typ := range types {
		got := expectEvent(t, tracker, typ)
		want := `{"seq":` + string(rune('0'+i)) + `}`
		if string(got.Payload) != want {
			t.Errorf("event %d: got payload %s, want %s", i, got.Payload, want)
		}
	}
}

func TestSlowSubscriberEvicted(t *testing.T) {
	hub := testHub(t)
	orderID := uuid.New()

	slow := mockClient(hub, Broadcast(), 1)
	fast := mockClient(hub, Broadcast(), 8)
	hub.register <- slow
	hub.register <- fast
	time.Sleep(10 * time.Millisecond)

	for i := 0; i < 2; i++ {
		if err := hub.Publish(Event{Type: "order_updated", OrderID: orderID, Payload: json.RawMessage(`{}`)}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	time.Sleep(20 * time.Millisecond)

	if _, ok := hub.Registry().get(slow.sub.ID); ok {
		t.Fatal("slow subscriber should have been evicted")
	}
	if _, ok := hub.Registry().get(fast.sub.ID); !ok {
		t.Fatal("fast subscriber should still be registered")
	}

	// The buffered event is still readable, then the channel is closed.
	if _, ok := <-slow.send; !ok {
		t.Fatal("expected buffered event before close")
	}
	if _, ok := <-slow.send; ok {
		t.Fatal("expected send channel closed after eviction")
	}

	expectEvent(t, fast, "order_updated")
	expectEvent(t, fast, "order_updated")
}

func TestPublishDoesNotBlockWhenQueueFull(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	hub := NewHub(log) // Run not started: nothing drains the queue

	for i := 0; i < eventQueueSize; i++ {
		if err := hub.Publish(Event{Type: "order_updated"}); err != nil {
			t.Fatalf("publish %d: %v", i, err)
		}
	}

	done := make(chan error, 1)
	go func() { done <- hub.Publish(Event{Type: "order_updated"}) }()

	select {
	case err := <-done:
		if err != ErrHubBusy {
			t.Fatalf("expected ErrHubBusy, got %v", err)
		}
	case <-time.After(100 * time.Millisecond):
		t.Fatal("publish blocked on a full queue")
	}
}

func TestHubStopClosesClients(t *testing.T) {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	hub := NewHub(log)
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		hub.Run(ctx)
		close(stopped)
	}()

	client := mockClient(hub, Broadcast(), 8)
	if !hub.attach(client) {
		t.Fatal("attach failed on running hub")
	}

	cancel()
	<-stopped

	if _, ok := <-client.send; ok {
		t.Fatal("expected send channel closed on shutdown")
	}
	if err := hub.Publish(Event{Type: "order_updated"}); err != ErrHubStopped {
		t.Fatalf("expected ErrHubStopped, got %v", err)
	}
	if hub.attach(mockClient(hub, Broadcast(), 1)) {
		t.Fatal("attach should fail after shutdown")
	}
}

func TestEventJSONShape(t *testing.T) {
	orderID := uuid.MustParse("6f1c0d4e-3a43-4c1f-9d5e-111111111111")
	evt := Event{
		Type:      "order_created",
		OrderID:   orderID,
		Payload:   json.RawMessage(`{"id":"6f1c0d4e-3a43-4c1f-9d5e-111111111111"}`),
		Timestamp: time.Date(2026, 3, 1, 12, 30, 0, 0, time.UTC),
	}

	data, err := json.Marshal(evt)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"type", "orderId", "payload", "timestamp"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if string(raw["timestamp"]) != `"2026-03-01T12:30:00Z"` {
		t.Errorf("timestamp: got %s", raw["timestamp"])
	}
}
