package ws

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/metrics"
)

// ErrHubBusy is returned by Publish when the event queue is full.
var ErrHubBusy = errors.New("hub queue full")

// ErrHubStopped is returned by Publish after Run has returned.
var ErrHubStopped = errors.New("hub stopped")

const eventQueueSize = 256

// Event is the message pushed to subscribers after an accepted order mutation.
type Event struct {
	Type      string          `json:"type"`
	OrderID   uuid.UUID       `json:"orderId"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// Hub maintains the set of active clients and fans events out to them
type Hub struct {
	registry *Registry

	// Clients by subscription ID; only touched by Run
	clients map[uuid.UUID]*Client

	register   chan *Client
	unregister chan *Client

	// Outbound events, FIFO
	events chan Event

	done chan struct{}
	log  logrus.FieldLogger
}

// NewHub creates a new Hub instance
func NewHub(log logrus.FieldLogger) *Hub {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Hub{
		registry:   NewRegistry(),
		clients:    make(map[uuid.UUID]*Client),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		events:     make(chan Event, eventQueueSize),
		done:       make(chan struct{}),
		log:        log.WithField("component", "ws_hub"),
	}
}

// Registry exposes the subscription registry, read-only use.
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Run starts the hub's main loop and blocks until ctx is cancelled.
// This should be called as a goroutine: go hub.Run(ctx)
func (h *Hub) Run(ctx context.Context) {
	defer func() {
		close(h.done)
		for id, client := range h.clients {
			h.drop(id, client)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return

		case client := <-h.register:
			h.clients[client.sub.ID] = client
			h.registry.Subscribe(client.sub)
			h.reportSubscribers()

		case client := <-h.unregister:
			if current, ok := h.clients[client.sub.ID]; ok && current == client {
				h.drop(client.sub.ID, client)
				h.reportSubscribers()
			}

		case evt := <-h.events:
			h.deliver(evt)
		}
	}
}

func (h *Hub) deliver(evt Event) {
	// Marshal event to JSON once
	message, err := json.Marshal(evt)
	if err != nil {
		h.log.WithError(err).WithField("order_id", evt.OrderID).Error("marshal event")
		return
	}

	evicted := false
	for _, id := range h.registry.SubscribersFor(evt.OrderID) {
		client, ok := h.clients[id]
		if !ok {
			continue
		}
		select {
		case client.send <- message:
		default:
			// Client's send buffer is full, close and unregister
			h.log.WithFields(logrus.Fields{
				"subscription_id": id,
				"scope":           client.sub.Scope.String(),
				"order_id":        evt.OrderID,
			}).Warn("evicting slow subscriber")
			h.drop(id, client)
			metrics.RecordEviction()
			evicted = true
		}
	}
	if evicted {
		h.reportSubscribers()
	}
}

func (h *Hub) drop(id uuid.UUID, client *Client) {
	delete(h.clients, id)
	h.registry.Unsubscribe(id)
	close(client.send)
}

func (h *Hub) reportSubscribers() {
	broadcast, tracking := h.registry.Counts()
	metrics.SetSubscribers("broadcast", broadcast)
	metrics.SetSubscribers("order", tracking)
}

// Publish queues evt for delivery without blocking.
func (h *Hub) Publish(evt Event) error {
	select {
	case <-h.done:
		return ErrHubStopped
	default:
	}
	select {
	case h.events <- evt:
		return nil
	default:
		metrics.RecordEventDropped("hub")
		return ErrHubBusy
	}
}

// attach registers client unless the hub has stopped.
func (h *Hub) attach(client *Client) bool {
	select {
	case h.register <- client:
		return true
	case <-h.done:
		return false
	}
}

// detach unregisters client; a no-op after the hub has stopped.
func (h *Hub) detach(client *Client) {
	select {
	case h.unregister <- client:
	case <-h.done:
	}
}
