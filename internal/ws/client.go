package ws

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/auth"
	"github.com/tabletrack/api/internal/enum"
)

const (
	// Time allowed to write a message to the peer
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer
	pongWait = 60 * time.Second

	// Send pings to peer with this period (must be less than pongWait)
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer
	maxMessageSize = 512

	// Per-subscriber FIFO buffer; a full buffer gets the subscriber evicted
	sendBufferSize = 64
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // Allow all origins (we validate via JWT)
	},
}

// ErrTrackingDenied is returned by a TrackAuthorizer when the caller may not follow the order.
var ErrTrackingDenied = errors.New("tracking denied")

// ErrOrderNotFound is returned by a TrackAuthorizer for an unknown order.
var ErrOrderNotFound = errors.New("order not found")

// TrackAuthorizer decides whether claims may follow orderID.
type TrackAuthorizer func(ctx context.Context, claims *auth.Claims, orderID uuid.UUID) error

// Client represents a single WebSocket connection
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	sub  Subscription
	send chan []byte
}

// ReadPump pumps messages from the WebSocket connection to the hub
// The application runs ReadPump in a per-connection goroutine
// Subscribers don't send messages - we just detect disconnects
func (c *Client) ReadPump() {
	defer func() {
		c.hub.detach(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	// Read loop - we just wait for disconnect or errors
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.WithError(err).WithField("subscription_id", c.sub.ID).Debug("websocket read error")
			}
			break
		}
	}
}

// WritePump pumps messages from the hub to the WebSocket connection
// The application runs WritePump in a per-connection goroutine
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// The hub closed the channel
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One event per frame so clients can parse each message as JSON
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// ServeStaff handles dashboard WebSocket requests: every order event.
// Endpoint: WS /ws/orders?token=JWT
func ServeStaff(hub *Hub, jwtSecret string, w http.ResponseWriter, r *http.Request) {
	claims, ok := authenticate(jwtSecret, w, r)
	if !ok {
		return
	}
	if !enum.IsStaffRole(claims.Role) {
		http.Error(w, "staff access required", http.StatusForbidden)
		return
	}
	serve(hub, w, r, Subscription{ID: uuid.New(), Role: claims.Role, Scope: Broadcast()})
}

// ServeTracking handles customer WebSocket requests: events for one order.
// Endpoint: WS /ws/orders/{id}?token=JWT
func ServeTracking(hub *Hub, jwtSecret string, authorize TrackAuthorizer, w http.ResponseWriter, r *http.Request) {
	claims, ok := authenticate(jwtSecret, w, r)
	if !ok {
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid order id", http.StatusBadRequest)
		return
	}

	if err := authorize(r.Context(), claims, orderID); err != nil {
		switch {
		case errors.Is(err, ErrOrderNotFound):
			http.Error(w, "order not found", http.StatusNotFound)
		case errors.Is(err, ErrTrackingDenied):
			http.Error(w, "order access denied", http.StatusForbidden)
		default:
			hub.log.WithError(err).WithField("order_id", orderID).Error("authorize tracking")
			http.Error(w, "internal server error", http.StatusInternalServerError)
		}
		return
	}

	serve(hub, w, r, Subscription{ID: uuid.New(), Role: claims.Role, Scope: ForOrder(orderID)})
}

func authenticate(jwtSecret string, w http.ResponseWriter, r *http.Request) (*auth.Claims, bool) {
	tokenStr := r.URL.Query().Get("token")
	if tokenStr == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return nil, false
	}

	claims, err := auth.ValidateToken(jwtSecret, tokenStr)
	if err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return nil, false
	}
	return claims, true
}

func serve(hub *Hub, w http.ResponseWriter, r *http.Request, sub Subscription) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		hub.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:  hub,
		conn: conn,
		sub:  sub,
		send: make(chan []byte, sendBufferSize),
	}
	if !hub.attach(client) {
		conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
		conn.Close()
		return
	}

	hub.log.WithFields(logrus.Fields{
		"subscription_id": sub.ID,
		"role":            sub.Role,
		"scope":           sub.Scope.String(),
	}).Debug("subscriber connected")

	go client.WritePump()
	go client.ReadPump()
}
