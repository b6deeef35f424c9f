package ws

import (
	"sync"

	"github.com/google/uuid"
)

type scopeKind uint8

const (
	scopeBroadcast scopeKind = iota
	scopeOrder
)

// Scope says which events a subscription receives: every event (Broadcast)
// or only events for a single order (ForOrder).
type Scope struct {
	kind    scopeKind
	orderID uuid.UUID
}

// Broadcast is the scope of staff dashboards.
func Broadcast() Scope {
	return Scope{kind: scopeBroadcast}
}

// ForOrder is the scope of a customer tracking one order.
func ForOrder(id uuid.UUID) Scope {
	return Scope{kind: scopeOrder, orderID: id}
}

// IsBroadcast reports whether s receives every event.
func (s Scope) IsBroadcast() bool {
	return s.kind == scopeBroadcast
}

// OrderID returns the tracked order and true for a ForOrder scope.
func (s Scope) OrderID() (uuid.UUID, bool) {
	if s.kind != scopeOrder {
		return uuid.Nil, false
	}
	return s.orderID, true
}

func (s Scope) String() string {
	if s.kind == scopeOrder {
		return "order"
	}
	return "broadcast"
}

// Subscription is one live push connection.
type Subscription struct {
	ID    uuid.UUID
	Role  string
	Scope Scope
}

// Registry tracks live subscriptions and resolves the recipients of an event.
// It is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	all       map[uuid.UUID]Subscription
	broadcast map[uuid.UUID]struct{}
	byOrder   map[uuid.UUID]map[uuid.UUID]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		all:       make(map[uuid.UUID]Subscription),
		broadcast: make(map[uuid.UUID]struct{}),
		byOrder:   make(map[uuid.UUID]map[uuid.UUID]struct{}),
	}
}

// Subscribe adds sub, replacing any subscription with the same ID.
func (r *Registry) Subscribe(sub Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.removeLocked(sub.ID)
	r.all[sub.ID] = sub
	if orderID, ok := sub.Scope.OrderID(); ok {
		if r.byOrder[orderID] == nil {
			r.byOrder[orderID] = make(map[uuid.UUID]struct{})
		}
		r.byOrder[orderID][sub.ID] = struct{}{}
		return
	}
	r.broadcast[sub.ID] = struct{}{}
}

// Unsubscribe removes the subscription with id. Unknown ids are ignored.
func (r *Registry) Unsubscribe(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.removeLocked(id)
}

func (r *Registry) removeLocked(id uuid.UUID) {
	sub, ok := r.all[id]
	if !ok {
		return
	}
	delete(r.all, id)
	if orderID, ok := sub.Scope.OrderID(); ok {
		subs := r.byOrder[orderID]
		delete(subs, id)
		if len(subs) == 0 {
			delete(r.byOrder, orderID)
		}
		return
	}
	delete(r.broadcast, id)
}

// SubscribersFor returns the ids of every broadcast subscriber plus the
// subscribers tracking orderID.
func (r *Registry) SubscribersFor(orderID uuid.UUID) []uuid.UUID {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.broadcast)+len(r.byOrder[orderID]))
	for id := range r.broadcast {
		ids = append(ids, id)
	}
	for id := range r.byOrder[orderID] {
		ids = append(ids, id)
	}
	return ids
}

// get returns the subscription with id.
func (r *Registry) get(id uuid.UUID) (Subscription, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sub, ok := r.all[id]
	return sub, ok
}

// Len returns the number of live subscriptions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// Counts returns the number of broadcast and order-scoped subscriptions.
func (r *Registry) Counts() (broadcast, tracking int) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.broadcast), len(r.all) - len(r.broadcast)
}
