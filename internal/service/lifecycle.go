package service

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/tabletrack/api/internal/enum"
)

// Actor is the authenticated caller requesting a mutation.
type Actor struct {
	UserID uuid.UUID
	Role   string
}

// IsStaff reports whether the actor works at the restaurant.
func (a Actor) IsStaff() bool {
	return enum.IsStaffRole(a.Role)
}

// edge is a single status change in the order graph.
type edge struct {
	From string
	To   string
}

var (
	managers     = []string{enum.RoleAdmin, enum.RoleCashier}
	kitchenCrew  = []string{enum.RoleAdmin, enum.RoleCashier, enum.RoleKitchen}
	cancellators = []string{enum.RoleAdmin, enum.RoleCashier, enum.RoleCustomer}
)

// transitions is the order status graph and the roles allowed on each edge.
// Customers may additionally only cancel their own pending orders; see checkActor.
var transitions = map[edge][]string{
	{enum.OrderStatusPending, enum.OrderStatusPreparing}:        managers,
	{enum.OrderStatusPending, enum.OrderStatusCancelled}:        cancellators,
	{enum.OrderStatusPreparing, enum.OrderStatusReady}:          kitchenCrew,
	{enum.OrderStatusPreparing, enum.OrderStatusCancelled}:      managers,
	{enum.OrderStatusReady, enum.OrderStatusOutForDelivery}:     managers,
	{enum.OrderStatusReady, enum.OrderStatusCompleted}:          managers,
	{enum.OrderStatusReady, enum.OrderStatusCancelled}:          managers,
	{enum.OrderStatusOutForDelivery, enum.OrderStatusCompleted}: managers,
	{enum.OrderStatusOutForDelivery, enum.OrderStatusCancelled}: managers,
}

// ValidTransitionsFrom returns the statuses reachable in one step from status
// for an order with the given delivery method.
func ValidTransitionsFrom(status, deliveryMethod string) []string {
	var next []string
	for _, to := range []string{
		enum.OrderStatusPreparing,
		enum.OrderStatusReady,
		enum.OrderStatusOutForDelivery,
		enum.OrderStatusCompleted,
		enum.OrderStatusCancelled,
	} {
		if checkEdge(status, to, deliveryMethod) == nil {
			next = append(next, to)
		}
	}
	return next
}

// checkEdge validates from -> to against the graph, ignoring who asks.
func checkEdge(from, to, deliveryMethod string) error {
	if _, ok := transitions[edge{from, to}]; !ok {
		return fmt.Errorf("%w: cannot transition from %s to %s", ErrInvalidTransition, from, to)
	}
	if from == enum.OrderStatusReady {
		if to == enum.OrderStatusOutForDelivery && deliveryMethod != enum.DeliveryMethodDelivery {
			return fmt.Errorf("%w: %s is only valid for delivery orders", ErrInvalidTransition, to)
		}
		if to == enum.OrderStatusCompleted && deliveryMethod != enum.DeliveryMethodPickup {
			return fmt.Errorf("%w: delivery orders must go out for delivery before completion", ErrInvalidTransition)
		}
	}
	return nil
}

// checkAccess rejects callers who may not touch the order at all: anyone
// other than staff and the customer who placed it.
func checkAccess(actor Actor, customerRef uuid.UUID) error {
	if actor.IsStaff() {
		return nil
	}
	if actor.Role == enum.RoleCustomer && customerRef != uuid.Nil && customerRef == actor.UserID {
		return nil
	}
	return fmt.Errorf("%w: not permitted to change this order", ErrForbidden)
}

// checkActor validates that actor may take from -> to on an order owned by customerRef.
// The edge itself must already be valid.
func checkActor(from, to string, actor Actor, customerRef uuid.UUID) error {
	allowed := transitions[edge{from, to}]
	permitted := false
	for _, role := range allowed {
		if role == actor.Role {
			permitted = true
			break
		}
	}
	if !permitted {
		return fmt.Errorf("%w: role %q cannot move an order from %s to %s", ErrForbidden, actor.Role, from, to)
	}
	if actor.Role == enum.RoleCustomer && (customerRef == uuid.Nil || customerRef != actor.UserID) {
		return fmt.Errorf("%w: customers can only cancel their own orders", ErrForbidden)
	}
	return nil
}

// TimeRemaining derives the minutes left on an order's estimate at now.
// It is zero once the order is terminal or the estimate has elapsed.
func TimeRemaining(status string, estimatedMinutes int32, createdAt, now time.Time) int32 {
	if enum.IsTerminalStatus(status) {
		return 0
	}
	elapsed := int32(now.Sub(createdAt) / time.Minute)
	if elapsed < 0 {
		elapsed = 0
	}
	remaining := estimatedMinutes - elapsed
	if remaining < 0 {
		return 0
	}
	return remaining
}
