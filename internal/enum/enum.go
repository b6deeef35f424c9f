package enum

// ── Order lifecycle (CHECK constrained in DB) ──

const (
	OrderStatusPending        = "pending"
	OrderStatusPreparing      = "preparing"
	OrderStatusReady          = "ready"
	OrderStatusOutForDelivery = "out_for_delivery"
	OrderStatusCompleted      = "completed"
	OrderStatusCancelled      = "cancelled"
)

const (
	PaymentStatusUnpaid   = "unpaid"
	PaymentStatusPaid     = "paid"
	PaymentStatusRefunded = "refunded"
	PaymentStatusFailed   = "failed"
)

const (
	DeliveryMethodDelivery = "delivery"
	DeliveryMethodPickup   = "pickup"
)

// ── Actors ──

const (
	RoleAdmin    = "admin"
	RoleCashier  = "cashier"
	RoleKitchen  = "kitchen"
	RoleCustomer = "customer"
)

// ── Real-time events ──

const (
	EventOrderCreated = "order_created"
	EventOrderUpdated = "order_updated"
)

// IsStaffRole reports whether role receives the broadcast order feed.
func IsStaffRole(role string) bool {
	switch role {
	case RoleAdmin, RoleCashier, RoleKitchen:
		return true
	}
	return false
}

// IsOrderStatus reports whether s is a known order status.
func IsOrderStatus(s string) bool {
	switch s {
	case OrderStatusPending, OrderStatusPreparing, OrderStatusReady,
		OrderStatusOutForDelivery, OrderStatusCompleted, OrderStatusCancelled:
		return true
	}
	return false
}

// IsPaymentStatus reports whether s is a known payment status.
func IsPaymentStatus(s string) bool {
	switch s {
	case PaymentStatusUnpaid, PaymentStatusPaid, PaymentStatusRefunded, PaymentStatusFailed:
		return true
	}
	return false
}

// IsTerminalStatus reports whether no further status transitions are possible.
func IsTerminalStatus(s string) bool {
	return s == OrderStatusCompleted || s == OrderStatusCancelled
}
