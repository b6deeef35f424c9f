package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/database"
	"github.com/tabletrack/api/internal/enum"
	"github.com/tabletrack/api/internal/metrics"
	"github.com/tabletrack/api/internal/ws"
)

const (
	maxOrderNumberRetries = 3

	// DefaultEstimateMinutes is used when a create request carries no estimate.
	DefaultEstimateMinutes = 30

	defaultListLimit = 20
	maxListLimit     = 100
)

// Errors returned by the order service.
var (
	ErrValidation           = errors.New("validation failed")
	ErrEmptyItems           = fmt.Errorf("%w: items are required", ErrValidation)
	ErrInvalidDelivery      = fmt.Errorf("%w: delivery_method must be delivery or pickup", ErrValidation)
	ErrMissingAddress       = fmt.Errorf("%w: delivery_address is required for delivery orders", ErrValidation)
	ErrInvalidEstimate      = fmt.Errorf("%w: estimated_time_minutes must be >= 0", ErrValidation)
	ErrInvalidStatus        = fmt.Errorf("%w: unknown status", ErrValidation)
	ErrInvalidPaymentStatus = fmt.Errorf("%w: unknown payment_status", ErrValidation)

	ErrInvalidTransition = errors.New("invalid transition")
	ErrForbidden         = fmt.Errorf("%w: not permitted for this actor", ErrInvalidTransition)
	ErrItemsLocked       = fmt.Errorf("%w: items can only change while the order is pending", ErrInvalidTransition)
	ErrPaidCancelled     = fmt.Errorf("%w: cannot mark a cancelled order as paid", ErrInvalidTransition)

	ErrNotFound         = errors.New("order not found")
	ErrStoreUnavailable = errors.New("order store unavailable")
	ErrDeliveryFailed   = errors.New("event delivery failed")
)

// TxBeginner starts a new database transaction.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// OrderStore defines the DB methods the lifecycle engine needs.
// Satisfied by *database.Queries (and its WithTx variant).
type OrderStore interface {
	GetNextOrderSeq(ctx context.Context) (int64, error)
	CreateOrder(ctx context.Context, arg database.CreateOrderParams) (database.Order, error)
	CreateOrderItem(ctx context.Context, arg database.CreateOrderItemParams) (database.OrderItem, error)
	DeleteOrderItems(ctx context.Context, orderID uuid.UUID) error
	GetOrder(ctx context.Context, id uuid.UUID) (database.Order, error)
	GetOrderForUpdate(ctx context.Context, id uuid.UUID) (database.Order, error)
	ListOrders(ctx context.Context, arg database.ListOrdersParams) ([]database.Order, error)
	ListOrderItemsByOrder(ctx context.Context, orderID uuid.UUID) ([]database.OrderItem, error)
	UpdateOrderStatus(ctx context.Context, arg database.UpdateOrderStatusParams) (database.Order, error)
	UpdateOrderPaymentStatus(ctx context.Context, arg database.UpdateOrderPaymentStatusParams) (database.Order, error)
	UpdateOrderTotals(ctx context.Context, arg database.UpdateOrderTotalsParams) (database.Order, error)
}

// NewOrderStore creates an OrderStore from a DBTX (pool or tx).
type NewOrderStore func(db database.DBTX) OrderStore

// Notifier receives one event per accepted mutation. Publish must not block.
type Notifier interface {
	Publish(evt ws.Event) error
}

// OrderServiceConfig carries the tunables of the lifecycle engine.
type OrderServiceConfig struct {
	DeliveryFee            decimal.Decimal
	DefaultEstimateMinutes int32
	Notifier               Notifier
	Logger                 logrus.FieldLogger
	Now                    func() time.Time
}

// CreateOrderRequest is the validated input for creating an order.
type CreateOrderRequest struct {
	Actor                Actor
	Items                []LineItem
	DeliveryMethod       string
	DeliveryAddress      string
	CustomerName         string
	CustomerPhone        string
	CustomerEmail        string
	Notes                string
	EstimatedTimeMinutes int32
}

// OrderFilter narrows ListOrders.
type OrderFilter struct {
	Status         string
	PaymentStatus  string
	DeliveryMethod string
	ActiveOnly     bool
	StartDate      *time.Time
	EndDate        *time.Time
	Limit          int
	Offset         int
}

// OrderService is the order lifecycle engine: it owns the status graph,
// persists every accepted mutation and announces it to subscribers.
type OrderService struct {
	pool        TxBeginner
	reads       OrderStore
	newStore    NewOrderStore
	locks       *orderLocks
	notifier    Notifier
	deliveryFee decimal.Decimal
	estimate    int32
	log         logrus.FieldLogger
	now         func() time.Time
}

// NewOrderService creates a new OrderService.
func NewOrderService(pool TxBeginner, reads OrderStore, newStore NewOrderStore, cfg OrderServiceConfig) *OrderService {
	s := &OrderService{
		pool:        pool,
		reads:       reads,
		newStore:    newStore,
		locks:       newOrderLocks(),
		notifier:    cfg.Notifier,
		deliveryFee: cfg.DeliveryFee,
		estimate:    cfg.DefaultEstimateMinutes,
		log:         cfg.Logger,
		now:         cfg.Now,
	}
	if s.estimate <= 0 {
		s.estimate = DefaultEstimateMinutes
	}
	if s.log == nil {
		s.log = logrus.StandardLogger()
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// DeliveryFee is the fee charged on delivery orders.
func (s *OrderService) DeliveryFee() decimal.Decimal {
	return s.deliveryFee
}

// CreateOrder validates and prices the request, then persists a new pending,
// unpaid order. Retries up to maxOrderNumberRetries times when a concurrent
// create claimed the same order number.
func (s *OrderService) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderDetail, error) {
	method, err := validateDeliveryMethod(req.DeliveryMethod)
	if err != nil {
		return nil, err
	}
	if len(req.Items) == 0 {
		return nil, ErrEmptyItems
	}
	address := strings.TrimSpace(req.DeliveryAddress)
	if method == enum.DeliveryMethodDelivery && address == "" {
		return nil, ErrMissingAddress
	}
	if method == enum.DeliveryMethodPickup {
		address = ""
	}
	if req.EstimatedTimeMinutes < 0 {
		return nil, ErrInvalidEstimate
	}
	estimate := req.EstimatedTimeMinutes
	if estimate == 0 {
		estimate = s.estimate
	}

	totals, err := CalculateTotals(req.Items, DeliveryFeeFor(method, s.deliveryFee))
	if err != nil {
		return nil, err
	}

	var lastErr error
	for attempt := 0; attempt < maxOrderNumberRetries; attempt++ {
		var result *OrderDetail
		err := s.inTx(ctx, func(store OrderStore) error {
			var err error
			result, err = s.insertOrder(ctx, store, req, method, address, estimate, totals)
			return err
		})
		if err == nil {
			metrics.RecordOrderCreated(method)
			s.log.WithFields(logrus.Fields{
				"order_id":     result.Order.ID,
				"order_number": result.Order.OrderNumber,
				"role":         req.Actor.Role,
			}).Info("order created")
			s.publish(enum.EventOrderCreated, result)
			return result, nil
		}
		if isOrderNumberConflict(err) {
			lastErr = err
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

func (s *OrderService) insertOrder(ctx context.Context, store OrderStore, req CreateOrderRequest, method, address string, estimate int32, totals Totals) (*OrderDetail, error) {
	seq, err := store.GetNextOrderSeq(ctx)
	if err != nil {
		return nil, storeErr("get next order number", err)
	}

	customerRef := uuid.Nil
	if req.Actor.Role == enum.RoleCustomer {
		customerRef = req.Actor.UserID
	}

	order, err := store.CreateOrder(ctx, database.CreateOrderParams{
		ID:                   uuid.New(),
		OrderSeq:             seq,
		OrderNumber:          fmt.Sprintf("ORD-%05d", seq),
		DeliveryMethod:       method,
		DeliveryAddress:      textOrNull(address),
		Subtotal:             decimalToNumeric(totals.Subtotal),
		Tax:                  decimalToNumeric(totals.Tax),
		DeliveryFee:          decimalToNumeric(totals.DeliveryFee),
		Total:                decimalToNumeric(totals.Total),
		EstimatedTimeMinutes: estimate,
		CustomerName:         textOrNull(req.CustomerName),
		CustomerPhone:        textOrNull(req.CustomerPhone),
		CustomerEmail:        textOrNull(req.CustomerEmail),
		Notes:                textOrNull(req.Notes),
		CustomerRef:          uuidOrNull(customerRef),
		CreatedBy:            req.Actor.UserID,
		CreatedAt:            s.now(),
	})
	if err != nil {
		return nil, storeErr("create order", err)
	}

	items, err := insertItems(ctx, store, order.ID, req.Items, totals)
	if err != nil {
		return nil, err
	}
	return s.snapshot(order, items), nil
}

func insertItems(ctx context.Context, store OrderStore, orderID uuid.UUID, lines []LineItem, totals Totals) ([]database.OrderItem, error) {
	items := make([]database.OrderItem, 0, len(lines))
	for i, line := range lines {
		item, err := store.CreateOrderItem(ctx, database.CreateOrderItemParams{
			ID:        uuid.New(),
			OrderID:   orderID,
			Position:  int32(i),
			ProductID: line.ProductID,
			Name:      line.Name,
			UnitPrice: decimalToNumeric(line.UnitPrice),
			Quantity:  line.Quantity,
			LineTotal: decimalToNumeric(totals.LineTotals[i]),
		})
		if err != nil {
			return nil, storeErr(fmt.Sprintf("create order item[%d]", i), err)
		}
		items = append(items, item)
	}
	return items, nil
}

// TransitionStatus moves an order along the status graph on behalf of actor.
// Re-applying the current status succeeds without a write or an event.
func (s *OrderService) TransitionStatus(ctx context.Context, orderID uuid.UUID, target string, actor Actor) (*OrderDetail, error) {
	if !enum.IsOrderStatus(target) {
		return nil, ErrInvalidStatus
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	var (
		result  *OrderDetail
		from    string
		changed bool
	)
	err := s.inTx(ctx, func(store OrderStore) error {
		current, err := store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return storeErr("get order", err)
		}
		from = current.Status

		if err := checkAccess(actor, uuidFromNull(current.CustomerRef)); err != nil {
			return err
		}
		if current.Status == target {
			result, err = s.load(ctx, store, current)
			return err
		}

		if err := checkEdge(current.Status, target, current.DeliveryMethod); err != nil {
			return err
		}
		if err := checkActor(current.Status, target, actor, uuidFromNull(current.CustomerRef)); err != nil {
			return err
		}

		updated, err := store.UpdateOrderStatus(ctx, database.UpdateOrderStatusParams{
			ID:        orderID,
			Status:    target,
			Status_2:  current.Status,
			UpdatedAt: s.now(),
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("%w: order status changed, please retry", ErrInvalidTransition)
			}
			return storeErr("update order status", err)
		}
		changed = true
		result, err = s.load(ctx, store, updated)
		return err
	})
	if err != nil {
		metrics.RecordRejection("status", rejectionReason(err))
		return nil, err
	}

	if changed {
		metrics.RecordTransition(from, target)
		s.log.WithFields(logrus.Fields{
			"order_id": orderID,
			"from":     from,
			"to":       target,
			"role":     actor.Role,
		}).Info("order status changed")
		s.publish(enum.EventOrderUpdated, result)
	}
	return result, nil
}

// UpdatePaymentStatus sets the payment axis of an order. The only ordering rule
// is that a cancelled order cannot become paid.
func (s *OrderService) UpdatePaymentStatus(ctx context.Context, orderID uuid.UUID, status string, actor Actor) (*OrderDetail, error) {
	if !enum.IsPaymentStatus(status) {
		return nil, ErrInvalidPaymentStatus
	}
	if actor.Role != enum.RoleAdmin && actor.Role != enum.RoleCashier {
		return nil, fmt.Errorf("%w: role %q cannot update payments", ErrForbidden, actor.Role)
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	var (
		result  *OrderDetail
		changed bool
	)
	err := s.inTx(ctx, func(store OrderStore) error {
		current, err := store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return storeErr("get order", err)
		}
		if current.PaymentStatus == status {
			result, err = s.load(ctx, store, current)
			return err
		}
		if status == enum.PaymentStatusPaid && current.Status == enum.OrderStatusCancelled {
			return ErrPaidCancelled
		}

		updated, err := store.UpdateOrderPaymentStatus(ctx, database.UpdateOrderPaymentStatusParams{
			ID:            orderID,
			PaymentStatus: status,
			UpdatedAt:     s.now(),
		})
		if err != nil {
			return storeErr("update payment status", err)
		}
		changed = true
		result, err = s.load(ctx, store, updated)
		return err
	})
	if err != nil {
		metrics.RecordRejection("payment", rejectionReason(err))
		return nil, err
	}

	if changed {
		metrics.RecordPaymentUpdate(status)
		s.log.WithFields(logrus.Fields{
			"order_id":       orderID,
			"payment_status": status,
			"role":           actor.Role,
		}).Info("order payment status changed")
		s.publish(enum.EventOrderUpdated, result)
	}
	return result, nil
}

// ReplaceItems swaps the line items of a pending order and reprices it.
// The delivery fee fixed at creation is kept.
func (s *OrderService) ReplaceItems(ctx context.Context, orderID uuid.UUID, lines []LineItem, actor Actor) (*OrderDetail, error) {
	if len(lines) == 0 {
		return nil, ErrEmptyItems
	}

	unlock := s.locks.Lock(orderID)
	defer unlock()

	var result *OrderDetail
	err := s.inTx(ctx, func(store OrderStore) error {
		current, err := store.GetOrderForUpdate(ctx, orderID)
		if err != nil {
			return storeErr("get order", err)
		}
		if err := checkItemEditor(actor, uuidFromNull(current.CustomerRef)); err != nil {
			return err
		}
		if current.Status != enum.OrderStatusPending {
			return ErrItemsLocked
		}

		totals, err := CalculateTotals(lines, numericToDecimal(current.DeliveryFee))
		if err != nil {
			return err
		}

		if err := store.DeleteOrderItems(ctx, orderID); err != nil {
			return storeErr("delete order items", err)
		}
		items, err := insertItems(ctx, store, orderID, lines, totals)
		if err != nil {
			return err
		}
		updated, err := store.UpdateOrderTotals(ctx, database.UpdateOrderTotalsParams{
			ID:          orderID,
			Subtotal:    decimalToNumeric(totals.Subtotal),
			Tax:         decimalToNumeric(totals.Tax),
			DeliveryFee: decimalToNumeric(totals.DeliveryFee),
			Total:       decimalToNumeric(totals.Total),
			UpdatedAt:   s.now(),
		})
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return ErrItemsLocked
			}
			return storeErr("update order totals", err)
		}
		result = s.snapshot(updated, items)
		return nil
	})
	if err != nil {
		metrics.RecordRejection("items", rejectionReason(err))
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"order_id": orderID,
		"items":    len(lines),
		"role":     actor.Role,
	}).Info("order items replaced")
	s.publish(enum.EventOrderUpdated, result)
	return result, nil
}

// GetOrder returns the committed state of an order.
func (s *OrderService) GetOrder(ctx context.Context, orderID uuid.UUID) (*OrderDetail, error) {
	order, err := s.reads.GetOrder(ctx, orderID)
	if err != nil {
		return nil, storeErr("get order", err)
	}
	return s.load(ctx, s.reads, order)
}

// ListOrders returns orders matching filter, newest first.
func (s *OrderService) ListOrders(ctx context.Context, filter OrderFilter) ([]*OrderDetail, error) {
	params := database.ListOrdersParams{
		ActiveOnly: filter.ActiveOnly,
		Limit:      int32(defaultListLimit),
		Offset:     int32(filter.Offset),
	}
	if filter.Limit > 0 {
		params.Limit = int32(min(filter.Limit, maxListLimit))
	}
	if filter.Offset < 0 {
		params.Offset = 0
	}
	if filter.Status != "" {
		if !enum.IsOrderStatus(filter.Status) {
			return nil, ErrInvalidStatus
		}
		params.Status = textOrNull(filter.Status)
	}
	if filter.PaymentStatus != "" {
		if !enum.IsPaymentStatus(filter.PaymentStatus) {
			return nil, ErrInvalidPaymentStatus
		}
		params.PaymentStatus = textOrNull(filter.PaymentStatus)
	}
	if filter.DeliveryMethod != "" {
		method, err := validateDeliveryMethod(filter.DeliveryMethod)
		if err != nil {
			return nil, err
		}
		params.DeliveryMethod = textOrNull(method)
	}
	if filter.StartDate != nil {
		params.StartDate = pgtype.Timestamptz{Time: *filter.StartDate, Valid: true}
	}
	if filter.EndDate != nil {
		params.EndDate = pgtype.Timestamptz{Time: *filter.EndDate, Valid: true}
	}

	orders, err := s.reads.ListOrders(ctx, params)
	if err != nil {
		return nil, storeErr("list orders", err)
	}
	result := make([]*OrderDetail, 0, len(orders))
	for _, o := range orders {
		d, err := s.load(ctx, s.reads, o)
		if err != nil {
			return nil, err
		}
		result = append(result, d)
	}
	return result, nil
}

// --- Helpers ---

// inTx runs fn in a transaction and commits when it returns nil.
func (s *OrderService) inTx(ctx context.Context, fn func(store OrderStore) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w: %w", ErrStoreUnavailable, err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if err := fn(s.newStore(tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w: %w", ErrStoreUnavailable, err)
	}
	return nil
}

func (s *OrderService) load(ctx context.Context, store OrderStore, order database.Order) (*OrderDetail, error) {
	items, err := store.ListOrderItemsByOrder(ctx, order.ID)
	if err != nil {
		return nil, storeErr("list order items", err)
	}
	return s.snapshot(order, items), nil
}

func (s *OrderService) snapshot(order database.Order, items []database.OrderItem) *OrderDetail {
	return &OrderDetail{
		Order:                order,
		Items:                items,
		TimeRemainingMinutes: TimeRemaining(order.Status, order.EstimatedTimeMinutes, order.CreatedAt, s.now()),
	}
}

// publish hands the event to the notifier. A failed hand-off is logged and
// counted; the committed change stands.
func (s *OrderService) publish(eventType string, d *OrderDetail) {
	if s.notifier == nil {
		return
	}
	payload, err := json.Marshal(d.View())
	if err != nil {
		s.log.WithError(err).WithField("order_id", d.Order.ID).Error("marshal event payload")
		return
	}
	evt := ws.Event{
		Type:      eventType,
		OrderID:   d.Order.ID,
		Payload:   payload,
		Timestamp: s.now().UTC(),
	}
	if err := s.notifier.Publish(evt); err != nil {
		s.log.WithError(fmt.Errorf("%w: %w", ErrDeliveryFailed, err)).
			WithField("order_id", d.Order.ID).
			WithField("event", eventType).
			Warn("order event not delivered")
		return
	}
	metrics.RecordEventPublished(eventType)
}

// rejectionReason labels a refused mutation for metrics.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, ErrForbidden):
		return "forbidden"
	case errors.Is(err, ErrItemsLocked):
		return "items_locked"
	case errors.Is(err, ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, ErrValidation), errors.Is(err, ErrInvalidItem):
		return "validation"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrStoreUnavailable):
		return "store_unavailable"
	}
	return "other"
}

func checkItemEditor(actor Actor, customerRef uuid.UUID) error {
	switch actor.Role {
	case enum.RoleAdmin, enum.RoleCashier:
		return nil
	case enum.RoleCustomer:
		if customerRef != uuid.Nil && customerRef == actor.UserID {
			return nil
		}
		return fmt.Errorf("%w: customers can only edit their own orders", ErrForbidden)
	}
	return fmt.Errorf("%w: role %q cannot edit order items", ErrForbidden, actor.Role)
}

func validateDeliveryMethod(s string) (string, error) {
	switch s {
	case enum.DeliveryMethodDelivery, enum.DeliveryMethodPickup:
		return s, nil
	}
	return "", ErrInvalidDelivery
}

// isOrderNumberConflict checks if the error is a unique constraint violation
// on the order number (pgconn error code 23505).
func isOrderNumberConflict(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505" &&
			(pgErr.ConstraintName == "orders_order_seq_key" || pgErr.ConstraintName == "orders_order_number_key")
	}
	return false
}

// storeErr classifies a store failure: missing rows become ErrNotFound,
// everything else ErrStoreUnavailable with the cause kept.
func storeErr(op string, err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}
