package database

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

const orderColumns = `id, order_seq, order_number, delivery_method, delivery_address, status, payment_status,
	subtotal, tax, delivery_fee, total, estimated_time_minutes, customer_name, customer_phone,
	customer_email, notes, customer_ref, created_by, created_at, updated_at`

const orderItemColumns = `id, order_id, position, product_id, name, unit_price, quantity, line_total`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanOrder(row rowScanner) (Order, error) {
	var i Order
	err := row.Scan(
		&i.ID,
		&i.OrderSeq,
		&i.OrderNumber,
		&i.DeliveryMethod,
		&i.DeliveryAddress,
		&i.Status,
		&i.PaymentStatus,
		&i.Subtotal,
		&i.Tax,
		&i.DeliveryFee,
		&i.Total,
		&i.EstimatedTimeMinutes,
		&i.CustomerName,
		&i.CustomerPhone,
		&i.CustomerEmail,
		&i.Notes,
		&i.CustomerRef,
		&i.CreatedBy,
		&i.CreatedAt,
		&i.UpdatedAt,
	)
	return i, err
}

func scanOrderItem(row rowScanner) (OrderItem, error) {
	var i OrderItem
	err := row.Scan(
		&i.ID,
		&i.OrderID,
		&i.Position,
		&i.ProductID,
		&i.Name,
		&i.UnitPrice,
		&i.Quantity,
		&i.LineTotal,
	)
	return i, err
}

const getNextOrderSeq = `-- name: GetNextOrderSeq :one
SELECT COALESCE(MAX(order_seq), 0)::bigint + 1 FROM orders
`

func (q *Queries) GetNextOrderSeq(ctx context.Context) (int64, error) {
	row := q.db.QueryRow(ctx, getNextOrderSeq)
	var next int64
	err := row.Scan(&next)
	return next, err
}

const createOrder = `-- name: CreateOrder :one
INSERT INTO orders (
	id, order_seq, order_number, delivery_method, delivery_address, status, payment_status,
	subtotal, tax, delivery_fee, total, estimated_time_minutes, customer_name, customer_phone,
	customer_email, notes, customer_ref, created_by, created_at, updated_at
) VALUES (
	$1, $2, $3, $4, $5, 'pending', 'unpaid', $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $17
)
RETURNING ` + orderColumns

type CreateOrderParams struct {
	ID                   uuid.UUID      `json:"id"`
	OrderSeq             int64          `json:"order_seq"`
	OrderNumber          string         `json:"order_number"`
	DeliveryMethod       string         `json:"delivery_method"`
	DeliveryAddress      pgtype.Text    `json:"delivery_address"`
	Subtotal             pgtype.Numeric `json:"subtotal"`
	Tax                  pgtype.Numeric `json:"tax"`
	DeliveryFee          pgtype.Numeric `json:"delivery_fee"`
	Total                pgtype.Numeric `json:"total"`
	EstimatedTimeMinutes int32          `json:"estimated_time_minutes"`
	CustomerName         pgtype.Text    `json:"customer_name"`
	CustomerPhone        pgtype.Text    `json:"customer_phone"`
	CustomerEmail        pgtype.Text    `json:"customer_email"`
	Notes                pgtype.Text    `json:"notes"`
	CustomerRef          pgtype.UUID    `json:"customer_ref"`
	CreatedBy            uuid.UUID      `json:"created_by"`
	CreatedAt            time.Time      `json:"created_at"`
}

func (q *Queries) CreateOrder(ctx context.Context, arg CreateOrderParams) (Order, error) {
	row := q.db.QueryRow(ctx, createOrder,
		arg.ID,
		arg.OrderSeq,
		arg.OrderNumber,
		arg.DeliveryMethod,
		arg.DeliveryAddress,
		arg.Subtotal,
		arg.Tax,
		arg.DeliveryFee,
		arg.Total,
		arg.EstimatedTimeMinutes,
		arg.CustomerName,
		arg.CustomerPhone,
		arg.CustomerEmail,
		arg.Notes,
		arg.CustomerRef,
		arg.CreatedBy,
		arg.CreatedAt,
	)
	return scanOrder(row)
}

const createOrderItem = `-- name: CreateOrderItem :one
INSERT INTO order_items (id, order_id, position, product_id, name, unit_price, quantity, line_total)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
RETURNING ` + orderItemColumns

type CreateOrderItemParams struct {
	ID        uuid.UUID      `json:"id"`
	OrderID   uuid.UUID      `json:"order_id"`
	Position  int32          `json:"position"`
	ProductID string         `json:"product_id"`
	Name      string         `json:"name"`
	UnitPrice pgtype.Numeric `json:"unit_price"`
	Quantity  int32          `json:"quantity"`
	LineTotal pgtype.Numeric `json:"line_total"`
}

func (q *Queries) CreateOrderItem(ctx context.Context, arg CreateOrderItemParams) (OrderItem, error) {
	row := q.db.QueryRow(ctx, createOrderItem,
		arg.ID,
		arg.OrderID,
		arg.Position,
		arg.ProductID,
		arg.Name,
		arg.UnitPrice,
		arg.Quantity,
		arg.LineTotal,
	)
	return scanOrderItem(row)
}

const deleteOrderItems = `-- name: DeleteOrderItems :exec
DELETE FROM order_items WHERE order_id = $1
`

func (q *Queries) DeleteOrderItems(ctx context.Context, orderID uuid.UUID) error {
	_, err := q.db.Exec(ctx, deleteOrderItems, orderID)
	return err
}

const getOrder = `-- name: GetOrder :one
SELECT ` + orderColumns + ` FROM orders WHERE id = $1
`

func (q *Queries) GetOrder(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrder, id))
}

const getOrderForUpdate = `-- name: GetOrderForUpdate :one
SELECT ` + orderColumns + ` FROM orders WHERE id = $1 FOR UPDATE
`

// GetOrderForUpdate locks the order row until the surrounding transaction ends.
func (q *Queries) GetOrderForUpdate(ctx context.Context, id uuid.UUID) (Order, error) {
	return scanOrder(q.db.QueryRow(ctx, getOrderForUpdate, id))
}

const listOrders = `-- name: ListOrders :many
SELECT ` + orderColumns + ` FROM orders
WHERE ($1::text IS NULL OR status = $1)
  AND ($2::text IS NULL OR payment_status = $2)
  AND ($3::text IS NULL OR delivery_method = $3)
  AND ($4::boolean IS NOT TRUE OR status NOT IN ('completed', 'cancelled'))
  AND ($5::timestamptz IS NULL OR created_at >= $5)
  AND ($6::timestamptz IS NULL OR created_at < $6)
ORDER BY created_at DESC, order_seq DESC
LIMIT $7 OFFSET $8
`

type ListOrdersParams struct {
	Status         pgtype.Text        `json:"status"`
	PaymentStatus  pgtype.Text        `json:"payment_status"`
	DeliveryMethod pgtype.Text        `json:"delivery_method"`
	ActiveOnly     bool               `json:"active_only"`
	StartDate      pgtype.Timestamptz `json:"start_date"`
	EndDate        pgtype.Timestamptz `json:"end_date"`
	Limit          int32              `json:"limit"`
	Offset         int32              `json:"offset"`
}

func (q *Queries) ListOrders(ctx context.Context, arg ListOrdersParams) ([]Order, error) {
	rows, err := q.db.Query(ctx, listOrders,
		arg.Status,
		arg.PaymentStatus,
		arg.DeliveryMethod,
		arg.ActiveOnly,
		arg.StartDate,
		arg.EndDate,
		arg.Limit,
		arg.Offset,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []Order{}
	for rows.Next() {
		i, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const listOrderItemsByOrder = `-- name: ListOrderItemsByOrder :many
SELECT ` + orderItemColumns + ` FROM order_items WHERE order_id = $1 ORDER BY position
`

func (q *Queries) ListOrderItemsByOrder(ctx context.Context, orderID uuid.UUID) ([]OrderItem, error) {
	rows, err := q.db.Query(ctx, listOrderItemsByOrder, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []OrderItem{}
	for rows.Next() {
		i, err := scanOrderItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, i)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return items, nil
}

const updateOrderStatus = `-- name: UpdateOrderStatus :one
UPDATE orders SET status = $2, updated_at = $4
WHERE id = $1 AND status = $3
RETURNING ` + orderColumns

// UpdateOrderStatusParams.Status_2 is the status the caller observed; the
// update matches no row if it changed in between.
type UpdateOrderStatusParams struct {
	ID        uuid.UUID `json:"id"`
	Status    string    `json:"status"`
	Status_2  string    `json:"status_2"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (q *Queries) UpdateOrderStatus(ctx context.Context, arg UpdateOrderStatusParams) (Order, error) {
	row := q.db.QueryRow(ctx, updateOrderStatus, arg.ID, arg.Status, arg.Status_2, arg.UpdatedAt)
	return scanOrder(row)
}

const updateOrderPaymentStatus = `-- name: UpdateOrderPaymentStatus :one
UPDATE orders SET payment_status = $2, updated_at = $3
WHERE id = $1
RETURNING ` + orderColumns

type UpdateOrderPaymentStatusParams struct {
	ID            uuid.UUID `json:"id"`
	PaymentStatus string    `json:"payment_status"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func (q *Queries) UpdateOrderPaymentStatus(ctx context.Context, arg UpdateOrderPaymentStatusParams) (Order, error) {
	row := q.db.QueryRow(ctx, updateOrderPaymentStatus, arg.ID, arg.PaymentStatus, arg.UpdatedAt)
	return scanOrder(row)
}

const updateOrderTotals = `-- name: UpdateOrderTotals :one
UPDATE orders SET subtotal = $2, tax = $3, delivery_fee = $4, total = $5, updated_at = $6
WHERE id = $1 AND status = 'pending'
RETURNING ` + orderColumns

type UpdateOrderTotalsParams struct {
	ID          uuid.UUID      `json:"id"`
	Subtotal    pgtype.Numeric `json:"subtotal"`
	Tax         pgtype.Numeric `json:"tax"`
	DeliveryFee pgtype.Numeric `json:"delivery_fee"`
	Total       pgtype.Numeric `json:"total"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

func (q *Queries) UpdateOrderTotals(ctx context.Context, arg UpdateOrderTotalsParams) (Order, error) {
	row := q.db.QueryRow(ctx, updateOrderTotals,
		arg.ID,
		arg.Subtotal,
		arg.Tax,
		arg.DeliveryFee,
		arg.Total,
		arg.UpdatedAt,
	)
	return scanOrder(row)
}
