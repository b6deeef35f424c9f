package database

import (
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgtype"
)

type Order struct {
	ID                   uuid.UUID      `json:"id"`
	OrderSeq             int64          `json:"order_seq"`
	OrderNumber          string         `json:"order_number"`
	DeliveryMethod       string         `json:"delivery_method"`
	DeliveryAddress      pgtype.Text    `json:"delivery_address"`
	Status               string         `json:"status"`
	PaymentStatus        string         `json:"payment_status"`
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
	UpdatedAt            time.Time      `json:"updated_at"`
}

type OrderItem struct {
	ID        uuid.UUID      `json:"id"`
	OrderID   uuid.UUID      `json:"order_id"`
	Position  int32          `json:"position"`
	ProductID string         `json:"product_id"`
	Name      string         `json:"name"`
	UnitPrice pgtype.Numeric `json:"unit_price"`
	Quantity  int32          `json:"quantity"`
	LineTotal pgtype.Numeric `json:"line_total"`
}
