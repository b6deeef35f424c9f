package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/tabletrack/api/internal/database"
)

// OrderDetail is a consistent snapshot of an order, its items and derived timing.
type OrderDetail struct {
	Order                database.Order
	Items                []database.OrderItem
	TimeRemainingMinutes int32
}

// CustomerRef returns the customer who placed the order, or uuid.Nil for staff entries.
func (d *OrderDetail) CustomerRef() uuid.UUID {
	return uuidFromNull(d.Order.CustomerRef)
}

// OrderView is the JSON representation shared by HTTP responses and event payloads.
type OrderView struct {
	ID                   uuid.UUID       `json:"id"`
	OrderNumber          string          `json:"order_number"`
	Status               string          `json:"status"`
	PaymentStatus        string          `json:"payment_status"`
	DeliveryMethod       string          `json:"delivery_method"`
	DeliveryAddress      *string         `json:"delivery_address"`
	Subtotal             string          `json:"subtotal"`
	Tax                  string          `json:"tax"`
	DeliveryFee          string          `json:"delivery_fee"`
	Total                string          `json:"total"`
	EstimatedTimeMinutes int32           `json:"estimated_time_minutes"`
	TimeRemainingMinutes int32           `json:"time_remaining_minutes"`
	NextStatuses         []string        `json:"next_statuses"`
	CustomerName         *string         `json:"customer_name"`
	CustomerPhone        *string         `json:"customer_phone"`
	CustomerEmail        *string         `json:"customer_email"`
	Notes                *string         `json:"notes"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
	Items                []OrderItemView `json:"items"`
}

type OrderItemView struct {
	ProductID string `json:"product_id"`
	Name      string `json:"name"`
	UnitPrice string `json:"unit_price"`
	Quantity  int32  `json:"quantity"`
	LineTotal string `json:"line_total"`
}

// View renders the snapshot for clients.
func (d *OrderDetail) View() OrderView {
	o := d.Order
	next := ValidTransitionsFrom(o.Status, o.DeliveryMethod)
	if next == nil {
		next = []string{}
	}
	v := OrderView{
		ID:                   o.ID,
		OrderNumber:          o.OrderNumber,
		Status:               o.Status,
		PaymentStatus:        o.PaymentStatus,
		DeliveryMethod:       o.DeliveryMethod,
		DeliveryAddress:      textPtr(o.DeliveryAddress),
		Subtotal:             numericToString(o.Subtotal),
		Tax:                  numericToString(o.Tax),
		DeliveryFee:          numericToString(o.DeliveryFee),
		Total:                numericToString(o.Total),
		EstimatedTimeMinutes: o.EstimatedTimeMinutes,
		TimeRemainingMinutes: d.TimeRemainingMinutes,
		NextStatuses:         next,
		CustomerName:         textPtr(o.CustomerName),
		CustomerPhone:        textPtr(o.CustomerPhone),
		CustomerEmail:        textPtr(o.CustomerEmail),
		Notes:                textPtr(o.Notes),
		CreatedAt:            o.CreatedAt,
		UpdatedAt:            o.UpdatedAt,
		Items:                make([]OrderItemView, len(d.Items)),
	}
	for i, item := range d.Items {
		v.Items[i] = OrderItemView{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: numericToString(item.UnitPrice),
			Quantity:  item.Quantity,
			LineTotal: numericToString(item.LineTotal),
		}
	}
	return v
}

// TotalsView is the JSON representation of a priced cart.
type TotalsView struct {
	Subtotal    string   `json:"subtotal"`
	Tax         string   `json:"tax"`
	DeliveryFee string   `json:"delivery_fee"`
	Total       string   `json:"total"`
	LineTotals  []string `json:"line_totals"`
}

func (t Totals) View() TotalsView {
	v := TotalsView{
		Subtotal:    t.Subtotal.StringFixed(2),
		Tax:         t.Tax.StringFixed(2),
		DeliveryFee: t.DeliveryFee.StringFixed(2),
		Total:       t.Total.StringFixed(2),
		LineTotals:  make([]string, len(t.LineTotals)),
	}
	for i, l := range t.LineTotals {
		v.LineTotals[i] = l.StringFixed(2)
	}
	return v
}
