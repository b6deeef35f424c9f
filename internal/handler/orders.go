package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/auth"
	"github.com/tabletrack/api/internal/enum"
	"github.com/tabletrack/api/internal/middleware"
	"github.com/tabletrack/api/internal/service"
	"github.com/tabletrack/api/internal/ws"
)

// OrderServicer defines the service methods needed by order handlers.
// Satisfied by *service.OrderService; narrow interface for testability.
type OrderServicer interface {
	CreateOrder(ctx context.Context, req service.CreateOrderRequest) (*service.OrderDetail, error)
	TransitionStatus(ctx context.Context, orderID uuid.UUID, target string, actor service.Actor) (*service.OrderDetail, error)
	UpdatePaymentStatus(ctx context.Context, orderID uuid.UUID, status string, actor service.Actor) (*service.OrderDetail, error)
	ReplaceItems(ctx context.Context, orderID uuid.UUID, lines []service.LineItem, actor service.Actor) (*service.OrderDetail, error)
	GetOrder(ctx context.Context, orderID uuid.UUID) (*service.OrderDetail, error)
	ListOrders(ctx context.Context, filter service.OrderFilter) ([]*service.OrderDetail, error)
}

// OrderHandler handles order endpoints.
type OrderHandler struct {
	svc OrderServicer
	log logrus.FieldLogger
}

// NewOrderHandler creates a new OrderHandler.
func NewOrderHandler(svc OrderServicer, log logrus.FieldLogger) *OrderHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &OrderHandler{svc: svc, log: log}
}

// RegisterRoutes registers order endpoints on the given Chi router.
// Expected to be mounted at /orders behind Authenticate. intake wraps only
// order creation (rate limiting). Listing is staff only.
func (h *OrderHandler) RegisterRoutes(r chi.Router, intake ...func(http.Handler) http.Handler) {
	r.With(intake...).Post("/", h.Create)
	r.With(middleware.RequireRole(enum.RoleAdmin, enum.RoleCashier, enum.RoleKitchen)).Get("/", h.List)
	r.Get("/{id}", h.Get)
	r.Patch("/{id}/status", h.UpdateStatus)
	r.Patch("/{id}/payment", h.UpdatePayment)
	r.Put("/{id}/items", h.ReplaceItems)
}

// --- Request / Response types ---

type lineItemRequest struct {
	ProductID string           `json:"product_id"`
	Name      string           `json:"name"`
	UnitPrice *decimal.Decimal `json:"unit_price"`
	Quantity  int32            `json:"quantity"`
}

type createOrderRequest struct {
	Items                []lineItemRequest `json:"items"`
	DeliveryMethod       string            `json:"delivery_method"`
	DeliveryAddress      string            `json:"delivery_address"`
	CustomerName         string            `json:"customer_name"`
	CustomerPhone        string            `json:"customer_phone"`
	CustomerEmail        string            `json:"customer_email"`
	Notes                string            `json:"notes"`
	EstimatedTimeMinutes int32             `json:"estimated_time_minutes"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

type updatePaymentRequest struct {
	PaymentStatus string `json:"payment_status"`
}

type replaceItemsRequest struct {
	Items []lineItemRequest `json:"items"`
}

// orderListResponse wraps a list of orders with pagination metadata.
type orderListResponse struct {
	Orders []service.OrderView `json:"orders"`
	Limit  int                 `json:"limit"`
	Offset int                 `json:"offset"`
}

// --- Handlers ---

// Create handles POST /orders.
func (h *OrderHandler) Create(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	var req createOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	lines, msg := toLineItems(req.Items)
	if msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	detail, err := h.svc.CreateOrder(r.Context(), service.CreateOrderRequest{
		Actor:                actorFromClaims(claims),
		Items:                lines,
		DeliveryMethod:       req.DeliveryMethod,
		DeliveryAddress:      req.DeliveryAddress,
		CustomerName:         req.CustomerName,
		CustomerPhone:        req.CustomerPhone,
		CustomerEmail:        req.CustomerEmail,
		Notes:                req.Notes,
		EstimatedTimeMinutes: req.EstimatedTimeMinutes,
	})
	if err != nil {
		h.writeServiceError(w, "create order", err)
		return
	}

	writeJSON(w, http.StatusCreated, detail.View())
}

// List handles GET /orders. Staff only.
func (h *OrderHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	// Parse pagination
	limit := 20
	if s := q.Get("limit"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v > 0 {
			limit = v
		}
	}
	if limit > 100 {
		limit = 100
	}

	offset := 0
	if s := q.Get("offset"); s != "" {
		if v, err := strconv.Atoi(s); err == nil && v >= 0 {
			offset = v
		}
	}

	filter := service.OrderFilter{
		Status:         q.Get("status"),
		PaymentStatus:  q.Get("payment_status"),
		DeliveryMethod: q.Get("delivery_method"),
		ActiveOnly:     q.Get("active") == "true",
		Limit:          limit,
		Offset:         offset,
	}
	if s := q.Get("start_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid start_date format, use YYYY-MM-DD"})
			return
		}
		filter.StartDate = &t
	}
	if s := q.Get("end_date"); s != "" {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid end_date format, use YYYY-MM-DD"})
			return
		}
		// Inclusive of the whole end day
		t = t.Add(24*time.Hour - time.Nanosecond)
		filter.EndDate = &t
	}

	orders, err := h.svc.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeServiceError(w, "list orders", err)
		return
	}

	resp := make([]service.OrderView, len(orders))
	for i, o := range orders {
		resp[i] = o.View()
	}

	writeJSON(w, http.StatusOK, orderListResponse{
		Orders: resp,
		Limit:  limit,
		Offset: offset,
	})
}

// Get handles GET /orders/{id}.
func (h *OrderHandler) Get(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return
	}

	detail, err := h.svc.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeServiceError(w, "get order", err)
		return
	}
	if !canView(claims, detail) {
		writeJSON(w, http.StatusForbidden, map[string]string{"error": "order access denied"})
		return
	}

	writeJSON(w, http.StatusOK, detail.View())
}

// UpdateStatus handles PATCH /orders/{id}/status.
func (h *OrderHandler) UpdateStatus(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return
	}

	var req updateStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.Status == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "status is required"})
		return
	}

	detail, err := h.svc.TransitionStatus(r.Context(), orderID, req.Status, actorFromClaims(claims))
	if err != nil {
		h.writeServiceError(w, "update order status", err)
		return
	}

	writeJSON(w, http.StatusOK, detail.View())
}

// UpdatePayment handles PATCH /orders/{id}/payment.
func (h *OrderHandler) UpdatePayment(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return
	}

	var req updatePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.PaymentStatus == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "payment_status is required"})
		return
	}

	detail, err := h.svc.UpdatePaymentStatus(r.Context(), orderID, req.PaymentStatus, actorFromClaims(claims))
	if err != nil {
		h.writeServiceError(w, "update payment status", err)
		return
	}

	writeJSON(w, http.StatusOK, detail.View())
}

// ReplaceItems handles PUT /orders/{id}/items.
func (h *OrderHandler) ReplaceItems(w http.ResponseWriter, r *http.Request) {
	claims := middleware.ClaimsFromContext(r.Context())
	if claims == nil {
		writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "not authenticated"})
		return
	}

	orderID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid order ID"})
		return
	}

	var req replaceItemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	lines, msg := toLineItems(req.Items)
	if msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	detail, err := h.svc.ReplaceItems(r.Context(), orderID, lines, actorFromClaims(claims))
	if err != nil {
		h.writeServiceError(w, "replace order items", err)
		return
	}

	writeJSON(w, http.StatusOK, detail.View())
}

// TrackAuthorizer lets staff, the ordering customer or the holder of a
// tracking token for the order follow it over the websocket.
func TrackAuthorizer(svc OrderServicer) ws.TrackAuthorizer {
	return func(ctx context.Context, claims *auth.Claims, orderID uuid.UUID) error {
		detail, err := svc.GetOrder(ctx, orderID)
		if err != nil {
			if errors.Is(err, service.ErrNotFound) {
				return ws.ErrOrderNotFound
			}
			return err
		}
		if !canView(claims, detail) {
			return ws.ErrTrackingDenied
		}
		return nil
	}
}

// --- Helpers ---

func canView(claims *auth.Claims, detail *service.OrderDetail) bool {
	if enum.IsStaffRole(claims.Role) {
		return true
	}
	if claims.CanTrack(detail.Order.ID) {
		return true
	}
	ref := detail.CustomerRef()
	return ref != uuid.Nil && ref == claims.UserID
}

func actorFromClaims(claims *auth.Claims) service.Actor {
	return service.Actor{UserID: claims.UserID, Role: claims.Role}
}

// toLineItems converts request items, returning a client message on the first
// malformed one.
func toLineItems(items []lineItemRequest) ([]service.LineItem, string) {
	if len(items) == 0 {
		return nil, "items are required"
	}
	lines := make([]service.LineItem, len(items))
	for i, item := range items {
		if item.ProductID == "" {
			return nil, formatItemError(i, "product_id is required")
		}
		if item.UnitPrice == nil {
			return nil, formatItemError(i, "unit_price is required")
		}
		lines[i] = service.LineItem{
			ProductID: item.ProductID,
			Name:      item.Name,
			UnitPrice: *item.UnitPrice,
			Quantity:  item.Quantity,
		}
	}
	return lines, ""
}

func formatItemError(index int, msg string) string {
	return fmt.Sprintf("items[%d]: %s", index, msg)
}

// writeServiceError maps service errors to HTTP status codes. Internal details
// are logged, never returned.
func (h *OrderHandler) writeServiceError(w http.ResponseWriter, op string, err error) {
	writeServiceError(w, h.log, op, err)
}

func writeServiceError(w http.ResponseWriter, log logrus.FieldLogger, op string, err error) {
	switch {
	case errors.Is(err, service.ErrValidation), errors.Is(err, service.ErrInvalidItem):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrForbidden):
		writeJSON(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "order not found"})
	case errors.Is(err, service.ErrInvalidTransition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, service.ErrStoreUnavailable):
		log.WithError(err).WithField("op", op).Error("order store unavailable")
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "service unavailable"})
	default:
		log.WithError(err).WithField("op", op).Error("unexpected error")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal server error"})
	}
}
