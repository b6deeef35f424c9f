package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/tabletrack/api/internal/service"
)

// CartHandler prices carts without persisting anything.
type CartHandler struct {
	deliveryFee decimal.Decimal
	log         logrus.FieldLogger
}

// NewCartHandler creates a new CartHandler charging deliveryFee on delivery carts.
func NewCartHandler(deliveryFee decimal.Decimal, log logrus.FieldLogger) *CartHandler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CartHandler{deliveryFee: deliveryFee, log: log}
}

// RegisterRoutes registers cart endpoints. Expected to be mounted at /cart.
func (h *CartHandler) RegisterRoutes(r chi.Router) {
	r.Post("/quote", h.Quote)
}

type quoteRequest struct {
	Items          []lineItemRequest `json:"items"`
	DeliveryMethod string            `json:"delivery_method"`
}

// Quote handles POST /cart/quote.
func (h *CartHandler) Quote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}

	lines, msg := toLineItems(req.Items)
	if msg != "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": msg})
		return
	}

	cart := service.Cart{Items: lines, DeliveryMethod: req.DeliveryMethod}
	totals, err := cart.Quote(h.deliveryFee)
	if err != nil {
		writeServiceError(w, h.log, "quote cart", err)
		return
	}

	writeJSON(w, http.StatusOK, totals.View())
}
