package service

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/tabletrack/api/internal/enum"
)

// TaxRate is applied to the order subtotal.
var TaxRate = decimal.RequireFromString("0.08")

// ErrInvalidItem is returned by CalculateTotals for a malformed line item.
var ErrInvalidItem = errors.New("invalid item")

// LineItem is a single priced line in a cart or order.
type LineItem struct {
	ProductID string
	Name      string
	UnitPrice decimal.Decimal
	Quantity  int32
}

// Totals holds the derived money fields of an order, each rounded to cents.
type Totals struct {
	Subtotal    decimal.Decimal
	Tax         decimal.Decimal
	DeliveryFee decimal.Decimal
	Total       decimal.Decimal
	LineTotals  []decimal.Decimal
}

// Cart is the per-request set of items a customer is checking out.
// It is built from the request body and never shared between sessions.
type Cart struct {
	Items          []LineItem
	DeliveryMethod string
}

// CalculateTotals prices items. Rounding is half away from zero at two places.
// Calling it twice with the same input gives the same output.
func CalculateTotals(items []LineItem, deliveryFee decimal.Decimal) (Totals, error) {
	if deliveryFee.IsNegative() {
		return Totals{}, fmt.Errorf("%w: delivery fee must be >= 0", ErrValidation)
	}

	subtotal := decimal.Zero
	lines := make([]decimal.Decimal, len(items))
	for i, item := range items {
		if err := validateLineItem(item); err != nil {
			return Totals{}, fmt.Errorf("item[%d]: %w", i, err)
		}
		line := item.UnitPrice.Mul(decimal.NewFromInt32(item.Quantity)).Round(2)
		lines[i] = line
		subtotal = subtotal.Add(line)
	}

	subtotal = subtotal.Round(2)
	tax := subtotal.Mul(TaxRate).Round(2)
	fee := deliveryFee.Round(2)

	return Totals{
		Subtotal:    subtotal,
		Tax:         tax,
		DeliveryFee: fee,
		Total:       subtotal.Add(tax).Add(fee),
		LineTotals:  lines,
	}, nil
}

// Quote prices a cart using the fee rule for its delivery method.
func (c Cart) Quote(configuredFee decimal.Decimal) (Totals, error) {
	if len(c.Items) == 0 {
		return Totals{}, ErrEmptyItems
	}
	method, err := validateDeliveryMethod(c.DeliveryMethod)
	if err != nil {
		return Totals{}, err
	}
	return CalculateTotals(c.Items, DeliveryFeeFor(method, configuredFee))
}

// DeliveryFeeFor returns the fee charged for the given delivery method.
func DeliveryFeeFor(method string, configuredFee decimal.Decimal) decimal.Decimal {
	if method == enum.DeliveryMethodDelivery {
		return configuredFee
	}
	return decimal.Zero
}

func validateLineItem(item LineItem) error {
	if item.Quantity < 1 {
		return fmt.Errorf("%w: quantity must be >= 1", ErrInvalidItem)
	}
	if item.UnitPrice.IsNegative() {
		return fmt.Errorf("%w: unit_price must be >= 0", ErrInvalidItem)
	}
	if !item.UnitPrice.Equal(item.UnitPrice.Round(2)) {
		return fmt.Errorf("%w: unit_price must have at most 2 decimal places", ErrInvalidItem)
	}
	return nil
}
