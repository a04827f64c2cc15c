// Package external holds the contracts of the collaborators the saga calls
// but does not own: products (price and stock), customers (addresses),
// shipments and promo codes.
//
// Each collaborator has an HTTP client for production and an in-memory
// implementation for development mode and tests.
package external

import (
	"context"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/apperr"
)

var (
	ErrProductNotFound   = apperr.NotFound("product_not_found", "product not found")
	ErrCustomerNotFound  = apperr.NotFound("customer_not_found", "customer not found")
	ErrShipmentNotFound  = apperr.NotFound("shipment_not_found", "shipment not found")
	ErrInsufficientStock = apperr.Validation("insufficient_stock", "insufficient stock")
	ErrInvalidQuantity   = apperr.Validation("invalid_quantity", "quantity must be positive")
	ErrInvalidAddress    = apperr.Validation("invalid_address", "shipping address is incomplete")
	ErrInvalidTransition = apperr.Validation("invalid_shipment_transition", "shipment status transition not allowed")
	ErrInvalidPromo      = apperr.Validation("invalid_promo", "promo code is not valid")
	ErrUnavailable       = apperr.External("collaborator_unavailable", "collaborator unavailable")
)

// Address is a postal address.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	PostalCode string `json:"postalCode"`
	State      string `json:"state"`
	Country    string `json:"country"`
}

// Complete reports whether every required line is filled.
func (a Address) Complete() bool {
	return strings.TrimSpace(a.Line1) != "" &&
		strings.TrimSpace(a.City) != "" &&
		strings.TrimSpace(a.PostalCode) != "" &&
		strings.TrimSpace(a.Country) != ""
}

// Product is a catalog item. Price and stock are owned by the product
// service; purchases copy the price at the moment of sale.
type Product struct {
	ID          string          `json:"id"`
	SKU         string          `json:"sku"`
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Price       decimal.Decimal `json:"price"`
	Stock       int             `json:"stock"`
}

// Customer is an account holder.
type Customer struct {
	ID              string  `json:"id"`
	Name            string  `json:"name"`
	Email           string  `json:"email"`
	BillingAddress  Address `json:"billingAddress"`
	ShippingAddress Address `json:"shippingAddress"`
}

// ShipmentStatus is the lifecycle state of a shipment.
type ShipmentStatus string

const (
	ShipmentProcessing ShipmentStatus = "processing"
	ShipmentShipped    ShipmentStatus = "shipped"
	ShipmentDelivered  ShipmentStatus = "delivered"
	ShipmentReturned   ShipmentStatus = "returned"
	ShipmentCancelled  ShipmentStatus = "cancelled"
)

var shipmentTransitions = map[ShipmentStatus][]ShipmentStatus{
	ShipmentProcessing: {ShipmentShipped, ShipmentCancelled},
	ShipmentShipped:    {ShipmentDelivered},
	ShipmentDelivered:  {ShipmentReturned},
}

// Valid reports whether s is a known status.
func (s ShipmentStatus) Valid() bool {
	switch s {
	case ShipmentProcessing, ShipmentShipped, ShipmentDelivered, ShipmentReturned, ShipmentCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a shipment may move from s to next.
// Cancelled and returned are terminal.
func (s ShipmentStatus) CanTransition(next ShipmentStatus) bool {
	for _, allowed := range shipmentTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// ShipmentItem is one line of a shipment.
type ShipmentItem struct {
	SKU      string `json:"sku"`
	Quantity int    `json:"quantity"`
}

// Shipment is a parcel tracked by the shipment service.
type Shipment struct {
	ID              string         `json:"id"`
	Status          ShipmentStatus `json:"status"`
	TrackingNumber  string         `json:"trackingNumber"`
	ShippingAddress Address        `json:"shippingAddress"`
	Products        []ShipmentItem `json:"products"`
	CreatedAt       time.Time      `json:"createdAt"`
}

// Discount is the result of applying a promo code.
type Discount struct {
	PromoCodeID string          `json:"promoCodeId"`
	Code        string          `json:"code"`
	Amount      decimal.Decimal `json:"discountAmount"`
}

// ProductService reads products and moves stock. DecrementStock is atomic
// and fails with ErrInsufficientStock rather than going negative.
type ProductService interface {
	GetProduct(ctx context.Context, id string) (*Product, error)
	DecrementStock(ctx context.Context, id string, quantity int) (*Product, error)
	IncrementStock(ctx context.Context, id string, quantity int) (*Product, error)
}

// CustomerService reads customers.
type CustomerService interface {
	GetCustomer(ctx context.Context, id string) (*Customer, error)
}

// ShipmentService creates shipments and moves them through their lifecycle,
// enforcing the transition table itself.
type ShipmentService interface {
	CreateShipment(ctx context.Context, address Address, items []ShipmentItem) (*Shipment, error)
	GetShipment(ctx context.Context, id string) (*Shipment, error)
	UpdateShipmentStatus(ctx context.Context, id string, status ShipmentStatus) (*Shipment, error)
}

// PromoService validates a code and consumes one use of it in a single
// call. Revert gives the use back when the purchase that consumed it aborts.
type PromoService interface {
	ValidateAndApply(ctx context.Context, code, customerID string, amount decimal.Decimal) (*Discount, error)
	Revert(ctx context.Context, d *Discount, customerID string) error
}
