package external

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/circuitbreaker"
)

// ProductClient calls the product service over HTTP.
type ProductClient struct{ c *httpClient }

// NewProductClient creates a product service client.
func NewProductClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *ProductClient {
	return &ProductClient{c: newHTTPClient("product-service", baseURL, timeout, breaker)}
}

func (p *ProductClient) GetProduct(ctx context.Context, id string) (*Product, error) {
	var out Product
	if err := p.c.get(ctx, "/products/"+url.PathEscape(id), rejections{notFound: ErrProductNotFound}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

type stockBody struct {
	Quantity int `json:"quantity"`
}

func (p *ProductClient) DecrementStock(ctx context.Context, id string, quantity int) (*Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	var out Product
	err := p.c.send(ctx, http.MethodPost, "/products/"+url.PathEscape(id)+"/decrement-stock",
		stockBody{Quantity: quantity},
		rejections{notFound: ErrProductNotFound, rejected: ErrInsufficientStock}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *ProductClient) IncrementStock(ctx context.Context, id string, quantity int) (*Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	var out Product
	err := p.c.send(ctx, http.MethodPost, "/products/"+url.PathEscape(id)+"/increment-stock",
		stockBody{Quantity: quantity},
		rejections{notFound: ErrProductNotFound, rejected: ErrInvalidQuantity}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// CustomerClient calls the customer service over HTTP.
type CustomerClient struct{ c *httpClient }

// NewCustomerClient creates a customer service client.
func NewCustomerClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *CustomerClient {
	return &CustomerClient{c: newHTTPClient("customer-service", baseURL, timeout, breaker)}
}

func (cc *CustomerClient) GetCustomer(ctx context.Context, id string) (*Customer, error) {
	var out Customer
	if err := cc.c.get(ctx, "/customers/"+url.PathEscape(id), rejections{notFound: ErrCustomerNotFound}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ShipmentClient calls the shipment service over HTTP.
type ShipmentClient struct{ c *httpClient }

// NewShipmentClient creates a shipment service client.
func NewShipmentClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *ShipmentClient {
	return &ShipmentClient{c: newHTTPClient("shipment-service", baseURL, timeout, breaker)}
}

func (s *ShipmentClient) CreateShipment(ctx context.Context, address Address, items []ShipmentItem) (*Shipment, error) {
	body := struct {
		ShippingAddress Address        `json:"shippingAddress"`
		Products        []ShipmentItem `json:"products"`
	}{address, items}

	var created struct {
		ID string `json:"id"`
	}
	if err := s.c.send(ctx, http.MethodPost, "/shipments", body, rejections{rejected: ErrInvalidAddress}, &created); err != nil {
		return nil, err
	}
	return &Shipment{
		ID:              created.ID,
		Status:          ShipmentProcessing,
		ShippingAddress: address,
		Products:        items,
	}, nil
}

func (s *ShipmentClient) GetShipment(ctx context.Context, id string) (*Shipment, error) {
	var out Shipment
	if err := s.c.get(ctx, "/shipments/"+url.PathEscape(id), rejections{notFound: ErrShipmentNotFound}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *ShipmentClient) UpdateShipmentStatus(ctx context.Context, id string, status ShipmentStatus) (*Shipment, error) {
	var out Shipment
	err := s.c.send(ctx, http.MethodPatch, "/shipments/"+url.PathEscape(id),
		map[string]ShipmentStatus{"status": status},
		rejections{notFound: ErrShipmentNotFound, rejected: ErrInvalidTransition}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// PromoClient calls the promo service over HTTP.
type PromoClient struct{ c *httpClient }

// NewPromoClient creates a promo service client.
func NewPromoClient(baseURL string, timeout time.Duration, breaker *circuitbreaker.Breaker) *PromoClient {
	return &PromoClient{c: newHTTPClient("promo-service", baseURL, timeout, breaker)}
}

func (p *PromoClient) ValidateAndApply(ctx context.Context, code, customerID string, amount decimal.Decimal) (*Discount, error) {
	body := struct {
		Code       string          `json:"code"`
		CustomerID string          `json:"customerId"`
		Amount     decimal.Decimal `json:"amount"`
	}{code, customerID, amount}

	var out Discount
	err := p.c.send(ctx, http.MethodPost, "/promos/apply", body,
		rejections{notFound: ErrInvalidPromo, rejected: ErrInvalidPromo}, &out)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (p *PromoClient) Revert(ctx context.Context, d *Discount, customerID string) error {
	body := struct {
		PromoCodeID string `json:"promoCodeId"`
		Code        string `json:"code"`
		CustomerID  string `json:"customerId"`
	}{d.PromoCodeID, d.Code, customerID}
	return p.c.send(ctx, http.MethodPost, "/promos/revert", body, rejections{notFound: ErrInvalidPromo}, nil)
}

var (
	_ ProductService  = (*ProductClient)(nil)
	_ CustomerService = (*CustomerClient)(nil)
	_ ShipmentService = (*ShipmentClient)(nil)
	_ PromoService    = (*PromoClient)(nil)
)
