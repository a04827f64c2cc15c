package external

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/idgen"
	"github.com/mbd888/creditsaga/internal/money"
)

// MemoryProducts is an in-memory product service.
type MemoryProducts struct {
	mu       sync.Mutex
	products map[string]*Product
}

// NewMemoryProducts creates a product service seeded with products.
func NewMemoryProducts(products ...Product) *MemoryProducts {
	m := &MemoryProducts{products: make(map[string]*Product)}
	for _, p := range products {
		m.Put(p)
	}
	return m
}

// Put adds or replaces a product.
func (m *MemoryProducts) Put(p Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if p.ID == "" {
		p.ID = idgen.New()
	}
	m.products[p.ID] = &p
}

func (m *MemoryProducts) GetProduct(_ context.Context, id string) (*Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryProducts) DecrementStock(_ context.Context, id string, quantity int) (*Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	if p.Stock < quantity {
		return nil, fmt.Errorf("%w: %d available, %d requested", ErrInsufficientStock, p.Stock, quantity)
	}
	p.Stock -= quantity
	cp := *p
	return &cp, nil
}

func (m *MemoryProducts) IncrementStock(_ context.Context, id string, quantity int) (*Product, error) {
	if quantity <= 0 {
		return nil, ErrInvalidQuantity
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.products[id]
	if !ok {
		return nil, ErrProductNotFound
	}
	p.Stock += quantity
	cp := *p
	return &cp, nil
}

// MemoryCustomers is an in-memory customer service.
type MemoryCustomers struct {
	mu        sync.RWMutex
	customers map[string]*Customer
}

// NewMemoryCustomers creates a customer service seeded with customers.
func NewMemoryCustomers(customers ...Customer) *MemoryCustomers {
	m := &MemoryCustomers{customers: make(map[string]*Customer)}
	for _, c := range customers {
		m.Put(c)
	}
	return m
}

// Put adds or replaces a customer.
func (m *MemoryCustomers) Put(c Customer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[c.ID] = &c
}

func (m *MemoryCustomers) GetCustomer(_ context.Context, id string) (*Customer, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return nil, ErrCustomerNotFound
	}
	cp := *c
	return &cp, nil
}

// MemoryShipments is an in-memory shipment service.
type MemoryShipments struct {
	mu        sync.Mutex
	shipments map[string]*Shipment
	now       func() time.Time
}

// NewMemoryShipments creates an empty shipment service.
func NewMemoryShipments() *MemoryShipments {
	return &MemoryShipments{shipments: make(map[string]*Shipment), now: time.Now}
}

func (m *MemoryShipments) CreateShipment(_ context.Context, address Address, items []ShipmentItem) (*Shipment, error) {
	if !address.Complete() {
		return nil, ErrInvalidAddress
	}
	if len(items) == 0 {
		return nil, ErrInvalidQuantity
	}
	s := &Shipment{
		ID:              idgen.New(),
		Status:          ShipmentProcessing,
		TrackingNumber:  "TRK-" + strings.ToUpper(idgen.Hex(5)),
		ShippingAddress: address,
		Products:        append([]ShipmentItem(nil), items...),
		CreatedAt:       m.now(),
	}
	m.mu.Lock()
	m.shipments[s.ID] = s
	m.mu.Unlock()
	cp := *s
	return &cp, nil
}

func (m *MemoryShipments) GetShipment(_ context.Context, id string) (*Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return nil, ErrShipmentNotFound
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryShipments) UpdateShipmentStatus(_ context.Context, id string, status ShipmentStatus) (*Shipment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.shipments[id]
	if !ok {
		return nil, ErrShipmentNotFound
	}
	if !status.Valid() || !s.Status.CanTransition(status) {
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.Status, status)
	}
	s.Status = status
	cp := *s
	return &cp, nil
}

// DiscountType selects how a promo's value is applied.
type DiscountType string

const (
	DiscountPercentage DiscountType = "percentage"
	DiscountFixed      DiscountType = "fixed"
)

// PromoCode is a discount rule held by MemoryPromos.
type PromoCode struct {
	ID          string
	Code        string
	Type        DiscountType
	Value       decimal.Decimal
	MaxUses     int // 0 is unlimited
	CurrentUses int
	MinPurchase decimal.Decimal
	ExpiresAt   *time.Time
	Active      bool

	usesByCustomer map[string]int
}

// MemoryPromos is an in-memory promo service. Codes are case-insensitive.
type MemoryPromos struct {
	mu    sync.Mutex
	codes map[string]*PromoCode
	now   func() time.Time
}

// NewMemoryPromos creates a promo service seeded with codes.
func NewMemoryPromos(codes ...PromoCode) *MemoryPromos {
	m := &MemoryPromos{codes: make(map[string]*PromoCode), now: time.Now}
	for _, c := range codes {
		m.Put(c)
	}
	return m
}

// Put adds or replaces a code.
func (m *MemoryPromos) Put(c PromoCode) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c.Code = strings.ToUpper(strings.TrimSpace(c.Code))
	if c.ID == "" {
		c.ID = idgen.New()
	}
	c.usesByCustomer = make(map[string]int)
	m.codes[c.Code] = &c
}

// Uses returns how many times a customer has used code.
func (m *MemoryPromos) Uses(code, customerID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.codes[strings.ToUpper(code)]; ok {
		return c.usesByCustomer[customerID]
	}
	return 0
}

func (m *MemoryPromos) ValidateAndApply(_ context.Context, code, customerID string, amount decimal.Decimal) (*Discount, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c, ok := m.codes[strings.ToUpper(strings.TrimSpace(code))]
	if !ok {
		return nil, fmt.Errorf("%w: code %q not found", ErrInvalidPromo, code)
	}
	switch {
	case !c.Active:
		return nil, fmt.Errorf("%w: code is not active", ErrInvalidPromo)
	case c.ExpiresAt != nil && c.ExpiresAt.Before(m.now()):
		return nil, fmt.Errorf("%w: code has expired", ErrInvalidPromo)
	case c.MaxUses > 0 && c.CurrentUses >= c.MaxUses:
		return nil, fmt.Errorf("%w: usage limit reached", ErrInvalidPromo)
	case amount.LessThan(c.MinPurchase):
		return nil, fmt.Errorf("%w: minimum purchase amount is %s", ErrInvalidPromo, money.Format(c.MinPurchase))
	}

	var discount decimal.Decimal
	if c.Type == DiscountPercentage {
		discount = money.Round(amount.Mul(c.Value).Div(decimal.NewFromInt(100)))
	} else {
		discount = money.Min(c.Value, amount)
	}

	c.CurrentUses++
	c.usesByCustomer[customerID]++
	return &Discount{PromoCodeID: c.ID, Code: c.Code, Amount: discount}, nil
}

func (m *MemoryPromos) Revert(_ context.Context, d *Discount, customerID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.codes[d.Code]
	if !ok {
		return fmt.Errorf("%w: code %q not found", ErrInvalidPromo, d.Code)
	}
	if c.CurrentUses > 0 {
		c.CurrentUses--
	}
	if c.usesByCustomer[customerID] > 0 {
		c.usesByCustomer[customerID]--
	}
	return nil
}

var (
	_ ProductService  = (*MemoryProducts)(nil)
	_ CustomerService = (*MemoryCustomers)(nil)
	_ ShipmentService = (*MemoryShipments)(nil)
	_ PromoService    = (*MemoryPromos)(nil)
)
