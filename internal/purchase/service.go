package purchase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/idgen"
	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/pagination"
	"github.com/mbd888/creditsaga/internal/saga"
	"github.com/mbd888/creditsaga/internal/traces"
)

// Policy holds the refund rules.
type Policy struct {
	ReturnWindow     time.Duration
	RefundWindow     time.Duration
	RefundCapPercent int64
}

// DefaultPolicy returns the production refund rules.
func DefaultPolicy() Policy {
	return Policy{
		ReturnWindow:     time.Minute,
		RefundWindow:     2 * time.Minute,
		RefundCapPercent: 50,
	}
}

// Retry defaults.
const (
	DefaultMaxRetries = 3
	DefaultRetryDelay = time.Second
)

// Collaborators groups the external services a purchase touches.
type Collaborators struct {
	Products  external.ProductService
	Customers external.CustomerService
	Shipments external.ShipmentService
	Promos    external.PromoService
}

// Service implements the purchase, settlement, refund and cancellation sagas.
type Service struct {
	store     Store
	products  external.ProductService
	customers external.CustomerService
	shipments external.ShipmentService
	promos    external.PromoService
	events    EventPublisher
	policy    Policy

	maxRetries int
	baseDelay  time.Duration

	logger *slog.Logger
	now    func() time.Time
}

// NewService creates a purchase service.
func NewService(store Store, c Collaborators, logger *slog.Logger) *Service {
	return &Service{
		store:      store,
		products:   c.Products,
		customers:  c.Customers,
		shipments:  c.Shipments,
		promos:     c.Promos,
		events:     noopEvents{},
		policy:     DefaultPolicy(),
		maxRetries: DefaultMaxRetries,
		baseDelay:  DefaultRetryDelay,
		logger:     logger,
		now:        time.Now,
	}
}

// WithPolicy overrides the refund rules.
func (s *Service) WithPolicy(p Policy) *Service {
	s.policy = p
	return s
}

// WithRetry sets how many times a failed settlement or refund is retried and
// the base delay of the backoff between attempts.
func (s *Service) WithRetry(maxRetries int, baseDelay time.Duration) *Service {
	s.maxRetries = maxRetries
	s.baseDelay = baseDelay
	return s
}

// WithEvents sets the realtime event sink.
func (s *Service) WithEvents(e EventPublisher) *Service {
	if e != nil {
		s.events = e
	}
	return s
}

// WithClock replaces time.Now, for tests.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) clock() time.Time {
	return s.now().UTC()
}

// CreatePurchase buys a product with customer credit. Money moves in one
// transaction under the customer lock; the promo, stock and shipment side
// effects run as saga steps and are undone if the transaction does not
// commit.
func (s *Service) CreatePurchase(ctx context.Context, req CreateRequest) (*Purchase, error) {
	if req.CustomerID == "" {
		return nil, ledger.ErrCustomerRequired
	}
	if req.Quantity <= 0 {
		return nil, ErrInvalidQuantity
	}

	ctx, span := traces.StartSpan(ctx, "purchase.create", traces.CustomerID(req.CustomerID))
	var err error
	defer func() { traces.End(span, err) }()

	run := saga.New("create_purchase", s.logger)
	var created *Purchase
	err = s.store.WithCustomerLock(ctx, req.CustomerID, func(ctx context.Context, tx Tx) error {
		product, err := s.products.GetProduct(ctx, req.ProductID)
		if err != nil {
			return err
		}

		subtotal := product.Price.Mul(decimal.NewFromInt(int64(req.Quantity)))
		discount := decimal.Zero
		var promoID string
		if req.PromoCode != "" {
			var applied *external.Discount
			err := run.Step(ctx, saga.Step{
				Name: "apply_promo",
				Action: func(ctx context.Context) error {
					d, err := s.promos.ValidateAndApply(ctx, req.PromoCode, req.CustomerID, subtotal)
					applied = d
					return err
				},
				Compensate: func(ctx context.Context) error {
					return s.promos.Revert(ctx, applied, req.CustomerID)
				},
			})
			if err != nil {
				return err
			}
			discount = applied.Amount
			promoID = applied.PromoCodeID
		}
		total := money.Round(subtotal.Sub(discount))

		balance, err := tx.CreditBalance(ctx, req.CustomerID)
		if err != nil {
			return err
		}
		if balance.LessThan(total) {
			return fmt.Errorf("%w: balance %s, total %s", ledger.ErrInsufficientFunds, money.Format(balance), money.Format(total))
		}

		now := s.clock()
		p := &Purchase{
			ID:              idgen.New(),
			CustomerID:      req.CustomerID,
			ProductID:       product.ID,
			ProductSKU:      product.SKU,
			ProductName:     product.Name,
			Quantity:        req.Quantity,
			PriceAtPurchase: product.Price,
			TotalAmount:     total,
			DiscountAmount:  discount,
			PromoCodeID:     promoID,
			Status:          StatusPending,
			RefundedAmount:  decimal.Zero,
			CreatedAt:       now,
			UpdatedAt:       now,
		}

		if err := appendCredit(ctx, tx, p, total.Neg(), ledger.CreditPurchase, p.ID,
			fmt.Sprintf("purchase of %d x %s", p.Quantity, p.ProductSKU)); err != nil {
			return err
		}
		if err := tx.InsertPurchase(ctx, p); err != nil {
			return err
		}
		if err := appendCompany(ctx, tx, p, total, ledger.CompanyEscrow, p.ID, "escrow for purchase "+p.ID); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, s.audit(p, TxOrderPlaced, total, TxPending, "order placed", "")); err != nil {
			return err
		}

		err = run.Step(ctx, saga.Step{
			Name: "decrement_stock",
			Action: func(ctx context.Context) error {
				_, err := s.products.DecrementStock(ctx, p.ProductID, p.Quantity)
				return err
			},
			Compensate: func(ctx context.Context) error {
				_, err := s.products.IncrementStock(ctx, p.ProductID, p.Quantity)
				return err
			},
		})
		if err != nil {
			return err
		}

		addr, err := s.shippingAddress(ctx, req)
		if err != nil {
			return err
		}

		var shipment *external.Shipment
		err = run.Step(ctx, saga.Step{
			Name: "create_shipment",
			Action: func(ctx context.Context) error {
				sh, err := s.shipments.CreateShipment(ctx, addr, []external.ShipmentItem{{SKU: p.ProductSKU, Quantity: p.Quantity}})
				shipment = sh
				return err
			},
			Compensate: func(ctx context.Context) error {
				_, err := s.shipments.UpdateShipmentStatus(ctx, shipment.ID, external.ShipmentCancelled)
				return err
			},
		})
		if err != nil {
			if f, ok := saga.AsFailure(err); ok {
				return fmt.Errorf("%w (stock restored: %t): %w", ErrShipmentCreationFailed, f.Compensated, f)
			}
			return err
		}

		p.ShipmentID = shipment.ID
		p.UpdatedAt = s.clock()
		if err := tx.UpdatePurchase(ctx, p); err != nil {
			return err
		}
		created = p
		return nil
	})
	if err != nil {
		if _, isStep := saga.AsFailure(err); !isStep {
			if f := run.Rollback(ctx, err); f != nil && !f.Compensated {
				s.logger.Error("CRITICAL: purchase side effects not fully undone",
					"customer_id", req.CustomerID, "product_id", req.ProductID, "error", f)
			}
		}
		return nil, err
	}
	run.Complete()

	s.logger.Info("purchase created",
		"purchase_id", created.ID,
		"customer_id", created.CustomerID,
		"total", money.Format(created.TotalAmount),
		"shipment_id", created.ShipmentID)
	s.events.Publish(EventPurchaseCreated, created)
	return created, nil
}

func (s *Service) shippingAddress(ctx context.Context, req CreateRequest) (external.Address, error) {
	if req.ShippingAddress != nil {
		return *req.ShippingAddress, nil
	}
	customer, err := s.customers.GetCustomer(ctx, req.CustomerID)
	if err != nil {
		return external.Address{}, err
	}
	if !customer.ShippingAddress.Complete() {
		return external.Address{}, ErrNoShippingAddress
	}
	return customer.ShippingAddress, nil
}

// Get returns a purchase.
func (s *Service) Get(ctx context.Context, id string) (*Purchase, error) {
	return s.store.GetPurchase(ctx, id)
}

// List returns one page of purchases, newest first.
func (s *Service) List(ctx context.Context, customerID string, page pagination.Page) (pagination.Result[*Purchase], error) {
	items, total, err := s.store.ListPurchases(ctx, ListFilter{
		CustomerID: customerID,
		Offset:     page.Offset(),
		Limit:      page.Limit,
	})
	if err != nil {
		return pagination.Result[*Purchase]{}, err
	}
	return pagination.NewResult(items, total, page), nil
}

// Transactions returns a purchase's audit rows, oldest first.
func (s *Service) Transactions(ctx context.Context, purchaseID string) ([]*Transaction, error) {
	if _, err := s.store.GetPurchase(ctx, purchaseID); err != nil {
		return nil, err
	}
	return s.store.ListTransactions(ctx, purchaseID)
}

// ShipmentUpdate is the result of a shipment status change.
type ShipmentUpdate struct {
	Shipment *external.Shipment `json:"shipment"`
	Purchase *Purchase          `json:"purchase,omitempty"`
}

// UpdateShipmentStatus forwards a status change to the shipment service.
// Delivery of a pending purchase triggers settlement; a settlement failure
// is recorded on the purchase and never fails the update.
func (s *Service) UpdateShipmentStatus(ctx context.Context, shipmentID string, status external.ShipmentStatus) (*ShipmentUpdate, error) {
	if !status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", external.ErrInvalidTransition, status)
	}

	p, err := s.store.GetPurchaseByShipment(ctx, shipmentID)
	if err != nil && !errors.Is(err, ErrPurchaseNotFound) {
		return nil, err
	}
	if p != nil && p.Status == StatusCancelled {
		return nil, ErrPurchaseCancelled
	}

	shipment, err := s.shipments.UpdateShipmentStatus(ctx, shipmentID, status)
	if err != nil {
		return nil, err
	}
	s.events.Publish(EventShipmentStatusChanged, shipment)
	out := &ShipmentUpdate{Shipment: shipment}
	if p == nil {
		return out, nil
	}

	if status == external.ShipmentDelivered && p.Status == StatusPending {
		if _, err := s.Settle(ctx, p.ID); err != nil {
			s.logger.Warn("settlement after delivery failed",
				"purchase_id", p.ID, "shipment_id", shipmentID, "error", err)
		}
	}
	if out.Purchase, err = s.store.GetPurchase(ctx, p.ID); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Service) audit(p *Purchase, typ TxType, amount decimal.Decimal, status TxStatus, desc, errMsg string) *Transaction {
	return &Transaction{
		ID:           idgen.New(),
		PurchaseID:   p.ID,
		CustomerID:   p.CustomerID,
		Type:         typ,
		Amount:       amount,
		Status:       status,
		Description:  desc,
		ErrorMessage: errMsg,
		CreatedAt:    s.clock(),
	}
}

// appendCredit writes a customer ledger entry for p. Zero amounts (a fully
// discounted order) leave no entry.
func appendCredit(ctx context.Context, tx Tx, p *Purchase, amount decimal.Decimal, kind ledger.CreditKind, opID, reason string) error {
	if amount.IsZero() {
		return nil
	}
	return tx.AppendCredit(ctx, &ledger.CreditEntry{
		CustomerID:  p.CustomerID,
		Amount:      amount,
		Kind:        kind,
		Reason:      reason,
		ReferenceID: p.ID,
		OperationID: opID,
	})
}

func appendCompany(ctx context.Context, tx Tx, p *Purchase, amount decimal.Decimal, kind ledger.CompanyKind, opID, reason string) error {
	if amount.IsZero() {
		return nil
	}
	return tx.AppendCompany(ctx, &ledger.CompanyEntry{
		Amount:      amount,
		Kind:        kind,
		Reason:      reason,
		ReferenceID: p.ID,
		OperationID: opID,
	})
}

// appendCreditOnce skips the append when the operation already wrote its
// entry, so retried bookings never double-count.
func appendCreditOnce(ctx context.Context, tx Tx, p *Purchase, amount decimal.Decimal, kind ledger.CreditKind, opID, reason string) error {
	existing, err := tx.FindCredit(ctx, opID, kind)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return appendCredit(ctx, tx, p, amount, kind, opID, reason)
}

func appendCompanyOnce(ctx context.Context, tx Tx, p *Purchase, amount decimal.Decimal, kind ledger.CompanyKind, opID, reason string) error {
	existing, err := tx.FindCompany(ctx, opID, kind)
	if err != nil {
		return err
	}
	if existing != nil {
		return nil
	}
	return appendCompany(ctx, tx, p, amount, kind, opID, reason)
}
