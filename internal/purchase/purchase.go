// Package purchase runs the order saga: buying with customer credit,
// settling on delivery, refunds and returns, and cancellation.
//
// Flow:
//  1. CreatePurchase debits credit, holds the total in company escrow,
//     takes stock and books a shipment (pending)
//  2. Delivery settles: escrow released, sale recognized (settled)
//  3. Refund requests are reviewed; approval moves money back
//  4. Cancel before shipping returns the credit and releases escrow
//
// Every money movement runs under the customer's lock in one transaction.
// Failed settlements and refunds are parked in a *_failed status and
// retried from the queue.
package purchase

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/apperr"
	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/ledger"
)

var (
	ErrPurchaseNotFound       = apperr.NotFound("purchase_not_found", "purchase not found")
	ErrRefundRequestNotFound  = apperr.NotFound("refund_request_not_found", "refund request not found")
	ErrNotOwner               = apperr.Validation("not_owner", "purchase does not belong to this customer")
	ErrInvalidTransition      = apperr.Validation("invalid_status_transition", "status transition not allowed")
	ErrInvalidQuantity        = apperr.Validation("invalid_quantity", "quantity must be positive")
	ErrInvalidKind            = apperr.Validation("invalid_refund_kind", "kind must be return or refund")
	ErrAmountRequired         = apperr.Validation("amount_required", "refund requests must specify an amount")
	ErrInvalidRefundAmount    = apperr.Validation("invalid_refund_amount", "refund amount must be positive with at most 2 decimal places")
	ErrInvalidStatus          = apperr.Validation("invalid_status", "unknown status")
	ErrNotRefundable          = apperr.Validation("not_refundable", "refunds can only be requested for settled purchases")
	ErrReturnWindowExpired    = apperr.Validation("return_window_expired", "return window has expired")
	ErrRefundWindowExpired    = apperr.Validation("refund_window_expired", "refund window has expired")
	ErrExceedsRefundCap       = apperr.Validation("exceeds_refund_cap", "requested amount exceeds the refund cap")
	ErrExceedsRefundable      = apperr.Validation("exceeds_refundable", "amount exceeds the refundable balance")
	ErrPendingRequestExists   = apperr.Validation("pending_request_exists", "a pending refund request already exists for this purchase")
	ErrNotCancellable         = apperr.Validation("not_cancellable", "only pending purchases can be cancelled")
	ErrShipmentNotCancellable = apperr.Validation("shipment_not_cancellable", "order cannot be cancelled after the shipment left processing")
	ErrPurchaseCancelled      = apperr.Validation("purchase_cancelled", "cannot update shipment for a cancelled order")
	ErrNoShippingAddress      = apperr.Validation("no_shipping_address", "no shipping address given or on file")
	ErrShipmentCreationFailed = apperr.External("shipment_creation_failed", "shipment could not be created")
	ErrSettlementFailed       = apperr.External("settlement_failed", "settlement failed and was queued for retry")
)

// Status is the lifecycle state of a purchase.
type Status string

const (
	StatusPending           Status = "pending"
	StatusSettled           Status = "settled"
	StatusPartiallyRefunded Status = "partially_refunded"
	StatusRefunded          Status = "refunded"
	StatusSettlementFailed  Status = "settlement_failed"
	StatusRefundFailed      Status = "refund_failed"
	StatusCancelled         Status = "cancelled"
)

var purchaseTransitions = map[Status][]Status{
	StatusPending:           {StatusSettled, StatusSettlementFailed, StatusCancelled},
	StatusSettlementFailed:  {StatusSettled},
	StatusSettled:           {StatusPartiallyRefunded, StatusRefunded, StatusRefundFailed},
	StatusPartiallyRefunded: {StatusPartiallyRefunded, StatusRefunded, StatusRefundFailed},
	StatusRefundFailed:      {StatusPartiallyRefunded, StatusRefunded},
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSettled, StatusPartiallyRefunded, StatusRefunded,
		StatusSettlementFailed, StatusRefundFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a purchase may move from s to next.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range purchaseTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// Purchase is one order paid with customer credit.
type Purchase struct {
	ID              string          `json:"id"`
	CustomerID      string          `json:"customerId"`
	ProductID       string          `json:"productId"`
	ProductSKU      string          `json:"productSku"`
	ProductName     string          `json:"productName"`
	Quantity        int             `json:"quantity"`
	PriceAtPurchase decimal.Decimal `json:"priceAtPurchase"`
	TotalAmount     decimal.Decimal `json:"totalAmount"`
	DiscountAmount  decimal.Decimal `json:"discountAmount"`
	PromoCodeID     string          `json:"promoCodeId,omitempty"`
	ShipmentID      string          `json:"shipmentId,omitempty"`
	Status          Status          `json:"status"`
	ErrorMessage    string          `json:"errorMessage,omitempty"`
	RefundedAmount  decimal.Decimal `json:"refundedAmount"`
	SettledAt       *time.Time      `json:"settledAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt"`
	UpdatedAt       time.Time       `json:"updatedAt"`
}

// Transition moves p to next or returns ErrInvalidTransition.
func (p *Purchase) Transition(next Status, now time.Time) error {
	if !p.Status.CanTransition(next) {
		return fmt.Errorf("%w: purchase %s -> %s", ErrInvalidTransition, p.Status, next)
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// MaxRefundable is what remains to be refunded.
func (p *Purchase) MaxRefundable() decimal.Decimal {
	return p.TotalAmount.Sub(p.RefundedAmount)
}

// IsTerminal reports whether no further money can move.
func (p *Purchase) IsTerminal() bool {
	return p.Status == StatusRefunded || p.Status == StatusCancelled
}

// TxType classifies a Transaction audit row.
type TxType string

const (
	TxOrderPlaced       TxType = "order_placed"
	TxShipmentDelivered TxType = "shipment_delivered"
	TxRefund            TxType = "refund"
	TxSettlementFailed  TxType = "settlement_failed"
	TxRefundFailed      TxType = "refund_failed"
	TxOrderCancelled    TxType = "order_cancelled"
)

// TxStatus is the outcome recorded on a Transaction.
type TxStatus string

const (
	TxPending   TxStatus = "pending"
	TxCompleted TxStatus = "completed"
	TxFailed    TxStatus = "failed"
)

// Transaction is a write-once audit row for one purchase event.
type Transaction struct {
	ID           string          `json:"id"`
	PurchaseID   string          `json:"purchaseId"`
	CustomerID   string          `json:"customerId"`
	Type         TxType          `json:"type"`
	Amount       decimal.Decimal `json:"amount"`
	Status       TxStatus        `json:"status"`
	Description  string          `json:"description"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	CreatedAt    time.Time       `json:"createdAt"`
}

// RefundKind distinguishes a full return from a partial refund.
type RefundKind string

const (
	KindReturn RefundKind = "return"
	KindRefund RefundKind = "refund"
)

// Valid reports whether k is a known kind.
func (k RefundKind) Valid() bool {
	return k == KindReturn || k == KindRefund
}

// RequestStatus is the review state of a refund request.
type RequestStatus string

const (
	RequestPending  RequestStatus = "pending"
	RequestApproved RequestStatus = "approved"
	RequestRejected RequestStatus = "rejected"
	RequestFailed   RequestStatus = "failed"
)

// Valid reports whether s is a known request status.
func (s RequestStatus) Valid() bool {
	switch s {
	case RequestPending, RequestApproved, RequestRejected, RequestFailed:
		return true
	}
	return false
}

var requestTransitions = map[RequestStatus][]RequestStatus{
	RequestPending: {RequestApproved, RequestRejected, RequestFailed},
	RequestFailed:  {RequestApproved},
}

// CanTransition reports whether a request may move from s to next.
func (s RequestStatus) CanTransition(next RequestStatus) bool {
	for _, allowed := range requestTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// RefundRequest is a customer's ask for money back on a settled purchase.
type RefundRequest struct {
	ID              string           `json:"id"`
	PurchaseID      string           `json:"purchaseId"`
	CustomerID      string           `json:"customerId"`
	Kind            RefundKind       `json:"type"`
	Reason          string           `json:"reason"`
	RequestedAmount *decimal.Decimal `json:"requestedAmount,omitempty"`
	ApprovedAmount  *decimal.Decimal `json:"approvedAmount,omitempty"`
	Status          RequestStatus    `json:"status"`
	ReviewerNote    string           `json:"reviewerNote,omitempty"`
	ErrorMessage    string           `json:"errorMessage,omitempty"`
	CreatedAt       time.Time        `json:"createdAt"`
	UpdatedAt       time.Time        `json:"updatedAt"`
}

// Transition moves r to next or returns ErrInvalidTransition.
func (r *RefundRequest) Transition(next RequestStatus, now time.Time) error {
	if !r.Status.CanTransition(next) {
		return fmt.Errorf("%w: refund request is already %s", ErrInvalidTransition, r.Status)
	}
	r.Status = next
	r.UpdatedAt = now
	return nil
}

// CreateRequest is the input to CreatePurchase.
type CreateRequest struct {
	CustomerID      string            `json:"customerId"`
	ProductID       string            `json:"productId"`
	Quantity        int               `json:"quantity"`
	PromoCode       string            `json:"promoCode,omitempty"`
	ShippingAddress *external.Address `json:"shippingAddress,omitempty"`
}

// RefundInput is the input to CreateRefundRequest.
type RefundInput struct {
	CustomerID      string
	PurchaseID      string
	Kind            RefundKind
	Reason          string
	RequestedAmount *decimal.Decimal
}

// ListFilter selects purchases.
type ListFilter struct {
	CustomerID string
	Offset     int
	Limit      int
}

// RequestFilter selects refund requests.
type RequestFilter struct {
	Status     RequestStatus
	CustomerID string
}

// Tx is one transaction over purchases, refund requests, their audit rows,
// both ledgers and the retry outbox. Lock* reads take the row lock for the
// rest of the transaction.
type Tx interface {
	ledger.Book

	LockPurchase(ctx context.Context, id string) (*Purchase, error)
	InsertPurchase(ctx context.Context, p *Purchase) error
	UpdatePurchase(ctx context.Context, p *Purchase) error

	InsertTransaction(ctx context.Context, t *Transaction) error

	LockRefundRequest(ctx context.Context, id string) (*RefundRequest, error)
	PendingRefundRequest(ctx context.Context, purchaseID string) (*RefundRequest, error)
	InsertRefundRequest(ctx context.Context, r *RefundRequest) error
	UpdateRefundRequest(ctx context.Context, r *RefundRequest) error

	// Enqueue publishes a retry message that commits with the transaction.
	Enqueue(ctx context.Context, topic string, payload any, delay time.Duration) error
}

// Store persists purchases. Every mutation goes through WithCustomerLock.
type Store interface {
	WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, tx Tx) error) error

	GetPurchase(ctx context.Context, id string) (*Purchase, error)
	GetPurchaseByShipment(ctx context.Context, shipmentID string) (*Purchase, error)
	ListPurchases(ctx context.Context, f ListFilter) ([]*Purchase, int, error)
	ListTransactions(ctx context.Context, purchaseID string) ([]*Transaction, error)
	GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error)
	ListRefundRequests(ctx context.Context, f RequestFilter) ([]*RefundRequest, error)
	// Statuses returns the status of each listed purchase that exists.
	Statuses(ctx context.Context, ids []string) (map[string]Status, error)
}
