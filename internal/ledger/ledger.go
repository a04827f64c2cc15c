// Package ledger holds the two append-only money ledgers: each customer's
// credit ledger and the company revenue ledger.
//
// Balances are never stored; they are the sum of a key's entries. Entries
// are written through a Book, which is always scoped to one transaction:
//  1. Runner.WithCustomerLock serializes writers for one customer
//  2. Reads inside the Book see committed entries plus the Book's own appends
//  3. (OperationID, Kind) is unique per ledger, so a retried operation can
//     check whether its entry already landed before appending again
package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/apperr"
)

var (
	ErrInsufficientFunds = apperr.Validation("insufficient_funds", "insufficient credit balance")
	ErrInvalidAmount     = apperr.Validation("invalid_amount", "amount must be positive with at most 2 decimal places")
	ErrCustomerRequired  = apperr.Validation("customer_required", "customer id is required")
	ErrInvalidKind       = apperr.Validation("invalid_entry_kind", "unknown ledger entry kind")
	ErrDuplicateEntry    = apperr.Conflict("duplicate_ledger_entry", "ledger entry already recorded for this operation")
	ErrReadOnly          = apperr.New(apperr.KindInternal, "read_only", "ledger view is read-only")
)

// CreditKind classifies a customer credit entry.
type CreditKind string

const (
	CreditGrant    CreditKind = "grant"
	CreditDeduct   CreditKind = "deduct"
	CreditPurchase CreditKind = "purchase"
	CreditRefund   CreditKind = "refund"
)

// Valid reports whether k is a known credit kind.
func (k CreditKind) Valid() bool {
	switch k {
	case CreditGrant, CreditDeduct, CreditPurchase, CreditRefund:
		return true
	}
	return false
}

// CompanyKind classifies a company ledger entry.
type CompanyKind string

const (
	CompanySale          CompanyKind = "sale"
	CompanyRefund        CompanyKind = "refund"
	CompanyEscrow        CompanyKind = "escrow"
	CompanyEscrowRelease CompanyKind = "escrow_release"
)

// Valid reports whether k is a known company kind.
func (k CompanyKind) Valid() bool {
	switch k {
	case CompanySale, CompanyRefund, CompanyEscrow, CompanyEscrowRelease:
		return true
	}
	return false
}

// CreditEntry is one signed movement on a customer's credit balance.
type CreditEntry struct {
	ID          string          `json:"id"`
	CustomerID  string          `json:"customerId"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        CreditKind      `json:"type"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"referenceId,omitempty"` // purchase the entry belongs to
	OperationID string          `json:"operationId,omitempty"` // purchase id or refund request id
	CreatedAt   time.Time       `json:"createdAt"`
}

// CompanyEntry is one signed movement on the company revenue ledger.
type CompanyEntry struct {
	ID          string          `json:"id"`
	Amount      decimal.Decimal `json:"amount"`
	Kind        CompanyKind     `json:"type"`
	Reason      string          `json:"reason"`
	ReferenceID string          `json:"referenceId,omitempty"`
	OperationID string          `json:"operationId,omitempty"`
	CreatedAt   time.Time       `json:"createdAt"`
}

// Book is the transaction-scoped view of both ledgers. There is no update or
// delete. Append fills ID and CreatedAt when empty.
type Book interface {
	AppendCredit(ctx context.Context, e *CreditEntry) error
	AppendCompany(ctx context.Context, e *CompanyEntry) error

	CreditBalance(ctx context.Context, customerID string) (decimal.Decimal, error)
	CompanyBalance(ctx context.Context) (decimal.Decimal, error)

	// Recent entries, newest first.
	RecentCredit(ctx context.Context, customerID string, limit int) ([]*CreditEntry, error)
	RecentCompany(ctx context.Context, limit int) ([]*CompanyEntry, error)

	// Find returns the entry written by an operation, or nil if none exists.
	FindCredit(ctx context.Context, operationID string, kind CreditKind) (*CreditEntry, error)
	FindCompany(ctx context.Context, operationID string, kind CompanyKind) (*CompanyEntry, error)

	// OpenEscrows returns the net escrow still held per purchase id.
	OpenEscrows(ctx context.Context) (map[string]decimal.Decimal, error)
}

// Runner opens Books.
type Runner interface {
	// WithCustomerLock runs fn in one transaction while holding the
	// customer's lock. fn's appends commit only if fn returns nil.
	WithCustomerLock(ctx context.Context, customerID string, fn func(ctx context.Context, b Book) error) error
	// View runs fn against a read-only Book.
	View(ctx context.Context, fn func(ctx context.Context, b Book) error) error
}

func validateCredit(e *CreditEntry) error {
	if e.CustomerID == "" {
		return ErrCustomerRequired
	}
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	if e.Amount.IsZero() || !e.Amount.Equal(e.Amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}

func validateCompany(e *CompanyEntry) error {
	if !e.Kind.Valid() {
		return ErrInvalidKind
	}
	if e.Amount.IsZero() || !e.Amount.Equal(e.Amount.Round(2)) {
		return ErrInvalidAmount
	}
	return nil
}
