package ledger

import (
	"context"
	"log/slog"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/money"
)

// HistoryLimit is how many recent entries accompany a balance.
const HistoryLimit = 50

// CustomerBalance is a customer's balance with its latest entries.
type CustomerBalance struct {
	CustomerID string          `json:"customerId"`
	Balance    decimal.Decimal `json:"balance"`
	Entries    []*CreditEntry  `json:"entries"`
}

// CompanyStatement is the company balance with its latest entries.
type CompanyStatement struct {
	Balance decimal.Decimal `json:"balance"`
	Entries []*CompanyEntry `json:"entries"`
}

// Service exposes direct credit operations (grants and manual deductions).
// Purchase and refund flows write to the ledgers through their own Books.
type Service struct {
	runner Runner
	logger *slog.Logger
}

// NewService creates a ledger service.
func NewService(runner Runner, logger *slog.Logger) *Service {
	return &Service{runner: runner, logger: logger}
}

// Balance returns the customer's balance and latest entries.
func (s *Service) Balance(ctx context.Context, customerID string) (_ *CustomerBalance, err error) {
	if customerID == "" {
		return nil, ErrCustomerRequired
	}
	done := track("balance")
	defer func() { done(err) }()

	out := &CustomerBalance{CustomerID: customerID}
	err = s.runner.View(ctx, func(ctx context.Context, b Book) error {
		var err error
		if out.Balance, err = b.CreditBalance(ctx, customerID); err != nil {
			return err
		}
		out.Entries, err = b.RecentCredit(ctx, customerID, HistoryLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Entries == nil {
		out.Entries = []*CreditEntry{}
	}
	return out, nil
}

// Grant adds credit to a customer.
func (s *Service) Grant(ctx context.Context, customerID string, amount decimal.Decimal, reason string) (_ *CreditEntry, err error) {
	if customerID == "" {
		return nil, ErrCustomerRequired
	}
	if !money.Positive(amount) {
		return nil, ErrInvalidAmount
	}
	done := track("grant")
	defer func() { done(err) }()

	entry := &CreditEntry{CustomerID: customerID, Amount: amount, Kind: CreditGrant, Reason: reason}
	err = s.runner.WithCustomerLock(ctx, customerID, func(ctx context.Context, b Book) error {
		return b.AppendCredit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	recordMoved("grant", amount)
	s.logger.Info("credit granted", "customer_id", customerID, "amount", money.Format(amount))
	return entry, nil
}

// Deduct removes credit from a customer. It never overdraws.
func (s *Service) Deduct(ctx context.Context, customerID string, amount decimal.Decimal, reason string) (_ *CreditEntry, err error) {
	if customerID == "" {
		return nil, ErrCustomerRequired
	}
	if !money.Positive(amount) {
		return nil, ErrInvalidAmount
	}
	done := track("deduct")
	defer func() { done(err) }()

	entry := &CreditEntry{CustomerID: customerID, Amount: amount.Neg(), Kind: CreditDeduct, Reason: reason}
	err = s.runner.WithCustomerLock(ctx, customerID, func(ctx context.Context, b Book) error {
		balance, err := b.CreditBalance(ctx, customerID)
		if err != nil {
			return err
		}
		if balance.LessThan(amount) {
			return ErrInsufficientFunds
		}
		return b.AppendCredit(ctx, entry)
	})
	if err != nil {
		return nil, err
	}

	recordMoved("deduct", amount)
	s.logger.Info("credit deducted", "customer_id", customerID, "amount", money.Format(amount))
	return entry, nil
}

// CompanyBalance returns the company balance and latest entries.
func (s *Service) CompanyBalance(ctx context.Context) (_ *CompanyStatement, err error) {
	done := track("company_balance")
	defer func() { done(err) }()

	out := &CompanyStatement{}
	err = s.runner.View(ctx, func(ctx context.Context, b Book) error {
		var err error
		if out.Balance, err = b.CompanyBalance(ctx); err != nil {
			return err
		}
		out.Entries, err = b.RecentCompany(ctx, HistoryLimit)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out.Entries == nil {
		out.Entries = []*CompanyEntry{}
	}
	companyBalanceGauge.Set(out.Balance.InexactFloat64())
	return out, nil
}
