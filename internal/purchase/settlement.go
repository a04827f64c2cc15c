package purchase

import (
	"context"
	"fmt"

	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/metrics"
	"github.com/mbd888/creditsaga/internal/queue"
	"github.com/mbd888/creditsaga/internal/retry"
	"github.com/mbd888/creditsaga/internal/traces"
)

// SettlementRetry is the settlement-retry queue payload.
type SettlementRetry struct {
	PurchaseID string `json:"purchaseId"`
	RetryCount int    `json:"retryCount"`
}

// Settle recognizes the sale of a delivered purchase: escrow is released and
// the total is booked as revenue. When booking fails the purchase is parked
// in settlement_failed and queued for retry, and ErrSettlementFailed is
// returned.
func (s *Service) Settle(ctx context.Context, purchaseID string) (*Purchase, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "purchase.settle",
		traces.PurchaseID(p.ID), traces.CustomerID(p.CustomerID))
	defer func() { traces.End(span, err) }()

	var settled *Purchase
	booking := false
	err = s.store.WithCustomerLock(ctx, p.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return fmt.Errorf("%w: purchase is %s, settlement needs pending", ErrInvalidTransition, cur.Status)
		}
		booking = true
		if err := s.bookSettlement(ctx, tx, cur); err != nil {
			return err
		}
		settled = cur
		return nil
	})
	if err != nil {
		if !booking {
			return nil, err
		}
		s.failSettlement(ctx, p, err)
		err = fmt.Errorf("%w: %w", ErrSettlementFailed, err)
		return nil, err
	}

	metrics.SettlementsTotal.WithLabelValues("settled").Inc()
	s.logger.Info("purchase settled",
		"purchase_id", settled.ID, "customer_id", settled.CustomerID)
	s.events.Publish(EventPurchaseSettled, settled)
	return settled, nil
}

// bookSettlement writes the settlement for p, which must be pending or
// settlement_failed. Entries already written by an earlier attempt are
// not written again.
func (s *Service) bookSettlement(ctx context.Context, tx Tx, p *Purchase) error {
	if err := appendCompanyOnce(ctx, tx, p, p.TotalAmount.Neg(), ledger.CompanyEscrowRelease, p.ID,
		"escrow released on delivery of "+p.ID); err != nil {
		return err
	}
	if err := appendCompanyOnce(ctx, tx, p, p.TotalAmount, ledger.CompanySale, p.ID,
		"sale of purchase "+p.ID); err != nil {
		return err
	}

	now := s.clock()
	if err := p.Transition(StatusSettled, now); err != nil {
		return err
	}
	p.SettledAt = &now
	p.ErrorMessage = ""
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return err
	}
	return tx.InsertTransaction(ctx, s.audit(p, TxShipmentDelivered, p.TotalAmount, TxCompleted, "shipment delivered, sale settled", ""))
}

// failSettlement parks p in settlement_failed and queues the first retry.
// It is best-effort: if even this fails the purchase stays pending and the
// failure is only logged.
func (s *Service) failSettlement(ctx context.Context, p *Purchase, cause error) {
	metrics.SettlementsTotal.WithLabelValues("failed").Inc()
	ctx = context.WithoutCancel(ctx)

	var failed *Purchase
	err := s.store.WithCustomerLock(ctx, p.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPurchase(ctx, p.ID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return nil
		}
		if err := cur.Transition(StatusSettlementFailed, s.clock()); err != nil {
			return err
		}
		cur.ErrorMessage = cause.Error()
		if err := tx.UpdatePurchase(ctx, cur); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, s.audit(cur, TxSettlementFailed, cur.TotalAmount, TxFailed,
			"settlement failed", cause.Error())); err != nil {
			return err
		}
		failed = cur
		return tx.Enqueue(ctx, queue.TopicSettlementRetry,
			SettlementRetry{PurchaseID: cur.ID}, retry.Backoff(0, s.baseDelay))
	})
	if err != nil {
		s.logger.Error("CRITICAL: could not record settlement failure",
			"purchase_id", p.ID, "cause", cause, "error", err)
		return
	}
	if failed == nil {
		return
	}
	s.logger.Error("settlement failed, queued for retry",
		"purchase_id", p.ID, "customer_id", p.CustomerID, "error", cause)
	s.events.Publish(EventSettlementFailed, failed)
}
