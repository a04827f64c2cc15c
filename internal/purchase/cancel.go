package purchase

import (
	"context"
	"fmt"

	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/saga"
	"github.com/mbd888/creditsaga/internal/traces"
)

// CancelPurchase cancels a pending order whose shipment has not left
// processing. The customer gets the full total back and escrow is released.
// Stock is restored after commit on a best-effort basis.
func (s *Service) CancelPurchase(ctx context.Context, purchaseID, customerID string) (*Purchase, error) {
	p, err := s.store.GetPurchase(ctx, purchaseID)
	if err != nil {
		return nil, err
	}
	if p.CustomerID != customerID {
		return nil, ErrNotOwner
	}
	if p.Status != StatusPending {
		return nil, fmt.Errorf("%w: purchase is %s", ErrNotCancellable, p.Status)
	}
	if p.ShipmentID != "" {
		shipment, err := s.shipments.GetShipment(ctx, p.ShipmentID)
		if err != nil {
			return nil, err
		}
		if shipment.Status != external.ShipmentProcessing {
			return nil, fmt.Errorf("%w: shipment is %s", ErrShipmentNotCancellable, shipment.Status)
		}
	}

	ctx, span := traces.StartSpan(ctx, "purchase.cancel",
		traces.PurchaseID(p.ID), traces.CustomerID(p.CustomerID))
	defer func() { traces.End(span, err) }()

	run := saga.New("cancel_purchase", s.logger)
	var cancelled *Purchase
	err = s.store.WithCustomerLock(ctx, p.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPurchase(ctx, purchaseID)
		if err != nil {
			return err
		}
		if cur.Status != StatusPending {
			return fmt.Errorf("%w: purchase is %s", ErrNotCancellable, cur.Status)
		}

		if cur.ShipmentID != "" {
			err := run.Step(ctx, saga.Step{
				Name: "cancel_shipment",
				Action: func(ctx context.Context) error {
					_, err := s.shipments.UpdateShipmentStatus(ctx, cur.ShipmentID, external.ShipmentCancelled)
					return err
				},
			})
			if err != nil {
				return err
			}
		}

		if err := appendCredit(ctx, tx, cur, cur.TotalAmount, ledger.CreditRefund, cur.ID,
			"cancellation of purchase "+cur.ID); err != nil {
			return err
		}
		if err := appendCompany(ctx, tx, cur, cur.TotalAmount.Neg(), ledger.CompanyEscrowRelease, cur.ID,
			"escrow released on cancellation of "+cur.ID); err != nil {
			return err
		}
		if err := cur.Transition(StatusCancelled, s.clock()); err != nil {
			return err
		}
		cur.RefundedAmount = cur.TotalAmount
		if err := tx.UpdatePurchase(ctx, cur); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, s.audit(cur, TxOrderCancelled, cur.TotalAmount, TxCompleted, "order cancelled", "")); err != nil {
			return err
		}
		cancelled = cur
		return nil
	})
	if err != nil {
		if _, isStep := saga.AsFailure(err); !isStep && len(run.Completed()) > 0 {
			// A cancelled shipment cannot be reopened.
			s.logger.Error("CRITICAL: shipment cancelled but purchase cancellation did not commit",
				"purchase_id", p.ID, "shipment_id", p.ShipmentID, "error", err)
		}
		run.Rollback(ctx, err)
		return nil, err
	}
	run.Complete()

	if _, err := s.products.IncrementStock(context.WithoutCancel(ctx), cancelled.ProductID, cancelled.Quantity); err != nil {
		s.logger.Error("CRITICAL: stock not restored after cancellation",
			"purchase_id", cancelled.ID, "product_id", cancelled.ProductID,
			"quantity", cancelled.Quantity, "error", err)
	}

	s.logger.Info("purchase cancelled", "purchase_id", cancelled.ID, "customer_id", cancelled.CustomerID)
	s.events.Publish(EventPurchaseCancelled, cancelled)
	return cancelled, nil
}
