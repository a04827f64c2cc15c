package purchase

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/external"
	"github.com/mbd888/creditsaga/internal/idgen"
	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/metrics"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/queue"
	"github.com/mbd888/creditsaga/internal/retry"
	"github.com/mbd888/creditsaga/internal/traces"
)

// RefundRetry is the refund-retry queue payload.
type RefundRetry struct {
	RefundRequestID string `json:"refundRequestId"`
	PurchaseID      string `json:"purchaseId"`
	RetryCount      int    `json:"retryCount"`
}

// CreateRefundRequest files a return or refund against a settled purchase.
// A return always asks for the whole refundable balance; a refund must name
// an amount within the cap.
func (s *Service) CreateRefundRequest(ctx context.Context, in RefundInput) (*RefundRequest, error) {
	if !in.Kind.Valid() {
		return nil, ErrInvalidKind
	}
	if in.Kind == KindRefund {
		if in.RequestedAmount == nil {
			return nil, ErrAmountRequired
		}
		if !money.Positive(*in.RequestedAmount) {
			return nil, ErrInvalidRefundAmount
		}
	}

	p, err := s.store.GetPurchase(ctx, in.PurchaseID)
	if err != nil {
		return nil, err
	}
	if p.CustomerID != in.CustomerID {
		return nil, ErrNotOwner
	}

	var created *RefundRequest
	err = s.store.WithCustomerLock(ctx, p.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPurchase(ctx, p.ID)
		if err != nil {
			return err
		}
		if (cur.Status != StatusSettled && cur.Status != StatusPartiallyRefunded) || cur.SettledAt == nil {
			return fmt.Errorf("%w: purchase is %s", ErrNotRefundable, cur.Status)
		}

		now := s.clock()
		elapsed := now.Sub(*cur.SettledAt)
		var amount decimal.Decimal
		switch in.Kind {
		case KindReturn:
			if elapsed > s.policy.ReturnWindow {
				return ErrReturnWindowExpired
			}
			amount = cur.MaxRefundable()
		case KindRefund:
			if elapsed > s.policy.RefundWindow {
				return ErrRefundWindowExpired
			}
			limit := money.Min(cur.MaxRefundable(), money.Percent(cur.TotalAmount, s.policy.RefundCapPercent))
			if in.RequestedAmount.GreaterThan(limit) {
				return fmt.Errorf("%w: at most %s", ErrExceedsRefundCap, money.Format(limit))
			}
			amount = *in.RequestedAmount
		}

		pending, err := tx.PendingRefundRequest(ctx, cur.ID)
		if err != nil {
			return err
		}
		if pending != nil {
			return ErrPendingRequestExists
		}

		r := &RefundRequest{
			ID:              idgen.New(),
			PurchaseID:      cur.ID,
			CustomerID:      cur.CustomerID,
			Kind:            in.Kind,
			Reason:          in.Reason,
			RequestedAmount: &amount,
			Status:          RequestPending,
			CreatedAt:       now,
			UpdatedAt:       now,
		}
		if err := tx.InsertRefundRequest(ctx, r); err != nil {
			return err
		}
		created = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("refund request created",
		"refund_request_id", created.ID,
		"purchase_id", created.PurchaseID,
		"kind", created.Kind,
		"amount", money.Format(*created.RequestedAmount))
	s.events.Publish(EventRefundRequested, created)
	return created, nil
}

// ApproveRefundRequest pays out a pending request. amount defaults to the
// requested amount. If booking the refund fails the request is returned in
// the failed status, already queued for retry.
func (s *Service) ApproveRefundRequest(ctx context.Context, requestID string, amount *decimal.Decimal, note string) (*RefundRequest, error) {
	r, err := s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	ctx, span := traces.StartSpan(ctx, "purchase.approve_refund",
		traces.RefundRequestID(r.ID), traces.PurchaseID(r.PurchaseID))
	defer func() { traces.End(span, err) }()

	var (
		approved *RefundRequest
		purchase *Purchase
		paid     decimal.Decimal
		booking  bool
	)
	err = s.store.WithCustomerLock(ctx, r.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockRefundRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if cur.Status != RequestPending {
			return fmt.Errorf("%w: refund request is %s", ErrInvalidTransition, cur.Status)
		}
		p, err := tx.LockPurchase(ctx, cur.PurchaseID)
		if err != nil {
			return err
		}

		switch {
		case amount != nil:
			paid = *amount
		case cur.RequestedAmount != nil:
			paid = *cur.RequestedAmount
		default:
			return ErrAmountRequired
		}
		if !money.Positive(paid) {
			return ErrInvalidRefundAmount
		}
		if err := checkRefundable(p, paid); err != nil {
			return err
		}

		booking = true
		cur.ReviewerNote = note
		if err := s.bookRefund(ctx, tx, p, cur, paid); err != nil {
			return err
		}
		approved, purchase = cur, p
		return nil
	})
	if err != nil {
		if !booking {
			return nil, err
		}
		failed := s.failRefund(ctx, r, paid, note, err)
		if failed == nil {
			return nil, err
		}
		err = nil
		return failed, nil
	}

	metrics.RefundsTotal.WithLabelValues("approved").Inc()
	s.logger.Info("refund approved",
		"refund_request_id", approved.ID,
		"purchase_id", purchase.ID,
		"amount", money.Format(paid),
		"purchase_status", purchase.Status)
	s.events.Publish(EventRefundApproved, approved)

	if approved.Kind == KindReturn && purchase.ShipmentID != "" {
		s.markReturned(ctx, purchase)
	}
	return approved, nil
}

// bookRefund moves amount from company revenue back to the customer and
// marks r approved. Entries already written by an earlier attempt are not
// written again.
func (s *Service) bookRefund(ctx context.Context, tx Tx, p *Purchase, r *RefundRequest, amount decimal.Decimal) error {
	if err := checkRefundable(p, amount); err != nil {
		return err
	}
	if err := appendCompanyOnce(ctx, tx, p, amount.Neg(), ledger.CompanyRefund, r.ID,
		"refund for purchase "+p.ID); err != nil {
		return err
	}
	if err := appendCreditOnce(ctx, tx, p, amount, ledger.CreditRefund, r.ID,
		fmt.Sprintf("%s of purchase %s", r.Kind, p.ID)); err != nil {
		return err
	}

	now := s.clock()
	p.RefundedAmount = p.RefundedAmount.Add(amount)
	next := StatusPartiallyRefunded
	if money.Covers(p.RefundedAmount, p.TotalAmount) {
		next = StatusRefunded
	}
	if err := p.Transition(next, now); err != nil {
		return err
	}
	p.ErrorMessage = ""
	if err := tx.UpdatePurchase(ctx, p); err != nil {
		return err
	}
	if err := tx.InsertTransaction(ctx, s.audit(p, TxRefund, amount, TxCompleted,
		fmt.Sprintf("%s approved", r.Kind), "")); err != nil {
		return err
	}

	if err := r.Transition(RequestApproved, now); err != nil {
		return err
	}
	r.ApprovedAmount = &amount
	r.ErrorMessage = ""
	return tx.UpdateRefundRequest(ctx, r)
}

// checkRefundable rejects any amount that would push RefundedAmount past
// TotalAmount.
func checkRefundable(p *Purchase, amount decimal.Decimal) error {
	if amount.GreaterThan(p.MaxRefundable()) {
		return fmt.Errorf("%w: at most %s", ErrExceedsRefundable, money.Format(p.MaxRefundable()))
	}
	return nil
}

// failRefund parks the request and its purchase in their failed statuses
// and queues the first retry. It returns nil if the failure could not be
// recorded.
func (s *Service) failRefund(ctx context.Context, r *RefundRequest, amount decimal.Decimal, note string, cause error) *RefundRequest {
	metrics.RefundsTotal.WithLabelValues("failed").Inc()
	ctx = context.WithoutCancel(ctx)

	var failed *RefundRequest
	err := s.store.WithCustomerLock(ctx, r.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockRefundRequest(ctx, r.ID)
		if err != nil {
			return err
		}
		if cur.Status != RequestPending {
			return fmt.Errorf("%w: refund request is %s", ErrInvalidTransition, cur.Status)
		}
		p, err := tx.LockPurchase(ctx, cur.PurchaseID)
		if err != nil {
			return err
		}

		now := s.clock()
		if err := cur.Transition(RequestFailed, now); err != nil {
			return err
		}
		cur.ApprovedAmount = &amount
		cur.ReviewerNote = note
		cur.ErrorMessage = cause.Error()
		if err := tx.UpdateRefundRequest(ctx, cur); err != nil {
			return err
		}

		if p.Status != StatusRefundFailed {
			if err := p.Transition(StatusRefundFailed, now); err != nil {
				return err
			}
		}
		p.ErrorMessage = cause.Error()
		if err := tx.UpdatePurchase(ctx, p); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, s.audit(p, TxRefundFailed, amount, TxFailed,
			"refund failed", cause.Error())); err != nil {
			return err
		}
		failed = cur
		return tx.Enqueue(ctx, queue.TopicRefundRetry,
			RefundRetry{RefundRequestID: cur.ID, PurchaseID: p.ID}, retry.Backoff(0, s.baseDelay))
	})
	if err != nil {
		s.logger.Error("CRITICAL: could not record refund failure",
			"refund_request_id", r.ID, "cause", cause, "error", err)
		return nil
	}
	s.logger.Error("refund failed, queued for retry",
		"refund_request_id", r.ID, "purchase_id", r.PurchaseID, "error", cause)
	s.events.Publish(EventRefundFailed, failed)
	return failed
}

// markReturned moves the shipment of a returned order to returned. Money
// has already moved, so a failure is only logged.
func (s *Service) markReturned(ctx context.Context, p *Purchase) {
	if _, err := s.shipments.UpdateShipmentStatus(context.WithoutCancel(ctx), p.ShipmentID, external.ShipmentReturned); err != nil {
		s.logger.Warn("could not mark shipment returned",
			"purchase_id", p.ID, "shipment_id", p.ShipmentID, "error", err)
	}
}

// RejectRefundRequest closes a pending request without moving money.
func (s *Service) RejectRefundRequest(ctx context.Context, requestID, note string) (*RefundRequest, error) {
	r, err := s.store.GetRefundRequest(ctx, requestID)
	if err != nil {
		return nil, err
	}

	var rejected *RefundRequest
	err = s.store.WithCustomerLock(ctx, r.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockRefundRequest(ctx, requestID)
		if err != nil {
			return err
		}
		if err := cur.Transition(RequestRejected, s.clock()); err != nil {
			return err
		}
		cur.ReviewerNote = note
		if err := tx.UpdateRefundRequest(ctx, cur); err != nil {
			return err
		}
		rejected = cur
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.RefundsTotal.WithLabelValues("rejected").Inc()
	s.logger.Info("refund request rejected", "refund_request_id", rejected.ID, "purchase_id", rejected.PurchaseID)
	s.events.Publish(EventRefundRejected, rejected)
	return rejected, nil
}

// GetRefundRequest returns one refund request.
func (s *Service) GetRefundRequest(ctx context.Context, id string) (*RefundRequest, error) {
	return s.store.GetRefundRequest(ctx, id)
}

// ListRefundRequests returns requests matching f, newest first.
func (s *Service) ListRefundRequests(ctx context.Context, f RequestFilter) ([]*RefundRequest, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, f.Status)
	}
	return s.store.ListRefundRequests(ctx, f)
}
