package purchase

import (
	"context"
	"errors"
	"fmt"

	"github.com/mbd888/creditsaga/internal/metrics"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/queue"
	"github.com/mbd888/creditsaga/internal/retry"
	"github.com/mbd888/creditsaga/internal/traces"
)

// errSkip ends a retry without booking: the entity is not in a state the
// retry can act on.
var errSkip = errors.New("retry not applicable")

// RegisterRetryHandlers subscribes the service to both retry topics.
func (s *Service) RegisterRetryHandlers(d *queue.Dispatcher) {
	d.Handle(queue.TopicSettlementRetry, s.HandleSettlementRetry)
	d.Handle(queue.TopicRefundRetry, s.HandleRefundRetry)
}

// HandleSettlementRetry re-runs a failed settlement. A business failure is
// recorded and re-queued with a higher retry count until the budget is
// spent; only infrastructure errors are returned to the dispatcher.
func (s *Service) HandleSettlementRetry(ctx context.Context, msg *queue.Message) error {
	var job SettlementRetry
	if err := msg.Decode(&job); err != nil {
		s.logger.Error("dropping malformed settlement retry", "message_id", msg.ID, "error", err)
		return nil
	}
	log := s.logger.With("purchase_id", job.PurchaseID, "retry_count", job.RetryCount)

	ctx, span := traces.StartSpan(ctx, "purchase.settlement_retry",
		traces.PurchaseID(job.PurchaseID), traces.RetryCount(job.RetryCount))
	var err error
	defer func() { traces.End(span, err) }()

	p, err := s.store.GetPurchase(ctx, job.PurchaseID)
	if errors.Is(err, ErrPurchaseNotFound) {
		log.Warn("settlement retry for unknown purchase, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	var settled *Purchase
	err = s.store.WithCustomerLock(ctx, p.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPurchase(ctx, job.PurchaseID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case StatusSettlementFailed:
		case StatusSettled, StatusPartiallyRefunded, StatusRefunded, StatusRefundFailed:
			log.Info("purchase already settled, nothing to retry")
			return errSkip
		default:
			log.Warn("purchase not awaiting settlement retry, dropping", "status", cur.Status)
			return errSkip
		}
		if err := s.bookSettlement(ctx, tx, cur); err != nil {
			return err
		}
		settled = cur
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
		err = nil
		metrics.RetryAttemptsTotal.WithLabelValues(queue.TopicSettlementRetry, "skipped").Inc()
		return nil
	case err == nil:
		metrics.RetryAttemptsTotal.WithLabelValues(queue.TopicSettlementRetry, "succeeded").Inc()
		metrics.SettlementsTotal.WithLabelValues("retried").Inc()
		log.Info("settlement retry succeeded")
		s.events.Publish(EventPurchaseSettled, settled)
		return nil
	}

	metrics.RetryAttemptsTotal.WithLabelValues(queue.TopicSettlementRetry, "failed").Inc()
	cause := err
	err = s.store.WithCustomerLock(ctx, p.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockPurchase(ctx, job.PurchaseID)
		if err != nil {
			return err
		}
		if cur.Status != StatusSettlementFailed {
			return nil
		}
		cur.ErrorMessage = cause.Error()
		cur.UpdatedAt = s.clock()
		if err := tx.UpdatePurchase(ctx, cur); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, s.audit(cur, TxSettlementFailed, cur.TotalAmount, TxFailed,
			fmt.Sprintf("settlement retry %d failed", job.RetryCount+1), cause.Error())); err != nil {
			return err
		}
		return s.requeue(ctx, tx, queue.TopicSettlementRetry, job.RetryCount,
			SettlementRetry{PurchaseID: cur.ID, RetryCount: job.RetryCount + 1})
	})
	if err != nil {
		return fmt.Errorf("record settlement retry failure: %w", err)
	}
	if job.RetryCount >= s.maxRetries {
		metrics.SettlementsTotal.WithLabelValues("permanent_failure").Inc()
		log.Error("CRITICAL: settlement permanently failed, manual intervention required", "error", cause)
	} else {
		log.Warn("settlement retry failed, re-queued", "error", cause)
	}
	return nil
}

// HandleRefundRetry re-runs a failed refund approval with the amount the
// reviewer approved.
func (s *Service) HandleRefundRetry(ctx context.Context, msg *queue.Message) error {
	var job RefundRetry
	if err := msg.Decode(&job); err != nil {
		s.logger.Error("dropping malformed refund retry", "message_id", msg.ID, "error", err)
		return nil
	}
	log := s.logger.With("refund_request_id", job.RefundRequestID, "purchase_id", job.PurchaseID, "retry_count", job.RetryCount)

	ctx, span := traces.StartSpan(ctx, "purchase.refund_retry",
		traces.RefundRequestID(job.RefundRequestID), traces.RetryCount(job.RetryCount))
	var err error
	defer func() { traces.End(span, err) }()

	r, err := s.store.GetRefundRequest(ctx, job.RefundRequestID)
	if errors.Is(err, ErrRefundRequestNotFound) {
		log.Warn("refund retry for unknown request, dropping")
		return nil
	}
	if err != nil {
		return err
	}

	var approved *RefundRequest
	err = s.store.WithCustomerLock(ctx, r.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockRefundRequest(ctx, job.RefundRequestID)
		if err != nil {
			return err
		}
		switch cur.Status {
		case RequestFailed:
		case RequestApproved:
			log.Info("refund already approved, nothing to retry")
			return errSkip
		default:
			log.Warn("refund request not awaiting retry, dropping", "status", cur.Status)
			return errSkip
		}
		if cur.ApprovedAmount == nil {
			log.Error("failed refund request has no approved amount, dropping")
			return errSkip
		}
		p, err := tx.LockPurchase(ctx, cur.PurchaseID)
		if err != nil {
			return err
		}
		if err := checkRefundable(p, *cur.ApprovedAmount); err != nil {
			log.Error("CRITICAL: failed refund no longer fits the refundable balance, dropping",
				"approved_amount", money.Format(*cur.ApprovedAmount), "error", err)
			return errSkip
		}
		if err := s.bookRefund(ctx, tx, p, cur, *cur.ApprovedAmount); err != nil {
			return err
		}
		approved = cur
		return nil
	})
	switch {
	case errors.Is(err, errSkip):
		err = nil
		metrics.RetryAttemptsTotal.WithLabelValues(queue.TopicRefundRetry, "skipped").Inc()
		return nil
	case err == nil:
		metrics.RetryAttemptsTotal.WithLabelValues(queue.TopicRefundRetry, "succeeded").Inc()
		metrics.RefundsTotal.WithLabelValues("retried").Inc()
		log.Info("refund retry succeeded")
		s.events.Publish(EventRefundApproved, approved)
		if approved.Kind == KindReturn {
			if p, gerr := s.store.GetPurchase(ctx, approved.PurchaseID); gerr == nil && p.ShipmentID != "" {
				s.markReturned(ctx, p)
			}
		}
		return nil
	}

	metrics.RetryAttemptsTotal.WithLabelValues(queue.TopicRefundRetry, "failed").Inc()
	cause := err
	err = s.store.WithCustomerLock(ctx, r.CustomerID, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockRefundRequest(ctx, job.RefundRequestID)
		if err != nil {
			return err
		}
		if cur.Status != RequestFailed {
			return nil
		}
		p, err := tx.LockPurchase(ctx, cur.PurchaseID)
		if err != nil {
			return err
		}
		now := s.clock()
		cur.ErrorMessage = cause.Error()
		cur.UpdatedAt = now
		if err := tx.UpdateRefundRequest(ctx, cur); err != nil {
			return err
		}
		p.ErrorMessage = cause.Error()
		p.UpdatedAt = now
		if err := tx.UpdatePurchase(ctx, p); err != nil {
			return err
		}
		if err := tx.InsertTransaction(ctx, s.audit(p, TxRefundFailed, *cur.ApprovedAmount, TxFailed,
			fmt.Sprintf("refund retry %d failed", job.RetryCount+1), cause.Error())); err != nil {
			return err
		}
		return s.requeue(ctx, tx, queue.TopicRefundRetry, job.RetryCount,
			RefundRetry{RefundRequestID: cur.ID, PurchaseID: p.ID, RetryCount: job.RetryCount + 1})
	})
	if err != nil {
		return fmt.Errorf("record refund retry failure: %w", err)
	}
	if job.RetryCount >= s.maxRetries {
		metrics.RefundsTotal.WithLabelValues("permanent_failure").Inc()
		log.Error("CRITICAL: refund permanently failed, manual intervention required", "error", cause)
	} else {
		log.Warn("refund retry failed, re-queued", "error", cause)
	}
	return nil
}

// requeue publishes the next attempt while the budget allows. Past the
// budget the entity stays in its failed status for manual handling.
func (s *Service) requeue(ctx context.Context, tx Tx, topic string, retryCount int, next any) error {
	if retryCount >= s.maxRetries {
		metrics.PermanentFailuresTotal.WithLabelValues(topic).Inc()
		return nil
	}
	return tx.Enqueue(ctx, topic, next, retry.Backoff(retryCount+1, s.baseDelay))
}
