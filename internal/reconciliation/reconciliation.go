// Package reconciliation checks the company escrow against purchase state.
//
// Every purchase holding escrow must still be waiting on delivery (pending
// or settlement_failed); every other purchase must have released it.
package reconciliation

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mbd888/creditsaga/internal/ledger"
	"github.com/mbd888/creditsaga/internal/money"
	"github.com/mbd888/creditsaga/internal/purchase"
)

// StatusSource resolves purchase statuses.
type StatusSource interface {
	Statuses(ctx context.Context, ids []string) (map[string]purchase.Status, error)
}

// Mismatch is one purchase whose escrow disagrees with its status.
type Mismatch struct {
	PurchaseID string          `json:"purchaseId"`
	Held       decimal.Decimal `json:"held"`
	Status     purchase.Status `json:"status,omitempty"`
	Reason     string          `json:"reason"`
}

// Report is the outcome of one run.
type Report struct {
	CheckedAt     time.Time       `json:"checkedAt"`
	OpenEscrows   int             `json:"openEscrows"`
	EscrowHeld    decimal.Decimal `json:"escrowHeld"`
	Mismatches    []Mismatch      `json:"mismatches"`
	Healthy       bool            `json:"healthy"`
	DurationMilli int64           `json:"durationMs"`
}

// Runner performs reconciliation runs.
type Runner struct {
	ledger    ledger.Runner
	purchases StatusSource
	logger    *slog.Logger
	now       func() time.Time
}

// NewRunner creates a reconciliation runner.
func NewRunner(l ledger.Runner, purchases StatusSource, logger *slog.Logger) *Runner {
	return &Runner{ledger: l, purchases: purchases, logger: logger, now: time.Now}
}

// RunAll checks every open escrow and updates the reconciliation gauges.
func (r *Runner) RunAll(ctx context.Context) (*Report, error) {
	start := r.now()
	defer func() { reconcileDuration.Observe(time.Since(start).Seconds()) }()

	var open map[string]decimal.Decimal
	err := r.ledger.View(ctx, func(ctx context.Context, b ledger.Book) error {
		var err error
		open, err = b.OpenEscrows(ctx)
		return err
	})
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to load open escrows: %w", err)
	}

	ids := make([]string, 0, len(open))
	for id := range open {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	statuses, err := r.purchases.Statuses(ctx, ids)
	if err != nil {
		reconcileErrors.Inc()
		return nil, fmt.Errorf("failed to load purchase statuses: %w", err)
	}

	report := &Report{CheckedAt: start.UTC(), EscrowHeld: decimal.Zero, Mismatches: []Mismatch{}}
	for _, id := range ids {
		held := open[id]
		report.OpenEscrows++
		report.EscrowHeld = report.EscrowHeld.Add(held)

		status, ok := statuses[id]
		switch {
		case !ok:
			report.Mismatches = append(report.Mismatches, Mismatch{PurchaseID: id, Held: held, Reason: "escrow held for unknown purchase"})
		case held.IsNegative():
			report.Mismatches = append(report.Mismatches, Mismatch{PurchaseID: id, Held: held, Status: status, Reason: "escrow released more than it held"})
		case status != purchase.StatusPending && status != purchase.StatusSettlementFailed:
			report.Mismatches = append(report.Mismatches, Mismatch{PurchaseID: id, Held: held, Status: status, Reason: "escrow still held after the purchase left pending"})
		}
	}
	report.Healthy = len(report.Mismatches) == 0
	report.DurationMilli = time.Since(start).Milliseconds()

	reconcileOpenEscrows.Set(float64(report.OpenEscrows))
	reconcileEscrowHeld.Set(report.EscrowHeld.InexactFloat64())
	reconcileEscrowMismatches.Set(float64(len(report.Mismatches)))

	if !report.Healthy {
		r.logger.Error("CRITICAL: escrow reconciliation found mismatches",
			"mismatches", len(report.Mismatches),
			"escrow_held", money.Format(report.EscrowHeld))
	} else {
		r.logger.Debug("escrow reconciliation clean",
			"open_escrows", report.OpenEscrows,
			"escrow_held", money.Format(report.EscrowHeld))
	}
	return report, nil
}
