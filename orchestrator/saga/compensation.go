package saga

import (
	"context"
	"log/slog"

	"github.com/timour/order-saga/ledger"
)

// Compensation step names, in the order they run.
const (
	CompStepVoidPayment  = "void_payment"
	CompStepReleaseStock = "release_stock"
	CompStepCancelOrder  = "cancel_order"
)

// StepOutcome records one compensation step. Err nil means the side effect
// was undone (or was already gone, which is just as good).
type StepOutcome struct {
	Step string
	Err  error
}

// Report is the result of one compensation pass. ManualRefundNeeded is set
// when the payment was already captured and cannot be voided; the money has
// to come back through an operator-driven refund.
type Report struct {
	Steps              []StepOutcome
	ManualRefundNeeded bool
}

// FailedSteps returns the names of the steps that did not succeed.
func (r Report) FailedSteps() []string {
	var failed []string
	for _, s := range r.Steps {
		if s.Err != nil {
			failed = append(failed, s.Step)
		}
	}
	return failed
}

// AllSucceeded reports whether every attempted step undid its side effect.
func (r Report) AllSucceeded() bool {
	return len(r.FailedSteps()) == 0
}

// Compensator undoes the side effects of a saga that cannot complete. The
// steps run in reverse order of the forward saga (void payment, release
// stock, cancel order) and only for side effects the last successful status
// implies; each step is best effort and a failure never stops the rest.
type Compensator struct {
	orders    OrdersClient
	inventory InventoryClient
	payments  PaymentsClient
	logger    *slog.Logger
}

func NewCompensator(orders OrdersClient, inventory InventoryClient, payments PaymentsClient, logger *slog.Logger) *Compensator {
	return &Compensator{
		orders:    orders,
		inventory: inventory,
		payments:  payments,
		logger:    logger,
	}
}

// Compensate undoes the side effects recorded up to lastStatus, the status
// the aggregate had last successfully reached. Every key is derived from
// the aggregate id so cross-worker replays collapse on the remote side.
func (c *Compensator) Compensate(ctx context.Context, agg *ledger.Ledger, lastStatus ledger.Status) Report {
	var report Report

	switch lastStatus {
	case ledger.StatusPaymentCaptured:
		// The capture settled; a void would fail. Flag the refund for an
		// operator instead of pretending to undo the payment.
		report.ManualRefundNeeded = true
		c.logger.Warn("payment already captured, manual refund required",
			slog.String("aggregate_id", agg.ID.String()),
			slog.String("authorization_id", agg.PaymentAuthorizationID),
		)
	default:
		if agg.PaymentAuthorizationID != "" {
			_, err := c.payments.VoidPayment(ctx, agg.PaymentAuthorizationID, "void-"+agg.ID.String())
			report.Steps = append(report.Steps, StepOutcome{Step: CompStepVoidPayment, Err: err})
		}
	}

	if lastStatus == ledger.StatusInventoryReserved || lastStatus == ledger.StatusPaymentCaptured {
		_, err := c.inventory.ReleaseStock(ctx, agg.OrderID)
		report.Steps = append(report.Steps, StepOutcome{Step: CompStepReleaseStock, Err: err})
	}

	if lastStatus != ledger.StatusAuthorized {
		_, err := c.orders.CancelOrder(ctx, agg.OrderID, "cancel-"+agg.ID.String())
		report.Steps = append(report.Steps, StepOutcome{Step: CompStepCancelOrder, Err: err})
	}

	for _, s := range report.Steps {
		if s.Err != nil {
			c.logger.Error("compensation step failed",
				slog.String("aggregate_id", agg.ID.String()),
				slog.String("step", s.Step),
				slog.Any("error", s.Err),
			)
		} else {
			c.logger.Info("compensation step succeeded",
				slog.String("aggregate_id", agg.ID.String()),
				slog.String("step", s.Step),
			)
		}
	}

	return report
}
