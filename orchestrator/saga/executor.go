// Package saga drives one order aggregate from AUTHORIZED to COMPLETED
// across the three leaf services, or decides that it cannot and hands the
// aggregate to compensation. The executor dispatches on the ledger's
// current status, never on anything carried by the event, so a replayed or
// half-finished saga always resumes at the right step.
package saga

import (
	"context"
	"errors"
	"log/slog"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/timour/order-saga/clients"
	"github.com/timour/order-saga/ledger"
	"github.com/timour/order-saga/outbox"
)

// Outcome classifies the result of one saga invocation.
type Outcome string

const (
	// OutcomeCompleted means the aggregate reached COMPLETED (or already
	// was there).
	OutcomeCompleted Outcome = "completed"
	// OutcomeRequiresRetry means a step hit a transient failure; the caller
	// schedules the next attempt and the aggregate status is unchanged.
	OutcomeRequiresRetry Outcome = "requires_retry"
	// OutcomeRequiresCompensation means a step failed permanently; the
	// caller moves the aggregate to COMPENSATING and runs the compensator.
	OutcomeRequiresCompensation Outcome = "requires_compensation"
	// OutcomeFailed means no forward progress is possible and none ever
	// happened (unknown ledger, malformed payload, terminal status).
	OutcomeFailed Outcome = "failed"
)

// Result is the outcome of one saga invocation. Ledger reflects the last
// persisted state of the aggregate and is nil when it could not be loaded.
// Step names the step that produced a retry or compensation decision.
type Result struct {
	Outcome Outcome
	Ledger  *ledger.Ledger
	Step    string
	Err     error
}

// Forward step names, also used in logs and metrics.
const (
	StepCreateOrder    = "create_order"
	StepReserveStock   = "reserve_stock"
	StepCapturePayment = "capture_payment"
	StepConfirmOrder   = "confirm_order"
)

// Executor runs the forward saga. Ledger writes go through the pool and
// commit per step, so a crash between steps loses at most one remote call,
// which the deterministic idempotency keys absorb on the next attempt.
type Executor struct {
	store     LedgerStore
	orders    OrdersClient
	inventory InventoryClient
	payments  PaymentsClient
	logger    *slog.Logger
	tracer    trace.Tracer
}

func NewExecutor(store LedgerStore, orders OrdersClient, inventory InventoryClient, payments PaymentsClient, logger *slog.Logger) *Executor {
	return &Executor{
		store:     store,
		orders:    orders,
		inventory: inventory,
		payments:  payments,
		logger:    logger,
		tracer:    otel.Tracer("orchestrator/saga"),
	}
}

// Execute drives the aggregate behind the event as far as it can go in one
// invocation, falling through to the next step after each successful one.
//
// A non-nil error is an infrastructure failure (a ledger write that did not
// reach the database); the caller aborts the whole cycle so the event stays
// leased-and-rolled-back. Every saga-level decision comes back in the
// Result instead.
func (e *Executor) Execute(ctx context.Context, event *outbox.Event) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "saga.execute",
		trace.WithAttributes(
			attribute.String("aggregate_id", event.AggregateID.String()),
			attribute.String("event_id", event.ID.String()),
		),
	)
	defer span.End()

	if _, err := event.DecodePayload(); err != nil {
		return Result{Outcome: OutcomeFailed, Err: err}, nil
	}

	agg, err := e.store.FindByIDWithItems(ctx, event.AggregateID)
	if errors.Is(err, ledger.ErrNotFound) {
		return Result{Outcome: OutcomeFailed, Err: err}, nil
	}
	if err != nil {
		return Result{}, err
	}

	switch agg.Status {
	case ledger.StatusAuthorized:
		return e.runFrom(ctx, agg, StepCreateOrder)
	case ledger.StatusOrderCreated:
		return e.runFrom(ctx, agg, StepReserveStock)
	case ledger.StatusInventoryReserved:
		return e.runFrom(ctx, agg, StepCapturePayment)
	case ledger.StatusPaymentCaptured:
		return e.runFrom(ctx, agg, StepConfirmOrder)
	case ledger.StatusCompleted:
		// Replay of an already finished saga: nothing to do.
		return Result{Outcome: OutcomeCompleted, Ledger: &agg.Ledger}, nil
	default:
		// AWAITING_AUTHORIZATION should never have produced an event;
		// COMPENSATING, FAILED and AUTHORIZATION_FAILED are dead ends.
		return Result{
			Outcome: OutcomeFailed,
			Ledger:  &agg.Ledger,
			Err:     errors.New("aggregate in non-processable status " + string(agg.Status)),
		}, nil
	}
}

// runFrom executes the forward steps starting at `start`, falling through
// until a step fails or the saga completes.
func (e *Executor) runFrom(ctx context.Context, agg *ledger.WithItems, start string) (Result, error) {
	steps := []string{StepCreateOrder, StepReserveStock, StepCapturePayment, StepConfirmOrder}

	active := false
	for _, step := range steps {
		if step == start {
			active = true
		}
		if !active {
			continue
		}

		if result, err := e.runStep(ctx, agg, step); err != nil || result != nil {
			if err != nil {
				return Result{}, err
			}
			return *result, nil
		}
	}

	return Result{Outcome: OutcomeCompleted, Ledger: &agg.Ledger}, nil
}

// runStep performs one forward step: the remote call, then the status
// write. A nil, nil return means the step succeeded and the saga falls
// through to the next one.
func (e *Executor) runStep(ctx context.Context, agg *ledger.WithItems, step string) (*Result, error) {
	var callErr error

	switch step {
	case StepCreateOrder:
		items := make([]clients.OrderItem, len(agg.Items))
		for i, item := range agg.Items {
			items[i] = clients.OrderItem{
				ProductID:      item.ProductID,
				Quantity:       item.Quantity,
				UnitPriceCents: item.UnitPriceCents,
			}
		}
		order, err := e.orders.CreateOrder(ctx, clients.CreateOrderRequest{
			OrderLedgerID:    agg.ID.String(),
			UserID:           agg.UserID,
			TotalAmountCents: agg.TotalAmountCents,
			Currency:         agg.Currency,
			Items:            items,
		})
		if err == nil {
			if err := e.advanceWithOrderID(ctx, agg, ledger.StatusOrderCreated, order.ID); err != nil {
				return e.writeFailure(agg, step, err)
			}
			return nil, nil
		}
		callErr = err

	case StepReserveStock:
		items := make([]clients.ReservationItem, len(agg.Items))
		for i, item := range agg.Items {
			items[i] = clients.ReservationItem{ProductID: item.ProductID, Quantity: item.Quantity}
		}
		_, err := e.inventory.ReserveStock(ctx, clients.ReserveStockRequest{
			OrderID: agg.OrderID,
			Items:   items,
		}, agg.ID.String())
		if err == nil {
			if err := e.advance(ctx, agg, ledger.StatusInventoryReserved); err != nil {
				return e.writeFailure(agg, step, err)
			}
			return nil, nil
		}
		callErr = err

	case StepCapturePayment:
		_, err := e.payments.CapturePayment(ctx, agg.PaymentAuthorizationID, agg.ID.String())
		if err == nil {
			if err := e.advance(ctx, agg, ledger.StatusPaymentCaptured); err != nil {
				return e.writeFailure(agg, step, err)
			}
			return nil, nil
		}
		callErr = err

	case StepConfirmOrder:
		_, err := e.orders.ConfirmOrder(ctx, agg.OrderID, agg.ID.String())
		if err == nil {
			if err := e.advance(ctx, agg, ledger.StatusCompleted); err != nil {
				return e.writeFailure(agg, step, err)
			}
			return nil, nil
		}
		callErr = err
	}

	if clients.IsRetryable(callErr) {
		e.logger.Warn("saga step failed, will retry",
			slog.String("aggregate_id", agg.ID.String()),
			slog.String("step", step),
			slog.Any("error", callErr),
		)
		return &Result{Outcome: OutcomeRequiresRetry, Ledger: &agg.Ledger, Step: step, Err: callErr}, nil
	}

	e.logger.Warn("saga step failed permanently",
		slog.String("aggregate_id", agg.ID.String()),
		slog.String("step", step),
		slog.Any("error", callErr),
	)
	return &Result{Outcome: OutcomeRequiresCompensation, Ledger: &agg.Ledger, Step: step, Err: callErr}, nil
}

func (e *Executor) advance(ctx context.Context, agg *ledger.WithItems, next ledger.Status) error {
	if err := e.store.UpdateStatus(ctx, agg.ID, next); err != nil {
		return err
	}
	agg.Status = next
	e.logTransition(agg, next)
	return nil
}

func (e *Executor) advanceWithOrderID(ctx context.Context, agg *ledger.WithItems, next ledger.Status, orderID string) error {
	if err := e.store.UpdateStatusWithOrderID(ctx, agg.ID, next, orderID); err != nil {
		return err
	}
	agg.Status = next
	agg.OrderID = orderID
	e.logTransition(agg, next)
	return nil
}

// writeFailure classifies a failed status write: an illegal transition or a
// vanished aggregate is a state error and terminal, anything else is
// infrastructure and aborts the cycle.
func (e *Executor) writeFailure(agg *ledger.WithItems, step string, err error) (*Result, error) {
	if errors.Is(err, ledger.ErrIllegalTransition) || errors.Is(err, ledger.ErrNotFound) {
		return &Result{Outcome: OutcomeFailed, Ledger: &agg.Ledger, Step: step, Err: err}, nil
	}
	return nil, err
}

func (e *Executor) logTransition(agg *ledger.WithItems, next ledger.Status) {
	e.logger.Info("ledger status advanced",
		slog.String("aggregate_id", agg.ID.String()),
		slog.String("status", string(next)),
	)
}
