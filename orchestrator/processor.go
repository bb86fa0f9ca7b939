package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/timour/order-saga/common/broker"
	"github.com/timour/order-saga/common/metrics"
	"github.com/timour/order-saga/ledger"
	"github.com/timour/order-saga/orchestrator/saga"
	"github.com/timour/order-saga/outbox"
)

// terminalEvent is a publish queued up during a cycle and flushed after the
// claim transaction commits, so downstream consumers never hear about an
// outcome that rolled back.
type terminalEvent struct {
	event   string
	payload any
}

// TerminalPublisher pushes terminal saga events to downstream consumers.
// Publishing is best effort and at-least-once; a nil publisher disables it.
type TerminalPublisher interface {
	Publish(ctx context.Context, event string, payload any) error
}

// Processor runs the claim-and-process cycle: lease a batch of due outbox
// events, run the saga for each, and write each event's outcome on the same
// transaction as the lease. A crash or abort anywhere in the cycle rolls
// the leases back and the events stay PENDING for the next worker.
type Processor struct {
	db          *sql.DB
	ledgerStore *ledger.Store
	outboxStore *outbox.Store
	executor    *saga.Executor
	compensator *saga.Compensator
	policy      outbox.RetryPolicy
	batchSize   int
	publisher   TerminalPublisher
	logger      *slog.Logger
	metrics     *metrics.SagaMetrics
}

func NewProcessor(
	db *sql.DB,
	ledgerStore *ledger.Store,
	outboxStore *outbox.Store,
	executor *saga.Executor,
	compensator *saga.Compensator,
	policy outbox.RetryPolicy,
	batchSize int,
	publisher TerminalPublisher,
	logger *slog.Logger,
	sagaMetrics *metrics.SagaMetrics,
) *Processor {
	return &Processor{
		db:          db,
		ledgerStore: ledgerStore,
		outboxStore: outboxStore,
		executor:    executor,
		compensator: compensator,
		policy:      policy,
		batchSize:   batchSize,
		publisher:   publisher,
		logger:      logger,
		metrics:     sagaMetrics,
	}
}

// RunCycle executes one claim-and-process pass and reports how many events
// it claimed, so the caller can keep draining while batches come back full.
func (p *Processor) RunCycle(ctx context.Context) (int, error) {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin claim transaction: %w", err)
	}
	defer tx.Rollback()

	events, err := p.outboxStore.ClaimDue(ctx, tx, p.batchSize)
	if err != nil {
		return 0, err
	}
	if len(events) == 0 {
		return 0, tx.Commit()
	}

	p.metrics.EventsClaimed.Add(float64(len(events)))

	var publishes []terminalEvent
	for i := range events {
		pub, err := p.processEvent(ctx, tx, &events[i])
		if err != nil {
			// Infrastructure failure: abort the whole cycle, the rollback
			// releases every lease and the events stay PENDING.
			return 0, err
		}
		publishes = append(publishes, pub...)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit claim transaction: %w", err)
	}

	for _, pub := range publishes {
		p.publishTerminal(ctx, pub)
	}

	if pending, err := p.outboxStore.CountPending(ctx); err == nil {
		p.metrics.OutboxPending.Set(float64(pending))
	}

	return len(events), nil
}

// processEvent runs the saga for one leased event and records its outcome
// on the claim transaction. Terminal publishes are returned, not sent: they
// must wait for the commit.
func (p *Processor) processEvent(ctx context.Context, tx *sql.Tx, event *outbox.Event) ([]terminalEvent, error) {
	start := time.Now()

	result, err := p.executor.Execute(ctx, event)
	if err != nil {
		return nil, err
	}

	switch result.Outcome {
	case saga.OutcomeCompleted:
		if err := p.outboxStore.MarkProcessed(ctx, tx, event.ID); err != nil {
			return nil, err
		}
		p.metrics.RecordOutcome(string(result.Outcome), time.Since(start))
		p.logger.Info("saga completed",
			slog.String("aggregate_id", event.AggregateID.String()),
			slog.String("event_id", event.ID.String()),
			slog.String("order_id", result.Ledger.OrderID),
		)
		return []terminalEvent{{event: broker.OrderCompletedEvent, payload: result.Ledger}}, nil

	case saga.OutcomeRequiresRetry:
		newCount := event.RetryCount + 1
		if p.policy.MaxAttemptsExceeded(newCount) {
			// Out of attempts: the transient failure is now permanent.
			p.logger.Warn("retry attempts exhausted, compensating",
				slog.String("aggregate_id", event.AggregateID.String()),
				slog.String("event_id", event.ID.String()),
				slog.Int("retry_count", event.RetryCount),
			)
			p.metrics.RecordOutcome(string(saga.OutcomeRequiresCompensation), time.Since(start))
			return p.compensate(ctx, tx, event, result)
		}

		nextRetryAt := p.policy.NextRetryAt(time.Now(), newCount)
		if err := p.outboxStore.ScheduleRetry(ctx, tx, event.ID, newCount, nextRetryAt); err != nil {
			return nil, err
		}
		p.metrics.RetriesScheduled.Inc()
		p.metrics.RecordOutcome(string(result.Outcome), time.Since(start))
		p.logger.Info("saga retry scheduled",
			slog.String("aggregate_id", event.AggregateID.String()),
			slog.String("event_id", event.ID.String()),
			slog.String("step", result.Step),
			slog.Int("retry_count", newCount),
			slog.Time("next_retry_at", nextRetryAt),
		)
		return nil, nil

	case saga.OutcomeRequiresCompensation:
		p.metrics.RecordOutcome(string(result.Outcome), time.Since(start))
		return p.compensate(ctx, tx, event, result)

	default: // saga.OutcomeFailed
		// No forward progress ever happened; there is nothing to undo.
		if err := p.outboxStore.MarkFailed(ctx, tx, event.ID); err != nil {
			return nil, err
		}
		p.metrics.RecordOutcome(string(result.Outcome), time.Since(start))
		p.logger.Error("saga failed without compensation",
			slog.String("aggregate_id", event.AggregateID.String()),
			slog.String("event_id", event.ID.String()),
			slog.Any("error", result.Err),
		)
		return []terminalEvent{{event: broker.OrderFailedEvent, payload: failurePayload(event, result, nil)}}, nil
	}
}

// compensate moves the aggregate into COMPENSATING, undoes the recorded
// side effects, and parks both the aggregate and the event in their
// terminal failure states. The ledger writes commit per step through the
// pool; only the outbox outcome rides the claim transaction.
func (p *Processor) compensate(ctx context.Context, tx *sql.Tx, event *outbox.Event, result saga.Result) ([]terminalEvent, error) {
	lastStatus := result.Ledger.Status

	if err := p.ledgerStore.UpdateStatus(ctx, event.AggregateID, ledger.StatusCompensating); err != nil {
		return nil, err
	}
	p.logger.Info("ledger status advanced",
		slog.String("aggregate_id", event.AggregateID.String()),
		slog.String("status", string(ledger.StatusCompensating)),
	)

	p.metrics.CompensationsTotal.Inc()
	report := p.compensator.Compensate(ctx, result.Ledger, lastStatus)

	for _, step := range report.FailedSteps() {
		p.metrics.CompensationFailed.WithLabelValues(step).Inc()
	}
	if report.ManualRefundNeeded {
		p.metrics.ManualRefundsNeeded.Inc()
	}

	if err := p.ledgerStore.UpdateStatus(ctx, event.AggregateID, ledger.StatusFailed); err != nil {
		return nil, err
	}
	p.logger.Info("ledger status advanced",
		slog.String("aggregate_id", event.AggregateID.String()),
		slog.String("status", string(ledger.StatusFailed)),
	)

	if err := p.outboxStore.MarkFailed(ctx, tx, event.ID); err != nil {
		return nil, err
	}

	if !report.AllSucceeded() {
		p.logger.Error("compensation incomplete, operator follow-up required",
			slog.String("aggregate_id", event.AggregateID.String()),
			slog.Any("failed_steps", report.FailedSteps()),
		)
	}

	return []terminalEvent{{event: broker.OrderFailedEvent, payload: failurePayload(event, result, &report)}}, nil
}

func (p *Processor) publishTerminal(ctx context.Context, pub terminalEvent) {
	if p.publisher == nil {
		return
	}
	if err := p.publisher.Publish(ctx, pub.event, pub.payload); err != nil {
		p.logger.Warn("failed to publish terminal event",
			slog.String("event", pub.event),
			slog.Any("error", err),
		)
	}
}

// failurePayload is the order.failed message body.
func failurePayload(event *outbox.Event, result saga.Result, report *saga.Report) map[string]any {
	payload := map[string]any{
		"aggregate_id": event.AggregateID.String(),
		"step":         result.Step,
	}
	if result.Err != nil {
		payload["reason"] = result.Err.Error()
	}
	if report != nil {
		payload["compensation_failed_steps"] = report.FailedSteps()
		payload["manual_refund_needed"] = report.ManualRefundNeeded
	}
	return payload
}
