package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/timour/order-saga/clients"
	"github.com/timour/order-saga/ledger"
	"github.com/timour/order-saga/outbox"
)

var (
	// ErrPaymentDeclined means the payment authorization failed permanently;
	// the aggregate is parked in AUTHORIZATION_FAILED.
	ErrPaymentDeclined = errors.New("payment authorization declined")
	// ErrUnknownProduct means the catalog has no price for a requested
	// product, so the order total cannot be computed.
	ErrUnknownProduct = errors.New("unknown product")
)

// uniqueViolation is the Postgres error code for a duplicate key.
const uniqueViolation = "23505"

// AcceptOrderRequest is the decoded POST /api/orders body. The
// ClientRequestID comes from the Idempotency-Key header, not the body.
type AcceptOrderRequest struct {
	ClientRequestID string            `json:"-"`
	UserID          string            `json:"user_id"`
	Email           string            `json:"email"`
	Currency        string            `json:"currency"`
	Items           []AcceptOrderItem `json:"items"`
}

type AcceptOrderItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

// AcceptResult is the outcome of an acceptance attempt. Replayed marks a
// request whose client_request_id was seen before; the existing aggregate
// state comes back untouched.
type AcceptResult struct {
	Ledger   *ledger.Ledger
	Replayed bool
}

// Pricer resolves unit prices from the inventory catalog. Pricing policy
// itself lives there, not here: requests never carry prices.
type Pricer interface {
	UnitPrice(ctx context.Context, productID string) (*clients.Product, error)
}

// Authorizer places payment authorization holds.
type Authorizer interface {
	Authorize(ctx context.Context, req clients.AuthorizeRequest, idempotencyKey string) (*clients.AuthorizationResult, error)
}

type Service interface {
	AcceptOrder(ctx context.Context, req AcceptOrderRequest) (*AcceptResult, error)
	GetOrder(ctx context.Context, id uuid.UUID) (*ledger.WithItems, error)
}

// service implements order acceptance: price the items, write the ledger
// aggregate, authorize payment, then hand the saga to the orchestrator
// through the outbox in one transaction.
type service struct {
	db          *sql.DB
	ledgerStore *ledger.Store
	outboxStore *outbox.Store
	pricer      Pricer
	payments    Authorizer
	cache       *acceptanceCache
	logger      *zap.SugaredLogger
}

func NewService(
	db *sql.DB,
	ledgerStore *ledger.Store,
	outboxStore *outbox.Store,
	pricer Pricer,
	payments Authorizer,
	cache *acceptanceCache,
	logger *zap.SugaredLogger,
) Service {
	return &service{
		db:          db,
		ledgerStore: ledgerStore,
		outboxStore: outboxStore,
		pricer:      pricer,
		payments:    payments,
		cache:       cache,
		logger:      logger,
	}
}

// AcceptOrder runs the edge handoff. The client_request_id UNIQUE
// constraint owns idempotency; the redis cache in front of it is an
// optimization only and never consulted for correctness.
func (s *service) AcceptOrder(ctx context.Context, req AcceptOrderRequest) (*AcceptResult, error) {
	if s.cache != nil {
		if cached, err := s.cache.Get(ctx, req.ClientRequestID); err != nil {
			s.logger.Warnw("acceptance cache read failed", "error", err)
		} else if cached != nil {
			return &AcceptResult{Ledger: cached, Replayed: true}, nil
		}
	}

	existing, err := s.ledgerStore.FindByClientRequestID(ctx, req.ClientRequestID)
	if err != nil && !errors.Is(err, ledger.ErrNotFound) {
		return nil, err
	}

	var l *ledger.Ledger
	switch {
	case existing == nil:
		l, err = s.createAggregate(ctx, req)
		if err != nil {
			return nil, err
		}
	case existing.Status == ledger.StatusAwaitingAuthorization:
		// A previous attempt failed before authorization went through;
		// reuse the aggregate and try to authorize again.
		l = existing
	default:
		return &AcceptResult{Ledger: existing, Replayed: true}, nil
	}

	result, err := s.authorize(ctx, l, req.ClientRequestID)
	if err != nil {
		return nil, err
	}

	if s.cache != nil && result.Ledger.Status != ledger.StatusAwaitingAuthorization {
		if err := s.cache.Set(ctx, req.ClientRequestID, result.Ledger); err != nil {
			s.logger.Warnw("acceptance cache write failed", "error", err)
		}
	}

	return result, nil
}

// createAggregate prices the items and inserts the aggregate in
// AWAITING_AUTHORIZATION. A duplicate client_request_id race resolves to
// the winning row, answered like a lookup hit.
func (s *service) createAggregate(ctx context.Context, req AcceptOrderRequest) (*ledger.Ledger, error) {
	items := make([]ledger.Item, len(req.Items))
	var total int64
	for i, item := range req.Items {
		product, err := s.pricer.UnitPrice(ctx, item.ProductID)
		if err != nil {
			var se *clients.ServiceError
			if errors.As(err, &se) && !se.Retryable {
				return nil, fmt.Errorf("%w: %s", ErrUnknownProduct, item.ProductID)
			}
			return nil, err
		}
		items[i] = ledger.Item{
			ID:             uuid.New(),
			ProductID:      item.ProductID,
			Quantity:       item.Quantity,
			UnitPriceCents: product.UnitPriceCents,
		}
		total += int64(item.Quantity) * product.UnitPriceCents
	}

	l := &ledger.Ledger{
		ID:               uuid.New(),
		ClientRequestID:  req.ClientRequestID,
		UserID:           req.UserID,
		Email:            req.Email,
		TotalAmountCents: total,
		Currency:         req.Currency,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ledgerStore.Create(ctx, tx, l, items); err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			// Lost a create race; the winner's aggregate answers.
			return s.ledgerStore.FindByClientRequestID(ctx, req.ClientRequestID)
		}
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit aggregate: %w", err)
	}

	s.logger.Infow("order aggregate created",
		"aggregate_id", l.ID,
		"user_id", l.UserID,
		"total_amount_cents", l.TotalAmountCents,
	)

	return l, nil
}

// authorize places the payment hold and, on success, performs the
// AUTHORIZED transition atomically with the outbox insert and NOTIFY.
func (s *service) authorize(ctx context.Context, l *ledger.Ledger, clientRequestID string) (*AcceptResult, error) {
	auth, err := s.payments.Authorize(ctx, clients.AuthorizeRequest{
		OrderLedgerID: l.ID.String(),
		UserID:        l.UserID,
		AmountCents:   l.TotalAmountCents,
		Currency:      l.Currency,
	}, clientRequestID)
	if err != nil {
		if clients.IsRetryable(err) {
			// The aggregate stays AWAITING_AUTHORIZATION; the client may
			// retry with the same idempotency key.
			return nil, err
		}
		if markErr := s.ledgerStore.MarkAuthorizationFailed(ctx, l.ID); markErr != nil {
			return nil, markErr
		}
		l.Status = ledger.StatusAuthorizationFailed
		s.logger.Warnw("payment authorization declined",
			"aggregate_id", l.ID,
			"error", err,
		)
		return &AcceptResult{Ledger: l}, nil
	}

	event, err := outbox.NewOrderAuthorizedEvent(outbox.OrderAuthorizedPayload{
		AggregateID:            l.ID,
		UserID:                 l.UserID,
		Email:                  l.Email,
		TotalAmountCents:       l.TotalAmountCents,
		Currency:               l.Currency,
		PaymentAuthorizationID: auth.AuthorizationID,
	})
	if err != nil {
		return nil, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := s.ledgerStore.MarkAuthorized(ctx, tx, l.ID, auth.AuthorizationID); err != nil {
		return nil, err
	}
	if err := s.outboxStore.Enqueue(ctx, tx, event); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit authorization: %w", err)
	}

	l.Status = ledger.StatusAuthorized
	l.PaymentAuthorizationID = auth.AuthorizationID

	s.logger.Infow("order authorized and handed to the orchestrator",
		"aggregate_id", l.ID,
		"authorization_id", auth.AuthorizationID,
		"event_id", event.ID,
	)

	return &AcceptResult{Ledger: l}, nil
}

func (s *service) GetOrder(ctx context.Context, id uuid.UUID) (*ledger.WithItems, error) {
	return s.ledgerStore.FindByIDWithItems(ctx, id)
}
