package saga

import (
	"context"

	"github.com/google/uuid"

	"github.com/timour/order-saga/clients"
	"github.com/timour/order-saga/ledger"
)

// LedgerStore is the slice of the ledger store the saga needs.
type LedgerStore interface {
	FindByIDWithItems(ctx context.Context, id uuid.UUID) (*ledger.WithItems, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, next ledger.Status) error
	UpdateStatusWithOrderID(ctx context.Context, id uuid.UUID, next ledger.Status, orderID string) error
}

type OrdersClient interface {
	CreateOrder(ctx context.Context, req clients.CreateOrderRequest) (*clients.OrderResult, error)
	ConfirmOrder(ctx context.Context, orderID, idempotencyKey string) (*clients.OrderResult, error)
	CancelOrder(ctx context.Context, orderID, idempotencyKey string) (*clients.OrderResult, error)
}

type InventoryClient interface {
	ReserveStock(ctx context.Context, req clients.ReserveStockRequest, idempotencyKey string) (*clients.ReservationResult, error)
	ReleaseStock(ctx context.Context, orderID string) (*clients.ReleaseResult, error)
}

type PaymentsClient interface {
	CapturePayment(ctx context.Context, authorizationID, idempotencyKey string) (*clients.CaptureResult, error)
	VoidPayment(ctx context.Context, authorizationID, idempotencyKey string) (*clients.VoidResult, error)
}
