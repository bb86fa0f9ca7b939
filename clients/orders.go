package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/timour/order-saga/common/metrics"
)

// OrdersClient speaks the orders service contract. Creation is idempotent
// on the order ledger id; confirmation and cancellation are idempotent on
// the remote order id.
type OrdersClient struct {
	c *httpClient
}

func NewOrdersClient(baseURL string, m *metrics.ClientMetrics) *OrdersClient {
	return &OrdersClient{c: newHTTPClient("orders", baseURL, m)}
}

type CreateOrderRequest struct {
	OrderLedgerID    string      `json:"order_ledger_id"`
	UserID           string      `json:"user_id"`
	TotalAmountCents int64       `json:"total_amount_cents"`
	Currency         string      `json:"currency"`
	Items            []OrderItem `json:"items"`
}

type OrderItem struct {
	ProductID      string `json:"product_id"`
	Quantity       int    `json:"quantity"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

type OrderResult struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

// CreateOrder creates the remote order. Replays with the same ledger id
// return the already-created order.
func (o *OrdersClient) CreateOrder(ctx context.Context, req CreateOrderRequest) (*OrderResult, error) {
	const op = "create_order"

	status, body, err := o.c.do(ctx, op, http.MethodPost, "/orders", req.OrderLedgerID, req)
	if err != nil {
		return nil, err
	}

	if success(status) {
		var out OrderResult
		if err := o.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}

	return nil, o.c.fail(op, status, body)
}

// ConfirmOrder finalizes the remote order. A 409 reporting the order is
// already confirmed counts as success: the confirmation already happened,
// most likely in a previous attempt of the same saga.
func (o *OrdersClient) ConfirmOrder(ctx context.Context, orderID, idempotencyKey string) (*OrderResult, error) {
	const op = "confirm_order"
	path := fmt.Sprintf("/orders/%s/confirmation", url.PathEscape(orderID))

	status, body, err := o.c.do(ctx, op, http.MethodPost, path, idempotencyKey, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case success(status):
		var out OrderResult
		if err := o.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case status == http.StatusConflict && conflictStatus(body) == "CONFIRMED":
		return &OrderResult{ID: orderID, Status: "CONFIRMED"}, nil
	default:
		return nil, o.c.fail(op, status, body)
	}
}

// CancelOrder cancels the remote order during compensation. A missing or
// already-cancelled order means there is nothing left to undo, so both
// count as success.
func (o *OrdersClient) CancelOrder(ctx context.Context, orderID, idempotencyKey string) (*OrderResult, error) {
	const op = "cancel_order"
	path := fmt.Sprintf("/orders/%s/cancellation", url.PathEscape(orderID))

	status, body, err := o.c.do(ctx, op, http.MethodPost, path, idempotencyKey, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case success(status):
		var out OrderResult
		if err := o.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case status == http.StatusNotFound:
		return &OrderResult{ID: orderID, Status: "CANCELLED"}, nil
	case status == http.StatusConflict && conflictStatus(body) == "CANCELLED":
		return &OrderResult{ID: orderID, Status: "CANCELLED"}, nil
	default:
		return nil, o.c.fail(op, status, body)
	}
}

// conflictStatus extracts the current_status field a 409 response reports.
func conflictStatus(body []byte) string {
	var conflict struct {
		CurrentStatus string `json:"current_status"`
	}
	if err := json.Unmarshal(body, &conflict); err != nil {
		return ""
	}
	return conflict.CurrentStatus
}
