package clients

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/timour/order-saga/common/metrics"
)

// PaymentsClient speaks the payments service contract. Captures and voids
// are idempotent on the Idempotency-Key header, which callers derive
// deterministically from the aggregate id so every replay of a saga step
// lands on the same key.
type PaymentsClient struct {
	c *httpClient
}

func NewPaymentsClient(baseURL string, m *metrics.ClientMetrics) *PaymentsClient {
	return &PaymentsClient{c: newHTTPClient("payments", baseURL, m)}
}

type AuthorizeRequest struct {
	OrderLedgerID string `json:"order_ledger_id"`
	UserID        string `json:"user_id"`
	AmountCents   int64  `json:"amount_cents"`
	Currency      string `json:"currency"`
}

type AuthorizationResult struct {
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}

type CaptureResult struct {
	CaptureID       string `json:"capture_id"`
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
	AmountCents     int64  `json:"amount_cents"`
}

type VoidResult struct {
	VoidID          string `json:"void_id"`
	AuthorizationID string `json:"authorization_id"`
	Status          string `json:"status"`
}

// Authorize places an authorization hold for the order total. Declines
// come back as permanent errors; the edge API turns them into
// AUTHORIZATION_FAILED.
func (p *PaymentsClient) Authorize(ctx context.Context, req AuthorizeRequest, idempotencyKey string) (*AuthorizationResult, error) {
	const op = "authorize_payment"

	status, body, err := p.c.do(ctx, op, http.MethodPost, "/payments/authorizations", idempotencyKey, req)
	if err != nil {
		return nil, err
	}

	if success(status) {
		var out AuthorizationResult
		if err := p.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}

	return nil, p.c.fail(op, status, body)
}

// CapturePayment settles the authorization hold. 404 (unknown
// authorization) and 409 (already voided) cannot succeed on retry and are
// permanent; the shared policy keeps 503 retryable.
func (p *PaymentsClient) CapturePayment(ctx context.Context, authorizationID, idempotencyKey string) (*CaptureResult, error) {
	const op = "capture_payment"
	path := fmt.Sprintf("/payments/capture/%s", url.PathEscape(authorizationID))

	status, body, err := p.c.do(ctx, op, http.MethodPost, path, idempotencyKey, nil)
	if err != nil {
		return nil, err
	}

	if success(status) {
		var out CaptureResult
		if err := p.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}

	return nil, p.c.fail(op, status, body)
}

// VoidPayment releases the authorization hold during compensation. 404
// means the hold no longer exists and counts as success; 409 means the
// payment was already captured and voiding is impossible, a permanent
// failure the compensator escalates.
func (p *PaymentsClient) VoidPayment(ctx context.Context, authorizationID, idempotencyKey string) (*VoidResult, error) {
	const op = "void_payment"
	path := fmt.Sprintf("/payments/void/%s", url.PathEscape(authorizationID))

	status, body, err := p.c.do(ctx, op, http.MethodPost, path, idempotencyKey, nil)
	if err != nil {
		return nil, err
	}

	switch {
	case success(status):
		var out VoidResult
		if err := p.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case status == http.StatusNotFound:
		return &VoidResult{AuthorizationID: authorizationID, Status: "VOIDED"}, nil
	default:
		return nil, p.c.fail(op, status, body)
	}
}
