package clients

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requireServiceError(t *testing.T, err error) *ServiceError {
	t.Helper()
	var se *ServiceError
	require.ErrorAs(t, err, &se)
	return se
}

func TestCreateOrderSuccess(t *testing.T) {
	var gotMethod, gotPath, gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath, gotKey = r.Method, r.URL.Path, r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"id": "order-42", "status": "CREATED"}`))
	}))
	defer srv.Close()

	client := NewOrdersClient(srv.URL, nil)
	out, err := client.CreateOrder(context.Background(), CreateOrderRequest{
		OrderLedgerID:    "ledger-1",
		UserID:           "user-1",
		TotalAmountCents: 1000,
		Currency:         "EUR",
		Items:            []OrderItem{{ProductID: "p1", Quantity: 1, UnitPriceCents: 1000}},
	})

	require.NoError(t, err)
	assert.Equal(t, "order-42", out.ID)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/orders", gotPath)
	assert.Equal(t, "ledger-1", gotKey, "creation must be keyed by the ledger id")
}

func TestCreateOrderClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"not found is permanent", http.StatusNotFound, `{"error": "unknown user"}`, false},
		{"server error is retryable", http.StatusInternalServerError, ``, true},
		{"service unavailable is retryable", http.StatusServiceUnavailable, ``, true},
		{"bad request is permanent", http.StatusBadRequest, `{"error": "missing items"}`, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewOrdersClient(srv.URL, nil)
			_, err := client.CreateOrder(context.Background(), CreateOrderRequest{OrderLedgerID: "ledger-1"})

			se := requireServiceError(t, err)
			assert.Equal(t, tc.retryable, se.Retryable)
			assert.Equal(t, tc.status, se.StatusCode)
			assert.Equal(t, "create_order", se.Operation)
		})
	}
}

func TestCreateOrderUndecodableSuccessIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"id": `))
	}))
	defer srv.Close()

	client := NewOrdersClient(srv.URL, nil)
	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{OrderLedgerID: "ledger-1"})

	se := requireServiceError(t, err)
	assert.False(t, se.Retryable, "a broken contract must not be retried")
}

func TestTransportFailureIsRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // refuse all connections

	client := NewOrdersClient(srv.URL, nil)
	_, err := client.CreateOrder(context.Background(), CreateOrderRequest{OrderLedgerID: "ledger-1"})

	se := requireServiceError(t, err)
	assert.True(t, se.Retryable)
	assert.Zero(t, se.StatusCode)
	assert.True(t, IsRetryable(err))
}

func TestIsRetryableRejectsOtherErrors(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("plain")))
	assert.False(t, IsRetryable(nil))
}

func TestConfirmOrderAlreadyConfirmedConflictIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/orders/order-42/confirmation", r.URL.Path)
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"current_status": "CONFIRMED"}`))
	}))
	defer srv.Close()

	client := NewOrdersClient(srv.URL, nil)
	out, err := client.ConfirmOrder(context.Background(), "order-42", "ledger-1")

	require.NoError(t, err)
	assert.Equal(t, "CONFIRMED", out.Status)
}

func TestConfirmOrderOtherConflictIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"current_status": "CANCELLED"}`))
	}))
	defer srv.Close()

	client := NewOrdersClient(srv.URL, nil)
	_, err := client.ConfirmOrder(context.Background(), "order-42", "ledger-1")

	se := requireServiceError(t, err)
	assert.False(t, se.Retryable)
}

func TestCancelOrderMissingOrCancelledIsSuccess(t *testing.T) {
	for _, tc := range []struct {
		name   string
		status int
		body   string
	}{
		{"not found", http.StatusNotFound, ``},
		{"already cancelled", http.StatusConflict, `{"current_status": "CANCELLED"}`},
	} {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewOrdersClient(srv.URL, nil)
			out, err := client.CancelOrder(context.Background(), "order-42", "cancel-ledger-1")

			require.NoError(t, err)
			assert.Equal(t, "CANCELLED", out.Status)
		})
	}
}

func TestReserveStockSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/reservations", r.URL.Path)
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{"reservation_ids": ["res-1", "res-2"], "line_items_reserved": 2, "total_quantity_reserved": 3}`))
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, nil)
	out, err := client.ReserveStock(context.Background(), ReserveStockRequest{
		OrderID: "order-42",
		Items:   []ReservationItem{{ProductID: "p1", Quantity: 2}, {ProductID: "p2", Quantity: 1}},
	}, "ledger-1")

	require.NoError(t, err)
	assert.Len(t, out.ReservationIDs, 2)
	assert.Equal(t, 3, out.TotalQuantityReserved)
}

func TestReserveStockInsufficientIsPermanentWithDetails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "insufficient_stock", "product_id": "p1", "requested": 10, "available": 5}`))
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, nil)
	_, err := client.ReserveStock(context.Background(), ReserveStockRequest{OrderID: "order-42"}, "ledger-1")

	se := requireServiceError(t, err)
	assert.False(t, se.Retryable)
	assert.Contains(t, se.Reason, "insufficient_stock")
	assert.Contains(t, se.Reason, "requested 10")
	assert.Contains(t, se.Reason, "available 5")
}

func TestReleaseStockNotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodDelete, r.Method)
		assert.Equal(t, "/reservations/order-42", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, nil)
	out, err := client.ReleaseStock(context.Background(), "order-42")

	require.NoError(t, err)
	assert.Zero(t, out.ReservationsReleased)
}

func TestUnitPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/products/p1", r.URL.Path)
		w.Write([]byte(`{"id": "p1", "unit_price_cents": 1250}`))
	}))
	defer srv.Close()

	client := NewInventoryClient(srv.URL, nil)
	out, err := client.UnitPrice(context.Background(), "p1")

	require.NoError(t, err)
	assert.Equal(t, int64(1250), out.UnitPriceCents)
}

func TestCapturePaymentClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		retryable bool
	}{
		{"unknown authorization is permanent", http.StatusNotFound, `{"error": "authorization_not_found"}`, false},
		{"already voided is permanent", http.StatusConflict, `{"error": "authorization_voided"}`, false},
		{"downstream outage is retryable", http.StatusServiceUnavailable, ``, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				assert.Equal(t, "/payments/capture/auth-1", r.URL.Path)
				w.WriteHeader(tc.status)
				w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			client := NewPaymentsClient(srv.URL, nil)
			_, err := client.CapturePayment(context.Background(), "auth-1", "ledger-1")

			se := requireServiceError(t, err)
			assert.Equal(t, tc.retryable, se.Retryable)
		})
	}
}

func TestCapturePaymentSendsDeterministicKey(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		w.Write([]byte(`{"capture_id": "cap-1", "authorization_id": "auth-1", "status": "CAPTURED", "amount_cents": 1000}`))
	}))
	defer srv.Close()

	client := NewPaymentsClient(srv.URL, nil)
	out, err := client.CapturePayment(context.Background(), "auth-1", "ledger-1")

	require.NoError(t, err)
	assert.Equal(t, "CAPTURED", out.Status)
	assert.Equal(t, "ledger-1", gotKey)
}

func TestVoidPaymentNotFoundIsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/void/auth-1", r.URL.Path)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewPaymentsClient(srv.URL, nil)
	out, err := client.VoidPayment(context.Background(), "auth-1", "void-ledger-1")

	require.NoError(t, err)
	assert.Equal(t, "VOIDED", out.Status)
}

func TestVoidPaymentAlreadyCapturedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"error": "authorization_captured"}`))
	}))
	defer srv.Close()

	client := NewPaymentsClient(srv.URL, nil)
	_, err := client.VoidPayment(context.Background(), "auth-1", "void-ledger-1")

	se := requireServiceError(t, err)
	assert.False(t, se.Retryable)
	assert.Equal(t, "authorization_captured", se.Reason)
}

func TestAuthorizeDeclinedIsPermanent(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payments/authorizations", r.URL.Path)
		w.WriteHeader(http.StatusPaymentRequired)
		w.Write([]byte(`{"error": "card_declined"}`))
	}))
	defer srv.Close()

	client := NewPaymentsClient(srv.URL, nil)
	_, err := client.Authorize(context.Background(), AuthorizeRequest{
		OrderLedgerID: "ledger-1",
		UserID:        "user-1",
		AmountCents:   1000,
		Currency:      "EUR",
	}, "req-1")

	se := requireServiceError(t, err)
	assert.False(t, se.Retryable)
	assert.Equal(t, "card_declined", se.Reason)
}
