// Package clients provides the HTTP clients for the three leaf services
// the saga talks to (orders, inventory, payments).
//
// Every failure surfaces as a *ServiceError whose Retryable flag drives the
// saga's retry-or-compensate decision. The shared policy: transport errors
// and timeouts are retryable, 5xx is retryable, any other 4xx is permanent,
// and an undecodable success body is permanent. Endpoint-specific 404/409
// semantics live in the endpoint methods.
package clients

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/timour/order-saga/common/metrics"
)

// requestTimeout bounds every request to a leaf service. A timeout is
// classified retryable.
const requestTimeout = 10 * time.Second

// ServiceError describes a failed call to a leaf service. StatusCode is
// zero when the request never produced a response.
type ServiceError struct {
	Operation  string
	Reason     string
	StatusCode int
	Retryable  bool
}

func (e *ServiceError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: %s (status %d)", e.Operation, e.Reason, e.StatusCode)
	}
	return fmt.Sprintf("%s: %s", e.Operation, e.Reason)
}

// IsRetryable reports whether err is a leaf-service error worth retrying.
func IsRetryable(err error) bool {
	var se *ServiceError
	return errors.As(err, &se) && se.Retryable
}

// httpClient is the transport shared by the three leaf clients: a 10s
// timeout, otelhttp tracing (W3C traceparent on every request), JSON
// bodies, and an Idempotency-Key header.
type httpClient struct {
	service string
	baseURL string
	http    *http.Client
	metrics *metrics.ClientMetrics
}

func newHTTPClient(service, baseURL string, m *metrics.ClientMetrics) *httpClient {
	return &httpClient{
		service: service,
		baseURL: strings.TrimRight(baseURL, "/"),
		metrics: m,
		http: &http.Client{
			Timeout:   requestTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// do performs one request and returns the status code and raw body. Only
// transport-level failures return an error; status classification belongs
// to the caller.
func (c *httpClient) do(ctx context.Context, operation, method, path, idempotencyKey string, body any) (int, []byte, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, nil, &ServiceError{Operation: operation, Reason: "failed to encode request body: " + err.Error()}
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, nil, &ServiceError{Operation: operation, Reason: "failed to build request: " + err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		c.record(operation, "transport_error", start)
		return 0, nil, &ServiceError{Operation: operation, Reason: transportReason(err), Retryable: true}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		c.record(operation, "read_error", start)
		return 0, nil, &ServiceError{Operation: operation, Reason: "failed to read response body: " + err.Error(), StatusCode: resp.StatusCode, Retryable: true}
	}

	c.record(operation, strconv.Itoa(resp.StatusCode), start)
	return resp.StatusCode, data, nil
}

// decode unmarshals a success body. A 2xx response that cannot be decoded
// is a broken contract, not a transient fault, so it is permanent.
func (c *httpClient) decode(operation string, statusCode int, data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return &ServiceError{
			Operation:  operation,
			Reason:     "failed to decode response body: " + err.Error(),
			StatusCode: statusCode,
		}
	}
	return nil
}

// fail applies the shared classification to an unexpected status code.
func (c *httpClient) fail(operation string, statusCode int, data []byte) *ServiceError {
	return &ServiceError{
		Operation:  operation,
		Reason:     errorReason(statusCode, data),
		StatusCode: statusCode,
		Retryable:  statusCode >= 500,
	}
}

func (c *httpClient) record(operation, status string, start time.Time) {
	if c.metrics == nil {
		return
	}
	c.metrics.RecordClientRequest(c.service, operation, status, time.Since(start))
}

func transportReason(err error) string {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return "request timed out"
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "request timed out"
	}
	return "transport failure: " + err.Error()
}

// errorReason prefers the leaf's own error field over the generic status
// text.
func errorReason(statusCode int, data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(data, &body); err == nil && body.Error != "" {
		return body.Error
	}
	return strings.ToLower(http.StatusText(statusCode))
}

func success(statusCode int) bool {
	return statusCode >= 200 && statusCode < 300
}
