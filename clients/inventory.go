package clients

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/timour/order-saga/common/metrics"
)

// InventoryClient speaks the inventory service contract: stock
// reservations keyed by order id, plus the product catalog the edge API
// prices items from.
type InventoryClient struct {
	c *httpClient
}

func NewInventoryClient(baseURL string, m *metrics.ClientMetrics) *InventoryClient {
	return &InventoryClient{c: newHTTPClient("inventory", baseURL, m)}
}

type ReserveStockRequest struct {
	OrderID string            `json:"order_id"`
	Items   []ReservationItem `json:"items"`
}

type ReservationItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type ReservationResult struct {
	ReservationIDs        []string `json:"reservation_ids"`
	LineItemsReserved     int      `json:"line_items_reserved"`
	TotalQuantityReserved int      `json:"total_quantity_reserved"`
}

type ReleaseResult struct {
	ReservationsReleased  int `json:"reservations_released"`
	TotalQuantityReleased int `json:"total_quantity_released"`
}

type Product struct {
	ID             string `json:"id"`
	UnitPriceCents int64  `json:"unit_price_cents"`
}

// ReserveStock reserves every line of the order or nothing. Insufficient
// stock is a business failure the retry loop cannot fix, so it comes back
// permanent with the leaf's shortage details in the reason.
func (i *InventoryClient) ReserveStock(ctx context.Context, req ReserveStockRequest, idempotencyKey string) (*ReservationResult, error) {
	const op = "reserve_stock"

	status, body, err := i.c.do(ctx, op, http.MethodPost, "/reservations", idempotencyKey, req)
	if err != nil {
		return nil, err
	}

	switch {
	case success(status):
		var out ReservationResult
		if err := i.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case status == http.StatusConflict:
		return nil, &ServiceError{
			Operation:  op,
			Reason:     shortageReason(body),
			StatusCode: status,
		}
	default:
		return nil, i.c.fail(op, status, body)
	}
}

// ReleaseStock frees the reservations held for an order during
// compensation. 404 means no reservations exist, which is exactly the
// state compensation wants.
func (i *InventoryClient) ReleaseStock(ctx context.Context, orderID string) (*ReleaseResult, error) {
	const op = "release_stock"
	path := fmt.Sprintf("/reservations/%s", url.PathEscape(orderID))

	status, body, err := i.c.do(ctx, op, http.MethodDelete, path, "", nil)
	if err != nil {
		return nil, err
	}

	switch {
	case success(status):
		var out ReleaseResult
		if err := i.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	case status == http.StatusNotFound:
		return &ReleaseResult{}, nil
	default:
		return nil, i.c.fail(op, status, body)
	}
}

// UnitPrice resolves a product's current unit price from the catalog.
func (i *InventoryClient) UnitPrice(ctx context.Context, productID string) (*Product, error) {
	const op = "unit_price"
	path := fmt.Sprintf("/products/%s", url.PathEscape(productID))

	status, body, err := i.c.do(ctx, op, http.MethodGet, path, "", nil)
	if err != nil {
		return nil, err
	}

	if success(status) {
		var out Product
		if err := i.c.decode(op, status, body, &out); err != nil {
			return nil, err
		}
		return &out, nil
	}

	return nil, i.c.fail(op, status, body)
}

// shortageReason renders the insufficient-stock details the inventory
// service reports on 409.
func shortageReason(body []byte) string {
	var shortage struct {
		Error     string `json:"error"`
		ProductID string `json:"product_id"`
		Requested int    `json:"requested"`
		Available int    `json:"available"`
	}
	if err := json.Unmarshal(body, &shortage); err != nil || shortage.Error == "" {
		return "conflict"
	}
	if shortage.ProductID == "" {
		return shortage.Error
	}
	return fmt.Sprintf("%s: product %s requested %d, available %d",
		shortage.Error, shortage.ProductID, shortage.Requested, shortage.Available)
}
