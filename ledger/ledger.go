// Package ledger owns the order ledger aggregate: the authoritative record
// of where each order stands in its lifecycle. Status writes are only legal
// along the transition table below; everything else in the system derives
// its view of an order from this aggregate.
package ledger

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusAwaitingAuthorization Status = "AWAITING_AUTHORIZATION"
	StatusAuthorized            Status = "AUTHORIZED"
	StatusAuthorizationFailed   Status = "AUTHORIZATION_FAILED"
	StatusOrderCreated          Status = "ORDER_CREATED"
	StatusInventoryReserved     Status = "INVENTORY_RESERVED"
	StatusPaymentCaptured       Status = "PAYMENT_CAPTURED"
	StatusCompleted             Status = "COMPLETED"
	StatusCompensating          Status = "COMPENSATING"
	StatusFailed                Status = "FAILED"
)

var (
	ErrNotFound          = errors.New("order ledger not found")
	ErrIllegalTransition = errors.New("illegal ledger status transition")
)

// transitions is the authoritative state machine. A status missing from
// the map is terminal.
var transitions = map[Status][]Status{
	StatusAwaitingAuthorization: {StatusAuthorized, StatusAuthorizationFailed},
	StatusAuthorized:            {StatusOrderCreated, StatusCompensating},
	StatusOrderCreated:          {StatusInventoryReserved, StatusCompensating},
	StatusInventoryReserved:     {StatusPaymentCaptured, StatusCompensating},
	StatusPaymentCaptured:       {StatusCompleted, StatusCompensating},
	StatusCompensating:          {StatusFailed},
}

// CanTransition reports whether from -> to is a legal status transition.
func CanTransition(from, to Status) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// SourcesOf returns every status from which `to` is reachable in one step.
func SourcesOf(to Status) []Status {
	var sources []Status
	for from, nexts := range transitions {
		for _, next := range nexts {
			if next == to {
				sources = append(sources, from)
			}
		}
	}
	return sources
}

// IsTerminal reports whether no transition leaves s.
func IsTerminal(s Status) bool {
	return len(transitions[s]) == 0
}

// Ledger is the order ledger aggregate. PaymentAuthorizationID is set from
// AUTHORIZED on, OrderID from ORDER_CREATED on; empty means NULL.
type Ledger struct {
	ID                     uuid.UUID `json:"id"`
	ClientRequestID        string    `json:"client_request_id"`
	UserID                 string    `json:"user_id"`
	Email                  string    `json:"email"`
	Status                 Status    `json:"status"`
	TotalAmountCents       int64     `json:"total_amount_cents"`
	Currency               string    `json:"currency"`
	PaymentAuthorizationID string    `json:"payment_authorization_id,omitempty"`
	OrderID                string    `json:"order_id,omitempty"`
	CreatedAt              time.Time `json:"created_at"`
	UpdatedAt              time.Time `json:"updated_at"`
}

// Item is one order line. Unit prices are resolved by the edge API before
// the aggregate is created.
type Item struct {
	ID             uuid.UUID `json:"id"`
	OrderLedgerID  uuid.UUID `json:"order_ledger_id"`
	ProductID      string    `json:"product_id"`
	Quantity       int       `json:"quantity"`
	UnitPriceCents int64     `json:"unit_price_cents"`
	CreatedAt      time.Time `json:"created_at"`
}

// WithItems bundles the aggregate with its lines, the shape the saga
// executor works on.
type WithItems struct {
	Ledger
	Items []Item `json:"items"`
}
