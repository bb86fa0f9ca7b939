package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/mail"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/timour/order-saga/clients"
	"github.com/timour/order-saga/ledger"
)

type handler struct {
	svc    Service
	logger *zap.SugaredLogger
}

func NewHandler(svc Service, logger *zap.SugaredLogger) *handler {
	return &handler{svc: svc, logger: logger}
}

func (h *handler) registerRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/orders", h.handleAcceptOrder)
	mux.HandleFunc("GET /api/orders/{orderLedgerID}", h.handleGetOrder)
	mux.HandleFunc("GET /healthz", h.handleHealthz)
}

func (h *handler) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	clientRequestID := r.Header.Get("Idempotency-Key")
	if clientRequestID == "" {
		writeError(w, http.StatusBadRequest, "Idempotency-Key header is required")
		return
	}

	var req AcceptOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	req.ClientRequestID = clientRequestID

	if err := validateAcceptOrder(req); err != nil {
		h.logger.Warnw("order request rejected",
			"client_request_id", clientRequestID,
			"error", err,
		)
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result, err := h.svc.AcceptOrder(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, ErrUnknownProduct):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		case clients.IsRetryable(err):
			// A downstream hiccup; the client retries with the same key.
			writeError(w, http.StatusServiceUnavailable, "temporarily unable to accept the order, retry with the same Idempotency-Key")
		default:
			h.logger.Errorw("failed to accept order",
				"client_request_id", clientRequestID,
				"error", err,
			)
			writeError(w, http.StatusInternalServerError, "failed to accept order")
		}
		return
	}

	switch {
	case result.Replayed:
		writeJSON(w, http.StatusOK, acceptResponse(result.Ledger))
	case result.Ledger.Status == ledger.StatusAuthorizationFailed:
		writeJSON(w, http.StatusPaymentRequired, acceptResponse(result.Ledger))
	default:
		writeJSON(w, http.StatusAccepted, acceptResponse(result.Ledger))
	}
}

func (h *handler) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("orderLedgerID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid order ledger id")
		return
	}

	order, err := h.svc.GetOrder(r.Context(), id)
	if errors.Is(err, ledger.ErrNotFound) {
		writeError(w, http.StatusNotFound, "order not found")
		return
	}
	if err != nil {
		h.logger.Errorw("failed to load order", "aggregate_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load order")
		return
	}

	writeJSON(w, http.StatusOK, order)
}

func (h *handler) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func validateAcceptOrder(req AcceptOrderRequest) error {
	if req.UserID == "" {
		return errors.New("user_id is required")
	}
	if _, err := mail.ParseAddress(req.Email); err != nil {
		return errors.New("email is not a valid address")
	}
	if !validCurrency(req.Currency) {
		return errors.New("currency must be a 3-letter uppercase ISO-4217 code")
	}
	if len(req.Items) == 0 {
		return errors.New("order must contain at least one item")
	}
	for _, item := range req.Items {
		if item.ProductID == "" {
			return errors.New("every item needs a product_id")
		}
		if item.Quantity < 1 {
			return errors.New("every item needs a quantity of at least 1")
		}
	}
	return nil
}

func validCurrency(currency string) bool {
	if len(currency) != 3 {
		return false
	}
	for _, r := range currency {
		if r < 'A' || r > 'Z' {
			return false
		}
	}
	return true
}

func acceptResponse(l *ledger.Ledger) map[string]any {
	return map[string]any{
		"id":     l.ID,
		"status": l.Status,
	}
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]string{"error": message})
}
