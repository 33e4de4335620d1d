package http

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/checkout"
	"github.com/robertarktes/ticket-checkout/internal/domain"
	"github.com/robertarktes/ticket-checkout/internal/idempotency"
)

type errorResponse struct {
	ErrorCode         string     `json:"errorCode"`
	Message           string     `json:"message"`
	TicketTypeID      *uuid.UUID `json:"ticketTypeId,omitempty"`
	ResetAt           *time.Time `json:"resetAt,omitempty"`
	RetryAfterSeconds *int64     `json:"retryAfterSeconds,omitempty"`
}

// classify maps an error to its status and response. Internal failures are
// logged by the caller and surfaced generically.
func classify(err error) (int, errorResponse) {
	var insufficient *checkout.InsufficientInventoryError
	switch {
	case errors.As(err, &insufficient):
		id := insufficient.TicketTypeID
		return http.StatusConflict, errorResponse{ErrorCode: "INSUFFICIENT_INVENTORY", Message: "not enough tickets left", TicketTypeID: &id}
	case errors.Is(err, domain.ErrInsufficientInventory):
		return http.StatusConflict, errorResponse{ErrorCode: "INSUFFICIENT_INVENTORY", Message: "not enough tickets left"}
	case errors.Is(err, checkout.ErrEventNotOnSale):
		return http.StatusConflict, errorResponse{ErrorCode: "EVENT_NOT_ON_SALE", Message: "event is not on sale"}
	case errors.Is(err, domain.ErrRateLimitExceeded):
		return http.StatusTooManyRequests, errorResponse{ErrorCode: "RATE_LIMIT_EXCEEDED", Message: "too many requests"}
	case errors.Is(err, domain.ErrPaymentIntentCreationFailed):
		return http.StatusBadGateway, errorResponse{ErrorCode: "PAYMENT_INTENT_CREATION_FAILED", Message: "payment could not be started, please try again"}
	case errors.Is(err, domain.ErrPaymentOutcomeUnknown):
		return http.StatusGatewayTimeout, errorResponse{ErrorCode: "PAYMENT_OUTCOME_UNKNOWN", Message: "payment provider did not answer, the order was cancelled, please try again"}
	case errors.Is(err, idempotency.ErrKeyReused):
		return http.StatusUnprocessableEntity, errorResponse{ErrorCode: "IDEMPOTENCY_KEY_REUSED", Message: "idempotency key was already used for a different request"}
	case errors.Is(err, idempotency.ErrInProgress):
		return http.StatusConflict, errorResponse{ErrorCode: "REQUEST_IN_PROGRESS", Message: "a request with this idempotency key is in progress"}
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound, errorResponse{ErrorCode: "NOT_FOUND", Message: "resource not found"}
	case errors.Is(err, domain.ErrInvalidInput):
		return http.StatusBadRequest, errorResponse{ErrorCode: "INVALID_INPUT", Message: err.Error()}
	case errors.Is(err, domain.ErrSerializationFailure), errors.Is(err, domain.ErrConflict):
		return http.StatusConflict, errorResponse{ErrorCode: "CONFLICT", Message: "conflict, try again"}
	default:
		return http.StatusInternalServerError, errorResponse{ErrorCode: "INTERNAL_ERROR", Message: "internal error"}
	}
}

func (h *Handlers) errorBody(r *http.Request, err error) (int, []byte) {
	status, resp := classify(err)
	log := requestLogger(r, h.deps.Logger).WithError(err).WithField("error_code", resp.ErrorCode)
	if status >= http.StatusInternalServerError {
		log.Error("request failed")
	} else {
		log.Info("request rejected")
	}
	data, _ := json.Marshal(resp)
	return status, data
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := h.errorBody(r, err)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(body)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
