package payment

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/robertarktes/ticket-checkout/internal/observability"
)

var (
	// ErrRejected means the processor answered and refused the intent;
	// retrying with the same key returns the same refusal.
	ErrRejected = errors.New("payment intent rejected")
	// ErrUnavailable means the outcome is unknown: a timeout, transport
	// failure or 5xx. Retries must reuse the idempotency key.
	ErrUnavailable = errors.New("payment processor unavailable")
)

type IntentRequest struct {
	OrderID        uuid.UUID
	Amount         int64
	Currency       string
	IdempotencyKey string
}

type Intent struct {
	ID          string
	ClientToken string
}

type Gateway interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// IdempotencyKey is the processor idempotency key for an order's intent.
func IdempotencyKey(orderID uuid.UUID) string {
	return "order_" + orderID.String()
}

type HTTPGateway struct {
	baseURL   string
	secretKey string
	logger    observability.Logger
	hc        *http.Client
}

func NewHTTPGateway(baseURL, secretKey string, logger observability.Logger, hc *http.Client) *HTTPGateway {
	if hc == nil {
		hc = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPGateway{
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
		logger:    logger,
		hc:        hc,
	}
}

type intentResponse struct {
	ID           string `json:"id"`
	ClientSecret string `json:"client_secret"`
}

type errorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (g *HTTPGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	form := url.Values{}
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("currency", req.Currency)
	form.Set("metadata[order_id]", req.OrderID.String())

	hr, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+"/v1/payment_intents", strings.NewReader(form.Encode()))
	if err != nil {
		return Intent{}, errors.Wrap(err, "build payment intent request")
	}
	hr.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	hr.Header.Set("Accept", "application/json")
	hr.Header.Set("Authorization", "Bearer "+g.secretKey)
	hr.Header.Set("Idempotency-Key", req.IdempotencyKey)

	log := g.logger.WithField("order_id", req.OrderID).WithField("idempotency_key", req.IdempotencyKey)

	hresp, err := g.hc.Do(hr)
	if err != nil {
		log.WithError(err).Warn("payment intent request failed")
		return Intent{}, errors.Wrapf(ErrUnavailable, "create payment intent: %v", err)
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(hresp.Body)
	if err != nil {
		return Intent{}, errors.Wrapf(ErrUnavailable, "read payment intent response: %v", err)
	}

	switch {
	case hresp.StatusCode >= 500 || hresp.StatusCode == http.StatusTooManyRequests || hresp.StatusCode == http.StatusConflict:
		// 409 is the processor's concurrent-use-of-idempotency-key answer.
		log.WithField("status", hresp.StatusCode).Warn("payment processor unavailable")
		return Intent{}, errors.Wrapf(ErrUnavailable, "processor status %d", hresp.StatusCode)
	case hresp.StatusCode >= 400:
		var perr errorResponse
		_ = json.Unmarshal(body, &perr)
		log.WithField("status", hresp.StatusCode).WithField("code", perr.Error.Code).Warn("payment intent rejected")
		return Intent{}, errors.Wrapf(ErrRejected, "processor status %d: %s", hresp.StatusCode, perr.Error.Message)
	}

	var resp intentResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return Intent{}, errors.Wrapf(ErrUnavailable, "decode payment intent: %v", err)
	}
	if resp.ID == "" || resp.ClientSecret == "" {
		return Intent{}, errors.Wrapf(ErrUnavailable, "incomplete payment intent %q", resp.ID)
	}
	return Intent{ID: resp.ID, ClientToken: resp.ClientSecret}, nil
}
