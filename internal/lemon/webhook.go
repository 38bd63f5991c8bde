package lemon

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/seatwise/licensed/internal/licensing"
	"github.com/seatwise/licensed/internal/licmetrics"
	"github.com/seatwise/licensed/internal/store"
)

const webhookBodyLimit = 1024 * 1024 // 1 MiB

// WebhookHandler handles incoming Lemon Squeezy webhook events.
//
// Signature verification is the authentication mechanism for this endpoint:
// nothing past the HMAC gate runs on an unverified body.
type WebhookHandler struct {
	secret  string
	service *licensing.Service
}

type webhookErrorResponse struct {
	Error string `json:"error"`
}

type webhookReceivedResponse struct {
	Received bool `json:"received"`
}

// NewWebhookHandler creates the provider webhook HTTP handler.
func NewWebhookHandler(secret string, service *licensing.Service) *WebhookHandler {
	return &WebhookHandler{secret: secret, service: service}
}

// ServeHTTP verifies the signature and reconciles the event. Payloads that
// verify but cannot be interpreted are acknowledged with 200 so the provider
// does not retry them forever; only persistence failures return 500.
func (h *WebhookHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	eventName := "unknown"
	status := http.StatusOK
	defer func() {
		licmetrics.WebhookRequestsTotal.WithLabelValues(eventName, strconv.Itoa(status)).Inc()
		licmetrics.WebhookDuration.WithLabelValues(eventName).Observe(time.Since(start).Seconds())
	}()

	if r.Method != http.MethodPost {
		status = http.StatusMethodNotAllowed
		writeJSON(w, status, webhookErrorResponse{Error: "method not allowed"})
		return
	}
	if strings.TrimSpace(h.secret) == "" {
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "webhook secret not configured"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, webhookBodyLimit)
	payload, err := io.ReadAll(r.Body)
	if err != nil {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "failed to read request body"})
		return
	}

	sigHeader := strings.TrimSpace(r.Header.Get("X-Signature"))
	if sigHeader == "" {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "missing signature"})
		return
	}
	if !VerifySignature(payload, sigHeader, h.secret) {
		status = http.StatusBadRequest
		writeJSON(w, status, webhookErrorResponse{Error: "invalid signature"})
		return
	}

	evt := parseEvent(payload, r.Header.Get("X-Event-Name"))
	eventName = evt.EventName

	res, err := h.service.Reconcile(r.Context(), evt)
	if err != nil {
		log.Error().Err(err).
			Str("event_name", evt.EventName).
			Str("event_id", evt.EventID).
			Msg("Webhook reconciliation failed")
		status = http.StatusInternalServerError
		writeJSON(w, status, webhookErrorResponse{Error: "processing failed"})
		return
	}

	log.Info().
		Str("event_name", evt.EventName).
		Str("event_id", evt.EventID).
		Str("email", res.Email).
		Bool("applied", res.Applied).
		Bool("duplicate", res.Duplicate).
		Msg("Webhook event reconciled")

	status = http.StatusOK
	writeJSON(w, status, webhookReceivedResponse{Received: true})
}

// envelope is the minimal shape of a Lemon Squeezy webhook payload.
type envelope struct {
	Meta struct {
		EventName string `json:"event_name"`
		EventID   string `json:"event_id"`
	} `json:"meta"`
	Data struct {
		Attributes eventAttributes `json:"attributes"`
	} `json:"data"`
}

type eventAttributes struct {
	UserEmail      string `json:"user_email"`
	CustomerEmail  string `json:"customer_email"`
	Email          string `json:"email"`
	Status         string `json:"status"`
	Key            string `json:"key"`
	FirstOrderItem struct {
		Quantity int `json:"quantity"`
	} `json:"first_order_item"`
}

// parseEvent reduces a verified payload to a ProviderEvent. Malformed JSON or
// missing fields degrade to an event the reconciler treats as a no-op; the
// header event name covers payloads whose meta block is absent.
func parseEvent(payload []byte, headerEventName string) licensing.ProviderEvent {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		log.Warn().Err(err).Msg("Webhook payload is not valid JSON")
	}

	eventName := strings.TrimSpace(env.Meta.EventName)
	if eventName == "" {
		eventName = strings.TrimSpace(headerEventName)
	}
	if eventName == "" {
		eventName = "unknown"
	}

	attrs := env.Data.Attributes
	return licensing.ProviderEvent{
		EventID:    strings.TrimSpace(env.Meta.EventID),
		EventName:  eventName,
		Email:      licensing.FirstValidEmail(attrs.UserEmail, attrs.CustomerEmail, attrs.Email),
		Status:     strings.ToLower(strings.TrimSpace(attrs.Status)),
		LicenseKey: store.NormalizeKey(attrs.Key),
		Quantity:   attrs.FirstOrderItem.Quantity,
	}
}

func writeJSON[T any](w http.ResponseWriter, status int, v T) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Error().Err(err).Int("status", status).Msg("lemon: encode webhook response")
	}
}
