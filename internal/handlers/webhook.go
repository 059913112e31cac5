package handlers

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/batchllm/internal/models"
)

// retryableStatus reports whether an HTTP status code from a webhook
// endpoint is worth retrying: request timeout, rate limited, or any server
// error (§4.4). Every other non-2xx is a permanent client-side rejection.
func retryableStatus(code int) bool {
	return code == http.StatusRequestTimeout || code == http.StatusTooManyRequests || code >= 500
}

// WebhookHandler POSTs a JSON notification about a completed batch to a
// configured URL, signing the body with HMAC-SHA256 so the receiver can
// verify authenticity (§4.4 expanded).
type WebhookHandler struct {
	url     string
	secret  string
	client  *http.Client
}

// NewWebhookHandler creates a WebhookHandler. If url is empty, Enabled()
// reports false and Dispatch skips it.
func NewWebhookHandler(url, secret string, timeout time.Duration) *WebhookHandler {
	return &WebhookHandler{url: url, secret: secret, client: &http.Client{Timeout: timeout}}
}

func (h *WebhookHandler) Name() string   { return "webhook" }
func (h *WebhookHandler) Enabled() bool  { return h.url != "" }

type webhookPayload struct {
	BatchID  string `json:"batch_id"`
	Status   string `json:"status"`
	Endpoint string `json:"endpoint"`
	Model    string `json:"model"`
}

// Handle delivers the webhook and classifies the result (§4.4): a malformed
// payload or a non-retryable response status is permanent, a transport
// failure or a 408/429/5xx response is retryable, anything 2xx is ok.
func (h *WebhookHandler) Handle(ctx context.Context, job *models.BatchJob) (string, error) {
	body, err := json.Marshal(webhookPayload{
		BatchID:  job.BatchID,
		Status:   job.Status,
		Endpoint: job.Endpoint,
		Model:    job.Model,
	})
	if err != nil {
		return models.HandlerOutcomePermanent, fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return models.HandlerOutcomePermanent, fmt.Errorf("failed to build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Batchllm-Signature", signPayload(h.secret, body))

	resp, err := h.client.Do(req)
	if err != nil {
		return models.HandlerOutcomeRetryable, fmt.Errorf("webhook delivery failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		err := fmt.Errorf("webhook endpoint returned status %d", resp.StatusCode)
		if retryableStatus(resp.StatusCode) {
			return models.HandlerOutcomeRetryable, err
		}
		return models.HandlerOutcomePermanent, err
	}
	return models.HandlerOutcomeOK, nil
}

// signPayload computes the hex-encoded HMAC-SHA256 of body using secret.
func signPayload(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks whether signature matches the HMAC-SHA256 of body
// under secret, for use by a downstream receiver validating deliveries.
func VerifySignature(secret string, body []byte, signature string) bool {
	expected := signPayload(secret, body)
	return hmac.Equal([]byte(expected), []byte(signature))
}
