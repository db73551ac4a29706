// Package notify posts signed sync outcomes to a webhook.
package notify

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shunichi-ikebuchi/stripe2qbo-sync/pkg/syncer"
)

// SignatureHeader carries the hex HMAC-SHA256 of the request body.
const SignatureHeader = "X-Signature"

// Config configures a Webhook.
type Config struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Logger  *slog.Logger
}

// Webhook posts terminal outcomes to a URL. The body is the outcome JSON
// and the run id is passed as the run_id query parameter.
type Webhook struct {
	httpClient *http.Client
	url        string
	secret     []byte
	logger     *slog.Logger
}

// NewWebhook creates a Webhook.
func NewWebhook(config Config) *Webhook {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	return &Webhook{
		httpClient: &http.Client{Timeout: config.Timeout},
		url:        config.URL,
		secret:     []byte(config.Secret),
		logger:     config.Logger,
	}
}

// Report implements batch.Reporter. Non-terminal states are not sent.
func (w *Webhook) Report(ctx context.Context, runID string, out syncer.TransactionSync) error {
	if !out.Status.Terminal() {
		return nil
	}

	body, err := json.Marshal(out)
	if err != nil {
		return fmt.Errorf("failed to encode outcome: %w", err)
	}

	endpoint, err := url.Parse(w.url)
	if err != nil {
		return fmt.Errorf("invalid notify URL: %w", err)
	}
	q := endpoint.Query()
	q.Set("run_id", runID)
	endpoint.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint.String(), bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(SignatureHeader, Sign(w.secret, body))

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to notify: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("notify returned status %d", resp.StatusCode)
	}

	w.logger.Debug("Outcome notified", "transaction_id", out.ID, "status", out.Status)
	return nil
}

// Sign returns the hex HMAC-SHA256 of body.
func Sign(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
