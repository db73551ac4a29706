package qbo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// DefaultAPIURL is the production company endpoint.
const DefaultAPIURL = "https://quickbooks.api.intuit.com/v3/company"

// minorVersion pins the API minor version for every request.
const minorVersion = "70"

// ClientConfig represents the configuration for the QBO API client.
type ClientConfig struct {
	APIURL    string
	Session   *Session
	RateLimit float64       // Requests per second. Default: 8
	Timeout   time.Duration // Default: 30 seconds
	Logger    *slog.Logger
}

// Client is a QBO Accounting API client bound to one session.
type Client struct {
	httpClient *http.Client
	baseURL    string
	session    *Session
	limiter    *rate.Limiter
	logger     *slog.Logger
}

// FaultError is returned when QBO answers with a Fault payload.
type FaultError struct {
	StatusCode int
	Fault      Fault
}

func (e *FaultError) Error() string {
	if d := e.Detail(); d != "" {
		return d
	}
	return fmt.Sprintf("qbo fault (status %d)", e.StatusCode)
}

// Detail returns the detail of the first fault entry.
func (e *FaultError) Detail() string {
	if len(e.Fault.Error) == 0 {
		return ""
	}
	if e.Fault.Error[0].Detail != "" {
		return e.Fault.Error[0].Detail
	}
	return e.Fault.Error[0].Message
}

// NewClient creates a new QBO API client.
func NewClient(config ClientConfig) *Client {
	timeout := config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	limit := config.RateLimit
	if limit <= 0 {
		limit = 8
	}

	baseURL := config.APIURL
	if baseURL == "" {
		baseURL = DefaultAPIURL
	}

	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		baseURL: strings.TrimRight(baseURL, "/"),
		session: config.Session,
		limiter: rate.NewLimiter(rate.Limit(limit), 1),
		logger:  logger,
	}
}

// Query runs "select * from objectType [where filter]" and returns the matches.
func (c *Client) Query(ctx context.Context, objectType, filter string) ([]Record, error) {
	stmt := "select * from " + objectType
	if filter != "" {
		stmt += " where " + filter
	}

	var env queryEnvelope
	if err := c.do(ctx, http.MethodGet, "query", url.Values{"query": {stmt}}, nil, &env); err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", objectType, err)
	}
	if env.QueryResponse == nil {
		return nil, fmt.Errorf("failed to query %s: response has no QueryResponse", objectType)
	}

	raw, ok := env.QueryResponse[objectType]
	if !ok {
		return nil, nil
	}

	var records []Record
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to decode %s records: %w", objectType, err)
	}
	return records, nil
}

// Create posts a new entity and returns the stored record.
func (c *Client) Create(ctx context.Context, objectType string, body any) (Record, error) {
	var out map[string]json.RawMessage
	if err := c.do(ctx, http.MethodPost, strings.ToLower(objectType), nil, body, &out); err != nil {
		return nil, fmt.Errorf("failed to create %s: %w", objectType, err)
	}

	raw, ok := out[objectType]
	if !ok {
		return nil, fmt.Errorf("failed to create %s: response has no %s", objectType, objectType)
	}

	var record Record
	if err := json.Unmarshal(raw, &record); err != nil {
		return nil, fmt.Errorf("failed to decode created %s: %w", objectType, err)
	}
	return record, nil
}

// GetTaxCode returns a tax code by id, or nil if it does not exist.
func (c *Client) GetTaxCode(ctx context.Context, id string) (*TaxCode, error) {
	codes, err := c.queryTaxCodes(ctx, "Id = "+Quote(id))
	if err != nil {
		return nil, err
	}
	if len(codes) == 0 {
		return nil, nil
	}
	return &codes[0], nil
}

// ListTaxCodes returns every tax code of the company.
func (c *Client) ListTaxCodes(ctx context.Context) ([]TaxCode, error) {
	return c.queryTaxCodes(ctx, "")
}

func (c *Client) queryTaxCodes(ctx context.Context, filter string) ([]TaxCode, error) {
	records, err := c.Query(ctx, ObjectTaxCode, filter)
	if err != nil {
		return nil, err
	}

	codes := make([]TaxCode, 0, len(records))
	for _, r := range records {
		data, err := json.Marshal(r)
		if err != nil {
			return nil, fmt.Errorf("failed to encode tax code: %w", err)
		}
		var code TaxCode
		if err := json.Unmarshal(data, &code); err != nil {
			return nil, fmt.Errorf("failed to decode tax code: %w", err)
		}
		codes = append(codes, code)
	}
	return codes, nil
}

// GetPreferences returns the company preferences.
func (c *Client) GetPreferences(ctx context.Context) (*Preferences, error) {
	var out struct {
		Preferences Preferences `json:"Preferences"`
	}
	if err := c.do(ctx, http.MethodGet, "preferences", nil, nil, &out); err != nil {
		return nil, fmt.Errorf("failed to get preferences: %w", err)
	}
	return &out.Preferences, nil
}

// HomeCurrency returns the ledger's home currency code.
func (c *Client) HomeCurrency(ctx context.Context) (string, error) {
	prefs, err := c.GetPreferences(ctx)
	if err != nil {
		return "", err
	}
	return strings.ToUpper(prefs.CurrencyPrefs.HomeCurrency.Value), nil
}

// UsingSalesTax reports whether the company has sales tax enabled.
func (c *Client) UsingSalesTax(ctx context.Context) (bool, error) {
	prefs, err := c.GetPreferences(ctx)
	if err != nil {
		return false, err
	}
	return prefs.TaxPrefs.UsingSalesTax, nil
}

// GetExchangeRate returns the rate from currency to the home currency on date (YYYY-MM-DD).
func (c *Client) GetExchangeRate(ctx context.Context, currency, date string) (float64, error) {
	query := url.Values{
		"sourcecurrencycode": {strings.ToUpper(currency)},
		"asofdate":           {date},
	}

	var out struct {
		ExchangeRate ExchangeRate `json:"ExchangeRate"`
	}
	if err := c.do(ctx, http.MethodGet, "exchangerate", query, nil, &out); err != nil {
		return 0, fmt.Errorf("failed to get exchange rate: %w", err)
	}
	if out.ExchangeRate.Rate == 0 {
		return 0, fmt.Errorf("no exchange rate for %s on %s", currency, date)
	}
	return out.ExchangeRate.Rate, nil
}

// do performs one API call. A 401 triggers a single session refresh and retry.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	if c.session == nil {
		return errors.New("qbo client has no session")
	}

	var payload []byte
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		payload = data
	}

	if query == nil {
		query = url.Values{}
	}
	query.Set("minorversion", minorVersion)
	endpoint := fmt.Sprintf("%s/%s/%s?%s", c.baseURL, c.session.RealmID, path, query.Encode())

	token, err := c.session.AccessToken(ctx)
	if err != nil {
		return fmt.Errorf("failed to get access token: %w", err)
	}

	resp, err := c.send(ctx, method, endpoint, payload, token)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusUnauthorized {
		resp.Body.Close()
		c.logger.Debug("QBO rejected access token, refreshing", "realm_id", c.session.RealmID)

		token, err = c.session.Refresh(ctx, token)
		if err != nil {
			return fmt.Errorf("failed to refresh session: %w", err)
		}
		resp, err = c.send(ctx, method, endpoint, payload, token)
		if err != nil {
			return err
		}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	var fault faultEnvelope
	if err := json.Unmarshal(data, &fault); err == nil && fault.Fault != nil {
		return &FaultError{StatusCode: resp.StatusCode, Fault: *fault.Fault}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return c.parseError(resp.StatusCode, data)
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte, token string) (*http.Response, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", token))
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to make request: %w", err)
	}
	return resp, nil
}

// parseError builds an error from a non-fault error response.
func (c *Client) parseError(status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		msg = http.StatusText(status)
	}
	return fmt.Errorf("qbo API error (status %d): %s", status, msg)
}
