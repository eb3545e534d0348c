// Package totem is the real-time synchronization layer of the Totem kiosk
// client.
//
// It keeps the kiosk's payment session, ticket and public queue view in line
// with the backend over a push channel that may drop at any time, falls back
// to polling while the channel is down, and drives the payment and ticket
// status machines that decide which sounds play and which screen shows.
//
// Example:
//
//	k, err := totem.New(totem.Config{
//		BaseURL:  "https://api.example.com",
//		TenantID: "tenant-1",
//	}, totem.WithCallbacks(totem.Callbacks{
//		OnSuccess: func(p totem.PaymentSession) { ... },
//		OnError:   func(msg string) { ... },
//	}))
//	k.Start()
//	defer k.Stop()
//
//	k.BeginPayment("session-123", "card", 12.5)
package totem

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultTimeout = 10 * time.Second

	paymentSessionPath = "/api/payments/sessions/"
	publicQueuePath    = "/api/queue/public/"
)

// ============================================================================
// Client
// ============================================================================

// Fetcher is the read-only backend used by the fallback poller.
type Fetcher interface {
	FetchPaymentSession(ctx context.Context, id string) (*PaymentSession, error)
	FetchPublicQueue(ctx context.Context, tenantID string) (*QueueSnapshot, error)
}

// Client talks to the kiosk backend REST API.
type Client struct {
	apiKey     string
	baseURL    string
	kioskID    string
	httpClient *http.Client
}

type ClientOption func(*Client)

func WithAPIKey(key string) ClientOption {
	return func(c *Client) { c.apiKey = key }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// WithKioskID tags every request with the kiosk's identity.
func WithKioskID(id string) ClientOption {
	return func(c *Client) { c.kioskID = id }
}

// NewClient creates a backend client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// BaseURL returns the backend root the client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

func (c *Client) doRequest(ctx context.Context, method, path string) (*apiResult, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.kioskID != "" {
		req.Header.Set("X-Kiosk-ID", c.kioskID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var result apiResult
	if err := json.Unmarshal(body, &result); err != nil {
		if resp.StatusCode >= 300 {
			return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: http.StatusText(resp.StatusCode)}
		}
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if result.Error != nil {
		return nil, result.Error
	}
	if resp.StatusCode >= 300 || !result.Success {
		return nil, &APIError{Code: fmt.Sprintf("HTTP_%d", resp.StatusCode), Message: "request was not successful"}
	}
	return &result, nil
}

// FetchPaymentSession returns the server's view of payment session id.
func (c *Client) FetchPaymentSession(ctx context.Context, id string) (*PaymentSession, error) {
	result, err := c.doRequest(ctx, http.MethodGet, paymentSessionPath+url.PathEscape(id))
	if err != nil {
		return nil, err
	}
	var p PaymentSession
	if err := result.decode(&p); err != nil {
		return nil, fmt.Errorf("failed to decode payment session: %w", err)
	}
	return &p, nil
}

// FetchPublicQueue returns the public queue of tenantID.
func (c *Client) FetchPublicQueue(ctx context.Context, tenantID string) (*QueueSnapshot, error) {
	result, err := c.doRequest(ctx, http.MethodGet, publicQueuePath+url.PathEscape(tenantID))
	if err != nil {
		return nil, err
	}
	var q QueueSnapshot
	if err := result.decode(&q); err != nil {
		return nil, fmt.Errorf("failed to decode queue: %w", err)
	}
	if q.TenantID == "" {
		q.TenantID = tenantID
	}
	return &q, nil
}

// ============================================================================
// Push channel URLs
// ============================================================================

func socketBase(baseURL string) string {
	base := strings.TrimRight(baseURL, "/")
	base = strings.Replace(base, "https://", "wss://", 1)
	return strings.Replace(base, "http://", "ws://", 1)
}

// SessionSocketURL returns the payment/ticket push channel of tenantID.
func SessionSocketURL(baseURL, tenantID string) string {
	return socketBase(baseURL) + "/ws?tenant_id=" + url.QueryEscape(tenantID) + "&client_type=totem"
}

// QueueSocketURL returns the public queue push channel of tenantID.
func QueueSocketURL(baseURL, tenantID string) string {
	return socketBase(baseURL) + "/" + url.PathEscape(tenantID) + "/totem"
}
