// Package paypal is a client for the PayPal REST API: billing plans,
// subscriptions, order capture and webhook signature verification.
package paypal

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// SandboxURL is the PayPal sandbox API root
const SandboxURL = "https://api-m.sandbox.paypal.com"

// Config holds PayPal credentials
type Config struct {
	BaseURL   string
	ClientID  string
	Secret    string
	WebhookID string
	Timeout   time.Duration
}

// Client calls the PayPal REST API with an OAuth2 client-credentials token
type Client struct {
	baseURL   string
	webhookID string
	http      *http.Client
	logger    *logrus.Logger
}

// APIError is a non-2xx PayPal response
type APIError struct {
	StatusCode int    `json:"-"`
	Name       string `json:"name"`
	Message    string `json:"message"`
	DebugID    string `json:"debug_id"`
}

func (e *APIError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("paypal: status %d", e.StatusCode)
	}
	return fmt.Sprintf("paypal: %s: %s (status %d, debug_id %s)", e.Name, e.Message, e.StatusCode, e.DebugID)
}

// NewClient creates a new Client. The token is fetched lazily and cached
// until it expires.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	baseURL := strings.TrimRight(cfg.BaseURL, "/")

	oauth := clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.Secret,
		TokenURL:     baseURL + "/v1/oauth2/token",
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	base := &http.Client{Timeout: cfg.Timeout}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)
	httpClient := oauth.Client(ctx)
	httpClient.Timeout = cfg.Timeout

	return &Client{
		baseURL:   baseURL,
		webhookID: cfg.WebhookID,
		http:      httpClient,
		logger:    logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("paypal %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	c.logger.WithFields(logrus.Fields{
		"method":   method,
		"path":     path,
		"status":   resp.StatusCode,
		"duration": time.Since(start),
	}).Debug("PayPal API call")

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(data, apiErr)
		return apiErr
	}

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
