// Package razorpay is a client for the Razorpay API: plans, subscriptions
// and webhook signature checks.
package razorpay

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/sirupsen/logrus"
)

// DefaultBaseURL is the Razorpay API root
const DefaultBaseURL = "https://api.razorpay.com"

// Webhook headers
const (
	HeaderSignature = "X-Razorpay-Signature"
	HeaderEventID   = "X-Razorpay-Event-Id"
)

// Config holds Razorpay credentials
type Config struct {
	BaseURL       string
	KeyID         string
	KeySecret     string
	WebhookSecret string
	Currency      string
	Timeout       time.Duration
}

// Client calls the Razorpay API with basic auth
type Client struct {
	cfg    Config
	http   *http.Client
	logger *logrus.Logger
}

// APIError is a non-2xx Razorpay response
type APIError struct {
	StatusCode  int    `json:"-"`
	Code        string `json:"code"`
	Description string `json:"description"`
}

func (e *APIError) Error() string {
	return fmt.Sprintf("razorpay: %s: %s (status %d)", e.Code, e.Description, e.StatusCode)
}

// NewClient creates a new Client
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Currency == "" {
		cfg.Currency = "INR"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if logger == nil {
		logger = logrus.New()
	}
	return &Client{
		cfg:    cfg,
		http:   &http.Client{Timeout: cfg.Timeout},
		logger: logger,
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

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.SetBasicAuth(c.cfg.KeyID, c.cfg.KeySecret)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("razorpay %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		var envelope struct {
			Error APIError `json:"error"`
		}
		_ = json.Unmarshal(data, &envelope)
		envelope.Error.StatusCode = resp.StatusCode
		return &envelope.Error
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Item is the product line of a plan
type Item struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
}

// Plan is a Razorpay plan
type Plan struct {
	ID       string            `json:"id,omitempty"`
	Period   string            `json:"period"`
	Interval int               `json:"interval"`
	Item     Item              `json:"item"`
	Notes    map[string]string `json:"notes,omitempty"`
}

// Subscription is a Razorpay subscription
type Subscription struct {
	ID         string            `json:"id"`
	PlanID     string            `json:"plan_id"`
	Status     string            `json:"status"`
	CustomerID string            `json:"customer_id,omitempty"`
	ShortURL   string            `json:"short_url,omitempty"`
	Notes      map[string]string `json:"notes,omitempty"`
}

// GetPlan fetches a plan
func (c *Client) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	var plan Plan
	if err := c.do(ctx, http.MethodGet, "/v1/plans/"+url.PathEscape(planID), nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PlanName returns text describing the plan for tier inference: the item
// name, the marker from notes when present, and the period. The item
// description is free text and is left out.
func (c *Client) PlanName(ctx context.Context, planID string) (string, error) {
	plan, err := c.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	parts := []string{plan.Item.Name}
	if tier, period := providers.MarkerFromMetadata(plan.Notes); tier != "" {
		if period == "" {
			period = periodFromRazorpay(plan.Period)
		}
		parts = append(parts, providers.PlanMarker(tier, period))
	}
	if plan.Period != "" {
		parts = append(parts, plan.Period)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " "), nil
}

func periodFromRazorpay(period string) pricing.Period {
	if period == "yearly" {
		return pricing.PeriodYearly
	}
	return pricing.PeriodMonthly
}

// CreatePlan creates a plan for a tier with the marker in its notes
func (c *Client) CreatePlan(ctx context.Context, plan pricing.Plan, period pricing.Period) (*Plan, error) {
	rzPeriod, label := "monthly", "Monthly"
	if period == pricing.PeriodYearly {
		rzPeriod, label = "yearly", "Yearly"
	}
	in := Plan{
		Period:   rzPeriod,
		Interval: 1,
		Item: Item{
			Name:        fmt.Sprintf("%s %s", plan.Tier, label),
			Description: providers.PlanMarker(plan.Tier, period),
			Amount:      plan.PriceCents(period),
			Currency:    c.cfg.Currency,
		},
		Notes: map[string]string{
			providers.TierMarkerKey:   string(plan.Tier),
			providers.PeriodMarkerKey: string(period),
		},
	}
	var out Plan
	if err := c.do(ctx, http.MethodPost, "/v1/plans", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreateSubscription starts a subscription with the organization id in notes
func (c *Client) CreateSubscription(ctx context.Context, planID string, orgID int64, totalCount int) (*Subscription, error) {
	if totalCount <= 0 {
		totalCount = 12
	}
	in := map[string]any{
		"plan_id":         planID,
		"total_count":     totalCount,
		"customer_notify": 1,
		"notes":           map[string]string{"organization_id": strconv.FormatInt(orgID, 10)},
	}
	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/v1/subscriptions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSubscription cancels a subscription immediately
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	c.logger.WithFields(logrus.Fields{"subscription_id": subscriptionID, "reason": reason}).Info("Cancelling Razorpay subscription")
	in := map[string]int{"cancel_at_cycle_end": 0}
	return c.do(ctx, http.MethodPost, "/v1/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", in, nil)
}

// VerifyWebhook checks the X-Razorpay-Signature header against the body
func (c *Client) VerifyWebhook(_ context.Context, header http.Header, body []byte) error {
	if c.cfg.WebhookSecret == "" {
		return fmt.Errorf("razorpay webhook secret is not configured")
	}
	if !VerifySignature(body, header.Get(HeaderSignature), c.cfg.WebhookSecret) {
		return providers.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of body under secret
func Sign(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature compares signature with the expected HMAC in constant time
func VerifySignature(body []byte, signature, secret string) bool {
	if signature == "" {
		return false
	}
	return hmac.Equal([]byte(Sign(body, secret)), []byte(strings.TrimSpace(signature)))
}
