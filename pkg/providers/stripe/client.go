// Package stripe wraps stripe-go for the calls the billing core makes:
// price lookup, invoice retry, subscription cancel and webhook checks.
package stripe

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/meter/pkg/billing"
	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/sirupsen/logrus"
	stripelib "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"github.com/stripe/stripe-go/v82/webhook"
)

// HeaderSignature is the Stripe webhook signature header
const HeaderSignature = "Stripe-Signature"

// Config holds Stripe credentials. BaseURL overrides the API root.
type Config struct {
	APIKey        string
	WebhookSecret string
	BaseURL       string
}

// Client is a Stripe API client
type Client struct {
	api           *client.API
	webhookSecret string
	logger        *logrus.Logger
}

// NewClient creates a new Client. Network retries are disabled so failures
// surface to the caller.
func NewClient(cfg Config, logger *logrus.Logger) *Client {
	if logger == nil {
		logger = logrus.New()
	}
	backendCfg := &stripelib.BackendConfig{
		MaxNetworkRetries: stripelib.Int64(0),
		LeveledLogger:     &stripelib.LeveledLogger{Level: stripelib.LevelError},
	}
	if cfg.BaseURL != "" {
		backendCfg.URL = stripelib.String(strings.TrimRight(cfg.BaseURL, "/"))
	}
	backend := stripelib.GetBackendWithConfig(stripelib.APIBackend, backendCfg)

	api := &client.API{}
	api.Init(cfg.APIKey, &stripelib.Backends{API: backend, Connect: backend, Uploads: backend})

	return &Client{api: api, webhookSecret: cfg.WebhookSecret, logger: logger}
}

// PlanName describes a price for tier inference. Price metadata carrying
// the tier marker wins; otherwise the nickname or product name is used
// together with the recurring interval.
func (c *Client) PlanName(ctx context.Context, priceID string) (string, error) {
	params := &stripelib.PriceParams{}
	params.Context = ctx
	params.AddExpand("product")

	price, err := c.api.Prices.Get(priceID, params)
	if err != nil {
		return "", fmt.Errorf("failed to get stripe price %s: %w", priceID, err)
	}

	period := pricing.PeriodMonthly
	interval := ""
	if price.Recurring != nil {
		interval = string(price.Recurring.Interval)
		if interval == "year" {
			period = pricing.PeriodYearly
		}
	}

	if tier, mdPeriod := providers.MarkerFromMetadata(price.Metadata); tier != "" {
		if mdPeriod != "" {
			period = mdPeriod
		}
		return providers.PlanMarker(tier, period), nil
	}

	name := price.Nickname
	if name == "" && price.Product != nil {
		name = price.Product.Name
	}
	if interval != "" {
		name += " " + interval + "ly"
	}
	return strings.TrimSpace(name), nil
}

// CancelSubscription cancels a subscription immediately
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	params := &stripelib.SubscriptionCancelParams{}
	params.Context = ctx
	if _, err := c.api.Subscriptions.Cancel(subscriptionID, params); err != nil {
		return fmt.Errorf("failed to cancel stripe subscription %s: %w", subscriptionID, err)
	}
	c.logger.WithFields(logrus.Fields{"subscription_id": subscriptionID, "reason": reason}).Info("Cancelled Stripe subscription")
	return nil
}

// RetryPayment implements billing.PaymentRetrier by paying the
// subscription's open invoice
func (c *Client) RetryPayment(ctx context.Context, req billing.RetryRequest) (string, error) {
	if req.ExternalSubscriptionID == "" {
		return "", fmt.Errorf("stripe retry needs a subscription id")
	}

	list := &stripelib.InvoiceListParams{
		Subscription: stripelib.String(req.ExternalSubscriptionID),
		Status:       stripelib.String("open"),
	}
	list.Context = ctx
	list.Limit = stripelib.Int64(1)

	iter := c.api.Invoices.List(list)
	var invoiceID string
	if iter.Next() {
		invoiceID = iter.Invoice().ID
	}
	if err := iter.Err(); err != nil {
		return "", fmt.Errorf("failed to list open invoices: %w", err)
	}
	if invoiceID == "" {
		return "", fmt.Errorf("no open invoice for subscription %s", req.ExternalSubscriptionID)
	}

	pay := &stripelib.InvoicePayParams{}
	pay.Context = ctx
	inv, err := c.api.Invoices.Pay(invoiceID, pay)
	if err != nil {
		return "", fmt.Errorf("failed to pay invoice %s: %w", invoiceID, err)
	}
	return inv.ID, nil
}

// VerifyWebhook checks the Stripe-Signature header with the default tolerance
func (c *Client) VerifyWebhook(_ context.Context, header http.Header, body []byte) error {
	if c.webhookSecret == "" {
		return fmt.Errorf("stripe webhook secret is not configured")
	}
	sig := header.Get(HeaderSignature)
	if sig == "" {
		return fmt.Errorf("%w: missing %s header", providers.ErrInvalidSignature, HeaderSignature)
	}
	_, err := webhook.ConstructEventWithOptions(body, sig, c.webhookSecret, webhook.ConstructEventOptions{
		IgnoreAPIVersionMismatch: true,
	})
	if err != nil {
		return fmt.Errorf("%w: %v", providers.ErrInvalidSignature, err)
	}
	return nil
}
