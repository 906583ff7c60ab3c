package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/platinummonkey/meter/pkg/billing"
)

type applicationContext struct {
	BrandName  string `json:"brand_name,omitempty"`
	UserAction string `json:"user_action,omitempty"`
	ReturnURL  string `json:"return_url"`
	CancelURL  string `json:"cancel_url"`
}

// CreateSubscription starts a subscription for an organization. The
// organization id is stored in custom_id so webhooks can resolve it.
func (c *Client) CreateSubscription(ctx context.Context, planID string, orgID int64, returnURL, cancelURL string) (*Subscription, error) {
	in := struct {
		PlanID             string             `json:"plan_id"`
		CustomID           string             `json:"custom_id"`
		ApplicationContext applicationContext `json:"application_context"`
	}{
		PlanID:   planID,
		CustomID: strconv.FormatInt(orgID, 10),
		ApplicationContext: applicationContext{
			UserAction: "SUBSCRIBE_NOW",
			ReturnURL:  returnURL,
			CancelURL:  cancelURL,
		},
	}

	var out Subscription
	if err := c.do(ctx, http.MethodPost, "/v1/billing/subscriptions", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// GetSubscription fetches a subscription
func (c *Client) GetSubscription(ctx context.Context, subscriptionID string) (*Subscription, error) {
	var out Subscription
	if err := c.do(ctx, http.MethodGet, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CancelSubscription cancels a subscription at PayPal
func (c *Client) CancelSubscription(ctx context.Context, subscriptionID, reason string) error {
	if reason == "" {
		reason = "Cancelled"
	}
	in := map[string]string{"reason": reason}
	return c.do(ctx, http.MethodPost, "/v1/billing/subscriptions/"+url.PathEscape(subscriptionID)+"/cancel", in, nil)
}

// CaptureOutstanding bills the subscription's outstanding balance
func (c *Client) CaptureOutstanding(ctx context.Context, subscriptionID string, amount Money, note string) (string, error) {
	in := struct {
		Note        string `json:"note"`
		CaptureType string `json:"capture_type"`
		Amount      Money  `json:"amount"`
	}{
		Note:        note,
		CaptureType: "OUTSTANDING_BALANCE",
		Amount:      amount,
	}

	var out struct {
		ID string `json:"id"`
	}
	path := "/v1/billing/subscriptions/" + url.PathEscape(subscriptionID) + "/capture"
	if err := c.do(ctx, http.MethodPost, path, in, &out); err != nil {
		return "", err
	}
	if out.ID == "" {
		return subscriptionID, nil
	}
	return out.ID, nil
}

// RetryPayment implements billing.PaymentRetrier by capturing the
// subscription's outstanding balance
func (c *Client) RetryPayment(ctx context.Context, req billing.RetryRequest) (string, error) {
	if req.ExternalSubscriptionID == "" {
		return "", fmt.Errorf("paypal retry needs a subscription id")
	}
	currency := req.Currency
	if currency == "" {
		currency = "USD"
	}
	return c.CaptureOutstanding(ctx, req.ExternalSubscriptionID,
		Money{CurrencyCode: currency, Value: FormatAmount(req.Amount)},
		"Retry of failed payment")
}
