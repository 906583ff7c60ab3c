package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/providers"
	stripelib "github.com/stripe/stripe-go/v82"
)

type stripeSubscription struct {
	ID       string            `json:"id"`
	Customer string            `json:"customer"`
	Status   string            `json:"status"`
	CancelAt int64             `json:"cancel_at"`
	Metadata map[string]string `json:"metadata"`
	Items    struct {
		Data []struct {
			Price struct {
				ID        string            `json:"id"`
				Nickname  string            `json:"nickname"`
				Metadata  map[string]string `json:"metadata"`
				Recurring *struct {
					Interval string `json:"interval"`
				} `json:"recurring"`
			} `json:"price"`
		} `json:"data"`
	} `json:"items"`
}

type stripeInvoice struct {
	ID           string `json:"id"`
	Customer     string `json:"customer"`
	Currency     string `json:"currency"`
	AmountPaid   *int64 `json:"amount_paid"`
	AmountDue    *int64 `json:"amount_due"`
	Subscription string `json:"subscription"`
	// newer API versions move the subscription under parent
	Parent *struct {
		SubscriptionDetails *struct {
			Subscription string            `json:"subscription"`
			Metadata     map[string]string `json:"metadata"`
		} `json:"subscription_details"`
	} `json:"parent"`
	LastFinalizationError *struct {
		Message string `json:"message"`
	} `json:"last_finalization_error"`
}

func (inv *stripeInvoice) subscription() (string, map[string]string) {
	if inv.Parent != nil && inv.Parent.SubscriptionDetails != nil {
		d := inv.Parent.SubscriptionDetails
		if d.Subscription != "" {
			return d.Subscription, d.Metadata
		}
	}
	return inv.Subscription, nil
}

// StripeMapper parses Stripe webhook events
type StripeMapper struct{}

// Provider implements Mapper
func (StripeMapper) Provider() providers.Provider { return providers.Stripe }

// Parse implements Mapper
func (StripeMapper) Parse(_ http.Header, body []byte) (*Event, error) {
	var event stripelib.Event
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if event.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedPayload)
	}

	ev := &Event{
		Provider: providers.Stripe,
		ID:       event.ID,
		Type:     string(event.Type),
		Kind:     KindIgnored,
		Raw:      body,
	}
	if event.Data == nil || len(event.Data.Raw) == 0 {
		switch event.Type {
		case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted",
			"invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
			return nil, fmt.Errorf("%w: missing data.object", ErrMalformedPayload)
		}
		return ev, nil
	}

	switch event.Type {
	case "customer.subscription.created", "customer.subscription.updated", "customer.subscription.deleted":
		var sub stripeSubscription
		if err := json.Unmarshal(event.Data.Raw, &sub); err != nil || sub.ID == "" {
			return nil, fmt.Errorf("%w: decode subscription", ErrMalformedPayload)
		}
		mapStripeSubscription(ev, event.Type, &sub)

	case "invoice.payment_succeeded", "invoice.paid", "invoice.payment_failed":
		var inv stripeInvoice
		if err := json.Unmarshal(event.Data.Raw, &inv); err != nil || inv.ID == "" {
			return nil, fmt.Errorf("%w: decode invoice", ErrMalformedPayload)
		}
		mapStripeInvoice(ev, event.Type, &inv)
	}

	return ev, nil
}

func mapStripeSubscription(ev *Event, eventType stripelib.EventType, sub *stripeSubscription) {
	ev.SubscriptionID = sub.ID
	ev.OrganizationID = parseOrganizationID(sub.Metadata["organization_id"])
	if sub.Customer != "" {
		ev.Customer = orgs.ExternalCustomerRef{Provider: providers.Stripe, ID: sub.Customer}
	}
	ev.PaymentMethod = "card"

	if len(sub.Items.Data) > 0 {
		price := sub.Items.Data[0].Price
		ev.PlanID = price.ID
		ev.TierHint, ev.PeriodHint = providers.MarkerFromMetadata(price.Metadata)
		if price.Nickname != "" {
			ev.PlanName = price.Nickname
			if price.Recurring != nil {
				ev.PlanName += " " + price.Recurring.Interval + "ly"
			}
		}
	}
	if ev.TierHint == "" {
		ev.TierHint, ev.PeriodHint = providers.MarkerFromMetadata(sub.Metadata)
	}

	switch {
	case eventType == "customer.subscription.deleted":
		ev.Kind = KindCancelled
	case sub.Status == "active" || sub.Status == "trialing":
		// only a paid creation is an activation; trials and updates reconcile alone
		ev.Kind = KindUpdated
		if eventType == "customer.subscription.created" && sub.Status == "active" {
			ev.Kind = KindActivated
		}
		if sub.CancelAt > 0 {
			at := time.Unix(sub.CancelAt, 0).UTC()
			ev.CancelAt = &at
		}
	case sub.Status == "canceled" || sub.Status == "unpaid" || sub.Status == "incomplete_expired":
		ev.Kind = KindCancelled
	}
}

func mapStripeInvoice(ev *Event, eventType stripelib.EventType, inv *stripeInvoice) {
	subID, md := inv.subscription()
	ev.SubscriptionID = subID
	ev.ProviderTransactionID = inv.ID
	ev.OrganizationID = parseOrganizationID(md["organization_id"])
	if inv.Customer != "" {
		ev.Customer = orgs.ExternalCustomerRef{Provider: providers.Stripe, ID: inv.Customer}
	}
	ev.Currency = strings.ToUpper(inv.Currency)
	ev.PaymentMethod = "card"

	if eventType == "invoice.payment_failed" {
		ev.Kind = KindPaymentFailed
		if inv.AmountDue != nil {
			ev.Amount, ev.HasAmount = *inv.AmountDue, true
		}
		if inv.LastFinalizationError != nil {
			ev.FailureReason = inv.LastFinalizationError.Message
		}
		return
	}

	ev.Kind = KindPaymentCompleted
	if inv.AmountPaid != nil {
		ev.Amount, ev.HasAmount = *inv.AmountPaid, true
	}
}
