package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/platinummonkey/meter/pkg/providers/razorpay"
)

// razorpayNotes decodes Razorpay notes, which arrive as [] when empty
type razorpayNotes map[string]string

func (n *razorpayNotes) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '[' {
		*n = nil
		return nil
	}
	m := map[string]any{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	out := make(razorpayNotes, len(m))
	for k, v := range m {
		out[k] = fmt.Sprint(v)
	}
	*n = out
	return nil
}

type razorpayEnvelope struct {
	Event   string `json:"event"`
	Payload struct {
		Subscription *struct {
			Entity razorpaySubscription `json:"entity"`
		} `json:"subscription"`
		Payment *struct {
			Entity razorpayPayment `json:"entity"`
		} `json:"payment"`
	} `json:"payload"`
}

type razorpaySubscription struct {
	ID         string        `json:"id"`
	PlanID     string        `json:"plan_id"`
	CustomerID string        `json:"customer_id"`
	Status     string        `json:"status"`
	Notes      razorpayNotes `json:"notes"`
}

type razorpayPayment struct {
	ID               string        `json:"id"`
	Amount           *int64        `json:"amount"`
	Currency         string        `json:"currency"`
	Method           string        `json:"method"`
	CustomerID       string        `json:"customer_id"`
	SubscriptionID   string        `json:"subscription_id"`
	ErrorDescription string        `json:"error_description"`
	Notes            razorpayNotes `json:"notes"`
}

var razorpayKinds = map[string]Kind{
	"subscription.activated": KindActivated,
	"subscription.cancelled": KindCancelled,
	"subscription.completed": KindCancelled,
	"payment.captured":       KindPaymentCompleted,
	"subscription.charged":   KindPaymentCompleted,
	"payment.failed":         KindPaymentFailed,
}

// RazorpayMapper parses Razorpay webhook events
type RazorpayMapper struct{}

// Provider implements Mapper
func (RazorpayMapper) Provider() providers.Provider { return providers.Razorpay }

// Parse implements Mapper
func (RazorpayMapper) Parse(header http.Header, body []byte) (*Event, error) {
	var env razorpayEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.Event == "" {
		return nil, fmt.Errorf("%w: missing event", ErrMalformedPayload)
	}

	ev := &Event{
		Provider: providers.Razorpay,
		ID:       header.Get(razorpay.HeaderEventID),
		Type:     env.Event,
		Kind:     razorpayKinds[env.Event],
		Raw:      body,
	}
	if ev.Kind == "" {
		ev.Kind = KindIgnored
		return ev, nil
	}

	var sub *razorpaySubscription
	if env.Payload.Subscription != nil {
		sub = &env.Payload.Subscription.Entity
	}
	var pay *razorpayPayment
	if env.Payload.Payment != nil {
		pay = &env.Payload.Payment.Entity
	}

	customer := ""
	switch {
	case sub != nil && sub.CustomerID != "":
		customer = sub.CustomerID
	case pay != nil:
		customer = pay.CustomerID
	}
	if customer != "" {
		ev.Customer = orgs.ExternalCustomerRef{Provider: providers.Razorpay, ID: customer}
	}

	switch ev.Kind {
	case KindActivated, KindCancelled:
		if sub == nil || sub.ID == "" {
			return nil, fmt.Errorf("%w: subscription entity missing", ErrMalformedPayload)
		}
		ev.SubscriptionID = sub.ID
		ev.PlanID = sub.PlanID
		ev.OrganizationID = parseOrganizationID(sub.Notes["organization_id"])
		ev.TierHint, ev.PeriodHint = providers.MarkerFromMetadata(sub.Notes)

	case KindPaymentCompleted, KindPaymentFailed:
		if pay == nil || pay.ID == "" {
			return nil, fmt.Errorf("%w: payment entity missing", ErrMalformedPayload)
		}
		ev.ProviderTransactionID = pay.ID
		ev.PaymentMethod = pay.Method
		ev.Currency = strings.ToUpper(pay.Currency)
		if pay.Amount != nil {
			ev.Amount, ev.HasAmount = *pay.Amount, true
		}
		ev.FailureReason = pay.ErrorDescription
		ev.SubscriptionID = pay.SubscriptionID
		if sub != nil && sub.ID != "" {
			ev.SubscriptionID = sub.ID
		}
		ev.OrganizationID = parseOrganizationID(pay.Notes["organization_id"])
		if ev.OrganizationID == 0 && sub != nil {
			ev.OrganizationID = parseOrganizationID(sub.Notes["organization_id"])
		}
	}

	return ev, nil
}
