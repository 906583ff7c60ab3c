package webhooks

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/platinummonkey/meter/pkg/orgs"
	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/platinummonkey/meter/pkg/providers/paypal"
)

type paypalEnvelope struct {
	ID           string          `json:"id"`
	EventType    string          `json:"event_type"`
	ResourceType string          `json:"resource_type"`
	Resource     json.RawMessage `json:"resource"`
}

type paypalAmount struct {
	// sale resources use total/currency, capture resources value/currency_code
	Total        string `json:"total"`
	Currency     string `json:"currency"`
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

func (a *paypalAmount) parse() (int64, string, bool) {
	if a == nil {
		return 0, "", false
	}
	value, currency := a.Value, a.CurrencyCode
	if value == "" {
		value, currency = a.Total, a.Currency
	}
	cents, err := paypal.ParseAmount(value)
	if err != nil {
		return 0, "", false
	}
	return cents, strings.ToUpper(currency), true
}

type paypalResource struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	PlanID   string `json:"plan_id"`
	CustomID string `json:"custom_id"`
	// Custom is the sale resource's spelling of custom_id
	Custom string `json:"custom"`
	Plan   *struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	} `json:"plan"`
	Subscriber *struct {
		PayerID string `json:"payer_id"`
	} `json:"subscriber"`
	Payer *struct {
		PayerID   string `json:"payer_id"`
		PayerInfo *struct {
			PayerID string `json:"payer_id"`
		} `json:"payer_info"`
	} `json:"payer"`
	BillingAgreementID string        `json:"billing_agreement_id"`
	Amount             *paypalAmount `json:"amount"`
	StatusDetails      *struct {
		Reason string `json:"reason"`
	} `json:"status_details"`
	BillingInfo *struct {
		LastFailedPayment *struct {
			Amount     *paypalAmount `json:"amount"`
			ReasonCode string        `json:"reason_code"`
		} `json:"last_failed_payment"`
	} `json:"billing_info"`
	SupplementaryData *struct {
		RelatedIDs struct {
			SubscriptionID string `json:"subscription_id"`
		} `json:"related_ids"`
	} `json:"supplementary_data"`
	ReasonCode string     `json:"reason_code"`
	StopTime   *time.Time `json:"stop_time"`
}

func (r *paypalResource) payerID() string {
	switch {
	case r.Subscriber != nil && r.Subscriber.PayerID != "":
		return r.Subscriber.PayerID
	case r.Payer != nil && r.Payer.PayerID != "":
		return r.Payer.PayerID
	case r.Payer != nil && r.Payer.PayerInfo != nil:
		return r.Payer.PayerInfo.PayerID
	}
	return ""
}

var paypalKinds = map[string]Kind{
	"BILLING.SUBSCRIPTION.ACTIVATED":      KindActivated,
	"BILLING.SUBSCRIPTION.RE-ACTIVATED":   KindUpdated,
	"BILLING.SUBSCRIPTION.UPDATED":        KindUpdated,
	"BILLING.SUBSCRIPTION.CANCELLED":      KindCancelled,
	"BILLING.SUBSCRIPTION.EXPIRED":        KindCancelled,
	"PAYMENT.SALE.COMPLETED":              KindPaymentCompleted,
	"PAYMENT.CAPTURE.COMPLETED":           KindPaymentCompleted,
	"BILLING.SUBSCRIPTION.PAYMENT.FAILED": KindPaymentFailed,
	"PAYMENT.SALE.DENIED":                 KindPaymentFailed,
	"PAYMENT.CAPTURE.DENIED":              KindPaymentFailed,
}

// PayPalMapper parses PayPal webhook events
type PayPalMapper struct{}

// Provider implements Mapper
func (PayPalMapper) Provider() providers.Provider { return providers.PayPal }

// Parse implements Mapper
func (PayPalMapper) Parse(_ http.Header, body []byte) (*Event, error) {
	var env paypalEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if env.EventType == "" {
		return nil, fmt.Errorf("%w: missing event_type", ErrMalformedPayload)
	}

	ev := &Event{
		Provider: providers.PayPal,
		ID:       env.ID,
		Type:     env.EventType,
		Kind:     paypalKinds[env.EventType],
		Raw:      body,
	}
	if ev.Kind == "" {
		ev.Kind = KindIgnored
		return ev, nil
	}

	var res paypalResource
	if len(env.Resource) == 0 || json.Unmarshal(env.Resource, &res) != nil {
		return nil, fmt.Errorf("%w: missing resource", ErrMalformedPayload)
	}

	if payer := res.payerID(); payer != "" {
		ev.Customer = orgs.ExternalCustomerRef{Provider: providers.PayPal, ID: payer}
	}
	custom := res.CustomID
	if custom == "" {
		custom = res.Custom
	}
	ev.OrganizationID = parseOrganizationID(custom)
	ev.PaymentMethod = "paypal"

	switch ev.Kind {
	case KindActivated, KindUpdated, KindCancelled:
		if res.ID == "" {
			return nil, fmt.Errorf("%w: subscription id missing", ErrMalformedPayload)
		}
		ev.SubscriptionID = res.ID
		ev.PlanID = res.PlanID
		if res.Plan != nil {
			ev.PlanName = strings.TrimSpace(res.Plan.Name)
			// the description is free text; only a structured marker in it counts
			ev.TierHint, ev.PeriodHint = providers.ParsePlanMarker(res.Plan.Description)
		}
		// UPDATED fires for suspensions too; only an active subscription is reconciled
		if ev.Kind == KindUpdated && res.Status != "" && res.Status != "ACTIVE" {
			ev.Kind = KindIgnored
		}

	case KindPaymentCompleted:
		if res.ID == "" {
			return nil, fmt.Errorf("%w: payment id missing", ErrMalformedPayload)
		}
		ev.ProviderTransactionID = res.ID
		ev.SubscriptionID = res.BillingAgreementID
		if ev.SubscriptionID == "" && res.SupplementaryData != nil {
			ev.SubscriptionID = res.SupplementaryData.RelatedIDs.SubscriptionID
		}
		ev.Amount, ev.Currency, ev.HasAmount = res.Amount.parse()

	case KindPaymentFailed:
		if strings.HasPrefix(env.EventType, "BILLING.SUBSCRIPTION.") {
			ev.SubscriptionID = res.ID
			if res.BillingInfo != nil && res.BillingInfo.LastFailedPayment != nil {
				failed := res.BillingInfo.LastFailedPayment
				ev.Amount, ev.Currency, ev.HasAmount = failed.Amount.parse()
				ev.FailureReason = failed.ReasonCode
			}
		} else {
			ev.ProviderTransactionID = res.ID
			ev.SubscriptionID = res.BillingAgreementID
			ev.Amount, ev.Currency, ev.HasAmount = res.Amount.parse()
			ev.FailureReason = res.ReasonCode
			if res.StatusDetails != nil && res.StatusDetails.Reason != "" {
				ev.FailureReason = res.StatusDetails.Reason
			}
		}
		if ev.SubscriptionID == "" && ev.Customer.IsZero() && ev.OrganizationID == 0 {
			return nil, fmt.Errorf("%w: no subscription or payer", ErrMalformedPayload)
		}
	}

	return ev, nil
}
