package paypal

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/platinummonkey/meter/pkg/providers"
)

// GetPlan fetches a billing plan
func (c *Client) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	if planID == "" {
		return nil, fmt.Errorf("plan id is required")
	}
	var plan Plan
	if err := c.do(ctx, http.MethodGet, "/v1/billing/plans/"+url.PathEscape(planID), nil, &plan); err != nil {
		return nil, err
	}
	return &plan, nil
}

// PlanName returns the plan's name for tier inference. The description is
// free text, so only a structured marker found in it is appended.
func (c *Client) PlanName(ctx context.Context, planID string) (string, error) {
	plan, err := c.GetPlan(ctx, planID)
	if err != nil {
		return "", err
	}
	name := strings.TrimSpace(plan.Name)
	if tier, period := providers.ParsePlanMarker(plan.Description); tier != "" {
		name += " " + providers.PlanMarker(tier, period)
	}
	return name, nil
}

// CreateProduct creates the catalog product plans are attached to
func (c *Client) CreateProduct(ctx context.Context, name, description string) (*Product, error) {
	in := Product{
		Name:        name,
		Description: description,
		Type:        "SERVICE",
		Category:    "SOFTWARE",
	}
	var out Product
	if err := c.do(ctx, http.MethodPost, "/v1/catalogs/products", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// CreatePlan creates a recurring plan for a tier. The description carries
// the tier and period marker.
func (c *Client) CreatePlan(ctx context.Context, productID string, plan pricing.Plan, period pricing.Period) (*Plan, error) {
	unit, label := "MONTH", "Monthly"
	if period == pricing.PeriodYearly {
		unit, label = "YEAR", "Yearly"
	}

	in := Plan{
		ProductID:   productID,
		Name:        fmt.Sprintf("%s Plan (%s)", plan.Tier, label),
		Description: providers.PlanMarker(plan.Tier, period),
		Status:      "ACTIVE",
		BillingCycles: []BillingCycle{{
			Frequency:   Frequency{IntervalUnit: unit, IntervalCount: 1},
			TenureType:  "REGULAR",
			Sequence:    1,
			TotalCycles: 0,
			PricingScheme: PricingScheme{
				FixedPrice: Money{CurrencyCode: "USD", Value: FormatAmount(plan.PriceCents(period))},
			},
		}},
		PaymentPreferences: &PaymentPreferences{
			AutoBillOutstanding:     true,
			PaymentFailureThreshold: 3,
		},
	}

	var out Plan
	if err := c.do(ctx, http.MethodPost, "/v1/billing/plans", in, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
