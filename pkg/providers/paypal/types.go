package paypal

// Money is a PayPal amount with a decimal string value
type Money struct {
	CurrencyCode string `json:"currency_code"`
	Value        string `json:"value"`
}

// Product is a catalog product that plans hang off
type Product struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Type        string `json:"type"`
	Category    string `json:"category,omitempty"`
}

// Frequency is a billing cycle interval
type Frequency struct {
	IntervalUnit  string `json:"interval_unit"`
	IntervalCount int    `json:"interval_count"`
}

// PricingScheme holds the fixed price of a billing cycle
type PricingScheme struct {
	FixedPrice Money `json:"fixed_price"`
}

// BillingCycle is one cycle of a plan
type BillingCycle struct {
	Frequency     Frequency     `json:"frequency"`
	TenureType    string        `json:"tenure_type"`
	Sequence      int           `json:"sequence"`
	TotalCycles   int           `json:"total_cycles"`
	PricingScheme PricingScheme `json:"pricing_scheme"`
}

// PaymentPreferences controls failed payment handling on a plan
type PaymentPreferences struct {
	AutoBillOutstanding     bool `json:"auto_bill_outstanding"`
	PaymentFailureThreshold int  `json:"payment_failure_threshold"`
}

// Plan is a billing plan
type Plan struct {
	ID                 string              `json:"id,omitempty"`
	ProductID          string              `json:"product_id"`
	Name               string              `json:"name"`
	Description        string              `json:"description,omitempty"`
	Status             string              `json:"status,omitempty"`
	BillingCycles      []BillingCycle      `json:"billing_cycles,omitempty"`
	PaymentPreferences *PaymentPreferences `json:"payment_preferences,omitempty"`
}

// Link is a HATEOAS link
type Link struct {
	Href   string `json:"href"`
	Rel    string `json:"rel"`
	Method string `json:"method,omitempty"`
}

// Subscription is a billing subscription
type Subscription struct {
	ID       string `json:"id"`
	PlanID   string `json:"plan_id"`
	Status   string `json:"status"`
	CustomID string `json:"custom_id,omitempty"`
	Links    []Link `json:"links,omitempty"`
}

// ApproveURL returns the link the payer follows to approve the subscription
func (s *Subscription) ApproveURL() string {
	for _, l := range s.Links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

// Capture is a captured payment on an order
type Capture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount Money  `json:"amount"`
}

// Order is a checkout order
type Order struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		CustomID string `json:"custom_id,omitempty"`
		Payments struct {
			Captures []Capture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

// Captures flattens every capture of the order
func (o *Order) Captures() []Capture {
	var out []Capture
	for _, pu := range o.PurchaseUnits {
		out = append(out, pu.Payments.Captures...)
	}
	return out
}
