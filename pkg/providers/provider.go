// Package providers names the payment providers the billing core talks to.
// Provider-specific API clients live in the paypal, razorpay and stripe
// subpackages.
package providers

import "strings"

// Provider identifies a payment provider
type Provider string

const (
	PayPal   Provider = "PAYPAL"
	Razorpay Provider = "RAZORPAY"
	Stripe   Provider = "STRIPE"
	Manual   Provider = "MANUAL"
)

// Valid reports whether p is a known provider
func (p Provider) Valid() bool {
	switch p {
	case PayPal, Razorpay, Stripe, Manual:
		return true
	}
	return false
}

// Lower returns the lowercase form used in URLs and metric labels
func (p Provider) Lower() string {
	return strings.ToLower(string(p))
}

// Parse parses a provider name case-insensitively. Unknown names return "".
func Parse(s string) Provider {
	p := Provider(strings.ToUpper(strings.TrimSpace(s)))
	if p.Valid() {
		return p
	}
	return ""
}
