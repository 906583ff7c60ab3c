package orgs

import (
	"testing"

	"github.com/platinummonkey/meter/pkg/providers"
	"github.com/stretchr/testify/assert"
)

func TestParseLegacyCustomerID(t *testing.T) {
	tests := []struct {
		in   string
		want ExternalCustomerRef
	}{
		{"paypal_P1", ExternalCustomerRef{Provider: providers.PayPal, ID: "P1"}},
		{"cus_123", ExternalCustomerRef{Provider: providers.Stripe, ID: "cus_123"}},
		{"cust_abc", ExternalCustomerRef{Provider: providers.Razorpay, ID: "cust_abc"}},
		{"opaque", ExternalCustomerRef{ID: "opaque"}},
		{"", ExternalCustomerRef{}},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLegacyCustomerID(tt.in))
		})
	}
}

func TestExternalCustomerRef_Legacy(t *testing.T) {
	assert.Equal(t, "paypal_P1", ExternalCustomerRef{Provider: providers.PayPal, ID: "P1"}.Legacy())
	assert.Equal(t, "cus_1", ExternalCustomerRef{Provider: providers.Stripe, ID: "cus_1"}.Legacy())
	assert.True(t, ExternalCustomerRef{}.IsZero())
}

func TestOrganization_CustomerReference(t *testing.T) {
	t.Run("typed reference wins", func(t *testing.T) {
		org := &Organization{
			ExternalCustomerID: "paypal_OLD",
			CustomerRef:        &ExternalCustomerRef{Provider: providers.Stripe, ID: "cus_new"},
		}
		assert.Equal(t, "cus_new", org.CustomerReference().ID)
	})

	t.Run("falls back to legacy column", func(t *testing.T) {
		org := &Organization{ExternalCustomerID: "paypal_P9"}
		ref := org.CustomerReference()
		assert.Equal(t, providers.PayPal, ref.Provider)
		assert.Equal(t, "P9", ref.ID)
	})
}
