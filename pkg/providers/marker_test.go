package providers

import (
	"testing"

	"github.com/platinummonkey/meter/pkg/pricing"
	"github.com/stretchr/testify/assert"
)

func TestPlanMarker_RoundTrip(t *testing.T) {
	text := "Team plan billed yearly. " + PlanMarker(pricing.TierTeam, pricing.PeriodYearly)
	tier, period := ParsePlanMarker(text)
	assert.Equal(t, pricing.TierTeam, tier)
	assert.Equal(t, pricing.PeriodYearly, period)
}

func TestParsePlanMarker(t *testing.T) {
	tests := []struct {
		text   string
		tier   pricing.Tier
		period pricing.Period
	}{
		{"meter_tier=pro", pricing.TierPro, ""},
		{"METER_TIER = ultimate meter_period=monthly", pricing.TierUltimate, pricing.PeriodMonthly},
		{"meter_tier=gold", "", ""},
		{"Non-Standard Offer", "", ""},
		{"", "", ""},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			tier, period := ParsePlanMarker(tt.text)
			assert.Equal(t, tt.tier, tier)
			assert.Equal(t, tt.period, period)
		})
	}
}

func TestMarkerFromMetadata(t *testing.T) {
	tier, period := MarkerFromMetadata(map[string]string{"meter_tier": "STANDARD", "meter_period": "YEARLY"})
	assert.Equal(t, pricing.TierStandard, tier)
	assert.Equal(t, pricing.PeriodYearly, period)

	tier, period = MarkerFromMetadata(nil)
	assert.Empty(t, tier)
	assert.Empty(t, period)
}
