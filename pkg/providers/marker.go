package providers

import (
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/platinummonkey/meter/pkg/pricing"
)

// ErrInvalidSignature is returned when a webhook signature does not verify
var ErrInvalidSignature = errors.New("invalid webhook signature")

// Plan markers are embedded in provider-side plan descriptions, notes and
// metadata when a plan is created, so the tier can be read back without
// guessing from the display name.
const (
	TierMarkerKey   = "meter_tier"
	PeriodMarkerKey = "meter_period"
)

var markerPattern = regexp.MustCompile(`(?i)meter_(tier|period)\s*=\s*([a-z]+)`)

// PlanMarker renders the structured marker for a tier and period
func PlanMarker(tier pricing.Tier, period pricing.Period) string {
	return fmt.Sprintf("%s=%s %s=%s", TierMarkerKey, tier, PeriodMarkerKey, period)
}

// ParsePlanMarker extracts a tier and period from text carrying a plan
// marker. Either value is empty when absent or unknown.
func ParsePlanMarker(text string) (pricing.Tier, pricing.Period) {
	var tier pricing.Tier
	var period pricing.Period
	for _, m := range markerPattern.FindAllStringSubmatch(text, -1) {
		switch strings.ToLower(m[1]) {
		case "tier":
			if t, err := pricing.ParseTier(m[2]); err == nil {
				tier = t
			}
		case "period":
			if p, err := pricing.ParsePeriod(m[2]); err == nil {
				period = p
			}
		}
	}
	return tier, period
}

// MarkerFromMetadata reads the marker keys from a provider notes or
// metadata map
func MarkerFromMetadata(md map[string]string) (pricing.Tier, pricing.Period) {
	var tier pricing.Tier
	var period pricing.Period
	if t, err := pricing.ParseTier(md[TierMarkerKey]); err == nil {
		tier = t
	}
	if p, err := pricing.ParsePeriod(md[PeriodMarkerKey]); err == nil {
		period = p
	}
	return tier, period
}
