// Package pricing holds the compiled-in subscription tier table.
//
// A single *Table is built at process start and injected into every consumer
// (reconciler, quota guard, webhook mapper, billing service). Nothing else in
// the module declares tier limits.
package pricing

import (
	"fmt"
	"strings"
)

// Tier represents a subscription level
type Tier string

const (
	TierFree     Tier = "FREE"
	TierStandard Tier = "STANDARD"
	TierTeam     Tier = "TEAM"
	TierPro      Tier = "PRO"
	TierUltimate Tier = "ULTIMATE"
)

// Period represents a billing period
type Period string

const (
	PeriodMonthly Period = "MONTHLY"
	PeriodYearly  Period = "YEARLY"
)

// Feature is a metered resource counted against a monthly limit
type Feature string

const (
	FeaturePosts    Feature = "posts"
	FeatureAIImages Feature = "ai_images"
	FeatureAIVideos Feature = "ai_videos"
)

// Unlimited is the sentinel used for "no cap". Compare with IsUnlimited,
// never treat it as a literal limit.
const Unlimited int64 = 1_000_000

// IsUnlimited reports whether a limit carries the unlimited sentinel
func IsUnlimited(limit int64) bool {
	return limit >= Unlimited
}

// orderedTiers lists tiers from lowest to highest
var orderedTiers = []Tier{TierFree, TierStandard, TierTeam, TierPro, TierUltimate}

// Tiers returns every known tier, lowest first
func Tiers() []Tier {
	out := make([]Tier, len(orderedTiers))
	copy(out, orderedTiers)
	return out
}

// Valid reports whether t is one of the fixed tiers
func (t Tier) Valid() bool {
	return t.Rank() >= 0
}

// Rank returns the position of the tier in the upgrade order, or -1
func (t Tier) Rank() int {
	for i, tier := range orderedTiers {
		if tier == t {
			return i
		}
	}
	return -1
}

// Valid reports whether p is MONTHLY or YEARLY
func (p Period) Valid() bool {
	return p == PeriodMonthly || p == PeriodYearly
}

// ParseTier parses a tier name case-insensitively
func ParseTier(s string) (Tier, error) {
	t := Tier(strings.ToUpper(strings.TrimSpace(s)))
	if !t.Valid() {
		return "", &UnknownTierError{Tier: s}
	}
	return t, nil
}

// ParsePeriod parses a billing period case-insensitively
func ParsePeriod(s string) (Period, error) {
	p := Period(strings.ToUpper(strings.TrimSpace(s)))
	if !p.Valid() {
		return "", fmt.Errorf("unknown billing period: %q", s)
	}
	return p, nil
}

// UnknownTierError is returned when a tier is not in the fixed set
type UnknownTierError struct {
	Tier string
}

func (e *UnknownTierError) Error() string {
	return fmt.Sprintf("unknown subscription tier: %q", e.Tier)
}

// IsUnknownTier checks if an error is an UnknownTierError
func IsUnknownTier(err error) bool {
	_, ok := err.(*UnknownTierError)
	return ok
}

// Plan describes the limits and prices of one tier. Prices are whole
// currency units; use PriceCents for ledger amounts.
type Plan struct {
	Tier             Tier  `json:"tier"`
	MonthPrice       int64 `json:"month_price"`
	YearPrice        int64 `json:"year_price"`
	Channels         int64 `json:"channels"`
	PostsPerMonth    int64 `json:"posts_per_month"`
	AIImagesPerMonth int64 `json:"ai_images_per_month"`
	AIVideosPerMonth int64 `json:"ai_videos_per_month"`
	MaxTeamMembers   int64 `json:"max_team_members"`
	Webhooks         int64 `json:"webhooks"`

	TeamMembers       bool `json:"team_members"`
	AI                bool `json:"ai"`
	AutoPost          bool `json:"auto_post"`
	PublicAPI         bool `json:"public_api"`
	Import            bool `json:"import"`
	CommunityFeatures bool `json:"community_features"`
	Featured          bool `json:"featured"`
	ImageGenerator    bool `json:"image_generator"`
}

// Price returns the price for the given period in whole currency units
func (p Plan) Price(period Period) int64 {
	if period == PeriodYearly {
		return p.YearPrice
	}
	return p.MonthPrice
}

// PriceCents returns the price for the given period in minor currency units
func (p Plan) PriceCents(period Period) int64 {
	return p.Price(period) * 100
}

// Limit returns the monthly limit for a metered feature
func (p Plan) Limit(feature Feature) (int64, error) {
	switch feature {
	case FeaturePosts:
		return p.PostsPerMonth, nil
	case FeatureAIImages:
		return p.AIImagesPerMonth, nil
	case FeatureAIVideos:
		return p.AIVideosPerMonth, nil
	default:
		return 0, fmt.Errorf("unknown feature: %q", feature)
	}
}

// Table is an immutable tier lookup
type Table struct {
	plans map[Tier]Plan
}

// NewTable builds a table from exactly one plan per tier
func NewTable(plans ...Plan) (*Table, error) {
	t := &Table{plans: make(map[Tier]Plan, len(plans))}
	for _, p := range plans {
		if !p.Tier.Valid() {
			return nil, &UnknownTierError{Tier: string(p.Tier)}
		}
		if _, dup := t.plans[p.Tier]; dup {
			return nil, fmt.Errorf("duplicate plan for tier %s", p.Tier)
		}
		t.plans[p.Tier] = p
	}
	for _, tier := range orderedTiers {
		if _, ok := t.plans[tier]; !ok {
			return nil, fmt.Errorf("missing plan for tier %s", tier)
		}
	}
	return t, nil
}

// LimitsFor returns the plan for a tier. Plan is a value type so callers
// cannot mutate the table through it.
func (t *Table) LimitsFor(tier Tier) (Plan, error) {
	p, ok := t.plans[tier]
	if !ok {
		return Plan{}, &UnknownTierError{Tier: string(tier)}
	}
	return p, nil
}

// MustLimitsFor is LimitsFor for tiers already validated by the caller
func (t *Table) MustLimitsFor(tier Tier) Plan {
	p, err := t.LimitsFor(tier)
	if err != nil {
		panic(err)
	}
	return p
}

// PriceCents returns the price of a tier for a period in minor units
func (t *Table) PriceCents(tier Tier, period Period) (int64, error) {
	p, err := t.LimitsFor(tier)
	if err != nil {
		return 0, err
	}
	return p.PriceCents(period), nil
}

// Default returns the production tier table
func Default() *Table {
	t, err := NewTable(defaultPlans()...)
	if err != nil {
		panic(fmt.Sprintf("pricing: invalid default table: %v", err))
	}
	return t
}

func defaultPlans() []Plan {
	return []Plan{
		{
			Tier:           TierFree,
			Channels:       1,
			PostsPerMonth:  5,
			MaxTeamMembers: 1,
		},
		{
			Tier:             TierStandard,
			MonthPrice:       29,
			YearPrice:        278,
			Channels:         5,
			PostsPerMonth:    200,
			AIImagesPerMonth: 10,
			MaxTeamMembers:   1,
			Webhooks:         2,
			AI:               true,
			PublicAPI:        true,
			Import:           true,
		},
		{
			Tier:              TierTeam,
			MonthPrice:        39,
			YearPrice:         374,
			Channels:          10,
			PostsPerMonth:     Unlimited,
			AIImagesPerMonth:  100,
			AIVideosPerMonth:  10,
			MaxTeamMembers:    10,
			Webhooks:          10,
			TeamMembers:       true,
			AI:                true,
			AutoPost:          true,
			PublicAPI:         true,
			Import:            true,
			CommunityFeatures: true,
			Featured:          true,
			ImageGenerator:    true,
		},
		{
			Tier:              TierPro,
			MonthPrice:        49,
			YearPrice:         470,
			Channels:          20,
			PostsPerMonth:     Unlimited,
			AIImagesPerMonth:  200,
			AIVideosPerMonth:  20,
			MaxTeamMembers:    Unlimited,
			Webhooks:          20,
			TeamMembers:       true,
			AI:                true,
			AutoPost:          true,
			PublicAPI:         true,
			Import:            true,
			CommunityFeatures: true,
			Featured:          true,
			ImageGenerator:    true,
		},
		{
			Tier:              TierUltimate,
			MonthPrice:        99,
			YearPrice:         950,
			Channels:          100,
			PostsPerMonth:     Unlimited,
			AIImagesPerMonth:  500,
			AIVideosPerMonth:  60,
			MaxTeamMembers:    Unlimited,
			Webhooks:          100,
			TeamMembers:       true,
			AI:                true,
			AutoPost:          true,
			PublicAPI:         true,
			Import:            true,
			CommunityFeatures: true,
			Featured:          true,
			ImageGenerator:    true,
		},
	}
}
