package domain

import (
	"fmt"
	"regexp"
	"time"

	"github.com/shopspring/decimal"
)

// Feature names a metered capability.
type Feature string

const (
	FeatureFoodDetection Feature = "food_detection"
	FeatureMealPlanning  Feature = "meal_planning"
	FeatureAIKitchen     Feature = "ai_kitchen"
)

// KnownFeatures lists the features plans define limits for.
func KnownFeatures() []Feature {
	return []Feature{FeatureFoodDetection, FeatureMealPlanning, FeatureAIKitchen}
}

var featurePattern = regexp.MustCompile(`^[a-z][a-z0-9_]{0,63}$`)

// ParseFeature validates a feature name. Names outside KnownFeatures are
// accepted; plans simply give them no allowance.
func ParseFeature(name string) (Feature, error) {
	if !featurePattern.MatchString(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidFeature, name)
	}
	return Feature(name), nil
}

// Unlimited marks a limit without a cap.
const Unlimited = -1

// Plan IDs.
const (
	PlanFree     = "free"
	PlanWeekly   = "weekly"
	PlanTwoWeeks = "two_weeks"
	PlanMonthly  = "monthly"
)

// Plan is a purchasable (or free) bundle of feature limits.
type Plan struct {
	ID           string
	Name         string
	Description  string
	DurationDays int
	BillingCycle string
	Prices       map[string]decimal.Decimal
	Limits       map[Feature]int
	Active       bool
}

// IsPaid reports whether the plan grants a time-boxed subscription.
func (p Plan) IsPaid() bool {
	return p.DurationDays > 0
}

// Duration is the length of one subscription period.
func (p Plan) Duration() time.Duration {
	return time.Duration(p.DurationDays) * 24 * time.Hour
}

// Limit returns the allowance for feature. Features the plan does not
// mention get nothing.
func (p Plan) Limit(feature Feature) int {
	limit, ok := p.Limits[feature]
	if !ok {
		return 0
	}
	return limit
}

// PriceIn returns the list price in currency.
func (p Plan) PriceIn(currency string) (decimal.Decimal, bool) {
	price, ok := p.Prices[currency]
	return price, ok
}
