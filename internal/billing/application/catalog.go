package application

import (
	"fmt"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/shopspring/decimal"
)

// PlanCatalog serves the plans on sale. It is built once at startup.
type PlanCatalog struct {
	plans []domain.Plan
	byID  map[string]domain.Plan
}

// NewPlanCatalog creates a catalog preserving the given order.
func NewPlanCatalog(plans ...domain.Plan) *PlanCatalog {
	c := &PlanCatalog{byID: make(map[string]domain.Plan, len(plans))}
	for _, p := range plans {
		c.plans = append(c.plans, p)
		c.byID[p.ID] = p
	}
	return c
}

// DefaultPlans returns the standard free and paid plans.
func DefaultPlans() []domain.Plan {
	unlimited := func() map[domain.Feature]int {
		return map[domain.Feature]int{
			domain.FeatureFoodDetection: domain.Unlimited,
			domain.FeatureMealPlanning:  domain.Unlimited,
			domain.FeatureAIKitchen:     domain.Unlimited,
		}
	}
	prices := func(usd, kes string) map[string]decimal.Decimal {
		return map[string]decimal.Decimal{
			"USD": decimal.RequireFromString(usd),
			"KES": decimal.RequireFromString(kes),
		}
	}

	return []domain.Plan{
		{
			ID:           domain.PlanFree,
			Name:         "Free Plan",
			Description:  "Free trial with capped access to every feature",
			BillingCycle: "none",
			Prices:       prices("0", "0"),
			Limits: map[domain.Feature]int{
				domain.FeatureFoodDetection: 5,
				domain.FeatureMealPlanning:  3,
				domain.FeatureAIKitchen:     5,
			},
			Active: true,
		},
		{
			ID:           domain.PlanWeekly,
			Name:         "Weekly Plan",
			Description:  "7 days of unlimited access",
			DurationDays: 7,
			BillingCycle: "weekly",
			Prices:       prices("2.50", "325"),
			Limits:       unlimited(),
			Active:       true,
		},
		{
			ID:           domain.PlanTwoWeeks,
			Name:         "Two-Week Plan",
			Description:  "14 days of unlimited access",
			DurationDays: 14,
			BillingCycle: "biweekly",
			Prices:       prices("4.50", "585"),
			Limits:       unlimited(),
			Active:       true,
		},
		{
			ID:           domain.PlanMonthly,
			Name:         "Monthly Plan",
			Description:  "30 days of unlimited access",
			DurationDays: 30,
			BillingCycle: "monthly",
			Prices:       prices("8.00", "1040"),
			Limits:       unlimited(),
			Active:       true,
		},
	}
}

// Get returns the plan with id.
func (c *PlanCatalog) Get(id string) (domain.Plan, error) {
	p, ok := c.byID[id]
	if !ok {
		return domain.Plan{}, fmt.Errorf("%w: %q", domain.ErrPlanNotFound, id)
	}
	return p, nil
}

// List returns active plans in catalog order.
func (c *PlanCatalog) List() []domain.Plan {
	out := make([]domain.Plan, 0, len(c.plans))
	for _, p := range c.plans {
		if p.Active {
			out = append(out, p)
		}
	}
	return out
}

// Free returns the free plan, or a plan without allowances when the
// catalog has none.
func (c *PlanCatalog) Free() domain.Plan {
	if p, ok := c.byID[domain.PlanFree]; ok {
		return p
	}
	return domain.Plan{ID: domain.PlanFree, Name: "Free Plan"}
}
