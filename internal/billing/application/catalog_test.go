package application

import (
	"testing"

	"github.com/felixgeelhaar/tollgate/internal/billing/domain"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanCatalog(t *testing.T) {
	c := NewPlanCatalog(DefaultPlans()...)

	ids := make([]string, 0, 4)
	for _, p := range c.List() {
		ids = append(ids, p.ID)
	}
	assert.Equal(t, []string{domain.PlanFree, domain.PlanWeekly, domain.PlanTwoWeeks, domain.PlanMonthly}, ids)

	weekly, err := c.Get(domain.PlanWeekly)
	require.NoError(t, err)
	price, ok := weekly.PriceIn("USD")
	require.True(t, ok)
	assert.True(t, price.Equal(decimal.RequireFromString("2.50")))
	assert.Equal(t, domain.Unlimited, weekly.Limit(domain.FeatureAIKitchen))

	_, err = c.Get("lifetime")
	assert.ErrorIs(t, err, domain.ErrPlanNotFound)

	assert.Equal(t, 3, c.Free().Limit(domain.FeatureMealPlanning))
}

func TestPlanCatalog_InactiveHidden(t *testing.T) {
	c := NewPlanCatalog(domain.Plan{ID: "legacy", DurationDays: 7}, domain.Plan{ID: domain.PlanWeekly, DurationDays: 7, Active: true})

	assert.Len(t, c.List(), 1)
	_, err := c.Get("legacy")
	assert.NoError(t, err, "inactive plans still resolve for existing subscribers")
	assert.Equal(t, domain.PlanFree, c.Free().ID)
}

func TestProviderRegistry(t *testing.T) {
	r := NewProviderRegistry()
	r.Register(newFakeProvider(domain.ProviderPaystack, "NGN", "KES"))
	r.Register(newFakeProvider(domain.ProviderMPesa, "KES"))
	assert.Equal(t, 2, r.Len())

	p, err := r.SelectForCurrency("kes", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderPaystack, p.Name())

	// Re-registering keeps the priority slot.
	r.Register(newFakeProvider(domain.ProviderPaystack, "NGN"))
	p, err = r.SelectForCurrency("KES", "")
	require.NoError(t, err)
	assert.Equal(t, domain.ProviderMPesa, p.Name())

	info := r.Describe()
	require.Len(t, info, 2)
	assert.Equal(t, domain.ProviderPaystack, info[0].Name)

	_, err = r.Get(domain.ProviderStripe)
	assert.ErrorIs(t, err, domain.ErrProviderUnavailable)
}
