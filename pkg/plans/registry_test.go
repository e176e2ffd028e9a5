package plans

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultRegistry(t *testing.T) {
	r := DefaultRegistry()

	t.Run("lists plans by ascending price", func(t *testing.T) {
		list := r.ListPlans()
		require.Len(t, list, 4)
		assert.Equal(t, TierBasic, list[0].Tier)
		assert.Equal(t, TierProfessional, list[1].Tier)
		assert.Equal(t, TierAPI, list[2].Tier)
		assert.Equal(t, TierEnterprise, list[3].Tier)
		for i := 1; i < len(list); i++ {
			assert.LessOrEqual(t, list[i-1].MonthlyPriceCents, list[i].MonthlyPriceCents)
		}
	})

	t.Run("returns plan prices in cents", func(t *testing.T) {
		basic, err := r.GetPlan(TierBasic)
		require.NoError(t, err)
		monthly, err := basic.Price(CycleMonthly)
		require.NoError(t, err)
		annual, err := basic.Price(CycleAnnual)
		require.NoError(t, err)
		assert.Equal(t, int64(4900), monthly)
		assert.Equal(t, int64(49000), annual)

		_, err = basic.Price("weekly")
		assert.Error(t, err)
	})

	t.Run("unknown tier", func(t *testing.T) {
		_, err := r.GetPlan("platinum")
		assert.True(t, errors.Is(err, ErrUnknownTier))
	})

	t.Run("trial tiers", func(t *testing.T) {
		pro, err := r.GetPlan(TierProfessional)
		require.NoError(t, err)
		assert.True(t, pro.HasTrial())
		assert.Equal(t, 14, pro.TrialDays)

		basic, err := r.GetPlan(TierBasic)
		require.NoError(t, err)
		assert.False(t, basic.HasTrial())
	})

	t.Run("resource kinds", func(t *testing.T) {
		res, ok := r.Resource(ResourceAPIRequests)
		require.True(t, ok)
		assert.Equal(t, KindRolling, res.Kind)
		assert.Equal(t, time.Hour, res.Window)

		res, ok = r.Resource(ResourceIndicators)
		require.True(t, ok)
		assert.Equal(t, KindCumulative, res.Kind)

		_, ok = r.Resource("exports")
		assert.False(t, ok)
	})
}

func TestRegistryIsImmutable(t *testing.T) {
	r := DefaultRegistry()

	plan, err := r.GetPlan(TierBasic)
	require.NoError(t, err)
	plan.Limits[ResourceIndicators] = 9999

	list := r.ListPlans()
	list[0].Limits[ResourceIndicators] = 9999

	again, err := r.GetPlan(TierBasic)
	require.NoError(t, err)
	limit, ok := again.Limit(ResourceIndicators)
	require.True(t, ok)
	assert.Equal(t, int64(5), limit)
}

func TestNewRegistryValidation(t *testing.T) {
	resources := DefaultResources()

	tests := []struct {
		name      string
		resources []Resource
		plans     []Plan
		wantErr   string
	}{
		{
			name:      "no plans",
			resources: resources,
			wantErr:   "no plans",
		},
		{
			name:      "duplicate tier",
			resources: resources,
			plans:     []Plan{{Tier: TierBasic}, {Tier: TierBasic}},
			wantErr:   "duplicate plan tier",
		},
		{
			name:      "negative price",
			resources: resources,
			plans:     []Plan{{Tier: TierBasic, MonthlyPriceCents: -1}},
			wantErr:   "negative price",
		},
		{
			name:      "unknown resource limit",
			resources: resources,
			plans:     []Plan{{Tier: TierBasic, Limits: map[string]int64{"exports": 1}}},
			wantErr:   "unknown resource",
		},
		{
			name:      "rolling resource without window",
			resources: []Resource{{Name: "calls", Kind: KindRolling}},
			plans:     []Plan{{Tier: TierBasic}},
			wantErr:   "positive window",
		},
		{
			name:      "invalid kind",
			resources: []Resource{{Name: "calls", Kind: "sometimes"}},
			plans:     []Plan{{Tier: TierBasic}},
			wantErr:   "invalid kind",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewRegistry(tt.resources, tt.plans)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestListPlansTieBreak(t *testing.T) {
	r, err := NewRegistry(DefaultResources(), []Plan{
		{Tier: "zeta", MonthlyPriceCents: 100},
		{Tier: "alpha", MonthlyPriceCents: 100},
		{Tier: "free", MonthlyPriceCents: 0},
	})
	require.NoError(t, err)

	list := r.ListPlans()
	assert.Equal(t, []Tier{"free", "alpha", "zeta"}, []Tier{list[0].Tier, list[1].Tier, list[2].Tier})
	assert.Equal(t, "usd", list[0].Currency)
}

const testCatalogue = `
resources:
  - name: api_requests
    kind: rolling
    window: 1h
  - name: indicators
    kind: cumulative
plans:
  - tier: basic
    name: Basic
    monthly_price_cents: 4900
    annual_price_cents: 49000
    limits:
      api_requests: 5
      indicators: 5
  - tier: professional
    name: Professional
    monthly_price_cents: 19900
    annual_price_cents: 199000
    trial_days: 14
    limits:
      api_requests: -1
      indicators: 50
`

func TestParse(t *testing.T) {
	r, err := Parse([]byte(testCatalogue))
	require.NoError(t, err)

	basic, err := r.GetPlan(TierBasic)
	require.NoError(t, err)
	limit, ok := basic.Limit(ResourceAPIRequests)
	require.True(t, ok)
	assert.Equal(t, int64(5), limit)

	pro, err := r.GetPlan(TierProfessional)
	require.NoError(t, err)
	limit, _ = pro.Limit(ResourceAPIRequests)
	assert.Equal(t, Unlimited, limit)

	res, ok := r.Resource(ResourceAPIRequests)
	require.True(t, ok)
	assert.Equal(t, time.Hour, res.Window)

	_, ok = r.Resource(ResourceDashboards)
	assert.False(t, ok)
}

func TestParseErrors(t *testing.T) {
	_, err := Parse([]byte("plans: [: nope"))
	assert.Error(t, err)

	_, err = Parse([]byte(`
resources:
  - name: api_requests
    kind: rolling
    window: soon
plans:
  - tier: basic
`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid window")
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "plans.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalogue), 0o600))

	r, err := LoadFile(path)
	require.NoError(t, err)
	assert.Len(t, r.ListPlans(), 2)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestBillingCycleNext(t *testing.T) {
	start := time.Date(2026, 1, 15, 0, 0, 0, 0, time.UTC)
	assert.Equal(t, time.Date(2026, 2, 15, 0, 0, 0, 0, time.UTC), CycleMonthly.Next(start))
	assert.Equal(t, time.Date(2027, 1, 15, 0, 0, 0, 0, time.UTC), CycleAnnual.Next(start))
	assert.True(t, CycleAnnual.Valid())
	assert.False(t, BillingCycle("weekly").Valid())
}
