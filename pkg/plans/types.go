package plans

import (
	"errors"
	"fmt"
	"time"
)

// ErrUnknownTier is returned when a tier is not in the catalogue
var ErrUnknownTier = errors.New("unknown tier")

// Tier identifies a subscription level
type Tier string

const (
	TierBasic        Tier = "basic"
	TierProfessional Tier = "professional"
	TierEnterprise   Tier = "enterprise"
	TierAPI          Tier = "api"
)

// BillingCycle is how often a subscription is charged
type BillingCycle string

const (
	CycleMonthly BillingCycle = "monthly"
	CycleAnnual  BillingCycle = "annual"
)

// Valid reports whether the cycle is known
func (c BillingCycle) Valid() bool {
	return c == CycleMonthly || c == CycleAnnual
}

// Next returns the end of a period of this cycle starting at start
func (c BillingCycle) Next(start time.Time) time.Time {
	if c == CycleAnnual {
		return start.AddDate(1, 0, 0)
	}
	return start.AddDate(0, 1, 0)
}

// ResourceKind determines how a usage counter resets
type ResourceKind string

const (
	// KindRolling counters reset automatically when their window elapses
	KindRolling ResourceKind = "rolling"
	// KindCumulative counters persist until explicitly decremented
	KindCumulative ResourceKind = "cumulative"
)

// Well-known resource types
const (
	ResourceAPIRequests = "api_requests"
	ResourceIndicators  = "indicators"
	ResourceDashboards  = "dashboards"
	ResourceAlerts      = "alerts"
)

// Unlimited marks a plan limit with no ceiling
const Unlimited int64 = -1

// Resource describes a metered resource type
type Resource struct {
	Name   string        `json:"name" yaml:"name"`
	Kind   ResourceKind  `json:"kind" yaml:"kind"`
	Window time.Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

// ReportFrequency is how often scheduled reports are produced for a tier
type ReportFrequency string

const (
	ReportDaily   ReportFrequency = "daily"
	ReportWeekly  ReportFrequency = "weekly"
	ReportMonthly ReportFrequency = "monthly"
)

// Plan is one tier of the catalogue. Prices are in minor currency units.
type Plan struct {
	Tier              Tier             `json:"tier" yaml:"tier"`
	Name              string           `json:"name" yaml:"name"`
	MonthlyPriceCents int64            `json:"monthly_price_cents" yaml:"monthly_price_cents"`
	AnnualPriceCents  int64            `json:"annual_price_cents" yaml:"annual_price_cents"`
	Currency          string           `json:"currency" yaml:"currency"`
	TrialDays         int              `json:"trial_days" yaml:"trial_days"`
	RetentionDays     int              `json:"retention_days" yaml:"retention_days"`
	ReportFrequency   ReportFrequency  `json:"report_frequency" yaml:"report_frequency"`
	Limits            map[string]int64 `json:"limits" yaml:"limits"`
}

// Price returns the amount charged per billing cycle
func (p Plan) Price(cycle BillingCycle) (int64, error) {
	switch cycle {
	case CycleMonthly:
		return p.MonthlyPriceCents, nil
	case CycleAnnual:
		return p.AnnualPriceCents, nil
	default:
		return 0, fmt.Errorf("invalid billing cycle: %q", cycle)
	}
}

// Limit returns the plan limit for a resource. ok is false when the plan does
// not meter the resource at all.
func (p Plan) Limit(resource string) (limit int64, ok bool) {
	limit, ok = p.Limits[resource]
	return limit, ok
}

// HasTrial reports whether new subscriptions start in the trialing state
func (p Plan) HasTrial() bool {
	return p.TrialDays > 0
}

func (p Plan) clone() Plan {
	limits := make(map[string]int64, len(p.Limits))
	for k, v := range p.Limits {
		limits[k] = v
	}
	p.Limits = limits
	return p
}
