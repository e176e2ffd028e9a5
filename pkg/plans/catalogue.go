package plans

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultResources is the built-in resource catalogue
func DefaultResources() []Resource {
	return []Resource{
		{Name: ResourceAPIRequests, Kind: KindRolling, Window: time.Hour},
		{Name: ResourceIndicators, Kind: KindCumulative},
		{Name: ResourceDashboards, Kind: KindCumulative},
		{Name: ResourceAlerts, Kind: KindCumulative},
	}
}

// DefaultPlans is the built-in tier catalogue
func DefaultPlans() []Plan {
	return []Plan{
		{
			Tier:              TierBasic,
			Name:              "Basic",
			MonthlyPriceCents: 4900,
			AnnualPriceCents:  49000,
			Currency:          "usd",
			RetentionDays:     30,
			ReportFrequency:   ReportMonthly,
			Limits: map[string]int64{
				ResourceAPIRequests: 1000,
				ResourceIndicators:  5,
				ResourceDashboards:  1,
				ResourceAlerts:      5,
			},
		},
		{
			Tier:              TierProfessional,
			Name:              "Professional",
			MonthlyPriceCents: 19900,
			AnnualPriceCents:  199000,
			Currency:          "usd",
			TrialDays:         14,
			RetentionDays:     90,
			ReportFrequency:   ReportWeekly,
			Limits: map[string]int64{
				ResourceAPIRequests: 10000,
				ResourceIndicators:  50,
				ResourceDashboards:  10,
				ResourceAlerts:      50,
			},
		},
		{
			Tier:              TierAPI,
			Name:              "API",
			MonthlyPriceCents: 29900,
			AnnualPriceCents:  299000,
			Currency:          "usd",
			RetentionDays:     90,
			ReportFrequency:   ReportDaily,
			Limits: map[string]int64{
				ResourceAPIRequests: 100000,
				ResourceIndicators:  1000,
				ResourceDashboards:  100,
				ResourceAlerts:      500,
			},
		},
		{
			Tier:              TierEnterprise,
			Name:              "Enterprise",
			MonthlyPriceCents: 99900,
			AnnualPriceCents:  999000,
			Currency:          "usd",
			TrialDays:         14,
			RetentionDays:     365,
			ReportFrequency:   ReportDaily,
			Limits: map[string]int64{
				ResourceAPIRequests: 50000,
				ResourceIndicators:  1000,
				ResourceDashboards:  100,
				ResourceAlerts:      500,
			},
		},
	}
}

// DefaultRegistry returns the built-in catalogue
func DefaultRegistry() *Registry {
	r, err := NewRegistry(DefaultResources(), DefaultPlans())
	if err != nil {
		panic(fmt.Sprintf("built-in plan catalogue is invalid: %v", err))
	}
	return r
}

// catalogueFile is the on-disk YAML layout
type catalogueFile struct {
	Resources []resourceFile `yaml:"resources"`
	Plans     []Plan         `yaml:"plans"`
}

type resourceFile struct {
	Name   string       `yaml:"name"`
	Kind   ResourceKind `yaml:"kind"`
	Window string       `yaml:"window"`
}

// Parse builds a registry from a YAML catalogue. When the document declares no
// resources the built-in resource catalogue is used.
func Parse(data []byte) (*Registry, error) {
	var file catalogueFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to parse plan catalogue: %w", err)
	}

	resources := DefaultResources()
	if len(file.Resources) > 0 {
		resources = make([]Resource, 0, len(file.Resources))
		for _, rf := range file.Resources {
			res := Resource{Name: rf.Name, Kind: rf.Kind}
			if rf.Window != "" {
				window, err := time.ParseDuration(rf.Window)
				if err != nil {
					return nil, fmt.Errorf("resource %s has invalid window %q: %w", rf.Name, rf.Window, err)
				}
				res.Window = window
			}
			resources = append(resources, res)
		}
	}

	return NewRegistry(resources, file.Plans)
}

// LoadFile reads a YAML catalogue from disk
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read plan catalogue: %w", err)
	}
	return Parse(data)
}
