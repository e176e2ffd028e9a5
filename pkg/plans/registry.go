package plans

import (
	"fmt"
	"sort"
)

// Registry is a read-only view of the plan catalogue
type Registry struct {
	plans     map[Tier]Plan
	ordered   []Plan
	resources map[string]Resource
}

// NewRegistry validates and indexes a catalogue
func NewRegistry(resources []Resource, plans []Plan) (*Registry, error) {
	r := &Registry{
		plans:     make(map[Tier]Plan, len(plans)),
		resources: make(map[string]Resource, len(resources)),
	}

	for _, res := range resources {
		if res.Name == "" {
			return nil, fmt.Errorf("resource name is required")
		}
		if _, exists := r.resources[res.Name]; exists {
			return nil, fmt.Errorf("duplicate resource: %s", res.Name)
		}
		switch res.Kind {
		case KindRolling:
			if res.Window <= 0 {
				return nil, fmt.Errorf("rolling resource %s requires a positive window", res.Name)
			}
		case KindCumulative:
		default:
			return nil, fmt.Errorf("resource %s has invalid kind %q", res.Name, res.Kind)
		}
		r.resources[res.Name] = res
	}

	if len(plans) == 0 {
		return nil, fmt.Errorf("catalogue has no plans")
	}

	for _, p := range plans {
		if p.Tier == "" {
			return nil, fmt.Errorf("plan tier is required")
		}
		if _, exists := r.plans[p.Tier]; exists {
			return nil, fmt.Errorf("duplicate plan tier: %s", p.Tier)
		}
		if p.MonthlyPriceCents < 0 || p.AnnualPriceCents < 0 {
			return nil, fmt.Errorf("plan %s has a negative price", p.Tier)
		}
		if p.TrialDays < 0 {
			return nil, fmt.Errorf("plan %s has negative trial days", p.Tier)
		}
		if p.Currency == "" {
			p.Currency = "usd"
		}
		for name := range p.Limits {
			if _, ok := r.resources[name]; !ok {
				return nil, fmt.Errorf("plan %s limits unknown resource %s", p.Tier, name)
			}
		}
		p = p.clone()
		r.plans[p.Tier] = p
		r.ordered = append(r.ordered, p)
	}

	sort.SliceStable(r.ordered, func(i, j int) bool {
		if r.ordered[i].MonthlyPriceCents != r.ordered[j].MonthlyPriceCents {
			return r.ordered[i].MonthlyPriceCents < r.ordered[j].MonthlyPriceCents
		}
		return r.ordered[i].Tier < r.ordered[j].Tier
	})

	return r, nil
}

// GetPlan returns the plan for a tier
func (r *Registry) GetPlan(tier Tier) (Plan, error) {
	p, ok := r.plans[tier]
	if !ok {
		return Plan{}, fmt.Errorf("%w: %s", ErrUnknownTier, tier)
	}
	return p.clone(), nil
}

// ListPlans returns every plan ordered by ascending monthly price
func (r *Registry) ListPlans() []Plan {
	out := make([]Plan, len(r.ordered))
	for i, p := range r.ordered {
		out[i] = p.clone()
	}
	return out
}

// Resource looks up a metered resource type
func (r *Registry) Resource(name string) (Resource, bool) {
	res, ok := r.resources[name]
	return res, ok
}

// Resources returns the resource catalogue sorted by name
func (r *Registry) Resources() []Resource {
	out := make([]Resource, 0, len(r.resources))
	for _, res := range r.resources {
		out = append(out, res)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
