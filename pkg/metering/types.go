package metering

import (
	"math"
	"time"

	"github.com/platinummonkey/tollgate/pkg/plans"
)

// Unbounded is reported as Limit and Remaining when nothing caps usage
const Unbounded int64 = math.MaxInt64

// UnknownResourcePolicy decides checks for resources a plan does not meter
type UnknownResourcePolicy string

const (
	PolicyAllow UnknownResourcePolicy = "allow"
	PolicyDeny  UnknownResourcePolicy = "deny"
)

// Valid reports whether p is a known policy
func (p UnknownResourcePolicy) Valid() bool {
	return p == PolicyAllow || p == PolicyDeny
}

// Decision is the outcome of a usage check. A denial is a normal outcome,
// not an error.
type Decision struct {
	Allowed   bool               `json:"allowed"`
	Remaining int64              `json:"remaining"`
	Limit     int64              `json:"limit"`
	Used      int64              `json:"used"`
	Resource  string             `json:"resource"`
	Kind      plans.ResourceKind `json:"kind,omitempty"`
	ResetAt   *time.Time         `json:"reset_at,omitempty"`
	// Degraded is set when the window counter was unreachable and the check
	// failed open. Used is unknown and reported as zero.
	Degraded bool `json:"degraded,omitempty"`
}

// UsageReport is a read-only view of one resource's consumption
type UsageReport struct {
	Resource  string             `json:"resource"`
	Kind      plans.ResourceKind `json:"kind,omitempty"`
	Used      int64              `json:"used"`
	Limit     int64              `json:"limit"`
	Remaining int64              `json:"remaining"`
	ResetAt   *time.Time         `json:"reset_at,omitempty"`
	Degraded  bool               `json:"degraded,omitempty"`
}

func remaining(limit, used int64) int64 {
	if limit < 0 || limit == Unbounded {
		return Unbounded
	}
	if used >= limit {
		return 0
	}
	return limit - used
}

func reportedLimit(limit int64) int64 {
	if limit < 0 {
		return Unbounded
	}
	return limit
}
