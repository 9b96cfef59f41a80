package domain

import (
	"math"
	"time"
)

// ContributionSource identifies what produced a risk contribution.
type ContributionSource string

const (
	ContributionViolation ContributionSource = "violation"
	ContributionAnomaly   ContributionSource = "anomaly"
)

// RiskFactor is a single weighted contribution to an entity's risk score.
// The stored weight is the initial weight; the effective weight decays
// exponentially with age and is computed lazily.
type RiskFactor struct {
	Source    ContributionSource `json:"source"`
	RefID     string             `json:"refId"` // violation ID or metric name
	Severity  Severity           `json:"severity,omitempty"`
	Weight    float64            `json:"weight"`
	AddedAt   time.Time          `json:"addedAt"`
	DecayRate float64            `json:"decayRate"` // lambda, per second
}

// DecayedWeight returns the factor's effective weight at time now.
func (f *RiskFactor) DecayedWeight(now time.Time) float64 {
	age := now.Sub(f.AddedAt).Seconds()
	if age <= 0 {
		return f.Weight
	}
	return f.Weight * math.Exp(-f.DecayRate*age)
}

// EntityRiskState holds the current risk posture of one monitored entity.
// Exclusively owned and mutated by the entity's pipeline shard.
type EntityRiskState struct {
	TenantID    string       `json:"tenantId"`
	EntityID    string       `json:"entityId"`
	Score       float64      `json:"score"`
	LastUpdated time.Time    `json:"lastUpdated"`
	Factors     []RiskFactor `json:"factors"`
}

// Alert is an emitted, immutable alert for one entity.
type Alert struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	EntityID    string    `json:"entityId"`
	Severity    Severity  `json:"severity"`
	Score       float64   `json:"score"`
	ViolationID string    `json:"violationId,omitempty"`
	Reason      string    `json:"reason"`
	DedupKey    string    `json:"dedupKey"`
	CreatedAt   time.Time `json:"createdAt"`
}
