// Package risk aggregates violations and anomaly signals into a decaying
// weighted risk score per monitored entity.
package risk

import (
	"math"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
)

// Config holds scoring settings, loaded from the rule document.
type Config struct {
	// Weights maps violation severity to its initial score contribution.
	Weights map[domain.Severity]float64 `yaml:"weights"`

	// HalfLifeSeconds maps severity to the contribution's decay half-life.
	// Critical violations decay slowest.
	HalfLifeSeconds map[domain.Severity]float64 `yaml:"half_life_seconds"`

	// AnomalyUnit is the score contributed per unit of |z|.
	AnomalyUnit float64 `yaml:"anomaly_unit"`

	// AnomalyZCap bounds the |z| used for weighting, so a single extreme
	// window cannot dominate the score.
	AnomalyZCap float64 `yaml:"anomaly_z_cap"`

	// AnomalyHalfLifeSeconds is the decay half-life for anomaly factors.
	AnomalyHalfLifeSeconds float64 `yaml:"anomaly_half_life_seconds"`

	// PruneBelow is the decayed weight under which a factor is dropped.
	PruneBelow float64 `yaml:"prune_below"`
}

// Defaults fills zero fields with sensible values.
func (c Config) Defaults() Config {
	if c.Weights == nil {
		c.Weights = map[domain.Severity]float64{}
	}
	defaults := map[domain.Severity]float64{
		domain.SeverityCritical: 40,
		domain.SeverityHigh:     20,
		domain.SeverityMedium:   10,
		domain.SeverityLow:      5,
	}
	for sev, w := range defaults {
		if c.Weights[sev] == 0 {
			c.Weights[sev] = w
		}
	}
	if c.HalfLifeSeconds == nil {
		c.HalfLifeSeconds = map[domain.Severity]float64{}
	}
	halfLives := map[domain.Severity]float64{
		domain.SeverityCritical: 7200,
		domain.SeverityHigh:     3600,
		domain.SeverityMedium:   1800,
		domain.SeverityLow:      900,
	}
	for sev, hl := range halfLives {
		if c.HalfLifeSeconds[sev] == 0 {
			c.HalfLifeSeconds[sev] = hl
		}
	}
	if c.AnomalyUnit == 0 {
		c.AnomalyUnit = 2
	}
	if c.AnomalyZCap == 0 {
		c.AnomalyZCap = 10
	}
	if c.AnomalyHalfLifeSeconds == 0 {
		c.AnomalyHalfLifeSeconds = 1800
	}
	if c.PruneBelow == 0 {
		c.PruneBelow = 0.01
	}
	return c
}

func (c Config) lambda(sev domain.Severity) float64 {
	return math.Ln2 / c.HalfLifeSeconds[sev]
}

func (c Config) anomalyLambda() float64 {
	return math.Ln2 / c.AnomalyHalfLifeSeconds
}

// ViolationFactor builds the risk factor a violation contributes. Also used
// when rebuilding an entity's factors from its audit trail, with at set to
// the record's timestamp.
func (c Config) ViolationFactor(v domain.Violation, at time.Time) domain.RiskFactor {
	return domain.RiskFactor{
		Source:    domain.ContributionViolation,
		RefID:     v.ID,
		Severity:  v.Severity,
		Weight:    c.Weights[v.Severity],
		AddedAt:   at,
		DecayRate: c.lambda(v.Severity),
	}
}

// AnomalyFactor builds the risk factor an anomaly signal contributes,
// capping the z-score so one wild reading cannot dominate the score.
func (c Config) AnomalyFactor(sig domain.AnomalySignal, at time.Time) domain.RiskFactor {
	z := math.Abs(sig.ZScore)
	if z > c.AnomalyZCap {
		z = c.AnomalyZCap
	}
	return domain.RiskFactor{
		Source:    domain.ContributionAnomaly,
		RefID:     sig.MetricName,
		Weight:    z * c.AnomalyUnit,
		AddedAt:   at,
		DecayRate: c.anomalyLambda(),
	}
}

// Scorer owns the risk state of the entities routed to its shard.
//
// A Scorer instance is owned by exactly one pipeline shard: all updates for
// one entity are serialized there, so decay-then-add is never interleaved.
type Scorer struct {
	cfg    Config
	states map[string]*domain.EntityRiskState // key: tenant|entity
}

// NewScorer creates a scorer with the given configuration.
func NewScorer(cfg Config) *Scorer {
	return &Scorer{
		cfg:    cfg.Defaults(),
		states: make(map[string]*domain.EntityRiskState),
	}
}

// Reconfigure applies new settings on rule document reload. Existing factors
// keep the decay rate they were created with.
func (s *Scorer) Reconfigure(cfg Config) {
	s.cfg = cfg.Defaults()
}

// Apply decays the entity's existing factors, adds the new contributions,
// and returns the updated state. A negative or non-finite resulting score is
// a StateCorruptionError; the caller reinitializes the entity from the audit
// trail.
func (s *Scorer) Apply(tenantID, entityID string, violations []domain.Violation, signals []domain.AnomalySignal, now time.Time) (*domain.EntityRiskState, error) {
	state := s.state(tenantID, entityID)

	s.compact(state, now)

	for _, v := range violations {
		state.Factors = append(state.Factors, s.cfg.ViolationFactor(v, now))
	}
	for _, sig := range signals {
		state.Factors = append(state.Factors, s.cfg.AnomalyFactor(sig, now))
	}

	state.Score = s.score(state, now)
	state.LastUpdated = now

	if math.IsNaN(state.Score) || math.IsInf(state.Score, 0) || state.Score < 0 {
		return nil, &domain.StateCorruptionError{
			EntityID: entityID,
			Detail:   "score out of range after update",
		}
	}

	return snapshot(state), nil
}

// State returns the entity's current decayed state without mutating it.
// Unknown entities have a zero score.
func (s *Scorer) State(tenantID, entityID string, now time.Time) *domain.EntityRiskState {
	key := tenantID + "|" + entityID
	state, ok := s.states[key]
	if !ok {
		return &domain.EntityRiskState{TenantID: tenantID, EntityID: entityID, LastUpdated: now}
	}
	out := snapshot(state)
	out.Score = s.score(state, now)
	return out
}

// Reinitialize replaces an entity's state with factors rebuilt from the
// audit trail (shard recovery after a StateCorruptionError).
func (s *Scorer) Reinitialize(tenantID, entityID string, factors []domain.RiskFactor, now time.Time) *domain.EntityRiskState {
	state := &domain.EntityRiskState{
		TenantID: tenantID,
		EntityID: entityID,
		Factors:  factors,
	}
	s.compact(state, now)
	state.Score = s.score(state, now)
	state.LastUpdated = now
	if state.Score < 0 || math.IsNaN(state.Score) {
		state.Factors = nil
		state.Score = 0
	}
	s.states[tenantID+"|"+entityID] = state
	return snapshot(state)
}

// EntityCount returns how many entities this scorer tracks.
func (s *Scorer) EntityCount() int {
	return len(s.states)
}

func (s *Scorer) state(tenantID, entityID string) *domain.EntityRiskState {
	key := tenantID + "|" + entityID
	state, ok := s.states[key]
	if !ok {
		state = &domain.EntityRiskState{TenantID: tenantID, EntityID: entityID}
		s.states[key] = state
	}
	return state
}

// compact drops factors whose decayed weight fell below the negligible
// threshold, bounding the factor list. Lazy garbage collection: no timers.
func (s *Scorer) compact(state *domain.EntityRiskState, now time.Time) {
	kept := state.Factors[:0]
	for _, f := range state.Factors {
		if f.DecayedWeight(now) >= s.cfg.PruneBelow {
			kept = append(kept, f)
		}
	}
	state.Factors = kept
}

func (s *Scorer) score(state *domain.EntityRiskState, now time.Time) float64 {
	var sum float64
	for _, f := range state.Factors {
		w := f.DecayedWeight(now)
		if w >= s.cfg.PruneBelow {
			sum += w
		}
	}
	return sum
}

func snapshot(state *domain.EntityRiskState) *domain.EntityRiskState {
	out := *state
	out.Factors = make([]domain.RiskFactor, len(state.Factors))
	copy(out.Factors, state.Factors)
	return &out
}
