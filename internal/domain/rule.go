package domain

import (
	"time"
)

// Severity classifies how serious a violation is.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Valid reports whether s is one of the known severities.
func (s Severity) Valid() bool {
	switch s {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return true
	}
	return false
}

// Rank returns an ordering value for severity comparison (higher is worse).
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	}
	return 0
}

// RuleConfig defines a single compliance rule.
// The predicate is a CEL expression over event attributes; a true result
// means the rule is violated.
type RuleConfig struct {
	ID          string   `json:"id" yaml:"id"`
	Version     string   `json:"version" yaml:"version"`
	Name        string   `json:"name" yaml:"name"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
	Predicate   string   `json:"predicate" yaml:"when"`
	Severity    Severity `json:"severity" yaml:"severity"`
	Enabled     bool     `json:"enabled" yaml:"enabled"`
}

// Violation records that an event violated a rule.
// Immutable once created.
type Violation struct {
	ID          string    `json:"id"`
	TenantID    string    `json:"tenantId"`
	EventID     string    `json:"eventId"`
	EntityID    string    `json:"entityId"`
	RuleID      string    `json:"ruleId"`
	RuleVersion string    `json:"ruleVersion"`
	Severity    Severity  `json:"severity"`
	Reason      string    `json:"reason,omitempty"`
	DetectedAt  time.Time `json:"detectedAt"`
}

// AnomalySignal records a statistical deviation for one entity metric.
// Emitted by the anomaly detector when the z-score against the closed
// baseline window exceeds the configured threshold.
type AnomalySignal struct {
	TenantID       string    `json:"tenantId"`
	EntityID       string    `json:"entityId"`
	WindowID       int64     `json:"windowId"`
	MetricName     string    `json:"metricName"`
	ObservedValue  float64   `json:"observedValue"`
	BaselineMean   float64   `json:"baselineMean"`
	BaselineStddev float64   `json:"baselineStddev"`
	ZScore         float64   `json:"zScore"`
	DetectedAt     time.Time `json:"detectedAt"`
}
