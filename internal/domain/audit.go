package domain

import (
	"time"
)

// DecisionType classifies what kind of decision an audit record captures.
type DecisionType string

const (
	DecisionRuleEvaluation DecisionType = "rule_evaluation"
	DecisionAnomalySignal  DecisionType = "anomaly_signal"
	DecisionScoreChange    DecisionType = "score_change"
	DecisionAlertEmitted   DecisionType = "alert_emitted"
)

// AuditRecord is one append-only entry in the per-entity audit trail.
// SequenceNo is monotonic per entity; (EventID, DecisionType) is the
// idempotency key, so replaying an event never duplicates a record.
type AuditRecord struct {
	SequenceNo   int64        `json:"sequenceNo"`
	TenantID     string       `json:"tenantId"`
	EntityID     string       `json:"entityId"`
	EventID      string       `json:"eventId"`
	DecisionType DecisionType `json:"decisionType"`
	Payload      []byte       `json:"payload"`
	RecordedAt   time.Time    `json:"recordedAt"`
}

// Decision is the input to the audit recorder: one decision made by a
// pipeline stage about one event.
type Decision struct {
	EventID      string
	DecisionType DecisionType
	Payload      any
}
