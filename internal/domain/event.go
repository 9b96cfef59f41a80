// Package domain defines the core types and interfaces for Kestrel.
package domain

import (
	"time"
)

// SourceType identifies where an event came from.
type SourceType string

const (
	// SourceDatasetRecord is a structured record from a compliance dataset
	// (JSON object or CSV row).
	SourceDatasetRecord SourceType = "dataset_record"

	// SourceLogLine is a single application log line.
	SourceLogLine SourceType = "log_line"
)

// RawInput is an unparsed input as it arrives at the ingestion boundary.
type RawInput struct {
	SourceType SourceType        `json:"sourceType"`
	TenantID   string            `json:"tenantId"`
	EntityID   string            `json:"entityId,omitempty"`
	Timestamp  string            `json:"timestamp,omitempty"`
	Payload    []byte            `json:"payload"`
	Headers    []string          `json:"headers,omitempty"` // CSV column names, if known
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// Event is the canonical, immutable representation of a single observation.
// Produced by the normalizer; consumed by every downstream stage.
type Event struct {
	ID         string         `json:"id"`
	TenantID   string         `json:"tenantId"`
	EntityID   string         `json:"entityId"`
	SourceType SourceType     `json:"sourceType"`
	Timestamp  time.Time      `json:"timestamp"`
	Attributes map[string]any `json:"attributes"`
	RawPayload []byte         `json:"-"`
}

// Attr returns a typed attribute or the zero value if absent.
func (e *Event) Attr(name string) any {
	if e.Attributes == nil {
		return nil
	}
	return e.Attributes[name]
}

// StringAttr returns an attribute as a string, or "" if absent or not a string.
func (e *Event) StringAttr(name string) string {
	if v, ok := e.Attr(name).(string); ok {
		return v
	}
	return ""
}

// NumberAttr returns an attribute as a float64 when it holds a numeric value.
func (e *Event) NumberAttr(name string) (float64, bool) {
	switch v := e.Attr(name).(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	}
	return 0, false
}

// QuarantinedInput is a rejected raw input stored for operator review.
type QuarantinedInput struct {
	ID         string     `json:"id"`
	TenantID   string     `json:"tenantId"`
	SourceType SourceType `json:"sourceType"`
	Reason     string     `json:"reason"`
	Payload    []byte     `json:"payload"`
	ReceivedAt time.Time  `json:"receivedAt"`
}
