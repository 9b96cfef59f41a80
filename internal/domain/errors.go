package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrDuplicateRecord is returned by the audit sink when the
	// (event_id, decision_type) idempotency key already exists.
	ErrDuplicateRecord = errors.New("duplicate audit record")

	// ErrQueueFull is returned when the ingest queue rejects an event
	// under backpressure.
	ErrQueueFull = errors.New("ingest queue full")
)

// MalformedInputError describes a raw input that could not be normalized.
// These inputs are quarantined and never abort the pipeline.
type MalformedInputError struct {
	SourceType SourceType
	Reason     string
}

func (e *MalformedInputError) Error() string {
	return fmt.Sprintf("malformed %s input: %s", e.SourceType, e.Reason)
}

// IsMalformedInput reports whether err is a MalformedInputError.
func IsMalformedInput(err error) bool {
	var m *MalformedInputError
	return errors.As(err, &m)
}

// DeliveryError wraps a failed publish to an external sink.
// Deliveries are retried with bounded backoff and never block scoring.
type DeliveryError struct {
	Sink    string
	Attempt int
	Err     error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery to %s failed (attempt %d): %v", e.Sink, e.Attempt, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// StateCorruptionError signals that an entity's risk state violated an
// invariant (e.g. a negative score). Fatal for that entity only: the shard
// reinitializes the state from the audit trail.
type StateCorruptionError struct {
	EntityID string
	Detail   string
}

func (e *StateCorruptionError) Error() string {
	return fmt.Sprintf("risk state corrupted for entity %s: %s", e.EntityID, e.Detail)
}
