package domain

import (
	"context"
	"time"
)

// Repository is the persistence boundary for the pipeline.
// All methods take a tenantID for strict tenant isolation.
type Repository interface {
	// Event persistence (query interface support)
	SaveEvent(ctx context.Context, tenantID string, ev *Event) error
	RecentEvents(ctx context.Context, tenantID string, limit int) ([]*Event, error)

	// Violations
	SaveViolation(ctx context.Context, tenantID string, v *Violation) error
	RecentViolations(ctx context.Context, tenantID, entityID string, limit int) ([]*Violation, error)

	// Anomaly signals
	SaveAnomalySignal(ctx context.Context, tenantID string, sig *AnomalySignal) error
	RecentAnomalySignals(ctx context.Context, tenantID, entityID string, limit int) ([]*AnomalySignal, error)

	// Risk state snapshots
	SaveRiskState(ctx context.Context, tenantID string, state *EntityRiskState) error
	GetRiskState(ctx context.Context, tenantID, entityID string) (*EntityRiskState, error)

	// Alerts
	SaveAlert(ctx context.Context, tenantID string, alert *Alert) error
	RecentAlerts(ctx context.Context, tenantID string, limit int) ([]*Alert, error)

	// Audit trail: append-only, idempotent on (event_id, decision_type).
	// InsertAuditRecord returns ErrDuplicateRecord when the idempotency key
	// already exists for the entity.
	InsertAuditRecord(ctx context.Context, tenantID string, rec *AuditRecord) error
	MaxAuditSequence(ctx context.Context, tenantID, entityID string) (int64, error)
	ListAuditRecords(ctx context.Context, tenantID, entityID string, fromSeq int64, limit int) ([]*AuditRecord, error)

	// Quarantine sink
	SaveQuarantined(ctx context.Context, tenantID string, q *QuarantinedInput) error
	RecentQuarantined(ctx context.Context, tenantID string, limit int) ([]*QuarantinedInput, error)

	// Health check
	Ping(ctx context.Context) error

	// Lifecycle
	Close() error
}

// RepositoryConfig holds configuration for repository initialization.
type RepositoryConfig struct {
	// Driver is the database driver: "sqlite" or "postgres"
	Driver string

	// SQLite specific
	SQLitePath string

	// PostgreSQL specific
	PostgresHost     string
	PostgresPort     int
	PostgresUser     string
	PostgresPassword string
	PostgresDB       string
	PostgresSSLMode  string

	// Connection pool settings
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}
