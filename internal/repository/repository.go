// Package repository provides data persistence implementations.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/opensource-grc/kestrel/internal/domain"
)

var (
	ErrNotFound     = errors.New("record not found")
	ErrInvalidInput = errors.New("invalid input")
)

// SQLRepository implements domain.Repository using database/sql.
// Works with both SQLite and PostgreSQL drivers.
type SQLRepository struct {
	db     *sql.DB
	driver string
}

// New creates a new repository based on configuration.
func New(cfg domain.RepositoryConfig) (domain.Repository, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "sqlite":
		db, err = openSQLite(cfg)
	case "postgres":
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", cfg.Driver)
	}

	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}

	repo := &SQLRepository{
		db:     db,
		driver: cfg.Driver,
	}

	// Run migrations
	if err := repo.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return repo, nil
}

func (r *SQLRepository) migrate() error {
	for _, schema := range AllSchemas() {
		if _, err := r.db.Exec(schema); err != nil {
			return err
		}
	}
	return nil
}

// SaveEvent stores a normalized event with tenant isolation. Saving the
// same event twice is a no-op: event IDs are content-derived, so a replay
// hits the primary key instead of duplicating the row.
func (r *SQLRepository) SaveEvent(ctx context.Context, tenantID string, ev *domain.Event) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	attrs, _ := json.Marshal(ev.Attributes)

	query := `
		INSERT INTO events (
			id, tenant_id, entity_id, source_type, timestamp, attributes, created_at
		) VALUES (?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		ev.ID, tenantID, ev.EntityID, string(ev.SourceType),
		ev.Timestamp, string(attrs),
	)
	return err
}

// RecentEvents retrieves the most recently ingested events for a tenant.
func (r *SQLRepository) RecentEvents(ctx context.Context, tenantID string, limit int) ([]*domain.Event, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, source_type, timestamp, attributes
		FROM events
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.Event
	for rows.Next() {
		var ev domain.Event
		var sourceType, attrs string

		if err := rows.Scan(
			&ev.ID, &ev.TenantID, &ev.EntityID, &sourceType,
			&ev.Timestamp, &attrs,
		); err != nil {
			return nil, err
		}

		ev.SourceType = domain.SourceType(sourceType)
		if attrs != "" {
			json.Unmarshal([]byte(attrs), &ev.Attributes)
		}
		events = append(events, &ev)
	}

	return events, rows.Err()
}

// SaveViolation stores a rule violation with tenant isolation.
func (r *SQLRepository) SaveViolation(ctx context.Context, tenantID string, v *domain.Violation) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO violations (
			id, tenant_id, event_id, entity_id, rule_id, rule_version,
			severity, reason, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		v.ID, tenantID, v.EventID, v.EntityID, v.RuleID, v.RuleVersion,
		string(v.Severity), v.Reason, v.DetectedAt,
	)
	return err
}

// RecentViolations retrieves the latest violations, optionally filtered to
// one entity. An empty entityID returns violations across the tenant.
func (r *SQLRepository) RecentViolations(ctx context.Context, tenantID, entityID string, limit int) ([]*domain.Violation, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, event_id, entity_id, rule_id, rule_version,
			   severity, reason, detected_at
		FROM violations
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []*domain.Violation
	for rows.Next() {
		var v domain.Violation
		var severity string

		if err := rows.Scan(
			&v.ID, &v.TenantID, &v.EventID, &v.EntityID, &v.RuleID,
			&v.RuleVersion, &severity, &v.Reason, &v.DetectedAt,
		); err != nil {
			return nil, err
		}

		v.Severity = domain.Severity(severity)
		violations = append(violations, &v)
	}

	return violations, rows.Err()
}

// SaveAnomalySignal stores an anomaly signal. One signal per
// (entity, metric, window); re-saving the same window is a no-op.
func (r *SQLRepository) SaveAnomalySignal(ctx context.Context, tenantID string, sig *domain.AnomalySignal) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO anomaly_signals (
			tenant_id, entity_id, window_id, metric_name, observed_value,
			baseline_mean, baseline_stddev, z_score, detected_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT DO NOTHING
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, sig.EntityID, sig.WindowID, sig.MetricName, sig.ObservedValue,
		sig.BaselineMean, sig.BaselineStddev, sig.ZScore, sig.DetectedAt,
	)
	return err
}

// RecentAnomalySignals retrieves the latest anomaly signals, optionally
// filtered to one entity.
func (r *SQLRepository) RecentAnomalySignals(ctx context.Context, tenantID, entityID string, limit int) ([]*domain.AnomalySignal, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, entity_id, window_id, metric_name, observed_value,
			   baseline_mean, baseline_stddev, z_score, detected_at
		FROM anomaly_signals
		WHERE tenant_id = ?
	`
	args := []any{tenantID}
	if entityID != "" {
		query += " AND entity_id = ?"
		args = append(args, entityID)
	}
	query += " ORDER BY detected_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := r.db.QueryContext(ctx, r.rebind(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []*domain.AnomalySignal
	for rows.Next() {
		var sig domain.AnomalySignal

		if err := rows.Scan(
			&sig.TenantID, &sig.EntityID, &sig.WindowID, &sig.MetricName,
			&sig.ObservedValue, &sig.BaselineMean, &sig.BaselineStddev,
			&sig.ZScore, &sig.DetectedAt,
		); err != nil {
			return nil, err
		}
		signals = append(signals, &sig)
	}

	return signals, rows.Err()
}

// SaveRiskState upserts an entity's risk state snapshot.
func (r *SQLRepository) SaveRiskState(ctx context.Context, tenantID string, state *domain.EntityRiskState) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	factors, _ := json.Marshal(state.Factors)

	query := `
		INSERT INTO risk_states (tenant_id, entity_id, score, factors, last_updated)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, entity_id) DO UPDATE SET
			score = excluded.score,
			factors = excluded.factors,
			last_updated = excluded.last_updated
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, state.EntityID, state.Score, string(factors), state.LastUpdated,
	)
	return err
}

// GetRiskState retrieves an entity's stored risk state. Returns ErrNotFound
// for entities that have never been scored.
func (r *SQLRepository) GetRiskState(ctx context.Context, tenantID, entityID string) (*domain.EntityRiskState, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, entity_id, score, factors, last_updated
		FROM risk_states
		WHERE tenant_id = ? AND entity_id = ?
	`

	var state domain.EntityRiskState
	var factors string

	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID).Scan(
		&state.TenantID, &state.EntityID, &state.Score, &factors, &state.LastUpdated,
	)

	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	if factors != "" {
		json.Unmarshal([]byte(factors), &state.Factors)
	}

	return &state, nil
}

// SaveAlert stores an emitted alert.
func (r *SQLRepository) SaveAlert(ctx context.Context, tenantID string, alert *domain.Alert) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO alerts (
			id, tenant_id, entity_id, severity, score, violation_id,
			reason, dedup_key, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		alert.ID, tenantID, alert.EntityID, string(alert.Severity), alert.Score,
		alert.ViolationID, alert.Reason, alert.DedupKey, alert.CreatedAt,
	)
	return err
}

// RecentAlerts retrieves the latest alerts for a tenant.
func (r *SQLRepository) RecentAlerts(ctx context.Context, tenantID string, limit int) ([]*domain.Alert, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, entity_id, severity, score, violation_id,
			   reason, dedup_key, created_at
		FROM alerts
		WHERE tenant_id = ?
		ORDER BY created_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var alerts []*domain.Alert
	for rows.Next() {
		var a domain.Alert
		var severity string

		if err := rows.Scan(
			&a.ID, &a.TenantID, &a.EntityID, &severity, &a.Score,
			&a.ViolationID, &a.Reason, &a.DedupKey, &a.CreatedAt,
		); err != nil {
			return nil, err
		}

		a.Severity = domain.Severity(severity)
		alerts = append(alerts, &a)
	}

	return alerts, rows.Err()
}

// InsertAuditRecord appends one audit record. A record whose
// (event_id, decision_type) already exists for the entity returns
// domain.ErrDuplicateRecord without writing anything.
func (r *SQLRepository) InsertAuditRecord(ctx context.Context, tenantID string, rec *domain.AuditRecord) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO audit_records (
			tenant_id, entity_id, sequence_no, event_id, decision_type,
			payload, recorded_at
		) VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		tenantID, rec.EntityID, rec.SequenceNo, rec.EventID,
		string(rec.DecisionType), string(rec.Payload), rec.RecordedAt,
	)
	if isUniqueViolation(err) {
		return domain.ErrDuplicateRecord
	}
	return err
}

// MaxAuditSequence returns the highest sequence number recorded for an
// entity, or 0 when the entity has no audit trail yet.
func (r *SQLRepository) MaxAuditSequence(ctx context.Context, tenantID, entityID string) (int64, error) {
	if tenantID == "" {
		return 0, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT COALESCE(MAX(sequence_no), 0)
		FROM audit_records
		WHERE tenant_id = ? AND entity_id = ?
	`

	var max int64
	err := r.db.QueryRowContext(ctx, r.rebind(query), tenantID, entityID).Scan(&max)
	return max, err
}

// ListAuditRecords retrieves an entity's audit records with sequence number
// strictly greater than fromSeq, in ascending order.
func (r *SQLRepository) ListAuditRecords(ctx context.Context, tenantID, entityID string, fromSeq int64, limit int) ([]*domain.AuditRecord, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT tenant_id, entity_id, sequence_no, event_id, decision_type,
			   payload, recorded_at
		FROM audit_records
		WHERE tenant_id = ? AND entity_id = ? AND sequence_no > ?
		ORDER BY sequence_no ASC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, entityID, fromSeq, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.AuditRecord
	for rows.Next() {
		var rec domain.AuditRecord
		var decisionType, payload string

		if err := rows.Scan(
			&rec.TenantID, &rec.EntityID, &rec.SequenceNo, &rec.EventID,
			&decisionType, &payload, &rec.RecordedAt,
		); err != nil {
			return nil, err
		}

		rec.DecisionType = domain.DecisionType(decisionType)
		rec.Payload = []byte(payload)
		records = append(records, &rec)
	}

	return records, rows.Err()
}

// SaveQuarantined stores a rejected input in the quarantine sink.
func (r *SQLRepository) SaveQuarantined(ctx context.Context, tenantID string, q *domain.QuarantinedInput) error {
	if tenantID == "" {
		return fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		INSERT INTO quarantined_inputs (
			id, tenant_id, source_type, reason, payload, received_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`

	_, err := r.db.ExecContext(ctx, r.rebind(query),
		q.ID, tenantID, string(q.SourceType), q.Reason, q.Payload, q.ReceivedAt,
	)
	return err
}

// RecentQuarantined retrieves the latest quarantined inputs for a tenant.
func (r *SQLRepository) RecentQuarantined(ctx context.Context, tenantID string, limit int) ([]*domain.QuarantinedInput, error) {
	if tenantID == "" {
		return nil, fmt.Errorf("%w: tenantID is required", ErrInvalidInput)
	}

	query := `
		SELECT id, tenant_id, source_type, reason, payload, received_at
		FROM quarantined_inputs
		WHERE tenant_id = ?
		ORDER BY received_at DESC
		LIMIT ?
	`

	rows, err := r.db.QueryContext(ctx, r.rebind(query), tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var quarantined []*domain.QuarantinedInput
	for rows.Next() {
		var q domain.QuarantinedInput
		var sourceType string

		if err := rows.Scan(
			&q.ID, &q.TenantID, &sourceType, &q.Reason, &q.Payload, &q.ReceivedAt,
		); err != nil {
			return nil, err
		}

		q.SourceType = domain.SourceType(sourceType)
		quarantined = append(quarantined, &q)
	}

	return quarantined, rows.Err()
}

// Ping checks database connectivity.
func (r *SQLRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// Close closes the database connection.
func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// isUniqueViolation reports whether err is a unique constraint violation,
// for either driver.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505"
	}
	// modernc.org/sqlite reports constraint failures in the error text.
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rebind converts ? placeholders to $1, $2, etc. for PostgreSQL.
func (r *SQLRepository) rebind(query string) string {
	if r.driver != "postgres" {
		return query
	}

	// Convert ? to $1, $2, etc.
	var result []byte
	n := 1
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			result = append(result, '$')
			result = append(result, fmt.Sprintf("%d", n)...)
			n++
		} else {
			result = append(result, query[i])
		}
	}
	return string(result)
}
