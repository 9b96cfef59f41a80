package repository

// Schema definitions for the Kestrel database.
// Compatible with both SQLite and PostgreSQL.

const schemaEvents = `
CREATE TABLE IF NOT EXISTS events (
    id TEXT NOT NULL,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    timestamp TIMESTAMP NOT NULL,
    attributes TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, id)
);

CREATE INDEX IF NOT EXISTS idx_events_entity ON events(tenant_id, entity_id);
CREATE INDEX IF NOT EXISTS idx_events_created ON events(tenant_id, created_at);
`

const schemaViolations = `
CREATE TABLE IF NOT EXISTS violations (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    event_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    rule_id TEXT NOT NULL,
    rule_version TEXT NOT NULL,
    severity TEXT NOT NULL,
    reason TEXT,
    detected_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_violations_entity ON violations(tenant_id, entity_id, detected_at);
CREATE INDEX IF NOT EXISTS idx_violations_rule ON violations(tenant_id, rule_id);
`

const schemaAnomalySignals = `
CREATE TABLE IF NOT EXISTS anomaly_signals (
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    window_id INTEGER NOT NULL,
    metric_name TEXT NOT NULL,
    observed_value REAL NOT NULL,
    baseline_mean REAL NOT NULL,
    baseline_stddev REAL NOT NULL,
    z_score REAL NOT NULL,
    detected_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, entity_id, metric_name, window_id)
);

CREATE INDEX IF NOT EXISTS idx_anomaly_entity ON anomaly_signals(tenant_id, entity_id, detected_at);
`

const schemaRiskStates = `
CREATE TABLE IF NOT EXISTS risk_states (
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    score REAL NOT NULL,
    factors TEXT NOT NULL,
    last_updated TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, entity_id)
);
`

const schemaAlerts = `
CREATE TABLE IF NOT EXISTS alerts (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    severity TEXT NOT NULL,
    score REAL NOT NULL,
    violation_id TEXT,
    reason TEXT,
    dedup_key TEXT NOT NULL,
    created_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_alerts_tenant ON alerts(tenant_id, created_at);
CREATE INDEX IF NOT EXISTS idx_alerts_entity ON alerts(tenant_id, entity_id);
`

// schemaAuditRecords defines the append-only audit trail. The unique index
// on (tenant_id, entity_id, event_id, decision_type) is the idempotency
// key: replaying an input stream hits the constraint instead of writing a
// duplicate decision.
const schemaAuditRecords = `
CREATE TABLE IF NOT EXISTS audit_records (
    tenant_id TEXT NOT NULL,
    entity_id TEXT NOT NULL,
    sequence_no INTEGER NOT NULL,
    event_id TEXT NOT NULL,
    decision_type TEXT NOT NULL,
    payload TEXT NOT NULL,
    recorded_at TIMESTAMP NOT NULL,
    PRIMARY KEY (tenant_id, entity_id, sequence_no)
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_audit_idempotency
    ON audit_records(tenant_id, entity_id, event_id, decision_type);
`

const schemaQuarantine = `
CREATE TABLE IF NOT EXISTS quarantined_inputs (
    id TEXT PRIMARY KEY,
    tenant_id TEXT NOT NULL,
    source_type TEXT NOT NULL,
    reason TEXT NOT NULL,
    payload BLOB,
    received_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_quarantine_tenant ON quarantined_inputs(tenant_id, received_at);
`

// AllSchemas returns all schema statements in order.
func AllSchemas() []string {
	return []string{
		schemaEvents,
		schemaViolations,
		schemaAnomalySignals,
		schemaRiskStates,
		schemaAlerts,
		schemaAuditRecords,
		schemaQuarantine,
	}
}
