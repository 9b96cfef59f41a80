// Package audit maintains the append-only decision trail that makes the
// pipeline replayable: every rule evaluation, anomaly signal, score change,
// and alert is recorded with a per-entity monotonic sequence number.
package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/metrics"
	"github.com/opensource-grc/kestrel/internal/risk"
)

// Recorder appends decisions to the audit trail.
//
// A Recorder instance is owned by exactly one pipeline shard, so the
// sequence counters need no locking: all writes for an entity go through
// the shard that owns it. Sequence numbers are seeded from storage on first
// use, which keeps them monotonic across restarts.
type Recorder struct {
	repo domain.Repository
	seq  map[string]int64 // key: tenant|entity, value: last assigned sequence
}

// NewRecorder creates a recorder writing through the given repository.
func NewRecorder(repo domain.Repository) *Recorder {
	return &Recorder{
		repo: repo,
		seq:  make(map[string]int64),
	}
}

// Record appends one decision for an entity. Inserts are idempotent on
// (event ID, decision type): recording a decision that is already in the
// trail is a no-op that returns the nil record, so replaying an input
// stream never duplicates audit entries.
func (r *Recorder) Record(ctx context.Context, tenantID, entityID string, d domain.Decision) (*domain.AuditRecord, error) {
	payload, err := json.Marshal(d.Payload)
	if err != nil {
		return nil, fmt.Errorf("marshal audit payload: %w", err)
	}

	seq, err := r.nextSeq(ctx, tenantID, entityID)
	if err != nil {
		return nil, err
	}

	rec := &domain.AuditRecord{
		SequenceNo:   seq,
		TenantID:     tenantID,
		EntityID:     entityID,
		EventID:      d.EventID,
		DecisionType: d.DecisionType,
		Payload:      payload,
		RecordedAt:   time.Now().UTC(),
	}

	if err := r.repo.InsertAuditRecord(ctx, tenantID, rec); err != nil {
		// The sequence number was never written; hand it back.
		r.seq[tenantID+"|"+entityID] = seq - 1
		if errors.Is(err, domain.ErrDuplicateRecord) {
			metrics.AuditDuplicates.Inc()
			slog.Debug("audit record already present",
				"entity_id", entityID,
				"event_id", d.EventID,
				"decision_type", d.DecisionType,
			)
			return nil, nil
		}
		return nil, fmt.Errorf("insert audit record: %w", err)
	}
	return rec, nil
}

// nextSeq assigns the next sequence number for an entity, seeding the
// counter from storage the first time the entity is seen.
func (r *Recorder) nextSeq(ctx context.Context, tenantID, entityID string) (int64, error) {
	key := tenantID + "|" + entityID
	last, ok := r.seq[key]
	if !ok {
		max, err := r.repo.MaxAuditSequence(ctx, tenantID, entityID)
		if err != nil {
			return 0, fmt.Errorf("seed audit sequence: %w", err)
		}
		last = max
	}
	next := last + 1
	r.seq[key] = next
	return next, nil
}

// Replay walks an entity's audit trail in sequence order and rebuilds the
// risk factors its decisions contributed, each aged from the time it was
// recorded. Used to reinitialize a shard's in-memory state after corruption.
func (r *Recorder) Replay(ctx context.Context, tenantID, entityID string, cfg risk.Config) ([]domain.RiskFactor, error) {
	cfg = cfg.Defaults()

	var factors []domain.RiskFactor
	var fromSeq int64
	const pageSize = 500
	for {
		recs, err := r.repo.ListAuditRecords(ctx, tenantID, entityID, fromSeq, pageSize)
		if err != nil {
			return nil, fmt.Errorf("replay audit trail: %w", err)
		}
		if len(recs) == 0 {
			break
		}
		for _, rec := range recs {
			switch rec.DecisionType {
			case domain.DecisionRuleEvaluation:
				var violations []domain.Violation
				if err := json.Unmarshal(rec.Payload, &violations); err != nil {
					slog.Warn("skipping undecodable audit record",
						"entity_id", entityID, "sequence_no", rec.SequenceNo, "error", err)
					continue
				}
				for _, v := range violations {
					factors = append(factors, cfg.ViolationFactor(v, rec.RecordedAt))
				}
			case domain.DecisionAnomalySignal:
				var signals []domain.AnomalySignal
				if err := json.Unmarshal(rec.Payload, &signals); err != nil {
					slog.Warn("skipping undecodable audit record",
						"entity_id", entityID, "sequence_no", rec.SequenceNo, "error", err)
					continue
				}
				for _, sig := range signals {
					factors = append(factors, cfg.AnomalyFactor(sig, rec.RecordedAt))
				}
			}
			fromSeq = rec.SequenceNo
		}
		if len(recs) < pageSize {
			break
		}
	}
	return factors, nil
}
