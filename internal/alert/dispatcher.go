// Package alert thresholds risk scores into deduplicated, edge-triggered
// alerts and delivers them to the alert sink.
package alert

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/metrics"
)

// Config holds alerting settings, loaded from the rule document.
type Config struct {
	// ScoreThreshold is the risk score at or above which an alert fires.
	ScoreThreshold float64 `yaml:"score_threshold"`

	// SuppressionWindowSeconds is how long a dedup key suppresses repeats.
	SuppressionWindowSeconds int `yaml:"suppression_window_seconds"`

	// ScoreBucket is the rounding granularity used in the dedup key.
	ScoreBucket float64 `yaml:"score_bucket"`

	// RetryMaxAttempts bounds sink delivery retries.
	RetryMaxAttempts int `yaml:"retry_max_attempts"`

	// RetryBaseMs is the initial backoff delay between delivery attempts.
	RetryBaseMs int `yaml:"retry_base_ms"`
}

// Defaults fills zero fields with sensible values.
func (c Config) Defaults() Config {
	if c.ScoreThreshold <= 0 {
		c.ScoreThreshold = 50
	}
	if c.SuppressionWindowSeconds <= 0 {
		c.SuppressionWindowSeconds = 900 // 15 minutes
	}
	if c.ScoreBucket <= 0 {
		c.ScoreBucket = 10
	}
	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = 5
	}
	if c.RetryBaseMs <= 0 {
		c.RetryBaseMs = 100
	}
	return c
}

// Dispatcher decides when an alert fires and delivers it.
//
// Firing is edge-triggered: an alert is produced when the score crosses the
// threshold upward, or when a single critical violation arrives. A score
// that stays above the threshold does not re-fire. Deduplication across
// bursts goes through the cache: the dedup key claims a suppression window
// with SetNX, which also makes suppression work across pipeline shards.
type Dispatcher struct {
	cfg      Config
	cache    domain.Cache
	bus      domain.EventBus
	inflight sync.WaitGroup
}

// NewDispatcher creates a dispatcher publishing to the alert topic.
func NewDispatcher(cfg Config, cache domain.Cache, bus domain.EventBus) *Dispatcher {
	return &Dispatcher{cfg: cfg.Defaults(), cache: cache, bus: bus}
}

// Reconfigure applies new settings on rule document reload.
func (d *Dispatcher) Reconfigure(cfg Config) {
	d.cfg = cfg.Defaults()
}

// Threshold returns the configured score threshold.
func (d *Dispatcher) Threshold() float64 {
	return d.cfg.ScoreThreshold
}

// Dispatch evaluates one scoring update and returns at most one alert.
// prevScore is the entity's score immediately before the update, decayed to
// the same instant, so a threshold crossing is a true edge. Returns nil when
// nothing fires or the alert falls inside a suppression window.
func (d *Dispatcher) Dispatch(ctx context.Context, state *domain.EntityRiskState, prevScore float64, violations []domain.Violation) (*domain.Alert, error) {
	crossed := prevScore < d.cfg.ScoreThreshold && state.Score >= d.cfg.ScoreThreshold
	critical := firstCritical(violations)

	if !crossed && critical == nil {
		return nil, nil
	}

	now := time.Now().UTC()
	a := &domain.Alert{
		ID:        uuid.New().String(),
		TenantID:  state.TenantID,
		EntityID:  state.EntityID,
		Score:     state.Score,
		CreatedAt: now,
	}
	if critical != nil {
		a.Severity = domain.SeverityCritical
		a.ViolationID = critical.ID
		a.Reason = fmt.Sprintf("critical violation of rule %s", critical.RuleID)
		// Critical alerts dedup on the rule, not the score: a burst of the
		// same critical violation collapses to one alert per window.
		a.DedupKey = d.dedupKey(state.EntityID, "crit|"+critical.RuleID, now)
	} else {
		a.Severity = scoreSeverity(state.Score, d.cfg.ScoreThreshold)
		a.Reason = fmt.Sprintf("risk score %.1f crossed threshold %.1f", state.Score, d.cfg.ScoreThreshold)
		a.DedupKey = d.dedupKey(state.EntityID, d.scoreBucket(state.Score), now)
	}

	suppression := time.Duration(d.cfg.SuppressionWindowSeconds) * time.Second
	fresh, err := d.cache.SetNX(ctx, state.TenantID, "alert:"+a.DedupKey, []byte(a.ID), suppression)
	if err != nil {
		// Suppression state unavailable: fire rather than stay silent.
		slog.Warn("alert suppression check failed", "entity_id", state.EntityID, "error", err)
	} else if !fresh {
		metrics.AlertsSuppressed.Inc()
		return nil, nil
	}

	metrics.AlertsEmitted.WithLabelValues(string(a.Severity)).Inc()
	d.deliver(a)
	return a, nil
}

// dedupKey hashes entity, bucket, and time bucket, so repeated alerts for
// the same condition in the same suppression window collapse.
func (d *Dispatcher) dedupKey(entityID, bucket string, now time.Time) string {
	timeBucket := now.Unix() / int64(d.cfg.SuppressionWindowSeconds)

	h := fnv.New64a()
	fmt.Fprintf(h, "%s|%s|%d", entityID, bucket, timeBucket)
	return fmt.Sprintf("%016x", h.Sum64())
}

func (d *Dispatcher) scoreBucket(score float64) string {
	return fmt.Sprintf("score|%d", int64(score/d.cfg.ScoreBucket))
}

// deliver publishes the alert in the background with bounded exponential
// backoff. Delivery is at-least-once and never blocks scoring.
func (d *Dispatcher) deliver(a *domain.Alert) {
	payload, err := json.Marshal(a)
	if err != nil {
		slog.Error("failed to marshal alert", "alert_id", a.ID, "error", err)
		return
	}

	d.inflight.Add(1)
	go func() {
		defer d.inflight.Done()
		delay := time.Duration(d.cfg.RetryBaseMs) * time.Millisecond
		var lastErr error
		for attempt := 1; attempt <= d.cfg.RetryMaxAttempts; attempt++ {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			err := d.bus.Publish(ctx, a.TenantID, domain.TopicAlert, payload)
			cancel()
			if err == nil {
				if attempt > 1 {
					slog.Info("alert delivered after retry", "alert_id", a.ID, "attempt", attempt)
				}
				return
			}
			lastErr = &domain.DeliveryError{Sink: "alert", Attempt: attempt, Err: err}
			metrics.AlertDeliveryFailures.Inc()
			time.Sleep(delay)
			delay *= 2
		}
		slog.Error("alert delivery gave up",
			"alert_id", a.ID,
			"entity_id", a.EntityID,
			"attempts", d.cfg.RetryMaxAttempts,
			"error", lastErr,
		)
	}()
}

// Drain blocks until every in-flight delivery goroutine has finished, or the
// context expires. A delivery mid-retry is given the chance to exhaust its
// attempts before shutdown; the alert's audit record was already written, so
// dropping it here would silently break the at-least-once promise.
func (d *Dispatcher) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func firstCritical(violations []domain.Violation) *domain.Violation {
	for i := range violations {
		if violations[i].Severity == domain.SeverityCritical {
			return &violations[i]
		}
	}
	return nil
}

// scoreSeverity grades a threshold-crossing alert by how far past the
// threshold the score landed.
func scoreSeverity(score, threshold float64) domain.Severity {
	switch {
	case score >= 3*threshold:
		return domain.SeverityCritical
	case score >= 2*threshold:
		return domain.SeverityHigh
	default:
		return domain.SeverityMedium
	}
}
