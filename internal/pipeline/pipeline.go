// Package pipeline runs the event processing graph: a bounded ingest queue
// feeds parallel normalize/evaluate workers, which route events to per-entity
// shards. Each shard exclusively owns the anomaly, scoring, alerting, and
// audit state for its entities, so the hot path needs no locks.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/opensource-grc/kestrel/internal/alert"
	"github.com/opensource-grc/kestrel/internal/anomaly"
	"github.com/opensource-grc/kestrel/internal/audit"
	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/metrics"
	"github.com/opensource-grc/kestrel/internal/normalize"
	"github.com/opensource-grc/kestrel/internal/risk"
	"github.com/opensource-grc/kestrel/internal/rules"
	"github.com/opensource-grc/kestrel/internal/ruleset"
)

// Deps are the shared components the pipeline is built on.
type Deps struct {
	Repo   domain.Repository
	Cache  domain.Cache
	Bus    domain.EventBus
	Engine *rules.Engine
	Loader *ruleset.Loader
}

// Pipeline ingests raw inputs and drives them through normalization, rule
// evaluation, anomaly detection, risk scoring, alerting, and auditing.
type Pipeline struct {
	cfg  domain.PipelineConfig
	deps Deps

	ingestCh chan domain.RawInput
	shards   []*shard

	evalWG  sync.WaitGroup
	shardWG sync.WaitGroup

	started  atomic.Bool
	draining atomic.Bool
	stopCh   chan struct{}
}

// msgKind discriminates shard messages.
type msgKind int

const (
	msgEvent msgKind = iota
	msgReconfigure
	msgFlush
	msgShutdown
)

// shardMsg is the single message type a shard consumes. Routing everything
// through one ordered channel keeps state transitions serialized per entity.
type shardMsg struct {
	kind       msgKind
	event      *domain.Event
	violations []domain.Violation
	doc        *ruleset.Document
	cutoff     time.Time
}

// shard owns the mutable risk state for a stable subset of entities.
type shard struct {
	id         int
	ch         chan shardMsg
	detector   *anomaly.Detector
	scorer     *risk.Scorer
	dispatcher *alert.Dispatcher
	recorder   *audit.Recorder
	scoringCfg risk.Config
}

// New builds a pipeline from the active rule document. Start must be called
// before Submit.
func New(cfg domain.PipelineConfig, deps Deps) *Pipeline {
	if cfg.IngestQueueSize <= 0 {
		cfg.IngestQueueSize = 10000
	}
	if cfg.EvalWorkers <= 0 {
		cfg.EvalWorkers = 16
	}
	if cfg.ShardCount <= 0 {
		cfg.ShardCount = 8
	}
	if cfg.ShardQueueSize <= 0 {
		cfg.ShardQueueSize = 1024
	}

	doc := deps.Loader.Document()

	p := &Pipeline{
		cfg:      cfg,
		deps:     deps,
		ingestCh: make(chan domain.RawInput, cfg.IngestQueueSize),
		shards:   make([]*shard, cfg.ShardCount),
		stopCh:   make(chan struct{}),
	}
	for i := range p.shards {
		p.shards[i] = &shard{
			id:         i,
			ch:         make(chan shardMsg, cfg.ShardQueueSize),
			detector:   anomaly.NewDetector(doc.Anomaly),
			scorer:     risk.NewScorer(doc.Scoring),
			dispatcher: alert.NewDispatcher(doc.Alerting, deps.Cache, deps.Bus),
			recorder:   audit.NewRecorder(deps.Repo),
			scoringCfg: doc.Scoring.Defaults(),
		}
	}
	return p
}

// Start launches the eval workers, the shard loops, and the window flush
// ticker, and registers for rule document reloads.
func (p *Pipeline) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}

	for _, s := range p.shards {
		p.shardWG.Add(1)
		go p.runShard(s)
	}
	for i := 0; i < p.cfg.EvalWorkers; i++ {
		p.evalWG.Add(1)
		go p.runEvalWorker()
	}
	go p.runFlushTicker()

	p.deps.Loader.OnChange(func(doc *ruleset.Document) {
		for _, s := range p.shards {
			p.trySend(s, shardMsg{kind: msgReconfigure, doc: doc})
		}
	})

	slog.Info("pipeline started",
		"eval_workers", p.cfg.EvalWorkers,
		"shards", p.cfg.ShardCount,
		"ingest_queue_size", p.cfg.IngestQueueSize,
	)
}

// Submit hands a raw input to the pipeline. When the ingest queue is full
// the input is shed and ErrQueueFull returned; the caller decides whether
// to retry or report upstream.
func (p *Pipeline) Submit(in domain.RawInput) error {
	if p.draining.Load() {
		return domain.ErrQueueFull
	}
	select {
	case p.ingestCh <- in:
		metrics.IngestQueueUtilization.Set(float64(len(p.ingestCh)) / float64(cap(p.ingestCh)))
		return nil
	default:
		metrics.EventsShed.Inc()
		return domain.ErrQueueFull
	}
}

// QueueDepth returns the number of inputs waiting in the ingest queue.
func (p *Pipeline) QueueDepth() int {
	return len(p.ingestCh)
}

// Stop drains the pipeline: no new submissions are accepted, queued inputs
// are processed to completion stage by stage, and open anomaly windows are
// flushed. Returns ctx.Err if the context expires before the drain finishes.
func (p *Pipeline) Stop(ctx context.Context) error {
	if !p.draining.CompareAndSwap(false, true) {
		return nil
	}
	close(p.stopCh)

	done := make(chan struct{})
	go func() {
		close(p.ingestCh)
		p.evalWG.Wait()
		// Shards stop on a sentinel, never on channel close: a reload
		// callback or flush tick racing the drain then lands in an open
		// channel instead of panicking.
		for _, s := range p.shards {
			s.ch <- shardMsg{kind: msgFlush, cutoff: time.Now().UTC().Add(24 * time.Hour)}
			s.ch <- shardMsg{kind: msgShutdown}
		}
		p.shardWG.Wait()
		// Events are drained, but alert deliveries retry in the background;
		// their audit records are already written, so wait them out too.
		for _, s := range p.shards {
			if err := s.dispatcher.Drain(ctx); err != nil {
				slog.Warn("alert deliveries still in flight at shutdown", "shard", s.id, "error", err)
				break
			}
		}
		close(done)
	}()

	select {
	case <-done:
		slog.Info("pipeline drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("pipeline drain: %w", ctx.Err())
	}
}

// runEvalWorker normalizes and rule-checks inputs, then routes each event to
// the shard that owns its entity.
func (p *Pipeline) runEvalWorker() {
	defer p.evalWG.Done()
	ctx := context.Background()

	for in := range p.ingestCh {
		metrics.IngestQueueUtilization.Set(float64(len(p.ingestCh)) / float64(cap(p.ingestCh)))

		ev, err := normalize.Normalize(in)
		if err != nil {
			p.quarantine(ctx, in, err)
			continue
		}

		if err := p.deps.Repo.SaveEvent(ctx, ev.TenantID, ev); err != nil {
			slog.Error("save event failed", "event_id", ev.ID, "error", err)
			continue
		}
		metrics.EventsIngested.WithLabelValues(string(ev.SourceType)).Inc()
		p.publish(ctx, ev.TenantID, domain.TopicEventIngested, ev)

		violations := p.deps.Engine.Evaluate(ctx, ev)

		s := p.shards[p.shardFor(ev.EntityID)]
		s.ch <- shardMsg{kind: msgEvent, event: ev, violations: violations}
	}
}

// quarantine stores a rejected input for operator review. Malformed inputs
// never abort the pipeline.
func (p *Pipeline) quarantine(ctx context.Context, in domain.RawInput, cause error) {
	metrics.EventsQuarantined.WithLabelValues(string(in.SourceType)).Inc()
	q := &domain.QuarantinedInput{
		ID:         uuid.New().String(),
		TenantID:   in.TenantID,
		SourceType: in.SourceType,
		Reason:     cause.Error(),
		Payload:    in.Payload,
		ReceivedAt: time.Now().UTC(),
	}
	if err := p.deps.Repo.SaveQuarantined(ctx, q.TenantID, q); err != nil {
		slog.Error("save quarantined input failed", "tenant_id", q.TenantID, "error", err)
	}
	p.publish(ctx, q.TenantID, domain.TopicQuarantine, q)
	slog.Warn("input quarantined",
		"tenant_id", q.TenantID,
		"source_type", q.SourceType,
		"reason", q.Reason,
	)
}

// shardFor maps an entity to its owning shard. The mapping is stable for
// the life of the process, which is what gives shards exclusive ownership.
func (p *Pipeline) shardFor(entityID string) int {
	h := fnv.New32a()
	h.Write([]byte(entityID))
	return int(h.Sum32() % uint32(len(p.shards)))
}

// runShard is the per-shard loop. All state mutation for the shard's
// entities happens here, in channel order.
func (p *Pipeline) runShard(s *shard) {
	defer p.shardWG.Done()
	ctx := context.Background()

	for {
		msg := <-s.ch
		switch msg.kind {
		case msgEvent:
			p.processEvent(ctx, s, msg.event, msg.violations)
		case msgReconfigure:
			s.detector.Reconfigure(msg.doc.Anomaly)
			s.scorer.Reconfigure(msg.doc.Scoring)
			s.dispatcher.Reconfigure(msg.doc.Alerting)
			s.scoringCfg = msg.doc.Scoring.Defaults()
			slog.Info("shard reconfigured", "shard", s.id, "version", msg.doc.Version)
		case msgFlush:
			p.flushWindows(ctx, s, msg.cutoff)
		case msgShutdown:
			return
		}
	}
}

// trySend delivers a control message to a shard unless the pipeline is
// stopping, in which case the message is dropped: the shard may already have
// consumed its shutdown sentinel and nothing must block on its queue.
func (p *Pipeline) trySend(s *shard, msg shardMsg) {
	select {
	case s.ch <- msg:
	case <-p.stopCh:
	}
}

// processEvent runs one event through detection, scoring, alerting, and
// auditing on its owning shard.
func (p *Pipeline) processEvent(ctx context.Context, s *shard, ev *domain.Event, violations []domain.Violation) {
	start := time.Now()

	// Every evaluated event leaves a trail entry, violations or not, so the
	// audit trail is a complete account of what the rules decided.
	p.record(ctx, s, ev.TenantID, ev.EntityID, domain.Decision{
		EventID:      ev.ID,
		DecisionType: domain.DecisionRuleEvaluation,
		Payload:      violations,
	})
	for i := range violations {
		v := &violations[i]
		if err := p.deps.Repo.SaveViolation(ctx, v.TenantID, v); err != nil {
			slog.Error("save violation failed", "violation_id", v.ID, "error", err)
		}
		p.publish(ctx, v.TenantID, domain.TopicViolation, v)
	}

	signals := s.detector.Observe(ev)
	if len(signals) > 0 {
		p.record(ctx, s, ev.TenantID, ev.EntityID, domain.Decision{
			EventID:      ev.ID,
			DecisionType: domain.DecisionAnomalySignal,
			Payload:      signals,
		})
		for i := range signals {
			sig := &signals[i]
			if err := p.deps.Repo.SaveAnomalySignal(ctx, sig.TenantID, sig); err != nil {
				slog.Error("save anomaly signal failed", "metric", sig.MetricName, "error", err)
			}
			p.publish(ctx, sig.TenantID, domain.TopicAnomaly, sig)
		}
	}

	p.applyAndAlert(ctx, s, ev.TenantID, ev.EntityID, ev.ID, violations, signals)

	metrics.EventsProcessed.Inc()
	metrics.ProcessingDuration.Observe(float64(time.Since(start).Milliseconds()))
}

// applyAndAlert folds new contributions into the entity's risk state,
// persists the snapshot, and lets the dispatcher decide whether to fire.
func (p *Pipeline) applyAndAlert(ctx context.Context, s *shard, tenantID, entityID, eventID string, violations []domain.Violation, signals []domain.AnomalySignal) {
	now := time.Now().UTC()
	prevScore := 0.0
	if prev := s.scorer.State(tenantID, entityID, now); prev != nil {
		prevScore = prev.Score
	}

	state, err := s.scorer.Apply(tenantID, entityID, violations, signals, now)
	if err != nil {
		var corrupt *domain.StateCorruptionError
		if !errors.As(err, &corrupt) {
			slog.Error("risk apply failed", "entity_id", entityID, "error", err)
			return
		}
		state = p.reinitialize(ctx, s, tenantID, entityID, corrupt)
		if state == nil {
			return
		}
		state, err = s.scorer.Apply(tenantID, entityID, violations, signals, now)
		if err != nil {
			slog.Error("risk apply failed after reinit", "entity_id", entityID, "error", err)
			return
		}
	}

	if len(violations) > 0 || len(signals) > 0 {
		p.record(ctx, s, tenantID, entityID, domain.Decision{
			EventID:      eventID,
			DecisionType: domain.DecisionScoreChange,
			Payload: scoreChange{
				PrevScore: prevScore,
				NewScore:  state.Score,
			},
		})
	}

	if err := p.deps.Repo.SaveRiskState(ctx, tenantID, state); err != nil {
		slog.Error("save risk state failed", "entity_id", entityID, "error", err)
	}

	a, err := s.dispatcher.Dispatch(ctx, state, prevScore, violations)
	if err != nil {
		slog.Error("alert dispatch failed", "entity_id", entityID, "error", err)
		return
	}
	if a == nil {
		return
	}
	if err := p.deps.Repo.SaveAlert(ctx, a.TenantID, a); err != nil {
		slog.Error("save alert failed", "alert_id", a.ID, "error", err)
	}
	p.record(ctx, s, tenantID, entityID, domain.Decision{
		EventID:      eventID,
		DecisionType: domain.DecisionAlertEmitted,
		Payload:      a,
	})
}

// scoreChange is the audit payload for a score update.
type scoreChange struct {
	PrevScore float64 `json:"prevScore"`
	NewScore  float64 `json:"newScore"`
}

// reinitialize rebuilds an entity's risk state from its audit trail after a
// corruption was detected. Fatal for the entity's in-memory state only; the
// rest of the shard keeps running.
func (p *Pipeline) reinitialize(ctx context.Context, s *shard, tenantID, entityID string, corrupt *domain.StateCorruptionError) *domain.EntityRiskState {
	slog.Error("risk state corrupted, rebuilding from audit trail",
		"entity_id", entityID,
		"detail", corrupt.Detail,
	)
	metrics.StateReinits.Inc()

	factors, err := s.recorder.Replay(ctx, tenantID, entityID, s.scoringCfg)
	if err != nil {
		slog.Error("audit replay failed", "entity_id", entityID, "error", err)
		return nil
	}
	return s.scorer.Reinitialize(tenantID, entityID, factors, time.Now().UTC())
}

// flushWindows closes anomaly windows that ended before the cutoff and runs
// the resulting signals through scoring and alerting. Signals produced here
// have no triggering event, so the audit entry is keyed on the window.
func (p *Pipeline) flushWindows(ctx context.Context, s *shard, cutoff time.Time) {
	signals := s.detector.FlushBefore(cutoff)
	if len(signals) == 0 {
		return
	}

	// Group by entity so each state update stays a single transition.
	type entityKey struct{ tenant, entity string }
	grouped := make(map[entityKey][]domain.AnomalySignal)
	for _, sig := range signals {
		k := entityKey{sig.TenantID, sig.EntityID}
		grouped[k] = append(grouped[k], sig)
	}

	for k, sigs := range grouped {
		for i := range sigs {
			sig := &sigs[i]
			p.record(ctx, s, k.tenant, k.entity, domain.Decision{
				EventID:      fmt.Sprintf("window:%s:%d", sig.MetricName, sig.WindowID),
				DecisionType: domain.DecisionAnomalySignal,
				Payload:      []domain.AnomalySignal{*sig},
			})
			if err := p.deps.Repo.SaveAnomalySignal(ctx, k.tenant, sig); err != nil {
				slog.Error("save anomaly signal failed", "metric", sig.MetricName, "error", err)
			}
			p.publish(ctx, k.tenant, domain.TopicAnomaly, sig)
		}
		p.applyAndAlert(ctx, s, k.tenant, k.entity, fmt.Sprintf("window:%s:%d", sigs[0].MetricName, sigs[0].WindowID), nil, sigs)
	}
}

// runFlushTicker advances anomaly windows on wall clock time, so a quiet
// entity still gets its open window closed and evaluated.
func (p *Pipeline) runFlushTicker() {
	interval := time.Duration(p.deps.Loader.Document().Anomaly.Defaults().WindowSeconds) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case now := <-ticker.C:
			if p.draining.Load() {
				return
			}
			for _, s := range p.shards {
				p.trySend(s, shardMsg{kind: msgFlush, cutoff: now.UTC()})
			}
		}
	}
}

// record appends an audit decision, logging failures without interrupting
// the event flow.
func (p *Pipeline) record(ctx context.Context, s *shard, tenantID, entityID string, d domain.Decision) {
	if _, err := s.recorder.Record(ctx, tenantID, entityID, d); err != nil {
		slog.Error("audit record failed",
			"entity_id", entityID,
			"decision_type", d.DecisionType,
			"error", err,
		)
	}
}

// publish sends a payload to the event bus, tolerating bus failures: the
// bus is a notification channel, not the system of record.
func (p *Pipeline) publish(ctx context.Context, tenantID, topic string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal bus payload failed", "topic", topic, "error", err)
		return
	}
	if err := p.deps.Bus.Publish(ctx, tenantID, topic, data); err != nil {
		slog.Warn("bus publish failed", "topic", topic, "error", err)
	}
}
