// Package rules provides the CEL-based compliance rule evaluator.
package rules

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/uuid"

	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/metrics"
)

// Engine evaluates compliance rules against events.
//
// The active rule set is an immutable compiled snapshot swapped atomically on
// reload. An evaluation captures the snapshot once at start and uses it for
// every rule, so a concurrent reload never produces a partially-mixed set.
type Engine struct {
	env     *cel.Env
	current atomic.Pointer[RuleSet]
}

// RuleSet is an immutable compiled snapshot of the rule configuration.
type RuleSet struct {
	Version  string
	LoadedAt time.Time
	rules    []*compiledRule
}

type compiledRule struct {
	config  *domain.RuleConfig
	program cel.Program
}

// Len returns the number of enabled rules in the snapshot.
func (rs *RuleSet) Len() int {
	if rs == nil {
		return 0
	}
	return len(rs.rules)
}

// Configs returns the rule configurations in the snapshot, rule ID ascending.
func (rs *RuleSet) Configs() []*domain.RuleConfig {
	if rs == nil {
		return nil
	}
	out := make([]*domain.RuleConfig, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.config
	}
	return out
}

// NewEngine creates a rule engine with an empty rule set.
func NewEngine() (*Engine, error) {
	env, err := cel.NewEnv(
		cel.Variable("attrs", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("entity_id", cel.StringType),
		cel.Variable("source_type", cel.StringType),
		cel.Variable("hour", cel.IntType),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}

	e := &Engine{env: env}
	e.current.Store(&RuleSet{LoadedAt: time.Now().UTC()})
	return e, nil
}

// Compile validates and compiles a full rule document into a snapshot.
// Any invalid rule rejects the whole document; the active set is untouched.
func (e *Engine) Compile(version string, configs []*domain.RuleConfig) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(configs))
	rules := make([]*compiledRule, 0, len(configs))

	for _, cfg := range configs {
		if cfg.ID == "" {
			return nil, fmt.Errorf("rule with empty id")
		}
		if _, dup := seen[cfg.ID]; dup {
			return nil, fmt.Errorf("duplicate rule id %s", cfg.ID)
		}
		seen[cfg.ID] = struct{}{}

		if !cfg.Severity.Valid() {
			return nil, fmt.Errorf("rule %s: invalid severity %q", cfg.ID, cfg.Severity)
		}
		if !cfg.Enabled {
			continue
		}

		ast, issues := e.env.Compile(cfg.Predicate)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("rule %s: compile failed: %w", cfg.ID, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("rule %s: predicate must return bool, got %s", cfg.ID, ast.OutputType())
		}
		program, err := e.env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("rule %s: program creation failed: %w", cfg.ID, err)
		}

		rules = append(rules, &compiledRule{config: cfg, program: program})
	}

	// Deterministic evaluation order.
	sort.Slice(rules, func(i, j int) bool {
		return rules[i].config.ID < rules[j].config.ID
	})

	return &RuleSet{
		Version:  version,
		LoadedAt: time.Now().UTC(),
		rules:    rules,
	}, nil
}

// Swap atomically replaces the active rule set. In-flight evaluations keep
// the snapshot they started with.
func (e *Engine) Swap(rs *RuleSet) {
	if rs == nil {
		return
	}
	e.current.Store(rs)
}

// Snapshot returns the active rule set.
func (e *Engine) Snapshot() *RuleSet {
	return e.current.Load()
}

// RulesCount returns the number of enabled rules in the active set.
func (e *Engine) RulesCount() int {
	return e.Snapshot().Len()
}

// Evaluate applies every enabled rule to the event, rule ID ascending.
// A predicate that errors (for example, referencing a missing attribute as a
// typed value) is logged and treated as not-violated for that rule only;
// remaining rules still run.
func (e *Engine) Evaluate(ctx context.Context, ev *domain.Event) []domain.Violation {
	rs := e.Snapshot()
	return rs.Evaluate(ctx, ev)
}

// Evaluate runs the snapshot's rules against the event.
func (rs *RuleSet) Evaluate(ctx context.Context, ev *domain.Event) []domain.Violation {
	if rs == nil || len(rs.rules) == 0 {
		return nil
	}

	activation := map[string]any{
		"attrs":       ev.Attributes,
		"entity_id":   ev.EntityID,
		"source_type": string(ev.SourceType),
		"hour":        int64(ev.Timestamp.Hour()),
	}
	if activation["attrs"] == nil {
		activation["attrs"] = map[string]any{}
	}

	var violations []domain.Violation
	now := time.Now().UTC()

	for _, rule := range rs.rules {
		out, _, err := rule.program.Eval(activation)
		if err != nil {
			metrics.RulePredicateErrors.WithLabelValues(rule.config.ID).Inc()
			slog.Warn("rule predicate error",
				"rule_id", rule.config.ID,
				"event_id", ev.ID,
				"error", err,
			)
			continue
		}
		violated, ok := out.(types.Bool)
		if !ok || !bool(violated) {
			continue
		}

		violations = append(violations, domain.Violation{
			ID:          uuid.New().String(),
			TenantID:    ev.TenantID,
			EventID:     ev.ID,
			EntityID:    ev.EntityID,
			RuleID:      rule.config.ID,
			RuleVersion: rule.config.Version,
			Severity:    rule.config.Severity,
			Reason:      rule.config.Name,
			DetectedAt:  now,
		})
		metrics.ViolationsDetected.WithLabelValues(rule.config.ID, string(rule.config.Severity)).Inc()
	}

	return violations
}
