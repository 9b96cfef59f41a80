package rules

import (
	"context"
	"testing"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
)

func testEvent(attrs map[string]any) *domain.Event {
	return &domain.Event{
		ID:         "evt-1",
		TenantID:   "tenant-001",
		EntityID:   "entity-1",
		SourceType: domain.SourceDatasetRecord,
		Timestamp:  time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC),
		Attributes: attrs,
	}
}

func TestEngineCreation(t *testing.T) {
	engine, err := NewEngine()
	if err != nil {
		t.Fatalf("failed to create engine: %v", err)
	}
	if engine.RulesCount() != 0 {
		t.Errorf("expected 0 rules, got %d", engine.RulesCount())
	}
}

func TestCompileAndEvaluate(t *testing.T) {
	engine, _ := NewEngine()

	rs, err := engine.Compile("v1", []*domain.RuleConfig{
		{
			ID: "r-encryption", Version: "1", Name: "Encryption disabled",
			Predicate: `attrs.encryption == "disabled"`,
			Severity:  domain.SeverityHigh, Enabled: true,
		},
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	engine.Swap(rs)

	vs := engine.Evaluate(context.Background(), testEvent(map[string]any{"encryption": "disabled"}))
	if len(vs) != 1 {
		t.Fatalf("expected 1 violation, got %d", len(vs))
	}
	if vs[0].RuleID != "r-encryption" || vs[0].Severity != domain.SeverityHigh {
		t.Errorf("unexpected violation: %+v", vs[0])
	}
	if vs[0].EventID != "evt-1" || vs[0].EntityID != "entity-1" {
		t.Errorf("violation does not reference event: %+v", vs[0])
	}

	vs = engine.Evaluate(context.Background(), testEvent(map[string]any{"encryption": "enabled"}))
	if len(vs) != 0 {
		t.Errorf("expected no violations, got %d", len(vs))
	}
}

func TestCompileRejectsWholeDocument(t *testing.T) {
	engine, _ := NewEngine()

	good := &domain.RuleConfig{
		ID: "r-ok", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: true,
	}

	cases := []struct {
		name string
		bad  *domain.RuleConfig
	}{
		{"invalid CEL", &domain.RuleConfig{ID: "r-bad", Version: "1", Predicate: "not valid !!!", Severity: domain.SeverityLow, Enabled: true}},
		{"non-bool predicate", &domain.RuleConfig{ID: "r-bad", Version: "1", Predicate: "1 + 1", Severity: domain.SeverityLow, Enabled: true}},
		{"invalid severity", &domain.RuleConfig{ID: "r-bad", Version: "1", Predicate: "true", Severity: "extreme", Enabled: true}},
		{"duplicate id", &domain.RuleConfig{ID: "r-ok", Version: "2", Predicate: "true", Severity: domain.SeverityLow, Enabled: true}},
		{"empty id", &domain.RuleConfig{Predicate: "true", Severity: domain.SeverityLow, Enabled: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := engine.Compile("v1", []*domain.RuleConfig{good, tc.bad})
			if err == nil {
				t.Error("expected document rejection")
			}
		})
	}

	// The active set must be untouched by failed compiles.
	if engine.RulesCount() != 0 {
		t.Errorf("active rule set changed after rejected load: %d rules", engine.RulesCount())
	}
}

func TestRuleFaultIsolation(t *testing.T) {
	engine, _ := NewEngine()

	rs, err := engine.Compile("v1", []*domain.RuleConfig{
		{
			// References a missing attribute as an int: errors at eval time.
			ID: "r-a-throws", Version: "1", Name: "Throws",
			Predicate: `int(attrs.missing_field) > 10`,
			Severity:  domain.SeverityLow, Enabled: true,
		},
		{
			ID: "r-b-fires", Version: "1", Name: "Fires",
			Predicate: `attrs.status == "fail"`,
			Severity:  domain.SeverityCritical, Enabled: true,
		},
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	engine.Swap(rs)

	vs := engine.Evaluate(context.Background(), testEvent(map[string]any{"status": "fail"}))
	if len(vs) != 1 {
		t.Fatalf("expected 1 violation despite erroring rule, got %d", len(vs))
	}
	if vs[0].RuleID != "r-b-fires" {
		t.Errorf("wrong rule fired: %s", vs[0].RuleID)
	}
}

func TestEvaluationOrderIsRuleIDAscending(t *testing.T) {
	engine, _ := NewEngine()

	rs, _ := engine.Compile("v1", []*domain.RuleConfig{
		{ID: "r-03", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: true},
		{ID: "r-01", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: true},
		{ID: "r-02", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: true},
	})
	engine.Swap(rs)

	vs := engine.Evaluate(context.Background(), testEvent(nil))
	if len(vs) != 3 {
		t.Fatalf("expected 3 violations, got %d", len(vs))
	}
	for i, want := range []string{"r-01", "r-02", "r-03"} {
		if vs[i].RuleID != want {
			t.Errorf("violation %d from rule %s, want %s", i, vs[i].RuleID, want)
		}
	}
}

func TestDisabledRulesSkipped(t *testing.T) {
	engine, _ := NewEngine()

	rs, _ := engine.Compile("v1", []*domain.RuleConfig{
		{ID: "r-on", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: true},
		{ID: "r-off", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: false},
	})
	engine.Swap(rs)

	if engine.RulesCount() != 1 {
		t.Errorf("expected 1 enabled rule, got %d", engine.RulesCount())
	}
	vs := engine.Evaluate(context.Background(), testEvent(nil))
	if len(vs) != 1 || vs[0].RuleID != "r-on" {
		t.Errorf("unexpected violations: %+v", vs)
	}
}

func TestSnapshotPinning(t *testing.T) {
	engine, _ := NewEngine()

	v1, _ := engine.Compile("v1", []*domain.RuleConfig{
		{ID: "r-1", Version: "1", Predicate: "true", Severity: domain.SeverityLow, Enabled: true},
	})
	engine.Swap(v1)

	// Capture the snapshot an in-flight evaluation would hold.
	pinned := engine.Snapshot()

	v2, _ := engine.Compile("v2", []*domain.RuleConfig{
		{ID: "r-1", Version: "2", Predicate: "false", Severity: domain.SeverityLow, Enabled: true},
	})
	engine.Swap(v2)

	// The pinned snapshot still evaluates the old predicate.
	vs := pinned.Evaluate(context.Background(), testEvent(nil))
	if len(vs) != 1 || vs[0].RuleVersion != "1" {
		t.Errorf("pinned snapshot changed: %+v", vs)
	}

	// New evaluations see the new set.
	vs = engine.Evaluate(context.Background(), testEvent(nil))
	if len(vs) != 0 {
		t.Errorf("expected no violations from v2, got %+v", vs)
	}
}

func TestHourVariable(t *testing.T) {
	engine, _ := NewEngine()

	rs, err := engine.Compile("v1", []*domain.RuleConfig{
		{
			ID: "r-after-hours", Version: "1", Name: "After-hours access",
			Predicate: `hour < 6 || hour > 22`,
			Severity:  domain.SeverityMedium, Enabled: true,
		},
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}
	engine.Swap(rs)

	ev := testEvent(nil)
	ev.Timestamp = time.Date(2024, 3, 1, 3, 0, 0, 0, time.UTC)
	if vs := engine.Evaluate(context.Background(), ev); len(vs) != 1 {
		t.Errorf("expected after-hours violation at 03:00, got %d", len(vs))
	}

	ev.Timestamp = time.Date(2024, 3, 1, 14, 0, 0, 0, time.UTC)
	if vs := engine.Evaluate(context.Background(), ev); len(vs) != 0 {
		t.Errorf("unexpected violation at 14:00")
	}
}
