package ruleset

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/opensource-grc/kestrel/internal/rules"
)

const validDoc = `
version: "2026-01-01"
rules:
  - id: r-high-amount
    name: High amount
    when: 'double(attrs.amount) > 1000.0'
    severity: high
    enabled: true
  - id: r-off-hours
    name: Off hours access
    when: 'hour < 6 || hour > 22'
    severity: medium
    enabled: true
anomaly:
  window_seconds: 30
  z_threshold: 2.5
scoring:
  anomaly_unit: 3
alerting:
  score_threshold: 75
`

const invalidDoc = `
version: "2026-01-02"
rules:
  - id: r-broken
    name: Broken
    when: 'attrs.amount >'
    severity: high
    enabled: true
`

func writeDoc(t *testing.T, dir, content string) string {
	t.Helper()
	path := filepath.Join(dir, "rules.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write rule document: %v", err)
	}
	return path
}

func TestInitialLoad(t *testing.T) {
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}
	path := writeDoc(t, t.TempDir(), validDoc)

	l, err := NewLoader(path, engine)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}

	doc := l.Document()
	if doc.Version != "2026-01-01" {
		t.Errorf("version = %s", doc.Version)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("rules compiled = %d, want 2", engine.RulesCount())
	}

	// Section values from the file override defaults; the rest fill in.
	if doc.Anomaly.WindowSeconds != 30 || doc.Anomaly.ZThreshold != 2.5 {
		t.Errorf("anomaly config not loaded: %+v", doc.Anomaly)
	}
	if doc.Anomaly.RetentionWindows == 0 {
		t.Error("anomaly defaults not applied")
	}
	if doc.Alerting.ScoreThreshold != 75 {
		t.Errorf("alerting threshold = %v", doc.Alerting.ScoreThreshold)
	}
	if doc.Alerting.SuppressionWindowSeconds == 0 {
		t.Error("alerting defaults not applied")
	}
	if doc.Scoring.Weights == nil {
		t.Error("scoring defaults not applied")
	}

	// Per-rule version falls back to the document version.
	for _, rc := range doc.Rules {
		if rc.Version != "2026-01-01" {
			t.Errorf("rule %s version = %s", rc.ID, rc.Version)
		}
	}
}

func TestInitialLoadRejectsInvalidDocument(t *testing.T) {
	engine, _ := rules.NewEngine()
	path := writeDoc(t, t.TempDir(), invalidDoc)

	if _, err := NewLoader(path, engine); err == nil {
		t.Fatal("expected error for invalid predicate")
	}
}

func TestReloadRejectionKeepsActiveDocument(t *testing.T) {
	engine, _ := rules.NewEngine()
	dir := t.TempDir()
	path := writeDoc(t, dir, validDoc)

	l, err := NewLoader(path, engine)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}

	writeDoc(t, dir, invalidDoc)
	if _, err := l.Reload(); err == nil {
		t.Fatal("expected reload error")
	}

	if l.Document().Version != "2026-01-01" {
		t.Errorf("active document changed after rejected reload: %s", l.Document().Version)
	}
	if engine.RulesCount() != 2 {
		t.Errorf("active rule set changed after rejected reload: %d rules", engine.RulesCount())
	}
}

func TestReloadFiresCallbacks(t *testing.T) {
	engine, _ := rules.NewEngine()
	dir := t.TempDir()
	path := writeDoc(t, dir, validDoc)

	l, err := NewLoader(path, engine)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}

	var got *Document
	l.OnChange(func(d *Document) { got = d })

	next := `
version: "2026-02-01"
rules:
  - id: r-high-amount
    name: High amount
    when: 'double(attrs.amount) > 500.0'
    severity: critical
    enabled: true
`
	writeDoc(t, dir, next)
	if _, err := l.Reload(); err != nil {
		t.Fatalf("Reload failed: %v", err)
	}
	if got == nil || got.Version != "2026-02-01" {
		t.Fatalf("callback not fired with new document: %+v", got)
	}
	if engine.RulesCount() != 1 {
		t.Errorf("rules compiled = %d, want 1", engine.RulesCount())
	}
}

func TestWatchHotReload(t *testing.T) {
	engine, _ := rules.NewEngine()
	dir := t.TempDir()
	path := writeDoc(t, dir, validDoc)

	l, err := NewLoader(path, engine)
	if err != nil {
		t.Fatalf("NewLoader failed: %v", err)
	}
	stop, err := l.Watch()
	if err != nil {
		t.Fatalf("Watch failed: %v", err)
	}
	defer stop()

	reloaded := make(chan *Document, 1)
	l.OnChange(func(d *Document) { reloaded <- d })

	next := `
version: "2026-03-01"
rules:
  - id: r-high-amount
    name: High amount
    when: 'double(attrs.amount) > 100.0'
    severity: low
    enabled: true
`
	writeDoc(t, dir, next)

	select {
	case doc := <-reloaded:
		if doc.Version != "2026-03-01" {
			t.Errorf("reloaded version = %s", doc.Version)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload the document")
	}
}
