// Package ruleset loads the YAML rule document, validates it as a whole,
// and hot-reloads it when the file changes on disk.
package ruleset

import (
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/opensource-grc/kestrel/internal/alert"
	"github.com/opensource-grc/kestrel/internal/anomaly"
	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/risk"
	"github.com/opensource-grc/kestrel/internal/rules"
)

// Document is the full rule document: compliance rules plus the tunables
// for anomaly detection, risk scoring, and alerting. All sections reload
// together, atomically.
type Document struct {
	Version  string               `yaml:"version"`
	Rules    []*domain.RuleConfig `yaml:"rules"`
	Anomaly  anomaly.Config       `yaml:"anomaly"`
	Scoring  risk.Config          `yaml:"scoring"`
	Alerting alert.Config         `yaml:"alerting"`
}

// Loader reads the rule document, compiles it through the rule engine, and
// watches the file for changes. A document that fails validation is
// rejected whole; the previously active document stays in effect.
type Loader struct {
	path     string
	engine   *rules.Engine
	mu       sync.RWMutex
	current  *Document
	onChange []func(*Document)
	watcher  *fsnotify.Watcher
}

// NewLoader creates a Loader, performs the initial load, and activates the
// compiled rule set on the engine.
func NewLoader(path string, engine *rules.Engine) (*Loader, error) {
	l := &Loader{path: path, engine: engine}
	doc, rs, err := l.load()
	if err != nil {
		return nil, err
	}
	engine.Swap(rs)
	l.current = doc
	return l, nil
}

// Document returns the currently active document.
func (l *Loader) Document() *Document {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.current
}

// OnChange registers a callback invoked whenever the document reloads
// successfully. Callbacks receive the new document after the rule set has
// been swapped in.
func (l *Loader) OnChange(fn func(*Document)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onChange = append(l.onChange, fn)
}

// Watch starts a background goroutine that hot-reloads the document on file
// changes. Call the returned stop function to clean up.
func (l *Loader) Watch() (stop func(), err error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("rule watcher: %w", err)
	}
	if err := w.Add(l.path); err != nil {
		w.Close()
		return nil, fmt.Errorf("rule watcher add %s: %w", l.path, err)
	}
	l.watcher = w

	done := make(chan struct{})
	go func() {
		defer w.Close()
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) {
					if _, err := l.Reload(); err != nil {
						// Keep serving the previous document.
						slog.Error("rule document reload rejected", "path", l.path, "error", err)
					}
				}
			case <-w.Errors:
				// Ignore watcher errors.
			case <-done:
				return
			}
		}
	}()

	return func() { close(done) }, nil
}

// Reload forces an immediate re-read of the rule document. On success the
// new rule set is activated and callbacks fire; on failure the active
// document is untouched and the error describes the first invalid entry.
func (l *Loader) Reload() (*Document, error) {
	doc, rs, err := l.load()
	if err != nil {
		return nil, err
	}
	l.engine.Swap(rs)

	l.mu.Lock()
	l.current = doc
	callbacks := make([]func(*Document), len(l.onChange))
	copy(callbacks, l.onChange)
	l.mu.Unlock()

	slog.Info("rule document loaded",
		"path", l.path,
		"version", doc.Version,
		"rules", rs.Len(),
	)
	for _, fn := range callbacks {
		fn(doc)
	}
	return doc, nil
}

func (l *Loader) load() (*Document, *rules.RuleSet, error) {
	data, err := os.ReadFile(l.path)
	if err != nil {
		return nil, nil, fmt.Errorf("read rule document %s: %w", l.path, err)
	}
	var doc Document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, nil, fmt.Errorf("parse rule document %s: %w", l.path, err)
	}
	if doc.Version == "" {
		return nil, nil, fmt.Errorf("rule document %s: missing version", l.path)
	}
	for _, rc := range doc.Rules {
		if rc.Version == "" {
			rc.Version = doc.Version
		}
	}
	doc.Anomaly = doc.Anomaly.Defaults()
	doc.Scoring = doc.Scoring.Defaults()
	doc.Alerting = doc.Alerting.Defaults()

	rs, err := l.engine.Compile(doc.Version, doc.Rules)
	if err != nil {
		return nil, nil, fmt.Errorf("compile rule document %s: %w", l.path, err)
	}
	return &doc, rs, nil
}
