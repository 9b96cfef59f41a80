// Package anomaly maintains per-entity sliding statistical baselines and
// flags window observations that deviate beyond a configured z-score.
package anomaly

import (
	"math"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/metrics"
)

// Config holds anomaly detection settings, loaded from the rule document.
type Config struct {
	// WindowSeconds is the fixed sliding window duration.
	WindowSeconds int `yaml:"window_seconds"`

	// RetentionWindows is how many closed windows to keep per metric.
	RetentionWindows int `yaml:"retention_windows"`

	// ZThreshold is the |z| at or above which a signal is emitted.
	ZThreshold float64 `yaml:"z_threshold"`

	// Metrics lists numeric event attributes observed in addition to the
	// built-in counters (event_count, error_count, sensitive_count).
	Metrics []string `yaml:"metrics"`
}

// Defaults fills zero fields with sensible values.
func (c Config) Defaults() Config {
	if c.WindowSeconds <= 0 {
		c.WindowSeconds = 60
	}
	if c.RetentionWindows <= 0 {
		c.RetentionWindows = 12
	}
	if c.ZThreshold <= 0 {
		c.ZThreshold = 3.0
	}
	return c
}

// Built-in per-window counters derived from every event.
const (
	MetricEventCount     = "event_count"
	MetricErrorCount     = "error_count"
	MetricSensitiveCount = "sensitive_count"
)

// minStddev is the floor used when a baseline has zero variance, so a hard
// deviation from a flat baseline still produces a finite z-score.
const minStddev = 1.0

// openWindow accumulates Welford running statistics for the window in
// progress. Welford's algorithm updates count/mean/variance per observation
// without retaining individual samples.
type openWindow struct {
	id    int64
	count int64
	sum   float64
	mean  float64
	m2    float64
}

func (w *openWindow) observe(v float64) {
	w.count++
	w.sum += v
	delta := v - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (v - w.mean)
}

// observation is what a closed window contributes to the baseline: the
// window total for counter metrics, the window mean for value metrics.
func (w *openWindow) observation(counter bool) float64 {
	if counter {
		return w.sum
	}
	return w.mean
}

// tracker is the per-(entity, metric) state machine: one open window plus a
// bounded history of closed-window observations.
type tracker struct {
	open    *openWindow
	closed  []float64 // oldest first, len <= retention
	lastID  int64     // newest window accounted for in closed
	counter bool
}

// fillTo appends zero observations for the fully-idle windows between the
// last accounted window and nextID, capped at the retention count. Counter
// metrics only: a window with no events is genuinely zero activity.
func (tr *tracker) fillTo(nextID int64, retention int) {
	gap := nextID - tr.lastID - 1
	if gap > int64(retention) {
		gap = int64(retention)
	}
	for i := int64(0); i < gap; i++ {
		tr.closed = append(tr.closed, 0)
	}
	if nextID-1 > tr.lastID {
		tr.lastID = nextID - 1
	}
}

// baseline returns mean and stddev over the closed-window observations, or
// ok=false during cold start (no closed window yet).
func (tr *tracker) baseline() (mean, stddev float64, ok bool) {
	n := len(tr.closed)
	if n == 0 {
		return 0, 0, false
	}
	var sum float64
	for _, v := range tr.closed {
		sum += v
	}
	mean = sum / float64(n)
	if n > 1 {
		var sq float64
		for _, v := range tr.closed {
			sq += (v - mean) * (v - mean)
		}
		stddev = math.Sqrt(sq / float64(n-1))
	}
	return mean, stddev, true
}

// Detector evaluates events against per-entity sliding baselines.
//
// A Detector instance is owned by exactly one pipeline shard and must not be
// shared: per-entity sequential consistency is the shard's responsibility,
// which keeps this hot path lock-free.
type Detector struct {
	cfg      Config
	trackers map[string]*tracker // key: tenant|entity|metric
}

// NewDetector creates a detector with the given configuration.
func NewDetector(cfg Config) *Detector {
	return &Detector{
		cfg:      cfg.Defaults(),
		trackers: make(map[string]*tracker),
	}
}

// Reconfigure applies new settings on rule document reload. Existing window
// state is kept; threshold and metric list take effect immediately.
func (d *Detector) Reconfigure(cfg Config) {
	d.cfg = cfg.Defaults()
}

// Observe feeds one event into the detector. Window boundaries are derived
// from event timestamps; when an event starts a new window, the previous
// window closes and its observation is scored against the baseline of the
// windows before it (the current window is never compared against itself).
// Returned signals belong to just-closed windows. No signal is emitted until
// at least one full baseline window has completed for that entity/metric.
func (d *Detector) Observe(ev *domain.Event) []domain.AnomalySignal {
	var signals []domain.AnomalySignal

	observe := func(metric string, value float64, counter bool) {
		if sig := d.observeMetric(ev, metric, value, counter); sig != nil {
			signals = append(signals, *sig)
		}
	}

	observe(MetricEventCount, 1, true)
	if isErrorEvent(ev) {
		observe(MetricErrorCount, 1, true)
	}
	if isSensitive(ev) {
		observe(MetricSensitiveCount, 1, true)
	}
	for _, name := range d.cfg.Metrics {
		if v, ok := ev.NumberAttr(name); ok {
			observe(name, v, false)
		}
	}

	return signals
}

func (d *Detector) observeMetric(ev *domain.Event, metric string, value float64, counter bool) *domain.AnomalySignal {
	key := ev.TenantID + "|" + ev.EntityID + "|" + metric
	tr, ok := d.trackers[key]
	if !ok {
		tr = &tracker{counter: counter}
		d.trackers[key] = tr
	}

	windowID := ev.Timestamp.Unix() / int64(d.cfg.WindowSeconds)

	var sig *domain.AnomalySignal
	switch {
	case tr.open == nil:
		// Reopening after a flush closed the previous window: the idle
		// stretch since then counts as zero activity, exactly as an
		// in-stream gap would.
		if tr.counter && len(tr.closed) > 0 {
			tr.fillTo(windowID, d.cfg.RetentionWindows)
			if len(tr.closed) > d.cfg.RetentionWindows {
				tr.closed = tr.closed[len(tr.closed)-d.cfg.RetentionWindows:]
			}
		}
		tr.open = &openWindow{id: windowID}
	case windowID > tr.open.id:
		sig = d.closeWindow(tr, ev, metric, windowID)
	case windowID < tr.open.id:
		// Late event from an already-closed window; fold it into the open
		// window rather than reopening history.
	}

	tr.open.observe(value)
	return sig
}

// closeWindow scores the completed window against the prior baseline, shifts
// it into history, fills any fully-idle gap windows for counter metrics with
// zero observations, and opens a window for newID. History beyond the
// retention count is discarded: memory is O(retention) per metric per entity.
func (d *Detector) closeWindow(tr *tracker, ev *domain.Event, metric string, newID int64) *domain.AnomalySignal {
	closed := tr.open
	observed := closed.observation(tr.counter)

	var sig *domain.AnomalySignal
	if mean, stddev, ok := tr.baseline(); ok {
		dev := stddev
		if dev < minStddev {
			dev = minStddev
		}
		z := (observed - mean) / dev
		if math.Abs(z) >= d.cfg.ZThreshold {
			metrics.AnomalySignals.WithLabelValues(metric).Inc()
			sig = &domain.AnomalySignal{
				TenantID:       ev.TenantID,
				EntityID:       ev.EntityID,
				WindowID:       closed.id,
				MetricName:     metric,
				ObservedValue:  observed,
				BaselineMean:   mean,
				BaselineStddev: stddev,
				ZScore:         z,
				DetectedAt:     ev.Timestamp.UTC(),
			}
		}
	}

	tr.closed = append(tr.closed, observed)
	tr.lastID = closed.id
	if tr.counter {
		tr.fillTo(newID, d.cfg.RetentionWindows)
	}
	if len(tr.closed) > d.cfg.RetentionWindows {
		tr.closed = tr.closed[len(tr.closed)-d.cfg.RetentionWindows:]
	}

	tr.open = &openWindow{id: newID}
	return sig
}

// FlushBefore closes windows whose span ended before the cutoff even when no
// newer event has arrived, returning any signals from those closures. The
// owning shard calls this on a wall-clock tick so quiet entities still close
// their windows.
func (d *Detector) FlushBefore(cutoff time.Time) []domain.AnomalySignal {
	var signals []domain.AnomalySignal
	cutoffID := cutoff.Unix() / int64(d.cfg.WindowSeconds)

	for key, tr := range d.trackers {
		if tr.open == nil || tr.open.id >= cutoffID {
			continue
		}
		tenant, entity, metric := splitKey(key)
		ev := &domain.Event{TenantID: tenant, EntityID: entity, Timestamp: cutoff}
		if sig := d.closeWindow(tr, ev, metric, cutoffID); sig != nil {
			signals = append(signals, *sig)
		}
		// closeWindow opened a fresh window; discard the empty placeholder
		// so the next event decides the real window start.
		tr.open = nil
	}
	return signals
}

// TrackerCount returns how many (entity, metric) trackers exist.
func (d *Detector) TrackerCount() int {
	return len(d.trackers)
}

func splitKey(key string) (tenant, entity, metric string) {
	first := -1
	for i := 0; i < len(key); i++ {
		if key[i] == '|' {
			first = i
			break
		}
	}
	last := -1
	for i := len(key) - 1; i >= 0; i-- {
		if key[i] == '|' {
			last = i
			break
		}
	}
	if first < 0 || last <= first {
		return key, "", ""
	}
	return key[:first], key[first+1 : last], key[last+1:]
}

func isErrorEvent(ev *domain.Event) bool {
	switch ev.StringAttr("level") {
	case "error", "ERROR", "fatal", "FATAL":
		return true
	}
	switch ev.StringAttr("status") {
	case "fail", "failed", "error":
		return true
	}
	return false
}

func isSensitive(ev *domain.Event) bool {
	v, _ := ev.Attr("sensitive").(bool)
	return v
}
