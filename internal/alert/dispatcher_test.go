package alert

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/opensource-grc/kestrel/internal/domain"
)

// fakeCache implements domain.Cache with plain map semantics.
type fakeCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newFakeCache() *fakeCache {
	return &fakeCache{data: make(map[string][]byte)}
}

func (c *fakeCache) Get(ctx context.Context, tenantID, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[tenantID+":"+key], nil
}

func (c *fakeCache) Set(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[tenantID+":"+key] = value
	return nil
}

func (c *fakeCache) Delete(ctx context.Context, tenantID, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, tenantID+":"+key)
	return nil
}

func (c *fakeCache) SetNX(ctx context.Context, tenantID, key string, value []byte, ttl time.Duration) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	full := tenantID + ":" + key
	if _, ok := c.data[full]; ok {
		return false, nil
	}
	c.data[full] = value
	return true, nil
}

func (c *fakeCache) IncrementCounter(ctx context.Context, tenantID, key string, window time.Duration) (int64, error) {
	return 0, nil
}

func (c *fakeCache) Ping(ctx context.Context) error { return nil }
func (c *fakeCache) Close() error                   { return nil }

// fakeBus records published messages; optionally fails the first n publishes.
type fakeBus struct {
	mu        sync.Mutex
	published []string
	failFirst int
	delivered chan struct{}
}

func newFakeBus() *fakeBus {
	return &fakeBus{delivered: make(chan struct{}, 64)}
}

func (b *fakeBus) Publish(ctx context.Context, tenantID, topic string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.failFirst > 0 {
		b.failFirst--
		return errors.New("sink unreachable")
	}
	b.published = append(b.published, topic)
	b.delivered <- struct{}{}
	return nil
}

func (b *fakeBus) Subscribe(ctx context.Context, tenantID, topic string, handler domain.MessageHandler) (domain.Subscription, error) {
	return nil, errors.New("not implemented")
}

func (b *fakeBus) Ping(ctx context.Context) error { return nil }
func (b *fakeBus) Close() error                   { return nil }

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.published)
}

func state(entityID string, score float64) *domain.EntityRiskState {
	return &domain.EntityRiskState{
		TenantID: "tenant-001",
		EntityID: entityID,
		Score:    score,
	}
}

func TestEdgeTriggeredAlert(t *testing.T) {
	d := NewDispatcher(Config{ScoreThreshold: 50}, newFakeCache(), newFakeBus())
	ctx := context.Background()

	// Below threshold: nothing.
	a, err := d.Dispatch(ctx, state("e1", 30), 10, nil)
	if err != nil || a != nil {
		t.Fatalf("expected no alert below threshold, got %+v, %v", a, err)
	}

	// Crossing upward: fires once.
	a, err = d.Dispatch(ctx, state("e1", 60), 30, nil)
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if a == nil {
		t.Fatal("expected alert on upward crossing")
	}
	if a.Severity != domain.SeverityMedium {
		t.Errorf("severity = %s, want medium", a.Severity)
	}

	// Staying above threshold: no re-fire across N consecutive updates.
	for i := 0; i < 5; i++ {
		a, _ = d.Dispatch(ctx, state("e1", 61), 60, nil)
		if a != nil {
			t.Fatalf("re-fired while staying above threshold (update %d)", i)
		}
	}
}

func TestCriticalViolationFiresRegardlessOfScore(t *testing.T) {
	d := NewDispatcher(Config{ScoreThreshold: 50}, newFakeCache(), newFakeBus())

	v := domain.Violation{ID: "v1", RuleID: "r-crit", Severity: domain.SeverityCritical}
	a, err := d.Dispatch(context.Background(), state("e1", 5), 0, []domain.Violation{v})
	if err != nil {
		t.Fatalf("Dispatch failed: %v", err)
	}
	if a == nil {
		t.Fatal("expected alert for critical violation below threshold")
	}
	if a.Severity != domain.SeverityCritical || a.ViolationID != "v1" {
		t.Errorf("unexpected alert: %+v", a)
	}
}

func TestCriticalBurstSuppressed(t *testing.T) {
	d := NewDispatcher(Config{ScoreThreshold: 50}, newFakeCache(), newFakeBus())
	ctx := context.Background()

	// Five critical violations of the same rule in a burst: one alert.
	fired := 0
	score := 0.0
	for i := 0; i < 5; i++ {
		score += 40
		v := domain.Violation{ID: "v", RuleID: "r-crit", Severity: domain.SeverityCritical}
		a, err := d.Dispatch(ctx, state("e1", score), score-40, []domain.Violation{v})
		if err != nil {
			t.Fatalf("Dispatch failed: %v", err)
		}
		if a != nil {
			fired++
			if a.Severity != domain.SeverityCritical {
				t.Errorf("severity = %s, want critical", a.Severity)
			}
		}
	}
	if fired != 1 {
		t.Errorf("alerts fired = %d, want exactly 1 (suppression window)", fired)
	}
}

func TestSuppressionIsPerEntity(t *testing.T) {
	d := NewDispatcher(Config{ScoreThreshold: 50}, newFakeCache(), newFakeBus())
	ctx := context.Background()

	a1, _ := d.Dispatch(ctx, state("e1", 60), 0, nil)
	a2, _ := d.Dispatch(ctx, state("e2", 60), 0, nil)
	if a1 == nil || a2 == nil {
		t.Error("alerts for distinct entities must not suppress each other")
	}
}

func TestSeverityScalesWithScore(t *testing.T) {
	cases := []struct {
		score float64
		want  domain.Severity
	}{
		{60, domain.SeverityMedium},
		{110, domain.SeverityHigh},
		{200, domain.SeverityCritical},
	}
	for _, tc := range cases {
		d := NewDispatcher(Config{ScoreThreshold: 50}, newFakeCache(), newFakeBus())
		a, _ := d.Dispatch(context.Background(), state("e1", tc.score), 0, nil)
		if a == nil {
			t.Fatalf("no alert at score %v", tc.score)
		}
		if a.Severity != tc.want {
			t.Errorf("score %v: severity = %s, want %s", tc.score, a.Severity, tc.want)
		}
	}
}

func TestDeliveryRetriesWithBackoff(t *testing.T) {
	bus := newFakeBus()
	bus.failFirst = 2

	d := NewDispatcher(Config{ScoreThreshold: 50, RetryBaseMs: 1, RetryMaxAttempts: 5}, newFakeCache(), bus)
	a, _ := d.Dispatch(context.Background(), state("e1", 60), 0, nil)
	if a == nil {
		t.Fatal("expected alert")
	}

	select {
	case <-bus.delivered:
	case <-time.After(2 * time.Second):
		t.Fatal("alert was not delivered after retries")
	}
	if bus.count() != 1 {
		t.Errorf("published = %d, want 1", bus.count())
	}
}

func TestDrainWaitsForRetryingDelivery(t *testing.T) {
	bus := newFakeBus()
	bus.failFirst = 3

	d := NewDispatcher(Config{ScoreThreshold: 50, RetryBaseMs: 20, RetryMaxAttempts: 5}, newFakeCache(), bus)
	a, _ := d.Dispatch(context.Background(), state("e1", 60), 0, nil)
	if a == nil {
		t.Fatal("expected alert")
	}

	// The delivery is mid-retry when Drain is called; it must not return
	// until the publish lands.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.Drain(ctx); err != nil {
		t.Fatalf("Drain: %v", err)
	}
	if bus.count() != 1 {
		t.Errorf("published = %d after drain, want 1", bus.count())
	}
}

func TestDrainHonorsContextDeadline(t *testing.T) {
	bus := newFakeBus()
	bus.failFirst = 1000

	d := NewDispatcher(Config{ScoreThreshold: 50, RetryBaseMs: 200, RetryMaxAttempts: 10}, newFakeCache(), bus)
	if a, _ := d.Dispatch(context.Background(), state("e1", 60), 0, nil); a == nil {
		t.Fatal("expected alert")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if err := d.Drain(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Drain = %v, want deadline exceeded", err)
	}
}

func TestDeliveryFailureDoesNotBlockDispatch(t *testing.T) {
	bus := newFakeBus()
	bus.failFirst = 1000 // effectively always failing

	d := NewDispatcher(Config{ScoreThreshold: 50, RetryBaseMs: 1, RetryMaxAttempts: 2}, newFakeCache(), bus)

	start := time.Now()
	a, err := d.Dispatch(context.Background(), state("e1", 60), 0, nil)
	if err != nil || a == nil {
		t.Fatalf("Dispatch failed: %+v, %v", a, err)
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("Dispatch blocked on delivery")
	}
}
