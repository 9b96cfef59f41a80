package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/opensource-grc/kestrel/internal/bus"
	"github.com/opensource-grc/kestrel/internal/cache"
	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/pipeline"
	"github.com/opensource-grc/kestrel/internal/repository"
	"github.com/opensource-grc/kestrel/internal/rules"
	"github.com/opensource-grc/kestrel/internal/ruleset"
)

const testRuleDoc = `
version: "2026-04-01"
rules:
  - id: r-large-amount
    name: Large amount
    when: 'double(attrs.amount) > 1000.0'
    severity: high
    enabled: true
alerting:
  score_threshold: 50
`

type testEnv struct {
	server   *Server
	pipeline *pipeline.Pipeline
	docPath  string
}

// createTestServer wires a server against SQLite, the in-process cache, and
// the channel bus.
func createTestServer(t *testing.T, queueSize int, start bool) *testEnv {
	t.Helper()

	tmpFile, err := os.CreateTemp("", "kestrel-api-*.db")
	if err != nil {
		t.Fatalf("create temp file: %v", err)
	}
	tmpPath := tmpFile.Name()
	tmpFile.Close()
	t.Cleanup(func() { os.Remove(tmpPath) })

	repo, err := repository.New(domain.RepositoryConfig{
		Driver:     "sqlite",
		SQLitePath: tmpPath,
	})
	if err != nil {
		t.Fatalf("create repository: %v", err)
	}
	t.Cleanup(func() { repo.Close() })

	docPath := filepath.Join(t.TempDir(), "rules.yaml")
	if err := os.WriteFile(docPath, []byte(testRuleDoc), 0o644); err != nil {
		t.Fatalf("write rule document: %v", err)
	}
	engine, err := rules.NewEngine()
	if err != nil {
		t.Fatalf("create rule engine: %v", err)
	}
	loader, err := ruleset.NewLoader(docPath, engine)
	if err != nil {
		t.Fatalf("load rule document: %v", err)
	}

	c := cache.NewLRUCache(1000)
	p := pipeline.New(domain.PipelineConfig{
		IngestQueueSize: queueSize,
		EvalWorkers:     2,
		ShardCount:      2,
		ShardQueueSize:  32,
	}, pipeline.Deps{
		Repo:   repo,
		Cache:  c,
		Bus:    bus.NewChannelBus(100),
		Engine: engine,
		Loader: loader,
	})
	if start {
		p.Start()
	}

	cfg := domain.ServerConfig{
		Host:         "localhost",
		Port:         8080,
		ReadTimeout:  30,
		WriteTimeout: 30,
	}
	return &testEnv{
		server:   NewServer(cfg, repo, c, p, engine, loader, "test-v1"),
		pipeline: p,
		docPath:  docPath,
	}
}

func (e *testEnv) drain(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := e.pipeline.Stop(ctx); err != nil {
		t.Fatalf("drain pipeline: %v", err)
	}
}

func (e *testEnv) do(t *testing.T, method, path, tenant string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if tenant != "" {
		req.Header.Set(TenantIDHeader, tenant)
	}
	w := httptest.NewRecorder()
	e.server.Router().ServeHTTP(w, req)
	return w
}

func ingestBody(t *testing.T, entityID string, amount float64) []byte {
	t.Helper()
	payload := fmt.Sprintf(`{"entity_id":%q,"timestamp":"2026-04-01T10:00:00Z","amount":%g}`, entityID, amount)
	body, err := json.Marshal(IngestRequest{
		SourceType: string(domain.SourceDatasetRecord),
		Payload:    json.RawMessage(payload),
	})
	if err != nil {
		t.Fatalf("marshal ingest request: %v", err)
	}
	return body
}

func TestIngestEndpoint(t *testing.T) {
	env := createTestServer(t, 64, true)
	defer env.drain(t)

	t.Run("SuccessfulIngest", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/ingest", "tenant-001", ingestBody(t, "acct-1", 200))
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
		}
		var resp IngestResponse
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Status != "accepted" {
			t.Errorf("expected status accepted, got %s", resp.Status)
		}
	})

	t.Run("MissingTenantHeader", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/ingest", "", ingestBody(t, "acct-1", 200))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("InvalidTenantHeader", func(t *testing.T) {
		// Tenant IDs become tenant|entity composite keys downstream; the
		// separator must never get past the edge.
		for _, tenant := range []string{"bad|tenant", "has space", strings.Repeat("t", 65)} {
			w := env.do(t, http.MethodPost, "/ingest", tenant, ingestBody(t, "acct-1", 200))
			if w.Code != http.StatusBadRequest {
				t.Errorf("tenant %q: expected 400, got %d", tenant, w.Code)
			}
		}
	})

	t.Run("InvalidSourceType", func(t *testing.T) {
		body, _ := json.Marshal(IngestRequest{
			SourceType: "carrier_pigeon",
			Payload:    json.RawMessage(`{"entity_id":"acct-1"}`),
		})
		w := env.do(t, http.MethodPost, "/ingest", "tenant-001", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("MissingPayload", func(t *testing.T) {
		body, _ := json.Marshal(IngestRequest{
			SourceType: string(domain.SourceDatasetRecord),
		})
		w := env.do(t, http.MethodPost, "/ingest", "tenant-001", body)
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})

	t.Run("InvalidJSONBody", func(t *testing.T) {
		w := env.do(t, http.MethodPost, "/ingest", "tenant-001", []byte(`{"broken`))
		if w.Code != http.StatusBadRequest {
			t.Errorf("expected 400, got %d", w.Code)
		}
	})
}

func TestIngestBackpressureReturns503(t *testing.T) {
	// Not started: the queue fills and stays full.
	env := createTestServer(t, 2, false)
	defer env.drain(t)

	for i := 0; i < 2; i++ {
		w := env.do(t, http.MethodPost, "/ingest", "tenant-001", ingestBody(t, "acct-1", float64(100+i)))
		if w.Code != http.StatusAccepted {
			t.Fatalf("expected 202 for submission %d, got %d", i, w.Code)
		}
	}
	w := env.do(t, http.MethodPost, "/ingest", "tenant-001", ingestBody(t, "acct-1", 999))
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when queue is full, got %d", w.Code)
	}
}

func TestEntityQueryEndpoints(t *testing.T) {
	env := createTestServer(t, 64, true)

	w := env.do(t, http.MethodPost, "/ingest", "tenant-001", ingestBody(t, "acct-9", 5000))
	if w.Code != http.StatusAccepted {
		t.Fatalf("ingest failed: %d %s", w.Code, w.Body.String())
	}
	env.drain(t)

	t.Run("RiskState", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/entities/acct-9/risk", "tenant-001", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var state domain.EntityRiskState
		if err := json.Unmarshal(w.Body.Bytes(), &state); err != nil {
			t.Fatalf("decode state: %v", err)
		}
		if state.Score <= 0 {
			t.Errorf("expected positive score, got %.3f", state.Score)
		}
	})

	t.Run("RiskStateNotFound", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/entities/nobody/risk", "tenant-001", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404, got %d", w.Code)
		}
	})

	t.Run("Violations", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/entities/acct-9/violations", "tenant-001", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Count int `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 violation, got %d", resp.Count)
		}
	})

	t.Run("AuditTrail", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/entities/acct-9/audit", "tenant-001", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Count int `json:"count"`
			Next  int `json:"next"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Count < 2 {
			t.Errorf("expected at least 2 audit records, got %d", resp.Count)
		}
		if resp.Next == 0 {
			t.Error("expected a nonzero cursor")
		}
	})

	t.Run("TenantIsolation", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/entities/acct-9/risk", "tenant-002", nil)
		if w.Code != http.StatusNotFound {
			t.Errorf("expected 404 for other tenant, got %d", w.Code)
		}
	})
}

func TestRuleEndpoints(t *testing.T) {
	env := createTestServer(t, 64, true)
	defer env.drain(t)

	t.Run("ListRules", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/rules", "tenant-001", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp struct {
			Version string `json:"version"`
			Count   int    `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Version != "2026-04-01" {
			t.Errorf("expected version 2026-04-01, got %s", resp.Version)
		}
		if resp.Count != 1 {
			t.Errorf("expected 1 rule, got %d", resp.Count)
		}
	})

	t.Run("ReloadRules", func(t *testing.T) {
		updated := `
version: "2026-05-01"
rules:
  - id: r-large-amount
    name: Large amount
    when: 'double(attrs.amount) > 500.0'
    severity: high
    enabled: true
  - id: r-off-hours
    name: Off hours
    when: 'hour < 6'
    severity: medium
    enabled: true
`
		if err := os.WriteFile(env.docPath, []byte(updated), 0o644); err != nil {
			t.Fatalf("rewrite rule document: %v", err)
		}
		w := env.do(t, http.MethodPost, "/rules/reload", "tenant-001", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
		}
		var resp struct {
			Version string `json:"version"`
			Count   int    `json:"count"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Version != "2026-05-01" || resp.Count != 2 {
			t.Errorf("expected version 2026-05-01 with 2 rules, got %s with %d", resp.Version, resp.Count)
		}
	})

	t.Run("ReloadRejectsBrokenDocument", func(t *testing.T) {
		if err := os.WriteFile(env.docPath, []byte("version: \"x\"\nrules:\n  - id: broken\n    when: 'attrs.amount >'\n    severity: high\n    enabled: true\n"), 0o644); err != nil {
			t.Fatalf("rewrite rule document: %v", err)
		}
		w := env.do(t, http.MethodPost, "/rules/reload", "tenant-001", nil)
		if w.Code != http.StatusUnprocessableEntity {
			t.Fatalf("expected 422, got %d", w.Code)
		}
		// Active document is unchanged.
		w = env.do(t, http.MethodGet, "/rules", "tenant-001", nil)
		var resp struct {
			Version string `json:"version"`
		}
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp.Version != "2026-05-01" {
			t.Errorf("expected active version 2026-05-01, got %s", resp.Version)
		}
	})
}

func TestHealthEndpoints(t *testing.T) {
	env := createTestServer(t, 64, false)
	defer env.drain(t)

	t.Run("Health", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/health", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
		var resp map[string]string
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("decode response: %v", err)
		}
		if resp["status"] != "healthy" {
			t.Errorf("expected healthy, got %s", resp["status"])
		}
		if resp["version"] != "test-v1" {
			t.Errorf("expected version test-v1, got %s", resp["version"])
		}
	})

	t.Run("Ready", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/ready", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	})

	t.Run("Metrics", func(t *testing.T) {
		w := env.do(t, http.MethodGet, "/metrics", "", nil)
		if w.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d", w.Code)
		}
	})
}
