package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opensource-grc/kestrel/internal/domain"
	"github.com/opensource-grc/kestrel/internal/pipeline"
	"github.com/opensource-grc/kestrel/internal/repository"
	"github.com/opensource-grc/kestrel/internal/rules"
	"github.com/opensource-grc/kestrel/internal/ruleset"
)

// Handler holds dependencies for API handlers.
type Handler struct {
	repo     domain.Repository
	cache    domain.Cache
	pipeline *pipeline.Pipeline
	engine   *rules.Engine
	loader   *ruleset.Loader
	version  string
}

// NewHandler creates a new API handler.
func NewHandler(repo domain.Repository, cache domain.Cache, p *pipeline.Pipeline, engine *rules.Engine, loader *ruleset.Loader, version string) *Handler {
	return &Handler{
		repo:     repo,
		cache:    cache,
		pipeline: p,
		engine:   engine,
		loader:   loader,
		version:  version,
	}
}

// IngestRequest is the request body for POST /ingest.
type IngestRequest struct {
	SourceType string            `json:"sourceType"`
	EntityID   string            `json:"entityId,omitempty"`
	Timestamp  string            `json:"timestamp,omitempty"`
	Payload    json.RawMessage   `json:"payload"`
	Headers    []string          `json:"headers,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// IngestResponse is the response for POST /ingest.
type IngestResponse struct {
	Status   string `json:"status"`
	Accepted int    `json:"accepted"`
	Metadata struct {
		TraceID string `json:"traceId"`
		TotalMs int64  `json:"totalMs"`
		Version string `json:"version"`
	} `json:"metadata"`
}

// Ingest handles POST /ingest: it validates the envelope and hands the raw
// input to the pipeline. A full ingest queue is reported as 503 so load
// balancers back off; parse failures inside the payload are not errors here,
// the pipeline quarantines those.
func (h *Handler) Ingest(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	traceID := GetTraceID(ctx)

	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "invalid JSON request body",
		})
		return
	}

	sourceType := domain.SourceType(req.SourceType)
	switch sourceType {
	case domain.SourceDatasetRecord, domain.SourceLogLine:
	default:
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "sourceType must be dataset_record or log_line",
		})
		return
	}
	if len(req.Payload) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "payload is required",
		})
		return
	}

	in := domain.RawInput{
		SourceType: sourceType,
		TenantID:   tenantID,
		EntityID:   req.EntityID,
		Timestamp:  req.Timestamp,
		Payload:    rawPayload(req.Payload),
		Headers:    req.Headers,
		Metadata:   req.Metadata,
	}

	if err := h.pipeline.Submit(in); err != nil {
		if errors.Is(err, domain.ErrQueueFull) {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error": "ingest queue full",
			})
			return
		}
		slog.Error("ingest submit failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	resp := IngestResponse{Status: "accepted", Accepted: 1}
	resp.Metadata.TraceID = traceID
	resp.Metadata.TotalMs = time.Since(start).Milliseconds()
	resp.Metadata.Version = h.version
	writeJSON(w, http.StatusAccepted, resp)
}

// rawPayload unwraps a JSON string payload (log lines arrive quoted) and
// passes objects and arrays through verbatim.
func rawPayload(raw json.RawMessage) []byte {
	if len(raw) > 0 && raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err == nil {
			return []byte(s)
		}
	}
	return raw
}

// Health returns the health of the server and its dependencies.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	status := "healthy"

	if h.repo != nil {
		if err := h.repo.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}
	if h.cache != nil {
		if err := h.cache.Ping(r.Context()); err != nil {
			status = "degraded"
		}
	}

	writeJSON(w, http.StatusOK, map[string]string{
		"status":  status,
		"version": h.version,
	})
}

// Ready returns whether the server is ready to accept traffic.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"ready": "true",
	})
}

// GetEntityRisk retrieves the persisted risk state for an entity.
func (h *Handler) GetEntityRisk(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "id")

	if entityID == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{
			"error": "entity id is required",
		})
		return
	}

	// Short-lived read-through cache: risk queries are dashboard-hot and a
	// few seconds of staleness is acceptable.
	cacheKey := "risk:" + entityID
	if cached, err := h.cache.Get(ctx, tenantID, cacheKey); err == nil && cached != nil {
		var state domain.EntityRiskState
		if json.Unmarshal(cached, &state) == nil {
			writeJSON(w, http.StatusOK, &state)
			return
		}
	}

	state, err := h.repo.GetRiskState(ctx, tenantID, entityID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, map[string]string{
				"error": "no risk state for entity",
			})
			return
		}
		slog.Error("failed to get risk state", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	if snapshot, err := json.Marshal(state); err == nil {
		if err := h.cache.Set(ctx, tenantID, cacheKey, snapshot, 5*time.Second); err != nil {
			slog.Debug("risk snapshot cache write failed", "entity_id", entityID, "error", err)
		}
	}

	writeJSON(w, http.StatusOK, state)
}

// ListEntityViolations retrieves recent violations for an entity.
func (h *Handler) ListEntityViolations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "id")

	violations, err := h.repo.RecentViolations(ctx, tenantID, entityID, queryLimit(r, 100))
	if err != nil {
		slog.Error("failed to list violations", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"violations": violations,
		"count":      len(violations),
	})
}

// ListEntityAnomalies retrieves recent anomaly signals for an entity.
func (h *Handler) ListEntityAnomalies(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "id")

	signals, err := h.repo.RecentAnomalySignals(ctx, tenantID, entityID, queryLimit(r, 100))
	if err != nil {
		slog.Error("failed to list anomaly signals", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"anomalies": signals,
		"count":     len(signals),
	})
}

// ListEntityAudit walks an entity's audit trail in sequence order.
// Supports ?from=<seq> for cursoring: records strictly after that sequence
// number are returned.
func (h *Handler) ListEntityAudit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)
	entityID := chi.URLParam(r, "id")

	var fromSeq int64
	if v := r.URL.Query().Get("from"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, map[string]string{
				"error": "from must be a non-negative integer",
			})
			return
		}
		fromSeq = n
	}

	recs, err := h.repo.ListAuditRecords(ctx, tenantID, entityID, fromSeq, queryLimit(r, 100))
	if err != nil {
		slog.Error("failed to list audit records", "entity_id", entityID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	var nextFrom int64
	if len(recs) > 0 {
		nextFrom = recs[len(recs)-1].SequenceNo
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"records": recs,
		"count":   len(recs),
		"next":    nextFrom,
	})
}

// ListAlerts retrieves recent alerts for the tenant.
func (h *Handler) ListAlerts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	alerts, err := h.repo.RecentAlerts(ctx, tenantID, queryLimit(r, 100))
	if err != nil {
		slog.Error("failed to list alerts", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"alerts": alerts,
		"count":  len(alerts),
	})
}

// ListEvents retrieves recently ingested events for the tenant.
func (h *Handler) ListEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	events, err := h.repo.RecentEvents(ctx, tenantID, queryLimit(r, 100))
	if err != nil {
		slog.Error("failed to list events", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

// ListQuarantined retrieves recently quarantined inputs for operator review.
func (h *Handler) ListQuarantined(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	quarantined, err := h.repo.RecentQuarantined(ctx, tenantID, queryLimit(r, 100))
	if err != nil {
		slog.Error("failed to list quarantined inputs", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"quarantined": quarantined,
		"count":       len(quarantined),
	})
}

// ListRules returns the active rule document.
func (h *Handler) ListRules(w http.ResponseWriter, r *http.Request) {
	doc := h.loader.Document()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"version": doc.Version,
		"rules":   doc.Rules,
		"count":   h.engine.RulesCount(),
	})
}

// ReloadRules re-reads the rule document from disk and swaps it in. A
// document that fails validation or compilation is rejected and the active
// set stays in place.
func (h *Handler) ReloadRules(w http.ResponseWriter, r *http.Request) {
	doc, err := h.loader.Reload()
	if err != nil {
		slog.Error("rule reload rejected", "error", err)
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{
			"error": err.Error(),
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"message": "rule document reloaded",
		"version": doc.Version,
		"count":   h.engine.RulesCount(),
	})
}

// Dashboard returns a tenant activity summary for operator UIs.
func (h *Handler) Dashboard(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantID := GetTenantID(ctx)

	alerts, err := h.repo.RecentAlerts(ctx, tenantID, 20)
	if err != nil {
		slog.Error("dashboard alerts query failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}
	events, err := h.repo.RecentEvents(ctx, tenantID, 20)
	if err != nil {
		slog.Error("dashboard events query failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}
	quarantined, err := h.repo.RecentQuarantined(ctx, tenantID, 20)
	if err != nil {
		slog.Error("dashboard quarantine query failed", "tenant_id", tenantID, "error", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{
			"error": "internal server error",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"recentAlerts":      alerts,
		"recentEvents":      events,
		"recentQuarantined": quarantined,
		"ruleVersion":       h.loader.Document().Version,
		"rulesActive":       h.engine.RulesCount(),
		"ingestQueueDepth":  h.pipeline.QueueDepth(),
	})
}

// queryLimit parses ?limit with a default, capped at 1000.
func queryLimit(r *http.Request, def int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return def
	}
	if n > 1000 {
		n = 1000
	}
	return n
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}
