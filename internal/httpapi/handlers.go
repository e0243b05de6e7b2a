// Package httpapi serves the local decision and diagnostics API. The
// server binds loopback by default; anything wider is a deployment
// decision made in config.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/kestrelquant/adaptengine/internal/engine"
	"github.com/kestrelquant/adaptengine/internal/metrics"
	"github.com/kestrelquant/adaptengine/internal/sched"
	"github.com/kestrelquant/adaptengine/internal/store/snapshotcache"
	"github.com/kestrelquant/adaptengine/internal/stream"
	"github.com/kestrelquant/adaptengine/internal/trade"
)

const diagnosticsCacheKey = "diagnostics"

// Pinger is the slice of the store the health endpoint probes.
type Pinger interface {
	HealthCheck(ctx context.Context) error
}

// Deps wires the handlers to the rest of the process. Engine is
// required; everything else degrades gracefully when nil.
type Deps struct {
	Engine         *engine.Engine
	Sched          *sched.Scheduler
	Store          Pinger
	Cache          snapshotcache.Cache
	Metrics        *metrics.Registry
	Bus            *stream.Bus
	Version        string
	DiagnosticsTTL time.Duration
}

// Handlers holds all endpoint implementations.
type Handlers struct {
	deps    Deps
	started time.Time
}

// NewHandlers builds the handler set.
func NewHandlers(deps Deps) *Handlers {
	if deps.DiagnosticsTTL <= 0 {
		deps.DiagnosticsTTL = 5 * time.Second
	}
	return &Handlers{deps: deps, started: time.Now()}
}

// ErrorResponse is the standard error envelope.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Code      string    `json:"code"`
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

func (h *Handlers) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"json_encoding_failed"}`, http.StatusInternalServerError)
	}
}

func (h *Handlers) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	h.writeJSON(w, status, ErrorResponse{
		Error:     http.StatusText(status),
		Message:   message,
		Code:      code,
		RequestID: requestIDFrom(r.Context()),
		Timestamp: time.Now().UTC(),
	})
}

// HealthResponse reports process liveness and store reachability.
type HealthResponse struct {
	Status    string    `json:"status"`
	Version   string    `json:"version,omitempty"`
	Uptime    string    `json:"uptime"`
	Store     string    `json:"store"`
	Breaker   string    `json:"breaker"`
	Timestamp time.Time `json:"timestamp"`
}

// Health handles GET /health.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:    "ok",
		Version:   h.deps.Version,
		Uptime:    time.Since(h.started).Round(time.Second).String(),
		Store:     "ok",
		Breaker:   "closed",
		Timestamp: time.Now().UTC(),
	}
	if h.deps.Store != nil {
		if err := h.deps.Store.HealthCheck(r.Context()); err != nil {
			resp.Status = "degraded"
			resp.Store = err.Error()
		}
	}
	if h.deps.Engine.Diagnostics().Breaker.Open {
		resp.Breaker = "open"
	}

	status := http.StatusOK
	if resp.Status != "ok" {
		status = http.StatusServiceUnavailable
	}
	h.writeJSON(w, status, resp)
}

// Diagnostics handles GET /diagnostics. Responses are cached briefly so
// dashboards polling every second do not contend with the decide path.
func (h *Handlers) Diagnostics(w http.ResponseWriter, r *http.Request) {
	if h.deps.Cache != nil {
		if cached, ok := h.deps.Cache.Get(diagnosticsCacheKey); ok {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write(cached)
			return
		}
	}

	diag := h.deps.Engine.Diagnostics()
	body, err := json.Marshal(diag)
	if err != nil {
		h.writeError(w, r, http.StatusInternalServerError, "diagnostics_failed", err.Error())
		return
	}
	if h.deps.Cache != nil {
		h.deps.Cache.Set(diagnosticsCacheKey, body, h.deps.DiagnosticsTTL)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(body)
}

// Decisions handles GET /decisions?limit=N from the in-memory journal,
// newest first.
func (h *Handlers) Decisions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			h.writeError(w, r, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	if limit > 500 {
		limit = 500
	}

	decisions := h.deps.Engine.RecentDecisions(limit)
	h.writeJSON(w, http.StatusOK, map[string]interface{}{
		"decisions": decisions,
		"count":     len(decisions),
	})
}

// Decide handles POST /decide.
func (h *Handlers) Decide(w http.ResponseWriter, r *http.Request) {
	var req engine.DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if req.Symbol == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_symbol", "symbol is required")
		return
	}

	decision := h.deps.Engine.Decide(r.Context(), req)
	h.writeJSON(w, http.StatusOK, decision)
}

// Outcome handles POST /outcome. The decision id rides in the body.
func (h *Handlers) Outcome(w http.ResponseWriter, r *http.Request) {
	var out trade.Outcome
	if err := json.NewDecoder(r.Body).Decode(&out); err != nil {
		h.writeError(w, r, http.StatusBadRequest, "invalid_body", err.Error())
		return
	}
	if out.DecisionID == "" {
		h.writeError(w, r, http.StatusBadRequest, "missing_decision_id", "decision_id is required")
		return
	}

	err := h.deps.Engine.LearnFromOutcome(r.Context(), out.DecisionID, out)
	switch {
	case err == nil:
		h.writeJSON(w, http.StatusOK, map[string]string{"status": "learned", "decision_id": out.DecisionID})
	case errors.Is(err, engine.ErrUnknownDecision):
		h.writeError(w, r, http.StatusNotFound, "unknown_decision", err.Error())
	case errors.Is(err, engine.ErrDuplicateOutcome):
		h.writeError(w, r, http.StatusConflict, "duplicate_outcome", err.Error())
	case errors.Is(err, engine.ErrNotEntered), errors.Is(err, engine.ErrInvalidOutcome):
		h.writeError(w, r, http.StatusUnprocessableEntity, "outcome_rejected", err.Error())
	default:
		h.writeError(w, r, http.StatusInternalServerError, "learn_failed", err.Error())
	}
}

// Scheduler handles GET /scheduler.
func (h *Handlers) Scheduler(w http.ResponseWriter, r *http.Request) {
	if h.deps.Sched == nil {
		h.writeError(w, r, http.StatusNotFound, "scheduler_disabled", "no scheduler in this process")
		return
	}
	h.writeJSON(w, http.StatusOK, h.deps.Sched.Status())
}

// NotFound handles unmatched routes.
func (h *Handlers) NotFound(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	h.writeError(w, r, http.StatusNotFound, "endpoint_not_found", "the requested endpoint does not exist")
}
