package governance

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shardforge/syncengine/internal/httpserver"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// Handler serves the redaction config, audit trail, and retrieval metrics
// API (spec §6). Audit and Redactor are stateless; every method takes the
// request's tenant-scoped connection explicitly.
type Handler struct {
	Audit    Audit
	Redactor Redactor
	Metrics  *MetricsStore
}

// NewHandler constructs a Handler.
func NewHandler(metrics *MetricsStore) *Handler {
	return &Handler{Audit: Audit{}, Redactor: Redactor{}, Metrics: metrics}
}

// Routes returns a chi.Router with the governance routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/redaction/config", h.handleGetRedactionConfig)
	r.Put("/redaction/config", h.handlePutRedactionConfig)
	r.Delete("/redaction/config", h.handleDeleteRedactionConfig)
	r.Get("/audit-trail", h.handleAuditTrail)
	r.Get("/metrics", h.handleMetrics)
	r.Get("/metrics/aggregated", h.handleMetricsAggregated)
	return r
}

func (h *Handler) handleGetRedactionConfig(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())

	cfg, err := h.Redactor.GetConfig(r.Context(), conn)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "load_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, cfg)
}

type putRedactionConfigRequest struct {
	Rules []RedactionRule `json:"rules"`
}

func (h *Handler) handlePutRedactionConfig(w http.ResponseWriter, r *http.Request) {
	var req putRedactionConfigRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	conn := tenant.ConnFromContext(r.Context())

	cfg, err := h.Redactor.PutConfig(r.Context(), conn, req.Rules)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "put_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, cfg)
}

func (h *Handler) handleDeleteRedactionConfig(w http.ResponseWriter, r *http.Request) {
	conn := tenant.ConnFromContext(r.Context())

	if err := h.Redactor.DeleteConfig(r.Context(), conn); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "delete_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusNoContent, nil)
}

func (h *Handler) handleAuditTrail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := QueryFilter{Actor: q.Get("actor")}

	if v := q.Get("target"); v != "" {
		id, err := uuid.Parse(v)
		if err != nil {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_target", err.Error())
			return
		}
		filter.TargetShardID = id
	}
	var err error
	filter.From, filter.To, err = parseTimeRange(q)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_time_range", err.Error())
		return
	}

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	entries, err := h.Audit.Query(r.Context(), conn, t.ID, filter)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"entries": entries})
}

func (h *Handler) handleMetrics(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")

	from, to, err := parseTimeRange(q)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_time_range", err.Error())
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	samples, err := h.Metrics.Query(r.Context(), conn, kind, from, to)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, map[string]any{"samples": samples})
}

func (h *Handler) handleMetricsAggregated(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	kind := q.Get("kind")
	if kind == "" {
		httpserver.RespondError(w, http.StatusBadRequest, "missing_kind", "kind is required")
		return
	}

	percentile := 0.95
	if v := q.Get("percentile"); v != "" {
		p, err := strconv.ParseFloat(v, 64)
		if err != nil || p <= 0 || p > 1 {
			httpserver.RespondError(w, http.StatusBadRequest, "invalid_percentile", "percentile must be in (0, 1]")
			return
		}
		percentile = p
	}

	from, to, err := parseTimeRange(q)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_time_range", err.Error())
		return
	}

	conn := tenant.ConnFromContext(r.Context())
	result, err := h.Metrics.Aggregate(r.Context(), conn, kind, percentile, from, to)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "aggregate_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

// parseTimeRange reads optional from/to RFC3339 query params, defaulting to
// the last 24 hours when from is omitted and now when to is omitted.
func parseTimeRange(q interface{ Get(string) string }) (from, to time.Time, err error) {
	to = time.Now().UTC()
	from = to.Add(-24 * time.Hour)

	if v := q.Get("from"); v != "" {
		from, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	if v := q.Get("to"); v != "" {
		to, err = time.Parse(time.RFC3339, v)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
	}
	return from, to, nil
}
