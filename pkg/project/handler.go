package project

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shardforge/syncengine/internal/httpserver"
	"github.com/shardforge/syncengine/pkg/insight"
	"github.com/shardforge/syncengine/pkg/shard"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// Handler serves the project context, relationship-curation, and insights
// API (spec §6).
type Handler struct {
	Resolver *Resolver
	Store    *shard.Store
}

// NewHandler constructs a Handler.
func NewHandler(resolver *Resolver, store *shard.Store) *Handler {
	return &Handler{Resolver: resolver, Store: store}
}

// Routes returns a chi.Router with the project routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/{id}/context", h.handleContext)
	r.Patch("/{id}/internal-relationships", h.handlePatchInternalRelationships)
	r.Patch("/{id}/external-relationships", h.handlePatchExternalRelationships)
	r.Get("/{id}/insights", h.handleInsights)
	return r
}

func (h *Handler) parseProjectID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_project_id", err.Error())
		return uuid.Nil, false
	}
	return id, true
}

func (h *Handler) handleContext(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.parseProjectID(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	params := Params{MaxDepth: 3}
	if v := q.Get("minConfidence"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			params.MinConfidence = f
		}
	}
	if v := q.Get("maxShards"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			params.MaxShards = n
		}
	}
	params.IncludeExternal = q.Get("includeExternal") == "true"

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	result, err := h.Resolver.Resolve(r.Context(), conn, t.ID, projectID, params)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, result)
}

type relationshipPatchRequest struct {
	Add    []shard.InternalRelationship `json:"add,omitempty"`
	Remove []uuid.UUID                  `json:"remove,omitempty"`
}

type externalRelationshipPatchRequest struct {
	Add    []shard.ExternalRelationship `json:"add,omitempty"`
	Remove []string                     `json:"remove,omitempty"` // "system:system_type:external_id"
}

func (h *Handler) handlePatchInternalRelationships(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.parseProjectID(w, r)
	if !ok {
		return
	}
	var req relationshipPatchRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	proj, err := h.Store.FindByID(r.Context(), conn, t.ID, projectID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "project_not_found", err.Error())
		return
	}

	removed := map[uuid.UUID]bool{}
	for _, id := range req.Remove {
		removed[id] = true
	}
	kept := proj.InternalRelationships[:0]
	for _, rel := range proj.InternalRelationships {
		if !removed[rel.TargetShardID] {
			kept = append(kept, rel)
		}
	}
	proj.InternalRelationships = append(kept, req.Add...)
	for i := range proj.InternalRelationships {
		if proj.InternalRelationships[i].Source == "" {
			proj.InternalRelationships[i].Source = "manual"
		}
	}

	if err := h.Store.Update(r.Context(), conn, proj); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	if err := h.Resolver.Invalidate(r.Context(), t.ID, projectID); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "cache_invalidation_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, proj)
}

func (h *Handler) handlePatchExternalRelationships(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.parseProjectID(w, r)
	if !ok {
		return
	}
	var req externalRelationshipPatchRequest
	if err := httpserver.Decode(r, &req); err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	proj, err := h.Store.FindByID(r.Context(), conn, t.ID, projectID)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "project_not_found", err.Error())
		return
	}

	removed := map[string]bool{}
	for _, key := range req.Remove {
		removed[key] = true
	}
	kept := proj.ExternalRelationships[:0]
	for _, ext := range proj.ExternalRelationships {
		if !removed[ext.System+":"+ext.SystemType+":"+ext.ExternalID] {
			kept = append(kept, ext)
		}
	}
	proj.ExternalRelationships = append(kept, req.Add...)

	if err := h.Store.Update(r.Context(), conn, proj); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "update_failed", err.Error())
		return
	}
	if err := h.Resolver.Invalidate(r.Context(), t.ID, projectID); err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "cache_invalidation_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, proj)
}

type insightsResponse struct {
	KPIs []*shard.Shard `json:"kpis"`
}

// handleInsights returns the KPI shards whose provenance traces back into
// the project's resolved member set, i.e. the insight shards this project
// actually contributed data to.
func (h *Handler) handleInsights(w http.ResponseWriter, r *http.Request) {
	projectID, ok := h.parseProjectID(w, r)
	if !ok {
		return
	}

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())

	ctxResult, err := h.Resolver.Resolve(r.Context(), conn, t.ID, projectID, Params{})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "resolve_failed", err.Error())
		return
	}
	members := map[uuid.UUID]bool{}
	for _, m := range ctxResult.Members {
		members[m.ShardID] = true
	}

	kpiShards, err := h.Store.QueryByTenant(r.Context(), conn, t.ID, shard.Filter{ShardTypeID: insight.ShardTypeInsightKPI, Limit: 50})
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "query_failed", err.Error())
		return
	}

	var out []*shard.Shard
	for _, s := range kpiShards {
		for _, rel := range s.InternalRelationships {
			if rel.Kind == shard.RelProvenance && members[rel.TargetShardID] {
				out = append(out, s)
				break
			}
		}
	}
	httpserver.Respond(w, http.StatusOK, insightsResponse{KPIs: out})
}
