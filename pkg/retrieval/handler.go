package retrieval

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/shardforge/syncengine/internal/auth"
	"github.com/shardforge/syncengine/internal/httpserver"
	"github.com/shardforge/syncengine/pkg/project"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// Handler serves the semantic/hybrid search API (spec §6).
type Handler struct {
	Engine *Engine
}

// NewHandler constructs a Handler.
func NewHandler(engine *Engine) *Handler {
	return &Handler{Engine: engine}
}

// Routes returns a chi.Router with the retrieval routes mounted.
func (h *Handler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/search/semantic", h.handleSemanticSearch)
	r.Post("/search/hybrid", h.handleHybridSearch)
	return r
}

// filterRequest is the wire shape shared by both search endpoints' filter
// field.
type filterRequest struct {
	ProjectID               string  `json:"project_id,omitempty"`
	MinConfidence           float64 `json:"min_confidence,omitempty"`
	MaxShards               int     `json:"max_shards,omitempty"`
	MaxDepth                int     `json:"max_depth,omitempty"`
	IncludeExternal         bool    `json:"include_external,omitempty"`
	ShardTypeID             string  `json:"shard_type_id,omitempty"`
	AllowTenantWideFallback bool    `json:"allow_tenant_wide_fallback,omitempty"`
}

func (f filterRequest) toFilter() (Filter, error) {
	filter := Filter{
		ShardTypeID:             f.ShardTypeID,
		AllowTenantWideFallback: f.AllowTenantWideFallback,
		ProjectParams: project.Params{
			MinConfidence:   f.MinConfidence,
			MaxShards:       f.MaxShards,
			MaxDepth:        f.MaxDepth,
			IncludeExternal: f.IncludeExternal,
		},
	}
	if f.ProjectID != "" {
		id, err := uuid.Parse(f.ProjectID)
		if err != nil {
			return Filter{}, err
		}
		filter.ProjectID = &id
	}
	return filter, nil
}

type semanticSearchRequest struct {
	Query    string        `json:"query" validate:"required"`
	Filter   filterRequest `json:"filter"`
	TopK     int           `json:"top_k"`
	MinScore float64       `json:"min_score"`
}

type hybridSearchRequest struct {
	Query        string        `json:"query" validate:"required"`
	KeywordQuery string        `json:"keyword_query" validate:"required"`
	Filter       filterRequest `json:"filter"`
	TopK         int           `json:"top_k"`
}

type searchResponse struct {
	Hits []Hit `json:"hits"`
}

func (h *Handler) handleSemanticSearch(w http.ResponseWriter, r *http.Request) {
	var req semanticSearchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	filter, err := req.Filter.toFilter()
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_project_id", err.Error())
		return
	}

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())
	principal := principalFromContext(r)

	hits, err := h.Engine.SemanticSearch(r.Context(), conn, t.ID, principal, req.Query, filter, req.TopK, req.MinScore)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, searchResponse{Hits: hits})
}

func (h *Handler) handleHybridSearch(w http.ResponseWriter, r *http.Request) {
	var req hybridSearchRequest
	if !httpserver.DecodeAndValidate(w, r, &req) {
		return
	}
	filter, err := req.Filter.toFilter()
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_project_id", err.Error())
		return
	}

	t := tenant.FromContext(r.Context())
	conn := tenant.ConnFromContext(r.Context())
	principal := principalFromContext(r)

	hits, err := h.Engine.HybridSearch(r.Context(), conn, t.ID, principal, req.Query, req.KeywordQuery, filter, req.TopK)
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "search_failed", err.Error())
		return
	}
	httpserver.Respond(w, http.StatusOK, searchResponse{Hits: hits})
}

// principalFromContext maps the authenticated API key identity onto the
// principal string shard ACLs are evaluated against.
func principalFromContext(r *http.Request) string {
	id := auth.FromContext(r.Context())
	if id == nil {
		return ""
	}
	if id.IsAdmin {
		return "tenant:*"
	}
	return "user:" + id.Name
}
