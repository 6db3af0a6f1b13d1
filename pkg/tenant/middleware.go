package tenant

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/internal/httpserver"
)

// Middleware resolves the tenant named by the X-Tenant-Slug header (or the
// {tenant} path segment under /api/v1/tenants/{tenant}/...), looks it up
// against public.tenants, and stores both the tenant Info and a pool
// connection with search_path pinned to the tenant's schema in the request
// context for the remainder of the handler chain.
//
// It must run after auth middleware (which establishes the caller's
// identity) and before any handler that touches tenant-scoped tables.
func Middleware(db *pgxpool.Pool) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ctx := r.Context()

			slug := slugFromRequest(r)
			if slug == "" {
				httpserver.RespondError(w, http.StatusBadRequest, "missing_tenant", "request does not identify a tenant")
				return
			}

			info, err := Lookup(ctx, db, slug)
			if err != nil {
				if err == ErrNotFound {
					httpserver.RespondError(w, http.StatusNotFound, "tenant_not_found", fmt.Sprintf("no tenant with slug %q", slug))
					return
				}
				httpserver.RespondError(w, http.StatusInternalServerError, "tenant_lookup_failed", "failed to resolve tenant")
				return
			}

			conn, err := db.Acquire(ctx)
			if err != nil {
				httpserver.RespondError(w, http.StatusInternalServerError, "tenant_conn_failed", "failed to acquire tenant connection")
				return
			}
			defer conn.Release()

			if _, err := conn.Exec(ctx, fmt.Sprintf("SET search_path = %s, public", info.Schema)); err != nil {
				httpserver.RespondError(w, http.StatusInternalServerError, "tenant_conn_failed", "failed to scope tenant connection")
				return
			}

			ctx = NewContext(ctx, info)
			ctx = NewConnContext(ctx, conn)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// slugFromRequest extracts a tenant slug from the X-Tenant-Slug header, or
// failing that, from a path of the form /api/v1/tenants/{slug}/...
func slugFromRequest(r *http.Request) string {
	if slug := r.Header.Get("X-Tenant-Slug"); slug != "" {
		return slug
	}

	const marker = "/tenants/"
	path := r.URL.Path
	idx := strings.Index(path, marker)
	if idx == -1 {
		return ""
	}
	rest := path[idx+len(marker):]
	if end := strings.Index(rest, "/"); end != -1 {
		return rest[:end]
	}
	return rest
}
