// Package ingest wires the adapter framework, conversion engine, and shard
// store into the webhook, scheduled-pull, normalization, enrichment, and
// write-back workers of the ingestion pipeline (spec §4.5).
package ingest

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/shardforge/syncengine/internal/httpserver"
	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/queue"
	"github.com/shardforge/syncengine/pkg/tenant"
)

// maxWebhookBody is the spec's 1 MB payload cap.
const maxWebhookBody = 1 << 20

// IngestionEvent is the message shape enqueued onto ingestion-events by
// both the webhook handler and the scheduled-pull worker.
type IngestionEvent struct {
	TenantID      string         `json:"tenant_id"`
	IntegrationID string         `json:"integration_id"`
	ProviderID    string         `json:"provider_id"`
	Entity        string         `json:"entity"`
	ExternalID    string         `json:"external_id"`
	ObservedAt    time.Time      `json:"observed_at"`
	Fields        map[string]any `json:"fields"`
	Deleted       bool           `json:"deleted"`
	Source        string         `json:"source"` // webhook | scheduled
}

// WebhookHandler serves POST /webhooks/{tenantSlug}/{provider}/{integrationId}.
type WebhookHandler struct {
	DB       *pgxpool.Pool
	Registry *adapter.Registry
	Queue    *queue.Queue
	Logger   *slog.Logger
}

// NewWebhookHandler constructs a WebhookHandler publishing onto the
// ingestion-events queue.
func NewWebhookHandler(db *pgxpool.Pool, registry *adapter.Registry, q *queue.Queue, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{DB: db, Registry: registry, Queue: q, Logger: logger}
}

// Mount registers the webhook route on r.
func (h *WebhookHandler) Mount(r chi.Router) {
	r.Post("/webhooks/{tenantSlug}/{provider}/{integrationId}", h.serve)
}

func (h *WebhookHandler) serve(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	tenantSlug := chi.URLParam(r, "tenantSlug")
	providerID := chi.URLParam(r, "provider")
	integrationID := chi.URLParam(r, "integrationId")

	a, ok := h.Registry.Get(providerID)
	if !ok {
		httpserver.RespondError(w, http.StatusNotFound, "unknown_provider", fmt.Sprintf("no adapter registered for %q", providerID))
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody+1))
	if err != nil {
		httpserver.RespondError(w, http.StatusInternalServerError, "read_failed", err.Error())
		return
	}
	if len(body) > maxWebhookBody {
		httpserver.RespondError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "webhook payload exceeds 1 MB")
		return
	}

	verified, events, err := a.VerifyWebhook(body, r.Header)
	if err != nil || !verified {
		httpserver.RespondError(w, http.StatusUnauthorized, "signature_invalid", "webhook signature verification failed")
		return
	}

	t, err := tenant.Lookup(ctx, h.DB, tenantSlug)
	if err != nil {
		httpserver.RespondError(w, http.StatusNotFound, "unknown_tenant", err.Error())
		return
	}

	integID, err := uuid.Parse(integrationID)
	if err != nil {
		httpserver.RespondError(w, http.StatusBadRequest, "invalid_integration_id", err.Error())
		return
	}

	for _, ev := range events {
		msg, sessionKey := buildIngestionEvent(t.ID.String(), integID.String(), providerID, ev)
		if _, err := h.Queue.Publish(ctx, sessionKey, msg); err != nil {
			h.Logger.Error("webhook: enqueueing ingestion event", "provider", providerID, "error", err)
			httpserver.RespondError(w, http.StatusInternalServerError, "enqueue_failed", err.Error())
			return
		}
	}

	httpserver.Respond(w, http.StatusAccepted, map[string]any{"accepted": len(events)})
}

// buildIngestionEvent translates one webhook delivery into its
// ingestion-events wire shape plus the session key that serializes all
// per-record operations for the same external record.
func buildIngestionEvent(tenantID, integrationID, providerID string, ev adapter.WebhookEvent) (IngestionEvent, string) {
	msg := IngestionEvent{
		TenantID:      tenantID,
		IntegrationID: integrationID,
		ProviderID:    providerID,
		Entity:        ev.ExternalType,
		ExternalID:    ev.ExternalID,
		ObservedAt:    ev.ObservedAt,
		Fields:        ev.Record.Fields,
		Deleted:       ev.Deleted,
		Source:        "webhook",
	}
	sessionKey := fmt.Sprintf("%s:%s:%s", tenantID, integrationID, ev.ExternalID)
	return msg, sessionKey
}
