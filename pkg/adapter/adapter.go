// Package adapter defines the polymorphic capability set every provider
// integration implements, plus the shared HTTP/rate-limit/backoff/circuit
// breaker helper every concrete adapter is built on.
package adapter

import (
	"context"
	"net/http"
	"time"

	"github.com/shardforge/syncengine/pkg/credential"
)

// Record is one raw record returned by fetchRecords, still in the vendor's
// own shape. The normalization worker is the only consumer that looks
// inside Fields; everywhere else it is treated as opaque.
type Record struct {
	ExternalID   string
	ExternalType string
	ObservedAt   time.Time
	Fields       map[string]any
}

// WebhookEvent is the canonical shape verifyWebhook normalizes a raw
// inbound delivery into.
type WebhookEvent struct {
	ExternalID   string
	ExternalType string
	ObservedAt   time.Time
	Record       Record
	Deleted      bool
}

// ConflictError is returned by CreateRecord/UpdateRecord when the remote
// system reports a concurrent modification (e.g. HTTP 409), carrying the
// external record's current modification time so the write-back worker can
// apply its configured conflict policy.
type ConflictError struct {
	ExternalModifiedAt time.Time
}

func (e *ConflictError) Error() string {
	return "adapter: concurrent modification"
}

// Session is an adapter-defined opaque connection handle. Adapters keep no
// state outside it; cursors and webhook subscription ids live in the
// integration-instance record instead.
type Session interface {
	Close(ctx context.Context) error
}

// Capability mirrors provider.Capability without importing pkg/provider,
// keeping the adapter package a leaf dependency per the build order.
type Capability string

const (
	CapabilityRead   Capability = "read"
	CapabilityWrite  Capability = "write"
	CapabilityDelete Capability = "delete"
)

// Adapter is the polymorphic capability set every provider integration
// implements. Capability-gated methods (CreateRecord, UpdateRecord,
// DeleteRecord, RegisterWebhook) may be unimplemented by an adapter that
// doesn't declare the corresponding provider.Capability; callers check
// Capabilities() first.
type Adapter interface {
	ProviderID() string
	Capabilities() []Capability

	Connect(ctx context.Context, payload credential.Payload) (Session, error)
	TestConnection(ctx context.Context, sess Session) error

	FetchRecords(ctx context.Context, sess Session, entity string, cursor string, filters map[string]any) (records []Record, nextCursor string, done bool, err error)

	CreateRecord(ctx context.Context, sess Session, entity string, fields map[string]any) (externalID string, err error)
	UpdateRecord(ctx context.Context, sess Session, entity, externalID string, fields map[string]any) error
	DeleteRecord(ctx context.Context, sess Session, entity, externalID string) error

	VerifyWebhook(rawBody []byte, headers http.Header) (bool, []WebhookEvent, error)
}

// Registry resolves adapters by provider id.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry constructs an empty Registry.
func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

// Register adds an adapter, keyed by its own ProviderID.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.ProviderID()] = a
}

// Get resolves an adapter by provider id.
func (r *Registry) Get(providerID string) (Adapter, bool) {
	a, ok := r.adapters[providerID]
	return a, ok
}

// All returns every registered adapter.
func (r *Registry) All() []Adapter {
	out := make([]Adapter, 0, len(r.adapters))
	for _, a := range r.adapters {
		out = append(out, a)
	}
	return out
}
