// Package provider models the system-wide catalog of external systems the
// sync engine knows how to talk to.
package provider

import "time"

// Capability names a protocol-level operation a provider's adapter supports.
type Capability string

const (
	CapabilityRead       Capability = "read"
	CapabilityWrite      Capability = "write"
	CapabilityDelete     Capability = "delete"
	CapabilitySearch     Capability = "search"
	CapabilityRealtime   Capability = "realtime"
	CapabilityBulk       Capability = "bulk"
	CapabilityAttachments Capability = "attachments"
)

// SyncDirection is the set of directions a provider supports end to end.
type SyncDirection string

const (
	DirectionPull          SyncDirection = "pull"
	DirectionPush          SyncDirection = "push"
	DirectionBidirectional SyncDirection = "bidirectional"
)

// AuthKind is how an adapter authenticates against the provider.
type AuthKind string

const (
	AuthOAuth2 AuthKind = "oauth2"
	AuthAPIKey AuthKind = "api_key"
	AuthBasic  AuthKind = "basic"
	AuthCustom AuthKind = "custom"
)

// Status is the admin-controlled lifecycle state of a catalog entry.
type Status string

const (
	StatusActive     Status = "active"
	StatusBeta       Status = "beta"
	StatusDeprecated Status = "deprecated"
	StatusDisabled   Status = "disabled"
)

// Audience controls whether an admin or any tenant may enable the provider.
type Audience string

const (
	AudienceSystem Audience = "system"
	AudienceTenant Audience = "tenant"
)

// Category groups providers for catalog and insight-engine selection.
type Category string

const (
	CategoryCRM       Category = "crm"
	CategoryMessaging Category = "messaging"
	CategoryStorage   Category = "storage"
	CategoryCatalog   Category = "catalog"
)

// Provider is a catalog entry describing one external system.
type Provider struct {
	ID               string          `json:"id"`
	Category         Category        `json:"category"`
	Capabilities     []Capability    `json:"capabilities"`
	SyncDirections   []SyncDirection `json:"sync_directions"`
	AuthKind         AuthKind        `json:"auth_kind"`
	OAuthAuthURL     string          `json:"oauth_auth_url,omitempty"`
	OAuthTokenURL    string          `json:"oauth_token_url,omitempty"`
	OAuthScopes      []string        `json:"oauth_scopes,omitempty"`
	ExternalEntities []string        `json:"external_entities"`
	Status           Status          `json:"status"`
	Audience         Audience        `json:"audience"`

	// RateLimitPerSecond and MinSyncInterval are the exemplar floors from
	// the adapter contract (spec §6); tenants may not go below them.
	RateLimitPerSecond int           `json:"rate_limit_per_second"`
	MinSyncInterval    time.Duration `json:"min_sync_interval"`
}

// HasCapability reports whether the provider declares cap.
func (p Provider) HasCapability(cap Capability) bool {
	for _, c := range p.Capabilities {
		if c == cap {
			return true
		}
	}
	return false
}

// Catalog is the built-in set of providers this deployment ships adapters
// for, installed into public.providers by the seed command (see
// internal/seed). Additional
// catalog-only entries (Dynamics, HubSpot, Teams, Zoom, Gong, Google Drive)
// are listed without a registered adapter so the scheduler and rate table
// stay faithful to the spec's exemplar floors even though this repo does
// not ship their adapters.
var Catalog = []Provider{
	{
		ID:               "salesforce",
		Category:         CategoryCRM,
		Capabilities:     []Capability{CapabilityRead, CapabilityWrite, CapabilitySearch, CapabilityBulk},
		SyncDirections:   []SyncDirection{DirectionPull, DirectionBidirectional},
		AuthKind:         AuthOAuth2,
		OAuthAuthURL:     "https://login.salesforce.com/services/oauth2/authorize",
		OAuthTokenURL:    "https://login.salesforce.com/services/oauth2/token",
		OAuthScopes:      []string{"api", "refresh_token"},
		ExternalEntities: []string{"Account", "Opportunity", "Contact"},
		Status:           StatusActive,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 25,
		MinSyncInterval:    5 * time.Minute,
	},
	{
		ID:               "dynamics",
		Category:         CategoryCRM,
		Capabilities:     []Capability{CapabilityRead, CapabilityWrite},
		SyncDirections:   []SyncDirection{DirectionPull, DirectionBidirectional},
		AuthKind:         AuthOAuth2,
		ExternalEntities: []string{"Account", "Opportunity"},
		Status:           StatusBeta,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 60,
		MinSyncInterval:    5 * time.Minute,
	},
	{
		ID:               "hubspot",
		Category:         CategoryCRM,
		Capabilities:     []Capability{CapabilityRead, CapabilityWrite},
		SyncDirections:   []SyncDirection{DirectionPull, DirectionBidirectional},
		AuthKind:         AuthOAuth2,
		ExternalEntities: []string{"Company", "Deal", "Contact"},
		Status:           StatusBeta,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 10,
		MinSyncInterval:    5 * time.Minute,
	},
	{
		ID:               "teams",
		Category:         CategoryMessaging,
		Capabilities:     []Capability{CapabilityRead, CapabilityRealtime},
		SyncDirections:   []SyncDirection{DirectionPull},
		AuthKind:         AuthOAuth2,
		ExternalEntities: []string{"ChannelMessage"},
		Status:           StatusBeta,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 30,
		MinSyncInterval:    5 * time.Minute,
	},
	{
		ID:               "zoom",
		Category:         CategoryMessaging,
		Capabilities:     []Capability{CapabilityRead},
		SyncDirections:   []SyncDirection{DirectionPull},
		AuthKind:         AuthOAuth2,
		ExternalEntities: []string{"Meeting", "Recording"},
		Status:           StatusBeta,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 10,
		MinSyncInterval:    15 * time.Minute,
	},
	{
		ID:               "gong",
		Category:         CategoryMessaging,
		Capabilities:     []Capability{CapabilityRead},
		SyncDirections:   []SyncDirection{DirectionPull},
		AuthKind:         AuthAPIKey,
		ExternalEntities: []string{"Call"},
		Status:           StatusBeta,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 5,
		MinSyncInterval:    15 * time.Minute,
	},
	{
		ID:               "google_drive",
		Category:         CategoryStorage,
		Capabilities:     []Capability{CapabilityRead, CapabilityAttachments},
		SyncDirections:   []SyncDirection{DirectionPull},
		AuthKind:         AuthOAuth2,
		ExternalEntities: []string{"File"},
		Status:           StatusBeta,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 100,
		MinSyncInterval:    5 * time.Minute,
	},
	{
		ID:               "onedrive",
		Category:         CategoryStorage,
		Capabilities:     []Capability{CapabilityRead, CapabilityAttachments},
		SyncDirections:   []SyncDirection{DirectionPull},
		AuthKind:         AuthOAuth2,
		OAuthScopes:      []string{"Files.Read.All", "offline_access"},
		ExternalEntities: []string{"DriveItem"},
		Status:           StatusActive,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 60,
		MinSyncInterval:    5 * time.Minute,
	},
	{
		ID:               "slack",
		Category:         CategoryMessaging,
		Capabilities:     []Capability{CapabilityRead, CapabilityWrite, CapabilityRealtime},
		SyncDirections:   []SyncDirection{DirectionPull, DirectionBidirectional},
		AuthKind:         AuthOAuth2,
		ExternalEntities: []string{"ChannelMessage"},
		Status:           StatusActive,
		Audience:         AudienceTenant,
		RateLimitPerSecond: 10,
		MinSyncInterval:    5 * time.Minute,
	},
}

// Lookup returns the catalog entry for id, or (Provider{}, false).
func Lookup(id string) (Provider, bool) {
	for _, p := range Catalog {
		if p.ID == id {
			return p, true
		}
	}
	return Provider{}, false
}
