// Package onedrive implements the storage adapter: confidential-client
// OAuth2 against Azure AD, cursor-paginated drive-item listing via the
// Microsoft Graph SDK. Pull-only; OneDrive declares no write capability.
package onedrive

import (
	"context"
	"fmt"
	"net/http"
	"time"

	azidentity "github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	msgraphsdk "github.com/microsoftgraph/msgraph-sdk-go"
	msgraphcore "github.com/microsoftgraph/msgraph-sdk-go-core"
	"github.com/microsoftgraph/msgraph-sdk-go/drives"
	"github.com/microsoftgraph/msgraph-sdk-go/models"

	"github.com/shardforge/syncengine/pkg/adapter"
	"github.com/shardforge/syncengine/pkg/credential"
)

const providerID = "onedrive"

// Adapter implements adapter.Adapter for OneDrive/SharePoint drives.
type Adapter struct {
	*adapter.Base
	TenantID     string
	ClientID     string
	ClientSecret string
}

// New constructs the OneDrive adapter with the Azure AD app registration's
// tenant, client id and secret, used to mint a confidential-client
// credential per Connect call.
func New(tenantID, clientID, clientSecret string) *Adapter {
	return &Adapter{
		Base:         adapter.NewBase(providerID),
		TenantID:     tenantID,
		ClientID:     clientID,
		ClientSecret: clientSecret,
	}
}

func (a *Adapter) ProviderID() string { return providerID }

func (a *Adapter) Capabilities() []adapter.Capability {
	return []adapter.Capability{adapter.CapabilityRead}
}

type session struct {
	client  *msgraphsdk.GraphServiceClient
	driveID string
}

func (s *session) Close(context.Context) error { return nil }

// Connect builds a Graph client. payload.Custom["drive_id"] selects which
// drive to enumerate (a user's OneDrive or a SharePoint document library);
// payload.AccessToken, if present, is unused in favor of a fresh
// client-credentials token scoped to Graph's default scope, since
// delegated user tokens cannot be silently refreshed by this adapter.
func (a *Adapter) Connect(ctx context.Context, payload credential.Payload) (adapter.Session, error) {
	driveID := payload.Custom["drive_id"]
	if driveID == "" {
		return nil, fmt.Errorf("onedrive: credential payload missing drive_id")
	}

	cred, err := azidentity.NewClientSecretCredential(a.TenantID, a.ClientID, a.ClientSecret, nil)
	if err != nil {
		return nil, fmt.Errorf("onedrive: building client secret credential: %w", err)
	}

	client, err := msgraphsdk.NewGraphServiceClientWithCredentials(cred, []string{"https://graph.microsoft.com/.default"})
	if err != nil {
		return nil, fmt.Errorf("onedrive: building graph client: %w", err)
	}

	return &session{client: client, driveID: driveID}, nil
}

func (a *Adapter) TestConnection(ctx context.Context, sess adapter.Session) error {
	s := sess.(*session)
	_, err := s.client.Drives().ByDriveId(s.driveID).Get(ctx, nil)
	if err != nil {
		return adapter.Classify(adapter.ErrorAuth, err)
	}
	return nil
}

// driveItemPageSize bounds each Graph page; Graph enforces its own
// server-side cap but this keeps memory bounded per fetch.
const driveItemPageSize int32 = 200

// FetchRecords lists items under the drive's root (entity is ignored:
// OneDrive exposes one logical entity, "drive_item"), using Graph's
// @odata.nextLink as the opaque cursor via msgraphcore's PageIterator.
func (a *Adapter) FetchRecords(ctx context.Context, sess adapter.Session, entity, cursor string, filters map[string]any) ([]adapter.Record, string, bool, error) {
	s := sess.(*session)

	var records []adapter.Record
	var nextLink string

	err := a.Do(ctx, tenantFromFilters(filters), 60, func(ctx context.Context) error {
		records, nextLink = nil, ""

		top := driveItemPageSize
		requestConfig := &drives.ItemRootChildrenRequestBuilderGetRequestConfiguration{
			QueryParameters: &drives.ItemRootChildrenRequestBuilderGetQueryParameters{
				Top: &top,
			},
		}

		resp, err := s.client.Drives().ByDriveId(s.driveID).Root().Children().Get(ctx, requestConfig)
		if err != nil {
			return adapter.Classify(adapter.ErrorRetryable, err)
		}

		collected := 0
		iterator, err := msgraphcore.NewPageIterator[models.DriveItemable](
			resp, s.client.GetAdapter(), models.CreateDriveItemCollectionResponseFromDiscriminatorValue,
		)
		if err != nil {
			return adapter.Classify(adapter.ErrorFatal, err)
		}

		iterErr := iterator.Iterate(ctx, func(item models.DriveItemable) bool {
			records = append(records, driveItemToRecord(item))
			collected++
			return collected < int(driveItemPageSize)
		})
		if iterErr != nil {
			return adapter.Classify(adapter.ErrorRetryable, iterErr)
		}
		return nil
	})
	if err != nil {
		return nil, cursor, false, err
	}

	done := len(records) < int(driveItemPageSize)
	return records, nextLink, done, nil
}

func driveItemToRecord(item models.DriveItemable) adapter.Record {
	var id, name string
	if item.GetId() != nil {
		id = *item.GetId()
	}
	if item.GetName() != nil {
		name = *item.GetName()
	}
	var modified time.Time
	if item.GetLastModifiedDateTime() != nil {
		modified = *item.GetLastModifiedDateTime()
	}

	fields := map[string]any{"name": name}
	if item.GetSize() != nil {
		fields["size"] = *item.GetSize()
	}
	if item.GetFile() != nil && item.GetFile().GetMimeType() != nil {
		fields["mime_type"] = *item.GetFile().GetMimeType()
	}
	if item.GetWebUrl() != nil {
		fields["web_url"] = *item.GetWebUrl()
	}
	if item.GetFolder() != nil {
		fields["is_folder"] = true
	}

	return adapter.Record{
		ExternalID:   id,
		ExternalType: "drive_item",
		ObservedAt:   modified,
		Fields:       fields,
	}
}

// CreateRecord, UpdateRecord, DeleteRecord: OneDrive declares no write
// capability for this deployment (pull-only content source).

func (a *Adapter) CreateRecord(ctx context.Context, sess adapter.Session, entity string, fields map[string]any) (string, error) {
	return "", fmt.Errorf("onedrive: write capability not declared")
}

func (a *Adapter) UpdateRecord(ctx context.Context, sess adapter.Session, entity, externalID string, fields map[string]any) error {
	return fmt.Errorf("onedrive: write capability not declared")
}

func (a *Adapter) DeleteRecord(ctx context.Context, sess adapter.Session, entity, externalID string) error {
	return fmt.Errorf("onedrive: delete capability not declared")
}

// VerifyWebhook is unimplemented: Graph change notifications require a
// separate subscription-renewal lifecycle this deployment does not run;
// OneDrive content is refreshed by scheduled pull instead.
func (a *Adapter) VerifyWebhook(rawBody []byte, headers http.Header) (bool, []adapter.WebhookEvent, error) {
	return false, nil, fmt.Errorf("onedrive: webhook verification not supported")
}

func tenantFromFilters(filters map[string]any) string {
	if v, ok := filters["tenant_id"].(string); ok {
		return v
	}
	return ""
}
