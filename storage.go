package objectbase

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// ObjectTypeManager manages tenant-defined object types.
type ObjectTypeManager interface {
	ListObjectTypes(ctx context.Context) ([]ObjectType, error)
	GetObjectType(ctx context.Context, id uuid.UUID) (*ObjectType, error)
	CreateObjectType(ctx context.Context, input CreateObjectTypeInput) (*ObjectType, error)
	UpdateObjectType(ctx context.Context, id uuid.UUID, input UpdateObjectTypeInput) (*ObjectType, error)
	ArchiveObjectType(ctx context.Context, id uuid.UUID) error
	DeleteSystemObjects(ctx context.Context) (int, error)
}

// FieldManager manages the field definitions of object types.
type FieldManager interface {
	ListFields(ctx context.Context, objectTypeID uuid.UUID) ([]ObjectField, error)
	GetField(ctx context.Context, id uuid.UUID) (*ObjectField, error)
	CreateField(ctx context.Context, input CreateFieldInput) (*ObjectField, error)
	UpdateField(ctx context.Context, id uuid.UUID, input UpdateFieldInput) (*ObjectField, error)
	DeleteField(ctx context.Context, id uuid.UUID) error
	ListPicklistValues(ctx context.Context, fieldID uuid.UUID) ([]PicklistValue, error)
	ReplacePicklistValues(ctx context.Context, fieldID uuid.UUID, values []PicklistValue) ([]PicklistValue, error)
}

// RecordManager reads and writes records of object types.
type RecordManager interface {
	ListRecords(ctx context.Context, q RecordQuery) (*RecordPage, error)
	GetRecord(ctx context.Context, id uuid.UUID) (*ObjectRecord, error)
	CreateRecord(ctx context.Context, objectTypeID uuid.UUID, values map[string]any) (*ObjectRecord, error)
	UpdateRecord(ctx context.Context, id uuid.UUID, values map[string]any) (*ObjectRecord, error)
	DeleteRecord(ctx context.Context, id uuid.UUID) error
	CloneRecord(ctx context.Context, id uuid.UUID) (*ObjectRecord, error)
	NextQueuedTickets(ctx context.Context, q QueueQuery) ([]ObjectRecord, error)
	NextQueuedTicket(ctx context.Context, q QueueQuery) (*ObjectRecord, error)
}

// KanbanManager builds kanban boards and moves cards between columns.
type KanbanManager interface {
	Board(ctx context.Context, objectTypeID uuid.UUID, fieldAPIName string, filters []Filter) (*KanbanBoard, error)
	MoveCard(ctx context.Context, recordID uuid.UUID, fieldAPIName, toValue string) (*ObjectRecord, error)
}

// PublishingManager publishes and imports application bundles.
type PublishingManager interface {
	Publish(ctx context.Context, req PublishRequest) (*PublishedApplication, error)
	ListPublished(ctx context.Context) ([]PublishedApplication, error)
	ImportApplication(ctx context.Context, req ImportRequest, progress ProgressFunc) (*ApplicationImport, error)
	ListImports(ctx context.Context) ([]ApplicationImport, error)
}

// ActionManager manages actions, their form field settings and the
// public links that expose action forms.
type ActionManager interface {
	ListActions(ctx context.Context, objectTypeID uuid.UUID) ([]Action, error)
	GetAction(ctx context.Context, id uuid.UUID) (*Action, error)
	CreateAction(ctx context.Context, input ActionInput) (*Action, error)
	UpdateAction(ctx context.Context, id uuid.UUID, input ActionInput) (*Action, error)
	DeleteAction(ctx context.Context, id uuid.UUID) error
	ListFieldSettings(ctx context.Context, actionID uuid.UUID) ([]ActionFieldSetting, error)
	ReplaceFieldSettings(ctx context.Context, actionID uuid.UUID, settings []ActionFieldSetting) ([]ActionFieldSetting, error)
	CreateActionLink(ctx context.Context, actionID uuid.UUID, expiresAt *time.Time) (*ActionLink, error)
	RevokeActionLink(ctx context.Context, linkID uuid.UUID) error
	ResolvePublicAction(ctx context.Context, token string) (*PublicAction, error)
	SubmitPublicAction(ctx context.Context, token string, values map[string]any) (*ObjectRecord, error)
}

// SharingManager manages collections, record shares and public links.
type SharingManager interface {
	CreateCollection(ctx context.Context, name, description string) (*Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)
	AddCollectionMember(ctx context.Context, collectionID, userID uuid.UUID, perm Permission) error
	AddRecordToCollection(ctx context.Context, collectionID, recordID uuid.UUID) error
	Membership(ctx context.Context, collectionID uuid.UUID) (*CollectionMembership, error)
	ShareRecord(ctx context.Context, input ShareRecordInput) (*RecordShare, error)
	ListRecordShares(ctx context.Context, recordID uuid.UUID) ([]RecordShare, error)
	RevokeShare(ctx context.Context, shareID uuid.UUID) error
	AcceptShare(ctx context.Context, shareID, receiverObjectTypeID uuid.UUID) (*ObjectRecord, error)
	ResolvePublicRecord(ctx context.Context, token string) (*PublicRecord, error)
	UpdatePublicRecord(ctx context.Context, token string, values map[string]any) (*PublicRecord, error)
	SaveFieldMappings(ctx context.Context, mappings []FieldMapping) error
	ListFieldMappings(ctx context.Context, sharerObjectTypeID, receiverObjectTypeID uuid.UUID) ([]FieldMapping, error)
}

// Connection is a user's stored LLM endpoint. The API key never leaves the server.
type Connection struct {
	ID        uuid.UUID `json:"id"`
	UserID    uuid.UUID `json:"user_id"`
	Provider  string    `json:"provider"`
	Name      string    `json:"name"`
	BaseURL   string    `json:"base_url"`
	Model     string    `json:"model"`
	HasAPIKey bool      `json:"has_api_key"`
	CreatedAt time.Time `json:"created_at"`
}

// ConnectionInput creates a Connection.
type ConnectionInput struct {
	Provider string `json:"provider"`
	Name     string `json:"name"`
	BaseURL  string `json:"base_url,omitempty"`
	Model    string `json:"model"`
	APIKey   string `json:"api_key"`
}

// ChatMessage is one message of an LLM conversation.
type ChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// ChatRequest is proxied to the connection's endpoint with streaming enabled.
type ChatRequest struct {
	Messages    []ChatMessage `json:"messages"`
	Model       string        `json:"model,omitempty"`
	Temperature *float64      `json:"temperature,omitempty"`
}

// ConnectionManager stores LLM connections and proxies chat requests.
type ConnectionManager interface {
	ListConnections(ctx context.Context) ([]Connection, error)
	StoreConnection(ctx context.Context, input ConnectionInput) (*Connection, error)
	DeleteConnection(ctx context.Context, id uuid.UUID) error
	ProxyChat(ctx context.Context, connectionID uuid.UUID, req ChatRequest, sink func(chunk string) error) error
}

// HelpTab is a top-level section of the help center.
type HelpTab struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Slug      string    `json:"slug"`
	SortOrder int       `json:"sort_order"`
	IsActive  bool      `json:"is_active"`
}

// HelpContent is one article of a help tab.
type HelpContent struct {
	ID        uuid.UUID `json:"id"`
	TabID     uuid.UUID `json:"tab_id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	SortOrder int       `json:"sort_order"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HelpCenter is the admin CMS for help content.
type HelpCenter interface {
	ListTabs(ctx context.Context) ([]HelpTab, error)
	SaveTab(ctx context.Context, tab HelpTab) (*HelpTab, error)
	SwapTabOrder(ctx context.Context, a, b uuid.UUID) error
	ListContent(ctx context.Context, tabID uuid.UUID) ([]HelpContent, error)
	SaveContent(ctx context.Context, content HelpContent) (*HelpContent, error)
	DeleteContent(ctx context.Context, id uuid.UUID) error
	Search(ctx context.Context, query string, limit int) ([]HelpContent, error)
}

// ActivityBucket is one aggregated row of an analytics report.
type ActivityBucket struct {
	Key         string `json:"key"`
	RecordCount int64  `json:"record_count"`
}

// AnalyticsReport summarizes record activity since a point in time.
type AnalyticsReport struct {
	Since        time.Time        `json:"since"`
	TotalRecords int64            `json:"total_records"`
	ActiveUsers  int64            `json:"active_users"`
	PerDay       []ActivityBucket `json:"per_day"`
	PerUser      []ActivityBucket `json:"per_user"`
	PerObject    []ActivityBucket `json:"per_object"`
}

// AnalyticsService produces user activity reports for admins.
type AnalyticsService interface {
	Report(ctx context.Context, since time.Time) (*AnalyticsReport, error)
}
