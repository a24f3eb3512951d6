package objectbase

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Action is a configured button/workflow on an object type.
type Action struct {
	ID            uuid.UUID       `json:"id"`
	Name          string          `json:"name"`
	Label         string          `json:"label,omitempty"`
	ObjectTypeID  uuid.UUID       `json:"object_type_id"`
	OwnerID       uuid.UUID       `json:"owner_id"`
	ActionType    string          `json:"action_type"`
	SourceFieldID *uuid.UUID      `json:"source_field_id,omitempty"`
	LookupFieldID *uuid.UUID      `json:"lookup_field_id,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	IsActive      bool            `json:"is_active"`
	CreatedAt     time.Time       `json:"created_at"`
}

// ActionFieldSetting configures one field of an action form.
type ActionFieldSetting struct {
	ID           uuid.UUID `json:"id"`
	ActionID     uuid.UUID `json:"action_id"`
	FieldID      uuid.UUID `json:"field_id"`
	IsVisible    bool      `json:"is_visible"`
	IsRequired   bool      `json:"is_required"`
	DefaultValue *string   `json:"default_value,omitempty"`
	DisplayOrder int       `json:"display_order"`
}

// ActionTypeCreateRecord actions render a form that creates a record of
// their object type. Only they can be shared through public links.
const ActionTypeCreateRecord = "create_record"

// ActionInput creates or replaces an Action.
type ActionInput struct {
	Name          string          `json:"name"`
	Label         string          `json:"label,omitempty"`
	ObjectTypeID  uuid.UUID       `json:"object_type_id"`
	ActionType    string          `json:"action_type"`
	SourceFieldID *uuid.UUID      `json:"source_field_id,omitempty"`
	LookupFieldID *uuid.UUID      `json:"lookup_field_id,omitempty"`
	Config        json.RawMessage `json:"config,omitempty"`
	IsActive      *bool           `json:"is_active,omitempty"`
}

// ActionLink exposes an action form to anyone holding its token.
type ActionLink struct {
	ID        uuid.UUID  `json:"id"`
	ActionID  uuid.UUID  `json:"action_id"`
	Token     string     `json:"token"`
	CreatedBy uuid.UUID  `json:"created_by"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	IsActive  bool       `json:"is_active"`
	CreatedAt time.Time  `json:"created_at"`
}

// PublicAction is an action form resolved through a public link. Fields
// carry the action's visibility, required flags and defaults.
type PublicAction struct {
	Name       string        `json:"name"`
	Label      string        `json:"label,omitempty"`
	ObjectType string        `json:"object_type"`
	Fields     []ObjectField `json:"fields"`
	ExpiresAt  *time.Time    `json:"expires_at,omitempty"`
}

// PublishedApplication is a bundle of object types and actions others may import.
type PublishedApplication struct {
	ID            uuid.UUID   `json:"id"`
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	PublisherID   uuid.UUID   `json:"publisher_id"`
	Version       int         `json:"version"`
	IsActive      bool        `json:"is_active"`
	ObjectTypeIDs []uuid.UUID `json:"object_type_ids"`
	ActionIDs     []uuid.UUID `json:"action_ids"`
	BundleKey     string      `json:"bundle_key,omitempty"`
	CreatedAt     time.Time   `json:"created_at"`
}

// FieldPublishing records whether one field is part of a published object type.
type FieldPublishing struct {
	ApplicationID uuid.UUID `json:"application_id"`
	ObjectTypeID  uuid.UUID `json:"object_type_id"`
	FieldID       uuid.UUID `json:"field_id"`
	IsIncluded    bool      `json:"is_included"`
}

// PublishRequest describes what to publish.
type PublishRequest struct {
	Name          string      `json:"name"`
	Description   string      `json:"description,omitempty"`
	ObjectTypeIDs []uuid.UUID `json:"object_type_ids"`
	ActionIDs     []uuid.UUID `json:"action_ids"`
	// FieldInclusion maps object type id to field id to inclusion flag.
	// Fields not listed are included.
	FieldInclusion map[uuid.UUID]map[uuid.UUID]bool `json:"field_inclusion,omitempty"`
}

// ImportStatus is the lifecycle state of an application import.
type ImportStatus string

const (
	ImportInProgress ImportStatus = "in_progress"
	ImportCompleted  ImportStatus = "completed"
	ImportFailed     ImportStatus = "failed"
)

// ApplicationImport tracks one import run.
type ApplicationImport struct {
	ID                  uuid.UUID    `json:"id"`
	ApplicationID       uuid.UUID    `json:"application_id"`
	ImporterID          uuid.UUID    `json:"importer_id"`
	Status              ImportStatus `json:"status"`
	ObjectsImported     int          `json:"objects_imported"`
	ActionsImported     int          `json:"actions_imported"`
	ErrorMessage        string       `json:"error_message,omitempty"`
	ImportedObjectIDs   []uuid.UUID  `json:"imported_object_ids"`
	ImportedActionIDs   []uuid.UUID  `json:"imported_action_ids"`
	FailedObjectTypeIDs []uuid.UUID  `json:"failed_object_type_ids,omitempty"`
	FailedActionIDs     []uuid.UUID  `json:"failed_action_ids,omitempty"`
	StartedAt           time.Time    `json:"started_at"`
	CompletedAt         *time.Time   `json:"completed_at,omitempty"`
}

// ImportRequest selects what to import from an application. Empty
// selections import everything the application contains.
type ImportRequest struct {
	ApplicationID uuid.UUID   `json:"application_id"`
	ObjectTypeIDs []uuid.UUID `json:"object_type_ids,omitempty"`
	ActionIDs     []uuid.UUID `json:"action_ids,omitempty"`
}

// ImportProgress is reported after every import step.
type ImportProgress struct {
	CurrentStep       string `json:"currentStep"`
	TotalSteps        int    `json:"totalSteps"`
	CurrentStepNumber int    `json:"currentStepNumber"`
}

// ProgressFunc receives import progress updates. It may be nil.
type ProgressFunc func(ImportProgress)
