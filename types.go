package objectbase

import (
	"time"

	"github.com/google/uuid"
)

// DataType is the storage type of an ObjectField.
type DataType string

const (
	DataTypeText     DataType = "text"
	DataTypeTextarea DataType = "textarea"
	DataTypeNumber   DataType = "number"
	DataTypeCurrency DataType = "currency"
	DataTypeEmail    DataType = "email"
	DataTypePhone    DataType = "phone"
	DataTypeURL      DataType = "url"
	DataTypeDate     DataType = "date"
	DataTypeDatetime DataType = "datetime"
	DataTypeCheckbox DataType = "checkbox"
	DataTypeBoolean  DataType = "boolean"
	DataTypePicklist DataType = "picklist"
	DataTypeLookup   DataType = "lookup"
)

var knownDataTypes = map[DataType]struct{}{
	DataTypeText: {}, DataTypeTextarea: {}, DataTypeNumber: {}, DataTypeCurrency: {},
	DataTypeEmail: {}, DataTypePhone: {}, DataTypeURL: {}, DataTypeDate: {},
	DataTypeDatetime: {}, DataTypeCheckbox: {}, DataTypeBoolean: {},
	DataTypePicklist: {}, DataTypeLookup: {},
}

// Valid reports whether d is a known data type.
func (d DataType) Valid() bool {
	_, ok := knownDataTypes[d]
	return ok
}

// FieldOptions carries the per-type configuration of a field.
type FieldOptions struct {
	TargetObjectTypeID  *uuid.UUID `json:"target_object_type_id,omitempty"`
	DisplayFieldAPIName string     `json:"display_field_api_name,omitempty"`
	CurrencyCode        string     `json:"currency_code,omitempty"`
	Precision           *int       `json:"precision,omitempty"`
	MaxLength           *int       `json:"max_length,omitempty"`
}

// ObjectType is a tenant-defined schema.
type ObjectType struct {
	ID                  uuid.UUID  `json:"id"`
	Name                string     `json:"name"`
	APIName             string     `json:"api_name"`
	Description         string     `json:"description,omitempty"`
	Icon                string     `json:"icon,omitempty"`
	OwnerID             uuid.UUID  `json:"owner_id"`
	IsSystem            bool       `json:"is_system"`
	IsActive            bool       `json:"is_active"`
	ShowInNavigation    bool       `json:"show_in_navigation"`
	DefaultFieldAPIName string     `json:"default_field_api_name,omitempty"`
	IsPublished         bool       `json:"is_published"`
	IsTemplate          bool       `json:"is_template"`
	SourceObjectID      *uuid.UUID `json:"source_object_id,omitempty"`
	CreatedAt           time.Time  `json:"created_at"`
	UpdatedAt           time.Time  `json:"updated_at"`
}

// ReadOnlyFor reports whether viewer may only read this object type.
func (o ObjectType) ReadOnlyFor(viewer uuid.UUID) bool {
	return o.IsPublished && o.OwnerID != viewer
}

// ObjectField is one column definition of an ObjectType.
type ObjectField struct {
	ID           uuid.UUID    `json:"id"`
	ObjectTypeID uuid.UUID    `json:"object_type_id"`
	Name         string       `json:"name"`
	APIName      string       `json:"api_name"`
	DataType     DataType     `json:"data_type"`
	IsRequired   bool         `json:"is_required"`
	IsSystem     bool         `json:"is_system"`
	DefaultValue *string      `json:"default_value,omitempty"`
	Options      FieldOptions `json:"options"`
	DisplayOrder int          `json:"display_order"`
	OwnerID      uuid.UUID    `json:"owner_id"`
	CreatedAt    time.Time    `json:"created_at"`
}

// PicklistValue is one allowed value of a picklist field.
type PicklistValue struct {
	ID        uuid.UUID `json:"id"`
	FieldID   uuid.UUID `json:"field_id"`
	Label     string    `json:"label"`
	Value     string    `json:"value"`
	Color     string    `json:"color,omitempty"`
	SortOrder int       `json:"sort_order"`
}

// RecordIDField is the pseudo field that filters and displays match
// against ObjectRecord.RecordID.
const RecordIDField = "record_id"

// ObjectRecord is a record identity joined with its field values.
type ObjectRecord struct {
	ID             uuid.UUID         `json:"id"`
	ObjectTypeID   uuid.UUID         `json:"object_type_id"`
	RecordID       string            `json:"record_id"`
	OwnerID        uuid.UUID         `json:"owner_id"`
	CreatedBy      uuid.UUID         `json:"created_by"`
	LastModifiedBy *uuid.UUID        `json:"last_modified_by,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
	UpdatedAt      time.Time         `json:"updated_at"`
	FieldValues    map[string]string `json:"field_values"`
}

// Value returns the raw value of a field, resolving the record_id pseudo field.
func (r ObjectRecord) Value(apiName string) (string, bool) {
	if apiName == RecordIDField {
		return r.RecordID, true
	}
	v, ok := r.FieldValues[apiName]
	return v, ok
}

// CreateObjectTypeInput describes a new object type.
type CreateObjectTypeInput struct {
	Name             string `json:"name"`
	APIName          string `json:"api_name,omitempty"`
	Description      string `json:"description,omitempty"`
	Icon             string `json:"icon,omitempty"`
	ShowInNavigation bool   `json:"show_in_navigation"`
}

// UpdateObjectTypeInput carries optional changes; nil means unchanged.
type UpdateObjectTypeInput struct {
	Name                *string `json:"name,omitempty"`
	Description         *string `json:"description,omitempty"`
	Icon                *string `json:"icon,omitempty"`
	ShowInNavigation    *bool   `json:"show_in_navigation,omitempty"`
	DefaultFieldAPIName *string `json:"default_field_api_name,omitempty"`
}

// CreateFieldInput describes a new field. IsSystem, OwnerID and DisplayOrder
// are always assigned by the server.
type CreateFieldInput struct {
	ObjectTypeID uuid.UUID    `json:"object_type_id"`
	Name         string       `json:"name"`
	APIName      string       `json:"api_name,omitempty"`
	DataType     DataType     `json:"data_type"`
	IsRequired   bool         `json:"is_required"`
	DefaultValue *string      `json:"default_value,omitempty"`
	Options      FieldOptions `json:"options"`
}

// UpdateFieldInput carries optional changes; nil means unchanged.
type UpdateFieldInput struct {
	Name         *string       `json:"name,omitempty"`
	IsRequired   *bool         `json:"is_required,omitempty"`
	DefaultValue *string       `json:"default_value,omitempty"`
	Options      *FieldOptions `json:"options,omitempty"`
	DisplayOrder *int          `json:"display_order,omitempty"`
}

// FilterOperator is a comparison applied to a field value.
type FilterOperator string

const (
	FilterEquals      FilterOperator = "equals"
	FilterIs          FilterOperator = "is"
	FilterNotEqual    FilterOperator = "notEqual"
	FilterIsNot       FilterOperator = "isNot"
	FilterContains    FilterOperator = "contains"
	FilterStartsWith  FilterOperator = "startsWith"
	FilterGreaterThan FilterOperator = "greaterThan"
	FilterLessThan    FilterOperator = "lessThan"
	FilterBefore      FilterOperator = "before"
	FilterAfter       FilterOperator = "after"
)

// Filter is one predicate of a record query.
type Filter struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    string         `json:"value"`
}

// System field names that are filtered in SQL rather than in memory.
const (
	SystemFieldCreatedAt = "created_at"
	SystemFieldUpdatedAt = "updated_at"
)

// IsSystemFilter reports whether f targets a record timestamp column.
func (f Filter) IsSystemFilter() bool {
	return f.Field == SystemFieldCreatedAt || f.Field == SystemFieldUpdatedAt
}

// RecordQuery selects a page of records of one object type.
type RecordQuery struct {
	ObjectTypeID uuid.UUID `json:"object_type_id"`
	Filters      []Filter  `json:"filters,omitempty"`
	Page         int       `json:"page"`
	PageSize     int       `json:"page_size"`
}

// RecordPage is one page of records. TotalCount and TotalPages always
// describe the server-side match count, before in-memory filters run.
type RecordPage struct {
	Records        []ObjectRecord `json:"records"`
	TotalCount     int64          `json:"total_count"`
	TotalPages     int            `json:"total_pages"`
	Page           int            `json:"page"`
	PageSize       int            `json:"page_size"`
	ClientFiltered bool           `json:"client_filtered"`
}

// QueueQuery selects records waiting in a status-driven FIFO queue.
type QueueQuery struct {
	ObjectTypeID uuid.UUID `json:"object_type_id"`
	StatusField  string    `json:"status_field"`
	QueuedValue  string    `json:"queued_value"`
	Limit        int       `json:"limit"`
}

// KanbanColumn is one bucket of a kanban board.
type KanbanColumn struct {
	Value string `json:"value"`
	Label string `json:"label"`
	Color string `json:"color,omitempty"`
	Count int    `json:"count"`
}

// KanbanBoard groups records by the value of one picklist field.
// The "" column collects records whose value is empty or unknown.
type KanbanBoard struct {
	FieldAPIName string                    `json:"field_api_name"`
	Columns      []KanbanColumn            `json:"columns"`
	Groups       map[string][]ObjectRecord `json:"groups"`
}
