package objectbase

import (
	"time"

	"github.com/google/uuid"
)

// Permission is the access level granted by a share or collection membership.
type Permission string

const (
	PermissionRead Permission = "read"
	PermissionEdit Permission = "edit"
)

// Valid reports whether p is read or edit.
func (p Permission) Valid() bool {
	return p == PermissionRead || p == PermissionEdit
}

// Allows reports whether p grants at least want.
func (p Permission) Allows(want Permission) bool {
	if want == PermissionRead {
		return p.Valid()
	}
	return p == PermissionEdit
}

// Collection groups records shared with a set of members.
type Collection struct {
	ID          uuid.UUID `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	OwnerID     uuid.UUID `json:"owner_id"`
	CreatedAt   time.Time `json:"created_at"`
}

// CollectionMember grants a user access to a collection.
type CollectionMember struct {
	CollectionID uuid.UUID  `json:"collection_id"`
	UserID       uuid.UUID  `json:"user_id"`
	Permission   Permission `json:"permission"`
	AddedAt      time.Time  `json:"added_at"`
}

// CollectionRecord links a record to a collection.
type CollectionRecord struct {
	CollectionID uuid.UUID `json:"collection_id"`
	RecordID     uuid.UUID `json:"record_id"`
	AddedBy      uuid.UUID `json:"added_by"`
	AddedAt      time.Time `json:"added_at"`
}

// CollectionMembership is the caller's relationship to a collection.
type CollectionMembership struct {
	CollectionID uuid.UUID  `json:"collection_id"`
	IsOwner      bool       `json:"is_owner"`
	IsMember     bool       `json:"is_member"`
	Permission   Permission `json:"permission,omitempty"`
}

// CanEdit reports whether the membership allows edits.
func (m CollectionMembership) CanEdit() bool {
	return m.IsOwner || (m.IsMember && m.Permission.Allows(PermissionEdit))
}

// RecordShare grants access to one record, optionally through a public token.
type RecordShare struct {
	ID           uuid.UUID  `json:"id"`
	RecordID     uuid.UUID  `json:"record_id"`
	SharedBy     uuid.UUID  `json:"shared_by"`
	SharedWith   *uuid.UUID `json:"shared_with,omitempty"`
	Permission   Permission `json:"permission"`
	Token        string     `json:"token,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	IsActive     bool       `json:"is_active"`
	SharedFields []string   `json:"shared_fields"`
	CreatedAt    time.Time  `json:"created_at"`
}

// ShareRecordInput describes a new record share. A nil SharedWith
// creates a public link.
type ShareRecordInput struct {
	RecordID     uuid.UUID  `json:"record_id"`
	SharedWith   *uuid.UUID `json:"shared_with,omitempty"`
	Permission   Permission `json:"permission"`
	SharedFields []string   `json:"shared_fields,omitempty"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
}

// FieldMapping translates a sharer's field to the receiver's field.
type FieldMapping struct {
	ID                   uuid.UUID `json:"id"`
	OwnerID              uuid.UUID `json:"owner_id"`
	SharerObjectTypeID   uuid.UUID `json:"sharer_object_type_id"`
	ReceiverObjectTypeID uuid.UUID `json:"receiver_object_type_id"`
	SharerFieldAPIName   string    `json:"sharer_field_api_name"`
	ReceiverFieldAPIName string    `json:"receiver_field_api_name"`
}

// PublicRecord is a record resolved through a public link, restricted to
// the shared fields.
type PublicRecord struct {
	RecordID    string            `json:"record_id"`
	ObjectType  string            `json:"object_type"`
	FieldValues map[string]string `json:"field_values"`
	Fields      []ObjectField     `json:"fields"`
	Permission  Permission        `json:"permission"`
	ExpiresAt   *time.Time        `json:"expires_at,omitempty"`
}
