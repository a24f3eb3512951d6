package objectbase

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// =============================================================================
// Session state machine
// =============================================================================

func TestSession_Transitions(t *testing.T) {
	s := NewSession()
	assert.Equal(t, SessionAnonymous, s.State())

	_, ok := s.User()
	assert.False(t, ok)

	require.NoError(t, s.Begin())
	assert.Equal(t, SessionAuthenticating, s.State())

	user := User{ID: uuid.New(), Email: "ops@example.com"}
	require.NoError(t, s.Complete(user))
	assert.Equal(t, SessionAuthenticated, s.State())

	got, ok := s.User()
	require.True(t, ok)
	assert.Equal(t, user.ID, got.ID)

	s.SignOut()
	assert.Equal(t, SessionAnonymous, s.State())
}

func TestSession_InvalidTransitions(t *testing.T) {
	s := NewSession()

	err := s.Complete(User{ID: uuid.New()})
	require.Error(t, err)
	assert.Equal(t, ErrCodeInvalidTransition, ErrorCode(err))

	require.Error(t, s.Fail())

	require.NoError(t, s.Begin())
	require.Error(t, s.Begin())
	require.NoError(t, s.Fail())
	assert.Equal(t, SessionAnonymous, s.State())

	require.NoError(t, s.Begin())
	require.Error(t, s.Complete(User{}))
}

func TestRequireUser(t *testing.T) {
	_, err := RequireUser(context.Background())
	require.Error(t, err)
	assert.Equal(t, ErrCodeUnauthenticated, ErrorCode(err))

	user := User{ID: uuid.New()}
	ctx := WithSession(context.Background(), AuthenticatedSession(user))
	got, err := RequireUser(ctx)
	require.NoError(t, err)
	assert.Equal(t, user, got)
}

// =============================================================================
// Object types and records
// =============================================================================

func TestObjectType_ReadOnlyFor(t *testing.T) {
	owner := uuid.New()
	other := uuid.New()

	ot := ObjectType{OwnerID: owner, IsPublished: true}
	assert.False(t, ot.ReadOnlyFor(owner))
	assert.True(t, ot.ReadOnlyFor(other))

	ot.IsPublished = false
	assert.False(t, ot.ReadOnlyFor(other))
}

func TestObjectRecord_Value(t *testing.T) {
	r := ObjectRecord{RecordID: "T-0042", FieldValues: map[string]string{"subject": "Printer"}}

	v, ok := r.Value(RecordIDField)
	assert.True(t, ok)
	assert.Equal(t, "T-0042", v)

	v, ok = r.Value("subject")
	assert.True(t, ok)
	assert.Equal(t, "Printer", v)

	_, ok = r.Value("missing")
	assert.False(t, ok)
}

func TestDataType_Valid(t *testing.T) {
	assert.True(t, DataTypePicklist.Valid())
	assert.True(t, DataTypeLookup.Valid())
	assert.False(t, DataType("geo").Valid())
}

func TestPermission_Allows(t *testing.T) {
	assert.True(t, PermissionEdit.Allows(PermissionRead))
	assert.True(t, PermissionRead.Allows(PermissionRead))
	assert.False(t, PermissionRead.Allows(PermissionEdit))
	assert.False(t, Permission("admin").Allows(PermissionRead))

	m := CollectionMembership{IsMember: true, Permission: PermissionRead}
	assert.False(t, m.CanEdit())
	m.IsOwner = true
	assert.True(t, m.CanEdit())
}

// =============================================================================
// View settings
// =============================================================================

func TestPaginationSettings_SetPageSizeResetsPage(t *testing.T) {
	p := PaginationSettings{PageSize: 20, CurrentPage: 3}
	p = p.SetPageSize(50)
	assert.Equal(t, PaginationSettings{PageSize: 50, CurrentPage: 1}, p)
}

func TestSettings_NormalizePartialBlobs(t *testing.T) {
	var p PaginationSettings
	require.NoError(t, json.Unmarshal([]byte(`{"currentPage": 4}`), &p))
	assert.Equal(t, PaginationSettings{PageSize: 20, CurrentPage: 4}, p.Normalize())

	var l LayoutSettings
	require.NoError(t, json.Unmarshal([]byte(`{"visibleColumns": ["name"]}`), &l))
	l = l.Normalize()
	assert.Equal(t, "table", l.ViewMode)
	assert.Equal(t, []string{"name"}, l.VisibleColumns)
	assert.Empty(t, l.ColumnOrder)

	var k KanbanSettings
	k = k.Normalize()
	assert.NotNil(t, k.CardFields)
	assert.NotNil(t, k.CollapsedColumns)

	assert.Equal(t, DefaultFilterSettings(), FilterSettings{}.Normalize())
}

func TestSettingsKey_LocalName(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")
	key := SettingsKey{ObjectTypeID: id, Type: SettingsKanban}
	assert.Equal(t, "kanban-settings-11111111-2222-3333-4444-555555555555", key.LocalName())
}

// =============================================================================
// Errors
// =============================================================================

func TestError_Builders(t *testing.T) {
	cause := assert.AnError
	err := NewValidationError("api_name", "duplicate").WithDetail("object_type_id", "x").WithCause(cause)

	assert.True(t, IsValidationError(err))
	assert.False(t, IsNotFoundError(err))
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "x", err.Details["object_type_id"])
	assert.Contains(t, err.Error(), "api_name")

	nf := NewNotFoundError("record", "abc")
	assert.True(t, IsNotFoundError(nf))
	assert.Equal(t, "[not_found:NOT_FOUND] record abc not found", nf.Error())
}
