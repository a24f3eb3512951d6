package internal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var objectTypeColumnNames = []string{
	"id", "name", "api_name", "description", "icon", "owner_id", "is_system", "is_active",
	"show_in_navigation", "default_field_api_name", "is_published", "is_template", "source_object_id",
	"created_at", "updated_at",
}

func objectTypeRows(types ...objectbase.ObjectType) *pgxmock.Rows {
	rows := pgxmock.NewRows(objectTypeColumnNames)
	for _, o := range types {
		rows.AddRow(o.ID, o.Name, o.APIName, o.Description, o.Icon, o.OwnerID, o.IsSystem, o.IsActive,
			o.ShowInNavigation, o.DefaultFieldAPIName, o.IsPublished, o.IsTemplate, o.SourceObjectID,
			o.CreatedAt, o.UpdatedAt)
	}
	return rows
}

func TestListObjectTypes_IncludesForeignPublished(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)
	own := objectbase.ObjectType{ID: uuid.New(), Name: "Ticket", APIName: "ticket", OwnerID: testUserID, IsActive: true}
	foreign := objectbase.ObjectType{ID: uuid.New(), Name: "Vendor", APIName: "vendor", OwnerID: otherUser, IsActive: true, IsPublished: true}

	mock.ExpectQuery("SELECT id, name, api_name").WithArgs(testUserID).WillReturnRows(objectTypeRows(own, foreign))

	types, err := repo.ListObjectTypes(userCtx(testUserID))
	require.NoError(t, err)
	require.Len(t, types, 2)
	assert.False(t, types[0].ReadOnlyFor(testUserID))
	assert.True(t, types[1].ReadOnlyFor(testUserID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListObjectTypes_RequiresSession(t *testing.T) {
	repo := NewPostgresObjectTypeRepository(newMockPool(t))
	_, err := repo.ListObjectTypes(context.Background())
	assert.Equal(t, objectbase.ErrCodeUnauthenticated, objectbase.ErrorCode(err))
}

func TestCreateObjectType(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)
	repo.withClock(func() time.Time { return fixedNow })
	newID := uuid.New()

	mock.ExpectQuery("SELECT EXISTS").WithArgs(testUserID, "support_ticket").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectQuery("INSERT INTO object_types").
		WithArgs("Support Ticket", "support_ticket", "", "ticket", testUserID, true, fixedNow).
		WillReturnRows(pgxmock.NewRows([]string{"id"}).AddRow(newID))

	o, err := repo.CreateObjectType(userCtx(testUserID), objectbase.CreateObjectTypeInput{
		Name: "Support Ticket", Icon: "ticket", ShowInNavigation: true,
	})
	require.NoError(t, err)
	assert.Equal(t, newID, o.ID)
	assert.True(t, o.IsActive)
	assert.False(t, o.IsSystem)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateObjectType_Duplicate(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)

	mock.ExpectQuery("SELECT EXISTS").WithArgs(testUserID, "ticket").
		WillReturnRows(pgxmock.NewRows([]string{"exists"}).AddRow(true))

	_, err := repo.CreateObjectType(userCtx(testUserID), objectbase.CreateObjectTypeInput{Name: "Ticket"})
	assert.Equal(t, objectbase.ErrCodeDuplicateAPIName, objectbase.ErrorCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectType_SystemGuard(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)
	system := objectbase.ObjectType{ID: uuid.New(), Name: "User", APIName: "user", OwnerID: testUserID, IsSystem: true, IsActive: true}

	mock.ExpectQuery("SELECT id, name, api_name").WithArgs(system.ID).WillReturnRows(objectTypeRows(system))

	name := "Person"
	_, err := repo.UpdateObjectType(userCtx(testUserID), system.ID, objectbase.UpdateObjectTypeInput{Name: &name})
	assert.Equal(t, objectbase.ErrCodeSystemObjectImmutable, objectbase.ErrorCode(err))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdateObjectType(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)
	repo.withClock(func() time.Time { return fixedNow })
	current := objectbase.ObjectType{ID: uuid.New(), Name: "Ticket", APIName: "ticket", OwnerID: testUserID, IsActive: true}
	updated := current
	updated.DefaultFieldAPIName = "subject"
	updated.UpdatedAt = fixedNow

	mock.ExpectQuery("SELECT id, name, api_name").WithArgs(current.ID).WillReturnRows(objectTypeRows(current))
	mock.ExpectQuery("UPDATE object_types SET default_field_api_name = \\$1, updated_at = \\$2 WHERE id = \\$3 AND owner_id = \\$4").
		WithArgs("subject", fixedNow, current.ID, testUserID).
		WillReturnRows(objectTypeRows(updated))

	field := "subject"
	got, err := repo.UpdateObjectType(userCtx(testUserID), current.ID, objectbase.UpdateObjectTypeInput{DefaultFieldAPIName: &field})
	require.NoError(t, err)
	assert.Equal(t, "subject", got.DefaultFieldAPIName)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveObjectType(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)
	repo.withClock(func() time.Time { return fixedNow })
	current := objectbase.ObjectType{ID: uuid.New(), Name: "Ticket", APIName: "ticket", OwnerID: testUserID, IsActive: true}

	mock.ExpectQuery("SELECT id, name, api_name").WithArgs(current.ID).WillReturnRows(objectTypeRows(current))
	mock.ExpectExec("UPDATE object_types SET is_active = FALSE").WithArgs(current.ID, testUserID, fixedNow).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, repo.ArchiveObjectType(userCtx(testUserID), current.ID))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestArchiveObjectType_NotOwner(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)
	current := objectbase.ObjectType{ID: uuid.New(), Name: "Ticket", APIName: "ticket", OwnerID: otherUser, IsActive: true}

	mock.ExpectQuery("SELECT id, name, api_name").WithArgs(current.ID).WillReturnRows(objectTypeRows(current))
	mock.ExpectExec("UPDATE object_types SET is_active = FALSE").WithArgs(current.ID, testUserID, pgxmock.AnyArg()).
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := repo.ArchiveObjectType(userCtx(testUserID), current.ID)
	assert.True(t, objectbase.IsNotFoundError(err))
}

func TestDeleteSystemObjects_AdminOnly(t *testing.T) {
	mock := newMockPool(t)
	repo := NewPostgresObjectTypeRepository(mock)

	_, err := repo.DeleteSystemObjects(userCtx(testUserID))
	assert.True(t, objectbase.IsForbiddenError(err))

	admin := objectbase.WithSession(context.Background(),
		objectbase.AuthenticatedSession(objectbase.User{ID: testUserID, Role: "admin"}))
	mock.ExpectQuery("SELECT delete_system_objects").WithArgs(testUserID).
		WillReturnRows(pgxmock.NewRows([]string{"delete_system_objects"}).AddRow(4))

	n, err := repo.DeleteSystemObjects(admin)
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.NoError(t, mock.ExpectationsWereMet())
}
