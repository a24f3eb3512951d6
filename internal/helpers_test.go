package internal

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"
)

var (
	testUserID = uuid.MustParse("0b3f6a52-6d3c-4c8b-9f59-0c1a2b3c4d5e")
	otherUser  = uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7")
	fixedNow   = time.Date(2025, 3, 14, 9, 26, 53, 0, time.UTC)
)

func userCtx(id uuid.UUID) context.Context {
	return objectbase.WithSession(context.Background(), objectbase.AuthenticatedSession(objectbase.User{ID: id}))
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(true)
	t.Cleanup(mock.Close)
	return mock
}

var fieldColumnNames = []string{
	"id", "object_type_id", "name", "api_name", "data_type", "is_required", "is_system",
	"default_value", "options", "display_order", "owner_id", "created_at",
}

func fieldRows(fields ...objectbase.ObjectField) *pgxmock.Rows {
	rows := pgxmock.NewRows(fieldColumnNames)
	for _, f := range fields {
		rows.AddRow(f.ID, f.ObjectTypeID, f.Name, f.APIName, string(f.DataType), f.IsRequired, f.IsSystem,
			f.DefaultValue, []byte(`{}`), f.DisplayOrder, f.OwnerID, f.CreatedAt)
	}
	return rows
}

var recordColumnNames = []string{
	"id", "object_type_id", "record_id", "owner_id", "created_by", "last_modified_by", "created_at", "updated_at",
}

func recordRows(records ...objectbase.ObjectRecord) *pgxmock.Rows {
	rows := pgxmock.NewRows(recordColumnNames)
	for _, r := range records {
		rows.AddRow(r.ID, r.ObjectTypeID, r.RecordID, r.OwnerID, r.CreatedBy, r.LastModifiedBy, r.CreatedAt, r.UpdatedAt)
	}
	return rows
}

type valueRow struct {
	recordID uuid.UUID
	apiName  string
	value    string
}

func valueRows(values ...valueRow) *pgxmock.Rows {
	rows := pgxmock.NewRows([]string{"record_id", "field_api_name", "value"})
	for _, v := range values {
		rows.AddRow(v.recordID, v.apiName, strPtr(v.value))
	}
	return rows
}

func strPtr(s string) *string { return &s }
