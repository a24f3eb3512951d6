package internal

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const objectTypeColumns = "id, name, api_name, description, icon, owner_id, is_system, is_active, show_in_navigation, default_field_api_name, is_published, is_template, source_object_id, created_at, updated_at"

// PostgresObjectTypeRepository implements objectbase.ObjectTypeManager.
type PostgresObjectTypeRepository struct {
	pool    dbPool
	nowFunc func() time.Time
}

func NewPostgresObjectTypeRepository(pool dbPool) *PostgresObjectTypeRepository {
	return &PostgresObjectTypeRepository{pool: pool, nowFunc: time.Now}
}

func (r *PostgresObjectTypeRepository) withClock(now func() time.Time) {
	if now != nil {
		r.nowFunc = now
	}
}

func scanObjectType(row pgx.Row) (*objectbase.ObjectType, error) {
	var o objectbase.ObjectType
	err := row.Scan(
		&o.ID, &o.Name, &o.APIName, &o.Description, &o.Icon, &o.OwnerID,
		&o.IsSystem, &o.IsActive, &o.ShowInNavigation, &o.DefaultFieldAPIName,
		&o.IsPublished, &o.IsTemplate, &o.SourceObjectID, &o.CreatedAt, &o.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &o, nil
}

// ListObjectTypes returns the caller's active object types plus the ones
// other tenants published.
func (r *PostgresObjectTypeRepository) ListObjectTypes(ctx context.Context) ([]objectbase.ObjectType, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+objectTypeColumns+" FROM object_types WHERE is_active AND (owner_id = $1 OR is_published) ORDER BY name",
		user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query object types", err)
	}
	defer rows.Close()

	types := make([]objectbase.ObjectType, 0)
	for rows.Next() {
		o, err := scanObjectType(rows)
		if err != nil {
			return nil, objectbase.NewQueryError("scan object type", err)
		}
		types = append(types, *o)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate object types", err)
	}
	return types, nil
}

// GetObjectType loads one object type.
func (r *PostgresObjectTypeRepository) GetObjectType(ctx context.Context, id uuid.UUID) (*objectbase.ObjectType, error) {
	o, err := scanObjectType(r.pool.QueryRow(ctx, "SELECT "+objectTypeColumns+" FROM object_types WHERE id = $1", id))
	if err != nil {
		return nil, notFoundOr(err, "object type", id, "load object type")
	}
	return o, nil
}

// CreateObjectType creates an object type owned by the caller.
func (r *PostgresObjectTypeRepository) CreateObjectType(ctx context.Context, input objectbase.CreateObjectTypeInput) (*objectbase.ObjectType, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	name := strings.TrimSpace(input.Name)
	if name == "" {
		return nil, objectbase.NewValidationError("name", "object type name is required")
	}
	apiName := strings.TrimSpace(input.APIName)
	if apiName == "" {
		apiName = SuggestAPIName(name)
	}
	if err := ValidateAPIName(apiName); err != nil {
		return nil, err
	}

	var taken bool
	if err := r.pool.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM object_types WHERE owner_id = $1 AND api_name = $2)",
		user.ID, apiName).Scan(&taken); err != nil {
		return nil, objectbase.NewQueryError("check api name", err)
	}
	if taken {
		return nil, duplicateAPIName(apiName)
	}

	now := r.nowFunc().UTC()
	o := objectbase.ObjectType{
		Name:             name,
		APIName:          apiName,
		Description:      input.Description,
		Icon:             input.Icon,
		OwnerID:          user.ID,
		IsActive:         true,
		ShowInNavigation: input.ShowInNavigation,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO object_types
		(name, api_name, description, icon, owner_id, show_in_navigation, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7) RETURNING id`,
		o.Name, o.APIName, o.Description, o.Icon, o.OwnerID, o.ShowInNavigation, now,
	).Scan(&o.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, duplicateAPIName(apiName).WithCause(err)
		}
		return nil, objectbase.NewQueryError("insert object type", err)
	}

	zap.S().Infow("object type created", "objectTypeId", o.ID, "apiName", o.APIName)
	return &o, nil
}

func systemObjectError(o *objectbase.ObjectType) error {
	return objectbase.NewForbiddenError(objectbase.ErrCodeSystemObjectImmutable, "system object types cannot be modified").
		WithDetail("api_name", o.APIName)
}

// UpdateObjectType changes an object type owned by the caller.
func (r *PostgresObjectTypeRepository) UpdateObjectType(ctx context.Context, id uuid.UUID, input objectbase.UpdateObjectTypeInput) (*objectbase.ObjectType, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	current, err := r.GetObjectType(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsSystem {
		return nil, systemObjectError(current)
	}

	sets := make([]string, 0, 6)
	args := make([]any, 0, 8)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, objectbase.NewValidationError("name", "object type name is required")
		}
		add("name", strings.TrimSpace(*input.Name))
	}
	if input.Description != nil {
		add("description", *input.Description)
	}
	if input.Icon != nil {
		add("icon", *input.Icon)
	}
	if input.ShowInNavigation != nil {
		add("show_in_navigation", *input.ShowInNavigation)
	}
	if input.DefaultFieldAPIName != nil {
		add("default_field_api_name", *input.DefaultFieldAPIName)
	}
	if len(sets) == 0 {
		return current, nil
	}
	add("updated_at", r.nowFunc().UTC())

	args = append(args, id, user.ID)
	query := fmt.Sprintf(
		"UPDATE object_types SET %s WHERE id = $%d AND owner_id = $%d AND NOT is_system RETURNING %s",
		strings.Join(sets, ", "), len(args)-1, len(args), objectTypeColumns,
	)
	updated, err := scanObjectType(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFoundOr(err, "object type", id, "update object type")
	}
	return updated, nil
}

// ArchiveObjectType hides an object type without deleting its records.
func (r *PostgresObjectTypeRepository) ArchiveObjectType(ctx context.Context, id uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	current, err := r.GetObjectType(ctx, id)
	if err != nil {
		return err
	}
	if current.IsSystem {
		return systemObjectError(current)
	}

	tag, err := r.pool.Exec(ctx,
		"UPDATE object_types SET is_active = FALSE, updated_at = $3 WHERE id = $1 AND owner_id = $2 AND NOT is_system",
		id, user.ID, r.nowFunc().UTC())
	if err != nil {
		return objectbase.NewQueryError("archive object type", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("object type", id.String())
	}
	zap.S().Infow("object type archived", "objectTypeId", id)
	return nil
}

// DeleteSystemObjects removes the caller's system object types. Admin only.
func (r *PostgresObjectTypeRepository) DeleteSystemObjects(ctx context.Context) (int, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return 0, err
	}
	if !user.IsAdmin() {
		return 0, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "admin role required")
	}
	var deleted int
	if err := r.pool.QueryRow(ctx, "SELECT delete_system_objects($1)", user.ID).Scan(&deleted); err != nil {
		return 0, objectbase.NewQueryError("delete system objects", err)
	}
	zap.S().Infow("system objects deleted", "ownerId", user.ID, "count", deleted)
	return deleted, nil
}
