package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const fieldColumns = "id, object_type_id, name, api_name, data_type, is_required, is_system, default_value, options, display_order, owner_id, created_at"

// PostgresFieldRepository implements objectbase.FieldManager.
type PostgresFieldRepository struct {
	pool    dbPool
	cache   *FieldCache
	nowFunc func() time.Time
}

func NewPostgresFieldRepository(pool dbPool, cache *FieldCache) *PostgresFieldRepository {
	return &PostgresFieldRepository{
		pool:    pool,
		cache:   cache,
		nowFunc: time.Now,
	}
}

func (r *PostgresFieldRepository) withClock(now func() time.Time) {
	if now == nil {
		return
	}
	r.nowFunc = now
}

func scanField(row pgx.Row) (*objectbase.ObjectField, error) {
	var (
		f        objectbase.ObjectField
		dataType string
		options  []byte
	)
	if err := row.Scan(
		&f.ID,
		&f.ObjectTypeID,
		&f.Name,
		&f.APIName,
		&dataType,
		&f.IsRequired,
		&f.IsSystem,
		&f.DefaultValue,
		&options,
		&f.DisplayOrder,
		&f.OwnerID,
		&f.CreatedAt,
	); err != nil {
		return nil, err
	}
	f.DataType = objectbase.DataType(dataType)
	if len(options) > 0 {
		if err := json.Unmarshal(options, &f.Options); err != nil {
			return nil, fmt.Errorf("decode options of field %s: %w", f.APIName, err)
		}
	}
	return &f, nil
}

// ListFields returns the fields of an object type ordered by display order.
func (r *PostgresFieldRepository) ListFields(ctx context.Context, objectTypeID uuid.UUID) ([]objectbase.ObjectField, error) {
	if fields, ok := r.cache.Get(ctx, objectTypeID); ok {
		return fields, nil
	}

	query := "SELECT " + fieldColumns + " FROM object_fields WHERE object_type_id = $1 ORDER BY display_order, created_at"
	rows, err := r.pool.Query(ctx, query, objectTypeID)
	if err != nil {
		return nil, objectbase.NewQueryError("query fields", err)
	}
	defer rows.Close()

	fields := make([]objectbase.ObjectField, 0)
	for rows.Next() {
		f, err := scanField(rows)
		if err != nil {
			return nil, objectbase.NewQueryError("scan field", err)
		}
		fields = append(fields, *f)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate fields", err)
	}

	r.cache.Set(ctx, objectTypeID, fields)
	return fields, nil
}

// GetField loads one field by id.
func (r *PostgresFieldRepository) GetField(ctx context.Context, id uuid.UUID) (*objectbase.ObjectField, error) {
	query := "SELECT " + fieldColumns + " FROM object_fields WHERE id = $1"
	f, err := scanField(r.pool.QueryRow(ctx, query, id))
	if err != nil {
		return nil, notFoundOr(err, "field", id, "load field")
	}
	return f, nil
}

// CreateField inserts a user field. IsSystem is always false, the owner is
// the caller and the field is appended after the existing ones.
func (r *PostgresFieldRepository) CreateField(ctx context.Context, input objectbase.CreateFieldInput) (*objectbase.ObjectField, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(input.Name) == "" {
		return nil, objectbase.NewValidationError("name", "field name is required")
	}
	if err := ValidateFieldOptions(input.DataType, input.Options); err != nil {
		return nil, err
	}
	apiName := strings.TrimSpace(input.APIName)
	if apiName == "" {
		apiName = SuggestAPIName(input.Name)
	}
	if err := ValidateAPIName(apiName); err != nil {
		return nil, err
	}

	options, err := json.Marshal(input.Options)
	if err != nil {
		return nil, objectbase.NewInternalError("encode field options", err)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var (
		ownerID uuid.UUID
		count   int64
		taken   bool
	)
	err = tx.QueryRow(ctx, `SELECT ot.owner_id,
		(SELECT COUNT(*) FROM object_fields f WHERE f.object_type_id = ot.id),
		EXISTS (SELECT 1 FROM object_fields f WHERE f.object_type_id = ot.id AND f.api_name = $2)
		FROM object_types ot WHERE ot.id = $1`, input.ObjectTypeID, apiName).Scan(&ownerID, &count, &taken)
	if err != nil {
		return nil, notFoundOr(err, "object type", input.ObjectTypeID, "load object type")
	}
	if ownerID != user.ID {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only the owner can add fields to this object type")
	}
	if taken {
		return nil, duplicateAPIName(apiName)
	}

	field := objectbase.ObjectField{
		ObjectTypeID: input.ObjectTypeID,
		Name:         strings.TrimSpace(input.Name),
		APIName:      apiName,
		DataType:     input.DataType,
		IsRequired:   input.IsRequired,
		IsSystem:     false,
		DefaultValue: input.DefaultValue,
		Options:      input.Options,
		DisplayOrder: int(count),
		OwnerID:      user.ID,
		CreatedAt:    r.nowFunc().UTC(),
	}

	err = tx.QueryRow(ctx, `INSERT INTO object_fields
		(object_type_id, name, api_name, data_type, is_required, is_system, default_value, options, display_order, owner_id, created_at)
		VALUES ($1, $2, $3, $4, $5, FALSE, $6, $7, $8, $9, $10) RETURNING id`,
		field.ObjectTypeID, field.Name, field.APIName, string(field.DataType), field.IsRequired,
		field.DefaultValue, options, field.DisplayOrder, field.OwnerID, field.CreatedAt,
	).Scan(&field.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, duplicateAPIName(apiName).WithCause(err)
		}
		return nil, objectbase.NewQueryError("insert field", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit field", err)
	}

	r.cache.Invalidate(ctx, field.ObjectTypeID)
	zap.S().Infow("field created", "objectTypeId", field.ObjectTypeID, "apiName", field.APIName, "dataType", field.DataType)
	return &field, nil
}

func systemFieldError(f *objectbase.ObjectField) error {
	return objectbase.NewForbiddenError(objectbase.ErrCodeSystemFieldImmutable, "system fields cannot be modified").
		WithField(f.APIName)
}

// UpdateField changes a user field owned by the caller.
func (r *PostgresFieldRepository) UpdateField(ctx context.Context, id uuid.UUID, input objectbase.UpdateFieldInput) (*objectbase.ObjectField, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	current, err := r.GetField(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.IsSystem {
		return nil, systemFieldError(current)
	}

	sets := make([]string, 0, 5)
	args := make([]any, 0, 7)
	add := func(column string, value any) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}
	if input.Name != nil {
		if strings.TrimSpace(*input.Name) == "" {
			return nil, objectbase.NewValidationError("name", "field name is required")
		}
		add("name", strings.TrimSpace(*input.Name))
	}
	if input.IsRequired != nil {
		add("is_required", *input.IsRequired)
	}
	if input.DefaultValue != nil {
		add("default_value", *input.DefaultValue)
	}
	if input.Options != nil {
		if err := ValidateFieldOptions(current.DataType, *input.Options); err != nil {
			return nil, err
		}
		options, err := json.Marshal(input.Options)
		if err != nil {
			return nil, objectbase.NewInternalError("encode field options", err)
		}
		add("options", options)
	}
	if input.DisplayOrder != nil {
		add("display_order", *input.DisplayOrder)
	}
	if len(sets) == 0 {
		return current, nil
	}

	args = append(args, id, user.ID)
	query := fmt.Sprintf(
		"UPDATE object_fields SET %s WHERE id = $%d AND owner_id = $%d AND NOT is_system RETURNING %s",
		strings.Join(sets, ", "), len(args)-1, len(args), fieldColumns,
	)
	updated, err := scanField(r.pool.QueryRow(ctx, query, args...))
	if err != nil {
		return nil, notFoundOr(err, "field", id, "update field")
	}

	r.cache.Invalidate(ctx, updated.ObjectTypeID)
	return updated, nil
}

// DeleteField removes a user field owned by the caller together with its values.
func (r *PostgresFieldRepository) DeleteField(ctx context.Context, id uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	current, err := r.GetField(ctx, id)
	if err != nil {
		return err
	}
	if current.IsSystem {
		return systemFieldError(current)
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx, "DELETE FROM object_fields WHERE id = $1 AND owner_id = $2 AND NOT is_system", id, user.ID)
	if err != nil {
		return objectbase.NewQueryError("delete field", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("field", id.String())
	}

	if _, err := tx.Exec(ctx, `DELETE FROM object_field_values v USING object_records r
		WHERE v.record_id = r.id AND r.object_type_id = $1 AND v.field_api_name = $2`,
		current.ObjectTypeID, current.APIName); err != nil {
		return objectbase.NewQueryError("delete field values", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return objectbase.NewTransactionError("commit field delete", err)
	}

	r.cache.Invalidate(ctx, current.ObjectTypeID)
	zap.S().Infow("field deleted", "objectTypeId", current.ObjectTypeID, "apiName", current.APIName)
	return nil
}

// ListPicklistValues returns the options of a picklist field in sort order.
func (r *PostgresFieldRepository) ListPicklistValues(ctx context.Context, fieldID uuid.UUID) ([]objectbase.PicklistValue, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT id, field_id, label, value, color, sort_order FROM picklist_values WHERE field_id = $1 ORDER BY sort_order, label",
		fieldID)
	if err != nil {
		return nil, objectbase.NewQueryError("query picklist values", err)
	}
	defer rows.Close()

	values := make([]objectbase.PicklistValue, 0)
	for rows.Next() {
		var v objectbase.PicklistValue
		if err := rows.Scan(&v.ID, &v.FieldID, &v.Label, &v.Value, &v.Color, &v.SortOrder); err != nil {
			return nil, objectbase.NewQueryError("scan picklist value", err)
		}
		values = append(values, v)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate picklist values", err)
	}
	return values, nil
}

// ReplacePicklistValues swaps all options of a picklist field in one transaction.
func (r *PostgresFieldRepository) ReplacePicklistValues(ctx context.Context, fieldID uuid.UUID, values []objectbase.PicklistValue) ([]objectbase.PicklistValue, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	field, err := r.GetField(ctx, fieldID)
	if err != nil {
		return nil, err
	}
	if field.DataType != objectbase.DataTypePicklist {
		return nil, objectbase.NewValidationError("data_type", "field is not a picklist")
	}
	if field.OwnerID != user.ID {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only the owner can change picklist values")
	}

	seen := NewSet[string]()
	out := make([]objectbase.PicklistValue, 0, len(values))
	batch := make([][]any, 0, len(values))
	for idx, v := range values {
		v.Value = strings.TrimSpace(v.Value)
		if v.Value == "" {
			return nil, objectbase.NewValidationError("value", "picklist value cannot be empty")
		}
		if !seen.Add(v.Value) {
			return nil, objectbase.NewValidationError("value", "duplicate picklist value "+v.Value)
		}
		if v.Label == "" {
			v.Label = v.Value
		}
		if v.SortOrder == 0 {
			v.SortOrder = idx
		}
		v.ID = uuid.New()
		v.FieldID = fieldID
		out = append(out, v)
		batch = append(batch, []any{v.ID, v.FieldID, v.Label, v.Value, v.Color, v.SortOrder})
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM picklist_values WHERE field_id = $1", fieldID); err != nil {
		return nil, objectbase.NewQueryError("delete picklist values", err)
	}
	if err := execBatched(ctx, tx, "INSERT INTO picklist_values (id, field_id, label, value, color, sort_order)", "", batch, defaultBatchSize); err != nil {
		return nil, objectbase.NewQueryError("insert picklist values", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit picklist values", err)
	}

	r.cache.Invalidate(ctx, field.ObjectTypeID)
	return out, nil
}
