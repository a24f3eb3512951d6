package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const actionColumns = "id, name, label, object_type_id, owner_id, action_type, source_field_id, lookup_field_id, config, is_active, created_at"

const actionSettingColumns = "id, action_id, field_id, is_visible, is_required, default_value, display_order"

// PostgresActionRepository implements objectbase.ActionManager.
type PostgresActionRepository struct {
	pool      dbPool
	fields    objectbase.FieldManager
	records   *PostgresRecordRepository
	batchSize int
	nowFunc   func() time.Time
	newToken  func() (string, error)
}

func NewPostgresActionRepository(pool dbPool, fields objectbase.FieldManager, records *PostgresRecordRepository, batchSize int) *PostgresActionRepository {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PostgresActionRepository{
		pool:      pool,
		fields:    fields,
		records:   records,
		batchSize: batchSize,
		nowFunc:   time.Now,
		newToken:  NewShareToken,
	}
}

func (r *PostgresActionRepository) withClock(now func() time.Time) {
	if now != nil {
		r.nowFunc = now
	}
}

func scanAction(row pgx.Row) (*objectbase.Action, error) {
	var (
		a      objectbase.Action
		config []byte
	)
	if err := row.Scan(&a.ID, &a.Name, &a.Label, &a.ObjectTypeID, &a.OwnerID, &a.ActionType,
		&a.SourceFieldID, &a.LookupFieldID, &config, &a.IsActive, &a.CreatedAt); err != nil {
		return nil, err
	}
	if len(config) > 0 {
		a.Config = json.RawMessage(config)
	}
	return &a, nil
}

// ListActions returns the caller's actions on an object type.
func (r *PostgresActionRepository) ListActions(ctx context.Context, objectTypeID uuid.UUID) ([]objectbase.Action, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+actionColumns+" FROM actions WHERE object_type_id = $1 AND owner_id = $2 ORDER BY name, created_at",
		objectTypeID, user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query actions", err)
	}
	defer rows.Close()

	actions := make([]objectbase.Action, 0)
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, objectbase.NewQueryError("scan action", err)
		}
		actions = append(actions, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate actions", err)
	}
	return actions, nil
}

// GetAction loads one of the caller's actions.
func (r *PostgresActionRepository) GetAction(ctx context.Context, id uuid.UUID) (*objectbase.Action, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	a, err := scanAction(r.pool.QueryRow(ctx,
		"SELECT "+actionColumns+" FROM actions WHERE id = $1 AND owner_id = $2", id, user.ID))
	if err != nil {
		return nil, notFoundOr(err, "action", id, "load action")
	}
	return a, nil
}

// validateAction normalizes input and checks the field references against
// the object type's fields.
func (r *PostgresActionRepository) validateAction(ctx context.Context, input *objectbase.ActionInput) error {
	input.Name = strings.TrimSpace(input.Name)
	if input.Name == "" {
		return objectbase.NewValidationError("name", "action name is required")
	}
	input.ActionType = strings.TrimSpace(input.ActionType)
	if input.ActionType == "" {
		return objectbase.NewValidationError("action_type", "action type is required")
	}
	if len(input.Config) == 0 {
		input.Config = json.RawMessage(`{}`)
	}
	if !json.Valid(input.Config) {
		return objectbase.NewValidationError("config", "config must be valid JSON")
	}
	if input.SourceFieldID == nil && input.LookupFieldID == nil {
		return nil
	}

	fields, err := r.fields.ListFields(ctx, input.ObjectTypeID)
	if err != nil {
		return err
	}
	known := NewSet[uuid.UUID]()
	for _, f := range fields {
		known.Add(f.ID)
	}
	if input.SourceFieldID != nil && !known.Contains(*input.SourceFieldID) {
		return objectbase.NewValidationError("source_field_id", "source field does not belong to the object type")
	}
	if input.LookupFieldID != nil && !known.Contains(*input.LookupFieldID) {
		return objectbase.NewValidationError("lookup_field_id", "lookup field does not belong to the object type")
	}
	return nil
}

// CreateAction adds an action to one of the caller's object types.
func (r *PostgresActionRepository) CreateAction(ctx context.Context, input objectbase.ActionInput) (*objectbase.Action, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if input.ObjectTypeID == uuid.Nil {
		return nil, objectbase.NewValidationError("object_type_id", "object type is required")
	}
	var ownerID uuid.UUID
	if err := r.pool.QueryRow(ctx, "SELECT owner_id FROM object_types WHERE id = $1", input.ObjectTypeID).Scan(&ownerID); err != nil {
		return nil, notFoundOr(err, "object type", input.ObjectTypeID, "load object type")
	}
	if ownerID != user.ID {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "actions can only be added to your own object types")
	}
	if err := r.validateAction(ctx, &input); err != nil {
		return nil, err
	}

	a := objectbase.Action{
		Name:          input.Name,
		Label:         input.Label,
		ObjectTypeID:  input.ObjectTypeID,
		OwnerID:       user.ID,
		ActionType:    input.ActionType,
		SourceFieldID: input.SourceFieldID,
		LookupFieldID: input.LookupFieldID,
		Config:        input.Config,
		IsActive:      input.IsActive == nil || *input.IsActive,
		CreatedAt:     r.nowFunc().UTC(),
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO actions
		(name, label, object_type_id, owner_id, action_type, source_field_id, lookup_field_id, config, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10) RETURNING id`,
		a.Name, a.Label, a.ObjectTypeID, a.OwnerID, a.ActionType, a.SourceFieldID, a.LookupFieldID,
		[]byte(a.Config), a.IsActive, a.CreatedAt,
	).Scan(&a.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("insert action", err)
	}
	zap.S().Infow("action created", "actionId", a.ID, "objectTypeId", a.ObjectTypeID, "type", a.ActionType)
	return &a, nil
}

// UpdateAction replaces the editable attributes of an action. The object
// type of an action never changes.
func (r *PostgresActionRepository) UpdateAction(ctx context.Context, id uuid.UUID, input objectbase.ActionInput) (*objectbase.Action, error) {
	current, err := r.GetAction(ctx, id)
	if err != nil {
		return nil, err
	}
	if input.ObjectTypeID != uuid.Nil && input.ObjectTypeID != current.ObjectTypeID {
		return nil, objectbase.NewValidationError("object_type_id", "an action cannot move to another object type")
	}
	input.ObjectTypeID = current.ObjectTypeID
	if err := r.validateAction(ctx, &input); err != nil {
		return nil, err
	}

	updated := *current
	updated.Name = input.Name
	updated.Label = input.Label
	updated.ActionType = input.ActionType
	updated.SourceFieldID = input.SourceFieldID
	updated.LookupFieldID = input.LookupFieldID
	updated.Config = input.Config
	if input.IsActive != nil {
		updated.IsActive = *input.IsActive
	}
	tag, err := r.pool.Exec(ctx, `UPDATE actions SET name = $2, label = $3, action_type = $4, source_field_id = $5,
		lookup_field_id = $6, config = $7, is_active = $8 WHERE id = $1 AND owner_id = $9`,
		id, updated.Name, updated.Label, updated.ActionType, updated.SourceFieldID, updated.LookupFieldID,
		[]byte(updated.Config), updated.IsActive, current.OwnerID)
	if err != nil {
		return nil, objectbase.NewQueryError("update action", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, objectbase.NewNotFoundError("action", id.String())
	}
	return &updated, nil
}

// DeleteAction removes one of the caller's actions with its settings and links.
func (r *PostgresActionRepository) DeleteAction(ctx context.Context, id uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, "DELETE FROM actions WHERE id = $1 AND owner_id = $2", id, user.ID)
	if err != nil {
		return objectbase.NewQueryError("delete action", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("action", id.String())
	}
	zap.S().Infow("action deleted", "actionId", id)
	return nil
}

func (r *PostgresActionRepository) loadFieldSettings(ctx context.Context, actionID uuid.UUID) ([]objectbase.ActionFieldSetting, error) {
	rows, err := r.pool.Query(ctx,
		"SELECT "+actionSettingColumns+" FROM action_field_settings WHERE action_id = $1 ORDER BY display_order, id", actionID)
	if err != nil {
		return nil, objectbase.NewQueryError("query action field settings", err)
	}
	defer rows.Close()

	settings := make([]objectbase.ActionFieldSetting, 0)
	for rows.Next() {
		var s objectbase.ActionFieldSetting
		if err := rows.Scan(&s.ID, &s.ActionID, &s.FieldID, &s.IsVisible, &s.IsRequired, &s.DefaultValue, &s.DisplayOrder); err != nil {
			return nil, objectbase.NewQueryError("scan action field setting", err)
		}
		settings = append(settings, s)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate action field settings", err)
	}
	return settings, nil
}

// ListFieldSettings returns the form settings of one of the caller's actions.
func (r *PostgresActionRepository) ListFieldSettings(ctx context.Context, actionID uuid.UUID) ([]objectbase.ActionFieldSetting, error) {
	if _, err := r.GetAction(ctx, actionID); err != nil {
		return nil, err
	}
	return r.loadFieldSettings(ctx, actionID)
}

// ReplaceFieldSettings swaps all form settings of an action in one transaction.
func (r *PostgresActionRepository) ReplaceFieldSettings(ctx context.Context, actionID uuid.UUID, settings []objectbase.ActionFieldSetting) ([]objectbase.ActionFieldSetting, error) {
	action, err := r.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	fields, err := r.fields.ListFields(ctx, action.ObjectTypeID)
	if err != nil {
		return nil, err
	}
	known := NewSet[uuid.UUID]()
	for _, f := range fields {
		known.Add(f.ID)
	}

	seen := NewSet[uuid.UUID]()
	out := make([]objectbase.ActionFieldSetting, 0, len(settings))
	batch := make([][]any, 0, len(settings))
	for idx, s := range settings {
		if !known.Contains(s.FieldID) {
			return nil, objectbase.NewValidationError("field_id", "field does not belong to the action's object type").
				WithDetail("field_id", s.FieldID.String())
		}
		if !seen.Add(s.FieldID) {
			return nil, objectbase.NewValidationError("field_id", "duplicate field setting").
				WithDetail("field_id", s.FieldID.String())
		}
		if s.DisplayOrder == 0 {
			s.DisplayOrder = idx
		}
		s.ID = uuid.New()
		s.ActionID = actionID
		out = append(out, s)
		batch = append(batch, []any{s.ID, s.ActionID, s.FieldID, s.IsVisible, s.IsRequired, s.DefaultValue, s.DisplayOrder})
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM action_field_settings WHERE action_id = $1", actionID); err != nil {
		return nil, objectbase.NewQueryError("delete action field settings", err)
	}
	if err := execBatched(ctx, tx, "INSERT INTO action_field_settings ("+actionSettingColumns+")", "", batch, r.batchSize); err != nil {
		return nil, objectbase.NewQueryError("insert action field settings", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit action field settings", err)
	}
	return out, nil
}

// CreateActionLink exposes a create_record action through a public token.
func (r *PostgresActionRepository) CreateActionLink(ctx context.Context, actionID uuid.UUID, expiresAt *time.Time) (*objectbase.ActionLink, error) {
	action, err := r.GetAction(ctx, actionID)
	if err != nil {
		return nil, err
	}
	if action.ActionType != objectbase.ActionTypeCreateRecord {
		return nil, objectbase.NewValidationError("action_type", "only create_record actions can be shared publicly")
	}
	if !action.IsActive {
		return nil, objectbase.NewValidationError("is_active", "inactive actions cannot be shared")
	}
	now := r.nowFunc().UTC()
	if expiresAt != nil && !expiresAt.After(now) {
		return nil, objectbase.NewValidationError("expires_at", "expiry must be in the future")
	}
	token, err := r.newToken()
	if err != nil {
		return nil, objectbase.NewInternalError("generate link token", err)
	}

	link := objectbase.ActionLink{
		ActionID:  actionID,
		Token:     token,
		CreatedBy: action.OwnerID,
		ExpiresAt: expiresAt,
		IsActive:  true,
		CreatedAt: now,
	}
	err = r.pool.QueryRow(ctx, `INSERT INTO action_links (action_id, token, created_by, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5) RETURNING id`,
		link.ActionID, link.Token, link.CreatedBy, link.ExpiresAt, link.CreatedAt,
	).Scan(&link.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("insert action link", err)
	}
	zap.S().Infow("action link created", "linkId", link.ID, "actionId", actionID)
	return &link, nil
}

// RevokeActionLink deactivates a link the caller created.
func (r *PostgresActionRepository) RevokeActionLink(ctx context.Context, linkID uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, "UPDATE action_links SET is_active = FALSE WHERE id = $1 AND created_by = $2", linkID, user.ID)
	if err != nil {
		return objectbase.NewQueryError("revoke action link", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("action link", linkID.String())
	}
	return nil
}

// publicAction loads the link and action behind a token and checks both
// are usable.
func (r *PostgresActionRepository) publicAction(ctx context.Context, token string) (*objectbase.ActionLink, *objectbase.Action, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, nil, objectbase.NewNotFoundError("public action", "")
	}
	var link objectbase.ActionLink
	err := r.pool.QueryRow(ctx,
		"SELECT id, action_id, token, created_by, expires_at, is_active, created_at FROM action_links WHERE token = $1", token,
	).Scan(&link.ID, &link.ActionID, &link.Token, &link.CreatedBy, &link.ExpiresAt, &link.IsActive, &link.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil, objectbase.NewNotFoundError("public action", "")
		}
		return nil, nil, objectbase.NewQueryError("load action link", err)
	}
	if err := linkUsable("link", link.IsActive, link.ExpiresAt, r.nowFunc()); err != nil {
		return nil, nil, err
	}
	action, err := scanAction(r.pool.QueryRow(ctx, "SELECT "+actionColumns+" FROM actions WHERE id = $1", link.ActionID))
	if err != nil {
		return nil, nil, notFoundOr(err, "action", link.ActionID, "load action")
	}
	if err := linkUsable("action", action.IsActive, nil, r.nowFunc()); err != nil {
		return nil, nil, err
	}
	return &link, action, nil
}

// formFields returns the fields an action form shows, in form order, with
// the action's required flags and defaults applied. Without settings every
// non-system field is shown. Settings for fields the object type no longer
// has are skipped.
func (r *PostgresActionRepository) formFields(ctx context.Context, action *objectbase.Action) ([]objectbase.ObjectField, []objectbase.ObjectField, error) {
	fields, err := r.fields.ListFields(ctx, action.ObjectTypeID)
	if err != nil {
		return nil, nil, err
	}
	settings, err := r.loadFieldSettings(ctx, action.ID)
	if err != nil {
		return nil, nil, err
	}

	form := make([]objectbase.ObjectField, 0, len(fields))
	if len(settings) == 0 {
		for _, f := range fields {
			if !f.IsSystem {
				form = append(form, f)
			}
		}
		return fields, form, nil
	}

	byID := make(map[uuid.UUID]objectbase.ObjectField, len(fields))
	for _, f := range fields {
		byID[f.ID] = f
	}
	for _, s := range settings {
		f, ok := byID[s.FieldID]
		if !ok || !s.IsVisible {
			continue
		}
		f.IsRequired = f.IsRequired || s.IsRequired
		if s.DefaultValue != nil {
			f.DefaultValue = s.DefaultValue
		}
		f.DisplayOrder = s.DisplayOrder
		form = append(form, f)
	}
	sort.SliceStable(form, func(i, j int) bool { return form[i].DisplayOrder < form[j].DisplayOrder })
	return fields, form, nil
}

// ResolvePublicAction returns the form behind a public action link. No
// session is required.
func (r *PostgresActionRepository) ResolvePublicAction(ctx context.Context, token string) (*objectbase.PublicAction, error) {
	link, action, err := r.publicAction(ctx, token)
	if err != nil {
		return nil, err
	}
	_, form, err := r.formFields(ctx, action)
	if err != nil {
		return nil, err
	}
	var objectAPIName string
	if err := r.pool.QueryRow(ctx, "SELECT api_name FROM object_types WHERE id = $1", action.ObjectTypeID).Scan(&objectAPIName); err != nil {
		return nil, notFoundOr(err, "object type", action.ObjectTypeID, "load object type")
	}
	return &objectbase.PublicAction{
		Name:       action.Name,
		Label:      action.Label,
		ObjectType: objectAPIName,
		Fields:     form,
		ExpiresAt:  link.ExpiresAt,
	}, nil
}

// SubmitPublicAction creates a record from a public form submission. The
// record belongs to the action's owner; only form fields may be set.
func (r *PostgresActionRepository) SubmitPublicAction(ctx context.Context, token string, values map[string]any) (*objectbase.ObjectRecord, error) {
	link, action, err := r.publicAction(ctx, token)
	if err != nil {
		return nil, err
	}
	fields, form, err := r.formFields(ctx, action)
	if err != nil {
		return nil, err
	}

	onForm := make(map[string]objectbase.ObjectField, len(form))
	for _, f := range form {
		onForm[f.APIName] = f
	}
	submitted := make(map[string]any, len(values))
	for name, v := range values {
		if _, ok := onForm[name]; !ok {
			return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "field "+name+" is not on this form").WithField(name)
		}
		submitted[name] = v
	}
	for _, f := range form {
		v, ok := submitted[f.APIName]
		blank := !ok || v == nil || fmt.Sprint(v) == ""
		if blank && f.DefaultValue != nil && *f.DefaultValue != "" {
			submitted[f.APIName] = *f.DefaultValue
			continue
		}
		if blank && f.IsRequired {
			return nil, requiredMissing(f)
		}
	}

	set, _, err := encodeValues(fields, submitted)
	if err != nil {
		return nil, err
	}
	if err := applyDefaults(fields, set); err != nil {
		return nil, err
	}
	rec, err := r.records.insertRecord(ctx, objectbase.User{ID: action.OwnerID}, action.ObjectTypeID, set)
	if err != nil {
		return nil, err
	}
	zap.S().Infow("public action submitted", "linkId", link.ID, "actionId", action.ID, "recordId", rec.ID)
	return rec, nil
}
