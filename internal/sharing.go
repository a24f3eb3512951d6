package internal

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const shareColumns = `s.id, s.record_id, s.shared_by, s.shared_with, s.permission, s.token, s.expires_at, s.is_active, s.created_at,
	COALESCE((SELECT array_agg(f.field_api_name ORDER BY f.field_api_name) FROM record_share_fields f WHERE f.share_id = s.id), '{}')`

// PostgresSharingRepository implements objectbase.SharingManager.
type PostgresSharingRepository struct {
	pool      dbPool
	fields    objectbase.FieldManager
	records   objectbase.RecordManager
	batchSize int
	nowFunc   func() time.Time
	newToken  func() (string, error)
}

func NewPostgresSharingRepository(pool dbPool, fields objectbase.FieldManager, records objectbase.RecordManager, batchSize int) *PostgresSharingRepository {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PostgresSharingRepository{
		pool:      pool,
		fields:    fields,
		records:   records,
		batchSize: batchSize,
		nowFunc:   time.Now,
		newToken:  NewShareToken,
	}
}

func (r *PostgresSharingRepository) withClock(now func() time.Time) {
	if now != nil {
		r.nowFunc = now
	}
}

// CreateCollection creates a collection owned by the caller.
func (r *PostgresSharingRepository) CreateCollection(ctx context.Context, name, description string) (*objectbase.Collection, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	name = strings.TrimSpace(name)
	if name == "" {
		return nil, objectbase.NewValidationError("name", "collection name is required")
	}
	c := objectbase.Collection{Name: name, Description: description, OwnerID: user.ID, CreatedAt: r.nowFunc().UTC()}
	if err := r.pool.QueryRow(ctx,
		"INSERT INTO sharing_collections (name, description, owner_id, created_at) VALUES ($1, $2, $3, $4) RETURNING id",
		c.Name, c.Description, c.OwnerID, c.CreatedAt).Scan(&c.ID); err != nil {
		return nil, objectbase.NewQueryError("insert collection", err)
	}
	zap.S().Infow("collection created", "collectionId", c.ID)
	return &c, nil
}

// ListCollections returns collections the caller owns or belongs to.
func (r *PostgresSharingRepository) ListCollections(ctx context.Context) ([]objectbase.Collection, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT c.id, c.name, c.description, c.owner_id, c.created_at
		FROM sharing_collections c
		WHERE c.owner_id = $1 OR EXISTS (SELECT 1 FROM collection_members m WHERE m.collection_id = c.id AND m.user_id = $1)
		ORDER BY c.name`, user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query collections", err)
	}
	defer rows.Close()

	collections := make([]objectbase.Collection, 0)
	for rows.Next() {
		var c objectbase.Collection
		if err := rows.Scan(&c.ID, &c.Name, &c.Description, &c.OwnerID, &c.CreatedAt); err != nil {
			return nil, objectbase.NewQueryError("scan collection", err)
		}
		collections = append(collections, c)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate collections", err)
	}
	return collections, nil
}

// Membership reports the caller's relationship to a collection.
func (r *PostgresSharingRepository) Membership(ctx context.Context, collectionID uuid.UUID) (*objectbase.CollectionMembership, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	m := objectbase.CollectionMembership{CollectionID: collectionID}
	var perm string
	err = r.pool.QueryRow(ctx,
		"SELECT is_owner, is_member, permission FROM get_user_collection_membership($1, $2)",
		user.ID, collectionID).Scan(&m.IsOwner, &m.IsMember, &perm)
	if err != nil {
		return nil, notFoundOr(err, "collection", collectionID, "load collection membership")
	}
	m.Permission = objectbase.Permission(perm)
	return &m, nil
}

// AddCollectionMember grants userID access to a collection. Owner only.
func (r *PostgresSharingRepository) AddCollectionMember(ctx context.Context, collectionID, userID uuid.UUID, perm objectbase.Permission) error {
	if !perm.Valid() {
		return objectbase.NewValidationError("permission", "permission must be read or edit")
	}
	m, err := r.Membership(ctx, collectionID)
	if err != nil {
		return err
	}
	if !m.IsOwner {
		return objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only the collection owner can add members")
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO collection_members (collection_id, user_id, permission, added_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (collection_id, user_id) DO UPDATE SET permission = EXCLUDED.permission`,
		collectionID, userID, string(perm), r.nowFunc().UTC())
	if err != nil {
		return objectbase.NewQueryError("add collection member", err)
	}
	return nil
}

// AddRecordToCollection links one of the caller's records to a collection
// the caller can edit.
func (r *PostgresSharingRepository) AddRecordToCollection(ctx context.Context, collectionID, recordID uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	m, err := r.Membership(ctx, collectionID)
	if err != nil {
		return err
	}
	if !m.CanEdit() {
		return objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "edit permission on the collection is required")
	}
	var ownerID uuid.UUID
	if err := r.pool.QueryRow(ctx, "SELECT owner_id FROM object_records WHERE id = $1", recordID).Scan(&ownerID); err != nil {
		return notFoundOr(err, "record", recordID, "load record")
	}
	if ownerID != user.ID {
		return objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only the record owner can add it to a collection")
	}
	_, err = r.pool.Exec(ctx, `INSERT INTO collection_records (collection_id, record_id, added_by, added_at)
		VALUES ($1, $2, $3, $4) ON CONFLICT (collection_id, record_id) DO NOTHING`,
		collectionID, recordID, user.ID, r.nowFunc().UTC())
	if err != nil {
		return objectbase.NewQueryError("add record to collection", err)
	}
	return nil
}

func scanShare(row pgx.Row) (*objectbase.RecordShare, error) {
	var (
		s     objectbase.RecordShare
		perm  string
		token *string
	)
	if err := row.Scan(&s.ID, &s.RecordID, &s.SharedBy, &s.SharedWith, &perm, &token, &s.ExpiresAt,
		&s.IsActive, &s.CreatedAt, &s.SharedFields); err != nil {
		return nil, err
	}
	s.Permission = objectbase.Permission(perm)
	if token != nil {
		s.Token = *token
	}
	return &s, nil
}

// usable rejects inactive and expired shares.
func (r *PostgresSharingRepository) usable(s *objectbase.RecordShare) error {
	return linkUsable("share", s.IsActive, s.ExpiresAt, r.nowFunc())
}

// linkUsable checks the active flag and expiry every token-gated link carries.
func linkUsable(kind string, active bool, expiresAt *time.Time, now time.Time) error {
	if !active {
		return objectbase.NewForbiddenError(objectbase.ErrCodeLinkInactive, "this "+kind+" is no longer active")
	}
	if expiresAt != nil && !expiresAt.After(now) {
		return objectbase.NewForbiddenError(objectbase.ErrCodeLinkExpired, "this "+kind+" has expired").
			WithDetail("expires_at", expiresAt.UTC().Format(time.RFC3339))
	}
	return nil
}

// ShareRecord shares one of the caller's records with a user, or through
// a public link when SharedWith is nil.
func (r *PostgresSharingRepository) ShareRecord(ctx context.Context, input objectbase.ShareRecordInput) (*objectbase.RecordShare, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if !input.Permission.Valid() {
		return nil, objectbase.NewValidationError("permission", "permission must be read or edit")
	}
	now := r.nowFunc().UTC()
	if input.ExpiresAt != nil && !input.ExpiresAt.After(now) {
		return nil, objectbase.NewValidationError("expires_at", "expiry must be in the future")
	}
	if input.SharedWith != nil && *input.SharedWith == user.ID {
		return nil, objectbase.NewValidationError("shared_with", "a record cannot be shared with its owner")
	}

	var ownerID, objectTypeID uuid.UUID
	if err := r.pool.QueryRow(ctx, "SELECT owner_id, object_type_id FROM object_records WHERE id = $1", input.RecordID).
		Scan(&ownerID, &objectTypeID); err != nil {
		return nil, notFoundOr(err, "record", input.RecordID, "load record")
	}
	if ownerID != user.ID {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only the record owner can share it")
	}

	fields, err := r.fields.ListFields(ctx, objectTypeID)
	if err != nil {
		return nil, err
	}
	known := NewSet[string]()
	for _, f := range fields {
		known.Add(f.APIName)
	}
	shared := make([]string, 0, len(input.SharedFields))
	seen := NewSet[string]()
	for _, name := range input.SharedFields {
		name = strings.TrimSpace(name)
		if name == "" || seen.Contains(name) {
			continue
		}
		if !known.Contains(name) {
			return nil, objectbase.NewValidationError("shared_fields", "unknown field "+name).WithDetail("api_name", name)
		}
		seen.Add(name)
		shared = append(shared, name)
	}
	if len(shared) == 0 {
		for _, f := range fields {
			shared = append(shared, f.APIName)
		}
	}

	share := objectbase.RecordShare{
		RecordID:     input.RecordID,
		SharedBy:     user.ID,
		SharedWith:   input.SharedWith,
		Permission:   input.Permission,
		ExpiresAt:    input.ExpiresAt,
		IsActive:     true,
		SharedFields: shared,
		CreatedAt:    now,
	}
	var token *string
	if input.SharedWith == nil {
		t, err := r.newToken()
		if err != nil {
			return nil, objectbase.NewInternalError("generate share token", err)
		}
		share.Token = t
		token = &t
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin share", err)
	}
	defer tx.Rollback(ctx)

	err = tx.QueryRow(ctx, `INSERT INTO record_shares (record_id, shared_by, shared_with, permission, token, expires_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING id`,
		share.RecordID, share.SharedBy, share.SharedWith, string(share.Permission), token, share.ExpiresAt, now,
	).Scan(&share.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("insert record share", err)
	}
	fieldRows := make([][]any, 0, len(shared))
	for _, name := range shared {
		fieldRows = append(fieldRows, []any{share.ID, name})
	}
	if err := execBatched(ctx, tx, "INSERT INTO record_share_fields (share_id, field_api_name)", "",
		fieldRows, r.batchSize); err != nil {
		return nil, objectbase.NewQueryError("insert shared fields", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit share", err)
	}

	zap.S().Infow("record shared", "shareId", share.ID, "recordId", share.RecordID,
		"public", share.SharedWith == nil, "fields", len(shared))
	return &share, nil
}

// ListRecordShares returns the shares the caller created for a record.
func (r *PostgresSharingRepository) ListRecordShares(ctx context.Context, recordID uuid.UUID) ([]objectbase.RecordShare, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+shareColumns+" FROM record_shares s WHERE s.record_id = $1 AND s.shared_by = $2 ORDER BY s.created_at DESC",
		recordID, user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query record shares", err)
	}
	defer rows.Close()

	shares := make([]objectbase.RecordShare, 0)
	for rows.Next() {
		s, err := scanShare(rows)
		if err != nil {
			return nil, objectbase.NewQueryError("scan record share", err)
		}
		shares = append(shares, *s)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate record shares", err)
	}
	return shares, nil
}

// RevokeShare deactivates a share the caller created.
func (r *PostgresSharingRepository) RevokeShare(ctx context.Context, shareID uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	tag, err := r.pool.Exec(ctx, "UPDATE record_shares SET is_active = FALSE WHERE id = $1 AND shared_by = $2", shareID, user.ID)
	if err != nil {
		return objectbase.NewQueryError("revoke share", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("share", shareID.String())
	}
	zap.S().Infow("share revoked", "shareId", shareID)
	return nil
}

// publicShare loads the usable share behind a public token.
func (r *PostgresSharingRepository) publicShare(ctx context.Context, token string) (*objectbase.RecordShare, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, objectbase.NewNotFoundError("public link", "")
	}
	share, err := scanShare(r.pool.QueryRow(ctx,
		"SELECT "+shareColumns+" FROM record_shares s WHERE s.token = $1 AND s.shared_with IS NULL", token))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, objectbase.NewNotFoundError("public link", "")
		}
		return nil, objectbase.NewQueryError("load public link", err)
	}
	if err := r.usable(share); err != nil {
		return nil, err
	}
	return share, nil
}

// ResolvePublicRecord returns the record behind a public link, restricted
// to the shared fields. No session is required.
func (r *PostgresSharingRepository) ResolvePublicRecord(ctx context.Context, token string) (*objectbase.PublicRecord, error) {
	share, err := r.publicShare(ctx, token)
	if err != nil {
		return nil, err
	}

	rec, err := fetchRecord(ctx, r.pool, share.RecordID)
	if err != nil {
		return nil, err
	}
	var objectAPIName string
	if err := r.pool.QueryRow(ctx, "SELECT api_name FROM object_types WHERE id = $1", rec.ObjectTypeID).Scan(&objectAPIName); err != nil {
		return nil, notFoundOr(err, "object type", rec.ObjectTypeID, "load object type")
	}
	fields, err := r.fields.ListFields(ctx, rec.ObjectTypeID)
	if err != nil {
		return nil, err
	}

	projected := ProjectRecord(rec, share.SharedFields)
	values := projected.FieldValues
	if values == nil {
		values = map[string]string{}
	}
	return &objectbase.PublicRecord{
		RecordID:    rec.RecordID,
		ObjectType:  objectAPIName,
		FieldValues: values,
		Fields:      ProjectFields(fields, share.SharedFields),
		Permission:  share.Permission,
		ExpiresAt:   share.ExpiresAt,
	}, nil
}

// UpdatePublicRecord writes values through an edit link. Only shared
// fields may be written; the change is attributed to the sharer.
func (r *PostgresSharingRepository) UpdatePublicRecord(ctx context.Context, token string, values map[string]any) (*objectbase.PublicRecord, error) {
	share, err := r.publicShare(ctx, token)
	if err != nil {
		return nil, err
	}
	if !share.Permission.Allows(objectbase.PermissionEdit) {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "this link is read-only")
	}
	if len(values) == 0 {
		return nil, objectbase.NewValidationError("values", "no values to update")
	}
	shared := NewSet(share.SharedFields...)
	for name := range values {
		if !shared.Contains(name) {
			return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "field "+name+" is not shared").WithField(name)
		}
	}

	var objectTypeID uuid.UUID
	if err := r.pool.QueryRow(ctx, "SELECT object_type_id FROM object_records WHERE id = $1", share.RecordID).
		Scan(&objectTypeID); err != nil {
		return nil, notFoundOr(err, "record", share.RecordID, "load record")
	}
	fields, err := r.fields.ListFields(ctx, objectTypeID)
	if err != nil {
		return nil, err
	}
	set, cleared, err := encodeValues(fields, values)
	if err != nil {
		return nil, err
	}
	if err := keepsRequired(fields, set, cleared); err != nil {
		return nil, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin public update", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "UPDATE object_records SET updated_at = $2, last_modified_by = $3 WHERE id = $1",
		share.RecordID, r.nowFunc().UTC(), share.SharedBy); err != nil {
		return nil, objectbase.NewQueryError("update record", err)
	}
	if err := writeValues(ctx, tx, share.RecordID, set, cleared, r.batchSize); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit public update", err)
	}
	zap.S().Infow("record updated through public link", "shareId", share.ID, "recordId", share.RecordID,
		"set", len(set), "cleared", len(cleared))
	return r.ResolvePublicRecord(ctx, token)
}

// AcceptShare copies a record shared with the caller into one of their
// object types, translating field names through the saved mappings.
func (r *PostgresSharingRepository) AcceptShare(ctx context.Context, shareID, receiverObjectTypeID uuid.UUID) (*objectbase.ObjectRecord, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	share, err := scanShare(r.pool.QueryRow(ctx, "SELECT "+shareColumns+" FROM record_shares s WHERE s.id = $1", shareID))
	if err != nil {
		return nil, notFoundOr(err, "share", shareID, "load share")
	}
	if share.SharedWith == nil || *share.SharedWith != user.ID {
		return nil, objectbase.NewNotFoundError("share", shareID.String())
	}
	if err := r.usable(share); err != nil {
		return nil, err
	}

	rec, err := fetchRecord(ctx, r.pool, share.RecordID)
	if err != nil {
		return nil, err
	}
	mappings, err := r.ListFieldMappings(ctx, rec.ObjectTypeID, receiverObjectTypeID)
	if err != nil {
		return nil, err
	}
	if len(mappings) == 0 {
		return nil, objectbase.NewValidationError("receiver_object_type_id", "no field mappings saved for this object type pair")
	}

	translated := TranslateFieldValues(mappings, ProjectRecord(rec, share.SharedFields).FieldValues)
	values := make(map[string]any, len(translated))
	for k, v := range translated {
		values[k] = v
	}
	created, err := r.records.CreateRecord(ctx, receiverObjectTypeID, values)
	if err != nil {
		return nil, err
	}
	zap.S().Infow("share accepted", "shareId", shareID, "recordId", created.ID, "fields", len(values))
	return created, nil
}

// SaveFieldMappings upserts the caller's mappings in one transaction.
func (r *PostgresSharingRepository) SaveFieldMappings(ctx context.Context, mappings []objectbase.FieldMapping) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}
	rows := make([][]any, 0, len(mappings))
	for _, m := range mappings {
		if m.SharerObjectTypeID == uuid.Nil || m.ReceiverObjectTypeID == uuid.Nil {
			return objectbase.NewValidationError("object_type_id", "mappings need both object types")
		}
		if strings.TrimSpace(m.SharerFieldAPIName) == "" || strings.TrimSpace(m.ReceiverFieldAPIName) == "" {
			return objectbase.NewValidationError("field_api_name", "mappings need both field api names")
		}
		rows = append(rows, []any{user.ID, m.SharerObjectTypeID, m.ReceiverObjectTypeID,
			strings.TrimSpace(m.SharerFieldAPIName), strings.TrimSpace(m.ReceiverFieldAPIName)})
	}
	if len(rows) == 0 {
		return nil
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return objectbase.NewTransactionError("begin field mappings", err)
	}
	defer tx.Rollback(ctx)

	if err := execBatched(ctx, tx,
		"INSERT INTO field_mappings (owner_id, sharer_object_type_id, receiver_object_type_id, sharer_field_api_name, receiver_field_api_name)",
		"ON CONFLICT (owner_id, sharer_object_type_id, receiver_object_type_id, sharer_field_api_name) DO UPDATE SET receiver_field_api_name = EXCLUDED.receiver_field_api_name",
		rows, r.batchSize); err != nil {
		return objectbase.NewQueryError("save field mappings", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return objectbase.NewTransactionError("commit field mappings", err)
	}
	return nil
}

// ListFieldMappings returns the caller's mappings for an object type pair.
func (r *PostgresSharingRepository) ListFieldMappings(ctx context.Context, sharerObjectTypeID, receiverObjectTypeID uuid.UUID) ([]objectbase.FieldMapping, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx, `SELECT id, owner_id, sharer_object_type_id, receiver_object_type_id, sharer_field_api_name, receiver_field_api_name
		FROM field_mappings WHERE owner_id = $1 AND sharer_object_type_id = $2 AND receiver_object_type_id = $3
		ORDER BY sharer_field_api_name`, user.ID, sharerObjectTypeID, receiverObjectTypeID)
	if err != nil {
		return nil, objectbase.NewQueryError("query field mappings", err)
	}
	defer rows.Close()

	mappings := make([]objectbase.FieldMapping, 0)
	for rows.Next() {
		var m objectbase.FieldMapping
		if err := rows.Scan(&m.ID, &m.OwnerID, &m.SharerObjectTypeID, &m.ReceiverObjectTypeID,
			&m.SharerFieldAPIName, &m.ReceiverFieldAPIName); err != nil {
			return nil, objectbase.NewQueryError("scan field mapping", err)
		}
		mappings = append(mappings, m)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate field mappings", err)
	}
	return mappings, nil
}
