package internal

import (
	"context"
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

const recordColumns = "id, object_type_id, record_id, owner_id, created_by, last_modified_by, created_at, updated_at"

// recordWritable restricts a statement on object_records r to the owner,
// to collection members holding edit permission and to users holding an
// active edit share. The placeholder is the user id.
const recordWritable = `(r.owner_id = $%[1]d OR EXISTS (
	SELECT 1 FROM collection_records cr
	JOIN collection_members m ON m.collection_id = cr.collection_id
	WHERE cr.record_id = r.id AND m.user_id = $%[1]d AND m.permission = 'edit')
	OR EXISTS (
	SELECT 1 FROM record_shares s
	WHERE s.record_id = r.id AND s.shared_with = $%[1]d AND s.permission = 'edit' AND s.is_active
	  AND (s.expires_at IS NULL OR s.expires_at > now())))`

// recordReadable is recordWritable for reads: owners of a collection
// holding the record, any collection member and any active direct share.
const recordReadable = `(r.owner_id = $%[1]d OR EXISTS (
	SELECT 1 FROM collection_records cr
	JOIN sharing_collections c ON c.id = cr.collection_id
	LEFT JOIN collection_members m ON m.collection_id = cr.collection_id AND m.user_id = $%[1]d
	WHERE cr.record_id = r.id AND (c.owner_id = $%[1]d OR m.user_id IS NOT NULL))
	OR EXISTS (
	SELECT 1 FROM record_shares s
	WHERE s.record_id = r.id AND s.shared_with = $%[1]d AND s.is_active
	  AND (s.expires_at IS NULL OR s.expires_at > now())))`

func readableBy(placeholder int) string {
	return fmt.Sprintf(recordReadable, placeholder)
}

// cloneSuffixFields are the display fields that get "_copy" appended on clone.
var cloneSuffixFields = map[string]struct{}{
	"name":         {},
	"title":        {},
	"subject":      {},
	"display_name": {},
}

const cloneSuffix = "_copy"

// PostgresRecordRepository implements objectbase.RecordManager over the
// object_records / object_field_values pair.
type PostgresRecordRepository struct {
	pool            dbPool
	fields          objectbase.FieldManager
	defaultPageSize int
	maxPageSize     int
	batchSize       int
	nowFunc         func() time.Time
}

func NewPostgresRecordRepository(pool dbPool, fields objectbase.FieldManager, cfg objectbase.QueryConfig) *PostgresRecordRepository {
	repo := &PostgresRecordRepository{
		pool:            pool,
		fields:          fields,
		defaultPageSize: cfg.DefaultPageSize,
		maxPageSize:     cfg.MaxPageSize,
		batchSize:       cfg.BatchSize,
		nowFunc:         time.Now,
	}
	if repo.defaultPageSize <= 0 {
		repo.defaultPageSize = 20
	}
	if repo.maxPageSize < repo.defaultPageSize {
		repo.maxPageSize = repo.defaultPageSize
	}
	if repo.batchSize <= 0 {
		repo.batchSize = defaultBatchSize
	}
	return repo
}

func (r *PostgresRecordRepository) withClock(now func() time.Time) {
	if now != nil {
		r.nowFunc = now
	}
}

func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ", ")
	for i, p := range parts {
		parts[i] = alias + "." + p
	}
	return strings.Join(parts, ", ")
}

func scanRecord(row pgx.Row) (*objectbase.ObjectRecord, error) {
	var rec objectbase.ObjectRecord
	if err := row.Scan(
		&rec.ID,
		&rec.ObjectTypeID,
		&rec.RecordID,
		&rec.OwnerID,
		&rec.CreatedBy,
		&rec.LastModifiedBy,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	); err != nil {
		return nil, err
	}
	rec.FieldValues = map[string]string{}
	return &rec, nil
}

func collectRecords(rows pgx.Rows) ([]objectbase.ObjectRecord, error) {
	defer rows.Close()
	records := make([]objectbase.ObjectRecord, 0)
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// loadValues fetches every value of the given records in one query and
// groups them per record.
func loadValues(ctx context.Context, q queryer, ids []uuid.UUID) (map[uuid.UUID]map[string]string, error) {
	grouped := make(map[uuid.UUID]map[string]string, len(ids))
	if len(ids) == 0 {
		return grouped, nil
	}
	rows, err := q.Query(ctx,
		"SELECT record_id, field_api_name, value FROM object_field_values WHERE record_id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			recordID uuid.UUID
			apiName  string
			value    *string
		)
		if err := rows.Scan(&recordID, &apiName, &value); err != nil {
			return nil, err
		}
		if value == nil {
			continue
		}
		values, ok := grouped[recordID]
		if !ok {
			values = make(map[string]string)
			grouped[recordID] = values
		}
		values[apiName] = *value
	}
	return grouped, rows.Err()
}

func attachValues(records []objectbase.ObjectRecord, grouped map[uuid.UUID]map[string]string) {
	for i := range records {
		if values, ok := grouped[records[i].ID]; ok {
			records[i].FieldValues = values
		}
	}
}

func recordIDs(records []objectbase.ObjectRecord) []uuid.UUID {
	ids := make([]uuid.UUID, len(records))
	for i, rec := range records {
		ids[i] = rec.ID
	}
	return ids
}

func (r *PostgresRecordRepository) normalizePage(page, pageSize int) (int, int) {
	if page < 1 {
		page = 1
	}
	if pageSize <= 0 {
		pageSize = r.defaultPageSize
	}
	if pageSize > r.maxPageSize {
		pageSize = r.maxPageSize
	}
	return page, pageSize
}

// ListRecords returns one page of records. Timestamp filters run in SQL and
// decide TotalCount; filters on dynamic fields run on the fetched page only.
func (r *PostgresRecordRepository) ListRecords(ctx context.Context, q objectbase.RecordQuery) (*objectbase.RecordPage, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := ValidateFilters(q.Filters); err != nil {
		return nil, err
	}
	page, pageSize := r.normalizePage(q.Page, q.PageSize)
	serverFilters, clientFilters := splitFilters(q.Filters)
	start := time.Now()

	where := []string{"r.object_type_id = $1", readableBy(2)}
	args := []any{q.ObjectTypeID, user.ID}
	for _, f := range serverFilters {
		clause, clauseArgs, ok := systemFilterClause(f, len(args)+1)
		if !ok {
			continue
		}
		where = append(where, clause)
		args = append(args, clauseArgs...)
	}
	whereSQL := strings.Join(where, " AND ")

	var total int64
	if err := r.pool.QueryRow(ctx, "SELECT COUNT(*) FROM object_records r WHERE "+whereSQL, args...).Scan(&total); err != nil {
		return nil, objectbase.NewQueryError("count records", err)
	}

	pageArgs := append(append([]any{}, args...), pageSize, (page-1)*pageSize)
	pageSQL := fmt.Sprintf("SELECT %s FROM object_records r WHERE %s ORDER BY r.created_at DESC, r.id LIMIT $%d OFFSET $%d",
		prefixColumns(recordColumns, "r"), whereSQL, len(args)+1, len(args)+2)
	rows, err := r.pool.Query(ctx, pageSQL, pageArgs...)
	if err != nil {
		return nil, objectbase.NewQueryError("query records", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, objectbase.NewQueryError("scan records", err)
	}

	grouped, err := loadValues(ctx, r.pool, recordIDs(records))
	if err != nil {
		return nil, objectbase.NewQueryError("load field values", err)
	}
	attachValues(records, grouped)
	EmitLatency(ctx, "records.server", start)
	EmitRowCount(ctx, "records.server", int64(len(records)))

	result := &objectbase.RecordPage{
		Records:    records,
		TotalCount: total,
		TotalPages: int((total + int64(pageSize) - 1) / int64(pageSize)),
		Page:       page,
		PageSize:   pageSize,
	}
	if len(clientFilters) > 0 {
		start = time.Now()
		result.Records = ApplyFilters(records, clientFilters)
		result.ClientFiltered = true
		EmitLatency(ctx, "records.client", start)
		EmitRowCount(ctx, "records.client", int64(len(result.Records)))
	}

	zap.S().Debugw("records listed", "objectTypeId", q.ObjectTypeID, "page", page, "total", total,
		"returned", len(result.Records), "clientFilters", len(clientFilters))
	return result, nil
}

// GetRecord loads one record the caller may read, with its values.
// Records the caller cannot see are reported as not found.
func (r *PostgresRecordRepository) GetRecord(ctx context.Context, id uuid.UUID) (*objectbase.ObjectRecord, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rec, err := r.readableRecord(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	grouped, err := loadValues(ctx, r.pool, []uuid.UUID{id})
	if err != nil {
		return nil, objectbase.NewQueryError("load field values", err)
	}
	if values, ok := grouped[id]; ok {
		rec.FieldValues = values
	}
	return rec, nil
}

// readableRecord loads the identity row of a record visible to userID.
func (r *PostgresRecordRepository) readableRecord(ctx context.Context, userID, id uuid.UUID) (*objectbase.ObjectRecord, error) {
	rec, err := scanRecord(r.pool.QueryRow(ctx,
		"SELECT "+prefixColumns(recordColumns, "r")+" FROM object_records r WHERE r.id = $1 AND "+readableBy(2), id, userID))
	if err != nil {
		return nil, notFoundOr(err, "record", id, "load record")
	}
	return rec, nil
}

// fetchRecord loads a record and its values without access checks.
func fetchRecord(ctx context.Context, q queryer, id uuid.UUID) (*objectbase.ObjectRecord, error) {
	rec, err := scanRecord(q.QueryRow(ctx, "SELECT "+recordColumns+" FROM object_records WHERE id = $1", id))
	if err != nil {
		return nil, notFoundOr(err, "record", id, "load record")
	}
	grouped, err := loadValues(ctx, q, []uuid.UUID{id})
	if err != nil {
		return nil, objectbase.NewQueryError("load field values", err)
	}
	if values, ok := grouped[id]; ok {
		rec.FieldValues = values
	}
	return rec, nil
}

// encodeValues converts client values into stored strings. Nil values and
// values decoding to null are reported in cleared.
func encodeValues(fields []objectbase.ObjectField, values map[string]any) (map[string]string, []string, error) {
	byName := make(map[string]objectbase.ObjectField, len(fields))
	for _, f := range fields {
		byName[f.APIName] = f
	}

	set := make(map[string]string, len(values))
	cleared := make([]string, 0)
	for name, raw := range values {
		if name == objectbase.RecordIDField {
			continue
		}
		field, known := byName[name]
		if !known {
			if raw == nil {
				cleared = append(cleared, name)
				continue
			}
			set[name] = fmt.Sprint(raw)
			continue
		}
		v, err := objectbase.CoerceField(field, raw)
		if err != nil {
			var typed *objectbase.Error
			if errors.As(err, &typed) {
				return nil, nil, typed.WithField(name)
			}
			return nil, nil, err
		}
		if v.IsNull() {
			cleared = append(cleared, name)
			continue
		}
		set[name] = v.Encode()
	}
	sort.Strings(cleared)
	return set, cleared, nil
}

func requiredMissing(field objectbase.ObjectField) error {
	return objectbase.NewError(objectbase.ErrorTypeValidation, objectbase.ErrCodeRequiredFieldMissing,
		field.Name+" is required").WithField(field.APIName)
}

// applyDefaults fills unset fields with their default values and checks
// that every required field has a value.
func applyDefaults(fields []objectbase.ObjectField, set map[string]string) error {
	for _, f := range fields {
		if v, ok := set[f.APIName]; ok && v != "" {
			continue
		}
		if f.DefaultValue != nil && *f.DefaultValue != "" {
			set[f.APIName] = *f.DefaultValue
			continue
		}
		if f.IsRequired {
			return requiredMissing(f)
		}
	}
	return nil
}

// keepsRequired rejects updates that blank or clear a required field.
func keepsRequired(fields []objectbase.ObjectField, set map[string]string, cleared []string) error {
	clearedNames := NewSet(cleared...)
	for _, f := range fields {
		if !f.IsRequired {
			continue
		}
		if v, ok := set[f.APIName]; ok && v == "" {
			return requiredMissing(f)
		}
		if clearedNames.Contains(f.APIName) {
			return requiredMissing(f)
		}
	}
	return nil
}

func valueRowsFor(recordID uuid.UUID, values map[string]string) [][]any {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)
	rows := make([][]any, 0, len(names))
	for _, name := range names {
		rows = append(rows, []any{recordID, name, values[name]})
	}
	return rows
}

// CreateRecord inserts a record and all of its values in one transaction.
func (r *PostgresRecordRepository) CreateRecord(ctx context.Context, objectTypeID uuid.UUID, values map[string]any) (*objectbase.ObjectRecord, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	fields, err := r.fields.ListFields(ctx, objectTypeID)
	if err != nil {
		return nil, err
	}
	set, _, err := encodeValues(fields, values)
	if err != nil {
		return nil, err
	}
	if err := applyDefaults(fields, set); err != nil {
		return nil, err
	}
	return r.insertRecord(ctx, user, objectTypeID, set)
}

func (r *PostgresRecordRepository) insertRecord(ctx context.Context, user objectbase.User, objectTypeID uuid.UUID, values map[string]string) (*objectbase.ObjectRecord, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	var (
		apiName   string
		ownerID   uuid.UUID
		published bool
	)
	err = tx.QueryRow(ctx, "SELECT api_name, owner_id, is_published FROM object_types WHERE id = $1", objectTypeID).
		Scan(&apiName, &ownerID, &published)
	if err != nil {
		return nil, notFoundOr(err, "object type", objectTypeID, "load object type")
	}
	if (objectbase.ObjectType{OwnerID: ownerID, IsPublished: published}).ReadOnlyFor(user.ID) {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "published object types of other tenants are read-only")
	}
	if ownerID != user.ID {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only the owner of an object type can add records to it")
	}

	humanID, err := NewRecordID(apiName)
	if err != nil {
		return nil, objectbase.NewInternalError("generate record id", err)
	}
	now := r.nowFunc().UTC()
	rec := objectbase.ObjectRecord{
		ObjectTypeID:   objectTypeID,
		RecordID:       humanID,
		OwnerID:        user.ID,
		CreatedBy:      user.ID,
		LastModifiedBy: &user.ID,
		CreatedAt:      now,
		UpdatedAt:      now,
		FieldValues:    values,
	}
	err = tx.QueryRow(ctx, `INSERT INTO object_records
		(object_type_id, record_id, owner_id, created_by, last_modified_by, created_at, updated_at)
		VALUES ($1, $2, $3, $3, $3, $4, $4) RETURNING id`,
		objectTypeID, humanID, user.ID, now,
	).Scan(&rec.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("insert record", err)
	}

	if err := execBatched(ctx, tx, "INSERT INTO object_field_values (record_id, field_api_name, value)", "",
		valueRowsFor(rec.ID, values), r.batchSize); err != nil {
		return nil, objectbase.NewQueryError("insert field values", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit record", err)
	}

	zap.S().Infow("record created", "objectTypeId", objectTypeID, "recordId", rec.ID, "values", len(values))
	return &rec, nil
}

// UpdateRecord upserts the given values and clears the ones set to nil,
// all in one transaction. Fields not mentioned stay untouched.
func (r *PostgresRecordRepository) UpdateRecord(ctx context.Context, id uuid.UUID, values map[string]any) (*objectbase.ObjectRecord, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	current, err := r.readableRecord(ctx, user.ID, id)
	if err != nil {
		return nil, err
	}
	fields, err := r.fields.ListFields(ctx, current.ObjectTypeID)
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
		return nil, objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	tag, err := tx.Exec(ctx,
		"UPDATE object_records r SET updated_at = $2, last_modified_by = $3 WHERE r.id = $1 AND "+fmt.Sprintf(recordWritable, 3),
		id, r.nowFunc().UTC(), user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("update record", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, objectbase.NewNotFoundError("record", id.String())
	}

	if err := writeValues(ctx, tx, id, set, cleared, r.batchSize); err != nil {
		return nil, err
	}

	updated, err := fetchRecord(ctx, tx, id)
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit record", err)
	}
	return updated, nil
}

// writeValues upserts set and deletes cleared for one record.
func writeValues(ctx context.Context, q queryer, id uuid.UUID, set map[string]string, cleared []string, batchSize int) error {
	if err := execBatched(ctx, q, "INSERT INTO object_field_values (record_id, field_api_name, value)",
		"ON CONFLICT (record_id, field_api_name) DO UPDATE SET value = EXCLUDED.value",
		valueRowsFor(id, set), batchSize); err != nil {
		return objectbase.NewQueryError("upsert field values", err)
	}
	if len(cleared) == 0 {
		return nil
	}
	if _, err := q.Exec(ctx,
		"DELETE FROM object_field_values WHERE record_id = $1 AND field_api_name = ANY($2)", id, cleared); err != nil {
		return objectbase.NewQueryError("clear field values", err)
	}
	return nil
}

// DeleteRecord removes the values and then the record in one transaction.
func (r *PostgresRecordRepository) DeleteRecord(ctx context.Context, id uuid.UUID) error {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return objectbase.NewTransactionError("begin transaction", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "DELETE FROM object_field_values WHERE record_id = $1", id); err != nil {
		return objectbase.NewQueryError("delete field values", err)
	}
	tag, err := tx.Exec(ctx, "DELETE FROM object_records r WHERE r.id = $1 AND "+fmt.Sprintf(recordWritable, 2), id, user.ID)
	if err != nil {
		return objectbase.NewQueryError("delete record", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("record", id.String())
	}
	if err := tx.Commit(ctx); err != nil {
		return objectbase.NewTransactionError("commit record delete", err)
	}
	zap.S().Infow("record deleted", "recordId", id)
	return nil
}

// CloneRecord copies a record's values into a new record owned by the caller.
// Display fields (name, title, subject, display_name) get a "_copy" suffix.
func (r *PostgresRecordRepository) CloneRecord(ctx context.Context, id uuid.UUID) (*objectbase.ObjectRecord, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	source, err := r.GetRecord(ctx, id)
	if err != nil {
		return nil, err
	}
	return r.insertRecord(ctx, user, source.ObjectTypeID, cloneValues(source.FieldValues))
}

func cloneValues(values map[string]string) map[string]string {
	out := make(map[string]string, len(values))
	for name, v := range values {
		if _, ok := cloneSuffixFields[name]; ok && v != "" {
			v += cloneSuffix
		}
		out[name] = v
	}
	return out
}

// NextQueuedTickets returns records whose status field holds the queued
// value, oldest first.
func (r *PostgresRecordRepository) NextQueuedTickets(ctx context.Context, q objectbase.QueueQuery) ([]objectbase.ObjectRecord, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if q.StatusField == "" || q.QueuedValue == "" {
		return nil, objectbase.NewValidationError("status_field", "status field and queued value are required")
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 1
	}
	if limit > r.maxPageSize {
		limit = r.maxPageSize
	}

	rows, err := r.pool.Query(ctx, `SELECT `+prefixColumns(recordColumns, "r")+` FROM object_records r
		JOIN object_field_values v ON v.record_id = r.id AND v.field_api_name = $2
		WHERE r.object_type_id = $1 AND v.value = $3 AND `+readableBy(5)+`
		ORDER BY r.created_at ASC, r.id LIMIT $4`,
		q.ObjectTypeID, q.StatusField, q.QueuedValue, limit, user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query queue", err)
	}
	records, err := collectRecords(rows)
	if err != nil {
		return nil, objectbase.NewQueryError("scan queue", err)
	}
	grouped, err := loadValues(ctx, r.pool, recordIDs(records))
	if err != nil {
		return nil, objectbase.NewQueryError("load field values", err)
	}
	attachValues(records, grouped)
	return records, nil
}

// NextQueuedTicket returns the oldest queued record, or nil when the queue is empty.
func (r *PostgresRecordRepository) NextQueuedTicket(ctx context.Context, q objectbase.QueueQuery) (*objectbase.ObjectRecord, error) {
	q.Limit = 1
	records, err := r.NextQueuedTickets(ctx, q)
	if err != nil || len(records) == 0 {
		return nil, err
	}
	return &records[0], nil
}
