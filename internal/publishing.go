package internal

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const applicationColumns = `a.id, a.name, a.description, a.publisher_id, a.version, a.is_active, a.bundle_key, a.created_at,
	COALESCE((SELECT array_agg(o.object_type_id ORDER BY o.object_type_id) FROM published_application_objects o WHERE o.application_id = a.id), '{}'),
	COALESCE((SELECT array_agg(x.action_id ORDER BY x.action_id) FROM published_application_actions x WHERE x.application_id = a.id), '{}')`

const importColumns = `id, application_id, importer_id, status, objects_imported, actions_imported, error_message,
	imported_object_ids, imported_action_ids, failed_object_ids, failed_action_ids, started_at, completed_at`

// PostgresPublishingRepository implements objectbase.PublishingManager.
type PostgresPublishingRepository struct {
	pool      dbPool
	archive   BundleArchive
	batchSize int
	nowFunc   func() time.Time
}

// NewPostgresPublishingRepository builds the publishing repository. archive may be nil.
func NewPostgresPublishingRepository(pool dbPool, archive BundleArchive, batchSize int) *PostgresPublishingRepository {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	return &PostgresPublishingRepository{pool: pool, archive: archive, batchSize: batchSize, nowFunc: time.Now}
}

func (r *PostgresPublishingRepository) withClock(now func() time.Time) {
	if now != nil {
		r.nowFunc = now
	}
}

func dedupeIDs(ids []uuid.UUID) []uuid.UUID {
	seen := NewSet[uuid.UUID]()
	out := make([]uuid.UUID, 0, len(ids))
	for _, id := range ids {
		if id != uuid.Nil && seen.Add(id) {
			out = append(out, id)
		}
	}
	return out
}

func sortIDs(ids []uuid.UUID) {
	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
}

// fieldPublishingRows flattens the inclusion map into sorted
// (application_id, object_type_id, field_id, is_included) rows.
func fieldPublishingRows(appID uuid.UUID, inclusion map[uuid.UUID]map[uuid.UUID]bool) [][]any {
	objectIDs := MapKeys(inclusion)
	sortIDs(objectIDs)

	rows := make([][]any, 0)
	for _, objectID := range objectIDs {
		fieldIDs := MapKeys(inclusion[objectID])
		sortIDs(fieldIDs)
		for _, fieldID := range fieldIDs {
			rows = append(rows, []any{appID, objectID, fieldID, inclusion[objectID][fieldID]})
		}
	}
	return rows
}

func validatePublishRequest(req objectbase.PublishRequest) (objectbase.PublishRequest, error) {
	req.Name = strings.TrimSpace(req.Name)
	if req.Name == "" {
		return req, objectbase.NewValidationError("name", "application name is required")
	}
	req.ObjectTypeIDs = dedupeIDs(req.ObjectTypeIDs)
	if len(req.ObjectTypeIDs) == 0 {
		return req, objectbase.NewValidationError("object_type_ids", "at least one object type is required")
	}
	req.ActionIDs = dedupeIDs(req.ActionIDs)
	selected := NewSet(req.ObjectTypeIDs...)
	for id := range req.FieldInclusion {
		if !selected.Contains(id) {
			return req, objectbase.NewValidationError("field_inclusion",
				"field inclusion references an object type that is not published").
				WithDetail("object_type_id", id.String())
		}
	}
	return req, nil
}

// Publish creates a new application version from the caller's object types
// and actions. Earlier versions with the same name are deactivated.
func (r *PostgresPublishingRepository) Publish(ctx context.Context, req objectbase.PublishRequest) (*objectbase.PublishedApplication, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	req, err = validatePublishRequest(req)
	if err != nil {
		return nil, err
	}

	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, objectbase.NewTransactionError("begin publish", err)
	}
	defer tx.Rollback(ctx)

	var owned int64
	if err := tx.QueryRow(ctx,
		"SELECT COUNT(*) FROM object_types WHERE id = ANY($1) AND owner_id = $2 AND is_active",
		req.ObjectTypeIDs, user.ID).Scan(&owned); err != nil {
		return nil, objectbase.NewQueryError("check object type ownership", err)
	}
	if int(owned) != len(req.ObjectTypeIDs) {
		return nil, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "only your own active object types can be published")
	}
	if len(req.ActionIDs) > 0 {
		var actions int64
		if err := tx.QueryRow(ctx,
			"SELECT COUNT(*) FROM actions WHERE id = ANY($1) AND owner_id = $2 AND object_type_id = ANY($3)",
			req.ActionIDs, user.ID, req.ObjectTypeIDs).Scan(&actions); err != nil {
			return nil, objectbase.NewQueryError("check action ownership", err)
		}
		if int(actions) != len(req.ActionIDs) {
			return nil, objectbase.NewValidationError("action_ids", "actions must belong to the published object types")
		}
	}

	now := r.nowFunc().UTC()
	app := objectbase.PublishedApplication{
		Name:          req.Name,
		Description:   req.Description,
		PublisherID:   user.ID,
		IsActive:      true,
		ObjectTypeIDs: req.ObjectTypeIDs,
		ActionIDs:     req.ActionIDs,
		CreatedAt:     now,
	}
	err = tx.QueryRow(ctx, `INSERT INTO published_applications (name, description, publisher_id, version, created_at)
		VALUES ($1, $2, $3, (SELECT COALESCE(MAX(version), 0) + 1 FROM published_applications WHERE publisher_id = $3 AND name = $1), $4)
		RETURNING id, version`,
		app.Name, app.Description, app.PublisherID, now,
	).Scan(&app.ID, &app.Version)
	if err != nil {
		return nil, objectbase.NewQueryError("insert published application", err)
	}
	if _, err := tx.Exec(ctx,
		"UPDATE published_applications SET is_active = FALSE WHERE publisher_id = $1 AND name = $2 AND id <> $3",
		user.ID, app.Name, app.ID); err != nil {
		return nil, objectbase.NewQueryError("deactivate previous versions", err)
	}

	objectRows := make([][]any, 0, len(req.ObjectTypeIDs))
	for _, id := range req.ObjectTypeIDs {
		objectRows = append(objectRows, []any{app.ID, id})
	}
	if err := execBatched(ctx, tx, "INSERT INTO published_application_objects (application_id, object_type_id)", "",
		objectRows, r.batchSize); err != nil {
		return nil, objectbase.NewQueryError("insert published objects", err)
	}
	actionRows := make([][]any, 0, len(req.ActionIDs))
	for _, id := range req.ActionIDs {
		actionRows = append(actionRows, []any{app.ID, id})
	}
	if err := execBatched(ctx, tx, "INSERT INTO published_application_actions (application_id, action_id)", "",
		actionRows, r.batchSize); err != nil {
		return nil, objectbase.NewQueryError("insert published actions", err)
	}
	if err := execBatched(ctx, tx,
		"INSERT INTO object_field_publishing (application_id, object_type_id, field_id, is_included)",
		"ON CONFLICT (application_id, field_id) DO UPDATE SET is_included = EXCLUDED.is_included",
		fieldPublishingRows(app.ID, req.FieldInclusion), r.batchSize); err != nil {
		return nil, objectbase.NewQueryError("upsert field publishing settings", err)
	}
	if _, err := tx.Exec(ctx, "UPDATE object_types SET is_published = TRUE, updated_at = $2 WHERE id = ANY($1)",
		req.ObjectTypeIDs, now); err != nil {
		return nil, objectbase.NewQueryError("mark object types published", err)
	}
	if _, err := tx.Exec(ctx, "SELECT refresh_published_objects_view()"); err != nil {
		return nil, objectbase.NewQueryError("refresh published objects view", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, objectbase.NewTransactionError("commit publish", err)
	}

	zap.S().Infow("application published", "applicationId", app.ID, "version", app.Version,
		"objects", len(app.ObjectTypeIDs), "actions", len(app.ActionIDs))

	if r.archive != nil {
		if key, err := r.archiveBundle(ctx, &app, req.FieldInclusion); err != nil {
			zap.S().Warnw("bundle archive failed", "applicationId", app.ID, "error", err)
		} else {
			app.BundleKey = key
		}
	}
	return &app, nil
}

type bundleManifest struct {
	Application    *objectbase.PublishedApplication `json:"application"`
	FieldInclusion []objectbase.FieldPublishing     `json:"field_inclusion"`
}

func (r *PostgresPublishingRepository) archiveBundle(ctx context.Context, app *objectbase.PublishedApplication, inclusion map[uuid.UUID]map[uuid.UUID]bool) (string, error) {
	manifest := bundleManifest{Application: app, FieldInclusion: make([]objectbase.FieldPublishing, 0)}
	for _, row := range fieldPublishingRows(app.ID, inclusion) {
		manifest.FieldInclusion = append(manifest.FieldInclusion, objectbase.FieldPublishing{
			ApplicationID: app.ID,
			ObjectTypeID:  row[1].(uuid.UUID),
			FieldID:       row[2].(uuid.UUID),
			IsIncluded:    row[3].(bool),
		})
	}
	body, err := json.Marshal(manifest)
	if err != nil {
		return "", fmt.Errorf("encode bundle manifest: %w", err)
	}
	key, err := r.archive.Put(ctx, app.ID.String()+".json", body)
	if err != nil {
		return "", err
	}
	if _, err := r.pool.Exec(ctx, "UPDATE published_applications SET bundle_key = $2 WHERE id = $1", app.ID, key); err != nil {
		return "", fmt.Errorf("record bundle key: %w", err)
	}
	return key, nil
}

func scanApplication(row pgx.Row) (*objectbase.PublishedApplication, error) {
	var a objectbase.PublishedApplication
	err := row.Scan(&a.ID, &a.Name, &a.Description, &a.PublisherID, &a.Version, &a.IsActive, &a.BundleKey,
		&a.CreatedAt, &a.ObjectTypeIDs, &a.ActionIDs)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListPublished returns every active application, newest first.
func (r *PostgresPublishingRepository) ListPublished(ctx context.Context) ([]objectbase.PublishedApplication, error) {
	if _, err := objectbase.RequireUser(ctx); err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+applicationColumns+" FROM published_applications a WHERE a.is_active ORDER BY a.created_at DESC")
	if err != nil {
		return nil, objectbase.NewQueryError("query published applications", err)
	}
	defer rows.Close()

	apps := make([]objectbase.PublishedApplication, 0)
	for rows.Next() {
		a, err := scanApplication(rows)
		if err != nil {
			return nil, objectbase.NewQueryError("scan published application", err)
		}
		apps = append(apps, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate published applications", err)
	}
	return apps, nil
}

// getApplication loads one active application with its object and action ids.
func (r *PostgresPublishingRepository) getApplication(ctx context.Context, id uuid.UUID) (*objectbase.PublishedApplication, error) {
	a, err := scanApplication(r.pool.QueryRow(ctx,
		"SELECT "+applicationColumns+" FROM published_applications a WHERE a.id = $1 AND a.is_active", id))
	if err != nil {
		return nil, notFoundOr(err, "published application", id, "load published application")
	}
	return a, nil
}

// selectIDs keeps the requested ids the application contains. An empty
// request selects everything.
func selectIDs(available, requested []uuid.UUID) []uuid.UUID {
	if len(requested) == 0 {
		return available
	}
	contained := NewSet(available...)
	out := make([]uuid.UUID, 0, len(requested))
	for _, id := range dedupeIDs(requested) {
		if contained.Contains(id) {
			out = append(out, id)
		} else {
			zap.S().Warnw("requested item is not part of the application", "id", id)
		}
	}
	return out
}

type importRun struct {
	record   objectbase.ApplicationImport
	progress objectbase.ProgressFunc
	total    int
	step     int
}

func (run *importRun) report(step string) {
	run.step++
	if run.progress != nil {
		run.progress(objectbase.ImportProgress{CurrentStep: step, TotalSteps: run.total, CurrentStepNumber: run.step})
	}
}

// ImportApplication copies an application's object types and actions into
// the caller's tenant. Failed items are skipped and recorded; the import
// only fails as a whole when the application cannot be loaded.
func (r *PostgresPublishingRepository) ImportApplication(ctx context.Context, req objectbase.ImportRequest, progress objectbase.ProgressFunc) (*objectbase.ApplicationImport, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	if req.ApplicationID == uuid.Nil {
		return nil, objectbase.NewValidationError("application_id", "application id is required")
	}

	run := &importRun{
		record: objectbase.ApplicationImport{
			ApplicationID:       req.ApplicationID,
			ImporterID:          user.ID,
			Status:              objectbase.ImportInProgress,
			ImportedObjectIDs:   make([]uuid.UUID, 0),
			ImportedActionIDs:   make([]uuid.UUID, 0),
			FailedObjectTypeIDs: make([]uuid.UUID, 0),
			FailedActionIDs:     make([]uuid.UUID, 0),
			StartedAt:           r.nowFunc().UTC(),
		},
		progress: progress,
	}
	err = r.pool.QueryRow(ctx,
		"INSERT INTO application_imports (application_id, importer_id, status, started_at) VALUES ($1, $2, $3, $4) RETURNING id",
		run.record.ApplicationID, run.record.ImporterID, string(run.record.Status), run.record.StartedAt,
	).Scan(&run.record.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("create import record", err)
	}

	app, err := r.getApplication(ctx, req.ApplicationID)
	if err != nil {
		run.record.Status = objectbase.ImportFailed
		run.record.ErrorMessage = err.Error()
		if ferr := r.finishImport(ctx, &run.record); ferr != nil {
			zap.S().Warnw("failed to record import failure", "importId", run.record.ID, "error", ferr)
		}
		return &run.record, err
	}

	objectIDs := selectIDs(app.ObjectTypeIDs, req.ObjectTypeIDs)
	actionIDs := selectIDs(app.ActionIDs, req.ActionIDs)
	run.total = len(objectIDs) + len(actionIDs) + 1

	cloned := make(map[uuid.UUID]uuid.UUID, len(objectIDs))
	for _, sourceID := range objectIDs {
		run.report("Cloning object type " + sourceID.String())
		var newID uuid.UUID
		if err := r.pool.QueryRow(ctx, "SELECT clone_object_structure($1, $2, $3)", sourceID, user.ID, app.ID).Scan(&newID); err != nil {
			zap.S().Warnw("object type import failed", "importId", run.record.ID, "objectTypeId", sourceID, "error", err)
			run.record.FailedObjectTypeIDs = append(run.record.FailedObjectTypeIDs, sourceID)
			continue
		}
		cloned[sourceID] = newID
		run.record.ImportedObjectIDs = append(run.record.ImportedObjectIDs, newID)
	}

	for _, sourceID := range actionIDs {
		run.report("Importing action " + sourceID.String())
		newID, err := r.importAction(ctx, user.ID, sourceID, cloned)
		if err != nil {
			zap.S().Warnw("action import failed", "importId", run.record.ID, "actionId", sourceID, "error", err)
			run.record.FailedActionIDs = append(run.record.FailedActionIDs, sourceID)
			continue
		}
		run.record.ImportedActionIDs = append(run.record.ImportedActionIDs, newID)
	}

	run.report("Finalizing import")
	run.record.ObjectsImported = len(run.record.ImportedObjectIDs)
	run.record.ActionsImported = len(run.record.ImportedActionIDs)
	run.record.Status = objectbase.ImportCompleted
	if err := r.finishImport(ctx, &run.record); err != nil {
		return nil, err
	}
	zap.S().Infow("application imported", "importId", run.record.ID, "applicationId", app.ID,
		"objects", run.record.ObjectsImported, "actions", run.record.ActionsImported,
		"failedObjects", len(run.record.FailedObjectTypeIDs), "failedActions", len(run.record.FailedActionIDs))
	return &run.record, nil
}

// importAction copies one action onto the clone of its object type. Field
// settings follow the cloned fields by api name; the source and lookup field
// references are cleared. Actions whose object type was not cloned fail.
func (r *PostgresPublishingRepository) importAction(ctx context.Context, importerID, sourceID uuid.UUID, cloned map[uuid.UUID]uuid.UUID) (uuid.UUID, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return uuid.Nil, objectbase.NewTransactionError("begin action import", err)
	}
	defer tx.Rollback(ctx)

	var source objectbase.Action
	var config []byte
	err = tx.QueryRow(ctx,
		"SELECT name, label, object_type_id, action_type, config, is_active FROM actions WHERE id = $1", sourceID,
	).Scan(&source.Name, &source.Label, &source.ObjectTypeID, &source.ActionType, &config, &source.IsActive)
	if err != nil {
		return uuid.Nil, notFoundOr(err, "action", sourceID, "load action")
	}
	target, ok := cloned[source.ObjectTypeID]
	if !ok {
		return uuid.Nil, objectbase.NewValidationError("object_type_id", "the action's object type was not imported").
			WithDetail("object_type_id", source.ObjectTypeID.String())
	}

	var newID uuid.UUID
	err = tx.QueryRow(ctx, `INSERT INTO actions
		(name, label, object_type_id, owner_id, action_type, source_field_id, lookup_field_id, config, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, NULL, NULL, $6, $7, $8) RETURNING id`,
		source.Name, source.Label, target, importerID, source.ActionType, config, source.IsActive, r.nowFunc().UTC(),
	).Scan(&newID)
	if err != nil {
		return uuid.Nil, objectbase.NewQueryError("insert action", err)
	}
	if _, err := tx.Exec(ctx, `INSERT INTO action_field_settings
		(action_id, field_id, is_visible, is_required, default_value, display_order)
		SELECT $1, nf.id, s.is_visible, s.is_required, s.default_value, s.display_order
		FROM action_field_settings s
		JOIN object_fields sf ON sf.id = s.field_id
		JOIN object_fields nf ON nf.object_type_id = $3 AND nf.api_name = sf.api_name
		WHERE s.action_id = $2`, newID, sourceID, target); err != nil {
		return uuid.Nil, objectbase.NewQueryError("copy action field settings", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return uuid.Nil, objectbase.NewTransactionError("commit action import", err)
	}
	return newID, nil
}

func (r *PostgresPublishingRepository) finishImport(ctx context.Context, rec *objectbase.ApplicationImport) error {
	completed := r.nowFunc().UTC()
	rec.CompletedAt = &completed
	_, err := r.pool.Exec(ctx, `UPDATE application_imports SET status = $2, objects_imported = $3, actions_imported = $4,
		imported_object_ids = $5, imported_action_ids = $6, failed_object_ids = $7, failed_action_ids = $8,
		error_message = $9, completed_at = $10 WHERE id = $1`,
		rec.ID, string(rec.Status), rec.ObjectsImported, rec.ActionsImported,
		rec.ImportedObjectIDs, rec.ImportedActionIDs, rec.FailedObjectTypeIDs, rec.FailedActionIDs,
		rec.ErrorMessage, completed)
	if err != nil {
		return objectbase.NewQueryError("finish import", err)
	}
	return nil
}

// ListImports returns the caller's imports, newest first.
func (r *PostgresPublishingRepository) ListImports(ctx context.Context) ([]objectbase.ApplicationImport, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return nil, err
	}
	rows, err := r.pool.Query(ctx,
		"SELECT "+importColumns+" FROM application_imports WHERE importer_id = $1 ORDER BY started_at DESC", user.ID)
	if err != nil {
		return nil, objectbase.NewQueryError("query imports", err)
	}
	defer rows.Close()

	imports := make([]objectbase.ApplicationImport, 0)
	for rows.Next() {
		var rec objectbase.ApplicationImport
		var status string
		if err := rows.Scan(&rec.ID, &rec.ApplicationID, &rec.ImporterID, &status, &rec.ObjectsImported,
			&rec.ActionsImported, &rec.ErrorMessage, &rec.ImportedObjectIDs, &rec.ImportedActionIDs,
			&rec.FailedObjectTypeIDs, &rec.FailedActionIDs, &rec.StartedAt, &rec.CompletedAt); err != nil {
			return nil, objectbase.NewQueryError("scan import", err)
		}
		rec.Status = objectbase.ImportStatus(status)
		imports = append(imports, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate imports", err)
	}
	return imports, nil
}
