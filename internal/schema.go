package internal

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// SchemaStatements creates every table, index and SQL function objectbase
// needs. Statements are idempotent.
var SchemaStatements = []string{
	`CREATE EXTENSION IF NOT EXISTS pgcrypto`,

	`CREATE TABLE IF NOT EXISTS object_types (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT NOT NULL,
		api_name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		icon TEXT NOT NULL DEFAULT '',
		owner_id UUID NOT NULL,
		is_system BOOLEAN NOT NULL DEFAULT FALSE,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		show_in_navigation BOOLEAN NOT NULL DEFAULT TRUE,
		default_field_api_name TEXT NOT NULL DEFAULT '',
		is_published BOOLEAN NOT NULL DEFAULT FALSE,
		is_template BOOLEAN NOT NULL DEFAULT FALSE,
		source_object_id UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (owner_id, api_name)
	)`,

	`CREATE TABLE IF NOT EXISTS object_fields (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		object_type_id UUID NOT NULL REFERENCES object_types(id) ON DELETE CASCADE,
		name TEXT NOT NULL,
		api_name TEXT NOT NULL,
		data_type TEXT NOT NULL,
		is_required BOOLEAN NOT NULL DEFAULT FALSE,
		is_system BOOLEAN NOT NULL DEFAULT FALSE,
		default_value TEXT,
		options JSONB NOT NULL DEFAULT '{}'::jsonb,
		display_order INTEGER NOT NULL DEFAULT 0,
		owner_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		UNIQUE (object_type_id, api_name)
	)`,

	`CREATE TABLE IF NOT EXISTS picklist_values (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		field_id UUID NOT NULL REFERENCES object_fields(id) ON DELETE CASCADE,
		label TEXT NOT NULL,
		value TEXT NOT NULL,
		color TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		UNIQUE (field_id, value)
	)`,

	`CREATE TABLE IF NOT EXISTS object_records (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		object_type_id UUID NOT NULL REFERENCES object_types(id) ON DELETE CASCADE,
		record_id TEXT NOT NULL,
		owner_id UUID NOT NULL,
		created_by UUID NOT NULL,
		last_modified_by UUID,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS idx_object_records_type_created ON object_records (object_type_id, created_at DESC)`,

	`CREATE TABLE IF NOT EXISTS object_field_values (
		record_id UUID NOT NULL REFERENCES object_records(id) ON DELETE CASCADE,
		field_api_name TEXT NOT NULL,
		value TEXT,
		PRIMARY KEY (record_id, field_api_name)
	)`,
	`CREATE INDEX IF NOT EXISTS idx_object_field_values_lookup ON object_field_values (field_api_name, value)`,

	`CREATE TABLE IF NOT EXISTS actions (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT NOT NULL,
		label TEXT NOT NULL DEFAULT '',
		object_type_id UUID NOT NULL REFERENCES object_types(id) ON DELETE CASCADE,
		owner_id UUID NOT NULL,
		action_type TEXT NOT NULL,
		source_field_id UUID,
		lookup_field_id UUID,
		config JSONB NOT NULL DEFAULT '{}'::jsonb,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS action_field_settings (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		action_id UUID NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
		field_id UUID NOT NULL,
		is_visible BOOLEAN NOT NULL DEFAULT TRUE,
		is_required BOOLEAN NOT NULL DEFAULT FALSE,
		default_value TEXT,
		display_order INTEGER NOT NULL DEFAULT 0
	)`,
	`CREATE UNIQUE INDEX IF NOT EXISTS idx_action_field_settings_field ON action_field_settings (action_id, field_id)`,

	`CREATE TABLE IF NOT EXISTS action_links (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		action_id UUID NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
		token TEXT NOT NULL UNIQUE,
		created_by UUID NOT NULL,
		expires_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS published_applications (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		publisher_id UUID NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		bundle_key TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS published_application_objects (
		application_id UUID NOT NULL REFERENCES published_applications(id) ON DELETE CASCADE,
		object_type_id UUID NOT NULL REFERENCES object_types(id) ON DELETE CASCADE,
		PRIMARY KEY (application_id, object_type_id)
	)`,
	`CREATE TABLE IF NOT EXISTS published_application_actions (
		application_id UUID NOT NULL REFERENCES published_applications(id) ON DELETE CASCADE,
		action_id UUID NOT NULL REFERENCES actions(id) ON DELETE CASCADE,
		PRIMARY KEY (application_id, action_id)
	)`,
	`CREATE TABLE IF NOT EXISTS object_field_publishing (
		application_id UUID NOT NULL REFERENCES published_applications(id) ON DELETE CASCADE,
		object_type_id UUID NOT NULL,
		field_id UUID NOT NULL REFERENCES object_fields(id) ON DELETE CASCADE,
		is_included BOOLEAN NOT NULL DEFAULT TRUE,
		PRIMARY KEY (application_id, field_id)
	)`,
	`CREATE TABLE IF NOT EXISTS application_imports (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		application_id UUID NOT NULL,
		importer_id UUID NOT NULL,
		status TEXT NOT NULL,
		objects_imported INTEGER NOT NULL DEFAULT 0,
		actions_imported INTEGER NOT NULL DEFAULT 0,
		error_message TEXT NOT NULL DEFAULT '',
		imported_object_ids UUID[] NOT NULL DEFAULT '{}',
		imported_action_ids UUID[] NOT NULL DEFAULT '{}',
		failed_object_ids UUID[] NOT NULL DEFAULT '{}',
		failed_action_ids UUID[] NOT NULL DEFAULT '{}',
		started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		completed_at TIMESTAMPTZ
	)`,

	`CREATE TABLE IF NOT EXISTS user_view_settings (
		user_id UUID NOT NULL,
		object_type_id UUID NOT NULL,
		settings_type TEXT NOT NULL,
		settings_data JSONB NOT NULL DEFAULT '{}'::jsonb,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (user_id, object_type_id, settings_type)
	)`,

	`CREATE TABLE IF NOT EXISTS sharing_collections (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		name TEXT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		owner_id UUID NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS collection_members (
		collection_id UUID NOT NULL REFERENCES sharing_collections(id) ON DELETE CASCADE,
		user_id UUID NOT NULL,
		permission TEXT NOT NULL CHECK (permission IN ('read', 'edit')),
		added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection_id, user_id)
	)`,
	`CREATE TABLE IF NOT EXISTS collection_records (
		collection_id UUID NOT NULL REFERENCES sharing_collections(id) ON DELETE CASCADE,
		record_id UUID NOT NULL REFERENCES object_records(id) ON DELETE CASCADE,
		added_by UUID NOT NULL,
		added_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (collection_id, record_id)
	)`,

	`CREATE TABLE IF NOT EXISTS record_shares (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		record_id UUID NOT NULL REFERENCES object_records(id) ON DELETE CASCADE,
		shared_by UUID NOT NULL,
		shared_with UUID,
		permission TEXT NOT NULL CHECK (permission IN ('read', 'edit')),
		token TEXT UNIQUE,
		expires_at TIMESTAMPTZ,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS record_share_fields (
		share_id UUID NOT NULL REFERENCES record_shares(id) ON DELETE CASCADE,
		field_api_name TEXT NOT NULL,
		PRIMARY KEY (share_id, field_api_name)
	)`,
	`CREATE TABLE IF NOT EXISTS field_mappings (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		owner_id UUID NOT NULL,
		sharer_object_type_id UUID NOT NULL,
		receiver_object_type_id UUID NOT NULL,
		sharer_field_api_name TEXT NOT NULL,
		receiver_field_api_name TEXT NOT NULL,
		UNIQUE (owner_id, sharer_object_type_id, receiver_object_type_id, sharer_field_api_name)
	)`,

	`CREATE TABLE IF NOT EXISTS user_connections (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		user_id UUID NOT NULL,
		provider TEXT NOT NULL,
		name TEXT NOT NULL,
		base_url TEXT NOT NULL,
		model TEXT NOT NULL,
		sealed_api_key BYTEA NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE TABLE IF NOT EXISTS help_tabs (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		title TEXT NOT NULL,
		slug TEXT NOT NULL UNIQUE,
		sort_order INTEGER NOT NULL DEFAULT 0,
		is_active BOOLEAN NOT NULL DEFAULT TRUE
	)`,
	`CREATE TABLE IF NOT EXISTS help_content (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		tab_id UUID NOT NULL REFERENCES help_tabs(id) ON DELETE CASCADE,
		title TEXT NOT NULL,
		body TEXT NOT NULL DEFAULT '',
		sort_order INTEGER NOT NULL DEFAULT 0,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,

	`CREATE MATERIALIZED VIEW IF NOT EXISTS published_objects_view AS
		SELECT o.id, o.name, o.api_name, o.owner_id, a.id AS application_id, a.name AS application_name
		FROM object_types o
		JOIN published_application_objects pao ON pao.object_type_id = o.id
		JOIN published_applications a ON a.id = pao.application_id
		WHERE a.is_active`,

	`CREATE OR REPLACE FUNCTION refresh_published_objects_view() RETURNS void
	LANGUAGE sql AS $$ REFRESH MATERIALIZED VIEW published_objects_view $$`,

	`DROP FUNCTION IF EXISTS clone_object_structure(UUID, UUID)`,

	`CREATE OR REPLACE FUNCTION clone_object_structure(p_source UUID, p_importer UUID, p_application UUID) RETURNS UUID
	LANGUAGE plpgsql AS $$
	DECLARE
		v_new UUID;
		v_api TEXT;
		v_field RECORD;
		v_new_field UUID;
	BEGIN
		SELECT api_name INTO v_api FROM object_types WHERE id = p_source;
		IF v_api IS NULL THEN
			RAISE EXCEPTION 'object type % not found', p_source;
		END IF;
		WHILE EXISTS (SELECT 1 FROM object_types WHERE owner_id = p_importer AND api_name = v_api) LOOP
			v_api := v_api || '_imported';
		END LOOP;

		INSERT INTO object_types (name, api_name, description, icon, owner_id, show_in_navigation,
			default_field_api_name, source_object_id)
		SELECT name, v_api, description, icon, p_importer, show_in_navigation, default_field_api_name, id
		FROM object_types WHERE id = p_source
		RETURNING id INTO v_new;

		FOR v_field IN
			SELECT f.* FROM object_fields f
			WHERE f.object_type_id = p_source
			  AND NOT EXISTS (
				SELECT 1 FROM object_field_publishing fps
				WHERE fps.application_id = p_application
				  AND fps.field_id = f.id AND fps.is_included = FALSE)
			ORDER BY f.display_order
		LOOP
			INSERT INTO object_fields (object_type_id, name, api_name, data_type, is_required, is_system,
				default_value, options, display_order, owner_id)
			VALUES (v_new, v_field.name, v_field.api_name, v_field.data_type, v_field.is_required,
				v_field.is_system, v_field.default_value, v_field.options, v_field.display_order, p_importer)
			RETURNING id INTO v_new_field;

			INSERT INTO picklist_values (field_id, label, value, color, sort_order)
			SELECT v_new_field, label, value, color, sort_order FROM picklist_values WHERE field_id = v_field.id;
		END LOOP;

		RETURN v_new;
	END $$`,

	`CREATE OR REPLACE FUNCTION delete_system_objects(p_owner UUID) RETURNS INTEGER
	LANGUAGE plpgsql AS $$
	DECLARE
		v_count INTEGER;
	BEGIN
		DELETE FROM object_types WHERE owner_id = p_owner AND is_system;
		GET DIAGNOSTICS v_count = ROW_COUNT;
		RETURN v_count;
	END $$`,

	`CREATE OR REPLACE FUNCTION get_user_collection_membership(p_user UUID, p_collection UUID)
	RETURNS TABLE (is_owner BOOLEAN, is_member BOOLEAN, permission TEXT)
	LANGUAGE sql STABLE AS $$
		SELECT c.owner_id = p_user,
		       m.user_id IS NOT NULL,
		       COALESCE(m.permission, '')
		FROM sharing_collections c
		LEFT JOIN collection_members m ON m.collection_id = c.id AND m.user_id = p_user
		WHERE c.id = p_collection
	$$`,

	`CREATE OR REPLACE FUNCTION swap_tab_order(p_a UUID, p_b UUID) RETURNS void
	LANGUAGE plpgsql AS $$
	DECLARE
		v_a INTEGER;
		v_b INTEGER;
	BEGIN
		SELECT sort_order INTO v_a FROM help_tabs WHERE id = p_a FOR UPDATE;
		SELECT sort_order INTO v_b FROM help_tabs WHERE id = p_b FOR UPDATE;
		IF v_a IS NULL OR v_b IS NULL THEN
			RAISE EXCEPTION 'help tab not found';
		END IF;
		UPDATE help_tabs SET sort_order = v_b WHERE id = p_a;
		UPDATE help_tabs SET sort_order = v_a WHERE id = p_b;
	END $$`,
}

// EnsureSchema applies SchemaStatements inside one transaction.
func EnsureSchema(ctx context.Context, pool dbPool) error {
	tx, err := pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	for i, stmt := range SchemaStatements {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema statement %d: %w", i, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	zap.S().Infow("schema ensured", "statements", len(SchemaStatements))
	return nil
}
