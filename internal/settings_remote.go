package internal

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
)

// RemoteSettingsStore keeps view settings in user_view_settings.
type RemoteSettingsStore struct {
	pool    dbPool
	hub     *watchHub
	nowFunc func() time.Time
}

func NewRemoteSettingsStore(pool dbPool) *RemoteSettingsStore {
	return &RemoteSettingsStore{pool: pool, hub: newWatchHub(), nowFunc: time.Now}
}

func remoteKey(key objectbase.SettingsKey) string {
	return fmt.Sprintf("%s/%s/%s", key.UserID, key.ObjectTypeID, key.Type)
}

func (s *RemoteSettingsStore) Load(ctx context.Context, key objectbase.SettingsKey) (json.RawMessage, bool, error) {
	var data []byte
	err := s.pool.QueryRow(ctx,
		"SELECT settings_data FROM user_view_settings WHERE user_id = $1 AND object_type_id = $2 AND settings_type = $3",
		key.UserID, key.ObjectTypeID, string(key.Type)).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, objectbase.NewQueryError("load view settings", err)
	}
	return json.RawMessage(data), true, nil
}

func (s *RemoteSettingsStore) Save(ctx context.Context, key objectbase.SettingsKey, data json.RawMessage) error {
	if err := validSettingsBlob(data); err != nil {
		return err
	}
	_, err := s.pool.Exec(ctx, `INSERT INTO user_view_settings (user_id, object_type_id, settings_type, settings_data, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (user_id, object_type_id, settings_type)
		DO UPDATE SET settings_data = EXCLUDED.settings_data, updated_at = EXCLUDED.updated_at`,
		key.UserID, key.ObjectTypeID, string(key.Type), []byte(data), s.nowFunc().UTC())
	if err != nil {
		return objectbase.NewQueryError("save view settings", err)
	}
	s.hub.publish(remoteKey(key), data)
	return nil
}

func (s *RemoteSettingsStore) Watch(key objectbase.SettingsKey) (<-chan json.RawMessage, func()) {
	return s.hub.watch(remoteKey(key))
}
