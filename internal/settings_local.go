package internal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lychee-technology/objectbase"
	_ "modernc.org/sqlite"
)

// LocalSettingsStore keeps view settings of anonymous sessions in an
// embedded SQLite file, keyed by "${type}-settings-${objectTypeId}".
type LocalSettingsStore struct {
	db      *sql.DB
	hub     *watchHub
	nowFunc func() time.Time
}

// OpenLocalSettingsStore opens (and creates) the SQLite file at path.
func OpenLocalSettingsStore(ctx context.Context, path string) (*LocalSettingsStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open settings database: %w", err)
	}
	db.SetMaxOpenConns(1)

	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS view_settings (
			key TEXT PRIMARY KEY,
			data TEXT NOT NULL,
			updated_at DATETIME NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("exec %q: %w", stmt, err)
		}
	}
	return &LocalSettingsStore{db: db, hub: newWatchHub(), nowFunc: time.Now}, nil
}

func (s *LocalSettingsStore) Close() error {
	return s.db.Close()
}

func (s *LocalSettingsStore) Load(ctx context.Context, key objectbase.SettingsKey) (json.RawMessage, bool, error) {
	var data string
	err := s.db.QueryRowContext(ctx, "SELECT data FROM view_settings WHERE key = ?", key.LocalName()).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, objectbase.NewQueryError("load local view settings", err)
	}
	return json.RawMessage(data), true, nil
}

func (s *LocalSettingsStore) Save(ctx context.Context, key objectbase.SettingsKey, data json.RawMessage) error {
	if err := validSettingsBlob(data); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO view_settings (key, data, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
		key.LocalName(), string(data), s.nowFunc().UTC())
	if err != nil {
		return objectbase.NewQueryError("save local view settings", err)
	}
	s.hub.publish(key.LocalName(), data)
	return nil
}

func (s *LocalSettingsStore) Watch(key objectbase.SettingsKey) (<-chan json.RawMessage, func()) {
	return s.hub.watch(key.LocalName())
}
