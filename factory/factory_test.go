package factory

import (
	"context"
	"encoding/base64"
	"path/filepath"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/lychee-technology/objectbase/internal"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testConfig(t *testing.T) *objectbase.Config {
	cfg := objectbase.DefaultConfig()
	cfg.Settings.LocalPath = filepath.Join(t.TempDir(), "settings.db")
	cfg.Analytics.Enabled = false
	return cfg
}

func newMockPool(t *testing.T) pgxmock.PgxPoolIface {
	t.Helper()
	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	return mock
}

func TestNewServicesWithConfig_RequiresInputs(t *testing.T) {
	_, err := NewServicesWithConfig(context.Background(), nil, newMockPool(t))
	assert.Error(t, err)
	_, err = NewServicesWithConfig(context.Background(), testConfig(t), nil)
	assert.Error(t, err)
}

func TestNewServicesWithConfig_Minimal(t *testing.T) {
	services, err := NewServicesWithConfig(context.Background(), testConfig(t), newMockPool(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	assert.NotNil(t, services.ObjectTypes)
	assert.NotNil(t, services.Fields)
	assert.NotNil(t, services.Records)
	assert.NotNil(t, services.Kanban)
	assert.NotNil(t, services.Publishing)
	assert.NotNil(t, services.Sharing)
	assert.NotNil(t, services.Help)
	assert.Nil(t, services.Connections, "no sealing key configured")
	assert.Nil(t, services.Analytics)

	_, err = services.HelpReindexer.Reindex(context.Background())
	assert.Error(t, err, "search disabled")
}

func TestNewServicesWithConfig_SealingKey(t *testing.T) {
	cfg := testConfig(t)
	cfg.Secrets.SealingKey = "not-a-key"
	_, err := NewServicesWithConfig(context.Background(), cfg, newMockPool(t))
	assert.Error(t, err)

	cfg = testConfig(t)
	cfg.Secrets.SealingKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	services, err := NewServicesWithConfig(context.Background(), cfg, newMockPool(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })
	assert.NotNil(t, services.Connections)
}

func TestNewServicesWithConfig_RedisCacheAndAnalytics(t *testing.T) {
	mr := miniredis.RunT(t)
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Cache.RedisURL = "redis://" + mr.Addr()
	cfg.Analytics.Enabled = true

	services, err := NewServicesWithConfig(context.Background(), cfg, newMockPool(t))
	require.NoError(t, err)
	assert.IsType(t, &internal.DuckDBAnalytics{}, services.Analytics)
	require.NoError(t, services.Close())
	require.NoError(t, services.Close(), "close is idempotent")
}

func TestNewServicesWithConfig_RedisUnreachable(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cache.Enabled = true
	cfg.Cache.RedisURL = "redis://127.0.0.1:1"
	_, err := NewServicesWithConfig(context.Background(), cfg, newMockPool(t))
	assert.Error(t, err)
}

func TestSettingsFor(t *testing.T) {
	services, err := NewServicesWithConfig(context.Background(), testConfig(t), newMockPool(t))
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	assert.Same(t, services.LocalSettings, services.SettingsFor(objectbase.NewSession()))
	authed := objectbase.AuthenticatedSession(objectbase.User{ID: uuid.New()})
	assert.Same(t, services.RemoteSettings, services.SettingsFor(authed))
}

func TestHealth(t *testing.T) {
	pool := newMockPool(t)
	services, err := NewServicesWithConfig(context.Background(), testConfig(t), pool)
	require.NoError(t, err)
	t.Cleanup(func() { _ = services.Close() })

	pool.ExpectQuery("SELECT 1").WillReturnRows(pgxmock.NewRows([]string{"?column?"}).AddRow(1))
	status, healthy := services.Health(context.Background())
	assert.True(t, healthy)
	assert.Equal(t, map[string]string{"postgres": "ok"}, status)

	pool.ExpectQuery("SELECT 1").WillReturnError(assert.AnError)
	status, healthy = services.Health(context.Background())
	assert.False(t, healthy)
	assert.Contains(t, status["postgres"], "postgres simple query failed")
	require.NoError(t, pool.ExpectationsWereMet())
}
