package internal

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestLocalStore(t *testing.T) *LocalSettingsStore {
	t.Helper()
	store, err := OpenLocalSettingsStore(context.Background(), filepath.Join(t.TempDir(), "settings.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestLocalSettingsStore_SaveLoad(t *testing.T) {
	ctx := context.Background()
	store := openTestLocalStore(t)
	key := objectbase.SettingsKey{ObjectTypeID: uuid.New(), Type: objectbase.SettingsLayout}

	_, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Save(ctx, key, json.RawMessage(`{"viewMode":"kanban"}`)))
	require.NoError(t, store.Save(ctx, key, json.RawMessage(`{"viewMode":"table"}`)))

	data, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"viewMode":"table"}`, string(data))

	err = store.Save(ctx, key, json.RawMessage(`{not json`))
	assert.True(t, objectbase.IsValidationError(err))
}

func TestLocalSettingsStore_KeyIgnoresUser(t *testing.T) {
	ctx := context.Background()
	store := openTestLocalStore(t)
	objectTypeID := uuid.New()

	a := objectbase.SettingsKey{UserID: uuid.New(), ObjectTypeID: objectTypeID, Type: objectbase.SettingsFilter}
	b := objectbase.SettingsKey{ObjectTypeID: objectTypeID, Type: objectbase.SettingsFilter}
	require.NoError(t, store.Save(ctx, a, json.RawMessage(`{"filters":[]}`)))

	_, ok, err := store.Load(ctx, b)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "filter-settings-"+objectTypeID.String(), a.LocalName())
}

func TestLocalSettingsStore_WatchSameProcess(t *testing.T) {
	ctx := context.Background()
	store := openTestLocalStore(t)
	key := objectbase.SettingsKey{ObjectTypeID: uuid.New(), Type: objectbase.SettingsPagination}

	first, cancelFirst := store.Watch(key)
	second, cancelSecond := store.Watch(key)
	defer cancelSecond()

	require.NoError(t, store.Save(ctx, key, json.RawMessage(`{"pageSize":50,"currentPage":1}`)))
	for _, ch := range []<-chan json.RawMessage{first, second} {
		select {
		case data := <-ch:
			assert.JSONEq(t, `{"pageSize":50,"currentPage":1}`, string(data))
		case <-time.After(time.Second):
			t.Fatal("watcher did not receive the saved settings")
		}
	}

	cancelFirst()
	cancelFirst()
	_, open := <-first
	assert.False(t, open)
	require.NoError(t, store.Save(ctx, key, json.RawMessage(`{"pageSize":10}`)))
	assert.JSONEq(t, `{"pageSize":10}`, string(<-second))
}

func TestWatchHub_KeepsLatestForSlowReader(t *testing.T) {
	hub := newWatchHub()
	ch, cancel := hub.watch("k")
	defer cancel()

	hub.publish("k", json.RawMessage(`1`))
	hub.publish("k", json.RawMessage(`2`))
	hub.publish("other", json.RawMessage(`3`))
	assert.Equal(t, json.RawMessage(`2`), <-ch)
}

func TestRemoteSettingsStore(t *testing.T) {
	ctx := context.Background()
	mock := newMockPool(t)
	store := NewRemoteSettingsStore(mock)
	store.nowFunc = func() time.Time { return fixedNow }
	key := objectbase.SettingsKey{UserID: testUserID, ObjectTypeID: uuid.New(), Type: objectbase.SettingsKanban}

	mock.ExpectQuery("SELECT settings_data FROM user_view_settings").
		WithArgs(testUserID, key.ObjectTypeID, "kanban").
		WillReturnRows(pgxmock.NewRows([]string{"settings_data"}))
	_, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.False(t, ok)

	ch, cancel := store.Watch(key)
	defer cancel()

	blob := json.RawMessage(`{"selectedFieldApiName":"ai_status"}`)
	mock.ExpectExec("ON CONFLICT \\(user_id, object_type_id, settings_type\\)").
		WithArgs(testUserID, key.ObjectTypeID, "kanban", []byte(blob), fixedNow).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	require.NoError(t, store.Save(ctx, key, blob))
	assert.Equal(t, blob, <-ch)

	mock.ExpectQuery("SELECT settings_data FROM user_view_settings").
		WithArgs(testUserID, key.ObjectTypeID, "kanban").
		WillReturnRows(pgxmock.NewRows([]string{"settings_data"}).AddRow([]byte(blob)))
	data, ok, err := store.Load(ctx, key)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.JSONEq(t, string(blob), string(data))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestSelectSettingsStore(t *testing.T) {
	remote := NewRemoteSettingsStore(newMockPool(t))
	local := openTestLocalStore(t)

	assert.Same(t, local, SelectSettingsStore(objectbase.NewSession(), remote, local))
	assert.Same(t, local, SelectSettingsStore(nil, remote, local))

	session := objectbase.NewSession()
	require.NoError(t, session.Begin())
	assert.Same(t, local, SelectSettingsStore(session, remote, local))
	require.NoError(t, session.Complete(objectbase.User{ID: testUserID}))
	assert.Same(t, remote, SelectSettingsStore(session, remote, local))
	assert.Same(t, local, SelectSettingsStore(session, nil, local))
}

// flakyStore is a SettingsStore whose Save can be made to fail.
type flakyStore struct {
	mu      sync.Mutex
	data    map[objectbase.SettingsKey]json.RawMessage
	failErr error
	loadErr error
	hub     *watchHub
}

func newFlakyStore() *flakyStore {
	return &flakyStore{data: map[objectbase.SettingsKey]json.RawMessage{}, hub: newWatchHub()}
}

func (s *flakyStore) Load(_ context.Context, key objectbase.SettingsKey) (json.RawMessage, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, false, s.loadErr
	}
	d, ok := s.data[key]
	return d, ok, nil
}

func (s *flakyStore) Save(_ context.Context, key objectbase.SettingsKey, data json.RawMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failErr != nil {
		return s.failErr
	}
	s.data[key] = data
	s.hub.publish(remoteKey(key), data)
	return nil
}

func (s *flakyStore) Watch(key objectbase.SettingsKey) (<-chan json.RawMessage, func()) {
	return s.hub.watch(remoteKey(key))
}

func TestPaginationViewSettings_DefaultsAndPageSizeReset(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	settings := NewPaginationViewSettings(store, testUserID, uuid.New())

	loaded := settings.Load(ctx)
	assert.Equal(t, objectbase.PaginationSettings{PageSize: 20, CurrentPage: 1}, loaded)

	require.NoError(t, settings.Update(ctx, objectbase.PaginationSettings{PageSize: 20, CurrentPage: 4}))
	require.NoError(t, settings.Update(ctx, settings.Settings().SetPageSize(50)))
	assert.Equal(t, objectbase.PaginationSettings{PageSize: 50, CurrentPage: 1}, settings.Settings())
	assert.JSONEq(t, `{"pageSize":50,"currentPage":1}`, string(store.data[settings.Key()]))
}

func TestViewSettings_FailedSaveReloads(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	settings := NewKanbanViewSettings(store, testUserID, uuid.New())
	require.NoError(t, settings.Update(ctx, objectbase.KanbanSettings{SelectedFieldAPIName: "priority"}))

	store.failErr = errors.New("connection refused")
	err := settings.Update(ctx, objectbase.KanbanSettings{SelectedFieldAPIName: "ai_status"})
	require.Error(t, err)
	assert.Equal(t, "priority", settings.Settings().SelectedFieldAPIName)
	assert.False(t, settings.IsSaving())
}

func TestViewSettings_PartialAndMalformedBlobs(t *testing.T) {
	ctx := context.Background()
	store := newFlakyStore()
	objectTypeID := uuid.New()

	layout := NewLayoutViewSettings(store, testUserID, objectTypeID)
	store.data[layout.Key()] = json.RawMessage(`{"visibleColumns":["subject"]}`)
	got := layout.Load(ctx)
	assert.Equal(t, []string{"subject"}, got.VisibleColumns)
	assert.Equal(t, "table", got.ViewMode)
	assert.Equal(t, []string{}, got.ColumnOrder)

	filters := NewFilterViewSettings(store, testUserID, objectTypeID)
	store.data[filters.Key()] = json.RawMessage(`{"filters":"oops"}`)
	assert.Equal(t, objectbase.DefaultFilterSettings(), filters.Load(ctx))

	pagination := NewPaginationViewSettings(store, testUserID, objectTypeID)
	store.data[pagination.Key()] = json.RawMessage(`{"pageSize":"fifty","currentPage":3}`)
	assert.Equal(t, objectbase.PaginationSettings{PageSize: 20, CurrentPage: 3}, pagination.Load(ctx))
	store.data[pagination.Key()] = json.RawMessage(`[1,2]`)
	assert.Equal(t, objectbase.DefaultPaginationSettings(), pagination.Load(ctx))

	store.loadErr = errors.New("timeout")
	assert.Equal(t, objectbase.DefaultLayoutSettings(), layout.Load(ctx))
}

func TestViewSettings_FollowAppliesOtherWriters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	store := newFlakyStore()
	objectTypeID := uuid.New()

	reader := NewKanbanViewSettings(store, testUserID, objectTypeID)
	writer := NewKanbanViewSettings(store, testUserID, objectTypeID)
	go reader.Follow(ctx)

	require.Eventually(t, func() bool {
		_ = writer.Update(ctx, objectbase.KanbanSettings{SelectedFieldAPIName: "stage"})
		return reader.Settings().SelectedFieldAPIName == "stage"
	}, 2*time.Second, 20*time.Millisecond)
}
