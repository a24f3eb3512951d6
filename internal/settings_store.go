package internal

import (
	"context"
	"encoding/json"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

// watchHub fans saved settings out to in-process watchers. Each watcher
// holds at most the latest blob; a slow reader skips intermediate saves.
type watchHub struct {
	mu       sync.Mutex
	next     int
	watchers map[string]map[int]chan json.RawMessage
}

func newWatchHub() *watchHub {
	return &watchHub{watchers: make(map[string]map[int]chan json.RawMessage)}
}

func (h *watchHub) watch(key string) (<-chan json.RawMessage, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.next
	h.next++
	ch := make(chan json.RawMessage, 1)
	if h.watchers[key] == nil {
		h.watchers[key] = make(map[int]chan json.RawMessage)
	}
	h.watchers[key][id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			delete(h.watchers[key], id)
			if len(h.watchers[key]) == 0 {
				delete(h.watchers, key)
			}
			close(ch)
		})
	}
	return ch, cancel
}

func (h *watchHub) publish(key string, data json.RawMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, ch := range h.watchers[key] {
		select {
		case <-ch:
		default:
		}
		ch <- data
	}
}

func validSettingsBlob(data json.RawMessage) error {
	if !json.Valid(data) {
		return objectbase.NewValidationError("settings_data", "settings must be valid JSON")
	}
	return nil
}

// SelectSettingsStore returns remote for authenticated sessions and local
// otherwise.
func SelectSettingsStore(session *objectbase.Session, remote, local objectbase.SettingsStore) objectbase.SettingsStore {
	if remote != nil && session != nil && session.State() == objectbase.SessionAuthenticated {
		return remote
	}
	return local
}

// ViewSettings holds one typed settings value backed by a SettingsStore.
// Updates apply locally first and are written once; a failed write reloads
// the stored value.
type ViewSettings[T any] struct {
	store     objectbase.SettingsStore
	key       objectbase.SettingsKey
	defaults  func() T
	normalize func(T) T

	mu      sync.RWMutex
	current T
	saving  bool
}

func NewViewSettings[T any](store objectbase.SettingsStore, key objectbase.SettingsKey, defaults func() T, normalize func(T) T) *ViewSettings[T] {
	if normalize == nil {
		normalize = func(v T) T { return v }
	}
	return &ViewSettings[T]{
		store:     store,
		key:       key,
		defaults:  defaults,
		normalize: normalize,
		current:   defaults(),
	}
}

func NewKanbanViewSettings(store objectbase.SettingsStore, userID, objectTypeID uuid.UUID) *ViewSettings[objectbase.KanbanSettings] {
	key := objectbase.SettingsKey{UserID: userID, ObjectTypeID: objectTypeID, Type: objectbase.SettingsKanban}
	return NewViewSettings(store, key, objectbase.DefaultKanbanSettings, objectbase.KanbanSettings.Normalize)
}

func NewFilterViewSettings(store objectbase.SettingsStore, userID, objectTypeID uuid.UUID) *ViewSettings[objectbase.FilterSettings] {
	key := objectbase.SettingsKey{UserID: userID, ObjectTypeID: objectTypeID, Type: objectbase.SettingsFilter}
	return NewViewSettings(store, key, objectbase.DefaultFilterSettings, objectbase.FilterSettings.Normalize)
}

func NewPaginationViewSettings(store objectbase.SettingsStore, userID, objectTypeID uuid.UUID) *ViewSettings[objectbase.PaginationSettings] {
	key := objectbase.SettingsKey{UserID: userID, ObjectTypeID: objectTypeID, Type: objectbase.SettingsPagination}
	return NewViewSettings(store, key, objectbase.DefaultPaginationSettings, objectbase.PaginationSettings.Normalize)
}

func NewLayoutViewSettings(store objectbase.SettingsStore, userID, objectTypeID uuid.UUID) *ViewSettings[objectbase.LayoutSettings] {
	key := objectbase.SettingsKey{UserID: userID, ObjectTypeID: objectTypeID, Type: objectbase.SettingsLayout}
	return NewViewSettings(store, key, objectbase.DefaultLayoutSettings, objectbase.LayoutSettings.Normalize)
}

// Key returns the store key of these settings.
func (v *ViewSettings[T]) Key() objectbase.SettingsKey { return v.key }

// Load reads the stored value. Missing, unreadable or malformed blobs yield
// the defaults; members absent from a partial blob keep their defaults.
func (v *ViewSettings[T]) Load(ctx context.Context) T {
	value := v.defaults()
	data, ok, err := v.store.Load(ctx, v.key)
	switch {
	case err != nil:
		zap.S().Warnw("view settings load failed, using defaults", "settingsType", v.key.Type,
			"objectTypeId", v.key.ObjectTypeID, "error", err)
	case ok:
		decoded, dropped, err := decodeOnto(data, v.defaults())
		if err != nil {
			zap.S().Warnw("view settings malformed, using defaults", "settingsType", v.key.Type,
				"objectTypeId", v.key.ObjectTypeID, "error", err)
			break
		}
		if len(dropped) > 0 {
			zap.S().Warnw("view settings members malformed, using their defaults", "settingsType", v.key.Type,
				"objectTypeId", v.key.ObjectTypeID, "members", dropped)
		}
		value = decoded
	}
	value = v.normalize(value)

	v.mu.Lock()
	v.current = value
	v.mu.Unlock()
	return value
}

// decodeOnto applies each member of a JSON object to value on its own. A
// member that does not decode keeps its default and is reported in dropped.
// Blobs that are not JSON objects fail as a whole.
func decodeOnto[T any](data []byte, value T) (T, []string, error) {
	var members map[string]json.RawMessage
	if err := json.Unmarshal(data, &members); err != nil {
		return value, nil, err
	}
	if members == nil {
		return value, nil, errors.New("settings blob is not an object")
	}
	names := make([]string, 0, len(members))
	for name := range members {
		names = append(names, name)
	}
	sort.Strings(names)

	var dropped []string
	for _, name := range names {
		single, err := json.Marshal(map[string]json.RawMessage{name: members[name]})
		if err != nil {
			dropped = append(dropped, name)
			continue
		}
		next := value
		if err := json.Unmarshal(single, &next); err != nil {
			dropped = append(dropped, name)
			continue
		}
		value = next
	}
	return value, dropped, nil
}

// Settings returns the current value.
func (v *ViewSettings[T]) Settings() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.current
}

// IsSaving reports whether an Update is in flight.
func (v *ViewSettings[T]) IsSaving() bool {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.saving
}

// Update replaces the current value immediately and writes it once. On
// failure the stored value is reloaded and the error returned.
func (v *ViewSettings[T]) Update(ctx context.Context, next T) error {
	next = v.normalize(next)
	data, err := json.Marshal(next)
	if err != nil {
		return objectbase.NewInternalError("encode view settings", err)
	}

	v.mu.Lock()
	v.current = next
	v.saving = true
	v.mu.Unlock()

	err = v.store.Save(ctx, v.key, data)

	v.mu.Lock()
	v.saving = false
	v.mu.Unlock()

	if err != nil {
		zap.S().Warnw("view settings save failed, reloading", "settingsType", v.key.Type,
			"objectTypeId", v.key.ObjectTypeID, "error", err)
		v.Load(ctx)
		return err
	}
	return nil
}

// Follow applies blobs saved by other holders of the same key until ctx is
// done. Malformed blobs are ignored.
func (v *ViewSettings[T]) Follow(ctx context.Context) {
	ch, cancel := v.store.Watch(v.key)
	defer cancel()
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-ch:
			if !ok {
				return
			}
			value, _, err := decodeOnto(data, v.defaults())
			if err != nil {
				continue
			}
			v.mu.Lock()
			v.current = v.normalize(value)
			v.mu.Unlock()
		}
	}
}
