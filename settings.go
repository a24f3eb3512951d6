package objectbase

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// SettingsType names one kind of per-user view settings.
type SettingsType string

const (
	SettingsKanban     SettingsType = "kanban"
	SettingsFilter     SettingsType = "filter"
	SettingsPagination SettingsType = "pagination"
	SettingsLayout     SettingsType = "layout"
)

// SettingsKey identifies one settings blob.
type SettingsKey struct {
	UserID       uuid.UUID    `json:"user_id"`
	ObjectTypeID uuid.UUID    `json:"object_type_id"`
	Type         SettingsType `json:"settings_type"`
}

// LocalName is the key used by the local store: ${type}-settings-${objectTypeId}.
func (k SettingsKey) LocalName() string {
	return fmt.Sprintf("%s-settings-%s", k.Type, k.ObjectTypeID)
}

// SettingsStore persists opaque settings blobs. Watch delivers every blob
// saved under key until cancel is called.
type SettingsStore interface {
	Load(ctx context.Context, key SettingsKey) (json.RawMessage, bool, error)
	Save(ctx context.Context, key SettingsKey, data json.RawMessage) error
	Watch(key SettingsKey) (<-chan json.RawMessage, func())
}

// KanbanSettings is the persisted state of a kanban view.
type KanbanSettings struct {
	SelectedFieldAPIName string   `json:"selectedFieldApiName"`
	CollapsedColumns     []string `json:"collapsedColumns"`
	CardFields           []string `json:"cardFields"`
}

// FilterSettings is the persisted filter list of a table view.
type FilterSettings struct {
	Filters []Filter `json:"filters"`
}

// PaginationSettings is the persisted paging state of a table view.
type PaginationSettings struct {
	PageSize    int `json:"pageSize"`
	CurrentPage int `json:"currentPage"`
}

// SetPageSize changes the page size and resets to the first page.
func (p PaginationSettings) SetPageSize(size int) PaginationSettings {
	p.PageSize = size
	p.CurrentPage = 1
	return p
}

// LayoutSettings is the persisted column layout of a table view.
type LayoutSettings struct {
	VisibleColumns []string `json:"visibleColumns"`
	ColumnOrder    []string `json:"columnOrder"`
	ViewMode       string   `json:"viewMode"`
}

// DefaultKanbanSettings returns the settings used when nothing is stored.
func DefaultKanbanSettings() KanbanSettings {
	return KanbanSettings{CollapsedColumns: []string{}, CardFields: []string{}}
}

func DefaultFilterSettings() FilterSettings {
	return FilterSettings{Filters: []Filter{}}
}

func DefaultPaginationSettings() PaginationSettings {
	return PaginationSettings{PageSize: 20, CurrentPage: 1}
}

func DefaultLayoutSettings() LayoutSettings {
	return LayoutSettings{VisibleColumns: []string{}, ColumnOrder: []string{}, ViewMode: "table"}
}

// Normalize fills missing members with defaults.
func (k KanbanSettings) Normalize() KanbanSettings {
	if k.CollapsedColumns == nil {
		k.CollapsedColumns = []string{}
	}
	if k.CardFields == nil {
		k.CardFields = []string{}
	}
	return k
}

func (f FilterSettings) Normalize() FilterSettings {
	if f.Filters == nil {
		f.Filters = []Filter{}
	}
	return f
}

func (p PaginationSettings) Normalize() PaginationSettings {
	if p.PageSize <= 0 {
		p.PageSize = 20
	}
	if p.CurrentPage <= 0 {
		p.CurrentPage = 1
	}
	return p
}

func (l LayoutSettings) Normalize() LayoutSettings {
	if l.VisibleColumns == nil {
		l.VisibleColumns = []string{}
	}
	if l.ColumnOrder == nil {
		l.ColumnOrder = []string{}
	}
	if l.ViewMode == "" {
		l.ViewMode = "table"
	}
	return l
}
