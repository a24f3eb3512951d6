package internal

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

const (
	helpTabColumns     = "id, title, slug, sort_order, is_active"
	helpContentColumns = "id, tab_id, title, body, sort_order, updated_at"
	defaultSearchLimit = 20
	maxSearchLimit     = 100
)

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// PostgresHelpCenter implements objectbase.HelpCenter. index may be nil.
type PostgresHelpCenter struct {
	pool    dbPool
	index   helpIndex
	nowFunc func() time.Time
}

func NewPostgresHelpCenter(pool dbPool, index helpIndex) *PostgresHelpCenter {
	return &PostgresHelpCenter{pool: pool, index: index, nowFunc: time.Now}
}

func (h *PostgresHelpCenter) withClock(now func() time.Time) {
	if now != nil {
		h.nowFunc = now
	}
}

func requireAdmin(ctx context.Context) (objectbase.User, error) {
	user, err := objectbase.RequireUser(ctx)
	if err != nil {
		return user, err
	}
	if !user.IsAdmin() {
		return user, objectbase.NewForbiddenError(objectbase.ErrCodeForbidden, "admin role required")
	}
	return user, nil
}

func tabSlug(title string) string {
	return strings.ReplaceAll(SuggestAPIName(title), "_", "-")
}

// ListTabs returns every help tab in display order.
func (h *PostgresHelpCenter) ListTabs(ctx context.Context) ([]objectbase.HelpTab, error) {
	rows, err := h.pool.Query(ctx, "SELECT "+helpTabColumns+" FROM help_tabs ORDER BY sort_order, title")
	if err != nil {
		return nil, objectbase.NewQueryError("query help tabs", err)
	}
	defer rows.Close()

	tabs := make([]objectbase.HelpTab, 0)
	for rows.Next() {
		var t objectbase.HelpTab
		if err := rows.Scan(&t.ID, &t.Title, &t.Slug, &t.SortOrder, &t.IsActive); err != nil {
			return nil, objectbase.NewQueryError("scan help tab", err)
		}
		tabs = append(tabs, t)
	}
	if err := rows.Err(); err != nil {
		return nil, objectbase.NewQueryError("iterate help tabs", err)
	}
	return tabs, nil
}

// SaveTab inserts a tab when its id is empty and updates it otherwise.
// New tabs are appended after the existing ones. Admin only.
func (h *PostgresHelpCenter) SaveTab(ctx context.Context, tab objectbase.HelpTab) (*objectbase.HelpTab, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	tab.Title = strings.TrimSpace(tab.Title)
	if tab.Title == "" {
		return nil, objectbase.NewValidationError("title", "tab title is required")
	}
	tab.Slug = strings.TrimSpace(tab.Slug)
	if tab.Slug == "" {
		tab.Slug = tabSlug(tab.Title)
	}

	var err error
	if tab.ID == uuid.Nil {
		tab.IsActive = true
		err = h.pool.QueryRow(ctx, `INSERT INTO help_tabs (title, slug, sort_order, is_active)
			VALUES ($1, $2, (SELECT COALESCE(MAX(sort_order), 0) + 1 FROM help_tabs), TRUE)
			RETURNING id, sort_order`, tab.Title, tab.Slug).Scan(&tab.ID, &tab.SortOrder)
	} else {
		err = h.pool.QueryRow(ctx,
			"UPDATE help_tabs SET title = $2, slug = $3, is_active = $4 WHERE id = $1 RETURNING sort_order",
			tab.ID, tab.Title, tab.Slug, tab.IsActive).Scan(&tab.SortOrder)
	}
	if err != nil {
		if isUniqueViolation(err) {
			return nil, objectbase.NewValidationError("slug", "slug "+tab.Slug+" is already in use").WithCause(err)
		}
		return nil, notFoundOr(err, "help tab", tab.ID, "save help tab")
	}
	return &tab, nil
}

// SwapTabOrder exchanges the sort order of two tabs atomically. Admin only.
func (h *PostgresHelpCenter) SwapTabOrder(ctx context.Context, a, b uuid.UUID) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	if a == b {
		return objectbase.NewValidationError("tab_id", "cannot swap a tab with itself")
	}
	if _, err := h.pool.Exec(ctx, "SELECT swap_tab_order($1, $2)", a, b); err != nil {
		if strings.Contains(err.Error(), "help tab not found") {
			return objectbase.NewNotFoundError("help tab", a.String()+","+b.String())
		}
		return objectbase.NewQueryError("swap tab order", err)
	}
	return nil
}

func collectHelpContent(rows pgx.Rows) ([]objectbase.HelpContent, error) {
	defer rows.Close()
	contents := make([]objectbase.HelpContent, 0)
	for rows.Next() {
		var c objectbase.HelpContent
		if err := rows.Scan(&c.ID, &c.TabID, &c.Title, &c.Body, &c.SortOrder, &c.UpdatedAt); err != nil {
			return nil, err
		}
		contents = append(contents, c)
	}
	return contents, rows.Err()
}

// ListContent returns the articles of a tab.
func (h *PostgresHelpCenter) ListContent(ctx context.Context, tabID uuid.UUID) ([]objectbase.HelpContent, error) {
	rows, err := h.pool.Query(ctx,
		"SELECT "+helpContentColumns+" FROM help_content WHERE tab_id = $1 ORDER BY sort_order, title", tabID)
	if err != nil {
		return nil, objectbase.NewQueryError("query help content", err)
	}
	contents, err := collectHelpContent(rows)
	if err != nil {
		return nil, objectbase.NewQueryError("scan help content", err)
	}
	return contents, nil
}

// SaveContent inserts or updates an article and indexes it. Index failures
// are logged; search falls back to SQL for articles the index missed.
func (h *PostgresHelpCenter) SaveContent(ctx context.Context, content objectbase.HelpContent) (*objectbase.HelpContent, error) {
	if _, err := requireAdmin(ctx); err != nil {
		return nil, err
	}
	content.Title = strings.TrimSpace(content.Title)
	if content.Title == "" {
		return nil, objectbase.NewValidationError("title", "article title is required")
	}
	if content.TabID == uuid.Nil {
		return nil, objectbase.NewValidationError("tab_id", "tab is required")
	}
	content.UpdatedAt = h.nowFunc().UTC()

	if content.ID == uuid.Nil {
		if err := h.pool.QueryRow(ctx, `INSERT INTO help_content (tab_id, title, body, sort_order, updated_at)
			VALUES ($1, $2, $3, $4, $5) RETURNING id`,
			content.TabID, content.Title, content.Body, content.SortOrder, content.UpdatedAt).Scan(&content.ID); err != nil {
			return nil, objectbase.NewQueryError("insert help content", err)
		}
	} else {
		tag, err := h.pool.Exec(ctx,
			"UPDATE help_content SET tab_id = $2, title = $3, body = $4, sort_order = $5, updated_at = $6 WHERE id = $1",
			content.ID, content.TabID, content.Title, content.Body, content.SortOrder, content.UpdatedAt)
		if err != nil {
			return nil, objectbase.NewQueryError("update help content", err)
		}
		if tag.RowsAffected() == 0 {
			return nil, objectbase.NewNotFoundError("help content", content.ID.String())
		}
	}

	if h.index != nil && h.index.Healthy() {
		if err := h.index.IndexContent(content); err != nil {
			zap.S().Warnw("index help content", "contentId", content.ID, "error", err)
		}
	}
	return &content, nil
}

// DeleteContent removes an article and drops it from the index. Admin only.
func (h *PostgresHelpCenter) DeleteContent(ctx context.Context, id uuid.UUID) error {
	if _, err := requireAdmin(ctx); err != nil {
		return err
	}
	tag, err := h.pool.Exec(ctx, "DELETE FROM help_content WHERE id = $1", id)
	if err != nil {
		return objectbase.NewQueryError("delete help content", err)
	}
	if tag.RowsAffected() == 0 {
		return objectbase.NewNotFoundError("help content", id.String())
	}
	if h.index != nil && h.index.Healthy() {
		if err := h.index.DeleteContent(id); err != nil {
			zap.S().Warnw("remove help content from index", "contentId", id, "error", err)
		}
	}
	return nil
}

// Search finds articles through the index when it is healthy and through
// ILIKE otherwise.
func (h *PostgresHelpCenter) Search(ctx context.Context, query string, limit int) ([]objectbase.HelpContent, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return []objectbase.HelpContent{}, nil
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	if limit > maxSearchLimit {
		limit = maxSearchLimit
	}

	if h.index != nil && h.index.Healthy() {
		ids, err := h.index.Search(query, limit)
		if err == nil {
			return h.loadRanked(ctx, ids)
		}
		zap.S().Warnw("help index search failed, falling back to sql", "error", err)
	}

	rows, err := h.pool.Query(ctx, "SELECT "+helpContentColumns+` FROM help_content
		WHERE title ILIKE $1 OR body ILIKE $1 ORDER BY updated_at DESC LIMIT $2`,
		"%"+likeEscaper.Replace(query)+"%", limit)
	if err != nil {
		return nil, objectbase.NewQueryError("search help content", err)
	}
	contents, err := collectHelpContent(rows)
	if err != nil {
		return nil, objectbase.NewQueryError("scan help content", err)
	}
	return contents, nil
}

// loadRanked fetches articles by id and keeps the index's ranking.
func (h *PostgresHelpCenter) loadRanked(ctx context.Context, ids []uuid.UUID) ([]objectbase.HelpContent, error) {
	if len(ids) == 0 {
		return []objectbase.HelpContent{}, nil
	}
	rows, err := h.pool.Query(ctx, "SELECT "+helpContentColumns+" FROM help_content WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, objectbase.NewQueryError("load help content", err)
	}
	contents, err := collectHelpContent(rows)
	if err != nil {
		return nil, objectbase.NewQueryError("scan help content", err)
	}
	byID := make(map[uuid.UUID]objectbase.HelpContent, len(contents))
	for _, c := range contents {
		byID[c.ID] = c
	}
	ranked := make([]objectbase.HelpContent, 0, len(contents))
	for _, id := range ids {
		if c, ok := byID[id]; ok {
			ranked = append(ranked, c)
		}
	}
	return ranked, nil
}

// Reindex pushes every article to the index.
func (h *PostgresHelpCenter) Reindex(ctx context.Context) (int, error) {
	if h.index == nil {
		return 0, objectbase.NewInternalError("search is not configured", nil)
	}
	rows, err := h.pool.Query(ctx, "SELECT "+helpContentColumns+" FROM help_content ORDER BY tab_id, sort_order")
	if err != nil {
		return 0, objectbase.NewQueryError("query help content", err)
	}
	contents, err := collectHelpContent(rows)
	if err != nil {
		return 0, objectbase.NewQueryError("scan help content", err)
	}
	if err := h.index.IndexContent(contents...); err != nil {
		return 0, objectbase.NewUpstreamError("index help content", err)
	}
	zap.S().Infow("help content reindexed", "articles", len(contents))
	return len(contents), nil
}
