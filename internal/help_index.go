package internal

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/lychee-technology/objectbase"
	meili "github.com/meilisearch/meilisearch-go"
	"go.uber.org/zap"
)

const helpIndexUID = "objectbase_help_content"

// helpIndex is the full-text index behind help center search.
type helpIndex interface {
	Healthy() bool
	IndexContent(contents ...objectbase.HelpContent) error
	DeleteContent(id uuid.UUID) error
	Search(query string, limit int) ([]uuid.UUID, error)
}

type helpDocument struct {
	ID        string `json:"id"`
	TabID     string `json:"tabId"`
	Title     string `json:"title"`
	Body      string `json:"body"`
	UpdatedAt int64  `json:"updatedAt"`
}

// MeiliHelpIndex indexes help articles in Meilisearch.
type MeiliHelpIndex struct {
	client  meili.ServiceManager
	healthy atomic.Bool
	done    chan struct{}
}

// NewMeiliHelpIndex connects to Meilisearch and keeps probing its health in
// the background. An unreachable server is not an error; search falls back
// to SQL until it recovers.
func NewMeiliHelpIndex(cfg objectbase.SearchConfig) *MeiliHelpIndex {
	m := &MeiliHelpIndex{
		client: meili.New(cfg.URL, meili.WithAPIKey(cfg.APIKey)),
		done:   make(chan struct{}),
	}
	if _, err := m.client.Health(); err != nil {
		zap.S().Warnw("meilisearch unavailable", "url", cfg.URL, "error", err)
	} else {
		m.healthy.Store(true)
		m.configureIndex()
	}
	go m.healthLoop(10 * time.Second)
	return m
}

func (m *MeiliHelpIndex) configureIndex() {
	if _, err := m.client.CreateIndex(&meili.IndexConfig{Uid: helpIndexUID, PrimaryKey: "id"}); err != nil {
		zap.S().Debugw("create help index (may already exist)", "error", err)
	}
	index := m.client.Index(helpIndexUID)
	filterable := []interface{}{"tabId"}
	if _, err := index.UpdateFilterableAttributes(&filterable); err != nil {
		zap.S().Warnw("update filterable attributes", "index", helpIndexUID, "error", err)
	}
	searchable := []string{"title", "body"}
	if _, err := index.UpdateSearchableAttributes(&searchable); err != nil {
		zap.S().Warnw("update searchable attributes", "index", helpIndexUID, "error", err)
	}
}

func (m *MeiliHelpIndex) healthLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			_, err := m.client.Health()
			wasHealthy := m.healthy.Load()
			m.healthy.Store(err == nil)
			if err == nil && !wasHealthy {
				zap.S().Infow("meilisearch recovered, reconfiguring help index")
				m.configureIndex()
			}
		}
	}
}

// Close stops the health monitor.
func (m *MeiliHelpIndex) Close() {
	close(m.done)
}

func (m *MeiliHelpIndex) Healthy() bool {
	return m.healthy.Load()
}

func (m *MeiliHelpIndex) IndexContent(contents ...objectbase.HelpContent) error {
	if len(contents) == 0 {
		return nil
	}
	docs := make([]helpDocument, 0, len(contents))
	for _, c := range contents {
		docs = append(docs, helpDocument{
			ID:        c.ID.String(),
			TabID:     c.TabID.String(),
			Title:     c.Title,
			Body:      c.Body,
			UpdatedAt: c.UpdatedAt.Unix(),
		})
	}
	_, err := m.client.Index(helpIndexUID).AddDocuments(docs, nil)
	return err
}

func (m *MeiliHelpIndex) DeleteContent(id uuid.UUID) error {
	_, err := m.client.Index(helpIndexUID).DeleteDocument(id.String(), nil)
	return err
}

// Search returns matching article ids in ranking order.
func (m *MeiliHelpIndex) Search(query string, limit int) ([]uuid.UUID, error) {
	if !m.healthy.Load() {
		return nil, fmt.Errorf("meilisearch unhealthy")
	}
	resp, err := m.client.Index(helpIndexUID).Search(query, &meili.SearchRequest{
		Limit:                int64(limit),
		AttributesToRetrieve: []string{"id"},
	})
	if err != nil {
		m.healthy.Store(false)
		return nil, fmt.Errorf("meilisearch search: %w", err)
	}
	ids := make([]uuid.UUID, 0, len(resp.Hits))
	for _, hit := range resp.Hits {
		raw, ok := hit["id"]
		if !ok {
			continue
		}
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			continue
		}
		if id, err := uuid.Parse(s); err == nil {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
