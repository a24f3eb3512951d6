package main

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lychee-technology/objectbase/factory"
	"go.uber.org/zap"
)

// Server represents the HTTP API over the objectbase services.
type Server struct {
	services *factory.Services
	auth     *Authenticator
	router   *mux.Router
}

// NewServer creates a new Server instance
func NewServer(services *factory.Services, auth *Authenticator) *Server {
	return &Server{
		services: services,
		auth:     auth,
		router:   mux.NewRouter(),
	}
}

// RegisterRoutes registers all API routes
func (s *Server) RegisterRoutes() {
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api/v1").Subrouter()
	api.Use(s.auth.Middleware)

	api.HandleFunc("/object-types", s.handleListObjectTypes).Methods(http.MethodGet)
	api.HandleFunc("/object-types", s.handleCreateObjectType).Methods(http.MethodPost)
	api.HandleFunc("/object-types/system", s.handleDeleteSystemObjects).Methods(http.MethodDelete)
	api.HandleFunc("/object-types/{id}", s.handleGetObjectType).Methods(http.MethodGet)
	api.HandleFunc("/object-types/{id}", s.handleUpdateObjectType).Methods(http.MethodPatch)
	api.HandleFunc("/object-types/{id}", s.handleArchiveObjectType).Methods(http.MethodDelete)
	api.HandleFunc("/object-types/{id}/fields", s.handleListFields).Methods(http.MethodGet)

	api.HandleFunc("/fields", s.handleCreateField).Methods(http.MethodPost)
	api.HandleFunc("/fields/{id}", s.handleGetField).Methods(http.MethodGet)
	api.HandleFunc("/fields/{id}", s.handleUpdateField).Methods(http.MethodPatch)
	api.HandleFunc("/fields/{id}", s.handleDeleteField).Methods(http.MethodDelete)
	api.HandleFunc("/fields/{id}/picklist-values", s.handleListPicklistValues).Methods(http.MethodGet)
	api.HandleFunc("/fields/{id}/picklist-values", s.handleReplacePicklistValues).Methods(http.MethodPut)

	api.HandleFunc("/records", s.handleListRecords).Methods(http.MethodGet)
	api.HandleFunc("/records", s.handleCreateRecord).Methods(http.MethodPost)
	api.HandleFunc("/records/queue", s.handleQueue).Methods(http.MethodGet)
	api.HandleFunc("/records/{id}", s.handleGetRecord).Methods(http.MethodGet)
	api.HandleFunc("/records/{id}", s.handleUpdateRecord).Methods(http.MethodPatch)
	api.HandleFunc("/records/{id}", s.handleDeleteRecord).Methods(http.MethodDelete)
	api.HandleFunc("/records/{id}/clone", s.handleCloneRecord).Methods(http.MethodPost)
	api.HandleFunc("/records/{id}/move", s.handleMoveCard).Methods(http.MethodPost)
	api.HandleFunc("/records/{id}/shares", s.handleListRecordShares).Methods(http.MethodGet)

	api.HandleFunc("/kanban/{objectTypeId}", s.handleKanbanBoard).Methods(http.MethodGet)

	api.HandleFunc("/settings/{type}/{objectTypeId}", s.handleLoadSettings).Methods(http.MethodGet)
	api.HandleFunc("/settings/{type}/{objectTypeId}", s.handleSaveSettings).Methods(http.MethodPut)

	api.HandleFunc("/applications", s.handleListPublished).Methods(http.MethodGet)
	api.HandleFunc("/applications", s.handlePublish).Methods(http.MethodPost)
	api.HandleFunc("/imports", s.handleListImports).Methods(http.MethodGet)
	api.HandleFunc("/imports", s.handleImport).Methods(http.MethodPost)

	api.HandleFunc("/collections", s.handleListCollections).Methods(http.MethodGet)
	api.HandleFunc("/collections", s.handleCreateCollection).Methods(http.MethodPost)
	api.HandleFunc("/collections/{id}/membership", s.handleMembership).Methods(http.MethodGet)
	api.HandleFunc("/collections/{id}/members", s.handleAddCollectionMember).Methods(http.MethodPost)
	api.HandleFunc("/collections/{id}/records", s.handleAddRecordToCollection).Methods(http.MethodPost)

	api.HandleFunc("/shares", s.handleShareRecord).Methods(http.MethodPost)
	api.HandleFunc("/shares/{id}", s.handleRevokeShare).Methods(http.MethodDelete)
	api.HandleFunc("/shares/{id}/accept", s.handleAcceptShare).Methods(http.MethodPost)
	api.HandleFunc("/field-mappings", s.handleListFieldMappings).Methods(http.MethodGet)
	api.HandleFunc("/field-mappings", s.handleSaveFieldMappings).Methods(http.MethodPut)
	api.HandleFunc("/public-record/{token}", s.handlePublicRecord).Methods(http.MethodGet)
	api.HandleFunc("/public-record/{token}", s.handleUpdatePublicRecord).Methods(http.MethodPatch)

	api.HandleFunc("/object-types/{id}/actions", s.handleListActions).Methods(http.MethodGet)
	api.HandleFunc("/actions", s.handleCreateAction).Methods(http.MethodPost)
	api.HandleFunc("/actions/{id}", s.handleGetAction).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}", s.handleUpdateAction).Methods(http.MethodPatch)
	api.HandleFunc("/actions/{id}", s.handleDeleteAction).Methods(http.MethodDelete)
	api.HandleFunc("/actions/{id}/field-settings", s.handleListActionFieldSettings).Methods(http.MethodGet)
	api.HandleFunc("/actions/{id}/field-settings", s.handleReplaceActionFieldSettings).Methods(http.MethodPut)
	api.HandleFunc("/actions/{id}/links", s.handleCreateActionLink).Methods(http.MethodPost)
	api.HandleFunc("/action-links/{id}", s.handleRevokeActionLink).Methods(http.MethodDelete)
	api.HandleFunc("/public-action/{token}", s.handlePublicAction).Methods(http.MethodGet)
	api.HandleFunc("/public-action/{token}", s.handleSubmitPublicAction).Methods(http.MethodPost)

	api.HandleFunc("/connections", s.handleListConnections).Methods(http.MethodGet)
	api.HandleFunc("/connections", s.handleStoreConnection).Methods(http.MethodPost)
	api.HandleFunc("/connections/{id}", s.handleDeleteConnection).Methods(http.MethodDelete)
	api.HandleFunc("/connections/{id}/chat", s.handleProxyChat).Methods(http.MethodPost)

	api.HandleFunc("/help/tabs", s.handleListTabs).Methods(http.MethodGet)
	api.HandleFunc("/help/tabs", s.handleSaveTab).Methods(http.MethodPost, http.MethodPut)
	api.HandleFunc("/help/tabs/swap", s.handleSwapTabs).Methods(http.MethodPost)
	api.HandleFunc("/help/tabs/{id}/content", s.handleListContent).Methods(http.MethodGet)
	api.HandleFunc("/help/content", s.handleSaveContent).Methods(http.MethodPost, http.MethodPut)
	api.HandleFunc("/help/content/{id}", s.handleDeleteContent).Methods(http.MethodDelete)
	api.HandleFunc("/help/search", s.handleHelpSearch).Methods(http.MethodGet)

	api.HandleFunc("/analytics", s.handleAnalytics).Methods(http.MethodGet)
}

// handleHealth handles GET /healthz. Every configured backend is checked.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	components, healthy := s.services.Health(r.Context())
	status, code := "ok", http.StatusOK
	if !healthy {
		status, code = "degraded", http.StatusServiceUnavailable
	}
	writeSuccess(w, code, map[string]any{"status": status, "components": components})
}

// Start serves until ctx is cancelled, then drains in-flight requests.
func (s *Server) Start(ctx context.Context, port string) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		zap.S().Infow("starting server", "port", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		zap.S().Infow("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
