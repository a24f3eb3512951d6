package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lychee-technology/objectbase"
	"go.uber.org/zap"
)

// handlePublish handles POST /api/v1/applications
func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req objectbase.PublishRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	app, err := s.services.Publishing.Publish(r.Context(), req)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, app)
}

// handleListPublished handles GET /api/v1/applications
func (s *Server) handleListPublished(w http.ResponseWriter, r *http.Request) {
	apps, err := s.services.Publishing.ListPublished(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, apps)
}

type importResponse struct {
	Import   *objectbase.ApplicationImport `json:"import"`
	Progress []objectbase.ImportProgress   `json:"progress"`
}

// handleImport handles POST /api/v1/imports. Clients that accept
// text/event-stream receive progress events as the import runs.
func (s *Server) handleImport(w http.ResponseWriter, r *http.Request) {
	var req objectbase.ImportRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if stream, ok := newEventStream(w, r); ok {
		imp, err := s.services.Publishing.ImportApplication(r.Context(), req, func(p objectbase.ImportProgress) {
			_ = stream.send("progress", p)
		})
		if err != nil && imp == nil {
			stream.fail(err)
			return
		}
		_ = stream.send("result", imp)
		stream.done()
		return
	}

	progress := make([]objectbase.ImportProgress, 0)
	imp, err := s.services.Publishing.ImportApplication(r.Context(), req, func(p objectbase.ImportProgress) {
		progress = append(progress, p)
	})
	if err != nil && imp == nil {
		writeError(w, r, err)
		return
	}
	status := http.StatusCreated
	if imp.Status == objectbase.ImportFailed {
		status = http.StatusOK
	}
	writeSuccess(w, status, importResponse{Import: imp, Progress: progress})
}

// handleListImports handles GET /api/v1/imports
func (s *Server) handleListImports(w http.ResponseWriter, r *http.Request) {
	imports, err := s.services.Publishing.ListImports(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, imports)
}

type collectionRequest struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

// handleCreateCollection handles POST /api/v1/collections
func (s *Server) handleCreateCollection(w http.ResponseWriter, r *http.Request) {
	var req collectionRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := s.services.Sharing.CreateCollection(r.Context(), req.Name, req.Description)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, c)
}

// handleListCollections handles GET /api/v1/collections
func (s *Server) handleListCollections(w http.ResponseWriter, r *http.Request) {
	collections, err := s.services.Sharing.ListCollections(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, collections)
}

// handleMembership handles GET /api/v1/collections/{id}/membership
func (s *Server) handleMembership(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	m, err := s.services.Sharing.Membership(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, m)
}

type memberRequest struct {
	UserID     uuid.UUID             `json:"user_id"`
	Permission objectbase.Permission `json:"permission"`
}

// handleAddCollectionMember handles POST /api/v1/collections/{id}/members
func (s *Server) handleAddCollectionMember(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req memberRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Sharing.AddCollectionMember(r.Context(), id, req.UserID, req.Permission); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type collectionRecordRequest struct {
	RecordID uuid.UUID `json:"record_id"`
}

// handleAddRecordToCollection handles POST /api/v1/collections/{id}/records
func (s *Server) handleAddRecordToCollection(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req collectionRecordRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Sharing.AddRecordToCollection(r.Context(), id, req.RecordID); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleShareRecord handles POST /api/v1/shares
func (s *Server) handleShareRecord(w http.ResponseWriter, r *http.Request) {
	var input objectbase.ShareRecordInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	share, err := s.services.Sharing.ShareRecord(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, share)
}

// handleListRecordShares handles GET /api/v1/records/{id}/shares
func (s *Server) handleListRecordShares(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	shares, err := s.services.Sharing.ListRecordShares(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, shares)
}

// handleRevokeShare handles DELETE /api/v1/shares/{id}
func (s *Server) handleRevokeShare(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Sharing.RevokeShare(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type acceptShareRequest struct {
	ObjectTypeID uuid.UUID `json:"object_type_id"`
}

// handleAcceptShare handles POST /api/v1/shares/{id}/accept
func (s *Server) handleAcceptShare(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req acceptShareRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Sharing.AcceptShare(r.Context(), id, req.ObjectTypeID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, record)
}

// handleListFieldMappings handles GET /api/v1/field-mappings?sharer_object_type_id=...&receiver_object_type_id=...
func (s *Server) handleListFieldMappings(w http.ResponseWriter, r *http.Request) {
	sharer, err := queryUUID(r, "sharer_object_type_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	receiver, err := queryUUID(r, "receiver_object_type_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	mappings, err := s.services.Sharing.ListFieldMappings(r.Context(), sharer, receiver)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, mappings)
}

// handleSaveFieldMappings handles PUT /api/v1/field-mappings
func (s *Server) handleSaveFieldMappings(w http.ResponseWriter, r *http.Request) {
	var mappings []objectbase.FieldMapping
	if err := readJSONBody(r, &mappings); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Sharing.SaveFieldMappings(r.Context(), mappings); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePublicRecord handles GET /api/v1/public-record/{token}. No session
// is required.
func (s *Server) handlePublicRecord(w http.ResponseWriter, r *http.Request) {
	record, err := s.services.Sharing.ResolvePublicRecord(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeLinkError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

// handleUpdatePublicRecord handles PATCH /api/v1/public-record/{token}. The
// link must carry edit permission.
func (s *Server) handleUpdatePublicRecord(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := readJSONBody(r, &values); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Sharing.UpdatePublicRecord(r.Context(), mux.Vars(r)["token"], values)
	if err != nil {
		writeLinkError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

// writeLinkError answers expired and revoked links with 410 Gone.
func writeLinkError(w http.ResponseWriter, r *http.Request, err error) {
	var obErr *objectbase.Error
	if errors.As(err, &obErr) && (obErr.Code == objectbase.ErrCodeLinkExpired || obErr.Code == objectbase.ErrCodeLinkInactive) {
		writeJSON(w, http.StatusGone, APIResponse{Success: false, Error: obErr.Message, Code: obErr.Code})
		return
	}
	writeError(w, r, err)
}

func (s *Server) connections(w http.ResponseWriter, r *http.Request) (objectbase.ConnectionManager, bool) {
	if s.services.Connections == nil {
		writeMessage(w, http.StatusServiceUnavailable, "LLM connections are not configured")
		return nil, false
	}
	return s.services.Connections, true
}

// handleListConnections handles GET /api/v1/connections
func (s *Server) handleListConnections(w http.ResponseWriter, r *http.Request) {
	conns, ok := s.connections(w, r)
	if !ok {
		return
	}
	list, err := conns.ListConnections(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, list)
}

// handleStoreConnection handles POST /api/v1/connections
func (s *Server) handleStoreConnection(w http.ResponseWriter, r *http.Request) {
	conns, ok := s.connections(w, r)
	if !ok {
		return
	}
	var input objectbase.ConnectionInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	c, err := conns.StoreConnection(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, c)
}

// handleDeleteConnection handles DELETE /api/v1/connections/{id}
func (s *Server) handleDeleteConnection(w http.ResponseWriter, r *http.Request) {
	conns, ok := s.connections(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := conns.DeleteConnection(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleProxyChat handles POST /api/v1/connections/{id}/chat and relays the
// completion as server-sent events.
func (s *Server) handleProxyChat(w http.ResponseWriter, r *http.Request) {
	conns, ok := s.connections(w, r)
	if !ok {
		return
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req objectbase.ChatRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeMessage(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	var stream *eventStream
	err = conns.ProxyChat(r.Context(), id, req, func(chunk string) error {
		if stream == nil {
			stream = startEventStream(w, flusher)
		}
		return stream.send("", map[string]string{"content": chunk})
	})
	switch {
	case err != nil && stream == nil:
		writeError(w, r, err)
	case err != nil:
		stream.fail(err)
	default:
		if stream == nil {
			stream = startEventStream(w, flusher)
		}
		stream.done()
	}
}

// handleListTabs handles GET /api/v1/help/tabs
func (s *Server) handleListTabs(w http.ResponseWriter, r *http.Request) {
	tabs, err := s.services.Help.ListTabs(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, tabs)
}

// handleSaveTab handles POST/PUT /api/v1/help/tabs
func (s *Server) handleSaveTab(w http.ResponseWriter, r *http.Request) {
	var tab objectbase.HelpTab
	if err := readJSONBody(r, &tab); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.services.Help.SaveTab(r.Context(), tab)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

type swapTabsRequest struct {
	A uuid.UUID `json:"a"`
	B uuid.UUID `json:"b"`
}

// handleSwapTabs handles POST /api/v1/help/tabs/swap
func (s *Server) handleSwapTabs(w http.ResponseWriter, r *http.Request) {
	var req swapTabsRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Help.SwapTabOrder(r.Context(), req.A, req.B); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListContent handles GET /api/v1/help/tabs/{id}/content
func (s *Server) handleListContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	contents, err := s.services.Help.ListContent(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, contents)
}

// handleSaveContent handles POST/PUT /api/v1/help/content
func (s *Server) handleSaveContent(w http.ResponseWriter, r *http.Request) {
	var content objectbase.HelpContent
	if err := readJSONBody(r, &content); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.services.Help.SaveContent(r.Context(), content)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

// handleDeleteContent handles DELETE /api/v1/help/content/{id}
func (s *Server) handleDeleteContent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Help.DeleteContent(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleHelpSearch handles GET /api/v1/help/search?q=...&limit=...
func (s *Server) handleHelpSearch(w http.ResponseWriter, r *http.Request) {
	params := r.URL.Query()
	limit, _ := strconv.Atoi(params.Get("limit"))
	results, err := s.services.Help.Search(r.Context(), params.Get("q"), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, results)
}

// handleAnalytics handles GET /api/v1/analytics?since=...
func (s *Server) handleAnalytics(w http.ResponseWriter, r *http.Request) {
	if s.services.Analytics == nil {
		writeMessage(w, http.StatusServiceUnavailable, "analytics is not configured")
		return
	}
	since, err := queryTime(r, "since")
	if err != nil {
		writeError(w, r, err)
		return
	}
	report, err := s.services.Analytics.Report(r.Context(), since)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, report)
}

// eventStream writes server-sent events.
type eventStream struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

// newEventStream starts a stream when the client asked for one.
func newEventStream(w http.ResponseWriter, r *http.Request) (*eventStream, bool) {
	if !strings.Contains(r.Header.Get("Accept"), "text/event-stream") {
		return nil, false
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, false
	}
	return startEventStream(w, flusher), true
}

func startEventStream(w http.ResponseWriter, flusher http.Flusher) *eventStream {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &eventStream{w: w, flusher: flusher}
}

func (e *eventStream) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if event != "" {
		if _, err := fmt.Fprintf(e.w, "event: %s\n", event); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(e.w, "data: %s\n\n", data); err != nil {
		return err
	}
	e.flusher.Flush()
	return nil
}

// fail reports err in-band; the status line has already been sent.
func (e *eventStream) fail(err error) {
	resp := APIResponse{Success: false, Error: "internal error"}
	var obErr *objectbase.Error
	if errors.As(err, &obErr) {
		resp.Error, resp.Code = obErr.Message, obErr.Code
	}
	zap.S().Warnw("event stream failed", "error", err)
	_ = e.send("error", resp)
}

func (e *eventStream) done() {
	_, _ = fmt.Fprint(e.w, "data: [DONE]\n\n")
	e.flusher.Flush()
}
