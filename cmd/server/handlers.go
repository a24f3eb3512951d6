package main

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/lychee-technology/objectbase"
)

// handleListObjectTypes handles GET /api/v1/object-types
func (s *Server) handleListObjectTypes(w http.ResponseWriter, r *http.Request) {
	types, err := s.services.ObjectTypes.ListObjectTypes(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, types)
}

// handleCreateObjectType handles POST /api/v1/object-types
func (s *Server) handleCreateObjectType(w http.ResponseWriter, r *http.Request) {
	var input objectbase.CreateObjectTypeInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	ot, err := s.services.ObjectTypes.CreateObjectType(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, ot)
}

// handleGetObjectType handles GET /api/v1/object-types/{id}
func (s *Server) handleGetObjectType(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	ot, err := s.services.ObjectTypes.GetObjectType(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, ot)
}

// handleUpdateObjectType handles PATCH /api/v1/object-types/{id}
func (s *Server) handleUpdateObjectType(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input objectbase.UpdateObjectTypeInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	ot, err := s.services.ObjectTypes.UpdateObjectType(r.Context(), id, input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, ot)
}

// handleArchiveObjectType handles DELETE /api/v1/object-types/{id}
func (s *Server) handleArchiveObjectType(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.ObjectTypes.ArchiveObjectType(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleDeleteSystemObjects handles DELETE /api/v1/object-types/system
func (s *Server) handleDeleteSystemObjects(w http.ResponseWriter, r *http.Request) {
	n, err := s.services.ObjectTypes.DeleteSystemObjects(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, map[string]int{"deleted": n})
}

// handleListFields handles GET /api/v1/object-types/{id}/fields
func (s *Server) handleListFields(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	fields, err := s.services.Fields.ListFields(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, fields)
}

// handleCreateField handles POST /api/v1/fields
func (s *Server) handleCreateField(w http.ResponseWriter, r *http.Request) {
	var input objectbase.CreateFieldInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	field, err := s.services.Fields.CreateField(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, field)
}

// handleGetField handles GET /api/v1/fields/{id}
func (s *Server) handleGetField(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	field, err := s.services.Fields.GetField(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, field)
}

// handleUpdateField handles PATCH /api/v1/fields/{id}
func (s *Server) handleUpdateField(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input objectbase.UpdateFieldInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	field, err := s.services.Fields.UpdateField(r.Context(), id, input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, field)
}

// handleDeleteField handles DELETE /api/v1/fields/{id}
func (s *Server) handleDeleteField(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Fields.DeleteField(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListPicklistValues handles GET /api/v1/fields/{id}/picklist-values
func (s *Server) handleListPicklistValues(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	values, err := s.services.Fields.ListPicklistValues(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, values)
}

// handleReplacePicklistValues handles PUT /api/v1/fields/{id}/picklist-values
func (s *Server) handleReplacePicklistValues(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var values []objectbase.PicklistValue
	if err := readJSONBody(r, &values); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.services.Fields.ReplacePicklistValues(r.Context(), id, values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

// handleListRecords handles GET /api/v1/records?object_type_id=...&page=...&page_size=...&<field>=<op>:<value>
func (s *Server) handleListRecords(w http.ResponseWriter, r *http.Request) {
	objectTypeID, err := queryUUID(r, "object_type_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	params := r.URL.Query()
	page, pageSize := parsePagination(params)
	result, err := s.services.Records.ListRecords(r.Context(), objectbase.RecordQuery{
		ObjectTypeID: objectTypeID,
		Filters:      buildFilters(params),
		Page:         page,
		PageSize:     pageSize,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, result)
}

type createRecordRequest struct {
	ObjectTypeID uuid.UUID      `json:"object_type_id"`
	Values       map[string]any `json:"values"`
}

// handleCreateRecord handles POST /api/v1/records
func (s *Server) handleCreateRecord(w http.ResponseWriter, r *http.Request) {
	var req createRecordRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Records.CreateRecord(r.Context(), req.ObjectTypeID, req.Values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, record)
}

// handleGetRecord handles GET /api/v1/records/{id}
func (s *Server) handleGetRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Records.GetRecord(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

// handleUpdateRecord handles PATCH /api/v1/records/{id} with a field->value object.
func (s *Server) handleUpdateRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var values map[string]any
	if err := readJSONBody(r, &values); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Records.UpdateRecord(r.Context(), id, values)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

// handleDeleteRecord handles DELETE /api/v1/records/{id}
func (s *Server) handleDeleteRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Records.DeleteRecord(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleCloneRecord handles POST /api/v1/records/{id}/clone
func (s *Server) handleCloneRecord(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Records.CloneRecord(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, record)
}

// handleQueue handles GET /api/v1/records/queue?object_type_id=...&status_field=...&queued_value=...&limit=...
func (s *Server) handleQueue(w http.ResponseWriter, r *http.Request) {
	objectTypeID, err := queryUUID(r, "object_type_id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	params := r.URL.Query()
	limit, _ := strconv.Atoi(params.Get("limit"))
	records, err := s.services.Records.NextQueuedTickets(r.Context(), objectbase.QueueQuery{
		ObjectTypeID: objectTypeID,
		StatusField:  params.Get("status_field"),
		QueuedValue:  params.Get("queued_value"),
		Limit:        limit,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, records)
}

type moveCardRequest struct {
	Field string `json:"field"`
	Value string `json:"value"`
}

// handleMoveCard handles POST /api/v1/records/{id}/move
func (s *Server) handleMoveCard(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req moveCardRequest
	if err := readJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Kanban.MoveCard(r.Context(), id, req.Field, req.Value)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, record)
}

// handleKanbanBoard handles GET /api/v1/kanban/{objectTypeId}?field=...&<field>=<op>:<value>
func (s *Server) handleKanbanBoard(w http.ResponseWriter, r *http.Request) {
	objectTypeID, err := pathUUID(r, "objectTypeId")
	if err != nil {
		writeError(w, r, err)
		return
	}
	params := r.URL.Query()
	board, err := s.services.Kanban.Board(r.Context(), objectTypeID, params.Get("field"), buildFilters(params))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, board)
}

var settingsDefaults = map[objectbase.SettingsType]func() any{
	objectbase.SettingsKanban:     func() any { return objectbase.DefaultKanbanSettings() },
	objectbase.SettingsFilter:     func() any { return objectbase.DefaultFilterSettings() },
	objectbase.SettingsPagination: func() any { return objectbase.DefaultPaginationSettings() },
	objectbase.SettingsLayout:     func() any { return objectbase.DefaultLayoutSettings() },
}

// settingsKey resolves the store and key for the request's session.
func (s *Server) settingsKey(r *http.Request) (objectbase.SettingsStore, objectbase.SettingsKey, error) {
	settingsType := objectbase.SettingsType(mux.Vars(r)["type"])
	if _, ok := settingsDefaults[settingsType]; !ok {
		return nil, objectbase.SettingsKey{}, objectbase.NewValidationError("type", "unknown settings type "+string(settingsType))
	}
	objectTypeID, err := pathUUID(r, "objectTypeId")
	if err != nil {
		return nil, objectbase.SettingsKey{}, err
	}
	session := objectbase.SessionFromContext(r.Context())
	key := objectbase.SettingsKey{ObjectTypeID: objectTypeID, Type: settingsType}
	if user, ok := session.User(); ok {
		key.UserID = user.ID
	}
	store := s.services.SettingsFor(session)
	if store == nil {
		return nil, key, objectbase.NewInternalError("settings store is not configured", nil)
	}
	return store, key, nil
}

// handleLoadSettings handles GET /api/v1/settings/{type}/{objectTypeId}.
// Missing or unreadable settings load as defaults.
func (s *Server) handleLoadSettings(w http.ResponseWriter, r *http.Request) {
	store, key, err := s.settingsKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	data, ok, err := store.Load(r.Context(), key)
	if err != nil || !ok {
		writeSuccess(w, http.StatusOK, settingsDefaults[key.Type]())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

// handleSaveSettings handles PUT /api/v1/settings/{type}/{objectTypeId}
func (s *Server) handleSaveSettings(w http.ResponseWriter, r *http.Request) {
	store, key, err := s.settingsKey(r)
	if err != nil {
		writeError(w, r, err)
		return
	}
	var data json.RawMessage
	if err := readJSONBody(r, &data); err != nil {
		writeError(w, r, err)
		return
	}
	if err := store.Save(r.Context(), key, data); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
