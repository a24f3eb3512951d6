package main

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/lychee-technology/objectbase"
)

// handleListActions handles GET /api/v1/object-types/{id}/actions
func (s *Server) handleListActions(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	actions, err := s.services.Actions.ListActions(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, actions)
}

// handleCreateAction handles POST /api/v1/actions
func (s *Server) handleCreateAction(w http.ResponseWriter, r *http.Request) {
	var input objectbase.ActionInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := s.services.Actions.CreateAction(r.Context(), input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, action)
}

// handleGetAction handles GET /api/v1/actions/{id}
func (s *Server) handleGetAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	action, err := s.services.Actions.GetAction(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, action)
}

// handleUpdateAction handles PATCH /api/v1/actions/{id}
func (s *Server) handleUpdateAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var input objectbase.ActionInput
	if err := readJSONBody(r, &input); err != nil {
		writeError(w, r, err)
		return
	}
	action, err := s.services.Actions.UpdateAction(r.Context(), id, input)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, action)
}

// handleDeleteAction handles DELETE /api/v1/actions/{id}
func (s *Server) handleDeleteAction(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Actions.DeleteAction(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListActionFieldSettings handles GET /api/v1/actions/{id}/field-settings
func (s *Server) handleListActionFieldSettings(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	settings, err := s.services.Actions.ListFieldSettings(r.Context(), id)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, settings)
}

// handleReplaceActionFieldSettings handles PUT /api/v1/actions/{id}/field-settings
func (s *Server) handleReplaceActionFieldSettings(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var settings []objectbase.ActionFieldSetting
	if err := readJSONBody(r, &settings); err != nil {
		writeError(w, r, err)
		return
	}
	saved, err := s.services.Actions.ReplaceFieldSettings(r.Context(), id, settings)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, saved)
}

type actionLinkRequest struct {
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// handleCreateActionLink handles POST /api/v1/actions/{id}/links
func (s *Server) handleCreateActionLink(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	var req actionLinkRequest
	if r.ContentLength != 0 {
		if err := readJSONBody(r, &req); err != nil {
			writeError(w, r, err)
			return
		}
	}
	link, err := s.services.Actions.CreateActionLink(r.Context(), id, req.ExpiresAt)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, link)
}

// handleRevokeActionLink handles DELETE /api/v1/action-links/{id}
func (s *Server) handleRevokeActionLink(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.services.Actions.RevokeActionLink(r.Context(), id); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handlePublicAction handles GET /api/v1/public-action/{token}. No session
// is required.
func (s *Server) handlePublicAction(w http.ResponseWriter, r *http.Request) {
	form, err := s.services.Actions.ResolvePublicAction(r.Context(), mux.Vars(r)["token"])
	if err != nil {
		writeLinkError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusOK, form)
}

// handleSubmitPublicAction handles POST /api/v1/public-action/{token}
func (s *Server) handleSubmitPublicAction(w http.ResponseWriter, r *http.Request) {
	var values map[string]any
	if err := readJSONBody(r, &values); err != nil {
		writeError(w, r, err)
		return
	}
	record, err := s.services.Actions.SubmitPublicAction(r.Context(), mux.Vars(r)["token"], values)
	if err != nil {
		writeLinkError(w, r, err)
		return
	}
	writeSuccess(w, http.StatusCreated, record)
}
