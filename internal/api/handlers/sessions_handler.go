package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/api/middleware"
	"github.com/launchforge/engine/internal/api/types"
	"github.com/launchforge/engine/internal/services"
)

type SessionsHandler struct {
	sessions services.SessionService
}

func NewSessionsHandler(sessions services.SessionService) *SessionsHandler {
	return &SessionsHandler{sessions: sessions}
}

// Create starts a generation session. The response is 202: generation runs
// in the worker and progress is observable via the status and log stream
// endpoints.
func (h *SessionsHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req services.CreateSessionInput
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.RepositoryURL == "" {
		writeErrorStr(w, http.StatusBadRequest, "repository_url is required")
		return
	}
	if req.CloudProvider == "" {
		req.CloudProvider = "aws"
	}

	sess, err := h.sessions.Create(r.Context(), middleware.GetUserID(r.Context()), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: sess})
}

func (h *SessionsHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid session id")
		return
	}
	sess, err := h.sessions.Get(r.Context(), id, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: sess})
}

func (h *SessionsHandler) List(w http.ResponseWriter, r *http.Request) {
	items, err := h.sessions.List(r.Context(), middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}

// Accept turns the session's artifacts into a project.
func (h *SessionsHandler) Accept(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid session id")
		return
	}
	var req services.AcceptSessionInput
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeErrorStr(w, http.StatusBadRequest, "invalid json")
			return
		}
	}
	project, err := h.sessions.Accept(r.Context(), id, middleware.GetUserID(r.Context()), &req)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, types.APIResponse{Success: true, Data: project})
}
