package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/api/middleware"
	"github.com/launchforge/engine/internal/api/types"
	"github.com/launchforge/engine/internal/services"
)

type OperationsHandler struct {
	deployments services.DeploymentService
}

func NewOperationsHandler(deployments services.DeploymentService) *OperationsHandler {
	return &OperationsHandler{deployments: deployments}
}

// Trigger claims and enqueues one deployment operation. A run of the same
// type already in flight yields 409 without side effects.
func (h *OperationsHandler) Trigger(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	op, err := h.deployments.Trigger(r.Context(), projectID, middleware.GetUserID(r.Context()), chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, types.APIResponse{Success: true, Data: op})
}

func (h *OperationsHandler) Get(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	op, err := h.deployments.GetOperation(r.Context(), projectID, middleware.GetUserID(r.Context()), chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: op})
}

func (h *OperationsHandler) List(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	items, err := h.deployments.ListOperations(r.Context(), projectID, middleware.GetUserID(r.Context()))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, types.APIResponse{Success: true, Data: items})
}
