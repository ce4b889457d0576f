package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/launchforge/engine/internal/api/middleware"
	"github.com/launchforge/engine/internal/logstream"
	"github.com/launchforge/engine/internal/models"
	"github.com/launchforge/engine/internal/services"
)

// LogsHandler streams log entries over SSE. Events carry the entry's
// sequence number as the SSE id, so a reconnecting client resumes with
// Last-Event-ID and the replay-then-live subscription dedupes the overlap.
type LogsHandler struct {
	streamer    *logstream.Streamer
	sessions    services.SessionService
	deployments services.DeploymentService
}

func NewLogsHandler(streamer *logstream.Streamer, sessions services.SessionService, deployments services.DeploymentService) *LogsHandler {
	return &LogsHandler{streamer: streamer, sessions: sessions, deployments: deployments}
}

func (h *LogsHandler) StreamSession(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid session id")
		return
	}
	if _, err := h.sessions.Get(r.Context(), id, middleware.GetUserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	h.stream(w, r, logstream.SessionScope(id))
}

func (h *LogsHandler) StreamOperation(w http.ResponseWriter, r *http.Request) {
	projectID, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeErrorStr(w, http.StatusBadRequest, "invalid project id")
		return
	}
	operationType := chi.URLParam(r, "type")
	if !models.ValidOperationType(operationType) {
		writeErrorStr(w, http.StatusBadRequest, "unknown operation type")
		return
	}
	if _, err := h.deployments.GetProject(r.Context(), projectID, middleware.GetUserID(r.Context())); err != nil {
		writeError(w, err)
		return
	}
	h.stream(w, r, logstream.OperationScope(projectID, operationType))
}

func (h *LogsHandler) stream(w http.ResponseWriter, r *http.Request, scope string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeErrorStr(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	after := resumePoint(r)
	entries, err := h.streamer.Subscribe(r.Context(), scope, after)
	if err != nil {
		writeError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for e := range entries {
		payload, err := json.Marshal(e)
		if err != nil {
			continue
		}
		fmt.Fprintf(w, "id: %d\ndata: %s\n\n", e.Seq, payload)
		flusher.Flush()
	}
}

// resumePoint reads the client's last seen sequence number from the
// Last-Event-ID header or the `after` query parameter.
func resumePoint(r *http.Request) int64 {
	if v := r.Header.Get("Last-Event-ID"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	if v := r.URL.Query().Get("after"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			return n
		}
	}
	return 0
}
