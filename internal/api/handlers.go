package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/mbeckett/warden/internal/ledger"
	"github.com/mbeckett/warden/internal/task"
	"github.com/mbeckett/warden/internal/workspace"
)

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, healthResponse{
		Status: "ok",
		Uptime: int64(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) handleGetDevice(w http.ResponseWriter, r *http.Request) {
	d, err := s.ledger.GetDevice(r.Context(), s.config.DeviceID)
	if err != nil {
		if errors.Is(err, ledger.ErrDeviceNotFound) {
			s.writeError(w, http.StatusNotFound, "device not registered")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toDeviceResponse(d))
}

func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	var (
		list []*workspace.Workspace
		err  error
	)
	if status := r.URL.Query().Get("status"); status != "" {
		list, err = s.workspaces.ListByStatus(r.Context(), workspace.Status(status))
	} else {
		list, err = s.workspaces.List(r.Context())
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]workspaceResponse, 0, len(list))
	for _, ws := range list {
		out = append(out, toWorkspaceResponse(ws))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")

	ws, err := s.workspaces.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, workspace.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "workspace not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	attempts, err := s.attempts.ListByTask(r.Context(), ws.TaskID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	evs, err := s.workspaces.Events(r.Context(), ws.ID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	detail := workspaceDetailResponse{
		Workspace: toWorkspaceResponse(ws),
		Attempts:  make([]attemptResponse, 0, len(attempts)),
		Events:    make([]workspaceEventResponse, 0, len(evs)),
	}
	for _, a := range attempts {
		if a.WorkspaceID != ws.ID {
			continue
		}
		detail.Attempts = append(detail.Attempts, toAttemptResponse(a))
	}
	for _, ev := range evs {
		detail.Events = append(detail.Events, workspaceEventResponse{
			ID:        ev.ID,
			Category:  ev.Category,
			Level:     ev.Level,
			Message:   ev.Message,
			Details:   ev.Details,
			CreatedAt: ev.CreatedAt,
		})
	}
	s.writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handlePauseWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	if err := s.controller.PauseWorkspace(r.Context(), id); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actionResponse{Status: "paused"})
}

func (s *Server) handleResumeWorkspace(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "workspaceID")
	if err := s.controller.ResumeWorkspace(r.Context(), id); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actionResponse{Status: "running"})
}

func (s *Server) handleGetAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attemptID")
	a, err := s.attempts.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, task.ErrNotFound) {
			s.writeError(w, http.StatusNotFound, "attempt not found")
			return
		}
		s.writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, toAttemptResponse(a))
}

func (s *Server) handleCancelAttempt(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "attemptID")
	if err := s.controller.CancelAttempt(r.Context(), id, requestedBy(r)); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actionResponse{Status: "cancelled"})
}

func (s *Server) handleApproveTask(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "taskID")
	if err := s.controller.ApproveTask(r.Context(), id, requestedBy(r)); err != nil {
		s.writeActionError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, actionResponse{Status: "approved"})
}

// requestedBy reads the optional JSON body and defaults to "operator".
func requestedBy(r *http.Request) string {
	var req actionRequest
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}
	if req.RequestedBy == "" {
		return "operator"
	}
	return req.RequestedBy
}

func (s *Server) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, workspace.ErrNotFound), errors.Is(err, task.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, workspace.ErrInvalidTransition),
		errors.Is(err, task.ErrInvalidTransition),
		errors.Is(err, task.ErrAlreadyTerminal):
		s.writeError(w, http.StatusConflict, err.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}
