package httpapi

import (
	"net/http"

	"github.com/ent0n29/taskrouter/internal/policy"
	"github.com/ent0n29/taskrouter/internal/session"
)

type connectionModeRequest struct {
	Mode string `json:"mode"`
}

func (s *Server) handleGetConnectionMode(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Gate().CheckRole(r.Context(), policy.RoleAdmin, policy.RoleMonitor); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"mode": s.tasks.Coordinator().Mode()})
}

// handleSetConnectionMode switches between PARTICIPATE and AUTOCOMMIT.
// EXPLICIT needs a caller-owned connection and cannot be entered over HTTP.
func (s *Server) handleSetConnectionMode(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Gate().CheckRole(r.Context(), policy.RoleAdmin); err != nil {
		s.respondAppError(w, r, err)
		return
	}
	var req connectionModeRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	mode, err := session.ParseMode(req.Mode)
	if err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	if mode == session.ModeExplicit {
		respondError(w, http.StatusBadRequest, "invalid_argument", "EXPLICIT mode requires an in-process connection")
		return
	}
	coord := s.tasks.Coordinator()
	coord.SetMode(mode)
	respondJSON(w, http.StatusOK, map[string]any{"mode": coord.Mode()})
}
