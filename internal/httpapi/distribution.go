package httpapi

import (
	"net/http"

	"github.com/ent0n29/taskrouter/internal/distribution"
)

func (s *Server) handleDistribute(w http.ResponseWriter, r *http.Request) {
	if s.distributor == nil {
		respondError(w, http.StatusNotImplemented, "unavailable", "distribution is not configured")
		return
	}
	var req distribution.Request
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_argument", err.Error())
		return
	}
	res, err := s.distributor.Distribute(r.Context(), req)
	if err != nil {
		s.respondAppError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
