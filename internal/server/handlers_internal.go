package server

import (
	"errors"
	"net/http"

	"github.com/jonathan/capsule-forge/internal/pipeline"
)

// InvokeResponse reports what one orchestrator invocation did
type InvokeResponse struct {
	JobID   string           `json:"job_id"`
	Outcome pipeline.Outcome `json:"outcome"`
	Error   string           `json:"error,omitempty"`
}

// handleInvoke runs one orchestrator step for a job. External schedulers call this;
// a deferred step has already been rescheduled, so it is reported as accepted.
func (s *Server) handleInvoke(w http.ResponseWriter, r *http.Request) {
	if s.invoker == nil {
		s.errorResponse(w, http.StatusNotImplemented, "invocation is not configured")
		return
	}
	jobID, err := pathUUID(r, "id")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	outcome, err := s.invoker.Invoke(r.Context(), jobID)
	resp := InvokeResponse{JobID: jobID.String(), Outcome: outcome}
	switch {
	case err == nil:
		s.jsonResponse(w, http.StatusOK, resp)
	case errors.Is(err, pipeline.ErrRetryLater):
		s.jsonResponse(w, http.StatusAccepted, resp)
	default:
		s.log.Error("invocation failed", "job_id", jobID, "outcome", outcome, "error", err)
		resp.Error = err.Error()
		s.jsonResponse(w, http.StatusInternalServerError, resp)
	}
}

// handleSweep fails jobs whose heartbeat is older than the stale threshold
func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	if s.sweeper == nil {
		s.errorResponse(w, http.StatusNotImplemented, "stale sweep is not configured")
		return
	}
	n, err := s.sweeper.MarkStaleJobsFailed(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]int{"failed_jobs": n})
}
