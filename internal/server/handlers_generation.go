package server

import (
	"errors"
	"net/http"
	"time"

	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/types"
)

// keepAliveEvery is how many quiet polls pass before a keep-alive comment
const keepAliveEvery = 10

// GenerationResponse describes the job a trigger produced
type GenerationResponse struct {
	Job      *types.GenerationJob `json:"job"`
	Progress types.Progress       `json:"progress"`
}

// handleStartGeneration starts generation, or returns the job already running
func (s *Server) handleStartGeneration(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.ownedCapsule(r, "generate")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.StartGeneration(r.Context(), capsule.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	status := http.StatusAccepted
	if job.State == types.JobCompleted {
		status = http.StatusOK
	}
	s.jsonResponse(w, status, GenerationResponse{Job: job, Progress: pipeline.ComputeProgress(job)})
}

// handleRetryGeneration resumes a failed generation from its last committed module
func (s *Server) handleRetryGeneration(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.ownedCapsule(r, "retry")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.svc.RetryGeneration(r.Context(), capsule.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusAccepted, GenerationResponse{Job: job, Progress: pipeline.ComputeProgress(job)})
}

// handleProgress returns the progress of the capsule's latest job
func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.viewableCapsule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	progress, err := s.svc.Progress(r.Context(), capsule.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, progress)
}

// handleProgressStream polls the store and pushes progress over SSE until the job is terminal
func (s *Server) handleProgressStream(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.viewableCapsule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	sse, err := NewSSEWriter(w)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx := r.Context()
	ticker := time.NewTicker(s.cfg.StreamPollInterval)
	defer ticker.Stop()

	var last *types.Progress
	quiet := 0
	for {
		progress, err := s.svc.Progress(ctx, capsule.ID)
		switch {
		case errors.Is(err, pipeline.ErrCapsuleNotFound):
			sse.WriteError("capsule was deleted")
			return
		case errors.Is(err, pipeline.ErrJobNotFound):
			// not started yet
		case err != nil:
			if ctx.Err() != nil {
				return
			}
			s.log.Error("progress stream failed", "capsule_id", capsule.ID, "error", err)
			sse.WriteError("progress is temporarily unavailable")
			return
		case changed(last, progress):
			if err := sse.WriteEvent("progress", progress); err != nil {
				return
			}
			last, quiet = progress, 0
			if progress.State.IsTerminal() {
				_ = sse.WriteEvent("complete", map[string]any{
					"capsule_id": capsule.ID,
					"state":      progress.State,
				})
				return
			}
		default:
			quiet++
			if quiet%keepAliveEvery == 0 {
				if err := sse.WriteKeepAlive(); err != nil {
					return
				}
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func changed(last, next *types.Progress) bool {
	if last == nil {
		return true
	}
	return last.JobID != next.JobID ||
		last.State != next.State ||
		last.Percent != next.Percent ||
		!last.UpdatedAt.Equal(next.UpdatedAt)
}

// handleJobEvents returns the audit trail of the capsule's latest job
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.viewableCapsule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	job, err := s.store.GetLatestJob(r.Context(), capsule.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if job == nil {
		s.writeError(w, r, pipeline.ErrJobNotFound)
		return
	}
	events, err := s.store.ListJobEvents(r.Context(), job.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if events == nil {
		events = []types.JobEvent{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"job_id": job.ID, "events": events})
}

// handleRegenerateLesson rewrites one lesson of a capsule the caller owns
func (s *Server) handleRegenerateLesson(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.ownedCapsule(r, "edit")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	lessonID, err := pathUUID(r, "lessonID")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.RegenerateLessonRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	lesson, err := s.svc.RegenerateLesson(r.Context(), capsule.ID, lessonID, req.Instructions)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, lesson)
}
