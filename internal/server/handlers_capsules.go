package server

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"

	"github.com/google/uuid"

	"github.com/jonathan/capsule-forge/internal/pipeline"
	"github.com/jonathan/capsule-forge/internal/server/middleware"
	"github.com/jonathan/capsule-forge/internal/store"
	"github.com/jonathan/capsule-forge/internal/types"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
	maxBodyBytes    = 1 << 20
)

// CreateCapsuleResponse is returned when a capsule is accepted for generation
type CreateCapsuleResponse struct {
	Capsule  *types.Capsule       `json:"capsule"`
	Job      *types.GenerationJob `json:"job,omitempty"`
	Progress *types.Progress      `json:"progress,omitempty"`
}

// ListCapsulesResponse is a page of capsules
type ListCapsulesResponse struct {
	Capsules []types.Capsule `json:"capsules"`
	Limit    int             `json:"limit"`
	Offset   int             `json:"offset"`
}

// handleCreateCapsule stores a capsule and starts its generation
func (s *Server) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	var req types.CreateCapsuleRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	capsule, job, err := s.svc.CreateCapsule(r.Context(), userID, req)
	if err != nil {
		if capsule != nil {
			// The capsule exists; generation can be started again with /generate.
			s.log.Error("capsule created but generation did not start", "capsule_id", capsule.ID, "error", err)
		}
		s.writeError(w, r, err)
		return
	}

	resp := CreateCapsuleResponse{Capsule: capsule, Job: job}
	if job != nil {
		p := pipeline.ComputeProgress(job)
		resp.Progress = &p
	}
	s.jsonResponse(w, http.StatusAccepted, resp)
}

// handleListCapsules lists the caller's capsules plus public ones
func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		s.errorResponse(w, http.StatusUnauthorized, "Unauthorized")
		return
	}

	limit, err := queryInt(r, "limit", defaultPageSize)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	offset, err := queryInt(r, "offset", 0)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	limit = min(max(limit, 1), maxPageSize)
	offset = max(offset, 0)

	includePublic := r.URL.Query().Get("mine") != "true"
	capsules, err := s.store.ListCapsules(r.Context(), store.ListCapsulesFilter{
		UserID:        userID,
		IncludePublic: includePublic,
		Limit:         limit,
		Offset:        offset,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if capsules == nil {
		capsules = []types.Capsule{}
	}
	s.jsonResponse(w, http.StatusOK, ListCapsulesResponse{Capsules: capsules, Limit: limit, Offset: offset})
}

// handleGetCapsule returns one capsule
func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.viewableCapsule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.jsonResponse(w, http.StatusOK, capsule)
}

// handleUpdateVisibility makes a capsule public or private
func (s *Server) handleUpdateVisibility(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.ownedCapsule(r, "change the visibility of")
	if err != nil {
		s.writeError(w, r, err)
		return
	}

	var req types.UpdateVisibilityRequest
	if err := decodeJSON(r, &req); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.store.UpdateCapsuleVisibility(r.Context(), capsule.ID, req.Visibility); err != nil {
		s.writeError(w, r, err)
		return
	}
	capsule.Visibility = req.Visibility
	s.jsonResponse(w, http.StatusOK, capsule)
}

// handleDeleteCapsule deletes a capsule; an in-flight generation stops at its next stage boundary
func (s *Server) handleDeleteCapsule(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.ownedCapsule(r, "delete")
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.svc.DeleteCapsule(r.Context(), capsule.ID); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleListModules returns the committed modules with their lessons
func (s *Server) handleListModules(w http.ResponseWriter, r *http.Request) {
	capsule, err := s.viewableCapsule(r)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	modules, err := s.store.ListModules(r.Context(), capsule.ID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if modules == nil {
		modules = []types.ModuleWithLessons{}
	}
	s.jsonResponse(w, http.StatusOK, map[string]any{"capsule_id": capsule.ID, "modules": modules})
}

// viewableCapsule loads the capsule named by the path if the caller owns it or it is public.
// Capsules the caller may not see are reported as missing.
func (s *Server) viewableCapsule(r *http.Request) (*types.Capsule, error) {
	userID, err := middleware.GetUserID(r)
	if err != nil {
		return nil, &ErrForbidden{Action: "view"}
	}
	id, err := pathUUID(r, "id")
	if err != nil {
		return nil, err
	}
	capsule, err := s.store.GetCapsule(r.Context(), id)
	if err != nil {
		return nil, err
	}
	if capsule == nil {
		return nil, pipeline.ErrCapsuleNotFound
	}
	if capsule.UserID != userID && capsule.Visibility != types.VisibilityPublic {
		return nil, pipeline.ErrCapsuleNotFound
	}
	return capsule, nil
}

// ownedCapsule is viewableCapsule restricted to the owner
func (s *Server) ownedCapsule(r *http.Request, action string) (*types.Capsule, error) {
	capsule, err := s.viewableCapsule(r)
	if err != nil {
		return nil, err
	}
	userID, _ := middleware.GetUserID(r)
	if capsule.UserID != userID {
		return nil, &ErrForbidden{Action: action}
	}
	return capsule, nil
}

func pathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := r.PathValue(name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, invalidRequest("invalid %s %q", name, raw)
	}
	return id, nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, invalidRequest("invalid %s %q", name, raw)
	}
	return n, nil
}

// decodeJSON reads a size-limited JSON body. An empty body decodes to the zero value.
func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && err != io.EOF {
		return invalidRequest("invalid request body: %v", err)
	}
	return nil
}
