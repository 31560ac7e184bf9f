package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/roach88/covenant/internal/contract"
)

type jobResponse struct {
	JobID string         `json:"job_id"`
	State contract.State `json:"state"`
	Job   contract.Job   `json:"job"`
}

func newJobResponse(job contract.Job) jobResponse {
	return jobResponse{JobID: job.JobID, State: job.State, Job: job}
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	mode := "execute"
	if s.engine.Deferred() {
		mode = "build"
	}
	if err := s.engine.Ready(r.Context()); err != nil {
		s.logger.Warn("not ready", "request_id", RequestID(r.Context()), "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not_ready", "mode": mode})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "mode": mode})
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	doc, err := readDocument(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	job, err := s.engine.SubmitJob(r.Context(), doc)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, newJobResponse(job))
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.GetJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) runJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.engine.RunJob(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

type stopRequest struct {
	RunToken string `json:"run_token"`
}

func (s *Server) stopJob(w http.ResponseWriter, r *http.Request) {
	var req stopRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, "invalid stop request: "+err.Error(), nil)
		return
	}
	job, err := s.engine.StopJob(r.Context(), chi.URLParam(r, "job_id"), req.RunToken)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newJobResponse(job))
}

func (s *Server) listArtifacts(w http.ResponseWriter, r *http.Request) {
	arts, err := s.engine.ListArtifacts(r.Context(), chi.URLParam(r, "job_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": arts})
}

func (s *Server) submitArtifact(w http.ResponseWriter, r *http.Request) {
	doc, err := readDocument(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	art, err := s.engine.SubmitArtifact(r.Context(), doc)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"artifact": art})
}

func (s *Server) getArtifact(w http.ResponseWriter, r *http.Request) {
	art, err := s.engine.GetArtifact(r.Context(), chi.URLParam(r, "artifact_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifact": art})
}

func (s *Server) submitEvaluation(w http.ResponseWriter, r *http.Request) {
	doc, err := readDocument(w, r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, CodeBadRequest, err.Error(), nil)
		return
	}
	res, err := s.engine.SubmitEvaluation(r.Context(), doc)
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) getEvaluation(w http.ResponseWriter, r *http.Request) {
	ev, err := s.engine.GetEvaluation(r.Context(), chi.URLParam(r, "evaluation_id"))
	if err != nil {
		writeFault(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"evaluation": ev})
}

func (s *Server) reloadRegistry(w http.ResponseWriter, r *http.Request) {
	snap, err := s.registry.Reload(r.Context())
	if err != nil {
		// The previous snapshot stays in force.
		s.logger.Error("registry reload failed", "request_id", RequestID(r.Context()), "error", err)
		writeError(w, r, http.StatusInternalServerError, "INTERNAL_FAILURE", "registry reload failed: "+err.Error(), nil)
		return
	}
	orgs, agents, skills := snap.Counts()
	writeJSON(w, http.StatusOK, map[string]any{
		"registry_revision": snap.Revision,
		"source":            snap.Source,
		"organizations":     orgs,
		"agents":            agents,
		"skills":            skills,
	})
}
