package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/seantiz/quarry/internal/lifecycle"
	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/store"
)

const (
	defaultListLimit = 20
	maxListLimit     = 100
	maxBodySize      = 1 << 20 // 1 MB

	principalHeader  = "X-Principal"
	defaultPrincipal = "anonymous"

	// cancelWait bounds how long DELETE waits for the cancelled status write.
	cancelWait = 5 * time.Second
)

// createJobRequest is the JSON body for POST /v1/jobs/{query,export}.
type createJobRequest struct {
	Query       string `json:"query"`
	ResultType  string `json:"result_type"`
	AsyncAfterS int    `json:"async_after_s"`
	RequestID   string `json:"request_id"`
}

// listJobsResponse wraps the paginated list response.
type listJobsResponse struct {
	Jobs   []*model.Job `json:"jobs"`
	Total  int          `json:"total"`
	Limit  int          `json:"limit"`
	Offset int          `json:"offset"`
}

func (s *Server) handleCreateJob(kind model.Kind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req createJobRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}

		if _, ok := s.exec.Capability(kind); !ok {
			s.writeError(w, http.StatusBadRequest, fmt.Sprintf("%s jobs are not supported", kind))
			return
		}

		principal := principalOf(r)
		if req.RequestID != "" {
			if existing, ok := s.existingRequest(r.Context(), principal, req.RequestID); ok {
				s.writeJSON(w, http.StatusOK, existing)
				return
			}
		} else {
			req.RequestID = uuid.NewString()
		}

		job := model.NewJob(kind, req.Query, principal)
		job.ResultType = model.ResultType(req.ResultType)
		job.AsyncAfterS = req.AsyncAfterS
		job.RequestID = req.RequestID

		if err := s.creator.Create(r.Context(), job, principal); err != nil {
			var ve *lifecycle.ValidationError
			if errors.As(err, &ve) {
				s.writeError(w, http.StatusBadRequest, ve.Error())
				return
			}
			// A concurrent create with the same request id wins the unique index.
			if existing, ok := s.existingRequest(r.Context(), principal, req.RequestID); ok {
				s.writeJSON(w, http.StatusOK, existing)
				return
			}
			s.logger.Error("create job", "kind", kind, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to create job")
			return
		}

		w.Header().Set("Location", "/v1/jobs/"+job.ID)
		status := http.StatusAccepted
		if job.Status.Terminal() {
			status = http.StatusOK
		}
		s.writeJSON(w, status, job)
	}
}

func (s *Server) existingRequest(ctx context.Context, principal, requestID string) (*model.Job, bool) {
	j, err := s.store.GetJobByRequestID(ctx, principal, requestID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.logger.Error("lookup request id", "request_id", requestID, "error", err)
		}
		return nil, false
	}
	return j, true
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	limit := parseIntQuery(r, "limit", defaultListLimit)
	offset := parseIntQuery(r, "offset", 0)

	if limit <= 0 || limit > maxListLimit {
		limit = defaultListLimit
	}
	if offset < 0 {
		offset = 0
	}

	jobs, total, err := s.store.ListJobs(r.Context(), limit, offset)
	if err != nil {
		s.logger.Error("list jobs", "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	if jobs == nil {
		jobs = []*model.Job{}
	}

	s.writeJSON(w, http.StatusOK, listJobsResponse{
		Jobs:   jobs,
		Total:  total,
		Limit:  limit,
		Offset: offset,
	})
}

// handleCancelJob cancels a queued or running job and returns the record
// once the cancellation is recorded.
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if !s.exec.Cancel(id) {
		j, ok := s.lookupJob(w, r)
		if !ok {
			return
		}
		if j.Status.Terminal() {
			s.writeError(w, http.StatusConflict, fmt.Sprintf("job is already %s", j.Status))
			return
		}
		s.writeError(w, http.StatusConflict, "job is not running on this server")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), cancelWait)
	defer cancel()
	j, err := s.exec.Wait(ctx, id)
	if err != nil {
		// Still settling: report what the store holds now.
		j, err = s.store.GetJob(r.Context(), id)
		if err != nil {
			s.logger.Error("get cancelled job", "job_id", id, "error", err)
			s.writeError(w, http.StatusInternalServerError, "failed to retrieve job")
			return
		}
		s.writeJSON(w, http.StatusAccepted, j)
		return
	}
	s.writeJSON(w, http.StatusOK, j)
}

// lookupJob loads the job named by the {id} URL parameter, writing the error
// response itself when it cannot.
func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*model.Job, bool) {
	id := chi.URLParam(r, "id")

	j, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return nil, false
	}
	if err != nil {
		s.logger.Error("get job", "job_id", id, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to get job")
		return nil, false
	}
	return j, true
}

// principalOf returns the caller identity the host passed in X-Principal.
func principalOf(r *http.Request) string {
	if p := r.Header.Get(principalHeader); p != "" {
		return p
	}
	return defaultPrincipal
}

// writeJSON writes a JSON response with the given status code.
func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("encode response", "error", err)
	}
}

// writeError writes a JSON error response.
func (s *Server) writeError(w http.ResponseWriter, status int, message string) {
	s.writeJSON(w, status, map[string]string{"error": message})
}

// parseIntQuery parses an integer query parameter with a default value.
func parseIntQuery(r *http.Request, key string, defaultVal int) int {
	s := r.URL.Query().Get(key)
	if s == "" {
		return defaultVal
	}
	v, err := strconv.Atoi(s)
	if err != nil {
		return defaultVal
	}
	return v
}
