package api

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/seantiz/quarry/internal/model"
	"github.com/seantiz/quarry/internal/resultstore"
)

// handleGetResult serves a completed job's output: the inline body for query
// jobs, the stored payload for export jobs.
func (s *Server) handleGetResult(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if j.Status != model.StatusComplete || j.Result == nil {
		s.writeError(w, http.StatusConflict, "job is "+string(j.Status)+", no result available")
		return
	}

	if j.Result.Ref == "" {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(j.Result.Body))
		return
	}

	if s.results == nil {
		s.writeError(w, http.StatusNotFound, "result storage is not configured")
		return
	}
	data, err := s.results.Retrieve(r.Context(), j.Result.Ref)
	if errors.Is(err, resultstore.ErrNotFound) {
		s.writeError(w, http.StatusGone, "result is no longer available")
		return
	}
	if err != nil {
		s.logger.Error("retrieve result", "job_id", j.ID, "ref", j.Result.Ref, "error", err)
		s.writeError(w, http.StatusInternalServerError, "failed to retrieve result")
		return
	}

	contentType, ext := "application/octet-stream", ""
	if s.formats != nil {
		if f, ok := s.formats.Lookup(j.ResultType); ok {
			contentType, ext = f.ContentType(), f.Extension()
		}
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Length", strconv.Itoa(len(data)))
	w.Header().Set("Content-Disposition", `attachment; filename="`+j.ID+ext+`"`)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		s.logger.Debug("write result", "job_id", j.ID, "error", err)
	}
}
