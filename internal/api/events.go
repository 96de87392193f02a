package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/seantiz/quarry/internal/model"
)

// handleStreamEvents streams a job's status transitions as server-sent
// events. The first event is the current record; the stream ends with a
// "done" event after the terminal status.
func (s *Server) handleStreamEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	// Subscribe before reading the record so a transition applied in between
	// is either in the record or on the channel.
	ch, unsub := s.exec.Broker().Subscribe(id)
	defer unsub()

	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	// Disable write timeout for long-lived SSE connections.
	rc := http.NewResponseController(w)
	if err := rc.SetWriteDeadline(time.Time{}); err != nil {
		s.logger.Debug("set write deadline for SSE", "error", err)
	}

	w.WriteHeader(http.StatusOK)
	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	if err := writeStatusEvent(w, j); err != nil {
		return
	}
	if j.Status.Terminal() {
		_ = writeSSEEvent(w, "done", string(j.Status))
		flush()
		return
	}
	flush()

	last := j.Status
	for {
		select {
		case next, ok := <-ch:
			if !ok {
				_ = writeSSEEvent(w, "done", string(last))
				flush()
				return
			}
			if next.Status == last {
				continue
			}
			last = next.Status
			if err := writeStatusEvent(w, next); err != nil {
				return // Write failed (e.g. client gone).
			}
			flush()
		case <-r.Context().Done():
			return // Client disconnected.
		}
	}
}

func writeStatusEvent(w http.ResponseWriter, j *model.Job) error {
	data, err := json.Marshal(j)
	if err != nil {
		return err
	}
	return writeSSEEvent(w, "status", string(data))
}

// writeSSEEvent writes a named SSE event (event: <type>\ndata: <data>\n\n).
func writeSSEEvent(w http.ResponseWriter, eventType, data string) error {
	if _, err := fmt.Fprintf(w, "event: %s\n", eventType); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	return nil
}
