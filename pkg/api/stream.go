package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/qadash/qadash/pkg/logstream"
)

// Server-sent event names.
const (
	eventSnapshot  = "snapshot"
	eventLog       = "log"
	eventKeepAlive = "keepalive"
)

type snapshotEvent struct {
	Logs string `json:"logs"`
}

type chunkEvent struct {
	Chunk string `json:"chunk"`
}

// handleRunLogStream streams a run's log as server-sent events: the full
// log first, then one event per chunk, plus keep-alives. The stream ends when
// the client goes away or the server stops. It also ends when the viewer is
// evicted for falling behind; the client reconnects for a fresh snapshot.
func (s *server) handleRunLogStream(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := s.svc.Registry.Get(id); err != nil {
		writeJSON(w, http.StatusNotFound, errorResponse{"Run not found"})

		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"streaming unsupported"})

		return
	}

	viewer, err := s.svc.Sink.Subscribe(id)
	if err != nil {
		s.log.WithError(err).WithField("run_id", id).Error("Failed to subscribe to run log")
		writeJSON(w, http.StatusInternalServerError,
			errorResponse{"Failed to read logs"})

		return
	}
	defer s.svc.Sink.Unsubscribe(viewer)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-s.done:
			return
		case msg, open := <-viewer.Messages():
			if !open {
				return
			}

			if err := writeEvent(w, msg); err != nil {
				s.log.WithError(err).WithField("run_id", id).Debug("Live viewer write failed")

				return
			}

			flusher.Flush()
		}
	}
}

// writeEvent writes one message in text/event-stream framing.
func writeEvent(w http.ResponseWriter, msg logstream.Message) error {
	var (
		name    string
		payload any
	)

	switch msg.Kind {
	case logstream.KindSnapshot:
		name, payload = eventSnapshot, snapshotEvent{Logs: msg.Data}
	case logstream.KindChunk:
		name, payload = eventLog, chunkEvent{Chunk: msg.Data}
	default:
		name, payload = eventKeepAlive, struct{}{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data)

	return err
}
