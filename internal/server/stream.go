package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/casecrawl/casecrawl/internal/model"
)

const (
	streamBuffer      = 256
	streamMaxDuration = 4 * time.Hour

	eventSnapshot = "snapshot"
	eventTimeout  = "timeout"
)

type snapshotEvent struct {
	BatchID string            `json:"batch_id"`
	Status  model.BatchStatus `json:"status"`
	Stats   model.BatchStats  `json:"stats"`
	At      time.Time         `json:"at"`
}

// streamEvents handles GET /api/batches/{batchID}/events as server-sent
// events. The first event is a snapshot of the batch; the stream then relays
// case_status_changed and batch_completed events and closes once the batch is
// completed. A slow client loses events rather than slowing the batch.
func (s *Server) streamEvents(w http.ResponseWriter, r *http.Request) {
	batchID := chi.URLParam(r, "batchID")
	if _, err := s.co.GetBatch(r.Context(), batchID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	// Subscribe before the snapshot so no transition falls between the two.
	events, cancel := s.events.Subscribe(batchID, streamBuffer)
	defer cancel()

	b, err := s.co.GetBatch(r.Context(), batchID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	send(w, flusher, eventSnapshot, snapshotEvent{BatchID: b.ID, Status: b.Status, Stats: b.Stats(), At: time.Now().UTC()})
	if b.Status == model.BatchStatusCompleted {
		return
	}

	deadline := time.NewTimer(streamMaxDuration)
	defer deadline.Stop()
	heartbeat := time.NewTicker(s.cfg.Heartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-deadline.C:
			send(w, flusher, eventTimeout, map[string]string{"batch_id": batchID})
			return
		case <-heartbeat.C:
			fmt.Fprint(w, ": ping\n\n") //nolint:errcheck
			flusher.Flush()
		case ev, ok := <-events:
			if !ok {
				return
			}
			send(w, flusher, string(ev.Type), ev)
			if ev.Type != model.EventBatchCompleted {
				continue
			}
			// A processed batch can still complete after human review.
			cur, err := s.co.GetBatch(r.Context(), batchID)
			if err != nil || cur.Status == model.BatchStatusCompleted {
				return
			}
		}
	}
}

func send(w http.ResponseWriter, flusher http.Flusher, name string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		zap.L().Warn("encode stream event", zap.Error(err))
		return
	}
	fmt.Fprintf(w, "event: %s\ndata: %s\n\n", name, data) //nolint:errcheck
	flusher.Flush()
}
