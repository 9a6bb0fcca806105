package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/JakeFAU/listing-scraper/internal/job"
	"github.com/JakeFAU/listing-scraper/internal/progress"
)

const wsWriteWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(*http.Request) bool { return true },
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID, ok := parseJobID(w, r)
	if !ok {
		return nil, false
	}
	j, err := s.jobs.Job(jobID)
	if err != nil {
		writeError(w, statusFor(err), "job not found")
		return nil, false
	}
	return j, true
}

// streamLogs handles GET /api/scrape/{job_id}/logs as server-sent events:
// the job's history, then live entries, then one done event.
func (s *Server) streamLogs(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	err := j.Progress().Subscribe().Observe(r.Context(), func(msg progress.Message) error {
		data, err := json.Marshal(msg.Payload())
		if err != nil {
			return fmt.Errorf("encode event: %w", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		flusher.Flush()
		return nil
	})
	if err != nil {
		s.logger.Debug("log stream ended early", zap.String("job_id", j.ID()), zap.Error(err))
	}
}

// streamWebsocket handles GET /api/scrape/{job_id}/ws. Each message is one
// JSON text frame; the done frame is followed by a normal close.
func (s *Server) streamWebsocket(w http.ResponseWriter, r *http.Request) {
	j, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	// Hijacked connections do not cancel the request context, so a reader
	// watches for the client going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = j.Progress().Subscribe().Observe(ctx, func(msg progress.Message) error {
		if err := conn.SetWriteDeadline(time.Now().Add(wsWriteWait)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
		return conn.WriteJSON(msg.Payload())
	})
	if err != nil {
		s.logger.Debug("websocket stream ended early", zap.String("job_id", j.ID()), zap.Error(err))
		return
	}
	closeMsg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "stream complete")
	if err := conn.WriteControl(websocket.CloseMessage, closeMsg, time.Now().Add(wsWriteWait)); err != nil {
		s.logger.Debug("websocket close failed", zap.Error(err))
	}
}
