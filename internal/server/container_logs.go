package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/workspace/genrunner/internal/container"
	"github.com/workspace/genrunner/internal/protocol"
)

type containerLogMessage struct {
	Type      string `json:"type"`
	RequestID string `json:"request_id"`
	Timestamp string `json:"timestamp,omitempty"`
	Line      string `json:"line"`
}

// handleContainerLogs streams the container engine's stdout/stderr for a
// running generation. It is independent of the relay and its backlog.
func (s *Server) handleContainerLogs(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathGenerationID(w, r)
	if !ok {
		return
	}

	jobID := protocol.JobID(id)
	h, ok := s.containers.Handle(jobID)
	if !ok || h.UserID != userID {
		writeError(w, http.StatusNotFound, "no running container for generation")
		return
	}

	upgrader := s.createUpgrader()
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Container logs WS: upgrade failed", "jobId", jobID, "error", err)
		return
	}
	conn := &wsConn{Conn: raw}
	s.track(raw)
	defer s.untrack(raw)
	defer raw.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.keepAlive(ctx, cancel, raw)

	// Read pump - detect client disconnect
	go func() {
		defer cancel()
		for {
			if _, _, err := raw.ReadMessage(); err != nil {
				return
			}
		}
	}()

	err = s.containers.StreamLogs(ctx, h, func(line container.LogLine) error {
		return conn.writeFrame(protocol.Marshal(containerLogMessage{
			Type:      "container_log",
			RequestID: jobID,
			Timestamp: line.Timestamp,
			Line:      line.Line,
		}))
	})
	if err != nil && ctx.Err() == nil {
		slog.Warn("Container logs WS: stream ended", "jobId", jobID, "error", err)
	}
	conn.closeWith(websocket.CloseNormalClosure, "log stream ended")
}
