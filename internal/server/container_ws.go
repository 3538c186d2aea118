package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/workspace/genrunner/internal/auth"
	"github.com/workspace/genrunner/internal/relay"
)

// Screenshots arrive base64-encoded in a single frame.
const containerReadLimit = 32 << 20

// handleContainerWS accepts the callback connection of a generation
// container. The container authenticates with the job token injected into
// its environment; the token is bound to one job id.
func (s *Server) handleContainerWS(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	log := slog.With("jobId", jobID)

	token, err := auth.TokenFromRequest(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "missing job token")
		return
	}
	if err := s.jobTokens.Verify(token, jobID); err != nil {
		log.Warn("Container WS: job token rejected", "error", err)
		writeError(w, http.StatusUnauthorized, "invalid job token")
		return
	}

	session, ok := s.registry.Get(jobID)
	if !ok {
		log.Warn("Container WS: no session for job")
		writeError(w, http.StatusNotFound, "no session for job")
		return
	}

	// Containers are not browsers; the job token is the only check.
	upgrader := websocket.Upgrader{
		ReadBufferSize:  s.config.WSReadBufferSize,
		WriteBufferSize: s.config.WSWriteBufferSize,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn("Container WS: upgrade failed", "error", err)
		return
	}
	s.track(conn)
	defer s.untrack(conn)
	defer conn.Close()
	conn.SetReadLimit(containerReadLimit)

	if err := session.AttachContainer(conn); err != nil {
		log.Warn("Container WS: attach refused", "error", err)
		reason := "session unavailable"
		if errors.Is(err, relay.ErrSessionClosed) {
			reason = "generation finished"
		}
		(&wsConn{Conn: conn}).closeWith(websocket.ClosePolicyViolation, reason)
		return
	}
	log.Info("Container WS: attached", "generationId", session.GenerationID)
	s.orch.ContainerConnection(jobID, true)

	defer func() {
		if session.DetachContainer(conn) {
			log.Info("Container WS: detached")
			s.orch.ContainerConnection(jobID, false)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.keepAlive(ctx, cancel, conn)

	// Teardown closes the socket through the session and Stop closes it
	// directly; either ends the read loop.
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("Container WS: read ended", "error", err)
			}
			return
		}
		s.orch.HandleContainerMessage(jobID, data)
	}
}
