package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"time"

	"github.com/gorilla/websocket"

	"github.com/workspace/genrunner/internal/auth"
	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/orchestrator"
	"github.com/workspace/genrunner/internal/protocol"
	"github.com/workspace/genrunner/internal/relay"
)

const browserReadLimit = 256 << 10

// Error codes sent to a browser whose action was rejected.
const (
	errorCodeInvalidMessage = "invalid_message"
	errorCodeNotFound       = "generation_not_found"
	errorCodeFinished       = "generation_finished"
	errorCodeStaleResponse  = "stale_response"
	errorCodeRejected       = "action_rejected"
)

// handleBrowserWS serves the shared observer socket. One connection carries
// every generation the user owns; each frame names its generation in
// request_id. The backlog of every live generation is replayed first.
func (s *Server) handleBrowserWS(w http.ResponseWriter, r *http.Request) {
	// Authenticate before upgrading, but report the failure over the socket
	// so the client can tell an auth failure from a network failure.
	var (
		claims  *auth.Claims
		authErr error
	)
	token, authErr := auth.TokenFromRequest(r)
	if authErr == nil {
		claims, authErr = s.validator.Validate(token)
	}

	upgrader := s.createUpgrader()
	raw, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("Browser WS: upgrade failed", "error", err)
		return
	}
	conn := &wsConn{Conn: raw}
	s.track(raw)
	defer s.untrack(raw)
	defer raw.Close()

	if authErr != nil {
		slog.Info("Browser WS: authentication failed", "remote", r.RemoteAddr, "error", authErr)
		s.rejectBrowser(conn, "authentication failed")
		return
	}

	userID := claims.Subject
	log := slog.With("userId", userID)
	raw.SetReadLimit(browserReadLimit)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sub := s.registry.Subscribe(userID)
	defer func() {
		sub.Close()
		s.metrics.AddSubscriberDrops(sub.Dropped())
	}()
	log.Info("Browser WS: connected", "subscriptionId", sub.ID)

	// Relay pump
	go func() {
		defer cancel()
		if err := s.pumpToBrowser(ctx, sub, userID, conn.writeFrame); err != nil && ctx.Err() == nil {
			log.Debug("Browser WS: relay stopped", "error", err)
		}
	}()

	s.keepAlive(ctx, cancel, raw)
	if claims.ExpiresAt != nil {
		expiry := time.AfterFunc(time.Until(claims.ExpiresAt.Time), func() {
			log.Info("Browser WS: token expired")
			s.rejectBrowser(conn, "token expired")
			cancel()
		})
		defer expiry.Stop()
	}

	// Read pump: a read error means the browser went away or the server
	// closed the socket.
	frames := make(chan []byte)
	go func() {
		defer cancel()
		for {
			_, data, err := raw.ReadMessage()
			if err != nil {
				return
			}
			select {
			case frames <- data:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			log.Info("Browser WS: disconnected", "subscriptionId", sub.ID)
			return
		case <-s.done:
			conn.closeWith(websocket.CloseGoingAway, "server shutting down")
			return
		case data := <-frames:
			s.handleBrowserFrame(conn, userID, data)
		}
	}
}

// pumpToBrowser writes every message of sub until ctx ends or a write
// fails. A job that lost messages to a full queue gets its current
// generation_state once the queue has drained.
func (s *Server) pumpToBrowser(ctx context.Context, sub *relay.Subscription, userID string, write func([]byte) error) error {
	lost := make(map[string]struct{})
	for {
		data, err := sub.Next(ctx)
		if err != nil {
			return err
		}
		if err := write(data); err != nil {
			return err
		}
		for _, job := range sub.TakeLost() {
			lost[job] = struct{}{}
		}
		if len(lost) == 0 || sub.Pending() > 0 {
			continue
		}

		jobs := make([]string, 0, len(lost))
		for job := range lost {
			jobs = append(jobs, job)
		}
		sort.Strings(jobs)
		lost = make(map[string]struct{})
		for _, job := range jobs {
			if err := s.resyncJob(userID, job, write); err != nil {
				return err
			}
		}
	}
}

func (s *Server) resyncJob(userID, jobID string, write func([]byte) error) error {
	id, err := protocol.GenerationID(jobID)
	if err != nil {
		return nil
	}
	g, err := s.orch.Get(userID, id)
	if err != nil {
		slog.Debug("Browser WS: resync skipped", "userId", userID, "jobId", jobID, "error", err)
		return nil
	}
	slog.Info("Browser WS: resyncing generation after dropped messages", "userId", userID, "jobId", jobID, "state", g.State)
	return write(protocol.Marshal(g.StateMessage(g.State)))
}

func (s *Server) handleBrowserFrame(conn *wsConn, userID string, data []byte) {
	action, err := protocol.DecodeBrowserAction(data)
	if err != nil {
		var env protocol.Envelope
		_ = json.Unmarshal(data, &env)
		s.sendBrowserError(conn, env.RequestID, err.Error(), errorCodeInvalidMessage)
		return
	}

	if action.Type == protocol.TypePing {
		_ = conn.writeFrame(protocol.Marshal(protocol.Envelope{Type: protocol.TypePong, RequestID: action.RequestID}))
		return
	}

	if err := s.orch.HandleBrowserAction(userID, action); err != nil {
		slog.Debug("Browser WS: action rejected",
			"userId", userID,
			"requestId", action.RequestID,
			"type", action.Type,
			"error", err)
		s.sendBrowserError(conn, action.RequestID, err.Error(), actionErrorCode(err))
	}
}

func actionErrorCode(err error) string {
	switch {
	case errors.Is(err, orchestrator.ErrNotFound):
		return errorCodeNotFound
	case errors.Is(err, generation.ErrTerminal):
		return errorCodeFinished
	case errors.Is(err, generation.ErrInteractionMismatch), errors.Is(err, generation.ErrNoPendingInteraction):
		return errorCodeStaleResponse
	}
	return errorCodeRejected
}

// sendBrowserError reports a rejected action to this browser only. It is
// never fatal to the generation.
func (s *Server) sendBrowserError(conn *wsConn, requestID, message, code string) {
	frame := protocol.Error{
		Envelope:  protocol.Envelope{Type: protocol.TypeError, RequestID: requestID},
		Message:   message,
		ErrorCode: code,
	}
	_ = conn.writeFrame(protocol.Marshal(frame))
}

// rejectBrowser sends a connection-level auth failure, which carries no
// request_id, and closes the socket.
func (s *Server) rejectBrowser(conn *wsConn, message string) {
	frame := protocol.Error{
		Envelope:  protocol.Envelope{Type: protocol.TypeError},
		Message:   message,
		ErrorCode: protocol.ErrorCodeAuthFailed,
		Fatal:     true,
	}
	_ = conn.writeFrame(protocol.Marshal(frame))
	conn.closeWith(websocket.ClosePolicyViolation, message)
}
