package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/workspace/genrunner/internal/protocol"
)

const (
	writeTimeout = 10 * time.Second
	pingInterval = 30 * time.Second
)

// Conn is an observer connection to the shared browser socket. Every frame
// it reads is dispatched into its Mux.
type Conn struct {
	ws  *websocket.Conn
	mux *Mux

	writeMu sync.Mutex
}

// Dial opens the browser socket at serverURL (http or https base URL) and
// authenticates with token.
func Dial(ctx context.Context, serverURL, token string, mux *Mux) (*Conn, error) {
	wsURL, err := socketURL(serverURL, "/ws/browser")
	if err != nil {
		return nil, err
	}
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	ws, resp, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %w (status %d)", wsURL, err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial %s: %w", wsURL, err)
	}
	return &Conn{ws: ws, mux: mux}, nil
}

// socketURL converts an http(s) base URL into the ws(s) URL for path.
func socketURL(base, path string) (string, error) {
	u, err := url.Parse(strings.TrimRight(base, "/"))
	if err != nil {
		return "", fmt.Errorf("parse server url: %w", err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported server url scheme %q", u.Scheme)
	}
	u.Path += path
	return u.String(), nil
}

// Run reads frames into the Mux until ctx is done or the connection drops.
// A drop is recorded as the Mux's global error.
func (c *Conn) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		ticker := time.NewTicker(pingInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				_ = c.ws.Close()
				return
			case <-ticker.C:
				if err := c.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
					return
				}
			}
		}
	}()

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if c.mux.GlobalError() == nil {
				c.mux.SetGlobalError(fmt.Errorf("connection lost: %w", err))
			}
			return err
		}
		// Undecodable frames are skipped; the next frame may still be valid.
		_ = c.mux.Dispatch(data)
	}
}

// Close closes the socket.
func (c *Conn) Close() error {
	return c.ws.Close()
}

func (c *Conn) send(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.ws.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, protocol.Marshal(v))
}

// RespondDecision answers the decision prompt id of jobID.
func (c *Conn) RespondDecision(jobID, id, response string) error {
	return c.send(protocol.DecisionResponse{
		Envelope: protocol.Envelope{Type: protocol.TypeDecisionResponse, RequestID: jobID},
		ID:       id,
		Response: response,
	})
}

// RespondCredentials answers the credential request id of jobID. values
// may be partial or empty.
func (c *Conn) RespondCredentials(jobID, id string, values map[string]string, cancelled bool) error {
	if values == nil {
		values = map[string]string{}
	}
	return c.send(protocol.CredentialResponse{
		Envelope:  protocol.Envelope{Type: protocol.TypeCredentialResponse, RequestID: jobID},
		ID:        id,
		Values:    values,
		Cancelled: cancelled,
	})
}

// Cancel asks the server to stop jobID.
func (c *Conn) Cancel(jobID string) error {
	return c.send(protocol.Cancel{Envelope: protocol.Envelope{Type: protocol.TypeCancel, RequestID: jobID}})
}

// Ping sends an application-level ping. The server answers with a pong
// carrying the same request_id.
func (c *Conn) Ping() (string, error) {
	id := uuid.NewString()
	return id, c.send(protocol.Envelope{Type: protocol.TypePing, RequestID: id})
}

// IsAuthError reports whether err is a connection-level auth failure.
func IsAuthError(err error) bool {
	return errors.Is(err, ErrConnectionAuth)
}
