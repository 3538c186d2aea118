// Package relay tracks one session per generation job and moves messages
// between the container socket and browser subscribers.
package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrSessionExists         = errors.New("session already registered")
	ErrSessionNotFound       = errors.New("session not found")
	ErrContainerNotConnected = errors.New("container is not connected")
	ErrReadyTimeout          = errors.New("container did not connect before the readiness timeout")
	ErrCompletionTimeout     = errors.New("generation did not finish before the completion timeout")
	ErrSessionClosed         = errors.New("session closed")
)

// containerWriteTimeout bounds a single write to the container socket.
const containerWriteTimeout = 10 * time.Second

// Conn is the part of a websocket connection the relay writes to.
type Conn interface {
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// BufferedMessage holds a single message in a session backlog.
type BufferedMessage struct {
	Data      []byte
	SeqNum    uint64
	Timestamp time.Time
}

// Session bridges one container connection to one generation.
type Session struct {
	JobID        string
	GenerationID int64
	UserID       string

	backlogSize int

	mu      sync.Mutex
	conn    Conn
	backlog []BufferedMessage
	seq     uint64
	closed  bool

	// writeMu serializes writes to conn; gorilla connections allow one
	// concurrent writer.
	writeMu sync.Mutex

	ready     chan struct{}
	readyOnce sync.Once
	done      chan struct{}
	doneOnce  sync.Once
}

func newSession(jobID string, generationID int64, userID string, backlogSize int) *Session {
	return &Session{
		JobID:        jobID,
		GenerationID: generationID,
		UserID:       userID,
		backlogSize:  backlogSize,
		backlog:      make([]BufferedMessage, 0, 64),
		ready:        make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// AttachContainer installs conn as the container socket and fires the
// readiness signal. A reconnecting container replaces its previous socket.
func (s *Session) AttachContainer(conn Conn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.conn
	s.conn = conn
	s.mu.Unlock()

	if old != nil && old != conn {
		slog.Info("Relay: container reconnected, replacing socket", "jobId", s.JobID)
		old.Close()
	}
	s.readyOnce.Do(func() { close(s.ready) })
	return nil
}

// DetachContainer clears conn if it is still the active socket. It reports
// whether the session lost its container.
func (s *Session) DetachContainer(conn Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != conn {
		return false
	}
	s.conn = nil
	return true
}

// Connected reports whether a container socket is attached.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// SendToContainer writes one text message to the container socket.
func (s *Session) SendToContainer(data []byte) error {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return fmt.Errorf("%s: %w", s.JobID, ErrContainerNotConnected)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(containerWriteTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write to container %s: %w", s.JobID, err)
	}
	return nil
}

// WaitReady blocks until the container connects, the timeout elapses or ctx
// is cancelled.
func (s *Session) WaitReady(ctx context.Context, timeout time.Duration) error {
	return wait(ctx, s.ready, s.done, timeout, ErrReadyTimeout)
}

// MarkDone fires the completion signal. Safe to call more than once.
func (s *Session) MarkDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// Done is closed once the generation reached a terminal state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// WaitDone blocks until MarkDone is called, the timeout elapses or ctx is
// cancelled.
func (s *Session) WaitDone(ctx context.Context, timeout time.Duration) error {
	return wait(ctx, s.done, nil, timeout, ErrCompletionTimeout)
}

func wait(ctx context.Context, signal, abort <-chan struct{}, timeout time.Duration, timeoutErr error) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-signal:
		return nil
	case <-abort:
		return ErrSessionClosed
	case <-timer.C:
		return timeoutErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Backlog returns a copy of the buffered messages.
func (s *Session) Backlog() []BufferedMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]BufferedMessage, len(s.backlog))
	copy(out, s.backlog)
	return out
}

// appendMessage buffers data for late subscribers, evicting the oldest
// entries beyond the configured size. Caller holds s.mu.
func (s *Session) appendMessage(data []byte) {
	s.seq++
	s.backlog = append(s.backlog, BufferedMessage{
		Data:      data,
		SeqNum:    s.seq,
		Timestamp: time.Now(),
	})
	if len(s.backlog) > s.backlogSize {
		excess := len(s.backlog) - s.backlogSize
		s.backlog = s.backlog[excess:]
	}
}

// close detaches and closes the container socket. The completion signal is
// left alone so waiters observe the real outcome.
func (s *Session) close() {
	s.mu.Lock()
	s.closed = true
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}
