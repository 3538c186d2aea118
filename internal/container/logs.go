package container

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"
)

// LogLine is one line of engine-level container output.
type LogLine struct {
	Timestamp string `json:"timestamp,omitempty"`
	Line      string `json:"line"`
}

// SendFunc is called for each log line. Returning an error stops streaming.
type SendFunc func(LogLine) error

// followRestartDelay is how long StreamLogs waits before re-attaching after
// the docker logs process exits.
var followRestartDelay = 2 * time.Second

// StreamLogs follows the container's stdout and stderr until ctx is done,
// send fails or the container is torn down. This stream is independent of
// the relay protocol.
func (m *Manager) StreamLogs(ctx context.Context, h *Handle, send SendFunc) error {
	for {
		stopped, err := m.followOnce(ctx, h, send)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if stopped {
			return err
		}
		if _, live := m.Handle(h.JobID); !live {
			return nil
		}
		if err != nil {
			slog.Warn("Container: docker logs exited, restarting", "jobId", h.JobID, "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-h.Session.Done():
			return nil
		case <-time.After(followRestartDelay):
		}
	}
}

// followOnce runs one docker logs --follow process. stopped reports that
// send rejected a line and streaming must end.
func (m *Manager) followOnce(ctx context.Context, h *Handle, send SendFunc) (stopped bool, err error) {
	rc, err := m.runtime.Logs(ctx, h.ContainerID, true)
	if err != nil {
		return false, err
	}
	defer rc.Close()

	scanner := bufio.NewScanner(rc)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		text := scanner.Text()
		if strings.TrimSpace(text) == "" {
			continue
		}
		if err := send(ParseLogLine(text)); err != nil {
			return true, fmt.Errorf("send log line: %w", err)
		}
	}
	return false, scanner.Err()
}

// ParseLogLine splits the RFC 3339 timestamp docker prefixes with
// --timestamps.
func ParseLogLine(text string) LogLine {
	ts, rest, ok := strings.Cut(text, " ")
	if ok {
		if _, err := time.Parse(time.RFC3339Nano, ts); err == nil {
			return LogLine{Timestamp: ts, Line: rest}
		}
	}
	return LogLine{Line: text}
}
