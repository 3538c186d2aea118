// Package logging configures structured logging for the orchestrator using
// log/slog.
package logging

import (
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"github.com/workspace/genrunner/internal/generation"
)

// Level is a package-level LevelVar that allows runtime log level changes.
var Level slog.LevelVar

// Redacted replaces the value of any attribute whose key looks secret.
const Redacted = "[redacted]"

var secretKeyParts = []string{"token", "password", "secret", "credential_value", "authorization"}

// Setup initialises the default slog logger from environment variables:
//
//   - LOG_LEVEL: debug, info, warn, error (default: info)
//   - LOG_FORMAT: json, text (default: json)
//
// It also bridges the standard library "log" package so that third-party
// libraries using log.Printf are captured in structured format.
func Setup() *slog.Logger {
	return SetupWithConfig(os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"), os.Stderr)
}

// SetupWithConfig configures slog with explicit parameters.
func SetupWithConfig(levelStr, formatStr string, w io.Writer) *slog.Logger {
	Level.Set(ParseLevel(levelStr))

	opts := &slog.HandlerOptions{Level: &Level, ReplaceAttr: redact}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(formatStr)) {
	case "text":
		handler = slog.NewTextHandler(w, opts)
	default:
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)

	log.SetOutput(newSlogWriter(logger))
	log.SetFlags(0)
	return logger
}

// ParseLevel converts a string to slog.Level. Defaults to INFO.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// ForGeneration scopes a logger to one generation.
func ForGeneration(logger *slog.Logger, g *generation.Generation) *slog.Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return logger.With(
		"generationId", g.ID,
		"jobId", g.JobID(),
		"userId", g.UserID,
	)
}

func redact(_ []string, a slog.Attr) slog.Attr {
	key := strings.ToLower(a.Key)
	for _, part := range secretKeyParts {
		if strings.Contains(key, part) {
			return slog.String(a.Key, Redacted)
		}
	}
	return a
}

// slogWriter adapts slog.Logger to io.Writer for the stdlib log bridge.
type slogWriter struct {
	logger *slog.Logger
}

func newSlogWriter(logger *slog.Logger) *slogWriter {
	return &slogWriter{logger: logger}
}

func (w *slogWriter) Write(p []byte) (n int, err error) {
	msg := strings.TrimRight(string(p), "\n")
	w.logger.Info(msg, "source", "stdlib")
	return len(p), nil
}
