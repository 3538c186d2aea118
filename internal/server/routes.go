package server

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/workspace/genrunner/internal/auth"
	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/orchestrator"
	"github.com/workspace/genrunner/internal/relay"
)

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxSubmitBody    = 1 << 20
)

type submitRequest struct {
	AppID           string `json:"appId"`
	Prompt          string `json:"prompt"`
	Mode            string `json:"mode"`
	MaxIterations   int    `json:"maxIterations"`
	ResumeSessionID string `json:"resumeSessionId"`
}

// handleHealth handles the health check endpoint.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":            "healthy",
		"activeGenerations": s.orch.Active(),
		"sessions":          s.registry.Len(),
		"containers":        s.containers.Running(),
	})
}

// authenticate resolves the calling user or writes a 401.
func (s *Server) authenticate(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID, err := s.userFromRequest(r)
	if err != nil {
		slog.Debug("Server: request authentication failed", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func (s *Server) userFromRequest(r *http.Request) (string, error) {
	token, err := auth.TokenFromRequest(r)
	if err != nil {
		return "", err
	}
	claims, err := s.validator.Validate(token)
	if err != nil {
		return "", err
	}
	return claims.Subject, nil
}

func (s *Server) handleSubmitGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	var body submitRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxSubmitBody)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	gen, err := s.orch.Submit(r.Context(), orchestrator.SubmitRequest{
		UserID:          userID,
		AppID:           body.AppID,
		Prompt:          body.Prompt,
		Mode:            body.Mode,
		MaxIterations:   body.MaxIterations,
		ResumeSessionID: body.ResumeSessionID,
	})
	if err != nil {
		writeSubmitError(w, gen, err)
		return
	}
	writeJSON(w, http.StatusCreated, gen)
}

// writeSubmitError maps a submit failure to a status. Failures that happen
// after the generation record exists carry it in the response.
func writeSubmitError(w http.ResponseWriter, gen *generation.Generation, err error) {
	var rejected *orchestrator.RejectedError
	switch {
	case errors.As(err, &rejected):
		writeJSON(w, http.StatusTooManyRequests, map[string]interface{}{
			"error":         err.Error(),
			"activeCount":   rejected.ActiveCount,
			"maxConcurrent": rejected.MaxConcurrent,
		})
		return
	case errors.Is(err, orchestrator.ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
		return
	case errors.Is(err, orchestrator.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, lease.ErrPoolExhausted), errors.Is(err, orchestrator.ErrShuttingDown):
		status = http.StatusServiceUnavailable
	case errors.Is(err, relay.ErrReadyTimeout):
		status = http.StatusGatewayTimeout
	}
	if status == http.StatusInternalServerError {
		slog.Error("Server: generation submit failed", "error", err)
	}
	resp := map[string]interface{}{"error": err.Error()}
	if gen != nil {
		resp["generation"] = gen
	}
	writeJSON(w, status, resp)
}

func (s *Server) handleListGenerations(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}

	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	gens, err := s.orch.List(userID, limit)
	if err != nil {
		slog.Error("Server: list generations failed", "userId", userID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list generations")
		return
	}
	if gens == nil {
		gens = []*generation.Generation{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"generations": gens})
}

func (s *Server) handleConcurrency(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, s.orch.Concurrency(userID))
}

func (s *Server) handleGetGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathGenerationID(w, r)
	if !ok {
		return
	}

	gen, err := s.orch.Get(userID, id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrNotFound) {
			writeError(w, http.StatusNotFound, "generation not found")
			return
		}
		slog.Error("Server: get generation failed", "generationId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load generation")
		return
	}
	writeJSON(w, http.StatusOK, gen)
}

func (s *Server) handleCancelGeneration(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.authenticate(w, r)
	if !ok {
		return
	}
	id, ok := pathGenerationID(w, r)
	if !ok {
		return
	}

	gen, err := s.orch.Cancel(userID, id)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, gen)
	case errors.Is(err, orchestrator.ErrNotFound):
		writeError(w, http.StatusNotFound, "generation not found")
	case errors.Is(err, generation.ErrTerminal):
		writeJSON(w, http.StatusConflict, map[string]interface{}{
			"error":      "generation already finished",
			"generation": gen,
		})
	default:
		slog.Error("Server: cancel generation failed", "generationId", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to cancel generation")
	}
}

func pathGenerationID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		writeError(w, http.StatusBadRequest, "invalid generation id")
		return 0, false
	}
	return id, true
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}
