package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/orchestrator"
)

// APIError is a non-2xx response from the REST surface.
type APIError struct {
	Status  int
	Message string
	// ActiveCount and MaxConcurrent are set on admission rejections.
	ActiveCount   int
	MaxConcurrent int
	Generation    *generation.Generation
}

func (e *APIError) Error() string {
	if e.Status == http.StatusTooManyRequests && e.MaxConcurrent > 0 {
		return fmt.Sprintf("%s (%d/%d active)", e.Message, e.ActiveCount, e.MaxConcurrent)
	}
	return fmt.Sprintf("%s (HTTP %d)", e.Message, e.Status)
}

// StartRequest is the body of a submit call.
type StartRequest struct {
	AppID           string `json:"appId,omitempty"`
	Prompt          string `json:"prompt"`
	Mode            string `json:"mode,omitempty"`
	MaxIterations   int    `json:"maxIterations,omitempty"`
	ResumeSessionID string `json:"resumeSessionId,omitempty"`
}

// API calls the orchestrator's REST routes.
type API struct {
	base  string
	token string
	http  *http.Client
}

// NewAPI creates a REST client for serverURL.
func NewAPI(serverURL, token string) *API {
	return &API{
		base:  strings.TrimRight(serverURL, "/"),
		token: token,
		// Submit blocks until the container connects.
		http: &http.Client{Timeout: 2 * time.Minute},
	}
}

// Start submits a generation.
func (a *API) Start(ctx context.Context, req StartRequest) (*generation.Generation, error) {
	var g generation.Generation
	if err := a.do(ctx, http.MethodPost, "/generations", req, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Get loads one generation.
func (a *API) Get(ctx context.Context, id int64) (*generation.Generation, error) {
	var g generation.Generation
	if err := a.do(ctx, http.MethodGet, "/generations/"+strconv.FormatInt(id, 10), nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// List loads the caller's most recent generations.
func (a *API) List(ctx context.Context, limit int) ([]*generation.Generation, error) {
	var out struct {
		Generations []*generation.Generation `json:"generations"`
	}
	path := "/generations"
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	if err := a.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Generations, nil
}

// Cancel requests a stop.
func (a *API) Cancel(ctx context.Context, id int64) (*generation.Generation, error) {
	var g generation.Generation
	if err := a.do(ctx, http.MethodPost, "/generations/"+strconv.FormatInt(id, 10)+"/cancel", nil, &g); err != nil {
		return nil, err
	}
	return &g, nil
}

// Concurrency reports whether the caller may start another generation.
func (a *API) Concurrency(ctx context.Context) (*orchestrator.ConcurrencyInfo, error) {
	var info orchestrator.ConcurrencyInfo
	if err := a.do(ctx, http.MethodGet, "/generations/concurrency", nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

func (a *API) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.base+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := a.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{Status: resp.StatusCode, Message: http.StatusText(resp.StatusCode)}
		var payload struct {
			Error         string                 `json:"error"`
			ActiveCount   int                    `json:"activeCount"`
			MaxConcurrent int                    `json:"maxConcurrent"`
			Generation    *generation.Generation `json:"generation"`
		}
		if json.Unmarshal(data, &payload) == nil {
			if payload.Error != "" {
				apiErr.Message = payload.Error
			}
			apiErr.ActiveCount = payload.ActiveCount
			apiErr.MaxConcurrent = payload.MaxConcurrent
			apiErr.Generation = payload.Generation
		}
		return apiErr
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
