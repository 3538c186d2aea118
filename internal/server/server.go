// Package server provides the HTTP and WebSocket surface of the orchestrator.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/workspace/genrunner/internal/auth"
	"github.com/workspace/genrunner/internal/config"
	"github.com/workspace/genrunner/internal/container"
	"github.com/workspace/genrunner/internal/metrics"
	"github.com/workspace/genrunner/internal/orchestrator"
	"github.com/workspace/genrunner/internal/relay"
)

// TokenValidator validates browser tokens.
type TokenValidator interface {
	Validate(token string) (*auth.Claims, error)
}

// JobTokenVerifier checks the token a container presents for its job.
type JobTokenVerifier interface {
	Verify(token, jobID string) error
}

// Deps are the components the server exposes.
type Deps struct {
	Orchestrator *orchestrator.Orchestrator
	Registry     *relay.Registry
	Containers   *container.Manager
	Validator    TokenValidator
	JobTokens    JobTokenVerifier
	Metrics      *metrics.Collector
	Gatherer     prometheus.Gatherer
}

// Server is the HTTP server for the orchestrator.
type Server struct {
	config     *config.Config
	httpServer *http.Server
	handler    http.Handler

	orch       *orchestrator.Orchestrator
	registry   *relay.Registry
	containers *container.Manager
	validator  TokenValidator
	jobTokens  JobTokenVerifier
	metrics    *metrics.Collector
	gatherer   prometheus.Gatherer

	// Browser sockets are tracked so Stop can close them; hijacked
	// connections are not closed by http.Server.Shutdown.
	connMu sync.Mutex
	conns  map[closer]struct{}
	done   chan struct{}
}

type closer interface {
	Close() error
}

// New creates a server.
func New(cfg *config.Config, deps Deps) (*Server, error) {
	if deps.Orchestrator == nil || deps.Registry == nil || deps.Containers == nil {
		return nil, fmt.Errorf("server: orchestrator, registry and containers are required")
	}
	if deps.Validator == nil || deps.JobTokens == nil {
		return nil, fmt.Errorf("server: token validator and job token verifier are required")
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.DefaultGatherer
	}

	s := &Server{
		config:     cfg,
		orch:       deps.Orchestrator,
		registry:   deps.Registry,
		containers: deps.Containers,
		validator:  deps.Validator,
		jobTokens:  deps.JobTokens,
		metrics:    deps.Metrics,
		gatherer:   deps.Gatherer,
		conns:      make(map[closer]struct{}),
		done:       make(chan struct{}),
	}

	mux := http.NewServeMux()
	s.setupRoutes(mux)
	s.handler = corsMiddleware(mux, cfg.AllowedOrigins)

	// WriteTimeout stays 0: it is applied to the net.Conn before the handler
	// runs and would kill hijacked WebSocket connections.
	s.httpServer = &http.Server{
		Addr:        cfg.Addr(),
		Handler:     s.handler,
		ReadTimeout: cfg.HTTPReadTimeout,
		IdleTimeout: cfg.HTTPIdleTimeout,
	}
	return s, nil
}

// Handler returns the root handler, CORS included.
func (s *Server) Handler() http.Handler {
	return s.handler
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	slog.Info("Starting generation orchestrator", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Stop closes every open socket and shuts the HTTP server down.
func (s *Server) Stop(ctx context.Context) error {
	select {
	case <-s.done:
	default:
		close(s.done)
	}

	s.connMu.Lock()
	for c := range s.conns {
		_ = c.Close()
	}
	s.conns = make(map[closer]struct{})
	s.connMu.Unlock()

	return s.httpServer.Shutdown(ctx)
}

func (s *Server) track(c closer) {
	s.connMu.Lock()
	s.conns[c] = struct{}{}
	s.connMu.Unlock()
}

func (s *Server) untrack(c closer) {
	s.connMu.Lock()
	delete(s.conns, c)
	s.connMu.Unlock()
}

func (s *Server) setupRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))

	// Generations (browser-authenticated)
	mux.HandleFunc("POST /generations", s.handleSubmitGeneration)
	mux.HandleFunc("GET /generations", s.handleListGenerations)
	mux.HandleFunc("GET /generations/concurrency", s.handleConcurrency)
	mux.HandleFunc("GET /generations/{id}", s.handleGetGeneration)
	mux.HandleFunc("POST /generations/{id}/cancel", s.handleCancelGeneration)
	mux.HandleFunc("GET /generations/{id}/container-logs", s.handleContainerLogs)

	// Sockets
	mux.HandleFunc("GET /ws/browser", s.handleBrowserWS)
	mux.HandleFunc("GET /ws/container/{jobId}", s.handleContainerWS)
}

// corsMiddleware adds CORS headers to responses.
func corsMiddleware(next http.Handler, allowedOrigins []string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		allowed := false

		for _, o := range allowedOrigins {
			if o == "*" || o == origin {
				allowed = true
				break
			}
			if strings.Contains(o, "*.") && matchWildcardOrigin(origin, o) {
				allowed = true
				break
			}
		}

		if allowed {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
