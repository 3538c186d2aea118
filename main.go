// genrunner - generation orchestrator and real-time relay
package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/workspace/genrunner/internal/admission"
	"github.com/workspace/genrunner/internal/auth"
	"github.com/workspace/genrunner/internal/config"
	"github.com/workspace/genrunner/internal/container"
	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/logging"
	"github.com/workspace/genrunner/internal/metrics"
	"github.com/workspace/genrunner/internal/orchestrator"
	"github.com/workspace/genrunner/internal/persistence"
	"github.com/workspace/genrunner/internal/relay"
	"github.com/workspace/genrunner/internal/retry"
	"github.com/workspace/genrunner/internal/server"
)

// serverStopTimeout bounds closing sockets and draining HTTP requests after
// every generation has been stopped.
const serverStopTimeout = 10 * time.Second

func main() {
	logging.Setup()
	slog.Info("Starting generation orchestrator...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	leases, err := lease.New(lease.Config{
		Mode:        cfg.CredentialMode,
		PoolFile:    cfg.CredentialPoolFile,
		AccessToken: cfg.BackingStoreAccessToken,
	})
	if err != nil {
		log.Fatalf("Failed to initialize credential leases: %v", err)
	}
	info := leases.Info()
	slog.Info("Credential source ready", "mode", info.Mode, "total", info.Total, "bounded", info.Bounded)

	store, err := persistence.Open(cfg.PersistenceDBPath)
	if err != nil {
		log.Fatalf("Failed to open persistence store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			slog.Warn("Failed to close persistence store", "error", err)
		}
	}()

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(reg)

	validator, err := newValidator(cfg)
	if err != nil {
		log.Fatalf("Failed to initialize token validation: %v", err)
	}
	defer validator.Close()

	jobTokens, err := auth.NewJobTokens(cfg.JobTokenSecret, cfg.JobTokenTTL)
	if err != nil {
		log.Fatalf("Failed to initialize job tokens: %v", err)
	}

	registry := relay.NewRegistry(relay.Config{
		BacklogSize:         cfg.SessionBacklogSize,
		SubscriberQueueSize: cfg.SubscriberQueueSize,
	})
	defer registry.Close()

	retryPolicy := retry.DefaultPolicy()
	retryPolicy.OnRetry = func(op string, attempt int, err error) {
		collector.RecordRetry(op)
	}
	containers := container.NewManager(container.Config{
		Image:           cfg.ContainerImage,
		Network:         cfg.ContainerNetwork,
		AppDir:          cfg.ContainerAppDir,
		LabelKey:        cfg.ContainerLabelKey,
		ArtifactDir:     cfg.ArtifactDir,
		CallbackBaseURL: cfg.CallbackBaseURL,
		StopGrace:       cfg.ContainerStopGrace,
		Retry:           retryPolicy,
	}, container.NewDocker(), registry, leases, jobTokens)

	admit := admission.New(cfg.MaxConcurrentGenerations, info.Total, info.Bounded)
	orch := orchestrator.New(orchestrator.Config{
		ReadyTimeout:         cfg.ReadyTimeout,
		CompletionTimeout:    cfg.CompletionTimeout,
		ShutdownTimeout:      cfg.ShutdownTimeout,
		ReconnectGrace:       cfg.ReconnectGrace,
		DefaultMaxIterations: cfg.DefaultMaxIterations,
		LedgerAuditInterval:  cfg.LedgerAuditInterval,
	}, orchestrator.Deps{
		Store:      store,
		Registry:   registry,
		Containers: containers,
		Admission:  admit,
		Limiter:    admission.NewStartLimiter(cfg.StartRatePerMinute),
		Leases:     leases,
		Machine:    generation.NewMachine(cfg.CredentialDeadline),
		Metrics:    collector,
	})

	recoverCtx, recoverCancel := context.WithTimeout(context.Background(), time.Minute)
	if err := orch.Recover(recoverCtx); err != nil {
		slog.Warn("Startup recovery incomplete", "error", err)
	}
	recoverCancel()

	srv, err := server.New(cfg, server.Deps{
		Orchestrator: orch,
		Registry:     registry,
		Containers:   containers,
		Validator:    validator,
		JobTokens:    jobTokens,
		Metrics:      collector,
		Gatherer:     reg,
	})
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	auditCtx, auditCancel := context.WithCancel(context.Background())
	defer auditCancel()
	go orch.Run(auditCtx)

	// Handle shutdown signals
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.Start(); err != nil {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		log.Fatalf("Server error: %v", err)
	case sig := <-sigCh:
		slog.Info("Received signal, shutting down", "signal", sig.String())
	}

	// Generations are stopped first so their containers can still reach the
	// callback socket during the shutdown sequence.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout+serverStopTimeout)
	orch.Shutdown(drainCtx)
	drainCancel()
	auditCancel()

	ctx, cancel := context.WithTimeout(context.Background(), serverStopTimeout)
	defer cancel()
	if err := srv.Stop(ctx); err != nil {
		slog.Warn("Error during shutdown", "error", err)
	}

	slog.Info("Generation orchestrator stopped")
}

func newValidator(cfg *config.Config) (*auth.Validator, error) {
	if cfg.JWKSEndpoint != "" {
		return auth.NewJWKSValidator(context.Background(), cfg.JWKSEndpoint, cfg.JWTAudience, cfg.JWTIssuer)
	}
	return auth.NewSharedSecretValidator(cfg.AuthSharedSecret, cfg.JWTAudience, cfg.JWTIssuer)
}
