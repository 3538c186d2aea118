package container

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/protocol"
	"github.com/workspace/genrunner/internal/relay"
	"github.com/workspace/genrunner/internal/retry"
)

// Labels set on every generation container besides Config.LabelKey.
const (
	LabelGeneration = "genrunner.generation"
	LabelUser       = "genrunner.user"
)

// ErrNotManaged is returned for jobs this manager has no container for.
var ErrNotManaged = errors.New("no container for job")

// TokenIssuer mints the credential a container presents when it dials back.
type TokenIssuer interface {
	Issue(jobID string) (string, error)
}

// Config holds container lifecycle settings.
type Config struct {
	Image           string
	Network         string
	AppDir          string
	LabelKey        string
	ArtifactDir     string
	CallbackBaseURL string
	StopGrace       time.Duration
	Retry           retry.Policy
}

// Request is everything needed to start a generation's container.
type Request struct {
	GenerationID    int64
	UserID          string
	AppID           string
	Prompt          string
	Mode            generation.Mode
	MaxIterations   int
	ResumeSessionID string
}

// Handle identifies a created container and its session.
type Handle struct {
	ContainerID  string
	Name         string
	JobID        string
	GenerationID int64
	UserID       string
	Session      *relay.Session
	Lease        lease.Credentials

	teardown sync.Once
}

// Manager owns the container, session and credential lease of every
// running generation.
type Manager struct {
	cfg      Config
	runtime  Runtime
	registry *relay.Registry
	leases   lease.Source
	tokens   TokenIssuer

	mu      sync.Mutex
	handles map[string]*Handle
}

// NewManager creates a lifecycle manager.
func NewManager(cfg Config, runtime Runtime, registry *relay.Registry, leases lease.Source, tokens TokenIssuer) *Manager {
	if cfg.AppDir == "" {
		cfg.AppDir = "/workspace/app"
	}
	if cfg.LabelKey == "" {
		cfg.LabelKey = "genrunner.job"
	}
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 10 * time.Second
	}
	return &Manager{
		cfg:      cfg,
		runtime:  runtime,
		registry: registry,
		leases:   leases,
		tokens:   tokens,
		handles:  make(map[string]*Handle),
	}
}

// Create leases credentials, registers the session and starts the
// container, in that order. The session exists before the container starts
// because the container may dial back before Create returns. Any failure
// rolls back everything acquired so far.
func (m *Manager) Create(ctx context.Context, req Request) (h *Handle, err error) {
	jobID := protocol.JobID(req.GenerationID)
	log := slog.With("generationId", req.GenerationID, "jobId", jobID)

	creds, err := m.leases.Acquire(req.GenerationID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.leases.Release(req.GenerationID)
		}
	}()

	session, err := m.registry.Register(jobID, req.GenerationID, req.UserID)
	if err != nil {
		return nil, err
	}
	defer func() {
		if err != nil {
			m.registry.Remove(jobID)
		}
	}()

	env, err := m.environment(jobID, req, creds)
	if err != nil {
		return nil, err
	}

	name := fmt.Sprintf("genrunner-%s-%s", jobID, uuid.NewString()[:8])
	spec := Spec{
		Name:    name,
		Image:   m.cfg.Image,
		Network: m.cfg.Network,
		Env:     env,
		Labels: map[string]string{
			m.cfg.LabelKey:  jobID,
			LabelGeneration: strconv.FormatInt(req.GenerationID, 10),
			LabelUser:       req.UserID,
		},
	}

	var id string
	err = retry.Do(ctx, m.cfg.Retry, "docker create", func(ctx context.Context) error {
		var cerr error
		id, cerr = m.runtime.Create(ctx, spec)
		return cerr
	})
	if err != nil {
		return nil, fmt.Errorf("create container for %s: %w", jobID, err)
	}
	defer func() {
		if err != nil {
			if rmErr := m.runtime.Remove(context.WithoutCancel(ctx), id); rmErr != nil {
				log.Warn("Container: rollback remove failed", "containerId", id, "error", rmErr)
			}
		}
	}()

	if err = m.runtime.Start(ctx, id); err != nil {
		return nil, fmt.Errorf("start container for %s: %w", jobID, err)
	}

	h = &Handle{
		ContainerID:  id,
		Name:         name,
		JobID:        jobID,
		GenerationID: req.GenerationID,
		UserID:       req.UserID,
		Session:      session,
		Lease:        creds,
	}
	m.mu.Lock()
	m.handles[jobID] = h
	m.mu.Unlock()

	log.Info("Container: started", "containerId", id, "name", name, "leaseIndex", creds.Index)
	return h, nil
}

func (m *Manager) environment(jobID string, req Request, creds lease.Credentials) (map[string]string, error) {
	token, err := m.tokens.Issue(jobID)
	if err != nil {
		return nil, fmt.Errorf("issue container token: %w", err)
	}
	mode := req.Mode
	if mode == "" {
		mode = generation.ModeAutonomous
	}
	env := map[string]string{
		"GEN_ID":             strconv.FormatInt(req.GenerationID, 10),
		"GEN_JOB_ID":         jobID,
		"GEN_PROMPT":         req.Prompt,
		"GEN_MODE":           string(mode),
		"GEN_CALLBACK_URL":   CallbackURL(m.cfg.CallbackBaseURL, jobID),
		"GEN_CALLBACK_TOKEN": token,
	}
	if req.AppID != "" {
		env["GEN_APP_ID"] = req.AppID
	}
	if req.MaxIterations > 0 {
		env["GEN_MAX_ITERATIONS"] = strconv.Itoa(req.MaxIterations)
	}
	if req.ResumeSessionID != "" {
		env["GEN_RESUME_SESSION_ID"] = req.ResumeSessionID
	}
	for k, v := range creds.Env() {
		env[k] = v
	}
	return env, nil
}

// CallbackURL is the socket address a container dials for jobID.
func CallbackURL(base, jobID string) string {
	return strings.TrimRight(base, "/") + "/ws/container/" + jobID
}

// WaitForReady blocks until the job's container connects. On error the
// caller must tear the container down.
func (m *Manager) WaitForReady(ctx context.Context, h *Handle, timeout time.Duration) error {
	if err := h.Session.WaitReady(ctx, timeout); err != nil {
		return fmt.Errorf("wait for %s: %w", h.JobID, err)
	}
	return nil
}

// SendInitialPrompt delivers the start command.
func (m *Manager) SendInitialPrompt(h *Handle, prompt string, mode generation.Mode, resumeSessionID string) error {
	cmd := protocol.Start{
		Envelope:        protocol.Envelope{Type: protocol.TypeStart, RequestID: h.JobID},
		Prompt:          prompt,
		Mode:            string(mode),
		ResumeSessionID: resumeSessionID,
	}
	if err := h.Session.SendToContainer(protocol.Marshal(cmd)); err != nil {
		return fmt.Errorf("send start to %s: %w", h.JobID, err)
	}
	return nil
}

// WaitForCompletion blocks until the generation reaches a terminal state.
// A timeout is a failure.
func (m *Manager) WaitForCompletion(ctx context.Context, h *Handle, timeout time.Duration) error {
	return h.Session.WaitDone(ctx, timeout)
}

// ExtractArtifacts copies the application tree out of the container into
// ArtifactDir/<jobID> and returns that path.
func (m *Manager) ExtractArtifacts(ctx context.Context, h *Handle) (string, error) {
	if m.cfg.ArtifactDir == "" {
		return "", fmt.Errorf("artifact directory not configured")
	}
	dst := filepath.Join(m.cfg.ArtifactDir, h.JobID)
	if err := os.MkdirAll(dst, 0o755); err != nil {
		return "", fmt.Errorf("create artifact dir: %w", err)
	}
	// Trailing "/." copies the directory contents rather than the directory.
	src := path.Join(m.cfg.AppDir) + "/."
	err := retry.Do(ctx, m.cfg.Retry, "docker cp", func(ctx context.Context) error {
		return m.runtime.CopyFrom(ctx, h.ContainerID, src, dst)
	})
	if err != nil {
		return "", fmt.Errorf("extract artifacts for %s: %w", h.JobID, err)
	}
	slog.Info("Container: artifacts extracted", "jobId", h.JobID, "path", dst)
	return dst, nil
}

// Teardown stops and removes the container, then always removes the
// session and releases the lease. Stop and remove failures are logged, not
// returned to the caller as a reason to skip cleanup. Safe to call more
// than once.
func (m *Manager) Teardown(ctx context.Context, h *Handle) error {
	var errs []error
	h.teardown.Do(func() {
		ctx := context.WithoutCancel(ctx)
		log := slog.With("generationId", h.GenerationID, "jobId", h.JobID, "containerId", h.ContainerID)

		stopCtx, cancel := context.WithTimeout(ctx, m.cfg.StopGrace+30*time.Second)
		if err := m.runtime.Stop(stopCtx, h.ContainerID, m.cfg.StopGrace); err != nil {
			log.Warn("Container: stop failed", "error", err)
			errs = append(errs, err)
		}
		cancel()

		err := retry.Do(ctx, m.cfg.Retry, "docker rm", func(ctx context.Context) error {
			return m.runtime.Remove(ctx, h.ContainerID)
		})
		if err != nil {
			log.Warn("Container: remove failed", "error", err)
			errs = append(errs, err)
		}

		m.registry.Remove(h.JobID)
		m.leases.Release(h.GenerationID)

		m.mu.Lock()
		delete(m.handles, h.JobID)
		m.mu.Unlock()
		log.Info("Container: torn down")
	})
	return errors.Join(errs...)
}

// Handle returns the live handle for jobID.
func (m *Manager) Handle(jobID string) (*Handle, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.handles[jobID]
	return h, ok
}

// Running returns the number of containers this manager has started and
// not yet torn down.
func (m *Manager) Running() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// ReapOrphans stops and removes labeled containers this manager does not
// own, such as those left by a previous process.
func (m *Manager) ReapOrphans(ctx context.Context) (int, error) {
	ids, err := m.runtime.ListByLabel(ctx, m.cfg.LabelKey, "")
	if err != nil {
		return 0, err
	}

	m.mu.Lock()
	owned := make([]string, 0, len(m.handles))
	for _, h := range m.handles {
		owned = append(owned, h.ContainerID)
	}
	m.mu.Unlock()

	reaped := 0
	for _, id := range ids {
		if sameContainer(owned, id) {
			continue
		}
		if err := m.runtime.Stop(ctx, id, m.cfg.StopGrace); err != nil {
			slog.Warn("Container: orphan stop failed", "containerId", id, "error", err)
		}
		if err := m.runtime.Remove(ctx, id); err != nil {
			slog.Warn("Container: orphan remove failed", "containerId", id, "error", err)
			continue
		}
		reaped++
	}
	if reaped > 0 {
		slog.Info("Container: reaped orphaned containers", "count", reaped)
	}
	return reaped, nil
}

// sameContainer matches docker's short ids against full ids.
func sameContainer(ids []string, id string) bool {
	for _, o := range ids {
		if strings.HasPrefix(o, id) || strings.HasPrefix(id, o) {
			return true
		}
	}
	return false
}
