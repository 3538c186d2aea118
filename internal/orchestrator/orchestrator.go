// Package orchestrator drives each generation from admission through its
// container's lifetime to teardown.
//
// Every generation owns a run guarded by its own mutex. Container messages,
// browser actions and timers for one generation are applied under that
// mutex, so per-generation order is preserved while generations proceed
// independently.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/workspace/genrunner/internal/admission"
	"github.com/workspace/genrunner/internal/container"
	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/lease"
	"github.com/workspace/genrunner/internal/logging"
	"github.com/workspace/genrunner/internal/metrics"
	"github.com/workspace/genrunner/internal/protocol"
	"github.com/workspace/genrunner/internal/relay"
)

var (
	ErrAdmissionRejected = errors.New("concurrent generation limit reached")
	ErrRateLimited       = errors.New("too many generation starts")
	ErrNotFound          = errors.New("generation not found")
	ErrInvalidRequest    = errors.New("invalid generation request")
	ErrShuttingDown      = errors.New("orchestrator is shutting down")
)

// RejectedError is returned when admission control turns a request away.
type RejectedError struct {
	ActiveCount   int
	MaxConcurrent int
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s (%d of %d active)", ErrAdmissionRejected, e.ActiveCount, e.MaxConcurrent)
}

func (e *RejectedError) Unwrap() error {
	return ErrAdmissionRejected
}

// Store persists generations.
type Store interface {
	CreateGeneration(g *generation.Generation) error
	SaveGeneration(g *generation.Generation) error
	GetGeneration(id int64) (*generation.Generation, error)
	ListGenerations(userID string, limit int) ([]*generation.Generation, error)
	FailInterrupted(reason string) (int, error)
}

// Config holds lifecycle timeouts.
type Config struct {
	ReadyTimeout         time.Duration
	CompletionTimeout    time.Duration
	ShutdownTimeout      time.Duration
	ReconnectGrace       time.Duration
	DefaultMaxIterations int
	LedgerAuditInterval  time.Duration
}

// Deps are the collaborators an Orchestrator drives.
type Deps struct {
	Store      Store
	Registry   *relay.Registry
	Containers *container.Manager
	Admission  *admission.Controller
	Limiter    *admission.StartLimiter
	Leases     lease.Source
	Machine    *generation.Machine
	Metrics    *metrics.Collector
}

// SubmitRequest is a user's request to start a generation.
type SubmitRequest struct {
	UserID          string
	AppID           string
	Prompt          string
	Mode            string
	MaxIterations   int
	ResumeSessionID string
}

type run struct {
	mu  sync.Mutex
	gen *generation.Generation
	log *slog.Logger

	handle  *container.Handle
	started bool

	credentialTimer *time.Timer
	shutdownTimer   *time.Timer
	detachTimer     *time.Timer

	finishOnce sync.Once
}

// Orchestrator coordinates admission, leases, containers and the relay.
type Orchestrator struct {
	cfg Config
	Deps

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.Mutex
	runs     map[int64]*run
	stopping bool
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.ReadyTimeout <= 0 {
		cfg.ReadyTimeout = 45 * time.Second
	}
	if cfg.CompletionTimeout <= 0 {
		cfg.CompletionTimeout = time.Hour
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 60 * time.Second
	}
	if cfg.ReconnectGrace <= 0 {
		cfg.ReconnectGrace = 30 * time.Second
	}
	if cfg.LedgerAuditInterval <= 0 {
		cfg.LedgerAuditInterval = time.Minute
	}
	if deps.Machine == nil {
		deps.Machine = generation.NewMachine(generation.DefaultCredentialDeadline)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:    cfg,
		Deps:   deps,
		ctx:    ctx,
		cancel: cancel,
		runs:   make(map[int64]*run),
	}
}

// Submit admits, persists and starts a generation, then blocks until its
// container has connected and received the start command. Failures before
// the container is running are returned; later failures are recorded on the
// generation, which is returned with a nil error.
//
// Container start and the readiness wait run on the orchestrator's context
// rather than ctx. They end on READY_TIMEOUT, a cancel or shutdown, not when
// the submitting request is done.
func (o *Orchestrator) Submit(ctx context.Context, req SubmitRequest) (*generation.Generation, error) {
	mode, err := generation.ParseMode(req.Mode)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return nil, fmt.Errorf("%w: prompt is required", ErrInvalidRequest)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user is required", ErrInvalidRequest)
	}
	if req.MaxIterations <= 0 {
		req.MaxIterations = o.cfg.DefaultMaxIterations
	}

	o.mu.Lock()
	stopping := o.stopping
	o.mu.Unlock()
	if stopping {
		return nil, ErrShuttingDown
	}

	if !o.Limiter.Allow(req.UserID) {
		o.Metrics.RecordAdmission("rate_limited")
		return nil, ErrRateLimited
	}
	decision := o.Admission.TryAdmit(req.UserID)
	if !decision.Admitted {
		o.Metrics.RecordAdmission("rejected")
		return nil, &RejectedError{ActiveCount: decision.ActiveCount, MaxConcurrent: decision.MaxConcurrent}
	}
	o.Metrics.RecordAdmission("admitted")

	g := &generation.Generation{
		UserID:         req.UserID,
		AppID:          req.AppID,
		Prompt:         req.Prompt,
		Mode:           mode,
		State:          generation.StateQueued,
		MaxIterations:  req.MaxIterations,
		PriorSessionID: req.ResumeSessionID,
	}
	if err := o.Store.CreateGeneration(g); err != nil {
		o.Admission.Release(req.UserID)
		return nil, fmt.Errorf("persist generation: %w", err)
	}

	r := &run{gen: g, log: logging.ForGeneration(nil, g)}
	o.mu.Lock()
	o.runs[g.ID] = r
	o.updateGauges()
	o.mu.Unlock()
	r.log.Info("Orchestrator: generation admitted", "activeCount", decision.ActiveCount, "maxConcurrent", decision.MaxConcurrent)

	h, err := o.Containers.Create(o.ctx, container.Request{
		GenerationID:    g.ID,
		UserID:          g.UserID,
		AppID:           g.AppID,
		Prompt:          g.Prompt,
		Mode:            g.Mode,
		MaxIterations:   g.MaxIterations,
		ResumeSessionID: g.PriorSessionID,
	})
	if err != nil {
		r.log.Warn("Orchestrator: container creation failed", "error", err)
		r.mu.Lock()
		o.failLocked(r, "container creation failed: "+err.Error())
		r.mu.Unlock()
		o.finish(r)
		return r.snapshot(), fmt.Errorf("start generation %d: %w", g.ID, err)
	}

	r.mu.Lock()
	r.handle = h
	g.ContainerID = h.ContainerID
	o.persistLocked(r)
	if g.State.Terminal() {
		// Cancelled while the container was being created.
		r.mu.Unlock()
		o.finalize(r)
		return r.snapshot(), nil
	}
	r.mu.Unlock()

	readyStart := time.Now()
	waitErr := o.Containers.WaitForReady(o.ctx, h, o.cfg.ReadyTimeout)

	r.mu.Lock()
	if g.State.Terminal() {
		// Cancelled or failed by the container while we waited.
		r.mu.Unlock()
		o.finalize(r)
		return r.snapshot(), nil
	}
	if waitErr != nil {
		reason := "container did not connect: " + waitErr.Error()
		switch {
		case errors.Is(waitErr, relay.ErrReadyTimeout):
			reason = fmt.Sprintf("container did not connect within %s", o.cfg.ReadyTimeout)
		case o.ctx.Err() != nil:
			reason = "orchestrator shutting down"
		}
		r.log.Warn("Orchestrator: readiness wait failed", "error", waitErr)
		o.failLocked(r, reason)
		r.mu.Unlock()
		o.finalize(r)
		return r.snapshot(), fmt.Errorf("generation %d: %w", g.ID, waitErr)
	}
	r.started = true
	o.Metrics.ObserveReadyWait(time.Since(readyStart))

	if err := o.Containers.SendInitialPrompt(h, g.Prompt, g.Mode, g.PriorSessionID); err != nil {
		r.log.Warn("Orchestrator: start command not delivered", "error", err)
		o.failLocked(r, "failed to deliver start command: "+err.Error())
	}
	r.mu.Unlock()

	o.wg.Add(1)
	go o.supervise(r)
	return r.snapshot(), nil
}

// supervise waits for the generation to end and releases its resources.
func (o *Orchestrator) supervise(r *run) {
	defer o.wg.Done()

	err := o.Containers.WaitForCompletion(o.ctx, r.handle, o.cfg.CompletionTimeout)
	if err != nil {
		r.mu.Lock()
		if !r.gen.State.Terminal() {
			reason := "orchestrator shutting down"
			if errors.Is(err, relay.ErrCompletionTimeout) {
				reason = fmt.Sprintf("generation did not finish within %s", o.cfg.CompletionTimeout)
			}
			r.log.Warn("Orchestrator: completion wait failed", "error", err)
			o.failLocked(r, reason)
		}
		r.mu.Unlock()
	}
	o.finalize(r)
}

// finalize extracts artifacts from a container that ran, tears it down and
// releases the admission slot. Resource release does not depend on the
// outcome of extraction or of the container stop.
func (o *Orchestrator) finalize(r *run) {
	ctx := context.WithoutCancel(o.ctx)

	r.mu.Lock()
	r.stopTimersLocked()
	h, started := r.handle, r.started
	r.mu.Unlock()

	if h != nil {
		if started {
			path, err := o.Containers.ExtractArtifacts(ctx, h)
			if err != nil {
				r.log.Warn("Orchestrator: artifact extraction failed", "error", err)
			}
			r.mu.Lock()
			r.gen.ArtifactPath = path
			r.mu.Unlock()
		}
		if err := o.Containers.Teardown(ctx, h); err != nil {
			r.log.Warn("Orchestrator: teardown reported errors", "error", err)
		}
	}
	o.finish(r)
}

// finish releases the admission slot and forgets the run. Runs once.
func (o *Orchestrator) finish(r *run) {
	r.finishOnce.Do(func() {
		r.mu.Lock()
		o.persistLocked(r)
		g := r.gen.Clone()
		r.mu.Unlock()

		o.Admission.Release(g.UserID)
		o.mu.Lock()
		delete(o.runs, g.ID)
		o.updateGauges()
		o.mu.Unlock()

		stop := ""
		if g.Stop != nil {
			stop = string(g.Stop.Outcome)
		}
		o.Metrics.RecordOutcome(string(g.State), stop, g.Duration, g.Iteration)
		r.log.Info("Orchestrator: generation finished",
			"state", g.State,
			"stopOutcome", stop,
			"iterations", g.Iteration,
			"costUsd", g.CostUSD,
			"duration", g.Duration)
	})
}

// failLocked ends the generation as failed and announces it.
func (o *Orchestrator) failLocked(r *run, reason string) {
	prev := r.gen.State
	effect, err := o.Machine.Fail(r.gen, reason)
	if err != nil {
		r.log.Error("Orchestrator: failed to record failure", "error", err)
		return
	}
	o.afterTransitionLocked(r, prev, effect)
}

// afterTransitionLocked persists and announces a state change and fires the
// completion signal for terminal states.
func (o *Orchestrator) afterTransitionLocked(r *run, prev generation.State, effect generation.Effect) {
	if !effect.Changed {
		return
	}
	o.persistLocked(r)
	o.publishLocked(r, protocol.Marshal(r.gen.StateMessage(prev)))
	if effect.Terminal() {
		r.stopTimersLocked()
		if s, ok := o.Registry.Get(r.gen.JobID()); ok {
			s.MarkDone()
		}
	}
}

func (o *Orchestrator) persistLocked(r *run) {
	if err := o.Store.SaveGeneration(r.gen); err != nil {
		r.log.Error("Orchestrator: failed to persist generation", "error", err)
	}
}

// publishLocked relays data to the generation's observers, falling back to
// an unbuffered notification once the session is gone.
func (o *Orchestrator) publishLocked(r *run, data []byte) {
	if err := o.Registry.Publish(r.gen.JobID(), data); err != nil {
		o.Registry.Notify(r.gen.UserID, r.gen.JobID(), data)
	}
}

func (r *run) snapshot() *generation.Generation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gen.Clone()
}

func (r *run) stopTimersLocked() {
	if r.credentialTimer != nil {
		r.credentialTimer.Stop()
		r.credentialTimer = nil
	}
	if r.shutdownTimer != nil {
		r.shutdownTimer.Stop()
		r.shutdownTimer = nil
	}
	if r.detachTimer != nil {
		r.detachTimer.Stop()
		r.detachTimer = nil
	}
}

func (o *Orchestrator) lookup(id int64) *run {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runs[id]
}

// updateGauges refreshes point-in-time metrics. Caller holds o.mu.
func (o *Orchestrator) updateGauges() {
	o.Metrics.SetActive(len(o.runs))
	o.Metrics.SetPoolAvailable(o.Leases.Info().Available)
}
