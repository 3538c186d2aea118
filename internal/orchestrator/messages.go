package orchestrator

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/protocol"
)

// HandleContainerMessage applies one frame received on jobID's container
// socket and relays it to the generation's observers. Frames are never
// rejected back to the container; malformed or misaddressed frames are
// logged and dropped.
func (o *Orchestrator) HandleContainerMessage(jobID string, data []byte) {
	msg, err := protocol.Decode(data)
	if err != nil {
		slog.Warn("Orchestrator: dropping undecodable container message", "jobId", jobID, "error", err)
		return
	}
	if msg.RequestID != "" && msg.RequestID != jobID {
		slog.Warn("Orchestrator: dropping message addressed to another job",
			"jobId", jobID,
			"requestId", msg.RequestID,
			"type", msg.Type)
		return
	}
	if protocol.ServerOnly(msg.Type) {
		slog.Warn("Orchestrator: dropping server-only message sent by container", "jobId", jobID, "type", msg.Type)
		return
	}
	o.Metrics.RecordContainerMessage(string(msg.Type))
	o.apply(jobID, msg, data)
}

// ContainerConnection records that jobID's container socket attached or
// detached and tells observers. A container that stays detached for longer
// than ReconnectGrace ends its generation.
func (o *Orchestrator) ContainerConnection(jobID string, connected bool) {
	status := protocol.ConnectionStatus{
		Envelope:           protocol.Envelope{Type: protocol.TypeConnectionStatus, RequestID: jobID},
		ContainerConnected: connected,
	}
	data := protocol.Marshal(status)
	o.apply(jobID, protocol.Message{Envelope: status.Envelope, Raw: data, Payload: &status}, data)
}

func (o *Orchestrator) apply(jobID string, msg protocol.Message, data []byte) {
	id, err := protocol.GenerationID(jobID)
	if err != nil {
		slog.Warn("Orchestrator: message for malformed job id", "jobId", jobID)
		return
	}
	r := o.lookup(id)
	if r == nil {
		slog.Debug("Orchestrator: message for unknown generation", "jobId", jobID, "type", msg.Type)
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	prev := r.gen.State
	effect, err := o.Machine.Apply(r.gen, msg)
	if err != nil {
		r.log.Warn("Orchestrator: message rejected by state machine", "type", msg.Type, "state", prev, "error", err)
	}
	if effect.Ignored {
		r.log.Debug("Orchestrator: message after terminal state ignored", "type", msg.Type, "state", prev)
	}

	o.publishLocked(r, data)

	switch p := msg.Payload.(type) {
	case *protocol.IterationComplete:
		o.Metrics.AddCost(p.CostUSD)
		o.persistLocked(r)
	case *protocol.Error:
		if !p.Fatal {
			r.log.Warn("Orchestrator: container reported an error", "message", p.Message, "errorCode", p.ErrorCode)
		}
	case *protocol.CredentialRequest:
		if r.gen.Pending != nil && r.gen.Pending.Kind == generation.InteractionCredentials {
			o.scheduleCredentialDeadlineLocked(r, r.gen.Pending.ID, *r.gen.Pending.Deadline)
		}
	case *protocol.ShutdownReady:
		o.persistLocked(r)
	case *protocol.ConnectionStatus:
		o.watchDetachLocked(r, p.ContainerConnected)
	}

	o.afterTransitionLocked(r, prev, effect)
	if r.gen.State == generation.StateCancelling {
		// Covers shutdowns the container started on its own.
		o.armShutdownTimerLocked(r)
	}
}

// watchDetachLocked clears the reconnect timer on attach and arms it on
// detach. When it fires with no container attached, a cancelling generation
// is force-stopped and any other live one fails.
func (o *Orchestrator) watchDetachLocked(r *run, connected bool) {
	if r.detachTimer != nil {
		r.detachTimer.Stop()
		r.detachTimer = nil
	}
	if connected || r.gen.State.Terminal() {
		return
	}
	r.log.Warn("Orchestrator: container detached, waiting for reconnect", "grace", o.cfg.ReconnectGrace)
	var timer *time.Timer
	timer = time.AfterFunc(o.cfg.ReconnectGrace, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.detachTimer != timer || r.gen.State.Terminal() {
			return
		}
		r.detachTimer = nil
		if s, ok := o.Registry.Get(r.gen.JobID()); ok && s.Connected() {
			return
		}
		if r.gen.State == generation.StateCancelling {
			r.log.Warn("Orchestrator: container detached during shutdown, forcing stop")
			o.forceStopLocked(r, "container disconnected during shutdown")
			return
		}
		r.log.Warn("Orchestrator: container did not reconnect")
		o.failLocked(r, fmt.Sprintf("container disconnected and did not reconnect within %s", o.cfg.ReconnectGrace))
	})
	r.detachTimer = timer
}

// scheduleCredentialDeadlineLocked arms the timer that warns observers when
// a credential request goes unanswered past its deadline. The generation
// stays paused; only the container may give up on the request.
func (o *Orchestrator) scheduleCredentialDeadlineLocked(r *run, requestID string, deadline time.Time) {
	if r.credentialTimer != nil {
		r.credentialTimer.Stop()
	}
	r.credentialTimer = time.AfterFunc(time.Until(deadline), func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		p := r.gen.Pending
		if p == nil || p.Kind != generation.InteractionCredentials || p.ID != requestID {
			return
		}
		elapsed := time.Since(p.CreatedAt)
		r.log.Warn("Orchestrator: credential request deadline passed", "credentialRequestId", requestID, "elapsed", elapsed)
		o.publishLocked(r, protocol.Marshal(protocol.CredentialTimeoutWarning{
			Envelope:         protocol.Envelope{Type: protocol.TypeCredentialTimeoutWarning, RequestID: r.gen.JobID()},
			ID:               requestID,
			ElapsedSeconds:   int(elapsed.Seconds()),
			RemainingSeconds: 0,
		}))
	})
}

// HandleBrowserAction applies an action sent by userID on the browser
// socket. Decision and credential responses are relayed to the container
// verbatim, and only after they have been matched to the pending
// interaction.
func (o *Orchestrator) HandleBrowserAction(userID string, action protocol.BrowserAction) error {
	id, err := protocol.GenerationID(action.RequestID)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	r := o.lookup(id)
	if r == nil || r.gen.UserID != userID {
		if r == nil {
			if g, gerr := o.Store.GetGeneration(id); gerr == nil && g.UserID == userID {
				return fmt.Errorf("%w: %s", generation.ErrTerminal, g.State)
			}
		}
		return ErrNotFound
	}

	switch p := action.Payload.(type) {
	case *protocol.DecisionResponse:
		return o.respond(r, action.Raw, func(g *generation.Generation) (generation.Effect, error) {
			return o.Machine.ResolveDecision(g, p.ID)
		})
	case *protocol.CredentialResponse:
		return o.respond(r, action.Raw, func(g *generation.Generation) (generation.Effect, error) {
			return o.Machine.ResolveCredentials(g, p.ID)
		})
	case *protocol.Cancel:
		_, err := o.cancelRun(r, "cancelled by user")
		return err
	}
	return fmt.Errorf("unsupported action %q", action.Type)
}

func (o *Orchestrator) respond(r *run, raw []byte, resolve func(*generation.Generation) (generation.Effect, error)) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, err := resolve(r.gen.Clone()); err != nil {
		return err
	}
	session, ok := o.Registry.Get(r.gen.JobID())
	if !ok {
		return errors.New("generation has no live session")
	}
	if err := session.SendToContainer(raw); err != nil {
		r.log.Warn("Orchestrator: response not delivered to container", "error", err)
		return err
	}

	prev := r.gen.State
	effect, err := resolve(r.gen)
	if err != nil {
		return err
	}
	if r.credentialTimer != nil && r.gen.Pending == nil {
		r.credentialTimer.Stop()
		r.credentialTimer = nil
	}
	if !effect.Changed {
		o.persistLocked(r)
	}
	o.afterTransitionLocked(r, prev, effect)
	return nil
}
