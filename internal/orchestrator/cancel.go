package orchestrator

import (
	"errors"
	"fmt"
	"time"

	"github.com/workspace/genrunner/internal/generation"
	"github.com/workspace/genrunner/internal/persistence"
	"github.com/workspace/genrunner/internal/protocol"
)

// Cancel asks userID's generation id to stop. A generation whose container
// has not connected is cancelled at once. Otherwise the container is sent a
// shutdown command and given ShutdownTimeout to finish the shutdown
// sequence before the stop is forced.
func (o *Orchestrator) Cancel(userID string, id int64) (*generation.Generation, error) {
	r := o.lookup(id)
	if r == nil {
		g, err := o.Store.GetGeneration(id)
		if errors.Is(err, persistence.ErrNotFound) || (err == nil && g.UserID != userID) {
			return nil, ErrNotFound
		}
		if err != nil {
			return nil, err
		}
		return g, fmt.Errorf("%w: %s", generation.ErrTerminal, g.State)
	}
	if r.gen.UserID != userID {
		return nil, ErrNotFound
	}
	return o.cancelRun(r, "cancelled by user")
}

func (o *Orchestrator) cancelRun(r *run, reason string) (*generation.Generation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	g := r.gen
	if g.State.Terminal() {
		return g.Clone(), fmt.Errorf("%w: %s", generation.ErrTerminal, g.State)
	}

	session, ok := o.Registry.Get(g.JobID())
	prev := g.State
	if g.State == generation.StateQueued && (!ok || !session.Connected()) {
		effect, err := o.Machine.Abandon(g, reason+" before the container connected")
		if err != nil {
			return g.Clone(), err
		}
		r.log.Info("Orchestrator: generation cancelled before start")
		o.afterTransitionLocked(r, prev, effect)
		return g.Clone(), nil
	}

	effect, sent, err := o.Machine.RequestCancel(g)
	if err != nil {
		return g.Clone(), err
	}
	o.afterTransitionLocked(r, prev, effect)
	if !sent {
		return g.Clone(), nil
	}

	cmd := protocol.Shutdown{
		Envelope: protocol.Envelope{Type: protocol.TypeShutdown, RequestID: g.JobID()},
		Reason:   reason,
	}
	if !ok {
		o.forceStopLocked(r, "container session is gone")
		return g.Clone(), nil
	}
	if err := session.SendToContainer(protocol.Marshal(cmd)); err != nil {
		r.log.Warn("Orchestrator: shutdown command not delivered, forcing stop", "error", err)
		o.forceStopLocked(r, "container unreachable: "+err.Error())
		return g.Clone(), nil
	}

	r.log.Info("Orchestrator: shutdown requested", "timeout", o.cfg.ShutdownTimeout)
	o.armShutdownTimerLocked(r)
	return g.Clone(), nil
}

// armShutdownTimerLocked forces the stop if the generation is still
// cancelling after ShutdownTimeout. It is a no-op when already armed.
func (o *Orchestrator) armShutdownTimerLocked(r *run) {
	if r.shutdownTimer != nil {
		return
	}
	r.shutdownTimer = time.AfterFunc(o.cfg.ShutdownTimeout, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		if r.gen.State.Terminal() {
			return
		}
		r.log.Warn("Orchestrator: container did not finish shutdown, forcing stop")
		o.forceStopLocked(r, fmt.Sprintf("container did not stop within %s", o.cfg.ShutdownTimeout))
	})
}

func (o *Orchestrator) forceStopLocked(r *run, message string) {
	prev := r.gen.State
	effect, err := o.Machine.ForceStop(r.gen, message)
	if err != nil {
		r.log.Error("Orchestrator: failed to record forced stop", "error", err)
		return
	}
	o.afterTransitionLocked(r, prev, effect)
}
