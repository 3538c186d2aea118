package generation

import (
	"fmt"
	"time"

	"github.com/workspace/genrunner/internal/protocol"
)

// DefaultCredentialDeadline bounds how long a credential request may wait
// before a timeout warning is surfaced.
const DefaultCredentialDeadline = 5 * time.Minute

// Effect describes what applying an input did to a generation.
type Effect struct {
	From    State
	To      State
	Changed bool
	// Ignored is set when the input arrived after the generation ended and
	// was deliberately dropped.
	Ignored bool
}

// Terminal reports whether the input moved the generation into a terminal state.
func (e Effect) Terminal() bool {
	return e.Changed && e.To.Terminal()
}

// Machine applies relayed messages and user actions to generations. It holds
// no per-generation state; callers serialize access to each Generation.
type Machine struct {
	CredentialDeadline time.Duration
	Now                func() time.Time
}

// NewMachine returns a Machine with defaults applied.
func NewMachine(credentialDeadline time.Duration) *Machine {
	if credentialDeadline <= 0 {
		credentialDeadline = DefaultCredentialDeadline
	}
	return &Machine{CredentialDeadline: credentialDeadline, Now: time.Now}
}

func (m *Machine) now() time.Time {
	if m.Now != nil {
		return m.Now().UTC()
	}
	return time.Now().UTC()
}

// Apply folds a container message into g.
func (m *Machine) Apply(g *Generation, msg protocol.Message) (Effect, error) {
	now := m.now()
	from := g.State
	effect := Effect{From: from, To: from}

	if g.State.Terminal() {
		// A stale reconnect may still report the socket state; nothing else
		// may touch an ended generation.
		switch p := msg.Payload.(type) {
		case *protocol.Ready:
			g.ContainerConnected = true
		case *protocol.ConnectionStatus:
			g.ContainerConnected = p.ContainerConnected
		}
		effect.Ignored = true
		return effect, nil
	}

	// Any agent activity implies the container is up, even if ready was lost.
	if g.State == StateQueued && msg.Payload != nil {
		if _, status := msg.Payload.(*protocol.ConnectionStatus); !status {
			g.ContainerConnected = true
			if err := g.transition(StateGenerating, now); err != nil {
				return effect, err
			}
		}
	}

	var err error
	switch p := msg.Payload.(type) {
	case *protocol.Ready:
		g.ContainerConnected = true
		if g.Completion != nil {
			break
		}
		if g.Progress == nil {
			g.Progress = &Progress{Stage: "starting", TotalIterations: g.MaxIterations}
		}

	case *protocol.ConnectionStatus:
		g.ContainerConnected = p.ContainerConnected

	case *protocol.Progress:
		g.Progress = &Progress{
			Stage:           p.Stage,
			Step:            p.Step,
			Percentage:      p.Percentage,
			Iteration:       p.Iteration,
			TotalIterations: p.TotalIterations,
		}
		if p.Iteration > 0 {
			g.Iteration = p.Iteration
		}
		if p.TotalIterations > 0 {
			g.MaxIterations = p.TotalIterations
		}

	case *protocol.IterationComplete:
		if p.Iteration > g.Iteration {
			g.Iteration = p.Iteration
		}
		if p.TotalIterations > 0 {
			g.MaxIterations = p.TotalIterations
		}
		g.CostUSD += p.CostUSD

	case *protocol.DecisionPrompt:
		if g.State == StateCancelling {
			break
		}
		g.Pending = &PendingInteraction{
			Kind:        InteractionDecision,
			ID:          p.ID,
			Prompt:      p.Prompt,
			Options:     append([]string(nil), p.Options...),
			AllowEditor: p.AllowEditor,
			CreatedAt:   now,
		}
		err = g.transition(StatePausedForPrompt, now)

	case *protocol.CredentialRequest:
		if g.State == StateCancelling {
			break
		}
		deadline := m.CredentialDeadline
		if p.TimeoutSeconds > 0 {
			deadline = time.Duration(p.TimeoutSeconds) * time.Second
		}
		d := now.Add(deadline)
		g.Pending = &PendingInteraction{
			Kind:        InteractionCredentials,
			ID:          p.ID,
			Context:     p.Context,
			Credentials: append([]protocol.CredentialSpec(nil), p.Credentials...),
			CreatedAt:   now,
			Deadline:    &d,
		}
		err = g.transition(StatePausedForCredentials, now)

	case *protocol.Error:
		if !p.Fatal {
			break
		}
		g.FailureReason = p.Message
		if g.FailureReason == "" {
			g.FailureReason = "agent reported a fatal error"
		}
		if p.ErrorCode != "" {
			g.FailureReason = fmt.Sprintf("%s (%s)", g.FailureReason, p.ErrorCode)
		}
		err = g.transition(StateFailed, now)

	case *protocol.AllWorkComplete:
		g.Completion = &Completion{
			Reason:          p.CompletionReason,
			TotalIterations: p.TotalIterations,
			GithubURL:       p.GithubURL,
			DownloadURL:     p.DownloadURL,
		}
		if p.TotalIterations > 0 {
			g.Iteration = p.TotalIterations
		}
		g.Pending = nil
		g.Progress = nil
		err = g.transition(StateCompleted, now)

	case *protocol.ShutdownInitiated:
		if g.State != StateCancelling {
			g.Pending = nil
			err = g.transition(StateCancelling, now)
		}

	case *protocol.ShutdownReady:
		g.Stop = &StopRecord{
			Outcome:    StopSaved,
			CommitHash: p.CommitHash,
			Pushed:     p.Pushed,
			Message:    p.Message,
		}
		if g.State != StateCancelling {
			err = g.transition(StateCancelling, now)
		}

	case *protocol.ShutdownFailed:
		g.Stop = &StopRecord{Outcome: StopSaveFailed, Reason: p.Reason}
		g.FailureReason = "shutdown failed: " + p.Reason
		err = m.finish(g, StateFailed, now)

	case *protocol.ShutdownTimeout:
		err = m.forced(g, p.Message, now)

	case *protocol.GenerationStopped:
		err = m.stopped(g, p.Message, now)

	default:
		// log, conversation_log, screenshot, credential_timeout_warning and
		// unknown types are informational.
	}

	if err != nil {
		return effect, err
	}
	effect.To = g.State
	effect.Changed = effect.From != effect.To
	return effect, nil
}

// finish moves g into a terminal state, passing through cancelling when the
// direct edge is not allowed.
func (m *Machine) finish(g *Generation, to State, now time.Time) error {
	if !CanTransition(g.State, to) && CanTransition(g.State, StateCancelling) {
		if err := g.transition(StateCancelling, now); err != nil {
			return err
		}
	}
	return g.transition(to, now)
}

func (m *Machine) stopped(g *Generation, message string, now time.Time) error {
	if g.Stop != nil && g.Stop.Outcome == StopSaved {
		if g.Completion == nil {
			g.Completion = &Completion{Reason: "stopped_after_save", TotalIterations: g.Iteration}
		}
		return m.finish(g, StateCompleted, now)
	}
	if g.Stop == nil {
		g.Stop = &StopRecord{Outcome: StopStopped, Message: message}
	}
	return m.finish(g, StateCancelled, now)
}

// forced ends a shutdown the agent did not finish. A save reported earlier
// in the sequence still counts as a completion.
func (m *Machine) forced(g *Generation, message string, now time.Time) error {
	if g.Stop != nil && g.Stop.Outcome == StopSaved {
		return m.stopped(g, message, now)
	}
	g.Stop = &StopRecord{Outcome: StopForced, Message: message}
	return m.finish(g, StateCancelled, now)
}

// RequestCancel moves g to cancelling. It returns false when g was already
// cancelling so repeated cancel requests stay harmless.
func (m *Machine) RequestCancel(g *Generation) (Effect, bool, error) {
	effect := Effect{From: g.State, To: g.State}
	if g.State.Terminal() {
		return effect, false, fmt.Errorf("%w: %s", ErrTerminal, g.State)
	}
	if g.State == StateCancelling {
		return effect, false, nil
	}
	g.Pending = nil
	if err := g.transition(StateCancelling, m.now()); err != nil {
		return effect, false, err
	}
	effect.To = g.State
	effect.Changed = true
	return effect, true, nil
}

// ForceStop ends a cancelling generation whose container did not finish the
// shutdown sequence in time. Work saved earlier in the sequence is kept as a
// completion; otherwise the stop is recorded as forced.
func (m *Machine) ForceStop(g *Generation, message string) (Effect, error) {
	effect := Effect{From: g.State, To: g.State}
	if g.State.Terminal() {
		effect.Ignored = true
		return effect, nil
	}
	if err := m.forced(g, message, m.now()); err != nil {
		return effect, err
	}
	effect.To = g.State
	effect.Changed = effect.From != effect.To
	return effect, nil
}

// Abandon cancels a generation whose container never attached.
func (m *Machine) Abandon(g *Generation, message string) (Effect, error) {
	effect := Effect{From: g.State, To: g.State}
	if g.State.Terminal() {
		effect.Ignored = true
		return effect, nil
	}
	g.Stop = &StopRecord{Outcome: StopNotStarted, Message: message}
	if err := m.finish(g, StateCancelled, m.now()); err != nil {
		return effect, err
	}
	effect.To = g.State
	effect.Changed = true
	return effect, nil
}

// Fail ends g as failed with reason. Ended generations are left untouched.
func (m *Machine) Fail(g *Generation, reason string) (Effect, error) {
	effect := Effect{From: g.State, To: g.State}
	if g.State.Terminal() {
		effect.Ignored = true
		return effect, nil
	}
	g.FailureReason = reason
	if err := g.transition(StateFailed, m.now()); err != nil {
		return effect, err
	}
	effect.To = g.State
	effect.Changed = true
	return effect, nil
}

// ResolveDecision clears a pending decision prompt after the browser answered.
func (m *Machine) ResolveDecision(g *Generation, id string) (Effect, error) {
	return m.resolve(g, InteractionDecision, id)
}

// ResolveCredentials clears a pending credential request. The generation
// returns to generating whether the user supplied all, some or none of the
// values, or cancelled the request.
func (m *Machine) ResolveCredentials(g *Generation, id string) (Effect, error) {
	return m.resolve(g, InteractionCredentials, id)
}

func (m *Machine) resolve(g *Generation, kind InteractionKind, id string) (Effect, error) {
	effect := Effect{From: g.State, To: g.State}
	if g.State.Terminal() {
		return effect, fmt.Errorf("%w: %s", ErrTerminal, g.State)
	}
	if g.Pending == nil {
		return effect, ErrNoPendingInteraction
	}
	if g.Pending.Kind != kind || g.Pending.ID != id {
		return effect, fmt.Errorf("%w: pending %s %q", ErrInteractionMismatch, g.Pending.Kind, g.Pending.ID)
	}
	g.Pending = nil
	now := m.now()
	g.UpdatedAt = now
	if g.State == StatePausedForPrompt || g.State == StatePausedForCredentials {
		if err := g.transition(StateGenerating, now); err != nil {
			return effect, err
		}
	}
	effect.To = g.State
	effect.Changed = effect.From != effect.To
	return effect, nil
}
