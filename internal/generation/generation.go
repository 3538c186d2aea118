// Package generation defines the generation lifecycle: states, allowed
// transitions, pending user interactions and the recorded outcome.
package generation

import (
	"errors"
	"fmt"
	"time"

	"github.com/workspace/genrunner/internal/protocol"
)

// State is the lifecycle state of a generation.
type State string

const (
	StateQueued               State = "queued"
	StateGenerating           State = "generating"
	StatePausedForPrompt      State = "paused_for_prompt"
	StatePausedForCredentials State = "paused_for_credentials"
	StateCancelling           State = "cancelling"
	StateCompleted            State = "completed"
	StateFailed               State = "failed"
	StateCancelled            State = "cancelled"
)

// Terminal reports whether no further transitions are allowed from s.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	_, ok := transitions[s]
	return ok
}

var transitions = map[State][]State{
	StateQueued:               {StateGenerating, StateCancelling, StateFailed},
	StateGenerating:           {StatePausedForPrompt, StatePausedForCredentials, StateCancelling, StateCompleted, StateFailed},
	StatePausedForPrompt:      {StateGenerating, StatePausedForCredentials, StateCancelling, StateCompleted, StateFailed},
	StatePausedForCredentials: {StateGenerating, StatePausedForPrompt, StateCancelling, StateCompleted, StateFailed},
	StateCancelling:           {StateCompleted, StateFailed, StateCancelled},
	StateCompleted:            nil,
	StateFailed:               nil,
	StateCancelled:            nil,
}

// CanTransition reports whether from -> to is an allowed edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

var (
	ErrTerminal             = errors.New("generation is in a terminal state")
	ErrInvalidTransition    = errors.New("invalid state transition")
	ErrNoPendingInteraction = errors.New("no pending interaction")
	ErrInteractionMismatch  = errors.New("response does not match the pending interaction")
)

// Mode is how much the agent asks before acting.
type Mode string

const (
	ModeAutonomous   Mode = "autonomous"
	ModeConfirmFirst Mode = "confirm_first"
	ModeInteractive  Mode = "interactive"
)

// ParseMode validates a mode string. Empty means autonomous.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModeAutonomous, nil
	case ModeAutonomous, ModeConfirmFirst, ModeInteractive:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown interaction mode %q", s)
}

// InteractionKind distinguishes the two pause reasons.
type InteractionKind string

const (
	InteractionDecision    InteractionKind = "decision"
	InteractionCredentials InteractionKind = "credentials"
)

// PendingInteraction is a question the agent is waiting on.
type PendingInteraction struct {
	Kind        InteractionKind           `json:"kind"`
	ID          string                    `json:"id"`
	Prompt      string                    `json:"prompt,omitempty"`
	Options     []string                  `json:"options,omitempty"`
	AllowEditor bool                      `json:"allowEditor,omitempty"`
	Context     string                    `json:"context,omitempty"`
	Credentials []protocol.CredentialSpec `json:"credentials,omitempty"`
	CreatedAt   time.Time                 `json:"createdAt"`
	Deadline    *time.Time                `json:"deadline,omitempty"`
}

// Progress is the most recent progress report.
type Progress struct {
	Stage           string  `json:"stage"`
	Step            string  `json:"step,omitempty"`
	Percentage      float64 `json:"percentage"`
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"totalIterations"`
}

// Completion records the all_work_complete report, or the synthesized
// completion of a generation that was saved before it was stopped.
type Completion struct {
	Reason          string `json:"reason"`
	TotalIterations int    `json:"totalIterations"`
	GithubURL       string `json:"githubUrl,omitempty"`
	DownloadURL     string `json:"downloadUrl,omitempty"`
}

// StopOutcome distinguishes how a cancellation ended.
type StopOutcome string

const (
	StopSaved      StopOutcome = "saved"
	StopSaveFailed StopOutcome = "save_failed"
	StopForced     StopOutcome = "forced"
	StopStopped    StopOutcome = "stopped"
	StopNotStarted StopOutcome = "not_started"
)

// StopRecord is the recorded result of the shutdown sequence.
type StopRecord struct {
	Outcome    StopOutcome `json:"outcome"`
	CommitHash string      `json:"commitHash,omitempty"`
	Pushed     bool        `json:"pushed"`
	Reason     string      `json:"reason,omitempty"`
	Message    string      `json:"message,omitempty"`
}

// Report converts the record into its wire form.
func (r *StopRecord) Report() *protocol.StopReport {
	if r == nil {
		return nil
	}
	return &protocol.StopReport{
		Outcome:    string(r.Outcome),
		CommitHash: r.CommitHash,
		Pushed:     r.Pushed,
		Reason:     r.Reason,
	}
}

// Generation is one execution of the build agent for a user request.
type Generation struct {
	ID             int64         `json:"id"`
	UserID         string        `json:"userId"`
	AppID          string        `json:"appId"`
	Prompt         string        `json:"prompt"`
	Mode           Mode          `json:"mode"`
	State          State         `json:"state"`
	Iteration      int           `json:"iteration"`
	MaxIterations  int           `json:"maxIterations"`
	PriorSessionID string        `json:"priorSessionId,omitempty"`
	CostUSD        float64       `json:"costUsd"`
	Duration       time.Duration `json:"durationNs"`

	ContainerConnected bool   `json:"containerConnected"`
	ContainerID        string `json:"containerId,omitempty"`
	ArtifactPath       string `json:"artifactPath,omitempty"`

	Progress      *Progress           `json:"progress,omitempty"`
	Pending       *PendingInteraction `json:"pending,omitempty"`
	Completion    *Completion         `json:"completion,omitempty"`
	Stop          *StopRecord         `json:"stop,omitempty"`
	FailureReason string              `json:"failureReason,omitempty"`

	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	EndedAt   *time.Time `json:"endedAt,omitempty"`
}

// JobID is the relay job identifier for g.
func (g *Generation) JobID() string {
	return protocol.JobID(g.ID)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (g *Generation) Clone() *Generation {
	c := *g
	if g.Progress != nil {
		p := *g.Progress
		c.Progress = &p
	}
	if g.Pending != nil {
		p := *g.Pending
		p.Options = append([]string(nil), g.Pending.Options...)
		p.Credentials = append([]protocol.CredentialSpec(nil), g.Pending.Credentials...)
		if g.Pending.Deadline != nil {
			d := *g.Pending.Deadline
			p.Deadline = &d
		}
		c.Pending = &p
	}
	if g.Completion != nil {
		cm := *g.Completion
		c.Completion = &cm
	}
	if g.Stop != nil {
		s := *g.Stop
		c.Stop = &s
	}
	if g.EndedAt != nil {
		e := *g.EndedAt
		c.EndedAt = &e
	}
	return &c
}

// StateMessage builds the generation_state message announcing g's state.
func (g *Generation) StateMessage(previous State) protocol.GenerationState {
	return protocol.GenerationState{
		Envelope:      protocol.Envelope{Type: protocol.TypeGenerationState, RequestID: g.JobID()},
		State:         string(g.State),
		PreviousState: string(previous),
		FailureReason: g.FailureReason,
		Stop:          g.Stop.Report(),
	}
}

// transition moves g to the given state, stamping timestamps. Same-state
// transitions are no-ops so that redelivered messages stay idempotent.
func (g *Generation) transition(to State, now time.Time) error {
	if g.State == to {
		return nil
	}
	if g.State.Terminal() {
		return fmt.Errorf("%w: %s", ErrTerminal, g.State)
	}
	if !CanTransition(g.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, g.State, to)
	}
	g.State = to
	g.UpdatedAt = now
	if to.Terminal() {
		ended := now
		g.EndedAt = &ended
		g.Pending = nil
		if g.Duration == 0 && !g.CreatedAt.IsZero() {
			g.Duration = now.Sub(g.CreatedAt)
		}
	}
	return nil
}
