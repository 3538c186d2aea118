// Package protocol defines the typed message taxonomy exchanged between a
// generation container, the orchestrator and browser observers.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// MessageType is the discriminator carried in every message's "type" field.
type MessageType string

// Container -> server messages.
const (
	TypeReady                    MessageType = "ready"
	TypeLog                      MessageType = "log"
	TypeProgress                 MessageType = "progress"
	TypeIterationComplete        MessageType = "iteration_complete"
	TypeDecisionPrompt           MessageType = "decision_prompt"
	TypeCredentialRequest        MessageType = "credential_request"
	TypeCredentialTimeoutWarning MessageType = "credential_timeout_warning"
	TypeConversationLog          MessageType = "conversation_log"
	TypeScreenshot               MessageType = "screenshot"
	TypeError                    MessageType = "error"
	TypeAllWorkComplete          MessageType = "all_work_complete"
	TypeShutdownInitiated        MessageType = "shutdown_initiated"
	TypeShutdownReady            MessageType = "shutdown_ready"
	TypeShutdownFailed           MessageType = "shutdown_failed"
	TypeShutdownTimeout          MessageType = "shutdown_timeout"
	TypeGenerationStopped        MessageType = "generation_stopped"
)

// Server -> browser messages that the container never sends.
const (
	TypeConnectionStatus MessageType = "connection_status"
	TypeGenerationState  MessageType = "generation_state"
	TypePong             MessageType = "pong"
)

// Server -> container commands and browser -> server actions.
const (
	TypeStart              MessageType = "start"
	TypeDecisionResponse   MessageType = "decision_response"
	TypeCredentialResponse MessageType = "credential_response"
	TypeShutdown           MessageType = "shutdown"
	TypeCancel             MessageType = "cancel"
	TypePing               MessageType = "ping"
)

// ErrorCodeAuthFailed marks an error that belongs to the connection rather
// than to any single generation.
const ErrorCodeAuthFailed = "auth_failed"

var (
	ErrMissingType = errors.New("message has no type")
	ErrInvalidJob  = errors.New("invalid job id")
)

// Envelope is the routing header shared by every message.
type Envelope struct {
	Type      MessageType `json:"type"`
	RequestID string      `json:"request_id,omitempty"`
}

// Ready is sent once the container has attached to its callback socket.
type Ready struct {
	Envelope
}

// Log is a single agent log line.
type Log struct {
	Envelope
	Level string `json:"level"`
	Line  string `json:"line"`
}

// Progress reports where the agent currently is.
type Progress struct {
	Envelope
	Stage           string  `json:"stage"`
	Step            string  `json:"step"`
	Percentage      float64 `json:"percentage"`
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"total_iterations"`
}

// IterationComplete closes one agent iteration.
type IterationComplete struct {
	Envelope
	Iteration       int     `json:"iteration"`
	TotalIterations int     `json:"total_iterations,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	Summary         string  `json:"summary,omitempty"`
}

// DecisionPrompt pauses the generation until the user answers.
type DecisionPrompt struct {
	Envelope
	ID          string   `json:"id"`
	Prompt      string   `json:"prompt"`
	Options     []string `json:"options,omitempty"`
	AllowEditor bool     `json:"allow_editor,omitempty"`
}

// CredentialSpec describes one value the agent asks the user to supply.
type CredentialSpec struct {
	Key               string `json:"key"`
	Label             string `json:"label"`
	Required          bool   `json:"required"`
	Sensitive         bool   `json:"sensitive"`
	ValidationPattern string `json:"validation_pattern,omitempty"`
	HelpURL           string `json:"help_url,omitempty"`
	Description       string `json:"description,omitempty"`
}

// CredentialRequest pauses the generation until the user supplies values or
// declines. TimeoutSeconds overrides the server default deadline when set.
type CredentialRequest struct {
	Envelope
	ID             string           `json:"id"`
	Context        string           `json:"context,omitempty"`
	Credentials    []CredentialSpec `json:"credentials"`
	TimeoutSeconds int              `json:"timeout_seconds,omitempty"`
}

// CredentialTimeoutWarning tells the user a credential deadline is near.
type CredentialTimeoutWarning struct {
	Envelope
	ID               string `json:"id"`
	ElapsedSeconds   int    `json:"elapsed_seconds"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

// ConversationLog carries agent reasoning and tool use. The fields are
// relayed verbatim.
type ConversationLog struct {
	Envelope
	Fields map[string]json.RawMessage `json:"-"`
}

// Screenshot is a captured image of the app under construction.
type Screenshot struct {
	Envelope
	Filename    string `json:"filename"`
	Stage       string `json:"stage"`
	Image       string `json:"image"`
	Timestamp   string `json:"timestamp"`
	Description string `json:"description,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
}

// Error reports an agent-side failure. Fatal errors end the generation.
type Error struct {
	Envelope
	Message      string `json:"message"`
	ErrorCode    string `json:"error_code,omitempty"`
	Fatal        bool   `json:"fatal"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
}

// AllWorkComplete is the terminal success message.
type AllWorkComplete struct {
	Envelope
	CompletionReason string `json:"completion_reason"`
	TotalIterations  int    `json:"total_iterations"`
	GithubURL        string `json:"github_url,omitempty"`
	DownloadURL      string `json:"download_url,omitempty"`
}

// ShutdownInitiated acknowledges a shutdown command.
type ShutdownInitiated struct {
	Envelope
	Message string `json:"message"`
}

// ShutdownReady reports that work was saved before stopping.
type ShutdownReady struct {
	Envelope
	Message    string `json:"message"`
	CommitHash string `json:"commit_hash,omitempty"`
	Pushed     bool   `json:"pushed"`
}

// ShutdownFailed reports that work could not be saved.
type ShutdownFailed struct {
	Envelope
	Reason string `json:"reason"`
}

// ShutdownTimeout reports that the agent was force-stopped.
type ShutdownTimeout struct {
	Envelope
	Message string `json:"message"`
}

// GenerationStopped is the last message of the shutdown sequence.
type GenerationStopped struct {
	Envelope
	Message string `json:"message"`
}

// ConnectionStatus tells observers whether the container socket is attached.
type ConnectionStatus struct {
	Envelope
	ContainerConnected bool `json:"container_connected"`
}

// Message is a decoded inbound message. Raw keeps the original bytes so the
// relay can forward exactly what the container sent.
type Message struct {
	Envelope
	Raw     json.RawMessage
	Payload any
}

// Decode parses a message and its typed payload. Unknown types decode with a
// nil Payload so that newer containers can still be relayed.
func Decode(data []byte) (Message, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Message{}, fmt.Errorf("decode envelope: %w", err)
	}
	if env.Type == "" {
		return Message{}, ErrMissingType
	}

	msg := Message{Envelope: env, Raw: append(json.RawMessage(nil), data...)}

	var payload any
	switch env.Type {
	case TypeReady:
		payload = &Ready{}
	case TypeLog:
		payload = &Log{}
	case TypeProgress:
		payload = &Progress{}
	case TypeIterationComplete:
		payload = &IterationComplete{}
	case TypeDecisionPrompt:
		payload = &DecisionPrompt{}
	case TypeCredentialRequest:
		payload = &CredentialRequest{}
	case TypeCredentialTimeoutWarning:
		payload = &CredentialTimeoutWarning{}
	case TypeConversationLog:
		cl := &ConversationLog{Envelope: env}
		if err := json.Unmarshal(data, &cl.Fields); err != nil {
			return Message{}, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		msg.Payload = cl
		return msg, nil
	case TypeScreenshot:
		payload = &Screenshot{}
	case TypeError:
		payload = &Error{}
	case TypeAllWorkComplete:
		payload = &AllWorkComplete{}
	case TypeShutdownInitiated:
		payload = &ShutdownInitiated{}
	case TypeShutdownReady:
		payload = &ShutdownReady{}
	case TypeShutdownFailed:
		payload = &ShutdownFailed{}
	case TypeShutdownTimeout:
		payload = &ShutdownTimeout{}
	case TypeGenerationStopped:
		payload = &GenerationStopped{}
	case TypeConnectionStatus:
		payload = &ConnectionStatus{}
	case TypeGenerationState:
		payload = &GenerationState{}
	default:
		return msg, nil
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return Message{}, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	msg.Payload = payload
	return msg, nil
}

// ServerOnly reports whether t is a message only the server may originate.
func ServerOnly(t MessageType) bool {
	switch t {
	case TypeConnectionStatus, TypeGenerationState, TypePong:
		return true
	}
	return false
}

// IsConnectionAuthFailure reports whether msg is an authentication failure
// that carries no job id and therefore belongs to the whole connection.
func IsConnectionAuthFailure(msg Message) bool {
	if msg.Type != TypeError || msg.RequestID != "" {
		return false
	}
	e, ok := msg.Payload.(*Error)
	if !ok {
		return false
	}
	switch strings.ToLower(e.ErrorCode) {
	case ErrorCodeAuthFailed, "authentication_failed", "unauthorized":
		return true
	}
	return false
}

// JobID derives the relay job identifier for a generation.
func JobID(generationID int64) string {
	return "gen-" + strconv.FormatInt(generationID, 10)
}

// GenerationID reverses JobID.
func GenerationID(jobID string) (int64, error) {
	rest, ok := strings.CutPrefix(jobID, "gen-")
	if !ok {
		return 0, fmt.Errorf("%w: %q", ErrInvalidJob, jobID)
	}
	id, err := strconv.ParseInt(rest, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: %q", ErrInvalidJob, jobID)
	}
	return id, nil
}

// Marshal encodes a message struct. All message types are plain structs, so
// encoding cannot fail.
func Marshal(v any) []byte {
	data, _ := json.Marshal(v)
	return data
}
