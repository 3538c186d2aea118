package protocol

import (
	"encoding/json"
	"fmt"
)

// Start is the first command delivered to a ready container.
type Start struct {
	Envelope
	Prompt          string `json:"prompt"`
	Mode            string `json:"mode"`
	ResumeSessionID string `json:"resume_session_id,omitempty"`
}

// DecisionResponse answers a DecisionPrompt. It travels browser -> server ->
// container unchanged.
type DecisionResponse struct {
	Envelope
	ID       string `json:"id"`
	Response string `json:"response"`
}

// CredentialResponse answers a CredentialRequest. Values may be empty and
// Cancelled may be set; the container decides how to continue.
type CredentialResponse struct {
	Envelope
	ID        string            `json:"id"`
	Values    map[string]string `json:"values"`
	Cancelled bool              `json:"cancelled"`
}

// Shutdown asks the container to save its work and stop.
type Shutdown struct {
	Envelope
	Reason string `json:"reason,omitempty"`
}

// Cancel is a browser request to stop a generation.
type Cancel struct {
	Envelope
}

// GenerationState is emitted by the server after every lifecycle transition.
type GenerationState struct {
	Envelope
	State         string      `json:"state"`
	PreviousState string      `json:"previous_state,omitempty"`
	FailureReason string      `json:"failure_reason,omitempty"`
	Stop          *StopReport `json:"stop,omitempty"`
}

// StopReport describes how a cancelled generation ended.
type StopReport struct {
	Outcome    string `json:"outcome"`
	CommitHash string `json:"commit_hash,omitempty"`
	Pushed     bool   `json:"pushed"`
	Reason     string `json:"reason,omitempty"`
}

// BrowserAction is a decoded browser -> server frame.
type BrowserAction struct {
	Envelope
	Raw     json.RawMessage
	Payload any
}

// DecodeBrowserAction parses frames the browser is allowed to send.
func DecodeBrowserAction(data []byte) (BrowserAction, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return BrowserAction{}, fmt.Errorf("decode envelope: %w", err)
	}

	var payload any
	switch env.Type {
	case "":
		return BrowserAction{}, ErrMissingType
	case TypePing:
		return BrowserAction{Envelope: env, Raw: data}, nil
	case TypeDecisionResponse:
		payload = &DecisionResponse{}
	case TypeCredentialResponse:
		payload = &CredentialResponse{}
	case TypeCancel:
		payload = &Cancel{}
	default:
		return BrowserAction{}, fmt.Errorf("unsupported browser message type %q", env.Type)
	}

	if err := json.Unmarshal(data, payload); err != nil {
		return BrowserAction{}, fmt.Errorf("decode %s: %w", env.Type, err)
	}
	if env.RequestID == "" {
		return BrowserAction{}, fmt.Errorf("%s: request_id is required", env.Type)
	}
	return BrowserAction{Envelope: env, Raw: data, Payload: payload}, nil
}
