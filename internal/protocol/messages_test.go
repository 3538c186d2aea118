package protocol

import (
	"errors"
	"testing"
)

func TestDecodeTypedPayloads(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		input string
		check func(t *testing.T, msg Message)
	}{
		{
			name:  "progress",
			input: `{"type":"progress","request_id":"gen-7","stage":"build","step":"npm install","percentage":42.5,"iteration":2,"total_iterations":5}`,
			check: func(t *testing.T, msg Message) {
				p, ok := msg.Payload.(*Progress)
				if !ok {
					t.Fatalf("payload = %T, want *Progress", msg.Payload)
				}
				if p.Percentage != 42.5 || p.Iteration != 2 || p.TotalIterations != 5 {
					t.Fatalf("progress = %+v", p)
				}
			},
		},
		{
			name:  "credential request",
			input: `{"type":"credential_request","request_id":"gen-7","id":"c1","credentials":[{"key":"STRIPE_KEY","label":"Stripe","required":true,"sensitive":true,"validation_pattern":"^sk_"}]}`,
			check: func(t *testing.T, msg Message) {
				cr, ok := msg.Payload.(*CredentialRequest)
				if !ok {
					t.Fatalf("payload = %T, want *CredentialRequest", msg.Payload)
				}
				if len(cr.Credentials) != 1 || !cr.Credentials[0].Sensitive || cr.Credentials[0].ValidationPattern != "^sk_" {
					t.Fatalf("credentials = %+v", cr.Credentials)
				}
			},
		},
		{
			name:  "shutdown ready",
			input: `{"type":"shutdown_ready","request_id":"gen-7","message":"saved","commit_hash":"abc123","pushed":true}`,
			check: func(t *testing.T, msg Message) {
				sr, ok := msg.Payload.(*ShutdownReady)
				if !ok {
					t.Fatalf("payload = %T, want *ShutdownReady", msg.Payload)
				}
				if sr.CommitHash != "abc123" || !sr.Pushed {
					t.Fatalf("shutdown ready = %+v", sr)
				}
			},
		},
		{
			name:  "conversation log keeps fields",
			input: `{"type":"conversation_log","request_id":"gen-7","role":"assistant","tool":"bash"}`,
			check: func(t *testing.T, msg Message) {
				cl, ok := msg.Payload.(*ConversationLog)
				if !ok {
					t.Fatalf("payload = %T, want *ConversationLog", msg.Payload)
				}
				if string(cl.Fields["tool"]) != `"bash"` {
					t.Fatalf("tool field = %s", cl.Fields["tool"])
				}
			},
		},
		{
			name:  "unknown type is relayable",
			input: `{"type":"future_thing","request_id":"gen-7"}`,
			check: func(t *testing.T, msg Message) {
				if msg.Payload != nil {
					t.Fatalf("payload = %T, want nil", msg.Payload)
				}
				if msg.RequestID != "gen-7" {
					t.Fatalf("request id = %q", msg.RequestID)
				}
			},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			msg, err := Decode([]byte(tt.input))
			if err != nil {
				t.Fatalf("Decode: %v", err)
			}
			if string(msg.Raw) != tt.input {
				t.Fatalf("raw not preserved")
			}
			tt.check(t, msg)
		})
	}
}

func TestDecodeRejectsMissingType(t *testing.T) {
	t.Parallel()

	if _, err := Decode([]byte(`{"request_id":"gen-1"}`)); !errors.Is(err, ErrMissingType) {
		t.Fatalf("err = %v, want ErrMissingType", err)
	}
	if _, err := Decode([]byte(`not json`)); err == nil {
		t.Fatal("expected error for invalid json")
	}
}

func TestIsConnectionAuthFailure(t *testing.T) {
	t.Parallel()

	global, err := Decode([]byte(`{"type":"error","message":"token expired","error_code":"auth_failed","fatal":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if !IsConnectionAuthFailure(global) {
		t.Fatal("expected connection-level auth failure")
	}

	scoped, err := Decode([]byte(`{"type":"error","request_id":"gen-3","message":"token expired","error_code":"auth_failed","fatal":true}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if IsConnectionAuthFailure(scoped) {
		t.Fatal("error with a job id must stay attributed to its generation")
	}
}

func TestJobIDRoundTrip(t *testing.T) {
	t.Parallel()

	if got := JobID(42); got != "gen-42" {
		t.Fatalf("JobID(42) = %q", got)
	}
	id, err := GenerationID("gen-42")
	if err != nil || id != 42 {
		t.Fatalf("GenerationID = %d, %v", id, err)
	}
	for _, bad := range []string{"", "42", "gen-", "gen-x", "gen-0", "gen--1"} {
		if _, err := GenerationID(bad); !errors.Is(err, ErrInvalidJob) {
			t.Fatalf("GenerationID(%q) err = %v, want ErrInvalidJob", bad, err)
		}
	}
}

func TestDecodeBrowserAction(t *testing.T) {
	t.Parallel()

	action, err := DecodeBrowserAction([]byte(`{"type":"credential_response","request_id":"gen-5","id":"c1","values":{},"cancelled":true}`))
	if err != nil {
		t.Fatalf("DecodeBrowserAction: %v", err)
	}
	resp, ok := action.Payload.(*CredentialResponse)
	if !ok || !resp.Cancelled || resp.ID != "c1" {
		t.Fatalf("payload = %#v", action.Payload)
	}

	if _, err := DecodeBrowserAction([]byte(`{"type":"cancel"}`)); err == nil {
		t.Fatal("expected error for cancel without request_id")
	}
	if _, err := DecodeBrowserAction([]byte(`{"type":"all_work_complete","request_id":"gen-5"}`)); err == nil {
		t.Fatal("browser must not be able to send container messages")
	}
	if _, err := DecodeBrowserAction([]byte(`{"type":"ping"}`)); err != nil {
		t.Fatalf("ping: %v", err)
	}
}

func TestDecodeGenerationState(t *testing.T) {
	t.Parallel()

	msg, err := Decode([]byte(`{"type":"generation_state","request_id":"gen-4","state":"cancelled","previous_state":"cancelling","stop":{"outcome":"forced","pushed":false}}`))
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	st, ok := msg.Payload.(*GenerationState)
	if !ok {
		t.Fatalf("payload = %T, want *GenerationState", msg.Payload)
	}
	if st.State != "cancelled" || st.Stop == nil || st.Stop.Outcome != "forced" {
		t.Fatalf("state = %+v", st)
	}
}

func TestServerOnly(t *testing.T) {
	t.Parallel()

	for _, typ := range []MessageType{TypeConnectionStatus, TypeGenerationState, TypePong} {
		if !ServerOnly(typ) {
			t.Errorf("ServerOnly(%s) = false", typ)
		}
	}
	for _, typ := range []MessageType{TypeReady, TypeError, TypeGenerationStopped} {
		if ServerOnly(typ) {
			t.Errorf("ServerOnly(%s) = true", typ)
		}
	}
}
