// ABOUTME: BridgeMessage envelope with a closed message-type enumeration.
// ABOUTME: All controller/agent traffic, over either transport, uses this envelope.

package bridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// MessageType identifies the kind of bridge message. The set is closed:
// validation rejects anything not listed here.
type MessageType string

const (
	// TypeStartSession asks the agent to run a scripted session.
	TypeStartSession MessageType = "start_session"

	// TypeSessionResult carries the outcome of a session back to the controller.
	TypeSessionResult MessageType = "session_result"

	// TypeAgentReady announces that the agent has located the controller.
	TypeAgentReady MessageType = "agent_ready"

	// TypeControllerReady is the controller's connect-time handshake.
	TypeControllerReady MessageType = "controller_ready"

	// TypeControllerError reports a controller-side failure to the agent.
	TypeControllerError MessageType = "controller_error"
)

// Message errors
var (
	ErrInvalidMessage     = errors.New("invalid message")
	ErrUnknownMessageType = errors.New("unknown message type")
)

// Message is the unit of traffic between controller and agent. It is
// immutable once constructed; mutate by building a new one.
//
// ID is not part of the structural contract: it exists so the mailbox
// transport can name files and consumers can deduplicate redeliveries.
type Message struct {
	ID        string          `json:"id,omitempty"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp time.Time       `json:"timestamp"`
}

// StartSessionPayload is the payload of a start_session message. Spec is
// opaque to the bridge: the agent interprets it, the bridge only moves it.
type StartSessionPayload struct {
	PlanID string          `json:"plan_id"`
	Spec   json.RawMessage `json:"spec,omitempty"`
}

// SessionResultPayload is the payload of a session_result message.
type SessionResultPayload struct {
	PlanID     string `json:"plan_id"`
	Passed     bool   `json:"passed"`
	Summary    string `json:"summary,omitempty"`
	DurationMS int64  `json:"duration_ms,omitempty"`
	Error      string `json:"error,omitempty"`
}

// New builds a message of the given type with the payload marshaled to JSON.
// The payload must be JSON-serializable; a marshal failure is a programming
// error surfaced to the caller.
func New(mt MessageType, payload any) (*Message, error) {
	if !knownType(mt) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, mt)
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling payload: %w", err)
	}

	return &Message{
		ID:        uuid.New().String(),
		Type:      mt,
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// knownType reports whether mt is a member of the closed enumeration.
func knownType(mt MessageType) bool {
	switch mt {
	case TypeStartSession, TypeSessionResult, TypeAgentReady,
		TypeControllerReady, TypeControllerError:
		return true
	}
	return false
}

// Validate checks the structural contract: a known type, a non-nil payload,
// and a timestamp. Unknown types are rejected here, at the boundary, so they
// never reach a queue or an application handler.
func (m *Message) Validate() error {
	if m == nil {
		return fmt.Errorf("%w: nil message", ErrInvalidMessage)
	}
	if !knownType(m.Type) {
		return fmt.Errorf("%w: %q", ErrUnknownMessageType, m.Type)
	}
	if len(m.Payload) == 0 {
		return fmt.Errorf("%w: missing payload", ErrInvalidMessage)
	}
	if m.Timestamp.IsZero() {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidMessage)
	}
	return nil
}

// Decode parses raw JSON into a validated message. The error distinguishes
// malformed JSON from a structurally invalid message only in its text; both
// wrap ErrInvalidMessage or ErrUnknownMessageType for errors.Is checks.
func Decode(data []byte) (*Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// StartSession decodes the payload as a StartSessionPayload. It fails if the
// message is not a start_session or the payload lacks a plan id.
func (m *Message) StartSession() (*StartSessionPayload, error) {
	if m.Type != TypeStartSession {
		return nil, fmt.Errorf("%w: %q is not start_session", ErrInvalidMessage, m.Type)
	}
	var p StartSessionPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.PlanID == "" {
		return nil, fmt.Errorf("%w: start_session without plan_id", ErrInvalidMessage)
	}
	return &p, nil
}

// SessionResult decodes the payload as a SessionResultPayload.
func (m *Message) SessionResult() (*SessionResultPayload, error) {
	if m.Type != TypeSessionResult {
		return nil, fmt.Errorf("%w: %q is not session_result", ErrInvalidMessage, m.Type)
	}
	var p SessionResultPayload
	if err := json.Unmarshal(m.Payload, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if p.PlanID == "" {
		return nil, fmt.Errorf("%w: session_result without plan_id", ErrInvalidMessage)
	}
	return &p, nil
}
