// Package protocol defines the wire formats shared by the vibe-coder host
// agent, the rendezvous server, and external clients.
//
// Two message families live here: signaling messages exchanged over the
// rendezvous WebSocket (register/join/verify-totp/offer/answer/candidate/...)
// and terminal frames exchanged over an established WebRTC data channel
// (ping/claude-command/response/key-input and their replies).
//
// All messages are JSON text with a "type" discriminator field. This package
// is intentionally free of external dependencies so browser-side tooling can
// mirror it from the JSON shapes alone.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownType is wrapped by Unmarshal and UnmarshalFrame when the "type"
// discriminator names no known message. Callers distinguish it from malformed
// JSON with errors.Is.
var ErrUnknownType = errors.New("unknown message type")

// Message is the interface implemented by all signaling messages.
// Each message type corresponds to a JSON object with a "type" discriminator.
type Message interface {
	// MessageType returns the wire-format type string (e.g. "offer").
	MessageType() string
}

// RegisterHostMessage is sent by the host agent to claim the host side of a
// session. The rendezvous creates the session if it does not exist yet.
type RegisterHostMessage struct {
	SessionID string `json:"sessionId"`
}

func (RegisterHostMessage) MessageType() string { return "register-host" }

// JoinSessionMessage is sent by a client to attach to a session.
type JoinSessionMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

func (JoinSessionMessage) MessageType() string { return "join-session" }

// VerifyTOTPMessage carries a client's TOTP code. The rendezvous forwards it
// to the host verbatim; only the host validates codes.
type VerifyTOTPMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	TOTPCode  string `json:"totpCode"`
}

func (VerifyTOTPMessage) MessageType() string { return "verify-totp" }

// OfferMessage carries a client's SDP offer toward the host. Token is the
// bearer token issued at authentication; the host rejects offers that do not
// verify.
type OfferMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Offer     string `json:"offer"`
	Token     string `json:"token,omitempty"`
}

func (OfferMessage) MessageType() string { return "offer" }

// AnswerMessage carries the host's SDP answer back to a client. An empty
// ClientID broadcasts to every client of the session.
type AnswerMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
	Answer    string `json:"answer"`
}

func (AnswerMessage) MessageType() string { return "answer" }

// ICECandidateMessage carries a trickle ICE candidate to the opposite side
// of the session.
type ICECandidateMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
	Candidate string `json:"candidate"`
	Token     string `json:"token,omitempty"`
}

func (ICECandidateMessage) MessageType() string { return "ice-candidate" }

// LeaveSessionMessage is sent by a client detaching from a session.
type LeaveSessionMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

func (LeaveSessionMessage) MessageType() string { return "leave-session" }

// HeartbeatMessage keeps a rendezvous session alive. Timestamp is epoch
// milliseconds at the sender.
type HeartbeatMessage struct {
	SessionID string `json:"sessionId"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (HeartbeatMessage) MessageType() string { return "heartbeat" }

// SessionCreatedMessage acknowledges a register-host.
type SessionCreatedMessage struct {
	SessionID string `json:"sessionId"`
}

func (SessionCreatedMessage) MessageType() string { return "session-created" }

// SessionJoinedMessage acknowledges a join-session to the joining client.
type SessionJoinedMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

func (SessionJoinedMessage) MessageType() string { return "session-joined" }

// SessionLeftMessage acknowledges a leave-session to the leaving client.
type SessionLeftMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

func (SessionLeftMessage) MessageType() string { return "session-left" }

// OfferReceivedMessage delivers a client offer to the host.
type OfferReceivedMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Offer     string `json:"offer"`
	Token     string `json:"token,omitempty"`
}

func (OfferReceivedMessage) MessageType() string { return "offer-received" }

// AnswerReceivedMessage delivers the host answer to a client.
type AnswerReceivedMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
	Answer    string `json:"answer"`
}

func (AnswerReceivedMessage) MessageType() string { return "answer-received" }

// CandidateReceivedMessage delivers an ICE candidate to the opposite side.
type CandidateReceivedMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
	Candidate string `json:"candidate"`
	Token     string `json:"token,omitempty"`
}

func (CandidateReceivedMessage) MessageType() string { return "candidate-received" }

// PeerConnectedMessage notifies the host that a client joined the session.
type PeerConnectedMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
}

func (PeerConnectedMessage) MessageType() string { return "peer-connected" }

// PeerDisconnectedMessage notifies the surviving side that the other side
// of a session detached.
type PeerDisconnectedMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId,omitempty"`
}

func (PeerDisconnectedMessage) MessageType() string { return "peer-disconnected" }

// AuthSuccessMessage is sent by the host after TOTP verification and routed
// to the verifying client. Token is the bearer token for subsequent
// signaling and HTTP calls.
type AuthSuccessMessage struct {
	SessionID string `json:"sessionId"`
	ClientID  string `json:"clientId"`
	Token     string `json:"token"`
}

func (AuthSuccessMessage) MessageType() string { return "auth-success" }

// HeartbeatAckMessage answers a heartbeat. Timestamp is epoch milliseconds
// at the rendezvous.
type HeartbeatAckMessage struct {
	SessionID string `json:"sessionId,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

func (HeartbeatAckMessage) MessageType() string { return "heartbeat-ack" }

// ErrorMessage reports a routing or validation failure. Error is the
// human-readable message; Code is stable and machine-readable.
type ErrorMessage struct {
	SessionID string `json:"sessionId,omitempty"`
	ClientID  string `json:"clientId,omitempty"`
	Code      string `json:"code,omitempty"`
	Error     string `json:"error"`
}

func (ErrorMessage) MessageType() string { return "error" }

// Stable error codes carried by ErrorMessage and ErrorFrame.
const (
	CodeBadJSON          = "bad-json"
	CodeUnknownType      = "unknown-type"
	CodeBinaryRejected   = "binary-rejected"
	CodeSessionNotFound  = "session-not-found"
	CodeHostUnavailable  = "host-unavailable"
	CodeNotRegistered    = "not-registered"
	CodeInvalidTOTP      = "invalid-totp"
	CodeAuthRequired     = "auth-required"
	CodeReauthRequired   = "reauth-required"
	CodeSessionExpired   = "session-expired"
	CodeSessionRevoked   = "session-revoked"
	CodeMaxConnections   = "max-connections"
	CodeSafetyRejected   = "safety-rejected"
	CodeCommandBusy      = "command-busy"
	CodeCommandTimeout   = "command-timeout"
	CodeAssistantFailure = "assistant-failure"
)

// messageTypes maps wire-format type strings to factory functions
// that produce zero-value pointers of the corresponding message type.
var messageTypes = map[string]func() Message{
	"register-host":      func() Message { return &RegisterHostMessage{} },
	"join-session":       func() Message { return &JoinSessionMessage{} },
	"verify-totp":        func() Message { return &VerifyTOTPMessage{} },
	"offer":              func() Message { return &OfferMessage{} },
	"answer":             func() Message { return &AnswerMessage{} },
	"ice-candidate":      func() Message { return &ICECandidateMessage{} },
	"leave-session":      func() Message { return &LeaveSessionMessage{} },
	"heartbeat":          func() Message { return &HeartbeatMessage{} },
	"session-created":    func() Message { return &SessionCreatedMessage{} },
	"session-joined":     func() Message { return &SessionJoinedMessage{} },
	"session-left":       func() Message { return &SessionLeftMessage{} },
	"offer-received":     func() Message { return &OfferReceivedMessage{} },
	"answer-received":    func() Message { return &AnswerReceivedMessage{} },
	"candidate-received": func() Message { return &CandidateReceivedMessage{} },
	"peer-connected":     func() Message { return &PeerConnectedMessage{} },
	"peer-disconnected":  func() Message { return &PeerDisconnectedMessage{} },
	"auth-success":       func() Message { return &AuthSuccessMessage{} },
	"heartbeat-ack":      func() Message { return &HeartbeatAckMessage{} },
	"error":              func() Message { return &ErrorMessage{} },
}

// Marshal serializes a Message to JSON, injecting the "type" discriminator field.
func Marshal(msg Message) ([]byte, error) {
	// First, marshal the message to get its fields as raw JSON.
	raw, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshaling message payload: %w", err)
	}

	// Decode into a generic map so we can inject the "type" field.
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding message payload: %w", err)
	}

	typeBytes, err := json.Marshal(msg.MessageType())
	if err != nil {
		return nil, fmt.Errorf("marshaling message type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// Unmarshal deserializes a JSON message, using the "type" discriminator
// to decode into the correct concrete Message type.
func Unmarshal(data []byte) (Message, error) {
	// First pass: extract the type field.
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding message envelope: %w", err)
	}

	factory, ok := messageTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	// Second pass: decode into the concrete type.
	msg := factory()
	if err := json.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("decoding %q message: %w", env.Type, err)
	}

	return msg, nil
}
