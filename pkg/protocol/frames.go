package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Frame is the interface implemented by all terminal frames carried over an
// established data channel. Like signaling messages, frames are JSON objects
// with a "type" discriminator.
type Frame interface {
	// FrameType returns the wire-format type string (e.g. "claude-command").
	FrameType() string
}

// PingFrame probes channel liveness. Timestamp is epoch milliseconds at the
// client.
type PingFrame struct {
	Timestamp int64 `json:"timestamp,omitempty"`
}

func (PingFrame) FrameType() string { return "ping" }

// CommandFrame asks the host to run one assistant command.
type CommandFrame struct {
	Command string `json:"command"`
}

func (CommandFrame) FrameType() string { return "claude-command" }

// ResponseFrame carries user input answering an assistant prompt. Data is
// written to the assistant followed by a carriage return.
type ResponseFrame struct {
	Data string `json:"data"`
}

func (ResponseFrame) FrameType() string { return "response" }

// KeyInputFrame carries raw keystroke bytes written to the assistant pty
// unmodified.
type KeyInputFrame struct {
	Data string `json:"data"`
}

func (KeyInputFrame) FrameType() string { return "key-input" }

// OutputFrame streams a chunk of assistant output to the client.
type OutputFrame struct {
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp,omitempty"`
}

func (OutputFrame) FrameType() string { return "output" }

// ErrorFrame reports a failure on the channel. Error is human-readable;
// Code is stable and machine-readable.
type ErrorFrame struct {
	Code  string `json:"code,omitempty"`
	Error string `json:"error"`
}

func (ErrorFrame) FrameType() string { return "error" }

// CompletedFrame signals that the current command finished and the assistant
// is ready for the next input.
type CompletedFrame struct {
	Timestamp int64 `json:"timestamp"`
}

func (CompletedFrame) FrameType() string { return "completed" }

// PongFrame answers a ping. Timestamp is epoch milliseconds at the host.
type PongFrame struct {
	Timestamp int64 `json:"timestamp"`
}

func (PongFrame) FrameType() string { return "pong" }

var frameTypes = map[string]func() Frame{
	"ping":           func() Frame { return &PingFrame{} },
	"claude-command": func() Frame { return &CommandFrame{} },
	"response":       func() Frame { return &ResponseFrame{} },
	"key-input":      func() Frame { return &KeyInputFrame{} },
	"output":         func() Frame { return &OutputFrame{} },
	"error":          func() Frame { return &ErrorFrame{} },
	"completed":      func() Frame { return &CompletedFrame{} },
	"pong":           func() Frame { return &PongFrame{} },
}

// MarshalFrame serializes a Frame to JSON, injecting the "type" field.
func MarshalFrame(f Frame) ([]byte, error) {
	raw, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("marshaling frame payload: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, fmt.Errorf("re-decoding frame payload: %w", err)
	}

	typeBytes, err := json.Marshal(f.FrameType())
	if err != nil {
		return nil, fmt.Errorf("marshaling frame type: %w", err)
	}
	obj["type"] = typeBytes

	return json.Marshal(obj)
}

// UnmarshalFrame deserializes a JSON frame by its "type" discriminator.
func UnmarshalFrame(data []byte) (Frame, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding frame envelope: %w", err)
	}

	factory, ok := frameTypes[env.Type]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	f := factory()
	if err := json.Unmarshal(data, f); err != nil {
		return nil, fmt.Errorf("decoding %q frame: %w", env.Type, err)
	}

	return f, nil
}

// Millis converts a time to the epoch-millisecond representation used in
// wire timestamps.
func Millis(t time.Time) int64 { return t.UnixMilli() }
