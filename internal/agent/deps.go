package agent

import (
	"context"
	"time"

	"github.com/vibecoder/vibecoder/internal/assistant"
	"github.com/vibecoder/vibecoder/internal/signaling"
	"github.com/vibecoder/vibecoder/pkg/protocol"
)

// SignalingClient abstracts the rendezvous WebSocket connection for
// testability.
type SignalingClient interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, msg protocol.Message) error
	Messages() <-chan protocol.Message
	RegisterSession(ctx context.Context, sessionID string) error
	UnregisterSession(sessionID string)
	LastHeartbeatAck() time.Time
	Close() error
}

// Deps holds the external dependencies the Agent needs. Tests inject fakes
// for components that require a network or a real assistant binary.
// Production code uses DefaultDeps().
type Deps struct {
	// Signaling builds the rendezvous client.
	Signaling func(cfg signaling.ClientConfig) SignalingClient

	// StartAssistant launches the assistant process. Nil means the real
	// pty-backed launcher.
	StartAssistant assistant.StartFunc
}

// DefaultDeps returns the production implementations.
func DefaultDeps() Deps {
	return Deps{
		Signaling: func(cfg signaling.ClientConfig) SignalingClient {
			return signaling.NewClient(cfg)
		},
	}
}
