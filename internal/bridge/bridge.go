// Package bridge owns the WebRTC peer channels of the host agent and
// ferries terminal frames between each data channel and the supervised
// assistant process.
//
// This is the critical glue in the agent's architecture:
//
//	mobile → data channel → frame dispatch → safety filter → assistant pty
//	assistant pty → supervisor events → per-channel send queue → data channel
//
// The bridge manages a set of channels, one per accepted offer. Inbound
// frames are dispatched on pion's callback goroutine; outbound frames go
// through a bounded per-channel queue drained by a writer goroutine, so a
// slow or dead peer can never block the assistant output pump.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	pionwebrtc "github.com/pion/webrtc/v4"

	"github.com/vibecoder/vibecoder/internal/assistant"
	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
	"github.com/vibecoder/vibecoder/internal/safety"
	vcwebrtc "github.com/vibecoder/vibecoder/internal/webrtc"
	"github.com/vibecoder/vibecoder/pkg/protocol"
)

// ErrNoChannel is returned when no peer channel matches the given session
// and client.
var ErrNoChannel = errors.New("no peer channel for session")

// DefaultSendQueueSize bounds each channel's outbound frame queue.
const DefaultSendQueueSize = 256

// Config configures a Bridge.
type Config struct {
	// ICE is the STUN/TURN configuration applied to every peer.
	ICE vcwebrtc.ICEConfig

	// API is an optional custom pion API (used by tests). If nil, the
	// default is used.
	API *pionwebrtc.API

	// Supervisor runs the assistant processes. Required.
	Supervisor *assistant.Supervisor

	// Filter vets every inbound command. Required.
	Filter *safety.Filter

	// OnICECandidate relays a locally gathered candidate toward the client
	// via the rendezvous. Optional.
	OnICECandidate func(sessionID, clientID, candidate string)

	// OnActivity is called whenever a channel sees inbound traffic, so the
	// session ledger can stamp lastActivity. Optional.
	OnActivity func(sessionID string)

	// OnChannelOpen is called when a channel's data channel opens. Optional.
	OnChannelOpen func(sessionID, connectionID string)

	// OnChannelClosed is called after a channel is torn down. Optional.
	OnChannelClosed func(sessionID, connectionID string)

	// SendQueueSize overrides DefaultSendQueueSize. Zero keeps the default.
	SendQueueSize int

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics is the host collector. Optional.
	Metrics *vcmetrics.Host

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Channel is one live peer channel: a WebRTC peer connection plus the data
// channel the client opened on it.
type Channel struct {
	id        string
	sessionID string
	clientID  string
	peer      *vcwebrtc.Peer
	createdAt time.Time

	mu           sync.Mutex
	dc           *pionwebrtc.DataChannel
	lastActivity time.Time
	subscribed   bool
	unsubscribe  func()
	closed       bool

	sendCh chan []byte
	done   chan struct{}
}

// ChannelInfo is a read-only view of one channel for the admin surface.
type ChannelInfo struct {
	ConnectionID  string    `json:"connectionId"`
	SessionID     string    `json:"sessionId"`
	ClientID      string    `json:"clientId"`
	State         string    `json:"state"`
	CandidateType string    `json:"candidateType"`
	CreatedAt     time.Time `json:"createdAt"`
	LastActivity  time.Time `json:"lastActivity"`
}

// Bridge owns all peer channels. Safe for concurrent use.
type Bridge struct {
	cfg     Config
	log     *slog.Logger
	metrics *vcmetrics.Host
	clock   func() time.Time
	queue   int

	mu       sync.Mutex
	channels map[string]*Channel
	closed   bool
}

// New creates a Bridge.
func New(cfg Config) *Bridge {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	queue := cfg.SendQueueSize
	if queue <= 0 {
		queue = DefaultSendQueueSize
	}

	return &Bridge{
		cfg:      cfg,
		log:      log.With("component", "bridge"),
		metrics:  cfg.Metrics,
		clock:    clock,
		queue:    queue,
		channels: make(map[string]*Channel),
	}
}

// HandleOffer accepts a client SDP offer for an authenticated session:
// it creates a peer connection, answers the offer, and registers a new
// channel. The caller relays the returned answer to the client. Token
// verification happens before this call; the bridge trusts its input.
func (b *Bridge) HandleOffer(sessionID, clientID, sdp string) (connectionID, answer string, err error) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return "", "", errors.New("bridge is shut down")
	}
	b.mu.Unlock()

	now := b.clock()
	ch := &Channel{
		id:           uuid.NewString(),
		sessionID:    sessionID,
		clientID:     clientID,
		createdAt:    now,
		lastActivity: now,
		sendCh:       make(chan []byte, b.queue),
		done:         make(chan struct{}),
	}

	peer, err := vcwebrtc.NewPeer(vcwebrtc.PeerConfig{
		ICE:          b.cfg.ICE,
		API:          b.cfg.API,
		ConnectionID: ch.id,
		SessionID:    sessionID,
		Logger:       b.log,
		OnICECandidate: func(candidate string) {
			if b.cfg.OnICECandidate != nil {
				b.cfg.OnICECandidate(sessionID, clientID, candidate)
			}
		},
		OnDataChannel: func(dc *pionwebrtc.DataChannel) {
			b.attach(ch, dc)
		},
	})
	if err != nil {
		return "", "", fmt.Errorf("creating peer for session %s: %w", sessionID, err)
	}
	ch.peer = peer

	answer, err = peer.HandleOffer(sdp)
	if err != nil {
		_ = peer.Close()
		return "", "", fmt.Errorf("answering offer for session %s: %w", sessionID, err)
	}

	b.mu.Lock()
	b.channels[ch.id] = ch
	total := len(b.channels)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.PeerChannelsActive.Set(float64(total))
	}
	b.log.Info("peer channel created",
		"connectionId", ch.id, "sessionId", sessionID, "clientId", clientID)

	// Tear the channel down when the peer layer reports a terminal state.
	go func() {
		<-peer.Done()
		b.CloseChannel(ch.id)
	}()

	return ch.id, answer, nil
}

// AddCandidate feeds a remote ICE candidate to the newest channel matching
// the session and client.
func (b *Bridge) AddCandidate(sessionID, clientID, candidate string) error {
	b.mu.Lock()
	var target *Channel
	for _, ch := range b.channels {
		if ch.sessionID != sessionID || ch.clientID != clientID {
			continue
		}
		if target == nil || ch.createdAt.After(target.createdAt) {
			target = ch
		}
	}
	b.mu.Unlock()

	if target == nil {
		return fmt.Errorf("%w: %s/%s", ErrNoChannel, sessionID, clientID)
	}
	return target.peer.AddICECandidate(candidate)
}

// attach wires an opened data channel into the bridge: inbound frames are
// dispatched, and a writer goroutine drains the send queue.
func (b *Bridge) attach(ch *Channel, dc *pionwebrtc.DataChannel) {
	ch.mu.Lock()
	ch.dc = dc
	ch.lastActivity = b.clock()
	ch.mu.Unlock()

	dc.OnMessage(func(msg pionwebrtc.DataChannelMessage) {
		if msg.IsString {
			b.handleFrame(ch, msg.Data)
			return
		}
		b.log.Warn("binary frame rejected", "connectionId", ch.id)
		b.send(ch, &protocol.ErrorFrame{
			Code:  protocol.CodeBinaryRejected,
			Error: "binary frames are not supported",
		})
	})

	go b.writeLoop(ch, dc)

	b.log.Info("data channel attached", "connectionId", ch.id, "sessionId", ch.sessionID)
	if b.cfg.OnChannelOpen != nil {
		b.cfg.OnChannelOpen(ch.sessionID, ch.id)
	}
}

// writeLoop drains the channel's send queue into the data channel.
func (b *Bridge) writeLoop(ch *Channel, dc *pionwebrtc.DataChannel) {
	for {
		select {
		case data := <-ch.sendCh:
			if err := dc.SendText(string(data)); err != nil {
				b.log.Warn("data channel send failed", "connectionId", ch.id, "error", err)
			}
		case <-ch.done:
			return
		}
	}
}

// handleFrame dispatches one inbound terminal frame.
func (b *Bridge) handleFrame(ch *Channel, data []byte) {
	now := b.clock()
	ch.mu.Lock()
	ch.lastActivity = now
	ch.mu.Unlock()

	if b.cfg.OnActivity != nil {
		b.cfg.OnActivity(ch.sessionID)
	}

	frame, err := protocol.UnmarshalFrame(data)
	if err != nil {
		code := protocol.CodeBadJSON
		if errors.Is(err, protocol.ErrUnknownType) {
			code = protocol.CodeUnknownType
		}
		b.send(ch, &protocol.ErrorFrame{Code: code, Error: err.Error()})
		return
	}

	switch f := frame.(type) {
	case *protocol.PingFrame:
		b.send(ch, &protocol.PongFrame{Timestamp: protocol.Millis(now)})
	case *protocol.CommandFrame:
		b.handleCommand(ch, f.Command)
	case *protocol.ResponseFrame:
		if err := b.cfg.Supervisor.SendInput(ch.sessionID, f.Data); err != nil {
			b.send(ch, &protocol.ErrorFrame{
				Code:  protocol.CodeAssistantFailure,
				Error: err.Error(),
			})
		}
	case *protocol.KeyInputFrame:
		if err := b.cfg.Supervisor.SendKeys(ch.sessionID, f.Data); err != nil {
			b.send(ch, &protocol.ErrorFrame{
				Code:  protocol.CodeAssistantFailure,
				Error: err.Error(),
			})
		}
	default:
		b.send(ch, &protocol.ErrorFrame{
			Code:  protocol.CodeUnknownType,
			Error: "frame type " + frame.FrameType() + " is not accepted by the host",
		})
	}
}

// handleCommand vets and runs one assistant command.
func (b *Bridge) handleCommand(ch *Channel, command string) {
	if err := b.cfg.Filter.Check(command); err != nil {
		b.log.Warn("command rejected",
			"sessionId", ch.sessionID, "connectionId", ch.id, "error", err)
		if b.metrics != nil {
			b.metrics.RecordCommand("rejected", 0)
		}
		b.send(ch, &protocol.ErrorFrame{
			Code:  protocol.CodeSafetyRejected,
			Error: err.Error(),
		})
		return
	}

	if strings.TrimSpace(command) == safety.ReservedExit {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := b.cfg.Supervisor.Exit(ctx, ch.sessionID); err != nil && !errors.Is(err, assistant.ErrNotRunning) {
			b.send(ch, &protocol.ErrorFrame{
				Code:  protocol.CodeAssistantFailure,
				Error: err.Error(),
			})
			return
		}
		b.send(ch, &protocol.CompletedFrame{Timestamp: protocol.Millis(b.clock())})
		return
	}

	// Subscribe before executing so no early output is missed. The
	// subscription also lazily spawns the assistant.
	if err := b.ensureSubscribed(ch); err != nil {
		b.send(ch, &protocol.ErrorFrame{
			Code:  protocol.CodeAssistantFailure,
			Error: err.Error(),
		})
		return
	}

	err := b.cfg.Supervisor.Execute(context.Background(), ch.sessionID, command)
	switch {
	case errors.Is(err, assistant.ErrBusy):
		b.send(ch, &protocol.ErrorFrame{
			Code:  protocol.CodeCommandBusy,
			Error: "a command is already running",
		})
	case err != nil:
		b.send(ch, &protocol.ErrorFrame{
			Code:  protocol.CodeAssistantFailure,
			Error: err.Error(),
		})
	}
}

// ensureSubscribed starts the event pump that forwards assistant output to
// this channel. Idempotent per channel.
func (b *Bridge) ensureSubscribed(ch *Channel) error {
	ch.mu.Lock()
	if ch.subscribed {
		ch.mu.Unlock()
		return nil
	}
	ch.mu.Unlock()

	events, cancel, err := b.cfg.Supervisor.Subscribe(ch.sessionID)
	if err != nil {
		return err
	}

	ch.mu.Lock()
	if ch.subscribed || ch.closed {
		ch.mu.Unlock()
		cancel()
		return nil
	}
	ch.subscribed = true
	ch.unsubscribe = cancel
	ch.mu.Unlock()

	go b.pumpEvents(ch, events)
	return nil
}

// pumpEvents translates supervisor events into outbound frames.
func (b *Bridge) pumpEvents(ch *Channel, events <-chan assistant.Event) {
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			switch ev.Kind {
			case assistant.EventOutput:
				b.send(ch, &protocol.OutputFrame{
					Data:      ev.Data,
					Timestamp: protocol.Millis(ev.Time),
				})
			case assistant.EventCompleted:
				b.send(ch, &protocol.CompletedFrame{Timestamp: protocol.Millis(ev.Time)})
			case assistant.EventError:
				code := protocol.CodeAssistantFailure
				if ev.Err != nil && strings.Contains(ev.Err.Error(), "timeout") {
					code = protocol.CodeCommandTimeout
				}
				msg := "assistant failure"
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				b.send(ch, &protocol.ErrorFrame{Code: code, Error: msg})
			case assistant.EventExited:
				b.send(ch, &protocol.ErrorFrame{
					Code:  protocol.CodeAssistantFailure,
					Error: "assistant process exited",
				})
				ch.mu.Lock()
				ch.subscribed = false
				ch.unsubscribe = nil
				ch.mu.Unlock()
			}
		case <-ch.done:
			return
		}
	}
}

// send marshals a frame and enqueues it on the channel's writer. Frames are
// dropped with a warning when the data channel is not open yet or the queue
// is full.
func (b *Bridge) send(ch *Channel, frame protocol.Frame) {
	data, err := protocol.MarshalFrame(frame)
	if err != nil {
		b.log.Error("marshaling outbound frame", "type", frame.FrameType(), "error", err)
		return
	}

	ch.mu.Lock()
	dc := ch.dc
	closed := ch.closed
	ch.mu.Unlock()

	if closed {
		return
	}
	if dc == nil || dc.ReadyState() != pionwebrtc.DataChannelStateOpen {
		b.log.Warn("dropping frame, data channel not open",
			"connectionId", ch.id, "type", frame.FrameType())
		return
	}

	select {
	case ch.sendCh <- data:
	default:
		b.log.Warn("dropping frame, send queue full",
			"connectionId", ch.id, "type", frame.FrameType())
		if b.metrics != nil {
			b.metrics.OutputDropped.Inc()
		}
	}
}

// CloseChannel tears down one channel by connection ID.
func (b *Bridge) CloseChannel(connectionID string) {
	b.mu.Lock()
	ch, ok := b.channels[connectionID]
	if ok {
		delete(b.channels, connectionID)
	}
	total := len(b.channels)
	b.mu.Unlock()

	if !ok {
		return
	}
	b.teardown(ch)

	if b.metrics != nil {
		b.metrics.PeerChannelsActive.Set(float64(total))
	}
	if b.cfg.OnChannelClosed != nil {
		b.cfg.OnChannelClosed(ch.sessionID, ch.id)
	}
}

// CloseSession tears down every channel belonging to sessionID and returns
// how many were closed. Used when a session is invalidated.
func (b *Bridge) CloseSession(sessionID string) int {
	b.mu.Lock()
	var doomed []*Channel
	for id, ch := range b.channels {
		if ch.sessionID == sessionID {
			doomed = append(doomed, ch)
			delete(b.channels, id)
		}
	}
	total := len(b.channels)
	b.mu.Unlock()

	for _, ch := range doomed {
		b.teardown(ch)
		if b.cfg.OnChannelClosed != nil {
			b.cfg.OnChannelClosed(ch.sessionID, ch.id)
		}
	}
	if b.metrics != nil {
		b.metrics.PeerChannelsActive.Set(float64(total))
	}
	return len(doomed)
}

func (b *Bridge) teardown(ch *Channel) {
	ch.mu.Lock()
	if ch.closed {
		ch.mu.Unlock()
		return
	}
	ch.closed = true
	unsubscribe := ch.unsubscribe
	ch.unsubscribe = nil
	ch.mu.Unlock()

	close(ch.done)
	if unsubscribe != nil {
		unsubscribe()
	}
	if err := ch.peer.Close(); err != nil {
		b.log.Debug("closing peer", "connectionId", ch.id, "error", err)
	}

	b.log.Info("peer channel closed", "connectionId", ch.id, "sessionId", ch.sessionID)
}

// Sweep closes channels idle for longer than maxIdle and returns how many
// were removed.
func (b *Bridge) Sweep(maxIdle time.Duration) int {
	cutoff := b.clock().Add(-maxIdle)

	b.mu.Lock()
	var doomed []string
	for id, ch := range b.channels {
		ch.mu.Lock()
		idle := ch.lastActivity.Before(cutoff)
		ch.mu.Unlock()
		if idle {
			doomed = append(doomed, id)
		}
	}
	b.mu.Unlock()

	for _, id := range doomed {
		b.CloseChannel(id)
	}
	if len(doomed) > 0 {
		b.log.Info("swept idle peer channels", "count", len(doomed))
	}
	return len(doomed)
}

// Count returns the number of live channels.
func (b *Bridge) Count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.channels)
}

// List returns a snapshot of every live channel for the admin surface.
func (b *Bridge) List() []ChannelInfo {
	b.mu.Lock()
	channels := make([]*Channel, 0, len(b.channels))
	for _, ch := range b.channels {
		channels = append(channels, ch)
	}
	b.mu.Unlock()

	infos := make([]ChannelInfo, 0, len(channels))
	for _, ch := range channels {
		ch.mu.Lock()
		last := ch.lastActivity
		ch.mu.Unlock()
		infos = append(infos, ChannelInfo{
			ConnectionID:  ch.id,
			SessionID:     ch.sessionID,
			ClientID:      ch.clientID,
			State:         ch.peer.ConnectionState().String(),
			CandidateType: ch.peer.ICECandidateType(),
			CreatedAt:     ch.createdAt,
			LastActivity:  last,
		})
	}
	return infos
}

// Shutdown closes every channel and refuses new offers.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	b.closed = true
	var doomed []*Channel
	for id, ch := range b.channels {
		doomed = append(doomed, ch)
		delete(b.channels, id)
	}
	b.mu.Unlock()

	for _, ch := range doomed {
		b.teardown(ch)
	}
	if b.metrics != nil {
		b.metrics.PeerChannelsActive.Set(0)
	}
	b.log.Info("bridge shut down", "closedChannels", len(doomed))
}
