// Package agent is the top-level orchestrator of the vibe-coder host. It
// ties together the persisted identity, the session ledger, the assistant
// supervisor, the WebRTC bridge, the rendezvous signaling client, and the
// admin HTTP surface.
//
// The agent manages the full lifecycle:
//  1. Load (or create) the host identity in the workspace
//  2. Connect to the rendezvous and register known sessions
//  3. Answer TOTP verifications, offers and ICE candidates from clients
//  4. Bridge terminal frames between data channels and the assistant
//  5. Sweep idle channels, processes and expired sessions
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"golang.org/x/sync/errgroup"

	"github.com/vibecoder/vibecoder/internal/admin"
	"github.com/vibecoder/vibecoder/internal/assistant"
	"github.com/vibecoder/vibecoder/internal/bridge"
	"github.com/vibecoder/vibecoder/internal/config"
	"github.com/vibecoder/vibecoder/internal/identity"
	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
	"github.com/vibecoder/vibecoder/internal/safety"
	"github.com/vibecoder/vibecoder/internal/session"
	"github.com/vibecoder/vibecoder/internal/signaling"
	vcwebrtc "github.com/vibecoder/vibecoder/internal/webrtc"
	"github.com/vibecoder/vibecoder/pkg/protocol"
)

// Sweep cadences.
const (
	maintenanceInterval = time.Minute
	channelMaxIdle      = 5 * time.Minute
	processMaxIdle      = 30 * time.Minute
	shutdownGrace       = 30 * time.Second
)

// Agent orchestrates the vibe-coder host.
type Agent struct {
	cfg     *config.Config
	log     *slog.Logger
	deps    Deps
	version string

	registry *prometheus.Registry
	metrics  *vcmetrics.Host

	identity *identity.Store
	sessions *session.Manager
	sup      *assistant.Supervisor
	bridge   *bridge.Bridge
	admin    *admin.Server

	mu  sync.Mutex
	sig SignalingClient
}

// New creates an Agent. Run does the heavy lifting.
func New(cfg *config.Config, logger *slog.Logger, version string, deps Deps) *Agent {
	if logger == nil {
		logger = slog.Default()
	}
	if deps.Signaling == nil {
		deps.Signaling = DefaultDeps().Signaling
	}
	return &Agent{
		cfg:     cfg,
		log:     logger.With("component", "agent"),
		deps:    deps,
		version: version,
	}
}

// Run starts the agent and blocks until the context is cancelled or a fatal
// error occurs.
func (a *Agent) Run(ctx context.Context) error {
	a.identity = identity.NewStore(a.cfg.WorkspacePath, a.log)
	ident, err := a.identity.Load()
	if err != nil {
		return fmt.Errorf("loading host identity: %w", err)
	}
	a.log.Info("host identity loaded", "hostId", ident.HostID)

	a.registry = prometheus.NewRegistry()
	a.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	a.metrics = vcmetrics.NewHost(a.registry)

	a.sessions = session.NewManager(session.Config{
		Identity:       a.identity,
		Logger:         a.log,
		Metrics:        a.metrics,
		MaxConnections: a.cfg.MaxConnections,
		TOTPSkew:       a.cfg.TOTPSkew,
		OnInvalidated:  a.onSessionInvalidated,
	})

	a.sup = assistant.NewSupervisor(assistant.Config{
		Command:        a.cfg.AssistantCommand,
		Args:           a.cfg.AssistantArgList(),
		WorkspaceDir:   a.cfg.WorkspacePath,
		Singleton:      a.cfg.AssistantMode == config.ModeSingleton,
		CommandTimeout: a.cfg.CommandTimeout,
		Start:          a.deps.StartAssistant,
		Logger:         a.log,
		Metrics:        a.metrics,
	})

	filter := safety.NewFilter()

	a.bridge = bridge.New(bridge.Config{
		ICE: vcwebrtc.ICEConfig{
			STUNServers: a.cfg.STUNList(),
			TURNServers: a.cfg.TURNList(),
		},
		Supervisor:     a.sup,
		Filter:         filter,
		OnICECandidate: a.relayCandidate,
		OnActivity: func(sessionID string) {
			_ = a.sessions.Touch(sessionID)
		},
		OnChannelOpen: func(sessionID, connectionID string) {
			_ = a.sessions.MarkConnected(sessionID)
		},
		OnChannelClosed: func(sessionID, connectionID string) {
			_ = a.sessions.MarkDisconnected(sessionID, connectionID)
		},
		Logger:  a.log,
		Metrics: a.metrics,
	})

	sig := a.deps.Signaling(signaling.ClientConfig{
		ServerURL: a.cfg.SignalingEndpoint(),
		HostID:    ident.HostID,
		Logger:    a.log,
		Metrics:   a.metrics,
		Reconnect: signaling.ReconnectConfig{Enabled: true},
	})
	a.mu.Lock()
	a.sig = sig
	a.mu.Unlock()

	a.admin = admin.New(admin.Config{
		Identity:         a.identity,
		Sessions:         a.sessions,
		Assistant:        a.sup,
		Bridge:           a.bridge,
		Filter:           filter,
		Logger:           a.log,
		Gatherer:         a.registry,
		Version:          a.version,
		CommandTimeout:   a.cfg.CommandTimeout,
		LastHeartbeatAck: sig.LastHeartbeatAck,
		OnSessionCreated: a.onSessionCreated,
	})

	if err := sig.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to rendezvous: %w", err)
	}

	// Sessions surviving a restart are re-registered so clients can resume.
	for _, snap := range a.sessions.List() {
		if err := sig.RegisterSession(ctx, snap.ID); err != nil {
			a.log.Warn("re-registering session", "sessionId", snap.ID, "error", err)
		}
	}

	a.log.Info("agent started",
		"hostId", ident.HostID,
		"workspace", a.cfg.WorkspacePath,
		"rendezvous", a.cfg.SignalingEndpoint(),
		"adminAddr", a.cfg.AdminAddr(),
	)

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return a.admin.Run(ctx, a.cfg.AdminAddr()) })
	g.Go(func() error { return a.processMessages(ctx) })
	g.Go(func() error { a.maintenanceLoop(ctx); return nil })

	err = g.Wait()
	a.shutdown()

	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// onSessionCreated registers a freshly minted session with the rendezvous.
func (a *Agent) onSessionCreated(sessionID string) {
	a.mu.Lock()
	sig := a.sig
	a.mu.Unlock()
	if sig == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := sig.RegisterSession(ctx, sessionID); err != nil {
		a.log.Warn("registering session with rendezvous", "sessionId", sessionID, "error", err)
	}
}

// onSessionInvalidated tears down the channels of a dead session and stops
// heartbeating it.
func (a *Agent) onSessionInvalidated(sessionID string, connectionIDs []string) {
	if a.bridge != nil {
		a.bridge.CloseSession(sessionID)
	}
	a.mu.Lock()
	sig := a.sig
	a.mu.Unlock()
	if sig != nil {
		sig.UnregisterSession(sessionID)
	}
}

// relayCandidate forwards a locally gathered ICE candidate to the client.
func (a *Agent) relayCandidate(sessionID, clientID, candidate string) {
	a.mu.Lock()
	sig := a.sig
	a.mu.Unlock()
	if sig == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := sig.Send(ctx, &protocol.ICECandidateMessage{
		SessionID: sessionID,
		ClientID:  clientID,
		Candidate: candidate,
	})
	if err != nil {
		a.log.Warn("relaying ICE candidate", "sessionId", sessionID, "error", err)
	}
}

// processMessages reads rendezvous messages and dispatches them until the
// context is cancelled or the signaling channel closes for good.
func (a *Agent) processMessages(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case msg, ok := <-a.sig.Messages():
			if !ok {
				return errors.New("signaling connection closed")
			}
			if err := a.handleMessage(ctx, msg); err != nil {
				a.log.Error("handling signaling message",
					"type", msg.MessageType(), "error", err)
			}
		}
	}
}

// handleMessage dispatches one rendezvous message.
func (a *Agent) handleMessage(ctx context.Context, msg protocol.Message) error {
	switch m := msg.(type) {
	case *protocol.VerifyTOTPMessage:
		return a.handleVerifyTOTP(ctx, m)
	case *protocol.OfferReceivedMessage:
		return a.handleOffer(ctx, m)
	case *protocol.CandidateReceivedMessage:
		return a.handleCandidate(ctx, m)
	case *protocol.PeerConnectedMessage:
		a.log.Info("client joined session", "sessionId", m.SessionID, "clientId", m.ClientID)
		_ = a.sessions.Touch(m.SessionID)
		return nil
	case *protocol.PeerDisconnectedMessage:
		a.log.Info("client left session", "sessionId", m.SessionID, "clientId", m.ClientID)
		return nil
	case *protocol.SessionCreatedMessage:
		a.log.Debug("session registered with rendezvous", "sessionId", m.SessionID)
		return nil
	case *protocol.ErrorMessage:
		a.log.Warn("rendezvous error", "code", m.Code, "error", m.Error)
		return nil
	default:
		a.log.Debug("ignoring message", "type", msg.MessageType())
		return nil
	}
}

// handleVerifyTOTP checks the client's code against the host secret and
// answers with a bearer token or an error.
func (a *Agent) handleVerifyTOTP(ctx context.Context, m *protocol.VerifyTOTPMessage) error {
	v := a.sessions.VerifyTOTP(m.SessionID, m.TOTPCode)
	if v.Result == session.AuthOK {
		a.log.Info("client authenticated", "sessionId", m.SessionID, "clientId", m.ClientID)
		return a.sig.Send(ctx, &protocol.AuthSuccessMessage{
			SessionID: m.SessionID,
			ClientID:  m.ClientID,
			Token:     v.Token,
		})
	}

	a.log.Warn("TOTP verification failed",
		"sessionId", m.SessionID, "clientId", m.ClientID, "result", v.Result.String())
	code := authResultCode(v.Result)
	return a.sendError(ctx, m.SessionID, m.ClientID, code, authFailureText(code))
}

// handleOffer verifies the bearer token and re-auth gate, then answers the
// client's SDP offer with a new peer channel.
func (a *Agent) handleOffer(ctx context.Context, m *protocol.OfferReceivedMessage) error {
	if err := a.sessions.VerifyToken(m.SessionID, m.Token); err != nil {
		return a.sendError(ctx, m.SessionID, m.ClientID, tokenErrorCode(err), err.Error())
	}

	reauth, err := a.sessions.RequiresReAuth(m.SessionID)
	if err != nil {
		return a.sendError(ctx, m.SessionID, m.ClientID, tokenErrorCode(err), err.Error())
	}
	if reauth {
		return a.sendError(ctx, m.SessionID, m.ClientID,
			protocol.CodeReauthRequired, "re-authentication required")
	}

	connID, answer, err := a.bridge.HandleOffer(m.SessionID, m.ClientID, m.Offer)
	if err != nil {
		a.log.Error("answering offer", "sessionId", m.SessionID, "error", err)
		return a.sendError(ctx, m.SessionID, m.ClientID,
			protocol.CodeHostUnavailable, "host could not answer the offer")
	}

	if _, err := a.sessions.AddPeerChannel(m.SessionID, connID); err != nil {
		a.bridge.CloseChannel(connID)
		return a.sendError(ctx, m.SessionID, m.ClientID, tokenErrorCode(err), err.Error())
	}

	return a.sig.Send(ctx, &protocol.AnswerMessage{
		SessionID: m.SessionID,
		ClientID:  m.ClientID,
		Answer:    answer,
	})
}

// handleCandidate verifies the bearer token and feeds the candidate to the
// matching peer channel.
func (a *Agent) handleCandidate(ctx context.Context, m *protocol.CandidateReceivedMessage) error {
	if err := a.sessions.VerifyToken(m.SessionID, m.Token); err != nil {
		return a.sendError(ctx, m.SessionID, m.ClientID, tokenErrorCode(err), err.Error())
	}

	if err := a.bridge.AddCandidate(m.SessionID, m.ClientID, m.Candidate); err != nil {
		// Candidates racing a closed channel are routine.
		a.log.Debug("dropping ICE candidate", "sessionId", m.SessionID, "error", err)
	}
	return nil
}

// sendError routes a host-originated error back to one client via the
// rendezvous.
func (a *Agent) sendError(ctx context.Context, sessionID, clientID, code, msg string) error {
	return a.sig.Send(ctx, &protocol.ErrorMessage{
		SessionID: sessionID,
		ClientID:  clientID,
		Code:      code,
		Error:     msg,
	})
}

// authResultCode maps a TOTP verification outcome to a wire error code.
// Unknown session IDs answer exactly like wrong codes so the verify path
// cannot be used to probe which IDs exist.
func authResultCode(r session.AuthResult) string {
	switch r {
	case session.AuthExpired:
		return protocol.CodeSessionExpired
	case session.AuthRevoked:
		return protocol.CodeSessionRevoked
	default:
		return protocol.CodeInvalidTOTP
	}
}

// authFailureText is the client-facing message for a verification failure.
// The precise result stays in the host log.
func authFailureText(code string) string {
	switch code {
	case protocol.CodeSessionExpired:
		return "session expired"
	case protocol.CodeSessionRevoked:
		return "session revoked"
	default:
		return "TOTP verification failed"
	}
}

// tokenErrorCode maps ledger errors to wire error codes.
func tokenErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return protocol.CodeSessionNotFound
	case errors.Is(err, session.ErrSessionExpired):
		return protocol.CodeSessionExpired
	case errors.Is(err, session.ErrSessionTerminated):
		return protocol.CodeSessionRevoked
	case errors.Is(err, session.ErrReauthRequired):
		return protocol.CodeReauthRequired
	case errors.Is(err, session.ErrMaxConnections):
		return protocol.CodeMaxConnections
	default:
		return protocol.CodeAuthRequired
	}
}

// maintenanceLoop sweeps idle channels, idle assistant processes and expired
// sessions, and logs a status snapshot.
func (a *Agent) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(maintenanceInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		channels := a.bridge.Sweep(channelMaxIdle)
		processes := a.sup.Sweep(processMaxIdle)
		expired := a.sessions.SweepExpired()
		if channels > 0 || processes > 0 || expired > 0 {
			a.log.Info("maintenance sweep",
				"channels", channels, "processes", processes, "sessions", expired)
		}

		a.log.Debug("status",
			"sessions", a.sessions.Count(),
			"peerChannels", a.bridge.Count(),
			"assistantProcesses", a.sup.Count(),
		)
	}
}

// shutdown tears the agent down in dependency order: signaling first so no
// new offers arrive, then the peer channels, then the assistants.
func (a *Agent) shutdown() {
	a.log.Info("shutting down agent")

	a.mu.Lock()
	sig := a.sig
	a.mu.Unlock()
	if sig != nil {
		if err := sig.Close(); err != nil {
			a.log.Error("closing signaling client", "error", err)
		}
	}

	if a.bridge != nil {
		a.bridge.Shutdown()
	}

	if a.sup != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		a.sup.Shutdown(ctx)
	}
}
