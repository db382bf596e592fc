// Package rendezvous implements the signaling fabric: a WebSocket server
// that pairs a host agent with mobile clients per session and routes
// offer/answer/ICE-candidate traffic between them. It holds no
// authentication state — TOTP codes and bearer tokens pass through opaque,
// and the host alone decides whether to accept a peering.
package rendezvous

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
	"github.com/vibecoder/vibecoder/pkg/protocol"
)

const (
	// DefaultSessionTTL is how long a session may sit without traffic
	// before the sweeper reaps it.
	DefaultSessionTTL = 10 * time.Minute

	// DefaultSweepInterval is how often the inactivity sweeper runs.
	DefaultSweepInterval = time.Minute
)

// Config holds Server configuration.
type Config struct {
	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics is the rendezvous collector. Optional.
	Metrics *vcmetrics.Rendezvous

	// SessionTTL overrides DefaultSessionTTL. Zero keeps the default.
	SessionTTL time.Duration

	// SweepInterval overrides DefaultSweepInterval. Zero keeps the default.
	SweepInterval time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// socket is one accepted WebSocket connection. A single socket may serve as
// the host endpoint for many sessions, or as a client in one or more.
type socket struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	// role is "" until the first register-host or join-session, then
	// "host" or "client". Used only for the connections gauge.
	role string
}

func (s *socket) send(ctx context.Context, msg protocol.Message) error {
	data, err := protocol.Marshal(msg)
	if err != nil {
		return err
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	return s.conn.Write(ctx, websocket.MessageText, data)
}

// session is the rendezvous-side record for one sessionId: the host socket,
// attached clients, and payloads parked while the host is away.
type session struct {
	id      string
	host    *socket
	clients map[string]*socket

	// pendingOffers and pendingCandidates hold client payloads that
	// arrived while no host socket was attached. They are flushed, in
	// arrival order, when the host registers.
	pendingOffers     []*protocol.OfferReceivedMessage
	pendingCandidates []*protocol.CandidateReceivedMessage

	createdAt    time.Time
	lastActivity time.Time
}

func (s *session) empty() bool {
	return s.host == nil && len(s.clients) == 0
}

// Server is the rendezvous signaling server. It implements http.Handler;
// each request is expected to be a WebSocket upgrade.
type Server struct {
	log     *slog.Logger
	metrics *vcmetrics.Rendezvous
	ttl     time.Duration
	clock   func() time.Time

	mu       sync.Mutex
	sessions map[string]*session
	sockets  map[*socket]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a Server and starts its inactivity sweeper.
func NewServer(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	ttl := cfg.SessionTTL
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	interval := cfg.SweepInterval
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		log:      log.With("component", "rendezvous"),
		metrics:  cfg.Metrics,
		ttl:      ttl,
		clock:    clock,
		sessions: make(map[string]*session),
		sockets:  make(map[*socket]struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				s.Sweep()
			case <-ctx.Done():
				return
			}
		}
	}()

	return s
}

// Close shuts the server down, forcefully closing every connection.
func (s *Server) Close() {
	s.cancel()

	s.mu.Lock()
	for sock := range s.sockets {
		_ = sock.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// SessionCount returns the number of tracked sessions.
func (s *Server) SessionCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Sweep removes sessions whose lastActivity is older than the TTL and
// returns how many were reaped. Attached sockets stay open; they may
// re-register.
func (s *Server) Sweep() int {
	cutoff := s.clock().Add(-s.ttl)

	s.mu.Lock()
	var reaped int
	for id, sess := range s.sessions {
		if sess.lastActivity.Before(cutoff) {
			delete(s.sessions, id)
			reaped++
		}
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if reaped > 0 {
		s.log.Info("reaped inactive sessions", "count", reaped, "remaining", total)
		if s.metrics != nil {
			s.metrics.SessionsReaped.Add(float64(reaped))
			s.metrics.SessionsActive.Set(float64(total))
		}
	}
	return reaped
}

// ServeHTTP implements http.Handler. Each request is expected to be a
// WebSocket upgrade; frames are routed until the socket disconnects.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("WebSocket accept failed", "error", err)
		return
	}
	defer func() {
		_ = c.Close(websocket.StatusNormalClosure, "")
	}()

	sock := &socket{conn: c}

	s.mu.Lock()
	s.sockets[sock] = struct{}{}
	s.mu.Unlock()

	defer s.detach(sock)

	ctx := s.ctx
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}

		if typ != websocket.MessageText {
			s.dropped("binary")
			_ = sock.send(ctx, &protocol.ErrorMessage{
				Code:  protocol.CodeBinaryRejected,
				Error: "binary frames are not supported",
			})
			continue
		}

		s.handleMessage(ctx, sock, data)
	}
}

// handleMessage decodes one inbound frame and routes it. Malformed JSON and
// unknown types get an error reply; the connection is preserved.
func (s *Server) handleMessage(ctx context.Context, sock *socket, data []byte) {
	msg, err := protocol.Unmarshal(data)
	if err != nil {
		s.log.Debug("unroutable frame", "error", err)
		code := protocol.CodeBadJSON
		reason := "bad_json"
		if isUnknownType(err) {
			code = protocol.CodeUnknownType
			reason = "unknown_type"
		}
		s.dropped(reason)
		_ = sock.send(ctx, &protocol.ErrorMessage{Code: code, Error: err.Error()})
		return
	}

	switch m := msg.(type) {
	case *protocol.RegisterHostMessage:
		s.handleRegisterHost(ctx, sock, m)
	case *protocol.JoinSessionMessage:
		s.handleJoinSession(ctx, sock, m)
	case *protocol.VerifyTOTPMessage:
		s.routeToHost(ctx, sock, m.SessionID, msg)
	case *protocol.OfferMessage:
		s.handleOffer(ctx, sock, m)
	case *protocol.AnswerMessage:
		s.handleAnswer(ctx, sock, m)
	case *protocol.ICECandidateMessage:
		s.handleCandidate(ctx, sock, m)
	case *protocol.LeaveSessionMessage:
		s.handleLeave(ctx, sock, m)
	case *protocol.HeartbeatMessage:
		s.handleHeartbeat(ctx, sock, m)
	case *protocol.AuthSuccessMessage:
		s.routeToClient(ctx, m.SessionID, m.ClientID, msg)
	case *protocol.ErrorMessage:
		// Host-originated verification failures ride the error type back
		// to the client that caused them.
		if m.SessionID != "" && m.ClientID != "" {
			s.routeToClient(ctx, m.SessionID, m.ClientID, msg)
			return
		}
		s.dropped("unknown_type")
	default:
		s.dropped("unknown_type")
		_ = sock.send(ctx, &protocol.ErrorMessage{
			Code:  protocol.CodeUnknownType,
			Error: "message type " + msg.MessageType() + " is not routable",
		})
	}
}

func (s *Server) handleRegisterHost(ctx context.Context, sock *socket, m *protocol.RegisterHostMessage) {
	now := s.clock()

	s.mu.Lock()
	sess := s.ensureLocked(m.SessionID, now)
	sess.host = sock
	sess.lastActivity = now
	if sock.role == "" {
		sock.role = "host"
		if s.metrics != nil {
			s.metrics.ConnectionsActive.WithLabelValues("host").Inc()
		}
	}
	offers := sess.pendingOffers
	candidates := sess.pendingCandidates
	sess.pendingOffers = nil
	sess.pendingCandidates = nil
	total := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(total))
	}
	s.log.Info("host registered", "sessionId", m.SessionID,
		"pendingOffers", len(offers), "pendingCandidates", len(candidates))

	_ = sock.send(ctx, &protocol.SessionCreatedMessage{SessionID: m.SessionID})

	// Replay payloads that arrived while the host was away.
	for _, offer := range offers {
		s.routed(offer.MessageType())
		_ = sock.send(ctx, offer)
	}
	for _, cand := range candidates {
		s.routed(cand.MessageType())
		_ = sock.send(ctx, cand)
	}
}

func (s *Server) handleJoinSession(ctx context.Context, sock *socket, m *protocol.JoinSessionMessage) {
	now := s.clock()

	s.mu.Lock()
	sess := s.ensureLocked(m.SessionID, now)
	sess.clients[m.ClientID] = sock
	sess.lastActivity = now
	if sock.role == "" {
		sock.role = "client"
		if s.metrics != nil {
			s.metrics.ConnectionsActive.WithLabelValues("client").Inc()
		}
	}
	host := sess.host
	total := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(total))
	}
	s.log.Info("client joined", "sessionId", m.SessionID, "clientId", m.ClientID)

	_ = sock.send(ctx, &protocol.SessionJoinedMessage{SessionID: m.SessionID, ClientID: m.ClientID})

	if host != nil {
		s.routed("peer-connected")
		_ = host.send(ctx, &protocol.PeerConnectedMessage{SessionID: m.SessionID, ClientID: m.ClientID})
	}
}

func (s *Server) handleOffer(ctx context.Context, sock *socket, m *protocol.OfferMessage) {
	fwd := &protocol.OfferReceivedMessage{
		SessionID: m.SessionID,
		ClientID:  m.ClientID,
		Offer:     m.Offer,
		Token:     m.Token,
	}

	now := s.clock()
	s.mu.Lock()
	sess := s.ensureLocked(m.SessionID, now)
	sess.lastActivity = now
	host := sess.host
	if host == nil {
		sess.pendingOffers = append(sess.pendingOffers, fwd)
	}
	s.mu.Unlock()

	if host == nil {
		s.buffered("offer")
		s.log.Debug("offer parked, host absent", "sessionId", m.SessionID, "clientId", m.ClientID)
		_ = sock.send(ctx, &protocol.ErrorMessage{
			SessionID: m.SessionID,
			Code:      protocol.CodeHostUnavailable,
			Error:     "host not available",
		})
		return
	}

	s.routed(fwd.MessageType())
	_ = host.send(ctx, fwd)
}

func (s *Server) handleAnswer(ctx context.Context, sock *socket, m *protocol.AnswerMessage) {
	fwd := &protocol.AnswerReceivedMessage{
		SessionID: m.SessionID,
		ClientID:  m.ClientID,
		Answer:    m.Answer,
	}

	now := s.clock()
	s.mu.Lock()
	sess, ok := s.sessions[m.SessionID]
	var targets []*socket
	if ok {
		sess.lastActivity = now
		if m.ClientID != "" {
			if c, found := sess.clients[m.ClientID]; found {
				targets = append(targets, c)
			}
		} else {
			for _, c := range sess.clients {
				targets = append(targets, c)
			}
		}
	}
	s.mu.Unlock()

	if !ok {
		s.dropped("no_session")
		_ = sock.send(ctx, &protocol.ErrorMessage{
			SessionID: m.SessionID,
			Code:      protocol.CodeSessionNotFound,
			Error:     "session not found",
		})
		return
	}
	if len(targets) == 0 {
		s.dropped("no_client")
		s.log.Debug("answer undeliverable", "sessionId", m.SessionID, "clientId", m.ClientID)
		return
	}

	for _, c := range targets {
		s.routed(fwd.MessageType())
		_ = c.send(ctx, fwd)
	}
}

// handleCandidate routes a trickle candidate to the opposite side of the
// session from the sender: host → client(s), client → host. Client
// candidates arriving before the host registers are parked.
func (s *Server) handleCandidate(ctx context.Context, sock *socket, m *protocol.ICECandidateMessage) {
	fwd := &protocol.CandidateReceivedMessage{
		SessionID: m.SessionID,
		ClientID:  m.ClientID,
		Candidate: m.Candidate,
		Token:     m.Token,
	}

	now := s.clock()
	s.mu.Lock()
	sess := s.ensureLocked(m.SessionID, now)
	sess.lastActivity = now
	fromHost := sess.host == sock

	var targets []*socket
	var parked bool
	if fromHost {
		if m.ClientID != "" {
			if c, found := sess.clients[m.ClientID]; found {
				targets = append(targets, c)
			}
		} else {
			for _, c := range sess.clients {
				targets = append(targets, c)
			}
		}
	} else {
		if sess.host != nil {
			targets = append(targets, sess.host)
		} else {
			sess.pendingCandidates = append(sess.pendingCandidates, fwd)
			parked = true
		}
	}
	s.mu.Unlock()

	if parked {
		s.buffered("candidate")
		return
	}
	if len(targets) == 0 {
		s.dropped("no_client")
		return
	}
	for _, c := range targets {
		s.routed(fwd.MessageType())
		_ = c.send(ctx, fwd)
	}
}

func (s *Server) handleLeave(ctx context.Context, sock *socket, m *protocol.LeaveSessionMessage) {
	now := s.clock()

	s.mu.Lock()
	sess, ok := s.sessions[m.SessionID]
	var host *socket
	if ok {
		sess.lastActivity = now
		delete(sess.clients, m.ClientID)
		host = sess.host
		if sess.empty() {
			delete(s.sessions, m.SessionID)
		}
	}
	total := len(s.sessions)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(total))
	}
	s.log.Info("client left", "sessionId", m.SessionID, "clientId", m.ClientID)

	_ = sock.send(ctx, &protocol.SessionLeftMessage{SessionID: m.SessionID, ClientID: m.ClientID})

	if host != nil {
		s.routed("peer-disconnected")
		_ = host.send(ctx, &protocol.PeerDisconnectedMessage{SessionID: m.SessionID, ClientID: m.ClientID})
	}
}

func (s *Server) handleHeartbeat(ctx context.Context, sock *socket, m *protocol.HeartbeatMessage) {
	now := s.clock()

	s.mu.Lock()
	if sess, ok := s.sessions[m.SessionID]; ok {
		sess.lastActivity = now
	}
	s.mu.Unlock()

	_ = sock.send(ctx, &protocol.HeartbeatAckMessage{
		SessionID: m.SessionID,
		Timestamp: protocol.Millis(now),
	})
}

// routeToHost forwards msg verbatim to the session's host socket, replying
// with an error to the sender when no host is attached.
func (s *Server) routeToHost(ctx context.Context, sock *socket, sessionID string, msg protocol.Message) {
	now := s.clock()

	s.mu.Lock()
	sess, ok := s.sessions[sessionID]
	var host *socket
	if ok {
		sess.lastActivity = now
		host = sess.host
	}
	s.mu.Unlock()

	if !ok {
		s.dropped("no_session")
		_ = sock.send(ctx, &protocol.ErrorMessage{
			SessionID: sessionID,
			Code:      protocol.CodeSessionNotFound,
			Error:     "session not found",
		})
		return
	}
	if host == nil {
		s.dropped("no_host")
		_ = sock.send(ctx, &protocol.ErrorMessage{
			SessionID: sessionID,
			Code:      protocol.CodeHostUnavailable,
			Error:     "host not available",
		})
		return
	}

	s.routed(msg.MessageType())
	_ = host.send(ctx, msg)
}

// routeToClient forwards a host-originated message to one client socket.
func (s *Server) routeToClient(ctx context.Context, sessionID, clientID string, msg protocol.Message) {
	now := s.clock()

	s.mu.Lock()
	var target *socket
	if sess, ok := s.sessions[sessionID]; ok {
		sess.lastActivity = now
		target = sess.clients[clientID]
	}
	s.mu.Unlock()

	if target == nil {
		s.dropped("no_client")
		s.log.Debug("client-bound message undeliverable",
			"type", msg.MessageType(), "sessionId", sessionID, "clientId", clientID)
		return
	}

	s.routed(msg.MessageType())
	_ = target.send(ctx, msg)
}

// detach removes a disconnected socket from every session it participates
// in, notifies the surviving side, and deletes sessions left empty.
func (s *Server) detach(sock *socket) {
	type notice struct {
		target *socket
		msg    protocol.Message
	}
	var notices []notice

	s.mu.Lock()
	delete(s.sockets, sock)
	for id, sess := range s.sessions {
		if sess.host == sock {
			sess.host = nil
			for _, c := range sess.clients {
				notices = append(notices, notice{c, &protocol.PeerDisconnectedMessage{SessionID: id}})
			}
		}
		for clientID, c := range sess.clients {
			if c == sock {
				delete(sess.clients, clientID)
				if sess.host != nil {
					notices = append(notices, notice{sess.host,
						&protocol.PeerDisconnectedMessage{SessionID: id, ClientID: clientID}})
				}
			}
		}
		if sess.empty() {
			delete(s.sessions, id)
		}
	}
	total := len(s.sessions)
	role := sock.role
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionsActive.Set(float64(total))
		if role != "" {
			s.metrics.ConnectionsActive.WithLabelValues(role).Dec()
		}
	}
	s.log.Info("socket detached", "role", role, "sessions", total)

	for _, n := range notices {
		s.routed(n.msg.MessageType())
		_ = n.target.send(context.Background(), n.msg)
	}
}

// ensureLocked returns the session record for id, creating it if absent.
// Caller holds s.mu.
func (s *Server) ensureLocked(id string, now time.Time) *session {
	sess, ok := s.sessions[id]
	if !ok {
		sess = &session{
			id:           id,
			clients:      make(map[string]*socket),
			createdAt:    now,
			lastActivity: now,
		}
		s.sessions[id] = sess
	}
	return sess
}

func (s *Server) routed(msgType string) {
	if s.metrics != nil {
		s.metrics.RecordRouted(msgType)
	}
}

func (s *Server) dropped(reason string) {
	if s.metrics != nil {
		s.metrics.RecordDropped(reason)
	}
}

func (s *Server) buffered(kind string) {
	if s.metrics != nil {
		s.metrics.RecordBuffered(kind)
	}
}

func isUnknownType(err error) bool {
	return errors.Is(err, protocol.ErrUnknownType)
}
