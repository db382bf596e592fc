// Package admin exposes the host agent's local HTTP surface: the status and
// setup pages, session bootstrap, host-ID rotation, health, the HTTP
// fallback for assistant commands, and read-only peer-channel inspection.
//
// Administrative routes (setup, rotation, ledger and channel inspection) are
// restricted to loopback and docker-bridge source addresses. The assistant
// fallback routes are gated on the same bearer tokens the data channel uses.
package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vibecoder/vibecoder/internal/assistant"
	"github.com/vibecoder/vibecoder/internal/bridge"
	"github.com/vibecoder/vibecoder/internal/identity"
	"github.com/vibecoder/vibecoder/internal/safety"
	"github.com/vibecoder/vibecoder/internal/session"
)

// staleHeartbeat is the heartbeat-ack age past which /api/health reports
// the rendezvous link as degraded.
const staleHeartbeat = 90 * time.Second

// dockerBridgeNet covers the default docker bridge ranges admitted by the
// local-only gate alongside loopback.
var dockerBridgeNet = func() *net.IPNet {
	_, n, _ := net.ParseCIDR("172.16.0.0/12")
	return n
}()

// Config configures the admin Server.
type Config struct {
	// Identity is the host identity store. Required.
	Identity *identity.Store

	// Sessions is the session ledger. Required.
	Sessions *session.Manager

	// Assistant is the process supervisor. Required.
	Assistant *assistant.Supervisor

	// Bridge owns the peer channels. Required.
	Bridge *bridge.Bridge

	// Filter vets commands submitted over the HTTP fallback. Required.
	Filter *safety.Filter

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Gatherer backs the /metrics endpoint. Defaults to
	// prometheus.DefaultGatherer.
	Gatherer prometheus.Gatherer

	// Version is reported on the status page and health endpoint.
	Version string

	// CommandTimeout bounds the synchronous HTTP command fallback.
	CommandTimeout time.Duration

	// LastHeartbeatAck, when set, reports the time of the most recent
	// rendezvous heartbeat ack for the health endpoint.
	LastHeartbeatAck func() time.Time

	// OnSessionCreated is called after a setup request creates a session,
	// so the agent can register it with the rendezvous. Optional.
	OnSessionCreated func(sessionID string)

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Server is the admin HTTP surface. It implements http.Handler.
type Server struct {
	cfg       Config
	log       *slog.Logger
	clock     func() time.Time
	startedAt time.Time
	router    chi.Router
}

// New builds the admin server and its route table.
func New(cfg Config) *Server {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}

	s := &Server{
		cfg:       cfg,
		log:       log.With("component", "admin"),
		clock:     clock,
		startedAt: clock(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	gatherer := cfg.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r.Get("/", s.handleStatusPage)
	r.Get("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}).ServeHTTP)
	r.Get("/api/health", s.handleHealth)

	// Local-only administration.
	r.Group(func(r chi.Router) {
		r.Use(s.localOnly)
		r.Get("/setup", s.handleSetupPage)
		r.Get("/api/auth/setup", s.handleAuthSetup)
		r.Post("/api/auth/renew-host-id", s.handleRenewHostID)
		r.Get("/api/sessions", s.handleSessions)
		r.Get("/api/webrtc/connections", s.handleConnections)
		r.Get("/api/webrtc/connections/{id}", s.handleConnection)
		r.Post("/api/webrtc/sweep", s.handleSweep)
	})

	// Bearer-gated assistant fallback.
	r.Group(func(r chi.Router) {
		r.Post("/api/claude/execute", s.handleExecute)
		r.Post("/api/claude/cancel", s.handleCancel)
		r.Get("/api/claude/status", s.handleClaudeStatus)
		r.Get("/api/claude/health", s.handleClaudeHealth)
	})

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// localOnly rejects requests whose source address is neither loopback nor
// on the docker bridge.
func (s *Server) localOnly(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isLocalAddr(r.RemoteAddr) {
			s.log.Warn("admin route refused", "path", r.URL.Path, "remote", r.RemoteAddr)
			s.writeError(w, http.StatusForbidden, "forbidden", "administrative routes are local-only")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalAddr(remote string) bool {
	host, _, err := net.SplitHostPort(remote)
	if err != nil {
		host = remote
	}
	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}
	return ip.IsLoopback() || dockerBridgeNet.Contains(ip)
}

// statusTemplate is the root status page. QR rendering stays in the CLI;
// the page shows the otpauth URL for manual provisioning.
var statusTemplate = template.Must(template.New("status").Parse(`<!DOCTYPE html>
<html>
<head><title>vibe-coder</title></head>
<body>
<h1>vibe-coder host</h1>
<p>Version: {{.Version}}</p>
<p>Host ID: <code>{{.HostID}}</code></p>
<p>TOTP secret: <code>{{.TOTPSecret}}</code></p>
<p>Provisioning URL: <code>{{.TOTPURL}}</code></p>
<p>Active sessions: {{.Sessions}} &middot; Peer channels: {{.Channels}} &middot; Assistant processes: {{.Processes}}</p>
<p><a href="/setup">2FA setup</a> &middot; <a href="/api/health">health</a> &middot; <a href="/metrics">metrics</a></p>
</body>
</html>
`))

func (s *Server) handleStatusPage(w http.ResponseWriter, r *http.Request) {
	ident := s.cfg.Identity.Identity()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	err := statusTemplate.Execute(w, map[string]any{
		"Version":    s.cfg.Version,
		"HostID":     ident.HostID,
		"TOTPSecret": ident.TOTPSecret,
		"TOTPURL":    ident.TOTPURL(),
		"Sessions":   s.cfg.Sessions.Count(),
		"Channels":   s.cfg.Bridge.Count(),
		"Processes":  s.cfg.Assistant.Count(),
	})
	if err != nil {
		s.log.Error("rendering status page", "error", err)
	}
}

// setupTemplate is the minimal 2FA provisioning page served to loopback.
var setupTemplate = template.Must(template.New("setup").Parse(`<!DOCTYPE html>
<html>
<head><title>vibe-coder setup</title></head>
<body>
<h1>Pair your authenticator</h1>
<p>Scan the provisioning URL with your TOTP app, then create a session via
<code>GET /api/auth/setup</code>.</p>
<p>Provisioning URL: <code>{{.TOTPURL}}</code></p>
</body>
</html>
`))

func (s *Server) handleSetupPage(w http.ResponseWriter, r *http.Request) {
	ident := s.cfg.Identity.Identity()

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := setupTemplate.Execute(w, map[string]any{"TOTPURL": ident.TOTPURL()}); err != nil {
		s.log.Error("rendering setup page", "error", err)
	}
}

func (s *Server) handleAuthSetup(w http.ResponseWriter, r *http.Request) {
	snap, err := s.cfg.Sessions.Create()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "internal", "creating session: "+err.Error())
		return
	}
	ident := s.cfg.Identity.Identity()
	if s.cfg.OnSessionCreated != nil {
		s.cfg.OnSessionCreated(snap.ID)
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessionId":  snap.ID,
		"totpSecret": ident.TOTPSecret,
		"totpUrl":    ident.TOTPURL(),
		"expiresAt":  snap.ExpiresAt,
	})
}

func (s *Server) handleRenewHostID(w http.ResponseWriter, r *http.Request) {
	ident, err := s.cfg.Identity.RenewHostID()
	if err != nil {
		// Rotation failed; existing identity and sessions are preserved.
		s.writeError(w, http.StatusInternalServerError, "internal", "renewing host id: "+err.Error())
		return
	}
	invalidated := s.cfg.Sessions.InvalidateAll("host-id renewed")

	s.log.Info("host id renewed", "hostId", ident.HostID, "invalidatedSessions", invalidated)
	s.writeJSON(w, http.StatusOK, map[string]any{
		"hostId":              ident.HostID,
		"invalidatedSessions": invalidated,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	body := map[string]any{
		"status":             "ok",
		"version":            s.cfg.Version,
		"uptimeSeconds":      int64(s.clock().Sub(s.startedAt).Seconds()),
		"sessions":           s.cfg.Sessions.Count(),
		"peerChannels":       s.cfg.Bridge.Count(),
		"assistantProcesses": s.cfg.Assistant.Count(),
		"goroutines":         runtime.NumGoroutine(),
		"memoryAllocBytes":   mem.Alloc,
	}
	status := http.StatusOK
	if s.cfg.LastHeartbeatAck != nil {
		if last := s.cfg.LastHeartbeatAck(); !last.IsZero() {
			age := s.clock().Sub(last)
			body["lastHeartbeatAckSeconds"] = int64(age.Seconds())
			// Three missed 30s heartbeats means the rendezvous link is down;
			// mobile clients cannot reach us even though we are running.
			if age > staleHeartbeat {
				body["status"] = "degraded"
				status = http.StatusServiceUnavailable
			}
		}
	}
	s.writeJSON(w, status, body)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"sessions": s.cfg.Sessions.List()})
}

func (s *Server) handleConnections(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"connections": s.cfg.Bridge.List()})
}

func (s *Server) handleConnection(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	for _, info := range s.cfg.Bridge.List() {
		if info.ConnectionID == id {
			s.writeJSON(w, http.StatusOK, info)
			return
		}
	}
	s.writeError(w, http.StatusNotFound, "not-found", "no such connection")
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	channels := s.cfg.Bridge.Sweep(5 * time.Minute)
	processes := s.cfg.Assistant.Sweep(30 * time.Minute)
	sessions := s.cfg.Sessions.SweepExpired()

	s.writeJSON(w, http.StatusOK, map[string]any{
		"sweptChannels":  channels,
		"sweptProcesses": processes,
		"sweptSessions":  sessions,
	})
}

// authorize validates the bearer token against the session named in the
// request. It writes the error response itself and reports success.
func (s *Server) authorize(w http.ResponseWriter, r *http.Request, sessionID string) bool {
	if sessionID == "" {
		s.writeError(w, http.StatusBadRequest, "bad-request", "sessionId is required")
		return false
	}

	auth := r.Header.Get("Authorization")
	token, ok := strings.CutPrefix(auth, "Bearer ")
	if !ok || token == "" {
		s.writeError(w, http.StatusUnauthorized, "auth-required", "bearer token required")
		return false
	}

	if err := s.cfg.Sessions.VerifyToken(sessionID, token); err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			s.writeError(w, http.StatusNotFound, "session-not-found", "session not found")
			return false
		}
		s.writeError(w, http.StatusUnauthorized, "auth-failed", err.Error())
		return false
	}
	return true
}

type executeRequest struct {
	SessionID string `json:"sessionId"`
	Command   string `json:"command"`
}

// handleExecute is the HTTP fallback for claude-command frames: it runs one
// command synchronously and returns the collected output.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad-json", "decoding request: "+err.Error())
		return
	}
	if !s.authorize(w, r, req.SessionID) {
		return
	}

	if err := s.cfg.Filter.Check(req.Command); err != nil {
		s.writeError(w, http.StatusBadRequest, "safety-rejected", err.Error())
		return
	}

	events, cancel, err := s.cfg.Assistant.Subscribe(req.SessionID)
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "assistant-failure", err.Error())
		return
	}
	defer cancel()

	if err := s.cfg.Assistant.Execute(r.Context(), req.SessionID, req.Command); err != nil {
		if errors.Is(err, assistant.ErrBusy) {
			s.writeError(w, http.StatusConflict, "command-busy", "a command is already running")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "assistant-failure", err.Error())
		return
	}

	timeout := s.cfg.CommandTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancelWait := context.WithTimeout(r.Context(), timeout+5*time.Second)
	defer cancelWait()

	var output strings.Builder
	for {
		select {
		case ev, ok := <-events:
			if !ok {
				s.writeError(w, http.StatusInternalServerError, "assistant-failure", "assistant exited")
				return
			}
			switch ev.Kind {
			case assistant.EventOutput:
				output.WriteString(ev.Data)
			case assistant.EventCompleted:
				s.writeJSON(w, http.StatusOK, map[string]any{
					"sessionId": req.SessionID,
					"output":    output.String(),
					"completed": true,
				})
				return
			case assistant.EventError:
				msg := "assistant failure"
				if ev.Err != nil {
					msg = ev.Err.Error()
				}
				s.writeError(w, http.StatusInternalServerError, "assistant-failure", msg)
				return
			case assistant.EventExited:
				s.writeError(w, http.StatusInternalServerError, "assistant-failure", "assistant exited")
				return
			}
		case <-ctx.Done():
			s.writeError(w, http.StatusInternalServerError, "command-timeout", "command did not complete in time")
			return
		}
	}
}

type cancelRequest struct {
	SessionID string `json:"sessionId"`
}

// handleCancel interrupts the running command by sending Ctrl-C to the
// assistant pty.
func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	var req cancelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "bad-json", "decoding request: "+err.Error())
		return
	}
	if !s.authorize(w, r, req.SessionID) {
		return
	}

	if err := s.cfg.Assistant.SendKeys(req.SessionID, "\x03"); err != nil {
		if errors.Is(err, assistant.ErrNotRunning) {
			s.writeError(w, http.StatusNotFound, "not-found", "no assistant process for session")
			return
		}
		s.writeError(w, http.StatusInternalServerError, "assistant-failure", err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"sessionId": req.SessionID, "canceled": true})
}

func (s *Server) handleClaudeStatus(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if !s.authorize(w, r, sessionID) {
		return
	}

	proc, ok := s.cfg.Assistant.Get(sessionID)
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"sessionId": sessionID, "running": false})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"sessionId": sessionID,
		"running":   true,
		"process":   proc.Info(),
	})
}

func (s *Server) handleClaudeHealth(w http.ResponseWriter, r *http.Request) {
	sessionID := r.URL.Query().Get("sessionId")
	if !s.authorize(w, r, sessionID) {
		return
	}

	proc, ok := s.cfg.Assistant.Get(sessionID)
	if !ok {
		s.writeJSON(w, http.StatusOK, map[string]any{"running": false, "ready": false, "busy": false})
		return
	}
	info := proc.Info()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"running": true,
		"ready":   info.Ready,
		"busy":    info.Busy,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.log.Error("encoding response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, code, msg string) {
	s.writeJSON(w, status, map[string]string{
		"code":  code,
		"error": msg,
	})
}

// Run serves the admin surface on addr until ctx is cancelled, then shuts
// down gracefully.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("admin HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("admin HTTP server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("admin HTTP shutdown: %w", err)
	}
	return nil
}
