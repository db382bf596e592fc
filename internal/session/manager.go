package session

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/vibecoder/vibecoder/internal/identity"
	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
)

// Ledger errors.
var (
	ErrSessionNotFound   = errors.New("session not found")
	ErrSessionExpired    = errors.New("session expired")
	ErrSessionTerminated = errors.New("session terminated")
	ErrNotAuthenticated  = errors.New("session not authenticated")
	ErrReauthRequired    = errors.New("re-authentication required")
	ErrMaxConnections    = errors.New("max concurrent connections reached")
)

const (
	// DefaultTTL is the absolute session lifetime.
	DefaultTTL = 24 * time.Hour

	// inactivityLimit is how long a session may idle before a new peer
	// channel requires re-authentication.
	inactivityLimit = 30 * time.Minute

	// maxReconnectAttempts is the reconnect count beyond which a new peer
	// channel requires re-authentication.
	maxReconnectAttempts = 3

	// maxTOTPFailures is the failed-code count beyond which the session is
	// terminated and flagged suspicious.
	maxTOTPFailures = 3
)

// IdentityProvider supplies the current host identity. *identity.Store
// satisfies it.
type IdentityProvider interface {
	Identity() identity.Identity
}

// Config configures a Manager.
type Config struct {
	// Identity supplies the host ID, TOTP secret and token signing secret.
	Identity IdentityProvider

	// Logger is the structured logger to use. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics is the host collector. Optional.
	Metrics *vcmetrics.Host

	// MaxConnections caps peer channels across all sessions.
	MaxConnections int

	// TOTPSkew is the accepted window in 30-second steps on each side of now.
	TOTPSkew uint

	// TTL is the absolute session lifetime. Defaults to DefaultTTL.
	TTL time.Duration

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time

	// OnInvalidated, when set, is called after a session is removed with
	// the connection IDs that were attached, so the owner can tear down
	// peer channels. Called outside ledger locks.
	OnInvalidated func(sessionID string, connectionIDs []string)
}

// Verification is the outcome of a TOTP check.
type Verification struct {
	Result AuthResult

	// Token and TokenExpiry are set when Result is AuthOK.
	Token       string
	TokenExpiry time.Time

	// Terminated reports that this failure crossed the failure limit and
	// destroyed the session.
	Terminated bool
}

// Manager owns the session ledger. All methods are safe for concurrent use.
// Lock order is always ledger before record.
type Manager struct {
	ident         IdentityProvider
	logger        *slog.Logger
	metrics       *vcmetrics.Host
	maxConns      int
	totpSkew      uint
	ttl           time.Duration
	clock         func() time.Time
	onInvalidated func(string, []string)

	mu           sync.RWMutex
	sessions     map[string]*Session
	channelTotal int
}

// NewManager builds a Manager from cfg. Config.Identity is required.
func NewManager(cfg Config) *Manager {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	maxConns := cfg.MaxConnections
	if maxConns <= 0 {
		maxConns = 10
	}
	skew := cfg.TOTPSkew
	if skew == 0 {
		skew = 2
	}

	return &Manager{
		ident:         cfg.Identity,
		logger:        logger.With("component", "session"),
		metrics:       cfg.Metrics,
		maxConns:      maxConns,
		totpSkew:      skew,
		ttl:           ttl,
		clock:         clock,
		onInvalidated: cfg.OnInvalidated,
		sessions:      make(map[string]*Session),
	}
}

// Create inserts a new pending session with a generated unique ID.
func (m *Manager) Create() (Snapshot, error) {
	now := m.clock()
	hostID := m.ident.Identity().HostID

	m.mu.Lock()
	defer m.mu.Unlock()

	var id string
	for {
		generated, err := generateSessionID()
		if err != nil {
			return Snapshot{}, err
		}
		if _, taken := m.sessions[generated]; !taken {
			id = generated
			break
		}
	}

	s := m.newSessionLocked(id, hostID, now)
	m.logger.Info("session created", "sessionId", id)

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), nil
}

// newSessionLocked inserts a pending record. Callers hold m.mu.
func (m *Manager) newSessionLocked(id, hostID string, now time.Time) *Session {
	s := &Session{
		ID:           id,
		HostID:       hostID,
		State:        StatePending,
		CreatedAt:    now,
		ExpiresAt:    now.Add(m.ttl),
		LastActivity: now,
		PeerChannels: make(map[string]struct{}),
	}
	m.sessions[id] = s
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(len(m.sessions)))
	}
	return s
}

// VerifyTOTP checks a client code against the host TOTP secret. On success
// the session becomes authenticated and a fresh bearer token is issued.
// Crossing the failure limit terminates the session and flags it suspicious.
func (m *Manager) VerifyTOTP(sessionID, code string) Verification {
	ident := m.ident.Identity()
	now := m.clock()

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return m.recordAuth(Verification{Result: AuthUnknownSession})
	}

	s.mu.Lock()

	if s.State == StateTerminated {
		s.mu.Unlock()
		return m.recordAuth(Verification{Result: AuthRevoked})
	}
	if now.After(s.ExpiresAt) {
		s.mu.Unlock()
		m.invalidate(sessionID, "expired")
		return m.recordAuth(Verification{Result: AuthExpired})
	}

	valid, err := totp.ValidateCustom(code, ident.TOTPSecret, now, totp.ValidateOpts{
		Period:    30,
		Skew:      m.totpSkew,
		Digits:    otp.DigitsSix,
		Algorithm: otp.AlgorithmSHA1,
	})
	if err != nil {
		m.logger.Error("totp validation failed", "sessionId", sessionID, "error", err)
		valid = false
	}

	if !valid {
		s.TOTPFailures++
		failures := s.TOTPFailures
		s.mu.Unlock()

		if failures > maxTOTPFailures {
			m.logger.Warn("totp failure limit crossed, terminating session",
				"sessionId", sessionID, "failures", failures)
			m.terminate(sessionID, "totp failure limit", true)
			return m.recordAuth(Verification{Result: AuthBadCode, Terminated: true})
		}

		m.logger.Warn("totp code rejected", "sessionId", sessionID, "failures", failures)
		return m.recordAuth(Verification{Result: AuthBadCode})
	}

	token, err := signToken([]byte(ident.SessionSecret), s.HostID, s.ID, now, s.ExpiresAt)
	if err != nil {
		s.mu.Unlock()
		m.logger.Error("token signing failed", "sessionId", sessionID, "error", err)
		return m.recordAuth(Verification{Result: AuthBadCode})
	}

	s.Authenticated = true
	s.Token = token
	s.TokenExpiry = s.ExpiresAt
	s.TOTPFailures = 0
	s.ReconnectAttempts = 0
	s.LastActivity = now
	if s.State == StatePending {
		s.State = StateAuthenticated
	}
	expiry := s.TokenExpiry
	s.mu.Unlock()

	m.logger.Info("session authenticated", "sessionId", sessionID)
	return m.recordAuth(Verification{Result: AuthOK, Token: token, TokenExpiry: expiry})
}

func (m *Manager) recordAuth(v Verification) Verification {
	if m.metrics != nil {
		m.metrics.RecordAuthAttempt(v.Result.String())
	}
	return v
}

// terminate moves a session to TERMINATED in place, detaching its channels
// and voiding its token. The record stays in the ledger as a tombstone until
// it expires, so later verification attempts see a revoked session rather
// than a fresh lazily-created one.
func (m *Manager) terminate(sessionID, reason string, suspicious bool) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	s.mu.Lock()
	connIDs := make([]string, 0, len(s.PeerChannels))
	for id := range s.PeerChannels {
		connIDs = append(connIDs, id)
	}
	s.PeerChannels = make(map[string]struct{})
	s.State = StateTerminated
	s.Authenticated = false
	s.Token = ""
	if suspicious {
		s.Flags.Suspicious = true
	}
	s.mu.Unlock()

	m.channelTotal -= len(connIDs)
	if m.metrics != nil {
		m.metrics.PeerChannelsActive.Set(float64(m.channelTotal))
	}
	m.mu.Unlock()

	m.logger.Info("session terminated", "sessionId", sessionID, "reason", reason)
	if m.onInvalidated != nil && len(connIDs) > 0 {
		m.onInvalidated(sessionID, connIDs)
	}
	return true
}

// VerifyToken checks that raw is the current bearer token of an existing,
// authenticated, unexpired session and that its signature and claims hold.
// A valid token counts as session activity.
func (m *Manager) VerifyToken(sessionID, raw string) error {
	ident := m.ident.Identity()
	now := m.clock()

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateTerminated {
		return ErrSessionTerminated
	}
	if now.After(s.ExpiresAt) {
		return ErrSessionExpired
	}
	if !s.Authenticated {
		return ErrNotAuthenticated
	}
	if now.After(s.TokenExpiry) {
		return ErrTokenExpired
	}
	if s.Token == "" || subtle.ConstantTimeCompare([]byte(s.Token), []byte(raw)) != 1 {
		return ErrTokenInvalid
	}

	claims, err := parseToken([]byte(ident.SessionSecret), raw, m.clock)
	if err != nil {
		return err
	}
	if claims.Subject != sessionID {
		return fmt.Errorf("%w: subject mismatch", ErrTokenInvalid)
	}

	s.LastActivity = now
	return nil
}

// ExtendSession issues a fresh bearer token for an authenticated session.
// The expiry stays capped at the session's absolute lifetime; extension
// refreshes activity, not the 24-hour bound.
func (m *Manager) ExtendSession(sessionID string) (string, time.Time, error) {
	ident := m.ident.Identity()
	now := m.clock()

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return "", time.Time{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateTerminated {
		return "", time.Time{}, ErrSessionTerminated
	}
	if now.After(s.ExpiresAt) {
		return "", time.Time{}, ErrSessionExpired
	}
	if !s.Authenticated {
		return "", time.Time{}, ErrNotAuthenticated
	}

	token, err := signToken([]byte(ident.SessionSecret), s.HostID, s.ID, now, s.ExpiresAt)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("extending session: %w", err)
	}

	s.Token = token
	s.TokenExpiry = s.ExpiresAt
	s.LastActivity = now
	return token, s.TokenExpiry, nil
}

// RequiresReAuth reports whether a new peer channel must re-verify TOTP
// first: too many reconnects, a suspicious flag, or >30 min inactivity.
func (m *Manager) RequiresReAuth(sessionID string) (bool, error) {
	now := m.clock()

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return false, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return m.requiresReAuthLocked(s, now), nil
}

func (m *Manager) requiresReAuthLocked(s *Session, now time.Time) bool {
	return s.ReconnectAttempts > maxReconnectAttempts ||
		s.Flags.Suspicious ||
		now.Sub(s.LastActivity) > inactivityLimit
}

// AddPeerChannel attaches a connection ID to an authenticated session and
// moves it to NEGOTIATING. It enforces the re-auth gate and the global
// channel cap, and flags the session on a third concurrent channel.
func (m *Manager) AddPeerChannel(sessionID, connectionID string) (Snapshot, error) {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.State == StateTerminated {
		return Snapshot{}, ErrSessionTerminated
	}
	if now.After(s.ExpiresAt) {
		return Snapshot{}, ErrSessionExpired
	}
	if !s.Authenticated {
		return Snapshot{}, ErrNotAuthenticated
	}
	if m.requiresReAuthLocked(s, now) {
		return Snapshot{}, ErrReauthRequired
	}
	if _, exists := s.PeerChannels[connectionID]; !exists && m.channelTotal >= m.maxConns {
		return Snapshot{}, ErrMaxConnections
	}

	if _, exists := s.PeerChannels[connectionID]; !exists {
		s.PeerChannels[connectionID] = struct{}{}
		m.channelTotal++
		if m.metrics != nil {
			m.metrics.PeerChannelsActive.Set(float64(m.channelTotal))
		}
	}

	if len(s.PeerChannels) >= 3 && !s.Flags.MultipleConnections {
		s.Flags.MultipleConnections = true
		m.logger.Warn("multiple concurrent peer channels",
			"sessionId", sessionID, "channels", len(s.PeerChannels))
	}

	s.State = StateNegotiating
	s.LastActivity = now
	return s.snapshotLocked(), nil
}

// MarkConnected moves a session to LIVE once a data channel opens.
func (m *Manager) MarkConnected(sessionID string) error {
	return m.withSession(sessionID, func(s *Session, now time.Time) {
		s.State = StateLive
		s.LastActivity = now
	})
}

// MarkDisconnected detaches a connection ID, counts it as a reconnect
// attempt, and drops the session back to AUTHENTICATED when no channels
// remain.
func (m *Manager) MarkDisconnected(sessionID, connectionID string) error {
	now := m.clock()

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.PeerChannels[connectionID]; exists {
		delete(s.PeerChannels, connectionID)
		m.channelTotal--
		if m.metrics != nil {
			m.metrics.PeerChannelsActive.Set(float64(m.channelTotal))
		}
	}

	s.ReconnectAttempts++
	s.LastActivity = now
	if len(s.PeerChannels) == 0 && (s.State == StateLive || s.State == StateNegotiating) {
		s.State = StateAuthenticated
	}
	return nil
}

// IncrementReconnectAttempts bumps the reconnect counter without detaching
// a channel, for reconnects detected before any channel existed.
func (m *Manager) IncrementReconnectAttempts(sessionID string) error {
	return m.withSession(sessionID, func(s *Session, _ time.Time) {
		s.ReconnectAttempts++
	})
}

// Touch refreshes a session's activity timestamp.
func (m *Manager) Touch(sessionID string) error {
	return m.withSession(sessionID, func(s *Session, now time.Time) {
		s.LastActivity = now
	})
}

func (m *Manager) withSession(sessionID string, fn func(*Session, time.Time)) error {
	now := m.clock()

	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return ErrSessionNotFound
	}

	s.mu.Lock()
	fn(s, now)
	s.mu.Unlock()
	return nil
}

// Invalidate removes a session from the ledger and reports the detached
// connection IDs to the OnInvalidated callback.
func (m *Manager) Invalidate(sessionID, reason string) error {
	if !m.invalidate(sessionID, reason) {
		return ErrSessionNotFound
	}
	return nil
}

func (m *Manager) invalidate(sessionID, reason string) bool {
	m.mu.Lock()
	s, ok := m.sessions[sessionID]
	if !ok {
		m.mu.Unlock()
		return false
	}

	s.mu.Lock()
	connIDs := make([]string, 0, len(s.PeerChannels))
	for id := range s.PeerChannels {
		connIDs = append(connIDs, id)
	}
	s.PeerChannels = make(map[string]struct{})
	s.State = StateTerminated
	s.Authenticated = false
	s.Token = ""
	s.mu.Unlock()

	delete(m.sessions, sessionID)
	m.channelTotal -= len(connIDs)
	if m.metrics != nil {
		m.metrics.SessionsActive.Set(float64(len(m.sessions)))
		m.metrics.PeerChannelsActive.Set(float64(m.channelTotal))
	}
	m.mu.Unlock()

	m.logger.Info("session invalidated", "sessionId", sessionID, "reason", reason)
	if m.onInvalidated != nil {
		m.onInvalidated(sessionID, connIDs)
	}
	return true
}

// InvalidateAll removes every session, e.g. on host-ID renewal. Returns the
// number of sessions removed.
func (m *Manager) InvalidateAll(reason string) int {
	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		if m.invalidate(id, reason) {
			removed++
		}
	}
	return removed
}

// SweepExpired removes sessions past their absolute lifetime. IDs are
// snapshotted first so each record is locked individually.
func (m *Manager) SweepExpired() int {
	now := m.clock()

	m.mu.RLock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	removed := 0
	for _, id := range ids {
		m.mu.RLock()
		s, ok := m.sessions[id]
		m.mu.RUnlock()
		if !ok {
			continue
		}

		s.mu.Lock()
		expired := now.After(s.ExpiresAt)
		s.mu.Unlock()

		if expired && m.invalidate(id, "expired") {
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("swept expired sessions", "removed", removed)
	}
	return removed
}

// Get returns a snapshot of one session.
func (m *Manager) Get(sessionID string) (Snapshot, bool) {
	m.mu.RLock()
	s, ok := m.sessions[sessionID]
	m.mu.RUnlock()
	if !ok {
		return Snapshot{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(), true
}

// List returns snapshots of all sessions ordered by creation time.
func (m *Manager) List() []Snapshot {
	m.mu.RLock()
	records := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		records = append(records, s)
	}
	m.mu.RUnlock()

	out := make([]Snapshot, 0, len(records))
	for _, s := range records {
		s.mu.Lock()
		out = append(out, s.snapshotLocked())
		s.mu.Unlock()
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out
}

// Count returns the number of sessions in the ledger.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// ChannelCount returns the number of attached peer channels across all
// sessions.
func (m *Manager) ChannelCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.channelTotal
}
