package session

import (
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"

	"github.com/vibecoder/vibecoder/internal/identity"
)

const (
	testTOTPSecret    = "JBSWY3DPEHPK3PXPJBSWY3DPEHPK3PXP"
	testSessionSecret = "0123456789abcdef0123456789abcdef01234567"
)

// fakeIdentity is a fixed IdentityProvider.
type fakeIdentity struct {
	ident identity.Identity
}

func (f *fakeIdentity) Identity() identity.Identity { return f.ident }

// fakeClock is a manually advanced clock shared with the Manager under test.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestManager(t *testing.T, mutate func(*Config)) (*Manager, *fakeClock) {
	t.Helper()

	clock := newFakeClock()
	cfg := Config{
		Identity: &fakeIdentity{ident: identity.Identity{
			HostID:        "12345678",
			TOTPSecret:    testTOTPSecret,
			SessionSecret: testSessionSecret,
		}},
		MaxConnections: 4,
		TOTPSkew:       2,
		Clock:          clock.Now,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewManager(cfg), clock
}

// validCode returns a TOTP code accepted at the clock's current time.
func validCode(t *testing.T, clock *fakeClock) string {
	t.Helper()
	code, err := totp.GenerateCode(testTOTPSecret, clock.Now())
	if err != nil {
		t.Fatalf("GenerateCode() error: %v", err)
	}
	return code
}

// invalidCode returns a six-digit code rejected at the clock's current time,
// across the full accepted skew window.
func invalidCode(t *testing.T, clock *fakeClock) string {
	t.Helper()
	for _, candidate := range []string{"000000", "000001", "000002", "111111"} {
		ok, err := totp.ValidateCustom(candidate, testTOTPSecret, clock.Now(), totp.ValidateOpts{
			Period: 30, Skew: 2, Digits: otp.DigitsSix, Algorithm: otp.AlgorithmSHA1,
		})
		if err != nil {
			t.Fatalf("ValidateCustom() error: %v", err)
		}
		if !ok {
			return candidate
		}
	}
	t.Fatal("no invalid candidate code found")
	return ""
}

// authenticate creates a session and passes TOTP, returning its ID and token.
func authenticate(t *testing.T, m *Manager, clock *fakeClock) (string, string) {
	t.Helper()

	snap, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	v := m.VerifyTOTP(snap.ID, validCode(t, clock))
	if v.Result != AuthOK {
		t.Fatalf("VerifyTOTP() = %v, want AuthOK", v.Result)
	}
	return snap.ID, v.Token
}

func TestCreate_shapeAndUniqueness(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)

	seen := make(map[string]bool)
	for range 50 {
		snap, err := m.Create()
		if err != nil {
			t.Fatalf("Create() error: %v", err)
		}
		if len(snap.ID) != 8 || strings.ToUpper(snap.ID) != snap.ID {
			t.Errorf("session ID %q, want 8 upper-alphanumeric chars", snap.ID)
		}
		if seen[snap.ID] {
			t.Fatalf("duplicate session ID %q", snap.ID)
		}
		seen[snap.ID] = true

		if snap.State != StatePending {
			t.Errorf("new session state = %q, want PENDING", snap.State)
		}
		if want := clock.Now().Add(24 * time.Hour); !snap.ExpiresAt.Equal(want) {
			t.Errorf("ExpiresAt = %v, want %v", snap.ExpiresAt, want)
		}
	}

	if m.Count() != 50 {
		t.Errorf("Count() = %d, want 50", m.Count())
	}
}

func TestVerifyTOTP_success(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	snap, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	v := m.VerifyTOTP(snap.ID, validCode(t, clock))
	if v.Result != AuthOK {
		t.Fatalf("VerifyTOTP() = %v, want AuthOK", v.Result)
	}
	if v.Token == "" {
		t.Fatal("no token issued on successful verification")
	}
	if !v.TokenExpiry.Equal(snap.ExpiresAt) {
		t.Errorf("TokenExpiry = %v, want session ExpiresAt %v", v.TokenExpiry, snap.ExpiresAt)
	}

	got, ok := m.Get(snap.ID)
	if !ok {
		t.Fatal("session vanished after auth")
	}
	if got.State != StateAuthenticated || !got.Authenticated {
		t.Errorf("state = %q authenticated = %v, want AUTHENTICATED/true", got.State, got.Authenticated)
	}
}

func TestVerifyTOTP_acceptsAdjacentStep(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	snap, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}

	// A code from one 30s step in the past stays within the ±2 window.
	code, err := totp.GenerateCode(testTOTPSecret, clock.Now().Add(-30*time.Second))
	if err != nil {
		t.Fatalf("GenerateCode() error: %v", err)
	}
	if v := m.VerifyTOTP(snap.ID, code); v.Result != AuthOK {
		t.Errorf("VerifyTOTP(previous step) = %v, want AuthOK", v.Result)
	}
}

func TestVerifyTOTP_unknownSession(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	if v := m.VerifyTOTP("NOPE1234", validCode(t, clock)); v.Result != AuthUnknownSession {
		t.Errorf("VerifyTOTP(unknown) = %v, want AuthUnknownSession", v.Result)
	}
}

func TestVerifyTOTP_failureLimitTerminates(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	snap, err := m.Create()
	if err != nil {
		t.Fatalf("Create() error: %v", err)
	}
	bad := invalidCode(t, clock)

	// Three failures are tolerated.
	for i := 1; i <= 3; i++ {
		v := m.VerifyTOTP(snap.ID, bad)
		if v.Result != AuthBadCode || v.Terminated {
			t.Fatalf("failure %d: result = %v terminated = %v, want AuthBadCode/false", i, v.Result, v.Terminated)
		}
	}

	// The fourth crosses the limit.
	v := m.VerifyTOTP(snap.ID, bad)
	if v.Result != AuthBadCode || !v.Terminated {
		t.Fatalf("fourth failure: result = %v terminated = %v, want AuthBadCode/true", v.Result, v.Terminated)
	}

	got, ok := m.Get(snap.ID)
	if !ok {
		t.Fatal("terminated session should stay in the ledger as a tombstone")
	}
	if got.State != StateTerminated {
		t.Errorf("state = %q, want TERMINATED", got.State)
	}
	if !got.Flags.Suspicious {
		t.Error("suspicious flag not set after failure limit")
	}

	// Even a correct code is rejected afterwards.
	if v := m.VerifyTOTP(snap.ID, validCode(t, clock)); v.Result != AuthRevoked {
		t.Errorf("VerifyTOTP(terminated) = %v, want AuthRevoked", v.Result)
	}
}

func TestVerifyToken_lifecycle(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, token := authenticate(t, m, clock)

	if err := m.VerifyToken(id, token); err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}

	// Tampered token.
	if err := m.VerifyToken(id, token+"x"); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyToken(tampered) = %v, want ErrTokenInvalid", err)
	}

	// Token for a different session.
	other, _ := m.Create()
	if err := m.VerifyToken(other.ID, token); !errors.Is(err, ErrNotAuthenticated) && !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyToken(wrong session) = %v, want not-authenticated or invalid", err)
	}

	// Invalidated session: token dies with it.
	if err := m.Invalidate(id, "test"); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}
	if err := m.VerifyToken(id, token); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("VerifyToken(after invalidate) = %v, want ErrSessionNotFound", err)
	}
}

func TestVerifyToken_expiry(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, token := authenticate(t, m, clock)

	clock.Advance(24*time.Hour + time.Minute)

	if err := m.VerifyToken(id, token); !errors.Is(err, ErrSessionExpired) {
		t.Errorf("VerifyToken(past 24h) = %v, want ErrSessionExpired", err)
	}
}

func TestVerifyToken_refreshesActivity(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, token := authenticate(t, m, clock)

	// Token presentations alone must keep the session out of the re-auth
	// window.
	clock.Advance(20 * time.Minute)
	if err := m.VerifyToken(id, token); err != nil {
		t.Fatalf("VerifyToken() error: %v", err)
	}

	snap, ok := m.Get(id)
	if !ok {
		t.Fatal("Get() lost the session")
	}
	if !snap.LastActivity.Equal(clock.Now()) {
		t.Errorf("LastActivity = %v, want %v", snap.LastActivity, clock.Now())
	}

	clock.Advance(20 * time.Minute)
	reauth, err := m.RequiresReAuth(id)
	if err != nil {
		t.Fatalf("RequiresReAuth() error: %v", err)
	}
	if reauth {
		t.Error("RequiresReAuth() = true despite a token check 20 minutes ago")
	}
}

func TestExtendSession_capsAtAbsoluteLifetime(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, oldToken := authenticate(t, m, clock)

	snap, _ := m.Get(id)

	clock.Advance(time.Hour)
	token, expiry, err := m.ExtendSession(id)
	if err != nil {
		t.Fatalf("ExtendSession() error: %v", err)
	}
	if !expiry.Equal(snap.ExpiresAt) {
		t.Errorf("extension expiry = %v, want absolute cap %v", expiry, snap.ExpiresAt)
	}

	// The fresh token verifies, the replaced one no longer does.
	if err := m.VerifyToken(id, token); err != nil {
		t.Errorf("VerifyToken(new) error: %v", err)
	}
	if err := m.VerifyToken(id, oldToken); !errors.Is(err, ErrTokenInvalid) {
		t.Errorf("VerifyToken(old after rotation) = %v, want ErrTokenInvalid", err)
	}
}

func TestAddPeerChannel_gates(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)

	// Unauthenticated sessions are rejected.
	pending, _ := m.Create()
	if _, err := m.AddPeerChannel(pending.ID, "conn-1"); !errors.Is(err, ErrNotAuthenticated) {
		t.Errorf("AddPeerChannel(pending) = %v, want ErrNotAuthenticated", err)
	}

	id, _ := authenticate(t, m, clock)
	snap, err := m.AddPeerChannel(id, "conn-1")
	if err != nil {
		t.Fatalf("AddPeerChannel() error: %v", err)
	}
	if snap.State != StateNegotiating {
		t.Errorf("state after offer = %q, want NEGOTIATING", snap.State)
	}
}

func TestAddPeerChannel_multipleConnectionsFlag(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, _ := authenticate(t, m, clock)

	snap, err := m.AddPeerChannel(id, "conn-1")
	if err != nil {
		t.Fatalf("AddPeerChannel(1) error: %v", err)
	}
	if snap.Flags.MultipleConnections {
		t.Error("flag set on first channel")
	}

	snap, err = m.AddPeerChannel(id, "conn-2")
	if err != nil {
		t.Fatalf("AddPeerChannel(2) error: %v", err)
	}
	if snap.Flags.MultipleConnections {
		t.Error("flag set on second channel")
	}

	snap, err = m.AddPeerChannel(id, "conn-3")
	if err != nil {
		t.Fatalf("AddPeerChannel(3) error: %v", err)
	}
	if !snap.Flags.MultipleConnections {
		t.Error("flag not set on third concurrent channel")
	}
}

func TestAddPeerChannel_globalCap(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, func(c *Config) { c.MaxConnections = 2 })

	idA, _ := authenticate(t, m, clock)
	idB, _ := authenticate(t, m, clock)

	if _, err := m.AddPeerChannel(idA, "conn-1"); err != nil {
		t.Fatalf("AddPeerChannel(A,1) error: %v", err)
	}
	if _, err := m.AddPeerChannel(idB, "conn-2"); err != nil {
		t.Fatalf("AddPeerChannel(B,2) error: %v", err)
	}

	// The cap counts channels across every session.
	if _, err := m.AddPeerChannel(idA, "conn-3"); !errors.Is(err, ErrMaxConnections) {
		t.Errorf("AddPeerChannel over cap = %v, want ErrMaxConnections", err)
	}

	// Detaching frees capacity.
	if err := m.MarkDisconnected(idB, "conn-2"); err != nil {
		t.Fatalf("MarkDisconnected() error: %v", err)
	}
	if _, err := m.AddPeerChannel(idA, "conn-3"); err != nil {
		t.Errorf("AddPeerChannel after detach = %v, want nil", err)
	}
}

func TestRequiresReAuth_inactivity(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, _ := authenticate(t, m, clock)

	need, err := m.RequiresReAuth(id)
	if err != nil || need {
		t.Fatalf("RequiresReAuth(fresh) = %v, %v; want false, nil", need, err)
	}

	clock.Advance(31 * time.Minute)

	need, err = m.RequiresReAuth(id)
	if err != nil || !need {
		t.Fatalf("RequiresReAuth(idle 31m) = %v, %v; want true, nil", need, err)
	}
	if _, err := m.AddPeerChannel(id, "conn-1"); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("AddPeerChannel(idle) = %v, want ErrReauthRequired", err)
	}

	// A fresh TOTP verification clears the gate.
	if v := m.VerifyTOTP(id, validCode(t, clock)); v.Result != AuthOK {
		t.Fatalf("re-auth VerifyTOTP = %v, want AuthOK", v.Result)
	}
	if _, err := m.AddPeerChannel(id, "conn-1"); err != nil {
		t.Errorf("AddPeerChannel(after re-auth) = %v, want nil", err)
	}
}

func TestRequiresReAuth_reconnectAttempts(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, _ := authenticate(t, m, clock)

	// Each disconnect counts as a reconnect attempt; four crosses the limit.
	for i := range 4 {
		connID := string(rune('a' + i))
		if _, err := m.AddPeerChannel(id, connID); err != nil {
			t.Fatalf("AddPeerChannel(%d) error: %v", i, err)
		}
		if err := m.MarkDisconnected(id, connID); err != nil {
			t.Fatalf("MarkDisconnected(%d) error: %v", i, err)
		}
	}

	need, err := m.RequiresReAuth(id)
	if err != nil || !need {
		t.Fatalf("RequiresReAuth(4 reconnects) = %v, %v; want true, nil", need, err)
	}
	if _, err := m.AddPeerChannel(id, "conn-next"); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("AddPeerChannel = %v, want ErrReauthRequired", err)
	}
}

func TestMarkConnectedAndDisconnected_states(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	id, _ := authenticate(t, m, clock)

	if _, err := m.AddPeerChannel(id, "conn-1"); err != nil {
		t.Fatalf("AddPeerChannel() error: %v", err)
	}
	if err := m.MarkConnected(id); err != nil {
		t.Fatalf("MarkConnected() error: %v", err)
	}
	if snap, _ := m.Get(id); snap.State != StateLive {
		t.Errorf("state = %q, want LIVE", snap.State)
	}

	if err := m.MarkDisconnected(id, "conn-1"); err != nil {
		t.Fatalf("MarkDisconnected() error: %v", err)
	}
	snap, _ := m.Get(id)
	if snap.State != StateAuthenticated {
		t.Errorf("state after last channel detached = %q, want AUTHENTICATED", snap.State)
	}
	if len(snap.PeerChannels) != 0 {
		t.Errorf("PeerChannels = %v, want empty", snap.PeerChannels)
	}
}

func TestInvalidate_firesCallback(t *testing.T) {
	t.Parallel()

	var (
		mu      sync.Mutex
		gotID   string
		gotConn []string
	)
	m, clock := newTestManager(t, func(c *Config) {
		c.OnInvalidated = func(sessionID string, connIDs []string) {
			mu.Lock()
			gotID, gotConn = sessionID, connIDs
			mu.Unlock()
		}
	})

	id, _ := authenticate(t, m, clock)
	if _, err := m.AddPeerChannel(id, "conn-1"); err != nil {
		t.Fatalf("AddPeerChannel() error: %v", err)
	}

	if err := m.Invalidate(id, "test"); err != nil {
		t.Fatalf("Invalidate() error: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if gotID != id || len(gotConn) != 1 || gotConn[0] != "conn-1" {
		t.Errorf("callback got (%q, %v), want (%q, [conn-1])", gotID, gotConn, id)
	}
	if _, ok := m.Get(id); ok {
		t.Error("session still present after Invalidate")
	}
}

func TestInvalidateAll(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	authenticate(t, m, clock)
	authenticate(t, m, clock)
	m.Create()

	if n := m.InvalidateAll("host id renewed"); n != 3 {
		t.Errorf("InvalidateAll() = %d, want 3", n)
	}
	if m.Count() != 0 {
		t.Errorf("Count() = %d after InvalidateAll, want 0", m.Count())
	}
}

func TestSweepExpired(t *testing.T) {
	t.Parallel()

	m, clock := newTestManager(t, nil)
	oldID, _ := authenticate(t, m, clock)

	clock.Advance(23 * time.Hour)
	freshID, _ := m.Create()

	clock.Advance(2 * time.Hour) // old: 25h, fresh: 2h

	if n := m.SweepExpired(); n != 1 {
		t.Errorf("SweepExpired() = %d, want 1", n)
	}
	if _, ok := m.Get(oldID); ok {
		t.Error("expired session survived the sweep")
	}
	if _, ok := m.Get(freshID.ID); !ok {
		t.Error("fresh session removed by the sweep")
	}
}
