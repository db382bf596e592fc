// Package session implements the host-side session ledger: pairing records,
// TOTP verification, bearer tokens and the authentication state machine
// gating peer channels.
package session

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"sync"
	"time"
)

// State is the stored lifecycle state of a session. Re-authentication is a
// computed condition (see Manager.RequiresReAuth), not a stored state.
type State string

const (
	// StatePending is a created session that has not passed TOTP yet.
	StatePending State = "PENDING"

	// StateAuthenticated is a verified session with no active peer channel.
	StateAuthenticated State = "AUTHENTICATED"

	// StateNegotiating is set while a WebRTC offer/answer exchange runs.
	StateNegotiating State = "NEGOTIATING"

	// StateLive is set when at least one data channel is open.
	StateLive State = "LIVE"

	// StateTerminated is terminal; the record is removed from the ledger.
	StateTerminated State = "TERMINATED"
)

// AuthResult classifies the outcome of a TOTP verification.
type AuthResult int

const (
	AuthOK AuthResult = iota
	AuthBadCode
	AuthUnknownSession
	AuthExpired
	AuthRevoked
)

// String returns the wire-friendly result name.
func (r AuthResult) String() string {
	switch r {
	case AuthOK:
		return "success"
	case AuthBadCode:
		return "bad_code"
	case AuthUnknownSession:
		return "unknown_session"
	case AuthExpired:
		return "expired"
	case AuthRevoked:
		return "revoked"
	default:
		return fmt.Sprintf("AuthResult(%d)", int(r))
	}
}

// SecurityFlags mark conditions that tighten the re-auth gate.
type SecurityFlags struct {
	// Suspicious is set when TOTP failures exceed the limit. It survives
	// until the session is destroyed.
	Suspicious bool `json:"suspicious"`

	// MultipleConnections is set when a third concurrent peer channel is
	// added. Informational; it does not block the channel.
	MultipleConnections bool `json:"multipleConnections"`
}

// Session is one ledger record. Fields are guarded by mu; the Manager
// acquires the ledger lock before any record lock.
type Session struct {
	mu sync.Mutex

	ID            string
	HostID        string
	State         State
	Authenticated bool

	Token       string
	TokenExpiry time.Time

	CreatedAt    time.Time
	ExpiresAt    time.Time
	LastActivity time.Time

	ReconnectAttempts int
	TOTPFailures      int
	Flags             SecurityFlags

	// PeerChannels holds the connection IDs currently attached.
	PeerChannels map[string]struct{}
}

// Snapshot is a lock-free copy of a Session for callers outside the package.
type Snapshot struct {
	ID                string        `json:"sessionId"`
	HostID            string        `json:"hostId"`
	State             State         `json:"state"`
	Authenticated     bool          `json:"authenticated"`
	TokenExpiry       time.Time     `json:"tokenExpiry,omitzero"`
	CreatedAt         time.Time     `json:"createdAt"`
	ExpiresAt         time.Time     `json:"expiresAt"`
	LastActivity      time.Time     `json:"lastActivity"`
	ReconnectAttempts int           `json:"reconnectAttempts"`
	TOTPFailures      int           `json:"totpFailures"`
	Flags             SecurityFlags `json:"securityFlags"`
	PeerChannels      []string      `json:"peerChannels"`
}

// snapshotLocked copies the record. Callers hold s.mu.
func (s *Session) snapshotLocked() Snapshot {
	channels := make([]string, 0, len(s.PeerChannels))
	for id := range s.PeerChannels {
		channels = append(channels, id)
	}
	return Snapshot{
		ID:                s.ID,
		HostID:            s.HostID,
		State:             s.State,
		Authenticated:     s.Authenticated,
		TokenExpiry:       s.TokenExpiry,
		CreatedAt:         s.CreatedAt,
		ExpiresAt:         s.ExpiresAt,
		LastActivity:      s.LastActivity,
		ReconnectAttempts: s.ReconnectAttempts,
		TOTPFailures:      s.TOTPFailures,
		Flags:             s.Flags,
		PeerChannels:      channels,
	}
}

// sessionIDAlphabet is the character set for generated session IDs.
const sessionIDAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// sessionIDLength is the length of generated session IDs.
const sessionIDLength = 8

// generateSessionID returns a random upper-alphanumeric ID from a CSPRNG.
func generateSessionID() (string, error) {
	alphabetLen := big.NewInt(int64(len(sessionIDAlphabet)))
	buf := make([]byte, sessionIDLength)
	for i := range buf {
		n, err := rand.Int(rand.Reader, alphabetLen)
		if err != nil {
			return "", fmt.Errorf("generating session id: %w", err)
		}
		buf[i] = sessionIDAlphabet[n.Int64()]
	}
	return string(buf), nil
}
