// Package identity manages the persisted host identity: the host ID, the
// TOTP pairing secret and the session token secret. Each lives in its own
// 0600 file under the workspace directory and is written atomically via a
// temp file and rename.
package identity

import (
	"crypto/rand"
	"encoding/base32"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/url"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pquerna/otp"
	"github.com/pquerna/otp/totp"
)

// Identity file names under the workspace directory.
const (
	HostIDFile        = ".vibe-coder-host-id"
	TOTPSecretFile    = ".vibe-coder-totp-secret"
	SessionSecretFile = ".vibe-coder-session-secret"
)

// TOTPIssuer labels provisioning URLs and authenticator entries.
const TOTPIssuer = "vibe-coder"

// ErrCorrupt indicates an identity file exists but fails validation.
// Recovery is manual: remove the file and restart to regenerate it.
var ErrCorrupt = errors.New("corrupt identity file")

var hostIDPattern = regexp.MustCompile(`^[0-9]{8}$`)

// Identity is the loaded host identity. Values are immutable snapshots;
// renewal produces a new Identity.
type Identity struct {
	// HostID is the 8-decimal-digit pairing identifier shown to clients.
	HostID string

	// TOTPSecret is the base-32 shared secret for client TOTP codes.
	TOTPSecret string

	// SessionSecret signs session bearer tokens. Never shown to clients.
	SessionSecret string
}

// TOTPURL returns the otpauth:// provisioning URL for authenticator apps,
// labelled with the issuer and host ID.
func (i Identity) TOTPURL() string {
	v := url.Values{}
	v.Set("secret", i.TOTPSecret)
	v.Set("issuer", TOTPIssuer)
	v.Set("algorithm", "SHA1")
	v.Set("digits", "6")
	v.Set("period", "30")

	u := url.URL{
		Scheme:   "otpauth",
		Host:     "totp",
		Path:     "/" + TOTPIssuer + ":" + i.HostID,
		RawQuery: v.Encode(),
	}
	return u.String()
}

// Store loads, persists and renews the host identity files.
type Store struct {
	dir    string
	logger *slog.Logger

	mu    sync.RWMutex
	ident Identity
}

// NewStore returns a Store rooted at the workspace directory. If logger is
// nil, slog.Default() is used.
func NewStore(dir string, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		dir:    dir,
		logger: logger.With("component", "identity"),
	}
}

// Load reads the three identity files, generating and persisting any that
// are missing. Existing files are validated; a malformed file is an error
// wrapping ErrCorrupt rather than silently regenerated, since regenerating
// would orphan paired clients.
func (s *Store) Load() (Identity, error) {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return Identity{}, fmt.Errorf("creating workspace directory: %w", err)
	}

	hostID, created, err := s.loadOrCreate(HostIDFile, validateHostID, generateHostID)
	if err != nil {
		return Identity{}, err
	}
	if created {
		s.logger.Info("generated new host id", "hostId", hostID)
	}

	totpSecret, created, err := s.loadOrCreate(TOTPSecretFile, validateTOTPSecret, func() (string, error) {
		return generateTOTPSecret(hostID)
	})
	if err != nil {
		return Identity{}, err
	}
	if created {
		s.logger.Info("generated new totp secret")
	}

	sessionSecret, created, err := s.loadOrCreate(SessionSecretFile, validateSessionSecret, generateSessionSecret)
	if err != nil {
		return Identity{}, err
	}
	if created {
		s.logger.Info("generated new session secret")
	}

	ident := Identity{
		HostID:        hostID,
		TOTPSecret:    totpSecret,
		SessionSecret: sessionSecret,
	}

	s.mu.Lock()
	s.ident = ident
	s.mu.Unlock()

	return ident, nil
}

// Identity returns the current identity snapshot. Load must have succeeded
// first.
func (s *Store) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident
}

// RenewHostID generates and persists a new host ID and a new TOTP secret.
// The session secret is kept; callers are expected to invalidate all
// sessions, which already voids outstanding tokens. Returns the new
// identity snapshot.
func (s *Store) RenewHostID() (Identity, error) {
	hostID, err := generateHostID()
	if err != nil {
		return Identity{}, err
	}
	totpSecret, err := generateTOTPSecret(hostID)
	if err != nil {
		return Identity{}, err
	}

	// The TOTP secret is written first so a failure between the two writes
	// leaves the old host ID paired with a dead secret, never a renewed
	// host ID with the old secret.
	if err := writeFileAtomic(filepath.Join(s.dir, TOTPSecretFile), totpSecret); err != nil {
		return Identity{}, fmt.Errorf("persisting totp secret: %w", err)
	}
	if err := writeFileAtomic(filepath.Join(s.dir, HostIDFile), hostID); err != nil {
		return Identity{}, fmt.Errorf("persisting host id: %w", err)
	}

	s.mu.Lock()
	s.ident.HostID = hostID
	s.ident.TOTPSecret = totpSecret
	ident := s.ident
	s.mu.Unlock()

	s.logger.Info("renewed host identity", "hostId", hostID)
	return ident, nil
}

// loadOrCreate reads one identity file, generating and persisting it when
// absent. Returns the value and whether it was newly created.
func (s *Store) loadOrCreate(name string, validate func(string) error, generate func() (string, error)) (string, bool, error) {
	path := filepath.Join(s.dir, name)

	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		value := strings.TrimSpace(string(data))
		if err := validate(value); err != nil {
			return "", false, fmt.Errorf("%s: %w", name, err)
		}
		return value, false, nil

	case errors.Is(err, os.ErrNotExist):
		value, err := generate()
		if err != nil {
			return "", false, fmt.Errorf("generating %s: %w", name, err)
		}
		if err := writeFileAtomic(path, value); err != nil {
			return "", false, fmt.Errorf("persisting %s: %w", name, err)
		}
		return value, true, nil

	default:
		return "", false, fmt.Errorf("reading %s: %w", name, err)
	}
}

// writeFileAtomic writes value to path via a 0600 temp file in the same
// directory followed by a rename.
func writeFileAtomic(path, value string) error {
	dir := filepath.Dir(path)

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpName := tmp.Name()

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("setting temp file mode: %w", err)
	}
	if _, err := tmp.WriteString(value + "\n"); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming into place: %w", err)
	}
	return nil
}

// generateHostID returns 8 random decimal digits, zero-padded.
func generateHostID() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(100_000_000))
	if err != nil {
		return "", fmt.Errorf("generating host id: %w", err)
	}
	return fmt.Sprintf("%08d", n), nil
}

// generateTOTPSecret returns a fresh base-32 TOTP secret labelled with the
// host ID as the account name.
func generateTOTPSecret(hostID string) (string, error) {
	key, err := totp.Generate(totp.GenerateOpts{
		Issuer:      TOTPIssuer,
		AccountName: hostID,
		Period:      30,
		SecretSize:  20,
		Digits:      otp.DigitsSix,
		Algorithm:   otp.AlgorithmSHA1,
	})
	if err != nil {
		return "", fmt.Errorf("generating totp key: %w", err)
	}
	return key.Secret(), nil
}

// generateSessionSecret returns a URL-safe random string of at least 32
// characters for HMAC token signing.
func generateSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generating session secret: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func validateHostID(v string) error {
	if !hostIDPattern.MatchString(v) {
		return fmt.Errorf("%w: host id must be 8 decimal digits", ErrCorrupt)
	}
	return nil
}

func validateTOTPSecret(v string) error {
	if len(v) < 16 {
		return fmt.Errorf("%w: totp secret shorter than 16 characters", ErrCorrupt)
	}
	if _, err := base32.StdEncoding.WithPadding(base32.NoPadding).DecodeString(strings.ToUpper(v)); err != nil {
		return fmt.Errorf("%w: totp secret is not base32: %v", ErrCorrupt, err)
	}
	return nil
}

func validateSessionSecret(v string) error {
	if len(v) < 32 {
		return fmt.Errorf("%w: session secret shorter than 32 characters", ErrCorrupt)
	}
	return nil
}
