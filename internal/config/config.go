// Package config loads and validates the host agent configuration using
// koanf/v2.
//
// The primary contract is a flat VIBE_CODER_* environment namespace. An
// optional YAML file may set the same keys; environment variables win.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// DefaultSTUNServers are the public STUN servers used when none are configured.
var DefaultSTUNServers = []string{
	"stun:stun.cloudflare.com:3478",
	"stun:stun.l.google.com:19302",
}

// Config holds the complete host agent configuration.
type Config struct {
	// WorkspacePath is the directory holding persisted identity state and
	// serving as the assistant working directory. Required.
	WorkspacePath string `koanf:"workspace_path"`

	// Port is the admin HTTP listen port. Required.
	Port int `koanf:"port"`

	// SignalingURL is the rendezvous base URL (ws://, wss://, http:// or https://).
	SignalingURL string `koanf:"signaling_url"`

	// SignalingWSPath is the WebSocket upgrade path on the rendezvous.
	SignalingWSPath string `koanf:"signaling_ws_path"`

	// STUNServers is a comma-separated list of STUN URIs.
	STUNServers string `koanf:"webrtc_stun_servers"`

	// TURNServers is a comma-separated list of TURN URIs with embedded
	// credentials, e.g. "turn:user:pass@relay.example.com:3478".
	TURNServers string `koanf:"webrtc_turn_servers"`

	// MaxConnections caps concurrent peer channels across all sessions.
	MaxConnections int `koanf:"max_connections"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// AssistantCommand is the assistant executable launched under the pty.
	AssistantCommand string `koanf:"assistant_command"`

	// AssistantArgs is a comma-separated fixed argument list for the
	// assistant executable.
	AssistantArgs string `koanf:"assistant_args"`

	// AssistantMode is "per-session" (one assistant process per session) or
	// "singleton" (one shared process for the whole host).
	AssistantMode string `koanf:"assistant_mode"`

	// CommandTimeout is the wall-clock cap for a single assistant command.
	CommandTimeout time.Duration `koanf:"command_timeout"`

	// TOTPSkew is the accepted TOTP window in 30-second steps on each side
	// of now.
	TOTPSkew uint `koanf:"totp_skew"`
}

// Assistant process sharing modes.
const (
	ModePerSession = "per-session"
	ModeSingleton  = "singleton"
)

// DefaultConfig returns a Config populated with defaults. WorkspacePath and
// Port have no defaults and must be supplied.
func DefaultConfig() *Config {
	return &Config{
		SignalingURL:     "ws://localhost:9000",
		SignalingWSPath:  "/",
		STUNServers:      strings.Join(DefaultSTUNServers, ","),
		MaxConnections:   10,
		LogLevel:         "info",
		AssistantCommand: "claude",
		AssistantMode:    ModePerSession,
		CommandTimeout:   30 * time.Second,
		TOTPSkew:         2,
	}
}

// envPrefix is the environment variable prefix for host agent configuration.
// Variables are named VIBE_CODER_<KEY>, e.g. VIBE_CODER_WORKSPACE_PATH.
const envPrefix = "VIBE_CODER_"

// Load merges defaults, an optional YAML file at path (skipped when path is
// empty) and VIBE_CODER_* environment overrides, then validates the result.
//
// Environment variables map to flat config keys:
//
//	VIBE_CODER_WORKSPACE_PATH      -> workspace_path
//	VIBE_CODER_PORT                -> port
//	VIBE_CODER_SIGNALING_URL       -> signaling_url
//	VIBE_CODER_WEBRTC_STUN_SERVERS -> webrtc_stun_servers
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := loadDefaults(k, DefaultConfig()); err != nil {
		return nil, fmt.Errorf("load config defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config from %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKeyMapper), nil); err != nil {
		return nil, fmt.Errorf("load env overrides: %w", err)
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// envKeyMapper transforms VIBE_CODER_WORKSPACE_PATH -> workspace_path.
// The key namespace is flat, so underscores are preserved.
func envKeyMapper(s string) string {
	return strings.ToLower(strings.TrimPrefix(s, envPrefix))
}

// loadDefaults seeds koanf with the default config as the base layer.
func loadDefaults(k *koanf.Koanf, defaults *Config) error {
	defaultMap := map[string]any{
		"signaling_url":       defaults.SignalingURL,
		"signaling_ws_path":   defaults.SignalingWSPath,
		"webrtc_stun_servers": defaults.STUNServers,
		"max_connections":     defaults.MaxConnections,
		"log_level":           defaults.LogLevel,
		"assistant_command":   defaults.AssistantCommand,
		"assistant_mode":      defaults.AssistantMode,
		"command_timeout":     defaults.CommandTimeout.String(),
		"totp_skew":           defaults.TOTPSkew,
	}

	for key, val := range defaultMap {
		if err := k.Set(key, val); err != nil {
			return fmt.Errorf("set default %s: %w", key, err)
		}
	}

	return nil
}

// Error kinds. Missing required settings are fatal initialization errors
// (exit code 1); invalid values are validation errors (exit code 2).
var (
	ErrMissingRequired = errors.New("missing required configuration")
	ErrInvalid         = errors.New("invalid configuration")
)

// Validation errors.
var (
	ErrMissingWorkspace = fmt.Errorf("%w: VIBE_CODER_WORKSPACE_PATH", ErrMissingRequired)
	ErrMissingPort      = fmt.Errorf("%w: VIBE_CODER_PORT", ErrMissingRequired)

	ErrInvalidPort           = fmt.Errorf("%w: port must be between 1 and 65535", ErrInvalid)
	ErrInvalidSignalingURL   = fmt.Errorf("%w: signaling_url must be a ws(s):// or http(s):// URL", ErrInvalid)
	ErrInvalidMaxConnections = fmt.Errorf("%w: max_connections must be >= 1", ErrInvalid)
	ErrInvalidLogLevel       = fmt.Errorf("%w: log_level must be debug, info, warn or error", ErrInvalid)
	ErrInvalidAssistantMode  = fmt.Errorf("%w: assistant_mode must be per-session or singleton", ErrInvalid)
	ErrInvalidCommandTimeout = fmt.Errorf("%w: command_timeout must be at least 10s", ErrInvalid)
	ErrInvalidSTUNServer     = fmt.Errorf("%w: stun server must use the stun: or stuns: scheme", ErrInvalid)
	ErrInvalidTURNServer     = fmt.Errorf("%w: turn server must be turn(s):user:pass@host:port", ErrInvalid)
)

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// Validate checks the configuration for missing required settings and
// invalid values. It returns the first error encountered.
func Validate(cfg *Config) error {
	if cfg.WorkspacePath == "" {
		return ErrMissingWorkspace
	}

	if cfg.Port == 0 {
		return ErrMissingPort
	}
	if cfg.Port < 1 || cfg.Port > 65535 {
		return fmt.Errorf("%w (got %d)", ErrInvalidPort, cfg.Port)
	}

	u, err := url.Parse(cfg.SignalingURL)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidSignalingURL, err)
	}
	switch u.Scheme {
	case "ws", "wss", "http", "https":
	default:
		return fmt.Errorf("%w (got %q)", ErrInvalidSignalingURL, cfg.SignalingURL)
	}

	if cfg.MaxConnections < 1 {
		return fmt.Errorf("%w (got %d)", ErrInvalidMaxConnections, cfg.MaxConnections)
	}

	if !validLogLevels[strings.ToLower(cfg.LogLevel)] {
		return fmt.Errorf("%w (got %q)", ErrInvalidLogLevel, cfg.LogLevel)
	}

	switch cfg.AssistantMode {
	case ModePerSession, ModeSingleton:
	default:
		return fmt.Errorf("%w (got %q)", ErrInvalidAssistantMode, cfg.AssistantMode)
	}

	if cfg.CommandTimeout < 10*time.Second {
		return fmt.Errorf("%w (got %s)", ErrInvalidCommandTimeout, cfg.CommandTimeout)
	}

	for _, s := range cfg.STUNList() {
		if !strings.HasPrefix(s, "stun:") && !strings.HasPrefix(s, "stuns:") {
			return fmt.Errorf("%w (got %q)", ErrInvalidSTUNServer, s)
		}
	}

	for _, s := range cfg.TURNList() {
		tu, err := url.Parse(s)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidTURNServer, err)
		}
		if (tu.Scheme != "turn" && tu.Scheme != "turns") || tu.Opaque == "" && tu.Host == "" {
			return fmt.Errorf("%w (got %q)", ErrInvalidTURNServer, s)
		}
	}

	return nil
}

// STUNList splits the comma-separated STUN server setting.
func (c *Config) STUNList() []string { return splitList(c.STUNServers) }

// TURNList splits the comma-separated TURN server setting.
func (c *Config) TURNList() []string { return splitList(c.TURNServers) }

// AssistantArgList splits the comma-separated assistant argument setting.
func (c *Config) AssistantArgList() []string { return splitList(c.AssistantArgs) }

func splitList(raw string) []string {
	if strings.TrimSpace(raw) == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// SignalingEndpoint joins the signaling base URL and WebSocket path into the
// dialable rendezvous endpoint.
func (c *Config) SignalingEndpoint() string {
	base := strings.TrimSuffix(c.SignalingURL, "/")
	path := c.SignalingWSPath
	if path == "" || path == "/" {
		return base
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return base + path
}

// AdminAddr returns the admin HTTP listen address.
func (c *Config) AdminAddr() string { return fmt.Sprintf(":%d", c.Port) }

// ParseLogLevel maps a configuration log level string to the corresponding
// slog.Level. Unknown values default to slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
