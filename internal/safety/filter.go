// Package safety implements the static command filter applied to every
// inbound assistant command: a fixed allow-list on the first token plus a
// set of destructive patterns that reject a command regardless of its first
// token. Reserved slash inputs bypass the allow-list but never the
// destructive patterns.
package safety

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Rejection errors. Callers map these to the safety-rejected wire code.
var (
	ErrEmptyCommand  = errors.New("empty command")
	ErrNotAllowed    = errors.New("command not on the allow-list")
	ErrDestructive   = errors.New("command matches a destructive pattern")
	ErrReservedOnly  = errors.New("slash commands other than /help and /exit are not accepted")
	ErrCommandLength = errors.New("command exceeds maximum length")
)

// MaxCommandLength bounds inbound commands. Anything longer is rejected
// before pattern matching.
const MaxCommandLength = 4096

// Reserved inputs that bypass the allow-list. They still pass the
// destructive-pattern check.
const (
	ReservedHelp = "/help"
	ReservedExit = "/exit"
)

// defaultAllowList is the fixed set of permitted first tokens: the assistant
// binary itself plus read-only inspection and common development tools.
var defaultAllowList = []string{
	"claude",
	"help",
	"ls",
	"pwd",
	"cat",
	"head",
	"tail",
	"grep",
	"find",
	"echo",
	"git",
	"go",
	"npm",
	"node",
	"python",
	"python3",
	"make",
	"cargo",
	"diff",
	"wc",
}

// destructivePattern pairs a compiled expression with a stable reason string
// surfaced in error frames.
type destructivePattern struct {
	re     *regexp.Regexp
	reason string
}

// destructivePatterns reject a command no matter how it is tokenized:
// recursive deletion of root or wildcards, privilege escalation, shell-piped
// downloads, raw disk writes and filesystem formatting. Privilege escalation
// via the assistant binary itself ("sudo claude ...") is exempted below, not
// here; RE2 has no lookahead.
var destructivePatterns = []destructivePattern{
	{regexp.MustCompile(`\brm\s+(-[a-zA-Z]*[rf][a-zA-Z]*\s+)+("?/"?|\*|~|\$HOME)`), "recursive deletion of root, home or wildcard paths"},
	{regexp.MustCompile(`\brm\s+[^|;&]*--no-preserve-root`), "recursive deletion of root"},
	{regexp.MustCompile(`\bsu\s+(-|root\b)`), "privilege escalation"},
	{regexp.MustCompile(`\b(curl|wget)\b[^|;&]*\|\s*(ba|z|da|k)?sh\b`), "shell-piped download"},
	{regexp.MustCompile(`\bdd\s+[^|;&]*of=/dev/`), "raw disk write"},
	{regexp.MustCompile(`>\s*/dev/(sd|hd|nvme|vd)`), "raw disk write"},
	{regexp.MustCompile(`\bmkfs(\.[a-z0-9]+)?\b`), "filesystem formatting"},
	{regexp.MustCompile(`\bchmod\s+(-[a-zA-Z]+\s+)*777\s+/\S*`), "world-writable root permissions"},
	{regexp.MustCompile(`:\(\)\s*\{.*\};\s*:`), "fork bomb"},
	{regexp.MustCompile(`\b(shutdown|reboot|halt|poweroff)\b`), "system power control"},
}

// sudoInvocation matches privilege escalation attempts; the assistant binary
// is the single permitted target.
var sudoInvocation = regexp.MustCompile(`\bsudo\s+(-[a-zA-Z]+\s+)*(\S+)`)

// Filter validates inbound assistant commands. The zero value is not usable;
// construct with NewFilter.
type Filter struct {
	allowed map[string]struct{}
}

// NewFilter builds a Filter with the default allow-list plus any extra
// tokens. Extra tokens are lower-cased; duplicates are harmless.
func NewFilter(extra ...string) *Filter {
	allowed := make(map[string]struct{}, len(defaultAllowList)+len(extra))
	for _, tok := range defaultAllowList {
		allowed[tok] = struct{}{}
	}
	for _, tok := range extra {
		if tok = strings.ToLower(strings.TrimSpace(tok)); tok != "" {
			allowed[tok] = struct{}{}
		}
	}
	return &Filter{allowed: allowed}
}

// AllowList returns the permitted first tokens in unspecified order.
func (f *Filter) AllowList() []string {
	out := make([]string, 0, len(f.allowed))
	for tok := range f.allowed {
		out = append(out, tok)
	}
	return out
}

// Check validates one command. A nil return means the command may be
// dispatched to the assistant.
func (f *Filter) Check(command string) error {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return ErrEmptyCommand
	}
	if len(trimmed) > MaxCommandLength {
		return fmt.Errorf("%w (%d > %d)", ErrCommandLength, len(trimmed), MaxCommandLength)
	}

	// Destructive patterns apply to everything, reserved inputs included.
	for _, pat := range destructivePatterns {
		if pat.re.MatchString(trimmed) {
			return fmt.Errorf("%w: %s", ErrDestructive, pat.reason)
		}
	}
	for _, m := range sudoInvocation.FindAllStringSubmatch(trimmed, -1) {
		if m[2] != "claude" {
			return fmt.Errorf("%w: privilege escalation", ErrDestructive)
		}
	}

	if trimmed == ReservedHelp || trimmed == ReservedExit {
		return nil
	}
	if strings.HasPrefix(trimmed, "/") {
		return fmt.Errorf("%w (got %q)", ErrReservedOnly, firstToken(trimmed))
	}

	token := strings.ToLower(firstToken(trimmed))
	if token == "sudo" {
		// Reaching here means the target was the assistant binary.
		return nil
	}
	if _, ok := f.allowed[token]; !ok {
		return fmt.Errorf("%w (got %q)", ErrNotAllowed, token)
	}
	return nil
}

// IsReserved reports whether the trimmed command is one of the reserved
// slash inputs.
func IsReserved(command string) bool {
	trimmed := strings.TrimSpace(command)
	return trimmed == ReservedHelp || trimmed == ReservedExit
}

func firstToken(s string) string {
	if i := strings.IndexAny(s, " \t"); i >= 0 {
		return s[:i]
	}
	return s
}
