package assistant

import (
	"fmt"
	"os"
	"os/exec"
	"syscall"

	"github.com/creack/pty"
)

// Terminal geometry for the assistant pty. Fixed so client-side rendering
// is deterministic.
const (
	ptyCols = 120
	ptyRows = 30
)

// ProcessHandle is the supervisor's view of one running assistant process.
// Reads return pty output; writes go to the assistant's stdin via the pty.
// The default implementation wraps creack/pty; tests inject fakes.
type ProcessHandle interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Close() error

	// Pid returns the process ID, or 0 for fakes.
	Pid() int

	// Signal delivers sig to the process.
	Signal(sig os.Signal) error

	// Wait blocks until the process exits. Called exactly once.
	Wait() error
}

// StartFunc launches the assistant executable and returns a handle to it.
// The supervisor calls it with the configured command, argument list and
// working directory.
type StartFunc func(command string, args []string, workdir string) (ProcessHandle, error)

// StartPTY is the production StartFunc. It spawns the assistant inside a
// pseudo-terminal with a fixed 120x30 window and a controlled environment.
func StartPTY(command string, args []string, workdir string) (ProcessHandle, error) {
	cmd := exec.Command(command, args...)
	cmd.Dir = workdir
	cmd.Env = controlledEnv(workdir)

	f, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: ptyRows, Cols: ptyCols})
	if err != nil {
		return nil, fmt.Errorf("starting %s under pty: %w", command, err)
	}

	return &ptyHandle{f: f, cmd: cmd}, nil
}

// controlledEnv builds the deterministic environment the assistant runs in.
// HOME, USER and TERM are pinned; PATH is inherited so the assistant binary
// resolves its own tooling.
func controlledEnv(workdir string) []string {
	home := os.Getenv("HOME")
	if home == "" {
		home = workdir
	}
	user := os.Getenv("USER")
	if user == "" {
		user = "vibecoder"
	}
	return []string{
		"HOME=" + home,
		"USER=" + user,
		"TERM=xterm-256color",
		"PATH=" + os.Getenv("PATH"),
		fmt.Sprintf("COLUMNS=%d", ptyCols),
		fmt.Sprintf("LINES=%d", ptyRows),
	}
}

// ptyHandle adapts an exec.Cmd attached to a pty to the ProcessHandle
// interface.
type ptyHandle struct {
	f   *os.File
	cmd *exec.Cmd
}

func (h *ptyHandle) Read(p []byte) (int, error)  { return h.f.Read(p) }
func (h *ptyHandle) Write(p []byte) (int, error) { return h.f.Write(p) }
func (h *ptyHandle) Close() error                { return h.f.Close() }

func (h *ptyHandle) Pid() int {
	if h.cmd.Process == nil {
		return 0
	}
	return h.cmd.Process.Pid
}

func (h *ptyHandle) Signal(sig os.Signal) error {
	if h.cmd.Process == nil {
		return fmt.Errorf("process not started")
	}
	return h.cmd.Process.Signal(sig)
}

func (h *ptyHandle) Wait() error { return h.cmd.Wait() }

// Sigterm is the signal sent when /exit does not stop the assistant within
// the grace period.
var Sigterm os.Signal = syscall.SIGTERM
