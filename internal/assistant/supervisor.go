// Package assistant supervises the interactive coding assistant processes:
// one per session by default, or one shared process in singleton mode. Each
// process runs inside a pseudo-terminal; its output is fanned out to
// subscribers through bounded buffers so a slow peer channel can never block
// the pty reader.
package assistant

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	vcmetrics "github.com/vibecoder/vibecoder/internal/metrics"
)

// Supervisor errors.
var (
	ErrBusy         = errors.New("a command is already running")
	ErrNotRunning   = errors.New("no assistant process for session")
	ErrDestroyed    = errors.New("assistant process is shutting down")
	ErrSpawnFailure = errors.New("assistant spawn failed")
)

// EventKind discriminates subscriber events.
type EventKind int

const (
	// EventOutput carries a chunk of pty output.
	EventOutput EventKind = iota

	// EventCompleted signals the running command finished.
	EventCompleted

	// EventError carries a supervision failure (timeout, pty error).
	EventError

	// EventExited signals the process ended; the session is removed.
	EventExited
)

// Event is one pub-sub notification delivered to subscribers.
type Event struct {
	Kind      EventKind
	SessionID string
	Data      string
	Err       error
	Time      time.Time
}

// Default supervision timings.
const (
	// readyFallback marks the process ready when no prompt text appeared.
	readyFallback = 500 * time.Millisecond

	// silenceWindow completes a command after this much output silence.
	silenceWindow = 2 * time.Second

	// exitGrace is how long /exit waits before SIGTERM.
	exitGrace = 5 * time.Second

	// subscriberBuffer bounds each subscriber's event queue.
	subscriberBuffer = 256

	// readBuffer sizes each pty read.
	readBuffer = 4096
)

// promptMarkers are output substrings that indicate the assistant is ready
// for the next input.
var promptMarkers = []string{"? for shortcuts", "\n> ", "\r> "}

// Config configures a Supervisor.
type Config struct {
	// Command is the assistant executable. Required.
	Command string

	// Args is the fixed argument list for the assistant executable.
	Args []string

	// WorkspaceDir is the assistant working directory.
	WorkspaceDir string

	// Singleton collapses every session onto one shared process.
	Singleton bool

	// CommandTimeout is the wall-clock cap per command. Required, >= 10s
	// enforced by config validation.
	CommandTimeout time.Duration

	// Start launches the process. Defaults to StartPTY.
	Start StartFunc

	// Logger is the structured logger. If nil, slog.Default() is used.
	Logger *slog.Logger

	// Metrics is the host collector. Optional.
	Metrics *vcmetrics.Host

	// Clock returns the current time. Defaults to time.Now.
	Clock func() time.Time
}

// Process is one supervised assistant instance.
type Process struct {
	sessionID string
	handle    ProcessHandle
	createdAt time.Time

	mu           sync.Mutex
	subscribers  map[int]chan Event
	nextSub      int
	busy         bool
	ready        bool
	destroyed    bool
	lastOutput   time.Time
	lastPrompt   time.Time
	lastActivity time.Time
	readyCh      chan struct{}
	exited       chan struct{}
}

// ProcessInfo is a lock-free view of one process for the admin surface.
type ProcessInfo struct {
	SessionID    string    `json:"sessionId"`
	PID          int       `json:"pid"`
	Ready        bool      `json:"ready"`
	Busy         bool      `json:"busy"`
	CreatedAt    time.Time `json:"createdAt"`
	LastActivity time.Time `json:"lastActivity"`
	Subscribers  int       `json:"subscribers"`
}

// Supervisor owns all assistant processes. Safe for concurrent use.
type Supervisor struct {
	cfg     Config
	start   StartFunc
	logger  *slog.Logger
	metrics *vcmetrics.Host
	clock   func() time.Time

	mu        sync.Mutex
	processes map[string]*Process
	closed    bool
}

// NewSupervisor builds a Supervisor from cfg.
func NewSupervisor(cfg Config) *Supervisor {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	start := cfg.Start
	if start == nil {
		start = StartPTY
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Supervisor{
		cfg:       cfg,
		start:     start,
		logger:    logger.With("component", "assistant"),
		metrics:   cfg.Metrics,
		clock:     clock,
		processes: make(map[string]*Process),
	}
}

// key maps a session ID to the process table key. Singleton mode shares one
// process across all sessions.
func (s *Supervisor) key(sessionID string) string {
	if s.cfg.Singleton {
		return "singleton"
	}
	return sessionID
}

// Ensure returns the process for sessionID, spawning it if absent.
func (s *Supervisor) Ensure(sessionID string) (*Process, error) {
	key := s.key(sessionID)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrDestroyed
	}
	if p, ok := s.processes[key]; ok {
		s.mu.Unlock()
		return p, nil
	}
	s.mu.Unlock()

	handle, err := s.start(s.cfg.Command, s.cfg.Args, s.cfg.WorkspaceDir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrSpawnFailure, err)
	}

	now := s.clock()
	p := &Process{
		sessionID:    key,
		handle:       handle,
		createdAt:    now,
		subscribers:  make(map[int]chan Event),
		lastOutput:   now,
		lastActivity: now,
		readyCh:      make(chan struct{}),
		exited:       make(chan struct{}),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = handle.Signal(Sigterm)
		_ = handle.Close()
		return nil, ErrDestroyed
	}
	if existing, ok := s.processes[key]; ok {
		// Lost a spawn race; keep the first process.
		s.mu.Unlock()
		_ = handle.Signal(Sigterm)
		_ = handle.Close()
		return existing, nil
	}
	s.processes[key] = p
	count := len(s.processes)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AssistantProcesses.Set(float64(count))
	}
	s.logger.Info("assistant spawned", "sessionId", key, "pid", handle.Pid())

	go s.readLoop(p)
	go s.waitLoop(p)
	go s.readyFallbackTimer(p)

	return p, nil
}

// Get returns the process for sessionID without spawning.
func (s *Supervisor) Get(sessionID string) (*Process, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.processes[s.key(sessionID)]
	return p, ok
}

// Subscribe registers a subscriber on the session's process, spawning the
// process if needed. The returned cancel function must be called to release
// the subscription.
func (s *Supervisor) Subscribe(sessionID string) (<-chan Event, func(), error) {
	p, err := s.Ensure(sessionID)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan Event, subscriberBuffer)

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		close(ch)
		return nil, nil, ErrDestroyed
	}
	id := p.nextSub
	p.nextSub++
	p.subscribers[id] = ch
	p.mu.Unlock()

	cancel := func() {
		p.mu.Lock()
		if _, ok := p.subscribers[id]; ok {
			delete(p.subscribers, id)
			close(ch)
		}
		p.mu.Unlock()
	}
	return ch, cancel, nil
}

// Execute dispatches one command to the session's assistant, spawning the
// process on first use. It returns once the command is written; completion
// is reported asynchronously through subscriber events. Only one command may
// run per process at a time.
func (s *Supervisor) Execute(ctx context.Context, sessionID, command string) error {
	p, err := s.Ensure(sessionID)
	if err != nil {
		if s.metrics != nil {
			s.metrics.RecordCommand("failed", 0)
		}
		return err
	}

	// Wait for readiness: prompt text or the fallback timer.
	select {
	case <-p.readyCh:
	case <-p.exited:
		return ErrDestroyed
	case <-ctx.Done():
		return ctx.Err()
	}

	now := s.clock()
	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	if p.busy {
		p.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordCommand("busy", 0)
		}
		return ErrBusy
	}
	p.busy = true
	p.lastActivity = now
	p.lastOutput = now
	p.mu.Unlock()

	if _, err := io.WriteString(p.handle, command+"\r"); err != nil {
		p.mu.Lock()
		p.busy = false
		p.mu.Unlock()
		if s.metrics != nil {
			s.metrics.RecordCommand("failed", 0)
		}
		return fmt.Errorf("writing command to pty: %w", err)
	}

	go s.watchCompletion(p, now)
	return nil
}

// watchCompletion polls for command completion: prompt reappearance or
// output silence, bounded by the configured wall-clock cap.
func (s *Supervisor) watchCompletion(p *Process, started time.Time) {
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()

	deadline := started.Add(s.cfg.CommandTimeout)
	for {
		select {
		case <-p.exited:
			return
		case <-ticker.C:
		}

		now := s.clock()

		p.mu.Lock()
		if !p.busy || p.destroyed {
			p.mu.Unlock()
			return
		}
		silent := now.Sub(p.lastOutput) >= silenceWindow
		prompted := p.lastPrompt.After(started)
		p.mu.Unlock()

		switch {
		case prompted || silent:
			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()
			s.publish(p, Event{Kind: EventCompleted, SessionID: p.sessionID, Time: now})
			if s.metrics != nil {
				s.metrics.RecordCommand("completed", now.Sub(started).Seconds())
			}
			return

		case now.After(deadline):
			p.mu.Lock()
			p.busy = false
			p.mu.Unlock()
			s.logger.Warn("command timed out", "sessionId", p.sessionID, "timeout", s.cfg.CommandTimeout)
			s.publish(p, Event{
				Kind:      EventError,
				SessionID: p.sessionID,
				Err:       fmt.Errorf("command exceeded %s timeout", s.cfg.CommandTimeout),
				Time:      now,
			})
			if s.metrics != nil {
				s.metrics.RecordCommand("timeout", now.Sub(started).Seconds())
			}
			return
		}
	}
}

// SendInput writes a line of user input (answering an assistant prompt)
// followed by a carriage return.
func (s *Supervisor) SendInput(sessionID, data string) error {
	return s.write(sessionID, data+"\r")
}

// SendKeys writes raw keystroke bytes to the pty unmodified.
func (s *Supervisor) SendKeys(sessionID, data string) error {
	return s.write(sessionID, data)
}

func (s *Supervisor) write(sessionID, data string) error {
	p, ok := s.Get(sessionID)
	if !ok {
		return ErrNotRunning
	}

	p.mu.Lock()
	if p.destroyed {
		p.mu.Unlock()
		return ErrDestroyed
	}
	p.lastActivity = s.clock()
	p.mu.Unlock()

	if _, err := io.WriteString(p.handle, data); err != nil {
		return fmt.Errorf("writing to pty: %w", err)
	}
	return nil
}

// Exit runs the /exit protocol for a session: forward /exit to the
// assistant, wait up to the grace period for the process to end, SIGTERM on
// timeout, and remove the process.
func (s *Supervisor) Exit(ctx context.Context, sessionID string) error {
	p, ok := s.Get(sessionID)
	if !ok {
		return ErrNotRunning
	}

	if _, err := io.WriteString(p.handle, "/exit\r"); err != nil {
		s.logger.Warn("writing /exit to pty", "sessionId", p.sessionID, "error", err)
	}

	select {
	case <-p.exited:
		return nil
	case <-time.After(exitGrace):
	case <-ctx.Done():
	}

	s.logger.Warn("assistant did not exit in time, sending SIGTERM", "sessionId", p.sessionID)
	if err := p.handle.Signal(Sigterm); err != nil {
		s.logger.Warn("signaling assistant", "sessionId", p.sessionID, "error", err)
	}

	select {
	case <-p.exited:
	case <-time.After(exitGrace):
		s.logger.Error("assistant ignored SIGTERM", "sessionId", p.sessionID, "pid", p.handle.Pid())
	}
	return nil
}

// Destroy terminates the session's process without the /exit handshake.
// Used on session invalidation.
func (s *Supervisor) Destroy(sessionID string) {
	p, ok := s.Get(sessionID)
	if !ok {
		return
	}
	_ = p.handle.Signal(Sigterm)
	_ = p.handle.Close()
}

// Sweep removes processes idle longer than maxIdle. Returns the number
// terminated.
func (s *Supervisor) Sweep(maxIdle time.Duration) int {
	now := s.clock()

	s.mu.Lock()
	var stale []*Process
	for _, p := range s.processes {
		p.mu.Lock()
		idle := now.Sub(p.lastActivity) > maxIdle
		p.mu.Unlock()
		if idle {
			stale = append(stale, p)
		}
	}
	s.mu.Unlock()

	for _, p := range stale {
		s.logger.Info("sweeping idle assistant", "sessionId", p.sessionID)
		_ = p.handle.Signal(Sigterm)
		_ = p.handle.Close()
	}
	return len(stale)
}

// Count returns the number of live processes.
func (s *Supervisor) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.processes)
}

// List returns process views for the admin surface.
func (s *Supervisor) List() []ProcessInfo {
	s.mu.Lock()
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	out := make([]ProcessInfo, 0, len(procs))
	for _, p := range procs {
		out = append(out, p.Info())
	}
	return out
}

// Info returns a point-in-time view of the process.
func (p *Process) Info() ProcessInfo {
	p.mu.Lock()
	defer p.mu.Unlock()
	return ProcessInfo{
		SessionID:    p.sessionID,
		PID:          p.handle.Pid(),
		Ready:        p.ready,
		Busy:         p.busy,
		CreatedAt:    p.createdAt,
		LastActivity: p.lastActivity,
		Subscribers:  len(p.subscribers),
	}
}

// Shutdown terminates every process and rejects further spawns.
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.mu.Lock()
	s.closed = true
	procs := make([]*Process, 0, len(s.processes))
	for _, p := range s.processes {
		procs = append(procs, p)
	}
	s.mu.Unlock()

	for _, p := range procs {
		_ = p.handle.Signal(Sigterm)
		_ = p.handle.Close()
	}
	for _, p := range procs {
		select {
		case <-p.exited:
		case <-ctx.Done():
			return
		}
	}
}

// readLoop pumps pty output to subscribers and drives readiness detection.
func (s *Supervisor) readLoop(p *Process) {
	buf := make([]byte, readBuffer)
	for {
		n, err := p.handle.Read(buf)
		if n > 0 {
			chunk := string(buf[:n])
			now := s.clock()

			p.mu.Lock()
			p.lastOutput = now
			p.lastActivity = now
			firstReady := false
			if containsPrompt(chunk) {
				p.lastPrompt = now
				if !p.ready {
					p.ready = true
					close(p.readyCh)
					firstReady = true
				}
			}
			p.mu.Unlock()

			if firstReady {
				s.logger.Debug("assistant ready", "sessionId", p.sessionID)
			}

			s.publish(p, Event{Kind: EventOutput, SessionID: p.sessionID, Data: chunk, Time: now})
		}
		if err != nil {
			// pty read errors follow process exit; waitLoop owns cleanup.
			return
		}
	}
}

// readyFallbackTimer marks the process ready if no prompt text appeared
// within the fallback window.
func (s *Supervisor) readyFallbackTimer(p *Process) {
	select {
	case <-p.readyCh:
		return
	case <-p.exited:
		return
	case <-time.After(readyFallback):
	}

	p.mu.Lock()
	fallback := !p.ready
	if fallback {
		p.ready = true
		close(p.readyCh)
	}
	p.mu.Unlock()

	if fallback {
		s.logger.Debug("assistant ready (fallback)", "sessionId", p.sessionID)
	}
}

// waitLoop reaps the process, notifies subscribers and removes the record.
// The exit event and channel closes happen under the process lock, mirroring
// publish, so no send can land on a channel this loop has closed.
func (s *Supervisor) waitLoop(p *Process) {
	err := p.handle.Wait()
	now := s.clock()
	ev := Event{Kind: EventExited, SessionID: p.sessionID, Err: err, Time: now}

	p.mu.Lock()
	p.destroyed = true
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
		}
		close(ch)
	}
	p.subscribers = make(map[int]chan Event)
	p.mu.Unlock()

	close(p.exited)

	s.mu.Lock()
	if s.processes[p.sessionID] == p {
		delete(s.processes, p.sessionID)
	}
	count := len(s.processes)
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.AssistantProcesses.Set(float64(count))
	}
	s.logger.Info("assistant exited", "sessionId", p.sessionID, "error", err)
}

// publish fans an event out to subscribers, dropping on full buffers so the
// pty reader never blocks. Sends happen under the process lock: subscriber
// channels are only closed under the same lock, so a concurrent cancel can
// never close a channel between snapshot and send.
func (s *Supervisor) publish(p *Process, ev Event) {
	dropped := 0
	p.mu.Lock()
	for _, ch := range p.subscribers {
		select {
		case ch <- ev:
		default:
			dropped++
		}
	}
	p.mu.Unlock()

	if dropped > 0 {
		if s.metrics != nil {
			s.metrics.OutputDropped.Add(float64(dropped))
		}
		s.logger.Warn("dropping assistant output, subscriber buffer full",
			"sessionId", p.sessionID, "subscribers", dropped)
	}
}

func containsPrompt(chunk string) bool {
	for _, marker := range promptMarkers {
		if strings.Contains(chunk, marker) {
			return true
		}
	}
	return false
}
