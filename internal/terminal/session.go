package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
)

// State is a session's position in its lifecycle.
type State int

const (
	StateCreated State = iota
	StateShellRunning
	StateBootstrapPending
	StateBootstrapComplete
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateShellRunning:
		return "running"
	case StateBootstrapPending:
		return "bootstrapping"
	case StateBootstrapComplete:
		return "bootstrapped"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var (
	// ErrSessionClosed is returned for operations on a session that is
	// closing or closed.
	ErrSessionClosed = errors.New("session closed")
	// ErrInvalidSize rejects non-positive or oversized dimensions.
	ErrInvalidSize = errors.New("invalid terminal size")
)

// outputDrainTimeout bounds how long the exit handler waits for buffered
// output after the shell exits. Background jobs can keep the terminal open
// indefinitely.
const outputDrainTimeout = 500 * time.Millisecond

// Info is a snapshot of a session.
type Info struct {
	ID            string    `json:"id"`
	Intent        string    `json:"intent"`
	EnvironmentID string    `json:"environmentId,omitempty"`
	Command       string    `json:"command,omitempty"`
	Shell         string    `json:"shell"`
	Dir           string    `json:"dir"`
	PID           int       `json:"pid"`
	Cols          int       `json:"cols"`
	Rows          int       `json:"rows"`
	State         string    `json:"state"`
	StartedAt     time.Time `json:"startedAt"`
}

// Session is one shell process bound to one channel.
type Session struct {
	id        string
	intent    Intent
	command   string
	shell     string
	dir       string
	startedAt time.Time

	cmd      *exec.Cmd
	ptmx     *os.File
	ch       Channel
	recorder *Recorder
	logger   *slog.Logger

	mu       sync.Mutex
	state    State
	cols     uint16
	rows     uint16
	exitCode int

	inputMu    sync.Mutex
	sendMu     sync.Mutex
	sendClosed bool

	closing   atomic.Bool
	exited    atomic.Bool
	closeOnce sync.Once
	ctx       context.Context
	cancel    context.CancelFunc
	pumpDone  chan struct{}
	readDone  chan struct{}
	done      chan struct{}

	onRelease func(*Session, string)
	onExit    func(*Session)
}

// ID is the registry key of the session.
func (s *Session) ID() string { return s.id }

// Intent is the intent the session was opened with; nil for a plain shell.
func (s *Session) Intent() Intent { return s.intent }

// Done is closed once the shell has been reaped, the session released and
// the channel is no longer being read. The channel's owner may recycle it
// afterwards.
func (s *Session) Done() <-chan struct{} { return s.done }

// State reports the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// ExitCode is the shell's exit status. It is only meaningful after Done.
func (s *Session) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// PID is the shell's process id.
func (s *Session) PID() int {
	if s.cmd == nil || s.cmd.Process == nil {
		return 0
	}
	return s.cmd.Process.Pid
}

// Size returns the current terminal dimensions.
func (s *Session) Size() (cols, rows int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int(s.cols), int(s.rows)
}

// Info returns a snapshot for listings.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Info{
		ID:            s.id,
		Intent:        Name(s.intent),
		EnvironmentID: Target(s.intent),
		Command:       s.command,
		Shell:         s.shell,
		Dir:           s.dir,
		PID:           s.PID(),
		Cols:          int(s.cols),
		Rows:          int(s.rows),
		State:         s.state.String(),
		StartedAt:     s.startedAt,
	}
}

// Resize changes the terminal dimensions. Repeating a resize is harmless.
func (s *Session) Resize(cols, rows int) error {
	if cols <= 0 || rows <= 0 || cols > math.MaxUint16 || rows > math.MaxUint16 {
		return fmt.Errorf("%w: %dx%d", ErrInvalidSize, cols, rows)
	}
	if s.closing.Load() {
		return ErrSessionClosed
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := setSize(s.ptmx, uint16(cols), uint16(rows)); err != nil {
		return fmt.Errorf("resize pty: %w", err)
	}
	s.cols, s.rows = uint16(cols), uint16(rows)
	return nil
}

// Write types p into the shell.
func (s *Session) Write(p []byte) (int, error) {
	if s.closing.Load() {
		return 0, ErrSessionClosed
	}
	s.inputMu.Lock()
	defer s.inputMu.Unlock()
	n, err := s.ptmx.Write(p)
	if err != nil && s.closing.Load() {
		return n, ErrSessionClosed
	}
	return n, err
}

// Close kills the shell and releases the channel.
func (s *Session) Close() {
	s.shutdown("closed")
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	if st > s.state {
		s.state = st
	}
	s.mu.Unlock()
}

// send delivers msg unless the session has released its channel.
func (s *Session) send(msg Message) bool {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	if s.sendClosed {
		return false
	}
	if err := s.ch.Send(msg); err != nil {
		s.logger.Debug("send to channel failed", "session", s.id, "err", err)
		return false
	}
	return true
}

func (s *Session) pump() {
	defer close(s.pumpDone)
	buf := make([]byte, 32*1024)
	var carry []byte
	for {
		n, err := s.ptmx.Read(buf)
		if n > 0 {
			chunk := make([]byte, 0, len(carry)+n)
			chunk = append(chunk, carry...)
			chunk = append(chunk, buf[:n]...)
			cut := completeUTF8Prefix(chunk)
			carry = append(carry[:0], chunk[cut:]...)
			if cut > 0 {
				out := chunk[:cut]
				_, _ = s.recorder.Write(out)
				s.send(outputMessage(out))
			}
		}
		if err != nil {
			if len(carry) > 0 {
				_, _ = s.recorder.Write(carry)
				s.send(outputMessage(carry))
			}
			return
		}
	}
}

func (s *Session) wait() {
	err := s.cmd.Wait()
	s.exited.Store(true)
	code := exitStatus(err)

	select {
	case <-s.pumpDone:
	case <-time.After(outputDrainTimeout):
	}
	if !s.closing.Load() {
		s.send(Message{Type: TextMessage, Data: ExitMessage(s.intent, code)})
	}

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	s.shutdown("process exited")
	s.setState(StateClosed)
	<-s.readDone
	if s.onExit != nil {
		s.onExit(s)
	}
	close(s.done)
}

func (s *Session) readLoop() {
	defer close(s.readDone)
	for {
		msg, err := s.ch.Receive()
		if err != nil {
			s.shutdown("channel closed")
			return
		}
		s.handleInput(msg)
	}
}

func (s *Session) handleInput(msg Message) {
	if ctl, ok := ParseControl(msg); ok {
		if err := s.Resize(ctl.Cols, ctl.Rows); err != nil {
			s.logger.Debug("resize ignored", "session", s.id, "err", err)
		}
		return
	}
	if len(msg.Data) == 0 {
		return
	}
	if _, err := s.Write(msg.Data); err != nil && !errors.Is(err, ErrSessionClosed) {
		s.logger.Debug("write to shell failed", "session", s.id, "err", err)
	}
}

func (s *Session) bootstrap(steps []Step) {
	s.setState(StateBootstrapPending)
	err := Bootstrap(s.ctx, s, steps)
	switch {
	case err == nil:
		s.setState(StateBootstrapComplete)
	case errors.Is(err, ErrSessionClosed), errors.Is(err, context.Canceled):
	default:
		s.logger.Debug("bootstrap interrupted", "session", s.id, "err", err)
	}
}

// shutdown moves the session to Closing exactly once: the process group is
// killed first, then the channel stops accepting output, then handles are
// released.
func (s *Session) shutdown(reason string) {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		s.setState(StateClosing)
		s.cancel()
		if !s.exited.Load() {
			if err := killProcessGroup(s.cmd); err != nil {
				s.logger.Warn("kill shell", "session", s.id, "pid", s.PID(), "err", err)
			}
		}
		s.sendMu.Lock()
		s.sendClosed = true
		s.sendMu.Unlock()
		_ = s.ptmx.Close()
		_ = s.ch.Close()
		if err := s.recorder.Close(); err != nil {
			s.logger.Warn("close transcript", "session", s.id, "err", err)
		}
		if s.onRelease != nil {
			s.onRelease(s, reason)
		}
	})
}

func exitStatus(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return 1
	}
	if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		return 128 + int(ws.Signal())
	}
	if code := exitErr.ExitCode(); code >= 0 {
		return code
	}
	return 1
}
