// Package terminal runs interactive shells on pseudo-terminals and binds each
// one to a streaming channel for its whole lifetime.
package terminal

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/antonkrylov/cudash/internal/events"
	"github.com/antonkrylov/cudash/internal/shellenv"
)

// Default terminal geometry for new sessions.
const (
	DefaultCols = 120
	DefaultRows = 30
)

var (
	// ErrBinaryRequired is returned when an intent has no binary to launch.
	ErrBinaryRequired = errors.New("binary is required for an intent")
	// ErrSessionNotFound is returned for unknown session ids.
	ErrSessionNotFound = errors.New("session not found")
)

// Options configure a Manager.
type Options struct {
	// Shell overrides shell selection when set.
	Shell     string
	ShellArgs []string
	Cols      uint16
	Rows      uint16
	Delays    Delays
	// TranscriptDir enables zstd transcripts when set.
	TranscriptDir string
	Events        events.Publisher
	Logger        *slog.Logger
}

// OpenRequest describes a session to open.
type OpenRequest struct {
	Intent Intent
	// Binary is the container-use executable typed into the shell.
	Binary string
	// Dir defaults to the server's working directory.
	Dir  string
	Cols uint16
	Rows uint16
}

// Manager owns the registry of live sessions.
type Manager struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager returns a Manager with defaults filled in.
func NewManager(opts Options) *Manager {
	if opts.Cols == 0 {
		opts.Cols = DefaultCols
	}
	if opts.Rows == 0 {
		opts.Rows = DefaultRows
	}
	if opts.Delays == (Delays{}) {
		opts.Delays = DefaultDelays
	}
	if opts.Events == nil {
		opts.Events = events.Nop{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.NewTextHandler(os.Stderr, nil))
	}
	return &Manager{opts: opts, sessions: make(map[string]*Session)}
}

// Open spawns a shell bound to ch. The session lives until ch closes or the
// shell exits; Open itself never blocks on either.
func (m *Manager) Open(ch Channel, req OpenRequest) (*Session, error) {
	if ch == nil {
		return nil, errors.New("channel is required")
	}
	if req.Intent != nil && req.Binary == "" {
		return nil, ErrBinaryRequired
	}
	dir := req.Dir
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolve working directory: %w", err)
		}
		dir = wd
	}
	cols, rows := req.Cols, req.Rows
	if cols == 0 {
		cols = m.opts.Cols
	}
	if rows == 0 {
		rows = m.opts.Rows
	}

	shell := shellenv.Select(m.opts.Shell, m.opts.ShellArgs)
	env := shellenv.Environ()
	cmd, ptmx, err := startPTY(func() *exec.Cmd {
		c := exec.Command(shell.Path, shell.Args...)
		c.Dir = dir
		c.Env = env
		return c
	}, cols, rows)
	if err != nil {
		return nil, fmt.Errorf("start shell %s: %w", shell.Path, err)
	}

	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	sess := &Session{
		id:        id,
		intent:    req.Intent,
		command:   CommandLine(req.Intent, req.Binary),
		shell:     shell.Path,
		dir:       dir,
		startedAt: time.Now().UTC(),
		cmd:       cmd,
		ptmx:      ptmx,
		ch:        ch,
		logger:    m.opts.Logger,
		state:     StateShellRunning,
		cols:      cols,
		rows:      rows,
		ctx:       ctx,
		cancel:    cancel,
		pumpDone:  make(chan struct{}),
		readDone:  make(chan struct{}),
		done:      make(chan struct{}),
		onRelease: m.release,
		onExit:    m.exited,
	}
	if m.opts.TranscriptDir != "" {
		rec, err := NewRecorder(m.opts.TranscriptDir, id)
		if err != nil {
			m.opts.Logger.Warn("transcript disabled", "session", id, "err", err)
		} else {
			sess.recorder = rec
		}
	}

	m.mu.Lock()
	m.sessions[id] = sess
	m.mu.Unlock()

	go sess.pump()
	go sess.wait()
	go sess.readLoop()
	if steps := Plan(req.Intent, req.Binary, m.opts.Delays); len(steps) > 0 {
		go sess.bootstrap(steps)
	}

	m.opts.Logger.Info("session opened",
		"session", id,
		"intent", Name(req.Intent),
		"environment", Target(req.Intent),
		"shell", shell.Path,
		"pid", sess.PID(),
		"dir", dir,
	)
	m.opts.Events.Publish(events.Event{
		Type:          events.SessionOpened,
		Time:          sess.startedAt,
		SessionID:     id,
		Intent:        Name(req.Intent),
		EnvironmentID: Target(req.Intent),
		PID:           sess.PID(),
	})
	return sess, nil
}

func (m *Manager) release(s *Session, reason string) {
	m.mu.Lock()
	if m.sessions[s.id] == s {
		delete(m.sessions, s.id)
	}
	m.mu.Unlock()
	m.opts.Logger.Debug("session released", "session", s.id, "reason", reason)
}

func (m *Manager) exited(s *Session) {
	code := s.ExitCode()
	m.opts.Logger.Info("session closed", "session", s.id, "pid", s.PID(), "exit", code)
	m.opts.Events.Publish(events.Event{
		Type:          events.SessionClosed,
		Time:          time.Now().UTC(),
		SessionID:     s.id,
		Intent:        Name(s.intent),
		EnvironmentID: Target(s.intent),
		PID:           s.PID(),
		ExitCode:      &code,
	})
}

// Get returns the live session with id.
func (m *Manager) Get(id string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sess, ok := m.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return sess, nil
}

// Len is the number of live sessions.
func (m *Manager) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// List returns live sessions ordered by start time.
func (m *Manager) List() []Info {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	out := make([]Info, 0, len(live))
	for _, s := range live {
		out = append(out, s.Info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Close tears down the session with id.
func (m *Manager) Close(id string) error {
	sess, err := m.Get(id)
	if err != nil {
		return err
	}
	sess.Close()
	return nil
}

// CloseAll tears down every live session and waits for their shells to be
// reaped or ctx to end.
func (m *Manager) CloseAll(ctx context.Context) error {
	m.mu.Lock()
	live := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		live = append(live, s)
	}
	m.mu.Unlock()

	for _, s := range live {
		s.Close()
	}
	for _, s := range live {
		select {
		case <-s.Done():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
