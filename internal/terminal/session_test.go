//go:build !windows

package terminal

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"testing"
	"time"

	"github.com/creack/pty"

	"github.com/antonkrylov/cudash/internal/events"
)

func ptySize(ptmx *os.File) (cols, rows int, err error) {
	rows, cols, err = pty.Getsize(ptmx)
	return cols, rows, err
}

type fakeChannel struct {
	in       chan Message
	hangup   chan struct{}
	hangOnce sync.Once
	reading  atomic.Int32
	reads    atomic.Int64

	mu             sync.Mutex
	sent           []Message
	closed         bool
	sentAfterClose int
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan Message, 16), hangup: make(chan struct{})}
}

func (c *fakeChannel) Receive() (Message, error) {
	c.reading.Add(1)
	defer c.reading.Add(-1)
	c.reads.Add(1)
	select {
	case m := <-c.in:
		return m, nil
	case <-c.hangup:
		return Message{}, io.EOF
	}
}

func (c *fakeChannel) Send(m Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		c.sentAfterClose++
		return ErrChannelClosed
	}
	c.sent = append(c.sent, Message{Type: m.Type, Data: append([]byte(nil), m.Data...)})
	return nil
}

func (c *fakeChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	c.disconnect()
	return nil
}

// disconnect simulates the peer going away.
func (c *fakeChannel) disconnect() {
	c.hangOnce.Do(func() { close(c.hangup) })
}

func (c *fakeChannel) output() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var b strings.Builder
	for _, m := range c.sent {
		b.Write(m.Data)
	}
	return b.String()
}

func (c *fakeChannel) last() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		return ""
	}
	return string(c.sent[len(c.sent)-1].Data)
}

func (c *fakeChannel) stats() (sends int, closed bool, afterClose int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent), c.closed, c.sentAfterClose
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitDone(t *testing.T, s *Session) {
	t.Helper()
	select {
	case <-s.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("session %s did not finish", s.ID())
	}
}

func testManager(t *testing.T, opts Options) *Manager {
	t.Helper()
	if opts.Shell == "" {
		opts.Shell = "/bin/sh"
	}
	if opts.Delays == (Delays{}) {
		opts.Delays = Delays{Settle: 50 * time.Millisecond, Clear: 10 * time.Millisecond, Command: 10 * time.Millisecond}
	}
	opts.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	m := NewManager(opts)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.CloseAll(ctx)
	})
	return m
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}

func TestOneProcessPerSession(t *testing.T) {
	m := testManager(t, Options{})
	chans := make([]*fakeChannel, 3)
	sessions := make([]*Session, 3)
	pids := map[int]bool{}
	for i := range chans {
		chans[i] = newFakeChannel()
		s, err := m.Open(chans[i], OpenRequest{})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		sessions[i] = s
		pids[s.PID()] = true
	}
	if len(pids) != 3 {
		t.Fatalf("expected 3 distinct processes, got %v", pids)
	}
	if m.Len() != 3 {
		t.Fatalf("registry has %d sessions", m.Len())
	}

	chans[1].disconnect()
	waitDone(t, sessions[1])

	if alive(sessions[1].PID()) {
		t.Fatalf("closed session's shell %d still alive", sessions[1].PID())
	}
	for _, i := range []int{0, 2} {
		if !alive(sessions[i].PID()) {
			t.Fatalf("session %d shell died with its neighbour", i)
		}
	}
	if m.Len() != 2 {
		t.Fatalf("registry has %d sessions after close", m.Len())
	}
	if _, err := m.Get(sessions[1].ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("closed session still registered: %v", err)
	}
}

func TestDoneWaitsForInputLoop(t *testing.T) {
	m := testManager(t, Options{})
	for i := 0; i < 10; i++ {
		ch := newFakeChannel()
		s, err := m.Open(ch, OpenRequest{})
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		ch.in <- Message{Type: TextMessage, Data: []byte("exit\r")}
		typing := make(chan struct{})
		go func() {
			defer close(typing)
			for {
				select {
				case <-s.Done():
					return
				case ch.in <- Message{Type: TextMessage, Data: []byte("x")}:
				}
			}
		}()
		waitDone(t, s)
		<-typing
		if n := ch.reading.Load(); n != 0 {
			t.Fatalf("session %d: %d receives still pending after Done", i, n)
		}
		reads := ch.reads.Load()
		time.Sleep(20 * time.Millisecond)
		if ch.reads.Load() != reads {
			t.Fatalf("session %d: channel read after Done", i)
		}
	}
	if m.Len() != 0 {
		t.Fatalf("registry has %d sessions", m.Len())
	}
}

func TestResizeIsIdempotent(t *testing.T) {
	m := testManager(t, Options{})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	resize := []byte(`{"type":"resize","cols":100,"rows":40}`)
	ch.in <- Message{Type: TextMessage, Data: resize}
	ch.in <- Message{Type: TextMessage, Data: resize}

	waitFor(t, "pty resize", func() bool {
		cols, rows, err := ptySize(s.ptmx)
		return err == nil && cols == 100 && rows == 40
	})
	if cols, rows := s.Size(); cols != 100 || rows != 40 {
		t.Fatalf("session size %dx%d", cols, rows)
	}
	if strings.Contains(ch.output(), "resize") {
		t.Fatalf("resize control message reached the shell: %q", ch.output())
	}
}

func TestMalformedControlIsForwarded(t *testing.T) {
	m := testManager(t, Options{Shell: "/bin/cat"})
	ch := newFakeChannel()
	if _, err := m.Open(ch, OpenRequest{}); err != nil {
		t.Fatalf("open: %v", err)
	}
	ch.in <- Message{Type: TextMessage, Data: []byte(`{"type":"resize","cols":90,"rows":20}`)}
	ch.in <- Message{Type: TextMessage, Data: []byte("{not json\n")}

	waitFor(t, "forwarded keystrokes", func() bool {
		return strings.Contains(ch.output(), "{not json")
	})
	if strings.Contains(ch.output(), "resize") {
		t.Fatalf("resize control message reached the shell: %q", ch.output())
	}
}

func TestPlainShellSendsBareExitCode(t *testing.T) {
	m := testManager(t, Options{ShellArgs: []string{"-c", "exit 3"}})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, s)
	if got := ch.last(); got != "3" {
		t.Fatalf("last message %q, want %q", got, "3")
	}
	if s.ExitCode() != 3 || s.State() != StateClosed {
		t.Fatalf("exit=%d state=%v", s.ExitCode(), s.State())
	}
	if _, closed, _ := ch.stats(); !closed {
		t.Fatal("channel not closed after process exit")
	}
}

func TestIntentSessionSendsBanner(t *testing.T) {
	m := testManager(t, Options{ShellArgs: []string{"-c", "exit 0"}})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{Intent: Terminal{EnvironmentID: "sharing-loon"}, Binary: "cu"})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, s)
	if !strings.Contains(ch.last(), "Terminal session ended with exit code: 0") {
		t.Fatalf("missing banner in %q", ch.last())
	}
}

func TestBootstrapLaunchesIntent(t *testing.T) {
	dir := t.TempDir()
	bin := filepath.Join(dir, "cu")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\necho \"ENTERED $1 $2\"\n"), 0o755); err != nil {
		t.Fatal(err)
	}
	m := testManager(t, Options{})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{Intent: Terminal{EnvironmentID: "sharing-loon"}, Binary: bin, Dir: dir})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "bootstrapped command output", func() bool {
		return strings.Contains(ch.output(), "ENTERED terminal sharing-loon")
	})
	waitFor(t, "bootstrap completion", func() bool { return s.State() == StateBootstrapComplete })
	if info := s.Info(); info.Command != bin+" terminal sharing-loon" || info.EnvironmentID != "sharing-loon" {
		t.Fatalf("unexpected info %+v", info)
	}
}

func TestNoSendsAfterChannelClose(t *testing.T) {
	m := testManager(t, Options{ShellArgs: []string{"-c", "while :; do echo tick; sleep 0.01; done"}})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitFor(t, "output", func() bool { return strings.Contains(ch.output(), "tick") })

	ch.disconnect()
	waitDone(t, s)
	sends, closed, _ := ch.stats()
	time.Sleep(100 * time.Millisecond)
	later, _, afterClose := ch.stats()
	if !closed {
		t.Fatal("channel was not closed")
	}
	if afterClose != 0 || later != sends {
		t.Fatalf("sends continued after close: afterClose=%d before=%d after=%d", afterClose, sends, later)
	}
	if strings.Contains(ch.last(), "exit code") {
		t.Fatalf("exit banner sent to a closed channel: %q", ch.last())
	}
	if alive(s.PID()) {
		t.Fatal("shell survived channel close")
	}
}

func TestOperationsAfterCloseAreNoops(t *testing.T) {
	m := testManager(t, Options{})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := m.Close(s.ID()); err != nil {
		t.Fatalf("close: %v", err)
	}
	waitDone(t, s)
	if _, err := s.Write([]byte("echo hi\r")); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("write after close: %v", err)
	}
	if err := s.Resize(80, 24); !errors.Is(err, ErrSessionClosed) {
		t.Fatalf("resize after close: %v", err)
	}
	if err := m.Close(s.ID()); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("second close: %v", err)
	}
}

func TestResizeRejectsBadSizes(t *testing.T) {
	s := &Session{}
	for _, sz := range [][2]int{{0, 10}, {10, -1}, {70000, 10}} {
		if err := s.Resize(sz[0], sz[1]); !errors.Is(err, ErrInvalidSize) {
			t.Fatalf("%v: got %v", sz, err)
		}
	}
}

func TestOpenRequiresBinaryForIntent(t *testing.T) {
	m := testManager(t, Options{})
	if _, err := m.Open(newFakeChannel(), OpenRequest{Intent: Watch{}}); !errors.Is(err, ErrBinaryRequired) {
		t.Fatalf("got %v", err)
	}
}

func TestOpenReportsSpawnFailure(t *testing.T) {
	m := testManager(t, Options{Shell: filepath.Join(t.TempDir(), "missing-shell")})
	if _, err := m.Open(newFakeChannel(), OpenRequest{}); err == nil {
		t.Fatal("expected spawn failure")
	}
	if m.Len() != 0 {
		t.Fatalf("failed open left %d sessions", m.Len())
	}
}

func TestListAndEvents(t *testing.T) {
	rec := events.NewRecorder(8)
	m := testManager(t, Options{Events: rec, ShellArgs: []string{"-c", "sleep 0.2; exit 4"}})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{Cols: 90, Rows: 25})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	list := m.List()
	if len(list) != 1 || list[0].ID != s.ID() || list[0].Cols != 90 || list[0].Rows != 25 || list[0].Intent != "shell" {
		t.Fatalf("unexpected listing %+v", list)
	}
	waitDone(t, s)

	opened := <-rec.Events()
	closed := <-rec.Events()
	if opened.Type != events.SessionOpened || opened.SessionID != s.ID() {
		t.Fatalf("unexpected open event %+v", opened)
	}
	if closed.Type != events.SessionClosed || closed.ExitCode == nil || *closed.ExitCode != 4 {
		t.Fatalf("unexpected close event %+v", closed)
	}
}

func TestTranscriptRecordsOutput(t *testing.T) {
	dir := t.TempDir()
	m := testManager(t, Options{TranscriptDir: dir, ShellArgs: []string{"-c", "echo recorded-output"}})
	ch := newFakeChannel()
	s, err := m.Open(ch, OpenRequest{})
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	waitDone(t, s)

	f, err := os.Open(filepath.Join(dir, s.ID()+TranscriptExt))
	if err != nil {
		t.Fatalf("open transcript: %v", err)
	}
	defer f.Close()
	var out bytes.Buffer
	if err := Replay(&out, f); err != nil {
		t.Fatalf("replay: %v", err)
	}
	if !strings.Contains(out.String(), "recorded-output") {
		t.Fatalf("transcript %q", out.String())
	}
}
