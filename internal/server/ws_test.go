//go:build !windows

package server

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antonkrylov/cudash/internal/terminal"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := newTestServer(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := s.Start(ctx); err != nil {
		cancel()
		t.Fatalf("start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		_ = s.Wait()
	})
	return s
}

func dial(t *testing.T, s *Server, path string) *websocket.Conn {
	t.Helper()
	conn, resp, err := websocket.DefaultDialer.Dial("ws://"+s.Addr().String()+path, nil)
	if err != nil {
		t.Fatalf("dial %s: %v", path, err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("status %d", resp.StatusCode)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// readUntil accumulates frames until want appears or the deadline passes.
func readUntil(t *testing.T, conn *websocket.Conn, want string) string {
	t.Helper()
	var sb strings.Builder
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for !strings.Contains(sb.String(), want) {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("waiting for %q: %v (got %q)", want, err, sb.String())
		}
		sb.Write(data)
	}
	return sb.String()
}

func TestEnvironmentTerminalSession(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s, "/ws/environments/fancy-mole/terminal?cols=100&rows=40")
	readUntil(t, conn, "ENTERED terminal fancy-mole")

	sessions := s.Sessions().List()
	if len(sessions) != 1 {
		t.Fatalf("got %d sessions, want 1", len(sessions))
	}
	if sessions[0].EnvironmentID != "fancy-mole" || sessions[0].Cols != 100 || sessions[0].Rows != 40 {
		t.Fatalf("unexpected session %+v", sessions[0])
	}

	resize, _ := json.Marshal(terminal.ControlMessage{Type: "resize", Cols: 132, Rows: 50})
	if err := conn.WriteMessage(websocket.TextMessage, resize); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		info := s.Sessions().List()[0]
		if info.Cols == 132 && info.Rows == 50 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("resize not applied: %+v", info)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPlainTerminalEcho(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s, "/ws/terminal")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("echo cudash-$((20+22))\r")); err != nil {
		t.Fatal(err)
	}
	readUntil(t, conn, "cudash-42")

	if err := conn.WriteMessage(websocket.TextMessage, []byte("exit 5\r")); err != nil {
		t.Fatal(err)
	}
	var last []byte
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		last = data
	}
	if string(last) != "5" {
		t.Fatalf("last frame %q, want bare exit code", last)
	}
}

func TestUnknownVerbReportsError(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s, "/ws/environments/fancy-mole/rm")
	readUntil(t, conn, "unknown session command")
	if n := s.Sessions().Len(); n != 0 {
		t.Fatalf("got %d sessions, want 0", n)
	}
}

func TestDisconnectClosesSession(t *testing.T) {
	s := startTestServer(t)
	conn := dial(t, s, "/ws/terminal")
	deadline := time.Now().Add(5 * time.Second)
	for s.Sessions().Len() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("session never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	_ = conn.Close()
	for s.Sessions().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatal("session not released after disconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSessionHistoryAndActivityStream(t *testing.T) {
	s := startTestServer(t)
	feed := dial(t, s, "/ws/activity")
	// Give the subscription a moment to register before generating events.
	time.Sleep(50 * time.Millisecond)

	conn := dial(t, s, "/ws/terminal")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("exit 0\r")); err != nil {
		t.Fatal(err)
	}

	var types []string
	_ = feed.SetReadDeadline(time.Now().Add(5 * time.Second))
	for len(types) < 2 {
		_, data, err := feed.ReadMessage()
		if err != nil {
			t.Fatalf("activity feed: %v (got %v)", err, types)
		}
		var ev struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(data, &ev); err != nil {
			t.Fatal(err)
		}
		types = append(types, ev.Type)
	}
	if types[0] != "session.opened" || types[1] != "session.closed" {
		t.Fatalf("unexpected event order %v", types)
	}

	recs := s.history.Sessions()
	if len(recs) != 1 || recs[0].Active() || recs[0].ExitCode == nil || *recs[0].ExitCode != 0 {
		t.Fatalf("unexpected history %+v", recs)
	}
}

func TestSessionsExitWhileClientTypes(t *testing.T) {
	s := startTestServer(t)
	const clients = 32
	conns := make([]*websocket.Conn, clients)
	for i := range conns {
		conns[i] = dial(t, s, "/ws/terminal")
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(conn *websocket.Conn) {
			defer wg.Done()
			closed := make(chan struct{})
			go func() {
				defer close(closed)
				_ = conn.SetReadDeadline(time.Now().Add(10 * time.Second))
				for {
					if _, _, err := conn.ReadMessage(); err != nil {
						return
					}
				}
			}()
			if err := conn.WriteMessage(websocket.TextMessage, []byte("exit\r")); err != nil {
				return
			}
			// Keep typing while the shell exits and the server tears down.
			for {
				select {
				case <-closed:
					return
				default:
				}
				if err := conn.WriteMessage(websocket.TextMessage, []byte("x")); err != nil {
					<-closed
					return
				}
				time.Sleep(time.Millisecond)
			}
		}(conn)
	}
	wg.Wait()

	deadline := time.Now().Add(5 * time.Second)
	for s.Sessions().Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("%d sessions still registered", s.Sessions().Len())
		}
		time.Sleep(10 * time.Millisecond)
	}

	resp, err := http.Get("http://" + s.Addr().String() + "/api/health")
	if err != nil {
		t.Fatalf("health after teardown: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health status %d", resp.StatusCode)
	}
}

func TestActivityStreamClientsComeAndGo(t *testing.T) {
	s := startTestServer(t)
	for i := 0; i < 16; i++ {
		conn := dial(t, s, "/ws/activity")
		_ = conn.Close()
	}
	conn := dial(t, s, "/ws/activity")
	time.Sleep(50 * time.Millisecond)
	if code := do(t, s, postAction("apply", "fancy-mole"), nil); code != http.StatusOK {
		t.Fatalf("action status %d", code)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("activity feed: %v", err)
	}
	if !strings.Contains(string(data), "environment.action") {
		t.Fatalf("unexpected event %s", data)
	}
}
