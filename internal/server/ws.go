package server

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"

	"github.com/antonkrylov/cudash/internal/terminal"
)

// upgradeOnly rejects plain HTTP requests on WebSocket routes.
func upgradeOnly(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// wsChannel adapts a WebSocket connection to terminal.Channel. Writes are
// serialized; gorilla-style connections allow one concurrent writer only.
type wsChannel struct {
	conn     *websocket.Conn
	writeTTL time.Duration

	mu     sync.Mutex
	closed bool
}

func newWSChannel(conn *websocket.Conn, writeTTL time.Duration) *wsChannel {
	return &wsChannel{conn: conn, writeTTL: writeTTL}
}

func (w *wsChannel) Receive() (terminal.Message, error) {
	mt, data, err := w.conn.ReadMessage()
	if err != nil {
		return terminal.Message{}, err
	}
	if mt == websocket.BinaryMessage {
		return terminal.Message{Type: terminal.BinaryMessage, Data: data}, nil
	}
	return terminal.Message{Type: terminal.TextMessage, Data: data}, nil
}

func (w *wsChannel) Send(msg terminal.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return terminal.ErrChannelClosed
	}
	mt := websocket.TextMessage
	if msg.Type == terminal.BinaryMessage {
		mt = websocket.BinaryMessage
	}
	if w.writeTTL > 0 {
		_ = w.conn.SetWriteDeadline(time.Now().Add(w.writeTTL))
	}
	return w.conn.WriteMessage(mt, msg.Data)
}

func (w *wsChannel) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	_ = w.conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = w.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	// Closing a hijacked connection does not interrupt a blocked read.
	_ = w.conn.SetReadDeadline(time.Now())
	return w.conn.Close()
}

func (s *Server) plainTerminal(conn *websocket.Conn) {
	s.serveSession(conn, nil)
}

func (s *Server) watchEnvironments(conn *websocket.Conn) {
	s.serveSession(conn, terminal.Watch{})
}

func (s *Server) environmentSession(conn *websocket.Conn) {
	id := strings.Clone(conn.Params("id"))
	verb := strings.Clone(conn.Params("verb"))
	intent, err := intentFor(id, verb)
	if err != nil {
		ch := newWSChannel(conn, s.cfg.WSWriteTTL)
		_ = ch.Send(terminal.Message{Type: terminal.TextMessage, Data: []byte("Error: " + err.Error() + "\r\n")})
		_ = ch.Close()
		return
	}
	s.serveSession(conn, intent)
}

// serveSession binds conn to a new terminal session and holds the handler
// open until the session ends. Done also covers the session's reader, so the
// connection is no longer touched when it is released on return.
func (s *Server) serveSession(conn *websocket.Conn, intent terminal.Intent) {
	ch := newWSChannel(conn, s.cfg.WSWriteTTL)
	cols, rows, err := querySize(conn)
	if err != nil {
		_ = ch.Send(terminal.Message{Type: terminal.TextMessage, Data: []byte("Error: " + err.Error() + "\r\n")})
		_ = ch.Close()
		return
	}

	sess, err := s.sessions.Open(ch, terminal.OpenRequest{
		Intent: intent,
		Binary: s.cfg.ContainerUseBin,
		Dir:    s.cfg.WorkDir,
		Cols:   cols,
		Rows:   rows,
	})
	if err != nil {
		s.logger.Error("open session", "intent", terminal.Name(intent), "err", err)
		_ = ch.Send(terminal.Message{Type: terminal.TextMessage, Data: []byte("Failed to start shell: " + err.Error() + "\r\n")})
		_ = ch.Close()
		return
	}
	<-sess.Done()
}

// streamActivity pushes every dashboard event to the client as JSON until
// either side goes away.
func (s *Server) streamActivity(conn *websocket.Conn) {
	id, feed := s.history.Subscribe()
	defer s.history.Unsubscribe(id)
	ch := newWSChannel(conn, s.cfg.WSWriteTTL)

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, err := ch.Receive(); err != nil {
				return
			}
		}
	}()
	// The connection is recycled once the handler returns.
	defer func() {
		_ = ch.Close()
		<-gone
	}()
	for {
		select {
		case <-gone:
			return
		case ev, ok := <-feed:
			if !ok {
				return
			}
			data, err := json.Marshal(ev)
			if err != nil {
				s.logger.Warn("encode activity", "err", err)
				continue
			}
			if err := ch.Send(terminal.Message{Type: terminal.TextMessage, Data: data}); err != nil {
				return
			}
		}
	}
}

func querySize(conn *websocket.Conn) (cols, rows uint16, err error) {
	parse := func(name string) (uint16, error) {
		raw := conn.Query(name)
		if raw == "" {
			return 0, nil
		}
		n, err := strconv.ParseUint(raw, 10, 16)
		if err != nil || n == 0 {
			return 0, errors.New("invalid " + name + " " + strconv.Quote(raw))
		}
		return uint16(n), nil
	}
	if cols, err = parse("cols"); err != nil {
		return 0, 0, err
	}
	if rows, err = parse("rows"); err != nil {
		return 0, 0, err
	}
	return cols, rows, nil
}
