package client

import (
	"context"
	"errors"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antonkrylov/cudash/internal/terminal"
)

// Size is a terminal size in cells.
type Size struct {
	Cols int
	Rows int
}

type AttachOptions struct {
	URL    string
	Stdin  io.Reader
	Stdout io.Writer
	// Resize delivers local terminal size changes. May be nil.
	Resize <-chan Size
	Dialer *websocket.Dialer
	Header http.Header
}

// safeConn serializes writes; the connection supports one writer at a time.
type safeConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *safeConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
	return c.conn.WriteMessage(mt, data)
}

// Attach relays a server session to local stdio until the server closes the
// session or ctx ends. Keystrokes travel as binary frames so the server never
// mistakes them for control messages.
func Attach(ctx context.Context, opts AttachOptions) error {
	dialer := opts.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	ws, resp, err := dialer.DialContext(ctx, opts.URL, opts.Header)
	if err != nil {
		if resp != nil {
			return &DialError{URL: opts.URL, Status: resp.StatusCode, Err: err}
		}
		return &DialError{URL: opts.URL, Err: err}
	}
	conn := &safeConn{conn: ws}
	defer ws.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	if opts.Stdin != nil {
		go func() {
			buf := make([]byte, 32*1024)
			for {
				n, rerr := opts.Stdin.Read(buf)
				if n > 0 {
					if werr := conn.write(websocket.BinaryMessage, append([]byte(nil), buf[:n]...)); werr != nil {
						return
					}
				}
				if rerr != nil {
					return
				}
			}
		}()
	}
	if opts.Resize != nil {
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case sz, ok := <-opts.Resize:
					if !ok {
						return
					}
					msg := terminal.ResizeMessage(sz.Cols, sz.Rows)
					if conn.write(websocket.TextMessage, msg.Data) != nil {
						return
					}
				}
			}
		}()
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil
			}
			return err
		}
		if _, err := opts.Stdout.Write(data); err != nil {
			return err
		}
	}
}

// DialError reports a failed WebSocket handshake.
type DialError struct {
	URL    string
	Status int
	Err    error
}

func (e *DialError) Error() string {
	if e.Status != 0 {
		return "attach " + e.URL + ": " + http.StatusText(e.Status) + ": " + e.Err.Error()
	}
	return "attach " + e.URL + ": " + e.Err.Error()
}

func (e *DialError) Unwrap() error { return e.Err }
