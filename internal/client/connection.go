package client

import (
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"

	cliconfig "github.com/antonkrylov/cudash/internal/cli/config"
)

// DefaultServer is used when neither flags, env nor config name a server.
const DefaultServer = "127.0.0.1:8000"

type Connection struct {
	Server     string
	ConfigPath string
	Config     *cliconfig.Config
}

// ResolveConnection picks the dashboard server to talk to:
// 1) the server flag
// 2) CUDASH_SERVER
// 3) config server, then config listen address
// 4) DefaultServer
func ResolveConnection(configPath, server string) (*Connection, error) {
	conn := &Connection{ConfigPath: configPath, Server: strings.TrimSpace(server)}

	cfg, err := cliconfig.Load(configPath)
	if err != nil {
		return nil, err
	}
	conn.Config = cfg

	if conn.Server == "" {
		conn.Server = strings.TrimSpace(os.Getenv("CUDASH_SERVER"))
	}
	if conn.Server == "" {
		conn.Server = strings.TrimSpace(cfg.Server)
	}
	if conn.Server == "" {
		conn.Server = dialable(cfg.Listen)
	}
	if conn.Server == "" {
		conn.Server = DefaultServer
	}
	if _, err := conn.baseURL(); err != nil {
		return nil, err
	}
	return conn, nil
}

// dialable turns a listen address into one a client can dial.
func dialable(listen string) string {
	host, port, err := net.SplitHostPort(strings.TrimSpace(listen))
	if err != nil {
		return ""
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}

func (c *Connection) baseURL() (*url.URL, error) {
	raw := c.Server
	if !strings.Contains(raw, "://") {
		raw = "ws://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("server address %q: %w", c.Server, err)
	}
	switch u.Scheme {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return nil, fmt.Errorf("server address %q: unsupported scheme %q", c.Server, u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("server address %q: missing host", c.Server)
	}
	u.Path = strings.TrimRight(u.Path, "/")
	return u, nil
}

// Target selects the session to attach to. An empty target is a plain shell.
type Target struct {
	EnvironmentID string
	Verb          string
	Watch         bool
	Cols          int
	Rows          int
}

func (t Target) path() (string, error) {
	id := strings.TrimSpace(t.EnvironmentID)
	verb := strings.TrimSpace(t.Verb)
	switch {
	case t.Watch:
		if id != "" || verb != "" {
			return "", fmt.Errorf("watch does not take an environment or verb")
		}
		return "/ws/environments/watch", nil
	case id == "" && verb != "":
		return "", fmt.Errorf("verb %q needs an environment id", verb)
	case id == "":
		return "/ws/terminal", nil
	case verb == "":
		verb = "terminal"
	}
	return "/ws/environments/" + url.PathEscape(id) + "/" + url.PathEscape(verb), nil
}

// SessionURL is the WebSocket URL serving target.
func (c *Connection) SessionURL(t Target) (string, error) {
	u, err := c.baseURL()
	if err != nil {
		return "", err
	}
	p, err := t.path()
	if err != nil {
		return "", err
	}
	u.Path += p
	q := url.Values{}
	if t.Cols > 0 && t.Rows > 0 {
		q.Set("cols", fmt.Sprint(t.Cols))
		q.Set("rows", fmt.Sprint(t.Rows))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}
