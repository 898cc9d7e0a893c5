package events

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"
)

// NATSOptions configure a NATS publisher.
type NATSOptions struct {
	URL           string
	User          string
	Password      string
	SubjectPrefix string
	Name          string
}

func (o *NATSOptions) setDefaults() {
	if o.URL == "" {
		o.URL = nats.DefaultURL
	}
	if o.SubjectPrefix == "" {
		o.SubjectPrefix = "cudash"
	}
	if o.Name == "" {
		o.Name = "cudash"
	}
}

// NATS publishes events as JSON on <prefix>.<type>.
type NATS struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NewNATS connects to the server described by opts.
func NewNATS(opts NATSOptions, logger *slog.Logger) (*NATS, error) {
	cfg := opts
	cfg.setDefaults()
	if logger == nil {
		logger = slog.Default()
	}
	natsOpts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warn("nats disconnected", "err", err)
			}
		}),
	}
	if cfg.User != "" {
		natsOpts = append(natsOpts, nats.UserInfo(cfg.User, cfg.Password))
	}
	conn, err := nats.Connect(cfg.URL, natsOpts...)
	if err != nil {
		return nil, err
	}
	return &NATS{conn: conn, prefix: strings.TrimSuffix(cfg.SubjectPrefix, "."), logger: logger}, nil
}

// Subject is where events of type t are published.
func (n *NATS) Subject(t string) string {
	return n.prefix + "." + t
}

func (n *NATS) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now().UTC()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Warn("encode event", "type", ev.Type, "err", err)
		return
	}
	if err := n.conn.Publish(n.Subject(ev.Type), data); err != nil {
		n.logger.Warn("publish event", "type", ev.Type, "err", err)
	}
}

// Close flushes pending events and disconnects.
func (n *NATS) Close() {
	if n.conn != nil {
		_ = n.conn.Drain()
		n.conn.Close()
	}
}
