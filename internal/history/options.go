package history

import (
	"log/slog"
	"time"
)

// DefaultLimit bounds the in-memory activity log.
const DefaultLimit = 500

// Options configure the store.
type Options struct {
	Logger *slog.Logger
	// Limit caps retained activity events and finished sessions.
	Limit     int
	JetStream *JetStreamOptions
}

// JetStreamOptions describe how to persist history in NATS JetStream.
type JetStreamOptions struct {
	URL        string
	User       string
	Password   string
	Prefix     string
	Stream     string
	MaxBytes   int64
	MaxAge     time.Duration
	DupeWindow time.Duration
}

func (o *JetStreamOptions) setDefaults() {
	if o.Prefix == "" {
		o.Prefix = "cudash"
	}
	if o.Stream == "" {
		o.Stream = "cudash_history"
	}
	if o.MaxBytes == 0 {
		o.MaxBytes = 256 * 1024 * 1024
	}
	if o.MaxAge == 0 {
		o.MaxAge = 30 * 24 * time.Hour
	}
	if o.DupeWindow == 0 {
		o.DupeWindow = 2 * time.Minute
	}
}
