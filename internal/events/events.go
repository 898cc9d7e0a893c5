// Package events announces session and environment activity to other
// processes.
package events

import (
	"time"
)

// Event types.
const (
	SessionOpened     = "session.opened"
	SessionClosed     = "session.closed"
	EnvironmentAction = "environment.action"
)

// Event is one notification. Fields that do not apply are left empty.
type Event struct {
	Type          string    `json:"type"`
	Time          time.Time `json:"time"`
	SessionID     string    `json:"sessionId,omitempty"`
	Intent        string    `json:"intent,omitempty"`
	EnvironmentID string    `json:"environmentId,omitempty"`
	Action        string    `json:"action,omitempty"`
	PID           int       `json:"pid,omitempty"`
	ExitCode      *int      `json:"exitCode,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Publisher delivers events. Publish never blocks on the network for long
// and never fails the caller; delivery problems are the publisher's to log.
type Publisher interface {
	Publish(Event)
	Close()
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(Event) {}

func (Nop) Close() {}

// Recorder keeps events in memory. Tests use it to observe publishing.
type Recorder struct {
	ch chan Event
}

// NewRecorder returns a Recorder buffering up to n events; extra events are
// dropped.
func NewRecorder(n int) *Recorder {
	return &Recorder{ch: make(chan Event, n)}
}

func (r *Recorder) Publish(ev Event) {
	select {
	case r.ch <- ev:
	default:
	}
}

func (r *Recorder) Close() {}

// Events exposes recorded events in publish order.
func (r *Recorder) Events() <-chan Event { return r.ch }

// Multi fans every event out to each publisher in order.
type Multi []Publisher

func (m Multi) Publish(ev Event) {
	for _, p := range m {
		p.Publish(ev)
	}
}

func (m Multi) Close() {
	for _, p := range m {
		p.Close()
	}
}
