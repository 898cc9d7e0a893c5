// Package history remembers what happened on the dashboard: sessions that
// were opened and closed and actions applied to environments.
package history

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/antonkrylov/cudash/internal/events"
)

// Record summarizes one terminal session.
type Record struct {
	ID            string     `json:"id"`
	Intent        string     `json:"intent"`
	EnvironmentID string     `json:"environmentId,omitempty"`
	PID           int        `json:"pid,omitempty"`
	StartedAt     time.Time  `json:"startedAt"`
	EndedAt       *time.Time `json:"endedAt,omitempty"`
	ExitCode      *int       `json:"exitCode,omitempty"`
}

// Active reports whether the session has not been seen closing.
func (r Record) Active() bool { return r.EndedAt == nil }

// ErrSessionNotFound marks an unknown session id.
var ErrSessionNotFound = fmt.Errorf("session not found")

// Store keeps history in memory while optionally mirroring it to JetStream
// so it survives restarts. It is an events.Publisher.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*Record
	activity []events.Event
	seq      uint64
	subs     map[int64]chan events.Event
	nextSub  int64
	limit    int

	logger *slog.Logger
	js     *jetStreamMirror
}

var discardLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// New creates a Store, replaying persisted history first when JetStream is
// configured.
func New(ctx context.Context, opts *Options) (*Store, error) {
	st := &Store{
		sessions: make(map[string]*Record),
		subs:     make(map[int64]chan events.Event),
		limit:    DefaultLimit,
		logger:   discardLogger,
	}
	if opts != nil {
		if opts.Logger != nil {
			st.logger = opts.Logger
		}
		if opts.Limit > 0 {
			st.limit = opts.Limit
		}
	}
	if opts != nil && opts.JetStream != nil {
		mirror, err := newJetStreamMirror(ctx, opts.JetStream, st.logger)
		if err != nil {
			return nil, err
		}
		if err := mirror.hydrate(ctx, st); err != nil {
			mirror.Close()
			return nil, err
		}
		st.js = mirror
	}
	return st, nil
}

// Close flushes backing resources and ends all subscriptions.
func (s *Store) Close() {
	s.mu.Lock()
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
	s.mu.Unlock()
	if s.js != nil {
		s.js.Close()
	}
}

// Publish records ev and fans it out to subscribers.
func (s *Store) Publish(ev events.Event) {
	s.mu.Lock()
	seq := s.applyLocked(ev)
	s.broadcastLocked(ev)
	s.mu.Unlock()
	if s.js != nil {
		if err := s.js.publish(ev, seq); err != nil {
			s.logger.Error("jetstream publish history", "type", ev.Type, "err", err)
		}
	}
}

func (s *Store) applyLocked(ev events.Event) uint64 {
	s.seq++
	switch ev.Type {
	case events.SessionOpened:
		s.sessions[ev.SessionID] = &Record{
			ID:            ev.SessionID,
			Intent:        ev.Intent,
			EnvironmentID: ev.EnvironmentID,
			PID:           ev.PID,
			StartedAt:     ev.Time,
		}
	case events.SessionClosed:
		rec, ok := s.sessions[ev.SessionID]
		if !ok {
			rec = &Record{ID: ev.SessionID, Intent: ev.Intent, EnvironmentID: ev.EnvironmentID, PID: ev.PID, StartedAt: ev.Time}
			s.sessions[ev.SessionID] = rec
		}
		ended := ev.Time
		rec.EndedAt = &ended
		if ev.ExitCode != nil {
			code := *ev.ExitCode
			rec.ExitCode = &code
		}
		s.pruneLocked()
	}
	s.activity = append(s.activity, ev)
	if over := len(s.activity) - s.limit; over > 0 {
		s.activity = append([]events.Event(nil), s.activity[over:]...)
	}
	return s.seq
}

// pruneLocked drops the oldest finished sessions beyond the limit.
func (s *Store) pruneLocked() {
	var finished []*Record
	for _, rec := range s.sessions {
		if !rec.Active() {
			finished = append(finished, rec)
		}
	}
	if len(finished) <= s.limit {
		return
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].EndedAt.Before(*finished[j].EndedAt) })
	for _, rec := range finished[:len(finished)-s.limit] {
		delete(s.sessions, rec.ID)
	}
}

// Sessions returns copies of all known sessions, oldest first.
func (s *Store) Sessions() []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, len(s.sessions))
	for _, rec := range s.sessions {
		out = append(out, rec.clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].StartedAt.Equal(out[j].StartedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	return out
}

// Session returns one session by id.
func (s *Store) Session(id string) (Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.sessions[id]
	if !ok {
		return Record{}, ErrSessionNotFound
	}
	return rec.clone(), nil
}

// Activity returns up to limit of the most recent events, oldest first. A
// non-positive limit returns everything retained.
func (s *Store) Activity(limit int) []events.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src := s.activity
	if limit > 0 && len(src) > limit {
		src = src[len(src)-limit:]
	}
	return append([]events.Event(nil), src...)
}

// Subscribe registers a consumer of future events. Slow consumers lose
// events rather than block publishers.
func (s *Store) Subscribe() (int64, <-chan events.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch := make(chan events.Event, 128)
	id := s.nextSub
	s.nextSub++
	s.subs[id] = ch
	return id, ch
}

// Unsubscribe removes a consumer and closes its channel.
func (s *Store) Unsubscribe(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ch, ok := s.subs[id]; ok {
		delete(s.subs, id)
		close(ch)
	}
}

func (s *Store) broadcastLocked(ev events.Event) {
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// applyReplayed restores one persisted event without mirroring it again.
func (s *Store) applyReplayed(ev events.Event, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.applyLocked(ev)
	if seq > s.seq {
		s.seq = seq
	}
}

func (r *Record) clone() Record {
	out := *r
	if r.EndedAt != nil {
		t := *r.EndedAt
		out.EndedAt = &t
	}
	if r.ExitCode != nil {
		c := *r.ExitCode
		out.ExitCode = &c
	}
	return out
}
