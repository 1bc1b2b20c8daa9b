// Copyright (C) 2025  socksguard authors
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU General Public License for more details.
//
// You should have received a copy of the GNU General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package state holds the in-memory registries shared by the proxy
// core: active sessions, active relay sessions, and a bounded ring of
// historical connections. Registries store opaque ids only; no entry
// owns another. All mutations go through short critical sections that
// are never held across I/O.
package state

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/socksguard/socksguard/pkg/event"
	"github.com/socksguard/socksguard/pkg/metrics"
)

var (
	ActiveSessions = metrics.RegisterGauge("sessions", "ActiveSessions")
	ActiveRelays   = metrics.RegisterGauge("sessions", "ActiveRelays")
	RelayStarts    = metrics.RegisterMetric("sessions", "RelayStarts")
	RelayEnds      = metrics.RegisterMetric("sessions", "RelayEnds")
)

// Session is one authenticated client session.
type Session struct {
	ID           string
	UserID       string // empty when authentication is disabled
	ClientAddr   string
	CreatedAt    time.Time
	LastActivity time.Time
}

// RelaySession is the record of one client to target bidirectional flow.
// The byte counters increase monotonically and are read without holding
// the registry lock; readers must not assume cross direction consistency.
type RelaySession struct {
	ID         string
	ClientAddr string
	TargetAddr string
	UserID     string
	StartedAt  time.Time

	bytesUp   atomic.Int64
	bytesDown atomic.Int64
}

// AddBytesUp adds client to target bytes.
func (r *RelaySession) AddBytesUp(n int64) {
	r.bytesUp.Add(n)
}

// AddBytesDown adds target to client bytes.
func (r *RelaySession) AddBytesDown(n int64) {
	r.bytesDown.Add(n)
}

// BytesUp returns the client to target byte count.
func (r *RelaySession) BytesUp() int64 {
	return r.bytesUp.Load()
}

// BytesDown returns the target to client byte count.
func (r *RelaySession) BytesDown() int64 {
	return r.bytesDown.Load()
}

// HistoricalConnection is one completed relay kept for the management
// snapshot.
type HistoricalConnection struct {
	ID         string
	ClientAddr string
	TargetAddr string
	UserID     string
	StartedAt  time.Time
	EndedAt    time.Time
	BytesUp    int64
	BytesDown  int64
}

// Store is the session and relay registry.
type Store struct {
	sessionMu sync.Mutex
	sessions  map[string]*Session

	relayMu sync.Mutex
	relays  map[string]*RelaySession

	historyMu   sync.Mutex
	history     []HistoricalConnection
	historyNext int
	historySize int
	historyCap  int
}

// NewStore creates a Store. maxHistory bounds the historical
// connection ring; the newest entry evicts the oldest.
func NewStore(maxHistory int) *Store {
	if maxHistory <= 0 {
		maxHistory = 1
	}
	return &Store{
		sessions:   make(map[string]*Session),
		relays:     make(map[string]*RelaySession),
		history:    make([]HistoricalConnection, maxHistory),
		historyCap: maxHistory,
	}
}

// AddSession registers an authenticated session.
func (s *Store) AddSession(sess *Session) {
	s.sessionMu.Lock()
	s.sessions[sess.ID] = sess
	s.sessionMu.Unlock()
	ActiveSessions.Add(1)
}

// TouchSession updates the last activity time of a session.
func (s *Store) TouchSession(id string) {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	if sess, ok := s.sessions[id]; ok {
		sess.LastActivity = time.Now()
	}
}

// RemoveSession unregisters a session.
func (s *Store) RemoveSession(id string) {
	s.sessionMu.Lock()
	_, found := s.sessions[id]
	delete(s.sessions, id)
	s.sessionMu.Unlock()
	if found {
		ActiveSessions.Add(-1)
	}
}

// SessionCount returns the number of active sessions.
func (s *Store) SessionCount() int {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	return len(s.sessions)
}

// Sessions returns a point in time copy of the active sessions.
func (s *Store) Sessions() []Session {
	s.sessionMu.Lock()
	defer s.sessionMu.Unlock()
	out := make([]Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, *sess)
	}
	return out
}

// RecordStart registers a relay session.
func (s *Store) RecordStart(r *RelaySession) {
	s.relayMu.Lock()
	s.relays[r.ID] = r
	s.relayMu.Unlock()
	ActiveRelays.Add(1)
	RelayStarts.Add(1)
	event.Publish(event.Event{
		Kind:     event.KindSessionStart,
		ClientIP: r.ClientAddr,
		Target:   r.TargetAddr,
		User:     r.UserID,
	})
}

// UpdateBytes adds transferred bytes to a relay session.
func (s *Store) UpdateBytes(id string, up, down int64) {
	s.relayMu.Lock()
	r, ok := s.relays[id]
	s.relayMu.Unlock()
	if !ok {
		return
	}
	if up > 0 {
		r.AddBytesUp(up)
	}
	if down > 0 {
		r.AddBytesDown(down)
	}
}

// RecordEnd unregisters a relay session and appends it to the
// historical ring.
func (s *Store) RecordEnd(id string) {
	s.relayMu.Lock()
	r, found := s.relays[id]
	delete(s.relays, id)
	s.relayMu.Unlock()
	if !found {
		return
	}
	ActiveRelays.Add(-1)
	RelayEnds.Add(1)

	h := HistoricalConnection{
		ID:         r.ID,
		ClientAddr: r.ClientAddr,
		TargetAddr: r.TargetAddr,
		UserID:     r.UserID,
		StartedAt:  r.StartedAt,
		EndedAt:    time.Now(),
		BytesUp:    r.BytesUp(),
		BytesDown:  r.BytesDown(),
	}
	s.historyMu.Lock()
	s.history[s.historyNext] = h
	s.historyNext = (s.historyNext + 1) % s.historyCap
	if s.historySize < s.historyCap {
		s.historySize++
	}
	s.historyMu.Unlock()

	event.Publish(event.Event{
		Kind:     event.KindSessionEnd,
		ClientIP: r.ClientAddr,
		Target:   r.TargetAddr,
		User:     r.UserID,
		BytesUp:  h.BytesUp,
		BytesDn:  h.BytesDown,
	})
}

// GetRelay returns the relay session with the given id.
func (s *Store) GetRelay(id string) (*RelaySession, bool) {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	r, ok := s.relays[id]
	return r, ok
}

// RelayCount returns the number of active relay sessions.
func (s *Store) RelayCount() int {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	return len(s.relays)
}

// Relays returns a point in time copy of the active relay sessions.
// Byte counters are loaded atomically per direction.
func (s *Store) Relays() []HistoricalConnection {
	s.relayMu.Lock()
	defer s.relayMu.Unlock()
	out := make([]HistoricalConnection, 0, len(s.relays))
	for _, r := range s.relays {
		out = append(out, HistoricalConnection{
			ID:         r.ID,
			ClientAddr: r.ClientAddr,
			TargetAddr: r.TargetAddr,
			UserID:     r.UserID,
			StartedAt:  r.StartedAt,
			BytesUp:    r.BytesUp(),
			BytesDown:  r.BytesDown(),
		})
	}
	return out
}

// History returns the completed connections, newest last.
func (s *Store) History() []HistoricalConnection {
	s.historyMu.Lock()
	defer s.historyMu.Unlock()
	out := make([]HistoricalConnection, 0, s.historySize)
	start := s.historyNext - s.historySize
	for i := 0; i < s.historySize; i++ {
		idx := (start + i + s.historyCap) % s.historyCap
		out = append(out, s.history[idx])
	}
	return out
}
