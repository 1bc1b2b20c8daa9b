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

package state

import (
	"fmt"
	"testing"
	"time"
)

func TestSessionLifecycle(t *testing.T) {
	s := NewStore(10)
	sess := &Session{ID: "s1", ClientAddr: "127.0.0.1:50000", CreatedAt: time.Now()}
	s.AddSession(sess)
	if s.SessionCount() != 1 {
		t.Fatalf("got %d sessions, want 1", s.SessionCount())
	}
	s.TouchSession("s1")
	s.RemoveSession("s1")
	if s.SessionCount() != 0 {
		t.Errorf("got %d sessions, want 0", s.SessionCount())
	}
	// Removing twice is harmless.
	s.RemoveSession("s1")
	if s.SessionCount() != 0 {
		t.Errorf("got %d sessions after double remove, want 0", s.SessionCount())
	}
}

func TestRelayRecordStartEnd(t *testing.T) {
	s := NewStore(10)
	r := &RelaySession{ID: "r1", ClientAddr: "127.0.0.1:50000", TargetAddr: "example.com:443", StartedAt: time.Now()}
	s.RecordStart(r)
	if s.RelayCount() != 1 {
		t.Fatalf("got %d relays, want 1", s.RelayCount())
	}

	s.UpdateBytes("r1", 100, 250)
	s.UpdateBytes("r1", 50, 0)
	got, ok := s.GetRelay("r1")
	if !ok {
		t.Fatalf("GetRelay() did not find the relay")
	}
	if got.BytesUp() != 150 {
		t.Errorf("got bytes up %d, want 150", got.BytesUp())
	}
	if got.BytesDown() != 250 {
		t.Errorf("got bytes down %d, want 250", got.BytesDown())
	}

	s.RecordEnd("r1")
	if s.RelayCount() != 0 {
		t.Errorf("got %d relays, want 0", s.RelayCount())
	}
	history := s.History()
	if len(history) != 1 {
		t.Fatalf("got %d history entries, want 1", len(history))
	}
	if history[0].BytesUp != 150 || history[0].BytesDown != 250 {
		t.Errorf("got history bytes %d/%d, want 150/250", history[0].BytesUp, history[0].BytesDown)
	}
	if history[0].EndedAt.IsZero() {
		t.Errorf("history entry has no end time")
	}
}

func TestRelayEndWithoutStart(t *testing.T) {
	s := NewStore(10)
	// Unknown ids are ignored.
	s.UpdateBytes("nope", 1, 1)
	s.RecordEnd("nope")
	if len(s.History()) != 0 {
		t.Errorf("got history entries for an unknown relay")
	}
}

func TestHistoryRingEviction(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		id := fmt.Sprintf("r%d", i)
		s.RecordStart(&RelaySession{ID: id, StartedAt: time.Now()})
		s.RecordEnd(id)
	}
	history := s.History()
	if len(history) != 3 {
		t.Fatalf("got %d history entries, want 3", len(history))
	}
	// Newest writes evict oldest: r2, r3, r4 remain in order.
	want := []string{"r2", "r3", "r4"}
	for i, id := range want {
		if history[i].ID != id {
			t.Errorf("history[%d] = %s, want %s", i, history[i].ID, id)
		}
	}
}

func TestRelaysSnapshot(t *testing.T) {
	s := NewStore(10)
	r := &RelaySession{ID: "r1", StartedAt: time.Now()}
	s.RecordStart(r)
	r.AddBytesUp(42)

	snap := s.Relays()
	if len(snap) != 1 {
		t.Fatalf("got %d active relays, want 1", len(snap))
	}
	if snap[0].BytesUp != 42 {
		t.Errorf("got snapshot bytes up %d, want 42", snap[0].BytesUp)
	}
}
