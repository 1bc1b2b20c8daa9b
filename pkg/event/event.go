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

// Package event carries the typed control plane events published by the
// proxy core. A management surface subscribes with a callback; the
// callback runs synchronously in the publishing goroutine, so a slow
// subscriber delays the publisher.
package event

import (
	"sync"
	"time"
)

// Kind identifies a control plane event.
type Kind string

const (
	KindSessionStart Kind = "session_start"
	KindSessionEnd   Kind = "session_end"
	KindRelayBytes   Kind = "relay_bytes"
	KindAuthResult   Kind = "auth_result"
	KindBlock        Kind = "block"
	KindBan          Kind = "ban"
	KindConfigReload Kind = "config_reload"
)

// Event is one structured control plane event.
type Event struct {
	Kind     Kind
	Time     time.Time
	ClientIP string
	Target   string
	User     string
	Reason   string
	BytesUp  int64
	BytesDn  int64
}

// Callback receives control plane events.
type Callback func(Event)

var (
	mu       sync.RWMutex
	callback Callback
)

// SetCallback registers the event subscriber.
// Set the callback to nil to clear it.
func SetCallback(cb Callback) {
	mu.Lock()
	defer mu.Unlock()
	callback = cb
}

// Publish delivers an event to the subscriber, if any.
// The timestamp is filled in when absent.
func Publish(e Event) {
	mu.RLock()
	cb := callback
	mu.RUnlock()
	if cb == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	cb(e)
}
