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

package auth

import (
	"io"
	"net"
	"sync"
	"testing"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/state"
)

// recordingObserver captures the outcomes reported to the security guard.
type recordingObserver struct {
	mu        sync.Mutex
	failures  int
	successes int
	allow     bool
}

func (o *recordingObserver) AllowAuthAttempt(ip net.IP) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.allow
}

func (o *recordingObserver) RecordAuthFailure(ip net.IP) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.failures++
}

func (o *recordingObserver) RecordAuthSuccess(ip net.IP) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.successes++
}

func (o *recordingObserver) counts() (failures, successes int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.failures, o.successes
}

func userPassConfig() config.AuthConfig {
	return config.AuthConfig{
		Enabled: true,
		Method:  "userpass",
		Users: []config.UserConfig{
			{Username: "testuser", Password: "testpass", Enabled: true},
			{Username: "locked", Password: "lockedpass", Enabled: false},
		},
	}
}

// runHandshake writes the client bytes to one end of a pipe and runs
// the authenticator on the other end. It returns the server's bytes
// and the result of Handle().
func runHandshake(t *testing.T, a *Authenticator, clientBytes []byte, readLen int) ([]byte, *state.Session, error) {
	t.Helper()
	client, server := net.Pipe()
	defer client.Close()
	defer server.Close()

	type result struct {
		sess *state.Session
		err  error
	}
	resCh := make(chan result, 1)
	go func() {
		sess, err := a.Handle(server)
		resCh <- result{sess, err}
	}()

	// net.Pipe is unbuffered, so the write must not block the read.
	go client.Write(clientBytes)
	out := make([]byte, readLen)
	if _, err := io.ReadFull(client, out); err != nil {
		t.Fatalf("client read failed: %v", err)
	}
	res := <-resCh
	return out, res.sess, res.err
}

func TestNoAuthHandshake(t *testing.T) {
	store := state.NewStore(10)
	a := New(config.AuthConfig{Enabled: false, Method: "none"}, store, nil)

	out, sess, err := runHandshake(t, a, []byte{5, 1, 0}, 2)
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	if out[0] != 5 || out[1] != 0 {
		t.Errorf("got method selection %v, want [5 0]", out)
	}
	if sess == nil || sess.UserID != "" {
		t.Errorf("got session %+v, want anonymous session", sess)
	}
	if store.SessionCount() != 1 {
		t.Errorf("got %d sessions, want 1", store.SessionCount())
	}
}

func TestNoAcceptableMethod(t *testing.T) {
	store := state.NewStore(10)
	a := New(userPassConfig(), store, nil)

	// Client only offers no-auth while the server requires userpass.
	out, sess, err := runHandshake(t, a, []byte{5, 1, 0}, 2)
	if err == nil {
		t.Fatalf("Handle() returned no error")
	}
	if out[0] != 5 || out[1] != 0xFF {
		t.Errorf("got method selection %v, want [5 255]", out)
	}
	if sess != nil {
		t.Errorf("got session %+v, want nil", sess)
	}
	if store.SessionCount() != 0 {
		t.Errorf("got %d sessions, want 0", store.SessionCount())
	}
}

func TestUserPassSuccess(t *testing.T) {
	store := state.NewStore(10)
	observer := &recordingObserver{allow: true}
	a := New(userPassConfig(), store, observer)

	clientBytes := []byte{5, 1, 2}
	clientBytes = append(clientBytes, 1, 8)
	clientBytes = append(clientBytes, []byte("testuser")...)
	clientBytes = append(clientBytes, 8)
	clientBytes = append(clientBytes, []byte("testpass")...)

	// Expect method selection [5 2] then userpass reply [1 0].
	out, sess, err := runHandshake(t, a, clientBytes, 4)
	if err != nil {
		t.Fatalf("Handle() failed: %v", err)
	}
	want := []byte{5, 2, 1, 0}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got handshake bytes %v, want %v", out, want)
		}
	}
	if sess == nil || sess.UserID != "testuser" {
		t.Errorf("got session %+v, want session for testuser", sess)
	}
	if failures, successes := observer.counts(); failures != 0 || successes != 1 {
		t.Errorf("got failures=%d successes=%d, want 0 and 1", failures, successes)
	}

	u, ok := a.Users().Get("testuser")
	if !ok {
		t.Fatalf("user not found after login")
	}
	if u.ConnectionCount != 1 {
		t.Errorf("got connection count %d, want 1", u.ConnectionCount)
	}
	if u.LastLogin.IsZero() {
		t.Errorf("last login was not recorded")
	}
}

func TestUserPassWrongPassword(t *testing.T) {
	store := state.NewStore(10)
	observer := &recordingObserver{allow: true}
	a := New(userPassConfig(), store, observer)

	clientBytes := []byte{5, 1, 2}
	clientBytes = append(clientBytes, 1, 8)
	clientBytes = append(clientBytes, []byte("testuser")...)
	clientBytes = append(clientBytes, 5)
	clientBytes = append(clientBytes, []byte("wrong")...)

	out, sess, err := runHandshake(t, a, clientBytes, 4)
	if err == nil {
		t.Fatalf("Handle() returned no error")
	}
	want := []byte{5, 2, 1, 1}
	for i := range want {
		if out[i] != want[i] {
			t.Fatalf("got handshake bytes %v, want %v", out, want)
		}
	}
	if sess != nil {
		t.Errorf("got session %+v, want nil", sess)
	}
	if failures, _ := observer.counts(); failures != 1 {
		t.Errorf("got %d recorded failures, want 1", failures)
	}
	if store.SessionCount() != 0 {
		t.Errorf("got %d sessions, want 0", store.SessionCount())
	}
}

func TestUserPassDisabledUser(t *testing.T) {
	store := state.NewStore(10)
	observer := &recordingObserver{allow: true}
	a := New(userPassConfig(), store, observer)

	clientBytes := []byte{5, 1, 2}
	clientBytes = append(clientBytes, 1, 6)
	clientBytes = append(clientBytes, []byte("locked")...)
	clientBytes = append(clientBytes, 10)
	clientBytes = append(clientBytes, []byte("lockedpass")...)

	_, sess, err := runHandshake(t, a, clientBytes, 4)
	if err == nil {
		t.Fatalf("Handle() accepted a disabled user")
	}
	if sess != nil {
		t.Errorf("got session %+v for a disabled user", sess)
	}
}

func TestUserPassRateLimited(t *testing.T) {
	store := state.NewStore(10)
	observer := &recordingObserver{allow: false}
	a := New(userPassConfig(), store, observer)

	clientBytes := []byte{5, 1, 2}
	clientBytes = append(clientBytes, 1, 8)
	clientBytes = append(clientBytes, []byte("testuser")...)
	clientBytes = append(clientBytes, 8)
	clientBytes = append(clientBytes, []byte("testpass")...)

	out, sess, err := runHandshake(t, a, clientBytes, 4)
	if err == nil {
		t.Fatalf("Handle() returned no error while rate limited")
	}
	if out[2] != 1 || out[3] != 1 {
		t.Errorf("got userpass reply %v, want failure", out[2:])
	}
	if sess != nil {
		t.Errorf("got session %+v while rate limited", sess)
	}
}
