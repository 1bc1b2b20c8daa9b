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

// Package auth negotiates the socks5 authentication method with the
// client, validates credentials, and mints sessions.
package auth

import (
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/constant"
	"github.com/socksguard/socksguard/pkg/event"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/state"
	"github.com/socksguard/socksguard/pkg/stderror"
)

var (
	AuthSuccesses   = metrics.RegisterMetric("auth", "Successes")
	AuthFailures    = metrics.RegisterMetric("auth", "Failures")
	AuthRejected    = metrics.RegisterMetric("auth", "Rejected")
	AuthRateLimited = metrics.RegisterMetric("auth", "RateLimited")
)

// Observer receives authentication outcomes. The security guard uses
// them to maintain the fail2ban ledger and the auth attempt buckets.
type Observer interface {
	// AllowAuthAttempt reports whether the IP may attempt another
	// credential check right now.
	AllowAuthAttempt(ip net.IP) bool

	// RecordAuthFailure records a failed credential check.
	RecordAuthFailure(ip net.IP)

	// RecordAuthSuccess records a successful credential check.
	RecordAuthSuccess(ip net.IP)
}

// Authenticator negotiates the authentication method and validates
// credentials against the user store.
type Authenticator struct {
	methods  []byte // allowed methods, in preference order
	users    *UserStore
	sessions *state.Store
	observer Observer
}

// New creates an Authenticator from the auth configuration.
func New(conf config.AuthConfig, sessions *state.Store, observer Observer) *Authenticator {
	a := &Authenticator{
		users:    NewUserStore(conf.Users),
		sessions: sessions,
		observer: observer,
	}
	if conf.Enabled && conf.Method == "userpass" {
		a.methods = []byte{constant.Socks5UserPassAuth}
	} else {
		a.methods = []byte{constant.Socks5NoAuth}
	}
	return a
}

// Users returns the user store.
func (a *Authenticator) Users() *UserStore {
	return a.users
}

// Handle runs the authentication phase of a client connection:
// greeting, method selection, and the optional user password
// sub-negotiation. On success it mints a session and registers it.
// The caller removes the session when the connection ends.
func (a *Authenticator) Handle(conn net.Conn) (*state.Session, error) {
	offered, err := model.ReadGreeting(conn)
	if err != nil {
		return nil, stderror.WrapErrorWithType(err, stderror.PROTOCOL_ERROR)
	}

	// Select the first client offered method that we allow.
	selected := constant.Socks5NoAcceptableAuth
	for _, m := range offered {
		if a.allows(m) {
			selected = m
			break
		}
	}
	if selected == constant.Socks5NoAcceptableAuth {
		AuthRejected.Add(1)
		// Best effort. The connection is closed by the caller.
		model.WriteMethodSelection(conn, constant.Socks5NoAcceptableAuth)
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("no acceptable authentication method in %v", offered), stderror.AUTH_ERROR)
	}
	if err := model.WriteMethodSelection(conn, selected); err != nil {
		return nil, stderror.WrapErrorWithType(err, stderror.NETWORK_ERROR)
	}

	clientIP := remoteIP(conn)
	var userID string
	if selected == constant.Socks5UserPassAuth {
		userID, err = a.handleUserPass(conn, clientIP)
		if err != nil {
			return nil, err
		}
	}

	sess := &state.Session{
		ID:           uuid.NewString(),
		UserID:       userID,
		ClientAddr:   conn.RemoteAddr().String(),
		CreatedAt:    time.Now(),
		LastActivity: time.Now(),
	}
	a.sessions.AddSession(sess)
	return sess, nil
}

func (a *Authenticator) handleUserPass(conn net.Conn, clientIP net.IP) (string, error) {
	cred, err := model.ReadUserPass(conn)
	if err != nil {
		return "", stderror.WrapErrorWithType(err, stderror.PROTOCOL_ERROR)
	}

	if a.observer != nil && !a.observer.AllowAuthAttempt(clientIP) {
		AuthRateLimited.Add(1)
		model.WriteUserPassReply(conn, false)
		return "", stderror.WrapErrorWithType(
			fmt.Errorf("authentication attempt from %v: %w", clientIP, stderror.ErrRateLimited), stderror.AUTH_ERROR)
	}

	if !a.users.Verify(cred.User, cred.Password) {
		AuthFailures.Add(1)
		if a.observer != nil {
			a.observer.RecordAuthFailure(clientIP)
		}
		event.Publish(event.Event{
			Kind:     event.KindAuthResult,
			ClientIP: clientIP.String(),
			User:     cred.User,
			Reason:   "invalid user or password",
		})
		if err := model.WriteUserPassReply(conn, false); err != nil {
			return "", stderror.WrapErrorWithType(err, stderror.NETWORK_ERROR)
		}
		return "", stderror.WrapErrorWithType(
			fmt.Errorf("user password authentication failed for user %q", cred.User), stderror.AUTH_ERROR)
	}

	if err := model.WriteUserPassReply(conn, true); err != nil {
		return "", stderror.WrapErrorWithType(err, stderror.NETWORK_ERROR)
	}
	AuthSuccesses.Add(1)
	a.users.RecordLogin(cred.User)
	if a.observer != nil {
		a.observer.RecordAuthSuccess(clientIP)
	}
	event.Publish(event.Event{
		Kind:     event.KindAuthResult,
		ClientIP: clientIP.String(),
		User:     cred.User,
		Reason:   "ok",
	})
	if log.IsLevelEnabled(log.DebugLevel) {
		log.Debugf("user %q authenticated from %v", cred.User, conn.RemoteAddr())
	}
	return cred.User, nil
}

func (a *Authenticator) allows(method byte) bool {
	for _, m := range a.methods {
		if m == method {
			return true
		}
	}
	return false
}

func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return nil
	}
	return net.ParseIP(host)
}
