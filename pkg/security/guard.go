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

// Package security guards the proxy admission path. Four cooperating
// sub-policies are consulted at admission time and updated at event
// time: per IP and global token buckets, a connection flood detector,
// and the fail2ban ledger. Every check takes one short lived lock per
// event; no lock is held across I/O.
package security

import (
	"fmt"
	"net"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/stderror"
)

// Guard combines the security sub-policies behind a single admission
// interface. All ledgers are keyed by client IP, never by port.
type Guard struct {
	limiter  *rateLimiter
	flood    *ddosGuard
	fail2ban *fail2ban
	done     chan struct{}

	// nowFunc is replaceable in tests.
	nowFunc func() time.Time
}

// NewGuard creates a Guard from the security configuration.
func NewGuard(conf config.SecurityConfig) *Guard {
	g := &Guard{
		nowFunc: time.Now,
		done:    make(chan struct{}),
	}
	now := func() time.Time { return g.nowFunc() }
	g.limiter = newRateLimiter(conf.RateLimiting, now)
	g.flood = newDdosGuard(conf.DdosProtection, now)
	g.fail2ban = newFail2ban(conf.Fail2ban, now)
	return g
}

// Admit decides whether a newly accepted connection may be served.
// It returns a progressive delay to apply before serving repeat
// offenders. A rejected connection is closed without a socks5 reply.
func (g *Guard) Admit(ip net.IP) (delay time.Duration, err error) {
	ipStr := ip.String()

	if g.fail2ban.isBanned(ipStr) {
		return 0, stderror.WrapErrorWithType(
			fmt.Errorf("connection from %s: %w", ipStr, stderror.ErrBanned), stderror.RESOURCE_ERROR)
	}
	delay, ok := g.flood.allowConnection(ipStr)
	if !ok {
		return 0, stderror.WrapErrorWithType(
			fmt.Errorf("connection flood from %s: %w", ipStr, stderror.ErrRateLimited), stderror.RESOURCE_ERROR)
	}
	if !g.limiter.allowConnection(ipStr) {
		// Release the concurrent slot taken by the flood detector.
		g.flood.onConnectionClosed(ipStr)
		return 0, stderror.WrapErrorWithType(
			fmt.Errorf("connection rate from %s: %w", ipStr, stderror.ErrRateLimited), stderror.RESOURCE_ERROR)
	}
	return delay, nil
}

// OnConnectionClosed releases the per IP concurrent connection slot.
// It must be called exactly once for every admitted connection.
func (g *Guard) OnConnectionClosed(ip net.IP) {
	g.flood.onConnectionClosed(ip.String())
}

// AllowAuthAttempt implements auth.Observer.
func (g *Guard) AllowAuthAttempt(ip net.IP) bool {
	return g.limiter.allowAuthAttempt(ip.String())
}

// RecordAuthFailure implements auth.Observer.
func (g *Guard) RecordAuthFailure(ip net.IP) {
	g.fail2ban.recordFailure(ip.String())
}

// RecordAuthSuccess implements auth.Observer.
func (g *Guard) RecordAuthSuccess(ip net.IP) {
	g.fail2ban.recordSuccess(ip.String())
}

// IsBanned reports whether the IP has an active fail2ban ban.
func (g *Guard) IsBanned(ip net.IP) bool {
	return g.fail2ban.isBanned(ip.String())
}

// StartCleanup launches the periodic sweeps that prune idle IP state.
func (g *Guard) StartCleanup() {
	go g.cleanupLoop(g.limiter.conf.CleanupInterval.Duration, g.limiter.cleanup)
	go g.cleanupLoop(g.flood.conf.CleanupInterval.Duration, g.flood.cleanup)
	go g.cleanupLoop(g.fail2ban.conf.CleanupInterval.Duration, g.fail2ban.cleanup)
}

// Stop terminates the cleanup sweeps.
func (g *Guard) Stop() {
	close(g.done)
}

func (g *Guard) cleanupLoop(interval time.Duration, sweep func()) {
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			sweep()
		case <-g.done:
			return
		}
	}
}
