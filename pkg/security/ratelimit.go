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

package security

import (
	"sync"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/metrics"
)

var (
	RateLimitedConnections = metrics.RegisterMetric("security", "RateLimitedConnections")
	RateLimitedAuth        = metrics.RegisterMetric("security", "RateLimitedAuthAttempts")
	GlobalRateLimited      = metrics.RegisterMetric("security", "GlobalRateLimitedConnections")
)

// ipRateLimit is the per IP rate limiting state.
type ipRateLimit struct {
	mu           sync.Mutex
	connBucket   *TokenBucket
	authBucket   *TokenBucket
	blockedUntil time.Time
	lastActivity time.Time
}

// rateLimiter enforces the per IP connection and auth attempt token
// buckets plus the shared global connection bucket.
type rateLimiter struct {
	conf config.RateLimitConfig
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*ipRateLimit

	globalMu     sync.Mutex
	globalBucket *TokenBucket
}

func newRateLimiter(conf config.RateLimitConfig, now func() time.Time) *rateLimiter {
	r := &rateLimiter{
		conf:    conf,
		now:     now,
		entries: make(map[string]*ipRateLimit),
	}
	r.globalBucket = NewTokenBucket(conf.GlobalConnectionsPerSecond, float64(conf.GlobalConnectionsPerSecond), now())
	return r
}

func (r *rateLimiter) entry(ip string) *ipRateLimit {
	r.mu.RLock()
	e, ok := r.entries[ip]
	r.mu.RUnlock()
	if ok {
		return e
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok = r.entries[ip]; ok {
		return e
	}
	now := r.now()
	e = &ipRateLimit{
		connBucket:   NewTokenBucket(r.conf.ConnectionsPerIPBurst, float64(r.conf.ConnectionsPerIPPerMinute)/60.0, now),
		authBucket:   NewTokenBucket(r.conf.AuthAttemptsPerIPBurst, float64(r.conf.AuthAttemptsPerIPPerMinute)/60.0, now),
		lastActivity: now,
	}
	r.entries[ip] = e
	return e
}

// allowConnection takes one token from the IP's connection bucket.
// An empty bucket temporarily blocks the IP for the block duration.
func (r *rateLimiter) allowConnection(ip string) bool {
	if !r.conf.Enabled {
		return true
	}
	now := r.now()

	r.globalMu.Lock()
	globalOK := r.globalBucket.TryConsume(now)
	r.globalMu.Unlock()
	if !globalOK {
		GlobalRateLimited.Add(1)
		return false
	}

	e := r.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	if now.Before(e.blockedUntil) {
		RateLimitedConnections.Add(1)
		return false
	}
	if !e.connBucket.TryConsume(now) {
		e.blockedUntil = now.Add(r.conf.BlockDuration.Duration)
		RateLimitedConnections.Add(1)
		return false
	}
	return true
}

// allowAuthAttempt takes one token from the IP's auth attempt bucket.
func (r *rateLimiter) allowAuthAttempt(ip string) bool {
	if !r.conf.Enabled {
		return true
	}
	now := r.now()
	e := r.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now
	if !e.authBucket.TryConsume(now) {
		RateLimitedAuth.Add(1)
		return false
	}
	return true
}

// cleanup removes IP entries that are idle and no longer blocked.
func (r *rateLimiter) cleanup() {
	now := r.now()
	idleCutoff := now.Add(-2 * r.conf.CleanupInterval.Duration)
	r.mu.Lock()
	defer r.mu.Unlock()
	for ip, e := range r.entries {
		e.mu.Lock()
		expired := e.lastActivity.Before(idleCutoff) && now.After(e.blockedUntil)
		e.mu.Unlock()
		if expired {
			delete(r.entries, ip)
		}
	}
}
