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
	"math"
	"sync"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/event"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
)

var (
	AuthFailuresRecorded = metrics.RegisterMetric("security", "AuthFailuresRecorded")
	BansIssued           = metrics.RegisterMetric("security", "BansIssued")
	BannedRejections     = metrics.RegisterMetric("security", "BannedRejections")
)

// bruteForceDetector is the per IP authentication failure ledger.
type bruteForceDetector struct {
	mu           sync.Mutex
	failures     []time.Time
	banCount     int
	bannedUntil  time.Time
	lastActivity time.Time
}

// fail2ban bans IPs that accumulate too many authentication failures
// inside the failure window. Ban durations grow progressively with
// each ban, up to a maximum. Whitelisted IPs are never banned.
type fail2ban struct {
	conf      config.Fail2banConfig
	now       func() time.Time
	whitelist map[string]struct{}

	mu      sync.RWMutex
	entries map[string]*bruteForceDetector
}

func newFail2ban(conf config.Fail2banConfig, now func() time.Time) *fail2ban {
	f := &fail2ban{
		conf:      conf,
		now:       now,
		whitelist: make(map[string]struct{}, len(conf.WhitelistIPs)),
		entries:   make(map[string]*bruteForceDetector),
	}
	for _, ip := range conf.WhitelistIPs {
		f.whitelist[ip] = struct{}{}
	}
	return f
}

func (f *fail2ban) entry(ip string) *bruteForceDetector {
	f.mu.RLock()
	e, ok := f.entries[ip]
	f.mu.RUnlock()
	if ok {
		return e
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if e, ok = f.entries[ip]; ok {
		return e
	}
	e = &bruteForceDetector{lastActivity: f.now()}
	f.entries[ip] = e
	return e
}

// isBanned reports whether the IP has an active ban.
func (f *fail2ban) isBanned(ip string) bool {
	if !f.conf.Enabled {
		return false
	}
	if _, ok := f.whitelist[ip]; ok {
		return false
	}
	f.mu.RLock()
	e, ok := f.entries[ip]
	f.mu.RUnlock()
	if !ok {
		return false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if f.now().Before(e.bannedUntil) {
		BannedRejections.Add(1)
		return true
	}
	return false
}

// recordFailure extends the IP's failure ring and bans the IP when the
// threshold is exceeded.
func (f *fail2ban) recordFailure(ip string) {
	if !f.conf.Enabled {
		return
	}
	AuthFailuresRecorded.Add(1)
	if _, ok := f.whitelist[ip]; ok {
		return
	}
	now := f.now()
	e := f.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now

	windowStart := now.Add(-f.conf.FailureWindow.Duration)
	trimmed := e.failures[:0]
	for _, t := range e.failures {
		if t.After(windowStart) {
			trimmed = append(trimmed, t)
		}
	}
	e.failures = append(trimmed, now)

	if len(e.failures) <= f.conf.MaxAuthFailures {
		return
	}

	e.banCount++
	duration := banDuration(f.conf, e.banCount)
	e.bannedUntil = now.Add(duration)
	e.failures = e.failures[:0]
	BansIssued.Add(1)
	log.Warnf("banned %s for %v after repeated authentication failures (ban #%d)", ip, duration, e.banCount)
	event.Publish(event.Event{
		Kind:     event.KindBan,
		ClientIP: ip,
		Reason:   "too many authentication failures",
	})
}

// recordSuccess clears the IP's failure ring. Active bans stay.
func (f *fail2ban) recordSuccess(ip string) {
	if !f.conf.Enabled {
		return
	}
	f.mu.RLock()
	e, ok := f.entries[ip]
	f.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.failures = e.failures[:0]
	e.lastActivity = f.now()
	e.mu.Unlock()
}

// cleanup removes IPs whose failure rings are empty and whose bans
// have expired.
func (f *fail2ban) cleanup() {
	now := f.now()
	windowStart := now.Add(-f.conf.FailureWindow.Duration)
	f.mu.Lock()
	defer f.mu.Unlock()
	for ip, e := range f.entries {
		e.mu.Lock()
		empty := true
		for _, t := range e.failures {
			if t.After(windowStart) {
				empty = false
				break
			}
		}
		removable := empty && now.After(e.bannedUntil)
		e.mu.Unlock()
		if removable {
			delete(f.entries, ip)
		}
	}
}

// banDuration computes banDuration * multiplier^(banCount-1), capped
// at the maximum ban duration.
func banDuration(conf config.Fail2banConfig, banCount int) time.Duration {
	base := conf.BanDuration.Duration
	multiplier := math.Pow(conf.ProgressiveBanMultiplier, float64(banCount-1))
	d := time.Duration(float64(base) * multiplier)
	if max := conf.MaxBanDuration.Duration; max > 0 && d > max {
		return max
	}
	return d
}
