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
	"sync/atomic"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/metrics"
)

var (
	FloodBlockedConnections = metrics.RegisterMetric("security", "FloodBlockedConnections")
	ConcurrentCapRejections = metrics.RegisterMetric("security", "ConcurrentCapRejections")
	GlobalCapRejections     = metrics.RegisterMetric("security", "GlobalCapRejections")
	ProgressiveDelays       = metrics.RegisterMetric("security", "ProgressiveDelays")
)

// floodDetector is the per IP connection flood state.
type floodDetector struct {
	mu           sync.Mutex
	connTimes    []time.Time
	concurrent   int
	blockedUntil time.Time
	violations   int
	lastActivity time.Time
}

// ddosGuard detects connection floods with a sliding window, caps
// concurrent connections per IP and globally, and applies progressive
// delays to repeat offenders.
type ddosGuard struct {
	conf config.DdosConfig
	now  func() time.Time

	mu      sync.RWMutex
	entries map[string]*floodDetector

	globalConcurrent atomic.Int64
}

func newDdosGuard(conf config.DdosConfig, now func() time.Time) *ddosGuard {
	return &ddosGuard{
		conf:    conf,
		now:     now,
		entries: make(map[string]*floodDetector),
	}
}

func (d *ddosGuard) entry(ip string) *floodDetector {
	d.mu.RLock()
	e, ok := d.entries[ip]
	d.mu.RUnlock()
	if ok {
		return e
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok = d.entries[ip]; ok {
		return e
	}
	e = &floodDetector{lastActivity: d.now()}
	d.entries[ip] = e
	return e
}

// allowConnection records a connection attempt and reports whether it
// is admitted, together with a progressive delay to apply before
// serving it.
func (d *ddosGuard) allowConnection(ip string) (delay time.Duration, ok bool) {
	if !d.conf.Enabled {
		return 0, true
	}
	now := d.now()

	if d.conf.GlobalConnectionThreshold > 0 &&
		d.globalConcurrent.Load() >= int64(d.conf.GlobalConnectionThreshold) {
		GlobalCapRejections.Add(1)
		return 0, false
	}

	e := d.entry(ip)
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastActivity = now

	if now.Before(e.blockedUntil) {
		FloodBlockedConnections.Add(1)
		return 0, false
	}

	if e.concurrent >= d.conf.MaxConnectionsPerIP {
		ConcurrentCapRejections.Add(1)
		return 0, false
	}

	// Slide the window and record this attempt.
	windowStart := now.Add(-d.conf.TimeWindow.Duration)
	trimmed := e.connTimes[:0]
	for _, t := range e.connTimes {
		if t.After(windowStart) {
			trimmed = append(trimmed, t)
		}
	}
	e.connTimes = append(trimmed, now)

	if len(e.connTimes) > d.conf.ConnectionThreshold {
		e.violations++
		e.blockedUntil = now.Add(d.conf.BlockDuration.Duration)
		e.connTimes = e.connTimes[:0]
		FloodBlockedConnections.Add(1)
		return 0, false
	}

	if d.conf.EnableProgressiveDelays && e.violations > 0 {
		delay = progressiveDelay(d.conf.BaseDelay.Duration, d.conf.MaxDelay.Duration, e.violations)
		ProgressiveDelays.Add(1)
	}

	e.concurrent++
	d.globalConcurrent.Add(1)
	return delay, true
}

// onConnectionClosed releases the concurrent connection slot.
func (d *ddosGuard) onConnectionClosed(ip string) {
	if !d.conf.Enabled {
		return
	}
	d.mu.RLock()
	e, ok := d.entries[ip]
	d.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	if e.concurrent > 0 {
		e.concurrent--
	}
	e.mu.Unlock()
	d.globalConcurrent.Add(-1)
}

// cleanup removes IP entries with empty windows, no concurrent
// connections, and no active block.
func (d *ddosGuard) cleanup() {
	now := d.now()
	windowStart := now.Add(-d.conf.TimeWindow.Duration)
	d.mu.Lock()
	defer d.mu.Unlock()
	for ip, e := range d.entries {
		e.mu.Lock()
		empty := true
		for _, t := range e.connTimes {
			if t.After(windowStart) {
				empty = false
				break
			}
		}
		removable := empty && e.concurrent == 0 && now.After(e.blockedUntil)
		e.mu.Unlock()
		if removable {
			delete(d.entries, ip)
		}
	}
}

// progressiveDelay computes base * 2^(violations), capped at max.
func progressiveDelay(base, max time.Duration, violations int) time.Duration {
	delay := base
	for i := 0; i < violations; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}
	if delay > max {
		return max
	}
	return delay
}
