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

package acl

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
)

var (
	HealthProbes        = metrics.RegisterMetric("smart routing", "HealthProbes")
	HealthProbeFailures = metrics.RegisterMetric("smart routing", "HealthProbeFailures")
)

// maxHealthSamples bounds the per upstream sample ring.
const maxHealthSamples = 10

type HealthStatus uint8

const (
	HealthUnknown HealthStatus = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (s HealthStatus) String() string {
	switch s {
	case HealthHealthy:
		return "HEALTHY"
	case HealthDegraded:
		return "DEGRADED"
	case HealthUnhealthy:
		return "UNHEALTHY"
	default:
		return "UNKNOWN"
	}
}

type healthSample struct {
	latency time.Duration
	success bool
}

// HealthRecord keeps a bounded ring of latency samples for one
// upstream and derives its health status from them.
type HealthRecord struct {
	samples []healthSample
	next    int
	size    int
}

func newHealthRecord() *HealthRecord {
	return &HealthRecord{samples: make([]healthSample, maxHealthSamples)}
}

func (h *HealthRecord) record(latency time.Duration, success bool) {
	h.samples[h.next] = healthSample{latency: latency, success: success}
	h.next = (h.next + 1) % len(h.samples)
	if h.size < len(h.samples) {
		h.size++
	}
}

// SuccessRate returns the success ratio in [0, 1] over the sample ring.
func (h *HealthRecord) SuccessRate() float64 {
	if h.size == 0 {
		return 0
	}
	ok := 0
	for i := 0; i < h.size; i++ {
		if h.samples[i].success {
			ok++
		}
	}
	return float64(ok) / float64(h.size)
}

// MeanLatency returns the mean latency of successful samples.
func (h *HealthRecord) MeanLatency() time.Duration {
	if h.size == 0 {
		return 0
	}
	var total time.Duration
	n := 0
	for i := 0; i < h.size; i++ {
		if h.samples[i].success {
			total += h.samples[i].latency
			n++
		}
	}
	if n == 0 {
		return 0
	}
	return total / time.Duration(n)
}

// status derives the health status. Fewer than minMeasurements samples
// yields Unknown.
func (h *HealthRecord) status(minMeasurements int) HealthStatus {
	if h.size < minMeasurements {
		return HealthUnknown
	}
	rate := h.SuccessRate()
	switch {
	case rate >= 0.8:
		return HealthHealthy
	case rate >= 0.5:
		return HealthDegraded
	default:
		return HealthUnhealthy
	}
}

// HealthTracker tracks the health of all upstream proxies.
type HealthTracker struct {
	mu              sync.Mutex
	records         map[string]*HealthRecord
	minMeasurements int
}

// NewHealthTracker creates a HealthTracker.
func NewHealthTracker(minMeasurements int) *HealthTracker {
	if minMeasurements <= 0 {
		minMeasurements = 1
	}
	return &HealthTracker{
		records:         make(map[string]*HealthRecord),
		minMeasurements: minMeasurements,
	}
}

// Record adds one sample for an upstream. Relay setup results and
// background probes both feed this.
func (t *HealthTracker) Record(id string, latency time.Duration, success bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		r = newHealthRecord()
		t.records[id] = r
	}
	r.record(latency, success)
}

// Status returns the current health status of an upstream.
func (t *HealthTracker) Status(id string) HealthStatus {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return HealthUnknown
	}
	return r.status(t.minMeasurements)
}

// MeanLatency returns the mean latency of an upstream.
func (t *HealthTracker) MeanLatency(id string) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.records[id]
	if !ok {
		return 0
	}
	return r.MeanLatency()
}

// HealthChecker periodically probes every upstream with a TCP dial and
// records the observed latency.
type HealthChecker struct {
	tracker  *HealthTracker
	registry *UpstreamRegistry
	interval time.Duration
	timeout  time.Duration
	done     chan struct{}
}

// NewHealthChecker creates a HealthChecker.
func NewHealthChecker(tracker *HealthTracker, registry *UpstreamRegistry, interval, timeout time.Duration) *HealthChecker {
	return &HealthChecker{
		tracker:  tracker,
		registry: registry,
		interval: interval,
		timeout:  timeout,
		done:     make(chan struct{}),
	}
}

// Start begins probing in a new goroutine.
func (c *HealthChecker) Start() {
	go c.probeLoop()
}

// Stop terminates the prober.
func (c *HealthChecker) Stop() {
	close(c.done)
}

func (c *HealthChecker) probeLoop() {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, id := range c.registry.IDs() {
				u, ok := c.registry.Get(id)
				if !ok {
					continue
				}
				c.probe(u)
			}
		case <-c.done:
			return
		}
	}
}

func (c *HealthChecker) probe(u *Upstream) {
	HealthProbes.Add(1)
	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	var d net.Dialer
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", u.Addr)
	latency := time.Since(start)
	if err != nil {
		HealthProbeFailures.Add(1)
		c.tracker.Record(u.ID, latency, false)
		log.Debugf("health probe of upstream %s (%s) failed: %v", u.ID, u.Addr, err)
		return
	}
	conn.Close()
	c.tracker.Record(u.ID, latency, true)
}
