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
	"net"
	"testing"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
)

// testClock is a controllable time source for guard tests.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

func newTestGuard(mutate func(*config.SecurityConfig)) (*Guard, *testClock) {
	conf := config.Default().Security
	if mutate != nil {
		mutate(&conf)
	}
	g := NewGuard(conf)
	clock := &testClock{now: time.Now()}
	g.nowFunc = clock.Now
	return g, clock
}

func TestFail2banBansAfterThreshold(t *testing.T) {
	g, clock := newTestGuard(func(c *config.SecurityConfig) {
		c.Fail2ban.MaxAuthFailures = 5
		c.Fail2ban.FailureWindow = config.DurationOf(10 * time.Minute)
		c.Fail2ban.BanDuration = config.DurationOf(30 * time.Minute)
	})
	ip := net.IP{203, 0, 113, 7}

	// Five failures stay below the threshold.
	for i := 0; i < 5; i++ {
		g.RecordAuthFailure(ip)
		if g.IsBanned(ip) {
			t.Fatalf("banned after %d failures", i+1)
		}
	}
	// The sixth failure within the window triggers the ban.
	g.RecordAuthFailure(ip)
	if !g.IsBanned(ip) {
		t.Fatalf("not banned after exceeding the failure threshold")
	}
	if _, err := g.Admit(ip); err == nil {
		t.Errorf("Admit() of a banned IP returned no error")
	}

	// The ban expires.
	clock.Advance(31 * time.Minute)
	if g.IsBanned(ip) {
		t.Errorf("still banned after the ban duration")
	}
	if _, err := g.Admit(ip); err != nil {
		t.Errorf("Admit() after ban expiry failed: %v", err)
	}
}

func TestFail2banProgressiveBanDuration(t *testing.T) {
	conf := config.Default().Security.Fail2ban
	conf.BanDuration = config.DurationOf(30 * time.Minute)
	conf.ProgressiveBanMultiplier = 2.0
	conf.MaxBanDuration = config.DurationOf(2 * time.Hour)

	if got := banDuration(conf, 1); got != 30*time.Minute {
		t.Errorf("ban #1: got %v, want %v", got, 30*time.Minute)
	}
	if got := banDuration(conf, 2); got != time.Hour {
		t.Errorf("ban #2: got %v, want %v", got, time.Hour)
	}
	if got := banDuration(conf, 5); got != 2*time.Hour {
		t.Errorf("ban #5: got %v, want the cap %v", got, 2*time.Hour)
	}
}

func TestFail2banSuccessClearsFailures(t *testing.T) {
	g, _ := newTestGuard(func(c *config.SecurityConfig) {
		c.Fail2ban.MaxAuthFailures = 5
	})
	ip := net.IP{203, 0, 113, 8}

	for i := 0; i < 5; i++ {
		g.RecordAuthFailure(ip)
	}
	g.RecordAuthSuccess(ip)
	// The ring restarts; another five failures stay below the threshold.
	for i := 0; i < 5; i++ {
		g.RecordAuthFailure(ip)
	}
	if g.IsBanned(ip) {
		t.Errorf("banned although a success cleared the failure ring")
	}
}

func TestFail2banWhitelistNeverBanned(t *testing.T) {
	g, _ := newTestGuard(func(c *config.SecurityConfig) {
		c.Fail2ban.MaxAuthFailures = 2
		c.Fail2ban.WhitelistIPs = []string{"127.0.0.1"}
	})
	ip := net.IP{127, 0, 0, 1}
	for i := 0; i < 20; i++ {
		g.RecordAuthFailure(ip)
	}
	if g.IsBanned(ip) {
		t.Errorf("whitelisted IP was banned")
	}
}

func TestRateLimitBurstThenBlocked(t *testing.T) {
	g, clock := newTestGuard(func(c *config.SecurityConfig) {
		c.RateLimiting.ConnectionsPerIPBurst = 3
		c.RateLimiting.ConnectionsPerIPPerMinute = 60
		c.RateLimiting.BlockDuration = config.DurationOf(15 * time.Minute)
		// Keep the other policies out of the way.
		c.DdosProtection.Enabled = false
	})
	ip := net.IP{198, 51, 100, 4}

	for i := 0; i < 3; i++ {
		if _, err := g.Admit(ip); err != nil {
			t.Fatalf("Admit() #%d failed inside the burst: %v", i+1, err)
		}
	}
	if _, err := g.Admit(ip); err == nil {
		t.Fatalf("Admit() past the burst returned no error")
	}

	// The temporary block outlives the bucket refill.
	clock.Advance(time.Minute)
	if _, err := g.Admit(ip); err == nil {
		t.Errorf("Admit() during the temporary block returned no error")
	}
	clock.Advance(15 * time.Minute)
	if _, err := g.Admit(ip); err != nil {
		t.Errorf("Admit() after the block expired failed: %v", err)
	}
}

func TestAuthAttemptBucket(t *testing.T) {
	g, _ := newTestGuard(func(c *config.SecurityConfig) {
		c.RateLimiting.AuthAttemptsPerIPBurst = 3
		c.RateLimiting.AuthAttemptsPerIPPerMinute = 10
	})
	ip := net.IP{198, 51, 100, 5}

	for i := 0; i < 3; i++ {
		if !g.AllowAuthAttempt(ip) {
			t.Fatalf("AllowAuthAttempt() #%d failed inside the burst", i+1)
		}
	}
	if g.AllowAuthAttempt(ip) {
		t.Errorf("AllowAuthAttempt() past the burst succeeded")
	}
}

func TestDdosConcurrentCap(t *testing.T) {
	g, _ := newTestGuard(func(c *config.SecurityConfig) {
		c.DdosProtection.MaxConnectionsPerIP = 2
		c.DdosProtection.ConnectionThreshold = 100
		c.RateLimiting.Enabled = false
	})
	ip := net.IP{198, 51, 100, 6}

	if _, err := g.Admit(ip); err != nil {
		t.Fatalf("Admit() #1 failed: %v", err)
	}
	if _, err := g.Admit(ip); err != nil {
		t.Fatalf("Admit() #2 failed: %v", err)
	}
	if _, err := g.Admit(ip); err == nil {
		t.Fatalf("Admit() above the concurrent cap returned no error")
	}

	g.OnConnectionClosed(ip)
	if _, err := g.Admit(ip); err != nil {
		t.Errorf("Admit() after a close failed: %v", err)
	}
}

func TestDdosFloodWindow(t *testing.T) {
	g, clock := newTestGuard(func(c *config.SecurityConfig) {
		c.DdosProtection.ConnectionThreshold = 5
		c.DdosProtection.TimeWindow = config.DurationOf(time.Minute)
		c.DdosProtection.BlockDuration = config.DurationOf(30 * time.Minute)
		c.DdosProtection.MaxConnectionsPerIP = 1000
		c.RateLimiting.Enabled = false
	})
	ip := net.IP{198, 51, 100, 7}

	for i := 0; i < 5; i++ {
		if _, err := g.Admit(ip); err != nil {
			t.Fatalf("Admit() #%d failed below the threshold: %v", i+1, err)
		}
		g.OnConnectionClosed(ip)
	}
	// The sixth connection inside the window trips the flood detector.
	if _, err := g.Admit(ip); err == nil {
		t.Fatalf("Admit() above the flood threshold returned no error")
	}
	// And the IP stays blocked.
	if _, err := g.Admit(ip); err == nil {
		t.Fatalf("Admit() while flood blocked returned no error")
	}

	clock.Advance(31 * time.Minute)
	if _, err := g.Admit(ip); err != nil {
		t.Errorf("Admit() after the flood block expired failed: %v", err)
	}
}

func TestProgressiveDelay(t *testing.T) {
	base := 100 * time.Millisecond
	max := 5 * time.Second
	testCases := []struct {
		violations int
		want       time.Duration
	}{
		{1, 200 * time.Millisecond},
		{2, 400 * time.Millisecond},
		{5, 3200 * time.Millisecond},
		{10, max},
	}
	for _, tc := range testCases {
		if got := progressiveDelay(base, max, tc.violations); got != tc.want {
			t.Errorf("progressiveDelay(violations=%d) = %v, want %v", tc.violations, got, tc.want)
		}
	}
}
