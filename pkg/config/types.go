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

// Package config defines the immutable configuration snapshot consumed
// by the proxy core. The snapshot is read-only after publication; hot
// reload replaces the atomic pointer and in-flight handlers keep their
// original snapshot until they finish.
package config

import "time"

// Config is the top level configuration snapshot.
type Config struct {
	Server        ServerConfig        `json:"server"`
	Auth          AuthConfig          `json:"auth"`
	AccessControl AccessControlConfig `json:"accessControl"`
	Routing       RoutingConfig       `json:"routing"`
	Security      SecurityConfig      `json:"security"`
	Monitoring    MonitoringConfig    `json:"monitoring"`
}

// ServerConfig configures the listening endpoint and connection handling.
type ServerConfig struct {
	BindAddr          string          `json:"bindAddr"`
	MaxConnections    int             `json:"maxConnections"`
	ConnectionTimeout Duration        `json:"connectionTimeout"`
	BufferSize        int             `json:"bufferSize"`
	HandshakeTimeout  Duration        `json:"handshakeTimeout"`
	IdleTimeout       Duration        `json:"idleTimeout"`
	ShutdownTimeout   Duration        `json:"shutdownTimeout"`
	BindAcceptTimeout Duration        `json:"bindAcceptTimeout"`
	MaxMemoryMB       int             `json:"maxMemoryMB"`
	Keepalive         KeepaliveConfig `json:"keepalive"`
}

type KeepaliveConfig struct {
	Enabled  bool     `json:"enabled"`
	Interval Duration `json:"interval"`
}

// AuthConfig configures client authentication.
type AuthConfig struct {
	Enabled bool         `json:"enabled"`
	Method  string       `json:"method"` // "none" or "userpass"
	Users   []UserConfig `json:"users"`
}

type UserConfig struct {
	Username string `json:"username"`
	Password string `json:"password"`
	Enabled  bool   `json:"enabled"`
}

// AccessControlConfig configures the ACL.
type AccessControlConfig struct {
	Enabled       bool         `json:"enabled"`
	DefaultPolicy string       `json:"defaultPolicy"` // "allow" or "block"
	Rules         []RuleConfig `json:"rules"`
}

// RuleConfig is one access or routing rule. Higher priority wins;
// ties are broken by position in the list.
type RuleConfig struct {
	ID           string   `json:"id"`
	Priority     int32    `json:"priority"`
	Pattern      string   `json:"pattern"`
	Action       string   `json:"action"` // "allow", "block", "redirect", "proxy", "proxyChain"
	Reason       string   `json:"reason"`
	RedirectAddr string   `json:"redirectAddr"`
	UpstreamID   string   `json:"upstreamId"`
	UpstreamIDs  []string `json:"upstreamIds"`
	Ports        []uint16 `json:"ports"`
	SourceCIDRs  []string `json:"sourceCidrs"`
	Users        []string `json:"users"`
	Enabled      bool     `json:"enabled"`
}

// RoutingConfig configures upstream proxies and smart routing.
type RoutingConfig struct {
	Rules           []RuleConfig       `json:"rules"`
	UpstreamProxies []UpstreamConfig   `json:"upstreamProxies"`
	SmartRouting    SmartRoutingConfig `json:"smartRouting"`
}

type UpstreamConfig struct {
	ID             string   `json:"id"`
	Addr           string   `json:"addr"`
	Protocol       string   `json:"protocol"` // "socks5" or "httpConnect"
	Username       string   `json:"username"`
	Password       string   `json:"password"`
	ConnectTimeout Duration `json:"connectTimeout"`
}

type SmartRoutingConfig struct {
	Enabled              bool     `json:"enabled"`
	HealthCheckInterval  Duration `json:"healthCheckInterval"`
	HealthCheckTimeout   Duration `json:"healthCheckTimeout"`
	MinMeasurements      int      `json:"minMeasurements"`
	EnableLatencyRouting bool     `json:"enableLatencyRouting"`
	EnableHealthRouting  bool     `json:"enableHealthRouting"`
}

// SecurityConfig configures the security guard.
type SecurityConfig struct {
	RateLimiting   RateLimitConfig `json:"rateLimiting"`
	DdosProtection DdosConfig      `json:"ddosProtection"`
	Fail2ban       Fail2banConfig  `json:"fail2ban"`
}

type RateLimitConfig struct {
	Enabled                    bool     `json:"enabled"`
	ConnectionsPerIPPerMinute  int      `json:"connectionsPerIpPerMinute"`
	ConnectionsPerIPBurst      int      `json:"connectionsPerIpBurst"`
	AuthAttemptsPerIPPerMinute int      `json:"authAttemptsPerIpPerMinute"`
	AuthAttemptsPerIPBurst     int      `json:"authAttemptsPerIpBurst"`
	GlobalConnectionsPerSecond int      `json:"globalConnectionsPerSecond"`
	CleanupInterval            Duration `json:"cleanupInterval"`
	BlockDuration              Duration `json:"blockDuration"`
}

type DdosConfig struct {
	Enabled                   bool     `json:"enabled"`
	ConnectionThreshold       int      `json:"connectionThreshold"`
	TimeWindow                Duration `json:"timeWindow"`
	BlockDuration             Duration `json:"blockDuration"`
	MaxConnectionsPerIP       int      `json:"maxConnectionsPerIp"`
	GlobalConnectionThreshold int      `json:"globalConnectionThreshold"`
	EnableProgressiveDelays   bool     `json:"enableProgressiveDelays"`
	BaseDelay                 Duration `json:"baseDelay"`
	MaxDelay                  Duration `json:"maxDelay"`
	CleanupInterval           Duration `json:"cleanupInterval"`
}

type Fail2banConfig struct {
	Enabled                  bool     `json:"enabled"`
	MaxAuthFailures          int      `json:"maxAuthFailures"`
	FailureWindow            Duration `json:"failureWindow"`
	BanDuration              Duration `json:"banDuration"`
	ProgressiveBanMultiplier float64  `json:"progressiveBanMultiplier"`
	MaxBanDuration           Duration `json:"maxBanDuration"`
	WhitelistIPs             []string `json:"whitelistIps"`
	CleanupInterval          Duration `json:"cleanupInterval"`
}

// MonitoringConfig is consumed by external metrics and management
// collaborators. The core only uses the metrics log interval and the
// history depth.
type MonitoringConfig struct {
	MetricsLogInterval       Duration `json:"metricsLogInterval"`
	MaxHistoricalConnections int      `json:"maxHistoricalConnections"`
}

// Default returns a configuration with production defaults. Loading a
// file overlays the defaults, so absent keys keep these values.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			BindAddr:          "0.0.0.0:1080",
			MaxConnections:    4096,
			ConnectionTimeout: DurationOf(10 * time.Second),
			BufferSize:        32 * 1024,
			HandshakeTimeout:  DurationOf(10 * time.Second),
			IdleTimeout:       DurationOf(5 * time.Minute),
			ShutdownTimeout:   DurationOf(30 * time.Second),
			BindAcceptTimeout: DurationOf(30 * time.Second),
			MaxMemoryMB:       0, // advisory check disabled
			Keepalive: KeepaliveConfig{
				Enabled:  true,
				Interval: DurationOf(75 * time.Second),
			},
		},
		Auth: AuthConfig{
			Enabled: false,
			Method:  "none",
		},
		AccessControl: AccessControlConfig{
			Enabled:       true,
			DefaultPolicy: "allow",
		},
		Routing: RoutingConfig{
			SmartRouting: SmartRoutingConfig{
				Enabled:             false,
				HealthCheckInterval: DurationOf(30 * time.Second),
				HealthCheckTimeout:  DurationOf(5 * time.Second),
				MinMeasurements:     3,
				EnableHealthRouting: true,
			},
		},
		Security: SecurityConfig{
			RateLimiting: RateLimitConfig{
				Enabled:                    true,
				ConnectionsPerIPPerMinute:  60,
				ConnectionsPerIPBurst:      10,
				AuthAttemptsPerIPPerMinute: 10,
				AuthAttemptsPerIPBurst:     3,
				GlobalConnectionsPerSecond: 1000,
				CleanupInterval:            DurationOf(5 * time.Minute),
				BlockDuration:              DurationOf(15 * time.Minute),
			},
			DdosProtection: DdosConfig{
				Enabled:                   true,
				ConnectionThreshold:       50,
				TimeWindow:                DurationOf(time.Minute),
				BlockDuration:             DurationOf(30 * time.Minute),
				MaxConnectionsPerIP:       10,
				GlobalConnectionThreshold: 5000,
				EnableProgressiveDelays:   true,
				BaseDelay:                 DurationOf(100 * time.Millisecond),
				MaxDelay:                  DurationOf(5 * time.Second),
				CleanupInterval:           DurationOf(5 * time.Minute),
			},
			Fail2ban: Fail2banConfig{
				Enabled:                  true,
				MaxAuthFailures:          5,
				FailureWindow:            DurationOf(10 * time.Minute),
				BanDuration:              DurationOf(30 * time.Minute),
				ProgressiveBanMultiplier: 2.0,
				MaxBanDuration:           DurationOf(24 * time.Hour),
				WhitelistIPs:             []string{"127.0.0.1", "::1"},
				CleanupInterval:          DurationOf(5 * time.Minute),
			},
		},
		Monitoring: MonitoringConfig{
			MetricsLogInterval:       DurationOf(time.Minute),
			MaxHistoricalConnections: 1000,
		},
	}
}
