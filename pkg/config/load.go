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

package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"regexp"
	"strings"
)

// envRefPattern matches a whole-value environment variable reference
// like "${PROXY_PASSWORD}". Only full-value references are expanded so
// stored secrets containing "$" (bcrypt hashes) pass through untouched.
var envRefPattern = regexp.MustCompile(`^\$\{([A-Za-z_][A-Za-z0-9_]*)\}$`)

// Load reads, decodes and validates a configuration file.
// Unknown keys fail validation. Absent keys keep default values.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file %q failed: %w", path, err)
	}
	return Parse(b)
}

// Parse decodes and validates raw configuration bytes.
func Parse(b []byte) (*Config, error) {
	c := Default()
	decoder := json.NewDecoder(bytes.NewReader(b))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(c); err != nil {
		return nil, fmt.Errorf("decode config failed: %w", err)
	}
	if err := c.resolveSecrets(); err != nil {
		return nil, err
	}
	c.Normalize()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// resolveSecrets binds "${VAR}" references in secret fields to
// environment variables. The resolved values are opaque strings; a
// reference to an unset variable fails the load.
func (c *Config) resolveSecrets() error {
	for i := range c.Auth.Users {
		u := &c.Auth.Users[i]
		resolved, err := resolveEnvRef(u.Password)
		if err != nil {
			return fmt.Errorf("auth user %q password: %w", u.Username, err)
		}
		u.Password = resolved
	}
	for i := range c.Routing.UpstreamProxies {
		p := &c.Routing.UpstreamProxies[i]
		user, err := resolveEnvRef(p.Username)
		if err != nil {
			return fmt.Errorf("upstream proxy %q username: %w", p.ID, err)
		}
		password, err := resolveEnvRef(p.Password)
		if err != nil {
			return fmt.Errorf("upstream proxy %q password: %w", p.ID, err)
		}
		p.Username = user
		p.Password = password
	}
	return nil
}

func resolveEnvRef(value string) (string, error) {
	m := envRefPattern.FindStringSubmatch(value)
	if m == nil {
		return value, nil
	}
	resolved, found := os.LookupEnv(m[1])
	if !found {
		return "", fmt.Errorf("environment variable %s is not set", m[1])
	}
	return resolved, nil
}

// Normalize lowers case-insensitive enum fields. Applying it twice
// yields the same result.
func (c *Config) Normalize() {
	c.Auth.Method = strings.ToLower(c.Auth.Method)
	c.AccessControl.DefaultPolicy = strings.ToLower(c.AccessControl.DefaultPolicy)
	for i := range c.AccessControl.Rules {
		normalizeRule(&c.AccessControl.Rules[i])
	}
	for i := range c.Routing.Rules {
		normalizeRule(&c.Routing.Rules[i])
	}
	for i := range c.Routing.UpstreamProxies {
		p := &c.Routing.UpstreamProxies[i]
		p.Protocol = normalizeProtocol(p.Protocol)
	}
}

func normalizeRule(r *RuleConfig) {
	r.Action = normalizeAction(r.Action)
	// Domains are case insensitive.
	if !strings.ContainsAny(r.Pattern, "^$[](){}") {
		r.Pattern = strings.ToLower(r.Pattern)
	}
}

func normalizeAction(action string) string {
	switch strings.ToLower(action) {
	case "allow":
		return "allow"
	case "block":
		return "block"
	case "redirect":
		return "redirect"
	case "proxy":
		return "proxy"
	case "proxychain":
		return "proxyChain"
	default:
		return action
	}
}

func normalizeProtocol(protocol string) string {
	switch strings.ToLower(protocol) {
	case "socks5":
		return "socks5"
	case "http", "httpconnect", "http-connect":
		return "httpConnect"
	default:
		return protocol
	}
}

// Validate checks every section of the configuration. Pattern
// compilation is validated separately by the ACL engine at snapshot
// publication; both must pass before a snapshot is published.
func (c *Config) Validate() error {
	if c.Server.BindAddr == "" {
		return fmt.Errorf("server.bindAddr is empty")
	}
	if _, _, err := net.SplitHostPort(c.Server.BindAddr); err != nil {
		return fmt.Errorf("server.bindAddr %q is invalid: %w", c.Server.BindAddr, err)
	}
	if c.Server.MaxConnections <= 0 {
		return fmt.Errorf("server.maxConnections must be positive")
	}
	if c.Server.BufferSize <= 0 {
		return fmt.Errorf("server.bufferSize must be positive")
	}

	switch c.Auth.Method {
	case "none", "userpass":
	default:
		return fmt.Errorf("auth.method %q is not supported", c.Auth.Method)
	}
	if c.Auth.Enabled && c.Auth.Method == "userpass" && len(c.Auth.Users) == 0 {
		return fmt.Errorf("auth.users is empty while user password authentication is enabled")
	}
	seenUsers := make(map[string]struct{})
	for _, u := range c.Auth.Users {
		if len(u.Username) == 0 || len(u.Username) > 255 {
			return fmt.Errorf("auth user %q name length is out of range [1, 255]", u.Username)
		}
		if len(u.Password) > 255 {
			return fmt.Errorf("auth user %q password is more than 255 bytes", u.Username)
		}
		if _, found := seenUsers[u.Username]; found {
			return fmt.Errorf("auth user %q is duplicated", u.Username)
		}
		seenUsers[u.Username] = struct{}{}
	}

	switch c.AccessControl.DefaultPolicy {
	case "allow", "block":
	default:
		return fmt.Errorf("accessControl.defaultPolicy %q is not supported", c.AccessControl.DefaultPolicy)
	}

	upstreams := make(map[string]struct{})
	for _, p := range c.Routing.UpstreamProxies {
		if p.ID == "" {
			return fmt.Errorf("upstream proxy has empty id")
		}
		if _, found := upstreams[p.ID]; found {
			return fmt.Errorf("upstream proxy %q is duplicated", p.ID)
		}
		upstreams[p.ID] = struct{}{}
		if _, _, err := net.SplitHostPort(p.Addr); err != nil {
			return fmt.Errorf("upstream proxy %q address %q is invalid: %w", p.ID, p.Addr, err)
		}
		switch p.Protocol {
		case "socks5", "httpConnect":
		default:
			return fmt.Errorf("upstream proxy %q protocol %q is not supported", p.ID, p.Protocol)
		}
	}

	for _, rules := range [][]RuleConfig{c.AccessControl.Rules, c.Routing.Rules} {
		for _, r := range rules {
			if err := validateRule(r, upstreams); err != nil {
				return err
			}
		}
	}

	for _, ip := range c.Security.Fail2ban.WhitelistIPs {
		if net.ParseIP(ip) == nil {
			return fmt.Errorf("fail2ban whitelist entry %q is not an IP address", ip)
		}
	}
	if c.Security.Fail2ban.ProgressiveBanMultiplier < 1.0 {
		return fmt.Errorf("fail2ban.progressiveBanMultiplier must be at least 1.0")
	}

	return nil
}

func validateRule(r RuleConfig, upstreams map[string]struct{}) error {
	if r.ID == "" {
		return fmt.Errorf("rule has empty id")
	}
	if r.Pattern == "" {
		return fmt.Errorf("rule %q has empty pattern", r.ID)
	}
	switch r.Action {
	case "allow", "block":
	case "redirect":
		if _, _, err := net.SplitHostPort(r.RedirectAddr); err != nil {
			return fmt.Errorf("rule %q redirect address %q is invalid: %w", r.ID, r.RedirectAddr, err)
		}
	case "proxy":
		if r.UpstreamID == "" {
			return fmt.Errorf("rule %q proxy action requires upstreamId", r.ID)
		}
		if _, found := upstreams[r.UpstreamID]; !found {
			return fmt.Errorf("rule %q references unknown upstream %q", r.ID, r.UpstreamID)
		}
	case "proxyChain":
		if len(r.UpstreamIDs) == 0 {
			return fmt.Errorf("rule %q proxyChain action requires upstreamIds", r.ID)
		}
		for _, id := range r.UpstreamIDs {
			if _, found := upstreams[id]; !found {
				return fmt.Errorf("rule %q references unknown upstream %q", r.ID, id)
			}
		}
	default:
		return fmt.Errorf("rule %q action %q is not supported", r.ID, r.Action)
	}
	for _, cidr := range r.SourceCIDRs {
		if _, _, err := net.ParseCIDR(cidr); err != nil {
			if net.ParseIP(cidr) == nil {
				return fmt.Errorf("rule %q source %q is neither an IP nor a CIDR", r.ID, cidr)
			}
		}
	}
	return nil
}
