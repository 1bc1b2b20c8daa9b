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
	"fmt"
	"net"
	"sort"
	"strconv"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/model"
)

type ActionKind uint8

const (
	ActionAllow ActionKind = iota
	ActionBlock
	ActionRedirect
	ActionProxy
	ActionProxyChain
)

func (k ActionKind) String() string {
	switch k {
	case ActionAllow:
		return "allow"
	case ActionBlock:
		return "block"
	case ActionRedirect:
		return "redirect"
	case ActionProxy:
		return "proxy"
	case ActionProxyChain:
		return "proxyChain"
	default:
		return "unknown"
	}
}

// Action is the tagged action of a rule.
type Action struct {
	Kind        ActionKind
	Reason      string         // block reason
	Redirect    model.AddrSpec // redirect target
	UpstreamIDs []string       // proxy / proxyChain upstreams
}

// Rule is one compiled access rule. A rule matches when all of its
// predicates match. Higher priority wins; ties are broken by insertion
// order; disabled rules never match.
type Rule struct {
	ID          string
	Priority    int32
	Pattern     *Pattern
	Action      Action
	Ports       map[uint16]struct{}
	SourceNets  []*net.IPNet
	Users       map[string]struct{}
	Enabled     bool
	insertIndex int
}

// CompileRule lowers a rule configuration into a Rule.
func CompileRule(rc config.RuleConfig, insertIndex int) (Rule, error) {
	pattern, err := CompilePattern(rc.Pattern)
	if err != nil {
		return Rule{}, fmt.Errorf("rule %q: %w", rc.ID, err)
	}

	r := Rule{
		ID:          rc.ID,
		Priority:    rc.Priority,
		Pattern:     pattern,
		Enabled:     rc.Enabled,
		insertIndex: insertIndex,
	}

	switch rc.Action {
	case "allow":
		r.Action = Action{Kind: ActionAllow}
	case "block":
		reason := rc.Reason
		if reason == "" {
			reason = fmt.Sprintf("blocked by rule %s", rc.ID)
		}
		r.Action = Action{Kind: ActionBlock, Reason: reason}
	case "redirect":
		addr, err := parseRedirectAddr(rc.RedirectAddr)
		if err != nil {
			return Rule{}, fmt.Errorf("rule %q: %w", rc.ID, err)
		}
		r.Action = Action{Kind: ActionRedirect, Redirect: addr}
	case "proxy":
		r.Action = Action{Kind: ActionProxy, UpstreamIDs: []string{rc.UpstreamID}}
	case "proxyChain":
		r.Action = Action{Kind: ActionProxyChain, UpstreamIDs: rc.UpstreamIDs}
	default:
		return Rule{}, fmt.Errorf("rule %q action %q is not supported", rc.ID, rc.Action)
	}

	if len(rc.Ports) > 0 {
		r.Ports = make(map[uint16]struct{}, len(rc.Ports))
		for _, p := range rc.Ports {
			r.Ports[p] = struct{}{}
		}
	}
	for _, cidr := range rc.SourceCIDRs {
		_, ipNet, err := net.ParseCIDR(cidr)
		if err != nil {
			// A bare IP is accepted as a single host network.
			ip := net.ParseIP(cidr)
			if ip == nil {
				return Rule{}, fmt.Errorf("rule %q source %q is neither an IP nor a CIDR", rc.ID, cidr)
			}
			ipNet = singleHostNet(ip)
		}
		r.SourceNets = append(r.SourceNets, ipNet)
	}
	if len(rc.Users) > 0 {
		r.Users = make(map[string]struct{}, len(rc.Users))
		for _, u := range rc.Users {
			r.Users[u] = struct{}{}
		}
	}
	return r, nil
}

// Matches reports whether all rule predicates match the request.
func (r *Rule) Matches(target model.AddrSpec, port uint16, clientIP net.IP, userID string) bool {
	if !r.Enabled {
		return false
	}
	if r.Ports != nil {
		if _, ok := r.Ports[port]; !ok {
			return false
		}
	}
	if len(r.SourceNets) > 0 {
		matched := false
		for _, ipNet := range r.SourceNets {
			if clientIP != nil && ipNet.Contains(clientIP) {
				matched = true
				break
			}
		}
		if !matched {
			return false
		}
	}
	if r.Users != nil {
		if _, ok := r.Users[userID]; !ok {
			return false
		}
	}
	if len(target.IP) != 0 {
		return r.Pattern.MatchIP(target.IP)
	}
	return r.Pattern.MatchDomain(target.FQDN)
}

// sortRules orders rules by descending priority, then insertion order.
func sortRules(rules []Rule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].insertIndex < rules[j].insertIndex
	})
}

func parseRedirectAddr(addr string) (model.AddrSpec, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return model.AddrSpec{}, fmt.Errorf("redirect address %q is invalid: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 0 || port > 65535 {
		return model.AddrSpec{}, fmt.Errorf("redirect port %q is invalid", portStr)
	}
	spec := model.AddrSpec{Port: port}
	if ip := net.ParseIP(host); ip != nil {
		spec.IP = ip
	} else {
		spec.FQDN = host
	}
	return spec, nil
}

func singleHostNet(ip net.IP) *net.IPNet {
	if ip4 := ip.To4(); ip4 != nil {
		return &net.IPNet{IP: ip4, Mask: net.CIDRMask(32, 32)}
	}
	return &net.IPNet{IP: ip, Mask: net.CIDRMask(128, 128)}
}
