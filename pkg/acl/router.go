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

// Package acl evaluates access control rules and routes authorized
// requests directly, through an upstream proxy, or through a chain of
// upstream proxies. Rule patterns are compiled once at configuration
// load; rule matching in the connection path takes no locks, while
// resolving proxy upstreams reads the upstream registry and the health
// tracker under their own short locks.
package acl

import (
	"fmt"
	"net"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/model"
)

var (
	RuleMatches     = metrics.RegisterMetric("acl", "RuleMatches")
	DefaultPolicies = metrics.RegisterMetric("acl", "DefaultPolicyDecisions")
	BlockedRequests = metrics.RegisterMetric("acl", "BlockedRequests")
)

type DecisionKind uint8

const (
	DecisionDirect DecisionKind = iota
	DecisionUpstream
	DecisionChain
	DecisionRedirect
	DecisionBlock
)

func (k DecisionKind) String() string {
	switch k {
	case DecisionDirect:
		return "direct"
	case DecisionUpstream:
		return "upstream"
	case DecisionChain:
		return "chain"
	case DecisionRedirect:
		return "redirect"
	case DecisionBlock:
		return "block"
	default:
		return "unknown"
	}
}

// Decision is the routing decision for one connection request.
// Target carries the possibly rewritten destination.
type Decision struct {
	Kind   DecisionKind
	Reason string
	Target model.AddrSpec
	Chain  []*Upstream
	RuleID string
}

// Engine is the compiled access control and routing engine. It is
// immutable after construction; configuration reload builds a new one.
type Engine struct {
	enabled       bool
	rules         []Rule
	defaultPolicy string
	upstreams     *UpstreamRegistry
	health        *HealthTracker
	smart         config.SmartRoutingConfig
}

// NewEngine compiles the access control and routing configuration.
// Invalid patterns fail construction rather than silently skip.
func NewEngine(c *config.Config) (*Engine, error) {
	upstreams, err := NewUpstreamRegistry(c.Routing.UpstreamProxies)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		enabled:       c.AccessControl.Enabled,
		defaultPolicy: c.AccessControl.DefaultPolicy,
		upstreams:     upstreams,
		health:        NewHealthTracker(c.Routing.SmartRouting.MinMeasurements),
		smart:         c.Routing.SmartRouting,
	}

	index := 0
	for _, section := range [][]config.RuleConfig{c.AccessControl.Rules, c.Routing.Rules} {
		for _, rc := range section {
			rule, err := CompileRule(rc, index)
			if err != nil {
				return nil, err
			}
			for _, id := range rule.Action.UpstreamIDs {
				if err := upstreams.AddRef(id); err != nil {
					return nil, err
				}
			}
			e.rules = append(e.rules, rule)
			index++
		}
	}
	sortRules(e.rules)
	return e, nil
}

// Upstreams returns the upstream registry.
func (e *Engine) Upstreams() *UpstreamRegistry {
	return e.upstreams
}

// Health returns the health tracker fed by relay results and probes.
func (e *Engine) Health() *HealthTracker {
	return e.health
}

// NewHealthChecker creates the background prober for this engine's
// upstreams, using the smart routing configuration.
func (e *Engine) NewHealthChecker() *HealthChecker {
	return NewHealthChecker(e.health, e.upstreams, e.smart.HealthCheckInterval.Duration, e.smart.HealthCheckTimeout.Duration)
}

// Evaluate produces the routing decision for a request. Rules are
// evaluated in descending priority, insertion order for ties; the
// first matching enabled rule decides. Without a match the default
// policy applies.
func (e *Engine) Evaluate(target model.AddrSpec, port uint16, clientIP net.IP, userID string) Decision {
	if e.enabled {
		for i := range e.rules {
			rule := &e.rules[i]
			if !rule.Matches(target, port, clientIP, userID) {
				continue
			}
			RuleMatches.Add(1)
			if log.IsLevelEnabled(log.DebugLevel) {
				log.Debugf("rule %s matched target %v, action %v", rule.ID, target, rule.Action.Kind)
			}
			return e.applyAction(rule, target)
		}
	}

	DefaultPolicies.Add(1)
	if e.defaultPolicy == "block" {
		BlockedRequests.Add(1)
		return Decision{Kind: DecisionBlock, Reason: "default policy", Target: target}
	}
	return Decision{Kind: DecisionDirect, Target: target}
}

func (e *Engine) applyAction(rule *Rule, target model.AddrSpec) Decision {
	switch rule.Action.Kind {
	case ActionAllow:
		return Decision{Kind: DecisionDirect, Target: target, RuleID: rule.ID}
	case ActionBlock:
		BlockedRequests.Add(1)
		return Decision{Kind: DecisionBlock, Reason: rule.Action.Reason, Target: target, RuleID: rule.ID}
	case ActionRedirect:
		// Rewrite the target before returning.
		rewritten := rule.Action.Redirect
		if rewritten.Port == 0 {
			rewritten.Port = target.Port
		}
		return Decision{Kind: DecisionRedirect, Target: rewritten, RuleID: rule.ID}
	case ActionProxy, ActionProxyChain:
		chain, err := e.resolveChain(rule.Action.UpstreamIDs)
		if err != nil {
			BlockedRequests.Add(1)
			return Decision{Kind: DecisionBlock, Reason: "no healthy upstream", Target: target, RuleID: rule.ID}
		}
		kind := DecisionUpstream
		if len(chain) > 1 {
			kind = DecisionChain
		}
		return Decision{Kind: kind, Target: target, Chain: chain, RuleID: rule.ID}
	default:
		BlockedRequests.Add(1)
		return Decision{Kind: DecisionBlock, Reason: "unknown action", Target: target, RuleID: rule.ID}
	}
}

// resolveChain looks up every hop of a chain. A missing or unhealthy
// hop is substituted with a healthy alternative chosen by
// pickAlternative when health routing is enabled. Without a healthy
// option the chain fails.
func (e *Engine) resolveChain(ids []string) ([]*Upstream, error) {
	chain := make([]*Upstream, 0, len(ids))
	for _, id := range ids {
		u, found := e.upstreams.Get(id)
		if found && !e.isUnhealthy(id) {
			chain = append(chain, u)
			continue
		}
		alt := e.pickAlternative(id)
		if alt == nil {
			return nil, fmt.Errorf("no healthy upstream to substitute %q", id)
		}
		log.Warnf("upstream %s is not usable, substituting %s", id, alt.ID)
		chain = append(chain, alt)
	}
	return chain, nil
}

func (e *Engine) isUnhealthy(id string) bool {
	if !e.smart.Enabled || !e.smart.EnableHealthRouting {
		return false
	}
	return e.health.Status(id) == HealthUnhealthy
}

// pickAlternative returns the healthy upstream with the lowest mean
// latency when latency routing is enabled, or any healthy upstream.
func (e *Engine) pickAlternative(exclude string) *Upstream {
	if !e.smart.Enabled || !e.smart.EnableHealthRouting {
		return nil
	}
	var best *Upstream
	var bestLatency time.Duration
	for _, id := range e.upstreams.IDs() {
		if id == exclude {
			continue
		}
		if e.health.Status(id) != HealthHealthy {
			continue
		}
		u, ok := e.upstreams.Get(id)
		if !ok {
			continue
		}
		if !e.smart.EnableLatencyRouting {
			return u
		}
		latency := e.health.MeanLatency(id)
		if best == nil || latency < bestLatency {
			best = u
			bestLatency = latency
		}
	}
	return best
}
