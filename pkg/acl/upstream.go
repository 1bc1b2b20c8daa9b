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
	"sync"
	"time"

	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/stderror"
)

type UpstreamProtocol uint8

const (
	UpstreamSocks5 UpstreamProtocol = iota
	UpstreamHTTPConnect
)

func (p UpstreamProtocol) String() string {
	switch p {
	case UpstreamSocks5:
		return "socks5"
	case UpstreamHTTPConnect:
		return "httpConnect"
	default:
		return "unknown"
	}
}

// Upstream is one configured upstream proxy.
type Upstream struct {
	ID             string
	Addr           string
	Protocol       UpstreamProtocol
	Auth           *model.Credential // nil when the upstream needs no authentication
	ConnectTimeout time.Duration
}

// UpstreamRegistry holds the configured upstream proxies. Removing an
// upstream that is still referenced by a rule fails.
type UpstreamRegistry struct {
	mu        sync.RWMutex
	upstreams map[string]*Upstream
	refs      map[string]int
}

// NewUpstreamRegistry builds the registry from configuration.
func NewUpstreamRegistry(confs []config.UpstreamConfig) (*UpstreamRegistry, error) {
	r := &UpstreamRegistry{
		upstreams: make(map[string]*Upstream, len(confs)),
		refs:      make(map[string]int),
	}
	for _, c := range confs {
		u, err := upstreamFromConfig(c)
		if err != nil {
			return nil, err
		}
		if _, found := r.upstreams[u.ID]; found {
			return nil, fmt.Errorf("upstream %q: %w", u.ID, stderror.ErrAlreadyExist)
		}
		r.upstreams[u.ID] = u
	}
	return r, nil
}

func upstreamFromConfig(c config.UpstreamConfig) (*Upstream, error) {
	u := &Upstream{
		ID:             c.ID,
		Addr:           c.Addr,
		ConnectTimeout: c.ConnectTimeout.Duration,
	}
	if u.ConnectTimeout <= 0 {
		u.ConnectTimeout = 10 * time.Second
	}
	switch c.Protocol {
	case "socks5":
		u.Protocol = UpstreamSocks5
	case "httpConnect":
		u.Protocol = UpstreamHTTPConnect
	default:
		return nil, fmt.Errorf("upstream %q protocol %q is not supported", c.ID, c.Protocol)
	}
	if c.Username != "" {
		u.Auth = &model.Credential{User: c.Username, Password: c.Password}
	}
	return u, nil
}

// Get returns the upstream with the given id.
func (r *UpstreamRegistry) Get(id string) (*Upstream, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	u, ok := r.upstreams[id]
	return u, ok
}

// IDs returns all registered upstream ids.
func (r *UpstreamRegistry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.upstreams))
	for id := range r.upstreams {
		ids = append(ids, id)
	}
	return ids
}

// AddRef marks an upstream as referenced by a rule.
func (r *UpstreamRegistry) AddRef(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.upstreams[id]; !found {
		return fmt.Errorf("upstream %q: %w", id, stderror.ErrNotFound)
	}
	r.refs[id]++
	return nil
}

// Remove deletes an upstream. It fails with ErrInUse while the
// upstream is referenced by any rule.
func (r *UpstreamRegistry) Remove(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, found := r.upstreams[id]; !found {
		return fmt.Errorf("upstream %q: %w", id, stderror.ErrNotFound)
	}
	if r.refs[id] > 0 {
		return fmt.Errorf("upstream %q is referenced by %d rules: %w", id, r.refs[id], stderror.ErrInUse)
	}
	delete(r.upstreams, id)
	delete(r.refs, id)
	return nil
}
