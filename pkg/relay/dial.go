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

// Package relay establishes target connections, directly or through a
// chain of upstream proxies, and performs the bidirectional copy.
package relay

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/socksguard/socksguard/pkg/constant"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/stderror"
)

var (
	DNSResolveErrors         = metrics.RegisterMetric("relay", "DNSResolveErrors")
	NetworkUnreachableErrors = metrics.RegisterMetric("relay", "NetworkUnreachableErrors")
	HostUnreachableErrors    = metrics.RegisterMetric("relay", "HostUnreachableErrors")
	ConnectionRefusedErrors  = metrics.RegisterMetric("relay", "ConnectionRefusedErrors")
	UpstreamHandshakeErrors  = metrics.RegisterMetric("relay", "UpstreamHandshakeErrors")
)

// DNSResolver resolves a host name to one IP address.
type DNSResolver interface {
	LookupIP(ctx context.Context, host string) (net.IP, error)
}

// DefaultResolver resolves host names with the Go resolver.
type DefaultResolver struct{}

var _ DNSResolver = DefaultResolver{}

func (DefaultResolver) LookupIP(ctx context.Context, host string) (net.IP, error) {
	ips, err := net.DefaultResolver.LookupIP(ctx, "ip", host)
	if err != nil {
		return nil, err
	}
	if len(ips) == 0 {
		return nil, fmt.Errorf("lookup IP from %s returned no result", host)
	}
	return ips[0], nil
}

// DialDirect resolves and dials the target. The returned errors are
// typed so the caller can map them to socks5 reply codes: a DNS
// failure maps to host unreachable, a refused connection to connection
// refused, and other network errors per category.
func DialDirect(ctx context.Context, target model.AddrSpec, timeout time.Duration, resolver DNSResolver) (net.Conn, error) {
	if resolver == nil {
		resolver = DefaultResolver{}
	}
	addr := target
	if addr.FQDN != "" && len(addr.IP) == 0 {
		resolveCtx := ctx
		if timeout > 0 {
			var cancel context.CancelFunc
			resolveCtx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		ip, err := resolver.LookupIP(resolveCtx, addr.FQDN)
		if err != nil {
			DNSResolveErrors.Add(1)
			return nil, stderror.WrapErrorWithType(
				fmt.Errorf("resolve %q failed: %w", addr.FQDN, err), stderror.NETWORK_ERROR)
		}
		addr.IP = ip
	}

	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		switch {
		case stderror.IsConnRefused(err):
			ConnectionRefusedErrors.Add(1)
		case stderror.IsNetUnreachable(err):
			NetworkUnreachableErrors.Add(1)
		default:
			HostUnreachableErrors.Add(1)
		}
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("connect to %v failed: %w", target, err), stderror.NETWORK_ERROR)
	}
	return conn, nil
}

// SendReply writes a socks5 reply message to the client.
func SendReply(conn net.Conn, code byte, bindAddr *model.AddrSpec) error {
	if bindAddr == nil {
		// Assume it is an unspecified IPv4 address.
		bindAddr = &model.AddrSpec{IP: net.IPv4(0, 0, 0, 0)}
	}
	resp := model.Response{
		Reply:    code,
		BindAddr: *bindAddr,
	}
	return resp.WriteToSocks5(conn)
}

// LocalBindAddr returns the proxy side local endpoint of a connection
// as the socks5 bound address.
func LocalBindAddr(conn net.Conn) *model.AddrSpec {
	if tcpAddr, ok := conn.LocalAddr().(*net.TCPAddr); ok {
		return &model.AddrSpec{IP: tcpAddr.IP, Port: tcpAddr.Port}
	}
	return &model.AddrSpec{IP: net.IPv4(0, 0, 0, 0)}
}

// ReplyCodeForDial maps a dial error to a socks5 reply code.
func ReplyCodeForDial(err error) byte {
	if err == nil {
		return constant.Socks5ReplySuccess
	}
	if stderror.IsDNSError(err) {
		return constant.Socks5ReplyHostUnreachable
	}
	return stderror.ReplyCode(err)
}
