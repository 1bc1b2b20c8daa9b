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

package relay

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/socksguard/socksguard/pkg/acl"
	"github.com/socksguard/socksguard/pkg/constant"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/netutil"
	"github.com/socksguard/socksguard/pkg/stderror"
)

// EstablishChain connects to the target through the given chain of
// upstream proxies, negotiating hop by hop. Every hop's setup result
// feeds the health tracker when one is provided.
func EstablishChain(ctx context.Context, chain []*acl.Upstream, target model.AddrSpec, handshakeTimeout time.Duration, health *acl.HealthTracker) (net.Conn, error) {
	if len(chain) == 0 {
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("upstream chain is empty"), stderror.UPSTREAM_ERROR)
	}

	first := chain[0]
	d := net.Dialer{Timeout: first.ConnectTimeout}
	start := time.Now()
	conn, err := d.DialContext(ctx, "tcp", first.Addr)
	if err != nil {
		if health != nil {
			health.Record(first.ID, time.Since(start), false)
		}
		UpstreamHandshakeErrors.Add(1)
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("dial upstream %s (%s) failed: %w", first.ID, first.Addr, err), stderror.UPSTREAM_ERROR)
	}

	for i, hop := range chain {
		var dest model.AddrSpec
		if i == len(chain)-1 {
			dest = target
		} else {
			dest, err = addrSpecFromHostPort(chain[i+1].Addr)
			if err != nil {
				conn.Close()
				return nil, stderror.WrapErrorWithType(err, stderror.UPSTREAM_ERROR)
			}
		}

		hopStart := time.Now()
		switch hop.Protocol {
		case acl.UpstreamSocks5:
			conn, err = socks5Connect(conn, dest, hop.Auth, handshakeTimeout)
		case acl.UpstreamHTTPConnect:
			conn, err = httpConnect(conn, dest, hop.Auth, handshakeTimeout)
		default:
			err = fmt.Errorf("upstream %s protocol is not supported", hop.ID)
		}
		if health != nil {
			health.Record(hop.ID, time.Since(hopStart), err == nil)
		}
		if err != nil {
			UpstreamHandshakeErrors.Add(1)
			if conn != nil {
				conn.Close()
			}
			return nil, stderror.WrapErrorWithType(
				fmt.Errorf("handshake with upstream %s failed: %w", hop.ID, err), stderror.UPSTREAM_ERROR)
		}
		if log.IsLevelEnabled(log.DebugLevel) {
			log.Debugf("established hop %d/%d through upstream %s to %v", i+1, len(chain), hop.ID, dest)
		}
	}
	return conn, nil
}

// socks5Connect performs a client side socks5 handshake on an
// established upstream connection.
func socks5Connect(conn net.Conn, dest model.AddrSpec, cred *model.Credential, timeout time.Duration) (net.Conn, error) {
	netutil.SetReadTimeout(conn, timeout)
	defer netutil.SetReadTimeout(conn, 0)

	method := constant.Socks5NoAuth
	if cred != nil {
		method = constant.Socks5UserPassAuth
	}
	if err := model.WriteGreeting(conn, []byte{method}); err != nil {
		return conn, fmt.Errorf("write greeting failed: %w", err)
	}
	selected, err := model.ReadMethodSelection(conn)
	if err != nil {
		return conn, err
	}
	if selected != method {
		return conn, fmt.Errorf("upstream selected unexpected authentication method %d", selected)
	}

	if cred != nil {
		if err := model.WriteUserPass(conn, *cred); err != nil {
			return conn, fmt.Errorf("write user password failed: %w", err)
		}
		ok, err := model.ReadUserPassReply(conn)
		if err != nil {
			return conn, err
		}
		if !ok {
			return conn, fmt.Errorf("upstream rejected user password authentication")
		}
	}

	req := model.Request{
		Command: constant.Socks5ConnectCmd,
		DstAddr: dest,
	}
	if err := req.WriteToSocks5(conn); err != nil {
		return conn, fmt.Errorf("write connect request failed: %w", err)
	}
	var resp model.Response
	if err := resp.ReadFromSocks5(conn); err != nil {
		return conn, fmt.Errorf("read connect response failed: %w", err)
	}
	if resp.Reply != constant.Socks5ReplySuccess {
		return conn, fmt.Errorf("upstream replied with code %d", resp.Reply)
	}
	return conn, nil
}

// httpConnect issues a HTTP CONNECT request with optional Basic
// authentication and requires a 2xx status.
func httpConnect(conn net.Conn, dest model.AddrSpec, cred *model.Credential, timeout time.Duration) (net.Conn, error) {
	netutil.SetReadTimeout(conn, timeout)
	defer netutil.SetReadTimeout(conn, 0)

	hostPort := dest.String()
	var sb strings.Builder
	fmt.Fprintf(&sb, "CONNECT %s HTTP/1.1\r\n", hostPort)
	fmt.Fprintf(&sb, "Host: %s\r\n", hostPort)
	if cred != nil {
		token := base64.StdEncoding.EncodeToString([]byte(cred.User + ":" + cred.Password))
		fmt.Fprintf(&sb, "Proxy-Authorization: Basic %s\r\n", token)
	}
	sb.WriteString("\r\n")
	if _, err := conn.Write([]byte(sb.String())); err != nil {
		return conn, fmt.Errorf("write CONNECT request failed: %w", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		return conn, fmt.Errorf("read CONNECT status line failed: %w", err)
	}
	fields := strings.SplitN(strings.TrimSpace(statusLine), " ", 3)
	if len(fields) < 2 || !strings.HasPrefix(fields[0], "HTTP/") {
		return conn, fmt.Errorf("malformed CONNECT status line %q", strings.TrimSpace(statusLine))
	}
	status, err := strconv.Atoi(fields[1])
	if err != nil {
		return conn, fmt.Errorf("malformed CONNECT status code %q", fields[1])
	}
	if status < 200 || status > 299 {
		return conn, fmt.Errorf("CONNECT to %s failed with status %d", hostPort, status)
	}
	// Drain the remaining response headers.
	for {
		line, err := br.ReadString('\n')
		if err != nil {
			return conn, fmt.Errorf("read CONNECT response headers failed: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}

	// Bytes the reader buffered past the headers belong to the tunnel.
	if br.Buffered() > 0 {
		return &bufferedConn{Conn: conn, r: br}, nil
	}
	return conn, nil
}

// bufferedConn serves reads from a bufio.Reader that may hold tunnel
// bytes received together with the CONNECT response.
type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(b []byte) (int, error) {
	return c.r.Read(b)
}

func addrSpecFromHostPort(addr string) (model.AddrSpec, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return model.AddrSpec{}, fmt.Errorf("address %q is invalid: %w", addr, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return model.AddrSpec{}, fmt.Errorf("port %q is invalid: %w", portStr, err)
	}
	spec := model.AddrSpec{Port: port}
	if ip := net.ParseIP(host); ip != nil {
		spec.IP = ip
	} else {
		spec.FQDN = host
	}
	return spec, nil
}
