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
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/socksguard/socksguard/pkg/acl"
	"github.com/socksguard/socksguard/pkg/constant"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/testtool"
)

// startSocks5Upstream runs a minimal socks5 upstream proxy that
// optionally requires the given credential.
func startSocks5Upstream(t *testing.T, cred *model.Credential) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				methods, err := model.ReadGreeting(c)
				if err != nil {
					return
				}
				want := constant.Socks5NoAuth
				if cred != nil {
					want = constant.Socks5UserPassAuth
				}
				if !bytes.Contains(methods, []byte{want}) {
					model.WriteMethodSelection(c, constant.Socks5NoAcceptableAuth)
					return
				}
				model.WriteMethodSelection(c, want)
				if cred != nil {
					got, err := model.ReadUserPass(c)
					if err != nil || got != *cred {
						model.WriteUserPassReply(c, false)
						return
					}
					model.WriteUserPassReply(c, true)
				}
				var req model.Request
				if err := req.ReadFromSocks5(c); err != nil {
					return
				}
				target, err := net.Dial("tcp", req.DstAddr.String())
				if err != nil {
					SendReply(c, constant.Socks5ReplyHostUnreachable, nil)
					return
				}
				defer target.Close()
				SendReply(c, constant.Socks5ReplySuccess, LocalBindAddr(c))
				go io.Copy(target, c)
				io.Copy(c, target)
			}(conn)
		}
	}()
	return l
}

// startHTTPConnectUpstream runs a minimal HTTP CONNECT proxy.
func startHTTPConnectUpstream(t *testing.T, wantAuth string) net.Listener {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("net.Listen() failed: %v", err)
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				br := bufio.NewReader(c)
				statusLine, err := br.ReadString('\n')
				if err != nil {
					return
				}
				fields := strings.Fields(statusLine)
				if len(fields) < 3 || fields[0] != "CONNECT" {
					fmt.Fprintf(c, "HTTP/1.1 400 Bad Request\r\n\r\n")
					return
				}
				var gotAuth string
				for {
					line, err := br.ReadString('\n')
					if err != nil {
						return
					}
					if strings.HasPrefix(line, "Proxy-Authorization:") {
						gotAuth = strings.TrimSpace(strings.TrimPrefix(line, "Proxy-Authorization:"))
					}
					if line == "\r\n" || line == "\n" {
						break
					}
				}
				if wantAuth != "" && gotAuth != wantAuth {
					fmt.Fprintf(c, "HTTP/1.1 407 Proxy Authentication Required\r\n\r\n")
					return
				}
				target, err := net.Dial("tcp", fields[1])
				if err != nil {
					fmt.Fprintf(c, "HTTP/1.1 502 Bad Gateway\r\n\r\n")
					return
				}
				defer target.Close()
				fmt.Fprintf(c, "HTTP/1.1 200 Connection established\r\n\r\n")
				go io.Copy(target, c)
				io.Copy(c, target)
			}(conn)
		}
	}()
	return l
}

func echoThrough(t *testing.T, conn net.Conn) {
	t.Helper()
	payload := []byte("ping over the chain")
	if _, err := conn.Write(payload); err != nil {
		t.Fatalf("write through chain failed: %v", err)
	}
	got := make([]byte, len(payload))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatalf("read through chain failed: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("got %q, want %q", got, payload)
	}
}

func TestEstablishChainSingleSocks5Hop(t *testing.T) {
	echo, err := testtool.NewEchoServer()
	if err != nil {
		t.Fatalf("NewEchoServer() failed: %v", err)
	}
	defer echo.Close()
	upstream := startSocks5Upstream(t, nil)
	defer upstream.Close()

	chain := []*acl.Upstream{
		{ID: "s1", Addr: upstream.Addr().String(), Protocol: acl.UpstreamSocks5, ConnectTimeout: 5 * time.Second},
	}
	target, err := addrSpecFromHostPort(echo.Addr().String())
	if err != nil {
		t.Fatalf("addrSpecFromHostPort() failed: %v", err)
	}
	conn, err := EstablishChain(context.Background(), chain, target, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("EstablishChain() failed: %v", err)
	}
	defer conn.Close()
	echoThrough(t, conn)
}

func TestEstablishChainSocks5WithAuth(t *testing.T) {
	echo, err := testtool.NewEchoServer()
	if err != nil {
		t.Fatalf("NewEchoServer() failed: %v", err)
	}
	defer echo.Close()
	cred := &model.Credential{User: "proxyuser", Password: "proxypass"}
	upstream := startSocks5Upstream(t, cred)
	defer upstream.Close()

	chain := []*acl.Upstream{
		{ID: "s1", Addr: upstream.Addr().String(), Protocol: acl.UpstreamSocks5, Auth: cred, ConnectTimeout: 5 * time.Second},
	}
	target, err := addrSpecFromHostPort(echo.Addr().String())
	if err != nil {
		t.Fatalf("addrSpecFromHostPort() failed: %v", err)
	}
	conn, err := EstablishChain(context.Background(), chain, target, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("EstablishChain() failed: %v", err)
	}
	defer conn.Close()
	echoThrough(t, conn)

	// The wrong credential is rejected.
	badChain := []*acl.Upstream{
		{ID: "s1", Addr: upstream.Addr().String(), Protocol: acl.UpstreamSocks5, Auth: &model.Credential{User: "proxyuser", Password: "wrong"}, ConnectTimeout: 5 * time.Second},
	}
	if _, err := EstablishChain(context.Background(), badChain, target, 5*time.Second, nil); err == nil {
		t.Errorf("EstablishChain() with wrong credential returned no error")
	}
}

func TestEstablishChainSocks5ThenHTTPConnect(t *testing.T) {
	echo, err := testtool.NewEchoServer()
	if err != nil {
		t.Fatalf("NewEchoServer() failed: %v", err)
	}
	defer echo.Close()
	socksUpstream := startSocks5Upstream(t, nil)
	defer socksUpstream.Close()
	httpUpstream := startHTTPConnectUpstream(t, "")
	defer httpUpstream.Close()

	chain := []*acl.Upstream{
		{ID: "s1", Addr: socksUpstream.Addr().String(), Protocol: acl.UpstreamSocks5, ConnectTimeout: 5 * time.Second},
		{ID: "h1", Addr: httpUpstream.Addr().String(), Protocol: acl.UpstreamHTTPConnect, ConnectTimeout: 5 * time.Second},
	}
	target, err := addrSpecFromHostPort(echo.Addr().String())
	if err != nil {
		t.Fatalf("addrSpecFromHostPort() failed: %v", err)
	}
	conn, err := EstablishChain(context.Background(), chain, target, 5*time.Second, nil)
	if err != nil {
		t.Fatalf("EstablishChain() failed: %v", err)
	}
	defer conn.Close()
	echoThrough(t, conn)
}

func TestEstablishChainHealthSamples(t *testing.T) {
	echo, err := testtool.NewEchoServer()
	if err != nil {
		t.Fatalf("NewEchoServer() failed: %v", err)
	}
	defer echo.Close()
	upstream := startSocks5Upstream(t, nil)
	defer upstream.Close()

	tracker := acl.NewHealthTracker(1)
	chain := []*acl.Upstream{
		{ID: "s1", Addr: upstream.Addr().String(), Protocol: acl.UpstreamSocks5, ConnectTimeout: 5 * time.Second},
	}
	target, err := addrSpecFromHostPort(echo.Addr().String())
	if err != nil {
		t.Fatalf("addrSpecFromHostPort() failed: %v", err)
	}
	conn, err := EstablishChain(context.Background(), chain, target, 5*time.Second, tracker)
	if err != nil {
		t.Fatalf("EstablishChain() failed: %v", err)
	}
	conn.Close()
	if status := tracker.Status("s1"); status != acl.HealthHealthy {
		t.Errorf("got upstream status %v, want %v", status, acl.HealthHealthy)
	}

	// A dead upstream records a failure sample.
	deadChain := []*acl.Upstream{
		{ID: "dead", Addr: "127.0.0.1:1", Protocol: acl.UpstreamSocks5, ConnectTimeout: time.Second},
	}
	if _, err := EstablishChain(context.Background(), deadChain, target, time.Second, tracker); err == nil {
		t.Errorf("EstablishChain() to a dead upstream returned no error")
	}
	if rate := tracker.Status("dead"); rate == acl.HealthHealthy {
		t.Errorf("dead upstream is reported healthy")
	}
}
