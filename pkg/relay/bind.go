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
	BindAccepts        = metrics.RegisterMetric("relay", "BindAccepts")
	BindAcceptTimeouts = metrics.RegisterMetric("relay", "BindAcceptTimeouts")
)

// AcceptBind serves the control plane of a BIND command: it opens a
// listening socket on an ephemeral port, sends the first reply with
// that endpoint, waits up to acceptTimeout for exactly one incoming
// connection, and sends the second reply with the peer address. The
// accepted connection is returned for relaying.
func AcceptBind(ctx context.Context, clientConn net.Conn, bindIP net.IP, acceptTimeout time.Duration) (net.Conn, error) {
	if bindIP == nil {
		bindIP = net.IPv4zero
	}
	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: bindIP})
	if err != nil {
		SendReply(clientConn, constant.Socks5ReplyServerFailure, nil)
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("listen for bind failed: %w", err), stderror.NETWORK_ERROR)
	}
	defer listener.Close()

	local := listener.Addr().(*net.TCPAddr)
	first := model.AddrSpec{IP: local.IP, Port: local.Port}
	if err := SendReply(clientConn, constant.Socks5ReplySuccess, &first); err != nil {
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("send first bind reply failed: %w", err), stderror.NETWORK_ERROR)
	}

	// Abort the accept when the caller goes away.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			listener.Close()
		case <-watchDone:
		}
	}()

	if acceptTimeout > 0 {
		listener.SetDeadline(time.Now().Add(acceptTimeout))
	}
	peer, err := listener.Accept()
	if err != nil {
		if stderror.IsTimeout(err) {
			BindAcceptTimeouts.Add(1)
			SendReply(clientConn, constant.Socks5ReplyTTLExpired, nil)
			return nil, stderror.WrapErrorWithType(
				fmt.Errorf("bind accept timed out: %w", err), stderror.NETWORK_ERROR)
		}
		SendReply(clientConn, constant.Socks5ReplyServerFailure, nil)
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("bind accept failed: %w", err), stderror.NETWORK_ERROR)
	}

	BindAccepts.Add(1)
	peerAddr := peer.RemoteAddr().(*net.TCPAddr)
	second := model.AddrSpec{IP: peerAddr.IP, Port: peerAddr.Port}
	if err := SendReply(clientConn, constant.Socks5ReplySuccess, &second); err != nil {
		peer.Close()
		return nil, stderror.WrapErrorWithType(
			fmt.Errorf("send second bind reply failed: %w", err), stderror.NETWORK_ERROR)
	}
	return peer, nil
}
