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

package netutil

import (
	"context"
	"net"
	"time"
)

// NetAddr implements net.Addr interface.
type NetAddr struct {
	Net string
	Str string
}

func (a NetAddr) Network() string {
	return a.Net
}

func (a NetAddr) String() string {
	return a.Str
}

// NilNetAddr returns an empty network address.
func NilNetAddr() net.Addr {
	return NetAddr{}
}

// Listen opens a listener with SO_REUSEADDR and SO_REUSEPORT applied,
// so a restarted daemon can rebind its port immediately.
func Listen(network, address string) (net.Listener, error) {
	lc := net.ListenConfig{Control: ReuseAddrPort}
	return lc.Listen(context.Background(), network, address)
}

// SetReadTimeout sets the read timeout of the connection.
// The timeout is disabled when the input duration is 0 or negative.
func SetReadTimeout(conn net.Conn, timeout time.Duration) {
	if conn == nil {
		return
	}
	if timeout > 0 {
		conn.SetReadDeadline(time.Now().Add(timeout))
	} else {
		conn.SetReadDeadline(time.Time{})
	}
}

// WaitForClose blocks the go routine. It returns when the peer closes the connection.
// In the meanwhile, everything send by the peer is discarded.
func WaitForClose(conn net.Conn) {
	b := make([]byte, 64)
	for {
		_, err := conn.Read(b)
		if err != nil {
			return
		}
	}
}
