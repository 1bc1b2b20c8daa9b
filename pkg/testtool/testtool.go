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

// Package testtool provides helpers shared by package tests.
package testtool

import (
	"net"
	"strconv"
	"time"
)

// NewEchoServer starts a TCP server on an ephemeral local port that
// echoes everything it reads. It returns the listener; the caller
// closes it.
func NewEchoServer() (net.Listener, error) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	go func() {
		for {
			conn, err := l.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					n, err := c.Read(buf)
					if n > 0 {
						if _, err := c.Write(buf[:n]); err != nil {
							return
						}
					}
					if err != nil {
						return
					}
				}
			}(conn)
		}
	}()
	return l, nil
}

// WaitForTCPReady dials to 127.0.0.1:port within the given timeout.
// It panics if dial is not successful within the timeout.
func WaitForTCPReady(port int, timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		conn, err := net.DialTimeout("tcp", "127.0.0.1:"+strconv.Itoa(port), timeout)
		if err == nil {
			conn.Close()
			return
		}
		if time.Now().After(deadline) {
			panic(err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
