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
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socksguard/socksguard/pkg/stderror"
)

// halfCloser is implemented by connections that support closing one
// direction, such as *net.TCPConn.
type halfCloser interface {
	CloseWrite() error
}

// ByteSink receives per direction byte counts from a relay.
// Up is client to target, down is target to client.
type ByteSink interface {
	AddBytesUp(n int64)
	AddBytesDown(n int64)
}

type nopSink struct{}

func (nopSink) AddBytesUp(int64)   {}
func (nopSink) AddBytesDown(int64) {}

// BidiCopy performs the bidirectional copy between the client and the
// target. The two directions are independent; a direction ends on EOF
// or error, and on EOF the corresponding write side of the peer is
// half closed so the other direction can drain. The relay ends when
// both directions are done, the idle timeout fires with no progress in
// either direction, or the context is cancelled.
func BidiCopy(ctx context.Context, client, target net.Conn, bufSize int, idleTimeout time.Duration, sink ByteSink) error {
	if sink == nil {
		sink = nopSink{}
	}
	if bufSize <= 0 {
		bufSize = 32 * 1024
	}

	var lastActivity atomic.Int64
	lastActivity.Store(time.Now().UnixNano())
	touch := func() { lastActivity.Store(time.Now().UnixNano()) }

	copyDone := make(chan struct{})
	errCh := make(chan error, 2)
	var wg sync.WaitGroup
	wg.Add(2)

	// A hard error in either direction tears down both connections.
	// An EOF only half closes the peer so the other direction drains.
	runOneWay := func(src, dst net.Conn, count func(int64)) {
		defer wg.Done()
		err := copyOneWay(src, dst, bufSize, touch, count)
		if err != nil && !stderror.IsEOF(err) {
			client.Close()
			target.Close()
		}
		errCh <- err
	}
	go runOneWay(client, target, sink.AddBytesUp)
	go runOneWay(target, client, sink.AddBytesDown)
	go func() {
		wg.Wait()
		close(copyDone)
	}()

	var timedOut, cancelled bool
	if idleTimeout > 0 || ctx.Done() != nil {
		ticker := time.NewTicker(idleCheckInterval(idleTimeout))
		defer ticker.Stop()
	watch:
		for {
			select {
			case <-copyDone:
				break watch
			case <-ctx.Done():
				cancelled = true
				client.Close()
				target.Close()
				break watch
			case <-ticker.C:
				if idleTimeout > 0 {
					idle := time.Since(time.Unix(0, lastActivity.Load()))
					if idle >= idleTimeout {
						timedOut = true
						client.Close()
						target.Close()
						break watch
					}
				}
			}
		}
	}
	<-copyDone

	err1 := <-errCh
	err2 := <-errCh
	if cancelled {
		return ctx.Err()
	}
	if timedOut {
		return stderror.ErrTimeout
	}
	for _, err := range []error{err1, err2} {
		if err != nil && !stderror.IsEOF(err) && !stderror.IsClosed(err) {
			return err
		}
	}
	return nil
}

// copyOneWay copies src to dst until EOF or error. On EOF it half
// closes the write side of dst.
func copyOneWay(src, dst net.Conn, bufSize int, touch func(), count func(int64)) error {
	buf := make([]byte, bufSize)
	for {
		n, readErr := src.Read(buf)
		if n > 0 {
			touch()
			count(int64(n))
			if _, writeErr := dst.Write(buf[:n]); writeErr != nil {
				return writeErr
			}
		}
		if readErr != nil {
			if stderror.IsEOF(readErr) {
				if hc, ok := dst.(halfCloser); ok {
					hc.CloseWrite()
				} else {
					dst.Close()
				}
			}
			return readErr
		}
	}
}

func idleCheckInterval(idleTimeout time.Duration) time.Duration {
	if idleTimeout <= 0 {
		return time.Second
	}
	interval := idleTimeout / 4
	if interval < 100*time.Millisecond {
		interval = 100 * time.Millisecond
	}
	if interval > 5*time.Second {
		interval = 5 * time.Second
	}
	return interval
}
