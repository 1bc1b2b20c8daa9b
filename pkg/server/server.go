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

// Package server owns the listening endpoint and the lifecycle of the
// per connection handler tasks. Shutdown is a two phase state machine:
// Running, Draining, Stopped. In Draining the listener is closed, the
// handlers are signalled, and in-flight relays may drain until the
// shutdown timeout expires.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/socksguard/socksguard/pkg/acl"
	"github.com/socksguard/socksguard/pkg/auth"
	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/netutil"
	"github.com/socksguard/socksguard/pkg/security"
	"github.com/socksguard/socksguard/pkg/state"
	"github.com/socksguard/socksguard/pkg/stderror"
)

var (
	ConnectionsAccepted = metrics.RegisterMetric("server", "ConnectionsAccepted")
	ConnectionsRejected = metrics.RegisterMetric("server", "ConnectionsRejected")
	ConnectionsServed   = metrics.RegisterMetric("server", "ConnectionsServed")
	ActiveConnections   = metrics.RegisterGauge("server", "ActiveConnections")
	MemoryAdvisoryHits  = metrics.RegisterMetric("server", "MemoryAdvisoryHits")
)

// Phase is the lifecycle phase of the server.
type Phase int32

const (
	Running Phase = iota
	Draining
	Stopped
)

func (p Phase) String() string {
	switch p {
	case Running:
		return "RUNNING"
	case Draining:
		return "DRAINING"
	case Stopped:
		return "STOPPED"
	default:
		return "UNKNOWN"
	}
}

// Server accepts socks5 connections and drives them through the
// authentication, access control, and relay phases.
type Server struct {
	configs *config.Store
	guard   *security.Guard
	store   *state.Store

	// engineRef and authRef are swapped on configuration reload.
	// In-flight handlers keep the values they captured.
	engineRef atomic.Pointer[acl.Engine]
	authRef   atomic.Pointer[auth.Authenticator]

	listener    net.Listener
	phase       atomic.Int32
	active      atomic.Int64
	shutdown    chan struct{}
	chAccept    chan net.Conn
	chAcceptErr chan error

	connMu sync.Mutex
	conns  map[net.Conn]struct{}

	// hardCtx is cancelled only when the shutdown timeout expires and
	// remaining streams must be forcibly closed. Draining alone does
	// not cancel it, so in-flight relays may finish.
	hardCtx    context.Context
	hardCancel context.CancelFunc

	handlerWG sync.WaitGroup
	stopped   chan struct{}
}

// New creates a Server. The configuration snapshot store, the security
// guard, and the session store are shared with the rest of the core.
func New(configs *config.Store, guard *security.Guard, store *state.Store) (*Server, error) {
	c := configs.Snapshot()
	engine, err := acl.NewEngine(c)
	if err != nil {
		return nil, fmt.Errorf("compile access control engine failed: %w", err)
	}
	hardCtx, hardCancel := context.WithCancel(context.Background())
	s := &Server{
		configs:     configs,
		guard:       guard,
		store:       store,
		shutdown:    make(chan struct{}),
		chAccept:    make(chan net.Conn, 256),
		chAcceptErr: make(chan error, 1), // non-blocking
		conns:       make(map[net.Conn]struct{}),
		hardCtx:     hardCtx,
		hardCancel:  hardCancel,
		stopped:     make(chan struct{}),
	}
	s.engineRef.Store(engine)
	s.authRef.Store(auth.New(c.Auth, store, guard))
	return s, nil
}

// Engine returns the current access control engine.
func (s *Server) Engine() *acl.Engine {
	return s.engineRef.Load()
}

// ApplyConfig swaps the access control engine and the authenticator
// after a configuration reload. In-flight handlers keep their
// original snapshot until they finish.
func (s *Server) ApplyConfig(c *config.Config) error {
	engine, err := acl.NewEngine(c)
	if err != nil {
		return err
	}
	s.engineRef.Store(engine)
	s.authRef.Store(auth.New(c.Auth, s.store, s.guard))
	return nil
}

// Phase returns the current lifecycle phase.
func (s *Server) Phase() Phase {
	return Phase(s.phase.Load())
}

// ListenAndServe is used to create a listener and serve on it.
func (s *Server) ListenAndServe() error {
	c := s.configs.Snapshot()
	l, err := netutil.Listen("tcp", c.Server.BindAddr)
	if err != nil {
		return fmt.Errorf("listen on %s failed: %w", c.Server.BindAddr, err)
	}
	return s.Serve(l)
}

// Serve is used to serve connections from a listener. It returns when
// the server has fully stopped.
func (s *Server) Serve(l net.Listener) error {
	s.listener = l
	log.Infof("socks5 server is listening on %v", l.Addr())
	go s.acceptLoop()
	for {
		select {
		case conn := <-s.chAccept:
			s.admit(conn)
		case err := <-s.chAcceptErr:
			if s.Phase() != Running {
				// The listener was closed by Shutdown.
				<-s.stopped
				return nil
			}
			log.Errorf("encountered error when socks5 server accept new connection: %v", err)
			log.Infof("closing socks5 server listener")
			s.listener.Close()
			s.phase.Store(int32(Stopped))
			return err
		case <-s.shutdown:
			<-s.stopped
			return nil
		}
	}
}

func (s *Server) acceptLoop() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			s.chAcceptErr <- err
			return
		}
		s.chAccept <- conn
		if log.IsLevelEnabled(log.TraceLevel) {
			log.Tracef("socks5 server accepted connection [%v - %v]", conn.LocalAddr(), conn.RemoteAddr())
		}
	}
}

// admit runs the admission checks and spawns the handler task.
// A rejected connection is closed without a socks5 reply.
func (s *Server) admit(conn net.Conn) {
	c := s.configs.Snapshot()
	ConnectionsAccepted.Add(1)

	if s.Phase() != Running {
		conn.Close()
		return
	}

	if s.active.Load() >= int64(c.Server.MaxConnections) {
		ConnectionsRejected.Add(1)
		log.Debugf("rejecting connection from %v: connection limit %d reached", conn.RemoteAddr(), c.Server.MaxConnections)
		conn.Close()
		return
	}

	// Advisory memory bound: per direction relay buffers of every
	// active connection. Logged, never enforced.
	if c.Server.MaxMemoryMB > 0 {
		estimated := (s.active.Load() + 1) * int64(c.Server.BufferSize) * 2
		if estimated > int64(c.Server.MaxMemoryMB)<<20 {
			MemoryAdvisoryHits.Add(1)
			log.Warnf("estimated relay buffer memory %d bytes is above the advisory bound of %d MB", estimated, c.Server.MaxMemoryMB)
		}
	}

	clientIP := remoteIP(conn)
	delay, err := s.guard.Admit(clientIP)
	if err != nil {
		ConnectionsRejected.Add(1)
		if log.IsLevelEnabled(log.DebugLevel) {
			log.Debugf("rejecting connection from %v: %v", conn.RemoteAddr(), err)
		}
		conn.Close()
		return
	}

	if c.Server.Keepalive.Enabled {
		netutil.SetKeepAlive(conn, c.Server.Keepalive.Interval.Duration)
	}

	s.active.Add(1)
	ActiveConnections.Add(1)
	s.trackConn(conn, true)
	s.handlerWG.Add(1)
	go func() {
		defer func() {
			s.trackConn(conn, false)
			s.guard.OnConnectionClosed(clientIP)
			s.active.Add(-1)
			ActiveConnections.Add(-1)
			s.handlerWG.Done()
		}()
		if delay > 0 {
			// Progressive delay for repeat offenders.
			select {
			case <-time.After(delay):
			case <-s.shutdown:
				conn.Close()
				return
			}
		}
		ConnectionsServed.Add(1)
		err := s.serveConn(conn, c)
		if err != nil && !stderror.IsEOF(err) && !stderror.IsClosed(err) {
			log.Debugf("serve connection [%v - %v] failed: %v", conn.LocalAddr(), conn.RemoteAddr(), err)
		}
	}()
}

// Shutdown drains the server: the listener closes, handler tasks are
// signalled, and in-flight relays may finish until the shutdown
// timeout expires, at which point remaining streams are closed.
func (s *Server) Shutdown() {
	if !s.phase.CompareAndSwap(int32(Running), int32(Draining)) {
		return
	}
	c := s.configs.Snapshot()
	log.Infof("socks5 server is draining")
	if s.listener != nil {
		s.listener.Close()
	}
	close(s.shutdown)

	done := make(chan struct{})
	go func() {
		s.handlerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.Server.ShutdownTimeout.Duration):
		log.Warnf("shutdown timeout expired, closing %d remaining connections", s.active.Load())
		s.hardCancel()
		s.closeAllConns()
		<-done
	}
	s.hardCancel()

	s.phase.Store(int32(Stopped))
	close(s.stopped)
	log.Infof("socks5 server is stopped")
}

func (s *Server) trackConn(conn net.Conn, add bool) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	if add {
		s.conns[conn] = struct{}{}
	} else {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAllConns() {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	for conn := range s.conns {
		conn.Close()
	}
}

func remoteIP(conn net.Conn) net.IP {
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		return tcpAddr.IP
	}
	host, _, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		return net.IPv4zero
	}
	if ip := net.ParseIP(host); ip != nil {
		return ip
	}
	return net.IPv4zero
}

