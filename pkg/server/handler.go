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

package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"

	"github.com/socksguard/socksguard/pkg/acl"
	"github.com/socksguard/socksguard/pkg/config"
	"github.com/socksguard/socksguard/pkg/constant"
	"github.com/socksguard/socksguard/pkg/event"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/netutil"
	"github.com/socksguard/socksguard/pkg/relay"
	"github.com/socksguard/socksguard/pkg/state"
	"github.com/socksguard/socksguard/pkg/stderror"
)

var (
	HandshakeErrors          = metrics.RegisterMetric("server", "HandshakeErrors")
	UnsupportedCommandErrors = metrics.RegisterMetric("server", "UnsupportedCommandErrors")
	PolicyBlocks             = metrics.RegisterMetric("server", "PolicyBlocks")
)

// serveConn drives one client connection through the protocol phases:
// greeting, authentication, request, decision, and relay. All phases
// of a single connection are strictly serialized. The handler is a
// failure boundary; its error never aborts the process.
func (s *Server) serveConn(conn net.Conn, c *config.Config) error {
	defer conn.Close()

	// The handler keeps the engine and authenticator captured here
	// even if a configuration reload swaps them mid-flight.
	engine := s.engineRef.Load()
	authenticator := s.authRef.Load()

	// Cancelled only when the shutdown timeout forces teardown.
	ctx := s.hardCtx

	// Authentication phase, bounded by the handshake timeout.
	netutil.SetReadTimeout(conn, c.Server.HandshakeTimeout.Duration)
	sess, err := authenticator.Handle(conn)
	if err != nil {
		HandshakeErrors.Add(1)
		return err
	}
	defer s.store.RemoveSession(sess.ID)

	// Request phase.
	var req model.Request
	if err := req.ReadFromSocks5(conn); err != nil {
		HandshakeErrors.Add(1)
		if errors.Is(err, model.ErrUnrecognizedAddrType) {
			relay.SendReply(conn, constant.Socks5ReplyAddrTypeNotSupported, nil)
		}
		return stderror.WrapErrorWithType(
			fmt.Errorf("read socks5 request failed: %w", err), stderror.PROTOCOL_ERROR)
	}
	netutil.SetReadTimeout(conn, 0)
	s.store.TouchSession(sess.ID)

	switch req.Command {
	case constant.Socks5ConnectCmd:
		return s.handleConnect(ctx, conn, c, engine, sess, req)
	case constant.Socks5BindCmd:
		return s.handleBind(ctx, conn, c, engine, sess, req)
	case constant.Socks5UDPAssociateCmd:
		return s.handleAssociate(ctx, conn, req)
	default:
		UnsupportedCommandErrors.Add(1)
		if err := relay.SendReply(conn, constant.Socks5ReplyCommandNotSupported, nil); err != nil {
			return fmt.Errorf("failed to send reply: %w", err)
		}
		return stderror.WrapErrorWithType(
			fmt.Errorf("unsupported command: %d", req.Command), stderror.PROTOCOL_ERROR)
	}
}

// decide evaluates the access control engine and publishes a block
// event when the request is denied.
func (s *Server) decide(conn net.Conn, engine *acl.Engine, sess *state.Session, req model.Request) (acl.Decision, error) {
	decision := engine.Evaluate(req.DstAddr, uint16(req.DstAddr.Port), remoteIP(conn), sess.UserID)
	if decision.Kind == acl.DecisionBlock {
		PolicyBlocks.Add(1)
		event.Publish(event.Event{
			Kind:     event.KindBlock,
			ClientIP: remoteIP(conn).String(),
			Target:   req.DstAddr.String(),
			User:     sess.UserID,
			Reason:   decision.Reason,
		})
		log.WithFields(log.Fields{
			"kind":      "policy_block",
			"client_ip": remoteIP(conn).String(),
			"target":    req.DstAddr.String(),
			"user":      sess.UserID,
			"reason":    decision.Reason,
		}).Infof("request blocked")
		if err := relay.SendReply(conn, constant.Socks5ReplyNotAllowedByRuleSet, nil); err != nil {
			return decision, fmt.Errorf("failed to send reply: %w", err)
		}
		return decision, stderror.WrapErrorWithType(
			fmt.Errorf("request to %v blocked: %s", req.DstAddr, decision.Reason), stderror.POLICY_ERROR)
	}
	return decision, nil
}

func (s *Server) handleConnect(ctx context.Context, conn net.Conn, c *config.Config, engine *acl.Engine, sess *state.Session, req model.Request) error {
	decision, err := s.decide(conn, engine, sess, req)
	if err != nil {
		return err
	}

	// Do not start a relay while draining.
	if s.Phase() != Running {
		relay.SendReply(conn, constant.Socks5ReplyServerFailure, nil)
		return stderror.WrapErrorWithType(
			fmt.Errorf("server is draining: %w", stderror.ErrNotRunning), stderror.RESOURCE_ERROR)
	}

	var target net.Conn
	switch decision.Kind {
	case acl.DecisionDirect, acl.DecisionRedirect:
		target, err = relay.DialDirect(ctx, decision.Target, c.Server.ConnectionTimeout.Duration, nil)
	case acl.DecisionUpstream, acl.DecisionChain:
		target, err = relay.EstablishChain(ctx, decision.Chain, decision.Target, c.Server.HandshakeTimeout.Duration, engine.Health())
	default:
		err = stderror.WrapErrorWithType(
			fmt.Errorf("unexpected decision %v", decision.Kind), stderror.INTERNAL_ERROR)
	}
	if err != nil {
		if replyErr := relay.SendReply(conn, relay.ReplyCodeForDial(err), nil); replyErr != nil {
			return fmt.Errorf("failed to send reply: %w", replyErr)
		}
		return err
	}
	defer target.Close()

	// Send success. The bound address is the proxy side local endpoint.
	if err := relay.SendReply(conn, constant.Socks5ReplySuccess, relay.LocalBindAddr(conn)); err != nil {
		HandshakeErrors.Add(1)
		return fmt.Errorf("failed to send reply: %w", err)
	}

	return s.runRelay(ctx, conn, target, c, sess, decision.Target)
}

func (s *Server) handleBind(ctx context.Context, conn net.Conn, c *config.Config, engine *acl.Engine, sess *state.Session, req model.Request) error {
	if _, err := s.decide(conn, engine, sess, req); err != nil {
		return err
	}
	if s.Phase() != Running {
		relay.SendReply(conn, constant.Socks5ReplyServerFailure, nil)
		return stderror.WrapErrorWithType(
			fmt.Errorf("server is draining: %w", stderror.ErrNotRunning), stderror.RESOURCE_ERROR)
	}

	peer, err := relay.AcceptBind(ctx, conn, nil, c.Server.BindAcceptTimeout.Duration)
	if err != nil {
		return err
	}
	defer peer.Close()

	peerAddr := model.AddrSpec{}
	if tcpAddr, ok := peer.RemoteAddr().(*net.TCPAddr); ok {
		peerAddr = model.AddrSpec{IP: tcpAddr.IP, Port: tcpAddr.Port}
	}
	return s.runRelay(ctx, conn, peer, c, sess, peerAddr)
}

func (s *Server) handleAssociate(ctx context.Context, conn net.Conn, req model.Request) error {
	// The data plane uses its own socket; the TCP stream only controls
	// the association lifetime.
	return relay.ServeUDPAssociate(ctx, conn, nil)
}

// runRelay registers the relay session, performs the bidirectional
// copy, and always records the teardown.
func (s *Server) runRelay(ctx context.Context, client, target net.Conn, c *config.Config, sess *state.Session, targetAddr model.AddrSpec) error {
	rs := &state.RelaySession{
		ID:         uuid.NewString(),
		ClientAddr: client.RemoteAddr().String(),
		TargetAddr: targetAddr.String(),
		UserID:     sess.UserID,
		StartedAt:  time.Now(),
	}
	s.store.RecordStart(rs)
	defer s.store.RecordEnd(rs.ID)

	err := relay.BidiCopy(ctx, client, target, c.Server.BufferSize, c.Server.IdleTimeout.Duration, rs)
	if err != nil && !stderror.IsEOF(err) && !stderror.IsClosed(err) {
		// The success reply was already sent; the byte stream is the
		// contract now. Errors are only logged.
		log.Debugf("relay [%v - %v] ended with error: %v", rs.ClientAddr, rs.TargetAddr, err)
	}
	return nil
}
