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
	"sync"

	"github.com/socksguard/socksguard/pkg/constant"
	"github.com/socksguard/socksguard/pkg/log"
	"github.com/socksguard/socksguard/pkg/metrics"
	"github.com/socksguard/socksguard/pkg/model"
	"github.com/socksguard/socksguard/pkg/netutil"
	"github.com/socksguard/socksguard/pkg/stderror"
)

var (
	UDPAssociateErrors   = metrics.RegisterMetric("relay UDP associate", "Errors")
	UDPAssociateInPkts   = metrics.RegisterMetric("relay UDP associate", "InPkts")
	UDPAssociateOutPkts  = metrics.RegisterMetric("relay UDP associate", "OutPkts")
	UDPAssociateInBytes  = metrics.RegisterMetric("relay UDP associate", "InBytes")
	UDPAssociateOutBytes = metrics.RegisterMetric("relay UDP associate", "OutBytes")
)

// ServeUDPAssociate serves a UDP ASSOCIATE command. It allocates an
// ephemeral UDP socket, sends the reply with its endpoint, and keeps
// the associating TCP stream open for lifetime control. Datagrams are
// parsed per RFC 1928 section 7, the address header is rewritten, and
// payloads are forwarded in both directions. Fragmented datagrams are
// not supported.
func ServeUDPAssociate(ctx context.Context, conn net.Conn, resolver DNSResolver) error {
	if resolver == nil {
		resolver = DefaultResolver{}
	}
	udpConn, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4zero, Port: 0})
	if err != nil {
		UDPAssociateErrors.Add(1)
		SendReply(conn, constant.Socks5ReplyServerFailure, nil)
		return stderror.WrapErrorWithType(
			fmt.Errorf("listen UDP failed: %w", err), stderror.NETWORK_ERROR)
	}
	defer udpConn.Close()

	udpPort := udpConn.LocalAddr().(*net.UDPAddr).Port
	bind := model.AddrSpec{IP: net.IPv4(0, 0, 0, 0), Port: udpPort}
	if err := SendReply(conn, constant.Socks5ReplySuccess, &bind); err != nil {
		return stderror.WrapErrorWithType(
			fmt.Errorf("send UDP associate reply failed: %w", err), stderror.NETWORK_ERROR)
	}

	// Only the associating client's IP may use the socket.
	var clientIP net.IP
	if tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr); ok {
		clientIP = tcpAddr.IP
	}

	go func() {
		select {
		case <-ctx.Done():
			udpConn.Close()
		case <-associationDone(conn):
			udpConn.Close()
		}
	}()

	// clientAddr is learned from the first request datagram.
	var clientAddr *net.UDPAddr
	// addrMap maps a destination address to its reply header.
	var addrMap sync.Map

	buf := make([]byte, 1<<16)
	for {
		n, from, err := udpConn.ReadFromUDP(buf)
		if err != nil {
			if stderror.IsEOF(err) || stderror.IsClosed(err) {
				return nil
			}
			return err
		}

		if clientIP != nil && from.IP.Equal(clientIP) && (clientAddr == nil || from.Port == clientAddr.Port) {
			// Request datagram from the client.
			clientAddr = from
			dst, payload, header, err := parseUDPDatagram(ctx, buf[:n], resolver)
			if err != nil {
				UDPAssociateErrors.Add(1)
				log.Debugf("UDP associate %v dropped malformed datagram: %v", udpConn.LocalAddr(), err)
				continue
			}
			addrMap.Store(dst.String(), header)
			ws, err := udpConn.WriteToUDP(payload, dst)
			if err != nil {
				UDPAssociateErrors.Add(1)
				log.Debugf("UDP associate [%v - %v] WriteToUDP() failed: %v", udpConn.LocalAddr(), dst, err)
				continue
			}
			UDPAssociateOutPkts.Add(1)
			UDPAssociateOutBytes.Add(int64(ws))
		} else {
			// Response datagram from a destination.
			if clientAddr == nil {
				continue
			}
			var header []byte
			if v, ok := addrMap.Load(from.String()); ok {
				header = v.([]byte)
			} else {
				header = udpAddrToHeader(from)
				addrMap.Store(from.String(), header)
			}
			packet := make([]byte, 0, len(header)+n)
			packet = append(packet, header...)
			packet = append(packet, buf[:n]...)
			if _, err := udpConn.WriteToUDP(packet, clientAddr); err != nil {
				UDPAssociateErrors.Add(1)
				log.Debugf("UDP associate %v write to client failed: %v", udpConn.LocalAddr(), err)
				continue
			}
			UDPAssociateInPkts.Add(1)
			UDPAssociateInBytes.Add(int64(n))
		}
	}
}

// associationDone signals when the associating TCP stream is closed by
// the peer.
func associationDone(conn net.Conn) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		netutil.WaitForClose(conn)
		close(done)
	}()
	return done
}

// parseUDPDatagram validates a RFC 1928 section 7 request datagram and
// returns the destination, the payload, and the header to prefix on
// reply datagrams.
func parseUDPDatagram(ctx context.Context, b []byte, resolver DNSResolver) (*net.UDPAddr, []byte, []byte, error) {
	if len(b) <= 6 {
		return nil, nil, nil, stderror.ErrNoEnoughData
	}
	if b[0] != 0x00 || b[1] != 0x00 {
		return nil, nil, nil, stderror.ErrInvalidArgument
	}
	if b[2] != 0x00 {
		// UDP fragment is not supported.
		return nil, nil, nil, stderror.ErrUnsupported
	}

	switch b[3] {
	case constant.Socks5IPv4Address:
		if len(b) <= 10 {
			return nil, nil, nil, stderror.ErrNoEnoughData
		}
		dst := &net.UDPAddr{
			IP:   net.IP(b[4:8]),
			Port: int(b[8])<<8 + int(b[9]),
		}
		return dst, b[10:], append([]byte{}, b[:10]...), nil
	case constant.Socks5FQDNAddress:
		fqdnLen := int(b[4])
		if len(b) <= fqdnLen+6 {
			return nil, nil, nil, stderror.ErrNoEnoughData
		}
		fqdn := string(b[5 : 5+fqdnLen])
		port := int(b[5+fqdnLen])<<8 + int(b[6+fqdnLen])
		ip, err := resolver.LookupIP(ctx, fqdn)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("resolve %q failed: %w", fqdn, err)
		}
		dst := &net.UDPAddr{IP: ip, Port: port}
		return dst, b[7+fqdnLen:], append([]byte{}, b[:7+fqdnLen]...), nil
	case constant.Socks5IPv6Address:
		if len(b) <= 22 {
			return nil, nil, nil, stderror.ErrNoEnoughData
		}
		dst := &net.UDPAddr{
			IP:   net.IP(b[4:20]),
			Port: int(b[20])<<8 + int(b[21]),
		}
		return dst, b[22:], append([]byte{}, b[:22]...), nil
	default:
		return nil, nil, nil, stderror.ErrInvalidArgument
	}
}

// udpAddrToHeader builds the RFC 1928 section 7 header for a reply
// datagram from the given source address.
func udpAddrToHeader(addr *net.UDPAddr) []byte {
	b := []byte{0x00, 0x00, 0x00}
	if ip4 := addr.IP.To4(); ip4 != nil {
		b = append(b, constant.Socks5IPv4Address)
		b = append(b, ip4...)
	} else {
		b = append(b, constant.Socks5IPv6Address)
		b = append(b, addr.IP.To16()...)
	}
	b = append(b, byte(addr.Port>>8), byte(addr.Port))
	return b
}
