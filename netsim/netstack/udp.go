// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"net/netip"
	"time"

	"github.com/rbmk-project/linksim/netsim/packet"
)

// MaxUDPPayload is the largest UDP payload fitting an IPv4 packet.
const MaxUDPPayload = 0xffff - 20 - packet.UDPHeaderLen

// datagram is a queued UDP datagram.
type datagram struct {
	peer    netip.AddrPort
	payload []byte
}

// UDPSocket is a UDP socket driven by [*Interface.Poll].
//
// The zero value is invalid; construct using [NewUDPSocket].
type UDPSocket struct {
	local    netip.AddrPort
	capacity int
	rx       []datagram
	tx       []datagram

	// dropped counts datagrams discarded because rx was full.
	dropped int
}

// NewUDPSocket creates an unbound [*UDPSocket] queuing at most
// the given number of datagrams in each direction.
func NewUDPSocket(packets int) *UDPSocket {
	return &UDPSocket{capacity: max(1, packets)}
}

// Ensure [*UDPSocket] implements [Socket].
var _ Socket = &UDPSocket{}

// Bind binds the socket to the given local port.
//
// Returns [EINVAL] if the port is zero or the socket is already bound.
func (s *UDPSocket) Bind(port uint16) error {
	if port == 0 || s.IsOpen() {
		return EINVAL
	}
	s.local = netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	return nil
}

// IsOpen returns whether the socket is bound.
func (s *UDPSocket) IsOpen() bool {
	return s.local.Port() != 0
}

// LocalEndpoint returns the bound endpoint.
func (s *UDPSocket) LocalEndpoint() netip.AddrPort {
	return s.local
}

// CanSend returns whether [*UDPSocket.SendTo] would enqueue a datagram.
func (s *UDPSocket) CanSend() bool {
	return s.IsOpen() && len(s.tx) < s.capacity
}

// CanRecv returns whether a datagram is available.
func (s *UDPSocket) CanRecv() bool {
	return len(s.rx) > 0
}

// Dropped returns the number of inbound datagrams lost to a full queue.
func (s *UDPSocket) Dropped() int {
	return s.dropped
}

// SendTo enqueues a copy of data for the given remote endpoint.
//
// Returns [ENOTCONN] if the socket is not bound, [EINVAL] for an
// invalid remote, [EMSGSIZE] for oversized data, and [ENOBUFS]
// if the send queue is full.
func (s *UDPSocket) SendTo(data []byte, remote netip.AddrPort) error {
	switch {
	case !s.IsOpen():
		return ENOTCONN
	case !remote.Addr().Is4() || remote.Port() == 0:
		return EINVAL
	case len(data) > MaxUDPPayload:
		return EMSGSIZE
	case len(s.tx) >= s.capacity:
		return ENOBUFS
	}
	s.tx = append(s.tx, datagram{peer: remote, payload: append([]byte{}, data...)})
	return nil
}

// RecvFrom dequeues the oldest datagram. The boolean is false when
// no datagram is available.
func (s *UDPSocket) RecvFrom() ([]byte, netip.AddrPort, bool) {
	if len(s.rx) <= 0 {
		return nil, netip.AddrPort{}, false
	}
	dgram := s.rx[0]
	s.rx = s.rx[1:]
	return dgram.payload, dgram.peer, true
}

func (s *UDPSocket) match(pkt *packet.Packet) matchKind {
	if pkt.IPProtocol != packet.IPProtocolUDP || !s.IsOpen() || pkt.DstPort != s.local.Port() {
		return matchNone
	}
	if s.local.Addr().IsUnspecified() {
		return matchWildcard
	}
	if s.local.Addr() == pkt.DstAddr {
		return matchExact
	}
	return matchNone
}

func (s *UDPSocket) localPort(proto packet.IPProtocol) uint16 {
	if proto != packet.IPProtocolUDP {
		return 0
	}
	return s.local.Port()
}

func (s *UDPSocket) pollAt() (time.Time, bool) {
	return time.Time{}, len(s.tx) > 0
}

func (s *UDPSocket) process(env *pollEnv, pkt *packet.Packet) *packet.Packet {
	if len(s.rx) >= s.capacity {
		s.dropped++
		env.ifc.debug("udpRecvQueueFull", "localAddr", s.local.String(), "dropped", s.dropped)
		return nil
	}
	peer := netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort)
	s.rx = append(s.rx, datagram{peer: peer, payload: pkt.Payload})
	return nil
}

func (s *UDPSocket) dispatch(env *pollEnv) (*packet.Packet, error) {
	if len(s.tx) <= 0 {
		return nil, nil
	}
	dgram := s.tx[0]
	s.tx = s.tx[1:]
	src := s.local.Addr()
	if src.IsUnspecified() {
		var ok bool
		if src, ok = env.ifc.sourceAddr(); !ok {
			return nil, EADDRNOTAVAIL
		}
	}
	return &packet.Packet{
		TTL:        packet.DefaultTTL,
		SrcAddr:    src,
		DstAddr:    dgram.peer.Addr(),
		IPProtocol: packet.IPProtocolUDP,
		SrcPort:    s.local.Port(),
		DstPort:    dgram.peer.Port(),
		Payload:    dgram.payload,
	}, nil
}
