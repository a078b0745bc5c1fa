// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"fmt"
	"time"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/linksim/netsim/packet"
)

// Socket is a socket owned by a [*SocketSet].
//
// The only implementations are [*TCPSocket] and [*UDPSocket].
type Socket interface {
	// match tells how specifically the socket matches an inbound packet.
	match(pkt *packet.Packet) matchKind

	// process handles an inbound packet and may return an immediate reply.
	process(env *pollEnv, pkt *packet.Packet) *packet.Packet

	// dispatch returns the next outbound packet, if any.
	dispatch(env *pollEnv) (*packet.Packet, error)

	// pollAt returns when the socket next needs to be polled.
	pollAt() (time.Time, bool)

	// localPort returns the local port in use for the given protocol.
	localPort(proto packet.IPProtocol) uint16
}

// matchKind classifies how a [Socket] matches an inbound packet.
type matchKind int

const (
	// matchNone means the socket does not match.
	matchNone matchKind = iota

	// matchWildcard means the socket matches via its local port only.
	matchWildcard

	// matchExact means the socket matches the full five tuple.
	matchExact
)

// pollEnv is the environment of a single [*Interface.Poll] call.
type pollEnv struct {
	ifc     *Interface
	now     time.Time
	sockets *SocketSet
}

// SocketHandle is an opaque reference to a [Socket] in a [*SocketSet].
type SocketHandle int

// String returns the string representation of the handle.
func (h SocketHandle) String() string {
	return fmt.Sprintf("#%d", int(h))
}

// SocketSet is the registry of the sockets owned by a stack.
//
// The zero value is ready to use. Sockets live as long as the set.
type SocketSet struct {
	sockets []Socket
}

// NewSocketSet creates an empty [*SocketSet].
func NewSocketSet() *SocketSet {
	return &SocketSet{}
}

// Add registers a socket and returns its handle.
func (set *SocketSet) Add(socket Socket) SocketHandle {
	runtimex.Assert(socket != nil, "netstack: adding a nil socket")
	set.sockets = append(set.sockets, socket)
	return SocketHandle(len(set.sockets) - 1)
}

// Len returns the number of sockets.
func (set *SocketSet) Len() int {
	return len(set.sockets)
}

// Get returns the socket with the given handle.
//
// This method panics if the handle is unknown.
func (set *SocketSet) Get(h SocketHandle) Socket {
	runtimex.Assert(h >= 0 && int(h) < len(set.sockets), "netstack: unknown socket handle")
	return set.sockets[h]
}

// TCP returns the [*TCPSocket] with the given handle.
//
// This method panics if the handle is unknown or is not a TCP socket.
func (set *SocketSet) TCP(h SocketHandle) *TCPSocket {
	sock, ok := set.Get(h).(*TCPSocket)
	runtimex.Assert(ok, "netstack: not a TCP socket")
	return sock
}

// UDP returns the [*UDPSocket] with the given handle.
//
// This method panics if the handle is unknown or is not a UDP socket.
func (set *SocketSet) UDP(h SocketHandle) *UDPSocket {
	sock, ok := set.Get(h).(*UDPSocket)
	runtimex.Assert(ok, "netstack: not a UDP socket")
	return sock
}

// PortInUse returns whether a socket other than except uses the
// given local port for the given protocol.
func (set *SocketSet) PortInUse(proto packet.IPProtocol, port uint16, except SocketHandle) bool {
	for idx, sock := range set.sockets {
		if SocketHandle(idx) != except && sock.localPort(proto) == port {
			return true
		}
	}
	return false
}

// lookup finds the socket for an inbound packet, preferring sockets
// matching the five tuple over the ones matching the local port.
func (set *SocketSet) lookup(pkt *packet.Packet) Socket {
	var wildcard Socket
	for _, sock := range set.sockets {
		switch sock.match(pkt) {
		case matchExact:
			return sock
		case matchWildcard:
			if wildcard == nil {
				wildcard = sock
			}
		}
	}
	return wildcard
}
