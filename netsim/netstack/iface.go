// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"net/netip"
	"time"

	"github.com/rbmk-project/linksim/netsim/packet"
	"github.com/rbmk-project/linksim/netsim/phy"
	"golang.org/x/net/ipv4"
)

// firstEphemeralPort is the first port of the ephemeral range.
const firstEphemeralPort = 49152

// InterfaceStats contains [*Interface] counters.
type InterfaceStats struct {
	// RxFrames counts the frames received from the device.
	RxFrames int

	// TxFrames counts the frames handed to the device.
	TxFrames int

	// RxErrors counts the frames we could not decode.
	RxErrors int

	// Unmatched counts local packets no socket wanted.
	Unmatched int
}

// Interface is a poll-driven IPv4 interface.
//
// Each [*Interface.Poll] first drains the device, then transmits at most
// one frame, so a peer polling in turn never finds a frame overwritten.
//
// An interface is not safe for concurrent use.
type Interface struct {
	addrs     []netip.Prefix
	config    Config
	cursor    int
	medium    phy.Medium
	mtu       int
	neighbors map[netip.Addr]net.HardwareAddr
	nextport  map[packet.IPProtocol]uint16
	replies   []*packet.Packet
	rng       *rand.Rand
	routes    Routes
	stats     InterfaceStats

	// tcbLogger receives the TCP control block diagnostics.
	tcbLogger *slog.Logger
}

// New creates a new [*Interface] for the given device.
func New(config *Config, dev phy.Device, now time.Time) (*Interface, error) {
	caps := dev.Capabilities()
	if err := config.validate(caps.Medium == phy.MediumEthernet); err != nil {
		return nil, err
	}
	cfg := config.withDefaults()
	cfg.MSS = min(cfg.MSS, caps.MTU-ipv4.HeaderLen-packet.TCPHeaderLen)
	if cfg.MSS <= 0 {
		return nil, fmt.Errorf("%w: MTU %d is too small", errInvalidConfig, caps.MTU)
	}
	ifc := &Interface{
		config:    cfg,
		medium:    caps.Medium,
		mtu:       caps.MTU,
		neighbors: map[netip.Addr]net.HardwareAddr{},
		nextport: map[packet.IPProtocol]uint16{
			packet.IPProtocolTCP: firstEphemeralPort,
			packet.IPProtocolUDP: firstEphemeralPort,
		},
		rng: rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)),
	}
	if cfg.Logger != nil {
		ifc.tcbLogger = slog.New(newDebugHandler(cfg.Logger.Handler()))
	}
	ifc.debug("interfaceNew",
		slog.String("medium", caps.Medium.String()),
		slog.Int("mtu", caps.MTU),
		slog.Int("mss", cfg.MSS),
		slog.String("hwAddr", cfg.HardwareAddr.String()),
		slog.Time("t", now),
	)
	return ifc, nil
}

// HardwareAddr returns the Ethernet address.
func (ifc *Interface) HardwareAddr() net.HardwareAddr {
	return append(net.HardwareAddr{}, ifc.config.HardwareAddr...)
}

// MSS returns the effective TCP maximum segment size.
func (ifc *Interface) MSS() int {
	return ifc.config.MSS
}

// UpdateIPAddrs lets fn edit the interface addresses in place.
func (ifc *Interface) UpdateIPAddrs(fn func(addrs *[]netip.Prefix)) {
	fn(&ifc.addrs)
	ifc.debug("interfaceAddrs", slog.Any("addrs", ifc.addrs))
}

// IPAddrs returns a copy of the interface addresses.
func (ifc *Interface) IPAddrs() []netip.Prefix {
	return append([]netip.Prefix{}, ifc.addrs...)
}

// HasIPAddr returns whether addr is one of the interface addresses.
func (ifc *Interface) HasIPAddr(addr netip.Addr) bool {
	for _, prefix := range ifc.addrs {
		if prefix.Addr() == addr {
			return true
		}
	}
	return false
}

// Routes returns the routing table.
func (ifc *Interface) Routes() *Routes {
	return &ifc.routes
}

// Neighbor returns the learned hardware address of addr.
func (ifc *Interface) Neighbor(addr netip.Addr) (net.HardwareAddr, bool) {
	hwaddr, found := ifc.neighbors[addr]
	return hwaddr, found
}

// Stats returns a copy of the interface counters.
func (ifc *Interface) Stats() InterfaceStats {
	return ifc.stats
}

// Poll runs one receive/process/transmit cycle and returns whether it
// made progress. The error joins the failures of this cycle. Sockets
// retry on later polls, so callers may keep polling after an error.
func (ifc *Interface) Poll(now time.Time, dev phy.Device, sockets *SocketSet) (bool, error) {
	env := &pollEnv{ifc: ifc, now: now, sockets: sockets}
	var (
		errs     []error
		progress bool
	)
	for {
		rx, _, ok := dev.Receive(now)
		if !ok {
			break
		}
		progress = true
		ifc.stats.RxFrames++
		if err := rx.Consume(func(buf []byte) error {
			return ifc.ingress(env, buf)
		}); err != nil {
			errs = append(errs, err)
		}
	}
	emitted, err := ifc.egress(env, dev)
	if err != nil {
		errs = append(errs, err)
	}
	return progress || emitted, errors.Join(errs...)
}

// PollDelay returns how long the caller may wait before polling
// again. The boolean is false when no socket has pending work.
func (ifc *Interface) PollDelay(now time.Time, sockets *SocketSet) (time.Duration, bool) {
	if len(ifc.replies) > 0 {
		return 0, true
	}
	var (
		earliest time.Time
		found    bool
	)
	for _, sock := range sockets.sockets {
		at, ok := sock.pollAt()
		if !ok {
			continue
		}
		if at.IsZero() {
			return 0, true
		}
		if !found || at.Before(earliest) {
			earliest, found = at, true
		}
	}
	if !found {
		return 0, false
	}
	return max(0, earliest.Sub(now)), true
}

// ingress handles a frame read from the device.
func (ifc *Interface) ingress(env *pollEnv, buf []byte) error {
	eth, pkt, err := packet.Decode(ifc.medium, buf)
	if err != nil {
		ifc.stats.RxErrors++
		return fmt.Errorf("netstack: cannot decode frame: %w", err)
	}
	if eth != nil {
		if !bytes.Equal(eth.Dst, ifc.config.HardwareAddr) && !bytes.Equal(eth.Dst, packet.BroadcastMAC) {
			return nil
		}
		if pkt.SrcAddr.Is4() && !pkt.SrcAddr.IsUnspecified() {
			ifc.neighbors[pkt.SrcAddr] = eth.Src
		}
	}
	if !ifc.HasIPAddr(pkt.DstAddr) {
		ifc.debug("ingressNotLocal", slog.String("packet", pkt.String()))
		return nil
	}
	ifc.debug("ingress", slog.String("packet", pkt.String()))

	sock := env.sockets.lookup(pkt)
	if sock == nil {
		ifc.stats.Unmatched++
		if pkt.IPProtocol == packet.IPProtocolTCP && pkt.Flags&packet.TCPFlagRST == 0 {
			ifc.replies = append(ifc.replies, resetFor(pkt))
		}
		return nil
	}
	observe := ifc.observeState(sock)
	if reply := sock.process(env, pkt); reply != nil {
		ifc.replies = append(ifc.replies, reply)
	}
	observe()
	return nil
}

// egress transmits at most one packet, giving queued replies
// priority and serving the sockets round robin.
func (ifc *Interface) egress(env *pollEnv, dev phy.Device) (bool, error) {
	var (
		errs []error
		pkt  *packet.Packet
	)
	if len(ifc.replies) > 0 {
		pkt, ifc.replies = ifc.replies[0], ifc.replies[1:]
	}
	count := env.sockets.Len()
	for offset := 0; pkt == nil && offset < count; offset++ {
		idx := (ifc.cursor + offset) % count
		sock := env.sockets.sockets[idx]
		observe := ifc.observeState(sock)
		next, err := sock.dispatch(env)
		observe()
		if err != nil {
			errs = append(errs, fmt.Errorf("netstack: socket %s: %w", SocketHandle(idx), err))
		}
		if next != nil {
			pkt, ifc.cursor = next, idx+1
		}
	}
	if pkt == nil {
		return false, errors.Join(errs...)
	}
	if err := ifc.transmit(env.now, dev, pkt); err != nil {
		errs = append(errs, err)
	}
	return true, errors.Join(errs...)
}

// transmit encodes a packet into a device transmit token.
func (ifc *Interface) transmit(now time.Time, dev phy.Device, pkt *packet.Packet) error {
	hop, ok := ifc.nextHop(pkt.DstAddr)
	if !ok {
		return fmt.Errorf("netstack: no route to %s: %w", pkt.DstAddr, EHOSTUNREACH)
	}
	if pkt.IPLen() > ifc.mtu {
		return fmt.Errorf("netstack: packet exceeds MTU: %w", EMSGSIZE)
	}
	var eth *packet.Ethernet
	if ifc.medium == phy.MediumEthernet {
		dst, found := ifc.neighbors[hop]
		if !found {
			dst = packet.BroadcastMAC
		}
		eth = &packet.Ethernet{Dst: dst, Src: ifc.config.HardwareAddr}
	}
	tx, ok := dev.Transmit(now)
	if !ok {
		ifc.debug("transmitUnavailable", slog.String("packet", pkt.String()))
		return nil
	}
	err := tx.Consume(packet.EncodedLen(ifc.medium, pkt), func(buf []byte) error {
		return packet.Encode(buf, ifc.medium, eth, pkt)
	})
	if err != nil {
		return fmt.Errorf("netstack: cannot encode packet: %w", err)
	}
	ifc.stats.TxFrames++
	ifc.debug("egress", slog.String("packet", pkt.String()))
	return nil
}

// nextHop returns the address to deliver a packet for dst to.
func (ifc *Interface) nextHop(dst netip.Addr) (netip.Addr, bool) {
	for _, prefix := range ifc.addrs {
		if prefix.Contains(dst) {
			return dst, true
		}
	}
	return ifc.routes.Lookup(dst)
}

// sourceAddr returns the address to use for outgoing connections.
func (ifc *Interface) sourceAddr() (netip.Addr, bool) {
	for _, prefix := range ifc.addrs {
		if prefix.Addr().Is4() {
			return prefix.Addr(), true
		}
	}
	return netip.Addr{}, false
}

// ephemeralPort allocates a local port not used by any socket.
func (ifc *Interface) ephemeralPort(proto packet.IPProtocol, sockets *SocketSet) (uint16, error) {
	for range 0x10000 - firstEphemeralPort {
		port := ifc.nextport[proto]
		next := port + 1
		if next == 0 {
			next = firstEphemeralPort
		}
		ifc.nextport[proto] = next
		if !sockets.PortInUse(proto, port, -1) {
			return port, nil
		}
	}
	return 0, EADDRINUSE
}

// nextISS returns a TCP initial sequence number.
func (ifc *Interface) nextISS() uint32 {
	return ifc.rng.Uint32()
}

// observeState returns a function logging TCP state changes that
// happened since observeState was called.
func (ifc *Interface) observeState(sock Socket) func() {
	tcp, ok := sock.(*TCPSocket)
	if !ok {
		return func() {}
	}
	before := tcp.State()
	return func() {
		if after := tcp.State(); after != before {
			ifc.debug("tcpStateChange",
				slog.String("localAddr", tcp.LocalEndpoint().String()),
				slog.String("remoteAddr", tcp.RemoteEndpoint().String()),
				slog.String("from", before.String()),
				slog.String("to", after.String()),
			)
		}
	}
}

// debug emits a debug message if we have a logger.
func (ifc *Interface) debug(msg string, args ...any) {
	if ifc.config.Logger != nil {
		ifc.config.Logger.Debug(msg, args...)
	}
}
