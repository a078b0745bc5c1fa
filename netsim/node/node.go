// SPDX-License-Identifier: GPL-3.0-or-later

// Package node implements a simulated host owning a network interface,
// a link device and a registry of sockets.
//
// A node does nothing on its own: the caller drives it by invoking
// [*Node.Poll] with a monotonically increasing timestamp, usually
// alternating with the peer node sharing the link.
//
// A node is not safe for concurrent use.
package node

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/miekg/dns"
	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/linksim/netipx"
	"github.com/rbmk-project/linksim/netsim/device"
	netsimdns "github.com/rbmk-project/linksim/netsim/dns"
	"github.com/rbmk-project/linksim/netsim/netstack"
	"github.com/rbmk-project/linksim/netsim/packet"
)

const (
	// SocketBufferSize is the size of the rx and tx buffers of the
	// TCP sockets created by [*Node.AddSocket].
	SocketBufferSize = 1500

	// UDPSocketPackets is the number of datagrams queued in each
	// direction by the sockets created by [*Node.AddUDPSocket].
	UDPSocketPackets = 4

	// ServerResponse is the reply sent by [*Node.HandleServer].
	ServerResponse = "HTTP/1.0 200 OK\r\nContent-Type: text/html\r\n\r\n<html>elvis has left the building</html>"
)

// Config contains optional [*Node] settings.
//
// The zero value is ready to use.
type Config struct {
	// Name names the node in the logs.
	Name string

	// Logger is the optional structured logger. If nil, we don't log.
	Logger *slog.Logger
}

// Node is a simulated host.
//
// Construct using [New].
type Node struct {
	dev     *device.Device
	ifc     *netstack.Interface
	logger  *slog.Logger
	name    string
	queries map[uint16]*dns.Msg
	sockets *netstack.SocketSet
}

// New creates a new [*Node] using the given device. A nil config is
// equivalent to a zero-value [Config]. The node is unusable until
// [*Node.AddInterface] is called.
func New(dev *device.Device, config *Config) *Node {
	if config == nil {
		config = &Config{}
	}
	return &Node{
		dev:     dev,
		logger:  config.Logger,
		name:    config.Name,
		queries: make(map[uint16]*dns.Msg),
		sockets: netstack.NewSocketSet(),
	}
}

// Name returns the node name.
func (n *Node) Name() string {
	return n.name
}

// Device returns the device the node uses.
func (n *Node) Device() *device.Device {
	return n.dev
}

// AddInterface creates the node interface. When config.Logger is nil
// the interface logs using the node logger.
//
// This method panics if the config is invalid.
func (n *Node) AddInterface(config *netstack.Config, now time.Time) {
	cfg := *config
	if cfg.Logger == nil && n.logger != nil {
		cfg.Logger = n.logger.With(slog.String("node", n.name))
	}
	n.ifc = runtimex.Try1(netstack.New(&cfg, n.dev, now))
}

// Interface returns the node interface.
//
// This method panics if [*Node.AddInterface] was not called.
func (n *Node) Interface() *netstack.Interface {
	n.mustHaveInterface()
	return n.ifc
}

// mustHaveInterface panics if [*Node.AddInterface] was not called.
func (n *Node) mustHaveInterface() {
	runtimex.Assert(n.ifc != nil, "node: interface not initialized")
}

// SetAddress adds the given address to the interface.
//
// Returns [netstack.EINVAL] if the address and prefix length do
// not form a valid IPv4 prefix.
func (n *Node) SetAddress(addr netip.Addr, prefixLen int) error {
	n.mustHaveInterface()
	prefix, ok := netipx.PrefixFrom(addr, prefixLen)
	if !ok || !addr.Is4() {
		return fmt.Errorf("node: invalid address %s/%d: %w", addr, prefixLen, netstack.EINVAL)
	}
	n.ifc.UpdateIPAddrs(func(addrs *[]netip.Prefix) {
		*addrs = append(*addrs, prefix)
	})
	n.info("nodeSetAddress", slog.String("addr", prefix.String()))
	return nil
}

// AddDefaultRoute sets the IPv4 default gateway.
func (n *Node) AddDefaultRoute(gateway netip.Addr) error {
	n.mustHaveInterface()
	if _, _, err := n.ifc.Routes().AddDefaultIPv4Route(gateway); err != nil {
		return fmt.Errorf("node: invalid gateway %s: %w", gateway, err)
	}
	n.info("nodeAddDefaultRoute", slog.String("gateway", gateway.String()))
	return nil
}

// Poll runs exactly one receive, process and transmit cycle.
//
// The returned error joins the failures of this cycle. Running out of
// capacity is not an error: the stack retries on the next poll.
func (n *Node) Poll(now time.Time) error {
	n.mustHaveInterface()
	_, err := n.ifc.Poll(now, n.dev, n.sockets)
	if err != nil {
		n.warn("pollDone",
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Time("t", now),
		)
	}
	return err
}

// PollDelay returns how long the caller may wait before polling again.
// The boolean is false when no socket has pending work.
func (n *Node) PollDelay(now time.Time) (time.Duration, bool) {
	n.mustHaveInterface()
	return n.ifc.PollDelay(now, n.sockets)
}

// AddSocket creates a TCP socket and returns its handle.
func (n *Node) AddSocket() netstack.SocketHandle {
	n.mustHaveInterface()
	sock := netstack.NewTCPSocket(SocketBufferSize, SocketBufferSize)
	h := n.sockets.Add(sock)
	n.debug("socketAdd", slog.String("handle", h.String()), slog.String("protocol", "tcp"))
	return h
}

// SocketListen makes the socket listen on the given port.
//
// When the socket is already active or listening, we log and return
// nil. Returns [netstack.EADDRINUSE] if another socket uses the port.
func (n *Node) SocketListen(h netstack.SocketHandle, port uint16) error {
	n.mustHaveInterface()
	sock := n.sockets.TCP(h)
	if sock.IsActive() || sock.IsListening() {
		n.info("socketAlreadyListening",
			slog.String("handle", h.String()),
			slog.String("state", sock.State().String()),
		)
		return nil
	}
	if port != 0 && n.sockets.PortInUse(packet.IPProtocolTCP, port, h) {
		return n.socketError("socketListen", h, netstack.EADDRINUSE)
	}
	if err := sock.Listen(port); err != nil {
		return n.socketError("socketListen", h, err)
	}
	n.info("socketListen", slog.String("handle", h.String()), slog.Int("port", int(port)))
	return nil
}

// SocketConnect starts connecting the socket to remote. A zero
// localPort selects an ephemeral port.
//
// When the socket is already open, we log and return nil.
func (n *Node) SocketConnect(h netstack.SocketHandle, remote netip.AddrPort, localPort uint16) error {
	n.mustHaveInterface()
	sock := n.sockets.TCP(h)
	if sock.IsOpen() {
		n.info("socketAlreadyOpen",
			slog.String("handle", h.String()),
			slog.String("state", sock.State().String()),
		)
		return nil
	}
	if localPort != 0 && n.sockets.PortInUse(packet.IPProtocolTCP, localPort, h) {
		return n.socketError("socketConnect", h, netstack.EADDRINUSE)
	}
	if err := sock.Connect(remote, localPort); err != nil {
		return n.socketError("socketConnect", h, err)
	}
	n.info("socketConnect",
		slog.String("handle", h.String()),
		slog.String("remoteAddr", remote.String()),
		slog.Int("localPort", int(localPort)),
	)
	return nil
}

// SocketSend enqueues data for sending and returns the number of
// bytes enqueued, which may be less than len(data).
//
// When the socket cannot send, we log and return zero and nil.
func (n *Node) SocketSend(h netstack.SocketHandle, data []byte) (int, error) {
	n.mustHaveInterface()
	sock := n.sockets.TCP(h)
	if !sock.CanSend() {
		n.info("socketCannotSend",
			slog.String("handle", h.String()),
			slog.String("state", sock.State().String()),
		)
		return 0, nil
	}
	count, err := sock.SendSlice(data)
	if err != nil {
		return 0, n.socketError("socketSend", h, err)
	}
	n.debug("socketSend", slog.String("handle", h.String()), slog.Int("ioBytesCount", count))
	return count, nil
}

// SocketRecv calls fn with the received bytes and dequeues the number
// of bytes fn returns, which is also returned.
//
// When the socket cannot receive, we log and return zero and nil.
func (n *Node) SocketRecv(h netstack.SocketHandle, fn func(data []byte) int) (int, error) {
	n.mustHaveInterface()
	sock := n.sockets.TCP(h)
	if !sock.CanRecv() {
		n.debug("socketCannotRecv",
			slog.String("handle", h.String()),
			slog.String("state", sock.State().String()),
		)
		return 0, nil
	}
	count, err := sock.Recv(fn)
	if err != nil {
		return 0, n.socketError("socketRecv", h, err)
	}
	n.debug("socketRecv", slog.String("handle", h.String()), slog.Int("ioBytesCount", count))
	return count, nil
}

// SocketStatus returns the TCP state of the socket.
func (n *Node) SocketStatus(h netstack.SocketHandle) netstack.TCPState {
	n.mustHaveInterface()
	return n.sockets.TCP(h).State()
}

// SocketErr returns the error that closed the socket connection,
// such as [netstack.ECONNRESET], or nil.
func (n *Node) SocketErr(h netstack.SocketHandle) error {
	n.mustHaveInterface()
	return n.sockets.TCP(h).Err()
}

// SocketClose starts closing the socket.
func (n *Node) SocketClose(h netstack.SocketHandle) {
	n.mustHaveInterface()
	n.sockets.TCP(h).Close()
	n.debug("socketClose", slog.String("handle", h.String()))
}

// SendRequest sends a "{method} {path}" request using the socket.
//
// Returns an error wrapping [netstack.ENOBUFS] if the socket cannot
// enqueue the whole request.
func (n *Node) SendRequest(h netstack.SocketHandle, method, path string) error {
	request := fmt.Sprintf("%s %s", method, path)
	return n.sendAll(h, []byte(request))
}

// HandleServer consumes the pending request bytes, if any, and
// replies with [ServerResponse]. Like [*Node.SendRequest], it fails
// when the socket cannot enqueue the whole reply.
func (n *Node) HandleServer(h netstack.SocketHandle) error {
	var request string
	count, err := n.SocketRecv(h, func(data []byte) int {
		request = string(data)
		return len(data)
	})
	if err != nil {
		return err
	}
	if count <= 0 {
		return nil
	}
	n.info("serverRequest", slog.String("handle", h.String()), slog.String("request", request))
	return n.sendAll(h, []byte(ServerResponse))
}

// sendAll enqueues data and fails if the socket takes only part of it.
func (n *Node) sendAll(h netstack.SocketHandle, data []byte) error {
	count, err := n.SocketSend(h, data)
	if err != nil {
		return err
	}
	if count < len(data) {
		n.info("socketShortSend",
			slog.String("handle", h.String()),
			slog.Int("ioBytesCount", count),
			slog.Int("ioBytesWanted", len(data)),
		)
		return fmt.Errorf("node: short send (%d of %d bytes): %w", count, len(data), netstack.ENOBUFS)
	}
	return nil
}

// AddUDPSocket creates a UDP socket and returns its handle.
func (n *Node) AddUDPSocket() netstack.SocketHandle {
	n.mustHaveInterface()
	h := n.sockets.Add(netstack.NewUDPSocket(UDPSocketPackets))
	n.debug("socketAdd", slog.String("handle", h.String()), slog.String("protocol", "udp"))
	return h
}

// UDPBind binds the UDP socket to the given port.
func (n *Node) UDPBind(h netstack.SocketHandle, port uint16) error {
	n.mustHaveInterface()
	if port != 0 && n.sockets.PortInUse(packet.IPProtocolUDP, port, h) {
		return n.socketError("udpBind", h, netstack.EADDRINUSE)
	}
	if err := n.sockets.UDP(h).Bind(port); err != nil {
		return n.socketError("udpBind", h, err)
	}
	n.info("udpBind", slog.String("handle", h.String()), slog.Int("port", int(port)))
	return nil
}

// SendDNSQuery sends an A query for name to server and returns the
// query ID to pass to [*Node.RecvDNSResponse].
//
// The node remembers the query, so that [*Node.RecvDNSResponse] can
// match every response to it, including duplicates.
func (n *Node) SendDNSQuery(h netstack.SocketHandle, server netip.AddrPort, name string) (uint16, error) {
	n.mustHaveInterface()
	query, raw, err := netsimdns.NewQuery(name, dns.TypeA)
	if err != nil {
		return 0, n.socketError("dnsQuery", h, err)
	}
	if err := n.sockets.UDP(h).SendTo(raw, server); err != nil {
		return 0, n.socketError("dnsQuery", h, err)
	}
	id := query.Id
	n.queries[id] = query
	n.info("dnsQuery",
		slog.String("handle", h.String()),
		slog.String("serverAddr", server.String()),
		slog.String("name", name),
		slog.Int("id", int(id)),
	)
	return id, nil
}

// ServeDNS answers the queries pending on the socket using db.
//
// Invalid queries are logged and ignored.
func (n *Node) ServeDNS(h netstack.SocketHandle, db *netsimdns.Database) error {
	n.mustHaveInterface()
	sock := n.sockets.UDP(h)
	for {
		query, peer, ok := sock.RecvFrom()
		if !ok {
			return nil
		}
		resp, err := db.Handle(query)
		if err != nil {
			n.info("dnsInvalidQuery",
				slog.String("handle", h.String()),
				slog.String("remoteAddr", peer.String()),
				slog.Any("err", err),
				slog.String("errClass", errclass.New(err)),
			)
			continue
		}
		if err := sock.SendTo(resp, peer); err != nil {
			return n.socketError("dnsResponse", h, err)
		}
		n.debug("dnsResponse", slog.String("handle", h.String()), slog.String("remoteAddr", peer.String()))
	}
}

// RecvDNSResponse reads the response to the query with the given ID.
// The boolean is false when no response is available yet. Datagrams
// that do not parse as a response to that query are skipped.
//
// This method panics if [*Node.SendDNSQuery] did not return the ID.
func (n *Node) RecvDNSResponse(h netstack.SocketHandle, id uint16) ([]netip.Addr, bool, error) {
	n.mustHaveInterface()
	query, found := n.queries[id]
	runtimex.Assert(found, "node: unknown DNS query ID")
	sock := n.sockets.UDP(h)
	for {
		raw, peer, ok := sock.RecvFrom()
		if !ok {
			return nil, false, nil
		}
		addrs, err := netsimdns.ParseResponse(query, raw)
		n.info("dnsResponseDone",
			slog.String("handle", h.String()),
			slog.String("remoteAddr", peer.String()),
			slog.Any("addrs", addrs),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
		)
		if errors.Is(err, netsimdns.ErrInvalidResponse) {
			continue
		}
		return addrs, true, err
	}
}

// socketError logs a socket operation failure and returns err.
func (n *Node) socketError(op string, h netstack.SocketHandle, err error) error {
	n.info(op,
		slog.String("handle", h.String()),
		slog.Any("err", err),
		slog.String("errClass", errclass.New(err)),
	)
	return err
}

func (n *Node) debug(msg string, attrs ...slog.Attr) {
	n.log(slog.LevelDebug, msg, attrs...)
}

func (n *Node) info(msg string, attrs ...slog.Attr) {
	n.log(slog.LevelInfo, msg, attrs...)
}

func (n *Node) warn(msg string, attrs ...slog.Attr) {
	n.log(slog.LevelWarn, msg, attrs...)
}

// log emits a log message if we have a logger.
func (n *Node) log(level slog.Level, msg string, attrs ...slog.Attr) {
	if n.logger != nil {
		attrs = append([]slog.Attr{slog.String("node", n.name)}, attrs...)
		n.logger.LogAttrs(context.Background(), level, msg, attrs...)
	}
}
