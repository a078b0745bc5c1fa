// SPDX-License-Identifier: GPL-3.0-or-later

package netstack_test

import (
	"bytes"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rbmk-project/linksim/netsim/device"
	"github.com/rbmk-project/linksim/netsim/link"
	"github.com/rbmk-project/linksim/netsim/netstack"
	"github.com/rbmk-project/linksim/netsim/packet"
	"github.com/rbmk-project/linksim/netsim/phy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	t0         = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	clientAddr = netip.MustParseAddr("10.0.0.2")
	serverAddr = netip.MustParseAddr("10.0.0.1")
	clientMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	serverMAC  = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
)

// endpoint is one side of a testbed.
type endpoint struct {
	dev     *device.Device
	ifc     *netstack.Interface
	sockets *netstack.SocketSet
}

func newEndpoint(t *testing.T, ch *link.Channel, cfg *netstack.Config, dcfg *device.Config, addr netip.Addr) *endpoint {
	dev := device.New(ch, dcfg)
	ifc, err := netstack.New(cfg, dev, t0)
	require.NoError(t, err)
	ifc.UpdateIPAddrs(func(addrs *[]netip.Prefix) {
		*addrs = append(*addrs, netip.PrefixFrom(addr, 24))
	})
	return &endpoint{dev: dev, ifc: ifc, sockets: netstack.NewSocketSet()}
}

func (ep *endpoint) poll(now time.Time) error {
	_, err := ep.ifc.Poll(now, ep.dev, ep.sockets)
	return err
}

// testbed connects a client and a server endpoint over a link.
type testbed struct {
	t      *testing.T
	now    time.Time
	client *endpoint
	server *endpoint
}

// testbedConfig allows tests to customize a testbed.
type testbedConfig struct {
	clientConfig *netstack.Config
	clientFilter packet.Filter
}

func newTestbed(t *testing.T, tc *testbedConfig) *testbed {
	if tc == nil {
		tc = &testbedConfig{}
	}
	ccfg := tc.clientConfig
	if ccfg == nil {
		ccfg = &netstack.Config{}
	}
	ccfg.HardwareAddr = clientMAC
	ccfg.Seed = 1
	left, right := link.NewConnection()
	return &testbed{
		t:      t,
		now:    t0,
		client: newEndpoint(t, left, ccfg, &device.Config{Filter: tc.clientFilter}, clientAddr),
		server: newEndpoint(t, right, &netstack.Config{HardwareAddr: serverMAC, Seed: 2}, nil, serverAddr),
	}
}

// step polls the client and then the server, advancing the clock.
func (tb *testbed) step() {
	tb.now = tb.now.Add(100 * time.Millisecond)
	require.NoError(tb.t, tb.client.poll(tb.now))
	require.NoError(tb.t, tb.server.poll(tb.now))
}

// runUntil steps until cond holds or fails the test.
func (tb *testbed) runUntil(cond func() bool) {
	for range 200 {
		if cond() {
			return
		}
		tb.step()
	}
	tb.t.Fatal("condition not reached")
}

// connect establishes a connection and returns the socket handles.
func (tb *testbed) connect() (netstack.SocketHandle, netstack.SocketHandle) {
	sh := tb.server.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	require.NoError(tb.t, tb.server.sockets.TCP(sh).Listen(80))
	ch := tb.client.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	require.NoError(tb.t, tb.client.sockets.TCP(ch).Connect(netip.AddrPortFrom(serverAddr, 80), 5000))
	tb.runUntil(func() bool {
		return tb.client.sockets.TCP(ch).State() == netstack.TCPStateEstablished &&
			tb.server.sockets.TCP(sh).State() == netstack.TCPStateEstablished
	})
	return ch, sh
}

// inject delivers pkt to the client as if the server sent it.
func (tb *testbed) inject(pkt *packet.Packet) {
	buf := make([]byte, packet.EncodedLen(phy.MediumEthernet, pkt))
	ethhdr := &packet.Ethernet{Dst: clientMAC, Src: serverMAC}
	require.NoError(tb.t, packet.Encode(buf, phy.MediumEthernet, ethhdr, pkt))
	tb.server.dev.Channel().Write(buf)
}

// capture takes the frame the client sent before the server reads it.
func (tb *testbed) capture() *packet.Packet {
	frame := tb.server.dev.Channel().Read()
	require.NotEmpty(tb.t, frame)
	_, pkt, err := packet.Decode(phy.MediumEthernet, frame)
	require.NoError(tb.t, err)
	return pkt
}

func recvAll(t *testing.T, sock *netstack.TCPSocket) string {
	buf := make([]byte, 4096)
	count, err := sock.RecvSlice(buf)
	require.NoError(t, err)
	return string(buf[:count])
}

func TestTCPStateString(t *testing.T) {
	assert.Equal(t, "CLOSED", netstack.TCPStateClosed.String())
	assert.Equal(t, "SYN-RECEIVED", netstack.TCPStateSynReceived.String())
	assert.Equal(t, "TIME-WAIT", netstack.TCPStateTimeWait.String())
	assert.Equal(t, "UNKNOWN", netstack.TCPState(100).String())
}

func TestNew(t *testing.T) {
	left, _ := link.NewConnection()
	dev := device.New(left, nil)

	t.Run("Ethernet needs a hardware address", func(t *testing.T) {
		_, err := netstack.New(&netstack.Config{}, dev, t0)
		assert.Error(t, err)
	})

	t.Run("negative timeouts are rejected", func(t *testing.T) {
		_, err := netstack.New(&netstack.Config{HardwareAddr: clientMAC, RetransmitTimeout: -1}, dev, t0)
		assert.Error(t, err)
	})

	t.Run("MSS is capped by the MTU", func(t *testing.T) {
		ifc, err := netstack.New(&netstack.Config{HardwareAddr: clientMAC, MSS: 100000}, dev, t0)
		require.NoError(t, err)
		assert.Equal(t, 65535-40, ifc.MSS())
		assert.Equal(t, clientMAC, ifc.HardwareAddr())
	})
}

func TestRoutes(t *testing.T) {
	var routes netstack.Routes
	gw := netip.MustParseAddr("10.0.0.254")

	_, replaced, err := routes.AddDefaultIPv4Route(gw)
	require.NoError(t, err)
	assert.False(t, replaced)

	prev, replaced, err := routes.AddDefaultIPv4Route(netip.MustParseAddr("10.0.0.253"))
	require.NoError(t, err)
	assert.True(t, replaced)
	assert.Equal(t, gw, prev.Gateway)

	_, _, err = routes.Add(netstack.Route{
		Prefix:  netip.MustParsePrefix("192.168.1.77/24"),
		Gateway: netip.MustParseAddr("10.0.0.1"),
	})
	require.NoError(t, err)
	assert.Len(t, routes.All(), 2)

	hop, ok := routes.Lookup(netip.MustParseAddr("192.168.1.5"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.1"), hop)

	hop, ok = routes.Lookup(netip.MustParseAddr("8.8.8.8"))
	require.True(t, ok)
	assert.Equal(t, netip.MustParseAddr("10.0.0.253"), hop)

	_, _, err = routes.AddDefaultIPv4Route(netip.MustParseAddr("2001:db8::1"))
	assert.ErrorIs(t, err, netstack.EINVAL)
}

func TestTCPSocketErrors(t *testing.T) {
	t.Run("listen on port zero", func(t *testing.T) {
		sock := netstack.NewTCPSocket(10, 10)
		assert.ErrorIs(t, sock.Listen(0), netstack.EINVAL)
	})

	t.Run("listen twice", func(t *testing.T) {
		sock := netstack.NewTCPSocket(10, 10)
		require.NoError(t, sock.Listen(80))
		assert.ErrorIs(t, sock.Listen(80), netstack.EISCONN)
		assert.True(t, sock.IsListening())
		assert.True(t, sock.IsOpen())
		assert.False(t, sock.IsActive())
	})

	t.Run("connect to an invalid endpoint", func(t *testing.T) {
		sock := netstack.NewTCPSocket(10, 10)
		assert.ErrorIs(t, sock.Connect(netip.AddrPort{}, 0), netstack.EINVAL)
		assert.ErrorIs(t, sock.Connect(netip.MustParseAddrPort("0.0.0.0:80"), 0), netstack.EINVAL)
		assert.ErrorIs(t, sock.Connect(netip.MustParseAddrPort("[::1]:80"), 0), netstack.EINVAL)
	})

	t.Run("connect while open", func(t *testing.T) {
		sock := netstack.NewTCPSocket(10, 10)
		require.NoError(t, sock.Connect(netip.AddrPortFrom(serverAddr, 80), 0))
		assert.ErrorIs(t, sock.Connect(netip.AddrPortFrom(serverAddr, 80), 0), netstack.EISCONN)
		assert.Equal(t, netstack.TCPStateSynSent, sock.State())
	})

	t.Run("send and recv without a connection", func(t *testing.T) {
		sock := netstack.NewTCPSocket(10, 10)
		_, err := sock.SendSlice([]byte("x"))
		assert.ErrorIs(t, err, netstack.ENOTCONN)
		_, err = sock.RecvSlice(make([]byte, 1))
		assert.ErrorIs(t, err, netstack.ENOTCONN)
		assert.False(t, sock.CanSend())
		assert.False(t, sock.CanRecv())
	})
}

func TestTCPHandshakeAndData(t *testing.T) {
	tb := newTestbed(t, nil)
	ch, sh := tb.connect()
	client, server := tb.client.sockets.TCP(ch), tb.server.sockets.TCP(sh)

	assert.Equal(t, netip.AddrPortFrom(clientAddr, 5000), client.LocalEndpoint())
	assert.Equal(t, netip.AddrPortFrom(serverAddr, 80), server.LocalEndpoint())
	assert.Equal(t, netip.AddrPortFrom(clientAddr, 5000), server.RemoteEndpoint())

	hwaddr, found := tb.server.ifc.Neighbor(clientAddr)
	require.True(t, found)
	assert.Equal(t, clientMAC, hwaddr)

	count, err := client.SendSlice([]byte("GET /elvis.html"))
	require.NoError(t, err)
	assert.Equal(t, 15, count)
	tb.runUntil(server.CanRecv)
	assert.Equal(t, "GET /elvis.html", recvAll(t, server))

	_, err = server.SendSlice([]byte("hello"))
	require.NoError(t, err)
	tb.runUntil(client.CanRecv)
	assert.Equal(t, "hello", recvAll(t, client))

	tb.runUntil(func() bool { return client.SendQueue() == 0 && server.SendQueue() == 0 })
	assert.Zero(t, tb.client.dev.Channel().Overwrites())
	assert.Zero(t, tb.server.dev.Channel().Overwrites())
}

func TestTCPSegmentation(t *testing.T) {
	tb := newTestbed(t, &testbedConfig{clientConfig: &netstack.Config{MSS: 100}})
	ch, sh := tb.connect()
	client, server := tb.client.sockets.TCP(ch), tb.server.sockets.TCP(sh)

	data := make([]byte, 1000)
	for idx := range data {
		data[idx] = byte(idx)
	}
	count, err := client.SendSlice(data)
	require.NoError(t, err)
	require.Equal(t, 1000, count)

	var got []byte
	tb.runUntil(func() bool {
		if server.CanRecv() {
			got = append(got, []byte(recvAll(t, server))...)
		}
		return len(got) >= len(data)
	})
	assert.Equal(t, data, got)
}

func TestTCPClose(t *testing.T) {
	tb := newTestbed(t, nil)
	ch, sh := tb.connect()
	client, server := tb.client.sockets.TCP(ch), tb.server.sockets.TCP(sh)

	client.Close()
	assert.Equal(t, netstack.TCPStateFinWait1, client.State())
	tb.runUntil(func() bool { return server.State() == netstack.TCPStateCloseWait })
	tb.runUntil(func() bool { return client.State() == netstack.TCPStateFinWait2 })

	_, err := server.RecvSlice(make([]byte, 10))
	assert.ErrorIs(t, err, io.EOF)

	server.Close()
	assert.Equal(t, netstack.TCPStateLastAck, server.State())
	tb.runUntil(func() bool { return server.State() == netstack.TCPStateClosed })
	assert.Equal(t, netstack.TCPStateTimeWait, client.State())
	assert.False(t, client.IsOpen())

	tb.runUntil(func() bool { return client.State() == netstack.TCPStateClosed })
	assert.NoError(t, client.Err())
	assert.NoError(t, server.Err())
}

func TestTCPReuseAfterTimeWait(t *testing.T) {
	t.Run("connect", func(t *testing.T) {
		tb := newTestbed(t, nil)
		ch, sh := tb.connect()
		client, server := tb.client.sockets.TCP(ch), tb.server.sockets.TCP(sh)

		client.Close()
		tb.runUntil(func() bool { return server.State() == netstack.TCPStateCloseWait })
		server.Close()
		tb.runUntil(func() bool { return server.State() == netstack.TCPStateClosed })
		require.Equal(t, netstack.TCPStateTimeWait, client.State())

		require.NoError(t, server.Listen(80))
		require.NoError(t, client.Connect(netip.AddrPortFrom(serverAddr, 80), 5000))
		assert.Equal(t, netstack.TCPStateSynSent, client.State())
		tb.runUntil(func() bool {
			return client.State() == netstack.TCPStateEstablished &&
				server.State() == netstack.TCPStateEstablished
		})
		assert.NoError(t, client.Err())
	})

	t.Run("listen", func(t *testing.T) {
		tb := newTestbed(t, nil)
		ch, sh := tb.connect()
		client, server := tb.client.sockets.TCP(ch), tb.server.sockets.TCP(sh)

		server.Close()
		tb.runUntil(func() bool { return client.State() == netstack.TCPStateCloseWait })
		client.Close()
		tb.runUntil(func() bool { return client.State() == netstack.TCPStateClosed })
		require.Equal(t, netstack.TCPStateTimeWait, server.State())

		require.NoError(t, server.Listen(80))
		assert.True(t, server.IsListening())
		require.NoError(t, client.Connect(netip.AddrPortFrom(serverAddr, 80), 0))
		tb.runUntil(func() bool {
			return client.State() == netstack.TCPStateEstablished &&
				server.State() == netstack.TCPStateEstablished
		})
		assert.Equal(t, netip.AddrPortFrom(clientAddr, 49152), server.RemoteEndpoint())
	})
}

func TestTCPRejectedSegment(t *testing.T) {
	// run sends one byte from the client, then delivers a segment lying
	// beyond the client's receive window and returns the client's answer.
	run := func(t *testing.T, level slog.Level) (*netstack.TCPSocket, *packet.Packet, *packet.Packet, string) {
		var logs bytes.Buffer
		logger := slog.New(slog.NewJSONHandler(&logs, &slog.HandlerOptions{Level: level}))
		tb := newTestbed(t, &testbedConfig{clientConfig: &netstack.Config{Logger: logger}})
		ch, _ := tb.connect()
		client := tb.client.sockets.TCP(ch)

		_, err := client.SendSlice([]byte("x"))
		require.NoError(t, err)
		require.NoError(t, tb.client.poll(tb.now))
		sent := tb.capture()

		stale := sent.Reply()
		stale.Flags = packet.TCPFlagPSH | packet.TCPFlagACK
		stale.Seq = sent.Ack + 5000
		stale.Ack = sent.Seq
		stale.Window = 1500
		stale.Payload = []byte("stale")
		tb.inject(stale)
		require.NoError(t, tb.client.poll(tb.now))
		return client, sent, tb.capture(), logs.String()
	}

	t.Run("the client answers with a duplicate ACK", func(t *testing.T) {
		client, sent, answer, _ := run(t, slog.LevelInfo)
		assert.Equal(t, netstack.TCPStateEstablished, client.State())
		assert.Zero(t, client.RecvQueue())
		assert.Equal(t, packet.TCPFlags(packet.TCPFlagACK), answer.Flags)
		assert.Equal(t, sent.Ack, answer.Ack)
		assert.Equal(t, sent.Seq+1, answer.Seq)
		assert.Empty(t, answer.Payload)
	})

	t.Run("rejections are not logged above debug", func(t *testing.T) {
		_, _, _, logs := run(t, slog.LevelInfo)
		assert.Empty(t, logs)

		_, _, _, logs = run(t, slog.LevelDebug)
		assert.Contains(t, logs, `"msg":"tcb:rcv.reject"`)
		assert.Contains(t, logs, `"msg":"tcpSegmentRejected"`)
		assert.NotContains(t, logs, `"level":"ERROR"`)
	})
}

func TestTCPConnectionRefused(t *testing.T) {
	tb := newTestbed(t, nil)
	ch := tb.client.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	client := tb.client.sockets.TCP(ch)
	require.NoError(t, client.Connect(netip.AddrPortFrom(serverAddr, 81), 0))
	tb.runUntil(func() bool { return client.State() == netstack.TCPStateClosed })
	assert.ErrorIs(t, client.Err(), netstack.ECONNREFUSED)
	assert.Equal(t, 1, tb.server.ifc.Stats().Unmatched)
}

func TestTCPEphemeralPort(t *testing.T) {
	tb := newTestbed(t, nil)
	sh := tb.server.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	require.NoError(t, tb.server.sockets.TCP(sh).Listen(80))
	ch := tb.client.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	client := tb.client.sockets.TCP(ch)
	require.NoError(t, client.Connect(netip.AddrPortFrom(serverAddr, 80), 0))
	tb.step()
	assert.Equal(t, uint16(49152), client.LocalEndpoint().Port())
	assert.True(t, tb.client.sockets.PortInUse(packet.IPProtocolTCP, 49152, -1))
	assert.False(t, tb.client.sockets.PortInUse(packet.IPProtocolTCP, 49152, ch))
}

func TestTCPRetransmission(t *testing.T) {
	var dropped int
	dropFirstSYN := packet.FilterFunc(func(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
		if pkt.Flags&packet.TCPFlagSYN != 0 && dropped == 0 {
			dropped++
			return packet.DROP, nil
		}
		return packet.ACCEPT, nil
	})
	tb := newTestbed(t, &testbedConfig{clientFilter: dropFirstSYN})
	start := tb.now
	ch, _ := tb.connect()
	assert.Equal(t, 1, dropped)
	assert.GreaterOrEqual(t, tb.now.Sub(start), netstack.DefaultRetransmitTimeout)
	assert.Equal(t, netstack.TCPStateEstablished, tb.client.sockets.TCP(ch).State())
}

func TestTCPTimeout(t *testing.T) {
	dropAll := packet.FilterFunc(func(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
		return packet.DROP, nil
	})
	tb := newTestbed(t, &testbedConfig{
		clientConfig: &netstack.Config{MaxRetransmits: 2},
		clientFilter: dropAll,
	})
	ch := tb.client.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	client := tb.client.sockets.TCP(ch)
	require.NoError(t, client.Connect(netip.AddrPortFrom(serverAddr, 80), 0))

	var err error
	for range 100 {
		tb.now = tb.now.Add(100 * time.Millisecond)
		if err = tb.client.poll(tb.now); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, netstack.ETIMEDOUT)
	assert.ErrorIs(t, client.Err(), netstack.ETIMEDOUT)
	assert.Equal(t, netstack.TCPStateClosed, client.State())
}

func TestTCPAbort(t *testing.T) {
	tb := newTestbed(t, nil)
	ch, sh := tb.connect()
	client, server := tb.client.sockets.TCP(ch), tb.server.sockets.TCP(sh)

	server.Abort()
	assert.Equal(t, netstack.TCPStateClosed, server.State())
	tb.runUntil(func() bool { return client.State() == netstack.TCPStateClosed })
	assert.ErrorIs(t, client.Err(), netstack.ECONNRESET)
}

func TestPollDelay(t *testing.T) {
	tb := newTestbed(t, nil)
	_, ok := tb.client.ifc.PollDelay(tb.now, tb.client.sockets)
	assert.False(t, ok)

	ch := tb.client.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	require.NoError(t, tb.client.sockets.TCP(ch).Connect(netip.AddrPortFrom(serverAddr, 80), 0))
	delay, ok := tb.client.ifc.PollDelay(tb.now, tb.client.sockets)
	assert.True(t, ok)
	assert.Zero(t, delay)

	require.NoError(t, tb.client.poll(tb.now))
	delay, ok = tb.client.ifc.PollDelay(tb.now, tb.client.sockets)
	assert.True(t, ok)
	assert.Equal(t, netstack.DefaultRetransmitTimeout, delay)
}

func TestUDP(t *testing.T) {
	tb := newTestbed(t, nil)
	sh := tb.server.sockets.Add(netstack.NewUDPSocket(4))
	server := tb.server.sockets.UDP(sh)
	require.NoError(t, server.Bind(53))
	assert.ErrorIs(t, server.Bind(54), netstack.EINVAL)

	ch := tb.client.sockets.Add(netstack.NewUDPSocket(4))
	client := tb.client.sockets.UDP(ch)
	assert.ErrorIs(t, client.SendTo([]byte("x"), netip.AddrPortFrom(serverAddr, 53)), netstack.ENOTCONN)
	require.NoError(t, client.Bind(5353))
	assert.ErrorIs(t, client.SendTo([]byte("x"), netip.AddrPort{}), netstack.EINVAL)
	assert.ErrorIs(t, client.SendTo(make([]byte, netstack.MaxUDPPayload+1), netip.AddrPortFrom(serverAddr, 53)), netstack.EMSGSIZE)

	require.NoError(t, client.SendTo([]byte("hello"), netip.AddrPortFrom(serverAddr, 53)))
	tb.runUntil(server.CanRecv)
	data, peer, ok := server.RecvFrom()
	require.True(t, ok)
	assert.Equal(t, []byte("hello"), data)
	assert.Equal(t, netip.AddrPortFrom(clientAddr, 5353), peer)

	require.NoError(t, server.SendTo([]byte("world"), peer))
	tb.runUntil(client.CanRecv)
	data, peer, ok = client.RecvFrom()
	require.True(t, ok)
	assert.Equal(t, []byte("world"), data)
	assert.Equal(t, netip.AddrPortFrom(serverAddr, 53), peer)

	_, _, ok = client.RecvFrom()
	assert.False(t, ok)
}

func TestUDPSendQueueFull(t *testing.T) {
	sock := netstack.NewUDPSocket(1)
	require.NoError(t, sock.Bind(5353))
	require.NoError(t, sock.SendTo([]byte("a"), netip.AddrPortFrom(serverAddr, 53)))
	assert.False(t, sock.CanSend())
	assert.ErrorIs(t, sock.SendTo([]byte("b"), netip.AddrPortFrom(serverAddr, 53)), netstack.ENOBUFS)
}

func TestIngressErrors(t *testing.T) {
	tb := newTestbed(t, nil)
	tb.client.dev.Channel().Write([]byte("garbage"))
	_, err := tb.server.ifc.Poll(tb.now, tb.server.dev, tb.server.sockets)
	assert.ErrorIs(t, err, packet.ErrTruncated)
	assert.Equal(t, 1, tb.server.ifc.Stats().RxErrors)
}

func TestNoRoute(t *testing.T) {
	tb := newTestbed(t, nil)
	ch := tb.client.sockets.Add(netstack.NewTCPSocket(1500, 1500))
	require.NoError(t, tb.client.sockets.TCP(ch).Connect(netip.MustParseAddrPort("8.8.8.8:53"), 0))
	err := tb.client.poll(tb.now)
	assert.ErrorIs(t, err, netstack.EHOSTUNREACH)

	_, _, err = tb.client.ifc.Routes().AddDefaultIPv4Route(serverAddr)
	require.NoError(t, err)
	tb.now = tb.now.Add(netstack.DefaultRetransmitTimeout)
	assert.NoError(t, tb.client.poll(tb.now))
	assert.False(t, tb.server.dev.Channel().IsEmpty())
}
