// SPDX-License-Identifier: GPL-3.0-or-later

package device_test

import (
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/rbmk-project/linksim/netsim/device"
	"github.com/rbmk-project/linksim/netsim/link"
	"github.com/rbmk-project/linksim/netsim/packet"
	"github.com/rbmk-project/linksim/netsim/phy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// t0 is the fake poll time used by these tests.
var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func newDevicePair(cfg *device.Config) (*device.Device, *device.Device) {
	left, right := link.NewConnection()
	return device.New(left, cfg), device.New(right, nil)
}

func TestDeviceCapabilities(t *testing.T) {
	dev, _ := newDevicePair(nil)
	caps := dev.Capabilities()
	assert.Equal(t, phy.MediumEthernet, caps.Medium)
	assert.Equal(t, 65535, caps.MTU)
}

func TestDeviceReceive(t *testing.T) {
	t.Run("no token pair when the channel is empty", func(t *testing.T) {
		dev, _ := newDevicePair(nil)
		rx, tx, ok := dev.Receive(t0)
		assert.False(t, ok)
		assert.Nil(t, rx)
		assert.Nil(t, tx)
	})

	t.Run("exactly one pair when the channel holds a frame", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		peer.Channel().Write([]byte("frame"))

		rx, tx, ok := dev.Receive(t0)
		require.True(t, ok)
		require.NotNil(t, rx)
		require.NotNil(t, tx)

		var got []byte
		err := rx.Consume(func(buf []byte) error {
			got = append(got, buf...)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte("frame"), got)

		_, _, ok = dev.Receive(t0)
		assert.False(t, ok)
		assert.Equal(t, 1, dev.Stats().RxFrames)
	})

	t.Run("no read until the token is consumed", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		peer.Channel().Write([]byte("frame"))
		_, _, ok := dev.Receive(t0)
		require.True(t, ok)
		assert.False(t, dev.Channel().IsEmpty())
		_, _, ok = dev.Receive(t0)
		assert.True(t, ok)
	})

	t.Run("the paired tx token writes to the peer", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		peer.Channel().Write([]byte("ping"))
		_, tx, ok := dev.Receive(t0)
		require.True(t, ok)
		require.NoError(t, tx.Consume(4, func(buf []byte) error {
			copy(buf, "pong")
			return nil
		}))
		assert.Equal(t, []byte("pong"), peer.Channel().Read())
	})

	t.Run("the rx token returns the callback result", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		peer.Channel().Write([]byte("frame"))
		rx, _, ok := dev.Receive(t0)
		require.True(t, ok)
		expected := errors.New("mocked error")
		err := rx.Consume(func(buf []byte) error { return expected })
		assert.ErrorIs(t, err, expected)
	})
}

func TestDeviceTransmit(t *testing.T) {
	t.Run("zero-filled buffer of the requested length", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		tx, ok := dev.Transmit(t0)
		require.True(t, ok)
		err := tx.Consume(8, func(buf []byte) error {
			assert.Equal(t, make([]byte, 8), buf)
			buf[0] = 0xff
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []byte{0xff, 0, 0, 0, 0, 0, 0, 0}, peer.Channel().Read())
		assert.True(t, dev.Channel().IsEmpty())
		assert.Equal(t, 1, dev.Stats().TxFrames)
	})

	t.Run("nothing is written when the callback fails", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		tx, ok := dev.Transmit(t0)
		require.True(t, ok)
		expected := errors.New("mocked error")
		err := tx.Consume(8, func(buf []byte) error { return expected })
		assert.ErrorIs(t, err, expected)
		assert.True(t, peer.Channel().IsEmpty())
	})

	t.Run("transmit is always available", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		peer.Channel().Write([]byte("unread"))
		_, ok := dev.Transmit(t0)
		assert.True(t, ok)
	})
}

func TestTokenLinearity(t *testing.T) {
	t.Run("rx token", func(t *testing.T) {
		dev, peer := newDevicePair(nil)
		peer.Channel().Write([]byte("frame"))
		rx, _, ok := dev.Receive(t0)
		require.True(t, ok)
		noop := func(buf []byte) error { return nil }
		require.NoError(t, rx.Consume(noop))
		assert.Panics(t, func() { rx.Consume(noop) })
	})

	t.Run("tx token", func(t *testing.T) {
		dev, _ := newDevicePair(nil)
		tx, ok := dev.Transmit(t0)
		require.True(t, ok)
		noop := func(buf []byte) error { return nil }
		require.NoError(t, tx.Consume(1, noop))
		assert.Panics(t, func() { tx.Consume(1, noop) })
	})

	t.Run("failed consumption still uses the token", func(t *testing.T) {
		dev, _ := newDevicePair(nil)
		tx, ok := dev.Transmit(t0)
		require.True(t, ok)
		fail := func(buf []byte) error { return errors.New("mocked error") }
		assert.Error(t, tx.Consume(1, fail))
		assert.Panics(t, func() { tx.Consume(1, fail) })
	})
}

func TestDeviceFilter(t *testing.T) {
	var (
		clientMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}
		serverMAC = net.HardwareAddr{0x02, 0, 0, 0, 0, 0x02}
	)

	newFrame := func(t *testing.T) []byte {
		pkt := &packet.Packet{
			TTL:        packet.DefaultTTL,
			SrcAddr:    netip.MustParseAddr("1.2.3.4"),
			DstAddr:    netip.MustParseAddr("1.2.3.5"),
			IPProtocol: packet.IPProtocolTCP,
			SrcPort:    65000,
			DstPort:    1234,
			Flags:      packet.TCPFlagPSH | packet.TCPFlagACK,
			Payload:    []byte("GET /elvis.html"),
		}
		buf := make([]byte, packet.EncodedLen(phy.MediumEthernet, pkt))
		eth := &packet.Ethernet{Dst: serverMAC, Src: clientMAC}
		require.NoError(t, packet.Encode(buf, phy.MediumEthernet, eth, pkt))
		return buf
	}

	send := func(t *testing.T, dev *device.Device, frame []byte) {
		tx, ok := dev.Transmit(t0)
		require.True(t, ok)
		require.NoError(t, tx.Consume(len(frame), func(buf []byte) error {
			copy(buf, frame)
			return nil
		}))
	}

	t.Run("drop", func(t *testing.T) {
		var seen time.Time
		filter := packet.FilterFunc(func(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
			seen = now
			return packet.DROP, nil
		})
		dev, peer := newDevicePair(&device.Config{Filter: filter})
		send(t, dev, newFrame(t))
		assert.True(t, peer.Channel().IsEmpty())
		assert.Equal(t, t0, seen)
		assert.Equal(t, 1, dev.Stats().Dropped)
		assert.Equal(t, 0, dev.Stats().TxFrames)
	})

	t.Run("reflected injection lands in our own slot", func(t *testing.T) {
		filter := packet.FilterFunc(func(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
			rst := pkt.Reply()
			rst.Flags = packet.TCPFlagRST
			return packet.DROP, []*packet.Packet{rst}
		})
		dev, peer := newDevicePair(&device.Config{Filter: filter})
		send(t, dev, newFrame(t))
		assert.True(t, peer.Channel().IsEmpty())

		eth, pkt, err := packet.Decode(phy.MediumEthernet, dev.Channel().Read())
		require.NoError(t, err)
		assert.Equal(t, clientMAC, eth.Dst)
		assert.Equal(t, serverMAC, eth.Src)
		assert.Equal(t, packet.TCPFlags(packet.TCPFlagRST), pkt.Flags)
		assert.Equal(t, uint16(65000), pkt.DstPort)
		assert.Equal(t, 1, dev.Stats().Injected)
	})

	t.Run("undecodable frames bypass the filter", func(t *testing.T) {
		filter := packet.FilterFunc(func(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
			return packet.DROP, nil
		})
		dev, peer := newDevicePair(&device.Config{Filter: filter})
		send(t, dev, []byte("garbage"))
		assert.Equal(t, []byte("garbage"), peer.Channel().Read())
	})
}
