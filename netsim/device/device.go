// SPDX-License-Identifier: GPL-3.0-or-later

// Package device adapts a [*link.Channel] to the [phy.Device] contract.
//
// Readiness is derived from the channel occupancy alone: receiving is
// possible when the channel holds a frame and transmitting is always
// possible. This models a lossy, single-slot, always-writable medium
// which is enough to drive a stack's state machines.
//
// Tokens are single use. Consuming a token twice is a programming
// error and panics.
package device

import (
	"context"
	"log/slog"
	"time"

	"github.com/rbmk-project/linksim/netsim/link"
	"github.com/rbmk-project/linksim/netsim/packet"
	"github.com/rbmk-project/linksim/netsim/phy"
)

// MTU is the maximum transmission unit of a [*Device].
const MTU = 65535

// Config contains optional settings for a [*Device].
//
// The zero value is ready to use.
type Config struct {
	// Filter optionally inspects outbound frames and may drop them or
	// inject additional frames, e.g., to model censorship.
	Filter packet.Filter

	// Logger is the optional structured logger for tracing token
	// consumption and frames. If nil, we don't log.
	Logger *slog.Logger

	// Name optionally names the device in the logs.
	Name string
}

// Device implements [phy.Device] using a [*link.Channel].
//
// Like the channel, a device is not safe for concurrent use.
type Device struct {
	// ch is the channel we read from and write through.
	ch *link.Channel

	// filter is the optional outbound filter.
	filter packet.Filter

	// logger is the optional logger.
	logger *slog.Logger

	// name is the device name used in logs.
	name string

	// stats contains the device counters.
	stats Stats
}

// Stats contains [*Device] counters.
type Stats struct {
	// RxFrames counts the frames read from the channel.
	RxFrames int

	// TxFrames counts the frames written to the channel.
	TxFrames int

	// Dropped counts the outbound frames dropped by the filter.
	Dropped int

	// Injected counts the frames injected by the filter.
	Injected int
}

// New creates a new [*Device] bound to the given channel. A nil
// config is equivalent to a zero-value [Config].
func New(ch *link.Channel, config *Config) *Device {
	if config == nil {
		config = &Config{}
	}
	return &Device{
		ch:     ch,
		filter: config.Filter,
		logger: config.Logger,
		name:   config.Name,
	}
}

// Ensure [*Device] implements [phy.Device].
var _ phy.Device = &Device{}

// Capabilities implements [phy.Device].
func (d *Device) Capabilities() phy.Capabilities {
	return phy.Capabilities{
		Medium: phy.MediumEthernet,
		MTU:    MTU,
	}
}

// Receive implements [phy.Device].
//
// Returns false when the channel is empty. The frame is only read
// when the returned [*RxToken] is consumed.
func (d *Device) Receive(now time.Time) (phy.RxToken, phy.TxToken, bool) {
	if d.ch.IsEmpty() {
		return nil, nil, false
	}
	return &RxToken{dev: d, now: now}, &TxToken{dev: d, now: now}, true
}

// Transmit implements [phy.Device].
//
// This method always succeeds since a write never blocks.
func (d *Device) Transmit(now time.Time) (phy.TxToken, bool) {
	return &TxToken{dev: d, now: now}, true
}

// Channel returns the underlying channel.
func (d *Device) Channel() *link.Channel {
	return d.ch
}

// Stats returns a copy of the device counters.
func (d *Device) Stats() Stats {
	return d.stats
}

// read reads a frame from the channel.
func (d *Device) read() []byte {
	frame := d.ch.Read()
	d.stats.RxFrames++
	d.debug("deviceRead", slog.Int("frameSize", len(frame)))
	return frame
}

// write applies the filter and writes a frame to the channel.
func (d *Device) write(now time.Time, frame []byte) {
	accept, forward := true, [][]byte(nil)
	if d.filter != nil {
		accept, forward = d.applyFilter(now, frame)
	}
	if accept {
		d.writeFrame(frame)
	}
	for _, extra := range forward {
		d.writeFrame(extra)
	}
}

// writeFrame writes a frame to the peer, logging any loss.
func (d *Device) writeFrame(frame []byte) {
	if !d.ch.Buddy().IsEmpty() {
		d.warn("deviceOverwrite", slog.Int("lostFrameSize", d.ch.Buddy().Pending()))
	}
	d.ch.Write(frame)
	d.stats.TxFrames++
	d.debug("deviceWrite", slog.Int("frameSize", len(frame)))
}

// applyFilter runs the filter and returns whether to write the frame
// along with the injected frames to forward to the peer.
//
// Frames we cannot decode bypass the filter. Injected packets flowing
// back to the sender are written into our own slot right away. The
// others are returned and written after the original frame, so they
// replace it on the single-slot link.
func (d *Device) applyFilter(now time.Time, frame []byte) (bool, [][]byte) {
	eth, pkt, err := packet.Decode(phy.MediumEthernet, frame)
	if err != nil {
		return true, nil
	}
	target, injected := d.filter.Filter(now, pkt)
	accept := target != packet.DROP
	if !accept {
		d.stats.Dropped++
		d.debug("deviceFilterDrop", slog.String("packet", pkt.String()))
	}
	var forward [][]byte
	for _, extra := range injected {
		reflected := extra.DstAddr == pkt.SrcAddr
		hdr := &packet.Ethernet{Dst: eth.Dst, Src: eth.Src}
		if reflected {
			hdr = &packet.Ethernet{Dst: eth.Src, Src: eth.Dst}
		}
		buf := make([]byte, packet.EncodedLen(phy.MediumEthernet, extra))
		if err := packet.Encode(buf, phy.MediumEthernet, hdr, extra); err != nil {
			continue
		}
		d.stats.Injected++
		d.debug("deviceFilterInject", slog.String("packet", extra.String()), slog.Bool("reflected", reflected))
		if !reflected {
			forward = append(forward, buf)
			continue
		}
		d.ch.Buddy().Write(buf)
	}
	return accept, forward
}

func (d *Device) debug(msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelDebug, msg, append(attrs, slog.String("device", d.name))...)
	}
}

func (d *Device) warn(msg string, attrs ...slog.Attr) {
	if d.logger != nil {
		d.logger.LogAttrs(context.Background(), slog.LevelWarn, msg, append(attrs, slog.String("device", d.name))...)
	}
}
