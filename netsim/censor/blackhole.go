// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/rbmk-project/linksim/netsim/packet"
)

// Blackholer implements connection blackholing with optional pattern matching
// and connection tracking. Once a connection is blackholed, all packets matching
// its five-tuple will be dropped for the configured duration.
//
// Time is the poll time passed to Filter, so blackholing is deterministic
// under simulated clocks. Like the link, this type is not goroutine safe.
type Blackholer struct {
	// target specifies an optional specific endpoint to filter
	// if zero, applies to all connections.
	target netip.AddrPort

	// pattern is an optional byte pattern to match in payload
	// if nil, only considers the target (if set).
	pattern []byte

	// duration specifies how long to maintain blackholing state.
	duration time.Duration

	// blocked tracks blackholed connections using five-tuple.
	blocked map[fiveTuple]time.Time
}

// fiveTuple is the five-tuple identifying a connection.
type fiveTuple struct {
	proto   packet.IPProtocol
	srcAddr netip.Addr
	srcPort uint16
	dstAddr netip.Addr
	dstPort uint16
}

// NewBlackholer creates a new [*Blackholer] instance.
//
// The duration parameter controls how long connections remain blackholed.
//
// If target is zero, it applies to all connections.
//
// If pattern is nil, it doesn't perform payload matching.
func NewBlackholer(duration time.Duration, target netip.AddrPort, pattern []byte) *Blackholer {
	return &Blackholer{
		target:   target,
		pattern:  pattern,
		duration: duration,
		blocked:  make(map[fiveTuple]time.Time),
	}
}

// Ensure [*Blackholer] implements [packet.Filter].
var _ packet.Filter = &Blackholer{}

// Filter implements [packet.Filter].
func (t *Blackholer) Filter(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
	// Check if this connection is already blocked
	tuple := fiveTuple{
		proto:   pkt.IPProtocol,
		srcAddr: pkt.SrcAddr,
		srcPort: pkt.SrcPort,
		dstAddr: pkt.DstAddr,
		dstPort: pkt.DstPort,
	}
	deadline, ok := t.blocked[tuple]
	if ok && now.Before(deadline) {
		return packet.DROP, nil
	}
	if ok {
		delete(t.blocked, tuple)
	}

	// Check if we need to filter specific endpoint
	if t.target.IsValid() {
		if pkt.DstAddr != t.target.Addr() || pkt.DstPort != t.target.Port() {
			return packet.ACCEPT, nil
		}
	}

	// If we have a pattern, check payload
	if t.pattern != nil {
		if len(pkt.Payload) <= 0 || !bytes.Contains(pkt.Payload, t.pattern) {
			return packet.ACCEPT, nil
		}
	}

	// Block this connection
	t.blocked[tuple] = now.Add(t.duration)
	return packet.DROP, nil
}

// Blocked returns the number of five tuples currently tracked.
func (t *Blackholer) Blocked() int {
	return len(t.blocked)
}
