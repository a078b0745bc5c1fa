// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"bytes"
	"net/netip"
	"time"

	"github.com/rbmk-project/linksim/netsim/packet"
)

// TCPResetter implements RST-based TCP connection interruption.
//
// When configured with a pattern, it only resets connections
// for segments containing that pattern, while allowing empty
// segments (e.g., SYN) to pass through. This enables pattern matching
// on protocol-specific content (e.g., an HTTP request line) while
// allowing the TCP handshake to complete normally.
type TCPResetter struct {
	// target specifies an optional specific endpoint to filter;
	// if zero, applies to all TCP connections.
	target netip.AddrPort

	// pattern is an optional byte pattern to match in payload;
	// if nil, only considers the target (if set).
	pattern []byte
}

// NewTCPResetter creates a new [*TCPResetter].
//
// If target is zero, it applies to all TCP connections.
//
// If pattern is zero-length, it doesn't perform payload matching.
//
// When pattern is set, empty segments are allowed through
// to permit TCP handshakes to complete.
func NewTCPResetter(target netip.AddrPort, pattern []byte) *TCPResetter {
	return &TCPResetter{target: target, pattern: pattern}
}

// Ensure [*TCPResetter] implements [packet.Filter].
var _ packet.Filter = &TCPResetter{}

// Filter implements [packet.Filter].
//
// A matching segment is dropped and replaced by two RST segments: one
// flowing back to the sender and one continuing to the destination.
// Their sequence numbers are those each side expects next, so both
// ends accept them.
func (r *TCPResetter) Filter(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
	// Only process TCP segments not carrying RST or SYN
	if pkt.IPProtocol != packet.IPProtocolTCP {
		return packet.ACCEPT, nil
	}
	if pkt.Flags&(packet.TCPFlagRST|packet.TCPFlagSYN) != 0 {
		return packet.ACCEPT, nil
	}

	// Check if we need to filter a specific endpoint
	if r.target.IsValid() {
		if pkt.DstAddr != r.target.Addr() || pkt.DstPort != r.target.Port() {
			return packet.ACCEPT, nil
		}
	}

	// If we have a pattern, check the payload. Note: we explicitly
	// accept segments with empty payload to allow the TCP handshake
	// to complete before potentially injecting RST.
	if r.pattern != nil {
		if len(pkt.Payload) <= 0 || !bytes.Contains(pkt.Payload, r.pattern) {
			return packet.ACCEPT, nil
		}
	}

	backward := pkt.Reply()
	backward.Flags = packet.TCPFlagRST
	backward.Seq = pkt.Ack

	forward := &packet.Packet{
		TTL:        packet.DefaultTTL,
		SrcAddr:    pkt.SrcAddr,
		DstAddr:    pkt.DstAddr,
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    pkt.SrcPort,
		DstPort:    pkt.DstPort,
		Flags:      packet.TCPFlagRST,
		Seq:        pkt.Seq,
	}
	return packet.DROP, []*packet.Packet{backward, forward}
}
