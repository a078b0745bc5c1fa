// SPDX-License-Identifier: GPL-3.0-or-later

// Package packet contains [*Packet], its wire encoding, and the
// related definitions.
package packet

import (
	"fmt"
	"net"
	"net/netip"
	"strings"
)

// IPProtocol is the protocol number of an IP packet.
type IPProtocol uint8

// String returns the string representation of the IP protocol.
func (p IPProtocol) String() string {
	switch p {
	case IPProtocolTCP:
		return "tcp"

	case IPProtocolUDP:
		return "udp"

	default:
		return "unknown"
	}
}

const (
	// IPProtocolTCP is the TCP protocol number.
	IPProtocolTCP IPProtocol = 6

	// IPProtocolUDP is the UDP protocol number.
	IPProtocolUDP IPProtocol = 17
)

// TCPFlags is a set of TCP flags.
type TCPFlags uint8

// String returns the string representation of the TCP flags.
func (flags TCPFlags) String() string {
	var builder strings.Builder

	if flags&TCPFlagFIN != 0 {
		builder.WriteString("F")
	} else {
		builder.WriteString(".")
	}

	if flags&TCPFlagSYN != 0 {
		builder.WriteString("S")
	} else {
		builder.WriteString(".")
	}

	if flags&TCPFlagRST != 0 {
		builder.WriteString("R")
	} else {
		builder.WriteString(".")
	}

	if flags&TCPFlagPSH != 0 {
		builder.WriteString("P")
	} else {
		builder.WriteString(".")
	}

	if flags&TCPFlagACK != 0 {
		builder.WriteString("A")
	} else {
		builder.WriteString(".")
	}

	return builder.String()
}

const (
	// TCPFlagFIN is the FIN flag.
	TCPFlagFIN = 1

	// TCPFlagSYN is the SYN flag.
	TCPFlagSYN = 2

	// TCPFlagRST is the RST flag.
	TCPFlagRST = 4

	// TCPFlagPSH is the PSH flag.
	TCPFlagPSH = 8

	// TCPFlagACK is the ACK flag.
	TCPFlagACK = 16
)

// DefaultTTL is the TTL used for locally generated packets.
const DefaultTTL = 64

// Packet is a decoded IPv4 packet carrying TCP or UDP.
type Packet struct {
	// TTL is the IP time to live.
	TTL uint8

	// SrcAddr is the source address.
	SrcAddr netip.Addr

	// DstAddr is the destination address.
	DstAddr netip.Addr

	// IPProtocol is the protocol number.
	IPProtocol IPProtocol

	// SrcPort is the source port.
	SrcPort uint16

	// DstPort is the destination port.
	DstPort uint16

	// Flags contains the TCP flags.
	Flags TCPFlags

	// Seq is the TCP sequence number.
	Seq uint32

	// Ack is the TCP acknowledgement number.
	Ack uint32

	// Window is the TCP receive window.
	Window uint16

	// Payload is the packet payload.
	Payload []byte
}

// String returns the string representation of the packet.
func (p *Packet) String() string {
	switch p.IPProtocol {
	case IPProtocolTCP:
		return p.stringTCP()
	default:
		return p.stringOtherwise()
	}
}

// stringOtherwise returns the string representation of the packet for non-TCP protocols.
func (p *Packet) stringOtherwise() string {
	return fmt.Sprintf(
		"%s -> %s %s length=%d",
		net.JoinHostPort(p.SrcAddr.String(), fmt.Sprintf("%d", p.SrcPort)),
		net.JoinHostPort(p.DstAddr.String(), fmt.Sprintf("%d", p.DstPort)),
		p.IPProtocol.String(),
		len(p.Payload),
	)
}

// stringTCP returns the string representation of the packet for TCP protocol.
func (p *Packet) stringTCP() string {
	return fmt.Sprintf(
		"%s -> %s %s flags=%s seq=%d ack=%d win=%d length=%d",
		net.JoinHostPort(p.SrcAddr.String(), fmt.Sprintf("%d", p.SrcPort)),
		net.JoinHostPort(p.DstAddr.String(), fmt.Sprintf("%d", p.DstPort)),
		p.IPProtocol.String(),
		p.Flags.String(),
		p.Seq,
		p.Ack,
		p.Window,
		len(p.Payload),
	)
}

// Reply returns a packet flowing in the opposite direction with
// the addresses and ports swapped and no payload.
func (p *Packet) Reply() *Packet {
	return &Packet{
		TTL:        DefaultTTL,
		SrcAddr:    p.DstAddr,
		DstAddr:    p.SrcAddr,
		IPProtocol: p.IPProtocol,
		SrcPort:    p.DstPort,
		DstPort:    p.SrcPort,
	}
}
