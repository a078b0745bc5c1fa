//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Wire encoding of Ethernet, IPv4, TCP and UDP.
//

package packet

import (
	"errors"
	"net"
	"net/netip"

	"github.com/rbmk-project/linksim/netsim/phy"
	"github.com/soypat/seqs"
	"github.com/soypat/seqs/eth"
	"golang.org/x/net/ipv4"
)

const (
	// EthernetHeaderLen is the size of an Ethernet II header.
	EthernetHeaderLen = eth.SizeEthernetHeader

	// EtherTypeIPv4 is the EtherType of IPv4.
	EtherTypeIPv4 = uint16(eth.EtherTypeIPv4)

	// TCPHeaderLen is the size of a TCP header without options.
	TCPHeaderLen = eth.SizeTCPHeader

	// UDPHeaderLen is the size of a UDP header.
	UDPHeaderLen = eth.SizeUDPHeader
)

// Bits of the IPv4 flags and fragment offset field.
const (
	ipDontFragment  eth.IPFlags = 0x4000
	ipMoreFragments eth.IPFlags = 0x2000
)

var (
	// ErrTruncated indicates that a frame is shorter than its headers claim.
	ErrTruncated = errors.New("packet: truncated frame")

	// ErrChecksum indicates an invalid IPv4, TCP or UDP checksum.
	ErrChecksum = errors.New("packet: invalid checksum")

	// ErrUnsupported indicates a frame we cannot decode (e.g., IPv6, ARP,
	// IP fragments, or transport protocols other than TCP and UDP).
	ErrUnsupported = errors.New("packet: unsupported frame")

	// ErrShortBuffer indicates that the output buffer is too small.
	ErrShortBuffer = errors.New("packet: short buffer")
)

// BroadcastMAC is the Ethernet broadcast address.
var BroadcastMAC = net.HardwareAddr{0xff, 0xff, 0xff, 0xff, 0xff, 0xff}

// Ethernet is an Ethernet II header carrying IPv4.
type Ethernet struct {
	// Dst is the destination hardware address.
	Dst net.HardwareAddr

	// Src is the source hardware address.
	Src net.HardwareAddr
}

// transportHeaderLen returns the size of the transport header.
func (p *Packet) transportHeaderLen() int {
	switch p.IPProtocol {
	case IPProtocolTCP:
		return TCPHeaderLen
	case IPProtocolUDP:
		return UDPHeaderLen
	default:
		return 0
	}
}

// IPLen returns the size of the IPv4 packet carrying p.
func (p *Packet) IPLen() int {
	return ipv4.HeaderLen + p.transportHeaderLen() + len(p.Payload)
}

// EncodedLen returns the number of bytes [Encode] writes for p.
func EncodedLen(medium phy.Medium, p *Packet) int {
	size := p.IPLen()
	if medium == phy.MediumEthernet {
		size += EthernetHeaderLen
	}
	return size
}

// Encode writes the wire representation of pkt into buf, which
// must be at least [EncodedLen] bytes. The ethhdr argument is only
// used, and must only be non-nil, with [phy.MediumEthernet].
func Encode(buf []byte, medium phy.Medium, ethhdr *Ethernet, pkt *Packet) error {
	if len(buf) < EncodedLen(medium, pkt) {
		return ErrShortBuffer
	}
	if medium == phy.MediumEthernet {
		hdr := eth.EthernetHeader{SizeOrEtherType: EtherTypeIPv4}
		copy(hdr.Destination[:], ethhdr.Dst)
		copy(hdr.Source[:], ethhdr.Src)
		hdr.Put(buf[:EthernetHeaderLen])
		buf = buf[EthernetHeaderLen:]
	}
	return encodeIPv4(buf, pkt)
}

// encodeIPv4 writes the IPv4 header and the transport segment.
func encodeIPv4(buf []byte, pkt *Packet) error {
	if !pkt.SrcAddr.Is4() || !pkt.DstAddr.Is4() {
		return ErrUnsupported
	}
	if pkt.transportHeaderLen() <= 0 {
		return ErrUnsupported
	}
	total := pkt.IPLen()
	if total > 0xffff {
		return ErrUnsupported
	}
	iphdr := eth.IPv4Header{
		VersionAndIHL: ipv4.Version<<4 | ipv4.HeaderLen/4,
		TotalLength:   uint16(total),
		Flags:         ipDontFragment,
		TTL:           pkt.TTL,
		Protocol:      uint8(pkt.IPProtocol),
		Source:        pkt.SrcAddr.As4(),
		Destination:   pkt.DstAddr.As4(),
	}
	iphdr.Checksum = iphdr.CalculateChecksum()
	iphdr.Put(buf[:ipv4.HeaderLen])

	segment := buf[ipv4.HeaderLen:total]
	switch pkt.IPProtocol {
	case IPProtocolTCP:
		encodeTCP(segment, &iphdr, pkt)
	case IPProtocolUDP:
		encodeUDP(segment, &iphdr, pkt)
	}
	return nil
}

// encodeTCP writes a TCP segment without options.
func encodeTCP(seg []byte, iphdr *eth.IPv4Header, pkt *Packet) {
	hdr := eth.TCPHeader{
		SourcePort:      pkt.SrcPort,
		DestinationPort: pkt.DstPort,
		Seq:             seqs.Value(pkt.Seq),
		Ack:             seqs.Value(pkt.Ack),
		WindowSizeRaw:   pkt.Window,
	}
	hdr.SetOffset(TCPHeaderLen / 4)
	hdr.SetFlags(seqs.Flags(pkt.Flags))
	hdr.Checksum = hdr.CalculateChecksumIPv4(iphdr, nil, pkt.Payload)
	hdr.Put(seg[:TCPHeaderLen])
	copy(seg[TCPHeaderLen:], pkt.Payload)
}

// encodeUDP writes a UDP datagram.
func encodeUDP(seg []byte, iphdr *eth.IPv4Header, pkt *Packet) {
	hdr := eth.UDPHeader{
		SourcePort:      pkt.SrcPort,
		DestinationPort: pkt.DstPort,
		Length:          uint16(len(seg)),
	}
	hdr.Checksum = udpChecksum(&hdr, iphdr, pkt.Payload)
	hdr.Put(seg[:UDPHeaderLen])
	copy(seg[UDPHeaderLen:], pkt.Payload)
}

// udpChecksum returns the UDP checksum, where zero means "no checksum"
// and is therefore transmitted as all ones.
func udpChecksum(hdr *eth.UDPHeader, iphdr *eth.IPv4Header, payload []byte) uint16 {
	sum := hdr.CalculateChecksumIPv4(iphdr, payload)
	if sum == 0 {
		sum = 0xffff
	}
	return sum
}

// Decode parses a frame received from a device using the given medium.
//
// The returned [*Ethernet] is nil with [phy.MediumIP]. The returned
// [*Packet] owns its payload, so buf may be reused afterwards.
func Decode(medium phy.Medium, buf []byte) (*Ethernet, *Packet, error) {
	var ethhdr *Ethernet
	if medium == phy.MediumEthernet {
		if len(buf) < EthernetHeaderLen {
			return nil, nil, ErrTruncated
		}
		hdr := eth.DecodeEthernetHeader(buf)
		if hdr.AssertType() != eth.EtherTypeIPv4 {
			return nil, nil, ErrUnsupported
		}
		ethhdr = &Ethernet{
			Dst: append(net.HardwareAddr{}, hdr.Destination[:]...),
			Src: append(net.HardwareAddr{}, hdr.Source[:]...),
		}
		buf = buf[EthernetHeaderLen:]
	}
	pkt, err := decodeIPv4(buf)
	if err != nil {
		return nil, nil, err
	}
	return ethhdr, pkt, nil
}

// decodeIPv4 parses an IPv4 packet carrying TCP or UDP.
func decodeIPv4(buf []byte) (*Packet, error) {
	if len(buf) < ipv4.HeaderLen {
		return nil, ErrTruncated
	}
	iphdr, offset := eth.DecodeIPv4Header(buf)
	if iphdr.Version() != ipv4.Version {
		return nil, ErrUnsupported
	}
	total := int(iphdr.TotalLength)
	if int(offset) < ipv4.HeaderLen || total < int(offset) || total > len(buf) {
		return nil, ErrTruncated
	}

	// A header with a valid checksum, options included, sums to zero.
	var crc eth.CRC791
	crc.Write(buf[:offset])
	if crc.Sum16() != 0 {
		return nil, ErrChecksum
	}
	if iphdr.Flags&ipMoreFragments != 0 || iphdr.Flags.FragmentOffset() != 0 {
		return nil, ErrUnsupported
	}

	pkt := &Packet{
		TTL:        iphdr.TTL,
		SrcAddr:    netip.AddrFrom4(iphdr.Source),
		DstAddr:    netip.AddrFrom4(iphdr.Destination),
		IPProtocol: IPProtocol(iphdr.Protocol),
	}
	segment := buf[offset:total]
	switch pkt.IPProtocol {
	case IPProtocolTCP:
		return pkt, decodeTCP(segment, &iphdr, pkt)
	case IPProtocolUDP:
		return pkt, decodeUDP(segment, &iphdr, pkt)
	default:
		return nil, ErrUnsupported
	}
}

// decodeTCP parses a TCP segment, skipping any option.
func decodeTCP(seg []byte, iphdr *eth.IPv4Header, pkt *Packet) error {
	if len(seg) < TCPHeaderLen {
		return ErrTruncated
	}
	hdr, offset := eth.DecodeTCPHeader(seg)
	if int(offset) < TCPHeaderLen || int(offset) > len(seg) {
		return ErrTruncated
	}
	// The checksum below does not cover the urgent pointer.
	if hdr.UrgentPtr != 0 {
		return ErrUnsupported
	}
	options, payload := seg[TCPHeaderLen:offset], seg[offset:]
	if hdr.CalculateChecksumIPv4(iphdr, options, payload) != hdr.Checksum {
		return ErrChecksum
	}
	pkt.SrcPort = hdr.SourcePort
	pkt.DstPort = hdr.DestinationPort
	pkt.Seq = uint32(hdr.Seq)
	pkt.Ack = uint32(hdr.Ack)
	pkt.Flags = TCPFlags(hdr.Flags() & 0x1f)
	pkt.Window = hdr.WindowSizeRaw
	pkt.Payload = append([]byte{}, payload...)
	return nil
}

// decodeUDP parses a UDP datagram.
func decodeUDP(seg []byte, iphdr *eth.IPv4Header, pkt *Packet) error {
	if len(seg) < UDPHeaderLen {
		return ErrTruncated
	}
	hdr := eth.DecodeUDPHeader(seg)
	if int(hdr.Length) < UDPHeaderLen || int(hdr.Length) != len(seg) {
		return ErrTruncated
	}
	payload := seg[UDPHeaderLen:]
	if hdr.Checksum != 0 && udpChecksum(&hdr, iphdr, payload) != hdr.Checksum {
		return ErrChecksum
	}
	pkt.SrcPort = hdr.SourcePort
	pkt.DstPort = hdr.DestinationPort
	pkt.Payload = append([]byte{}, payload...)
	return nil
}
