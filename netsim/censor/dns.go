// SPDX-License-Identifier: GPL-3.0-or-later

package censor

import (
	"time"

	"github.com/miekg/dns"
	netsimdns "github.com/rbmk-project/linksim/netsim/dns"
	"github.com/rbmk-project/linksim/netsim/packet"
)

// DNSPoisoner implements GFW-style DNS poisoning.
type DNSPoisoner struct {
	db *netsimdns.Database
}

// NewDNSPoisoner creates a new DNS poisoner that injects
// responses as configured in the given database.
func NewDNSPoisoner(db *netsimdns.Database) *DNSPoisoner {
	return &DNSPoisoner{db: db}
}

// Ensure [*DNSPoisoner] implements [packet.Filter].
var _ packet.Filter = &DNSPoisoner{}

// Filter implements [packet.Filter].
func (p *DNSPoisoner) Filter(now time.Time, pkt *packet.Packet) (packet.Target, []*packet.Packet) {
	// Only process UDP DNS queries
	if pkt.IPProtocol != packet.IPProtocolUDP || pkt.DstPort != 53 {
		return packet.ACCEPT, nil
	}

	// Parse DNS query
	query := new(dns.Msg)
	if err := query.Unpack(pkt.Payload); err != nil {
		return packet.ACCEPT, nil
	}

	// Only process queries
	if query.Response || len(query.Question) != 1 {
		return packet.ACCEPT, nil
	}

	// Let original query continue along with the spoofed response
	return packet.ACCEPT, p.spoof(pkt, query)
}

func (p *DNSPoisoner) spoof(pkt *packet.Packet, query *dns.Msg) []*packet.Packet {
	// Prepare the response
	resp := &dns.Msg{}
	resp.SetReply(query)

	// Get records from database
	q0 := query.Question[0]
	rrs, found := p.db.Lookup(q0.Qtype, q0.Name)
	if !found {
		return nil
	}
	resp.Answer = rrs

	// Pack the response
	payload, err := resp.Pack()
	if err != nil {
		return nil
	}

	// Create the spoofed packet
	spoofed := pkt.Reply()
	spoofed.Payload = payload
	return []*packet.Packet{spoofed}
}
