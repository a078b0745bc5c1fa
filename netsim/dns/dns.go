// SPDX-License-Identifier: GPL-3.0-or-later

// Package dns models a tiny authoritative DNS database along with
// the client side helpers to query it over a simulated link.
package dns

import (
	"errors"
	"fmt"
	"net/netip"

	"github.com/miekg/dns"
	"github.com/rbmk-project/dnscore"
	"github.com/rbmk-project/linksim/netipx"
)

var (
	// ErrInvalidQuery indicates a query we cannot build or refuse to answer.
	ErrInvalidQuery = errors.New("dns: invalid query")

	// ErrInvalidResponse indicates a response not matching the query.
	ErrInvalidResponse = dnscore.ErrInvalidResponse

	// ErrNoName indicates that the name does not exist.
	ErrNoName = dnscore.ErrNoName

	// ErrServerMisbehaving indicates a response with an rcode other
	// than NOERROR, NXDOMAIN and SERVFAIL.
	ErrServerMisbehaving = dnscore.ErrServerMisbehaving

	// ErrServerTemporarilyMisbehaving indicates a SERVFAIL response.
	ErrServerTemporarilyMisbehaving = dnscore.ErrServerTemporarilyMisbehaving

	// ErrNoData indicates a response without pertinent addresses.
	ErrNoData = dnscore.ErrNoData
)

// Database models the DNS database served by a node.
//
// The zero value is invalid; construct using [NewDatabase].
type Database struct {
	names map[string][]dns.RR
}

// NewDatabase creates a new DNS database.
func NewDatabase() *Database {
	return &Database{
		names: make(map[string][]dns.RR),
	}
}

// AddCNAME adds a CNAME alias.
//
// This method IS NOT goroutine safe.
func (dd *Database) AddCNAME(name, alias string) {
	name = dns.CanonicalName(name)
	header := dns.RR_Header{
		Name:   name,
		Rrtype: dns.TypeCNAME,
		Class:  dns.ClassINET,
		Ttl:    3600,
	}
	rr := &dns.CNAME{
		Hdr:    header,
		Target: dns.CanonicalName(alias),
	}
	dd.names[name] = append(dd.names[name], rr)
}

// AddAddresses adds A/AAAA records mapping the given
// domain names to the given IPv4/IPv6 addresses.
//
// This method IS NOT goroutine safe.
func (dd *Database) AddAddresses(domainNames []string, addresses ...netip.Addr) {
	for _, name := range domainNames {
		name = dns.CanonicalName(name)
		for _, addr := range addresses {
			header := dns.RR_Header{
				Name:  name,
				Class: dns.ClassINET,
				Ttl:   3600,
			}
			var rr dns.RR
			switch {
			case addr.Is4():
				header.Rrtype = dns.TypeA
				rr = &dns.A{Hdr: header, A: netipx.IPFromAddr(addr)}
			default:
				header.Rrtype = dns.TypeAAAA
				rr = &dns.AAAA{Hdr: header, AAAA: netipx.IPFromAddr(addr)}
			}
			dd.names[name] = append(dd.names[name], rr)
		}
	}
}

// Handle parses a raw query and returns the raw response.
//
// Returns [ErrInvalidQuery] for messages that are not a query with
// exactly one question, in which case there is nothing to send back.
func (dd *Database) Handle(rawQuery []byte) ([]byte, error) {
	var (
		response = &dns.Msg{}
		query    = &dns.Msg{}
	)
	if err := query.Unpack(rawQuery); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	if query.Response || query.Opcode != dns.OpcodeQuery || len(query.Question) != 1 {
		return nil, ErrInvalidQuery
	}
	response.SetReply(query)
	response.Authoritative = true

	var (
		q0   = query.Question[0]
		name = dns.CanonicalName(q0.Name)
	)
	switch {
	case q0.Qclass != dns.ClassINET:
		response.Rcode = dns.RcodeRefused
	case q0.Qtype == dns.TypeA ||
		q0.Qtype == dns.TypeAAAA ||
		q0.Qtype == dns.TypeCNAME:
		var found bool
		response.Answer, found = dd.Lookup(q0.Qtype, name)
		if !found {
			response.Rcode = dns.RcodeNameError
		}
	default:
		response.Rcode = dns.RcodeNameError
	}
	return response.Pack()
}

// Lookup returns the records of the given type for a domain name,
// preceded by the CNAME records followed to find them.
func (dd *Database) Lookup(qtype uint16, name string) ([]dns.RR, bool) {
	const maxloops = 10
	var rrs []dns.RR
	name = dns.CanonicalName(name)
	for idx := 0; idx < maxloops; idx++ {

		// Search whether the current name is in the database.
		interim, found := dd.names[name]
		if !found {
			return nil, false
		}

		// Collect the desired records and remember any CNAME.
		var (
			cname   *dns.CNAME
			matched []dns.RR
		)
		for _, rr := range interim {
			if qtype == rr.Header().Rrtype {
				matched = append(matched, rr)
			}
			if rr, ok := rr.(*dns.CNAME); ok && cname == nil {
				cname = rr
			}
		}
		if len(matched) > 0 {
			return append(rrs, matched...), true
		}

		// Otherwise, follow CNAME redirects.
		if cname == nil {
			return nil, false
		}
		rrs = append(rrs, cname)
		name = cname.Target
	}
	return nil, false
}

// NewQuery builds a recursive UDP query for name and returns both
// the message, which [ParseResponse] needs, and its wire format.
func NewQuery(name string, qtype uint16) (*dns.Msg, []byte, error) {
	addr := dnscore.NewServerAddr(dnscore.ProtocolUDP, "")
	query, err := dnscore.NewQueryWithServerAddr(addr, name, qtype)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	raw, err := query.Pack()
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrInvalidQuery, err)
	}
	return query, raw, nil
}

// ParseResponse parses the response to query and returns the A or
// AAAA addresses, depending on the query type, that it contains.
//
// A response whose ID or question does not match the query fails
// with [ErrInvalidResponse].
func ParseResponse(query *dns.Msg, rawResp []byte) ([]netip.Addr, error) {
	resp := &dns.Msg{}
	if err := resp.Unpack(rawResp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if err := dnscore.ValidateResponse(query, resp); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	if err := dnscore.RCodeToError(resp); err != nil {
		return nil, err
	}
	q0 := query.Question[0]
	rrs, err := dnscore.ValidAnswers(q0, resp)
	if err != nil {
		return nil, err
	}
	var addrs []string
	switch q0.Qtype {
	case dns.TypeA:
		addrs, _, err = dnscore.DecodeLookupA(rrs)
	case dns.TypeAAAA:
		addrs, _, err = dnscore.DecodeLookupAAAA(rrs)
	default:
		err = ErrNoData
	}
	if err != nil {
		return nil, err
	}
	out := make([]netip.Addr, 0, len(addrs))
	for _, entry := range addrs {
		addr, err := netip.ParseAddr(entry)
		if err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
		}
		out = append(out, addr)
	}
	return out, nil
}
