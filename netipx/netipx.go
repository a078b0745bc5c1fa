// SPDX-License-Identifier: GPL-3.0-or-later

// Package netipx contains [net/netip] extensions.
package netipx

import (
	"net"
	"net/netip"
)

// AddrFromIP converts a [net.IP] to a [netip.Addr].
//
// IPv4-mapped IPv6 addresses, which is what [net.IPv4] returns, are
// converted to plain IPv4 addresses. The boolean is false when the
// input is neither 4 nor 16 bytes long.
func AddrFromIP(ip net.IP) (netip.Addr, bool) {
	addr, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return addr.Unmap(), true
}

// IPFromAddr converts a [netip.Addr] to a [net.IP].
//
// The zero [netip.Addr] maps to a nil [net.IP].
func IPFromAddr(addr netip.Addr) net.IP {
	if !addr.IsValid() {
		return nil
	}
	return net.IP(addr.AsSlice())
}

// PrefixFrom returns the prefix for the given address and length, or
// false if the length is not valid for the address family.
func PrefixFrom(addr netip.Addr, bits int) (netip.Prefix, bool) {
	prefix := netip.PrefixFrom(addr, bits)
	return prefix, prefix.IsValid()
}
