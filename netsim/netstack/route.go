// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"fmt"
	"net/netip"
)

// Route is an entry of the [*Routes] table.
type Route struct {
	// Prefix is the destination prefix.
	Prefix netip.Prefix

	// Gateway is the next hop for the prefix.
	Gateway netip.Addr
}

// String returns the string representation of the route.
func (r Route) String() string {
	return fmt.Sprintf("%s via %s", r.Prefix, r.Gateway)
}

// Routes is the routing table of an [*Interface].
type Routes struct {
	entries []Route
}

// defaultIPv4Prefix is the prefix of the IPv4 default route.
var defaultIPv4Prefix = netip.PrefixFrom(netip.IPv4Unspecified(), 0)

// AddDefaultIPv4Route sets the IPv4 default route, replacing any
// previous one, which is returned along with true.
//
// Returns [EINVAL] if the gateway is not a unicast IPv4 address.
func (r *Routes) AddDefaultIPv4Route(gateway netip.Addr) (Route, bool, error) {
	return r.Add(Route{Prefix: defaultIPv4Prefix, Gateway: gateway})
}

// Add adds a route, replacing any previous route for the same
// prefix, which is returned along with true.
func (r *Routes) Add(route Route) (Route, bool, error) {
	gw := route.Gateway
	if !gw.Is4() || gw.IsUnspecified() || gw.IsMulticast() || !route.Prefix.Addr().Is4() {
		return Route{}, false, EINVAL
	}
	route.Prefix = route.Prefix.Masked()
	for idx, entry := range r.entries {
		if entry.Prefix == route.Prefix {
			r.entries[idx] = route
			return entry, true, nil
		}
	}
	r.entries = append(r.entries, route)
	return Route{}, false, nil
}

// All returns a copy of the routes.
func (r *Routes) All() []Route {
	return append([]Route{}, r.entries...)
}

// Lookup returns the gateway of the longest prefix matching dst.
func (r *Routes) Lookup(dst netip.Addr) (netip.Addr, bool) {
	best := -1
	var gateway netip.Addr
	for _, entry := range r.entries {
		if entry.Prefix.Contains(dst) && entry.Prefix.Bits() > best {
			best, gateway = entry.Prefix.Bits(), entry.Gateway
		}
	}
	return gateway, best >= 0
}
