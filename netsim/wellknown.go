//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Well-known host configurations used by the demos and tests.
//

package netsim

import (
	"net"
	"net/netip"
)

// NewExampleComConfig returns the configuration of a server
// simulating www.example.com on port 80.
func NewExampleComConfig() NodeConfig {
	return NodeConfig{
		Name:         "www.example.com",
		Addr:         netip.MustParseAddr("93.184.216.34"),
		PrefixLen:    24,
		Gateway:      netip.MustParseAddr("93.184.216.1"),
		HardwareAddr: net.HardwareAddr{0x02, 0x00, 0x5d, 0xb8, 0xd8, 0x22},
		Port:         80,
	}
}

// NewClientConfig returns the configuration of a client.
//
// We use GARR's (Italian Research & Education Network) public address
// 193.206.158.22 as the default client address. It is chosen over
// documentation ranges (like 192.0.2.0/24) to avoid triggering bogon
// filters, while still being associated with a public research
// institution. Since client and server live in different subnets, the
// traffic flows through the default gateway.
func NewClientConfig() NodeConfig {
	return NodeConfig{
		Name:         "client",
		Addr:         netip.MustParseAddr("193.206.158.22"),
		PrefixLen:    24,
		Gateway:      netip.MustParseAddr("193.206.158.1"),
		HardwareAddr: net.HardwareAddr{0x02, 0x00, 0xc1, 0xce, 0x9e, 0x16},
		Port:         49999,
	}
}

// NewExampleComZone returns a DNS database mapping www.example.com
// and its aliases to [NewExampleComConfig]'s address.
func NewExampleComZone() *DNSDatabase {
	zone := NewDNSDatabase()
	zone.AddAddresses([]string{"example.com"}, NewExampleComConfig().Addr)
	zone.AddCNAME("www.example.com", "example.com")
	zone.AddAddresses([]string{"www.example.org", "example.org"}, NewExampleComConfig().Addr)
	return zone
}

// NewScenarioConfig returns a configuration using [NewClientConfig],
// [NewExampleComConfig] and [NewExampleComZone].
func NewScenarioConfig() *ScenarioConfig {
	return &ScenarioConfig{
		Client: NewClientConfig(),
		Server: NewExampleComConfig(),
		Zone:   NewExampleComZone(),
	}
}
