//
// SPDX-License-Identifier: GPL-3.0-or-later
//
// Aliases
//

package netsim

import (
	"github.com/rbmk-project/linksim/netsim/dns"
	"github.com/rbmk-project/linksim/netsim/netstack"
	"github.com/rbmk-project/linksim/netsim/node"
)

// Node is an alias for [node.Node].
type Node = node.Node

// SocketHandle is an alias for [netstack.SocketHandle].
type SocketHandle = netstack.SocketHandle

// TCPState is an alias for [netstack.TCPState].
type TCPState = netstack.TCPState

// DNSDatabase is an alias for [dns.Database].
type DNSDatabase = dns.Database

// NewDNSDatabase is an alias for [dns.NewDatabase].
var NewDNSDatabase = dns.NewDatabase
