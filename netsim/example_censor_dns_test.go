// SPDX-License-Identifier: GPL-3.0-or-later

package netsim_test

import (
	"context"
	"fmt"
	"log"
	"net/netip"
	"time"

	"github.com/rbmk-project/linksim/netsim"
	"github.com/rbmk-project/linksim/netsim/censor"
)

// This example shows how to use [netsim] to simulate GFW-style DNS
// censorship, where poisoned responses are injected before the legitimate
// response arrives. The example demonstrates:
//
// 1. how to configure DNS poisoning using a database
// 2. how to drive the nodes directly using their sockets
// 3. the expected order of responses (poisoned then legitimate)
func Example_censorDNS() {
	// Configure DNS poisoning on the frames sent by the client, thus
	// modeling a censor sitting on the client's access link.
	config := netsim.NewScenarioConfig()
	censorDB := netsim.NewDNSDatabase()
	censorDB.AddAddresses([]string{"www.example.com"}, netip.MustParseAddr("10.10.34.35"))
	config.Client.Filter = censor.NewDNSPoisoner(censorDB)
	scenario := netsim.MustNewScenario(config)

	// Create a context with a watchdog timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	// Create the DNS server socket.
	server := scenario.Server()
	sh := server.AddUDPSocket()
	if err := server.UDPBind(sh, netsim.DNSPort); err != nil {
		log.Fatal(err)
	}

	// Create the client socket and send the query.
	client := scenario.Client()
	ch := client.AddUDPSocket()
	if err := client.UDPBind(ch, netsim.DNSClientPort); err != nil {
		log.Fatal(err)
	}
	serverAddr := netip.AddrPortFrom(config.Server.Addr, netsim.DNSPort)
	id, err := client.SendDNSQuery(ch, serverAddr, "www.example.com")
	if err != nil {
		log.Fatal(err)
	}

	// Print responses as they arrive.
	//
	// We expect:
	//
	// 1. poisoned response (10.10.34.35) injected by the censor
	//
	// 2. legitimate response (93.184.216.34) from the server
	var count int
	err = scenario.RunUntil(ctx, func() bool {
		if err := server.ServeDNS(sh, config.Zone); err != nil {
			log.Fatal(err)
		}
		addrs, found, err := client.RecvDNSResponse(ch, id)
		if !found {
			return false
		}
		if err != nil {
			log.Fatal(err)
		}
		for _, addr := range addrs {
			fmt.Printf("%s\n", addr)
		}
		count++
		return count >= 2
	})
	if err != nil {
		log.Fatal(err)
	}

	// Output:
	// 10.10.34.35
	// 93.184.216.34
}
