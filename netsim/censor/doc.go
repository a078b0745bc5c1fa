// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package censor implements common internet censorship techniques for testing.

All filters implement the [packet.Filter] interface, which the device adapter
applies to outbound frames, and can be composed using [packet.Chain] to model
complex censorship scenarios. Filters receive the poll time rather than reading
the wall clock, so they behave deterministically under a simulated clock.

# DNS Response Injection

The [*DNSPoisoner] type implements GFW-style DNS poisoning by injecting spoofed
responses based on a database of poisoned responses. Legitimate responses are
allowed to pass through, thus the client is expected to receive multiple
responses for each censored query and typically picks the spoofed one, which
arrives first.

# TCP Reset Injection

The [*TCPResetter] type implements RST-based connection disruption. It can match
on specific patterns (e.g., an HTTP request line) while allowing TCP handshakes to
complete, modeling how real censors selectively terminate connections based on
application layer content. The offending segment is dropped and both ends receive
a RST they accept as in-window.

# Connection Blackholing

The [*Blackholer] type implements connection blackholing with optional pattern
matching. Once triggered, it blocks all packets for the matching connection
for a configurable duration. This models censors that completely block specific
traffic patterns or endpoints, causing timeouts. In addition, this filter can
remember the blocked five tuples, thus causing residual censorship effects.
*/
package censor
