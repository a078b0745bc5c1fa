// SPDX-License-Identifier: GPL-3.0-or-later

/*
Package netsim provides a simple network simulation framework where two
poll-driven TCP/IP stacks exchange frames over an in-memory link.

# Usage and Features

The [NewScenario] function creates a client and a server [*Node], each
owning a [netstack.Interface] bound to one end of a [link.Channel] pair
through a [device.Device]. Nothing happens in the background: the caller
advances the simulation with [*Scenario.Step], which polls the client and
then the server using a simulated clock, or with [*Scenario.RunUntil],
which steps until a condition holds.

Each direction of the link holds at most one frame and a write replaces
any unread frame. Because each poll first reads and then writes at most
one frame, strictly alternating polls never lose a frame.

The [*Scenario.RunHTTPDemo] and [*Scenario.RunDNSDemo] methods exchange
a toy HTTP request and a DNS query between the nodes. Setting a
[NodeConfig] Filter lets the [netsim/censor] filters drop, reset, or
spoof the traffic a node sends.

The errors returned by the sockets are the same [syscall.Errno] the
kernel would generate in similar cases (we use the [x/sys] repository
to pull system-dependent error values).

This package contains examples showing how to use it.

# Design Documents

This package is experimental and has no design documents for now.
*/
package netsim
