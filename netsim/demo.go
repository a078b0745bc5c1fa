// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"

	"github.com/rbmk-project/linksim/netsim/netstack"
	"github.com/rbmk-project/linksim/netsim/node"
)

const (
	// DNSPort is the port where the server answers DNS queries.
	DNSPort = 53

	// DNSClientPort is the port the client sends DNS queries from.
	DNSClientPort = 5353

	// HTTPRequestPath is the path requested by [*Scenario.RunHTTPDemo].
	HTTPRequestPath = "/elvis.html"
)

// ErrConnectionClosed indicates that the demo connection closed
// before the exchange completed.
var ErrConnectionClosed = errors.New("netsim: connection closed")

// RunHTTPDemo makes the server listen, connects the client, sends a
// request for [HTTPRequestPath], lets the server reply and returns the
// reply received by the client.
//
// This method may only run once per [*Scenario].
func (s *Scenario) RunHTTPDemo(ctx context.Context) (string, error) {
	var (
		client = s.client
		server = s.server
		ch     = client.AddSocket()
		sh     = server.AddSocket()
	)
	if err := server.SocketListen(sh, s.config.Server.Port); err != nil {
		return "", err
	}
	remote := netip.AddrPortFrom(s.config.Server.Addr, s.config.Server.Port)
	if err := client.SocketConnect(ch, remote, s.config.Client.Port); err != nil {
		return "", err
	}

	// Wait for both ends to be established.
	err := s.RunUntil(ctx, func() bool {
		return closed(client, ch) || (client.SocketStatus(ch) == netstack.TCPStateEstablished &&
			server.SocketStatus(sh) == netstack.TCPStateEstablished)
	})
	if err != nil {
		return "", err
	}
	if closed(client, ch) {
		return "", closedErr(client, ch)
	}
	s.info(ctx, "httpDemoEstablished",
		slog.String("clientState", client.SocketStatus(ch).String()),
		slog.String("serverState", server.SocketStatus(sh).String()),
	)

	// Send the request and wait for the server to receive it.
	if err := client.SendRequest(ch, "GET", HTTPRequestPath); err != nil {
		return "", err
	}
	var request []byte
	err = s.RunUntil(ctx, func() bool {
		_, _ = server.SocketRecv(sh, func(data []byte) int {
			request = append(request[:0], data...)
			return 0
		})
		return len(request) > 0 || closed(client, ch)
	})
	if err != nil {
		return "", err
	}
	if len(request) <= 0 {
		return "", closedErr(client, ch)
	}
	s.info(ctx, "httpDemoRequest", slog.String("request", string(request)))

	// Reply and wait for the client to receive the whole reply.
	if err := server.HandleServer(sh); err != nil {
		return "", err
	}
	var reply []byte
	err = s.RunUntil(ctx, func() bool {
		_, _ = client.SocketRecv(ch, func(data []byte) int {
			reply = append(reply, data...)
			return len(data)
		})
		return len(reply) >= len(node.ServerResponse) || closed(client, ch)
	})
	if err != nil {
		return "", err
	}
	if len(reply) < len(node.ServerResponse) {
		return "", closedErr(client, ch)
	}
	s.info(ctx, "httpDemoReply", slog.String("reply", string(reply)))
	return string(reply), nil
}

// closed returns whether the connection of a socket is gone.
func closed(nd *node.Node, h netstack.SocketHandle) bool {
	return nd.SocketStatus(h) == netstack.TCPStateClosed
}

// closedErr returns the error explaining why a connection closed.
func closedErr(nd *node.Node, h netstack.SocketHandle) error {
	if err := nd.SocketErr(h); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	return ErrConnectionClosed
}

// RunDNSDemo makes the server answer DNS queries from the configured
// zone, then resolves name from the client and returns the addresses
// of the first response received.
//
// This method may only run once per [*Scenario].
func (s *Scenario) RunDNSDemo(ctx context.Context, name string) ([]netip.Addr, error) {
	if s.config.Zone == nil {
		return nil, errors.New("netsim: no DNS zone configured")
	}
	var (
		client = s.client
		server = s.server
		ch     = client.AddUDPSocket()
		sh     = server.AddUDPSocket()
	)
	if err := server.UDPBind(sh, DNSPort); err != nil {
		return nil, err
	}
	if err := client.UDPBind(ch, DNSClientPort); err != nil {
		return nil, err
	}
	id, err := client.SendDNSQuery(ch, netip.AddrPortFrom(s.config.Server.Addr, DNSPort), name)
	if err != nil {
		return nil, err
	}
	var (
		addrs []netip.Addr
		found bool
		rerr  error
	)
	err = s.RunUntil(ctx, func() bool {
		// A full send queue clears on the next poll.
		_ = server.ServeDNS(sh, s.config.Zone)
		addrs, found, rerr = client.RecvDNSResponse(ch, id)
		return found
	})
	if err != nil {
		return nil, err
	}
	if rerr != nil {
		return nil, rerr
	}
	s.info(ctx, "dnsDemoDone", slog.String("name", name), slog.Any("addrs", addrs))
	return addrs, nil
}

// info emits an info message if we have a logger.
func (s *Scenario) info(ctx context.Context, msg string, attrs ...slog.Attr) {
	if s.logger != nil {
		s.logger.LogAttrs(ctx, slog.LevelInfo, msg, attrs...)
	}
}
