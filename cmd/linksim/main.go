// SPDX-License-Identifier: GPL-3.0-or-later

// Command linksim runs a client and a server node connected by a
// simulated link and prints the outcome of a demo exchange.
//
// Usage:
//
//	linksim [flags]
//
// The -demo flag selects the exchange: "http" sends a request and prints
// the reply, "dns" resolves -name and prints the addresses. The -censor
// flag selects a filter applied to the frames sent by the client: "rst"
// resets the HTTP request, "blackhole" drops it, and "poison" spoofs
// the DNS response.
//
// Logs are emitted as JSON on the standard error. Use -v to also see
// the per-poll and per-frame debug events.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/rbmk-project/linksim/netsim"
	"github.com/rbmk-project/linksim/netsim/censor"
	"github.com/rbmk-project/linksim/netsim/packet"
)

// censoredAddr is the address returned by the poison censor.
var censoredAddr = netip.MustParseAddr("10.10.34.35")

// cliConfig contains the command line configuration.
type cliConfig struct {
	censor        string
	clientAddr    string
	clientGateway string
	clientPort    uint
	delay         time.Duration
	demo          string
	maxSteps      int
	name          string
	prefixLen     int
	seed          uint64
	serverAddr    string
	serverGateway string
	serverPort    uint
	step          time.Duration
	timeout       time.Duration
	verbose       bool
}

// parseFlags parses the command line flags.
func parseFlags(args []string, stderr io.Writer) (*cliConfig, error) {
	client := netsim.NewClientConfig()
	server := netsim.NewExampleComConfig()
	config := &cliConfig{}

	fset := flag.NewFlagSet("linksim", flag.ContinueOnError)
	fset.SetOutput(stderr)

	// Addressing configuration
	fset.StringVar(&config.clientAddr, "client-addr", client.Addr.String(), "Client IPv4 address")
	fset.StringVar(&config.clientGateway, "client-gateway", client.Gateway.String(), "Client default gateway (empty for none)")
	fset.UintVar(&config.clientPort, "client-port", uint(client.Port), "Client TCP port (0 for ephemeral)")
	fset.StringVar(&config.serverAddr, "server-addr", server.Addr.String(), "Server IPv4 address")
	fset.StringVar(&config.serverGateway, "server-gateway", server.Gateway.String(), "Server default gateway (empty for none)")
	fset.UintVar(&config.serverPort, "server-port", uint(server.Port), "Server TCP port")
	fset.IntVar(&config.prefixLen, "prefix-len", client.PrefixLen, "Subnet prefix length of both nodes")

	// Timing configuration
	fset.DurationVar(&config.step, "step", netsim.DefaultPollStep, "Simulated time between polls")
	fset.DurationVar(&config.delay, "delay", 0, "Real time to sleep between polls")
	fset.IntVar(&config.maxSteps, "max-steps", 10*netsim.DefaultMaxSteps, "Maximum number of steps per demo phase")
	fset.DurationVar(&config.timeout, "timeout", time.Minute, "Overall real time timeout")
	fset.Uint64Var(&config.seed, "seed", 0, "Seed for the TCP initial sequence numbers")

	// Demo configuration
	fset.StringVar(&config.demo, "demo", "http", "Demo to run (http, dns)")
	fset.StringVar(&config.name, "name", "www.example.com", "Domain name to resolve with -demo dns")
	fset.StringVar(&config.censor, "censor", "none", "Censorship to apply (none, rst, blackhole, poison)")

	// Logging configuration
	fset.BoolVar(&config.verbose, "v", false, "Enable debug logging")

	if err := fset.Parse(args); err != nil {
		return nil, err
	}
	if fset.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %s", strings.Join(fset.Args(), " "))
	}
	return config, nil
}

// newScenarioConfig validates the CLI configuration and converts it
// into a [*netsim.ScenarioConfig].
func newScenarioConfig(config *cliConfig, logger *slog.Logger) (*netsim.ScenarioConfig, error) {
	if config.clientPort > 65535 || config.serverPort > 65535 {
		return nil, errors.New("ports must be between 0 and 65535")
	}
	if config.step <= 0 {
		return nil, errors.New("step must be positive")
	}
	if config.maxSteps <= 0 {
		return nil, errors.New("max steps must be positive")
	}

	scfg := netsim.NewScenarioConfig()
	scfg.Logger = logger
	scfg.Seed = config.seed
	scfg.PollStep = config.step
	scfg.Delay = config.delay
	scfg.MaxSteps = config.maxSteps

	nodes := []struct {
		node    *netsim.NodeConfig
		addr    string
		gateway string
		port    uint
	}{
		{&scfg.Client, config.clientAddr, config.clientGateway, config.clientPort},
		{&scfg.Server, config.serverAddr, config.serverGateway, config.serverPort},
	}
	for _, entry := range nodes {
		addr, err := netip.ParseAddr(entry.addr)
		if err != nil {
			return nil, err
		}
		entry.node.Addr = addr
		entry.node.Gateway = netip.Addr{}
		if entry.gateway != "" {
			gw, err := netip.ParseAddr(entry.gateway)
			if err != nil {
				return nil, err
			}
			entry.node.Gateway = gw
		}
		entry.node.PrefixLen = config.prefixLen
		entry.node.Port = uint16(entry.port)
	}

	// Serve the resolved name from the server address.
	scfg.Zone = netsim.NewDNSDatabase()
	scfg.Zone.AddAddresses([]string{config.name}, scfg.Server.Addr)

	filter, err := newCensor(config, scfg)
	if err != nil {
		return nil, err
	}
	scfg.Client.Filter = filter
	return scfg, nil
}

// newCensor returns the filter selected by the -censor flag.
func newCensor(config *cliConfig, scfg *netsim.ScenarioConfig) (packet.Filter, error) {
	target := netip.AddrPortFrom(scfg.Server.Addr, scfg.Server.Port)
	pattern := []byte(netsim.HTTPRequestPath)
	switch config.censor {
	case "none":
		return nil, nil
	case "rst":
		return censor.NewTCPResetter(target, pattern), nil
	case "blackhole":
		return censor.NewBlackholer(time.Hour, target, pattern), nil
	case "poison":
		db := netsim.NewDNSDatabase()
		db.AddAddresses([]string{config.name}, censoredAddr)
		return censor.NewDNSPoisoner(db), nil
	default:
		return nil, fmt.Errorf("unknown censor: %q", config.censor)
	}
}

// run runs the command and returns the exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	config, err := parseFlags(args, stderr)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintf(stderr, "linksim: %s\n", err)
		return 2
	}

	level := slog.LevelInfo
	if config.verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(stderr, &slog.HandlerOptions{Level: level}))

	scfg, err := newScenarioConfig(config, logger)
	if err != nil {
		fmt.Fprintf(stderr, "linksim: %s\n", err)
		return 2
	}
	scenario, err := netsim.NewScenario(scfg)
	if err != nil {
		fmt.Fprintf(stderr, "linksim: %s\n", err)
		return 2
	}

	ctx, cancel := context.WithTimeout(ctx, config.timeout)
	defer cancel()

	switch config.demo {
	case "http":
		err = runHTTP(ctx, scenario, stdout)
	case "dns":
		err = runDNS(ctx, scenario, config.name, stdout)
	default:
		err = fmt.Errorf("unknown demo: %q", config.demo)
	}
	fmt.Fprintf(stdout, "steps: %d\n", scenario.Steps())
	if err != nil {
		fmt.Fprintf(stderr, "linksim: %s\n", err)
		return 1
	}
	return 0
}

// runHTTP runs the HTTP demo and prints the reply.
func runHTTP(ctx context.Context, scenario *netsim.Scenario, stdout io.Writer) error {
	reply, err := scenario.RunHTTPDemo(ctx)
	if err != nil {
		return err
	}
	status, _, _ := strings.Cut(reply, "\r\n")
	_, body, _ := strings.Cut(reply, "\r\n\r\n")
	fmt.Fprintf(stdout, "status: %s\n", status)
	fmt.Fprintf(stdout, "body: %s\n", body)
	return nil
}

// runDNS runs the DNS demo and prints the addresses.
func runDNS(ctx context.Context, scenario *netsim.Scenario, name string, stdout io.Writer) error {
	addrs, err := scenario.RunDNSDemo(ctx, name)
	if err != nil {
		return err
	}
	for _, addr := range addrs {
		fmt.Fprintf(stdout, "addr: %s\n", addr)
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
