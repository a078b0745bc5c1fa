// SPDX-License-Identifier: GPL-3.0-or-later

package netsim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/rbmk-project/common/errclass"
	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/linksim/netsim/device"
	"github.com/rbmk-project/linksim/netsim/link"
	"github.com/rbmk-project/linksim/netsim/netstack"
	"github.com/rbmk-project/linksim/netsim/node"
	"github.com/rbmk-project/linksim/netsim/packet"
)

const (
	// DefaultPollStep is the default simulated time between steps.
	DefaultPollStep = 10 * time.Millisecond

	// DefaultMaxSteps is the default bound on the steps of
	// [*Scenario.RunUntil].
	DefaultMaxSteps = 1000
)

// ErrMaxSteps indicates that [*Scenario.RunUntil] gave up.
var ErrMaxSteps = errors.New("netsim: too many steps")

// NodeConfig contains the configuration of a node.
type NodeConfig struct {
	// Name names the node in the logs.
	Name string

	// Addr is the mandatory IPv4 address of the node.
	Addr netip.Addr

	// PrefixLen is the length of the subnet prefix.
	PrefixLen int

	// Gateway is the optional default gateway.
	Gateway netip.Addr

	// HardwareAddr is the mandatory Ethernet address.
	HardwareAddr net.HardwareAddr

	// Port is the TCP port used by the demos: the server listens
	// on it and the client connects from it (zero means ephemeral).
	Port uint16

	// Filter optionally filters the frames sent by the node.
	Filter packet.Filter
}

// validate returns an error if the configuration is not valid.
func (cfg *NodeConfig) validate() error {
	if !cfg.Addr.Is4() {
		return fmt.Errorf("netsim: node %q: need an IPv4 address", cfg.Name)
	}
	if cfg.PrefixLen < 0 || cfg.PrefixLen > 32 {
		return fmt.Errorf("netsim: node %q: invalid prefix length %d", cfg.Name, cfg.PrefixLen)
	}
	if cfg.Gateway.IsValid() && !cfg.Gateway.Is4() {
		return fmt.Errorf("netsim: node %q: need an IPv4 gateway", cfg.Name)
	}
	if len(cfg.HardwareAddr) != 6 {
		return fmt.Errorf("netsim: node %q: need a 6-byte hardware address", cfg.Name)
	}
	return nil
}

// ScenarioConfig contains the configuration of a [*Scenario].
type ScenarioConfig struct {
	// Client configures the client node.
	Client NodeConfig

	// Server configures the server node.
	Server NodeConfig

	// Logger is the optional structured logger. If nil, we don't log.
	Logger *slog.Logger

	// Seed seeds the TCP initial sequence numbers. The server uses
	// Seed+1 so that the two nodes differ.
	Seed uint64

	// Start is the initial simulated time. Zero means the Unix epoch.
	Start time.Time

	// PollStep is the simulated time between steps. Zero means
	// [DefaultPollStep].
	PollStep time.Duration

	// Delay is the optional real time to sleep between steps, which
	// is useful to watch a scenario unfold.
	Delay time.Duration

	// MaxSteps bounds [*Scenario.RunUntil]. Zero means [DefaultMaxSteps].
	MaxSteps int

	// Zone is the optional DNS database the server answers from.
	Zone *DNSDatabase
}

// validate returns an error if the configuration is not valid.
func (cfg *ScenarioConfig) validate() error {
	if err := cfg.Client.validate(); err != nil {
		return err
	}
	if err := cfg.Server.validate(); err != nil {
		return err
	}
	if cfg.Client.Addr == cfg.Server.Addr {
		return errors.New("netsim: client and server share the same address")
	}
	if cfg.PollStep < 0 || cfg.Delay < 0 || cfg.MaxSteps < 0 {
		return errors.New("netsim: negative timing parameter")
	}
	return nil
}

// Scenario is a client and a server node connected by a link.
//
// Construct using [NewScenario] or [MustNewScenario].
//
// A scenario is not safe for concurrent use.
type Scenario struct {
	client *node.Node
	config ScenarioConfig
	logger *slog.Logger
	now    time.Time
	server *node.Node
	steps  int
}

// NewScenario creates the link, the devices and the nodes, and
// configures addresses and routes.
func NewScenario(config *ScenarioConfig) (*Scenario, error) {
	if err := config.validate(); err != nil {
		return nil, err
	}
	cfg := *config
	if cfg.PollStep == 0 {
		cfg.PollStep = DefaultPollStep
	}
	if cfg.MaxSteps == 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Start.IsZero() {
		cfg.Start = time.Unix(0, 0).UTC()
	}
	left, right := link.NewConnection()
	client, err := newNode(left, &cfg.Client, cfg.Logger, cfg.Seed, cfg.Start)
	if err != nil {
		return nil, err
	}
	server, err := newNode(right, &cfg.Server, cfg.Logger, cfg.Seed+1, cfg.Start)
	if err != nil {
		return nil, err
	}
	return &Scenario{
		client: client,
		config: cfg,
		logger: cfg.Logger,
		now:    cfg.Start,
		server: server,
	}, nil
}

// MustNewScenario is like [NewScenario] but panics on error.
func MustNewScenario(config *ScenarioConfig) *Scenario {
	return runtimex.Try1(NewScenario(config))
}

// newNode creates and configures a node bound to ch.
func newNode(ch *link.Channel, cfg *NodeConfig, logger *slog.Logger, seed uint64, now time.Time) (*node.Node, error) {
	dev := device.New(ch, &device.Config{
		Filter: cfg.Filter,
		Logger: logger,
		Name:   cfg.Name,
	})
	nd := node.New(dev, &node.Config{Name: cfg.Name, Logger: logger})
	nd.AddInterface(&netstack.Config{HardwareAddr: cfg.HardwareAddr, Seed: seed}, now)
	if err := nd.SetAddress(cfg.Addr, cfg.PrefixLen); err != nil {
		return nil, err
	}
	if cfg.Gateway.IsValid() {
		if err := nd.AddDefaultRoute(cfg.Gateway); err != nil {
			return nil, err
		}
	}
	return nd, nil
}

// Client returns the client node.
func (s *Scenario) Client() *node.Node {
	return s.client
}

// Server returns the server node.
func (s *Scenario) Server() *node.Node {
	return s.server
}

// Now returns the current simulated time.
func (s *Scenario) Now() time.Time {
	return s.now
}

// Steps returns the number of steps run so far.
func (s *Scenario) Steps() int {
	return s.steps
}

// Step advances the simulated time and polls the client and then
// the server exactly once. A frame the client sends is thus read by
// the server within the same step.
func (s *Scenario) Step(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.now = s.now.Add(s.config.PollStep)
	s.steps++
	err := errors.Join(s.client.Poll(s.now), s.server.Poll(s.now))
	if s.logger != nil {
		s.logger.DebugContext(ctx, "scenarioStep",
			slog.Int("step", s.steps),
			slog.String("clientDevice", s.describe(s.client)),
			slog.String("serverDevice", s.describe(s.server)),
			slog.Any("err", err),
			slog.String("errClass", errclass.New(err)),
			slog.Time("t", s.now),
		)
	}
	return err
}

// describe summarizes the device counters of a node for the logs.
func (s *Scenario) describe(nd *node.Node) string {
	st := nd.Device().Stats()
	return fmt.Sprintf("rx=%d tx=%d dropped=%d injected=%d", st.RxFrames, st.TxFrames, st.Dropped, st.Injected)
}

// RunUntil steps until cond returns true. It returns [ErrMaxSteps]
// when the configured number of steps elapses first, the context
// error on cancellation, and the first polling error otherwise.
func (s *Scenario) RunUntil(ctx context.Context, cond func() bool) error {
	for start := s.steps; !cond(); {
		if s.steps-start >= s.config.MaxSteps {
			return ErrMaxSteps
		}
		if err := s.sleep(ctx); err != nil {
			return err
		}
		if err := s.Step(ctx); err != nil {
			return err
		}
	}
	return nil
}

// sleep waits for the configured real-time delay.
func (s *Scenario) sleep(ctx context.Context) error {
	if s.config.Delay <= 0 {
		return nil
	}
	timer := time.NewTimer(s.config.Delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
