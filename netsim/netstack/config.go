// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"time"
)

const (
	// DefaultRetransmitTimeout is the default TCP retransmission timeout.
	DefaultRetransmitTimeout = time.Second

	// DefaultTimeWaitTimeout is the default duration of the TIME-WAIT state.
	DefaultTimeWaitTimeout = 2 * time.Second

	// DefaultMSS is the default TCP maximum segment size.
	DefaultMSS = 1460

	// DefaultMaxRetransmits is the default number of retransmissions
	// after which a TCP connection is aborted.
	DefaultMaxRetransmits = 8
)

// Config contains the [*Interface] configuration.
type Config struct {
	// HardwareAddr is the Ethernet address of the interface. It is
	// mandatory with Ethernet devices and ignored otherwise.
	HardwareAddr net.HardwareAddr

	// Logger is the optional structured logger. If nil, we don't log.
	Logger *slog.Logger

	// MaxRetransmits is the number of retransmissions after which a
	// TCP connection times out. Zero means [DefaultMaxRetransmits].
	MaxRetransmits int

	// MSS is the TCP maximum segment size. Zero means [DefaultMSS]. The
	// value is further capped by the device MTU.
	MSS int

	// RetransmitTimeout is the TCP retransmission timeout. Zero
	// means [DefaultRetransmitTimeout].
	RetransmitTimeout time.Duration

	// Seed seeds the generator of TCP initial sequence numbers so that
	// runs are reproducible.
	Seed uint64

	// TimeWaitTimeout is the duration of TIME-WAIT. Zero means
	// [DefaultTimeWaitTimeout].
	TimeWaitTimeout time.Duration
}

// errInvalidConfig indicates an invalid [*Config].
var errInvalidConfig = errors.New("netstack: invalid config")

// validate ensures the config is valid.
func (c *Config) validate(ethernet bool) error {
	if ethernet && len(c.HardwareAddr) != 6 {
		return fmt.Errorf("%w: need a 6-byte hardware address, got %q", errInvalidConfig, c.HardwareAddr)
	}
	if c.MSS < 0 || c.MaxRetransmits < 0 {
		return fmt.Errorf("%w: negative MSS or MaxRetransmits", errInvalidConfig)
	}
	if c.RetransmitTimeout < 0 || c.TimeWaitTimeout < 0 {
		return fmt.Errorf("%w: negative timeout", errInvalidConfig)
	}
	return nil
}

// withDefaults returns a copy of the config with defaults applied.
func (c *Config) withDefaults() Config {
	out := *c
	out.HardwareAddr = append(net.HardwareAddr{}, c.HardwareAddr...)
	if out.MSS == 0 {
		out.MSS = DefaultMSS
	}
	if out.MaxRetransmits == 0 {
		out.MaxRetransmits = DefaultMaxRetransmits
	}
	if out.RetransmitTimeout == 0 {
		out.RetransmitTimeout = DefaultRetransmitTimeout
	}
	if out.TimeWaitTimeout == 0 {
		out.TimeWaitTimeout = DefaultTimeWaitTimeout
	}
	return out
}
