// SPDX-License-Identifier: GPL-3.0-or-later

// Package phy defines the contract between a poll-driven network
// stack and the device that moves its frames.
//
// A [Device] never blocks. The stack asks for tokens and the device
// hands out single-use capabilities that perform the buffer copy
// only when consumed. This keeps buffer ownership with the device
// and lets the stack decide whether it actually needs the buffer.
package phy

import (
	"fmt"
	"time"
)

// Medium is the kind of framing a [Device] expects.
type Medium int

const (
	// MediumEthernet means frames carry an Ethernet II header.
	MediumEthernet Medium = iota

	// MediumIP means frames are bare IP packets.
	MediumIP
)

// String returns the string representation of the medium.
func (m Medium) String() string {
	switch m {
	case MediumEthernet:
		return "ethernet"
	case MediumIP:
		return "ip"
	default:
		return fmt.Sprintf("medium(%d)", int(m))
	}
}

// Capabilities describes what a [Device] supports.
type Capabilities struct {
	// Medium is the framing used by the device.
	Medium Medium

	// MTU is the maximum transmission unit in bytes, including
	// the link layer header when Medium is [MediumEthernet].
	MTU int
}

// RxToken is a single-use capability to read one received frame.
type RxToken interface {
	// Consume reads the frame and invokes fn with a mutable view over
	// its bytes, returning the result of fn. Consuming twice panics.
	Consume(fn func(buf []byte) error) error
}

// TxToken is a single-use capability to transmit one frame.
type TxToken interface {
	// Consume allocates a zero-filled buffer of the given length, lets
	// fn fill it, and then transmits it, returning the result of fn. The
	// frame is not transmitted when fn fails. Consuming twice panics.
	Consume(length int, fn func(buf []byte) error) error
}

// Device is a non-blocking network device.
type Device interface {
	// Capabilities returns the device capabilities.
	Capabilities() Capabilities

	// Receive returns a token pair when a frame is available and false
	// otherwise. The TxToken allows replying within the same cycle.
	Receive(now time.Time) (RxToken, TxToken, bool)

	// Transmit returns a token for sending a frame, or false when the
	// device cannot currently accept one.
	Transmit(now time.Time) (TxToken, bool)
}
