// SPDX-License-Identifier: GPL-3.0-or-later

package device

import (
	"log/slog"
	"time"

	"github.com/rbmk-project/common/runtimex"
	"github.com/rbmk-project/linksim/netsim/phy"
)

// RxToken is the [phy.RxToken] returned by [*Device.Receive].
//
// The zero value is invalid; obtain one from [*Device.Receive].
type RxToken struct {
	// consumed is set by the first Consume call.
	consumed bool

	// dev is the device owning the channel.
	dev *Device

	// now is the time of the poll cycle that created the token.
	now time.Time
}

// Ensure [*RxToken] implements [phy.RxToken].
var _ phy.RxToken = &RxToken{}

// Consume implements [phy.RxToken].
//
// The channel is read and cleared here, not when the token is created,
// so a token that is never consumed leaves the frame in place.
//
// This method panics if the token was already consumed.
func (tok *RxToken) Consume(fn func(buf []byte) error) error {
	runtimex.Assert(!tok.consumed, "device: RxToken consumed twice")
	tok.consumed = true
	tok.dev.debug("rxTokenConsume", slog.Time("t", tok.now))
	return fn(tok.dev.read())
}

// TxToken is the [phy.TxToken] returned by [*Device.Receive] and
// [*Device.Transmit].
//
// The zero value is invalid; obtain one from the [*Device].
type TxToken struct {
	// consumed is set by the first Consume call.
	consumed bool

	// dev is the device owning the channel.
	dev *Device

	// now is the time of the poll cycle that created the token.
	now time.Time
}

// Ensure [*TxToken] implements [phy.TxToken].
var _ phy.TxToken = &TxToken{}

// Consume implements [phy.TxToken].
//
// The frame is written to the buddy of the channel only when fn
// succeeds. A negative length is treated as zero.
//
// This method panics if the token was already consumed.
func (tok *TxToken) Consume(length int, fn func(buf []byte) error) error {
	runtimex.Assert(!tok.consumed, "device: TxToken consumed twice")
	tok.consumed = true
	tok.dev.debug("txTokenConsume", slog.Int("length", length), slog.Time("t", tok.now))
	buffer := make([]byte, max(0, length))
	if err := fn(buffer); err != nil {
		return err
	}
	tok.dev.write(tok.now, buffer)
	return nil
}
