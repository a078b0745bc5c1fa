// SPDX-License-Identifier: GPL-3.0-or-later

package packet

import "time"

// Target is the verdict of a [Filter].
type Target int

const (
	// ACCEPT lets the packet through.
	ACCEPT Target = iota

	// DROP discards the packet.
	DROP
)

// String returns the string representation of the target.
func (t Target) String() string {
	switch t {
	case ACCEPT:
		return "ACCEPT"
	case DROP:
		return "DROP"
	default:
		return "UNKNOWN"
	}
}

// Filter inspects packets in transit.
//
// The returned packets, if any, are injected in addition to the
// verdict on the original packet. The now argument is the time of
// the poll cycle that is transmitting the packet.
type Filter interface {
	Filter(now time.Time, pkt *Packet) (Target, []*Packet)
}

// FilterFunc adapts a function to the [Filter] interface.
type FilterFunc func(now time.Time, pkt *Packet) (Target, []*Packet)

// Ensure [FilterFunc] implements [Filter].
var _ Filter = FilterFunc(nil)

// Filter implements [Filter].
func (fx FilterFunc) Filter(now time.Time, pkt *Packet) (Target, []*Packet) {
	return fx(now, pkt)
}

// Chain applies filters in order, stopping at the first DROP and
// collecting all the injected packets.
type Chain []Filter

// Ensure [Chain] implements [Filter].
var _ Filter = Chain(nil)

// Filter implements [Filter].
func (c Chain) Filter(now time.Time, pkt *Packet) (Target, []*Packet) {
	var injected []*Packet
	for _, f := range c {
		target, extra := f.Filter(now, pkt)
		injected = append(injected, extra...)
		if target == DROP {
			return DROP, injected
		}
	}
	return ACCEPT, injected
}
