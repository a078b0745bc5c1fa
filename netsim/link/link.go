// SPDX-License-Identifier: GPL-3.0-or-later

// Package link models a point-to-point network link made of two
// single-slot channels.
//
// Use [NewConnection] to obtain the two endpoints. Writing to an
// endpoint stores the frame into the slot of the other endpoint,
// its buddy, where it stays until the buddy reads it.
//
// Each slot holds at most one unread frame. A write replaces any
// unread contents, so the previous frame is lost when the peer did
// not read it in time. [*Channel.Overwrites] counts these losses.
//
// A connection is not safe for concurrent use. Both endpoints must
// be confined to the same goroutine, which is what happens when a
// single driver polls both nodes in turn.
package link

// Channel is one endpoint of a point-to-point link.
//
// The zero value is invalid; construct using [NewConnection].
type Channel struct {
	// pair is the shared owner of both endpoints.
	pair *pair

	// side is the index of this endpoint inside pair.
	side int
}

// pair owns the two endpoints of a connection and their slots.
type pair struct {
	ends  [2]*Channel
	slots [2]slot
}

// slot is the pending-frame storage of one endpoint.
type slot struct {
	// buffer contains the unread frame, if any.
	buffer []byte

	// overwrites counts the writes that replaced unread data.
	overwrites int
}

// NewConnection creates two [*Channel] that are each other's buddy.
func NewConnection() (*Channel, *Channel) {
	p := &pair{}
	p.ends[0] = &Channel{pair: p, side: 0}
	p.ends[1] = &Channel{pair: p, side: 1}
	return p.ends[0], p.ends[1]
}

// Buddy returns the other endpoint of the connection.
func (ch *Channel) Buddy() *Channel {
	return ch.pair.ends[1-ch.side]
}

// own returns the slot read by this endpoint.
func (ch *Channel) own() *slot {
	return &ch.pair.slots[ch.side]
}

// Write stores a copy of packet into the buddy's slot, replacing any
// frame the buddy did not read yet.
func (ch *Channel) Write(packet []byte) {
	dst := ch.Buddy().own()
	if len(dst.buffer) > 0 {
		dst.overwrites++
	}
	dst.buffer = append([]byte{}, packet...)
}

// Read returns the pending frame and clears the slot. The result is
// empty when there is nothing to read.
func (ch *Channel) Read() []byte {
	src := ch.own()
	result := src.buffer
	src.buffer = nil
	return result
}

// IsEmpty returns whether there is no frame to read.
func (ch *Channel) IsEmpty() bool {
	return len(ch.own().buffer) <= 0
}

// Pending returns the size of the frame waiting to be read.
func (ch *Channel) Pending() int {
	return len(ch.own().buffer)
}

// Overwrites returns how many frames destined to this endpoint were
// replaced before being read.
func (ch *Channel) Overwrites() int {
	return ch.own().overwrites
}
