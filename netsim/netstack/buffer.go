// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

// byteQueue is a fixed-capacity FIFO of bytes.
//
// The send side keeps both sent-but-unacknowledged and unsent bytes
// starting from SND.UNA, so retransmission reads from offset zero.
type byteQueue struct {
	data []byte
	size int
}

// newByteQueue creates a queue holding at most size bytes.
func newByteQueue(size int) *byteQueue {
	return &byteQueue{data: make([]byte, 0, max(0, size)), size: max(0, size)}
}

// Len returns the number of queued bytes.
func (q *byteQueue) Len() int {
	return len(q.data)
}

// Cap returns the capacity.
func (q *byteQueue) Cap() int {
	return q.size
}

// Free returns the number of bytes that can still be enqueued.
func (q *byteQueue) Free() int {
	return q.size - len(q.data)
}

// Write enqueues as much of p as fits and returns the count.
func (q *byteQueue) Write(p []byte) int {
	n := min(len(p), q.Free())
	q.data = append(q.data, p[:n]...)
	return n
}

// Peek returns up to n bytes starting at offset without dequeuing them.
func (q *byteQueue) Peek(offset, n int) []byte {
	if offset >= len(q.data) || n <= 0 {
		return nil
	}
	end := min(len(q.data), offset+n)
	return q.data[offset:end]
}

// Discard dequeues up to n bytes.
func (q *byteQueue) Discard(n int) {
	n = min(max(0, n), len(q.data))
	q.data = append(q.data[:0], q.data[n:]...)
}
