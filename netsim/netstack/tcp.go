// SPDX-License-Identifier: GPL-3.0-or-later

package netstack

import (
	"errors"
	"io"
	"net"
	"net/netip"
	"time"

	"github.com/rbmk-project/linksim/netsim/packet"
	"github.com/soypat/seqs"
)

// TCPState is the state of a [*TCPSocket].
type TCPState int

const (
	TCPStateClosed TCPState = iota
	TCPStateListen
	TCPStateSynSent
	TCPStateSynReceived
	TCPStateEstablished
	TCPStateFinWait1
	TCPStateFinWait2
	TCPStateCloseWait
	TCPStateClosing
	TCPStateLastAck
	TCPStateTimeWait
)

var tcpStateNames = [...]string{
	TCPStateClosed:      "CLOSED",
	TCPStateListen:      "LISTEN",
	TCPStateSynSent:     "SYN-SENT",
	TCPStateSynReceived: "SYN-RECEIVED",
	TCPStateEstablished: "ESTABLISHED",
	TCPStateFinWait1:    "FIN-WAIT-1",
	TCPStateFinWait2:    "FIN-WAIT-2",
	TCPStateCloseWait:   "CLOSE-WAIT",
	TCPStateClosing:     "CLOSING",
	TCPStateLastAck:     "LAST-ACK",
	TCPStateTimeWait:    "TIME-WAIT",
}

// String returns the RFC 793 name of the state.
func (s TCPState) String() string {
	if s < 0 || int(s) >= len(tcpStateNames) {
		return "UNKNOWN"
	}
	return tcpStateNames[s]
}

// TCPSocket is a TCP socket driven by [*Interface.Poll].
//
// A socket handles a single connection at a time. A listening socket
// becomes the connection when it receives a SYN.
//
// Sequence space validation and state transitions belong to a
// [seqs.ControlBlock]. The socket adds what the control block leaves
// to its caller: buffers, timers, retransmission and the decision of
// which segment to send next.
//
// The zero value is invalid; construct using [NewTCPSocket].
type TCPSocket struct {
	tcb    seqs.ControlBlock
	local  netip.AddrPort
	remote netip.AddrPort

	// listenPort is nonzero for passively opened sockets.
	listenPort uint16

	rx *byteQueue
	tx *byteQueue

	// connecting is true between Connect and the first SYN.
	connecting bool

	// closing is true once the application called Close.
	closing bool

	// The send sequence space as seen by the control block: tx starts
	// at una and [una, nxt) is in flight. rtxNext is the next sequence
	// number to retransmit and equals nxt outside of a go-back-N round.
	iss     seqs.Value
	una     seqs.Value
	nxt     seqs.Value
	rtxNext seqs.Value
	sndWnd  seqs.Size

	ackPending bool
	finSent    bool

	// pendingRST is the reset to emit after Abort.
	pendingRST *packet.Packet

	rtoDeadline      time.Time
	retransmits      int
	timeWaitDeadline time.Time

	// err is the reason why the last connection ended abnormally.
	err error
}

// NewTCPSocket creates a closed [*TCPSocket] with the given receive
// and send buffer sizes.
func NewTCPSocket(rxSize, txSize int) *TCPSocket {
	return &TCPSocket{
		rx: newByteQueue(rxSize),
		tx: newByteQueue(txSize),
	}
}

// Ensure [*TCPSocket] implements [Socket].
var _ Socket = &TCPSocket{}

// State returns the connection state.
//
// The state changes as soon as the application calls Close, even
// though the FIN leaves with a later poll.
func (s *TCPSocket) State() TCPState {
	if s.connecting {
		return TCPStateSynSent
	}
	switch s.tcb.State() {
	case seqs.StateListen:
		return TCPStateListen
	case seqs.StateSynSent:
		return TCPStateSynSent
	case seqs.StateSynRcvd:
		if s.closing {
			return TCPStateFinWait1
		}
		return TCPStateSynReceived
	case seqs.StateEstablished:
		if s.closing {
			return TCPStateFinWait1
		}
		return TCPStateEstablished
	case seqs.StateFinWait1:
		return TCPStateFinWait1
	case seqs.StateFinWait2:
		return TCPStateFinWait2
	case seqs.StateClosing:
		return TCPStateClosing
	case seqs.StateTimeWait:
		return TCPStateTimeWait
	case seqs.StateCloseWait:
		if s.closing {
			return TCPStateLastAck
		}
		return TCPStateCloseWait
	case seqs.StateLastAck:
		return TCPStateLastAck
	default:
		return TCPStateClosed
	}
}

// Err returns why the last connection was refused, reset, or timed out.
func (s *TCPSocket) Err() error {
	return s.err
}

// LocalEndpoint returns the local endpoint, which may not be fully
// known before the first segment is sent.
func (s *TCPSocket) LocalEndpoint() netip.AddrPort {
	return s.local
}

// RemoteEndpoint returns the remote endpoint.
func (s *TCPSocket) RemoteEndpoint() netip.AddrPort {
	return s.remote
}

// IsListening returns whether the socket is in LISTEN.
func (s *TCPSocket) IsListening() bool {
	return s.State() == TCPStateListen
}

// IsOpen returns whether the socket is neither CLOSED nor TIME-WAIT.
func (s *TCPSocket) IsOpen() bool {
	state := s.State()
	return state != TCPStateClosed && state != TCPStateTimeWait
}

// IsActive returns whether the socket has a connection in progress.
func (s *TCPSocket) IsActive() bool {
	return s.IsOpen() && s.State() != TCPStateListen
}

// MaySend returns whether the connection allows us to send data.
func (s *TCPSocket) MaySend() bool {
	state := s.State()
	return state == TCPStateEstablished || state == TCPStateCloseWait
}

// MayRecv returns whether the peer may still send us data.
func (s *TCPSocket) MayRecv() bool {
	switch s.State() {
	case TCPStateEstablished, TCPStateFinWait1, TCPStateFinWait2:
		return true
	default:
		return false
	}
}

// CanSend returns whether [*TCPSocket.Send] would enqueue data.
func (s *TCPSocket) CanSend() bool {
	return s.MaySend() && s.tx.Free() > 0
}

// CanRecv returns whether there is data to receive.
func (s *TCPSocket) CanRecv() bool {
	return s.rx.Len() > 0
}

// SendQueue returns the number of bytes not yet acknowledged.
func (s *TCPSocket) SendQueue() int {
	return s.tx.Len()
}

// RecvQueue returns the number of bytes received and not yet read.
func (s *TCPSocket) RecvQueue() int {
	return s.rx.Len()
}

// Listen starts listening on the given port. A socket in TIME-WAIT
// forgets the old connection first.
//
// Returns [EINVAL] if the port is zero and [EISCONN] if the socket
// is neither closed nor in TIME-WAIT.
func (s *TCPSocket) Listen(port uint16) error {
	if port == 0 {
		return EINVAL
	}
	if s.IsOpen() {
		return EISCONN
	}
	s.reset()
	return s.listen(port)
}

func (s *TCPSocket) listen(port uint16) error {
	if err := s.tcb.Open(0, seqs.Size(s.window()), seqs.StateListen); err != nil {
		return err
	}
	s.listenPort = port
	s.local = netip.AddrPortFrom(netip.IPv4Unspecified(), port)
	return nil
}

// Connect starts connecting to remote from localPort. A zero local port
// is replaced with an ephemeral port when the SYN is sent. A socket
// in TIME-WAIT forgets the old connection first.
//
// Returns [EINVAL] if remote is not a valid IPv4 endpoint and
// [EISCONN] if the socket is neither closed nor in TIME-WAIT.
func (s *TCPSocket) Connect(remote netip.AddrPort, localPort uint16) error {
	addr := remote.Addr()
	if !addr.Is4() || addr.IsUnspecified() || remote.Port() == 0 {
		return EINVAL
	}
	if s.IsOpen() {
		return EISCONN
	}
	s.reset()
	s.remote = remote
	s.local = netip.AddrPortFrom(netip.Addr{}, localPort)
	s.connecting = true
	return nil
}

// Send lets fn fill the free space of the send buffer and enqueues
// the number of bytes fn returns.
//
// Returns [ENOTCONN] when the connection does not allow sending.
func (s *TCPSocket) Send(fn func(buf []byte) int) (int, error) {
	if !s.MaySend() {
		return 0, ENOTCONN
	}
	buf := make([]byte, s.tx.Free())
	count := min(max(0, fn(buf)), len(buf))
	return s.tx.Write(buf[:count]), nil
}

// SendSlice enqueues as much of data as fits in the send buffer.
func (s *TCPSocket) SendSlice(data []byte) (int, error) {
	return s.Send(func(buf []byte) int {
		return copy(buf, data)
	})
}

// Recv calls fn with the received bytes and dequeues the number of
// bytes fn returns.
//
// Returns [io.EOF] once the peer has closed and all data has been read,
// and [ENOTCONN] when there is no connection.
func (s *TCPSocket) Recv(fn func(buf []byte) int) (int, error) {
	if s.rx.Len() <= 0 && !s.MayRecv() {
		if s.peerClosed() {
			return 0, io.EOF
		}
		return 0, ENOTCONN
	}
	buf := s.rx.Peek(0, s.rx.Len())
	count := min(max(0, fn(buf)), len(buf))
	wasLow := s.rx.Free() < s.rx.Cap()/2
	s.rx.Discard(count)
	if count > 0 && wasLow {
		s.ackPending = true // window update
	}
	return count, nil
}

// RecvSlice copies received bytes into buf and dequeues them.
func (s *TCPSocket) RecvSlice(buf []byte) (int, error) {
	return s.Recv(func(data []byte) int {
		return copy(buf, data)
	})
}

// Close starts closing the connection. Data already enqueued is sent
// and acknowledged before the FIN.
func (s *TCPSocket) Close() {
	switch s.State() {
	case TCPStateListen, TCPStateSynSent:
		s.reset()
	case TCPStateSynReceived, TCPStateEstablished, TCPStateCloseWait:
		s.closing = true
	}
}

// Abort closes the socket immediately, sending a RST to the peer
// if a connection exists.
func (s *TCPSocket) Abort() {
	var rst *packet.Packet
	if s.IsActive() && s.State() != TCPStateSynSent {
		rst = s.packet(seqs.Segment{
			SEQ:   s.nxt,
			WND:   seqs.Size(s.window()),
			Flags: seqs.FlagRST,
		}, nil)
	}
	s.reset()
	s.pendingRST = rst
}

// peerClosed returns whether we received the peer's FIN.
func (s *TCPSocket) peerClosed() bool {
	switch s.State() {
	case TCPStateCloseWait, TCPStateClosing, TCPStateLastAck, TCPStateTimeWait:
		return true
	default:
		return false
	}
}

// reset returns to CLOSED, clearing the buffers.
func (s *TCPSocket) reset() {
	s.rx.Discard(s.rx.Len())
	s.tx.Discard(s.tx.Len())
	*s = TCPSocket{rx: s.rx, tx: s.tx, pendingRST: s.pendingRST}
}

// window returns the receive window to advertise.
func (s *TCPSocket) window() uint16 {
	return uint16(min(s.rx.Free(), 0xffff))
}

// packet converts an outgoing segment to a [*packet.Packet].
func (s *TCPSocket) packet(seg seqs.Segment, payload []byte) *packet.Packet {
	pkt := &packet.Packet{
		TTL:        packet.DefaultTTL,
		SrcAddr:    s.local.Addr(),
		DstAddr:    s.remote.Addr(),
		IPProtocol: packet.IPProtocolTCP,
		SrcPort:    s.local.Port(),
		DstPort:    s.remote.Port(),
		Flags:      packet.TCPFlags(seg.Flags),
		Seq:        uint32(seg.SEQ),
		Window:     uint16(seg.WND),
		Payload:    payload,
	}
	if seg.Flags.HasAny(seqs.FlagACK) {
		pkt.Ack = uint32(seg.ACK)
	}
	return pkt
}

// segmentOf converts an incoming [*packet.Packet] to a segment.
func segmentOf(pkt *packet.Packet) seqs.Segment {
	return seqs.Segment{
		SEQ:     seqs.Value(pkt.Seq),
		ACK:     seqs.Value(pkt.Ack),
		DATALEN: seqs.Size(len(pkt.Payload)),
		WND:     seqs.Size(pkt.Window),
		Flags:   seqs.Flags(pkt.Flags),
	}
}

// segment builds a segment starting at nxt.
func (s *TCPSocket) segment(flags seqs.Flags, datalen int) seqs.Segment {
	return seqs.Segment{
		SEQ:     s.nxt,
		ACK:     s.tcb.RecvNext(),
		DATALEN: seqs.Size(datalen),
		WND:     seqs.Size(s.window()),
		Flags:   flags,
	}
}

// emit passes seg through the control block and, when accepted,
// advances nxt past it.
func (s *TCPSocket) emit(env *pollEnv, seg seqs.Segment, payload []byte) *packet.Packet {
	if err := s.tcb.Send(seg); err != nil {
		env.ifc.debug("tcpSegmentNotSent",
			"localAddr", s.local.String(),
			"remoteAddr", s.remote.String(),
			"flags", seg.Flags.String(),
			"err", err.Error(),
		)
		return nil
	}
	if seg.Flags.HasAny(seqs.FlagFIN) {
		s.finSent = true
	}
	if length := seg.LEN(); length > 0 {
		s.nxt.UpdateForward(length)
		s.rtxNext = s.nxt
		if s.rtoDeadline.IsZero() {
			s.rtoDeadline = env.now.Add(env.ifc.config.RetransmitTimeout)
		}
	}
	s.ackPending = false
	s.checkTimeWait(env)
	return s.packet(seg, payload)
}

// open completes the local endpoint, picks the ISS and opens the
// control block in SYN-SENT.
func (s *TCPSocket) open(env *pollEnv) error {
	addr := s.local.Addr()
	if !addr.IsValid() {
		var ok bool
		if addr, ok = env.ifc.sourceAddr(); !ok {
			return EADDRNOTAVAIL
		}
	}
	port := s.local.Port()
	if port == 0 {
		var err error
		if port, err = env.ifc.ephemeralPort(packet.IPProtocolTCP, env.sockets); err != nil {
			return err
		}
	}
	s.local = netip.AddrPortFrom(addr, port)
	if err := s.start(env, seqs.StateSynSent); err != nil {
		return err
	}
	s.connecting = false
	return nil
}

// start (re)opens the control block with a fresh ISS.
func (s *TCPSocket) start(env *pollEnv, state seqs.State) error {
	iss := seqs.Value(env.ifc.nextISS())
	if err := s.tcb.Open(iss, seqs.Size(s.window()), state); err != nil {
		return err
	}
	s.tcb.SetLogger(env.ifc.tcbLogger)
	s.iss, s.una, s.nxt, s.rtxNext = iss, iss, iss, iss
	return nil
}

// checkTimeWait starts the TIME-WAIT timer when the control block
// has just entered TIME-WAIT.
func (s *TCPSocket) checkTimeWait(env *pollEnv) {
	if s.tcb.State() == seqs.StateTimeWait && s.timeWaitDeadline.IsZero() {
		s.timeWaitDeadline = env.now.Add(env.ifc.config.TimeWaitTimeout)
		s.rtoDeadline = time.Time{}
	}
}

// inflight returns the number of data bytes sent and not acknowledged.
func (s *TCPSocket) inflight() int {
	size := int(seqs.Sizeof(s.una, s.nxt))
	if s.una == s.iss && s.nxt != s.iss {
		size-- // SYN
	}
	if s.finSent {
		size-- // FIN
	}
	return max(0, size)
}

// unsent returns the bytes in the send buffer not sent yet and
// how many of them the peer's window allows sending.
func (s *TCPSocket) unsent() (int, int) {
	unsent := max(0, s.tx.Len()-s.inflight())
	room := int(s.sndWnd) - int(seqs.Sizeof(s.una, s.nxt))
	return unsent, min(unsent, max(0, room))
}

// finReady returns whether the FIN should leave now: the application
// closed and every byte it sent has been acknowledged.
func (s *TCPSocket) finReady() bool {
	switch s.tcb.State() {
	case seqs.StateEstablished, seqs.StateCloseWait:
		return s.closing && !s.finSent && s.tx.Len() == 0 && s.una == s.nxt
	default:
		return false
	}
}

// retransmitting returns whether a go-back-N round is in progress.
func (s *TCPSocket) retransmitting() bool {
	return seqs.LessThan(s.rtxNext, s.nxt)
}

func (s *TCPSocket) match(pkt *packet.Packet) matchKind {
	if pkt.IPProtocol != packet.IPProtocolTCP || s.connecting {
		return matchNone
	}
	switch s.tcb.State() {
	case seqs.StateClosed:
		return matchNone
	case seqs.StateListen:
		if pkt.DstPort == s.listenPort {
			return matchWildcard
		}
		return matchNone
	default:
		if s.local == netip.AddrPortFrom(pkt.DstAddr, pkt.DstPort) &&
			s.remote == netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort) {
			return matchExact
		}
		return matchNone
	}
}

func (s *TCPSocket) localPort(proto packet.IPProtocol) uint16 {
	if proto != packet.IPProtocolTCP || s.State() == TCPStateClosed {
		return 0
	}
	return s.local.Port()
}

func (s *TCPSocket) pollAt() (time.Time, bool) {
	immediately := time.Time{}
	if s.pendingRST != nil || s.connecting {
		return immediately, true
	}
	state := s.tcb.State()
	switch state {
	case seqs.StateClosed, seqs.StateListen:
		return time.Time{}, false
	case seqs.StateTimeWait:
		if s.ackPending {
			return immediately, true
		}
		return s.timeWaitDeadline, true
	}
	if s.retransmitting() {
		return immediately, true
	}
	if state.IsPreestablished() {
		if s.tcb.HasPending() {
			return immediately, true
		}
	} else {
		if _, sendable := s.unsent(); sendable > 0 || s.ackPending || s.finReady() {
			return immediately, true
		}
	}
	if !s.rtoDeadline.IsZero() {
		return s.rtoDeadline, true
	}
	return time.Time{}, false
}

func (s *TCPSocket) dispatch(env *pollEnv) (*packet.Packet, error) {
	if s.pendingRST != nil {
		rst := s.pendingRST
		s.pendingRST = nil
		return rst, nil
	}
	if s.connecting {
		if err := s.open(env); err != nil {
			s.reset()
			s.err = err
			return nil, err
		}
	}

	state := s.tcb.State()
	switch state {
	case seqs.StateClosed, seqs.StateListen:
		return nil, nil
	case seqs.StateTimeWait:
		if !env.now.Before(s.timeWaitDeadline) {
			s.reset()
			return nil, nil
		}
		if s.ackPending {
			return s.emit(env, s.segment(seqs.FlagACK, 0), nil), nil
		}
		return nil, nil
	}

	// Go back N when the retransmission timer expires.
	if !s.rtoDeadline.IsZero() && !env.now.Before(s.rtoDeadline) {
		if s.retransmits >= env.ifc.config.MaxRetransmits {
			s.reset()
			s.err = ETIMEDOUT
			return nil, ETIMEDOUT
		}
		s.retransmits++
		s.rtxNext = s.una
		s.rtoDeadline = env.now.Add(env.ifc.config.RetransmitTimeout)
		env.ifc.debug("tcpRetransmit",
			"localAddr", s.local.String(),
			"remoteAddr", s.remote.String(),
			"retransmits", s.retransmits,
		)
	}
	if s.retransmitting() {
		return s.retransmit(env), nil
	}

	if state.IsPreestablished() {
		seg, ok := s.tcb.PendingSegment(0)
		if !ok {
			return nil, nil
		}
		seg.WND = seqs.Size(s.window())
		return s.emit(env, seg, nil), nil
	}

	if _, sendable := s.unsent(); sendable > 0 {
		count := min(sendable, env.ifc.config.MSS)
		payload := append([]byte{}, s.tx.Peek(s.inflight(), count)...)
		return s.emit(env, s.segment(seqs.FlagACK|seqs.FlagPSH, count), payload), nil
	}
	if s.finReady() {
		return s.emit(env, s.segment(seqs.FlagFIN|seqs.FlagACK, 0), nil), nil
	}
	if s.ackPending {
		return s.emit(env, s.segment(seqs.FlagACK, 0), nil), nil
	}
	return nil, nil
}

// retransmit resends the segment starting at rtxNext. The control block
// cannot move its send pointer backwards, so these segments bypass it.
func (s *TCPSocket) retransmit(env *pollEnv) *packet.Packet {
	seg := seqs.Segment{SEQ: s.rtxNext, WND: seqs.Size(s.window())}
	var payload []byte
	switch s.tcb.State() {
	case seqs.StateSynSent:
		seg.Flags = seqs.FlagSYN
	case seqs.StateSynRcvd:
		seg.ACK = s.tcb.RecvNext()
		seg.Flags = seqs.FlagSYN | seqs.FlagACK
	default:
		offset := int(seqs.Sizeof(s.una, s.rtxNext))
		count := min(s.inflight()-offset, env.ifc.config.MSS)
		seg.ACK = s.tcb.RecvNext()
		seg.DATALEN = seqs.Size(count)
		seg.Flags = seqs.FlagACK
		if count > 0 {
			seg.Flags |= seqs.FlagPSH
			payload = append([]byte{}, s.tx.Peek(offset, count)...)
		}
		if s.finSent && offset+count == s.inflight() {
			seg.Flags |= seqs.FlagFIN
		}
	}
	s.rtxNext.UpdateForward(seg.LEN())
	s.ackPending = false
	return s.packet(seg, payload)
}

func (s *TCPSocket) process(env *pollEnv, pkt *packet.Packet) *packet.Packet {
	seg := segmentOf(pkt)
	switch s.tcb.State() {
	case seqs.StateListen:
		return s.processListen(env, pkt, seg)
	case seqs.StateSynSent:
		return s.processSynSent(env, pkt, seg)
	case seqs.StateSynRcvd:
		return s.processSynRcvd(env, pkt, seg)
	case seqs.StateTimeWait:
		return s.processTimeWait(seg)
	case seqs.StateLastAck, seqs.StateClosing:
		// The control block takes any ACK as the ACK of our FIN.
		if seg.Flags.HasAny(seqs.FlagACK) && !seg.Flags.HasAny(seqs.FlagRST) && seg.ACK != s.nxt {
			if seg.LEN() > 0 {
				s.ackPending = true
			}
			return nil
		}
	}
	return s.recv(env, pkt, seg)
}

func (s *TCPSocket) processListen(env *pollEnv, pkt *packet.Packet, seg seqs.Segment) *packet.Packet {
	switch {
	case seg.Flags.HasAny(seqs.FlagRST):
		return nil
	case seg.Flags.HasAny(seqs.FlagACK):
		return resetFor(pkt)
	case !seg.Flags.HasAny(seqs.FlagSYN):
		return nil
	}
	if err := s.start(env, seqs.StateListen); err != nil {
		return nil
	}
	s.local = netip.AddrPortFrom(pkt.DstAddr, pkt.DstPort)
	s.remote = netip.AddrPortFrom(pkt.SrcAddr, pkt.SrcPort)
	return s.recv(env, pkt, seg)
}

func (s *TCPSocket) processSynSent(env *pollEnv, pkt *packet.Packet, seg seqs.Segment) *packet.Packet {
	hasACK := seg.Flags.HasAny(seqs.FlagACK)
	if hasACK && seg.ACK != seqs.Add(s.iss, 1) {
		if seg.Flags.HasAny(seqs.FlagRST) {
			return nil
		}
		return resetFor(pkt)
	}
	if seg.Flags.HasAny(seqs.FlagRST) {
		if hasACK {
			s.reset()
			s.err = ECONNREFUSED
		}
		return nil
	}
	if !seg.Flags.HasAny(seqs.FlagSYN) {
		return nil
	}
	return s.recv(env, pkt, seg)
}

func (s *TCPSocket) processSynRcvd(env *pollEnv, pkt *packet.Packet, seg seqs.Segment) *packet.Packet {
	if seg.Flags.HasAny(seqs.FlagRST) {
		if seg.SEQ != s.tcb.RecvNext() {
			return nil
		}
		if port := s.listenPort; port != 0 {
			s.reset()
			s.listen(port)
			return nil
		}
		s.reset()
		s.err = ECONNRESET
		return nil
	}
	if seg.Flags.HasAny(seqs.FlagACK) && seg.ACK != seqs.Add(s.iss, 1) {
		return resetFor(pkt)
	}
	return s.recv(env, pkt, seg)
}

func (s *TCPSocket) processTimeWait(seg seqs.Segment) *packet.Packet {
	switch {
	case seg.Flags.HasAny(seqs.FlagRST):
		if seg.SEQ == s.tcb.RecvNext() {
			s.reset()
		}
	case seg.LEN() > 0:
		s.ackPending = true // retransmitted FIN
	}
	return nil
}

// recv feeds seg to the control block and applies its outcome.
func (s *TCPSocket) recv(env *pollEnv, pkt *packet.Packet, seg seqs.Segment) *packet.Packet {
	s.tcb.SetRecvWindow(seqs.Size(s.window()))
	before := s.tcb.State()
	if err := s.tcb.Recv(seg); err != nil {
		s.rejected(env, seg, before, err)
		return nil
	}

	if before == seqs.StateSynSent && s.tcb.State() == seqs.StateSynRcvd {
		// Simultaneous open: our SYN goes again along with the ACK.
		s.una, s.nxt, s.rtxNext = s.iss, s.iss, s.iss
		s.rtoDeadline, s.retransmits = time.Time{}, 0
	}
	if seg.Flags.HasAny(seqs.FlagACK) {
		s.acknowledge(env, seg.ACK)
	}
	s.sndWnd = seg.WND
	if len(pkt.Payload) > 0 {
		s.rx.Write(pkt.Payload)
	}
	if seg.LEN() > 0 {
		s.ackPending = true
	}

	switch s.tcb.State() {
	case seqs.StateClosed:
		s.reset() // LAST-ACK is over
	case seqs.StateTimeWait:
		s.checkTimeWait(env)
	}
	return nil
}

// rejected handles a segment the control block did not accept.
func (s *TCPSocket) rejected(env *pollEnv, seg seqs.Segment, before seqs.State, err error) {
	var reject *seqs.RejectError
	switch {
	case errors.Is(err, net.ErrClosed):
		s.reset()
		s.err = ECONNRESET
		return

	case before == seqs.StateFinWait2 && seg.Flags == seqs.FlagACK && seg.DATALEN == 0:
		// The control block leaves FIN-WAIT-1 on any ACK, so the
		// ACK of our FIN may arrive here.
		s.acknowledge(env, seg.ACK)
		return

	case seg.LEN() > 0:
		s.ackPending = true

	case seg.Flags.HasAny(seqs.FlagACK) && seqs.LessThan(s.nxt, seg.ACK):
		s.ackPending = true

	case errors.As(err, &reject):
		// The control block already logged why.
		return
	}
	env.ifc.debug("tcpSegmentRejected",
		"localAddr", s.local.String(),
		"remoteAddr", s.remote.String(),
		"seq", uint32(seg.SEQ),
		"err", err.Error(),
	)
}

// acknowledge releases the acknowledged bytes and rearms the timer.
func (s *TCPSocket) acknowledge(env *pollEnv, ack seqs.Value) {
	if !seqs.LessThan(s.una, ack) || seqs.LessThan(s.nxt, ack) {
		return
	}
	acked := int(seqs.Sizeof(s.una, ack))
	if s.una == s.iss {
		acked-- // SYN
	}
	if s.finSent && ack == s.nxt {
		acked-- // FIN
	}
	s.tx.Discard(max(0, acked))
	s.una = ack
	if seqs.LessThan(s.rtxNext, ack) {
		s.rtxNext = ack
	}
	s.retransmits = 0
	s.rtoDeadline = time.Time{}
	if s.una != s.nxt {
		s.rtoDeadline = env.now.Add(env.ifc.config.RetransmitTimeout)
	}
}

// resetFor builds the RST answering an unacceptable segment.
func resetFor(pkt *packet.Packet) *packet.Packet {
	rst := pkt.Reply()
	if pkt.Flags&packet.TCPFlagACK != 0 {
		rst.Flags = packet.TCPFlagRST
		rst.Seq = pkt.Ack
		return rst
	}
	seg := segmentOf(pkt)
	rst.Flags = packet.TCPFlagRST | packet.TCPFlagACK
	rst.Ack = uint32(seqs.Add(seg.SEQ, seg.LEN()))
	return rst
}
