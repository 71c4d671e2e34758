package tcp

import (
	"context"
	"time"

	"github.com/datawire/dlib/dlog"
	"github.com/google/uuid"

	"github.com/vnetio/usertcp/pkg/header"
	"github.com/vnetio/usertcp/pkg/seqnum"
)

// State is one of the server-side TCP states this design implements.
// Write is the internal sub-state spec.md §4.C describes as "has
// pending bytes to transmit at the next tick" — it is entered by
// Stream.Write and left again by the next OnTick.
type State int

const (
	StateSynRcvd State = iota
	StateEstab
	StateWrite
	StateFinWait1
	StateFinWait2
	StateTimeWait
)

func (s State) String() string {
	switch s {
	case StateSynRcvd:
		return "SYN-RCVD"
	case StateEstab:
		return "ESTAB"
	case StateWrite:
		return "WRITE"
	case StateFinWait1:
		return "FIN-WAIT-1"
	case StateFinWait2:
		return "FIN-WAIT-2"
	case StateTimeWait:
		return "TIME-WAIT"
	default:
		return "UNKNOWN"
	}
}

// RecvSequenceSpace is the receiver's RFC 793 bookkeeping.
type RecvSequenceSpace struct {
	Nxt seqnum.Value
	Wnd uint16
	Irs seqnum.Value
	Up  bool // always false; urgent data is a non-goal
}

// SendSequenceSpace is the sender's RFC 793 bookkeeping.
type SendSequenceSpace struct {
	Una seqnum.Value
	Nxt seqnum.Value
	Wnd uint16
	Iss seqnum.Value
	Wl1 seqnum.Value
	Wl2 seqnum.Value
	Up  bool
}

// FrameSender is the one operation a Connection needs from the TUN
// collaborator: hand it a fully built frame. Only the packet loop
// constructs the concrete implementation; the Connection never opens
// or closes the device.
type FrameSender interface {
	Send(buf []byte, n int) (int, error)
}

type sendTimestamp struct {
	seq seqnum.Value
	at  time.Time
}

// timers groups the retransmission-timing state spec.md §3 names.
type timers struct {
	sendTimes []sendTimestamp // in emission order; a resend re-appends an earlier seq
	srtt      time.Duration
}

const initialSRTT = 60 * time.Second
const maxResendAttempts = 12

// timeWaitDuration is the grace period a connection sits in TimeWait
// before ConnectionManager.Tick reaps it (spec.md §3's "grace period
// after TimeWait", mirroring the teacher's timeWaitDuration).
const timeWaitDuration = 30 * time.Second

// Connection is one TCP flow's state machine. It is mutated only by
// the packet loop (on_packet/on_tick) and by the façade, always under
// the owning ConnectionManager's lock — see spec.md §5.
type Connection struct {
	ID   uuid.UUID
	Quad Quad

	state State

	recv RecvSequenceSpace
	send SendSequenceSpace

	// template header fields: fixed at accept time, never swapped.
	localIP, peerIP [4]byte
	localPort       uint16
	peerPort        uint16

	incoming *byteRing
	unacked  *byteRing

	timers         timers
	resendAttempts int

	closed   bool
	closedAt seqnum.Value
	hasFin   bool // true once closedAt has been assigned

	timeWaitAt time.Time // set on entering StateTimeWait; zero otherwise

	synPending bool // true until the first emitted segment has carried SYN

	out     FrameSender
	metrics *Metrics
}

const ringCapacity = 1024

// Accept processes an inbound SYN and, on success, returns a new
// Connection in StateSynRcvd plus the SYN|ACK frame it has already
// sent through out. It
// returns (nil, nil, nil) if seg is not a SYN — spec.md 4.C "Accept":
// "If the segment is not a SYN, return nothing."
func Accept(ctx context.Context, seg *header.Segment, out FrameSender, metrics *Metrics, iss seqnum.Value) (*Connection, []byte, error) {
	if !seg.Flags.SYN {
		return nil, nil, nil
	}

	c := &Connection{
		ID: uuid.New(),
		Quad: Quad{
			SrcIP:   ipv4To4(seg.SrcIP),
			SrcPort: seg.SrcPort,
			DstIP:   ipv4To4(seg.DstIP),
			DstPort: seg.DstPort,
		},
		state:      StateSynRcvd,
		localIP:    ipv4To4(seg.DstIP),
		peerIP:     ipv4To4(seg.SrcIP),
		localPort:  seg.DstPort,
		peerPort:   seg.SrcPort,
		incoming:   newByteRing(ringCapacity),
		unacked:    newByteRing(ringCapacity),
		synPending: true,
		out:        out,
		metrics:    metrics,
		timers:     timers{srtt: initialSRTT},
	}
	c.recv = RecvSequenceSpace{
		Nxt: seqnum.Value(seg.Seq).Add(1),
		Wnd: seg.Window,
		Irs: seqnum.Value(seg.Seq),
	}
	c.send = SendSequenceSpace{
		Una: iss,
		Nxt: iss,
		Iss: iss,
		Wnd: ringCapacity,
	}

	dlog.Debugf(ctx, "CON %s accepted, -> %s", c.Quad, c.state)
	frame, err := c.emit(ctx, c.send.Nxt, 0, true, false)
	if err != nil {
		return nil, nil, err
	}
	return c, frame, nil
}

func (c *Connection) State() State { return c.state }

func (c *Connection) setState(ctx context.Context, s State) {
	dlog.Debugf(ctx, "CON %s state %s -> %s", c.Quad, c.state, s)
	c.state = s
}

// emit builds and sends a single segment carrying up to limit bytes
// of unacked data starting at seq, per spec.md 4.C "Segment emission".
// A limit of 0 yields a bare ACK; syn sets the SYN flag for the
// handshake reply and fin sets the FIN flag. Returns the encoded
// frame (also already sent through out) so Accept can hand the first
// one back to its caller.
func (c *Connection) emit(ctx context.Context, seq seqnum.Value, limit int, syn, fin bool) ([]byte, error) {
	off := int(seq.Sub(c.send.Una))
	maxData := limit
	if avail := c.unacked.Size() - off; avail < maxData {
		maxData = avail
	}
	if maxData < 0 {
		maxData = 0
	}

	payload := make([]byte, maxData)
	if maxData > 0 {
		c.unacked.Peek(payload, off)
	}

	seg := &header.Segment{
		SrcIP:   c.localIP[:],
		DstIP:   c.peerIP[:],
		SrcPort: c.localPort,
		DstPort: c.peerPort,
		Seq:     uint32(seq),
		Ack:     uint32(c.recv.Nxt),
		Window:  ringCapacity,
		Flags: header.Flags{
			SYN: syn,
			ACK: true,
			FIN: fin,
			PSH: maxData > 0,
		},
		Payload: payload,
	}
	frame, err := header.Encode(seg)
	if err != nil {
		return nil, err
	}

	nextSeq := seq.Add(seqnum.Size(maxData))
	if syn {
		nextSeq = nextSeq.Add(1)
	}
	if fin {
		nextSeq = nextSeq.Add(1)
	}
	if c.send.Nxt.LessThan(nextSeq) {
		c.send.Nxt = nextSeq
	}
	if syn {
		c.synPending = false
	}

	c.timers.sendTimes = append(c.timers.sendTimes, sendTimestamp{seq: seq, at: time.Now()})
	if c.metrics != nil {
		c.metrics.segmentsSent.Inc()
	}

	if _, err := c.out.Send(frame, len(frame)); err != nil {
		return nil, err
	}
	return frame, nil
}

// bareACK emits a zero-payload ACK at send.nxt/recv.nxt without
// advancing anything (spec.md 4.C: reject/keep-alive replies).
func (c *Connection) bareACK(ctx context.Context) error {
	_, err := c.emit(ctx, c.send.Nxt, 0, false, false)
	return err
}

// acceptable implements the RFC 793 §3.3 truth table of spec.md 4.C.
func (c *Connection) acceptable(seqn seqnum.Value, slen int) bool {
	wend := c.recv.Nxt.Add(seqnum.Size(c.recv.Wnd))
	lo := c.recv.Nxt - 1
	switch {
	case slen == 0 && c.recv.Wnd == 0:
		return seqn == c.recv.Nxt
	case slen == 0 && c.recv.Wnd > 0:
		return seqn.InWindow(lo, wend)
	case slen > 0 && c.recv.Wnd == 0:
		return false
	default: // slen > 0, wnd > 0
		if seqn.InWindow(lo, wend) {
			return true
		}
		last := seqn.Add(seqnum.Size(slen - 1))
		return last.InWindow(lo, wend)
	}
}

// OnPacket is the per-segment entry point driven by the packet loop
// (Component E) under the manager lock. It returns true if the
// incoming ring transitioned from empty to non-empty (the packet loop
// signals recv_var in that case) and true for the second value if the
// receive side has just closed.
func (c *Connection) OnPacket(ctx context.Context, seg *header.Segment) (readAvailable, rcvClosed bool, err error) {
	if c.metrics != nil {
		c.metrics.segmentsRecv.Inc()
	}

	seqn := seqnum.Value(seg.Seq)
	slen := len(seg.Payload)
	if seg.Flags.SYN {
		slen++
	}
	if seg.Flags.FIN {
		slen++
	}

	if !c.acceptable(seqn, slen) {
		if err := c.bareACK(ctx); err != nil {
			return false, false, err
		}
		return false, false, nil
	}

	if seg.Flags.ACK {
		if err := c.processACK(ctx, seg); err != nil {
			return false, false, err
		}
	}

	wasEmpty := c.incoming.Size() == 0
	delivered := false
	switch c.state {
	case StateEstab, StateFinWait1, StateFinWait2:
		if len(seg.Payload) > 0 {
			c.incoming.Push(seg.Payload)
			c.recv.Nxt = c.recv.Nxt.Add(seqnum.Size(len(seg.Payload)))
			delivered = true
			if err := c.bareACK(ctx); err != nil {
				return false, false, err
			}
		}
	}

	// FIN is accepted unconditionally once SynRcvd has advanced to Estab
	// (processACK above already promotes on a valid final ACK, so a
	// combined ACK+FIN still lands here); a FIN arriving while still in
	// SynRcvd is dropped, narrower than original_source's literal
	// "state == FinWait2 || true", so a FIN can't be accepted before the
	// handshake's own ACK has been validated.
	if seg.Flags.FIN && c.state != StateSynRcvd {
		c.recv.Nxt = c.recv.Nxt.Add(1)
		if err := c.bareACK(ctx); err != nil {
			return false, false, err
		}
		c.setState(ctx, StateTimeWait)
		c.timeWaitAt = time.Now()
		if _, err := c.emit(ctx, c.send.Nxt, 0, false, true); err != nil {
			return false, false, err
		}
		rcvClosed = true
	}

	return delivered && wasEmpty, rcvClosed, nil
}

// processACK implements spec.md 4.C "ACK processing".
func (c *Connection) processACK(ctx context.Context, seg *header.Segment) error {
	ackn := seqnum.Value(seg.Ack)
	lo := c.send.Una - 1
	hi := c.send.Nxt.Add(1)
	if !ackn.InWindow(lo, hi) {
		return nil
	}

	dataStart := c.send.Una
	if c.send.Una == c.send.Iss {
		dataStart = dataStart.Add(1) // bump past the SYN byte
	}
	retireCount := int(ackn.Sub(dataStart))
	if retireCount > c.unacked.Size() {
		retireCount = c.unacked.Size()
	}
	if retireCount > 0 {
		c.unacked.Drop(retireCount)
	}

	now := time.Now()
	kept := c.timers.sendTimes[:0]
	retiredTimer := false
	for _, st := range c.timers.sendTimes {
		if st.seq.LessThan(ackn) {
			elapsed := now.Sub(st.at)
			c.timers.srtt = time.Duration(0.8*float64(c.timers.srtt) + 0.2*float64(elapsed))
			retiredTimer = true
			continue
		}
		kept = append(kept, st)
	}
	c.timers.sendTimes = kept
	if retiredTimer && c.metrics != nil {
		c.metrics.acksProcessed.Inc()
	}

	if retireCount > 0 {
		c.resendAttempts = 0
	}
	c.send.Una = ackn
	c.send.Wnd = seg.Window

	switch c.state {
	case StateSynRcvd:
		c.setState(ctx, StateEstab)
	case StateFinWait1:
		if c.hasFin && c.send.Una == c.closedAt.Add(1) {
			c.setState(ctx, StateFinWait2)
		}
	}
	return nil
}

// Write queues buf for transmission at the next tick, per spec.md
// 4.F "Stream.write": append the whole buffer (the caller must not
// exceed ring capacity) and enter the Write sub-state.
func (c *Connection) Write(ctx context.Context, buf []byte) int {
	n := c.unacked.Push(buf)
	if n > 0 {
		c.setState(ctx, StateWrite)
	}
	return n
}

// Close initiates a local active shutdown: FIN|ACK is sent on the
// next tick once any pending data has drained (spec.md 4.C "Estab +
// local shutdown").
func (c *Connection) Close(ctx context.Context) {
	c.closed = true
}

// OnTick implements spec.md 4.C "Tick". It is driven by the packet
// loop on every fire of its fixed ~10ms ticker, whether or not
// segments arrived during that interval; it is not deferred while
// traffic is flowing.
func (c *Connection) OnTick(ctx context.Context) error {
	switch c.state {
	case StateFinWait2, StateTimeWait:
		return c.bareACK(ctx)
	}

	var nunackedData seqnum.Size
	if c.hasFin {
		nunackedData = c.closedAt.Sub(c.send.Una)
	} else {
		nunackedData = c.send.Nxt.Sub(c.send.Una)
	}
	nunsentData := c.unacked.Size() - int(nunackedData)

	if c.resendDue() {
		return c.resend(ctx)
	}

	if c.state == StateWrite {
		c.setState(ctx, StateEstab)
		if nunsentData > 0 {
			if _, err := c.emit(ctx, c.send.Nxt, nunsentData, false, false); err != nil {
				return err
			}
		}
	}

	if c.closed && !c.hasFin && nunsentData <= 0 {
		c.closedAt = c.send.Nxt
		c.hasFin = true
		c.setState(ctx, StateFinWait1)
		if _, err := c.emit(ctx, c.send.Nxt, 0, false, true); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) resendDue() bool {
	if len(c.timers.sendTimes) == 0 {
		return false
	}
	if c.resendAttempts >= maxResendAttempts {
		return false
	}
	oldest := c.timers.sendTimes[0]
	threshold := c.timers.srtt * 3 / 2
	if threshold < time.Second {
		threshold = time.Second
	}
	return time.Since(oldest.at) > threshold
}

// resend re-emits the oldest unacked bytes. A connection that has
// retried maxResendAttempts times without the peer retiring anything
// stops retrying (RST-driven abort is a non-goal, so it is simply left
// to age out rather than torn down).
func (c *Connection) resend(ctx context.Context) error {
	limit := c.unacked.Size()
	if limit > int(c.send.Wnd) {
		limit = int(c.send.Wnd)
	}
	fin := c.closed && c.hasFin && seqnum.Value(c.send.Una.Add(seqnum.Size(limit))) == c.closedAt
	c.resendAttempts++
	if c.metrics != nil {
		c.metrics.retransmits.Inc()
	}
	_, err := c.emit(ctx, c.send.Una, limit, false, fin)
	return err
}

// IsRcvClosed reports whether the peer's FIN has advanced recv.nxt
// past the point where no further payload bytes are coming.
func (c *Connection) IsRcvClosed() bool {
	return c.state == StateTimeWait
}

// Read drains up to len(buf) bytes from the incoming ring.
func (c *Connection) Read(buf []byte) int {
	return c.incoming.Drain(buf)
}

func (c *Connection) IncomingEmpty() bool { return c.incoming.Size() == 0 }

// Reapable reports whether this connection has sat in TimeWait longer
// than timeWaitDuration and may be dropped by ConnectionManager.Tick.
func (c *Connection) Reapable() bool {
	return c.state == StateTimeWait && !c.timeWaitAt.IsZero() && time.Since(c.timeWaitAt) > timeWaitDuration
}
