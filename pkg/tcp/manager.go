package tcp

import (
	"context"
	"fmt"
	"sync"

	"github.com/datawire/dlib/dlog"

	"github.com/vnetio/usertcp/pkg/header"
	"github.com/vnetio/usertcp/pkg/seqnum"
)

// ConnectionManager is Component D: the four-tuple demux table plus
// the per-port pending-accept queues, all behind one mutex shared by
// two condition variables (spec.md §4.D).
type ConnectionManager struct {
	mu sync.Mutex

	connections map[Quad]*Connection
	pending     map[uint16][]Quad

	pendingCond *sync.Cond
	recvCond    *sync.Cond

	closed bool

	out       FrameSender
	metrics   *Metrics
	issSource func() seqnum.Value
}

// NewConnectionManager builds a manager that emits through out (the
// packet loop's TUN writer) and draws initial sequence numbers from
// issSource (spec.md §9 flags iss=0 as insecure; issSource lets the
// caller plug in a stronger source without touching the state
// machine).
func NewConnectionManager(out FrameSender, metrics *Metrics, issSource func() seqnum.Value) *ConnectionManager {
	m := &ConnectionManager{
		connections: make(map[Quad]*Connection),
		pending:     make(map[uint16][]Quad),
		out:         out,
		metrics:     metrics,
		issSource:   issSource,
	}
	m.pendingCond = sync.NewCond(&m.mu)
	m.recvCond = sync.NewCond(&m.mu)
	return m
}

// Bind registers an empty pending queue for port. It fails if the
// port is already bound (spec.md §6, Interface::bind).
func (m *ConnectionManager) Bind(port uint16) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.pending[port]; ok {
		return false
	}
	m.pending[port] = nil
	return true
}

// Accept blocks until a Quad is pending on port, or the manager is
// shut down, in which case ok is false.
func (m *ConnectionManager) Accept(port uint16) (Quad, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		if m.closed {
			return Quad{}, false
		}
		q, ok := m.pending[port]
		if ok && len(q) > 0 {
			head := q[0]
			m.pending[port] = q[1:]
			return head, true
		}
		m.pendingCond.Wait()
	}
}

// Read drains the named connection's incoming ring, blocking on
// recvCond until data arrives, the receive side closes, or the
// connection is gone.
func (m *ConnectionManager) Read(quad Quad, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for {
		c, ok := m.connections[quad]
		if !ok {
			return 0, fmt.Errorf("tcp: connection %s no longer exists", quad)
		}
		if c.IsRcvClosed() && c.IncomingEmpty() {
			return 0, nil
		}
		if !c.IncomingEmpty() {
			return c.Read(buf), nil
		}
		if m.closed {
			return 0, fmt.Errorf("tcp: interface shut down")
		}
		m.recvCond.Wait()
	}
}

// Write appends buf to the named connection's unacked ring. It never
// blocks (spec.md §5, "Stream.write never suspends").
func (m *ConnectionManager) Write(ctx context.Context, quad Quad, buf []byte) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[quad]
	if !ok {
		return 0, fmt.Errorf("tcp: connection %s no longer exists", quad)
	}
	return c.Write(ctx, buf), nil
}

// Close initiates an active shutdown of the named connection.
func (m *ConnectionManager) Close(ctx context.Context, quad Quad) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.connections[quad]
	if !ok {
		return fmt.Errorf("tcp: connection %s no longer exists", quad)
	}
	c.Close(ctx)
	return nil
}

// HandleSegment is the per-segment dispatch spec.md §4.D describes:
// look the Quad up; if known, drive OnPacket and signal recvCond when
// data arrived; if unknown but the destination port is bound, attempt
// Connection.Accept and enqueue on success.
func (m *ConnectionManager) HandleSegment(ctx context.Context, seg *header.Segment) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	quad := Quad{
		SrcIP:   ipv4To4(seg.SrcIP),
		SrcPort: seg.SrcPort,
		DstIP:   ipv4To4(seg.DstIP),
		DstPort: seg.DstPort,
	}

	if c, ok := m.connections[quad]; ok {
		readAvail, rcvClosed, err := c.OnPacket(ctx, seg)
		if err != nil {
			return err
		}
		if readAvail || rcvClosed {
			m.recvCond.Broadcast()
		}
		return nil
	}

	if _, bound := m.pending[seg.DstPort]; !bound {
		dlog.Debugf(ctx, "   TUN segment to unbound port %d dropped", seg.DstPort)
		return nil
	}
	if !seg.Flags.SYN {
		return nil
	}

	c, _, err := Accept(ctx, seg, m.out, m.metrics, m.issSource())
	if err != nil {
		return err
	}
	if c == nil {
		return nil
	}
	m.connections[quad] = c
	m.pending[seg.DstPort] = append(m.pending[seg.DstPort], quad)
	if m.metrics != nil {
		m.metrics.activeConnections.Set(float64(len(m.connections)))
	}
	m.pendingCond.Broadcast()
	return nil
}

// Tick drives on_tick for every connection (spec.md §4.D step 2) and
// reaps any connection that has outlived its TimeWait grace period
// (spec.md §3 "grace period after TimeWait"). Reaping broadcasts
// recvCond so a Read blocked on the reaped Quad wakes and observes the
// manager's defined "connection no longer exists" error instead of
// hanging forever.
func (m *ConnectionManager) Tick(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reaped := false
	for quad, c := range m.connections {
		if err := c.OnTick(ctx); err != nil {
			dlog.Errorf(ctx, "   CON %s tick error: %v", quad, err)
			continue
		}
		if c.Reapable() {
			dlog.Debugf(ctx, "CON %s reaped after TimeWait grace period", quad)
			delete(m.connections, quad)
			reaped = true
		}
	}
	if reaped {
		if m.metrics != nil {
			m.metrics.activeConnections.Set(float64(len(m.connections)))
		}
		m.recvCond.Broadcast()
	}
	return nil
}

// Shutdown sets the end flag and broadcasts on both condition
// variables so blocked accept/read callers wake and recheck it — the
// race spec.md §9 "Shutdown races" flags as open in the current
// design.
func (m *ConnectionManager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.pendingCond.Broadcast()
	m.recvCond.Broadcast()
}
