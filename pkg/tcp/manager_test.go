package tcp

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/vnetio/usertcp/pkg/header"
	"github.com/vnetio/usertcp/pkg/seqnum"
)

func zeroISS() seqnum.Value { return 0 }

func synFrom(srcPort, dstPort uint16, seq uint32) *header.Segment {
	return &header.Segment{
		SrcIP: []byte{10, 0, 0, 2}, DstIP: []byte{10, 0, 0, 1},
		SrcPort: srcPort, DstPort: dstPort,
		Seq: seq, Window: 64240,
		Flags: header.Flags{SYN: true},
	}
}

func TestManagerBindRejectsDuplicatePort(t *testing.T) {
	m := NewConnectionManager(&captureSender{}, nil, zeroISS)
	require.True(t, m.Bind(80))
	require.False(t, m.Bind(80))
}

func TestManagerAcceptBlocksUntilSYN(t *testing.T) {
	sender := &captureSender{}
	m := NewConnectionManager(sender, nil, zeroISS)
	require.True(t, m.Bind(80))

	done := make(chan Quad, 1)
	go func() {
		quad, ok := m.Accept(80)
		require.True(t, ok)
		done <- quad
	}()

	// give the accept goroutine a chance to block on pendingCond.
	time.Sleep(10 * time.Millisecond)

	ctx := context.Background()
	require.NoError(t, m.HandleSegment(ctx, synFrom(50000, 80, 1000)))

	select {
	case quad := <-done:
		require.Equal(t, uint16(80), quad.DstPort)
	case <-time.After(time.Second):
		t.Fatal("Accept never woke up after HandleSegment enqueued a pending connection")
	}
}

func TestManagerHandleSegmentToUnboundPortIsNoop(t *testing.T) {
	sender := &captureSender{}
	m := NewConnectionManager(sender, nil, zeroISS)
	ctx := context.Background()
	require.NoError(t, m.HandleSegment(ctx, synFrom(50000, 81, 1000)))
	require.Empty(t, m.connections)
}

func TestManagerReadBlocksUntilDataArrivesThenDrains(t *testing.T) {
	sender := &captureSender{}
	m := NewConnectionManager(sender, nil, zeroISS)
	require.True(t, m.Bind(80))
	ctx := context.Background()

	require.NoError(t, m.HandleSegment(ctx, synFrom(50000, 80, 1000)))
	quad, ok := m.Accept(80)
	require.True(t, ok)

	readDone := make(chan []byte, 1)
	go func() {
		buf := make([]byte, 16)
		n, err := m.Read(quad, buf)
		require.NoError(t, err)
		readDone <- buf[:n]
	}()

	time.Sleep(10 * time.Millisecond)
	require.NoError(t, m.HandleSegment(ctx, &header.Segment{
		SrcIP: []byte{10, 0, 0, 2}, DstIP: []byte{10, 0, 0, 1},
		SrcPort: 50000, DstPort: 80, Seq: 1001, Ack: 1,
		Flags: header.Flags{ACK: true, PSH: true}, Payload: []byte("hi"),
	}))

	select {
	case got := <-readDone:
		require.Equal(t, "hi", string(got))
	case <-time.After(time.Second):
		t.Fatal("Read never woke up after data arrived")
	}
}

func TestManagerTickReapsExpiredTimeWait(t *testing.T) {
	sender := &captureSender{}
	m := NewConnectionManager(sender, nil, zeroISS)
	require.True(t, m.Bind(80))
	ctx := context.Background()

	require.NoError(t, m.HandleSegment(ctx, synFrom(50000, 80, 1000)))
	quad, ok := m.Accept(80)
	require.True(t, ok)

	require.NoError(t, m.HandleSegment(ctx, &header.Segment{
		SrcIP: []byte{10, 0, 0, 2}, DstIP: []byte{10, 0, 0, 1},
		SrcPort: 50000, DstPort: 80, Seq: 1001, Ack: 1,
		Flags: header.Flags{ACK: true},
	}))
	require.NoError(t, m.HandleSegment(ctx, &header.Segment{
		SrcIP: []byte{10, 0, 0, 2}, DstIP: []byte{10, 0, 0, 1},
		SrcPort: 50000, DstPort: 80, Seq: 1001, Ack: 1,
		Flags: header.Flags{FIN: true, ACK: true},
	}))

	// Orderly close already returns 0 without blocking.
	buf := make([]byte, 1)
	n, err := m.Read(quad, buf)
	require.NoError(t, err)
	require.Equal(t, 0, n)

	m.mu.Lock()
	c := m.connections[quad]
	require.Equal(t, StateTimeWait, c.state)
	c.timeWaitAt = time.Now().Add(-2 * timeWaitDuration) // force the grace period to have elapsed
	m.mu.Unlock()

	require.NoError(t, m.Tick(ctx))

	m.mu.Lock()
	_, stillPresent := m.connections[quad]
	m.mu.Unlock()
	require.False(t, stillPresent, "Tick must reap a connection past its TimeWait grace period")

	_, err = m.Read(quad, buf)
	require.Error(t, err, "reading a reaped connection must report the defined does-not-exist error")
}

func TestManagerShutdownWakesBlockedWaiters(t *testing.T) {
	sender := &captureSender{}
	m := NewConnectionManager(sender, nil, zeroISS)
	require.True(t, m.Bind(80))

	done := make(chan bool, 1)
	go func() {
		_, ok := m.Accept(80)
		done <- ok
	}()

	time.Sleep(10 * time.Millisecond)
	m.Shutdown()

	select {
	case ok := <-done:
		require.False(t, ok, "Accept must report failure once the manager is shut down")
	case <-time.After(time.Second):
		t.Fatal("Shutdown did not wake the blocked Accept call")
	}
}
