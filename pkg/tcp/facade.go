package tcp

import (
	"context"
	"fmt"
)

// Interface is the application-facing handle onto one TUN-backed
// stack: Component F's entry point for binding listeners. It pairs a
// ConnectionManager with the packet loop that drives it.
type Interface struct {
	manager *ConnectionManager
	loop    *packetLoop
}

// Bind registers a listener on port, failing if the port is already
// bound (spec.md §6).
func (i *Interface) Bind(port uint16) (*Listener, bool) {
	if !i.manager.Bind(port) {
		return nil, false
	}
	return &Listener{manager: i.manager, port: port}, true
}

// Close tears down the packet loop and wakes every blocked accept/read.
func (i *Interface) Close(ctx context.Context) error {
	return i.loop.stop(ctx)
}

// Listener is a bound port's accept queue.
type Listener struct {
	manager *ConnectionManager
	port    uint16
}

// Accept blocks until a peer's SYN has been accepted on this port. It
// does not wait for the handshake to complete: the returned Stream's
// connection may still be in SynRcvd.
func (l *Listener) Accept() (*Stream, error) {
	quad, ok := l.manager.Accept(l.port)
	if !ok {
		return nil, fmt.Errorf("tcp: interface closed")
	}
	return &Stream{manager: l.manager, quad: quad}, nil
}

// Stream is one accepted connection's blocking read/write surface.
type Stream struct {
	manager *ConnectionManager
	quad    Quad
}

// Read blocks until payload is available, the connection's receive
// side closes (returning 0, nil), or the connection is gone
// (returning an error).
func (s *Stream) Read(buf []byte) (int, error) {
	return s.manager.Read(s.quad, buf)
}

// Write queues buf for transmission at the next tick and never blocks.
func (s *Stream) Write(ctx context.Context, buf []byte) (int, error) {
	return s.manager.Write(ctx, s.quad, buf)
}

// Close initiates an active shutdown of the underlying connection.
func (s *Stream) Close(ctx context.Context) error {
	return s.manager.Close(ctx, s.quad)
}
