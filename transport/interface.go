// Package transport provides a datagram transport abstraction and its
// implementations: UDP over an OS socket that can be replaced while in use,
// an in-memory network for tests, and a tracing decorator.
package transport

import (
	"context"
	"net/netip"
)

// MinRecvBufGrowth is the spare capacity RecvBuf asks a Buffer for before
// receiving.
const MinRecvBufGrowth = 1500

// Buffer is a growable destination for RecvBuf. *bytes.Buffer implements it.
type Buffer interface {
	Available() int
	AvailableBuffer() []byte
	Grow(n int)
	Write(p []byte) (int, error)
}

// Transport sends and receives datagrams to and from arbitrary peers.
//
// Implementations must be safe for concurrent use. Send, Recv and RecvBuf
// block only the calling goroutine and return ctx.Err() if ctx is done before
// they complete.
type Transport interface {
	// Send transmits p to the given address and returns the number of bytes
	// accepted by the local stack. Delivery is not guaranteed.
	Send(ctx context.Context, p []byte, to netip.AddrPort) (int, error)

	// Recv waits for a datagram and copies it into p, truncating it if it is
	// larger than p.
	Recv(ctx context.Context, p []byte) (int, netip.AddrPort, error)

	// RecvBuf is like Recv but receives into the spare capacity of b and
	// advances b by the number of bytes received. If b has less than
	// MinRecvBufGrowth bytes available it is grown by MinRecvBufGrowth
	// first. The datagram is truncated to whatever capacity b then exposes.
	RecvBuf(ctx context.Context, b Buffer) (int, netip.AddrPort, error)

	// Clone returns a new handle to the same underlying resource.
	Clone() (Transport, error)

	// LocalPort returns the locally bound port, or false if it cannot be
	// determined right now.
	LocalPort() (uint16, bool)
}

// recvBuf implements RecvBuf on top of a Recv function.
func recvBuf(b Buffer, recv func(p []byte) (int, netip.AddrPort, error)) (int, netip.AddrPort, error) {
	if b.Available() < MinRecvBufGrowth {
		b.Grow(MinRecvBufGrowth)
	}
	p := b.AvailableBuffer()
	p = p[:cap(p)]
	n, from, err := recv(p)
	if err != nil {
		return n, from, err
	}
	if _, err := b.Write(p[:n]); err != nil {
		return 0, from, err
	}
	return n, from, nil
}
