package transport

import (
	"context"
	"fmt"
	"net/netip"

	"github.com/charmbracelet/log"
)

type TraceLogger interface {
	Printf(string, ...interface{})
}

type tracingTransport struct {
	transport Transport // don't embed, so we can be sure we are logging all the methods
	logger    TraceLogger
}

var _ Transport = (*tracingTransport)(nil)

// Trace returns a Transport that logs every call to t and its result. A nil
// logger logs to the default charmbracelet logger.
func Trace(t Transport, logger TraceLogger) Transport {
	r := &tracingTransport{
		transport: t,
		logger:    logger,
	}
	if r.logger == nil {
		r.logger = log.Default()
	}
	return r
}

func (l *tracingTransport) log(x string, args ...interface{}) {
	port := "?"
	if p, ok := l.transport.LocalPort(); ok {
		port = fmt.Sprint(p)
	}
	l.logger.Printf("transport(:%s): %s", port, fmt.Sprintf(x, args...))
}

func (l *tracingTransport) Send(ctx context.Context, p []byte, to netip.AddrPort) (int, error) {
	l.log("Send(%x, %s)...", p, to)
	n, err := l.transport.Send(ctx, p, to)
	l.log("Send(%x, %s) --> %d, %v", p, to, n, err)
	return n, err
}

func (l *tracingTransport) Recv(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	l.log("Recv(%d bytes)...", len(p))
	n, from, err := l.transport.Recv(ctx, p)
	l.log("Recv(%x) --> %d, %s, %v", p[:n], n, from, err)
	return n, from, err
}

func (l *tracingTransport) RecvBuf(ctx context.Context, b Buffer) (int, netip.AddrPort, error) {
	l.log("RecvBuf(%d bytes available)...", b.Available())
	n, from, err := l.transport.RecvBuf(ctx, b)
	l.log("RecvBuf --> %d, %s, %v", n, from, err)
	return n, from, err
}

func (l *tracingTransport) Clone() (Transport, error) {
	c, err := l.transport.Clone()
	if err != nil {
		l.log("clone error: %v", err)
		return nil, err
	}
	l.log("cloned")
	return Trace(c, l.logger), nil
}

// Not traced

func (l *tracingTransport) LocalPort() (uint16, bool) { return l.transport.LocalPort() }
