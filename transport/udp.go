package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"sync/atomic"
	"syscall"

	reuse "github.com/libp2p/go-reuseport"
)

var errNoLocalAddr = errors.New("local address unavailable")

// Config configures sockets opened by Bind and Rebind.
type Config struct {
	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT before binding. Rebind
	// needs it to open a replacement socket while the current one is open.
	ReusePort bool
}

// UDP is a Transport over a UDP socket.
//
// The socket lives in a slot shared by all clones of a UDP. Swap and Rebind
// replace the socket for every clone at once; calls already in progress
// finish on the socket they started with.
type UDP struct {
	sock  *atomic.Pointer[socket]
	bound netip.AddrPort
	cfg   Config
}

var _ Transport = (*UDP)(nil)

// Bind opens a UDP socket bound to addr.
func Bind(ctx context.Context, addr netip.AddrPort) (*UDP, error) {
	return Config{}.Bind(ctx, addr)
}

// Bind opens a UDP socket bound to addr. A zero port or unspecified IP is
// resolved by the OS; LocalAddr reports the result.
func (c Config) Bind(ctx context.Context, addr netip.AddrPort) (*UDP, error) {
	conn, err := c.listen(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("transport: bind %s: %w", addr, err)
	}
	t, err := adopt(conn, c)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func (c Config) listen(ctx context.Context, addr netip.AddrPort) (net.PacketConn, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("invalid address")
	}
	network := "udp"
	if addr.Addr().Is4() {
		network = "udp4"
	}
	var lc net.ListenConfig
	if c.ReusePort {
		lc.Control = reuse.Control
	}
	return lc.ListenPacket(ctx, network, addr.String())
}

// FromConn wraps an already open packet socket without rebinding it.
func FromConn(conn net.PacketConn) (*UDP, error) {
	if conn == nil {
		return nil, fmt.Errorf("transport: nil connection")
	}
	return adopt(conn, Config{})
}

// FromFile wraps an open socket descriptor, for example one inherited from a
// privileged parent process. The descriptor is duplicated, so f may be closed
// once FromFile returns.
func FromFile(f *os.File) (*UDP, error) {
	if f == nil {
		return nil, fmt.Errorf("transport: nil file")
	}
	conn, err := net.FilePacketConn(f)
	if err != nil {
		return nil, fmt.Errorf("transport: adopt %s: %w", f.Name(), err)
	}
	t, err := adopt(conn, Config{})
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

func adopt(conn net.PacketConn, cfg Config) (*UDP, error) {
	s := newSocket(conn)
	bound, err := s.localAddr()
	if err != nil {
		return nil, fmt.Errorf("transport: adopt: %w", err)
	}
	t := &UDP{
		sock:  new(atomic.Pointer[socket]),
		bound: bound,
		cfg:   cfg,
	}
	t.sock.Store(s)
	return t, nil
}

// LocalAddr returns the address the transport was bound to when it was
// created. It does not change when the socket is swapped.
func (t *UDP) LocalAddr() netip.AddrPort { return t.bound }

func (t *UDP) Send(ctx context.Context, p []byte, to netip.AddrPort) (int, error) {
	return t.sock.Load().send(ctx, p, to)
}

func (t *UDP) Recv(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	return t.sock.Load().recv(ctx, p)
}

func (t *UDP) RecvBuf(ctx context.Context, b Buffer) (int, netip.AddrPort, error) {
	s := t.sock.Load()
	return recvBuf(b, func(p []byte) (int, netip.AddrPort, error) {
		return s.recv(ctx, p)
	})
}

// Clone returns a UDP sharing t's socket slot. It never fails.
func (t *UDP) Clone() (Transport, error) {
	c := *t
	return &c, nil
}

// LocalPort returns the port of the socket currently in the slot.
func (t *UDP) LocalPort() (uint16, bool) {
	a, err := t.sock.Load().localAddr()
	if err != nil {
		return 0, false
	}
	return a.Port(), true
}

// Swap installs conn as the socket for t and all its clones and returns the
// socket it replaced. The returned socket is left open; callers close it
// when calls still using it no longer matter.
func (t *UDP) Swap(conn net.PacketConn) (net.PacketConn, error) {
	if conn == nil {
		return nil, fmt.Errorf("transport: swap with nil connection")
	}
	return t.sock.Swap(newSocket(conn)).conn, nil
}

// Rebind opens a new socket at LocalAddr and swaps it in, returning the old
// socket unclosed. Unless the old socket has been closed, t must have been
// bound with Config.ReusePort.
func (t *UDP) Rebind(ctx context.Context) (net.PacketConn, error) {
	conn, err := t.cfg.listen(ctx, t.bound)
	if err != nil {
		return nil, fmt.Errorf("transport: rebind %s: %w", t.bound, err)
	}
	return t.Swap(conn)
}

// Close closes the current socket. Every clone is affected.
func (t *UDP) Close() error {
	return t.sock.Load().close()
}

type socket struct {
	conn   net.PacketConn
	closed atomic.Bool
	rd, wr interrupter
}

func newSocket(conn net.PacketConn) *socket {
	s := &socket{conn: conn}
	s.rd.set = conn.SetReadDeadline
	s.wr.set = conn.SetWriteDeadline
	return s
}

func (s *socket) send(ctx context.Context, p []byte, to netip.AddrPort) (n int, err error) {
	err = s.wr.do(ctx, func() error {
		var err error
		if uc, ok := s.conn.(*net.UDPConn); ok {
			n, err = uc.WriteToUDPAddrPort(p, to)
		} else {
			n, err = s.conn.WriteTo(p, net.UDPAddrFromAddrPort(to))
		}
		return err
	})
	return n, err
}

func (s *socket) recv(ctx context.Context, p []byte) (n int, from netip.AddrPort, err error) {
	err = s.rd.do(ctx, func() error {
		var err error
		if uc, ok := s.conn.(*net.UDPConn); ok {
			n, from, err = uc.ReadFromUDPAddrPort(p)
			from = netip.AddrPortFrom(from.Addr().Unmap(), from.Port())
			return err
		}
		var a net.Addr
		n, a, err = s.conn.ReadFrom(p)
		if err != nil {
			return err
		}
		from, err = addrPortOf(a)
		return err
	})
	return n, from, err
}

// localAddr queries the socket rather than trusting the cached net.Addr, which
// a closed *net.UDPConn keeps reporting.
func (s *socket) localAddr() (netip.AddrPort, error) {
	if s.closed.Load() {
		return netip.AddrPort{}, net.ErrClosed
	}
	if sc, ok := s.conn.(syscall.Conn); ok {
		rc, err := sc.SyscallConn()
		if err != nil {
			return netip.AddrPort{}, err
		}
		if err := rc.Control(func(uintptr) {}); err != nil {
			return netip.AddrPort{}, err
		}
	}
	return addrPortOf(s.conn.LocalAddr())
}

func (s *socket) close() error {
	s.closed.Store(true)
	return s.conn.Close()
}

func addrPortOf(a net.Addr) (netip.AddrPort, error) {
	var ap netip.AddrPort
	switch a := a.(type) {
	case nil:
		return ap, errNoLocalAddr
	case *net.UDPAddr:
		if a == nil {
			return ap, errNoLocalAddr
		}
		ap = a.AddrPort()
	default:
		var err error
		if ap, err = netip.ParseAddrPort(a.String()); err != nil {
			return ap, fmt.Errorf("%s address %q: %w", a.Network(), a.String(), err)
		}
	}
	if !ap.IsValid() {
		return ap, errNoLocalAddr
	}
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
