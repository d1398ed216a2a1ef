package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"

	"github.com/vsekhar/dgram/internal/circular"
)

const (
	defaultInboxLength = 64
	firstEphemeralPort = 49152
)

// ErrAddrInUse is returned by MemoryNetwork.Listen for an address that is
// already bound.
var ErrAddrInUse = errors.New("transport: address already in use")

// MemoryConfig configures a MemoryNetwork.
type MemoryConfig struct {
	// InboxLength is the number of datagrams each endpoint buffers before
	// dropping the oldest. Defaults to 64.
	InboxLength int
}

// MemoryNetwork connects Memory transports to each other without sockets.
// Delivery is immediate and lossless unless an inbox overflows.
type MemoryNetwork struct {
	cfg MemoryConfig

	mu        sync.Mutex
	endpoints map[netip.AddrPort]*endpoint
	nextPort  uint16
}

func NewMemoryNetwork(cfg MemoryConfig) *MemoryNetwork {
	if cfg.InboxLength <= 0 {
		cfg.InboxLength = defaultInboxLength
	}
	return &MemoryNetwork{
		cfg:       cfg,
		endpoints: make(map[netip.AddrPort]*endpoint),
		nextPort:  firstEphemeralPort,
	}
}

// Listen binds a Memory transport to addr. A zero port is replaced with a
// free port from the ephemeral range.
func (n *MemoryNetwork) Listen(addr netip.AddrPort) (*Memory, error) {
	if !addr.IsValid() {
		return nil, fmt.Errorf("transport: listen %s: invalid address", addr)
	}
	addr = netip.AddrPortFrom(addr.Addr().Unmap(), addr.Port())
	n.mu.Lock()
	defer n.mu.Unlock()
	if addr.Port() == 0 {
		port, ok := n.freePort(addr.Addr())
		if !ok {
			return nil, fmt.Errorf("transport: listen %s: %w", addr, ErrAddrInUse)
		}
		addr = netip.AddrPortFrom(addr.Addr(), port)
	} else if _, ok := n.endpoints[addr]; ok {
		return nil, fmt.Errorf("transport: listen %s: %w", addr, ErrAddrInUse)
	}
	ep := &endpoint{
		network: n,
		addr:    addr,
		inbox:   circular.NewBuffer[datagram](n.cfg.InboxLength),
	}
	n.endpoints[addr] = ep
	return &Memory{ep: ep}, nil
}

// freePort must be called with n.mu held.
func (n *MemoryNetwork) freePort(ip netip.Addr) (uint16, bool) {
	for i := 0; i < 1<<16-firstEphemeralPort; i++ {
		p := n.nextPort
		n.nextPort++
		if n.nextPort == 0 {
			n.nextPort = firstEphemeralPort
		}
		if _, ok := n.endpoints[netip.AddrPortFrom(ip, p)]; !ok {
			return p, true
		}
	}
	return 0, false
}

func (n *MemoryNetwork) deliver(d datagram, to netip.AddrPort) {
	to = netip.AddrPortFrom(to.Addr().Unmap(), to.Port())
	n.mu.Lock()
	ep, ok := n.endpoints[to]
	if !ok {
		// Fall back to an endpoint bound to the unspecified address.
		if to.Addr().Is4() {
			ep, ok = n.endpoints[netip.AddrPortFrom(netip.IPv4Unspecified(), to.Port())]
		} else {
			ep, ok = n.endpoints[netip.AddrPortFrom(netip.IPv6Unspecified(), to.Port())]
		}
	}
	n.mu.Unlock()
	if ok {
		ep.inbox.Store(d)
	}
}

func (n *MemoryNetwork) remove(ep *endpoint) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.endpoints[ep.addr] == ep {
		delete(n.endpoints, ep.addr)
	}
}

type datagram struct {
	payload []byte
	from    netip.AddrPort
}

type endpoint struct {
	network *MemoryNetwork
	addr    netip.AddrPort
	inbox   *circular.Buffer[datagram]
	closed  atomic.Bool
}

// Memory is a Transport attached to a MemoryNetwork. Clones share the same
// endpoint.
type Memory struct {
	ep *endpoint
}

var _ Transport = (*Memory)(nil)

// LocalAddr returns the address the endpoint is bound to.
func (m *Memory) LocalAddr() netip.AddrPort { return m.ep.addr }

// Send copies p into the inbox of the endpoint bound to "to". Datagrams to
// addresses nobody listens on are silently dropped.
func (m *Memory) Send(ctx context.Context, p []byte, to netip.AddrPort) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if m.ep.closed.Load() {
		return 0, net.ErrClosed
	}
	if !to.IsValid() {
		return 0, fmt.Errorf("transport: send to %s: invalid address", to)
	}
	m.ep.network.deliver(datagram{
		payload: append([]byte(nil), p...),
		from:    m.ep.addr,
	}, to)
	return len(p), nil
}

func (m *Memory) Recv(ctx context.Context, p []byte) (int, netip.AddrPort, error) {
	d, err := m.ep.inbox.LoadOrWait(ctx)
	if err != nil {
		if errors.Is(err, circular.ErrClosed) {
			err = net.ErrClosed
		}
		return 0, netip.AddrPort{}, err
	}
	return copy(p, d.payload), d.from, nil
}

func (m *Memory) RecvBuf(ctx context.Context, b Buffer) (int, netip.AddrPort, error) {
	return recvBuf(b, func(p []byte) (int, netip.AddrPort, error) {
		return m.Recv(ctx, p)
	})
}

// Clone returns a Memory sharing m's endpoint. It never fails.
func (m *Memory) Clone() (Transport, error) {
	return &Memory{ep: m.ep}, nil
}

func (m *Memory) LocalPort() (uint16, bool) {
	if m.ep.closed.Load() {
		return 0, false
	}
	return m.ep.addr.Port(), true
}

// Dropped returns the number of datagrams discarded because the inbox was
// full.
func (m *Memory) Dropped() uint64 { return m.ep.inbox.Dropped() }

// Close unbinds the endpoint and wakes blocked receivers. Every clone is
// affected.
func (m *Memory) Close() error {
	if !m.ep.closed.CompareAndSwap(false, true) {
		return net.ErrClosed
	}
	m.ep.network.remove(m.ep)
	m.ep.inbox.Close()
	return nil
}
