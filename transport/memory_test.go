package transport_test

import (
	"context"
	"net"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vsekhar/dgram/transport"
)

func TestMemoryEphemeralPorts(t *testing.T) {
	n := transport.NewMemoryNetwork(transport.MemoryConfig{})
	a, err := n.Listen(loopback)
	require.NoError(t, err)
	b, err := n.Listen(loopback)
	require.NoError(t, err)
	assert.Equal(t, uint16(49152), a.LocalAddr().Port())
	assert.Equal(t, uint16(49153), b.LocalAddr().Port())

	// A released port is not handed out again while others are free.
	require.NoError(t, a.Close())
	c, err := n.Listen(loopback)
	require.NoError(t, err)
	assert.Equal(t, uint16(49154), c.LocalAddr().Port())
}

func TestMemoryAddrInUse(t *testing.T) {
	n := transport.NewMemoryNetwork(transport.MemoryConfig{})
	addr := netip.MustParseAddrPort("10.0.0.1:53")
	m, err := n.Listen(addr)
	require.NoError(t, err)
	_, err = n.Listen(addr)
	assert.ErrorIs(t, err, transport.ErrAddrInUse)

	require.NoError(t, m.Close())
	_, err = n.Listen(addr)
	assert.NoError(t, err)
}

func TestMemoryUnknownDestination(t *testing.T) {
	p := memoryPair(t)
	n, err := p.a.Send(context.Background(), []byte(payload), netip.MustParseAddrPort("127.0.0.1:9"))
	require.NoError(t, err)
	assert.Equal(t, len(payload), n)
}

func TestMemoryUnspecifiedAddress(t *testing.T) {
	n := transport.NewMemoryNetwork(transport.MemoryConfig{})
	srv, err := n.Listen(netip.MustParseAddrPort("0.0.0.0:7"))
	require.NoError(t, err)
	cli, err := n.Listen(loopback)
	require.NoError(t, err)

	send(t, cli, []byte(payload), netip.MustParseAddrPort("127.0.0.1:7"))
	buf := make([]byte, len(payload))
	got, from, err := srv.Recv(timeout(t), buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:got]))
	assert.Equal(t, cli.LocalAddr(), from)
}

func TestMemoryInboxOverflow(t *testing.T) {
	n := transport.NewMemoryNetwork(transport.MemoryConfig{InboxLength: 2})
	a, err := n.Listen(loopback)
	require.NoError(t, err)
	b, err := n.Listen(loopback)
	require.NoError(t, err)

	for _, s := range []string{"1", "2", "3"} {
		send(t, a, []byte(s), b.LocalAddr())
	}
	assert.Equal(t, uint64(1), b.Dropped())

	buf := make([]byte, 1)
	for _, want := range []string{"2", "3"} {
		_, _, err := b.Recv(timeout(t), buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf))
	}
}

func TestMemorySendCopiesPayload(t *testing.T) {
	p := memoryPair(t)
	msg := []byte("abc")
	send(t, p.a, msg, p.bAddr)
	msg[0] = 'x'
	buf := make([]byte, 3)
	_, _, err := p.b.Recv(timeout(t), buf)
	require.NoError(t, err)
	assert.Equal(t, "abc", string(buf))
}

func TestMemoryDoubleClose(t *testing.T) {
	p := memoryPair(t)
	require.NoError(t, p.a.Close())
	assert.ErrorIs(t, p.a.Close(), net.ErrClosed)
}
