package transport_test

import (
	"context"
	"errors"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/vsekhar/dgram/transport"
)

func listenUDP(t *testing.T) *net.UDPConn {
	t.Helper()
	c, err := net.ListenUDP("udp4", net.UDPAddrFromAddrPort(loopback))
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestBindResolvesEphemeralPort(t *testing.T) {
	u := bindLoopback(t)
	a := u.LocalAddr()
	assert.Equal(t, netip.MustParseAddr("127.0.0.1"), a.Addr())
	assert.NotZero(t, a.Port())
	port, ok := u.LocalPort()
	require.True(t, ok)
	assert.Equal(t, a.Port(), port)
}

func TestBindAddressInUse(t *testing.T) {
	u := bindLoopback(t)
	_, err := transport.Bind(context.Background(), u.LocalAddr())
	assert.Error(t, err)
}

func TestBindInvalidAddress(t *testing.T) {
	_, err := transport.Bind(context.Background(), netip.AddrPort{})
	assert.Error(t, err)
}

func TestFromConn(t *testing.T) {
	c := listenUDP(t)
	u, err := transport.FromConn(c)
	require.NoError(t, err)
	assert.Equal(t, c.LocalAddr().(*net.UDPAddr).AddrPort(), u.LocalAddr())

	peer := bindLoopback(t)
	send(t, peer, []byte(payload), u.LocalAddr())
	buf := make([]byte, len(payload))
	n, from, err := u.Recv(timeout(t), buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))
	assert.Equal(t, peer.LocalAddr(), from)
}

func TestFromConnRejectsClosedAndNil(t *testing.T) {
	_, err := transport.FromConn(nil)
	assert.Error(t, err)
	_, err = transport.FromFile(nil)
	assert.Error(t, err)

	c := listenUDP(t)
	require.NoError(t, c.Close())
	_, err = transport.FromConn(c)
	assert.Error(t, err)
}

func TestFromFile(t *testing.T) {
	c := listenUDP(t)
	f, err := c.File()
	require.NoError(t, err)
	u, err := transport.FromFile(f)
	require.NoError(t, err)
	require.NoError(t, f.Close())
	t.Cleanup(func() { u.Close() })
	assert.Equal(t, c.LocalAddr().(*net.UDPAddr).AddrPort(), u.LocalAddr())
}

func TestSwapIsSharedByClones(t *testing.T) {
	u := bindLoopback(t)
	bound := u.LocalAddr()
	clone, err := u.Clone()
	require.NoError(t, err)

	next := listenUDP(t)
	nextAddr := next.LocalAddr().(*net.UDPAddr).AddrPort()
	old, err := u.Swap(next)
	require.NoError(t, err)
	defer old.Close()

	assert.Equal(t, bound, u.LocalAddr(), "bound address must survive a swap")
	port, ok := clone.LocalPort()
	require.True(t, ok)
	assert.Equal(t, nextAddr.Port(), port)

	peer := bindLoopback(t)
	send(t, peer, []byte(payload), nextAddr)
	buf := make([]byte, len(payload))
	n, from, err := clone.Recv(timeout(t), buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))
	assert.Equal(t, peer.LocalAddr(), from)
}

func TestSwapDoesNotMoveCallInProgress(t *testing.T) {
	u := bindLoopback(t)
	bound := u.LocalAddr()
	got := make(chan string, 1)
	ctx := timeout(t)
	go func() {
		buf := make([]byte, 64)
		n, _, err := u.Recv(ctx, buf)
		if err != nil {
			got <- err.Error()
			return
		}
		got <- string(buf[:n])
	}()
	time.Sleep(50 * time.Millisecond)

	old, err := u.Swap(listenUDP(t))
	require.NoError(t, err)
	defer old.Close()

	peer := bindLoopback(t)
	send(t, peer, []byte("to old socket"), bound)
	assert.Equal(t, "to old socket", <-got)
}

func TestSwapRejectsNil(t *testing.T) {
	u := bindLoopback(t)
	_, err := u.Swap(nil)
	assert.Error(t, err)

	// The slot is untouched.
	port, ok := u.LocalPort()
	require.True(t, ok)
	assert.Equal(t, u.LocalAddr().Port(), port)
}

func TestRebind(t *testing.T) {
	u, err := transport.Config{ReusePort: true}.Bind(context.Background(), loopback)
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	bound := u.LocalAddr()

	old, err := u.Rebind(context.Background())
	require.NoError(t, err)
	require.NoError(t, old.Close())

	port, ok := u.LocalPort()
	require.True(t, ok)
	assert.Equal(t, bound.Port(), port)
	assert.Equal(t, bound, u.LocalAddr())

	peer := bindLoopback(t)
	send(t, peer, []byte(payload), bound)
	buf := make([]byte, len(payload))
	n, _, err := u.Recv(timeout(t), buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))
}

func TestRebindWithoutReusePort(t *testing.T) {
	u := bindLoopback(t)
	_, err := u.Rebind(context.Background())
	assert.Error(t, err)

	// Once the socket is closed its port can be bound again.
	require.NoError(t, u.Close())
	old, err := u.Rebind(context.Background())
	require.NoError(t, err)
	old.Close()
	port, ok := u.LocalPort()
	require.True(t, ok)
	assert.Equal(t, u.LocalAddr().Port(), port)
}

func TestRebindUnderConcurrentUse(t *testing.T) {
	const (
		workers = 4
		rebinds = 20
	)
	u, err := transport.Config{ReusePort: true}.Bind(context.Background(), loopback)
	require.NoError(t, err)
	t.Cleanup(func() { u.Close() })
	bound := u.LocalAddr()
	peer := bindLoopback(t)

	ctx, stop := context.WithCancel(context.Background())
	defer stop()
	// Calls may land on a socket that was drained and closed under them.
	expected := func(err error) error {
		if err == nil || errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
			return nil
		}
		return err
	}

	var g errgroup.Group
	for i := 0; i < workers; i++ {
		c, err := u.Clone()
		require.NoError(t, err)
		g.Go(func() error {
			buf := make([]byte, 64)
			for ctx.Err() == nil {
				if _, _, err := c.Recv(ctx, buf); expected(err) != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			for ctx.Err() == nil {
				if _, err := c.Send(ctx, []byte(payload), peer.LocalAddr()); expected(err) != nil {
					return err
				}
				time.Sleep(time.Millisecond)
			}
			return nil
		})
	}
	g.Go(func() error {
		for ctx.Err() == nil {
			if _, err := peer.Send(ctx, []byte(payload), bound); expected(err) != nil {
				return err
			}
			time.Sleep(time.Millisecond)
		}
		return nil
	})
	g.Go(func() error {
		defer stop()
		for i := 0; i < rebinds; i++ {
			time.Sleep(5 * time.Millisecond)
			old, err := u.Rebind(ctx)
			if err != nil {
				return err
			}
			if err := old.Close(); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, g.Wait())

	port, ok := u.LocalPort()
	require.True(t, ok)
	assert.Equal(t, bound.Port(), port)
	send(t, peer, []byte(payload), bound)
	buf := make([]byte, 64)
	n, from, err := u.Recv(timeout(t), buf)
	require.NoError(t, err)
	assert.Equal(t, payload, string(buf[:n]))
	assert.Equal(t, peer.LocalAddr(), from)
}
