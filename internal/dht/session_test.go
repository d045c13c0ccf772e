package dht

import (
	"context"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestSessionPing(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", newFakeStore(), zerolog.Nop())
	require.NoError(t, err)
	go srv.Serve()
	defer srv.Stop()

	sess := NewSession(Neighbor{ID: "peer", IP: "127.0.0.1", Port: tcpPort(t, srv.Addr())}, zerolog.Nop())
	defer sess.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.True(t, sess.Ping(ctx))
	require.Equal(t, StateReady, sess.State())
}

func TestSessionRedialsAfterPeerRestart(t *testing.T) {
	srv, err := NewServer("127.0.0.1:0", newFakeStore(), zerolog.Nop())
	require.NoError(t, err)
	go srv.Serve()
	port := tcpPort(t, srv.Addr())

	sess := NewSession(Neighbor{ID: "peer", IP: "127.0.0.1", Port: port}, zerolog.Nop())
	defer sess.Close()
	require.Equal(t, StateReady, sess.State())

	srv.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, code := sess.Get(ctx, []byte("k"))
	cancel()
	require.NotEqual(t, int32(0), int32(code))

	// Bring a fresh server up on the same port; the next call re-dials.
	srv2, err := NewServer("127.0.0.1:"+strconv.Itoa(port), newFakeStore(), zerolog.Nop())
	require.NoError(t, err)
	go srv2.Serve()
	defer srv2.Stop()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.True(t, sess.Ping(ctx2))
	require.Equal(t, StateReady, sess.State())
}

func TestSessionTransmitArena(t *testing.T) {
	sess := NewSession(Neighbor{ID: "x", IP: "127.0.0.1", Port: 1}, zerolog.Nop())
	defer sess.Close()

	buf, release := sess.AllocKey(16)
	require.Len(t, buf, 16)
	copy(buf, "0123456789abcdef")
	release(buf)

	buf2, release2 := sess.AllocKey(16)
	require.Len(t, buf2, 16)
	release2(buf2)
}
