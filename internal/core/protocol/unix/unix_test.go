package unix

import (
	"context"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
)

func testConfig(t *testing.T) protocol.Config {
	t.Helper()
	dir, err := os.MkdirTemp("", "kantan")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })

	cfg := protocol.DefaultConfig()
	cfg.SocketDir = dir
	cfg.WriteTimeout = time.Second
	return cfg
}

func TestListener_AcceptHonoursContext(t *testing.T) {
	l, err := Listen(testConfig(t), log.Nop())
	require.NoError(t, err)
	defer l.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	// the listener stays usable after an interrupted accept
	done := make(chan protocol.Connection, 1)
	go func() {
		c, err := l.Accept(context.Background())
		if err == nil {
			done <- c
		}
	}()

	client, err := Dial(context.Background(), l.config)
	require.NoError(t, err)
	defer client.Close()

	select {
	case c := <-done:
		require.NoError(t, c.Close())
	case <-time.After(time.Second):
		t.Fatal("accept did not return")
	}
}

func TestListener_CloseUnlinksSocket(t *testing.T) {
	cfg := testConfig(t)
	l, err := Listen(cfg, log.Nop())
	require.NoError(t, err)

	_, err = os.Stat(cfg.SocketPath())
	require.NoError(t, err)

	require.NoError(t, l.Close())
	_, err = os.Stat(cfg.SocketPath())
	assert.True(t, os.IsNotExist(err))

	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, protocol.ErrListenerClosed)
}

func TestListen_StaleSocket(t *testing.T) {
	cfg := testConfig(t)

	// a socket file with nobody behind it
	stale, err := net.ListenUnix("unix", &net.UnixAddr{Name: cfg.SocketPath(), Net: "unix"})
	require.NoError(t, err)
	stale.SetUnlinkOnClose(false)
	require.NoError(t, stale.Close())

	l, err := Listen(cfg, log.Nop())
	require.NoError(t, err)
	defer l.Close()

	// a live endpoint is not taken over
	_, err = Listen(cfg, log.Nop())
	assert.ErrorIs(t, err, protocol.ErrListenFailed)
}

func TestListen_RefusesRegularFile(t *testing.T) {
	cfg := testConfig(t)
	require.NoError(t, os.WriteFile(filepath.Join(cfg.SocketDir, cfg.Endpoint+".sock"), nil, 0o600))

	_, err := Listen(cfg, log.Nop())
	assert.ErrorIs(t, err, protocol.ErrListenFailed)
}

func TestConnection_WriteAfterPeerCloses(t *testing.T) {
	cfg := testConfig(t)
	l, err := Listen(cfg, log.Nop())
	require.NoError(t, err)
	defer l.Close()

	client, err := Dial(context.Background(), cfg)
	require.NoError(t, err)

	conn, err := l.Accept(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.Write(context.Background(), protocol.Heartbeat()))
	buf := make([]byte, 3)
	_, err = client.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, "{}\n", string(buf))

	require.NoError(t, client.Close())

	// the first write after the peer leaves may still land in the kernel buffer
	assert.Eventually(t, func() bool {
		err := conn.Write(context.Background(), protocol.Heartbeat())
		return err != nil && protocol.IsPeerGone(err)
	}, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, conn.(*Connection).BytesSent(), uint64(3))
}
