package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tokamak/kantan/internal/core/observability/log"
	"github.com/tokamak/kantan/internal/core/protocol"
	"github.com/tokamak/kantan/internal/core/tracking"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

type fakeListener struct {
	conns chan protocol.Connection
}

func newFakeListener() *fakeListener {
	return &fakeListener{conns: make(chan protocol.Connection)}
}

func (l *fakeListener) Accept(ctx context.Context) (protocol.Connection, error) {
	select {
	case c := <-l.conns:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *fakeListener) Addr() net.Addr { return fakeAddr("fake-listener") }
func (l *fakeListener) Close() error   { return nil }

// fakeConn records frames and fails writes once the peer is marked gone.
type fakeConn struct {
	mu     sync.Mutex
	frames [][]byte
	gone   bool
	closed bool
}

func (c *fakeConn) ID() string           { return "fake" }
func (c *fakeConn) RemoteAddr() net.Addr { return fakeAddr("fake-peer") }

func (c *fakeConn) Write(_ context.Context, frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gone || c.closed {
		return protocol.Disconnected(errors.New("broken pipe"))
	}
	c.frames = append(c.frames, bytes.Clone(frame))
	return nil
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) vanish() {
	c.mu.Lock()
	c.gone = true
	c.mu.Unlock()
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// batches returns the decoded non-heartbeat frames and the heartbeat count.
func (c *fakeConn) batches(t *testing.T) ([]tracking.Updates, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []tracking.Updates
	beats := 0
	for _, frame := range c.frames {
		require.Equal(t, protocol.MessageDelimiter, frame[len(frame)-1])
		if protocol.IsHeartbeat(frame) {
			beats++
			continue
		}
		updates, err := protocol.DecodeFrame(frame[:len(frame)-1])
		require.NoError(t, err)
		out = append(out, updates)
	}
	return out, beats
}

type keepAliveConn struct {
	fakeConn
	lost chan struct{}
}

func (c *keepAliveConn) Lost() <-chan struct{} { return c.lost }

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.ProbeInterval = 20 * time.Millisecond
	cfg.AcceptBackoff = 5 * time.Millisecond
	return cfg
}

type runResult struct {
	done chan struct{}
	err  error
}

func startServer(t *testing.T, registry *tracking.Registry, listener protocol.Listener) (*Server, context.CancelFunc, *runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := New(testConfig(), registry, listener, log.Nop())
	result := &runResult{done: make(chan struct{})}
	go func() {
		result.err = srv.Run(ctx)
		close(result.done)
	}()
	t.Cleanup(func() {
		cancel()
		select {
		case <-result.done:
		case <-time.After(2 * time.Second):
			t.Error("server did not stop")
		}
	})
	return srv, cancel, result
}

func TestServer_PushesInitialCatchUp(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	require.NoError(t, registry.NotifyOpened("file:///a.decl", "x"))

	listener := newFakeListener()
	srv, _, _ := startServer(t, registry, listener)

	conn := &fakeConn{}
	listener.conns <- conn

	require.Eventually(t, func() bool {
		batches, _ := conn.batches(t)
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)

	batches, _ := conn.batches(t)
	events := batches[0]["file:///a.decl"]
	require.Len(t, events, 2)
	assert.Equal(t, tracking.KindOpen, events[0].Kind())
	assert.Equal(t, []tracking.TextModification{{Range: tracking.EmptyRange(0), Text: "x"}}, events[1].(tracking.Edit).Edits)

	require.NoError(t, registry.NotifyUpdated("file:///a.decl",
		[]tracking.TextModification{{Range: tracking.EmptyRange(1), Text: "="}}, "x="))

	require.Eventually(t, func() bool {
		batches, _ := conn.batches(t)
		return len(batches) == 2
	}, time.Second, 5*time.Millisecond)

	batches, _ = conn.batches(t)
	assert.Len(t, batches[1]["file:///a.decl"], 1)
	assert.Equal(t, StateConnected, srv.State())
}

func TestServer_NoFrameWithoutEvents(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	listener := newFakeListener()
	srv, _, _ := startServer(t, registry, listener)

	conn := &fakeConn{}
	listener.conns <- conn

	require.Eventually(t, func() bool {
		return srv.Stats().Heartbeats >= 2
	}, time.Second, 5*time.Millisecond)

	batches, beats := conn.batches(t)
	assert.Empty(t, batches)
	assert.GreaterOrEqual(t, beats, 2)
	assert.Equal(t, uint64(0), srv.Stats().Frames)

	// probing is part of the connected state
	assert.Equal(t, StateConnected, srv.State())
}

func TestServer_ProberDetectsDisconnect(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	listener := newFakeListener()
	srv, _, _ := startServer(t, registry, listener)

	for i := 0; i < 3; i++ {
		conn := &fakeConn{}
		listener.conns <- conn

		require.Eventually(t, func() bool {
			return registry.Stats().Consumers == 1
		}, time.Second, 5*time.Millisecond)

		conn.vanish()

		require.Eventually(t, func() bool {
			return conn.isClosed() && registry.Stats().Consumers == 0 && srv.State() == StateListening
		}, time.Second, 5*time.Millisecond)
	}

	stats := srv.Stats()
	assert.Equal(t, uint64(3), stats.Sessions)
	assert.Equal(t, uint64(3), stats.Disconnects)
}

func TestServer_WriteFailureOnPushIsDisconnect(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	listener := newFakeListener()
	srv, _, _ := startServer(t, registry, listener)

	conn := &fakeConn{}
	listener.conns <- conn
	require.Eventually(t, func() bool {
		return registry.Stats().Consumers == 1
	}, time.Second, 5*time.Millisecond)

	conn.vanish()
	require.NoError(t, registry.NotifyOpened("file:///b.decl", "b"))

	require.Eventually(t, func() bool {
		return registry.Stats().Consumers == 0 && srv.State() == StateListening
	}, time.Second, 5*time.Millisecond)
}

func TestServer_KeepAliveTransportSkipsProbe(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	listener := newFakeListener()
	srv, _, _ := startServer(t, registry, listener)

	conn := &keepAliveConn{lost: make(chan struct{})}
	listener.conns <- conn

	require.Eventually(t, func() bool {
		return registry.Stats().Consumers == 1
	}, time.Second, 5*time.Millisecond)

	time.Sleep(5 * testConfig().ProbeInterval)
	_, beats := conn.batches(t)
	assert.Zero(t, beats)

	close(conn.lost)
	require.Eventually(t, func() bool {
		return registry.Stats().Consumers == 0 && conn.isClosed() && srv.State() == StateListening
	}, time.Second, 5*time.Millisecond)
}

func TestServer_CancelStopsConnectedSession(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	listener := newFakeListener()
	srv, cancel, result := startServer(t, registry, listener)

	conn := &fakeConn{}
	listener.conns <- conn
	require.Eventually(t, func() bool {
		return registry.Stats().Consumers == 1
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-result.done:
		require.NoError(t, result.err)
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	assert.Equal(t, StateStopped, srv.State())
	assert.True(t, conn.isClosed())
	assert.Zero(t, registry.Stats().Consumers)
	assert.Zero(t, srv.Stats().Disconnects)
}

func TestServer_RejectsSecondClient(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	listener := newFakeListener()
	srv, _, _ := startServer(t, registry, listener)

	first := &fakeConn{}
	listener.conns <- first
	require.Eventually(t, func() bool {
		return registry.Stats().Consumers == 1
	}, time.Second, 5*time.Millisecond)

	second := &fakeConn{}
	listener.conns <- second
	require.Eventually(t, second.isClosed, time.Second, 5*time.Millisecond)

	assert.Equal(t, uint64(1), srv.Stats().Rejected)
	assert.Equal(t, uint64(1), srv.Stats().Sessions)
	assert.False(t, first.isClosed())
	assert.Equal(t, 1, registry.Stats().Consumers)
	assert.Equal(t, StateConnected, srv.State())

	// the first client keeps receiving updates
	require.NoError(t, registry.NotifyOpened("file:///a.decl", "a"))
	require.Eventually(t, func() bool {
		batches, _ := first.batches(t)
		return len(batches) == 1
	}, time.Second, 5*time.Millisecond)
	batches, _ := second.batches(t)
	assert.Empty(t, batches)
}

func TestServer_RunTwice(t *testing.T) {
	registry := tracking.NewRegistry(nil)
	srv, _, _ := startServer(t, registry, newFakeListener())

	require.Eventually(t, func() bool {
		return srv.State() == StateListening
	}, time.Second, 5*time.Millisecond)
	assert.ErrorIs(t, srv.Run(context.Background()), ErrServerAlreadyRunning)
}

func TestConfig_Validate(t *testing.T) {
	require.NoError(t, DefaultConfig().Validate())

	cfg := DefaultConfig()
	cfg.ProbeInterval = 0
	assert.ErrorIs(t, cfg.Validate(), ErrInvalidConfig)
}
